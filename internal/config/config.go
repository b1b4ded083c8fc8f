// Package config loads the holder configuration from defaults, a yaml file, MDOC_
// environment variables and command line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/kokukuma/mdoc-holder/engagement"
	"github.com/kokukuma/mdoc-holder/transport"
	"github.com/spf13/pflag"
)

const (
	defaultConfigFile        = "mdoc-holder.yaml"
	configFileFlag           = "configfile"
	defaultPrefix            = "MDOC_"
	defaultDelimiter         = "."
	configValueListSeparator = ","
)

// Config is the holder configuration.
type Config struct {
	ConfigFile   string            `koanf:"configfile"`
	Verbosity    string            `koanf:"verbosity"`
	LoggerFormat string            `koanf:"loggerformat"`
	HTTP         HTTPConfig        `koanf:"http"`
	Presentment  PresentmentConfig `koanf:"presentment"`
	Transport    TransportConfig   `koanf:"transport"`
	Wallet       WalletConfig      `koanf:"wallet"`
}

type HTTPConfig struct {
	Address string `koanf:"address"`
	// CORSOrigin enables CORS for the listed origins.
	CORSOrigin []string `koanf:"corsorigin"`
}

type PresentmentConfig struct {
	Version string `koanf:"version"`
	// Methods are the connection methods to advertise, in engagement order: tcp, websocket, ble.
	Methods           []string      `koanf:"methods"`
	EngagementTimeout time.Duration `koanf:"engagementtimeout"`
}

type TransportConfig struct {
	Host           string `koanf:"host"`
	AdvertisedHost string `koanf:"advertisedhost"`
	TCPPort        int    `koanf:"tcpport"`
	MaxMessageSize int64  `koanf:"maxmessagesize"`
	BleL2CAP       bool   `koanf:"blel2cap"`
}

type WalletConfig struct {
	// Demo adds a self issued sample mDL when no documents are configured.
	Demo      bool             `koanf:"demo"`
	Documents []DocumentConfig `koanf:"documents"`
	// ReaderRoots is a PEM file of the roots trusted for reader authentication.
	ReaderRoots string `koanf:"readerroots"`
}

type DocumentConfig struct {
	DisplayName  string `koanf:"displayname"`
	IssuerSigned string `koanf:"issuersigned"`
	DeviceKey    string `koanf:"devicekey"`
}

// Default returns the configuration used for keys that are set nowhere else.
func Default() Config {
	return Config{
		ConfigFile:   defaultConfigFile,
		Verbosity:    "info",
		LoggerFormat: "text",
		HTTP: HTTPConfig{
			Address: ":8080",
		},
		Presentment: PresentmentConfig{
			Version: engagement.Version10,
			Methods: []string{"tcp", "websocket"},
		},
		Transport: TransportConfig{
			MaxMessageSize: 1 << 20,
		},
		Wallet: WalletConfig{
			Demo: true,
		},
	}
}

// FlagSet returns the flags that override configuration keys.
func FlagSet() *pflag.FlagSet {
	defs := Default()
	flagSet := pflag.NewFlagSet("config", pflag.ContinueOnError)
	flagSet.String(configFileFlag, defs.ConfigFile, "Config file (yaml)")
	flagSet.String("verbosity", defs.Verbosity, "Log level (trace, debug, info, warn, error)")
	flagSet.String("loggerformat", defs.LoggerFormat, "Log format (text, json)")
	flagSet.String("http.address", defs.HTTP.Address, "Address the wallet UI listens on")
	flagSet.StringSlice("presentment.methods", defs.Presentment.Methods, "Connection methods to advertise (tcp, websocket, ble)")
	flagSet.Duration("presentment.engagementtimeout", 0, "How long to wait for a reader to connect, 0 waits until cancelled")
	flagSet.String("transport.host", "", "Local address transports listen on")
	flagSet.String("transport.advertisedhost", "", "Host put in the engagement, defaults to transport.host")
	flagSet.Int("transport.tcpport", 0, "TCP port to listen on, 0 picks a free port")
	flagSet.Bool("wallet.demo", defs.Wallet.Demo, "Add a self issued demo mDL when no documents are configured")
	flagSet.String("wallet.readerroots", "", "PEM file with the roots trusted for reader authentication")
	return flagSet
}

// Load reads the configuration. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(defaultDelimiter)

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if err := loadFromFile(k, resolveConfigFilePath(flags)); err != nil {
		return nil, err
	}
	if err := loadFromEnv(k); err != nil {
		return nil, err
	}
	if flags != nil {
		if err := k.Load(posflag.Provider(flags, defaultDelimiter, k), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(k *koanf.Koanf, path string) error {
	if path == "" {
		return nil
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	return nil
}

func loadFromEnv(k *koanf.Koanf) error {
	e := env.ProviderWithValue(defaultPrefix, defaultDelimiter, func(rawKey string, rawValue string) (string, interface{}) {
		key := strings.Replace(strings.ToLower(strings.TrimPrefix(rawKey, defaultPrefix)), "_", defaultDelimiter, -1)

		// Support multiple values separated by a comma
		if strings.Contains(rawValue, configValueListSeparator) {
			values := strings.Split(rawValue, configValueListSeparator)
			for i, value := range values {
				values[i] = strings.TrimSpace(value)
			}
			return key, values
		}
		return key, rawValue
	})
	return k.Load(e, nil)
}

// resolveConfigFilePath takes the config file from the flags, then the environment,
// then the default.
func resolveConfigFilePath(flags *pflag.FlagSet) string {
	if flags != nil && flags.Changed(configFileFlag) {
		path, _ := flags.GetString(configFileFlag)
		return path
	}
	if path, ok := os.LookupEnv(defaultPrefix + strings.ToUpper(configFileFlag)); ok {
		return path
	}
	return defaultConfigFile
}

func (c *Config) validate() error {
	if c.Presentment.Version == "" {
		return errors.New("presentment.version is empty")
	}
	if _, err := c.ConnectionMethods(); err != nil {
		return err
	}
	for i, doc := range c.Wallet.Documents {
		if doc.IssuerSigned == "" || doc.DeviceKey == "" {
			return fmt.Errorf("wallet.documents[%d]: issuersigned and devicekey are required", i)
		}
	}
	return nil
}

// ConnectionMethods maps presentment.methods to the methods to advertise. Socket
// methods get their address when advertised.
func (c *Config) ConnectionMethods() ([]engagement.ConnectionMethod, error) {
	if len(c.Presentment.Methods) == 0 {
		return nil, errors.New("presentment.methods is empty")
	}
	methods := make([]engagement.ConnectionMethod, 0, len(c.Presentment.Methods))
	for _, name := range c.Presentment.Methods {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "tcp":
			methods = append(methods, engagement.TCP{Host: c.Transport.Host, Port: c.Transport.TCPPort})
		case "websocket", "ws":
			methods = append(methods, engagement.WebSocket{})
		case "ble":
			methods = append(methods, engagement.BLE{
				SupportsPeripheralServerMode: true,
				PeripheralServerModeUUID:     uuid.New(),
			})
		default:
			return nil, fmt.Errorf("unknown connection method in presentment.methods: %q", name)
		}
	}
	return methods, nil
}

// TransportOptions returns the options passed to transports.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		Host:           c.Transport.Host,
		AdvertisedHost: c.Transport.AdvertisedHost,
		BleUseL2CAP:    c.Transport.BleL2CAP,
		MaxMessageSize: c.Transport.MaxMessageSize,
	}
}
