// Package app builds the holder once at startup and hands the pieces to whoever
// drives them: the HTTP wallet UI or the terminal.
package app

import (
	"errors"
	"fmt"

	"github.com/kokukuma/mdoc-holder/internal/config"
	"github.com/kokukuma/mdoc-holder/internal/log"
	"github.com/kokukuma/mdoc-holder/internal/wallet"
	"github.com/kokukuma/mdoc-holder/pkg/pki"
	"github.com/kokukuma/mdoc-holder/presentment"
	"github.com/kokukuma/mdoc-holder/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the application context. There is one per process, passed explicitly.
type App struct {
	Config   *config.Config
	Store    *wallet.Store
	Registry *prometheus.Registry
	Session  *presentment.Session
}

// Option adjusts how New wires the App.
type Option func(*options)

type options struct {
	factory transport.Factory
}

// WithTransportFactory replaces transport.DefaultFactory, e.g. with a platform factory
// that also serves BLE.
func WithTransportFactory(factory transport.Factory) Option {
	return func(o *options) {
		o.factory = factory
	}
}

// New configures logging, loads the wallet documents and creates the presentment session.
func New(cfg *config.Config, display presentment.Display, opts ...Option) (*App, error) {
	o := options{factory: transport.DefaultFactory}
	for _, opt := range opts {
		opt(&o)
	}

	if err := log.Configure(cfg.Verbosity, cfg.LoggerFormat); err != nil {
		return nil, err
	}
	logger := log.Module("app")

	store, err := loadStore(cfg.Wallet)
	if err != nil {
		return nil, err
	}
	logger.Infof("Wallet holds %d document(s)", len(store.List()))

	var sourceOpts []wallet.SourceOption
	if cfg.Wallet.ReaderRoots != "" {
		roots, err := pki.GetRootCertificates(cfg.Wallet.ReaderRoots)
		if err != nil {
			return nil, fmt.Errorf("failed to load wallet.readerroots: %w", err)
		}
		sourceOpts = append(sourceOpts, wallet.WithReaderRoots(roots))
	}

	methods, err := cfg.ConnectionMethods()
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics, err := presentment.NewMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	session := presentment.NewSession(presentment.Config{
		Version:           cfg.Presentment.Version,
		ConnectionMethods: methods,
		TransportFactory:  o.factory,
		TransportOptions:  cfg.TransportOptions(),
		Display:           display,
		Source:            wallet.NewSource(store, sourceOpts...),
		Metrics:           metrics,
		EngagementTimeout: cfg.Presentment.EngagementTimeout,
	})

	return &App{
		Config:   cfg,
		Store:    store,
		Registry: registry,
		Session:  session,
	}, nil
}

// Close ends any presentment in progress.
func (a *App) Close() {
	a.Session.Close()
}

func loadStore(cfg config.WalletConfig) (*wallet.Store, error) {
	store := wallet.NewStore()
	for _, d := range cfg.Documents {
		doc, err := wallet.LoadDocument(d.DisplayName, d.IssuerSigned, d.DeviceKey)
		if err != nil {
			return nil, err
		}
		store.Add(doc)
	}
	if len(cfg.Documents) == 0 {
		if !cfg.Demo {
			return nil, errors.New("no documents configured and wallet.demo is off")
		}
		doc, err := wallet.NewDemoDocument("Demo driving licence")
		if err != nil {
			return nil, err
		}
		store.Add(doc)
	}
	return store, nil
}
