package engagement

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// MethodType identifies a device retrieval method, ISO/IEC 18013-5 §8.2.1.1.
type MethodType uint64

const (
	MethodTypeNFC       MethodType = 1
	MethodTypeBLE       MethodType = 2
	MethodTypeWiFiAware MethodType = 3

	// TCP and WebSocket are not assigned by ISO/IEC 18013-5. They live in a private
	// range so readers that don't know them skip them like any unknown method.
	MethodTypeTCP       MethodType = 0x10000
	MethodTypeWebSocket MethodType = 0x10001
)

// RetrievalMethodVersion is the only version defined for device retrieval methods.
const RetrievalMethodVersion = 1

func (t MethodType) String() string {
	switch t {
	case MethodTypeNFC:
		return "nfc"
	case MethodTypeBLE:
		return "ble"
	case MethodTypeWiFiAware:
		return "wifi-aware"
	case MethodTypeTCP:
		return "tcp"
	case MethodTypeWebSocket:
		return "websocket"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

// ConnectionMethod describes one way a reader can reach the holder. Implementations
// are immutable values.
type ConnectionMethod interface {
	Type() MethodType
	Version() uint64
	// Options returns the CBOR encoded retrieval options.
	Options() ([]byte, error)
	String() string
}

// BLE is the Bluetooth Low Energy device retrieval method.
type BLE struct {
	SupportsPeripheralServerMode bool
	SupportsCentralClientMode    bool
	PeripheralServerModeUUID     uuid.UUID
	CentralClientModeUUID        uuid.UUID
	// PeripheralServerModeAddress is the optional device MAC address.
	PeripheralServerModeAddress []byte
}

type bleOptions struct {
	PeripheralServerMode        bool   `cbor:"0,keyasint"`
	CentralClientMode           bool   `cbor:"1,keyasint"`
	PeripheralServerModeUUID    []byte `cbor:"10,keyasint,omitempty"`
	CentralClientModeUUID       []byte `cbor:"11,keyasint,omitempty"`
	PeripheralServerModeAddress []byte `cbor:"20,keyasint,omitempty"`
}

func (BLE) Type() MethodType { return MethodTypeBLE }

func (BLE) Version() uint64 { return RetrievalMethodVersion }

func (m BLE) Options() ([]byte, error) {
	opts := bleOptions{
		PeripheralServerMode:        m.SupportsPeripheralServerMode,
		CentralClientMode:           m.SupportsCentralClientMode,
		PeripheralServerModeAddress: m.PeripheralServerModeAddress,
	}
	if m.PeripheralServerModeUUID != uuid.Nil {
		opts.PeripheralServerModeUUID = m.PeripheralServerModeUUID[:]
	}
	if m.CentralClientModeUUID != uuid.Nil {
		opts.CentralClientModeUUID = m.CentralClientModeUUID[:]
	}
	return encMode.Marshal(opts)
}

func (m BLE) String() string {
	return fmt.Sprintf("ble:peripheral_server_mode=%t:central_client_mode=%t:peripheral_server_uuid=%s:central_client_uuid=%s",
		m.SupportsPeripheralServerMode, m.SupportsCentralClientMode, m.PeripheralServerModeUUID, m.CentralClientModeUUID)
}

// NFC is the NFC device retrieval method.
type NFC struct {
	MaxCommandDataLength  uint64
	MaxResponseDataLength uint64
}

type nfcOptions struct {
	MaxCommandDataLength  uint64 `cbor:"0,keyasint"`
	MaxResponseDataLength uint64 `cbor:"1,keyasint"`
}

func (NFC) Type() MethodType { return MethodTypeNFC }

func (NFC) Version() uint64 { return RetrievalMethodVersion }

func (m NFC) Options() ([]byte, error) {
	return encMode.Marshal(nfcOptions(m))
}

func (m NFC) String() string {
	return fmt.Sprintf("nfc:cmd_max_length=%d:data_max_length=%d", m.MaxCommandDataLength, m.MaxResponseDataLength)
}

// TCP is a plain TCP socket on which the holder listens.
type TCP struct {
	Host string
	Port int
}

type tcpOptions struct {
	Host string `cbor:"0,keyasint"`
	Port int    `cbor:"1,keyasint"`
}

func (TCP) Type() MethodType { return MethodTypeTCP }

func (TCP) Version() uint64 { return RetrievalMethodVersion }

func (m TCP) Options() ([]byte, error) {
	return encMode.Marshal(tcpOptions(m))
}

func (m TCP) String() string {
	return fmt.Sprintf("tcp:host=%s:port=%d", m.Host, m.Port)
}

// WebSocket is a WebSocket endpoint served by the holder.
type WebSocket struct {
	URL string
}

type webSocketOptions struct {
	URL string `cbor:"0,keyasint"`
}

func (WebSocket) Type() MethodType { return MethodTypeWebSocket }

func (WebSocket) Version() uint64 { return RetrievalMethodVersion }

func (m WebSocket) Options() ([]byte, error) {
	return encMode.Marshal(webSocketOptions(m))
}

func (m WebSocket) String() string {
	return "websocket:url=" + m.URL
}

// Unknown keeps a retrieval method this package doesn't understand, so that decoding
// and re-encoding an engagement preserves it.
type Unknown struct {
	MethodType    MethodType
	MethodVersion uint64
	RawOptions    cbor.RawMessage
}

func (m Unknown) Type() MethodType { return m.MethodType }

func (m Unknown) Version() uint64 { return m.MethodVersion }

func (m Unknown) Options() ([]byte, error) {
	if len(m.RawOptions) == 0 {
		return encMode.Marshal(map[int]interface{}{})
	}
	return m.RawOptions, nil
}

func (m Unknown) String() string {
	return fmt.Sprintf("%s:version=%d", m.MethodType, m.MethodVersion)
}

// DeviceRetrievalMethod = [type, version, options]
type retrievalMethod struct {
	_       struct{} `cbor:",toarray"`
	Type    uint64
	Version uint64
	Options cbor.RawMessage
}

func encodeConnectionMethod(m ConnectionMethod) (retrievalMethod, error) {
	if m == nil {
		return retrievalMethod{}, fmt.Errorf("connection method is nil")
	}
	opts, err := m.Options()
	if err != nil {
		return retrievalMethod{}, fmt.Errorf("failed to encode options of %s: %w", m, err)
	}
	return retrievalMethod{
		Type:    uint64(m.Type()),
		Version: m.Version(),
		Options: opts,
	}, nil
}

func decodeConnectionMethod(rm retrievalMethod) (ConnectionMethod, error) {
	if rm.Version != RetrievalMethodVersion {
		return Unknown{MethodType: MethodType(rm.Type), MethodVersion: rm.Version, RawOptions: rm.Options}, nil
	}

	switch MethodType(rm.Type) {
	case MethodTypeBLE:
		var opts bleOptions
		if err := cbor.Unmarshal(rm.Options, &opts); err != nil {
			return nil, malformed("ble options: %v", err)
		}
		m := BLE{
			SupportsPeripheralServerMode: opts.PeripheralServerMode,
			SupportsCentralClientMode:    opts.CentralClientMode,
			PeripheralServerModeAddress:  opts.PeripheralServerModeAddress,
		}
		var err error
		if len(opts.PeripheralServerModeUUID) > 0 {
			if m.PeripheralServerModeUUID, err = uuid.FromBytes(opts.PeripheralServerModeUUID); err != nil {
				return nil, malformed("peripheral server mode uuid: %v", err)
			}
		}
		if len(opts.CentralClientModeUUID) > 0 {
			if m.CentralClientModeUUID, err = uuid.FromBytes(opts.CentralClientModeUUID); err != nil {
				return nil, malformed("central client mode uuid: %v", err)
			}
		}
		return m, nil
	case MethodTypeNFC:
		var opts nfcOptions
		if err := cbor.Unmarshal(rm.Options, &opts); err != nil {
			return nil, malformed("nfc options: %v", err)
		}
		return NFC(opts), nil
	case MethodTypeTCP:
		var opts tcpOptions
		if err := cbor.Unmarshal(rm.Options, &opts); err != nil {
			return nil, malformed("tcp options: %v", err)
		}
		return TCP(opts), nil
	case MethodTypeWebSocket:
		var opts webSocketOptions
		if err := cbor.Unmarshal(rm.Options, &opts); err != nil {
			return nil, malformed("websocket options: %v", err)
		}
		return WebSocket(opts), nil
	default:
		return Unknown{MethodType: MethodType(rm.Type), MethodVersion: rm.Version, RawOptions: rm.Options}, nil
	}
}
