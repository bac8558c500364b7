package p2p

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

const wireVersion = 1

func init() {
	gob.Register(OrderWire{})
}

// OrderWire frames one gossiped order.
type OrderWire struct {
	Version  uint8
	Envelope []byte // JSON-encoded transaction.SignedOrderEnvelope
}

func encodeOrder(envelope []byte) ([]byte, error) {
	return gobEncode(OrderWire{Version: wireVersion, Envelope: envelope})
}

func decodeOrder(data []byte) ([]byte, error) {
	var w OrderWire
	if err := gobDecode(data, &w); err != nil {
		return nil, err
	}
	if w.Version != wireVersion {
		return nil, fmt.Errorf("unsupported wire version %d", w.Version)
	}
	return w.Envelope, nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
