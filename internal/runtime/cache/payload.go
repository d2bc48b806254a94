package cache

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags the shape of a cached value so both stores can hold JSON documents
// and raw bytes behind the same string representation.
type Kind uint8

const (
	KindJSON Kind = iota + 1
	KindBinary
)

func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindBinary:
		return "binary"
	default:
		return "unknown"
	}
}

const (
	jsonPrefix   = "j:"
	binaryPrefix = "b:"
)

var errUnknownPayload = errors.New("cache: unknown payload encoding")

// Payload is the tagged union stored by every tier.
type Payload struct {
	Kind Kind
	Data []byte
}

// JSONPayload serializes v into a JSON payload.
func JSONPayload(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("cache: marshal json payload: %w", err)
	}
	return Payload{Kind: KindJSON, Data: data}, nil
}

// BinaryPayload wraps raw bytes. The slice is copied so later mutation by the
// caller cannot reach the stored value.
func BinaryPayload(b []byte) Payload {
	return Payload{Kind: KindBinary, Data: append([]byte(nil), b...)}
}

// Encode renders the payload into its reversible text form: JSON documents are
// kept verbatim, binary data is base64 encoded.
func (p Payload) Encode() string {
	switch p.Kind {
	case KindJSON:
		return jsonPrefix + string(p.Data)
	case KindBinary:
		return binaryPrefix + base64.StdEncoding.EncodeToString(p.Data)
	default:
		return ""
	}
}

// DecodePayload reverses Encode.
func DecodePayload(raw string) (Payload, error) {
	if len(raw) < len(jsonPrefix) {
		return Payload{}, errUnknownPayload
	}
	switch raw[:2] {
	case jsonPrefix:
		return Payload{Kind: KindJSON, Data: []byte(raw[2:])}, nil
	case binaryPrefix:
		data, err := base64.StdEncoding.DecodeString(raw[2:])
		if err != nil {
			return Payload{}, fmt.Errorf("cache: decode binary payload: %w", err)
		}
		return Payload{Kind: KindBinary, Data: data}, nil
	default:
		return Payload{}, errUnknownPayload
	}
}

// Unmarshal decodes a JSON payload into dst.
func (p Payload) Unmarshal(dst any) error {
	if p.Kind != KindJSON {
		return fmt.Errorf("cache: payload is %s, want json", p.Kind)
	}
	if err := json.Unmarshal(p.Data, dst); err != nil {
		return fmt.Errorf("cache: unmarshal json payload: %w", err)
	}
	return nil
}

// Bytes returns the raw bytes of a binary payload.
func (p Payload) Bytes() ([]byte, error) {
	if p.Kind != KindBinary {
		return nil, fmt.Errorf("cache: payload is %s, want binary", p.Kind)
	}
	return p.Data, nil
}
