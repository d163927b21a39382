package events

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/steveyegge/claims/internal/types"
)

// Codec serializes event payloads for durable storage. The event type is
// stored next to the bytes and selects the variant on decode.
type Codec interface {
	Name() string
	EncodePayload(p Payload) ([]byte, error)
	DecodePayload(t EventType, data []byte) (Payload, error)
}

// CodecByName returns the codec registered under name. An empty name
// selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	}
	return nil, fmt.Errorf("%w: unknown payload codec %q (want json or cbor)", types.ErrInvalidArgument, name)
}

// JSONCodec stores payloads as JSON text.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) EncodePayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

func (JSONCodec) DecodePayload(t EventType, data []byte) (Payload, error) {
	ptr, ok := newPayload(t)
	if !ok {
		return nil, fmt.Errorf("%w: unknown event type %q", types.ErrInvalidArgument, t)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, ptr); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
		}
	}
	return deref(ptr), nil
}

// cborEnc uses Core Deterministic Encoding so the same payload always
// produces the same bytes.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("events: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("events: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec stores payloads as compact CBOR. Field names follow the json
// struct tags.
type CBORCodec struct{}

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) EncodePayload(p Payload) ([]byte, error) {
	return cborEnc.Marshal(p)
}

func (CBORCodec) DecodePayload(t EventType, data []byte) (Payload, error) {
	ptr, ok := newPayload(t)
	if !ok {
		return nil, fmt.Errorf("%w: unknown event type %q", types.ErrInvalidArgument, t)
	}
	if len(data) > 0 {
		if err := cborDec.Unmarshal(data, ptr); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
		}
	}
	return deref(ptr), nil
}
