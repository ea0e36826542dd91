package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Codec is the Strategy for encoding/decoding envelopes on the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default JSON implementation.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// CodecFactory constructs codecs via Factory pattern.
type CodecFactory func() Codec

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		"json": func() Codec { return JSONCodec{} },
	}
)

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("eventbus: codec name must not be empty")
	}
	if factory == nil {
		return errors.New("eventbus: codec factory must not be nil")
	}
	codecRegistryMu.Lock()
	codecRegistry[name] = factory
	codecRegistryMu.Unlock()
	return nil
}

// NewCodec constructs a codec by name or returns an error.
func NewCodec(name string) (Codec, error) {
	codecRegistryMu.RLock()
	f, ok := codecRegistry[name]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("eventbus: codec %q not registered", name)
	}
	return f(), nil
}

// DecodePayload unmarshals an envelope's payload into a typed value. On the
// inbound path the payload is raw bytes and is decoded directly; a payload
// still holding the producer's value goes through one codec round trip.
func DecodePayload[T any](c Codec, env *Envelope) (T, error) {
	var v T
	if c == nil {
		c = JSONCodec{}
	}
	if raw, ok := env.Payload.(json.RawMessage); ok {
		err := c.Unmarshal(raw, &v)
		return v, err
	}
	data, err := c.Marshal(env.Payload)
	if err != nil {
		return v, err
	}
	err = c.Unmarshal(data, &v)
	return v, err
}
