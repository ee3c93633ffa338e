// Package codec defines the serialization codecs available for event
// payloads.
package codec

import (
	"errors"
	"fmt"
)

var (
	ErrNotRegistered = errors.New("strand: codec not registered")

	// Default codec used when none is configured.
	Default = JSON

	// Registry of codecs by name.
	Registry = &codecRegistry{
		m: map[string]Codec{
			"json":     JSON,
			"msgpack":  MsgPack,
			"protobuf": ProtoBuf,
			"binary":   Binary,
		},
	}
)

type codecRegistry struct {
	m map[string]Codec
}

func (c *codecRegistry) Get(name string) (Codec, error) {
	x, ok := c.m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return x, nil
}

// Names returns the registered codec names.
func (c *codecRegistry) Names() []string {
	names := make([]string, 0, len(c.m))
	for n := range c.m {
		names = append(names, n)
	}
	return names
}

// Codec marshals and unmarshals values to and from their storage
// representation.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte, v any) error
}
