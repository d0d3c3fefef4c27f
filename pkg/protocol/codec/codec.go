// Package codec holds the payload encodings available to probe messages.
package codec

import (
	"fmt"
	"sort"
	"strings"
)

// Codec marshals probe messages. Implementations are deterministic so both
// ends of a session produce identical bytes for identical values.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps short names and content types to codecs.
type Registry struct{ byKey map[string]Codec }

// NewRegistry returns a registry preloaded with JSON, CBOR and Protobuf.
func NewRegistry() (*Registry, error) {
	r := &Registry{byKey: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(Proto())
	c, err := CBOR()
	if err != nil {
		return nil, err
	}
	r.Register(c)
	return r, nil
}

// Register adds c under its name and content type.
func (r *Registry) Register(c Codec) {
	r.byKey[c.Name()] = c
	r.byKey[c.ContentType()] = c
}

// Get returns the codec for a name or content type, or nil.
func (r *Registry) Get(key string) Codec { return r.byKey[strings.ToLower(key)] }

// Names lists the registered short names.
func (r *Registry) Names() []string {
	var out []string
	for k, c := range r.byKey {
		if k == c.Name() {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// ByName resolves a codec from the default registry.
func ByName(name string) (Codec, error) {
	r, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	c := r.Get(name)
	if c == nil {
		return nil, fmt.Errorf("unknown codec %q (have %s)", name, strings.Join(r.Names(), ", "))
	}
	return c, nil
}
