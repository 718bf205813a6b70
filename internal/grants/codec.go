package grants

import (
	"encoding/json"
	"fmt"
	"sort"
)

// DecodeFunc turns a stored resource body back into its concrete type.
type DecodeFunc func(body []byte) (Resource, error)

// UnknownTypeError marks a resource type with no registered decoder.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("grants: unknown resource type %q", e.Type)
}

// Codec serializes resources for storage and decodes stored bodies through
// a registry of per-type decoders. The registry covers the closed set of
// known resource kinds and is fixed at construction.
type Codec struct {
	decoders map[string]DecodeFunc
}

// NewCodec constructs a Codec over the given registry.
func NewCodec(decoders map[string]DecodeFunc) *Codec {
	reg := make(map[string]DecodeFunc, len(decoders))
	for typ, fn := range decoders {
		reg[typ] = fn
	}
	return &Codec{decoders: reg}
}

// DefaultCodec covers the resource kinds shipped with the service.
func DefaultCodec() *Codec {
	return NewCodec(map[string]DecodeFunc{
		TypeAccount: func(body []byte) (Resource, error) {
			var a Account
			if err := json.Unmarshal(body, &a); err != nil {
				return nil, err
			}
			return a, nil
		},
		TypeApplication: func(body []byte) (Resource, error) {
			var a Application
			if err := json.Unmarshal(body, &a); err != nil {
				return nil, err
			}
			return a, nil
		},
		TypeRole: func(body []byte) (Resource, error) {
			var r Role
			if err := json.Unmarshal(body, &r); err != nil {
				return nil, err
			}
			return r, nil
		},
	})
}

// Types returns the registered resource types in sorted order.
func (c *Codec) Types() []string {
	types := make([]string, 0, len(c.decoders))
	for typ := range c.decoders {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Known reports whether a decoder is registered for the type.
func (c *Codec) Known(resourceType string) bool {
	_, ok := c.decoders[resourceType]
	return ok
}

// Encode serializes a resource for storage. Encoding an unregistered type
// is refused so rows never land that no reader could decode.
func (c *Codec) Encode(r Resource) ([]byte, error) {
	if !c.Known(r.ResourceType()) {
		return nil, &UnknownTypeError{Type: r.ResourceType()}
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("grants: encode %s %q: %w", r.ResourceType(), r.ResourceName(), err)
	}
	return body, nil
}

// Decode dispatches a stored body to the decoder registered for its type.
func (c *Codec) Decode(resourceType string, body []byte) (Resource, error) {
	fn, ok := c.decoders[resourceType]
	if !ok {
		return nil, &UnknownTypeError{Type: resourceType}
	}
	r, err := fn(body)
	if err != nil {
		return nil, fmt.Errorf("grants: decode %s: %w", resourceType, err)
	}
	return r, nil
}
