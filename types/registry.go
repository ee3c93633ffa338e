// Package types maps event type names and payload schema revisions to Go
// types, so values marshal transparently to their network and storage
// representation and back. The schema revision is independent of an
// aggregate's version sequence: it only changes when the payload changes
// shape.
package types

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"

	"github.com/strandlabs/strand/codec"
)

var (
	ErrTypeNotValid      = errors.New("strand: type not valid")
	ErrTypeNotRegistered = errors.New("strand: type not registered")
	ErrSchemaUnknown     = errors.New("strand: schema revision unknown")
	ErrNoTypeForStruct   = errors.New("strand: no type for struct")

	nameRegex = regexp.MustCompile(`^[\w-]+(\.[\w-]+)*$`)
)

func validateTypeName(n string) error {
	if !nameRegex.MatchString(n) {
		return fmt.Errorf("%w: name %q has invalid characters", ErrTypeNotValid, n)
	}
	return nil
}

// Type describes one schema revision of an event type.
type Type struct {
	// Init returns a pointer to a zero value of the Go type for this
	// revision.
	Init func() any

	// Schema is the revision number. Zero is normalized to one on
	// registration. Revisions added with Revise must be the successor of
	// the current latest.
	Schema uint32

	// Upgrade converts a decoded value of the previous revision to this
	// one. Required for every revision after the first, so a consumer
	// always receives the latest shape regardless of what was stored.
	Upgrade func(prev any) (any, error)
}

type registryOption func(o *Registry) error

func (f registryOption) addOption(o *Registry) error {
	return f(o)
}

// RegistryOption models an option when creating a type registry.
type RegistryOption interface {
	addOption(o *Registry) error
}

// Codec is a registry option to define the desired serialization codec.
func Codec(name string) RegistryOption {
	return registryOption(func(o *Registry) error {
		c, err := codec.Registry.Get(name)
		if err != nil {
			return err
		}

		o.codec = c
		return nil
	})
}

type ident struct {
	name   string
	schema uint32
}

// Registry indexes event types by name and schema revision. Unknown
// combinations are a hard error on lookup, never silently ignored.
type Registry struct {
	codec codec.Codec

	// (name, schema) index of revisions.
	types map[ident]*Type

	// Latest registered revision per name.
	latest map[string]uint32

	// Reflection type to the identity, for transparent marshaling.
	rtypes map[reflect.Type]ident
}

func (r *Registry) Codec() codec.Codec {
	return r.codec
}

func (r *Registry) validate(name string, typ *Type) error {
	if name == "" {
		return fmt.Errorf("%w: missing name", ErrTypeNotValid)
	}

	if err := validateTypeName(name); err != nil {
		return err
	}

	if typ.Init == nil {
		return fmt.Errorf("%w: %s: init func is nil", ErrTypeNotValid, name)
	}

	// Ensure the initialized value is not nil.
	v := typ.Init()
	if v == nil {
		return fmt.Errorf("%w: %s: init func returns nil", ErrTypeNotValid, name)
	}

	// Get the Go type in order to transparently serialize to the correct name.
	rt := reflect.TypeOf(v)

	// Ensure the initialized type is a pointer so that deserialization works.
	if rt.Kind() != reflect.Ptr {
		return fmt.Errorf("%w: %s: init func must return a pointer value", ErrTypeNotValid, name)
	}

	// Ensure that the pointer value is a struct type.
	if rt.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w: %s: value type must be a struct", ErrTypeNotValid, name)
	}

	// Ensure [de]serialization works in the base case.
	b, err := r.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %s: failed to marshal with codec: %s", ErrTypeNotValid, name, err)
	}

	err = r.codec.Unmarshal(b, v)
	if err != nil {
		return fmt.Errorf("%w: %s: failed to unmarshal with codec: %s", ErrTypeNotValid, name, err)
	}

	return nil
}

func (r *Registry) addType(name string, typ *Type) {
	schema := typ.Schema
	if schema == 0 {
		schema = 1
	}

	id := ident{name: name, schema: schema}
	r.types[id] = typ
	r.latest[name] = schema

	// Initialize a value, reflect the type to index. Only the latest
	// revision is indexed by Go type: new events are always produced in the
	// latest shape.
	v := typ.Init()
	rt := reflect.TypeOf(v)

	r.rtypes[rt] = id
	r.rtypes[rt.Elem()] = id
}

// Revise registers the next schema revision for an already registered name.
// The revision must be the successor of the current latest and carry an
// Upgrade function from it.
func (r *Registry) Revise(name string, typ *Type) error {
	latest, ok := r.latest[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTypeNotRegistered, name)
	}

	if typ.Schema != latest+1 {
		return fmt.Errorf("%w: %s: revision %d does not follow %d", ErrTypeNotValid, name, typ.Schema, latest)
	}

	if typ.Upgrade == nil {
		return fmt.Errorf("%w: %s: revision %d requires an upgrade func", ErrTypeNotValid, name, typ.Schema)
	}

	if err := r.validate(name, typ); err != nil {
		return err
	}

	r.addType(name, typ)
	return nil
}

// Init initializes a value for the named type at the given schema revision.
// Schema zero means the latest revision.
func (r *Registry) Init(name string, schema uint32) (any, error) {
	if schema == 0 {
		var ok bool
		schema, ok = r.latest[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrTypeNotRegistered, name)
		}
	}

	x, ok := r.types[ident{name: name, schema: schema}]
	if !ok {
		if _, known := r.latest[name]; !known {
			return nil, fmt.Errorf("%w: %s", ErrTypeNotRegistered, name)
		}
		return nil, fmt.Errorf("%w: %s revision %d", ErrSchemaUnknown, name, schema)
	}

	return x.Init(), nil
}

// Latest returns the latest registered schema revision for a name.
func (r *Registry) Latest(name string) (uint32, error) {
	schema, ok := r.latest[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTypeNotRegistered, name)
	}
	return schema, nil
}

// Lookup returns the registered name and schema revision given a value.
func (r *Registry) Lookup(v any) (string, uint32, error) {
	rt := reflect.TypeOf(v)
	id, ok := r.rtypes[rt]
	if !ok {
		return "", 0, fmt.Errorf("%w: %s", ErrNoTypeForStruct, rt)
	}

	return id.name, id.schema, nil
}

// Marshal serializes the value to a byte slice. This call validates the type
// is registered and delegates to the codec.
func (r *Registry) Marshal(v any) ([]byte, error) {
	_, _, err := r.Lookup(v)
	if err != nil {
		return nil, err
	}

	b, err := r.codec.Marshal(v)
	if err != nil {
		return b, fmt.Errorf("%T: marshal error: %w", v, err)
	}
	return b, nil
}

// Unmarshal deserializes a byte slice into the value. This call validates
// the type is registered and delegates to the codec.
func (r *Registry) Unmarshal(b []byte, v any) error {
	_, _, err := r.Lookup(v)
	if err != nil {
		return err
	}

	err = r.codec.Unmarshal(b, v)
	if err != nil {
		return fmt.Errorf("%T: unmarshal error: %w", v, err)
	}
	return nil
}

// Decode initializes a value for the stored (name, schema) pair, unmarshals
// the byte slice into it, and upgrades it revision by revision to the
// latest shape before returning it.
func (r *Registry) Decode(name string, schema uint32, b []byte) (any, error) {
	if schema == 0 {
		schema = 1
	}

	v, err := r.Init(name, schema)
	if err != nil {
		return nil, err
	}

	if err := r.codec.Unmarshal(b, v); err != nil {
		return nil, fmt.Errorf("%T: unmarshal error: %w", v, err)
	}

	latest := r.latest[name]
	for s := schema + 1; s <= latest; s++ {
		typ := r.types[ident{name: name, schema: s}]
		v, err = typ.Upgrade(v)
		if err != nil {
			return nil, fmt.Errorf("strand: %s: upgrade to revision %d: %w", name, s, err)
		}
	}

	return v, nil
}

func NewRegistry(types map[string]*Type, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		codec:  codec.Default,
		types:  make(map[ident]*Type),
		latest: make(map[string]uint32),
		rtypes: make(map[reflect.Type]ident),
	}

	for _, f := range opts {
		if err := f.addOption(r); err != nil {
			return nil, err
		}
	}

	for n, t := range types {
		if t.Schema > 1 {
			return nil, fmt.Errorf("%w: %s: first revision must be 1", ErrTypeNotValid, n)
		}
		err := r.validate(n, t)
		if err != nil {
			return nil, err
		}
		r.addType(n, t)
	}

	return r, nil
}
