package types

import (
	"testing"

	"github.com/strandlabs/strand/testutil"
)

type userCreatedV1 struct {
	Name string
}

type userCreatedV2 struct {
	First string
	Last  string
}

func TestNewRegistry(t *testing.T) {
	// Base case.
	type A struct{}

	// Not serializable.
	type B struct {
		C chan int
	}

	tests := map[string]struct {
		Init func() any
		Err  bool
	}{
		"base": {
			func() any { return &A{} },
			false,
		},
		"no-init": {
			nil,
			true,
		},
		"non-pointer": {
			func() any { return A{} },
			true,
		},
		"not-serializable": {
			func() any { return &B{} },
			true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewRegistry(map[string]*Type{
				"a": {
					Init: test.Init,
				},
			})
			if err != nil && !test.Err {
				t.Errorf("unexpected error: %s", err)
			} else if err == nil && test.Err {
				t.Errorf("expected error")
			}
		})
	}
}

func TestRegistryLookup(t *testing.T) {
	is := testutil.NewIs(t)

	r, err := NewRegistry(map[string]*Type{
		"user-created": {
			Init: func() any { return &userCreatedV1{} },
		},
	})
	is.NoErr(err)

	name, schema, err := r.Lookup(&userCreatedV1{})
	is.NoErr(err)
	is.Equal(name, "user-created")
	is.Equal(schema, uint32(1))

	_, _, err = r.Lookup(&userCreatedV2{})
	is.Err(err, ErrNoTypeForStruct)

	_, err = r.Init("user-created", 2)
	is.Err(err, ErrSchemaUnknown)

	_, err = r.Init("user-deleted", 0)
	is.Err(err, ErrTypeNotRegistered)
}

func TestRegistryRevise(t *testing.T) {
	is := testutil.NewIs(t)

	r, err := NewRegistry(map[string]*Type{
		"user-created": {
			Init: func() any { return &userCreatedV1{} },
		},
	})
	is.NoErr(err)

	// A revision must follow the latest and carry an upgrade.
	err = r.Revise("user-created", &Type{
		Schema: 2,
		Init:   func() any { return &userCreatedV2{} },
	})
	is.Err(err, ErrTypeNotValid)

	err = r.Revise("user-created", &Type{
		Schema: 3,
		Init:   func() any { return &userCreatedV2{} },
		Upgrade: func(prev any) (any, error) {
			return prev, nil
		},
	})
	is.Err(err, ErrTypeNotValid)

	err = r.Revise("user-created", &Type{
		Schema: 2,
		Init:   func() any { return &userCreatedV2{} },
		Upgrade: func(prev any) (any, error) {
			v1 := prev.(*userCreatedV1)
			return &userCreatedV2{First: v1.Name}, nil
		},
	})
	is.NoErr(err)

	latest, err := r.Latest("user-created")
	is.NoErr(err)
	is.Equal(latest, uint32(2))

	// New values resolve to the latest revision.
	name, schema, err := r.Lookup(&userCreatedV2{})
	is.NoErr(err)
	is.Equal(name, "user-created")
	is.Equal(schema, uint32(2))
}

func TestRegistryDecodeUpgrades(t *testing.T) {
	is := testutil.NewIs(t)

	r, err := NewRegistry(map[string]*Type{
		"user-created": {
			Init: func() any { return &userCreatedV1{} },
		},
	})
	is.NoErr(err)

	// Stored payload in the first revision's shape.
	b, err := r.Marshal(&userCreatedV1{Name: "ada"})
	is.NoErr(err)

	err = r.Revise("user-created", &Type{
		Schema: 2,
		Init:   func() any { return &userCreatedV2{} },
		Upgrade: func(prev any) (any, error) {
			v1 := prev.(*userCreatedV1)
			return &userCreatedV2{First: v1.Name}, nil
		},
	})
	is.NoErr(err)

	// Decoding the old payload yields the latest shape.
	v, err := r.Decode("user-created", 1, b)
	is.NoErr(err)

	v2, ok := v.(*userCreatedV2)
	is.True(ok)
	is.Equal(v2.First, "ada")
}
