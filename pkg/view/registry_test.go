package view

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/viewstore/pkg/document"
)

func noopMap(*document.Document, Emitter) error { return nil }

func otherMap(*document.Document, Emitter) error { return nil }

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	def := &Definition{Name: "by_name", Map: noopMap}

	require.NoError(t, reg.Register(def))
	// same functions and version register again without complaint
	require.NoError(t, reg.Register(&Definition{Name: "by_name", Map: noopMap}))

	err := reg.Register(&Definition{Name: "by_name", Map: otherMap})
	assert.ErrorIs(t, err, ErrDuplicateViewName)
	err = reg.Register(&Definition{Name: "by_name", Map: noopMap, Reduce: Sum})
	assert.ErrorIs(t, err, ErrDuplicateViewName)
	err = reg.Register(&Definition{Name: "by_name", Map: noopMap, Version: "2"})
	assert.ErrorIs(t, err, ErrDuplicateViewName)

	got, err := reg.Get("by_name")
	require.NoError(t, err)
	assert.Same(t, def, got)

	_, err = reg.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownView)
}

func TestRegistryRejectsInvalid(t *testing.T) {
	reg := NewRegistry()
	assert.ErrorIs(t, reg.Register(nil), ErrInvalidDefinition)
	assert.ErrorIs(t, reg.Register(&Definition{Map: noopMap}), ErrInvalidDefinition)
	assert.ErrorIs(t, reg.Register(&Definition{Name: "x"}), ErrInvalidDefinition)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryNames(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(
		&Definition{Name: "zeta", Map: noopMap},
		&Definition{Name: "alpha", Map: noopMap},
	)
	assert.Equal(t, []string{"alpha", "zeta"}, reg.Names())

	assert.Panics(t, func() {
		reg.MustRegister(&Definition{Name: "alpha", Map: otherMap})
	})
}
