package c2verr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWrapsNil(t *testing.T) {
	require.NoError(t, New(Environment, "open", nil))
}

func TestIsMatchesKind(t *testing.T) {
	err := New(Format, "open_index", ErrUnsupportedSchema)
	assert.True(t, Is(err, Format))
	assert.False(t, Is(err, Sandbox))
	assert.True(t, errors.Is(err, ErrUnsupportedSchema))
}

func TestErrorString(t *testing.T) {
	err := New(State, "find_entry", ErrNotDirectory)
	assert.Contains(t, err.Error(), "state")
	assert.Contains(t, err.Error(), "find_entry")
}
