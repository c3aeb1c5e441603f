package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	err := Wrap(errWrapped, "Hello, Wrapped!")
	if err.Error() != "Hello, Wrapped!, err: wrapped error" {
		t.Fatalf("error mismatch: %+v", err)
	}
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "nothing"))
	assert.NoError(t, Wrapf(nil, "nothing %d", 1))
}

func TestWrapKeepsChain(t *testing.T) {
	err := Wrapf(Wrap(errWrapped, "inner"), "outer %d", 2)
	require.Error(t, err)
	assert.True(t, Is(err, errWrapped))
	assert.Equal(t, "outer 2, err: inner, err: wrapped error", err.Error())
	assert.Same(t, errWrapped, Cause(err))
}

func TestWrapEmptyText(t *testing.T) {
	assert.True(t, errors.Is(Wrap(errWrapped, ""), errWrapped))
}
