package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesCode(t *testing.T) {
	err := New(CodeInvalidInput, "name is required")

	assert.True(t, HasCode(err, CodeInvalidInput))
	assert.False(t, HasCode(err, CodeNotFound))
	assert.Equal(t, "invalid_input: name is required", err.Error())
}

func TestWrapKeepsCauseReachable(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, CodeStorage, "put entity")

	require.Error(t, err)
	assert.True(t, HasCode(err, CodeStorage))
	assert.ErrorIs(t, err, cause, "errors.Is must reach the storage cause")
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, CodeStorage, "ignored"))
}

func TestHasCodeWalksChain(t *testing.T) {
	inner := New(CodeNotFound, "entity missing")
	outer := Wrap(inner, CodeStorage, "load during merge")

	assert.True(t, HasCode(outer, CodeStorage))
	assert.True(t, HasCode(outer, CodeNotFound), "inner code must stay visible")
	assert.False(t, HasCode(outer, CodeConflict))
}

func TestHasCodeOnForeignError(t *testing.T) {
	err := fmt.Errorf("plain failure")
	assert.False(t, HasCode(err, CodeInternal))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeConflict, CodeOf(New(CodeConflict, "source key taken")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("opaque")))
}

func TestIsAliasesHasCode(t *testing.T) {
	err := Newf(CodeInvariantViolation, "attribute %q has two open entries", "email")
	assert.True(t, Is(err, CodeInvariantViolation))
}
