package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCause(t *testing.T) {
	original := New("original")
	wrapped := Wrapf(original, "tick run %d", 7)

	assert.Contains(t, wrapped.Error(), "tick run 7")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestNotFoundHelpers(t *testing.T) {
	err := NewNotFoundError("run %d", 42)
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
	assert.True(t, IsNotFoundError(Wrap(err, "status")))
	assert.False(t, IsNotFoundError(New("run 42 missing")))
	assert.False(t, IsNotFoundError(nil))
}

func TestInvalidRequestHelpers(t *testing.T) {
	err := NewInvalidRequestError("unknown kind %q", "nope")
	assert.True(t, IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), `unknown kind "nope"`)
	assert.False(t, IsInvalidRequestError(ErrNotFound))
}

func TestIsCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, IsCanceled(ctx.Err()))
	assert.True(t, IsCanceled(Wrap(ctx.Err(), "fetch")))
	assert.True(t, IsCanceled(fmt.Errorf("query: context canceled")))
	assert.False(t, IsCanceled(context.DeadlineExceeded))
	assert.False(t, IsCanceled(nil))
}

func TestWithDetail(t *testing.T) {
	err := WithDetail(New("tick failed"), "Run ID: 3")
	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "Run ID: 3", details[0])
}
