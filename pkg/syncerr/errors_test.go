package syncerr

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := Newf(ErrResourceBusy, "recording already active")
	wrapped := fmt.Errorf("start: %w", base)

	assert.True(t, errors.Is(wrapped, ErrResourceBusy))
	assert.Equal(t, ErrResourceBusy, Kind(wrapped))
	assert.False(t, Retryable(wrapped))
}

func TestWrapfKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrapf(ErrNetworkUnavailable, cause, "list conversations")

	assert.True(t, errors.Is(err, ErrNetworkUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.True(t, Retryable(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestKindOfPlainError(t *testing.T) {
	assert.Nil(t, Kind(errors.New("boom")))
	assert.Nil(t, Kind(nil))
	assert.False(t, IsNotFound(errors.New("boom")))
	assert.True(t, IsNotFound(Newf(ErrNotFound, "message %s", "m1")))
}

func TestKindsMatchStandardErrorsIs(t *testing.T) {
	for _, kind := range kinds {
		err := fmt.Errorf("outer: %w", Newf(kind, "op failed"))
		assert.True(t, stderrors.Is(err, kind), "kind %v", kind)
		assert.ErrorIs(t, err, kind)
		for _, other := range kinds {
			if other != kind {
				assert.False(t, stderrors.Is(err, other), "kind %v matched %v", kind, other)
			}
		}
	}

	cause := stderrors.New("connection reset")
	err := Wrapf(ErrNetworkUnavailable, cause, "send")
	assert.True(t, stderrors.Is(err, ErrNetworkUnavailable))
	assert.True(t, stderrors.Is(err, cause))
}

func TestOuterKindWins(t *testing.T) {
	inner := Newf(ErrNotFound, "conversation c-1")
	err := Wrapf(ErrRemoteRejected, inner, "remove")
	assert.Equal(t, ErrRemoteRejected, Kind(err))
	assert.True(t, IsNotFound(err))
}
