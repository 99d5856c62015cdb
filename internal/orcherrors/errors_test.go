package orcherrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindRecoverable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindParse, true},
		{KindProtocol, true},
		{KindPersist, true},
		{KindTimeout, false},
		{KindSessionMissing, false},
		{KindExitNonZero, false},
		{KindCancelled, false},
		{KindConcurrencyLimit, false},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, c.kind.Recoverable(), "kind %q", c.kind)
	}
}

func TestErrorFormatting(t *testing.T) {
	plain := New(KindTimeout, "engine did not respond")
	assert.Equal(t, "[timeout] engine did not respond", plain.Error())

	cause := errors.New("context deadline exceeded")
	wrapped := Wrap(KindTimeout, "engine did not respond", cause)
	assert.Equal(t, "[timeout] engine did not respond: context deadline exceeded", wrapped.Error())
	assert.Equal(t, cause, wrapped.Unwrap())
}

func TestIsMatchesWrappedKind(t *testing.T) {
	base := New(KindPersist, "write failed")
	wrapped := fmt.Errorf("saving log entry: %w", base)

	assert.True(t, Is(wrapped, KindPersist))
	assert.False(t, Is(wrapped, KindTimeout))
	assert.False(t, Is(errors.New("unrelated"), KindPersist))
}

func TestSentinelErrorsDistinct(t *testing.T) {
	require.NotErrorIs(t, ErrSessionLimitReached, ErrNoActiveExecution)
	require.NotErrorIs(t, ErrExternalSessionMissing, ErrRestartNotPermitted)
}
