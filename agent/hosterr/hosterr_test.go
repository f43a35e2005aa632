package hosterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		expKind Kind
	}{
		{
			name:    "plain error is internal",
			err:     errors.New("boom"),
			expKind: Internal,
		},
		{
			name:    "direct",
			err:     New(TimedOut, "pkill", "timed out after %s", "10s"),
			expKind: TimedOut,
		},
		{
			name:    "wrapped with fmt",
			err:     fmt.Errorf("running: %w", New(NotFound, "kill", "process 1 not found")),
			expKind: NotFound,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expKind, KindOf(c.err))
		})
	}
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(Internal, "x", nil))
}

func TestDetailAndOp(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(Forbidden, "command", "command %q not allowed", "rm"))
	assert.Equal(t, "command", OpOf(err, "fallback"))
	assert.Equal(t, `command "rm" not allowed`, Detail(err))
	assert.Equal(t, "fallback", OpOf(errors.New("x"), "fallback"))
	assert.True(t, Is(err, Forbidden))
	assert.False(t, Is(nil, Internal))
}
