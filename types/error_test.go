package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrPermanentExternal, "upstream rejected").
		WithCause(root).
		WithHTTPStatus(422).
		WithProcessor("fetch").
		WithEntity("org:1")

	if GetErrorCode(err) != ErrPermanentExternal {
		t.Fatalf("expected code %s, got %s", ErrPermanentExternal, GetErrorCode(err))
	}
	if IsRetryable(err) {
		t.Fatalf("permanent error must not be retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient wrap", Transient(errors.New("reset")), true},
		{"permanent wrap", Permanent(errors.New("bad")), false},
		{"wrapped transient", fmt.Errorf("call: %w", Transient(errors.New("x"))), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("plain"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestHTTPStatusCode(t *testing.T) {
	t.Parallel()

	assert.NoError(t, HTTPStatusCode(200, "ok"))
	assert.Equal(t, ErrTransientExternal, GetErrorCode(HTTPStatusCode(503, "down")))
	assert.Equal(t, ErrTransientExternal, GetErrorCode(HTTPStatusCode(429, "slow down")))
	assert.Equal(t, ErrPermanentExternal, GetErrorCode(HTTPStatusCode(404, "missing")))
	assert.True(t, IsTransient(HTTPStatusCode(500, "boom")))
	assert.False(t, IsTransient(HTTPStatusCode(400, "bad")))
}
