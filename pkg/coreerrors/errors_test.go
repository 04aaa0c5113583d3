package coreerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsType_DirectError(t *testing.T) {
	err := TierLimitExceeded("webhooks", "QUOTA_EXCEEDED")
	assert.True(t, IsType(err, TypeTierLimitExceeded))
	assert.False(t, IsType(err, TypeUnavailable))
}

func TestIsType_WrappedError(t *testing.T) {
	base := TierLimitExceeded("webhooks", "QUOTA_EXCEEDED")
	wrapped := fmt.Errorf("validate: %w", base)

	assert.True(t, IsType(wrapped, TypeTierLimitExceeded),
		"IsType must unwrap a %%w-wrapped *Error, not just match it directly")
}

func TestIsType_DoublyWrappedError(t *testing.T) {
	base := Unavailable("redis append failed", errors.New("dial tcp: refused"))
	wrapped := fmt.Errorf("action: send failed: %w", fmt.Errorf("client: %w", base))

	assert.True(t, IsType(wrapped, TypeUnavailable))
	assert.False(t, IsType(wrapped, TypePoison))
}

func TestIsType_UnrelatedError(t *testing.T) {
	assert.False(t, IsType(errors.New("plain error"), TypeHandler))
	assert.False(t, IsType(nil, TypeHandler))
}

func TestUnwrap_ExposesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Unavailable("append failed", cause)

	assert.Same(t, cause, errors.Unwrap(err))
	assert.ErrorIs(t, err, cause)
}
