package apperr

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrapped(t *testing.T) {
	base := Conflict("already decided")
	wrapped := fmt.Errorf("record swipe: %w", base)

	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindConflict))
	assert.False(t, Is(wrapped, KindValidation))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	e, ok := As(RateLimited(0))
	require.True(t, ok)
	assert.Equal(t, time.Second, e.RetryAfter)

	e, ok = As(RateLimited(3 * time.Second))
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, e.RetryAfter)
}

func TestErrorMessageIncludesReasonAndCause(t *testing.T) {
	err := WithReason(KindAuthorization, "payment rejected", "MEMO_MISMATCH")
	assert.Equal(t, "payment rejected (MEMO_MISMATCH)", err.Error())

	cause := fmt.Errorf("dial tcp: refused")
	wrapped := Unavailable("ledger rpc unavailable", cause)
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "refused")
}
