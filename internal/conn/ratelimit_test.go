package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSlidingWindowLimiter_AllowsUpToMax(t *testing.T) {
	l := newSlidingWindowLimiter(time.Minute, 3)
	require.Equal(t, allowOK, l.Check())
	require.Equal(t, allowOK, l.Check())
	require.Equal(t, allowOK, l.Check())
	require.Equal(t, allowRejectAndWarn, l.Check())
}

func TestSlidingWindowLimiter_SecondOffenseCloses(t *testing.T) {
	l := newSlidingWindowLimiter(time.Minute, 1)
	require.Equal(t, allowOK, l.Check())
	require.Equal(t, allowRejectAndWarn, l.Check())
	require.Equal(t, allowRejectAndClose, l.Check())
}

func TestSlidingWindowLimiter_ResetsAfterWindow(t *testing.T) {
	l := newSlidingWindowLimiter(10*time.Millisecond, 1)
	require.Equal(t, allowOK, l.Check())
	require.Equal(t, allowRejectAndWarn, l.Check())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, allowOK, l.Check())
}
