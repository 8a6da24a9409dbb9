package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffBounds(t *testing.T) {
	base := time.Second
	w1 := Backoff(1, base)
	require.GreaterOrEqual(t, w1, base+500*time.Millisecond)
	require.LessOrEqual(t, w1, base+750*time.Millisecond)

	// attempt beyond 4 clamps the exponent at 2^3.
	w4 := Backoff(4, base)
	w10 := Backoff(10, base)
	require.Less(t, w4, w10) // attempt·500ms term still grows even though exponent clamps
}

func TestTimeoutFires(t *testing.T) {
	err := Timeout(context.Background(), 10*time.Millisecond, "slow-op", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	require.Equal(t, "slow-op", te.Label)
}

func TestTimeoutSucceeds(t *testing.T) {
	err := Timeout(context.Background(), 50*time.Millisecond, "fast-op", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
}

func TestSleepCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}
