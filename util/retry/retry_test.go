package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-network/lattice/errors"
	"github.com/lattice-network/lattice/ulogger"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	attempts := 0
	out, err := Do(context.Background(), ulogger.TestLogger{}, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.NewProcessingError("transient")
		}
		return 7, nil
	}, WithAttempts(5), WithBackoff(time.Millisecond))

	require.NoError(t, err)
	assert.Equal(t, 7, out)
	assert.Equal(t, 3, attempts)
}

func TestDoExhaustsAttempts(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), ulogger.TestLogger{}, func() (int, error) {
		attempts++
		return 0, errors.NewProcessingError("always")
	}, WithAttempts(2), WithBackoff(time.Millisecond))

	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, ulogger.TestLogger{}, func() (int, error) {
		return 0, errors.NewProcessingError("fail")
	}, WithAttempts(10), WithBackoff(time.Hour))

	require.ErrorIs(t, err, context.Canceled)
}
