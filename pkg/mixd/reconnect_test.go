package mixd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestReconnector() *Reconnector {
	r := NewReconnector(zapNop())
	r.InitialInterval = time.Millisecond
	r.MaxInterval = 5 * time.Millisecond

	return r
}

func TestReconnectorRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	op := func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	err := newTestReconnector().Run(context.Background(), "test", op)
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestReconnectorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	op := func() error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return errors.New("connection refused")
	}

	err := newTestReconnector().Run(ctx, "test", op)
	require.Error(t, err)
	require.LessOrEqual(t, attempts, 3, "cancellation must stop the retry loop")
}

func TestReconnectorGivesUpAfterMaxElapsed(t *testing.T) {
	r := newTestReconnector()
	r.MaxElapsedTime = 20 * time.Millisecond

	start := time.Now()
	err := r.Run(context.Background(), "test", func() error {
		return errors.New("connection refused")
	})

	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
}
