package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestStudy_Retry_Do(t *testing.T) {
	t.Parallel()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		err := Do(context.Background(), fastConfig(3), func() error {
			if calls.Add(1) < 3 {
				return &pgconn.PgError{Code: "40001"}
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, int32(3), calls.Load())
	})

	t.Run("wraps the last error when attempts run out", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		cause := &pgconn.PgError{Code: "40P01"}
		err := Do(context.Background(), fastConfig(2), func() error {
			calls.Add(1)
			return cause
		})
		require.ErrorContains(t, err, "failed after 2 attempts")
		var pgErr *pgconn.PgError
		require.ErrorAs(t, err, &pgErr)
		require.Equal(t, int32(2), calls.Load())
	})

	t.Run("stops on a permanent error", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		cause := &pgconn.PgError{Code: "23505"}
		err := Do(context.Background(), fastConfig(5), func() error {
			calls.Add(1)
			return cause
		})
		require.Same(t, cause, err)
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("custom classifier", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		cfg := fastConfig(4)
		cfg.Retryable = func(error) bool { return true }
		err := Do(context.Background(), cfg, func() error {
			calls.Add(1)
			return errors.New("lock not available")
		})
		require.Error(t, err)
		require.Equal(t, int32(4), calls.Load())
	})

	t.Run("zero attempts still calls once", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		require.NoError(t, Do(context.Background(), Config{}, func() error {
			calls.Add(1)
			return nil
		}))
		require.Equal(t, int32(1), calls.Load())
	})
}

func TestStudy_Retry_Do_ContextCanceledDuringBackoff(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 3, BaseBackoff: time.Hour, MaxBackoff: time.Hour}
	var calls atomic.Int32
	err := Do(ctx, cfg, func() error {
		calls.Add(1)
		cancel()
		return &pgconn.PgError{Code: "57P01"}
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, int32(1), calls.Load())
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o deadline" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestStudy_Retry_IsRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "canceled", err: fmt.Errorf("import: %w", context.Canceled), want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: false},
		{name: "net timeout", err: &net.OpError{Op: "read", Err: timeoutError{}}, want: true},
		{name: "connection refused", err: errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), want: true},
		{name: "unexpected eof", err: errors.New("unexpected EOF"), want: true},
		{name: "plain", err: errors.New("dataset not found"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestStudy_Retry_IsRetryable_PostgresErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		code string
		want bool
	}{
		{name: "serialization failure", code: "40001", want: true},
		{name: "deadlock", code: "40P01", want: true},
		{name: "connection failure", code: "08006", want: true},
		{name: "admin shutdown", code: "57P01", want: true},
		{name: "unique violation", code: "23505", want: false},
		{name: "undefined table", code: "42P01", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := fmt.Errorf("failed to copy rows: %w", &pgconn.PgError{Code: tt.code, Message: tt.name})
			require.Equal(t, tt.want, IsRetryable(err))
		})
	}
}

func TestStudy_Retry_Backoff(t *testing.T) {
	t.Parallel()
	base, max := 100*time.Millisecond, time.Second
	for attempt := 1; attempt <= 6; attempt++ {
		want := min(base<<uint(attempt), max)
		for range 20 {
			got := backoff(base, max, attempt)
			require.GreaterOrEqual(t, got, want/2)
			require.Less(t, got, want)
		}
	}
	require.LessOrEqual(t, backoff(time.Second, 2*time.Second, 62), 2*time.Second)
}
