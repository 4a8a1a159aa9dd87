package llmclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want any
	}{
		{"rate limit by code", errors.New("googleapi: Error 429: quota exceeded"), &RateLimitError{}},
		{"resource exhausted", errors.New("rpc error: RESOURCE EXHAUSTED"), &RateLimitError{}},
		{"unavailable", errors.New("503 service unavailable"), &RateLimitError{}},
		{"bad key", errors.New("API key not valid"), &PermanentError{}},
		{"permission", errors.New("403 permission denied"), &PermanentError{}},
		{"unknown model", errors.New("404 model not found"), &PermanentError{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			switch tc.want.(type) {
			case *RateLimitError:
				var rl *RateLimitError
				require.ErrorAs(t, got, &rl)
			case *PermanentError:
				var pe *PermanentError
				require.ErrorAs(t, got, &pe)
			}
			require.ErrorIs(t, got, tc.err, "classification must preserve the cause")
		})
	}
}

func TestClassifyPassesThroughUnknown(t *testing.T) {
	err := errors.New("connection reset by peer")
	require.Equal(t, err, Classify(err))
	require.NoError(t, Classify(nil))
}

func TestClassifyIdempotent(t *testing.T) {
	wrapped := &RateLimitError{Err: errors.New("429")}
	require.Equal(t, error(wrapped), Classify(wrapped))
}

func TestNewGeminiClientRequiresKey(t *testing.T) {
	_, err := NewGeminiClient(context.Background(), "", "gemini-2.5-pro", nil)
	var pe *PermanentError
	require.ErrorAs(t, err, &pe)
}

func TestRPSLimiterDisabled(t *testing.T) {
	l := NewRPSLimiter(0, 4)
	require.Nil(t, l)
	// nil limiter is a no-op, not a crash.
	require.NoError(t, l.Acquire(context.Background()))
	l.Stop()
}

func TestRPSLimiterBurstThenThrottle(t *testing.T) {
	l := NewRPSLimiter(50, 2)
	defer l.Stop()

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))
	require.NoError(t, l.Acquire(ctx))

	// Bucket drained; the third acquire has to wait for a refill tick.
	start := time.Now()
	require.NoError(t, l.Acquire(ctx))
	require.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestRPSLimiterRespectsContext(t *testing.T) {
	l := NewRPSLimiter(0.001, 1)
	defer l.Stop()

	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
