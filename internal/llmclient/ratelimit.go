package llmclient

import (
	"context"
	"time"
)

// RPSLimiter is a token-bucket limiter shared by all clients of one backend.
// It throttles to at most rps requests per second with a small burst.
type RPSLimiter struct {
	tokens chan struct{}
	stopCh chan struct{}
}

// NewRPSLimiter creates a limiter allowing up to rps requests per second with
// the given burst capacity. rps <= 0 disables limiting (nil limiter).
func NewRPSLimiter(rps float64, burst int) *RPSLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	l := &RPSLimiter{
		tokens: make(chan struct{}, burst),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < burst; i++ {
		l.tokens <- struct{}{}
	}

	period := time.Duration(float64(time.Second) / rps)
	if period <= 0 {
		period = time.Millisecond
	}
	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				select {
				case l.tokens <- struct{}{}:
				default:
					// bucket full; drop token
				}
			case <-l.stopCh:
				return
			}
		}
	}()
	return l
}

// Acquire blocks until a token is available or the context is canceled.
func (l *RPSLimiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopCh:
		return context.Canceled
	case <-l.tokens:
		return nil
	}
}

// Stop terminates the refill goroutine.
func (l *RPSLimiter) Stop() {
	if l == nil {
		return
	}
	close(l.stopCh)
}
