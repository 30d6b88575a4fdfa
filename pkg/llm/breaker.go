package llm

import (
	"context"

	"github.com/sony/gobreaker"

	apperrors "github.com/hshk99/autopack/internal/errors"
)

// BreakerCaller wraps a Caller in a sony/gobreaker circuit breaker so a
// flapping provider trips open instead of letting the Executor burn a
// phase's bounded attempt budget on calls that are guaranteed to fail.
type BreakerCaller struct {
	inner   Caller
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerCaller wraps inner with a breaker named name, using
// gobreaker's default settings except for a ReadyToTrip rule that opens
// once more than 5 consecutive failures have been seen - tuned to the Executor's own ≤3-retry
// bound so a single attempt's transient errors cannot trip the breaker on
// their own.
func NewBreakerCaller(name string, inner Caller) *BreakerCaller {
	settings := gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
	return &BreakerCaller{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Call runs req through the breaker. A rejection while the breaker is
// open surfaces as ErrorTypeNetwork so the Executor's retry classifier
// treats it like any other transient provider failure.
func (b *BreakerCaller) Call(ctx context.Context, req Request) (Response, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Call(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return Response{}, apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "llm circuit breaker open")
		}
		return Response{}, err
	}
	return result.(Response), nil
}
