// Package retry wraps failsafe-go's retry policy and circuit breaker into
// the single Do() entry point the exchange gateway and the strategy
// runners' reconciliation re-placement use (spec.md §4.1, §4.2).
//
// Grounded on pkg/http/client.go's failsafe.With(retryPolicy, breaker)
// pipeline, generalized from an *http.Response result type to a generic
// one so it can wrap any gateway call, not just a raw HTTP round trip.
package retry

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// Policy configures the retry/backoff schedule. Defaults match spec.md
// §4.1: three attempts, 300ms base delay, factor 2.
type Policy struct {
	MaxAttempts uint
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is the schedule used for every exchange REST call unless a
// caller overrides it.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   300 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

// Doer executes fn under a retry policy plus a circuit breaker, retrying
// only when isTransient(err) reports true. The circuit breaker opens after
// 5 of the last 10 executions fail, matching the teacher's http.Client, and
// protects the exchange from a hammering retry loop once it is clearly
// unhealthy rather than just momentarily slow.
type Doer struct {
	pipeline failsafe.Executor[any]
}

// New builds a Doer for the given policy and transient predicate.
func New(policy Policy, isTransient func(error) bool) *Doer {
	rp := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && isTransient(err)
		}).
		WithBackoff(policy.BaseDelay, policy.MaxDelay).
		WithMaxRetries(int(policy.MaxAttempts) - 1).
		Build()

	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && isTransient(err)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	return &Doer{pipeline: failsafe.With[any](rp, breaker)}
}

// Do executes fn, retrying transient failures per the configured policy.
// The failsafe execution context is discarded; fn receives ctx directly so
// it can honor cancellation on every attempt.
func (d *Doer) Do(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	return d.pipeline.GetWithExecution(func(exec failsafe.Execution[any]) (any, error) {
		return fn(ctx)
	})
}
