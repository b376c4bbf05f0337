package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxywhirl/proxywhirl/breaker"
	"github.com/proxywhirl/proxywhirl/errs"
	"github.com/proxywhirl/proxywhirl/pool"
	"github.com/proxywhirl/proxywhirl/proxy"
	"github.com/proxywhirl/proxywhirl/strategy"
)

func newTestPool(t *testing.T, urls ...string) *pool.Pool {
	t.Helper()
	p := pool.New("test")
	for _, u := range urls {
		_, err := p.Add(u, nil, nil, "", "test")
		require.NoError(t, err)
	}
	return p
}

func TestBackoffDelay(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, time.Second, p.backoffDelay(0))
	assert.Equal(t, 2*time.Second, p.backoffDelay(1))
	assert.Equal(t, 4*time.Second, p.backoffDelay(2))

	p.Backoff = BackoffLinear
	assert.Equal(t, time.Second, p.backoffDelay(0))
	assert.Equal(t, 2*time.Second, p.backoffDelay(1))

	p.Backoff = BackoffFixed
	assert.Equal(t, time.Second, p.backoffDelay(5))

	p.Backoff = BackoffExponential
	p.MaxBackoffDelay = 3 * time.Second
	assert.Equal(t, 3*time.Second, p.backoffDelay(10))
}

func TestExecute_SucceedsFirstAttempt(t *testing.T) {
	pl := newTestPool(t, "http://10.0.0.1:8080")
	strat := strategy.NewRoundRobin(nil)
	policy := DefaultPolicy()

	called := 0
	result, err := Execute(context.Background(), Request{Method: "GET", URL: "http://example.com"}, policy, strat, pl, nil, strategy.SelectionContext{},
		func(ctx context.Context, req Request, p *proxy.Proxy) (string, Outcome, error) {
			called++
			return "ok", Outcome{StatusCode: 200, ResponseTime: time.Millisecond}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, called)
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	pl := newTestPool(t, "http://10.0.0.1:8080", "http://10.0.0.2:8080")
	strat := strategy.NewRoundRobin(nil)
	policy := DefaultPolicy()
	policy.BaseDelay = time.Millisecond

	attempts := 0
	result, err := Execute(context.Background(), Request{Method: "GET", URL: "http://example.com"}, policy, strat, pl, nil, strategy.SelectionContext{},
		func(ctx context.Context, req Request, p *proxy.Proxy) (string, Outcome, error) {
			attempts++
			if attempts == 1 {
				return "", Outcome{StatusCode: 503, ResponseTime: time.Millisecond}, nil
			}
			return "ok", Outcome{StatusCode: 200, ResponseTime: time.Millisecond}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, attempts)
}

func TestExecute_AllAttemptsFailed(t *testing.T) {
	pl := newTestPool(t, "http://10.0.0.1:8080")
	strat := strategy.NewRoundRobin(nil)
	policy := DefaultPolicy()
	policy.MaxAttempts = 2
	policy.BaseDelay = time.Millisecond

	_, err := Execute(context.Background(), Request{Method: "GET", URL: "http://example.com"}, policy, strat, pl, nil, strategy.SelectionContext{},
		func(ctx context.Context, req Request, p *proxy.Proxy) (string, Outcome, error) {
			return "", Outcome{StatusCode: 503, ResponseTime: time.Millisecond}, nil
		})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindAllAttemptsFailed))
}

func TestExecute_NonRetryable4xxReturnsResponse(t *testing.T) {
	pl := newTestPool(t, "http://10.0.0.1:8080")
	strat := strategy.NewRoundRobin(nil)

	result, err := Execute(context.Background(), Request{Method: "GET", URL: "http://example.com"}, DefaultPolicy(), strat, pl, nil, strategy.SelectionContext{},
		func(ctx context.Context, req Request, p *proxy.Proxy) (string, Outcome, error) {
			return "not-found", Outcome{StatusCode: 404, ResponseTime: time.Millisecond}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, "not-found", result)
}

func TestExecute_AuthFailureIsTerminal(t *testing.T) {
	pl := newTestPool(t, "http://10.0.0.1:8080")
	strat := strategy.NewRoundRobin(nil)

	called := 0
	_, err := Execute(context.Background(), Request{Method: "GET", URL: "http://example.com"}, DefaultPolicy(), strat, pl, nil, strategy.SelectionContext{},
		func(ctx context.Context, req Request, p *proxy.Proxy) (string, Outcome, error) {
			called++
			return "", Outcome{StatusCode: 407, AuthFailure: true}, nil
		})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindAuthFailure))
	assert.Equal(t, 1, called)
}

func TestExecute_NonIdempotentDoesNotRetry(t *testing.T) {
	pl := newTestPool(t, "http://10.0.0.1:8080")
	strat := strategy.NewRoundRobin(nil)
	policy := DefaultPolicy()
	policy.BaseDelay = time.Millisecond

	called := 0
	_, err := Execute(context.Background(), Request{Method: "POST", URL: "http://example.com"}, policy, strat, pl, nil, strategy.SelectionContext{},
		func(ctx context.Context, req Request, p *proxy.Proxy) (string, Outcome, error) {
			called++
			return "", Outcome{StatusCode: 503, ResponseTime: time.Millisecond}, nil
		})
	require.Error(t, err)
	assert.Equal(t, 1, called)
}

func TestExecute_AllBreakersOpenFastFails(t *testing.T) {
	pl := newTestPool(t, "http://10.0.0.1:8080")
	bset := breaker.NewSet(breaker.Config{FailureThreshold: 1, WindowDuration: time.Minute, OpenTimeout: time.Minute})
	snapshot := pl.HealthyEnough()
	require.Len(t, snapshot, 1)
	bset.Get(snapshot[0].ID).RecordFailure()

	strat := strategy.NewRoundRobin(bset)
	_, err := Execute(context.Background(), Request{Method: "GET", URL: "http://example.com"}, DefaultPolicy(), strat, pl, bset, strategy.SelectionContext{},
		func(ctx context.Context, req Request, p *proxy.Proxy) (string, Outcome, error) {
			t.Fatal("should never be called when all breakers are open")
			return "", Outcome{}, nil
		})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindAllBreakersOpen))
}

func TestExecute_DeadlineExceeded(t *testing.T) {
	pl := newTestPool(t, "http://10.0.0.1:8080")
	strat := strategy.NewRoundRobin(nil)
	policy := DefaultPolicy()
	policy.TotalDeadline = time.Millisecond
	policy.BaseDelay = 50 * time.Millisecond
	policy.MaxAttempts = 5

	_, err := Execute(context.Background(), Request{Method: "GET", URL: "http://example.com"}, policy, strat, pl, nil, strategy.SelectionContext{},
		func(ctx context.Context, req Request, p *proxy.Proxy) (string, Outcome, error) {
			return "", Outcome{StatusCode: 503, ResponseTime: time.Millisecond}, nil
		})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindDeadlineExceeded))
}

func TestExecute_ContextCancelled(t *testing.T) {
	pl := newTestPool(t, "http://10.0.0.1:8080")
	strat := strategy.NewRoundRobin(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Execute(ctx, Request{Method: "GET", URL: "http://example.com"}, DefaultPolicy(), strat, pl, nil, strategy.SelectionContext{},
		func(ctx context.Context, req Request, p *proxy.Proxy) (string, Outcome, error) {
			t.Fatal("should never be called when context is already cancelled")
			return "", Outcome{}, nil
		})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCancelled))
}

func TestExecute_SingleAttemptSurfacesClassifiedKindDirectly(t *testing.T) {
	pl := newTestPool(t, "http://10.0.0.1:8080")
	strat := strategy.NewRoundRobin(nil)
	policy := DefaultPolicy()
	policy.MaxAttempts = 1

	_, err := Execute(context.Background(), Request{Method: "GET", URL: "http://example.com"}, policy, strat, pl, nil, strategy.SelectionContext{},
		func(ctx context.Context, req Request, p *proxy.Proxy) (string, Outcome, error) {
			return "", Outcome{TransportErr: errs.New(errs.KindConnection, "connection refused"), ResponseTime: time.Millisecond}, nil
		})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConnection))
	assert.False(t, errs.Is(err, errs.KindAllAttemptsFailed),
		"a single-attempt failure should surface its own classified kind, not a generic exhaustion wrapper")
}

func TestExecute_HalfOpenBreakerAdmitsOnlyOneConcurrentTrial(t *testing.T) {
	pl := newTestPool(t, "http://10.0.0.1:8080")
	bset := breaker.NewSet(breaker.Config{FailureThreshold: 1, WindowDuration: time.Minute, OpenTimeout: time.Millisecond})
	snapshot := pl.HealthyEnough()
	require.Len(t, snapshot, 1)
	id := snapshot[0].ID
	bset.Get(id).RecordFailure() // OPEN with a 1ms timeout; once it has
	// elapsed, the next observation lazily flips it to HALF_OPEN.
	time.Sleep(5 * time.Millisecond)

	// Simulate a concurrent caller that already won the HALF_OPEN trial.
	require.True(t, bset.Get(id).ShouldAdmit())

	strat := strategy.NewRoundRobin(bset)
	policy := DefaultPolicy()
	policy.MaxAttempts = 1

	called := 0
	_, err := Execute(context.Background(), Request{Method: "GET", URL: "http://example.com"}, policy, strat, pl, bset, strategy.SelectionContext{},
		func(ctx context.Context, req Request, p *proxy.Proxy) (string, Outcome, error) {
			called++
			return "", Outcome{StatusCode: 200, ResponseTime: time.Millisecond}, nil
		})
	require.Error(t, err)
	assert.Equal(t, 0, called, "the blocked concurrent caller must never issue a request through the busy trial")
	assert.True(t, errs.Is(err, errs.KindAllBreakersOpen))
}
