// Package retry implements the retry executor (C4): a backoff policy plus
// an Execute loop that asks a strategy for a proxy, runs the caller's
// request function against it, classifies the outcome, and feeds the
// result back to the pool, the strategy and the circuit breaker set in one
// place. It generalizes the teacher's scattered rotator.RecordRequest /
// RecordConnError call sites into a single owned loop.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/proxywhirl/proxywhirl/breaker"
	"github.com/proxywhirl/proxywhirl/errs"
	"github.com/proxywhirl/proxywhirl/pool"
	"github.com/proxywhirl/proxywhirl/proxy"
	"github.com/proxywhirl/proxywhirl/strategy"
)

// BackoffKind selects the delay growth function between attempts.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffLinear       BackoffKind = "linear"
	BackoffFixed        BackoffKind = "fixed"
)

// Policy mirrors the data model's RetryPolicy: immutable retry
// configuration shared across every Execute call that uses it.
type Policy struct {
	MaxAttempts             int
	BaseDelay                time.Duration
	Multiplier               float64
	MaxBackoffDelay          time.Duration
	Jitter                   bool
	Backoff                  BackoffKind
	RetryableStatusCodes     map[int]struct{}
	AllowNonIdempotentRetry bool
	TotalDeadline            time.Duration
}

// DefaultPolicy returns the spec's defaults: 3 attempts, 1s base delay,
// 2x multiplier, 30s max backoff, jitter on, exponential backoff, and the
// default retryable status set {502, 503, 504, 429, 408}.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      3,
		BaseDelay:         time.Second,
		Multiplier:        2,
		MaxBackoffDelay:   30 * time.Second,
		Jitter:            true,
		Backoff:           BackoffExponential,
		RetryableStatusCodes: map[int]struct{}{
			502: {}, 503: {}, 504: {}, 429: {}, 408: {},
		},
		AllowNonIdempotentRetry: false,
		TotalDeadline:            0,
	}
}

// backoffDelay computes the undamped (pre-jitter) delay for the given
// zero-based attempt number, per §4.4's three formulas, then clamps to
// MaxBackoffDelay.
func (p Policy) backoffDelay(attempt int) time.Duration {
	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = p.BaseDelay * time.Duration(attempt+1)
	case BackoffFixed:
		d = p.BaseDelay
	default: // BackoffExponential
		d = time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt)))
	}
	if p.MaxBackoffDelay > 0 && d > p.MaxBackoffDelay {
		d = p.MaxBackoffDelay
	}
	return d
}

var nonIdempotentMethods = map[string]struct{}{
	"POST": {}, "PUT": {}, "PATCH": {},
}

func isIdempotent(method string) bool {
	_, ok := nonIdempotentMethods[method]
	return !ok
}

// Request is the minimal request description Execute needs to make retry
// and idempotency decisions; transport specifics (body, headers, TLS,
// etc.) live in the caller's Do closure and are opaque to retry.
type Request struct {
	Method  string
	URL     string
	Timeout time.Duration
}

// Outcome is what the caller's Do closure reports back per attempt, the
// information Execute needs to classify it per §4.4.e.
type Outcome struct {
	// StatusCode is the upstream HTTP status, if a response was received.
	StatusCode int
	// ResponseTime is wall-clock duration of the attempt, fed to the pool
	// and strategy's RecordOutcome.
	ResponseTime time.Duration
	// TransportErr is set for connection/TLS/DNS/timeout failures where no
	// HTTP response was received at all.
	TransportErr error
	// AuthFailure marks a proxy-auth rejection (407 or credential
	// mismatch): always non-retryable, surfaced as errs.KindAuthFailure.
	AuthFailure bool
}

// Do executes one attempt through the given proxy and reports its outcome.
// T is the caller's response type (e.g. *http.Response); Execute never
// inspects it beyond passing it through on success.
type Do[T any] func(ctx context.Context, req Request, p *proxy.Proxy) (T, Outcome, error)

// Execute runs the §4.4 retry loop: select a proxy, attempt the request,
// classify the outcome, record it on the pool/strategy/breaker, and either
// return, surface a terminal error, or back off and retry.
func Execute[T any](
	ctx context.Context,
	req Request,
	policy Policy,
	strat strategy.Strategy,
	pl *pool.Pool,
	breakers *breaker.Set,
	selCtx strategy.SelectionContext,
	do Do[T],
) (T, error) {
	var zero T

	if policy.MaxAttempts < 1 {
		return zero, errs.New(errs.KindValidation, "retry policy max_attempts must be >= 1")
	}

	deadline := time.Time{}
	if policy.TotalDeadline > 0 {
		deadline = time.Now().Add(policy.TotalDeadline)
	}

	failedIDs := make(map[uuid.UUID]struct{})
	selCtx.FailedProxyIDs = failedIDs

	var lastErr error
	var lastProxyID uuid.UUID
	var lastProxyURL string
	for attempt := 0; ; attempt++ {
		if attempt >= policy.MaxAttempts {
			if lastErr == nil {
				lastErr = errors.New("no attempts were made")
			}
			proxyIDStr := ""
			if lastProxyID != uuid.Nil {
				proxyIDStr = lastProxyID.String()
			}
			// A single-attempt policy never actually retries; surface the
			// classified failure directly instead of relabeling it as a
			// generic exhaustion error.
			if policy.MaxAttempts == 1 {
				if classified, ok := lastErr.(*errs.Error); ok {
					return zero, classified.WithProxy(proxyIDStr, lastProxyURL, attempt)
				}
			}
			return zero, errs.Wrap(errs.KindAllAttemptsFailed, "exhausted all retry attempts", lastErr).WithProxy(proxyIDStr, lastProxyURL, attempt)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return zero, errs.New(errs.KindDeadlineExceeded, "retry total deadline exceeded")
		}
		select {
		case <-ctx.Done():
			return zero, errs.Wrap(errs.KindCancelled, "retry loop cancelled", ctx.Err())
		default:
		}

		snapshot := pl.HealthyEnough()
		if breakers != nil && len(snapshot) > 0 && allBreakersOpen(snapshot, breakers) {
			return zero, errs.New(errs.KindAllBreakersOpen, "every eligible proxy's circuit breaker is open")
		}

		px, err := strat.Select(snapshot, selCtx)
		if err != nil {
			// No untried proxy remains after at least one failed attempt:
			// that is exhaustion with failures, not an empty pool (§4.4.c).
			if len(failedIDs) > 0 && lastErr != nil && errs.Is(err, errs.KindNoEligibleProxy) {
				return zero, errs.Wrap(errs.KindAllAttemptsFailed, "exhausted every eligible proxy", lastErr).WithProxy(lastProxyID.String(), lastProxyURL, attempt)
			}
			return zero, err
		}

		if breakers != nil && !breakers.Get(px.ID).ShouldAdmit() {
			// Eligible only excludes OPEN breakers via the coarse State()
			// check; a HALF_OPEN breaker admits exactly one concurrent
			// trial (§4.3). Losing that race here means this proxy isn't
			// actually usable right now — exclude it and reselect rather
			// than spend a real attempt against it.
			failedIDs[px.ID] = struct{}{}
			lastErr = errs.New(errs.KindAllBreakersOpen, "proxy circuit breaker is blocking concurrent trial admission")
			lastProxyID, lastProxyURL = px.ID, px.URL.String()
			continue
		}

		req.Timeout = effectiveTimeout(req.Timeout)
		resp, outcome, attemptErr := do(ctx, req, px)

		pl.RecordOutcome(px.ID, attemptErr == nil && outcome.TransportErr == nil && !isErrorStatus(outcome.StatusCode, policy), outcome.ResponseTime)
		strat.RecordOutcome(px, attemptErr == nil && outcome.TransportErr == nil, outcome.ResponseTime)
		if breakers != nil {
			b := breakers.Get(px.ID)
			if attemptErr == nil && outcome.TransportErr == nil && !isErrorStatus(outcome.StatusCode, policy) {
				b.RecordSuccess()
			} else {
				b.RecordFailure()
			}
		}

		switch {
		case outcome.AuthFailure:
			return zero, errs.New(errs.KindAuthFailure, "proxy authentication failed").WithProxy(px.ID.String(), px.URL.String(), attempt+1)

		case outcome.TransportErr != nil:
			lastErr = outcome.TransportErr
			lastProxyID, lastProxyURL = px.ID, px.URL.String()
			if stop, stopErr := maybeStop(policy, req.Method, attempt, deadline, px.ID, failedIDs); stop {
				return zero, stopErr
			}

		case isRetryableStatus(outcome.StatusCode, policy):
			lastErr = errs.New(errs.KindUpstreamTransient, httpStatusMessage(outcome.StatusCode))
			lastProxyID, lastProxyURL = px.ID, px.URL.String()
			if stop, stopErr := maybeStop(policy, req.Method, attempt, deadline, px.ID, failedIDs); stop {
				return zero, stopErr
			}

		case outcome.StatusCode >= 400:
			return resp, nil // non-retryable 4xx is a final response, not an error

		default:
			return resp, nil // 2xx/3xx success
		}

		if err := sleepBackoff(ctx, policy, attempt, deadline); err != nil {
			return zero, err
		}
	}
}

// maybeStop decides whether a retryable failure should instead surface
// immediately (non-idempotent method without opt-in), and records the
// proxy as failed for this call's exclusion set when continuing.
func maybeStop(policy Policy, method string, attempt int, deadline time.Time, proxyID uuid.UUID, failedIDs map[uuid.UUID]struct{}) (bool, error) {
	if !isIdempotent(method) && !policy.AllowNonIdempotentRetry {
		return true, errs.New(errs.KindUpstreamTransient, "non-idempotent request failed and retry is not enabled for this method")
	}
	failedIDs[proxyID] = struct{}{}
	return false, nil
}

func sleepBackoff(ctx context.Context, policy Policy, attempt int, deadline time.Time) error {
	delay := policy.backoffDelay(attempt)
	if policy.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()))
	}
	if !deadline.IsZero() && time.Now().Add(delay).After(deadline) {
		return errs.New(errs.KindDeadlineExceeded, "backoff delay would exceed retry total deadline")
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.KindCancelled, "retry loop cancelled during backoff", ctx.Err())
	}
}

func isRetryableStatus(status int, policy Policy) bool {
	if status == 0 {
		return false
	}
	_, ok := policy.RetryableStatusCodes[status]
	return ok
}

func isErrorStatus(status int, policy Policy) bool {
	if status == 0 {
		return true
	}
	return status >= 400
}

func httpStatusMessage(status int) string {
	return "upstream returned retryable status " + strconv.Itoa(status)
}

func effectiveTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}

func allBreakersOpen(snapshot []*proxy.Proxy, breakers *breaker.Set) bool {
	ids := make([]uuid.UUID, len(snapshot))
	for i, p := range snapshot {
		ids[i] = p.ID
	}
	return breakers.AllOpen(ids)
}
