// Package dispatcher implements the request dispatcher (C5): the
// library's public surface. It binds proxy selection, rate limiting, and
// the retry executor into one call, and is the direct replacement for
// the teacher's internal/server transparent CONNECT proxy — this
// dispatcher issues its own outbound requests through a chosen proxy
// rather than tunneling someone else's connection.
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxywhirl/proxywhirl/breaker"
	"github.com/proxywhirl/proxywhirl/errs"
	"github.com/proxywhirl/proxywhirl/pool"
	"github.com/proxywhirl/proxywhirl/proxy"
	"github.com/proxywhirl/proxywhirl/ratelimit"
	"github.com/proxywhirl/proxywhirl/retry"
	"github.com/proxywhirl/proxywhirl/strategy"
)

// Request describes one dispatcher call.
type Request struct {
	Method  string
	URL     string
	Body    []byte
	Headers map[string]string
	Timeout time.Duration

	// RateLimitIdentifier/Tier feed the rate limiter's Admit call, with
	// the request URL as the endpoint; Identifier defaults to "default"
	// when left empty.
	RateLimitIdentifier string
	RateLimitTier       string

	Selection strategy.SelectionContext
}

// Result is what DoAsync and BatchGet report per request.
type Result struct {
	Response *http.Response
	Err      error
}

// Config configures a Dispatcher.
type Config struct {
	Pool            *pool.Pool
	Strategy        strategy.Strategy
	Breakers        *breaker.Set
	Policy          retry.Policy
	Limiter         *ratelimit.Limiter // optional; nil disables admission control
	DefaultTimeout  time.Duration
}

// Dispatcher is the public request API (C5). Thread-safe and re-entrant;
// supports scoped acquisition (Open/Close) and a hot-swappable strategy.
type Dispatcher struct {
	pool     *pool.Pool
	strategy atomic.Pointer[strategy.Strategy]
	breakers *breaker.Set
	policy   retry.Policy
	limiter  *ratelimit.Limiter
	timeout  time.Duration

	transports *transportCache

	openOnce  sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	inFlight  sync.WaitGroup
}

// New constructs a Dispatcher. Open must be called before use.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		pool: cfg.Pool, breakers: cfg.Breakers, policy: cfg.Policy, limiter: cfg.Limiter,
		timeout: cfg.DefaultTimeout, transports: newTransportCache(),
	}
	if d.timeout <= 0 {
		d.timeout = 30 * time.Second
	}
	d.strategy.Store(&cfg.Strategy)
	return d
}

// Open marks the dispatcher ready to accept requests; idempotent.
func (d *Dispatcher) Open() error {
	d.openOnce.Do(func() {})
	return nil
}

// Close refuses new requests, waits for in-flight ones to finish, and
// releases every cached proxy transport's idle connections — the
// dispatcher's analogue of the teacher's graceful connection-draining
// half-close, repurposed from tunnel draining to HTTP client teardown.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.inFlight.Wait()
		d.transports.closeAll()
	})
	return nil
}

// SetStrategy hot-swaps the active rotation strategy without interrupting
// in-flight calls (they already captured their own strategy pointer).
func (d *Dispatcher) SetStrategy(s strategy.Strategy) {
	d.strategy.Store(&s)
}

func (d *Dispatcher) currentStrategy() strategy.Strategy {
	return *d.strategy.Load()
}

// Do executes req through the retry executor and returns the final
// response, or a final *errs.Error.
func (d *Dispatcher) Do(ctx context.Context, req Request) (*http.Response, error) {
	if d.closed.Load() {
		return nil, errs.New(errs.KindClosed, "dispatcher is closed")
	}
	d.inFlight.Add(1)
	defer d.inFlight.Done()

	if d.limiter != nil {
		identifier := req.RateLimitIdentifier
		if identifier == "" {
			identifier = "default"
		}
		endpoint := req.RateLimitEndpoint()
		if err := d.limiter.Admit(identifier, endpoint, req.RateLimitTier); err != nil {
			return nil, err
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}

	retryReq := retry.Request{Method: req.Method, URL: req.URL, Timeout: timeout}
	resp, err := retry.Execute(ctx, retryReq, d.policy, d.currentStrategy(), d.pool, d.breakers, req.Selection,
		func(ctx context.Context, rr retry.Request, px *proxy.Proxy) (*http.Response, retry.Outcome, error) {
			return d.attempt(ctx, req, px, timeout)
		})
	return resp, err
}

// RateLimitEndpoint returns the endpoint key used for rate-limit
// resolution, which is the request URL itself.
func (r Request) RateLimitEndpoint() string {
	return r.URL
}

func (d *Dispatcher) attempt(ctx context.Context, req Request, px *proxy.Proxy, timeout time.Duration) (*http.Response, retry.Outcome, error) {
	client, err := d.transports.clientFor(px, timeout)
	if err != nil {
		return nil, retry.Outcome{TransportErr: errs.Wrap(errs.KindConnection, "build proxy transport", err)}, nil
	}

	attemptCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, retry.Outcome{}, fmt.Errorf("dispatcher: build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	elapsed := time.Since(start)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, retry.Outcome{TransportErr: classifyTransportErr(ctxErr), ResponseTime: elapsed}, nil
		}
		return nil, retry.Outcome{TransportErr: classifyTransportErr(err), ResponseTime: elapsed}, nil
	}

	outcome := retry.Outcome{StatusCode: resp.StatusCode, ResponseTime: elapsed}
	if resp.StatusCode == http.StatusProxyAuthRequired {
		outcome.AuthFailure = true
	}
	return resp, outcome, nil
}

// classifyTransportErr maps a raw net/http transport failure into the
// matching errs.Kind at the point it's produced: a context cancellation
// surfaces as Cancelled, a timeout (including a per-attempt deadline
// firing) as UpstreamTimeout, and anything else — refused/reset
// connections, DNS failures, TLS handshake failures — as a Connection
// error, so the retry executor never has to classify an untyped error
// after the fact.
func classifyTransportErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindCancelled, "request cancelled", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.Wrap(errs.KindUpstreamTimeout, "request to proxy timed out", err)
	}
	return errs.Wrap(errs.KindConnection, "connection to proxy failed", err)
}

// Get, Post, Put and Delete are convenience wrappers over Do.
func (d *Dispatcher) Get(ctx context.Context, url string) (*http.Response, error) {
	return d.Do(ctx, Request{Method: http.MethodGet, URL: url})
}

func (d *Dispatcher) Post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	return d.Do(ctx, Request{Method: http.MethodPost, URL: url, Body: body})
}

func (d *Dispatcher) Put(ctx context.Context, url string, body []byte) (*http.Response, error) {
	return d.Do(ctx, Request{Method: http.MethodPut, URL: url, Body: body})
}

func (d *Dispatcher) Delete(ctx context.Context, url string) (*http.Response, error) {
	return d.Do(ctx, Request{Method: http.MethodDelete, URL: url})
}

// DoAsync runs Do in a goroutine and reports the result on the returned
// channel, Go's idiomatic equivalent of the spec's cooperative-scheduler
// async surface (§5): suspension points are ordinary goroutine blocking
// points, and cancellation flows through ctx exactly as the sync surface.
func (d *Dispatcher) DoAsync(ctx context.Context, req Request) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		resp, err := d.Do(ctx, req)
		out <- Result{Response: resp, Err: err}
		close(out)
	}()
	return out
}

// BatchGet issues maxConcurrent-bounded GETs for urls and returns results
// positionally, substituting captured errors for failed items.
func (d *Dispatcher) BatchGet(ctx context.Context, urls []string, maxConcurrent int) []Result {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	results := make([]Result, len(urls))
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for i, u := range urls {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, u string) {
			defer wg.Done()
			defer func() { <-sem }()
			resp, err := d.Get(ctx, u)
			results[i] = Result{Response: resp, Err: err}
		}(i, u)
	}
	wg.Wait()
	return results
}
