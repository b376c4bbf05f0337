package dispatcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxywhirl/proxywhirl/errs"
	"github.com/proxywhirl/proxywhirl/pool"
	"github.com/proxywhirl/proxywhirl/ratelimit"
	"github.com/proxywhirl/proxywhirl/retry"
	"github.com/proxywhirl/proxywhirl/strategy"
)

// newForwardingProxy starts an httptest server that acts as a plain HTTP
// forward proxy (handles absolute-URI requests directly), standing in
// for a real upstream proxy in tests.
func newForwardingProxy(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := &http.Client{}
		outReq, err := http.NewRequest(r.Method, r.URL.String(), r.Body)
		require.NoError(t, err)
		resp, err := client.Do(outReq)
		require.NoError(t, err)
		defer resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	}))
}

func TestDispatcher_GetSucceedsThroughProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	fproxy := newForwardingProxy(t)
	defer fproxy.Close()

	pl := pool.New("test")
	_, err := pl.Add(fproxy.URL, nil, nil, "", "test")
	require.NoError(t, err)

	d := New(Config{Pool: pl, Strategy: strategy.NewRoundRobin(nil), Policy: retry.DefaultPolicy(), DefaultTimeout: 5 * time.Second})
	require.NoError(t, d.Open())
	defer d.Close()

	resp, err := d.Get(context.Background(), upstream.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDispatcher_ClosedRefusesRequests(t *testing.T) {
	pl := pool.New("test")
	d := New(Config{Pool: pl, Strategy: strategy.NewRoundRobin(nil), Policy: retry.DefaultPolicy()})
	require.NoError(t, d.Open())
	require.NoError(t, d.Close())

	_, err := d.Get(context.Background(), "http://example.com")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindClosed))
}

func TestDispatcher_RateLimiterDenies(t *testing.T) {
	pl := pool.New("test")
	_, err := pl.Add("http://10.0.0.1:8080", nil, nil, "", "test")
	require.NoError(t, err)

	limiter := ratelimit.New(ratelimit.Config{GlobalDefault: ratelimit.Tier{Name: "default", Limit: 0, Window: time.Minute}})
	d := New(Config{Pool: pl, Strategy: strategy.NewRoundRobin(nil), Policy: retry.DefaultPolicy(), Limiter: limiter})
	require.NoError(t, d.Open())
	defer d.Close()

	_, err = d.Get(context.Background(), "http://example.com")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindRateLimited))
}

func TestDispatcher_ConnectionFailureClassifiedAsConnectionKind(t *testing.T) {
	pl := pool.New("test")
	_, err := pl.Add("http://127.0.0.1:1", nil, nil, "", "test")
	require.NoError(t, err)

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = 1
	d := New(Config{Pool: pl, Strategy: strategy.NewRoundRobin(nil), Policy: policy, DefaultTimeout: 2 * time.Second})
	require.NoError(t, d.Open())
	defer d.Close()

	_, err = d.Get(context.Background(), "http://example.com")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConnection))
}

func TestDispatcher_BatchGetReturnsPositionalResults(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	fproxy := newForwardingProxy(t)
	defer fproxy.Close()

	pl := pool.New("test")
	_, err := pl.Add(fproxy.URL, nil, nil, "", "test")
	require.NoError(t, err)

	d := New(Config{Pool: pl, Strategy: strategy.NewRoundRobin(nil), Policy: retry.DefaultPolicy(), DefaultTimeout: 5 * time.Second})
	require.NoError(t, d.Open())
	defer d.Close()

	urls := []string{upstream.URL, upstream.URL, upstream.URL}
	results := d.BatchGet(context.Background(), urls, 2)
	require.Len(t, results, 3)
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, http.StatusOK, r.Response.StatusCode)
	}
}

func TestDispatcher_DoAsyncReportsOnChannel(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	fproxy := newForwardingProxy(t)
	defer fproxy.Close()

	pl := pool.New("test")
	_, err := pl.Add(fproxy.URL, nil, nil, "", "test")
	require.NoError(t, err)

	d := New(Config{Pool: pl, Strategy: strategy.NewRoundRobin(nil), Policy: retry.DefaultPolicy(), DefaultTimeout: 5 * time.Second})
	require.NoError(t, d.Open())
	defer d.Close()

	ch := d.DoAsync(context.Background(), Request{Method: http.MethodGet, URL: upstream.URL})
	res := <-ch
	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusOK, res.Response.StatusCode)
}
