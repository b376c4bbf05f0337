package healthcheck

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxywhirl/proxywhirl/pool"
	"github.com/proxywhirl/proxywhirl/proxy"
)

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

func TestProber_RevivesDeadProxyOnSuccessfulProbe(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	fproxy := newForwardingProxy(t)
	defer fproxy.Close()

	pl := pool.New("test")
	id, err := pl.Add(fproxy.URL, nil, nil, "", "test")
	require.NoError(t, err)

	px, ok := pl.GetByID(id)
	require.True(t, ok)
	px.SetStatus(proxy.StatusDead)

	prober := New(pl, Config{CheckURL: upstream.URL, Timeout: 5 * time.Second})
	prober.RunOnce()

	assert.Equal(t, proxy.StatusHealthy, px.Status())
}

func TestProber_LeavesProxyDeadWhenProbeFails(t *testing.T) {
	pl := pool.New("test")
	id, err := pl.Add("http://127.0.0.1:1", nil, nil, "", "test")
	require.NoError(t, err)

	px, ok := pl.GetByID(id)
	require.True(t, ok)
	px.SetStatus(proxy.StatusDead)

	prober := New(pl, Config{CheckURL: "http://127.0.0.1:1/", Timeout: 200 * time.Millisecond})
	prober.RunOnce()

	assert.Equal(t, proxy.StatusDead, px.Status())
}

func TestProber_SkipsNonDeadProxies(t *testing.T) {
	pl := pool.New("test")
	_, err := pl.Add("http://127.0.0.1:1", nil, nil, "", "test")
	require.NoError(t, err)

	prober := New(pl, Config{})
	dead := prober.deadProxies()
	assert.Empty(t, dead)
}
