package dispatcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	proxypkg "github.com/proxywhirl/proxywhirl/proxy"
)

// transportCache hands out one *http.Client per canonicalized proxy URL,
// generalizing the teacher's internal/upstream.Dial (a raw CONNECT/SOCKS5
// tunnel dialer for its own transparent proxy server) into a
// Transport.DialContext/Proxy pair the stdlib HTTP client drives itself,
// since the dispatcher issues its own requests rather than tunneling
// someone else's.
type transportCache struct {
	mu      sync.Mutex
	clients map[string]*http.Client
}

func newTransportCache() *transportCache {
	return &transportCache{clients: make(map[string]*http.Client)}
}

func (c *transportCache) clientFor(p *proxypkg.Proxy, timeout time.Duration) (*http.Client, error) {
	key := p.URL.String()

	c.mu.Lock()
	if cl, ok := c.clients[key]; ok {
		c.mu.Unlock()
		return cl, nil
	}
	c.mu.Unlock()

	transport, err := buildTransport(p)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Transport: transport, Timeout: timeout}

	c.mu.Lock()
	// another goroutine may have raced us; last writer wins, both are
	// equivalent so no correctness issue either way.
	c.clients[key] = client
	c.mu.Unlock()

	return client, nil
}

// buildTransport mirrors upstream.Dial's scheme switch (http/https vs
// socks4/socks5), but targets the stdlib http.Transport's Proxy and
// DialContext hooks instead of returning a raw tunnel connection.
func buildTransport(p *proxypkg.Proxy) (*http.Transport, error) {
	proxyURL := withCredentials(p)

	switch p.URL.Scheme {
	case "http", "https":
		return &http.Transport{
			Proxy:               http.ProxyURL(proxyURL),
			MaxIdleConnsPerHost: 4,
		}, nil

	case "socks5", "socks4":
		var auth *proxy.Auth
		if p.Credentials != nil {
			auth = &proxy.Auth{User: p.Credentials.Username, Password: p.Credentials.Password}
		}
		dialer, err := proxy.SOCKS5("tcp", p.URL.Host, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: create socks5 dialer for %s: %w", p.URL.Host, err)
		}
		contextDialer, ok := dialer.(interface {
			DialContext(ctx context.Context, network, addr string) (net.Conn, error)
		})
		if !ok {
			return nil, fmt.Errorf("dispatcher: socks5 dialer for %s does not support DialContext", p.URL.Host)
		}
		return &http.Transport{DialContext: contextDialer.DialContext, MaxIdleConnsPerHost: 4}, nil

	default:
		return nil, fmt.Errorf("dispatcher: unsupported proxy scheme %q", p.URL.Scheme)
	}
}

// withCredentials returns a copy of p.URL with embedded userinfo so
// http.ProxyURL's Proxy-Authorization header injection picks it up.
func withCredentials(p *proxypkg.Proxy) *url.URL {
	u := *p.URL
	if p.Credentials != nil {
		u.User = url.UserPassword(p.Credentials.Username, p.Credentials.Password)
	}
	return &u
}

func (c *transportCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cl := range c.clients {
		if t, ok := cl.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}
