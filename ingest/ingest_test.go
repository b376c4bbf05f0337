package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxywhirl/proxywhirl/pool"
)

func TestIngest_AcceptsValidRecords(t *testing.T) {
	pl := pool.New("test")
	ing := New(pl)

	report := ing.Ingest([]Record{
		{URL: "http://10.0.0.1:8080", Source: "fetcher-a"},
		{URL: "http://10.0.0.2:8080", Source: "fetcher-a"},
	})
	assert.Equal(t, 2, report.Accepted)
	assert.Empty(t, report.Rejected)
	assert.Equal(t, 2, pl.Len())
}

func TestIngest_RejectsMalformedURL(t *testing.T) {
	pl := pool.New("test")
	ing := New(pl)

	report := ing.Ingest([]Record{{URL: "not-a-url-%%"}, {URL: "ftp://example.com"}})
	assert.Equal(t, 0, report.Accepted)
	require.Len(t, report.Rejected, 2)
}

func TestIngest_DedupesByCanonicalURL(t *testing.T) {
	pl := pool.New("test")
	ing := New(pl)

	ing.Ingest([]Record{{URL: "http://10.0.0.1:8080", Source: "a"}})
	report := ing.Ingest([]Record{{URL: "http://10.0.0.1:8080", Source: "b", Tags: []string{"fast"}}})

	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 1, pl.Len())
}

func TestIngest_ProtocolOverride(t *testing.T) {
	pl := pool.New("test")
	ing := New(pl)

	report := ing.Ingest([]Record{{URL: "10.0.0.1:1080", Protocol: "socks5"}})
	assert.Equal(t, 1, report.Accepted)

	p, ok := pl.GetByURL("socks5://10.0.0.1:1080")
	require.True(t, ok)
	assert.Equal(t, "socks5", p.URL.Scheme)
}
