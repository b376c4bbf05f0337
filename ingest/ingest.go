// Package ingest defines the ingestion interface (§6) consumed by
// fetcher modules (free-proxy-list scrapers and similar sources), which
// are themselves out of scope for this engine.
package ingest

import (
	"github.com/proxywhirl/proxywhirl/pool"
	"github.com/proxywhirl/proxywhirl/proxy"
)

// Record is one incoming proxy record, carrying the minimum a fetcher
// can supply: a URL string plus optional protocol/credential/geo/source
// metadata.
type Record struct {
	URL      string
	Protocol string // overrides the URL's scheme when set, e.g. "socks5"
	Username string
	Password string
	Tags     []string
	Country  string
	Source   string
}

// Rejection reports why one record was dropped.
type Rejection struct {
	Record Record
	Reason string
}

// Report summarizes one Ingest call.
type Report struct {
	Accepted   int
	Duplicates int
	Rejected   []Rejection
}

// Ingester is the ingestion interface: fetchers hand it proxy records,
// it validates and dedupes them into a pool.
type Ingester interface {
	Ingest(records []Record) Report
}

// PoolIngester is the default Ingester, backed directly by a pool.Pool.
type PoolIngester struct {
	pool *pool.Pool
}

// New creates a PoolIngester writing into pl.
func New(pl *pool.Pool) *PoolIngester {
	return &PoolIngester{pool: pl}
}

// Ingest validates and adds each record, reporting drops with reasons.
// Invalid records (malformed URL, unsupported scheme) are dropped;
// duplicates-by-canonical-URL are merged into the existing entry via the
// pool's own Add() dedup policy and counted separately from rejections.
func (i *PoolIngester) Ingest(records []Record) Report {
	var report Report
	for _, r := range records {
		rawURL := r.URL
		if r.Protocol != "" {
			rawURL = overrideScheme(rawURL, r.Protocol)
		}

		existed := false
		if u, err := proxy.ValidateURL(rawURL); err == nil {
			if _, ok := i.pool.GetByURL(proxy.CanonicalKey(u)); ok {
				existed = true
			}
		}

		var creds *proxy.Credentials
		if r.Username != "" || r.Password != "" {
			creds = &proxy.Credentials{Username: r.Username, Password: r.Password}
		}

		_, err := i.pool.Add(rawURL, creds, r.Tags, r.Country, r.Source)
		if err != nil {
			report.Rejected = append(report.Rejected, Rejection{Record: r, Reason: err.Error()})
			continue
		}
		if existed {
			report.Duplicates++
		} else {
			report.Accepted++
		}
	}
	return report
}

// overrideScheme replaces rawURL's scheme with protocol, or prefixes a
// bare host:port with it when rawURL has no scheme at all.
func overrideScheme(rawURL, protocol string) string {
	for i := 0; i < len(rawURL)-2; i++ {
		if rawURL[i] == ':' && rawURL[i+1] == '/' && rawURL[i+2] == '/' {
			return protocol + rawURL[i:]
		}
	}
	return protocol + "://" + rawURL
}
