// Package fetcher performs the engine's HTTP GETs: per-request proxy
// selection, configurable response-encoding handling, and bounded retries on
// transport and HTTP-level failures.
package fetcher

import (
	"context"
	"errors"
	"time"
)

// Fetcher abstracts page fetching. The static HTTPFetcher is the only
// implementation the engine ships; callers needing browser rendering supply
// their own behind the same interface.
type Fetcher interface {
	// Fetch retrieves the content at url, retrying internally up to
	// opts.MaxRetries times. It returns ErrFetchExhausted once retries are
	// spent without a usable response.
	Fetch(ctx context.Context, url string, opts Options) (Content, error)
}

// Options controls one fetch call.
type Options struct {
	Headers    map[string]string
	Timeout    time.Duration
	Encoding   string // forced charset name, e.g. "gbk"; empty = auto-detect
	MaxRetries int
	Proxy      ProxyProvider // nil = no proxy
}

// Content is the result of a successful fetch.
type Content struct {
	URL         string
	HTML        string
	StatusCode  int
	ContentType string
	FetchedAt   time.Time
}

// ErrFetchExhausted is returned once all retry attempts for a URL have
// failed. Callers use errors.Is to distinguish it from a programming error.
var ErrFetchExhausted = errors.New("fetcher: retries exhausted")

// ProxyProvider supplies a proxy URL (e.g. "http://host:port") per attempt.
// The engine depends only on this interface; pool management, health
// checking, and rotation policy belong to the caller's implementation.
type ProxyProvider interface {
	// Next returns a proxy URL to use for the next attempt.
	Next() (string, error)
}

type noProxy struct{}

func (noProxy) Next() (string, error) { return "", errors.New("fetcher: no proxy configured") }

// NoProxy returns a ProxyProvider representing "fetch directly, no proxy".
func NoProxy() ProxyProvider { return noProxy{} }
