package fetcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/proxy"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/kestrelweb/novelforge/internal/logger"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// HTTPConfig holds fetcher-wide defaults, overridable per call via Options.
type HTTPConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// DefaultHTTPConfig returns sensible defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{UserAgent: defaultUserAgent, Timeout: 30 * time.Second}
}

// HTTPFetcher is the engine's static fetcher, built on colly for the
// request/response lifecycle, golang.org/x/net/html/charset and
// golang.org/x/text/encoding for decode handling, and avast/retry-go for
// bounded retries with proxy rotation between attempts.
type HTTPFetcher struct {
	config HTTPConfig
}

// New creates an HTTPFetcher.
func New(cfg HTTPConfig) *HTTPFetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultHTTPConfig().UserAgent
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultHTTPConfig().Timeout
	}
	return &HTTPFetcher{config: cfg}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, targetURL string, opts Options) (Content, error) {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var result Content
	err := retry.Do(
		func() error {
			attempted, cErr := f.attempt(ctx, targetURL, opts, &result)
			if cErr != nil {
				logger.DebugContext(ctx, "fetch attempt failed", "url", targetURL, "error", cErr)
				return cErr
			}
			result = attempted
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(maxRetries)),
		retry.LastErrorOnly(true),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(200*time.Millisecond),
	)
	if err != nil {
		return result, fmt.Errorf("%w: %s: %v", ErrFetchExhausted, targetURL, err)
	}
	return result, nil
}

func (f *HTTPFetcher) attempt(ctx context.Context, targetURL string, opts Options, result *Content) (Content, error) {
	result.URL = targetURL
	result.FetchedAt = time.Now()

	c := colly.NewCollector(
		colly.UserAgent(f.config.UserAgent),
	)
	c.WithTransport(&http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // legacy sites with broken chains
	})

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = f.config.Timeout
	}
	c.SetRequestTimeout(timeout)

	if opts.Proxy != nil {
		if proxyURL, err := opts.Proxy.Next(); err == nil && proxyURL != "" {
			if rp, err := proxy.RoundRobinProxySwitcher(proxyURL); err == nil {
				c.SetProxyFunc(rp)
			}
		}
	}

	if len(opts.Headers) > 0 {
		c.OnRequest(func(r *colly.Request) {
			for k, v := range opts.Headers {
				r.Headers.Set(k, v)
			}
		})
	}

	var fetchErr error
	var rawBody []byte
	var contentType string

	c.OnResponse(func(r *colly.Response) {
		result.StatusCode = r.StatusCode
		contentType = r.Headers.Get("Content-Type")
		result.ContentType = contentType
		rawBody = r.Body
	})

	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
		}
		fetchErr = fmt.Errorf("fetcher: visit error: %w", err)
	})

	if err := c.Visit(targetURL); err != nil {
		return *result, fmt.Errorf("fetcher: visit %s: %w", targetURL, err)
	}
	if fetchErr != nil {
		return *result, fetchErr
	}
	if result.StatusCode >= 400 {
		return *result, fmt.Errorf("fetcher: %s returned status %d", targetURL, result.StatusCode)
	}

	decoded, err := decodeBody(rawBody, contentType, opts.Encoding)
	if err != nil {
		return *result, fmt.Errorf("fetcher: decode %s: %w", targetURL, err)
	}
	result.HTML = decoded

	return *result, nil
}

// decodeBody converts raw bytes to a UTF-8 string using, in priority order:
// the caller-forced encoding, the response's declared/sniffed charset, or
// UTF-8 as a last resort.
func decodeBody(raw []byte, contentType, forcedEncoding string) (string, error) {
	if forcedEncoding != "" {
		enc, err := htmlindex.Get(forcedEncoding)
		if err == nil {
			return decodeWith(raw, enc)
		}
	}

	reader, err := charset.NewReader(strings.NewReader(string(raw)), contentType)
	if err != nil {
		return string(raw), nil
	}
	out, err := io.ReadAll(reader)
	if err != nil {
		return string(raw), nil
	}
	return string(out), nil
}

func decodeWith(raw []byte, enc encoding.Encoding) (string, error) {
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
