package crawler

import (
	"context"
	"time"

	"github.com/kestrelweb/novelforge/pkg/fetcher"
)

// get fetches url using the config's request defaults and this crawler's
// proxy provider (nil unless UseProxy was set for the run).
func (c *Crawler) get(ctx context.Context, opts Options, url string) (string, error) {
	var proxy fetcher.ProxyProvider
	if opts.UseProxy {
		proxy = c.proxy
	}

	content, err := c.fetch.Fetch(ctx, url, fetcher.Options{
		Headers:    c.cfg.Request.Headers,
		Timeout:    time.Duration(c.cfg.Timeout()) * time.Second,
		Encoding:   c.cfg.Request.Encoding,
		MaxRetries: c.cfg.MaxRetries(),
		Proxy:      proxy,
	})
	if err != nil {
		return "", err
	}
	return content.HTML, nil
}

// WithProxy installs a ProxyProvider to use when a run requests UseProxy.
func (c *Crawler) WithProxy(p fetcher.ProxyProvider) *Crawler {
	c.proxy = p
	return c
}
