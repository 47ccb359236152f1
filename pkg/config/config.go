// Package config loads and validates the declarative per-site extraction
// specification: request defaults, URL templates, and the locator pipelines
// used by the crawler and locator engine.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kestrelweb/novelforge/pkg/locator"
)

// Site identifies the target being scraped.
type Site struct {
	Name     string `json:"name" yaml:"name"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
}

// Request holds default HTTP request settings for the site.
type Request struct {
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout  any               `json:"timeout_secs,omitempty" yaml:"timeout_secs,omitempty"`
	Encoding string            `json:"encoding,omitempty" yaml:"encoding,omitempty"`
}

// Crawl holds throughput and retry shaping for the crawl.
type Crawl struct {
	RequestDelay any `json:"request_delay_secs,omitempty" yaml:"request_delay_secs,omitempty"`
	MaxRetries   any `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// Pagination describes how to discover additional pages for a list or a
// content page.
type Pagination struct {
	Enabled       bool                 `json:"enabled" yaml:"enabled"`
	MaxPageManual int                  `json:"max_page_manual,omitempty" yaml:"max_page_manual,omitempty"`
	MaxPageXPath  *locator.LocatorSpec `json:"max_page_xpath,omitempty" yaml:"max_page_xpath,omitempty"`
}

// ChapterList describes how to extract the ordered chapter index from a
// listing page.
type ChapterList struct {
	Items      locator.LocatorSpec `json:"items" yaml:"items"`
	Title      locator.LocatorSpec `json:"title" yaml:"title"`
	URL        locator.LocatorSpec `json:"url" yaml:"url"`
	Pagination *Pagination         `json:"pagination,omitempty" yaml:"pagination,omitempty"`
}

// ChapterContent describes how to extract and clean a chapter's body,
// including multi-page continuation.
type ChapterContent struct {
	Content   locator.LocatorSpec          `json:"content" yaml:"content"`
	Clean     []locator.PostProcessStep    `json:"clean,omitempty" yaml:"clean,omitempty"`
	NextPage  *Pagination                  `json:"next_page,omitempty" yaml:"next_page,omitempty"`
}

// Parsers groups the three locator pipelines a config may define.
type Parsers struct {
	DocumentInfo   map[string]locator.LocatorSpec `json:"document_info,omitempty" yaml:"document_info,omitempty"`
	ChapterList    ChapterList                    `json:"chapter_list" yaml:"chapter_list"`
	ChapterContent ChapterContent                 `json:"chapter_content" yaml:"chapter_content"`
}

// Config is a single site's fully parsed extraction specification.
type Config struct {
	Name         string            `json:"-" yaml:"-"`
	Site         Site              `json:"site" yaml:"site"`
	Request      Request           `json:"request,omitempty" yaml:"request,omitempty"`
	Crawl        Crawl             `json:"crawl,omitempty" yaml:"crawl,omitempty"`
	URLTemplates map[string]string `json:"url_templates,omitempty" yaml:"url_templates,omitempty"`
	Parsers      Parsers           `json:"parsers" yaml:"parsers"`
}

// Default values applied when the config omits a numeric field or when the
// provided value fails to coerce. These mirror the original crawler's
// forgiving numeric accessors.
const (
	DefaultTimeoutSecs  = 15
	DefaultRequestDelay = 1.0
	DefaultMaxRetries   = 3
	DefaultMaxPages     = 50
)

// Timeout returns the configured request timeout in seconds, coercing string
// or float inputs and falling back to DefaultTimeoutSecs on any failure.
func (c *Config) Timeout() int {
	return coerceInt(c.Request.Timeout, DefaultTimeoutSecs)
}

// RequestDelay returns the inter-chapter delay in seconds.
func (c *Config) RequestDelay() float64 {
	return coerceFloat(c.Crawl.RequestDelay, DefaultRequestDelay)
}

// MaxRetries returns the configured retry budget per fetch.
func (c *Config) MaxRetries() int {
	return coerceInt(c.Crawl.MaxRetries, DefaultMaxRetries)
}

func coerceInt(v any, fallback int) int {
	switch t := v.(type) {
	case nil:
		return fallback
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return fallback
		}
		return n
	default:
		return fallback
	}
}

func coerceFloat(v any, fallback float64) float64 {
	switch t := v.(type) {
	case nil:
		return fallback
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float64:
		return t
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return fallback
		}
		return f
	default:
		return fallback
	}
}

// BuildURL substitutes named {placeholder} tokens in the named template with
// params, then resolves the result against the site's base URL if it does
// not already carry a scheme. It reports ok=false (not an error) when the
// template is missing or a placeholder cannot be satisfied.
func (c *Config) BuildURL(templateName string, params map[string]string) (resolved string, ok bool) {
	tmpl, found := c.URLTemplates[templateName]
	if !found {
		return "", false
	}

	result := tmpl
	for k, v := range params {
		token := "{" + k + "}"
		if !strings.Contains(result, token) {
			continue
		}
		result = strings.ReplaceAll(result, token, v)
	}
	if strings.Contains(result, "{") && strings.Contains(result, "}") {
		// An unresolved placeholder remains.
		return "", false
	}

	if !hasScheme(result) {
		result = joinURL(c.Site.BaseURL, result)
	}
	return result, true
}

func hasScheme(u string) bool {
	i := strings.Index(u, "://")
	return i > 0 && i < 10
}

func joinURL(base, rel string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	return base + rel
}

// Validate checks that the required fields are set: site.name,
// site.base_url, and the chapter-list items and chapter content
// expressions. Every missing field is reported in one error.
func (c *Config) Validate() error {
	var errs []string
	if c.Site.Name == "" {
		errs = append(errs, "site.name is required")
	}
	if c.Site.BaseURL == "" {
		errs = append(errs, "site.base_url is required")
	}
	if c.Parsers.ChapterList.Items.Expression == "" {
		errs = append(errs, "parsers.chapter_list.items is required")
	}
	if c.Parsers.ChapterContent.Content.Expression == "" {
		errs = append(errs, "parsers.chapter_content.content is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config %q: %s", c.Name, strings.Join(errs, "; "))
	}
	return nil
}
