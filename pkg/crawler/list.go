package crawler

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/kestrelweb/novelforge/pkg/config"
	"github.com/kestrelweb/novelforge/pkg/locator"
)

// parseDocumentInfo fetches the book's landing page and, if configured,
// extracts title/author/cover via parsers.document_info. It also returns
// the raw HTML so the caller can reuse it as page 1 of the chapter list
// without a second fetch.
func (c *Crawler) parseDocumentInfo(ctx context.Context, opts Options) (title, author, coverURL, listHTML string, err error) {
	docURL, ok := c.cfg.BuildURL("chapter_list_page", map[string]string{"book_id": opts.BookID, "page": "1"})
	if !ok {
		docURL, ok = c.cfg.BuildURL("document", map[string]string{"book_id": opts.BookID})
	}
	if !ok || docURL == "" {
		return "", "", "", "", fmt.Errorf("no url_template resolves the book's landing page")
	}

	body, err := c.get(ctx, opts, docURL)
	if err != nil {
		return "", "", "", "", fmt.Errorf("fetch landing page: %w", err)
	}

	for name, spec := range c.cfg.Parsers.DocumentInfo {
		v, evalErr := locator.Evaluate(body, spec)
		if evalErr != nil {
			continue
		}
		s, _ := v.(string)
		switch name {
		case "title":
			title = s
		case "author":
			author = s
		case "cover_url":
			coverURL = s
		}
	}

	return title, author, coverURL, body, nil
}

// discoverChapters extracts the ordered chapter index from the list page
// (and its continuation pages, if list pagination is enabled), returning
// chapters in discovery order with 1-based sequence numbers.
func (c *Crawler) discoverChapters(ctx context.Context, opts Options, firstPageHTML string) ([]discoveredChapter, error) {
	spec := c.cfg.Parsers.ChapterList

	all, err := extractChapterItems(firstPageHTML, spec, c.cfg.Site.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse chapter list page 1: %w", err)
	}

	if spec.Pagination != nil && spec.Pagination.Enabled {
		maxPages := resolveMaxPages(firstPageHTML, *spec.Pagination)
		for page := 2; page <= maxPages; page++ {
			if opts.ShouldStop() {
				break
			}
			pageURL, ok := c.cfg.BuildURL("chapter_list_page", map[string]string{"book_id": opts.BookID, "page": strconv.Itoa(page)})
			if !ok {
				break
			}
			body, err := c.get(ctx, opts, pageURL)
			if err != nil {
				opts.OnLog(fmt.Sprintf("list pagination stopped at page %d: %v", page, err))
				break
			}
			items, err := extractChapterItems(body, spec, c.cfg.Site.BaseURL)
			if err != nil || len(items) == 0 {
				opts.OnLog(fmt.Sprintf("list pagination stopped at page %d: no items", page))
				break
			}
			all = append(all, items...)
		}
	}

	chapters := make([]discoveredChapter, 0, len(all))
	for i, item := range all {
		chapters = append(chapters, discoveredChapter{index: i + 1, title: item.title, url: item.url})
	}
	return chapters, nil
}

type listItem struct {
	title string
	url   string
}

// extractChapterItems evaluates the items locator to get per-item HTML
// fragments, then evaluates title/url in each fragment's local scope.
func extractChapterItems(html string, spec config.ChapterList, baseURL string) ([]listItem, error) {
	v, err := locator.Evaluate(html, spec.Items)
	if err != nil {
		return nil, err
	}

	var fragments []string
	switch t := v.(type) {
	case []any:
		for _, f := range t {
			if s, ok := f.(string); ok {
				fragments = append(fragments, s)
			}
		}
	case string:
		fragments = append(fragments, t)
	}

	out := make([]listItem, 0, len(fragments))
	for _, frag := range fragments {
		titleVal, tErr := locator.EvaluateScoped(frag, spec.Title)
		urlVal, uErr := locator.EvaluateScoped(frag, spec.URL)
		if tErr != nil || uErr != nil {
			continue
		}
		title, _ := titleVal.(string)
		rawURL, _ := urlVal.(string)
		if title == "" || rawURL == "" {
			continue
		}
		out = append(out, listItem{title: strings.TrimSpace(title), url: resolveRelative(baseURL, rawURL)})
	}
	return out, nil
}

func resolveRelative(base, ref string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}

// resolveMaxPages applies the max(manual, extracted) policy shared by list
// and content pagination: the manually configured ceiling, widened by
// whatever the page itself reports via max_page_xpath.
func resolveMaxPages(html string, p config.Pagination) int {
	maxPages := p.MaxPageManual
	if maxPages <= 0 {
		maxPages = config.DefaultMaxPages
	}
	if p.MaxPageXPath == nil {
		return maxPages
	}

	v, err := locator.Evaluate(html, *p.MaxPageXPath)
	if err != nil || v == nil {
		return maxPages
	}
	s, _ := v.(string)
	digits := digitRuns(s)
	if len(digits) == 0 {
		return maxPages
	}
	extracted := atoiOr(digits[0], 0)
	if extracted > maxPages {
		return extracted
	}
	return maxPages
}
