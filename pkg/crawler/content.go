package crawler

import (
	"context"
	"strconv"
	"strings"

	"github.com/kestrelweb/novelforge/internal/logger"
	"github.com/kestrelweb/novelforge/pkg/config"
	"github.com/kestrelweb/novelforge/pkg/locator"
)

// maxDuplicatePages is how many pages in a row may repeat the last appended
// page's content before the continuation loop stops (repeats are not
// appended), guarding against a misconfigured next_page rule that never
// stops advancing.
const maxDuplicatePages = 3

// downloadChapterContent fetches chapterURL and, if next_page pagination is
// enabled, its continuation pages, joining all content into one string.
func (c *Crawler) downloadChapterContent(ctx context.Context, opts Options, chapterURL string) (string, error) {
	spec := c.cfg.Parsers.ChapterContent

	currentURL := chapterURL
	page := 1
	maxPages := config.DefaultMaxPages
	duplicates := 0
	var lastPageContent string
	var parts []string

	for page <= maxPages {
		if opts.ShouldStop() {
			break
		}

		body, err := c.get(ctx, opts, currentURL)
		if err != nil {
			break
		}

		if page == 1 && spec.NextPage != nil {
			maxPages = resolveMaxPages(body, *spec.NextPage)
		}

		pageContent, err := extractContent(body, spec.Content)
		if err != nil {
			break
		}

		if pageContent == lastPageContent {
			duplicates++
			if duplicates >= maxDuplicatePages {
				break
			}
		} else {
			duplicates = 0
			parts = append(parts, pageContent)
			lastPageContent = pageContent
		}

		if spec.NextPage == nil || !spec.NextPage.Enabled {
			break
		}

		nextURL, ok := c.buildContentPageURL(chapterURL, page+1)
		if !ok || nextURL == currentURL {
			break
		}
		currentURL = nextURL
		page++
	}

	joined := strings.Join(parts, "\n\n")
	cleaned := joined
	for _, step := range spec.Clean {
		if out, err := step.Apply(cleaned); err == nil {
			if s, ok := out.(string); ok {
				cleaned = s
			}
		} else {
			logger.Warn("crawler: clean step failed, skipped", "method", step.Method, "error", err)
		}
	}
	return cleaned, nil
}

// extractContent evaluates the content locator and joins a list result
// with newlines, matching the single-page and multi-fragment cases.
func extractContent(html string, spec locator.LocatorSpec) (string, error) {
	v, err := locator.Evaluate(html, spec)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n"), nil
	default:
		return "", nil
	}
}

// buildContentPageURL constructs the URL for a chapter's next content page.
// book_id and chapter_id are the first and second decimal digit runs found
// in the chapter's own URL path, never its scheme or host.
func (c *Crawler) buildContentPageURL(chapterURL string, page int) (string, bool) {
	bookID, ok1 := PathDigitRunAt(chapterURL, 0)
	chapterID, ok2 := PathDigitRunAt(chapterURL, 1)
	if !ok1 || !ok2 {
		return "", false
	}
	return c.cfg.BuildURL("chapter_content_page", map[string]string{
		"book_id":    bookID,
		"chapter_id": chapterID,
		"page":       strconv.Itoa(page),
	})
}
