// Package crawler orchestrates one site's extraction end to end: discover
// the chapter list (with pagination), fetch and persist each chapter's
// content (with its own pagination), and report progress through the whole
// run. It is the component every other package in this module exists to
// serve.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelweb/novelforge/internal/logger"
	"github.com/kestrelweb/novelforge/pkg/config"
	"github.com/kestrelweb/novelforge/pkg/fetcher"
	"github.com/kestrelweb/novelforge/pkg/ledger"
	"github.com/kestrelweb/novelforge/pkg/store"
)

// Stage mirrors store.TaskStage for progress reporting without importing
// the store package's Task-specific naming into the crawler's own API.
type Stage = store.TaskStage

// ErrTitleMiss is returned by Run when the document_info title locator
// misses on the list/landing page. A title miss aborts document creation
// rather than persisting a titleless document.
var ErrTitleMiss = errors.New("crawler: document title locator missed on landing page")

// Progress is one snapshot of a running crawl, delivered to OnProgress on
// every chapter transition.
type Progress struct {
	Stage             Stage
	Detail            string
	TotalChapters     int
	CompletedChapters int
	FailedChapters    int
	CurrentChapter    string
	DocumentTitle     string
	DocumentAuthor    string
}

// Options parameterizes one crawl run.
type Options struct {
	BookID     string
	MaxWorkers int
	UseProxy   bool

	OnProgress func(Progress)
	OnLog      func(line string)
	ShouldStop func() bool
}

// Crawler ties together a loaded Config with the shared Fetcher, Ledger,
// and Store collaborators.
type Crawler struct {
	cfg     *config.Config
	fetch   fetcher.Fetcher
	ledger  ledger.Ledger
	store   store.Store
	proxy   fetcher.ProxyProvider
}

// New builds a Crawler for one config, sharing the given collaborators
// across however many concurrent tasks the supervisor runs.
func New(cfg *config.Config, fetch fetcher.Fetcher, led ledger.Ledger, st store.Store) *Crawler {
	return &Crawler{cfg: cfg, fetch: fetch, ledger: led, store: st, proxy: fetcher.NoProxy()}
}

type discoveredChapter struct {
	index int
	title string
	url   string
}

// Run executes the full PARSING_LIST -> LIST_PAGINATING -> UPSERT_DOCUMENT
// -> DOWNLOADING -> FINALIZE state machine for one book.
func (c *Crawler) Run(ctx context.Context, opts Options) error {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	if opts.OnProgress == nil {
		opts.OnProgress = func(Progress) {}
	}
	if opts.OnLog == nil {
		opts.OnLog = func(string) {}
	}
	if opts.ShouldStop == nil {
		opts.ShouldStop = func() bool { return false }
	}

	ledgerKey := c.cfg.Site.Name + ":" + opts.BookID

	opts.OnProgress(Progress{Stage: store.StageParsingList, Detail: "fetching chapter list"})
	opts.OnLog(fmt.Sprintf("parsing_list: %s book_id=%s", c.cfg.Site.Name, opts.BookID))

	docTitle, docAuthor, coverURL, listHTML, err := c.parseDocumentInfo(ctx, opts)
	if err != nil {
		return fmt.Errorf("crawler: parsing_list: %w", err)
	}
	if docTitle == "" {
		return fmt.Errorf("%w: book_id=%s", ErrTitleMiss, opts.BookID)
	}

	chapters, err := c.discoverChapters(ctx, opts, listHTML)
	if err != nil {
		return fmt.Errorf("crawler: discover chapters: %w", err)
	}
	if len(chapters) == 0 {
		return fmt.Errorf("crawler: no chapters discovered for book_id=%s", opts.BookID)
	}

	sourceURL, _ := c.cfg.BuildURL("document", map[string]string{"book_id": opts.BookID})
	if sourceURL == "" {
		sourceURL = c.cfg.Site.BaseURL + "/" + opts.BookID
	}

	documentID, err := c.store.UpsertDocument(ctx, store.Document{
		SourceURL: sourceURL,
		SiteName:  c.cfg.Site.Name,
		Title:     docTitle,
		Author:    docAuthor,
		CoverURL:  coverURL,
	})
	if err != nil {
		return fmt.Errorf("crawler: upsert document: %w", err)
	}

	opts.OnProgress(Progress{
		Stage: store.StageDownloading, Detail: "downloading chapters",
		TotalChapters: len(chapters), DocumentTitle: docTitle, DocumentAuthor: docAuthor,
	})

	completed, failed := c.downloadAll(ctx, opts, ledgerKey, documentID, chapters)

	if err := c.store.RecomputeDocumentStats(ctx, documentID); err != nil {
		logger.WarnContext(ctx, "crawler: recompute stats failed", "error", err)
	}

	stage := store.StageCompleted
	detail := "completed"
	if opts.ShouldStop() {
		detail = "stopped"
	}
	opts.OnProgress(Progress{
		Stage: stage, Detail: detail,
		TotalChapters: len(chapters), CompletedChapters: completed, FailedChapters: failed,
		DocumentTitle: docTitle, DocumentAuthor: docAuthor,
	})
	opts.OnLog(fmt.Sprintf("finalize: completed=%d failed=%d total=%d", completed, failed, len(chapters)))

	return nil
}

// downloadAll runs the bounded worker pool over every discovered chapter.
func (c *Crawler) downloadAll(ctx context.Context, opts Options, ledgerKey string, documentID uuid.UUID, chapters []discoveredChapter) (completed, failed int) {
	sem := make(chan struct{}, opts.MaxWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, ch := range chapters {
		if opts.ShouldStop() {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(ch discoveredChapter) {
			defer wg.Done()
			defer func() { <-sem }()

			if opts.ShouldStop() {
				return
			}

			ok := c.downloadOne(ctx, opts, ledgerKey, documentID, ch)

			mu.Lock()
			if ok {
				completed++
			} else {
				failed++
			}
			opts.OnProgress(Progress{
				Stage: store.StageDownloading, CurrentChapter: ch.title,
				TotalChapters: len(chapters), CompletedChapters: completed, FailedChapters: failed,
			})
			mu.Unlock()

			delay := c.cfg.RequestDelay()
			if delay > 0 {
				time.Sleep(time.Duration(delay * float64(time.Second)))
			}
		}(ch)
	}
	wg.Wait()
	return completed, failed
}

func (c *Crawler) downloadOne(ctx context.Context, opts Options, ledgerKey string, documentID uuid.UUID, ch discoveredChapter) bool {
	if c.ledger.IsSuccess(ctx, ledgerKey, ch.url) {
		opts.OnLog(fmt.Sprintf("skip (already downloaded): %s", ch.url))
		return true
	}

	content, err := c.downloadChapterContent(ctx, opts, ch.url)
	if err != nil || content == "" {
		opts.OnLog(fmt.Sprintf("fail: %s: %v", ch.url, err))
		c.ledger.MarkFailure(ctx, ledgerKey, ch.url)
		return false
	}

	if _, err := c.store.UpsertChapter(ctx, documentID, ch.index, ch.title, content, ch.url); err != nil {
		opts.OnLog(fmt.Sprintf("fail (persist): %s: %v", ch.url, err))
		c.ledger.MarkFailure(ctx, ledgerKey, ch.url)
		return false
	}

	c.ledger.MarkSuccess(ctx, ledgerKey, ch.url)
	return true
}

// digitRuns returns every run of decimal digits found in s, in order.
var digitRunPattern = regexp.MustCompile(`\d+`)

func digitRuns(s string) []string {
	return digitRunPattern.FindAllString(s, -1)
}

func digitRunAt(s string, i int) (string, bool) {
	runs := digitRuns(s)
	if i < 0 || i >= len(runs) {
		return "", false
	}
	return runs[i], true
}

// PathDigitRunAt returns the i-th decimal digit run found in rawURL's path,
// ignoring any digits in the scheme, host, or query string (a host like
// "novel5.example.com" must never be mistaken for a book or chapter id). If
// rawURL fails to parse, it falls back to scanning the raw string.
func PathDigitRunAt(rawURL string, i int) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return digitRunAt(rawURL, i)
	}
	return digitRunAt(u.Path, i)
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
