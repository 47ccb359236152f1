package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kestrelweb/novelforge/pkg/config"
	"github.com/kestrelweb/novelforge/pkg/fetcher"
	"github.com/kestrelweb/novelforge/pkg/locator"
	"github.com/kestrelweb/novelforge/pkg/store"
)

// fakeLedger is an in-memory ledger.Ledger double; every URL starts
// unrecorded.
type fakeLedger struct {
	mu      sync.Mutex
	success map[string]bool
}

func newFakeLedger() *fakeLedger { return &fakeLedger{success: map[string]bool{}} }

func (l *fakeLedger) IsSuccess(_ context.Context, key, url string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.success[key+"|"+url]
}
func (l *fakeLedger) MarkSuccess(_ context.Context, key, url string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.success[key+"|"+url] = true
}
func (l *fakeLedger) MarkFailure(_ context.Context, _, _ string) {}
func (l *fakeLedger) Stats(_ context.Context, _ string) (int64, int64) { return 0, 0 }
func (l *fakeLedger) ClearFailures(_ context.Context, _ string)       {}

// fakeStore is an in-memory store.Store double covering the operations
// Run() exercises end to end.
type fakeStore struct {
	mu       sync.Mutex
	doc      store.Document
	chapters map[int]store.Chapter
}

func newFakeStore() *fakeStore {
	return &fakeStore{chapters: map[int]store.Chapter{}}
}

func (s *fakeStore) UpsertDocument(_ context.Context, doc store.Document) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	s.doc = doc
	return doc.ID, nil
}

func (s *fakeStore) UpsertChapter(_ context.Context, documentID uuid.UUID, chapterNum int, title, content, sourceURL string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.chapters[chapterNum] = store.Chapter{
		ID: id, DocumentID: documentID, ChapterNum: chapterNum, Title: title, Content: content, SourceURL: sourceURL,
	}
	return id, nil
}

func (s *fakeStore) RecomputeDocumentStats(_ context.Context, _ uuid.UUID) error { return nil }

func (s *fakeStore) DeleteIncompleteChapters(_ context.Context, _ uuid.UUID, keep []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keepSet := make(map[int]bool, len(keep))
	for _, n := range keep {
		keepSet[n] = true
	}
	for n := range s.chapters {
		if !keepSet[n] {
			delete(s.chapters, n)
		}
	}
	return nil
}

func (s *fakeStore) GetDocumentBySourceURL(_ context.Context, sourceURL string) (store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.SourceURL != sourceURL {
		return store.Document{}, errors.New("fake store: not found")
	}
	return s.doc, nil
}

func (s *fakeStore) ListChapters(_ context.Context, _ uuid.UUID) ([]store.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Chapter, 0, len(s.chapters))
	for _, c := range s.chapters {
		out = append(out, c)
	}
	return out, nil
}

// fakeFetcher serves canned HTML by exact URL match, used to drive the
// crawler's state machine without a network dependency.
type fakeFetcher struct {
	pages map[string]string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, _ fetcher.Options) (fetcher.Content, error) {
	body, ok := f.pages[url]
	if !ok {
		return fetcher.Content{}, fmt.Errorf("fake fetcher: no page for %s", url)
	}
	return fetcher.Content{URL: url, HTML: body, StatusCode: 200}, nil
}

func TestDigitRunAt(t *testing.T) {
	s := "https://example.com/book/123/chapter/456.html"
	bookID, ok := digitRunAt(s, 0)
	require.True(t, ok)
	require.Equal(t, "123", bookID)

	chapterID, ok := digitRunAt(s, 1)
	require.True(t, ok)
	require.Equal(t, "456", chapterID)

	_, ok = digitRunAt(s, 5)
	require.False(t, ok)
}

func TestExtractContent_JoinsListResult(t *testing.T) {
	html := `<div class="c"><p>part one</p><p>part two</p></div>`
	spec := locator.LocatorSpec{Type: locator.TypeXPath, Expression: "//div[@class='c']/p/text()"}
	content, err := extractContent(html, spec)
	require.NoError(t, err)
	require.Equal(t, "part one\npart two", content)
}

func TestDiscoverChapters_SinglePage(t *testing.T) {
	html := `<ul>
		<li><a href="/ch/1">Chapter One</a></li>
		<li><a href="/ch/2">Chapter Two</a></li>
	</ul>`

	cfg := &config.Config{
		Site: config.Site{Name: "test", BaseURL: "https://example.com"},
		Parsers: config.Parsers{
			ChapterList: config.ChapterList{
				Items: locator.LocatorSpec{Type: locator.TypeXPath, Expression: "//li"},
				Title: locator.LocatorSpec{Type: locator.TypeXPath, Expression: "//a/text()", Index: intPtr(0)},
				URL:   locator.LocatorSpec{Type: locator.TypeXPath, Expression: "//a/@href", Index: intPtr(0)},
			},
		},
	}

	c := New(cfg, &fakeFetcher{}, nil, nil)
	chapters, err := c.discoverChapters(context.Background(), Options{ShouldStop: func() bool { return false }}, html)
	require.NoError(t, err)
	require.Len(t, chapters, 2)
	require.Equal(t, "Chapter One", chapters[0].title)
	require.Equal(t, "https://example.com/ch/1", chapters[0].url)
	require.Equal(t, 1, chapters[0].index)
	require.Equal(t, 2, chapters[1].index)
}

func intPtr(i int) *int { return &i }

// fullCrawlConfig builds a config whose landing page doubles as chapter
// list page 1, with no pagination on either the list or the content.
func fullCrawlConfig() *config.Config {
	return &config.Config{
		Site:         config.Site{Name: "fullcrawl", BaseURL: "https://example.com"},
		URLTemplates: map[string]string{"document": "/book/{book_id}"},
		Parsers: config.Parsers{
			DocumentInfo: map[string]locator.LocatorSpec{
				"title":  {Type: locator.TypeXPath, Expression: "//h1/text()", Index: intPtr(0)},
				"author": {Type: locator.TypeXPath, Expression: "//span[@class='author']/text()", Index: intPtr(0)},
			},
			ChapterList: config.ChapterList{
				Items: locator.LocatorSpec{Type: locator.TypeXPath, Expression: "//li"},
				Title: locator.LocatorSpec{Type: locator.TypeXPath, Expression: "//a/text()", Index: intPtr(0)},
				URL:   locator.LocatorSpec{Type: locator.TypeXPath, Expression: "//a/@href", Index: intPtr(0)},
			},
			ChapterContent: config.ChapterContent{
				Content: locator.LocatorSpec{Type: locator.TypeXPath, Expression: "//div[@class='content']/text()", Index: intPtr(0)},
			},
		},
	}
}

func TestRun_FullCrawl(t *testing.T) {
	landing := `<html><body>
		<h1>The Test Novel</h1>
		<span class="author">Jane Writer</span>
		<ul>
			<li><a href="/ch/1">Chapter One</a></li>
			<li><a href="/ch/2">Chapter Two</a></li>
		</ul>
	</body></html>`

	fetch := &fakeFetcher{pages: map[string]string{
		"https://example.com/book/42": landing,
		"https://example.com/ch/1":    `<div class="content">content one</div>`,
		"https://example.com/ch/2":    `<div class="content">content two</div>`,
	}}

	st := newFakeStore()
	led := newFakeLedger()
	c := New(fullCrawlConfig(), fetch, led, st)

	var progresses []Progress
	var mu sync.Mutex
	err := c.Run(context.Background(), Options{
		BookID:     "42",
		MaxWorkers: 2,
		OnProgress: func(p Progress) {
			mu.Lock()
			progresses = append(progresses, p)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	require.Equal(t, "The Test Novel", st.doc.Title)
	require.Equal(t, "Jane Writer", st.doc.Author)
	require.Len(t, st.chapters, 2)
	require.Equal(t, "content one", st.chapters[1].Content)
	require.Equal(t, "content two", st.chapters[2].Content)

	final := progresses[len(progresses)-1]
	require.Equal(t, store.StageCompleted, final.Stage)
	require.Equal(t, 2, final.CompletedChapters)
	require.Equal(t, 0, final.FailedChapters)
}

func TestRun_TitleMissAbortsDocumentCreation(t *testing.T) {
	landing := `<html><body><ul><li><a href="/ch/1">Chapter One</a></li></ul></body></html>`
	fetch := &fakeFetcher{pages: map[string]string{
		"https://example.com/book/42": landing,
	}}

	st := newFakeStore()
	led := newFakeLedger()
	c := New(fullCrawlConfig(), fetch, led, st)

	err := c.Run(context.Background(), Options{BookID: "42", MaxWorkers: 1})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTitleMiss))
	require.Equal(t, uuid.Nil, st.doc.ID)
}

func TestPathDigitRunAt_IgnoresHostDigits(t *testing.T) {
	u := "https://novel5.example.com/book/12/chapter/34"
	bookID, ok := PathDigitRunAt(u, 0)
	require.True(t, ok)
	require.Equal(t, "12", bookID)

	chapterID, ok := PathDigitRunAt(u, 1)
	require.True(t, ok)
	require.Equal(t, "34", chapterID)
}

func TestHTTPIntegration_FetchViaServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>hi</body></html>`))
	}))
	defer srv.Close()

	f := fetcher.New(fetcher.HTTPConfig{Timeout: 2 * time.Second})
	content, err := f.Fetch(context.Background(), srv.URL, fetcher.Options{MaxRetries: 1})
	require.NoError(t, err)
	require.Contains(t, content.HTML, "hi")
}
