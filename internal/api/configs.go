package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelweb/novelforge/pkg/config"
	"github.com/kestrelweb/novelforge/pkg/fetcher"
	"github.com/kestrelweb/novelforge/pkg/locator"
)

// configsHandler serves CRUD and validation endpoints over the site config
// directory watched by a config.Loader, plus a live probe endpoint that
// fetches a URL through fetch and evaluates the named config's locators
// against it.
type configsHandler struct {
	loader *config.Loader
	fetch  fetcher.Fetcher
}

func newConfigsHandler(loader *config.Loader, fetch fetcher.Fetcher) *configsHandler {
	return &configsHandler{loader: loader, fetch: fetch}
}

func (h *configsHandler) routes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{name}", h.get)
	r.Put("/{name}", h.update)
	r.Delete("/{name}", h.delete)
	r.Post("/{name}/validate", h.validate)
	r.Post("/{name}/probe", h.probe)
}

type configSummary struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
}

func (h *configsHandler) list(w http.ResponseWriter, r *http.Request) {
	names := h.loader.List()
	summaries := make([]configSummary, 0, len(names))
	for _, name := range names {
		cfg, found := h.loader.Get(name)
		if !found {
			continue
		}
		summaries = append(summaries, configSummary{Name: name, BaseURL: cfg.Site.BaseURL})
	}
	ok(w, summaries)
}

func (h *configsHandler) get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cfg, found := h.loader.Get(name)
	if !found {
		notFound(w, fmt.Errorf("config %q not found", name))
		return
	}
	ok(w, cfg)
}

func (h *configsHandler) create(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		badRequest(w, fmt.Errorf("name query parameter is required"))
		return
	}
	if _, found := h.loader.Get(name); found {
		fail(w, http.StatusConflict, fmt.Errorf("config %q already exists", name))
		return
	}
	h.writeBody(w, r, name)
}

func (h *configsHandler) update(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h.writeBody(w, r, name)
}

func (h *configsHandler) writeBody(w http.ResponseWriter, r *http.Request, name string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := h.loader.Write(name, body); err != nil {
		badRequest(w, err)
		return
	}
	cfg, _ := h.loader.Get(name)
	created(w, cfg)
}

func (h *configsHandler) delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.loader.Delete(name); err != nil {
		notFound(w, err)
		return
	}
	noContent(w)
}

type validateResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

func (h *configsHandler) validate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cfg, found := h.loader.Get(name)
	if !found {
		notFound(w, fmt.Errorf("config %q not found", name))
		return
	}
	if err := cfg.Validate(); err != nil {
		ok(w, validateResult{Valid: false, Errors: []string{err.Error()}})
		return
	}
	ok(w, validateResult{Valid: true, Errors: []string{}})
}

// probeTestType selects which of the named config's locator pipelines a
// probe call exercises.
type probeTestType string

const (
	probeDocumentInfo   probeTestType = "document_info"
	probeChapterList    probeTestType = "chapter_list"
	probeChapterContent probeTestType = "chapter_content"
)

// probeRequest lets a config author fetch a live page and see exactly how
// the named config's real locators resolve against it, field by field.
type probeRequest struct {
	URL      string        `json:"url"`
	TestType probeTestType `json:"test_type"`
}

// probeFieldResult is one locator's outcome within a probe run.
type probeFieldResult struct {
	Field  string                      `json:"field"`
	Result any                         `json:"result"`
	Trace  []locator.ProcessTraceEntry `json:"trace,omitempty"`
	Error  string                      `json:"error,omitempty"`
}

type probeResponse struct {
	URL    string             `json:"url"`
	Fields []probeFieldResult `json:"fields"`
}

// namedLocator pairs a locator pipeline with the field name it fills, so a
// probe response can report per-field results instead of one opaque value.
type namedLocator struct {
	field string
	spec  locator.LocatorSpec
}

// probeLocators selects the LocatorSpecs a test_type exercises. title and
// url are evaluated against the whole fetched page rather than scoped to a
// single item's fragment (unlike live chapter discovery), since a probe
// call has no fragment to scope to until items itself has already matched.
func probeLocators(cfg *config.Config, testType probeTestType) ([]namedLocator, error) {
	switch testType {
	case probeDocumentInfo:
		out := make([]namedLocator, 0, len(cfg.Parsers.DocumentInfo))
		for field, spec := range cfg.Parsers.DocumentInfo {
			out = append(out, namedLocator{field: field, spec: spec})
		}
		return out, nil
	case probeChapterList:
		cl := cfg.Parsers.ChapterList
		return []namedLocator{
			{field: "items", spec: cl.Items},
			{field: "title", spec: cl.Title},
			{field: "url", spec: cl.URL},
		}, nil
	case probeChapterContent:
		return []namedLocator{{field: "content", spec: cfg.Parsers.ChapterContent.Content}}, nil
	default:
		return nil, fmt.Errorf("probe: unsupported test_type %q", testType)
	}
}

func (h *configsHandler) probe(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cfg, found := h.loader.Get(name)
	if !found {
		notFound(w, fmt.Errorf("config %q not found", name))
		return
	}

	var req probeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		badRequest(w, err)
		return
	}
	if req.URL == "" {
		badRequest(w, fmt.Errorf("url is required"))
		return
	}

	locators, err := probeLocators(cfg, req.TestType)
	if err != nil {
		badRequest(w, err)
		return
	}

	content, err := h.fetch.Fetch(r.Context(), req.URL, fetcher.Options{
		Encoding:   cfg.Request.Encoding,
		MaxRetries: cfg.MaxRetries(),
	})
	if err != nil {
		badRequest(w, fmt.Errorf("fetch %q: %w", req.URL, err))
		return
	}

	fields := make([]probeFieldResult, 0, len(locators))
	for _, nl := range locators {
		result, trace, evalErr := locator.EvaluateTrace(content.HTML, nl.spec)
		entry := probeFieldResult{Field: nl.field, Result: result, Trace: trace}
		if evalErr != nil {
			entry.Error = evalErr.Error()
		}
		fields = append(fields, entry)
	}
	ok(w, probeResponse{URL: req.URL, Fields: fields})
}
