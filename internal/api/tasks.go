package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kestrelweb/novelforge/internal/supervisor"
	"github.com/kestrelweb/novelforge/pkg/crawler"
)

// tasksHandler serves the task lifecycle endpoints backed by a Supervisor.
type tasksHandler struct {
	sup *supervisor.Supervisor
}

func newTasksHandler(sup *supervisor.Supervisor) *tasksHandler {
	return &tasksHandler{sup: sup}
}

func (h *tasksHandler) routes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Post("/cleanup-completed", h.cleanupCompleted)
	r.Get("/{id}", h.get)
	r.Delete("/{id}", h.delete)
	r.Post("/{id}/start", h.start)
	r.Post("/{id}/stop", h.stop)
	r.Get("/{id}/logs", h.logs)
}

func (h *tasksHandler) list(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.sup.ListTasks(r.Context())
	if err != nil {
		internal(w, err)
		return
	}
	ok(w, tasks)
}

type createTaskRequest struct {
	ConfigName string `json:"config_name"`
	BookID     string `json:"book_id,omitempty"`
	StartURL   string `json:"start_url,omitempty"`
	MaxWorkers int    `json:"max_workers,omitempty"`
	UseProxy   bool   `json:"use_proxy,omitempty"`
}

func (h *tasksHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		badRequest(w, err)
		return
	}
	if req.ConfigName == "" {
		badRequest(w, fmt.Errorf("config_name is required"))
		return
	}
	if req.BookID == "" {
		if req.StartURL == "" {
			badRequest(w, fmt.Errorf("book_id or start_url is required"))
			return
		}
		bookID, ok := crawler.PathDigitRunAt(req.StartURL, 0)
		if !ok {
			badRequest(w, fmt.Errorf("could not extract a book id from start_url %q", req.StartURL))
			return
		}
		req.BookID = bookID
	}

	id, err := h.sup.CreateTask(r.Context(), supervisor.CreateParams{
		ConfigName: req.ConfigName,
		BookID:     req.BookID,
		MaxWorkers: req.MaxWorkers,
		UseProxy:   req.UseProxy,
	})
	if err != nil {
		internal(w, err)
		return
	}
	rec, err := h.sup.GetTask(r.Context(), id)
	if err != nil {
		internal(w, err)
		return
	}
	created(w, rec)
}

func (h *tasksHandler) idParam(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	return uuid.Parse(raw)
}

func (h *tasksHandler) get(w http.ResponseWriter, r *http.Request) {
	id, err := h.idParam(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	rec, err := h.sup.GetTask(r.Context(), id)
	if err != nil {
		notFound(w, err)
		return
	}
	ok(w, rec)
}

func (h *tasksHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := h.idParam(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := h.sup.DeleteTask(r.Context(), id); err != nil {
		internal(w, err)
		return
	}
	noContent(w)
}

func (h *tasksHandler) start(w http.ResponseWriter, r *http.Request) {
	id, err := h.idParam(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := h.sup.StartTask(context.Background(), id); err != nil {
		badRequest(w, err)
		return
	}
	noContent(w)
}

func (h *tasksHandler) stop(w http.ResponseWriter, r *http.Request) {
	id, err := h.idParam(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := h.sup.StopTask(r.Context(), id); err != nil {
		internal(w, err)
		return
	}
	noContent(w)
}

func (h *tasksHandler) logs(w http.ResponseWriter, r *http.Request) {
	id, err := h.idParam(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	limit := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	ok(w, h.sup.Logs(id, limit))
}

func (h *tasksHandler) cleanupCompleted(w http.ResponseWriter, r *http.Request) {
	if err := h.sup.ClearCompleted(r.Context()); err != nil {
		internal(w, err)
		return
	}
	noContent(w)
}
