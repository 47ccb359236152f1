// Package supervisor owns the lifecycle of crawl tasks: creation, starting,
// cancellation, forced deletion, and the durable record that lets a running
// task survive — as a reclaimed zombie — a process restart. Control API
// tasks run pkg/crawler through it; the one-shot crawl CLI command calls
// pkg/crawler directly.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelweb/novelforge/internal/logger"
	"github.com/kestrelweb/novelforge/pkg/crawler"
	"github.com/kestrelweb/novelforge/pkg/store"
)

// maxLogLines bounds each task's in-memory log ring buffer.
const maxLogLines = 1000

// progressSyncEvery bounds durable-store write volume: every Nth
// completed-chapter increment is synced, in addition to every stage
// transition.
const progressSyncEvery = 10

// CreateParams are the caller-supplied inputs for a new task.
type CreateParams struct {
	ConfigName string
	BookID     string
	MaxWorkers int
	UseProxy   bool
}

// EventKind identifies one push-bus event type.
type EventKind string

const (
	EventTaskStarted  EventKind = "task_started"
	EventTaskProgress EventKind = "task_progress"
	EventTaskLog      EventKind = "task_log"
	EventTaskStopped  EventKind = "task_stopped"
)

// Event is one push-bus message, tagged by task id.
type Event struct {
	Kind   EventKind
	TaskID uuid.UUID
	Task   store.TaskRecord
	Log    string
}

// CrawlerFactory builds a Crawler for a given task record. The Supervisor
// builds the run Options and owns cancellation and progress wiring; the factory
// only needs to resolve the config name to a loaded Config and its
// collaborators.
type CrawlerFactory func(ctx context.Context, t store.TaskRecord) (*crawler.Crawler, error)

// DocumentResolver maps a task record to the source URL its crawl persists
// a Document under, the same way the Crawler itself resolves it. DeleteTask
// uses this to find the document whose incomplete chapters should be
// cascade-deleted. A nil resolver (or a nil docStore) disables the cascade.
type DocumentResolver func(ctx context.Context, t store.TaskRecord) (string, error)

// deleteJoinTimeout bounds how long DeleteTask waits for a cancelled crawl
// to actually return before it proceeds to remove the task's state anyway.
const deleteJoinTimeout = 2 * time.Second

// task is the in-memory half of one task's state.
type task struct {
	mu     sync.Mutex
	record store.TaskRecord
	cancel context.CancelFunc
	done   chan struct{}
	logs   []string
	chapterSyncCount int
}

// Supervisor coordinates running tasks against the durable TaskStore and a
// subscriber bus for progress/log events.
type Supervisor struct {
	mu         sync.RWMutex
	tasks      map[uuid.UUID]*task
	store      store.TaskStore
	docStore   store.Store
	factory    CrawlerFactory
	resolveDoc DocumentResolver

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

// New builds a Supervisor backed by a durable TaskStore and a factory that
// turns a task record into a runnable Crawler. docStore and resolveDoc are
// optional (nil disables DeleteTask's chapter cascade, e.g. in tests that
// never persist a Document).
func New(taskStore store.TaskStore, docStore store.Store, factory CrawlerFactory, resolveDoc DocumentResolver) *Supervisor {
	return &Supervisor{
		tasks:      make(map[uuid.UUID]*task),
		store:      taskStore,
		docStore:   docStore,
		factory:    factory,
		resolveDoc: resolveDoc,
		subs:       make(map[chan Event]struct{}),
	}
}

// Reclaim marks any durable task left in status=running from a previous
// process as stopped. Call once at startup before accepting new tasks.
func (s *Supervisor) Reclaim(ctx context.Context) error {
	reclaimable, ok := s.store.(interface {
		ReclaimRunningTasks(context.Context) ([]uuid.UUID, error)
	})
	if !ok {
		return nil
	}
	ids, err := reclaimable.ReclaimRunningTasks(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: reclaim: %w", err)
	}
	for _, id := range ids {
		logger.InfoContext(ctx, "reclaimed zombie task", "task_id", id)
	}
	return nil
}

// Subscribe registers a channel to receive every Event until Unsubscribe is
// called. The channel is never closed by the Supervisor; callers drain it
// from their own goroutine (the Control API's SSE handler does this per
// connection).
func (s *Supervisor) Subscribe() chan Event {
	ch := make(chan Event, 64)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

// Unsubscribe removes a channel registered via Subscribe.
func (s *Supervisor) Unsubscribe(ch chan Event) {
	s.subMu.Lock()
	delete(s.subs, ch)
	s.subMu.Unlock()
}

func (s *Supervisor) publish(e Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber: drop rather than block the crawl.
		}
	}
}

// CreateTask writes a pending task row and returns its id. It does not
// start the crawl.
func (s *Supervisor) CreateTask(ctx context.Context, p CreateParams) (uuid.UUID, error) {
	if p.MaxWorkers <= 0 {
		p.MaxWorkers = 4
	}
	id := uuid.New()
	rec := store.TaskRecord{
		TaskID:     id,
		ConfigName: p.ConfigName,
		BookID:     p.BookID,
		MaxWorkers: p.MaxWorkers,
		UseProxy:   p.UseProxy,
		Status:     store.TaskPending,
		CreateTime: time.Now().UTC(),
		Stage:      store.StagePending,
	}
	if err := s.store.SaveTask(ctx, rec); err != nil {
		return uuid.Nil, fmt.Errorf("supervisor: create task: %w", err)
	}

	s.mu.Lock()
	s.tasks[id] = &task{record: rec}
	s.mu.Unlock()

	return id, nil
}

// StartTask launches the crawl for an existing, non-running task.
func (s *Supervisor) StartTask(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		rec, err := s.store.GetTask(ctx, id)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("supervisor: start task: %w", err)
		}
		t = &task{record: rec}
		s.tasks[id] = t
	}
	if t.record.Status == store.TaskRunning {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: task %s is already running", id)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.record.Status = store.TaskRunning
	t.record.Stage = store.StageParsingList
	s.mu.Unlock()

	if err := s.store.UpdateTaskStatus(ctx, id, store.TaskRunning, ""); err != nil {
		logger.WarnContext(ctx, "supervisor: persist running status failed", "task_id", id, "error", err)
	}
	s.publish(Event{Kind: EventTaskStarted, TaskID: id, Task: t.record})

	go s.run(runCtx, id, t)
	return nil
}

func (s *Supervisor) run(ctx context.Context, id uuid.UUID, t *task) {
	defer close(t.done)

	cr, err := s.factory(ctx, t.record)
	if err != nil {
		s.finish(ctx, id, t, store.TaskFailed, err.Error())
		return
	}

	opts := crawler.Options{
		BookID:     t.record.BookID,
		MaxWorkers: t.record.MaxWorkers,
		UseProxy:   t.record.UseProxy,
		ShouldStop: func() bool { return ctx.Err() != nil },
		OnLog: func(line string) {
			s.appendLog(id, t, line)
		},
		OnProgress: func(p crawler.Progress) {
			s.applyProgress(ctx, id, t, p)
		},
	}

	runErr := cr.Run(ctx, opts)

	status := store.TaskCompleted
	detail := "completed"
	if ctx.Err() != nil {
		status = store.TaskStopped
		detail = "stopped"
	} else if runErr != nil {
		status = store.TaskFailed
		detail = runErr.Error()
	}
	s.finish(ctx, id, t, status, detail)
}

func (s *Supervisor) applyProgress(ctx context.Context, id uuid.UUID, t *task, p crawler.Progress) {
	t.mu.Lock()
	prevStage := t.record.Stage
	prevCompleted := t.record.CompletedChapters
	t.record.Stage = p.Stage
	t.record.Detail = p.Detail
	if p.TotalChapters > 0 {
		t.record.TotalChapters = p.TotalChapters
	}
	t.record.CompletedChapters = p.CompletedChapters
	t.record.FailedChapters = p.FailedChapters
	if p.CurrentChapter != "" {
		t.record.CurrentChapter = p.CurrentChapter
	}
	if p.DocumentTitle != "" {
		t.record.DocumentTitle = p.DocumentTitle
	}
	if p.DocumentAuthor != "" {
		t.record.DocumentAuthor = p.DocumentAuthor
	}
	completedRose := p.CompletedChapters > prevCompleted
	if completedRose {
		t.chapterSyncCount++
	}
	shouldSync := p.Stage != prevStage || (completedRose && t.chapterSyncCount%progressSyncEvery == 0)
	rec := t.record
	t.mu.Unlock()

	if shouldSync {
		if err := s.store.UpdateTaskProgress(ctx, rec); err != nil {
			logger.WarnContext(ctx, "supervisor: persist progress failed", "task_id", id, "error", err)
		}
	}
	s.publish(Event{Kind: EventTaskProgress, TaskID: id, Task: rec})
}

func (s *Supervisor) appendLog(id uuid.UUID, t *task, line string) {
	t.mu.Lock()
	t.logs = append(t.logs, line)
	if len(t.logs) > maxLogLines {
		t.logs = t.logs[len(t.logs)-maxLogLines:]
	}
	t.mu.Unlock()
	s.publish(Event{Kind: EventTaskLog, TaskID: id, Log: line})
}

func (s *Supervisor) finish(ctx context.Context, id uuid.UUID, t *task, status store.TaskStatus, detail string) {
	t.mu.Lock()
	t.record.Status = status
	t.record.Detail = detail
	rec := t.record
	t.mu.Unlock()

	if err := s.store.UpdateTaskStatus(ctx, id, status, detail); err != nil {
		logger.WarnContext(ctx, "supervisor: persist terminal status failed", "task_id", id, "error", err)
	}
	if err := s.store.UpdateTaskProgress(ctx, rec); err != nil {
		logger.WarnContext(ctx, "supervisor: persist final progress failed", "task_id", id, "error", err)
	}
	s.publish(Event{Kind: EventTaskStopped, TaskID: id, Task: rec})
}

// StopTask signals a running task to stop at its next checkpoint. It
// returns promptly; the task reaches status=stopped asynchronously. Calling
// it on an absent-but-durably-running task (a zombie) marks it stopped
// directly.
func (s *Supervisor) StopTask(ctx context.Context, id uuid.UUID) error {
	s.mu.RLock()
	t, ok := s.tasks[id]
	s.mu.RUnlock()

	if !ok {
		return s.store.UpdateTaskStatus(ctx, id, store.TaskStopped, "forced")
	}

	t.mu.Lock()
	cancel := t.cancel
	alreadyStopped := t.record.Status != store.TaskRunning
	t.mu.Unlock()

	if alreadyStopped {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// DeleteTask stops a running task best-effort, briefly joins its goroutine
// (up to deleteJoinTimeout) so it isn't still writing after removal, then
// deletes it from the in-memory registry and the durable store. If the
// task's Document can be resolved, the cascade also deletes its chapters
// that aren't in the completed set via Store.DeleteIncompleteChapters.
func (s *Supervisor) DeleteTask(ctx context.Context, id uuid.UUID) error {
	_ = s.StopTask(ctx, id)

	s.mu.Lock()
	t, tracked := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()

	rec, recErr := s.store.GetTask(ctx, id)

	if tracked {
		t.mu.Lock()
		done := t.done
		if recErr != nil {
			rec = t.record
		}
		t.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-time.After(deleteJoinTimeout):
				logger.WarnContext(ctx, "supervisor: delete task: join timed out", "task_id", id)
			}
		}
	}

	if recErr == nil {
		if err := s.cascadeDeleteChapters(ctx, rec); err != nil {
			logger.WarnContext(ctx, "supervisor: delete task: chapter cascade failed", "task_id", id, "error", err)
		}
	}

	if err := s.store.DeleteTask(ctx, id); err != nil {
		return fmt.Errorf("supervisor: delete task: %w", err)
	}
	return nil
}

// cascadeDeleteChapters calls Store.DeleteIncompleteChapters for the
// Document a task's crawl produced. Since UpsertChapter only ever persists a
// completed chapter, the keep set is every chapter ListChapters returns for
// the Document, so the call deletes none of the rows listed at that moment.
func (s *Supervisor) cascadeDeleteChapters(ctx context.Context, rec store.TaskRecord) error {
	if s.docStore == nil || s.resolveDoc == nil {
		return nil
	}
	sourceURL, err := s.resolveDoc(ctx, rec)
	if err != nil || sourceURL == "" {
		return nil
	}
	doc, err := s.docStore.GetDocumentBySourceURL(ctx, sourceURL)
	if err != nil {
		return nil
	}
	chapters, err := s.docStore.ListChapters(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("list chapters: %w", err)
	}
	keep := make([]int, 0, len(chapters))
	for _, ch := range chapters {
		keep = append(keep, ch.ChapterNum)
	}
	return s.docStore.DeleteIncompleteChapters(ctx, doc.ID, keep)
}

// GetTask returns the most current view of a task: the in-memory record if
// the task is tracked, else the durable row.
func (s *Supervisor) GetTask(ctx context.Context, id uuid.UUID) (store.TaskRecord, error) {
	s.mu.RLock()
	t, ok := s.tasks[id]
	s.mu.RUnlock()
	if ok {
		t.mu.Lock()
		rec := t.record
		t.mu.Unlock()
		return rec, nil
	}
	return s.store.GetTask(ctx, id)
}

// ListTasks returns the union of in-memory and durable tasks, preferring
// the in-memory (authoritative-for-running) view where both exist.
func (s *Supervisor) ListTasks(ctx context.Context) ([]store.TaskRecord, error) {
	durable, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.TaskRecord, 0, len(durable))
	for _, rec := range durable {
		if t, ok := s.tasks[rec.TaskID]; ok {
			t.mu.Lock()
			rec = t.record
			t.mu.Unlock()
		}
		out = append(out, rec)
	}
	return out, nil
}

// Logs returns up to limit of the most recent log lines for a tracked task.
func (s *Supervisor) Logs(id uuid.UUID, limit int) []string {
	s.mu.RLock()
	t, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 || limit > len(t.logs) {
		limit = len(t.logs)
	}
	return append([]string(nil), t.logs[len(t.logs)-limit:]...)
}

// ClearCompleted purges every task in a terminal status from memory and the
// durable store.
func (s *Supervisor) ClearCompleted(ctx context.Context) error {
	all, err := s.ListTasks(ctx)
	if err != nil {
		return err
	}
	for _, rec := range all {
		if rec.Status == store.TaskCompleted || rec.Status == store.TaskFailed || rec.Status == store.TaskStopped {
			if err := s.DeleteTask(ctx, rec.TaskID); err != nil {
				logger.WarnContext(ctx, "supervisor: clear completed task failed", "task_id", rec.TaskID, "error", err)
			}
		}
	}
	return nil
}
