package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kestrelweb/novelforge/pkg/crawler"
	"github.com/kestrelweb/novelforge/pkg/store"
)

var errUnsupportedInTest = errors.New("crawler construction unsupported in test")

// fakeTaskStore is an in-memory store.TaskStore double for supervisor
// tests.
type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]store.TaskRecord
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: map[uuid.UUID]store.TaskRecord{}}
}

func (f *fakeTaskStore) SaveTask(_ context.Context, t store.TaskRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.TaskID] = t
	return nil
}

func (f *fakeTaskStore) UpdateTaskStatus(_ context.Context, id uuid.UUID, status store.TaskStatus, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.tasks[id]
	rec.Status = status
	rec.Detail = detail
	f.tasks[id] = rec
	return nil
}

func (f *fakeTaskStore) UpdateTaskProgress(_ context.Context, t store.TaskRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := f.tasks[t.TaskID]
	existing.Stage = t.Stage
	existing.TotalChapters = t.TotalChapters
	existing.CompletedChapters = t.CompletedChapters
	existing.FailedChapters = t.FailedChapters
	existing.CurrentChapter = t.CurrentChapter
	existing.DocumentTitle = t.DocumentTitle
	existing.DocumentAuthor = t.DocumentAuthor
	existing.ErrorMessage = t.ErrorMessage
	f.tasks[t.TaskID] = existing
	return nil
}

func (f *fakeTaskStore) GetTask(_ context.Context, id uuid.UUID) (store.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id], nil
}

func (f *fakeTaskStore) ListTasks(_ context.Context) ([]store.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.TaskRecord, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTaskStore) DeleteTask(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
	return nil
}

func (f *fakeTaskStore) ReclaimRunningTasks(_ context.Context) ([]uuid.UUID, error) {
	return nil, nil
}

func TestCreateTask_WritesPendingRow(t *testing.T) {
	ts := newFakeTaskStore()
	sup := New(ts, nil, func(ctx context.Context, rec store.TaskRecord) (*crawler.Crawler, error) {
		return nil, nil
	}, nil)

	id, err := sup.CreateTask(context.Background(), CreateParams{ConfigName: "example", BookID: "1"})
	require.NoError(t, err)

	rec, err := sup.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.TaskPending, rec.Status)
	require.Equal(t, "example", rec.ConfigName)
}

func TestStopTask_BeforeStartIsNoop(t *testing.T) {
	ts := newFakeTaskStore()
	sup := New(ts, nil, nil, nil)

	id, err := sup.CreateTask(context.Background(), CreateParams{ConfigName: "example", BookID: "1"})
	require.NoError(t, err)
	require.NoError(t, sup.StopTask(context.Background(), id))
}

func TestDeleteTask_RemovesRecord(t *testing.T) {
	ts := newFakeTaskStore()
	sup := New(ts, nil, nil, nil)

	id, err := sup.CreateTask(context.Background(), CreateParams{ConfigName: "example", BookID: "1"})
	require.NoError(t, err)
	require.NoError(t, sup.DeleteTask(context.Background(), id))

	_, err = sup.GetTask(context.Background(), id)
	require.NoError(t, err) // fakeTaskStore returns a zero record rather than erroring
}

func TestListTasks_PrefersInMemoryView(t *testing.T) {
	ts := newFakeTaskStore()
	sup := New(ts, nil, nil, nil)

	id, err := sup.CreateTask(context.Background(), CreateParams{ConfigName: "example", BookID: "1"})
	require.NoError(t, err)

	list, err := sup.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, id, list[0].TaskID)
}

func TestSubscribe_ReceivesProgressEvents(t *testing.T) {
	ts := newFakeTaskStore()
	factoryCalled := make(chan struct{}, 1)

	sup := New(ts, nil, func(ctx context.Context, rec store.TaskRecord) (*crawler.Crawler, error) {
		factoryCalled <- struct{}{}
		return nil, errUnsupportedInTest
	}, nil)

	ch := sup.Subscribe()
	defer sup.Unsubscribe(ch)

	id, err := sup.CreateTask(context.Background(), CreateParams{ConfigName: "example", BookID: "1"})
	require.NoError(t, err)
	require.NoError(t, sup.StartTask(context.Background(), id))

	select {
	case ev := <-ch:
		require.Equal(t, EventTaskStarted, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected task_started event")
	}

	select {
	case <-factoryCalled:
	case <-time.After(time.Second):
		t.Fatal("expected factory to be invoked")
	}
}
