package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TaskStatus is the lifecycle state of a crawl task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskStopped   TaskStatus = "stopped"
)

// TaskStage is the crawler's current phase within a running task.
type TaskStage string

const (
	StagePending     TaskStage = "pending"
	StageParsingList TaskStage = "parsing_list"
	StageDownloading TaskStage = "downloading"
	StageCompleted   TaskStage = "completed"
)

// TaskRecord is the durable row backing one crawl task.
type TaskRecord struct {
	TaskID            uuid.UUID  `json:"task_id"`
	ConfigName        string     `json:"config_name"`
	BookID            string     `json:"book_id"`
	MaxWorkers        int        `json:"max_workers"`
	UseProxy          bool       `json:"use_proxy"`
	Status            TaskStatus `json:"status"`
	CreateTime        time.Time  `json:"create_time"`
	StartTime         *time.Time `json:"start_time,omitempty"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	Stage             TaskStage  `json:"stage"`
	Detail            string     `json:"detail,omitempty"`
	TotalChapters     int        `json:"total_chapters"`
	CompletedChapters int        `json:"completed_chapters"`
	FailedChapters    int        `json:"failed_chapters"`
	CurrentChapter    string     `json:"current_chapter,omitempty"`
	DocumentTitle     string     `json:"document_title,omitempty"`
	DocumentAuthor    string     `json:"document_author,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
}

// TaskStore is the durable half of the Task Supervisor's state, persisted
// so running tasks survive a process restart as reclaimable zombies.
type TaskStore interface {
	SaveTask(ctx context.Context, t TaskRecord) error
	UpdateTaskStatus(ctx context.Context, taskID uuid.UUID, status TaskStatus, detail string) error
	UpdateTaskProgress(ctx context.Context, t TaskRecord) error
	GetTask(ctx context.Context, taskID uuid.UUID) (TaskRecord, error)
	ListTasks(ctx context.Context) ([]TaskRecord, error)
	DeleteTask(ctx context.Context, taskID uuid.UUID) error
	ReclaimRunningTasks(ctx context.Context) ([]uuid.UUID, error)
}

// SaveTask inserts a new task row.
func (s *PostgresStore) SaveTask(ctx context.Context, t TaskRecord) error {
	err := s.retry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO tasks (task_id, config_name, book_id, max_workers, use_proxy, status, create_time, stage, detail)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, t.TaskID, t.ConfigName, t.BookID, t.MaxWorkers, t.UseProxy, t.Status, t.CreateTime, t.Stage, t.Detail)
		return err
	})
	return wrapErr(err, "save task")
}

// UpdateTaskStatus transitions a task's status and, for terminal statuses,
// stamps end_time.
func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, taskID uuid.UUID, status TaskStatus, detail string) error {
	err := s.retry(ctx, func() error {
		var endTime *time.Time
		if status == TaskCompleted || status == TaskFailed || status == TaskStopped {
			now := time.Now().UTC()
			endTime = &now
		}
		var startTimeClause string
		if status == TaskRunning {
			startTimeClause = ", start_time = coalesce(start_time, now())"
		}
		_, err := s.pool.Exec(ctx, fmt.Sprintf(`
			UPDATE tasks SET status = $1, detail = $2, end_time = coalesce($3, end_time)%s WHERE task_id = $4
		`, startTimeClause), status, detail, endTime, taskID)
		return err
	})
	return wrapErr(err, "update task status")
}

// UpdateTaskProgress writes the mutable progress fields of t.
func (s *PostgresStore) UpdateTaskProgress(ctx context.Context, t TaskRecord) error {
	err := s.retry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
			UPDATE tasks SET
				stage = $2, total_chapters = $3, completed_chapters = $4, failed_chapters = $5,
				current_chapter = $6, document_title = $7, document_author = $8, error_message = $9
			WHERE task_id = $1
		`, t.TaskID, t.Stage, t.TotalChapters, t.CompletedChapters, t.FailedChapters,
			t.CurrentChapter, t.DocumentTitle, t.DocumentAuthor, t.ErrorMessage)
		return err
	})
	return wrapErr(err, "update task progress")
}

// GetTask returns a single task row.
func (s *PostgresStore) GetTask(ctx context.Context, taskID uuid.UUID) (TaskRecord, error) {
	var t TaskRecord
	err := s.pool.QueryRow(ctx, `
		SELECT task_id, config_name, book_id, max_workers, use_proxy, status, create_time, start_time, end_time,
			stage, detail, total_chapters, completed_chapters, failed_chapters, current_chapter,
			document_title, document_author, error_message
		FROM tasks WHERE task_id = $1
	`, taskID).Scan(&t.TaskID, &t.ConfigName, &t.BookID, &t.MaxWorkers, &t.UseProxy, &t.Status, &t.CreateTime,
		&t.StartTime, &t.EndTime, &t.Stage, &t.Detail, &t.TotalChapters, &t.CompletedChapters, &t.FailedChapters,
		&t.CurrentChapter, &t.DocumentTitle, &t.DocumentAuthor, &t.ErrorMessage)
	if err == pgx.ErrNoRows {
		return TaskRecord{}, fmt.Errorf("store: get task %s: not found", taskID)
	}
	return t, wrapErr(err, "get task")
}

// ListTasks returns every durable task row, most recent first.
func (s *PostgresStore) ListTasks(ctx context.Context) ([]TaskRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, config_name, book_id, max_workers, use_proxy, status, create_time, start_time, end_time,
			stage, detail, total_chapters, completed_chapters, failed_chapters, current_chapter,
			document_title, document_author, error_message
		FROM tasks ORDER BY create_time DESC
	`)
	if err != nil {
		return nil, wrapErr(err, "list tasks")
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var t TaskRecord
		if err := rows.Scan(&t.TaskID, &t.ConfigName, &t.BookID, &t.MaxWorkers, &t.UseProxy, &t.Status, &t.CreateTime,
			&t.StartTime, &t.EndTime, &t.Stage, &t.Detail, &t.TotalChapters, &t.CompletedChapters, &t.FailedChapters,
			&t.CurrentChapter, &t.DocumentTitle, &t.DocumentAuthor, &t.ErrorMessage); err != nil {
			return nil, wrapErr(err, "scan task")
		}
		out = append(out, t)
	}
	return out, wrapErr(rows.Err(), "list tasks")
}

// DeleteTask removes a task row.
func (s *PostgresStore) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	err := s.retry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE task_id = $1`, taskID)
		return err
	})
	return wrapErr(err, "delete task")
}

// ReclaimRunningTasks marks every task left in status=running (from a
// previous process that crashed or was killed) as stopped, and returns
// their ids so the Supervisor can log the reclaim.
func (s *PostgresStore) ReclaimRunningTasks(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE tasks SET status = $1, detail = 'reclaimed at startup', end_time = now()
		WHERE status = $2 RETURNING task_id
	`, TaskStopped, TaskRunning)
	if err != nil {
		return nil, wrapErr(err, "reclaim running tasks")
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr(err, "scan reclaimed task")
		}
		ids = append(ids, id)
	}
	return ids, wrapErr(rows.Err(), "reclaim running tasks")
}
