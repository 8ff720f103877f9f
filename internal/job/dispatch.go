package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

// Task queue names.
const (
	TaskTypeProcess = "song:process"
	TaskQueue       = "songs"
)

// Dispatcher hands a freshly submitted job over to the processing pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *Job) error
}

// Compile-time checks that the dispatchers implement Dispatcher.
var (
	_ Dispatcher = (*LogDispatcher)(nil)
	_ Dispatcher = (*QueueDispatcher)(nil)
)

// LogDispatcher only records that a job would have been submitted.
// Used when no task queue is configured.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

// Dispatch implements Dispatcher.
func (d *LogDispatcher) Dispatch(_ context.Context, job *Job) error {
	d.logger.Info("no task queue configured, job left waiting",
		slog.String("job_id", job.ID),
		slog.String("source", string(job.Source.Kind)),
		slog.Int("effects", len(job.Args.Effects)),
	)
	return nil
}

// TaskPayload is the body of a song:process task.
type TaskPayload struct {
	JobID  string         `json:"job_id"`
	Source Source         `json:"source"`
	Args   ProcessingArgs `json:"args"`
}

// NewProcessTask builds the queue task for job.
func NewProcessTask(job *Job) (*asynq.Task, error) {
	snapshot := job.Clone()
	body, err := json.Marshal(TaskPayload{
		JobID:  snapshot.ID,
		Source: snapshot.Source,
		Args:   snapshot.Args,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal task payload: %w", err)
	}
	return asynq.NewTask(TaskTypeProcess, body, asynq.Queue(TaskQueue), asynq.TaskID(snapshot.ID)), nil
}

// Enqueuer is the subset of *asynq.Client used by QueueDispatcher.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueDispatcher publishes jobs to an asynq (Redis) task queue.
type QueueDispatcher struct {
	client Enqueuer
	logger *slog.Logger
}

// NewQueueDispatcher creates a QueueDispatcher.
func NewQueueDispatcher(client Enqueuer, logger *slog.Logger) *QueueDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueDispatcher{client: client, logger: logger}
}

// Dispatch implements Dispatcher.
func (d *QueueDispatcher) Dispatch(ctx context.Context, job *Job) error {
	task, err := NewProcessTask(job)
	if err != nil {
		return err
	}
	info, err := d.client.EnqueueContext(ctx, task, asynq.MaxRetry(1))
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	d.logger.Info("job enqueued",
		slog.String("job_id", job.ID),
		slog.String("task_id", info.ID),
		slog.String("queue", info.Queue),
	)
	return nil
}
