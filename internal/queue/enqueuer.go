package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/duavault/extract-worker/internal/errors"
)

// ErrDuplicateJob means a task with the same job ID is still retained.
var ErrDuplicateJob = errors.NewPlain("job already enqueued")

// EnqueuerConfig holds producer-side task options
type EnqueuerConfig struct {
	RedisURL  string
	QueueName string
	MaxRetry  int
	Timeout   time.Duration
	Retention time.Duration // how long finished results stay readable
}

// Enqueuer submits dua:extract tasks and reads their results.
type Enqueuer struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	config    EnqueuerConfig
}

// NewEnqueuer creates a producer for the extraction queue
func NewEnqueuer(cfg EnqueuerConfig) (*Enqueuer, error) {
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.MaxRetry < 0 {
		cfg.MaxRetry = 0
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Enqueuer{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		config:    cfg,
	}, nil
}

func (e *Enqueuer) options() []asynq.Option {
	opts := []asynq.Option{
		asynq.Queue(e.config.QueueName),
		asynq.MaxRetry(e.config.MaxRetry),
		asynq.Retention(e.config.Retention),
	}
	if e.config.Timeout > 0 {
		opts = append(opts, asynq.Timeout(e.config.Timeout))
	}
	return opts
}

// Enqueue submits one extraction job.
func (e *Enqueuer) Enqueue(ctx context.Context, p *ExtractPayload) (*asynq.TaskInfo, error) {
	task, err := NewExtractTask(p, e.options()...)
	if err != nil {
		return nil, err
	}
	info, err := e.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, p.JobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", p.JobID, err)
	}
	return info, nil
}

// Result returns the task state and, once written, its result.
func (e *Enqueuer) Result(jobID string) (string, *TaskResult, error) {
	info, err := e.inspector.GetTaskInfo(e.config.QueueName, jobID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to get task %s: %w", jobID, err)
	}
	if len(info.Result) == 0 {
		return info.State.String(), nil, nil
	}
	var out TaskResult
	if err := json.Unmarshal(info.Result, &out); err != nil {
		return info.State.String(), nil, fmt.Errorf("failed to decode task result: %w", err)
	}
	return info.State.String(), &out, nil
}

// Close releases the Redis connections.
func (e *Enqueuer) Close() error {
	return errors.Join(e.client.Close(), e.inspector.Close())
}
