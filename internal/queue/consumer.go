/**
 * Queue Consumer for the dua extraction worker
 *
 * Consumes dua:extract tasks from Redis through asynq, runs the processor
 * and writes a JSON result onto the task. Job status is optionally mirrored
 * to Postgres.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/duavault/extract-worker/internal/errors"
	"github.com/duavault/extract-worker/internal/logging"
	"github.com/duavault/extract-worker/internal/processor"
	"github.com/duavault/extract-worker/internal/storage"
)

// Job statuses
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ImageProcessor is implemented by processor.DuaProcessor.
type ImageProcessor interface {
	ProcessImage(ctx context.Context, req *processor.ProcessRequest) (*processor.ProcessResult, error)
}

// JobRecorder persists job status. Implemented by storage.PostgresClient.
type JobRecorder interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// Consumer handles job consumption from Redis queue
type Consumer struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor ImageProcessor
	recorder  JobRecorder
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	Processor   ImageProcessor
	Recorder    JobRecorder // optional
	Logger      *logging.Logger
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("QueueConsumer")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	consumer := &Consumer{
		mux:       asynq.NewServeMux(),
		processor: cfg.Processor,
		recorder:  cfg.Recorder,
		config:    cfg,
		logger:    logger,
	}

	consumer.server = asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// Exponential backoff: 5s, 10s, 20s, capped at 60s
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			IsFailure: func(err error) bool {
				// Caller-side cancellation (shutdown) is not the job's fault.
				return !errors.Is(err, context.Canceled)
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Warn("Task processing error",
					"type", task.Type(),
					"code", errors.CodeOf(err),
					"retry", retried,
					"max_retry", maxRetry,
					"error", err)
			}),
			Logger:   &asynqLogger{l: logger},
			LogLevel: asynqLogLevel(),
		},
	)

	consumer.mux.HandleFunc(TypeExtract, consumer.handleExtract)
	return consumer, nil
}

// Run blocks until ctx is cancelled, then shuts the server down gracefully.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Starting queue consumer",
		"concurrency", c.config.Concurrency,
		"queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	<-ctx.Done()

	c.logger.Info("Stopping queue consumer...")
	c.server.Shutdown()
	c.logger.Info("Queue consumer stopped")
	return nil
}

// TaskResult is written onto each finished task.
type TaskResult struct {
	JobID            string       `json:"jobId"`
	Status           string       `json:"status"`
	Arabic           string       `json:"arabic,omitempty"`
	Translation      string       `json:"translation,omitempty"`
	Category         string       `json:"category,omitempty"`
	Source           string       `json:"source,omitempty"`
	Variant          string       `json:"variant,omitempty"`
	Confidence       float64      `json:"confidence,omitempty"`
	Cleaned          bool         `json:"cleaned,omitempty"`
	Translated       bool         `json:"translated,omitempty"`
	Quota            *QuotaView   `json:"quota,omitempty"`
	Warnings         []string     `json:"warnings,omitempty"`
	UserMessage      string       `json:"userMessage,omitempty"`
	ProcessingTimeMs int64        `json:"processingTimeMs"`
	Error            *ErrorReport `json:"error,omitempty"`
}

// QuotaView is the translation allowance as shown to clients.
type QuotaView struct {
	Used      int  `json:"used"`
	Limit     int  `json:"limit"`
	Remaining int  `json:"remaining"`
	Unlimited bool `json:"unlimited,omitempty"`
}

// ErrorReport describes a failed job.
type ErrorReport struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	UserMessage string `json:"userMessage,omitempty"`
	Retriable   bool   `json:"retriable"`
}

func (c *Consumer) handleExtract(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var payload ExtractPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	log := c.logger.With("job_id", payload.JobID)
	log.Info("Processing dua",
		"user_id", payload.UserID,
		"bytes", len(payload.ImageBuffer),
		"url", payload.ImageURL != "",
		"page", payload.PageURL,
		"translate", payload.Translate)

	c.record(ctx, &storage.JobUpdate{JobID: payload.JobID, UserID: payload.UserID, Status: StatusProcessing})

	result, err := c.processor.ProcessImage(ctx, payload.Request())
	duration := time.Since(startTime)

	if err != nil {
		terminal := isTerminal(err)
		out := failureResult(payload.JobID, err, duration)
		if terminal {
			c.writeResult(task, out, log)
		}
		c.record(ctx, &storage.JobUpdate{
			JobID:            payload.JobID,
			Status:           StatusFailed,
			ProcessingTimeMs: duration.Milliseconds(),
			ErrorCode:        out.Error.Code,
			ErrorMessage:     out.Error.Message,
			Metadata:         map[string]interface{}{"terminal": terminal},
		})
		log.Warn("Processing failed", "duration", duration, "terminal", terminal, "error", err)

		if terminal {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	out := successResult(result)
	c.writeResult(task, out, log)

	update := &storage.JobUpdate{
		JobID:            payload.JobID,
		Status:           StatusCompleted,
		ProcessingTimeMs: result.ProcessingTimeMs,
		Variant:          out.Variant,
		Confidence:       out.Confidence,
		Metadata: map[string]interface{}{
			"source":     result.Source,
			"cleaned":    result.Cleaned,
			"translated": result.Translated,
			"warnings":   result.Warnings,
		},
	}
	if result.OCR != nil {
		update.Metadata["attempts"] = len(result.OCR.Attempts)
	}
	if payload.PageURL != "" {
		update.Metadata["page_url"] = payload.PageURL
	}
	c.record(ctx, update)

	log.Info("Processing completed", "duration", duration, "source", result.Source, "variant", out.Variant)
	return nil
}

// isTerminal reports failures that retrying the task cannot fix.
func isTerminal(err error) bool {
	code := errors.CodeOf(err)
	switch {
	case code == "":
		return false
	case code == errors.ErrorProcessingTimeout:
		return false
	default:
		return !errors.IsRetriable(err)
	}
}

func successResult(r *processor.ProcessResult) *TaskResult {
	out := &TaskResult{
		JobID:            r.JobID,
		Status:           StatusCompleted,
		Arabic:           r.Arabic,
		Translation:      r.Translation,
		Category:         string(r.Category),
		Source:           r.Source,
		Cleaned:          r.Cleaned,
		Translated:       r.Translated,
		Warnings:         r.Warnings,
		UserMessage:      r.UserMessage,
		ProcessingTimeMs: r.ProcessingTimeMs,
	}
	if r.OCR != nil {
		out.Variant = r.OCR.Variant
		out.Confidence = r.OCR.Confidence / 100
	}
	if r.Quota != nil {
		out.Quota = &QuotaView{
			Used:      r.Quota.Used,
			Limit:     r.Quota.Limit,
			Remaining: r.Quota.Remaining(),
			Unlimited: r.Quota.Unlimited,
		}
	}
	return out
}

func failureResult(jobID string, err error, duration time.Duration) *TaskResult {
	report := &ErrorReport{Code: string(errors.CodeOf(err)), Message: err.Error()}
	var perr *errors.ProcessingError
	if errors.As(err, &perr) {
		report.Message = perr.Message
		report.UserMessage = perr.UserMessage()
		report.Retriable = perr.Retriable()
	}
	if report.Code == "" {
		report.Code = "PROCESSING_ERROR"
	}
	return &TaskResult{
		JobID:            jobID,
		Status:           StatusFailed,
		ProcessingTimeMs: duration.Milliseconds(),
		Error:            report,
	}
}

func (c *Consumer) writeResult(task *asynq.Task, out *TaskResult, log *logging.Logger) {
	w := task.ResultWriter()
	if w == nil {
		return
	}
	body, err := json.Marshal(out)
	if err != nil {
		log.Error("Failed to marshal task result", "error", err)
		return
	}
	if _, err := w.Write(body); err != nil {
		log.Warn("Failed to write task result", "error", err)
	}
}

// record mirrors job status to the recorder; failures never fail the job.
func (c *Consumer) record(ctx context.Context, update *storage.JobUpdate) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.UpdateJobStatus(context.WithoutCancel(ctx), update); err != nil {
		c.logger.Warn("Failed to update job status", "job_id", update.JobID, "status", update.Status, "error", err)
	}
}
