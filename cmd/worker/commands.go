package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/duavault/extract-worker/internal/queue"
)

// requestFlags are shared by extract and enqueue.
type requestFlags struct {
	userID     string
	premium    bool
	translate  bool
	aiFallback bool
	noCleanup  bool
	mimeType   string
	page       bool
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.userID, "user", "", "user ID the translation is booked against")
	cmd.Flags().BoolVar(&f.premium, "premium", false, "treat the user as premium (no translation limit)")
	cmd.Flags().BoolVar(&f.translate, "translate", false, "translate and categorize the extracted text")
	cmd.Flags().BoolVar(&f.aiFallback, "ai-fallback", false, "read the image with the generative backend when OCR finds nothing")
	cmd.Flags().BoolVar(&f.noCleanup, "no-cleanup", false, "skip the AI cleanup pass")
	cmd.Flags().StringVar(&f.mimeType, "mime", "", "image MIME type (sniffed when empty)")
	cmd.Flags().BoolVar(&f.page, "page", false, "the source URL is a web page to import the dua from")
}

// payload builds a task payload for source, which is a file path, an image
// URL, or a web page URL with --page.
func (f *requestFlags) payload(jobID, source string) (*queue.ExtractPayload, error) {
	p := &queue.ExtractPayload{
		JobID:           jobID,
		UserID:          f.userID,
		Premium:         f.premium,
		MimeType:        f.mimeType,
		Translate:       f.translate,
		AllowAIFallback: f.aiFallback,
		SkipCleanup:     f.noCleanup,
	}
	switch {
	case f.page:
		if !isURL(source) {
			return nil, fmt.Errorf("--page needs an http(s) URL, got %q", source)
		}
		p.PageURL = source
	case isURL(source):
		p.ImageURL = source
	default:
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("failed to read image: %w", err)
		}
		p.ImageBuffer = data
	}
	return p, p.Validate()
}

func isURL(s string) bool {
	s = strings.ToLower(s)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume dua:extract tasks from Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.RequireDatabase(); err != nil {
				return err
			}
			ctx := cmd.Context()

			p, err := buildPipeline(ctx, cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			if err := p.engine.Ready(); err != nil {
				logger.Warn("OCR engine not ready, jobs will fail until it is", "error", err)
			}

			consumerCfg := &queue.ConsumerConfig{
				RedisURL:    cfg.RedisURL,
				QueueName:   cfg.QueueName,
				Concurrency: cfg.WorkerConcurrency,
				Processor:   p.processor,
				Logger:      logger.With("queue", cfg.QueueName),
			}
			if p.db != nil {
				consumerCfg.Recorder = p.db
			}
			consumer, err := queue.NewConsumer(consumerCfg)
			if err != nil {
				return fmt.Errorf("failed to initialize queue consumer: %w", err)
			}

			logger.Info("Dua worker is ready",
				"queue", cfg.QueueName,
				"workers", cfg.WorkerConcurrency,
				"translation_limit", cfg.FreeTranslationLimit)
			return consumer.Run(ctx)
		},
	}
}

func extractCmd() *cobra.Command {
	var flags requestFlags
	cmd := &cobra.Command{
		Use:   "extract <image-file|url>",
		Short: "Run the pipeline once and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			payload, err := flags.payload("cli-"+uuid.NewString(), args[0])
			if err != nil {
				return err
			}

			p, err := buildPipeline(ctx, cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			res, err := p.processor.ProcessImage(ctx, payload.Request())
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	flags.register(cmd)
	return cmd
}

func enqueueCmd() *cobra.Command {
	var (
		flags    requestFlags
		jobID    string
		wait     time.Duration
		maxRetry int
	)
	cmd := &cobra.Command{
		Use:   "enqueue <image-file|url>",
		Short: "Submit an extraction job to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if jobID == "" {
				jobID = uuid.NewString()
			}
			payload, err := flags.payload(jobID, args[0])
			if err != nil {
				return err
			}

			e, err := queue.NewEnqueuer(queue.EnqueuerConfig{
				RedisURL:  cfg.RedisURL,
				QueueName: cfg.QueueName,
				MaxRetry:  maxRetry,
				Timeout:   time.Duration(cfg.ProcessingTimeout) * time.Millisecond,
			})
			if err != nil {
				return err
			}
			defer e.Close()

			info, err := e.Enqueue(ctx, payload)
			if err != nil {
				return err
			}
			logger.Info("Job enqueued", "job_id", info.ID, "queue", info.Queue)
			if wait <= 0 {
				return printJSON(cmd, map[string]string{"jobId": info.ID, "state": info.State.String()})
			}

			deadline := time.NewTimer(wait)
			defer deadline.Stop()
			tick := time.NewTicker(500 * time.Millisecond)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-deadline.C:
					return fmt.Errorf("job %s not finished after %v", info.ID, wait)
				case <-tick.C:
					state, res, err := e.Result(info.ID)
					if err != nil {
						return err
					}
					if res != nil {
						return printJSON(cmd, res)
					}
					logger.Debug("Waiting for job", "job_id", info.ID, "state", state)
				}
			}
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&jobID, "job-id", "", "job ID (random UUID when empty)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "poll for the result up to this long")
	cmd.Flags().IntVar(&maxRetry, "max-retry", 3, "task retries for transient failures")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's queue state, result and stored record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			jobID := args[0]
			out := map[string]interface{}{"jobId": jobID}

			e, err := queue.NewEnqueuer(queue.EnqueuerConfig{RedisURL: cfg.RedisURL, QueueName: cfg.QueueName})
			if err != nil {
				return err
			}
			defer e.Close()
			if state, res, err := e.Result(jobID); err != nil {
				out["queueError"] = err.Error()
			} else {
				out["state"] = state
				if res != nil {
					out["result"] = res
				}
			}

			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			if db != nil {
				defer db.Close()
				if rec, err := db.GetJob(ctx, jobID); err != nil {
					out["recordError"] = err.Error()
				} else {
					out["record"] = rec
				}
			}
			return printJSON(cmd, out)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the quota and job tables and the atomic consume function",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.RequireDatabase(); err != nil {
				return err
			}
			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			logger.Info("Schema is up to date")
			return nil
		},
	}
}

func resetUsageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-usage <user-id>",
		Short: "Delete all translation usage rows of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.RequireDatabase(); err != nil {
				return err
			}
			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := db.DeleteTranslationUsage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			logger.Info("Translation usage deleted", "user_id", args[0], "rows", n)
			return nil
		},
	}
}
