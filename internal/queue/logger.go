package queue

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"

	"github.com/duavault/extract-worker/internal/logging"
)

// asynqLogger routes asynq's internal logs through the worker logger.
type asynqLogger struct {
	l *logging.Logger
}

var _ asynq.Logger = (*asynqLogger)(nil)

func (a *asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a *asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a *asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a *asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }

func (a *asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}

func asynqLogLevel() asynq.LogLevel {
	switch lvl := logging.Level(); {
	case lvl <= slog.LevelDebug:
		return asynq.DebugLevel
	case lvl <= slog.LevelInfo:
		return asynq.InfoLevel
	case lvl <= slog.LevelWarn:
		return asynq.WarnLevel
	default:
		return asynq.ErrorLevel
	}
}
