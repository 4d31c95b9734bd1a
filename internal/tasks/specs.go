package tasks

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BadgerOps/fieldsync/internal/openrosa"
	"github.com/BadgerOps/fieldsync/internal/scheduler"
	"github.com/BadgerOps/fieldsync/internal/upload"
)

// ErrUnknownProject is wrapped by ProjectLookup implementations for ids
// they do not know. Tasks for such projects fail without retrying.
var ErrUnknownProject = errors.New("unknown project")

const defaultMaxRetries = 3

// SyncFormsTaskSpec matches a project's forms with the server
type SyncFormsTaskSpec struct {
	updater *FormsUpdater
	logger  *slog.Logger
}

// NewSyncFormsTaskSpec creates a SyncFormsTaskSpec
func NewSyncFormsTaskSpec(updater *FormsUpdater, logger *slog.Logger) *SyncFormsTaskSpec {
	return &SyncFormsTaskSpec{updater: updater, logger: logger}
}

func (s *SyncFormsTaskSpec) Run(ctx context.Context, data map[string]string) scheduler.Result {
	_, err := s.updater.MatchFormsWithServer(ctx, data[scheduler.DataProjectID])
	return formsResult(err, s.logger)
}

func (s *SyncFormsTaskSpec) MaxRetries() int { return defaultMaxRetries }

// AutoUpdateTaskSpec checks for, and optionally downloads, form updates
type AutoUpdateTaskSpec struct {
	updater *FormsUpdater
	logger  *slog.Logger
}

// NewAutoUpdateTaskSpec creates an AutoUpdateTaskSpec
func NewAutoUpdateTaskSpec(updater *FormsUpdater, logger *slog.Logger) *AutoUpdateTaskSpec {
	return &AutoUpdateTaskSpec{updater: updater, logger: logger}
}

func (s *AutoUpdateTaskSpec) Run(ctx context.Context, data map[string]string) scheduler.Result {
	_, err := s.updater.DownloadUpdates(ctx, data[scheduler.DataProjectID])
	return formsResult(err, s.logger)
}

func (s *AutoUpdateTaskSpec) MaxRetries() int { return defaultMaxRetries }

// AutoSendTaskSpec submits instances due for auto-send
type AutoSendTaskSpec struct {
	sender *InstanceAutoSender
	logger *slog.Logger
}

// NewAutoSendTaskSpec creates an AutoSendTaskSpec
func NewAutoSendTaskSpec(sender *InstanceAutoSender, logger *slog.Logger) *AutoSendTaskSpec {
	return &AutoSendTaskSpec{sender: sender, logger: logger}
}

func (s *AutoSendTaskSpec) Run(ctx context.Context, data map[string]string) scheduler.Result {
	result, err := s.sender.AutoSend(ctx, data[scheduler.DataProjectID])
	return sendResult(result, err, s.logger)
}

func (s *AutoSendTaskSpec) MaxRetries() int { return defaultMaxRetries }

// formsResult maps a form task error onto a scheduler result
func formsResult(err error, logger *slog.Logger) scheduler.Result {
	if err == nil {
		return scheduler.Success
	}

	var srcErr *openrosa.SourceError
	switch {
	case errors.Is(err, ErrUnknownProject):
		logger.Error("task for unknown project", "error", err)
		return scheduler.Failure
	case errors.As(err, &srcErr) && srcErr.Kind == openrosa.KindAuthRequired:
		return scheduler.Failure
	default:
		// busy lock, cancellation, unreachable server, per-form failures
		return scheduler.Retry
	}
}

// sendResult maps an auto-send outcome onto a scheduler result. Auth
// requests are failures because nobody is there to enter credentials.
func sendResult(result *upload.BatchResult, err error, logger *slog.Logger) scheduler.Result {
	switch {
	case err == nil:
		if result != nil && result.Failed() > 0 {
			return scheduler.Retry
		}
		return scheduler.Success
	case errors.Is(err, ErrUnknownProject):
		logger.Error("task for unknown project", "error", err)
		return scheduler.Failure
	case upload.IsAuthRequested(err), upload.IsFatal(err):
		return scheduler.Failure
	default:
		return scheduler.Retry
	}
}
