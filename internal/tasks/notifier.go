package tasks

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BadgerOps/fieldsync/internal/formsync"
	"github.com/BadgerOps/fieldsync/internal/upload"
)

// Notifier tells the user about background work. One call is made per
// completed batch.
type Notifier interface {
	OnSync(projectID string, err error)
	OnUpdatesAvailable(projectID string, updates []formsync.ServerFormDetails)
	OnUpdatesDownloaded(projectID string, outcomes []formsync.Outcome)
	OnSubmission(projectID string, result *upload.BatchResult, err error)
}

// LogNotifier writes notifications to a structured logger
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

func (n *LogNotifier) OnSync(projectID string, err error) {
	if err != nil {
		n.logger.Error("form sync failed", "project", projectID, "error", err)
		return
	}
	n.logger.Info("forms match the server", "project", projectID)
}

func (n *LogNotifier) OnUpdatesAvailable(projectID string, updates []formsync.ServerFormDetails) {
	names := make([]string, 0, len(updates))
	for _, u := range updates {
		names = append(names, u.FormName)
	}
	n.logger.Info("form updates available", "project", projectID, "forms", strings.Join(names, ", "))
}

func (n *LogNotifier) OnUpdatesDownloaded(projectID string, outcomes []formsync.Outcome) {
	n.logger.Info("form updates downloaded", "project", projectID, "summary", FormatDownloadSummary(outcomes))
}

func (n *LogNotifier) OnSubmission(projectID string, result *upload.BatchResult, err error) {
	summary := ""
	if result != nil {
		summary = FormatSubmissionSummary(result)
	}
	if err != nil {
		n.logger.Error("submission batch aborted", "project", projectID, "error", err, "summary", summary)
		return
	}
	n.logger.Info("submission batch finished", "project", projectID, "summary", summary)
}

// FormatSubmissionSummary renders "name - message" per instance, separated
// by blank lines
func FormatSubmissionSummary(result *upload.BatchResult) string {
	messages := result.Messages()
	lines := make([]string, 0, len(result.Results))
	for _, r := range result.Results {
		lines = append(lines, fmt.Sprintf("%s - %s", displayName(r.Instance.DisplayName, r.Instance.FormID), messages[r.Instance.ID]))
	}
	return strings.Join(lines, "\n\n")
}

// FormatDownloadSummary renders "name - outcome" per form, separated by
// blank lines
func FormatDownloadSummary(outcomes []formsync.Outcome) string {
	lines := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		msg := "Success"
		switch o.Status {
		case formsync.Cancelled:
			msg = "Cancelled"
		case formsync.Failed:
			msg = "Failure"
			if o.Err != nil {
				msg = o.Err.Error()
			}
		}
		lines = append(lines, fmt.Sprintf("%s - %s", displayName(o.Details.FormName, o.Details.FormID), msg))
	}
	return strings.Join(lines, "\n\n")
}

func displayName(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
