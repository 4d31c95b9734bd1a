package tasks

import (
	"log/slog"

	"github.com/BadgerOps/fieldsync/internal/config"
	"github.com/BadgerOps/fieldsync/internal/scheduler"
)

// MatchExactlyTag is the tag of the periodic full match with the server
func MatchExactlyTag(projectID string) string { return "match_exactly:" + projectID }

// ServerPollingTag is the tag of the periodic update check
func ServerPollingTag(projectID string) string { return "serverPollingJob:" + projectID }

// AutoSendTag is the tag of the auto-send job
func AutoSendTag(projectID string) string { return "AutoSendWorker:" + projectID }

// FormUpdateScheduler applies a project's settings to the scheduler
type FormUpdateScheduler struct {
	scheduler  scheduler.Scheduler
	syncForms  scheduler.TaskSpec
	autoUpdate scheduler.TaskSpec
	autoSend   scheduler.TaskSpec
	logger     *slog.Logger
}

// NewFormUpdateScheduler creates a FormUpdateScheduler
func NewFormUpdateScheduler(s scheduler.Scheduler, syncForms, autoUpdate, autoSend scheduler.TaskSpec, logger *slog.Logger) *FormUpdateScheduler {
	return &FormUpdateScheduler{
		scheduler:  s,
		syncForms:  syncForms,
		autoUpdate: autoUpdate,
		autoSend:   autoSend,
		logger:     logger.With("component", "form_update_scheduler"),
	}
}

// ScheduleUpdates schedules the form job that matches settings and cancels
// the other one first, so both are never active at once
func (f *FormUpdateScheduler) ScheduleUpdates(projectID string, settings Settings) {
	data := map[string]string{scheduler.DataProjectID: projectID}

	switch settings.FormUpdateMode {
	case config.FormUpdateMatchExactly:
		f.scheduler.CancelDeferred(ServerPollingTag(projectID))
		f.scheduler.NetworkDeferredRepeat(MatchExactlyTag(projectID), f.syncForms, settings.FormUpdatePeriod, data)
	case config.FormUpdatePreviouslyDownloaded:
		f.scheduler.CancelDeferred(MatchExactlyTag(projectID))
		f.scheduler.NetworkDeferredRepeat(ServerPollingTag(projectID), f.autoUpdate, settings.FormUpdatePeriod, data)
	default:
		f.scheduler.CancelDeferred(MatchExactlyTag(projectID))
		f.scheduler.CancelDeferred(ServerPollingTag(projectID))
	}
	f.logger.Info("form updates scheduled", "project", projectID, "mode", settings.FormUpdateMode,
		"period", settings.FormUpdatePeriod.String())
}

// ScheduleSubmit queues one auto-send run. Form-level auto-send may apply
// even when the app setting is off, so the job only requires some network;
// the task checks the app setting itself.
func (f *FormUpdateScheduler) ScheduleSubmit(projectID string) {
	f.scheduler.NetworkDeferred(AutoSendTag(projectID), f.autoSend,
		map[string]string{scheduler.DataProjectID: projectID}, scheduler.NetworkAny)
}

// CancelAll drops every job of a project
func (f *FormUpdateScheduler) CancelAll(projectID string) {
	f.scheduler.CancelDeferred(MatchExactlyTag(projectID))
	f.scheduler.CancelDeferred(ServerPollingTag(projectID))
	f.scheduler.CancelDeferred(AutoSendTag(projectID))
}
