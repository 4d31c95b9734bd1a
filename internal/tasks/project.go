// Package tasks holds the background work run by the scheduler: matching
// forms with the server, downloading form updates and auto-sending
// finalized instances. Every task takes the project's lock first and skips
// the run when the lock is busy.
package tasks

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BadgerOps/fieldsync/internal/formsync"
	"github.com/BadgerOps/fieldsync/internal/lock"
	"github.com/BadgerOps/fieldsync/internal/scheduler"
	"github.com/BadgerOps/fieldsync/internal/store"
	"github.com/BadgerOps/fieldsync/internal/upload"
)

// ErrLockBusy is returned when another run holds the project's lock
var ErrLockBusy = errors.New("another run holds the lock")

// Run kinds recorded in the sync history
const (
	KindMatchExactly = "match_exactly"
	KindAutoUpdate   = "auto_update"
	KindAutoSend     = "auto_send"
	KindManualSend   = "manual_send"
	KindDownload     = "download"
)

// Settings are the scheduling related settings of one project
type Settings struct {
	FormUpdateMode   string
	FormUpdatePeriod time.Duration
	AutomaticUpdate  bool
	// AutoSendNetwork is the network the app-level auto-send setting
	// allows; NetworkNone when auto-send is off
	AutoSendNetwork scheduler.NetworkType
}

// RunRecorder stores the history of task runs
type RunRecorder interface {
	CreateSyncRun(run *store.SyncRun) error
	UpdateSyncRun(run *store.SyncRun) error
}

// Project is everything a task needs to work on one project
type Project struct {
	ID            string
	Fetcher       *formsync.DetailsFetcher
	Synchronizer  *formsync.Synchronizer
	Updates       *formsync.UpdateChecker
	Downloader    *formsync.Downloader
	Submitter     *upload.Submitter
	FormsLock     lock.ChangeLock
	InstancesLock lock.ChangeLock
	Runs          RunRecorder
	Settings      Settings
}

// ProjectLookup resolves a project id
type ProjectLookup interface {
	Project(id string) (*Project, error)
}

// runRecord tracks one history row
type runRecord struct {
	runs   RunRecorder
	logger *slog.Logger
	run    *store.SyncRun
}

func beginRun(p *Project, kind string, logger *slog.Logger) *runRecord {
	r := &runRecord{
		runs:   p.Runs,
		logger: logger,
		run: &store.SyncRun{
			Project:   p.ID,
			Kind:      kind,
			StartTime: time.Now(),
			Status:    "running",
		},
	}
	if r.runs == nil {
		return r
	}
	if err := r.runs.CreateSyncRun(r.run); err != nil {
		logger.Warn("failed to record run", "kind", kind, "error", err)
		r.runs = nil
	}
	return r
}

// finish stores the outcome. ErrLockBusy and ErrNetworkNotAllowed mark
// a skipped run.
func (r *runRecord) finish(succeeded, failed int, err error) {
	r.run.EndTime = time.Now()
	r.run.Succeeded = succeeded
	r.run.Failed = failed

	switch {
	case errors.Is(err, ErrLockBusy), errors.Is(err, ErrNetworkNotAllowed):
		r.run.Status = "skipped"
	case err != nil && succeeded == 0:
		r.run.Status = "failed"
	case err != nil || failed > 0:
		r.run.Status = "partial"
	default:
		r.run.Status = "success"
	}
	if err != nil {
		r.run.ErrorMessage = err.Error()
	}

	if r.runs == nil {
		return
	}
	if uerr := r.runs.UpdateSyncRun(r.run); uerr != nil {
		r.logger.Warn("failed to record run result", "kind", r.run.Kind, "error", uerr)
	}
}

func lookup(projects ProjectLookup, projectID string) (*Project, error) {
	p, err := projects.Project(projectID)
	if err != nil {
		return nil, fmt.Errorf("project %q: %w", projectID, err)
	}
	return p, nil
}
