package tasks

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BadgerOps/fieldsync/internal/formsync"
	"github.com/BadgerOps/fieldsync/internal/lock"
)

// FormsUpdater runs the form side of background work under the forms lock
type FormsUpdater struct {
	projects ProjectLookup
	notifier Notifier
	logger   *slog.Logger
}

// NewFormsUpdater creates a FormsUpdater
func NewFormsUpdater(projects ProjectLookup, notifier Notifier, logger *slog.Logger) *FormsUpdater {
	return &FormsUpdater{projects: projects, notifier: notifier, logger: logger.With("component", "forms_updater")}
}

// MatchFormsWithServer makes the project's forms match the server's form
// list. It returns ErrLockBusy without doing anything if the forms lock is
// held.
func (u *FormsUpdater) MatchFormsWithServer(ctx context.Context, projectID string) (*formsync.SyncResult, error) {
	p, err := lookup(u.projects, projectID)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		result *formsync.SyncResult
		err    error
	}
	out := lock.WithLock(p.FormsLock, func(acquired bool) outcome {
		run := beginRun(p, KindMatchExactly, u.logger)
		if !acquired {
			run.finish(0, 0, ErrLockBusy)
			return outcome{err: ErrLockBusy}
		}

		result, err := p.Synchronizer.Synchronize(ctx)
		succeeded, failed := countOutcomes(result)
		run.finish(succeeded, failed, err)
		if !errors.Is(err, formsync.ErrCancelled) {
			u.notifier.OnSync(projectID, err)
		}
		return outcome{result: result, err: err}
	})
	return out.result, out.err
}

// DownloadUpdates checks the server for new versions of forms on the device.
// Newly detected updates are announced; when automatic update is on they
// are downloaded too.
func (u *FormsUpdater) DownloadUpdates(ctx context.Context, projectID string) ([]formsync.Outcome, error) {
	p, err := lookup(u.projects, projectID)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		outcomes []formsync.Outcome
		err      error
	}
	out := lock.WithLock(p.FormsLock, func(acquired bool) outcome {
		run := beginRun(p, KindAutoUpdate, u.logger)
		if !acquired {
			run.finish(0, 0, ErrLockBusy)
			return outcome{err: ErrLockBusy}
		}

		updates, newlyDetected, err := p.Updates.CheckForUpdates(ctx)
		if err != nil {
			run.finish(0, 0, err)
			return outcome{err: err}
		}

		if !p.Settings.AutomaticUpdate {
			if len(newlyDetected) > 0 {
				u.notifier.OnUpdatesAvailable(projectID, newlyDetected)
			}
			run.finish(0, 0, nil)
			return outcome{}
		}

		if len(updates) == 0 {
			run.finish(0, 0, nil)
			return outcome{}
		}
		outcomes := p.Downloader.DownloadForms(ctx, updates, nil)
		succeeded, failed := countOutcomes(&formsync.SyncResult{Outcomes: outcomes})
		err = outcomesError(outcomes)
		run.finish(succeeded, failed, err)
		if !errors.Is(err, formsync.ErrCancelled) {
			u.notifier.OnUpdatesDownloaded(projectID, outcomes)
		}
		return outcome{outcomes: outcomes, err: err}
	})
	return out.outcomes, out.err
}

func countOutcomes(result *formsync.SyncResult) (succeeded, failed int) {
	if result == nil {
		return 0, 0
	}
	for _, o := range result.Outcomes {
		switch o.Status {
		case formsync.Completed:
			succeeded++
		case formsync.Failed:
			failed++
		}
	}
	return succeeded, failed
}

// outcomesError turns a batch of outcomes into ErrCancelled or a SyncError
func outcomesError(outcomes []formsync.Outcome) error {
	failures := map[string]error{}
	for _, o := range outcomes {
		switch o.Status {
		case formsync.Cancelled:
			return formsync.ErrCancelled
		case formsync.Failed:
			failures[o.Details.FormID] = o.Err
		}
	}
	if len(failures) > 0 {
		return &formsync.SyncError{Failures: failures}
	}
	return nil
}

// DownloadNow downloads the given forms on behalf of the user, under the
// forms lock
func DownloadNow(ctx context.Context, p *Project, forms []formsync.ServerFormDetails, listener formsync.Listener, logger *slog.Logger) ([]formsync.Outcome, error) {
	type outcome struct {
		outcomes []formsync.Outcome
		err      error
	}
	out := lock.WithLock(p.FormsLock, func(acquired bool) outcome {
		run := beginRun(p, KindDownload, logger)
		if !acquired {
			run.finish(0, 0, ErrLockBusy)
			return outcome{err: ErrLockBusy}
		}

		outcomes := p.Downloader.DownloadForms(ctx, forms, listener)
		succeeded, failed := countOutcomes(&formsync.SyncResult{Outcomes: outcomes})
		err := outcomesError(outcomes)
		run.finish(succeeded, failed, err)
		return outcome{outcomes: outcomes, err: err}
	})
	return out.outcomes, out.err
}
