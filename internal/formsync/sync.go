package formsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BadgerOps/fieldsync/internal/store"
)

// FormDeleter removes forms, keeping the row of forms that still have
// filled instances so those can be submitted later
type FormDeleter struct {
	forms     FormsRepository
	instances InstanceCounter
}

// NewFormDeleter creates a FormDeleter
func NewFormDeleter(forms FormsRepository, instances InstanceCounter) *FormDeleter {
	return &FormDeleter{forms: forms, instances: instances}
}

// Delete soft-deletes the form when instances reference it and deletes it
// outright otherwise. Files are removed in both cases.
func (d *FormDeleter) Delete(f store.Form) error {
	count, err := d.instances.CountInstancesByForm(f.FormID, f.Version)
	if err != nil {
		return err
	}
	if count > 0 {
		return d.forms.SoftDeleteForm(f.ID)
	}
	return d.forms.DeleteForm(f.ID)
}

// SyncResult summarizes one synchronization pass
type SyncResult struct {
	Deleted  int
	Outcomes []Outcome
}

// Synchronizer makes the local forms match the server's form list exactly
type Synchronizer struct {
	fetcher    *DetailsFetcher
	downloader *Downloader
	deleter    *FormDeleter
	forms      FormsRepository
	logger     *slog.Logger
}

// NewSynchronizer creates a Synchronizer
func NewSynchronizer(fetcher *DetailsFetcher, downloader *Downloader, deleter *FormDeleter, forms FormsRepository, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		fetcher:    fetcher,
		downloader: downloader,
		deleter:    deleter,
		forms:      forms,
		logger:     logger.With("component", "synchronizer"),
	}
}

// Synchronize deletes local forms the server no longer lists and downloads
// every listed form that is missing or out of date. A second run against an
// unchanged server downloads nothing.
func (s *Synchronizer) Synchronize(ctx context.Context) (*SyncResult, error) {
	details, err := s.fetcher.FetchFormDetails(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, &SyncError{Err: err}
	}

	onServer := make(map[string]bool, len(details))
	for _, d := range details {
		onServer[d.FormID] = true
	}

	local, err := s.forms.ListForms()
	if err != nil {
		return nil, &SyncError{Err: fmt.Errorf("failed to list local forms: %w", err)}
	}

	result := &SyncResult{}
	failures := map[string]error{}
	for _, f := range local {
		if f.IsDeleted() || onServer[f.FormID] {
			continue
		}
		if err := s.deleter.Delete(f); err != nil {
			failures[f.FormID] = fmt.Errorf("failed to delete: %w", err)
			continue
		}
		result.Deleted++
		s.logger.Info("deleted form no longer on server", "form_id", f.FormID, "version", f.Version)
	}

	var toDownload []ServerFormDetails
	for _, d := range details {
		if d.IsNotOnDevice || d.IsUpdated {
			toDownload = append(toDownload, d)
		}
	}

	result.Outcomes = s.downloader.DownloadForms(ctx, toDownload, nil)
	downloaded := 0
	for _, o := range result.Outcomes {
		switch o.Status {
		case Completed:
			downloaded++
		case Cancelled:
			return result, ErrCancelled
		case Failed:
			failures[o.Details.FormID] = o.Err
		}
	}

	s.logger.Info("form sync finished", "deleted", result.Deleted, "downloaded", downloaded, "failed", len(failures))
	if len(failures) > 0 {
		return result, &SyncError{Failures: failures}
	}
	return result, nil
}

// UpdateChecker finds newer versions of forms already on the device
type UpdateChecker struct {
	fetcher *DetailsFetcher
	forms   FormsRepository
	logger  *slog.Logger
}

// NewUpdateChecker creates an UpdateChecker
func NewUpdateChecker(fetcher *DetailsFetcher, forms FormsRepository, logger *slog.Logger) *UpdateChecker {
	return &UpdateChecker{fetcher: fetcher, forms: forms, logger: logger.With("component", "updates")}
}

// CheckForUpdates returns every updated form on the server, and the subset
// that has not been reported before. Reported hashes are remembered on the
// newest local form of each formId.
func (c *UpdateChecker) CheckForUpdates(ctx context.Context) (updates, newlyDetected []ServerFormDetails, err error) {
	details, err := c.fetcher.FetchFormDetails(ctx)
	if err != nil {
		return nil, nil, err
	}

	for _, d := range details {
		if !d.IsUpdated {
			continue
		}
		updates = append(updates, d)

		latest, err := c.latestLive(d.FormID)
		if err != nil {
			return nil, nil, err
		}
		if latest == nil || latest.LastDetectedFormVersionHash == d.Hash {
			continue
		}

		latest.LastDetectedFormVersionHash = d.Hash
		if _, err := c.forms.SaveForm(latest); err != nil {
			return nil, nil, fmt.Errorf("failed to record detected update: %w", err)
		}
		newlyDetected = append(newlyDetected, d)
	}

	c.logger.Debug("checked for form updates", "updates", len(updates), "new", len(newlyDetected))
	return updates, newlyDetected, nil
}

func (c *UpdateChecker) latestLive(formID string) (*store.Form, error) {
	forms, err := c.forms.ListFormsByFormID(formID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	for i := range forms {
		if !forms[i].IsDeleted() {
			return &forms[i], nil
		}
	}
	return nil, nil
}
