package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BadgerOps/fieldsync/internal/openrosa"
	"github.com/BadgerOps/fieldsync/internal/store"
)

// Mode tells who started a batch
type Mode int

const (
	// ModeUser batches can prompt for credentials, so auth requests are not fatal
	ModeUser Mode = iota
	// ModeAuto batches run unattended
	ModeAuto
)

func (m Mode) String() string {
	if m == ModeAuto {
		return "auto"
	}
	return "user"
}

// InstancesRepository is what the Submitter needs from instance storage
type InstancesRepository interface {
	StatusUpdater
	ListInstancesByStatus(statuses ...string) ([]store.Instance, error)
	DeleteInstance(id int64) error
}

// FormsLookup finds the form an instance was filled from
type FormsLookup interface {
	GetLatestFormByFormIDAndVersion(formID, version string) (*store.Form, error)
}

// Settings are the app-level submission settings of one project
type Settings struct {
	SubmissionURL   string
	DeviceID        string
	AutoSend        bool // app-level auto-send
	DeleteAfterSend bool // app-level auto-delete
}

// Result is the outcome of one instance in a batch
type Result struct {
	Instance store.Instance
	Message  string
	Err      error
}

// BatchResult lists outcomes in submission order
type BatchResult struct {
	Results []Result
	// AuthRequested is set when a server asked for credentials in ModeUser
	AuthRequested *AuthRequestedError
}

// Failed counts results with an error
func (b *BatchResult) Failed() int {
	n := 0
	for _, r := range b.Results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// Messages maps each instance to its outcome message
func (b *BatchResult) Messages() map[int64]string {
	out := make(map[int64]string, len(b.Results))
	for _, r := range b.Results {
		if r.Err != nil {
			out[r.Instance.ID] = r.Err.Error()
			continue
		}
		msg := r.Message
		if msg == "" {
			msg = "Success"
		}
		out[r.Instance.ID] = msg
	}
	return out
}

// Submitter uploads batches of instances for one project
type Submitter struct {
	transport Transport
	instances InstancesRepository
	forms     FormsLookup
	settings  Settings
	logger    *slog.Logger
}

// NewSubmitter creates a Submitter
func NewSubmitter(transport Transport, instances InstancesRepository, forms FormsLookup, settings Settings, logger *slog.Logger) *Submitter {
	return &Submitter{
		transport: transport,
		instances: instances,
		forms:     forms,
		settings:  settings,
		logger:    logger.With("component", "submitter"),
	}
}

// SubmitInstances uploads instances in order. Per-instance failures are
// recorded in the result and the batch goes on. A fatal error, or an auth
// request in ModeAuto, stops the batch and is returned.
func (s *Submitter) SubmitInstances(ctx context.Context, instances []store.Instance, mode Mode, overrideURL string) (*BatchResult, error) {
	uploader := NewUploader(s.transport, s.instances, s.settings.SubmissionURL, s.settings.DeviceID, s.logger)
	result := &BatchResult{}

	for _, inst := range instances {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		message, err := uploader.UploadOne(ctx, inst, overrideURL)
		result.Results = append(result.Results, Result{Instance: inst, Message: message, Err: err})

		var authErr *AuthRequestedError
		switch {
		case err == nil:
			s.autoDelete(inst)
		case errors.As(err, &authErr):
			if mode == ModeAuto {
				return result, err
			}
			result.AuthRequested = authErr
		case IsFatal(err):
			return result, err
		}
	}

	s.logger.Info("submission batch finished", "mode", mode.String(),
		"instances", len(result.Results), "failed", result.Failed())
	return result, nil
}

// autoDelete removes a submitted instance when its form, or failing that
// the app setting, asks for it
func (s *Submitter) autoDelete(inst store.Instance) {
	if !s.formFlag(inst, func(f *store.Form) string { return f.AutoDelete }, s.settings.DeleteAfterSend) {
		return
	}
	if err := s.instances.DeleteInstance(inst.ID); err != nil {
		s.logger.Warn("failed to delete submitted instance", "instance_id", inst.ID, "error", err)
		return
	}
	s.logger.Debug("deleted submitted instance", "instance_id", inst.ID)
}

// formFlag evaluates a tri-state form setting, falling back to appDefault
// when the form does not declare it or cannot be found
func (s *Submitter) formFlag(inst store.Instance, field func(*store.Form) string, appDefault bool) bool {
	value, declared := s.formSetting(inst, field)
	if declared {
		return value
	}
	return appDefault
}

func (s *Submitter) formSetting(inst store.Instance, field func(*store.Form) string) (value, declared bool) {
	f, err := s.forms.GetLatestFormByFormIDAndVersion(inst.FormID, inst.FormVersion)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("failed to look up form of instance", "instance_id", inst.ID, "error", err)
		}
		return false, false
	}
	return openrosa.ParseBool(field(f))
}

// InstancesToAutoSend returns finalized or previously failed instances whose
// form, or failing that the app setting, enables auto-send. anyFormLevel
// reports whether at least one of them enabled it at form level.
func (s *Submitter) InstancesToAutoSend() (instances []store.Instance, anyFormLevel bool, err error) {
	candidates, err := s.instances.ListInstancesByStatus(store.StatusComplete, store.StatusSubmissionFailed)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list instances: %w", err)
	}

	for _, inst := range candidates {
		value, declared := s.formSetting(inst, func(f *store.Form) string { return f.AutoSend })
		switch {
		case declared && value:
			anyFormLevel = true
			instances = append(instances, inst)
		case !declared && s.settings.AutoSend:
			instances = append(instances, inst)
		}
	}
	return instances, anyFormLevel, nil
}
