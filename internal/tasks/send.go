package tasks

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BadgerOps/fieldsync/internal/lock"
	"github.com/BadgerOps/fieldsync/internal/scheduler"
	"github.com/BadgerOps/fieldsync/internal/store"
	"github.com/BadgerOps/fieldsync/internal/upload"
)

// InstanceAutoSender submits instances that are due for auto-send
type InstanceAutoSender struct {
	projects ProjectLookup
	notifier Notifier
	network  scheduler.NetworkMonitor
	logger   *slog.Logger
}

// NewInstanceAutoSender creates an InstanceAutoSender
func NewInstanceAutoSender(projects ProjectLookup, notifier Notifier, network scheduler.NetworkMonitor, logger *slog.Logger) *InstanceAutoSender {
	return &InstanceAutoSender{
		projects: projects,
		notifier: notifier,
		network:  network,
		logger:   logger.With("component", "auto_sender"),
	}
}

// ErrNetworkNotAllowed means auto-send is not permitted on the current network
var ErrNetworkNotAllowed = errors.New("auto-send is not allowed on the current network")

// AutoSend submits every instance whose form, or the app setting, enables
// auto-send. When no form enables it the current network must match the
// app setting. A form that enables auto-send lets the batch go out on any
// network.
func (s *InstanceAutoSender) AutoSend(ctx context.Context, projectID string) (*upload.BatchResult, error) {
	p, err := lookup(s.projects, projectID)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		result *upload.BatchResult
		err    error
	}
	out := lock.WithLock(p.InstancesLock, func(acquired bool) outcome {
		run := beginRun(p, KindAutoSend, s.logger)
		if !acquired {
			run.finish(0, 0, ErrLockBusy)
			return outcome{err: ErrLockBusy}
		}

		instances, anyFormLevel, err := p.Submitter.InstancesToAutoSend()
		if err != nil {
			run.finish(0, 0, err)
			return outcome{err: err}
		}
		if len(instances) == 0 {
			run.finish(0, 0, nil)
			return outcome{result: &upload.BatchResult{}}
		}
		if !anyFormLevel && !s.network.Current().Satisfies(p.Settings.AutoSendNetwork) {
			s.logger.Debug("auto-send deferred until the network matches", "project", projectID,
				"network", s.network.Current(), "required", p.Settings.AutoSendNetwork)
			run.finish(0, 0, ErrNetworkNotAllowed)
			return outcome{err: ErrNetworkNotAllowed}
		}

		result, err := p.Submitter.SubmitInstances(ctx, instances, upload.ModeAuto, "")
		failed := result.Failed()
		run.finish(len(result.Results)-failed, failed, err)
		if len(result.Results) > 0 {
			s.notifier.OnSubmission(projectID, result, err)
		}
		return outcome{result: result, err: err}
	})
	return out.result, out.err
}

// SendNow submits instances on behalf of the user, under the instances lock
func SendNow(ctx context.Context, p *Project, instances []store.Instance, overrideURL string, notifier Notifier, logger *slog.Logger) (*upload.BatchResult, error) {
	type outcome struct {
		result *upload.BatchResult
		err    error
	}
	out := lock.WithLock(p.InstancesLock, func(acquired bool) outcome {
		run := beginRun(p, KindManualSend, logger)
		if !acquired {
			run.finish(0, 0, ErrLockBusy)
			return outcome{err: ErrLockBusy}
		}

		result, err := p.Submitter.SubmitInstances(ctx, instances, upload.ModeUser, overrideURL)
		failed := result.Failed()
		run.finish(len(result.Results)-failed, failed, err)
		if notifier != nil && len(result.Results) > 0 {
			notifier.OnSubmission(p.ID, result, err)
		}
		return outcome{result: result, err: err}
	})
	return out.result, out.err
}
