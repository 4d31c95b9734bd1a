package project

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/BadgerOps/fieldsync/internal/config"
	"github.com/BadgerOps/fieldsync/internal/lock"
	"github.com/BadgerOps/fieldsync/internal/tasks"
)

// Registry opens each configured project on first use and keeps it open
type Registry struct {
	cfg    *config.Config
	locks  *lock.Provider
	logger *slog.Logger

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
}

// NewRegistry creates a Registry over the projects in cfg. Lock files live
// under each project's .locks directory.
func NewRegistry(cfg *config.Config, logger *slog.Logger) *Registry {
	locks := lock.NewProvider(func(projectID string) string {
		return filepath.Join(cfg.ProjectDir(projectID), ".locks")
	}, logger)
	return &Registry{
		cfg:       cfg,
		locks:     locks,
		logger:    logger,
		sandboxes: make(map[string]*Sandbox),
	}
}

// IDs returns the configured project ids, sorted
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.cfg.Projects))
	for _, p := range r.cfg.Projects {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	return ids
}

// Sandbox returns the opened project, opening it if needed
func (r *Registry) Sandbox(id string) (*Sandbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sb, ok := r.sandboxes[id]; ok {
		return sb, nil
	}

	pc, ok := r.cfg.Project(id)
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, tasks.ErrUnknownProject)
	}
	sb, err := Open(r.cfg, *pc, r.locks, r.logger)
	if err != nil {
		return nil, err
	}
	r.sandboxes[id] = sb
	return sb, nil
}

// Project implements tasks.ProjectLookup
func (r *Registry) Project(id string) (*tasks.Project, error) {
	sb, err := r.Sandbox(id)
	if err != nil {
		return nil, err
	}
	return sb.Task, nil
}

// Close closes every opened project
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, sb := range r.sandboxes {
		if err := sb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("project %q: %w", id, err))
		}
		delete(r.sandboxes, id)
	}
	return errors.Join(errs...)
}
