// Package lock provides non-blocking single-flight locks guarding a
// project's forms and instances.
package lock

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var lockContentionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fieldsync_lock_contention_total",
	Help: "Lock acquisitions that were refused because the lock was held.",
}, []string{"lock"})

// ChangeLock is a lock that is never waited for: TryLock either acquires it
// immediately or reports that someone else holds it.
type ChangeLock interface {
	TryLock() bool
	Unlock()
}

// WithLock runs fn with acquired set to whether the lock was obtained, and
// releases the lock afterwards. A caller seeing false should skip its work.
func WithLock[T any](l ChangeLock, fn func(acquired bool) T) T {
	if !l.TryLock() {
		return fn(false)
	}
	defer l.Unlock()
	return fn(true)
}

// Lock is a ChangeLock held by at most one goroutine of the process and,
// when it has a file, at most one process on the machine.
type Lock struct {
	name   string
	path   string // lock file, "" for an in-process lock
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New creates a lock. path may be empty to only exclude other goroutines.
func New(name, path string, logger *slog.Logger) *Lock {
	return &Lock{name: name, path: path, logger: logger}
}

// Name returns the resource the lock guards
func (l *Lock) Name() string {
	return l.name
}

// TryLock acquires the lock without blocking
func (l *Lock) TryLock() bool {
	if !l.mu.TryLock() {
		lockContentionTotal.WithLabelValues(l.name).Inc()
		return false
	}
	if l.path == "" {
		return true
	}

	f, err := l.openFile()
	if err != nil {
		l.logger.Warn("failed to open lock file", "lock", l.name, "path", l.path, "error", err)
		l.mu.Unlock()
		return false
	}
	acquired, err := tryFlock(f)
	if err != nil || !acquired {
		if err != nil {
			l.logger.Warn("failed to lock file", "lock", l.name, "path", l.path, "error", err)
		}
		_ = f.Close()
		l.mu.Unlock()
		lockContentionTotal.WithLabelValues(l.name).Inc()
		return false
	}
	l.file = f
	return true
}

// Unlock releases a lock obtained with TryLock
func (l *Lock) Unlock() {
	if l.file != nil {
		if err := unflock(l.file); err != nil {
			l.logger.Warn("failed to unlock file", "lock", l.name, "error", err)
		}
		_ = l.file.Close()
		l.file = nil
	}
	l.mu.Unlock()
}

func (l *Lock) openFile() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o640)
}

// Provider hands out the forms and instances locks of each project. The
// same project always gets the same Lock values.
type Provider struct {
	dirFor func(projectID string) string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*Lock
}

// NewProvider creates a Provider. dirFor returns the directory holding a
// project's lock files; nil, or an empty result, gives in-process locks.
func NewProvider(dirFor func(projectID string) string, logger *slog.Logger) *Provider {
	return &Provider{dirFor: dirFor, logger: logger.With("component", "lock"), locks: map[string]*Lock{}}
}

// FormsLock guards a project's forms
func (p *Provider) FormsLock(projectID string) *Lock {
	return p.get(projectID, "forms")
}

// InstancesLock guards a project's instances
func (p *Provider) InstancesLock(projectID string) *Lock {
	return p.get(projectID, "instances")
}

func (p *Provider) get(projectID, kind string) *Lock {
	name := kind + ":" + projectID

	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.locks[name]; ok {
		return l
	}

	path := ""
	if p.dirFor != nil {
		if dir := p.dirFor(projectID); dir != "" {
			path = filepath.Join(dir, kind+".lock")
		}
	}
	l := New(name, path, p.logger)
	p.locks[name] = l
	return l
}
