package scheduler

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	taskRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_task_runs_total",
		Help: "Task executions by tag and result.",
	}, []string{"tag", "result"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fieldsync_task_duration_seconds",
		Help:    "Duration of task executions.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"tag"})
)

const defaultNetworkPoll = 30 * time.Second

// job is the work scheduled under one tag
type job struct {
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

// Local is an in-process Scheduler. Each tag gets its own goroutine; a
// replaced job is cancelled and its successor starts only after it exits,
// so at most one task body runs per tag.
type Local struct {
	ctx     context.Context
	network NetworkMonitor
	logger  *slog.Logger

	// backoff returns the wait before retry number attempt (1-based)
	backoff     func(attempt int) time.Duration
	networkPoll time.Duration

	mu       sync.Mutex
	jobs     map[string]*job
	// draining holds cancelled jobs whose body has not returned yet
	draining map[string]*job
	wg       sync.WaitGroup
}

// NewLocal creates a Local scheduler. Jobs stop when ctx is cancelled.
func NewLocal(ctx context.Context, network NetworkMonitor, logger *slog.Logger) *Local {
	return &Local{
		ctx:         ctx,
		network:     network,
		logger:      logger.With("component", "scheduler"),
		backoff:     exponentialBackoff,
		networkPoll: defaultNetworkPoll,
		jobs:        map[string]*job{},
		draining:    map[string]*job{},
	}
}

func exponentialBackoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * 30 * time.Second
	if d > 30*time.Minute {
		d = 30 * time.Minute
	}
	return d
}

// NetworkDeferred implements Scheduler
func (l *Local) NetworkDeferred(tag string, spec TaskSpec, data map[string]string, network NetworkType) {
	l.start(tag, func(ctx context.Context, j *job) {
		l.runWithRetries(ctx, j, tag, spec, data, network)
	})
}

// NetworkDeferredRepeat implements Scheduler. The first run happens as soon
// as a network is available.
func (l *Local) NetworkDeferredRepeat(tag string, spec TaskSpec, period time.Duration, data map[string]string) {
	l.start(tag, func(ctx context.Context, j *job) {
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			l.runWithRetries(ctx, j, tag, spec, data, NetworkAny)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}

// CancelDeferred implements Scheduler
func (l *Local) CancelDeferred(tag string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if j, ok := l.jobs[tag]; ok {
		j.cancel()
		delete(l.jobs, tag)
		l.draining[tag] = j
		l.logger.Debug("cancelled deferred work", "tag", tag)
	}
}

// IsDeferredRunning implements Scheduler
func (l *Local) IsDeferredRunning(tag string) bool {
	l.mu.Lock()
	j, ok := l.jobs[tag]
	l.mu.Unlock()
	return ok && j.running.Load()
}

// IsScheduled reports whether any work is scheduled under tag
func (l *Local) IsScheduled(tag string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.jobs[tag]
	return ok
}

// Tags lists the tags with scheduled work
func (l *Local) Tags() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	tags := make([]string, 0, len(l.jobs))
	for tag := range l.jobs {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Stop cancels every job and waits for running task bodies to return
func (l *Local) Stop() {
	l.mu.Lock()
	for tag, j := range l.jobs {
		j.cancel()
		delete(l.jobs, tag)
	}
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Local) start(tag string, body func(ctx context.Context, j *job)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// A scheduled job already waits on any draining one, so waiting on it
	// is enough.
	previous := l.draining[tag]
	if old, ok := l.jobs[tag]; ok {
		old.cancel()
		previous = old
	}

	ctx, cancel := context.WithCancel(l.ctx)
	j := &job{cancel: cancel, done: make(chan struct{})}
	l.jobs[tag] = j

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(j.done)
		defer l.forget(tag, j)
		defer cancel()

		if previous != nil {
			<-previous.done
		}
		if ctx.Err() != nil {
			return
		}
		body(ctx, j)
	}()
}

// forget removes j from the tables unless it was already replaced
func (l *Local) forget(tag string, j *job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jobs[tag] == j {
		delete(l.jobs, tag)
	}
	if l.draining[tag] == j {
		delete(l.draining, tag)
	}
}

// runWithRetries runs spec once the network allows it, retrying Retry
// results with backoff up to spec.MaxRetries()
func (l *Local) runWithRetries(ctx context.Context, j *job, tag string, spec TaskSpec, data map[string]string, network NetworkType) {
	for attempt := 0; ; attempt++ {
		if !l.waitForNetwork(ctx, network) {
			return
		}

		start := time.Now()
		j.running.Store(true)
		result := spec.Run(ctx, data)
		j.running.Store(false)

		taskRunsTotal.WithLabelValues(tag, result.String()).Inc()
		taskDuration.WithLabelValues(tag).Observe(time.Since(start).Seconds())
		l.logger.Info("task finished", "tag", tag, "result", result.String(), "attempt", attempt+1)

		if result != Retry || ctx.Err() != nil {
			return
		}
		if attempt >= spec.MaxRetries() {
			l.logger.Warn("task gave up after retries", "tag", tag, "retries", attempt)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.backoff(attempt + 1)):
		}
	}
}

// waitForNetwork blocks until the current network satisfies required,
// returning false if ctx ends first
func (l *Local) waitForNetwork(ctx context.Context, required NetworkType) bool {
	for {
		if l.network.Current().Satisfies(required) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(l.networkPoll):
		}
	}
}
