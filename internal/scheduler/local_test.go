package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSpec records its runs and returns results in order, repeating the last
type fakeSpec struct {
	results    []Result
	maxRetries int
	block      bool // run until ctx is cancelled or release is closed
	ignoreCtx  bool // with block, wait for release only

	release  chan struct{}
	runs     atomic.Int32
	active   atomic.Int32
	maxSeen  atomic.Int32
	mu       sync.Mutex
	lastData map[string]string
}

func newFakeSpec(results ...Result) *fakeSpec {
	return &fakeSpec{results: results, release: make(chan struct{})}
}

func (f *fakeSpec) Run(ctx context.Context, data map[string]string) Result {
	n := f.runs.Add(1)
	active := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if active <= seen || f.maxSeen.CompareAndSwap(seen, active) {
			break
		}
	}

	f.mu.Lock()
	f.lastData = data
	f.mu.Unlock()

	if f.block && f.ignoreCtx {
		<-f.release
	} else if f.block {
		select {
		case <-ctx.Done():
		case <-f.release:
		}
	}

	if len(f.results) == 0 {
		return Success
	}
	idx := int(n) - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx]
}

func (f *fakeSpec) MaxRetries() int {
	return f.maxRetries
}

type switchableNetwork struct {
	current atomic.Value
}

func newSwitchableNetwork(n NetworkType) *switchableNetwork {
	s := &switchableNetwork{}
	s.current.Store(n)
	return s
}

func (s *switchableNetwork) Current() NetworkType {
	return s.current.Load().(NetworkType)
}

func (s *switchableNetwork) set(n NetworkType) {
	s.current.Store(n)
}

func newTestScheduler(t *testing.T, network NetworkMonitor) *Local {
	t.Helper()
	l := NewLocal(context.Background(), network, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.backoff = func(int) time.Duration { return time.Millisecond }
	l.networkPoll = 5 * time.Millisecond
	t.Cleanup(l.Stop)
	return l
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestNetworkSatisfies(t *testing.T) {
	assert.True(t, NetworkWiFi.Satisfies(NetworkAny))
	assert.True(t, NetworkCellular.Satisfies(NetworkCellular))
	assert.False(t, NetworkCellular.Satisfies(NetworkWiFi))
	assert.False(t, NetworkNone.Satisfies(NetworkAny))
	assert.False(t, NetworkType("").Satisfies(""))
}

func TestNetworkDeferredRunsOnce(t *testing.T) {
	l := newTestScheduler(t, StaticNetwork(NetworkWiFi))
	spec := newFakeSpec(Success)

	l.NetworkDeferred("AutoSendWorker:demo", spec, map[string]string{DataProjectID: "demo"}, NetworkAny)

	assert.Eventually(t, func() bool { return !l.IsScheduled("AutoSendWorker:demo") }, waitFor, tick)
	assert.Equal(t, int32(1), spec.runs.Load())

	spec.mu.Lock()
	assert.Equal(t, "demo", spec.lastData[DataProjectID])
	spec.mu.Unlock()
}

func TestRetryUpToMaxRetries(t *testing.T) {
	l := newTestScheduler(t, StaticNetwork(NetworkWiFi))
	spec := newFakeSpec(Retry)
	spec.maxRetries = 2

	l.NetworkDeferred("t", spec, nil, NetworkAny)

	assert.Eventually(t, func() bool { return !l.IsScheduled("t") }, waitFor, tick)
	assert.Equal(t, int32(3), spec.runs.Load(), "first run plus two retries")
}

func TestRetryStopsOnSuccess(t *testing.T) {
	l := newTestScheduler(t, StaticNetwork(NetworkWiFi))
	spec := newFakeSpec(Retry, Success)
	spec.maxRetries = 5

	l.NetworkDeferred("t", spec, nil, NetworkAny)

	assert.Eventually(t, func() bool { return !l.IsScheduled("t") }, waitFor, tick)
	assert.Equal(t, int32(2), spec.runs.Load())
}

func TestFailureIsNotRetried(t *testing.T) {
	l := newTestScheduler(t, StaticNetwork(NetworkWiFi))
	spec := newFakeSpec(Failure)
	spec.maxRetries = 5

	l.NetworkDeferred("t", spec, nil, NetworkAny)

	assert.Eventually(t, func() bool { return !l.IsScheduled("t") }, waitFor, tick)
	assert.Equal(t, int32(1), spec.runs.Load())
}

func TestWaitsForMatchingNetwork(t *testing.T) {
	network := newSwitchableNetwork(NetworkCellular)
	l := newTestScheduler(t, network)
	spec := newFakeSpec(Success)

	l.NetworkDeferred("t", spec, nil, NetworkWiFi)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, spec.runs.Load(), "cellular does not satisfy wifi")
	assert.True(t, l.IsScheduled("t"))

	network.set(NetworkWiFi)
	assert.Eventually(t, func() bool { return spec.runs.Load() == 1 }, waitFor, tick)
}

func TestSameTagReplacesPendingWork(t *testing.T) {
	l := newTestScheduler(t, StaticNetwork(NetworkWiFi))
	first := newFakeSpec(Success)
	first.block = true
	second := newFakeSpec(Success)

	l.NetworkDeferred("t", first, nil, NetworkAny)
	assert.Eventually(t, func() bool { return l.IsDeferredRunning("t") }, waitFor, tick)

	l.NetworkDeferred("t", second, nil, NetworkAny)

	assert.Eventually(t, func() bool { return second.runs.Load() == 1 }, waitFor, tick)
	assert.Equal(t, int32(1), first.runs.Load())
	assert.Zero(t, first.active.Load(), "replaced body exited before its successor ran")
	assert.Equal(t, int32(1), second.maxSeen.Load())
}

func TestSameTagNeverRunsConcurrently(t *testing.T) {
	l := newTestScheduler(t, StaticNetwork(NetworkWiFi))
	spec := newFakeSpec(Success)
	spec.block = true

	for i := 0; i < 10; i++ {
		l.NetworkDeferred("t", spec, nil, NetworkAny)
	}
	close(spec.release)

	assert.Eventually(t, func() bool { return !l.IsScheduled("t") }, waitFor, tick)
	assert.Equal(t, int32(1), spec.maxSeen.Load())
}

func TestCancelledBodyFinishesBeforeSameTagRestarts(t *testing.T) {
	l := newTestScheduler(t, StaticNetwork(NetworkWiFi))
	spec := newFakeSpec(Success)
	spec.block = true
	spec.ignoreCtx = true

	l.NetworkDeferred("AutoSendWorker:p", spec, nil, NetworkAny)
	require.Eventually(t, func() bool { return spec.active.Load() == 1 }, waitFor, tick)

	l.CancelDeferred("AutoSendWorker:p")
	assert.False(t, l.IsScheduled("AutoSendWorker:p"))
	l.NetworkDeferred("AutoSendWorker:p", spec, nil, NetworkAny)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), spec.runs.Load(), "second body waits for the cancelled one")

	close(spec.release)
	assert.Eventually(t, func() bool { return spec.runs.Load() == 2 && !l.IsScheduled("AutoSendWorker:p") }, waitFor, tick)
	assert.Equal(t, int32(1), spec.maxSeen.Load())
}

func TestNetworkDeferredRepeat(t *testing.T) {
	l := newTestScheduler(t, StaticNetwork(NetworkWiFi))
	spec := newFakeSpec(Success)

	l.NetworkDeferredRepeat("serverPollingJob:demo", spec, 10*time.Millisecond, nil)
	assert.Eventually(t, func() bool { return spec.runs.Load() >= 3 }, waitFor, tick)

	l.CancelDeferred("serverPollingJob:demo")
	assert.False(t, l.IsScheduled("serverPollingJob:demo"))

	time.Sleep(30 * time.Millisecond)
	runs := spec.runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, runs, spec.runs.Load(), "no runs after cancel")
}

func TestIsDeferredRunning(t *testing.T) {
	l := newTestScheduler(t, StaticNetwork(NetworkWiFi))
	spec := newFakeSpec(Success)
	spec.block = true

	assert.False(t, l.IsDeferredRunning("t"))
	l.NetworkDeferred("t", spec, nil, NetworkAny)
	assert.Eventually(t, func() bool { return l.IsDeferredRunning("t") }, waitFor, tick)

	close(spec.release)
	assert.Eventually(t, func() bool { return !l.IsDeferredRunning("t") }, waitFor, tick)
}

func TestStopCancelsRunningTasks(t *testing.T) {
	l := NewLocal(context.Background(), StaticNetwork(NetworkWiFi), slog.New(slog.NewTextHandler(io.Discard, nil)))
	spec := newFakeSpec(Success)
	spec.block = true

	l.NetworkDeferredRepeat("a", spec, time.Hour, nil)
	l.NetworkDeferred("b", spec, nil, NetworkAny)
	require.Eventually(t, func() bool { return spec.active.Load() == 2 }, waitFor, tick)
	assert.Equal(t, []string{"a", "b"}, l.Tags())

	l.Stop()
	assert.Zero(t, spec.active.Load())
	assert.Empty(t, l.Tags())
}
