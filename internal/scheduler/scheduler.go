// Package scheduler runs background work keyed by tag. A tag identifies one
// concern of one project; scheduling a tag again replaces its pending work.
package scheduler

import (
	"context"
	"time"
)

// Result tells the scheduler what to do after a task ran
type Result int

const (
	Success Result = iota
	Retry
	Failure
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Retry:
		return "retry"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// NetworkType is a kind of connectivity, used both as the current state
// and as a task's requirement
type NetworkType string

const (
	NetworkNone     NetworkType = "none"
	NetworkAny      NetworkType = "any"
	NetworkWiFi     NetworkType = "wifi"
	NetworkCellular NetworkType = "cellular"
)

// Satisfies reports whether a device on network n may run a task that
// requires network required
func (n NetworkType) Satisfies(required NetworkType) bool {
	if n == NetworkNone || n == "" {
		return false
	}
	switch required {
	case NetworkAny, "":
		return true
	default:
		return n == required
	}
}

// NetworkMonitor reports the current connectivity
type NetworkMonitor interface {
	Current() NetworkType
}

// StaticNetwork is a NetworkMonitor that always reports the same network
type StaticNetwork NetworkType

// Current implements NetworkMonitor
func (s StaticNetwork) Current() NetworkType {
	return NetworkType(s)
}

// DataProjectID is the task data key naming the project a task runs for
const DataProjectID = "projectId"

// TaskSpec is one unit of background work
type TaskSpec interface {
	// Run does the work. It must return promptly once ctx is cancelled.
	Run(ctx context.Context, data map[string]string) Result
	// MaxRetries bounds how often a Retry result is retried
	MaxRetries() int
}

// Scheduler schedules TaskSpecs under tags
type Scheduler interface {
	// NetworkDeferred runs spec once when the network matches, replacing
	// any work already scheduled under tag
	NetworkDeferred(tag string, spec TaskSpec, data map[string]string, network NetworkType)
	// NetworkDeferredRepeat runs spec every period while any network is
	// available, replacing any work already scheduled under tag
	NetworkDeferredRepeat(tag string, spec TaskSpec, period time.Duration, data map[string]string)
	// CancelDeferred drops the work scheduled under tag
	CancelDeferred(tag string)
	// IsDeferredRunning reports whether a task body for tag is executing
	IsDeferredRunning(tag string) bool
}
