package formsync

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCancelled is returned when a download stopped because its context was
// cancelled. Partial files have been cleaned up.
var ErrCancelled = errors.New("form download cancelled")

// ErrorKind tells which step of a form download failed
type ErrorKind string

const (
	KindFetch ErrorKind = "fetch"
	KindParse ErrorKind = "parse"
	KindDisk  ErrorKind = "disk"
)

// DownloadError is the failure of a single form download
type DownloadError struct {
	FormID string
	Kind   ErrorKind
	Err    error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("form %s: %s failed: %v", e.FormID, e.Kind, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// SyncError reports a synchronization pass that could not fetch the
// server's forms (Err) or that failed for some forms (Failures, by formId)
type SyncError struct {
	Err      error
	Failures map[string]error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("form sync failed: %v", e.Err)
	}
	ids := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Failures[id]))
	}
	return fmt.Sprintf("form sync failed for %d form(s): %s", len(ids), strings.Join(parts, "; "))
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
