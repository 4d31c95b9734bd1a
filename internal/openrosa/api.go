package openrosa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BadgerOps/fieldsync/internal/download"
)

// maxDocumentSize bounds form list and manifest bodies
const maxDocumentSize = 16 << 20

// ErrorKind classifies failures talking to a form server
type ErrorKind string

const (
	KindUnreachable  ErrorKind = "unreachable"
	KindAuthRequired ErrorKind = "auth_required"
	KindServerError  ErrorKind = "server_error"
	KindParseError   ErrorKind = "parse_error"
	KindIntegrity    ErrorKind = "integrity"
)

// SourceError is returned by API calls that failed for a reason other
// than cancellation
type SourceError struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *SourceError) Error() string {
	switch e.Kind {
	case KindAuthRequired:
		return fmt.Sprintf("authentication required by %s", e.URL)
	case KindServerError:
		if e.StatusCode != 0 {
			return fmt.Sprintf("server error %d from %s", e.StatusCode, e.URL)
		}
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.URL, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Transport is the HTTP client the API runs on
type Transport interface {
	Fetch(ctx context.Context, url string, limit int64) ([]byte, error)
	Download(ctx context.Context, opts download.DownloadOptions) (*download.DownloadResult, error)
}

// API fetches form lists, manifests and form files from one server
type API struct {
	transport   Transport
	formListURL string
	logger      *slog.Logger
}

// NewAPI creates an API reading the form list from formListURL
func NewAPI(transport Transport, formListURL string, logger *slog.Logger) *API {
	return &API{
		transport:   transport,
		formListURL: formListURL,
		logger:      logger.With("component", "formlist"),
	}
}

// FetchFormList downloads and parses the server's form list
func (a *API) FetchFormList(ctx context.Context) ([]FormListItem, error) {
	data, err := a.transport.Fetch(ctx, a.formListURL, maxDocumentSize)
	if err != nil {
		return nil, classify(ctx, a.formListURL, err)
	}
	items, err := ParseFormList(data)
	if err != nil {
		return nil, &SourceError{Kind: KindParseError, URL: a.formListURL, Err: err}
	}
	a.logger.Debug("fetched form list", "url", a.formListURL, "forms", len(items))
	return items, nil
}

// FetchManifest downloads and parses a form's media manifest
func (a *API) FetchManifest(ctx context.Context, manifestURL string) ([]MediaFile, error) {
	data, err := a.transport.Fetch(ctx, manifestURL, maxDocumentSize)
	if err != nil {
		return nil, classify(ctx, manifestURL, err)
	}
	files, err := ParseManifest(data)
	if err != nil {
		return nil, &SourceError{Kind: KindParseError, URL: manifestURL, Err: err}
	}
	return files, nil
}

// DownloadFile writes a form or media file to dest, verifying it against
// the server hash when one is given
func (a *API) DownloadFile(ctx context.Context, fileURL, dest, hash string, progress download.ProgressFunc) (*download.DownloadResult, error) {
	result, err := a.transport.Download(ctx, download.DownloadOptions{
		URL:         fileURL,
		DestPath:    dest,
		ExpectedMD5: hash,
		OnProgress:  progress,
	})
	if err != nil {
		return nil, classify(ctx, fileURL, err)
	}
	return result, nil
}

// classify wraps err in a SourceError. Cancellation of ctx is returned
// unchanged so callers can tell it apart from a failure.
func classify(ctx context.Context, url string, err error) error {
	if ctx.Err() != nil {
		return err
	}

	var sumErr *download.ChecksumError
	if errors.As(err, &sumErr) {
		return &SourceError{Kind: KindIntegrity, URL: url, Err: err}
	}

	var httpErr *download.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 401 {
			return &SourceError{Kind: KindAuthRequired, URL: url, StatusCode: httpErr.StatusCode, Err: err}
		}
		return &SourceError{Kind: KindServerError, URL: url, StatusCode: httpErr.StatusCode, Err: err}
	}
	return &SourceError{Kind: KindUnreachable, URL: url, Err: err}
}
