// Package upload submits finalized instances to an OpenRosa server using
// the HEAD-then-POST submission protocol.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BadgerOps/fieldsync/internal/download"
	"github.com/BadgerOps/fieldsync/internal/openrosa"
	"github.com/BadgerOps/fieldsync/internal/safety"
	"github.com/BadgerOps/fieldsync/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_submissions_total",
		Help: "Instance uploads by outcome.",
	}, []string{"outcome"})

	submissionBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_submission_bytes_total",
		Help: "Bytes of multipart bodies posted to submission endpoints.",
	})
)

const (
	// DefaultMaxContentLength is used when the server does not advertise
	// X-OpenRosa-Accept-Content-Length
	DefaultMaxContentLength int64 = 10_000_000

	// SubmissionFileName is left next to the instance when encryption
	// produced a partial artifact; it is sent instead of the instance file
	SubmissionFileName = "submission.xml"

	acceptContentLengthHeader = "X-OpenRosa-Accept-Content-Length"
	deviceIDParam             = "deviceID"
	maxResponseBody           = 1 << 20
)

// Transport sends the HEAD and POST requests. *download.Client implements it.
type Transport interface {
	Head(ctx context.Context, rawURL string) (*download.Response, error)
	Post(ctx context.Context, rawURL, contentType string, body []byte, limit int64) (*download.Response, error)
}

// StatusUpdater persists the outcome of an upload
type StatusUpdater interface {
	UpdateInstanceStatus(id int64, status string) error
}

// target is where a submission URL resolved to after the HEAD probe
type target struct {
	url           string
	maxContentLen int64
}

// Uploader uploads instances one at a time. Redirects discovered by the HEAD
// probe are remembered for the lifetime of the Uploader, so use one per batch.
type Uploader struct {
	transport  Transport
	instances  StatusUpdater
	defaultURL string
	deviceID   string
	logger     *slog.Logger
	remap      map[string]target
}

// NewUploader creates an Uploader. defaultURL is used for instances that do
// not name their own submission URL.
func NewUploader(transport Transport, instances StatusUpdater, defaultURL, deviceID string, logger *slog.Logger) *Uploader {
	return &Uploader{
		transport:  transport,
		instances:  instances,
		defaultURL: defaultURL,
		deviceID:   deviceID,
		logger:     logger.With("component", "uploader"),
		remap:      map[string]target{},
	}
}

// UploadOne submits inst and records SUBMITTED or SUBMISSION_FAILED on it.
// overrideURL, when set, takes precedence over every other submission URL.
// The returned message is the server's, if it sent one.
func (u *Uploader) UploadOne(ctx context.Context, inst store.Instance, overrideURL string) (string, error) {
	message, err := u.upload(ctx, inst, overrideURL)

	switch {
	case err == nil:
		submissionsTotal.WithLabelValues("submitted").Inc()
		if uerr := u.instances.UpdateInstanceStatus(inst.ID, store.StatusSubmitted); uerr != nil {
			return message, fmt.Errorf("instance uploaded but status not saved: %w", uerr)
		}
		u.logger.Info("instance submitted", "instance_id", inst.ID, "form_id", inst.FormID)
		return message, nil
	case IsAuthRequested(err):
		submissionsTotal.WithLabelValues("auth_requested").Inc()
		return "", err
	default:
		submissionsTotal.WithLabelValues("failed").Inc()
		if uerr := u.instances.UpdateInstanceStatus(inst.ID, store.StatusSubmissionFailed); uerr != nil {
			u.logger.Warn("failed to record submission failure", "instance_id", inst.ID, "error", uerr)
		}
		u.logger.Warn("instance submission failed", "instance_id", inst.ID, "form_id", inst.FormID, "error", err)
		return "", err
	}
}

func (u *Uploader) upload(ctx context.Context, inst store.Instance, overrideURL string) (string, error) {
	submissionURL, err := u.resolveURL(inst, overrideURL)
	if err != nil {
		return "", err
	}

	t, ok := u.remap[submissionURL]
	if !ok {
		t, err = u.probe(ctx, submissionURL)
		if err != nil {
			return "", err
		}
	}

	payload, attachments, err := collectFiles(inst.InstanceFilePath)
	if err != nil {
		return "", &Error{Message: err.Error()}
	}

	batches := splitBatches(payload, attachments, t.maxContentLen)
	var message string
	for i, parts := range batches {
		last := i == len(batches)-1
		message, err = u.post(ctx, t.url, parts, !last)
		if err != nil {
			return "", err
		}
	}
	return message, nil
}

// resolveURL picks the override, the instance's own URL or the default, and
// appends the device id
func (u *Uploader) resolveURL(inst store.Instance, overrideURL string) (string, error) {
	raw := overrideURL
	if raw == "" {
		raw = inst.SubmissionURI
	}
	if raw == "" {
		raw = u.defaultURL
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", &Error{Message: fmt.Sprintf("Invalid submission URL %q: %v", raw, err), Fatal: true}
	}
	if u.deviceID != "" {
		q := parsed.Query()
		q.Set(deviceIDParam, u.deviceID)
		parsed.RawQuery = q.Encode()
	}
	return parsed.String(), nil
}

// probe sends the HEAD request that discovers redirects, auth and the
// accepted content length
func (u *Uploader) probe(ctx context.Context, submissionURL string) (target, error) {
	parsed, err := url.Parse(submissionURL)
	if err != nil || parsed.Hostname() == "" {
		return target{}, &Error{Message: "Host name may not be null", Fatal: true}
	}

	resp, err := u.transport.Head(ctx, submissionURL)
	if err != nil {
		return target{}, &Error{Message: fmt.Sprintf("Failed to contact %s: %v", parsed.Host, err)}
	}

	t := target{url: submissionURL, maxContentLen: acceptContentLength(resp.Header)}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return target{}, &AuthRequestedError{Host: parsed.Host, URL: submissionURL}

	case resp.StatusCode == http.StatusNoContent:
		location := resp.Header.Get("Location")
		if location == "" {
			return t, nil
		}
		redirect, err := parsed.Parse(location)
		if err != nil {
			return target{}, &Error{Message: fmt.Sprintf("Invalid redirect location %q", location), Fatal: true}
		}
		if !safety.SameHost(parsed, redirect) {
			return target{}, &Error{
				Message: fmt.Sprintf("Unexpected redirection attempt to a different host: %s", redirect.Host),
				Fatal:   true,
			}
		}
		if redirect.RawQuery == "" {
			redirect.RawQuery = parsed.RawQuery
		}
		t.url = redirect.String()
		u.remap[submissionURL] = t
		u.logger.Debug("submission url redirected", "from", submissionURL, "to", t.url)
		return t, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return target{}, &Error{
			Message: fmt.Sprintf("Failed to send to %s. Is this an OpenRosa submission URL? "+
				"If you have a web proxy you may need to log in to your network.", submissionURL),
			Fatal: true,
		}

	default:
		u.logger.Info("unexpected status on submission probe, posting anyway", "url", submissionURL, "status", resp.StatusCode)
		return t, nil
	}
}

func acceptContentLength(h http.Header) int64 {
	v := strings.TrimSpace(h.Get(acceptContentLengthHeader))
	if v == "" {
		return DefaultMaxContentLength
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return DefaultMaxContentLength
	}
	return n
}

// collectFiles returns the XML to submit and every attachment next to it.
// submission.xml wins over the instance file when both exist.
func collectFiles(instancePath string) (openrosa.Part, []openrosa.Part, error) {
	dir := filepath.Dir(instancePath)
	submission := filepath.Join(dir, SubmissionFileName)

	xmlPath := instancePath
	if _, err := os.Stat(submission); err == nil {
		xmlPath = submission
	}
	payload, err := openrosa.NewPart(xmlPath, openrosa.SubmissionFieldName)
	if err != nil {
		return openrosa.Part{}, nil, fmt.Errorf("instance file not found: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return openrosa.Part{}, nil, fmt.Errorf("failed to list instance directory: %w", err)
	}

	var attachments []openrosa.Part
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if name == SubmissionFileName || name == filepath.Base(instancePath) {
			continue
		}
		part, err := openrosa.NewPart(filepath.Join(dir, name), "")
		if err != nil {
			return openrosa.Part{}, nil, err
		}
		attachments = append(attachments, part)
	}
	return payload, attachments, nil
}

// splitBatches groups attachments so every POST stays within maxLen. Each
// batch carries the XML; an attachment larger than the limit goes alone.
func splitBatches(payload openrosa.Part, attachments []openrosa.Part, maxLen int64) [][]openrosa.Part {
	batches := [][]openrosa.Part{}
	current := []openrosa.Part{payload}
	size := payload.Size

	for _, a := range attachments {
		if len(current) > 1 && size+a.Size > maxLen {
			batches = append(batches, current)
			current = []openrosa.Part{payload}
			size = payload.Size
		}
		current = append(current, a)
		size += a.Size
	}
	return append(batches, current)
}

func (u *Uploader) post(ctx context.Context, submissionURL string, parts []openrosa.Part, incomplete bool) (string, error) {
	body, contentType, err := openrosa.BuildSubmission(parts, incomplete)
	if err != nil {
		return "", &Error{Message: err.Error()}
	}

	resp, err := u.transport.Post(ctx, submissionURL, contentType, body, maxResponseBody)
	if err != nil {
		return "", &Error{Message: fmt.Sprintf("Failed to send to %s: %v", submissionURL, err)}
	}
	submissionBytesTotal.Add(float64(len(body)))

	message := openrosa.ParseResponseMessage(resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusAccepted:
		return message, nil
	case http.StatusOK:
		return "", &Error{Message: "Network login failure? Again?"}
	case http.StatusUnauthorized:
		host := submissionURL
		if parsed, err := url.Parse(submissionURL); err == nil {
			host = parsed.Host
		}
		return "", &AuthRequestedError{Host: host, URL: submissionURL}
	case http.StatusBadRequest:
		return "", &Error{Message: withServerMessage(fmt.Sprintf(
			"Failed to send to %s. Check that the form is configured to accept submissions.", submissionURL), message)}
	default:
		return "", &Error{Message: withServerMessage(fmt.Sprintf(
			"%s (%d) at %s", reasonPhrase(resp), resp.StatusCode, submissionURL), message)}
	}
}

func reasonPhrase(resp *download.Response) string {
	phrase := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if phrase == "" {
		phrase = http.StatusText(resp.StatusCode)
	}
	return phrase
}

func withServerMessage(text, message string) string {
	if message == "" {
		return text
	}
	return text + " " + message
}
