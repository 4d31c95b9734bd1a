package formsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BadgerOps/fieldsync/internal/download"
	"github.com/BadgerOps/fieldsync/internal/openrosa"
	"github.com/BadgerOps/fieldsync/internal/safety"
	"github.com/BadgerOps/fieldsync/internal/store"
)

// ServerFormDetails describes a form as the server publishes it, compared
// against the local repository. It is never persisted.
type ServerFormDetails struct {
	FormName    string
	DownloadURL string
	FormID      string
	FormVersion string
	Hash        string // md5 without the "md5:" prefix
	ManifestURL string
	MediaFiles  []openrosa.MediaFile
	Project     string

	IsNotOnDevice    bool
	IsUpdated        bool
	IsFormDownloaded bool   // a live local form has exactly this content on disk
	FormPath         string // path of that local form when IsFormDownloaded
}

// DetailsFetcher builds ServerFormDetails from the form list
type DetailsFetcher struct {
	source  FormSource
	forms   FormsRepository
	hasher  Staging
	project string
	logger  *slog.Logger
}

// NewDetailsFetcher creates a DetailsFetcher for one project
func NewDetailsFetcher(source FormSource, forms FormsRepository, hasher Staging, project string, logger *slog.Logger) *DetailsFetcher {
	return &DetailsFetcher{
		source:  source,
		forms:   forms,
		hasher:  hasher,
		project: project,
		logger:  logger.With("component", "details"),
	}
}

// FetchFormDetails fetches the form list and, for entries that do not embed
// their media list, each manifest. The result keeps server order.
func (f *DetailsFetcher) FetchFormDetails(ctx context.Context) ([]ServerFormDetails, error) {
	items, err := f.source.FetchFormList(ctx)
	if err != nil {
		return nil, err
	}

	details := make([]ServerFormDetails, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		d := ServerFormDetails{
			FormName:    item.Name,
			DownloadURL: item.DownloadURL,
			FormID:      item.FormID,
			FormVersion: item.Version,
			Hash:        download.StripMD5Prefix(item.Hash),
			ManifestURL: item.ManifestURL,
			Project:     f.project,
		}

		switch {
		case item.InlineMedia:
			d.MediaFiles = item.MediaFiles
		case item.ManifestURL != "":
			files, err := f.source.FetchManifest(ctx, item.ManifestURL)
			if err != nil {
				return nil, fmt.Errorf("manifest for %s: %w", item.FormID, err)
			}
			d.MediaFiles = files
		}

		if err := f.compareWithLocal(&d); err != nil {
			return nil, err
		}
		details = append(details, d)
	}

	f.logger.Debug("fetched form details", "project", f.project, "forms", len(details))
	return details, nil
}

func (f *DetailsFetcher) compareWithLocal(d *ServerFormDetails) error {
	local, err := f.forms.ListFormsByFormID(d.FormID)
	if err != nil {
		return fmt.Errorf("failed to list local forms: %w", err)
	}

	var live []store.Form
	for _, lf := range local {
		if !lf.IsDeleted() {
			live = append(live, lf)
		}
	}
	d.IsNotOnDevice = len(live) == 0

	var match *store.Form
	for i := range live {
		if d.Hash != "" && strings.EqualFold(live[i].MD5Hash, d.Hash) {
			match = &live[i]
			break
		}
	}

	if match != nil && fileExists(match.FormFilePath) {
		d.IsFormDownloaded = true
		d.FormPath = match.FormFilePath
	}

	if d.IsNotOnDevice {
		return nil
	}
	if match == nil || !d.IsFormDownloaded {
		d.IsUpdated = true
		return nil
	}
	d.IsUpdated = f.mediaChanged(match, d.MediaFiles)
	return nil
}

// mediaChanged reports whether any media file is missing from the local
// form or differs from the server's hash. A name that would leave the media
// directory counts as changed.
func (f *DetailsFetcher) mediaChanged(local *store.Form, files []openrosa.MediaFile) bool {
	for _, mf := range files {
		path, err := safety.SafeJoinUnder(local.FormMediaPath, mf.Filename)
		if err != nil {
			return true
		}
		sum, err := f.hasher.MD5(path)
		if err != nil {
			return true
		}
		if want := download.StripMD5Prefix(mf.Hash); want != "" && !strings.EqualFold(sum, want) {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
