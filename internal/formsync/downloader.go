package formsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/fieldsync/internal/download"
	"github.com/BadgerOps/fieldsync/internal/openrosa"
	"github.com/BadgerOps/fieldsync/internal/safety"
	"github.com/BadgerOps/fieldsync/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	formDownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_form_downloads_total",
		Help: "Form downloads by outcome.",
	}, []string{"project", "outcome"})

	mediaFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_media_files_total",
		Help: "Media files processed during form downloads by how they were obtained.",
	}, []string{"source"})
)

// LastSavedFileName is the stub injected into the media directory so that
// forms referencing jr://instance/last-saved can be parsed.
const LastSavedFileName = "last-saved.xml"

// OutcomeStatus is the result of downloading one form
type OutcomeStatus string

const (
	Completed OutcomeStatus = "completed"
	Cancelled OutcomeStatus = "cancelled"
	Failed    OutcomeStatus = "failed"
)

// Outcome is the result of one form in a batch download
type Outcome struct {
	Details ServerFormDetails
	Status  OutcomeStatus
	Err     error
}

// Listener receives progress messages during a download. It may be nil.
type Listener func(form ServerFormDetails, message string)

// Downloader installs forms and their media into the forms directory
type Downloader struct {
	forms    FormsRepository
	source   FormSource
	staging  Staging
	formsDir string
	logger   *slog.Logger
	now      func() time.Time
}

// NewDownloader creates a Downloader writing into formsDir
func NewDownloader(forms FormsRepository, source FormSource, staging Staging, formsDir string, logger *slog.Logger) *Downloader {
	return &Downloader{
		forms:    forms,
		source:   source,
		staging:  staging,
		formsDir: formsDir,
		logger:   logger.With("component", "downloader"),
		now:      time.Now,
	}
}

// DownloadForms downloads forms one after another in the given order.
// A failed form does not stop the batch; cancellation marks the current
// form and every remaining form Cancelled.
func (d *Downloader) DownloadForms(ctx context.Context, forms []ServerFormDetails, listener Listener) []Outcome {
	outcomes := make([]Outcome, 0, len(forms))
	cancelled := false

	for _, details := range forms {
		if cancelled || ctx.Err() != nil {
			cancelled = true
			outcomes = append(outcomes, Outcome{Details: details, Status: Cancelled, Err: ErrCancelled})
			continue
		}

		err := d.DownloadForm(ctx, details, listener)
		switch {
		case err == nil:
			outcomes = append(outcomes, Outcome{Details: details, Status: Completed})
		case errors.Is(err, ErrCancelled):
			cancelled = true
			outcomes = append(outcomes, Outcome{Details: details, Status: Cancelled, Err: err})
		default:
			d.logger.Warn("form download failed", "form_id", details.FormID, "error", err)
			outcomes = append(outcomes, Outcome{Details: details, Status: Failed, Err: err})
		}
		formDownloadsTotal.WithLabelValues(details.Project, string(outcomes[len(outcomes)-1].Status)).Inc()
	}
	return outcomes
}

// install tracks what a single download has changed so it can be undone
type install struct {
	details ServerFormDetails

	tempDir      string
	tempMediaDir string
	stagedXML    string // XML waiting to be moved, "" when an existing file is used

	row        *store.Form // the row the form ends up in
	restore    bool        // row exists with this md5 but is soft-deleted or lost its file
	restored   bool        // RestoreForm cleared the row's deleted date
	newRow     bool        // row was inserted by this download
	newXMLPath string      // XML moved into the forms dir by this download
	newMedia   string      // media dir created by this download
	fetched    bool        // at least one media file came from the server
}

// DownloadForm downloads and installs one form. On failure or cancellation
// every partial artifact is removed and the repository is left as before.
func (d *Downloader) DownloadForm(ctx context.Context, details ServerFormDetails, listener Listener) (err error) {
	notify := func(msg string) {
		if listener != nil {
			listener(details, msg)
		}
	}

	in := &install{details: details}
	in.tempDir, err = d.staging.TempDir()
	if err != nil {
		return &DownloadError{FormID: details.FormID, Kind: KindDisk, Err: err}
	}
	in.tempMediaDir = filepath.Join(in.tempDir, "media")

	defer func() {
		if err != nil {
			d.cleanup(in)
			if ctx.Err() != nil {
				err = ErrCancelled
			}
		}
		d.staging.Purge(in.tempDir)
	}()

	notify("downloading form")
	if err := d.fetchXML(ctx, in); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	notify("downloading media")
	if err := d.stageMedia(ctx, in, notify); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	def, err := d.parse(in)
	if err != nil {
		return err
	}

	notify("installing")
	if err := d.installXML(in, def); err != nil {
		return err
	}
	if err := d.installMedia(in); err != nil {
		return err
	}

	d.logger.Info("form downloaded", "form_id", in.row.FormID, "version", in.row.Version,
		"path", in.row.FormFilePath, "new", in.newRow, "restored", in.restore)
	return nil
}

// fetchXML stages the form XML unless an identical copy is already
// installed, then resolves it against rows with the same content
func (d *Downloader) fetchXML(ctx context.Context, in *install) error {
	details := in.details

	if details.IsFormDownloaded && details.FormPath != "" {
		row, err := d.forms.GetFormByPath(details.FormPath)
		if err == nil && !row.IsDeleted() {
			in.row = row
			return nil
		}
	}

	staged := filepath.Join(in.tempDir, "form.xml")
	result, err := d.source.DownloadFile(ctx, details.DownloadURL, staged, details.Hash, nil)
	if err != nil {
		return &DownloadError{FormID: details.FormID, Kind: KindFetch, Err: err}
	}

	row, err := d.forms.GetFormByMD5(result.MD5)
	switch {
	case errors.Is(err, store.ErrNotFound):
		in.stagedXML = staged
	case err != nil:
		return &DownloadError{FormID: details.FormID, Kind: KindDisk, Err: err}
	case row.IsDeleted() || !fileExists(row.FormFilePath):
		in.row = row
		in.restore = true
		in.stagedXML = staged
	default:
		// Identical content already installed elsewhere: the existing file wins.
		in.row = row
	}
	return nil
}

// stageMedia puts every media file that has to change into the temp media
// directory. The final directory is not touched.
func (d *Downloader) stageMedia(ctx context.Context, in *install, notify func(string)) error {
	details := in.details
	finalDir := ""
	if in.row != nil && !in.restore {
		finalDir = in.row.FormMediaPath
	}

	for i, mf := range details.MediaFiles {
		if err := ctx.Err(); err != nil {
			return err
		}

		name, err := safety.CleanRelativePath(mf.Filename)
		if err != nil {
			return &DownloadError{FormID: details.FormID, Kind: KindParse, Err: fmt.Errorf("media file %q: %w", mf.Filename, err)}
		}
		tempPath, err := safety.SafeJoinUnder(in.tempMediaDir, name)
		if err != nil {
			return &DownloadError{FormID: details.FormID, Kind: KindParse, Err: fmt.Errorf("media file %q: %w", mf.Filename, err)}
		}
		hash := download.StripMD5Prefix(mf.Hash)

		if finalDir != "" && hash != "" {
			if current, err := safety.SafeJoinUnder(finalDir, name); err == nil {
				if sum, err := d.staging.MD5(current); err == nil && strings.EqualFold(sum, hash) {
					mediaFilesTotal.WithLabelValues("unchanged").Inc()
					continue
				}
			}
		}

		if src := d.findMediaCopy(details.FormID, name, hash); src != "" {
			if err := d.staging.Copy(src, tempPath); err != nil {
				return &DownloadError{FormID: details.FormID, Kind: KindDisk, Err: err}
			}
			mediaFilesTotal.WithLabelValues("copied").Inc()
			continue
		}

		notify(fmt.Sprintf("downloading media %d of %d: %s", i+1, len(details.MediaFiles), name))
		staged, err := d.staging.TempFile("media-*")
		if err != nil {
			return &DownloadError{FormID: details.FormID, Kind: KindDisk, Err: err}
		}
		if _, err := d.source.DownloadFile(ctx, mf.DownloadURL, staged, hash, nil); err != nil {
			d.staging.Purge(staged)
			return &DownloadError{FormID: details.FormID, Kind: KindFetch, Err: fmt.Errorf("media file %s: %w", name, err)}
		}
		if err := d.staging.Move(staged, tempPath); err != nil {
			d.staging.Purge(staged)
			return &DownloadError{FormID: details.FormID, Kind: KindDisk, Err: err}
		}
		in.fetched = true
		mediaFilesTotal.WithLabelValues("downloaded").Inc()
	}
	return nil
}

// findMediaCopy looks for a file with the wanted hash in the media
// directory of another version of the same form
func (d *Downloader) findMediaCopy(formID, name, hash string) string {
	if hash == "" {
		return ""
	}
	forms, err := d.forms.ListFormsByFormID(formID)
	if err != nil {
		return ""
	}
	for _, f := range forms {
		if f.IsDeleted() || f.FormMediaPath == "" {
			continue
		}
		candidate, err := safety.SafeJoinUnder(f.FormMediaPath, name)
		if err != nil {
			continue
		}
		if sum, err := d.staging.MD5(candidate); err == nil && strings.EqualFold(sum, hash) {
			return candidate
		}
	}
	return ""
}

// parse reads the form metadata with a last-saved stub in place and checks
// that every external secondary instance resolves to a media file
func (d *Downloader) parse(in *install) (*openrosa.FormDefinition, error) {
	formPath := in.stagedXML
	if formPath == "" {
		formPath = in.row.FormFilePath
	}

	stub := filepath.Join(in.tempMediaDir, LastSavedFileName)
	if err := d.staging.WriteFile(stub, []byte(`<?xml version="1.0" encoding="UTF-8"?><data/>`)); err != nil {
		return nil, &DownloadError{FormID: in.details.FormID, Kind: KindDisk, Err: err}
	}
	defer d.staging.Purge(stub)

	f, err := os.Open(formPath)
	if err != nil {
		return nil, &DownloadError{FormID: in.details.FormID, Kind: KindDisk, Err: err}
	}
	defer f.Close()

	def, err := openrosa.ParseFormDefinition(f)
	if err != nil {
		return nil, &DownloadError{FormID: in.details.FormID, Kind: KindParse, Err: err}
	}

	finalDir := ""
	if in.row != nil {
		finalDir = in.row.FormMediaPath
	}
	for _, si := range def.SecondaryInstances {
		var name string
		if si.Src == openrosa.LastSavedSource {
			name = LastSavedFileName
		} else if ref, ok := openrosa.MediaReference(si.Src); ok {
			name = ref
		} else {
			continue
		}
		if fileExists(filepath.Join(in.tempMediaDir, name)) {
			continue
		}
		if finalDir != "" && fileExists(filepath.Join(finalDir, name)) {
			continue
		}
		return nil, &DownloadError{FormID: in.details.FormID, Kind: KindParse,
			Err: fmt.Errorf("secondary instance %q refers to missing file %s", si.ID, name)}
	}
	return def, nil
}

// installXML moves the staged XML into the forms directory and resolves the
// row that owns it
func (d *Downloader) installXML(in *install, def *openrosa.FormDefinition) error {
	formID := in.details.FormID

	if in.stagedXML == "" {
		return nil
	}

	if in.restore {
		if err := d.staging.Move(in.stagedXML, in.row.FormFilePath); err != nil {
			return &DownloadError{FormID: formID, Kind: KindDisk, Err: err}
		}
		in.newXMLPath = in.row.FormFilePath
		if in.row.IsDeleted() {
			if err := d.forms.RestoreForm(in.row.ID); err != nil {
				return &DownloadError{FormID: formID, Kind: KindDisk, Err: err}
			}
			in.row.DeletedDate = nil
			in.restored = true
		}
		return nil
	}

	formPath, mediaPath, err := d.chooseFormPath(def.Title)
	if err != nil {
		return &DownloadError{FormID: formID, Kind: KindDisk, Err: err}
	}
	if err := d.staging.Move(in.stagedXML, formPath); err != nil {
		return &DownloadError{FormID: formID, Kind: KindDisk, Err: err}
	}
	in.newXMLPath = formPath

	if row, err := d.forms.GetFormByPath(formPath); err == nil {
		in.row = row
		return nil
	}

	md5Hash, err := d.staging.MD5(formPath)
	if err != nil {
		return &DownloadError{FormID: formID, Kind: KindDisk, Err: err}
	}

	saved, err := d.forms.SaveForm(&store.Form{
		FormID:             def.FormID,
		Version:            def.Version,
		MD5Hash:            md5Hash,
		DisplayName:        def.Title,
		FormFilePath:       formPath,
		FormMediaPath:      mediaPath,
		SubmissionURI:      def.SubmissionURI,
		Base64RSAPublicKey: def.Base64RSAPublicKey,
		AutoSend:           def.AutoSend,
		AutoDelete:         def.AutoDelete,
		DateAdded:          d.now(),
	})
	if err != nil {
		return &DownloadError{FormID: formID, Kind: KindDisk, Err: err}
	}

	if saved.FormFilePath != formPath {
		// Another download stored the same content first; keep its row.
		d.logger.Debug("form content already stored, discarding new copy", "form_id", formID, "path", saved.FormFilePath)
		d.staging.Purge(formPath)
		in.newXMLPath = ""
		in.row = saved
		return nil
	}

	in.row = saved
	in.newRow = true
	return nil
}

// chooseFormPath picks forms/<name>[_N].xml so that neither the file nor
// a row (possibly soft-deleted) already uses the path
func (d *Downloader) chooseFormPath(title string) (string, string, error) {
	base := safety.FormFileName(title)
	for i := 1; i < 10000; i++ {
		stem := base
		if i > 1 {
			stem = base + "_" + strconv.Itoa(i)
		}
		formPath := filepath.Join(d.formsDir, stem+".xml")
		if _, err := os.Stat(formPath); err == nil {
			continue
		}
		if _, err := d.forms.GetFormByPath(formPath); err == nil {
			continue
		}
		return formPath, filepath.Join(d.formsDir, stem+"-media"), nil
	}
	return "", "", fmt.Errorf("no free file name for form %q", title)
}

// installMedia moves staged media into the final media directory, one file
// at a time by delete-then-move
func (d *Downloader) installMedia(in *install) error {
	formID := in.details.FormID
	finalDir := in.row.FormMediaPath
	if finalDir == "" {
		return nil
	}

	if _, err := os.Stat(finalDir); os.IsNotExist(err) {
		if err := os.MkdirAll(finalDir, 0755); err != nil {
			return &DownloadError{FormID: formID, Kind: KindDisk, Err: err}
		}
		in.newMedia = finalDir
	}

	err := filepath.WalkDir(in.tempMediaDir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == in.tempMediaDir {
				return filepath.SkipDir
			}
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(in.tempMediaDir, path)
		if err != nil {
			return err
		}
		return d.staging.Move(path, filepath.Join(finalDir, rel))
	})
	if err != nil {
		return &DownloadError{FormID: formID, Kind: KindDisk, Err: err}
	}

	if in.fetched {
		now := d.now()
		in.row.LastDetectedAttachmentsUpdateDate = &now
		if _, err := d.forms.SaveForm(in.row); err != nil {
			return &DownloadError{FormID: formID, Kind: KindDisk, Err: err}
		}
	}
	return nil
}

// cleanup undoes whatever a failed download installed
func (d *Downloader) cleanup(in *install) {
	if in.newRow && in.row != nil {
		if row, err := d.forms.GetFormByMD5(in.row.MD5Hash); err == nil && row.ID == in.row.ID {
			if err := d.forms.DeleteForm(row.ID); err != nil {
				d.logger.Warn("failed to delete partially installed form", "form_id", row.FormID, "error", err)
			}
		}
	}
	if in.restored {
		if err := d.forms.SoftDeleteForm(in.row.ID); err != nil {
			d.logger.Warn("failed to re-delete restored form", "form_id", in.row.FormID, "error", err)
		}
	}
	if in.newXMLPath != "" {
		d.staging.Purge(in.newXMLPath)
	}
	if in.newMedia != "" {
		d.staging.Purge(in.newMedia)
	}
}
