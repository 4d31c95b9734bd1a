// Package project assembles the components that work on one project's
// storage and server, and keeps them for the lifetime of the process.
package project

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BadgerOps/fieldsync/internal/config"
	"github.com/BadgerOps/fieldsync/internal/download"
	"github.com/BadgerOps/fieldsync/internal/formsync"
	"github.com/BadgerOps/fieldsync/internal/lock"
	"github.com/BadgerOps/fieldsync/internal/openrosa"
	"github.com/BadgerOps/fieldsync/internal/safety"
	"github.com/BadgerOps/fieldsync/internal/scheduler"
	"github.com/BadgerOps/fieldsync/internal/staging"
	"github.com/BadgerOps/fieldsync/internal/store"
	"github.com/BadgerOps/fieldsync/internal/tasks"
	"github.com/BadgerOps/fieldsync/internal/upload"
)

// Staging files left behind by an interrupted download are removed when the
// project is opened
const staleStagingAge = 24 * time.Hour

// Sandbox holds one project's configuration, storage and engine components
type Sandbox struct {
	Config       config.ProjectConfig
	Dir          string
	FormsDir     string
	InstancesDir string

	Store      *store.Store
	Staging    *staging.Area
	Client     *download.Client
	API        *openrosa.API
	Fetcher    *formsync.DetailsFetcher
	Downloader *formsync.Downloader
	Task       *tasks.Project
}

// Open creates the project's directories and wires its components. The
// caller owns the returned Sandbox and must Close it.
func Open(cfg *config.Config, pc config.ProjectConfig, locks *lock.Provider, logger *slog.Logger) (*Sandbox, error) {
	logger = logger.With("project", pc.ID)

	dir := cfg.ProjectDir(pc.ID)
	sb := &Sandbox{
		Config:       pc,
		Dir:          dir,
		FormsDir:     filepath.Join(dir, "forms"),
		InstancesDir: filepath.Join(dir, "instances"),
	}
	for _, d := range []string{sb.FormsDir, sb.InstancesDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create project directory: %w", err)
		}
	}

	st, err := store.New(filepath.Join(dir, "fieldsync.db"), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	sb.Store = st

	area, err := staging.New(filepath.Join(dir, "cache"), logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open staging area: %w", err)
	}
	if n := area.PurgeStale(staleStagingAge); n > 0 {
		logger.Info("removed stale staging files", "count", n)
	}
	sb.Staging = area

	sb.Client = download.NewClient(logger, download.Options{
		Timeout:    cfg.HTTP.Timeout,
		RetryCount: cfg.HTTP.RetryCount,
		UserAgent:  cfg.HTTP.UserAgent,
	})
	if pc.Username != "" {
		warnInsecureCredentials(pc, logger)
		sb.Client.SetCredentials(download.Credentials{Username: pc.Username, Password: pc.Password})
	}

	deviceID := cfg.Device.ID
	if deviceID == "" {
		if deviceID, err = st.InstallID(); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to read install id: %w", err)
		}
	}

	sb.API = openrosa.NewAPI(sb.Client, pc.FormListURL(), logger)
	sb.Fetcher = formsync.NewDetailsFetcher(sb.API, st, area, pc.ID, logger)
	sb.Downloader = formsync.NewDownloader(st, sb.API, area, sb.FormsDir, logger)

	submitter := upload.NewSubmitter(sb.Client, st, st, upload.Settings{
		SubmissionURL:   pc.SubmissionURL(),
		DeviceID:        deviceID,
		AutoSend:        pc.AutoSendEnabled(),
		DeleteAfterSend: pc.DeleteSend,
	}, logger)

	sb.Task = &tasks.Project{
		ID:            pc.ID,
		Fetcher:       sb.Fetcher,
		Synchronizer:  formsync.NewSynchronizer(sb.Fetcher, sb.Downloader, formsync.NewFormDeleter(st, st), st, logger),
		Updates:       formsync.NewUpdateChecker(sb.Fetcher, st, logger),
		Downloader:    sb.Downloader,
		Submitter:     submitter,
		FormsLock:     locks.FormsLock(pc.ID),
		InstancesLock: locks.InstancesLock(pc.ID),
		Runs:          st,
		Settings:      TaskSettings(pc),
	}
	return sb, nil
}

// Close releases the project's store
func (s *Sandbox) Close() error {
	return s.Store.Close()
}

// TaskSettings extracts the scheduling settings of a project
func TaskSettings(pc config.ProjectConfig) tasks.Settings {
	return tasks.Settings{
		FormUpdateMode:   pc.FormUpdateMode,
		FormUpdatePeriod: pc.FormUpdatePeriod(),
		AutomaticUpdate:  pc.AutomaticUpdate,
		AutoSendNetwork:  AutoSendNetwork(pc.AutoSend),
	}
}

// AutoSendNetwork maps the auto-send setting to the network it allows
func AutoSendNetwork(setting string) scheduler.NetworkType {
	switch setting {
	case config.AutoSendWiFiOnly:
		return scheduler.NetworkWiFi
	case config.AutoSendCellularOnly:
		return scheduler.NetworkCellular
	case config.AutoSendWiFiAndCellular:
		return scheduler.NetworkAny
	default:
		return scheduler.NetworkNone
	}
}

// warnInsecureCredentials logs when basic auth would travel in clear text
// to a remote host
func warnInsecureCredentials(pc config.ProjectConfig, logger *slog.Logger) {
	u, err := safety.ValidateHTTPURL(pc.ServerURL)
	if err != nil || u.Scheme != "http" || safety.IsLoopbackHost(u) {
		return
	}
	logger.Warn("credentials will be sent without TLS", "server_url", pc.ServerURL)
}

// DeviceNetwork reports the configured connectivity to scheduled tasks
func DeviceNetwork(cfg *config.Config) scheduler.NetworkMonitor {
	if cfg.Network == "" {
		return scheduler.StaticNetwork(scheduler.NetworkWiFi)
	}
	return scheduler.StaticNetwork(scheduler.NetworkType(cfg.Network))
}
