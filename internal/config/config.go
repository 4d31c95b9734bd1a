package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/fieldsync/internal/safety"
	"gopkg.in/yaml.v3"
)

// Form update modes
const (
	FormUpdateManual               = "manual"
	FormUpdatePreviouslyDownloaded = "previously_downloaded"
	FormUpdateMatchExactly         = "match_exactly"
)

// Auto-send settings
const (
	AutoSendOff             = "off"
	AutoSendWiFiOnly        = "wifi_only"
	AutoSendCellularOnly    = "cellular_only"
	AutoSendWiFiAndCellular = "wifi_and_cellular"
)

// Device network values
const (
	NetworkNone     = "none"
	NetworkWiFi     = "wifi"
	NetworkCellular = "cellular"
)

// Periodic form update check intervals
const (
	EveryFifteenMinutes = "every_fifteen_minutes"
	EveryOneHour        = "every_one_hour"
	EverySixHours       = "every_six_hours"
	Every24Hours        = "every_24_hours"
)

// Config is the top-level configuration
type Config struct {
	Storage  StorageConfig   `yaml:"storage"`
	Device   DeviceConfig    `yaml:"device"`
	Network  string          `yaml:"network"` // connectivity the device reports to scheduled tasks
	HTTP     HTTPConfig      `yaml:"http"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Projects []ProjectConfig `yaml:"projects"`
}

// StorageConfig holds the on-device storage root
type StorageConfig struct {
	Root string `yaml:"root"`
}

// DeviceConfig identifies this client to servers
type DeviceConfig struct {
	ID string `yaml:"id"`
}

// HTTPConfig holds transport settings
type HTTPConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	UserAgent  string        `yaml:"user_agent"`
}

// MetricsConfig holds the metrics endpoint settings used by "run"
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// ProjectConfig holds the settings of one project. Every component that
// needs settings receives the ProjectConfig of the project it works for.
type ProjectConfig struct {
	ID                       string `yaml:"id"`
	Name                     string `yaml:"name"`
	ServerURL                string `yaml:"server_url"`
	Username                 string `yaml:"username"`
	Password                 string `yaml:"password"`
	FormListPath             string `yaml:"form_list_path"`
	SubmissionPath           string `yaml:"submission_path"`
	FormUpdateMode           string `yaml:"form_update_mode"`
	PeriodicFormUpdatesCheck string `yaml:"periodic_form_updates_check"`
	AutomaticUpdate          bool   `yaml:"automatic_update"`
	AutoSend                 string `yaml:"autosend"`
	DeleteSend               bool   `yaml:"delete_send"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Root: "/var/lib/fieldsync",
		},
		Network: "wifi",
		HTTP: HTTPConfig{
			Timeout:    60 * time.Second,
			RetryCount: 2,
			UserAgent:  "fieldsync/1.0",
		},
		Projects: []ProjectConfig{},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	for i := range cfg.Projects {
		cfg.Projects[i].applyDefaults()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"fieldsync.yaml",
		"/etc/fieldsync/fieldsync.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "fieldsync", "fieldsync.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks project settings for values the engine cannot work with
func (c *Config) Validate() error {
	switch c.Network {
	case "", NetworkNone, NetworkWiFi, NetworkCellular:
	default:
		return fmt.Errorf("unknown network %q", c.Network)
	}

	seen := make(map[string]bool)
	for _, p := range c.Projects {
		if p.ID == "" {
			return fmt.Errorf("project id is required")
		}
		if strings.ContainsAny(p.ID, `/\:`) {
			return fmt.Errorf("project %q: id must not contain path separators or colons", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate project id %q", p.ID)
		}
		seen[p.ID] = true

		if p.ServerURL != "" {
			if _, err := safety.ValidateHTTPURL(p.ServerURL); err != nil {
				return fmt.Errorf("project %q: invalid server_url %q: %w", p.ID, p.ServerURL, err)
			}
		}

		switch p.FormUpdateMode {
		case "", FormUpdateManual, FormUpdatePreviouslyDownloaded, FormUpdateMatchExactly:
		default:
			return fmt.Errorf("project %q: unknown form_update_mode %q", p.ID, p.FormUpdateMode)
		}

		switch p.AutoSend {
		case "", AutoSendOff, AutoSendWiFiOnly, AutoSendCellularOnly, AutoSendWiFiAndCellular:
		default:
			return fmt.Errorf("project %q: unknown autosend %q", p.ID, p.AutoSend)
		}

		switch p.PeriodicFormUpdatesCheck {
		case "", EveryFifteenMinutes, EveryOneHour, EverySixHours, Every24Hours:
		default:
			return fmt.Errorf("project %q: unknown periodic_form_updates_check %q", p.ID, p.PeriodicFormUpdatesCheck)
		}
	}
	return nil
}

// Project returns the settings of the project with the given id
func (c *Config) Project(id string) (*ProjectConfig, bool) {
	for i := range c.Projects {
		if c.Projects[i].ID == id {
			return &c.Projects[i], true
		}
	}
	return nil, false
}

// ProjectDir returns the per-project storage directory
func (c *Config) ProjectDir(projectID string) string {
	return filepath.Join(c.Storage.Root, "projects", projectID)
}

func (p *ProjectConfig) applyDefaults() {
	if p.FormListPath == "" {
		p.FormListPath = "/formList"
	}
	if p.SubmissionPath == "" {
		p.SubmissionPath = "/submission"
	}
	if p.FormUpdateMode == "" {
		p.FormUpdateMode = FormUpdateManual
	}
	if p.PeriodicFormUpdatesCheck == "" {
		p.PeriodicFormUpdatesCheck = EveryOneHour
	}
	if p.AutoSend == "" {
		p.AutoSend = AutoSendOff
	}
}

// FormListURL returns the absolute form list URL
func (p *ProjectConfig) FormListURL() string {
	return joinURL(p.ServerURL, p.FormListPath)
}

// SubmissionURL returns the app-level default submission URL
func (p *ProjectConfig) SubmissionURL() string {
	return joinURL(p.ServerURL, p.SubmissionPath)
}

// AutoSendEnabled reports whether the app-level auto-send setting is on
func (p *ProjectConfig) AutoSendEnabled() bool {
	return p.AutoSend != "" && p.AutoSend != AutoSendOff
}

// FormUpdatePeriod converts the periodic check setting into a duration
func (p *ProjectConfig) FormUpdatePeriod() time.Duration {
	switch p.PeriodicFormUpdatesCheck {
	case EveryFifteenMinutes:
		return 15 * time.Minute
	case EverySixHours:
		return 6 * time.Hour
	case Every24Hours:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
