package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/zapretdeck/internal/domain"
)

// SettingsFileName is looked up in the base directory when no path is given.
const SettingsFileName = "zapretdeck.yaml"

// Timeouts bounds every external call the runner makes.
type Timeouts struct {
	Stop      time.Duration `yaml:"stop"`
	Start     time.Duration `yaml:"start"`
	DNS       time.Duration `yaml:"dns"`
	Service   time.Duration `yaml:"service"`
	Discovery time.Duration `yaml:"discovery"`
	Restart   time.Duration `yaml:"restart"`
	Probe     time.Duration `yaml:"probe"` // credential validation
}

// ServiceConfirm controls how long enabling waits for the unit to become active.
type ServiceConfirm struct {
	Attempts int           `yaml:"attempts"`
	Interval time.Duration `yaml:"interval"`
}

// Settings is the explicit configuration handed to every component at construction.
// Missing fields keep their defaults.
type Settings struct {
	BaseDir         string                          `yaml:"base_dir"`
	DataDir         string                          `yaml:"data_dir"`
	LockFile        string                          `yaml:"lock_file"`
	ServiceName     string                          `yaml:"service_name"`
	ProcessPattern  string                          `yaml:"process_pattern"`
	ResolvConf      string                          `yaml:"resolv_conf"`
	PollInterval    time.Duration                   `yaml:"poll_interval"`
	QueryTimeout    time.Duration                   `yaml:"query_timeout"`
	SubscriberQueue int                             `yaml:"subscriber_queue"`
	Timeouts        Timeouts                        `yaml:"timeouts"`
	ServiceConfirm  ServiceConfirm                  `yaml:"service_confirm"`
	DNSProviders    map[domain.DNSProvider][]string `yaml:"dns_providers"`
	ProbeSites      map[string]string               `yaml:"probe_sites"`
}

// DefaultSettings returns settings rooted at baseDir.
func DefaultSettings(baseDir, dataDir string) Settings {
	return Settings{
		BaseDir:         baseDir,
		DataDir:         dataDir,
		LockFile:        DefaultLockFile,
		ServiceName:     "zapretdeck.service",
		ProcessPattern:  "nfqws",
		ResolvConf:      "/etc/resolv.conf",
		PollInterval:    1500 * time.Millisecond,
		QueryTimeout:    5 * time.Second,
		SubscriberQueue: 8,
		Timeouts: Timeouts{
			Stop:      15 * time.Second,
			Start:     15 * time.Second,
			DNS:       15 * time.Second,
			Service:   40 * time.Second,
			Discovery: 60 * time.Second,
			Restart:   30 * time.Second,
			Probe:     10 * time.Second,
		},
		ServiceConfirm: ServiceConfirm{Attempts: 15, Interval: time.Second},
		DNSProviders: map[domain.DNSProvider][]string{
			domain.DNSPrimary:   {"176.99.11.77", "80.78.247.254"},
			domain.DNSSecondary: {"1.1.1.1", "1.0.0.1"},
		},
		ProbeSites: map[string]string{
			"YouTube": "https://www.youtube.com",
			"Discord": "https://discord.com",
		},
	}
}

// LoadSettings reads path over the defaults. An empty path tries
// <baseDir>/zapretdeck.yaml and silently keeps defaults if it is absent.
func LoadSettings(path string, mode *ExecModeConfig) (Settings, error) {
	s := DefaultSettings(mode.BaseDir, mode.DataDir)

	explicit := path != ""
	if !explicit {
		path = filepath.Join(mode.BaseDir, SettingsFileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return s, nil
		}
		return s, fmt.Errorf("failed to read settings: %w", err)
	}

	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Validate rejects settings that would make the orchestrator misbehave.
func (s Settings) Validate() error {
	if s.BaseDir == "" {
		return fmt.Errorf("settings: base_dir is empty")
	}
	if s.LockFile == "" {
		return fmt.Errorf("settings: lock_file is empty")
	}
	if s.ServiceName == "" || s.ProcessPattern == "" {
		return fmt.Errorf("settings: service_name and process_pattern are required")
	}
	if s.PollInterval <= 0 || s.QueryTimeout <= 0 {
		return fmt.Errorf("settings: poll_interval and query_timeout must be positive")
	}
	if s.ServiceConfirm.Attempts < 1 {
		return fmt.Errorf("settings: service_confirm.attempts must be at least 1")
	}
	for p := range s.DNSProviders {
		if !p.IsOverride() {
			return fmt.Errorf("settings: unknown dns provider %q", p)
		}
	}
	return nil
}

// Collaborator paths, all inside BaseDir.

func (s Settings) ConfigFile() string    { return filepath.Join(s.BaseDir, "conf.env") }
func (s Settings) StartScript() string   { return filepath.Join(s.BaseDir, "main_script.sh") }
func (s Settings) StopScript() string    { return filepath.Join(s.BaseDir, "stop_and_clean_nft.sh") }
func (s Settings) DNSScript() string     { return filepath.Join(s.BaseDir, "dns.sh") }
func (s Settings) ServiceScript() string { return filepath.Join(s.BaseDir, "service.sh") }
func (s Settings) CustomDir() string     { return filepath.Join(s.BaseDir, "custom-strategies") }
func (s Settings) BundledDir() string    { return filepath.Join(s.BaseDir, "zapret-latest") }
