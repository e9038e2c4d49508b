package infra

import (
	"os"
	"os/user"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ExecMode represents how privileged commands are issued.
type ExecMode string

const (
	// ExecModeUser runs as a regular user; privileged commands go through sudo.
	ExecModeUser ExecMode = "user"
	// ExecModeSystem runs as root; privileged commands run directly.
	ExecModeSystem ExecMode = "system"
)

// InstalledBaseDir is where the distribution package places scripts and strategies.
const InstalledBaseDir = "/opt/zapretdeck"

// ExecModeConfig holds paths and settings based on execution mode.
type ExecModeConfig struct {
	Mode    ExecMode
	IsRoot  bool
	BaseDir string // scripts, strategies, conf.env
	DataDir string // operation journal and its key
}

// DetectExecMode determines the execution mode from the effective UID.
func DetectExecMode() *ExecModeConfig {
	isRoot := unix.Geteuid() == 0

	cfg := &ExecModeConfig{
		Mode:    ExecModeUser,
		IsRoot:  isRoot,
		BaseDir: DetectBaseDir(),
		DataDir: filepath.Join(GetRealUserHome(), ".zapretdeck"),
	}
	if isRoot {
		cfg.Mode = ExecModeSystem
		if os.Getenv("SUDO_USER") == "" {
			cfg.DataDir = "/var/lib/zapretdeck"
		}
	}
	return cfg
}

// DetectBaseDir prefers the installed location, then the directory of the executable.
func DetectBaseDir() string {
	if _, err := os.Stat(filepath.Join(InstalledBaseDir, "main_script.sh")); err == nil {
		return InstalledBaseDir
	}
	exe, err := os.Executable()
	if err != nil {
		wd, _ := os.Getwd()
		return wd
	}
	return filepath.Dir(exe)
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root, no elevation prompt)"
	case ExecModeUser:
		return "user (sudo)"
	default:
		return "unknown"
	}
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
