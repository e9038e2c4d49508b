// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/zapretdeck/internal/domain"
)

// FakeZapret lays out a base directory with stub collaborator scripts.
// The start script launches a harmless long-running process whose command
// line carries a unique engine name, so real process lookups can see it.
type FakeZapret struct {
	BaseDir string
	Engine  string
}

// NewFakeZapret creates a fake installation generator rooted at baseDir.
func NewFakeZapret(baseDir string) *FakeZapret {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return &FakeZapret{BaseDir: baseDir, Engine: "nfqws-it-" + hex.EncodeToString(b)}
}

const prelude = `#!/bin/bash
DIR="$(cd "$(dirname "$0")" && pwd)"
NAME="$(basename "$0")"
echo "$NAME${*:+ $*}" >> "$DIR/calls.log"
if [ -f "$DIR/fail.$NAME" ]; then
  echo "simulated failure in $NAME" >&2
  exit 1
fi
`

// Create writes the scripts, strategies and an ISP resolver config.
func (f *FakeZapret) Create() error {
	dirs := []string{
		filepath.Join(f.BaseDir, "custom-strategies"),
		filepath.Join(f.BaseDir, "zapret-latest"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}

	scripts := map[string]string{
		"main_script.sh": `
if [ "$1" = "auto" ]; then
  cp "$DIR/zapret-latest/general.bat" "$DIR/custom-strategies/auto_found.bat"
  exit 0
fi
STRATEGY="$(grep '^strategy=' "$DIR/conf.env" | cut -d= -f2-)"
if [ ! -f "$DIR/custom-strategies/$STRATEGY" ] && [ ! -f "$DIR/zapret-latest/$STRATEGY" ]; then
  echo "strategy not found: $STRATEGY" >&2
  exit 2
fi
nohup bash -c "exec -a ENGINE sleep 300" >/dev/null 2>&1 &
`,
		"stop_and_clean_nft.sh": `
pkill -f "ENGINE" || true
`,
		"dns.sh": `
case "$1" in
  set)
    if grep -q "# override" "$DIR/resolv.conf"; then
      echo "override already active" >&2
      exit 3
    fi
    case "$2" in
      primary)   printf '# override\nnameserver 176.99.11.77\nnameserver 80.78.247.254\n' > "$DIR/resolv.conf" ;;
      secondary) printf '# override\nnameserver 1.1.1.1\nnameserver 1.0.0.1\n' > "$DIR/resolv.conf" ;;
      *) echo "unknown provider $2" >&2; exit 2 ;;
    esac
    ;;
  unset)
    printf 'nameserver 192.168.1.1\n' > "$DIR/resolv.conf"
    ;;
esac
`,
		"service.sh": `
case "$1" in
  install)
    STRATEGY="$(grep '^strategy=' "$DIR/conf.env" | cut -d= -f2-)"
    if [ -z "$STRATEGY" ]; then
      echo "no strategy in conf.env" >&2
      exit 2
    fi
    touch "$DIR/service.enabled" "$DIR/service.active"
    ;;
  remove)
    rm -f "$DIR/service.enabled" "$DIR/service.active"
    ;;
esac
`,
	}
	for name, body := range scripts {
		content := prelude + strings.ReplaceAll(body, "ENGINE", f.Engine)
		if err := os.WriteFile(filepath.Join(f.BaseDir, name), []byte(content), 0755); err != nil {
			return err
		}
	}

	strategies := map[string]string{
		"zapret-latest/general.bat":         "--wf-tcp=80,443",
		"zapret-latest/general (ALT).bat":   "--wf-tcp=80,443 --alt",
		"zapret-latest/service_install.bat": "hidden",
		"custom-strategies/my-discord.bat":  "--wf-udp=50000-50100",
	}
	for rel, body := range strategies {
		if err := os.WriteFile(filepath.Join(f.BaseDir, rel), []byte(body), 0644); err != nil {
			return err
		}
	}

	return os.WriteFile(f.ResolvConf(), []byte("nameserver 192.168.1.1\n"), 0644)
}

// ResolvConf is the resolver file the stub dns.sh edits.
func (f *FakeZapret) ResolvConf() string {
	return filepath.Join(f.BaseDir, "resolv.conf")
}

// ConfigFile is the intent file the scripts read.
func (f *FakeZapret) ConfigFile() string {
	return filepath.Join(f.BaseDir, "conf.env")
}

// Calls returns the script invocations so far, oldest first.
func (f *FakeZapret) Calls() []string {
	data, err := os.ReadFile(filepath.Join(f.BaseDir, "calls.log"))
	if err != nil {
		return nil
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

// FailScript makes every later run of script exit 1.
func (f *FakeZapret) FailScript(script string) error {
	return os.WriteFile(filepath.Join(f.BaseDir, "fail."+script), nil, 0644)
}

// Service reports the fake unit state from marker files.
func (f *FakeZapret) Service() domain.ServiceQuerier {
	return &markerService{dir: f.BaseDir}
}

type markerService struct {
	dir string
}

func (s *markerService) IsEnabled(ctx context.Context) (bool, error) {
	return exists(filepath.Join(s.dir, "service.enabled")), nil
}

func (s *markerService) IsActive(ctx context.Context) (bool, error) {
	return exists(filepath.Join(s.dir, "service.active")), nil
}

func (s *markerService) Unit() string { return "zapretdeck-it.service" }

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
