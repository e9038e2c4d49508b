package infra

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/eliteGoblin/zapretdeck/internal/domain"
)

// Recognized conf.env keys.
const (
	keyInterface  = "interface"
	keyStrategy   = "strategy"
	keyGameFilter = "gamefilter"
	keyDNS        = "dns_provider"
	keyLegacyDNS  = "dns"
	keyAutoUpdate = "auto_update"
)

// FileIntentStore implements domain.IntentStore as a flat key=value file.
// The same file is read by the start script and the background service.
type FileIntentStore struct {
	path string
}

// NewFileIntentStore creates a store backed by path.
func NewFileIntentStore(path string) *FileIntentStore {
	return &FileIntentStore{path: path}
}

// Path returns the config file path.
func (s *FileIntentStore) Path() string {
	return s.path
}

// Load reads the intent. A missing file yields defaults; malformed lines and
// unknown keys are skipped.
func (s *FileIntentStore) Load() (domain.Intent, error) {
	intent := domain.DefaultIntent()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return intent, nil
		}
		return intent, domain.NewError(domain.KindIOError, s.path, errors.Wrap(err, "read config"))
	}

	var legacyDNS string
	sawDNS := false

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case keyInterface:
			if value != "" {
				intent.Interface = value
			}
		case keyStrategy:
			intent.Strategy = value
		case keyGameFilter:
			intent.GameFilter = parseBool(value)
		case keyDNS:
			if p, ok := domain.ParseDNSProvider(value); ok {
				intent.DNS = p
				sawDNS = true
			}
		case keyLegacyDNS:
			legacyDNS = value
		}
	}

	// Older releases wrote dns=enabled|disabled; enabled always meant the primary provider.
	if !sawDNS {
		switch legacyDNS {
		case "enabled":
			intent.DNS = domain.DNSPrimary
		case "disabled":
			intent.DNS = domain.DNSNone
		}
	}

	return intent, nil
}

// Save writes intent atomically. Concurrent writers are serialized with flock.
func (s *FileIntentStore) Save(intent domain.Intent) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return domain.NewError(domain.KindIOError, s.path, errors.Wrap(err, "create config directory"))
	}

	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return domain.NewError(domain.KindIOError, s.path, errors.Wrap(err, "open lock file"))
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return domain.NewError(domain.KindIOError, s.path, errors.Wrap(err, "acquire lock"))
	}
	defer func() { _ = unix.Flock(int(lockFile.Fd()), unix.LOCK_UN) }()

	if err := s.atomicWrite(encodeIntent(intent)); err != nil {
		return domain.NewError(domain.KindIOError, s.path, err)
	}
	return nil
}

func encodeIntent(intent domain.Intent) []byte {
	iface := intent.Interface
	if iface == "" {
		iface = domain.DefaultInterface
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s=%s\n", keyInterface, iface)
	fmt.Fprintf(&buf, "%s=%s\n", keyStrategy, intent.Strategy)
	fmt.Fprintf(&buf, "%s=%t\n", keyGameFilter, intent.GameFilter)
	if intent.DNS != domain.DNSUnset {
		fmt.Fprintf(&buf, "%s=%s\n", keyDNS, intent.DNS)
	}
	fmt.Fprintf(&buf, "%s=false\n", keyAutoUpdate)
	return buf.Bytes()
}

// atomicWrite writes to a temp file in the same directory, syncs, then renames.
func (s *FileIntentStore) atomicWrite(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".conf.env-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}

	// Scripts run as root but the GUI user must still be able to read it.
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return errors.Wrap(err, "chmod temp file")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return errors.Wrap(err, "rename temp file")
	}

	success = true
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on", "enabled":
		return true
	}
	return false
}

// Ensure FileIntentStore implements domain.IntentStore.
var _ domain.IntentStore = (*FileIntentStore)(nil)
