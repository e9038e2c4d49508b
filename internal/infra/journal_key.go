package infra

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	journalKeyName = ".journal.key"
	journalKeySize = 32 // 256-bit SQLCipher key
)

// FileOwner is the account that should own what zapretdeck creates in the data dir.
type FileOwner struct {
	UID int
	GID int
}

// RealUserOwner returns the invoking user when running as root through sudo,
// so the journal under their home stays theirs. Otherwise it returns nil.
func RealUserOwner() (*FileOwner, error) {
	return ownerFor(unix.Geteuid(), os.Getenv("SUDO_UID"), os.Getenv("SUDO_GID"))
}

func ownerFor(euid int, sudoUID, sudoGID string) (*FileOwner, error) {
	if euid != 0 || sudoUID == "" {
		return nil, nil
	}
	uid, err := strconv.Atoi(sudoUID)
	if err != nil {
		return nil, errors.Wrapf(err, "parse SUDO_UID %q", sudoUID)
	}
	gid, err := strconv.Atoi(sudoGID)
	if err != nil {
		return nil, errors.Wrapf(err, "parse SUDO_GID %q", sudoGID)
	}
	if uid == 0 {
		return nil, nil
	}
	return &FileOwner{UID: uid, GID: gid}, nil
}

// chown hands path to the owner. A nil owner leaves it alone.
func (o *FileOwner) chown(path string) error {
	if o == nil {
		return nil
	}
	if err := os.Lchown(path, o.UID, o.GID); err != nil {
		return errors.Wrapf(err, "chown %s", path)
	}
	return nil
}

// loadJournalKey returns the key stored in dataDir, creating it on first use.
// The key is published with link(2), so processes racing on a first run all
// end up with the one key that made it to disk.
func loadJournalKey(dataDir string, owner *FileOwner) ([]byte, error) {
	path := filepath.Join(dataDir, journalKeyName)

	key, err := readJournalKey(path)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return key, err
	}

	key = make([]byte, journalKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "generate journal key")
	}

	tmp, err := os.CreateTemp(dataDir, journalKeyName+".*")
	if err != nil {
		return nil, errors.Wrap(err, "create journal key")
	}
	defer os.Remove(tmp.Name())

	_, werr := tmp.WriteString(base64.StdEncoding.EncodeToString(key) + "\n")
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return nil, errors.Wrap(werr, "write journal key")
	}
	if err := owner.chown(tmp.Name()); err != nil {
		return nil, err
	}

	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return readJournalKey(path)
		}
		return nil, errors.Wrap(err, "publish journal key")
	}
	return key, nil
}

func readJournalKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, errors.Wrapf(err, "decode journal key %s", path)
	}
	if len(key) != journalKeySize {
		return nil, errors.Errorf("journal key %s is %d bytes, want %d", path, len(key), journalKeySize)
	}
	return key, nil
}
