package infra

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/zapretdeck/internal/domain"
)

// DefaultLockFile is shared by every user on the host, so it lives in the
// system temp directory rather than under a per-user data dir.
var DefaultLockFile = filepath.Join(os.TempDir(), "zapretdeck.lock")

// lockRecord is written into the lock file while the lane is held so other
// processes can report what is in flight.
type lockRecord struct {
	Kind      domain.OperationKind `yaml:"kind"`
	Detail    string               `yaml:"detail,omitempty"`
	PID       int                  `yaml:"pid"`
	StartedAt time.Time            `yaml:"started_at"`
}

// FileOperationLock implements domain.OperationLock with flock(2).
// The kernel drops the lock when the holder exits, crashes included.
type FileOperationLock struct {
	path string

	mu   sync.Mutex
	file *os.File // non-nil while held
}

// NewFileOperationLock creates a lock on path. Nothing is opened until TryLock.
func NewFileOperationLock(path string) *FileOperationLock {
	return &FileOperationLock{path: path}
}

// Path returns the lock file path.
func (l *FileOperationLock) Path() string {
	return l.path
}

// TryLock takes an exclusive non-blocking flock and records op in the file.
func (l *FileOperationLock) TryLock(op domain.Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return domain.NewError(domain.KindBusy, fmt.Sprintf("%s in progress", op.Kind), nil)
	}

	f, writable, err := l.open()
	if err != nil {
		return domain.NewError(domain.KindIOError, l.path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return domain.NewError(domain.KindBusy, l.describeHolder(), nil)
		}
		return domain.NewError(domain.KindIOError, l.path, errors.Wrap(err, "acquire lock"))
	}

	if writable {
		// The record is informational; a failed write still holds the lane.
		_ = writeRecord(f, lockRecord{
			Kind:      op.Kind,
			Detail:    op.Detail,
			PID:       os.Getpid(),
			StartedAt: op.StartedAt,
		})
	}
	l.file = f
	return nil
}

// Unlock clears the record and drops the flock. Unlocking a free lock is a no-op.
func (l *FileOperationLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil

	_ = f.Truncate(0)
	err := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, "release lock")
	}
	return nil
}

// Holder reports the operation holding the lane, in this or any other process.
func (l *FileOperationLock) Holder() (*domain.Operation, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}
	defer f.Close()

	// A shared lock succeeds only while nobody holds the exclusive one.
	err = unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB)
	if err == nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return nil, nil
	}
	if !errors.Is(err, unix.EWOULDBLOCK) {
		return nil, errors.Wrap(err, "check lock")
	}

	rec, err := readRecord(f)
	if err != nil {
		// Held, but the record is not written yet or unreadable.
		return &domain.Operation{State: domain.OpRunning}, nil
	}
	return &domain.Operation{
		Kind:      rec.Kind,
		State:     domain.OpRunning,
		Detail:    rec.Detail,
		StartedAt: rec.StartedAt,
	}, nil
}

// open returns the lock file, creating it world-writable so a later run by
// another user can still record itself. A file it may not write is opened
// read-only, which is enough for flock.
func (l *FileOperationLock) open() (*os.File, bool, error) {
	f, err := os.OpenFile(l.path, os.O_RDWR, 0)
	if err == nil {
		return f, true, nil
	}

	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
			return nil, false, errors.Wrap(err, "create lock directory")
		}
		f, err = os.OpenFile(l.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if errors.Is(err, os.ErrExist) {
			// Lost the creation race to another process.
			return l.open()
		}
		if err != nil {
			return nil, false, errors.Wrap(err, "create lock file")
		}
		// Umask trims the mode at creation.
		_ = f.Chmod(0666)
		return f, true, nil
	case errors.Is(err, os.ErrPermission):
		f, err = os.Open(l.path)
		if err != nil {
			return nil, false, errors.Wrap(err, "open lock file")
		}
		return f, false, nil
	default:
		return nil, false, errors.Wrap(err, "open lock file")
	}
}

func (l *FileOperationLock) describeHolder() string {
	f, err := os.Open(l.path)
	if err != nil {
		return "another operation in progress"
	}
	defer f.Close()

	rec, err := readRecord(f)
	if err != nil || rec.Kind == "" {
		return "another operation in progress"
	}
	return fmt.Sprintf("%s in progress (pid %d)", rec.Kind, rec.PID)
}

func writeRecord(f *os.File, rec lockRecord) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err = f.WriteAt(data, 0)
	return err
}

func readRecord(f *os.File) (lockRecord, error) {
	var rec lockRecord
	data, err := io.ReadAll(io.NewSectionReader(f, 0, 1<<16))
	if err != nil {
		return rec, err
	}
	if len(data) == 0 {
		return rec, errors.New("empty lock record")
	}
	err = yaml.Unmarshal(data, &rec)
	return rec, err
}

// Ensure FileOperationLock implements domain.OperationLock.
var _ domain.OperationLock = (*FileOperationLock)(nil)
