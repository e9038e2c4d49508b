package domain

import (
	"context"
	"time"
)

// ProcessManager handles OS process lookups.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindByCmdline returns PIDs whose command line contains pattern (pgrep -f semantics).
	FindByCmdline(ctx context.Context, pattern string) ([]int, error)
}

// ServiceQuerier answers read-only questions about the background unit.
// Never requires elevation.
type ServiceQuerier interface {
	IsEnabled(ctx context.Context) (bool, error)
	IsActive(ctx context.Context) (bool, error)

	// Unit returns the unit name (e.g. "zapretdeck.service").
	Unit() string
}

// DNSInspector infers which DNS override is in effect from resolver configuration.
type DNSInspector interface {
	Current(ctx context.Context) (DNSProvider, error)
}

// IntentStore persists Intent durably and atomically.
type IntentStore interface {
	// Load never fails for a missing file; it returns DefaultIntent.
	Load() (Intent, error)

	// Save writes the whole intent in one atomic operation.
	Save(intent Intent) error

	// Path returns the backing file path.
	Path() string
}

// StrategyCatalog enumerates strategy files.
type StrategyCatalog interface {
	// List returns visible strategies, sorted by id, de-duplicated (custom wins).
	List(ctx context.Context) ([]Strategy, error)

	// Lookup resolves id among visible strategies and reserved hidden ones.
	Lookup(ctx context.Context, id string) (*Strategy, error)
}

// OperationJournal records the lifecycle of privileged operations.
// Implementation: SQLCipher encrypted database.
type OperationJournal interface {
	// Begin stores a new operation and returns its id.
	Begin(op Operation) (int64, error)

	// SetState moves an operation to a non-terminal state.
	SetState(id int64, state OperationState) error

	// Finish records the terminal state of an operation.
	Finish(op Operation) error

	// Recent returns the newest operations first.
	Recent(limit int) ([]Operation, error)

	Close() error
}

// OperationLock is the host-wide request lane shared by every process.
// Implementation: flock(2) on a well-known file.
type OperationLock interface {
	// TryLock claims the lane for op without waiting. A held lane is a
	// Busy error naming the holder.
	TryLock(op Operation) error

	// Unlock gives the lane back.
	Unlock() error

	// Holder returns the operation holding the lane, or nil when it is free.
	Holder() (*Operation, error)
}

// InterfaceLister enumerates network interfaces the session can bind to.
type InterfaceLister interface {
	// Up returns the names of interfaces that are up, loopback excluded.
	Up(ctx context.Context) ([]string, error)
}

// CredentialPrompter asks the user for the elevation secret.
type CredentialPrompter interface {
	// Prompt returns the secret, or an error if the user declined.
	Prompt(ctx context.Context) (string, error)
}

// Command describes one external process invocation.
type Command struct {
	Name     string // binary name or absolute path
	Args     []string
	Requires []string // files that must exist (scripts handed to bash)
	Stdin    string
	Timeout  time.Duration
}

// CommandResult is what an external process left behind.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// CommandExecutor runs external processes with a hard timeout.
// Errors are *Error of kind NotFound, Timeout or CommandFailed.
type CommandExecutor interface {
	Run(ctx context.Context, cmd Command) (*CommandResult, error)
}
