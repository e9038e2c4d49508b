// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

const (
	// AutoDiscoverID is the strategy sentinel a caller passes to request auto-discovery.
	AutoDiscoverID = "auto"

	// AutoFoundID is the reserved strategy id persisted after a successful discovery.
	AutoFoundID = "auto_found.bat"

	// DefaultInterface is written when no interface was ever configured.
	DefaultInterface = "any"
)

// DNSProvider identifies a DNS override.
type DNSProvider string

const (
	// DNSUnset means the provider was never chosen (Intent only).
	DNSUnset DNSProvider = ""
	// DNSNone means no override is in effect, or the user explicitly removed it.
	DNSNone      DNSProvider = "none"
	DNSPrimary   DNSProvider = "primary"
	DNSSecondary DNSProvider = "secondary"
)

// ParseDNSProvider accepts the canonical names. The empty string is rejected.
func ParseDNSProvider(s string) (DNSProvider, bool) {
	switch DNSProvider(s) {
	case DNSNone, DNSPrimary, DNSSecondary:
		return DNSProvider(s), true
	}
	return DNSUnset, false
}

// IsOverride reports whether p names an actual resolver override.
func (p DNSProvider) IsOverride() bool {
	return p == DNSPrimary || p == DNSSecondary
}

func (p DNSProvider) String() string {
	if p == DNSUnset {
		return "unset"
	}
	return string(p)
}

// SessionState is a read of live OS state. It is never mutated by the orchestrator.
type SessionState struct {
	BypassRunning  bool        `json:"bypass_running"`
	ServiceEnabled bool        `json:"service_enabled"`
	ServiceActive  bool        `json:"service_active"`
	DNS            DNSProvider `json:"dns"`
}

// StateEvent is emitted by the monitor whenever a poll differs from the last emitted state.
type StateEvent struct {
	Seq      uint64
	State    SessionState
	Previous *SessionState // nil for the first event
	At       time.Time
}

// Intent is the durable record of what the user last asked for.
type Intent struct {
	Interface  string
	Strategy   string // empty = none selected
	DNS        DNSProvider
	GameFilter bool
}

// DefaultIntent returns the first-run intent.
func DefaultIntent() Intent {
	return Intent{Interface: DefaultInterface}
}

// StrategySource tells where a strategy file was found.
type StrategySource string

const (
	SourceCustom  StrategySource = "custom"
	SourceBundled StrategySource = "bundled"
)

// Strategy is an available named configuration artifact.
type Strategy struct {
	ID     string
	Source StrategySource
	Path   string
	Hidden bool
}

// SessionPhase is the orchestrator's view of the bypass session lifecycle.
type SessionPhase string

const (
	PhaseStopped         SessionPhase = "stopped"
	PhaseStarting        SessionPhase = "starting"
	PhaseAutoDiscovering SessionPhase = "auto_discovering"
	PhaseRunning         SessionPhase = "running"
	PhaseStopping        SessionPhase = "stopping"
)

// Transient reports whether the phase is an in-progress transition.
func (p SessionPhase) Transient() bool {
	switch p {
	case PhaseStarting, PhaseAutoDiscovering, PhaseStopping:
		return true
	}
	return false
}

// OperationKind enumerates privileged operations.
type OperationKind string

const (
	OpStartSession     OperationKind = "start_session"
	OpStopSession      OperationKind = "stop_session"
	OpInstallService   OperationKind = "install_service"
	OpRemoveService    OperationKind = "remove_service"
	OpSetDNS           OperationKind = "set_dns"
	OpUnsetDNS         OperationKind = "unset_dns"
	OpRunAutoDiscovery OperationKind = "run_auto_discovery"
	OpRestartService   OperationKind = "restart_service"
)

// OperationState is the lifecycle of a privileged operation.
type OperationState string

const (
	OpPending   OperationState = "pending"
	OpRunning   OperationState = "running"
	OpSucceeded OperationState = "succeeded"
	OpFailed    OperationState = "failed"
)

// Operation is one privileged unit of work, as recorded in the journal.
type Operation struct {
	ID          int64
	Kind        OperationKind
	State       OperationState
	Detail      string // provider, strategy, ...
	StartedAt   time.Time
	FinishedAt  time.Time
	ExitCode    int
	ErrorKind   ErrorKind
	Diagnostics string
}

// Duration returns how long the operation ran, or zero while unfinished.
func (o Operation) Duration() time.Duration {
	if o.FinishedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}
