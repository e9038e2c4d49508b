// Package usecase contains application business logic.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/zapretdeck/internal/domain"
)

// RunnerConfig holds the privileged collaborators and their time bounds.
type RunnerConfig struct {
	StartScript   string // main_script.sh
	StopScript    string // stop_and_clean_nft.sh
	DNSScript     string // dns.sh
	ServiceScript string // service.sh
	ServiceUnit   string

	// Root skips sudo entirely.
	Root bool

	StopTimeout      time.Duration
	StartTimeout     time.Duration
	DNSTimeout       time.Duration
	ServiceTimeout   time.Duration
	DiscoveryTimeout time.Duration
	RestartTimeout   time.Duration
	ProbeTimeout     time.Duration
}

// withDefaults fills in any zero timeout with its default.
func (c RunnerConfig) withDefaults() RunnerConfig {
	set := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}
	set(&c.StopTimeout, 15*time.Second)
	set(&c.StartTimeout, 15*time.Second)
	set(&c.DNSTimeout, 15*time.Second)
	set(&c.ServiceTimeout, 40*time.Second)
	set(&c.DiscoveryTimeout, 60*time.Second)
	set(&c.RestartTimeout, 30*time.Second)
	set(&c.ProbeTimeout, 10*time.Second)
	if c.ServiceUnit == "" {
		c.ServiceUnit = "zapretdeck.service"
	}
	return c
}

// Request is one privileged operation and its arguments.
type Request struct {
	Kind domain.OperationKind

	// Strategy is recorded for StartSession and RunAutoDiscovery.
	Strategy string

	// Provider is the target of SetDns.
	Provider domain.DNSProvider

	// ClearDNS runs "dns.sh unset" before SetDns applies Provider.
	ClearDNS bool

	// StopService stops the background unit before the cleanup script.
	StopService bool
}

// StepResult describes one external call of an operation.
type StepResult struct {
	Name        string
	ExitCode    int
	Diagnostics string
	Duration    time.Duration
	Skipped     bool // optional step that failed and was tolerated
}

// Result is what the runner reports back to the orchestrator.
type Result struct {
	Operation domain.Operation
	Steps     []StepResult

	// Strategy is the discovered strategy id after RunAutoDiscovery.
	Strategy string
}

type step struct {
	name     string
	cmd      domain.Command
	optional bool
}

// Runner executes privileged operations one at a time.
// A single mutex guards both the cached credential and the in-flight operation;
// the optional lock extends the one-at-a-time rule to other processes.
type Runner struct {
	config   RunnerConfig
	executor domain.CommandExecutor
	prompter domain.CredentialPrompter
	journal  domain.OperationJournal
	lock     domain.OperationLock
	logger   *zap.Logger

	mu      sync.Mutex
	cred    *Credential
	current *domain.Operation
}

// NewRunner creates a privileged command runner. prompter and journal may be nil.
func NewRunner(
	config RunnerConfig,
	executor domain.CommandExecutor,
	prompter domain.CredentialPrompter,
	journal domain.OperationJournal,
	logger *zap.Logger,
) *Runner {
	return NewRunnerWithLock(config, executor, prompter, journal, nil, logger)
}

// NewRunnerWithLock creates a runner whose operations also hold lock, so
// runners in separate processes exclude each other.
func NewRunnerWithLock(
	config RunnerConfig,
	executor domain.CommandExecutor,
	prompter domain.CredentialPrompter,
	journal domain.OperationJournal,
	lock domain.OperationLock,
	logger *zap.Logger,
) *Runner {
	return &Runner{
		config:   config.withDefaults(),
		executor: executor,
		prompter: prompter,
		journal:  journal,
		lock:     lock,
		logger:   logger,
	}
}

// Current returns a copy of the in-flight operation, or nil when idle.
// Without a local operation it reports whoever holds the shared lock.
func (r *Runner) Current() *domain.Operation {
	r.mu.Lock()
	if r.current != nil {
		op := *r.current
		r.mu.Unlock()
		return &op
	}
	r.mu.Unlock()

	if r.lock == nil {
		return nil
	}
	held, err := r.lock.Holder()
	if err != nil {
		r.logger.Debug("failed to read operation lock", zap.Error(err))
		return nil
	}
	return held
}

// Execute runs req. It fails with Busy while another operation is in flight,
// and the in-flight slot is released on every exit path, timeouts included.
func (r *Runner) Execute(ctx context.Context, req Request) (*Result, error) {
	op, err := r.admit(req)
	if err != nil {
		return nil, err
	}
	defer r.release()

	r.begin(op)

	var cred Credential
	if req.Kind == domain.OpRestartService {
		cred, err = r.cachedCredential(ctx)
	} else {
		cred, err = r.AcquireCredential(ctx)
	}
	if err != nil {
		return r.finish(op, nil, err), err
	}

	r.setState(op, domain.OpRunning)

	r.logger.Info("privileged operation started",
		zap.String("kind", string(req.Kind)),
		zap.String("detail", op.Detail),
		zap.String("as", cred.String()))

	steps, err := r.runSteps(ctx, cred, r.plan(req))
	result := r.finish(op, steps, err)
	if err == nil && req.Kind == domain.OpRunAutoDiscovery {
		result.Strategy = domain.AutoFoundID
	}
	return result, err
}

func (r *Runner) admit(req Request) (*domain.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		return nil, domain.NewError(domain.KindBusy,
			fmt.Sprintf("%s in progress", r.current.Kind), nil)
	}
	op := &domain.Operation{
		Kind:      req.Kind,
		State:     domain.OpPending,
		Detail:    detailOf(req),
		StartedAt: time.Now(),
	}
	if r.lock != nil {
		if err := r.lock.TryLock(*op); err != nil {
			return nil, err
		}
	}
	r.current = op
	return op, nil
}

func (r *Runner) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = nil
	if r.lock != nil {
		if err := r.lock.Unlock(); err != nil {
			r.logger.Warn("failed to release operation lock", zap.Error(err))
		}
	}
}

func (r *Runner) begin(op *domain.Operation) {
	if r.journal == nil {
		return
	}
	id, err := r.journal.Begin(*op)
	if err != nil {
		r.logger.Warn("failed to journal operation", zap.Error(err))
		return
	}
	r.mu.Lock()
	op.ID = id
	r.mu.Unlock()
}

func (r *Runner) setState(op *domain.Operation, state domain.OperationState) {
	r.mu.Lock()
	op.State = state
	id := op.ID
	r.mu.Unlock()

	if r.journal != nil && id != 0 {
		if err := r.journal.SetState(id, state); err != nil {
			r.logger.Warn("failed to journal operation state", zap.Error(err))
		}
	}
}

func (r *Runner) finish(op *domain.Operation, steps []StepResult, err error) *Result {
	r.mu.Lock()
	op.FinishedAt = time.Now()
	if err != nil {
		op.State = domain.OpFailed
		op.ErrorKind = domain.KindOf(err)
		var derr *domain.Error
		if errors.As(err, &derr) {
			op.ExitCode = derr.ExitCode
			op.Diagnostics = derr.Diagnostics
		}
	} else {
		op.State = domain.OpSucceeded
	}
	final := *op
	r.mu.Unlock()

	if r.journal != nil && final.ID != 0 {
		if jerr := r.journal.Finish(final); jerr != nil {
			r.logger.Warn("failed to journal operation result", zap.Error(jerr))
		}
	}

	if err != nil {
		r.logger.Warn("privileged operation failed",
			zap.String("kind", string(final.Kind)),
			zap.String("error_kind", string(final.ErrorKind)),
			zap.Duration("duration", final.Duration()),
			zap.Error(err))
	} else {
		r.logger.Info("privileged operation succeeded",
			zap.String("kind", string(final.Kind)),
			zap.Duration("duration", final.Duration()))
	}

	return &Result{Operation: final, Steps: steps}
}

// runSteps executes steps in order. A failed optional step is logged and
// skipped; any other failure ends the operation.
func (r *Runner) runSteps(ctx context.Context, cred Credential, steps []step) ([]StepResult, error) {
	results := make([]StepResult, 0, len(steps))
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res, err := r.executor.Run(ctx, cred.elevate(s.cmd))
		sr := StepResult{Name: s.name}
		if res != nil {
			sr.ExitCode = res.ExitCode
			sr.Duration = res.Duration
		}
		var derr *domain.Error
		if errors.As(err, &derr) {
			sr.Diagnostics = derr.Diagnostics
		}

		if err != nil && s.optional {
			r.logger.Warn("optional step failed, continuing",
				zap.String("step", s.name),
				zap.Error(err))
			sr.Skipped = true
			results = append(results, sr)
			continue
		}
		results = append(results, sr)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// plan maps a request to its external calls. Starting always cleans up first.
func (r *Runner) plan(req Request) []step {
	c := r.config
	switch req.Kind {
	case domain.OpStartSession:
		return []step{
			{name: "cleanup", cmd: script(c.StopScript, c.StopTimeout), optional: true},
			{name: "start", cmd: script(c.StartScript, c.StartTimeout)},
		}
	case domain.OpStopSession:
		var steps []step
		if req.StopService {
			steps = append(steps, step{name: "stop-service", cmd: systemctl("stop", c.ServiceUnit, c.ServiceTimeout)})
		}
		return append(steps, step{name: "cleanup", cmd: script(c.StopScript, c.StopTimeout)})
	case domain.OpInstallService:
		return []step{{name: "install", cmd: script(c.ServiceScript, c.ServiceTimeout, "install")}}
	case domain.OpRemoveService:
		return []step{{name: "remove", cmd: script(c.ServiceScript, c.ServiceTimeout, "remove")}}
	case domain.OpSetDNS:
		var steps []step
		if req.ClearDNS {
			steps = append(steps, step{name: "dns-unset", cmd: script(c.DNSScript, c.DNSTimeout, "unset")})
		}
		return append(steps, step{name: "dns-set", cmd: script(c.DNSScript, c.DNSTimeout, "set", string(req.Provider))})
	case domain.OpUnsetDNS:
		return []step{{name: "dns-unset", cmd: script(c.DNSScript, c.DNSTimeout, "unset")}}
	case domain.OpRunAutoDiscovery:
		return []step{
			{name: "cleanup", cmd: script(c.StopScript, c.StopTimeout), optional: true},
			{name: "discover", cmd: script(c.StartScript, c.DiscoveryTimeout, "auto")},
		}
	case domain.OpRestartService:
		return []step{{name: "restart-service", cmd: systemctl("restart", c.ServiceUnit, c.RestartTimeout)}}
	}
	return nil
}

func script(path string, timeout time.Duration, args ...string) domain.Command {
	return domain.Command{
		Name:     "bash",
		Args:     append([]string{path}, args...),
		Requires: []string{path},
		Timeout:  timeout,
	}
}

func systemctl(verb, unit string, timeout time.Duration) domain.Command {
	return domain.Command{
		Name:    "systemctl",
		Args:    []string{verb, unit},
		Timeout: timeout,
	}
}

func detailOf(req Request) string {
	switch req.Kind {
	case domain.OpSetDNS:
		return string(req.Provider)
	case domain.OpStartSession, domain.OpRunAutoDiscovery, domain.OpInstallService:
		return req.Strategy
	}
	return ""
}
