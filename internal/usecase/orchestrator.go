package usecase

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/zapretdeck/internal/domain"
)

// StateSource is the read side of the state monitor.
type StateSource interface {
	Poll(ctx context.Context) domain.SessionState
	Subscribe(ctx context.Context) <-chan domain.StateEvent
}

// OrchestratorConfig holds orchestrator tuning.
type OrchestratorConfig struct {
	ConfirmAttempts int           // IsActive checks after enabling the service (default 15)
	ConfirmInterval time.Duration // Delay between checks (default 1s)
}

// DefaultOrchestratorConfig returns default orchestrator configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		ConfirmAttempts: 15,
		ConfirmInterval: time.Second,
	}
}

// Status is everything a consumer needs to render the session.
type Status struct {
	State    domain.SessionState
	Intent   domain.Intent
	Phase    domain.SessionPhase
	InFlight *domain.Operation
}

// RestartError reports that the new intent was saved but the running
// service could not be restarted to pick it up. The intent is kept.
type RestartError struct {
	Err error
}

func (e *RestartError) Error() string {
	return fmt.Sprintf("settings saved, but service restart failed: %v", e.Err)
}

func (e *RestartError) Unwrap() error { return e.Err }

// Orchestrator is the only entry point for UI and CLI consumers.
// It keeps desired state (Intent) and observed state (SessionState) apart:
// the store changes only after a successful operation, and the phase is
// always corrected by what the monitor observes.
type Orchestrator struct {
	config  OrchestratorConfig
	runner  *Runner
	store   domain.IntentStore
	catalog domain.StrategyCatalog
	monitor StateSource
	service domain.ServiceQuerier
	ifaces  domain.InterfaceLister
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	phase domain.SessionPhase
	busy  bool
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(
	config OrchestratorConfig,
	runner *Runner,
	store domain.IntentStore,
	catalog domain.StrategyCatalog,
	monitor StateSource,
	service domain.ServiceQuerier,
	ifaces domain.InterfaceLister,
	logger *zap.Logger,
) *Orchestrator {
	if config.ConfirmAttempts < 1 {
		config.ConfirmAttempts = 1
	}
	return &Orchestrator{
		config:  config,
		runner:  runner,
		store:   store,
		catalog: catalog,
		monitor: monitor,
		service: service,
		ifaces:  ifaces,
		logger:  logger,
		sleep:   sleepCtx,
		phase:   domain.PhaseStopped,
	}
}

// RequestStart starts the bypass session with strategyID, or discovers a
// strategy first when strategyID is domain.AutoDiscoverID. An earlier
// discovery result is reused unless rediscover is set.
func (o *Orchestrator) RequestStart(ctx context.Context, strategyID string, rediscover bool) error {
	if err := o.validateStart(ctx, strategyID); err != nil {
		return err
	}

	if err := o.enterSession(ctx, domain.PhaseStarting, func(p domain.SessionPhase) error {
		if p == domain.PhaseRunning {
			return domain.NewError(domain.KindPreconditionFailed, "session already running, stop it first", nil)
		}
		return nil
	}); err != nil {
		return err
	}
	defer o.leave(ctx)

	target := strategyID
	if strategyID == domain.AutoDiscoverID {
		found, err := o.discover(ctx, rediscover)
		if err != nil {
			return err
		}
		target = found
		o.setPhase(domain.PhaseStarting)
	}

	prev, err := o.store.Load()
	if err != nil {
		return err
	}

	// The start script reads the config file, so the candidate intent is
	// written first and put back if the start fails.
	candidate := prev
	candidate.Strategy = target
	staged := candidate != prev
	if staged {
		if err := o.store.Save(candidate); err != nil {
			return err
		}
	}

	if _, err := o.runner.Execute(ctx, Request{Kind: domain.OpStartSession, Strategy: target}); err != nil {
		if staged {
			if rerr := o.store.Save(prev); rerr != nil {
				o.logger.Error("failed to restore previous intent",
					zap.String("strategy", prev.Strategy),
					zap.Error(rerr))
			}
		}
		return err
	}

	o.logger.Info("session started", zap.String("strategy", target))
	return nil
}

func (o *Orchestrator) validateStart(ctx context.Context, strategyID string) error {
	if strategyID == "" {
		return domain.NewError(domain.KindInvalidStrategy, "no strategy selected", nil)
	}
	if strategyID != domain.AutoDiscoverID {
		s, err := o.catalog.Lookup(ctx, strategyID)
		if err != nil {
			return err
		}
		if s == nil {
			return domain.NewError(domain.KindInvalidStrategy, strategyID, nil)
		}
	}

	intent, err := o.store.Load()
	if err != nil {
		return err
	}
	return o.requireInterface(ctx, intent.Interface)
}

// requireInterface checks the configured interface before the scripts bind
// to it. An unreadable interface list is logged and not held against the user.
func (o *Orchestrator) requireInterface(ctx context.Context, name string) error {
	if name == "" {
		return domain.NewError(domain.KindPreconditionFailed, "select a network interface first", nil)
	}
	if name == domain.DefaultInterface || o.ifaces == nil {
		return nil
	}
	up, err := o.ifaces.Up(ctx)
	if err != nil {
		o.logger.Warn("could not list network interfaces", zap.String("interface", name), zap.Error(err))
		return nil
	}
	if !slices.Contains(up, name) {
		return domain.NewError(domain.KindPreconditionFailed,
			fmt.Sprintf("interface %s is not up, select another", name), nil)
	}
	return nil
}

// discover returns the strategy to start: the previous discovery result when
// one exists, otherwise the result of a fresh discovery run.
func (o *Orchestrator) discover(ctx context.Context, rediscover bool) (string, error) {
	if !rediscover {
		if s, err := o.catalog.Lookup(ctx, domain.AutoFoundID); err == nil && s != nil {
			o.logger.Info("reusing discovered strategy", zap.String("path", s.Path))
			return s.ID, nil
		}
	}

	o.setPhase(domain.PhaseAutoDiscovering)
	res, err := o.runner.Execute(ctx, Request{Kind: domain.OpRunAutoDiscovery, Strategy: domain.AutoDiscoverID})
	if err != nil {
		return "", err
	}

	s, err := o.catalog.Lookup(ctx, res.Strategy)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", domain.NewError(domain.KindNotFound, "discovery finished without "+res.Strategy, nil)
	}
	return s.ID, nil
}

// RequestStop stops the session. It is always safe to call and never
// changes the persisted intent.
func (o *Orchestrator) RequestStop(ctx context.Context) error {
	if err := o.enterSession(ctx, domain.PhaseStopping, func(domain.SessionPhase) error {
		return nil
	}); err != nil {
		return err
	}
	defer o.leave(ctx)

	// The service would bring the engine straight back.
	serviceActive, err := o.service.IsActive(ctx)
	if err != nil {
		o.logger.Warn("could not query service, stopping session only", zap.Error(err))
	}

	if _, err := o.runner.Execute(ctx, Request{Kind: domain.OpStopSession, StopService: serviceActive}); err != nil {
		return err
	}
	o.logger.Info("session stopped")
	return nil
}

// RequestServiceToggle installs or removes the background service.
// Enabling needs a selected strategy and waits for the unit to become active;
// an installed but inactive unit is reported as ServiceStartTimeout and left in place.
func (o *Orchestrator) RequestServiceToggle(ctx context.Context, enable bool) error {
	if err := o.acquire(); err != nil {
		return err
	}
	defer o.leave(ctx)

	if !enable {
		_, err := o.runner.Execute(ctx, Request{Kind: domain.OpRemoveService})
		return err
	}

	intent, err := o.store.Load()
	if err != nil {
		return err
	}
	if intent.Strategy == "" {
		return domain.NewError(domain.KindPreconditionFailed, "select a strategy before enabling the service", nil)
	}
	if err := o.requireInterface(ctx, intent.Interface); err != nil {
		return err
	}
	if s, err := o.catalog.Lookup(ctx, intent.Strategy); err != nil {
		return err
	} else if s == nil {
		return domain.NewError(domain.KindPreconditionFailed,
			fmt.Sprintf("selected strategy %s no longer exists", intent.Strategy), nil)
	}

	if _, err := o.runner.Execute(ctx, Request{Kind: domain.OpInstallService, Strategy: intent.Strategy}); err != nil {
		return err
	}
	return o.confirmActive(ctx)
}

func (o *Orchestrator) confirmActive(ctx context.Context) error {
	for attempt := 1; attempt <= o.config.ConfirmAttempts; attempt++ {
		active, err := o.service.IsActive(ctx)
		if err == nil && active {
			o.logger.Info("service active", zap.Int("attempt", attempt))
			return nil
		}
		if attempt < o.config.ConfirmAttempts {
			if err := o.sleep(ctx, o.config.ConfirmInterval); err != nil {
				return err
			}
		}
	}
	return domain.NewError(domain.KindServiceStartTimeout,
		fmt.Sprintf("%s installed but not active after %d checks", o.service.Unit(), o.config.ConfirmAttempts), nil)
}

// RequestDNSChange applies provider, or removes any override for domain.DNSNone.
// A different active provider is always cleared before the new one is set.
func (o *Orchestrator) RequestDNSChange(ctx context.Context, provider domain.DNSProvider) error {
	if provider == domain.DNSUnset {
		return domain.NewError(domain.KindPreconditionFailed, "no DNS provider given", nil)
	}
	if err := o.acquire(); err != nil {
		return err
	}
	defer o.leave(ctx)

	intent, err := o.store.Load()
	if err != nil {
		return err
	}
	state := o.monitor.Poll(ctx)

	req := Request{Kind: domain.OpUnsetDNS}
	if provider.IsOverride() {
		req = Request{
			Kind:     domain.OpSetDNS,
			Provider: provider,
			ClearDNS: otherOverride(state.DNS, provider) || otherOverride(intent.DNS, provider),
		}
	}
	if _, err := o.runner.Execute(ctx, req); err != nil {
		return err
	}

	intent.DNS = provider
	if err := o.store.Save(intent); err != nil {
		return err
	}
	o.logger.Info("dns changed", zap.String("provider", provider.String()))

	if state.ServiceActive {
		return o.silentRestart(ctx)
	}
	return nil
}

func otherOverride(current, next domain.DNSProvider) bool {
	return current.IsOverride() && current != next
}

// SelectStrategy records the strategy for the next start without starting it.
func (o *Orchestrator) SelectStrategy(ctx context.Context, strategyID string) error {
	s, err := o.catalog.Lookup(ctx, strategyID)
	if err != nil {
		return err
	}
	if s == nil {
		return domain.NewError(domain.KindInvalidStrategy, strategyID, nil)
	}
	return o.updateIntent(ctx, func(in *domain.Intent) { in.Strategy = s.ID })
}

// Interfaces lists what SelectInterface accepts: domain.DefaultInterface
// followed by every interface that is up.
func (o *Orchestrator) Interfaces(ctx context.Context) ([]string, error) {
	names := []string{domain.DefaultInterface}
	if o.ifaces == nil {
		return names, nil
	}
	up, err := o.ifaces.Up(ctx)
	if err != nil {
		return nil, domain.NewError(domain.KindIOError, "list network interfaces", err)
	}
	return append(names, up...), nil
}

// SelectInterface records the interface the session binds to.
func (o *Orchestrator) SelectInterface(ctx context.Context, name string) error {
	names, err := o.Interfaces(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(names, name) {
		return domain.NewError(domain.KindPreconditionFailed,
			fmt.Sprintf("interface %q is not up (available: %v)", name, names), nil)
	}
	return o.updateIntent(ctx, func(in *domain.Intent) { in.Interface = name })
}

// SetGameFilter toggles the game filter flag in the intent.
func (o *Orchestrator) SetGameFilter(ctx context.Context, enabled bool) error {
	return o.updateIntent(ctx, func(in *domain.Intent) { in.GameFilter = enabled })
}

// updateIntent saves a settings-only change and restarts an active service so
// it picks the change up. A failed restart does not undo the save.
func (o *Orchestrator) updateIntent(ctx context.Context, mutate func(*domain.Intent)) error {
	if err := o.acquire(); err != nil {
		return err
	}
	defer o.leave(ctx)

	intent, err := o.store.Load()
	if err != nil {
		return err
	}
	next := intent
	mutate(&next)
	if next == intent {
		return nil
	}
	if err := o.store.Save(next); err != nil {
		return err
	}

	active, err := o.service.IsActive(ctx)
	if err != nil || !active {
		return nil
	}
	// A settings change may be the first privileged need of this process.
	if !o.runner.HasCredential() {
		if _, err := o.runner.AcquireCredential(ctx); err != nil {
			return &RestartError{Err: err}
		}
	}
	return o.silentRestart(ctx)
}

// silentRestart restarts the active service with the cached credential.
func (o *Orchestrator) silentRestart(ctx context.Context) error {
	if _, err := o.runner.Execute(ctx, Request{Kind: domain.OpRestartService}); err != nil {
		o.logger.Warn("silent service restart failed", zap.Error(err))
		return &RestartError{Err: err}
	}
	o.logger.Info("service restarted with new settings")
	return nil
}

// Status polls the OS and combines it with the stored intent.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	state := o.monitor.Poll(ctx)
	o.observe(state)

	intent, err := o.store.Load()
	if err != nil {
		return nil, err
	}

	return &Status{
		State:    state,
		Intent:   intent,
		Phase:    o.Phase(),
		InFlight: o.runner.Current(),
	}, nil
}

func phaseForOperation(kind domain.OperationKind) (domain.SessionPhase, bool) {
	switch kind {
	case domain.OpStartSession:
		return domain.PhaseStarting, true
	case domain.OpRunAutoDiscovery:
		return domain.PhaseAutoDiscovering, true
	case domain.OpStopSession:
		return domain.PhaseStopping, true
	}
	return "", false
}

// Strategies lists the user-visible strategies.
func (o *Orchestrator) Strategies(ctx context.Context) ([]domain.Strategy, error) {
	return o.catalog.List(ctx)
}

// Phase returns the current session phase. While this orchestrator is not
// itself mid-transition, a start, discovery or stop running in another
// process shows as the matching transient phase.
func (o *Orchestrator) Phase() domain.SessionPhase {
	o.mu.Lock()
	phase := o.phase
	o.mu.Unlock()

	if phase.Transient() {
		return phase
	}
	if op := o.runner.Current(); op != nil {
		if p, ok := phaseForOperation(op.Kind); ok {
			return p
		}
	}
	return phase
}

// Run follows monitor events and corrects the phase until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	events := o.monitor.Subscribe(ctx)
	for ev := range events {
		o.observe(ev.State)
	}
	return ctx.Err()
}

// observe lets observed state win over the assumed phase, except while
// this orchestrator is itself mid-transition.
func (o *Orchestrator) observe(state domain.SessionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy {
		return
	}
	next := phaseFor(state)
	if next != o.phase {
		o.logger.Debug("session phase reconciled",
			zap.String("from", string(o.phase)),
			zap.String("to", string(next)))
		o.phase = next
	}
}

func phaseFor(state domain.SessionState) domain.SessionPhase {
	if state.BypassRunning {
		return domain.PhaseRunning
	}
	return domain.PhaseStopped
}

// acquire claims the request lane; a second concurrent request gets Busy.
func (o *Orchestrator) acquire() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy || o.runner.Current() != nil {
		return domain.NewError(domain.KindBusy, fmt.Sprintf("session %s", o.phase), nil)
	}
	o.busy = true
	return nil
}

// enterSession claims the lane, refreshes the phase from a fresh poll and
// moves to next if check allows the transition.
func (o *Orchestrator) enterSession(ctx context.Context, next domain.SessionPhase, check func(domain.SessionPhase) error) error {
	if err := o.acquire(); err != nil {
		return err
	}
	state := o.monitor.Poll(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.phase = phaseFor(state)
	if err := check(o.phase); err != nil {
		o.busy = false
		return err
	}
	o.phase = next
	return nil
}

func (o *Orchestrator) setPhase(p domain.SessionPhase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phase = p
}

// leave releases the lane and settles the phase on observed state.
func (o *Orchestrator) leave(ctx context.Context) {
	state := o.monitor.Poll(ctx)
	o.mu.Lock()
	o.busy = false
	o.mu.Unlock()
	o.observe(state)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
