// Package daemon implements the background state monitor.
package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/zapretdeck/internal/domain"
)

// MonitorConfig holds state monitor configuration.
type MonitorConfig struct {
	PollInterval    time.Duration // How often to poll OS state (default 1.5s)
	QueryTimeout    time.Duration // Bound for each sub-query (default 5s)
	ProcessPattern  string        // Command-line pattern of the bypass engine
	SubscriberQueue int           // Per-subscriber buffer; oldest events dropped when full
}

// DefaultMonitorConfig returns default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval:    1500 * time.Millisecond,
		QueryTimeout:    5 * time.Second,
		ProcessPattern:  "nfqws",
		SubscriberQueue: 8,
	}
}

// Monitor polls authoritative OS state and emits edge-triggered change events.
// It never performs privileged actions and never stops on a query failure.
type Monitor struct {
	config    MonitorConfig
	processes domain.ProcessManager
	service   domain.ServiceQuerier
	dns       domain.DNSInspector
	logger    *zap.Logger

	// pollMu serializes whole polls so an older read never lands after a newer one.
	pollMu sync.Mutex

	mu      sync.Mutex
	last    domain.SessionState // last polled value, the fallback for failed queries
	emitted *domain.SessionState
	seq     uint64
	subs    map[chan domain.StateEvent]struct{}
	closed  bool
}

// NewMonitor creates a new state monitor.
func NewMonitor(
	config MonitorConfig,
	processes domain.ProcessManager,
	service domain.ServiceQuerier,
	dns domain.DNSInspector,
	logger *zap.Logger,
) *Monitor {
	if config.SubscriberQueue < 1 {
		config.SubscriberQueue = 1
	}
	return &Monitor{
		config:    config,
		processes: processes,
		service:   service,
		dns:       dns,
		logger:    logger,
		last:      domain.SessionState{DNS: domain.DNSNone},
		subs:      make(map[chan domain.StateEvent]struct{}),
	}
}

// Run starts the polling loop and blocks until ctx is canceled.
// All subscriber channels are closed on return.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("state monitor started",
		zap.Duration("interval", m.config.PollInterval))

	defer m.closeSubscribers()

	m.tick(ctx)

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("state monitor stopping")
			return ctx.Err()

		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// Subscribe returns a stream of change events. The stream ends when ctx is
// done or the monitor stops. A slow reader loses the oldest buffered events,
// never the newest.
func (m *Monitor) Subscribe(ctx context.Context) <-chan domain.StateEvent {
	ch := make(chan domain.StateEvent, m.config.SubscriberQueue)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch
	}
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.unsubscribe(ch)
	}()
	return ch
}

// Poll reads the current OS state. A failed or timed-out sub-query keeps the
// previously known value for its field.
func (m *Monitor) Poll(ctx context.Context) domain.SessionState {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	return m.poll(ctx)
}

// poll runs the sub-queries; the caller holds pollMu.
func (m *Monitor) poll(ctx context.Context) domain.SessionState {
	m.mu.Lock()
	prev := m.last
	m.mu.Unlock()

	next := prev

	if pids, err := m.query(ctx, "process", func(qctx context.Context) (interface{}, error) {
		return m.processes.FindByCmdline(qctx, m.config.ProcessPattern)
	}); err == nil {
		next.BypassRunning = len(pids.([]int)) > 0
	}

	if enabled, err := m.query(ctx, "service_enabled", func(qctx context.Context) (interface{}, error) {
		return m.service.IsEnabled(qctx)
	}); err == nil {
		next.ServiceEnabled = enabled.(bool)
	}

	if active, err := m.query(ctx, "service_active", func(qctx context.Context) (interface{}, error) {
		return m.service.IsActive(qctx)
	}); err == nil {
		next.ServiceActive = active.(bool)
	}

	if provider, err := m.query(ctx, "dns", func(qctx context.Context) (interface{}, error) {
		return m.dns.Current(qctx)
	}); err == nil {
		next.DNS = provider.(domain.DNSProvider)
	}

	m.mu.Lock()
	m.last = next
	m.mu.Unlock()
	return next
}

// Last returns the most recently polled state without querying the OS.
func (m *Monitor) Last() domain.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// query runs one bounded sub-query. Failures are logged, never propagated further.
func (m *Monitor) query(ctx context.Context, name string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	qctx, cancel := context.WithTimeout(ctx, m.config.QueryTimeout)
	defer cancel()

	type outcome struct {
		v   interface{}
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(qctx)
		done <- outcome{v, err}
	}()

	// Queries that ignore their context still cannot hold up the loop.
	select {
	case o := <-done:
		if o.err != nil {
			m.logger.Warn("state query failed, keeping previous value",
				zap.String("query", name),
				zap.Error(o.err))
		}
		return o.v, o.err
	case <-qctx.Done():
		m.logger.Warn("state query timed out, keeping previous value",
			zap.String("query", name),
			zap.Duration("timeout", m.config.QueryTimeout))
		return nil, qctx.Err()
	}
}

// tick polls once and emits an event if the state differs from the last emitted one.
func (m *Monitor) tick(ctx context.Context) {
	// Emitting under pollMu keeps events in the order the reads completed.
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	state := m.poll(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.emitted != nil && *m.emitted == state {
		return
	}

	m.seq++
	ev := domain.StateEvent{
		Seq:      m.seq,
		State:    state,
		Previous: m.emitted,
		At:       time.Now(),
	}
	s := state
	m.emitted = &s

	m.logger.Debug("session state changed",
		zap.Uint64("seq", ev.Seq),
		zap.Bool("bypass_running", state.BypassRunning),
		zap.Bool("service_enabled", state.ServiceEnabled),
		zap.Bool("service_active", state.ServiceActive),
		zap.String("dns", state.DNS.String()))

	for ch := range m.subs {
		deliver(ch, ev)
	}
}

// deliver never blocks: when the buffer is full the oldest event is dropped.
// Only the monitor sends, under m.mu, so a freed slot stays free.
func deliver(ch chan domain.StateEvent, ev domain.StateEvent) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

func (m *Monitor) unsubscribe(ch chan domain.StateEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Monitor) closeSubscribers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for ch := range m.subs {
		delete(m.subs, ch)
		close(ch)
	}
}
