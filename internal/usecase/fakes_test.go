package usecase

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/zapretdeck/internal/domain"
)

// fakeHost simulates the machine: it executes commands against an in-memory
// OS state and answers the monitor's and service queries from that state.
type fakeHost struct {
	mu       sync.Mutex
	state    domain.SessionState
	calls    []string
	fail     map[string]error
	block    map[string]chan struct{}
	started  chan string
	password string
	catalog  *fakeCatalog
	events   chan domain.StateEvent

	inactiveAfterInstall bool
	dnsOverlap           bool
	restarts             int

	ifaces   []string
	ifaceErr error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		state:   domain.SessionState{DNS: domain.DNSNone},
		fail:    make(map[string]error),
		block:   make(map[string]chan struct{}),
		started: make(chan string, 32),
		events:  make(chan domain.StateEvent, 8),
		ifaces:  []string{"eth0", "wlan0"},
	}
}

// callKey turns a command into "script args" or "binary args", unwrapping sudo.
func callKey(c domain.Command) string {
	name, args := c.Name, c.Args
	if name == "sudo" {
		unwrapped := false
		for i, a := range args {
			if a == "--" {
				name, args = args[i+1], args[i+2:]
				unwrapped = true
				break
			}
		}
		if !unwrapped {
			return "sudo-probe"
		}
	}
	if name == "bash" && len(args) > 0 {
		name, args = filepath.Base(args[0]), args[1:]
	}
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}

func (h *fakeHost) Run(ctx context.Context, c domain.Command) (*domain.CommandResult, error) {
	key := callKey(c)

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	h.mu.Lock()
	h.calls = append(h.calls, key)
	block := h.block[key]
	failErr := h.fail[key]
	password := h.password
	h.mu.Unlock()

	select {
	case h.started <- key:
	default:
	}

	if key == "sudo-probe" {
		if strings.TrimSuffix(c.Stdin, "\n") != password {
			return &domain.CommandResult{ExitCode: 1}, domain.CommandFailed("sudo", 1, "Sorry, try again.")
		}
		return &domain.CommandResult{}, nil
	}
	if c.Name == "sudo" && !strings.HasPrefix(c.Stdin, password+"\n") {
		return &domain.CommandResult{ExitCode: 1}, domain.CommandFailed("sudo", 1, "incorrect password")
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &domain.CommandResult{ExitCode: -1}, domain.NewError(domain.KindTimeout, key, ctx.Err())
			}
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return &domain.CommandResult{ExitCode: 1}, failErr
	}

	h.apply(key)
	return &domain.CommandResult{}, nil
}

func (h *fakeHost) apply(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case key == "main_script.sh":
		h.state.BypassRunning = true
	case key == "main_script.sh auto":
		if h.catalog != nil {
			h.catalog.add(domain.Strategy{ID: domain.AutoFoundID, Source: domain.SourceCustom, Hidden: true})
		}
	case key == "stop_and_clean_nft.sh":
		h.state.BypassRunning = false
	case key == "service.sh install":
		h.state.ServiceEnabled = true
		h.state.ServiceActive = !h.inactiveAfterInstall
		h.state.BypassRunning = h.state.ServiceActive
	case key == "service.sh remove":
		h.state.ServiceEnabled = false
		h.state.ServiceActive = false
	case strings.HasPrefix(key, "systemctl stop"):
		h.state.ServiceActive = false
	case strings.HasPrefix(key, "systemctl restart"):
		h.restarts++
	case key == "dns.sh unset":
		h.state.DNS = domain.DNSNone
	case strings.HasPrefix(key, "dns.sh set "):
		next := domain.DNSProvider(strings.TrimPrefix(key, "dns.sh set "))
		if h.state.DNS.IsOverride() && h.state.DNS != next {
			h.dnsOverlap = true
		}
		h.state.DNS = next
	}
}

func (h *fakeHost) setState(fn func(s *domain.SessionState)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.state)
}

func (h *fakeHost) callLog() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *fakeHost) failOn(key string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail[key] = err
}

func (h *fakeHost) blockOn(key string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan struct{})
	h.block[key] = ch
	return ch
}

func (h *fakeHost) unblock(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.block, key)
}

// waitFor blocks until a call with key has started.
func (h *fakeHost) waitFor(key string) bool {
	timeout := time.After(2 * time.Second)
	for {
		select {
		case k := <-h.started:
			if k == key {
				return true
			}
		case <-timeout:
			return false
		}
	}
}

func (h *fakeHost) Poll(ctx context.Context) domain.SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *fakeHost) Subscribe(ctx context.Context) <-chan domain.StateEvent {
	return h.events
}

func (h *fakeHost) IsEnabled(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.ServiceEnabled, nil
}

func (h *fakeHost) IsActive(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.ServiceActive, nil
}

func (h *fakeHost) Unit() string { return "zapretdeck.service" }

func (h *fakeHost) Up(ctx context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ifaceErr != nil {
		return nil, h.ifaceErr
	}
	return append([]string(nil), h.ifaces...), nil
}

// fakeLock stands in for a lane held by another process.
type fakeLock struct {
	mu     sync.Mutex
	holder *domain.Operation
	held   bool
}

func (l *fakeLock) TryLock(op domain.Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != nil || l.held {
		return domain.NewError(domain.KindBusy, "another operation in progress", nil)
	}
	l.held = true
	return nil
}

func (l *fakeLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	return nil
}

func (l *fakeLock) Holder() (*domain.Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == nil {
		return nil, nil
	}
	op := *l.holder
	return &op, nil
}

func (l *fakeLock) set(op *domain.Operation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holder = op
}

// fakeStore is an in-memory IntentStore that keeps every save.
type fakeStore struct {
	mu      sync.Mutex
	intent  domain.Intent
	saves   []domain.Intent
	saveErr error
}

func newFakeStore(intent domain.Intent) *fakeStore {
	return &fakeStore{intent: intent}
}

func (s *fakeStore) Load() (domain.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intent, nil
}

func (s *fakeStore) Save(intent domain.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.intent = intent
	s.saves = append(s.saves, intent)
	return nil
}

func (s *fakeStore) Path() string { return "/tmp/conf.env" }

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

func (s *fakeStore) current() domain.Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intent
}

// fakeCatalog holds strategies in memory.
type fakeCatalog struct {
	mu         sync.Mutex
	strategies map[string]domain.Strategy
}

func newFakeCatalog(ids ...string) *fakeCatalog {
	c := &fakeCatalog{strategies: make(map[string]domain.Strategy)}
	for _, id := range ids {
		c.add(domain.Strategy{ID: id, Source: domain.SourceBundled})
	}
	return c
}

func (c *fakeCatalog) add(s domain.Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies[s.ID] = s
}

func (c *fakeCatalog) List(ctx context.Context) ([]domain.Strategy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Strategy
	for _, s := range c.strategies {
		if !s.Hidden {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *fakeCatalog) Lookup(ctx context.Context, id string) (*domain.Strategy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.strategies[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// fakePrompter hands out secrets in order.
type fakePrompter struct {
	mu      sync.Mutex
	secrets []string
	calls   int
}

func (p *fakePrompter) Prompt(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.secrets) == 0 {
		return "", errors.New("prompt declined")
	}
	s := p.secrets[0]
	p.secrets = p.secrets[1:]
	return s, nil
}

// fakeJournal records every state an operation passes through.
type fakeJournal struct {
	mu     sync.Mutex
	nextID int64
	states map[int64][]domain.OperationState
	final  map[int64]domain.Operation
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{
		states: make(map[int64][]domain.OperationState),
		final:  make(map[int64]domain.Operation),
	}
}

func (j *fakeJournal) Begin(op domain.Operation) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nextID++
	j.states[j.nextID] = []domain.OperationState{op.State}
	return j.nextID, nil
}

func (j *fakeJournal) SetState(id int64, state domain.OperationState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.states[id] = append(j.states[id], state)
	return nil
}

func (j *fakeJournal) Finish(op domain.Operation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.states[op.ID] = append(j.states[op.ID], op.State)
	j.final[op.ID] = op
	return nil
}

func (j *fakeJournal) Recent(limit int) ([]domain.Operation, error) { return nil, nil }

func (j *fakeJournal) Close() error { return nil }

var (
	_ domain.CommandExecutor    = (*fakeHost)(nil)
	_ domain.ServiceQuerier     = (*fakeHost)(nil)
	_ domain.InterfaceLister    = (*fakeHost)(nil)
	_ domain.OperationLock      = (*fakeLock)(nil)
	_ StateSource               = (*fakeHost)(nil)
	_ domain.IntentStore        = (*fakeStore)(nil)
	_ domain.StrategyCatalog    = (*fakeCatalog)(nil)
	_ domain.CredentialPrompter = (*fakePrompter)(nil)
	_ domain.OperationJournal   = (*fakeJournal)(nil)
)

func testRunnerConfig(root bool) RunnerConfig {
	return RunnerConfig{
		StartScript:   "/opt/zapretdeck/main_script.sh",
		StopScript:    "/opt/zapretdeck/stop_and_clean_nft.sh",
		DNSScript:     "/opt/zapretdeck/dns.sh",
		ServiceScript: "/opt/zapretdeck/service.sh",
		ServiceUnit:   "zapretdeck.service",
		Root:          root,
	}
}

type harness struct {
	host    *fakeHost
	store   *fakeStore
	catalog *fakeCatalog
	journal *fakeJournal
	runner  *Runner
	orch    *Orchestrator
}

func newHarness(intent domain.Intent, strategies ...string) *harness {
	h := &harness{
		host:    newFakeHost(),
		store:   newFakeStore(intent),
		catalog: newFakeCatalog(strategies...),
		journal: newFakeJournal(),
	}
	h.host.catalog = h.catalog
	h.runner = NewRunner(testRunnerConfig(true), h.host, nil, h.journal, zap.NewNop())
	h.orch = NewOrchestrator(DefaultOrchestratorConfig(), h.runner, h.store, h.catalog, h.host, h.host, h.host, zap.NewNop())
	h.orch.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return h
}
