package sandbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Transition records one lifecycle state change
type Transition struct {
	ID      string
	Backend string
	From    State
	To      State
	At      time.Time
	Detail  string
}

// Observer is notified of every state change. Calls are synchronous and must
// not call back into the Registry.
type Observer interface {
	OnTransition(t Transition)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(t Transition)

// OnTransition calls f(t)
func (f ObserverFunc) OnTransition(t Transition) { f(t) }

var validTransitions = map[State][]State{
	"":           {StatePending},
	StatePending: {StateReady, StateFailed},
	StateReady:   {StateClosing, StateFailed},
	StateClosing: {StateClosed},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type handle struct {
	id        string
	backend   string
	createdAt time.Time
	adapter   Backend

	// opMu serializes lifecycle and capability calls for this sandbox
	opMu sync.Mutex

	mu           sync.Mutex
	state        State
	lastActivity time.Time
}

func (h *handle) snapshot() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		ID:           h.id,
		Backend:      h.backend,
		State:        h.state,
		CreatedAt:    h.createdAt,
		LastActivity: h.lastActivity,
		Resource:     h.adapter.Resource(),
	}
}

func (h *handle) getState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *handle) touch(t time.Time) {
	h.mu.Lock()
	h.lastActivity = t
	h.mu.Unlock()
}

func (h *handle) idleSince() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity
}

// Registry tracks live sandboxes and drives their lifecycle
type Registry struct {
	logger       *zap.Logger
	factory      *Factory
	observers    []Observer
	newID        func() string
	now          func() time.Time
	closeTimeout time.Duration

	mu      sync.RWMutex
	handles map[string]*handle
}

// RegistryOption defines a functional option for Registry
type RegistryOption func(*Registry)

// WithObserver adds a lifecycle observer
func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) {
		r.observers = append(r.observers, o)
	}
}

// WithIDGenerator replaces the UUID identifier source
func WithIDGenerator(fn func() string) RegistryOption {
	return func(r *Registry) {
		r.newID = fn
	}
}

// WithClock replaces time.Now
func WithClock(fn func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = fn
	}
}

// WithCloseTimeout bounds each backend Close call
func WithCloseTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.closeTimeout = d
	}
}

// NewRegistry creates a Registry backed by factory
func NewRegistry(logger *zap.Logger, factory *Factory, opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:       logger,
		factory:      factory,
		newID:        uuid.NewString,
		now:          time.Now,
		closeTimeout: 10 * time.Second,
		handles:      make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Types lists the backend names sandboxes can be created with
func (r *Registry) Types() []string {
	return r.factory.Types()
}

// Create allocates a sandbox and returns its identifier once it is Ready.
// Configuration is validated before anything is stored, so UnknownBackend
// and InvalidConfig failures leave no trace.
func (r *Registry) Create(ctx context.Context, backendType string, cfg BackendConfig) (string, error) {
	adapter, err := r.factory.Create(backendType, cfg)
	if err != nil {
		return "", err
	}

	now := r.now()
	h := &handle{
		id:           r.newID(),
		backend:      backendType,
		createdAt:    now,
		adapter:      adapter,
		lastActivity: now,
	}

	h.opMu.Lock()
	defer h.opMu.Unlock()

	r.mu.Lock()
	if _, exists := r.handles[h.id]; exists {
		r.mu.Unlock()
		return "", newError(KindBackendUnavailable, "create", "identifier %s already in use", h.id)
	}
	r.handles[h.id] = h
	r.mu.Unlock()

	log := r.logger.With(zap.String("session_id", h.id), zap.String("backend", backendType))
	r.setState(h, StatePending, "")

	if err := adapter.Initialize(ctx); err != nil {
		initErr := initError(err)
		r.fail(h, initErr)
		log.Warn("sandbox initialization failed", zap.Error(initErr))
		return "", initErr
	}

	if len(cfg.Seed) > 0 {
		if err := seedWorkspace(ctx, adapter, cfg.Seed, nil, cfg.maxFileSize()); err != nil {
			seedErr := Normalize("seed", err)
			r.fail(h, seedErr)
			log.Warn("sandbox workspace seeding failed", zap.Error(seedErr))
			return "", seedErr
		}
	}

	// idle time counts from readiness, not from the start of a slow pull
	h.touch(r.now())
	r.setState(h, StateReady, "")
	log.Info("sandbox ready", zap.String("resource", adapter.Resource()))
	return h.id, nil
}

// initError keeps typed adapter errors and maps anything else, including
// deadline expiry, to BackendUnavailable.
func initError(err error) *Error {
	se := Normalize("initialize", err)
	if se.Kind == KindExecutionTimeout {
		return wrapError(KindBackendUnavailable, "initialize", err)
	}
	return se
}

// Status returns a snapshot of the sandbox. It never waits on backend calls.
func (r *Registry) Status(id string) (Status, error) {
	h, ok := r.lookup(id)
	if !ok {
		return Status{}, newError(KindNotFound, "status", "sandbox %s not found", id)
	}
	return h.snapshot(), nil
}

// List returns snapshots of all tracked sandboxes ordered by creation time
func (r *Registry) List() []Status {
	r.mu.RLock()
	handles := make([]*handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	out := make([]Status, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// WithSandbox runs fn against the sandbox's backend while holding its
// operation lock. It is the only way capability calls reach a backend.
func (r *Registry) WithSandbox(ctx context.Context, id string, fn func(ctx context.Context, b Backend) error) error {
	h, ok := r.lookup(id)
	if !ok {
		return newError(KindNotFound, "", "sandbox %s not found", id)
	}

	if st := h.getState(); st == StatePending || st == StateClosing {
		return newError(KindInvalidState, "", "sandbox %s is %s", id, st)
	}

	h.opMu.Lock()
	defer h.opMu.Unlock()

	switch st := h.getState(); st {
	case StateReady:
	case StateClosed, StateFailed:
		return newError(KindNotFound, "", "sandbox %s not found", id)
	default:
		return newError(KindInvalidState, "", "sandbox %s is %s", id, st)
	}

	h.touch(r.now())
	err := fn(ctx, h.adapter)
	h.touch(r.now())
	if err == nil {
		return nil
	}

	se := Normalize("", err)
	if se.Unrecoverable {
		r.logger.Error("sandbox backend failed, retiring sandbox",
			zap.String("session_id", id), zap.Error(se))
		r.fail(h, se)
	}
	return se
}

// Close releases the sandbox and removes it. Unknown identifiers are
// ignored. The handle is removed even when the backend reports an error.
func (r *Registry) Close(ctx context.Context, id string) error {
	h, ok := r.lookup(id)
	if !ok {
		return nil
	}

	h.opMu.Lock()
	defer h.opMu.Unlock()

	if st := h.getState(); st != StateReady {
		// Closed or Failed: already removed by the previous owner of opMu
		return nil
	}

	r.setState(h, StateClosing, "")
	err := r.closeAdapter(ctx, h)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	r.setState(h, StateClosed, detail)
	r.remove(h)

	if err != nil {
		r.logger.Warn("sandbox close reported an error",
			zap.String("session_id", id), zap.Error(err))
		return Normalize("close", err)
	}
	r.logger.Info("sandbox closed", zap.String("session_id", id))
	return nil
}

// CreateRunClose creates a sandbox, runs code in it and closes it. Close
// runs even when the run fails, so the sandbox never outlives the call.
func (r *Registry) CreateRunClose(ctx context.Context, backendType string, cfg BackendConfig, code string) (ExecutionResult, error) {
	id, err := r.Create(ctx, backendType, cfg)
	if err != nil {
		return ExecutionResult{}, err
	}

	var result ExecutionResult
	runErr := r.WithSandbox(ctx, id, func(ctx context.Context, b Backend) error {
		var err error
		result, err = b.RunCode(ctx, code, DefaultLanguage)
		return err
	})
	closeErr := r.Close(ctx, id)

	return result, multierr.Combine(runErr, closeErr)
}

// CloseAll closes every sandbox concurrently. Used at shutdown.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.Close(ctx, id); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	if len(ids) > 0 {
		r.logger.Info("closed all sandboxes", zap.Int("count", len(ids)))
	}
	return errs
}

// ReapIdle closes Ready sandboxes whose last activity is older than maxIdle
// and returns how many were closed.
func (r *Registry) ReapIdle(ctx context.Context, maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}

	r.mu.RLock()
	var candidates []*handle
	cutoff := r.now().Add(-maxIdle)
	for _, h := range r.handles {
		if h.idleSince().Before(cutoff) {
			candidates = append(candidates, h)
		}
	}
	r.mu.RUnlock()

	reaped := 0
	for _, h := range candidates {
		if r.closeIfIdle(ctx, h, maxIdle) {
			reaped++
		}
	}
	return reaped
}

func (r *Registry) closeIfIdle(ctx context.Context, h *handle, maxIdle time.Duration) bool {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if h.getState() != StateReady || !h.idleSince().Before(r.now().Add(-maxIdle)) {
		return false
	}

	r.setState(h, StateClosing, "")
	err := r.closeAdapter(ctx, h)
	detail := "idle"
	if err != nil {
		detail = err.Error()
		r.logger.Warn("idle sandbox close reported an error", zap.String("session_id", h.id), zap.Error(err))
	}
	r.setState(h, StateClosed, detail)
	r.remove(h)
	r.logger.Info("reaped idle sandbox", zap.String("session_id", h.id), zap.Duration("max_idle", maxIdle))
	return true
}

// RunReaper calls ReapIdle every interval until ctx is done
func (r *Registry) RunReaper(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 || maxIdle <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReapIdle(ctx, maxIdle)
		}
	}
}

// fail moves h to Failed, releases whatever was allocated and removes it.
// The caller holds h.opMu.
func (r *Registry) fail(h *handle, cause *Error) {
	r.setState(h, StateFailed, cause.Error())
	if err := r.closeAdapter(context.Background(), h); err != nil {
		r.logger.Warn("cleanup after failure reported an error",
			zap.String("session_id", h.id), zap.Error(err))
	}
	r.remove(h)
}

func (r *Registry) closeAdapter(ctx context.Context, h *handle) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.closeTimeout)
	defer cancel()
	return h.adapter.Close(cctx)
}

func (r *Registry) lookup(id string) (*handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

func (r *Registry) remove(h *handle) {
	r.mu.Lock()
	if cur, ok := r.handles[h.id]; ok && cur == h {
		delete(r.handles, h.id)
	}
	r.mu.Unlock()
}

func (r *Registry) setState(h *handle, to State, detail string) {
	h.mu.Lock()
	from := h.state
	if !canTransition(from, to) {
		h.mu.Unlock()
		r.logger.DPanic("invalid sandbox state transition",
			zap.String("session_id", h.id), zap.String("from", string(from)), zap.String("to", string(to)))
		return
	}
	h.state = to
	h.mu.Unlock()

	t := Transition{
		ID:      h.id,
		Backend: h.backend,
		From:    from,
		To:      to,
		At:      r.now(),
		Detail:  detail,
	}
	for _, o := range r.observers {
		o.OnTransition(t)
	}
}
