// Package registry is the in-memory store of all pending and completed
// requests and the single source of truth for matching responses to them.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oversight-hq/oversight/internal/domain"
)

// Options configures a Registry.
type Options struct {
	// DefaultTTL is how long a pending request lives before it is marked
	// timed out server-side. Per-request TTLs override it.
	DefaultTTL time.Duration

	// Retention is how long terminal requests are kept before the sweeper
	// evicts them.
	Retention time.Duration

	// SweepInterval is the cadence of the eviction sweeper.
	SweepInterval time.Duration

	// MaxPending caps the pending backlog; Create rejects submissions once
	// the cap is reached. Zero means unbounded.
	MaxPending int
}

// entry pairs a request with its synchronization state. Status transitions
// are guarded by the entry's own mutex so unrelated requests never contend.
type entry struct {
	mu         sync.Mutex
	req        domain.Request
	resp       *domain.Response
	terminalAt time.Time
	expire     *time.Timer

	// done is closed exactly once, on the first terminal transition.
	done chan struct{}
}

// Registry owns request/response lifetime. The map-level lock covers only
// insertion, lookup and eviction; each entry serializes its own transitions.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	// pendingCh is closed and replaced on every Create, waking long-poll
	// waiters in NextPending.
	pendingCh chan struct{}

	opts   Options
	logger *slog.Logger
}

// New creates an empty registry.
func New(opts Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 300 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 600 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	return &Registry{
		entries:   make(map[string]*entry),
		pendingCh: make(chan struct{}),
		opts:      opts,
		logger:    logger.With(slog.String("component", "registry")),
	}
}

// Create stores a new pending request and arms its expiry timer. ttl <= 0
// falls back to the registry default.
func (r *Registry) Create(req *domain.Request, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.opts.DefaultTTL
	}

	r.mu.Lock()
	if _, exists := r.entries[req.ID]; exists {
		r.mu.Unlock()
		return domain.ErrDuplicateID
	}
	if r.opts.MaxPending > 0 && r.pendingCountLocked() >= r.opts.MaxPending {
		r.mu.Unlock()
		return domain.NewValidationError("pending backlog is full (%d requests)", r.opts.MaxPending)
	}

	e := &entry{
		req:  *req,
		done: make(chan struct{}),
	}
	id := req.ID
	e.expire = time.AfterFunc(ttl, func() {
		if won, err := r.expirePending(id, domain.StatusTimedOut); err == nil && won {
			r.logger.Info("request expired", slog.String("id", id), slog.Duration("ttl", ttl))
		}
	})
	r.entries[id] = e

	// Wake anyone long-polling for pending work.
	close(r.pendingCh)
	r.pendingCh = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("request created",
		slog.String("id", id),
		slog.String("kind", string(req.Kind)),
		slog.String("tool", req.ToolName),
	)
	return nil
}

// Get returns a snapshot of the request with the given id.
func (r *Registry) Get(id string) (domain.Request, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.Request{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.req, nil
}

// GetResponse returns the request's current status and, once answered, its
// stored response.
func (r *Registry) GetResponse(id string) (domain.Status, *domain.Response, error) {
	e, err := r.lookup(id)
	if err != nil {
		return "", nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resp == nil {
		return e.req.Status, nil, nil
	}
	resp := *e.resp
	return e.req.Status, &resp, nil
}

// ListPending returns snapshots of all pending requests, oldest first.
func (r *Registry) ListPending() []domain.Request {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	pending := make([]domain.Request, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.req.Status == domain.StatusPending {
			pending = append(pending, e.req)
		}
		e.mu.Unlock()
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending
}

// PendingCount returns the number of requests currently pending.
func (r *Registry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pendingCountLocked()
}

func (r *Registry) pendingCountLocked() int {
	n := 0
	for _, e := range r.entries {
		e.mu.Lock()
		if e.req.Status == domain.StatusPending {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Complete transitions a pending request to answered and attaches its
// response. A request that already reached a terminal state is reported as
// a conflict and the stored response is left untouched.
func (r *Registry) Complete(id string, value any) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.req.Status.Terminal() {
		return domain.NewAlreadyAnsweredError(id, e.req.Status)
	}
	now := time.Now()
	e.req.Status = domain.StatusAnswered
	e.resp = &domain.Response{RequestID: id, Value: value, AnsweredAt: now}
	e.terminalAt = now
	e.expire.Stop()
	close(e.done)

	r.logger.Info("request answered", slog.String("id", id))
	return nil
}

// MarkTimedOut transitions a pending request to timed_out. It is a no-op,
// not an error, when the request already reached another terminal state: a
// race between a late answer and an expiring timeout is expected, and the
// first recorded event wins.
func (r *Registry) MarkTimedOut(id string) error {
	_, err := r.expirePending(id, domain.StatusTimedOut)
	return err
}

// Cancel transitions a pending request to cancelled. Same no-op rule as
// MarkTimedOut.
func (r *Registry) Cancel(id string) error {
	_, err := r.expirePending(id, domain.StatusCancelled)
	return err
}

// expirePending reports whether this call won the transition; losing to an
// earlier terminal state is not an error.
func (r *Registry) expirePending(id string, to domain.Status) (bool, error) {
	e, err := r.lookup(id)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.req.Status.Terminal() {
		return false, nil
	}
	e.req.Status = to
	e.terminalAt = time.Now()
	e.expire.Stop()
	close(e.done)

	r.logger.Info("request closed", slog.String("id", id), slog.String("status", string(to)))
	return true, nil
}

// Wait blocks until the request reaches a terminal state or ctx is done,
// then returns the final status and response.
func (r *Registry) Wait(ctx context.Context, id string) (domain.Status, *domain.Response, error) {
	e, err := r.lookup(id)
	if err != nil {
		return "", nil, err
	}
	select {
	case <-e.done:
		return r.GetResponse(id)
	case <-ctx.Done():
		return r.GetResponse(id)
	}
}

// NextPending long-polls for the oldest pending request. It returns
// context.DeadlineExceeded (wrapped in ctx.Err) when the wait elapses with
// nothing pending.
func (r *Registry) NextPending(ctx context.Context) (domain.Request, error) {
	for {
		r.mu.RLock()
		ch := r.pendingCh
		r.mu.RUnlock()

		if pending := r.ListPending(); len(pending) > 0 {
			return pending[0], nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return domain.Request{}, ctx.Err()
		}
	}
}

// lookup finds the live entry for id.
func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewNotFoundError(id)
	}
	return e, nil
}
