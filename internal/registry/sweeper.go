package registry

import (
	"context"
	"log/slog"
	"time"
)

// RunSweeper evicts terminal requests older than the retention window at the
// configured interval until ctx is done. Pending requests are never evicted;
// their expiry timers handle timeout.
func (r *Registry) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.Sweep(time.Now()); n > 0 {
				r.logger.Info("evicted terminal requests", slog.Int("count", n))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sweep removes terminal entries whose retention window has passed, as of
// now, and returns how many were evicted.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.RLock()
	candidates := make([]string, 0)
	for id, e := range r.entries {
		e.mu.Lock()
		if e.req.Status.Terminal() && now.Sub(e.terminalAt) >= r.opts.Retention {
			candidates = append(candidates, id)
		}
		e.mu.Unlock()
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, id := range candidates {
		e, ok := r.entries[id]
		if !ok {
			continue
		}
		e.mu.Lock()
		expired := e.req.Status.Terminal() && now.Sub(e.terminalAt) >= r.opts.Retention
		e.mu.Unlock()
		if expired {
			delete(r.entries, id)
			evicted++
		}
	}
	return evicted
}
