package artifact

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// reaper tracks one timer per artifact waiting to be deleted.
type reaper struct {
	grace  time.Duration
	expire func(id string) error

	mu     sync.Mutex
	timers map[string]*time.Timer
	errs   error

	// inflight counts expiries running from timers; idle is closed whenever
	// it drops to zero. Both are guarded by mu.
	inflight int
	idle     chan struct{}
	draining bool
}

func newReaper(grace time.Duration, expire func(string) error) *reaper {
	idle := make(chan struct{})
	close(idle)

	return &reaper{
		grace:  grace,
		expire: expire,
		timers: make(map[string]*time.Timer),
		idle:   idle,
	}
}

// schedule arms the expiry for id. An armed expiry keeps its deadline.
// While a drain is running the expiry happens right away.
func (r *reaper) schedule(id string) {
	r.mu.Lock()

	if r.draining {
		r.mu.Unlock()
		r.run(id)
		return
	}

	if _, ok := r.timers[id]; !ok {
		r.timers[id] = time.AfterFunc(r.grace, func() {
			r.fire(id)
		})
	}

	r.mu.Unlock()
}

func (r *reaper) fire(id string) {
	r.mu.Lock()
	if _, ok := r.timers[id]; !ok {
		// cancelled or claimed by drain while the timer was firing
		r.mu.Unlock()
		return
	}
	delete(r.timers, id)

	if r.inflight == 0 {
		r.idle = make(chan struct{})
	}
	r.inflight++
	r.mu.Unlock()

	r.run(id)

	r.mu.Lock()
	r.inflight--
	if r.inflight == 0 {
		close(r.idle)
	}
	r.mu.Unlock()
}

func (r *reaper) run(id string) {
	if err := r.expire(id); err != nil {
		r.mu.Lock()
		r.errs = multierr.Append(r.errs, err)
		r.mu.Unlock()
	}
}

func (r *reaper) cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[id]
	if !ok {
		return false
	}

	t.Stop()
	delete(r.timers, id)

	return true
}

func (r *reaper) armed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.timers[id]

	return ok
}

func (r *reaper) pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.timers))
	for id := range r.timers {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// drain runs every armed expiry immediately and waits for in-flight ones.
// Failures collected since the last drain are returned together.
func (r *reaper) drain(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	ids := make([]string, 0, len(r.timers))
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
		ids = append(ids, id)
	}
	idle := r.idle
	r.mu.Unlock()

	for _, id := range ids {
		r.run(id)
	}

	select {
	case <-idle:
	case <-ctx.Done():
		r.mu.Lock()
		r.errs = multierr.Append(r.errs, ctx.Err())
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.draining = false
	err := r.errs
	r.errs = nil
	r.mu.Unlock()

	return err
}
