package web

import (
	"context"
	"sync"
	"time"

	"github.com/comigor/pycoder/internal/agent"
	"github.com/comigor/pycoder/internal/logger"
)

type entry struct {
	ctrl     *agent.Controller
	lastSeen time.Time
	flash    []notice
}

// Registry owns one controller per browser session. Controllers are never
// shared between sessions; ending a session drops its history.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	newController func() *agent.Controller
	ttl           time.Duration
	now           func() time.Time
}

// NewRegistry creates a registry. Sessions idle for longer than ttl are
// dropped by Reap; ttl <= 0 keeps them until they are ended explicitly.
func NewRegistry(ttl time.Duration, newController func() *agent.Controller) *Registry {
	return &Registry{
		entries:       make(map[string]*entry),
		newController: newController,
		ttl:           ttl,
		now:           time.Now,
	}
}

// Get returns the controller for id, starting a new session when id is
// unknown. The returned id is the one the caller must keep using.
func (r *Registry) Get(id string) (string, *agent.Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		e.lastSeen = r.now()
		return id, e.ctrl
	}
	return r.startLocked()
}

func (r *Registry) startLocked() (string, *agent.Controller) {
	ctrl := r.newController()
	id := ctrl.Session().ID()
	r.entries[id] = &entry{ctrl: ctrl, lastSeen: r.now()}
	logger.ForSession(id).Info("session started", "state", ctrl.State())
	return id, ctrl
}

// End discards the session.
func (r *Registry) End(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		delete(r.entries, id)
		logger.ForSession(id).Info("session ended")
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) pushFlash(id string, n notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.flash = append(e.flash, n)
	}
}

func (r *Registry) takeFlash(id string) []notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	out := e.flash
	e.flash = nil
	return out
}

// Reap ends every session idle for longer than the ttl and returns how many
// were dropped.
func (r *Registry) Reap() int {
	if r.ttl <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.ttl)
	n := 0
	for id, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			delete(r.entries, id)
			n++
		}
	}
	return n
}

// Run reaps idle sessions until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	if r.ttl <= 0 {
		return
	}
	interval := r.ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Reap(); n > 0 {
				logger.L.Info("reaped idle sessions", "count", n, "live", r.Len())
			}
		}
	}
}
