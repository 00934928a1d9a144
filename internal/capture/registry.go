package capture

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"posecapture/internal/pose"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Registry starts and tracks running sessions. Every session shares the
// registry's collaborators; only the pose profile varies per session.
type Registry struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewRegistry returns a registry whose sessions use cfg and deps.
func NewRegistry(cfg Config, deps Deps) *Registry {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Log,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Start creates a session for profile (the registry default when nil) and
// runs it in the background.
func (r *Registry) Start(profile *pose.Profile) (*Session, error) {
	now := time.Now()
	if r.deps.Now != nil {
		now = r.deps.Now()
	}
	id, err := NewSessionID(now)
	if err != nil {
		return nil, err
	}
	deps := r.deps
	if profile != nil {
		deps.Profile = profile
	}
	s, err := NewSession(id, r.cfg, deps)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := s.Run(r.ctx); err != nil {
			r.log.Error("session loop exited", "session", id, "error", err)
		}
	}()
	return s, nil
}

// Get returns a tracked session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close stops a session, waits for its loop and forgets it.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.Close()
	<-s.Done()
	return nil
}

// List returns snapshots of tracked sessions, oldest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseAll stops every session and waits for their loops to exit.
func (r *Registry) CloseAll() {
	r.cancel()
	r.mu.Lock()
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	r.wg.Wait()
}
