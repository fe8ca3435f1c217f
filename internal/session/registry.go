// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package session

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/relaygate/relaygate/internal/id"
)

// Session is a live terminal instance capable of receiving injected input.
// Owned exclusively by the Registry; other components hold ids, never
// pointers they mutate.
type Session struct {
	ID           string    `json:"id"`
	ShortID      string    `json:"shortId"`
	Name         string    `json:"name"`
	Cwd          string    `json:"cwd"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`

	seq uint64
}

// EvictFunc is invoked when a session leaves the registry, either by
// explicit unregister or idle expiry. Used to cascade task deletion.
type EvictFunc func(sessionID string)

// Registry tracks live terminal sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	nextSeq  uint64

	clock    clock.Clock
	newID    id.Generator
	log      zerolog.Logger
	max      int
	onEvict  EvictFunc
}

// NewRegistry creates a registry bounded at max live sessions.
func NewRegistry(clk clock.Clock, gen id.Generator, log zerolog.Logger, max int) *Registry {
	if gen == nil {
		gen = id.New
	}
	if max <= 0 {
		max = 16
	}
	return &Registry{
		sessions: make(map[string]*Session),
		clock:    clk,
		newID:    gen,
		log:      log.With().Str("component", "sessions").Logger(),
		max:      max,
	}
}

// OnEvict installs the eviction cascade. Must be called before the registry
// is shared.
func (r *Registry) OnEvict(fn EvictFunc) {
	r.onEvict = fn
}

// Register creates and tracks a new session.
func (r *Registry) Register(name, cwd string) *Session {
	now := r.clock.Now()
	sid := r.newID()
	s := &Session{
		ID:           sid,
		ShortID:      id.Short(sid),
		Name:         name,
		Cwd:          cwd,
		CreatedAt:    now,
		LastActivity: now,
	}

	var evicted *Session
	r.mu.Lock()
	r.nextSeq++
	s.seq = r.nextSeq
	if len(r.sessions) >= r.max {
		evicted = r.leastRecentLocked()
		if evicted != nil {
			delete(r.sessions, evicted.ID)
		}
	}
	r.sessions[s.ID] = s
	r.mu.Unlock()

	if evicted != nil {
		r.log.Warn().Str("session_id", evicted.ID).Int("max", r.max).
			Msg("session cap reached, evicting least recently active")
		r.evict(evicted.ID)
	}
	r.log.Info().Str("session_id", s.ID).Str("name", name).Str("cwd", cwd).Msg("session registered")
	return s
}

// Unregister removes a session and cascades task deletion. Returns false if
// the session is unknown.
func (r *Registry) Unregister(sessionID string) bool {
	r.mu.Lock()
	_, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.evict(sessionID)
	r.log.Info().Str("session_id", sessionID).Msg("session unregistered")
	return true
}

// Get looks a session up by exact id, then by short id across all live
// sessions. The short-id scan is O(n); session counts are small and bounded.
// Returns nil when not found.
func (r *Registry) Get(idOrShortID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[idOrShortID]; ok {
		cp := *s
		return &cp
	}
	for _, s := range r.sessions {
		if s.ShortID == idOrShortID {
			cp := *s
			return &cp
		}
	}
	return nil
}

// ListAll returns sessions ordered by last activity, most recent first.
// Ties break by registration order (stable across polls within a tick).
func (r *Registry) ListAll() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		cp := *s
		out = append(out, &cp)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].seq > out[j].seq
	})
	return out
}

// MostRecent returns the most recently active session, or nil when the
// registry is empty.
func (r *Registry) MostRecent() *Session {
	all := r.ListAll()
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

// Touch bumps a session's last activity.
func (r *Registry) Touch(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	s.LastActivity = r.clock.Now()
	return true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SweepIdle removes sessions inactive for longer than horizon and cascades
// their eviction. Returns the number removed.
func (r *Registry) SweepIdle(horizon time.Duration) int {
	cutoff := r.clock.Now().Add(-horizon)

	var expired []string
	r.mu.Lock()
	for sid, s := range r.sessions {
		if s.LastActivity.Before(cutoff) {
			expired = append(expired, sid)
		}
	}
	for _, sid := range expired {
		delete(r.sessions, sid)
	}
	r.mu.Unlock()

	for _, sid := range expired {
		r.evict(sid)
		r.log.Info().Str("session_id", sid).Msg("idle session expired")
	}
	return len(expired)
}

func (r *Registry) leastRecentLocked() *Session {
	var oldest *Session
	for _, s := range r.sessions {
		if oldest == nil ||
			s.LastActivity.Before(oldest.LastActivity) ||
			(s.LastActivity.Equal(oldest.LastActivity) && s.seq < oldest.seq) {
			oldest = s
		}
	}
	return oldest
}

func (r *Registry) evict(sessionID string) {
	if r.onEvict != nil {
		r.onEvict(sessionID)
	}
}
