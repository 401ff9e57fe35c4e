// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package cache

import (
	"sync"

	"github.com/google/uuid"

	"github.com/sentinelarr/sentinelarr/internal/models"
)

// SessionCache is the in-memory active-session snapshot store. Snapshots are
// keyed by composite server/session-key identity and indexed per user so
// target resolution can read a user's active set without a database round
// trip. Eviction is explicit (driven by poll reconciliation), not TTL-based:
// an active session stays cached for as long as the server reports it.
type SessionCache struct {
	mu      sync.RWMutex
	entries map[string]*models.SessionView
	byUser  map[uuid.UUID]map[uuid.UUID]string // user -> session ID -> composite key
	stats   Stats
}

// Stats tracks cache reconciliation counts.
type Stats struct {
	Adds      int64
	Updates   int64
	Evictions int64
	Misses    int64
}

// NewSessionCache creates an empty snapshot cache.
func NewSessionCache() *SessionCache {
	return &SessionCache{
		entries: make(map[string]*models.SessionView),
		byUser:  make(map[uuid.UUID]map[uuid.UUID]string),
	}
}

// Add stores a snapshot and indexes it under its user.
func (c *SessionCache) Add(view *models.SessionView) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(view)
	c.stats.Adds++
}

// Update replaces an existing snapshot. A missing key is stored rather than
// rejected so a restarted processor converges with server state.
func (c *SessionCache) Update(view *models.SessionView) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(view)
	c.stats.Updates++
}

func (c *SessionCache) store(view *models.SessionView) {
	key := view.CompositeKey()
	// A reused key may carry a different session or user; in either case
	// the displaced snapshot's index entry must go.
	if prev, ok := c.entries[key]; ok && (prev.ID != view.ID || prev.UserID != view.UserID) {
		c.unindex(prev)
	}
	c.entries[key] = view
	sessions, ok := c.byUser[view.UserID]
	if !ok {
		sessions = make(map[uuid.UUID]string)
		c.byUser[view.UserID] = sessions
	}
	sessions[view.ID] = key
}

// Remove evicts by composite key and returns the evicted snapshot. The bool
// result is false when the key was not cached.
func (c *SessionCache) Remove(compositeKey string) (*models.SessionView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	view, ok := c.entries[compositeKey]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	delete(c.entries, compositeKey)
	c.unindex(view)
	c.stats.Evictions++
	return view, true
}

func (c *SessionCache) unindex(view *models.SessionView) {
	sessions, ok := c.byUser[view.UserID]
	if !ok {
		return
	}
	delete(sessions, view.ID)
	if len(sessions) == 0 {
		delete(c.byUser, view.UserID)
	}
}

// Get returns the snapshot for a composite key.
func (c *SessionCache) Get(compositeKey string) (*models.SessionView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	view, ok := c.entries[compositeKey]
	return view, ok
}

// ActiveSessionIDs returns the cached session IDs for one user.
func (c *SessionCache) ActiveSessionIDs(userID uuid.UUID) []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sessions := c.byUser[userID]
	ids := make([]uuid.UUID, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of cached snapshots.
func (c *SessionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetStats returns a copy of the reconciliation counters.
func (c *SessionCache) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}
