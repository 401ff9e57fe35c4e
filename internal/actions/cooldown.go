// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

package actions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/sentinelarr/sentinelarr/internal/logging"
)

// BadgerCooldownStore persists cooldown keys in BadgerDB using native TTL
// expiry. Arming is a blind set, so concurrent workers never perform a
// read-modify-write on a key.
type BadgerCooldownStore struct {
	db *badger.DB
}

// OpenBadgerCooldownStore opens (or creates) the cooldown database at path.
func OpenBadgerCooldownStore(path string) (*BadgerCooldownStore, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithCompactL0OnClose(true)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cooldown store: %w", err)
	}
	return &BadgerCooldownStore{db: db}, nil
}

// Active reports whether the key exists and has not expired.
func (s *BadgerCooldownStore) Active(_ context.Context, key string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cooldown lookup: %w", err)
	}
	return true, nil
}

// Arm sets the key with the given TTL, overwriting any previous expiry.
func (s *BadgerCooldownStore) Arm(_ context.Context, key string, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), []byte{1}).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("arm cooldown: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s *BadgerCooldownStore) Close() error {
	return s.db.Close()
}

// Serve periodically runs Badger value-log garbage collection until the
// context is canceled. It satisfies suture.Service.
func (s *BadgerCooldownStore) Serve(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing to collect.
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logging.Warn().Err(err).Msg("cooldown store GC failed")
			}
		}
	}
}

// MemoryCooldownStore is an in-process CooldownStore used by tests and by
// deployments that do not need cooldowns to survive restarts.
type MemoryCooldownStore struct {
	mu      sync.Mutex
	expires map[string]time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewMemoryCooldownStore creates an empty in-memory store.
func NewMemoryCooldownStore() *MemoryCooldownStore {
	return &MemoryCooldownStore{
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetClock replaces the store's time source. Test helper.
func (s *MemoryCooldownStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Active reports whether the key is armed and unexpired.
func (s *MemoryCooldownStore) Active(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.expires[key]
	if !ok {
		return false, nil
	}
	if s.now().After(expiry) {
		delete(s.expires, key)
		return false, nil
	}
	return true, nil
}

// Arm sets the key's expiry.
func (s *MemoryCooldownStore) Arm(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expires[key] = s.now().Add(ttl)
	return nil
}
