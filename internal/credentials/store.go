// Package credentials manages per-user integration credentials: sealing them
// at rest, caching decrypted copies briefly, and notifying dependents when a
// user rotates or removes one.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/Bardemic/codee-sub000/internal/model"
	"github.com/Bardemic/codee-sub000/internal/storage"
)

// ErrNotConnected is returned when a user has no connection for a provider.
var ErrNotConnected = errors.New("credentials: integration not connected")

// Backend is the subset of storage used by Store.
type Backend interface {
	UpsertIntegration(ctx context.Context, userID uuid.UUID, provider, externalID string, sealed []byte) (storage.SealedIntegration, error)
	GetIntegration(ctx context.Context, userID uuid.UUID, provider string) (storage.SealedIntegration, error)
	DeleteIntegration(ctx context.Context, userID uuid.UUID, provider string) error
}

// Key identifies one user's connection to one provider.
type Key struct {
	UserID   uuid.UUID
	Provider string
}

func (k Key) String() string { return k.Provider + ":" + k.UserID.String() }

// Store reads and writes sealed integration credentials.
type Store struct {
	backend Backend
	sealer  *Sealer
	cache   *Cache[Key, model.IntegrationConnection]
	group   singleflight.Group
	logger  *slog.Logger

	mu        sync.RWMutex
	listeners []func(Key)
}

// NewStore creates a Store. ttl bounds how long a decrypted credential may
// be served after it changed on another replica.
func NewStore(backend Backend, sealer *Sealer, ttl time.Duration, logger *slog.Logger) *Store {
	return &Store{
		backend: backend,
		sealer:  sealer,
		cache:   NewCache[Key, model.IntegrationConnection](ttl, 10_000),
		logger:  logger,
	}
}

// OnInvalidate registers fn to run whenever a connection changes. Vendor
// client caches use this to drop clients built from stale keys.
func (s *Store) OnInvalidate(fn func(Key)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Get returns the decrypted connection for (userID, provider).
// Concurrent misses for the same key share one database read.
func (s *Store) Get(ctx context.Context, userID uuid.UUID, provider string) (model.IntegrationConnection, error) {
	key := Key{UserID: userID, Provider: provider}
	if conn, ok := s.cache.Get(key); ok {
		return conn, nil
	}

	v, err, _ := s.group.Do(key.String(), func() (any, error) {
		row, err := s.backend.GetIntegration(ctx, userID, provider)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("credentials: %s: %w", provider, ErrNotConnected)
			}
			return nil, err
		}
		data, err := s.sealer.Open(row.Sealed)
		if err != nil {
			return nil, err
		}
		conn := row.IntegrationConnection
		conn.Data = data
		s.cache.Set(key, conn)
		return conn, nil
	})
	if err != nil {
		return model.IntegrationConnection{}, err
	}
	return v.(model.IntegrationConnection), nil
}

// APIKey returns the "apiKey" field of a vendor connection.
func (s *Store) APIKey(ctx context.Context, userID uuid.UUID, provider string) (string, error) {
	conn, err := s.Get(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	key, _ := conn.Data["apiKey"].(string)
	if key == "" {
		return "", fmt.Errorf("credentials: %s: apiKey missing: %w", provider, ErrNotConnected)
	}
	return key, nil
}

// Put seals data and stores it as the user's connection to provider.
func (s *Store) Put(ctx context.Context, userID uuid.UUID, provider, externalID string, data map[string]any) (model.IntegrationConnection, error) {
	if !model.ValidIntegration(provider) {
		return model.IntegrationConnection{}, fmt.Errorf("credentials: unknown integration %q", provider)
	}
	if data == nil {
		data = map[string]any{}
	}
	sealed, err := s.sealer.Seal(data)
	if err != nil {
		return model.IntegrationConnection{}, err
	}
	row, err := s.backend.UpsertIntegration(ctx, userID, provider, externalID, sealed)
	if err != nil {
		return model.IntegrationConnection{}, err
	}
	s.Invalidate(userID, provider)
	conn := row.IntegrationConnection
	conn.Data = data
	return conn, nil
}

// Delete removes the user's connection to provider.
func (s *Store) Delete(ctx context.Context, userID uuid.UUID, provider string) error {
	err := s.backend.DeleteIntegration(ctx, userID, provider)
	s.Invalidate(userID, provider)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("credentials: %s: %w", provider, ErrNotConnected)
	}
	return err
}

// Invalidate drops cached state for (userID, provider) and notifies listeners.
func (s *Store) Invalidate(userID uuid.UUID, provider string) {
	key := Key{UserID: userID, Provider: provider}
	s.cache.Invalidate(key)
	s.group.Forget(key.String())

	s.mu.RLock()
	listeners := append([]func(Key){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(key)
	}
	s.logger.Debug("credentials: invalidated", "provider", provider, "user_id", userID)
}

// Close stops the cache's eviction goroutine.
func (s *Store) Close() {
	s.cache.Close()
}
