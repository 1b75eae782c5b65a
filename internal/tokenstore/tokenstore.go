// Package tokenstore defines the read-mostly client interface the
// orchestrator uses to reach the external Token Store (C1). The store
// itself owns encryption and refresh persistence; this package only
// describes the boundary adapters call through.
package tokenstore

import (
	"context"
	"errors"
	"sync"

	"github.com/corvynix/voxctl/pkg/models"
)

// ErrNotFound is returned when no token record exists for (userID, provider).
var ErrNotFound = errors.New("tokenstore: no record for user/provider")

// Store is implemented by the external Token Store client. Get is read-only
// from the orchestrator's perspective; Refresh is the one write path
// adapters may call, and only when a TokenRecord reports Expired.
type Store interface {
	Get(ctx context.Context, userID, provider string) (models.TokenRecord, error)
	Refresh(ctx context.Context, userID, provider string) (models.TokenRecord, error)
}

// MemoryStore is an in-process Store used in tests and for providers whose
// credentials are supplied directly through configuration rather than a
// live external token service.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.TokenRecord
	refresh func(ctx context.Context, rec models.TokenRecord) (models.TokenRecord, error)
}

// NewMemoryStore constructs an empty MemoryStore. refresh may be nil, in
// which case Refresh always fails with ErrNotFound.
func NewMemoryStore(refresh func(ctx context.Context, rec models.TokenRecord) (models.TokenRecord, error)) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]models.TokenRecord),
		refresh: refresh,
	}
}

func key(userID, provider string) string { return userID + "\x00" + provider }

// Put installs or replaces a record, as configuration loading or a prior
// OAuth flow would.
func (m *MemoryStore) Put(rec models.TokenRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key(rec.UserID, rec.Provider)] = rec
}

func (m *MemoryStore) Get(ctx context.Context, userID, provider string) (models.TokenRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key(userID, provider)]
	if !ok {
		return models.TokenRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Refresh(ctx context.Context, userID, provider string) (models.TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key(userID, provider)]
	if !ok {
		return models.TokenRecord{}, ErrNotFound
	}
	if m.refresh == nil {
		return models.TokenRecord{}, ErrNotFound
	}

	refreshed, err := m.refresh(ctx, rec)
	if err != nil {
		return models.TokenRecord{}, err
	}
	m.records[key(userID, provider)] = refreshed
	return refreshed, nil
}
