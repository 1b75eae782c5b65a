package tokenstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/corvynix/voxctl/pkg/models"
)

func TestMemoryStore_GetNotFound(t *testing.T) {
	store := NewMemoryStore(nil)
	_, err := store.Get(context.Background(), "u1", "calendar")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_PutGet(t *testing.T) {
	store := NewMemoryStore(nil)
	rec := models.TokenRecord{UserID: "u1", Provider: "calendar", AccessCiphertext: "ct"}
	store.Put(rec)

	got, err := store.Get(context.Background(), "u1", "calendar")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.AccessCiphertext != "ct" {
		t.Errorf("AccessCiphertext = %q, want ct", got.AccessCiphertext)
	}
}

func TestMemoryStore_Refresh(t *testing.T) {
	refreshCalls := 0
	store := NewMemoryStore(func(ctx context.Context, rec models.TokenRecord) (models.TokenRecord, error) {
		refreshCalls++
		future := time.Now().Add(time.Hour)
		rec.AccessCiphertext = "new-ct"
		rec.ExpiresAt = &future
		return rec, nil
	})

	past := time.Now().Add(-time.Minute)
	store.Put(models.TokenRecord{UserID: "u1", Provider: "calendar", AccessCiphertext: "old-ct", RefreshCiphertext: "rt", ExpiresAt: &past})

	refreshed, err := store.Refresh(context.Background(), "u1", "calendar")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if refreshed.AccessCiphertext != "new-ct" {
		t.Errorf("AccessCiphertext = %q, want new-ct", refreshed.AccessCiphertext)
	}
	if refreshCalls != 1 {
		t.Errorf("expected 1 refresh call, got %d", refreshCalls)
	}

	got, _ := store.Get(context.Background(), "u1", "calendar")
	if got.AccessCiphertext != "new-ct" {
		t.Error("expected stored record to reflect the refresh")
	}
}

func TestMemoryStore_RefreshWithoutCallback(t *testing.T) {
	store := NewMemoryStore(nil)
	store.Put(models.TokenRecord{UserID: "u1", Provider: "calendar"})

	_, err := store.Refresh(context.Background(), "u1", "calendar")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound without a refresh callback, got %v", err)
	}
}
