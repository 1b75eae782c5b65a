// Package local implements the in-process adapter variant (C3): tool
// calls execute directly against the stored access token rather than over
// the wire. The token is handed to the backend exactly as the Token Store
// returns it; this package performs no decryption. It is selected by the Connection Manager for providers whose
// configured endpoint kind is "local".
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/corvynix/voxctl/internal/adapter"
	"github.com/corvynix/voxctl/internal/tokenstore"
	"github.com/corvynix/voxctl/pkg/models"
)

// Backend is the in-process client surface a concrete provider (calendar,
// email, tasks, ...) implements. It is intentionally narrow: Local only
// orchestrates auth around it; argument handling is the backend's own.
type Backend interface {
	Tools() []models.ToolSchema
	Invoke(ctx context.Context, accessToken, tool string, args map[string]any) (any, error)
}

// Adapter is the local (in-process) Adapter implementation. One instance is
// bound to a single (UserID, Provider) pair for its lifetime.
type Adapter struct {
	userID   string
	provider string
	tokens   tokenstore.Store
	backend  Backend

	mu      sync.Mutex
	token   models.TokenRecord
	tools   []models.ToolSchema
}

// New constructs a Local adapter, reading and (if necessary) refreshing the
// stored token up front so construction fails fast on AuthMissing/AuthExpired.
func New(ctx context.Context, userID, provider string, tokens tokenstore.Store, backend Backend) (*Adapter, error) {
	rec, err := tokens.Get(ctx, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", adapter.ErrAuthMissing, userID, provider, err)
	}

	rec, err = ensureFresh(ctx, tokens, rec)
	if err != nil {
		return nil, err
	}

	return &Adapter{
		userID:   userID,
		provider: provider,
		tokens:   tokens,
		backend:  backend,
		token:    rec,
	}, nil
}

// ensureFresh refreshes rec if expired and a refresh token is present,
// persisting the result through the Token Store's own write path. The
// Connection Manager never touches tokens directly; only adapters do.
func ensureFresh(ctx context.Context, tokens tokenstore.Store, rec models.TokenRecord) (models.TokenRecord, error) {
	if !rec.Expired(time.Now()) {
		return rec, nil
	}
	if !rec.HasRefresh() {
		return rec, fmt.Errorf("%w: %s/%s", adapter.ErrAuthExpired, rec.UserID, rec.Provider)
	}

	refreshed, err := tokens.Refresh(ctx, rec.UserID, rec.Provider)
	if err != nil {
		return rec, fmt.Errorf("%w: %s/%s: %v", adapter.ErrAuthExpired, rec.UserID, rec.Provider, err)
	}
	return refreshed, nil
}

// DiscoverTools returns the backend's static tool list. The result is
// cached on the handle since it is stable for the handle's lifetime.
func (a *Adapter) DiscoverTools(ctx context.Context) ([]models.ToolSchema, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tools != nil {
		return a.tools, nil
	}
	a.tools = a.backend.Tools()
	return a.tools, nil
}

// CallTool re-checks (and refreshes, if needed) the token on every call so a
// long-lived handle always uses a valid credential, then dispatches to the
// backend. Natural-language time arguments are the backend's concern, not
// this adapter's or the orchestrator's.
func (a *Adapter) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	a.mu.Lock()
	rec, err := ensureFresh(ctx, a.tokens, a.token)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	a.token = rec
	a.mu.Unlock()

	result, err := a.backend.Invoke(ctx, rec.AccessCiphertext, name, args)
	if err != nil {
		return nil, classifyBackendError(name, err)
	}
	return result, nil
}

// classifyBackendError maps an opaque backend error onto the §7 category
// taxonomy. Backends that already return a categorized error pass through
// unchanged; everything else is treated as a tool-level failure.
func classifyBackendError(tool string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, adapter.ErrAuthMissing), errors.Is(err, adapter.ErrAuthExpired),
		errors.Is(err, adapter.ErrTransport), errors.Is(err, adapter.ErrSessionEvicted),
		errors.Is(err, adapter.ErrBadArgument), errors.Is(err, adapter.ErrToolFailure),
		errors.Is(err, adapter.ErrTimeout):
		return err
	default:
		return fmt.Errorf("%w: %s: %v", adapter.ErrToolFailure, tool, err)
	}
}

// Ping has no cheaper probe than exercising the backend itself locally, so
// it reports unsupported and lets the caller fall back to DiscoverTools.
func (a *Adapter) Ping(ctx context.Context) error {
	return adapter.ErrPingUnsupported
}

// Close is a no-op: a local adapter owns no socket or session to release.
func (a *Adapter) Close() error { return nil }
