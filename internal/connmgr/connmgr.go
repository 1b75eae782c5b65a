// Package connmgr implements the Connection Manager (C5): the single
// source of truth for "is user U's provider P usable?" It owns the
// per-(user, provider) handle map, dials local or remote adapters on
// demand, and runs a periodic health ticker that reconnects with
// exponential backoff.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corvynix/voxctl/internal/adapter"
	"github.com/corvynix/voxctl/pkg/models"
)

const (
	defaultHealthInterval      = 30 * time.Second
	defaultPingTimeout         = 5 * time.Second
	defaultBackoffBase         = time.Second
	defaultMaxReconnectAttempts = 3
)

// Dialer builds a live Adapter for (userID, provider). The Manager holds
// one Dialer per provider's configured transport kind (local vs remote);
// callers register dialers at startup from the resolved config.
type Dialer func(ctx context.Context, userID, provider string) (adapter.Adapter, models.TransportKind, error)

type handle struct {
	mu      sync.Mutex // guards fields below; adapter calls happen outside this lock
	adapter adapter.Adapter
	status  models.ConnectionHandle
	tools   []models.ToolSchema

	stopTicker chan struct{}
	tickerDone chan struct{}
}

// Manager is the Connection Manager. The zero value is not usable; use New.
type Manager struct {
	dialers map[string]Dialer

	mapMu   sync.RWMutex
	handles map[string]*handle

	healthInterval       time.Duration
	pingTimeout          time.Duration
	backoffBase          time.Duration
	maxReconnectAttempts int
	logger               *slog.Logger

	onStatusChange func(models.ConnectionStatus)
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithHealthInterval overrides the default 30s health ticker period.
func WithHealthInterval(d time.Duration) Option {
	return func(m *Manager) { m.healthInterval = d }
}

// WithLogger attaches a structured logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithStatusListener registers a callback invoked on every connection
// state transition, letting the gateway publish status over its own
// channel without the Manager knowing about HTTP.
func WithStatusListener(fn func(models.ConnectionStatus)) Option {
	return func(m *Manager) { m.onStatusChange = fn }
}

// WithMaxReconnectAttempts overrides the default 3-attempt reconnect
// ceiling (§6 MCP_MAX_RECONNECT_ATTEMPTS).
func WithMaxReconnectAttempts(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxReconnectAttempts = n
		}
	}
}

// WithReconnectBackoff overrides the default 1s base of the
// base*2^(attempt-1) backoff schedule (§6 MCP_RECONNECT_BACKOFF_MS).
func WithReconnectBackoff(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.backoffBase = d
		}
	}
}

// New constructs a Manager. dialers maps provider name to the Dialer that
// knows how to build a live adapter for it (local or remote, per config).
func New(dialers map[string]Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialers:              dialers,
		handles:              make(map[string]*handle),
		healthInterval:       defaultHealthInterval,
		pingTimeout:          defaultPingTimeout,
		backoffBase:          defaultBackoffBase,
		maxReconnectAttempts: defaultMaxReconnectAttempts,
		logger:               slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func key(userID, provider string) string { return userID + "\x00" + provider }

// Connect dials the provider's adapter, discovers its tools, starts the
// health ticker, and records the handle as connected. Calling Connect on
// an already-connected pair is a no-op that returns the cached tool list.
func (m *Manager) Connect(ctx context.Context, userID, provider string) ([]models.ToolSchema, error) {
	k := key(userID, provider)

	m.mapMu.Lock()
	h, exists := m.handles[k]
	if !exists {
		h = &handle{status: models.ConnectionHandle{
			UserID: userID, Provider: provider, State: models.ConnStateConnecting,
		}}
		m.handles[k] = h
	}
	m.mapMu.Unlock()

	h.mu.Lock()
	if h.adapter != nil && h.status.State == models.ConnStateConnected {
		tools := h.tools
		h.mu.Unlock()
		return tools, nil
	}
	h.mu.Unlock()

	dialer, ok := m.dialers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: no dialer registered for provider %s", adapter.ErrBadArgument, provider)
	}

	a, transport, err := dialer(ctx, userID, provider)
	if err != nil {
		m.recordError(h, err)
		return nil, err
	}

	tools, err := a.DiscoverTools(ctx)
	if err != nil {
		_ = a.Close()
		m.recordError(h, err)
		return nil, err
	}

	h.mu.Lock()
	h.adapter = a
	h.tools = tools
	h.status.State = models.ConnStateConnected
	h.status.Transport = transport
	h.status.ToolCount = len(tools)
	h.status.LastHealthyAt = time.Now()
	h.status.BackoffAttempt = 0
	h.status.LastError = ""
	if h.stopTicker == nil {
		h.stopTicker = make(chan struct{})
		h.tickerDone = make(chan struct{})
		go m.runHealthTicker(userID, provider, h)
	}
	h.mu.Unlock()

	m.publish(h)
	return tools, nil
}

// Tools returns the cached tool schemas discovered the last time
// (userID, provider) connected, the compact registry entry the Planner's
// Stage B prompt is assembled from.
func (m *Manager) Tools(userID, provider string) ([]models.ToolSchema, bool) {
	m.mapMu.RLock()
	h, ok := m.handles[key(userID, provider)]
	m.mapMu.RUnlock()
	if !ok {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.adapter == nil || h.status.State != models.ConnStateConnected {
		return nil, false
	}
	return h.tools, true
}

// Disconnect stops the health ticker, closes the adapter, and drops the
// handle entirely.
func (m *Manager) Disconnect(userID, provider string) error {
	k := key(userID, provider)

	m.mapMu.Lock()
	h, ok := m.handles[k]
	if ok {
		delete(m.handles, k)
	}
	m.mapMu.Unlock()
	if !ok {
		return nil
	}

	h.mu.Lock()
	a := h.adapter
	stop := h.stopTicker
	done := h.tickerDone
	h.adapter = nil
	h.status.State = models.ConnStateClosed
	h.mu.Unlock()

	m.publish(h)

	if stop != nil {
		close(stop)
		<-done
	}
	if a != nil {
		return a.Close()
	}
	return nil
}

// CallTool dispatches to the live adapter, transparently connecting first
// if no handle exists yet (this lets the Planner reference providers that
// have a valid token but no live session).
func (m *Manager) CallTool(ctx context.Context, userID, provider, name string, args map[string]any) (any, error) {
	m.mapMu.RLock()
	h, ok := m.handles[key(userID, provider)]
	m.mapMu.RUnlock()

	if !ok || !m.isUsable(h) {
		if _, err := m.Connect(ctx, userID, provider); err != nil {
			return nil, err
		}
		m.mapMu.RLock()
		h = m.handles[key(userID, provider)]
		m.mapMu.RUnlock()
	}

	h.mu.Lock()
	a := h.adapter
	h.mu.Unlock()
	if a == nil {
		return nil, fmt.Errorf("%w: %s/%s: no live adapter", adapter.ErrTransport, userID, provider)
	}

	result, err := a.CallTool(ctx, name, args)
	if err != nil {
		if errors.Is(err, adapter.ErrSessionEvicted) {
			_ = m.Disconnect(userID, provider)
			if _, connErr := m.Connect(ctx, userID, provider); connErr != nil {
				return nil, connErr
			}
			m.mapMu.RLock()
			h = m.handles[key(userID, provider)]
			m.mapMu.RUnlock()
			h.mu.Lock()
			a = h.adapter
			h.mu.Unlock()
			return a.CallTool(ctx, name, args)
		}
		return nil, err
	}
	return result, nil
}

// IsConnected is a pure predicate over the handle map.
func (m *Manager) IsConnected(userID, provider string) bool {
	m.mapMu.RLock()
	h, ok := m.handles[key(userID, provider)]
	m.mapMu.RUnlock()
	if !ok {
		return false
	}
	return m.isUsable(h)
}

func (m *Manager) isUsable(h *handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.adapter != nil && h.status.State == models.ConnStateConnected
}

// Shutdown disconnects every handle, stopping its health ticker and
// closing its adapter, per §5's graceful-shutdown requirement ("closing
// every handle and stopping every ticker").
func (m *Manager) Shutdown() {
	m.mapMu.RLock()
	keys := make([]string, 0, len(m.handles))
	for k := range m.handles {
		keys = append(keys, k)
	}
	m.mapMu.RUnlock()

	for _, k := range keys {
		userID, provider, ok := splitKey(k)
		if !ok {
			continue
		}
		if err := m.Disconnect(userID, provider); err != nil {
			m.logger.Warn("shutdown disconnect failed", "user", userID, "provider", provider, "error", err)
		}
	}
}

func splitKey(k string) (userID, provider string, ok bool) {
	for i := 0; i < len(k); i++ {
		if k[i] == 0 {
			return k[:i], k[i+1:], true
		}
	}
	return "", "", false
}

// GetHandle is a read-only accessor for the Planner's registry introspection.
func (m *Manager) GetHandle(userID, provider string) (models.ConnectionHandle, bool) {
	m.mapMu.RLock()
	h, ok := m.handles[key(userID, provider)]
	m.mapMu.RUnlock()
	if !ok {
		return models.ConnectionHandle{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, true
}

// ConnectedProviders returns every provider currently connected for userID,
// the compact registry snapshot the Planner's Stage B prompt is built from.
func (m *Manager) ConnectedProviders(userID string) []string {
	m.mapMu.RLock()
	defer m.mapMu.RUnlock()

	prefix := userID + "\x00"
	var providers []string
	for k, h := range m.handles {
		if len(k) <= len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		h.mu.Lock()
		connected := h.adapter != nil && h.status.State == models.ConnStateConnected
		provider := h.status.Provider
		h.mu.Unlock()
		if connected {
			providers = append(providers, provider)
		}
	}
	return providers
}

func (m *Manager) recordError(h *handle, err error) {
	h.mu.Lock()
	h.status.State = models.ConnStateError
	h.status.LastError = err.Error()
	h.mu.Unlock()
	m.publish(h)
}

func (m *Manager) publish(h *handle) {
	if m.onStatusChange == nil {
		return
	}
	h.mu.Lock()
	status := models.ConnectionStatus{
		UserID:        h.status.UserID,
		Provider:      h.status.Provider,
		State:         h.status.State,
		ToolCount:     h.status.ToolCount,
		LastError:     h.status.LastError,
		LastHealthyAt: h.status.LastHealthyAt,
	}
	h.mu.Unlock()
	m.onStatusChange(status)
}

// runHealthTicker pings the adapter on a fixed interval, updating the
// handle's health fields and driving reconnect-with-backoff on failure.
func (m *Manager) runHealthTicker(userID, provider string, h *handle) {
	defer close(h.tickerDone)

	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopTicker:
			return
		case <-ticker.C:
			m.healthCheck(userID, provider, h)
		}
	}
}

func (m *Manager) healthCheck(userID, provider string, h *handle) {
	h.mu.Lock()
	a := h.adapter
	attempt := h.status.BackoffAttempt
	h.mu.Unlock()
	if a == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.pingTimeout)
	defer cancel()

	err := a.Ping(ctx)
	if errors.Is(err, adapter.ErrPingUnsupported) {
		_, err = a.DiscoverTools(ctx)
	}

	if err == nil {
		h.mu.Lock()
		h.status.State = models.ConnStateConnected
		h.status.LastHealthyAt = time.Now()
		h.status.BackoffAttempt = 0
		h.status.LastError = ""
		h.mu.Unlock()
		m.publish(h)
		return
	}

	m.logger.Warn("health check failed", "user", userID, "provider", provider, "error", err)

	h.mu.Lock()
	h.status.State = models.ConnStateError
	h.status.LastError = err.Error()
	h.mu.Unlock()
	m.publish(h)

	if attempt >= m.maxReconnectAttempts {
		return
	}
	delay := m.backoffBase << attempt
	h.mu.Lock()
	h.status.BackoffAttempt = attempt + 1
	h.mu.Unlock()

	select {
	case <-h.stopTicker:
		return
	case <-time.After(delay):
		m.reconnect(userID, provider, h)
	}
}

func (m *Manager) reconnect(userID, provider string, h *handle) {
	dialer, ok := m.dialers[provider]
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.pingTimeout)
	defer cancel()

	a, transport, err := dialer(ctx, userID, provider)
	if err != nil {
		m.recordError(h, err)
		return
	}
	tools, err := a.DiscoverTools(ctx)
	if err != nil {
		_ = a.Close()
		m.recordError(h, err)
		return
	}

	h.mu.Lock()
	old := h.adapter
	h.adapter = a
	h.tools = tools
	h.status.State = models.ConnStateConnected
	h.status.Transport = transport
	h.status.ToolCount = len(tools)
	h.status.LastHealthyAt = time.Now()
	h.status.BackoffAttempt = 0
	h.status.LastError = ""
	h.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	m.publish(h)
}
