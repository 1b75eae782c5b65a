// Package convo implements the Conversation Store (C6): an append-only
// per-session turn log with token-budgeted context assembly, asynchronous
// summarization on overflow, and a background idle sweep.
package convo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/corvynix/voxctl/pkg/models"
)

const (
	defaultIdleTimeout   = 15 * time.Minute
	contextTurnWindow    = 15
	maxContextTokens     = 2500
	summaryFallbackTurns = 5
	sweepSchedule        = "*/10 * * * *"
)

// Summarizer produces a prose summary of a run of turns. Implementations
// typically call out to an LLM; tests use a canned stub. A Store only
// summarizes when one is installed with WithSummarizer; cmd/voxctl installs
// none, so there the context block falls back to the recent turns alone.
type Summarizer interface {
	Summarize(ctx context.Context, turns []models.SessionTurn) (string, error)
}

type sessionEntry struct {
	mu      sync.Mutex
	session models.Session
	turns   []models.SessionTurn
}

// Store is the Conversation Store. The zero value is not usable; use New.
type Store struct {
	mu       sync.RWMutex
	byID     map[string]*sessionEntry
	activeOf map[string]string // userID -> active sessionID

	summarizer   Summarizer
	logger       *slog.Logger
	nowFunc      func() time.Time
	onNewSession func(models.Session)
	idleTimeout  time.Duration
	repo         Repository

	cronRunner *cron.Cron
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithSummarizer installs the summarizer used on context overflow.
func WithSummarizer(s Summarizer) Option {
	return func(st *Store) { st.summarizer = s }
}

// WithLogger attaches a structured logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(st *Store) { st.logger = l }
}

// WithNowFunc overrides the store's clock, for deterministic idle-timeout
// and TTL tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(st *Store) { st.nowFunc = fn }
}

// WithSessionListener registers a callback invoked whenever a brand new
// session is opened, letting the gateway publish a "session" activity item
// without the Store knowing about HTTP or the activity log.
func WithSessionListener(fn func(models.Session)) Option {
	return func(st *Store) { st.onNewSession = fn }
}

// WithIdleTimeout overrides the default 15-minute idle timeout (§6
// SESSION_IDLE_TIMEOUT_MS).
func WithIdleTimeout(d time.Duration) Option {
	return func(st *Store) {
		if d > 0 {
			st.idleTimeout = d
		}
	}
}

// WithRepository attaches a durable write-through backend (e.g. a
// PostgresRepository). Writes to it are best-effort: a repository failure
// is logged but never fails the caller, since the in-memory map remains
// the authoritative store for the request path.
func WithRepository(repo Repository) Option {
	return func(st *Store) { st.repo = repo }
}

// New constructs an empty Store and starts its 10-minute idle sweep.
func New(opts ...Option) *Store {
	st := &Store{
		byID:        make(map[string]*sessionEntry),
		activeOf:    make(map[string]string),
		logger:      slog.Default(),
		nowFunc:     time.Now,
		idleTimeout: defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(st)
	}

	st.cronRunner = cron.New()
	_, _ = st.cronRunner.AddFunc(sweepSchedule, st.sweepIdleSessions)
	st.cronRunner.Start()

	return st
}

// Stop halts the background sweep. Safe to call once at process shutdown.
func (st *Store) Stop() {
	if st.cronRunner != nil {
		st.cronRunner.Stop()
	}
}

// GetOrCreateActive returns the user's current active session, opening a
// new one if none exists or the prior active timed out.
func (st *Store) GetOrCreateActive(userID string, mode models.SessionMode) models.Session {
	now := st.nowFunc()

	st.mu.Lock()
	if sid, ok := st.activeOf[userID]; ok {
		entry := st.byID[sid]
		entry.mu.Lock()
		timedOut := now.Sub(entry.session.LastActivityAt) >= st.idleTimeout
		if !timedOut {
			session := entry.session
			entry.mu.Unlock()
			st.mu.Unlock()
			return session
		}
		entry.session.Status = models.SessionTimeout
		entry.mu.Unlock()
		delete(st.activeOf, userID)
	}

	session := models.Session{
		SessionID:      uuid.NewString(),
		UserID:         userID,
		Mode:           mode,
		Status:         models.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	st.byID[session.SessionID] = &sessionEntry{session: session}
	st.activeOf[userID] = session.SessionID
	st.mu.Unlock()

	if st.onNewSession != nil {
		st.onNewSession(session)
	}
	st.persistSession(session)

	return session
}

// AppendTurn persists turn with the next TurnNumber and bumps the
// session's LastActivityAt and TurnCount.
func (st *Store) AppendTurn(sessionID string, turn models.SessionTurn) (models.Session, error) {
	st.mu.RLock()
	entry, ok := st.byID[sessionID]
	st.mu.RUnlock()
	if !ok {
		return models.Session{}, fmt.Errorf("convo: unknown session %s", sessionID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	turn.TurnNumber = entry.session.TurnCount + 1
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = st.nowFunc()
	}
	entry.turns = append(entry.turns, turn)
	entry.session.TurnCount = len(entry.turns)
	entry.session.LastActivityAt = st.nowFunc()
	session := entry.session

	st.persistTurn(session.SessionID, turn)
	st.persistSession(session)

	return session, nil
}

// EndSession marks sessionID with the given terminal status and clears it
// as the user's active session if it still is.
func (st *Store) EndSession(sessionID string, status models.SessionStatus) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	entry, ok := st.byID[sessionID]
	if !ok {
		return fmt.Errorf("convo: unknown session %s", sessionID)
	}

	entry.mu.Lock()
	entry.session.Status = status
	userID := entry.session.UserID
	session := entry.session
	entry.mu.Unlock()

	if st.activeOf[userID] == sessionID {
		delete(st.activeOf, userID)
	}
	st.persistSession(session)
	return nil
}

// persistSession and persistTurn write through to the optional durable
// Repository off the caller's goroutine, the same fire-and-forget pattern
// summarizeAsync uses for the LLM summarizer: a slow or unavailable backend
// must never stall a turn on the hot path.
func (st *Store) persistSession(session models.Session) {
	if st.repo == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.repo.SaveSession(ctx, session); err != nil {
			st.logger.Warn("durable session write failed", "session_id", session.SessionID, "error", err)
		}
	}()
}

func (st *Store) persistTurn(sessionID string, turn models.SessionTurn) {
	if st.repo == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.repo.AppendTurn(ctx, sessionID, turn); err != nil {
			st.logger.Warn("durable turn write failed", "session_id", sessionID, "turn", turn.TurnNumber, "error", err)
		}
	}()
}

// estimateTokens applies the spec's exact ceil(chars/4) heuristic.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// BuildContext returns a chronological "User: … / Assistant: …" block for
// the LLM, falling back to a cached summary plus the last few turns when
// the full window would exceed the token budget.
func (st *Store) BuildContext(ctx context.Context, sessionID string) (string, error) {
	st.mu.RLock()
	entry, ok := st.byID[sessionID]
	st.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("convo: unknown session %s", sessionID)
	}

	entry.mu.Lock()
	turns := append([]models.SessionTurn(nil), entry.turns...)
	summary := entry.session.ContextSummary
	lastSummarized := entry.session.LastSummarizedTurn
	entry.mu.Unlock()

	window := turns
	if len(window) > contextTurnWindow {
		window = window[len(window)-contextTurnWindow:]
	}

	rendered := renderTurns(window)
	if estimateTokens(rendered) <= maxContextTokens {
		return rendered, nil
	}

	tail := turns
	if len(tail) > summaryFallbackTurns {
		tail = tail[len(tail)-summaryFallbackTurns:]
	}
	tailRendered := renderTurns(tail)

	needsSummarization := len(turns)-len(tail) > lastSummarized
	if needsSummarization && st.summarizer != nil {
		go st.summarizeAsync(sessionID, turns[:len(turns)-len(tail)])
	}

	if summary == "" {
		return tailRendered, nil
	}
	return fmt.Sprintf("Previous conversation summary:\n%s\n\nRecent conversation:\n%s", summary, tailRendered), nil
}

func renderTurns(turns []models.SessionTurn) string {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", t.UserQuery, t.AssistantReply)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (st *Store) summarizeAsync(sessionID string, turns []models.SessionTurn) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	summary, err := st.summarizer.Summarize(ctx, turns)
	if err != nil {
		st.logger.Warn("background summarization failed", "session_id", sessionID, "error", err)
		return
	}

	st.mu.RLock()
	entry, ok := st.byID[sessionID]
	st.mu.RUnlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	entry.session.ContextSummary = summary
	entry.session.LastSummarizedTurn = len(turns)
	entry.mu.Unlock()
}

// sweepIdleSessions is the 10-minute background job: any active session
// idle past the store's idle timeout (15 minutes by default) is marked
// timeout.
func (st *Store) sweepIdleSessions() {
	now := st.nowFunc()

	st.mu.Lock()
	defer st.mu.Unlock()

	for userID, sid := range st.activeOf {
		entry := st.byID[sid]
		entry.mu.Lock()
		idle := now.Sub(entry.session.LastActivityAt) >= st.idleTimeout
		if idle {
			entry.session.Status = models.SessionTimeout
		}
		entry.mu.Unlock()

		if idle {
			delete(st.activeOf, userID)
		}
	}
}
