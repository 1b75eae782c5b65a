package risk

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corvynix/voxctl/pkg/models"
)

// ConfirmationTTL is how long a pending confirmation stays valid before it
// is pruned and must be re-planned.
const ConfirmationTTL = 5 * time.Minute

// ErrConfirmationNotFound means the id is unknown or has expired.
var ErrConfirmationNotFound = errors.New("risk: confirmation not found or expired")

// ErrConfirmationMismatch means the supplied token does not satisfy the
// pending step's required gate.
var ErrConfirmationMismatch = errors.New("risk: confirmation token does not match")

// PendingConfirmation is one paused plan awaiting a caller-supplied token.
type PendingConfirmation struct {
	ID        string
	SessionID string
	Plan      models.Plan
	StepIndex int
	Level     models.RiskLevel
	Summary   string
	CreatedAt time.Time
}

func (p PendingConfirmation) expired(now time.Time) bool {
	return now.Sub(p.CreatedAt) > ConfirmationTTL
}

// ConfirmationStore holds plans paused for user confirmation, pruning
// expired entries lazily on access (mirroring the teacher's ApprovalStore
// TTL-pruning pattern rather than running a separate sweep goroutine).
type ConfirmationStore struct {
	mu      sync.Mutex
	pending map[string]PendingConfirmation
	nowFunc func() time.Time
}

// NewConfirmationStore constructs an empty ConfirmationStore.
func NewConfirmationStore() *ConfirmationStore {
	return &ConfirmationStore{
		pending: make(map[string]PendingConfirmation),
		nowFunc: time.Now,
	}
}

// Create registers a new pending confirmation and returns its generated ID.
func (s *ConfirmationStore) Create(sessionID string, plan models.Plan, stepIndex int, level models.RiskLevel, summary string) string {
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = PendingConfirmation{
		ID:        id,
		SessionID: sessionID,
		Plan:      plan,
		StepIndex: stepIndex,
		Level:     level,
		Summary:   summary,
		CreatedAt: s.nowFunc(),
	}
	return id
}

// Resolve validates response against the stored confirmation's required
// gate, removes the entry regardless of outcome (single-use), and returns
// the paused plan on success.
func (s *ConfirmationStore) Resolve(id, response string) (PendingConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked()

	p, ok := s.pending[id]
	if !ok {
		return PendingConfirmation{}, ErrConfirmationNotFound
	}
	delete(s.pending, id)

	if !matchesToken(p.Level, response) {
		return PendingConfirmation{}, ErrConfirmationMismatch
	}
	return p, nil
}

// matchesToken checks the literal confirmation token required for level:
// "confirm" or "yes" (case-insensitive) for MEDIUM, the case-sensitive
// literal "APPROVED" for HIGH.
func matchesToken(level models.RiskLevel, response string) bool {
	switch level {
	case models.RiskHigh:
		return response == "APPROVED"
	case models.RiskMedium:
		lower := strings.ToLower(strings.TrimSpace(response))
		return lower == "confirm" || lower == "yes"
	default:
		return true
	}
}

func (s *ConfirmationStore) pruneLocked() {
	now := s.nowFunc()
	for id, p := range s.pending {
		if p.expired(now) {
			delete(s.pending, id)
		}
	}
}
