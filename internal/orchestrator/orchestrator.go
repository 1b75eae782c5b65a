// Package orchestrator implements the Orchestration Facade (C10): the
// public ProcessQuery entry point that stitches the Conversation Store,
// Connection Manager, Planner, and Executor together per §4.8, emitting a
// typed progress stream and persisting the completed turn.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corvynix/voxctl/internal/executor"
	"github.com/corvynix/voxctl/internal/planner"
	"github.com/corvynix/voxctl/internal/risk"
	"github.com/corvynix/voxctl/pkg/models"
)

// DefaultDeadline is the §5 60-second plan deadline.
const DefaultDeadline = 60 * time.Second

// ErrQueryInProgress is returned when a second ProcessQuery call arrives
// for a session that is still mid-flight, per §5's single-plan-at-a-time
// serialization rule.
var ErrQueryInProgress = errors.New("orchestrator: a query is already in progress for this session")

// ConversationStore is the subset of the Conversation Store (C6) the
// Facade depends on.
type ConversationStore interface {
	GetOrCreateActive(userID string, mode models.SessionMode) models.Session
	AppendTurn(sessionID string, turn models.SessionTurn) (models.Session, error)
	BuildContext(ctx context.Context, sessionID string) (string, error)
}

// ConnectionManager is the subset of the Connection Manager (C5) the
// Facade depends on directly (the Executor holds its own narrower view).
type ConnectionManager interface {
	ConnectedProviders(userID string) []string
	Tools(userID, provider string) ([]models.ToolSchema, bool)
}

// Planner is the subset of the two-stage LLM oracle (C8) the Facade drives.
type Planner interface {
	ClassifyIntent(ctx context.Context, query, contextBlock string) (planner.IntentType, error)
	ConversationalReply(ctx context.Context, query, contextBlock string) (string, error)
	Synthesize(ctx context.Context, registry planner.Registry, query, contextBlock string) (models.Plan, error)
}

// Executor is the subset of the Executor (C9) the Facade drives.
type Executor interface {
	Run(ctx context.Context, userID, sessionID string, plan models.Plan, queryText string, emit executor.ProgressEmitter) (models.OrchestrationResult, error)
	Resume(ctx context.Context, userID, sessionID string, pending risk.PendingConfirmation, emit executor.ProgressEmitter) (models.OrchestrationResult, error)
}

// Options configures one ProcessQuery call.
type Options struct {
	// Mode is the voice front end's driving mode; defaults to continuous.
	Mode models.SessionMode
	// OnProgress, if set, receives every ProgressEvent as it is emitted,
	// including the terminal "done" event. Safe to leave nil for
	// non-streaming callers who only want the final OrchestrationResult.
	OnProgress func(models.ProgressEvent)
	// Deadline overrides DefaultDeadline; zero means use the default.
	Deadline time.Duration
}

// Facade is the Orchestration Facade (C10).
type Facade struct {
	convo         ConversationStore
	connmgr       ConnectionManager
	planner       Planner
	executor      Executor
	confirmations *risk.ConfirmationStore
	logger        *slog.Logger

	gateMu sync.Mutex
	busy   map[string]struct{}
}

// New constructs a Facade around its collaborators.
func New(convo ConversationStore, connmgr ConnectionManager, plnr Planner, exec Executor, confirmations *risk.ConfirmationStore, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{
		convo:         convo,
		connmgr:       connmgr,
		planner:       plnr,
		executor:      exec,
		confirmations: confirmations,
		logger:        logger,
		busy:          make(map[string]struct{}),
	}
}

func (f *Facade) acquire(sessionID string) bool {
	f.gateMu.Lock()
	defer f.gateMu.Unlock()
	if _, ok := f.busy[sessionID]; ok {
		return false
	}
	f.busy[sessionID] = struct{}{}
	return true
}

func (f *Facade) release(sessionID string) {
	f.gateMu.Lock()
	defer f.gateMu.Unlock()
	delete(f.busy, sessionID)
}

// ProcessQuery runs the full §4.8 sequence for one user query and returns
// the terminal OrchestrationResult. If opts.OnProgress is set, every
// intermediate ProgressEvent (analyzing, discovering, selecting,
// executing, completed/error, done) is delivered to it in order, with
// "done" always last.
func (f *Facade) ProcessQuery(ctx context.Context, userID, query string, opts Options) (models.OrchestrationResult, error) {
	mode := opts.Mode
	if mode == "" {
		mode = models.ModeContinuous
	}
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	emit := opts.OnProgress
	if emit == nil {
		emit = func(models.ProgressEvent) {}
	}

	session := f.convo.GetOrCreateActive(userID, mode)

	if !f.acquire(session.SessionID) {
		return models.OrchestrationResult{}, ErrQueryInProgress
	}
	defer f.release(session.SessionID)

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	result, reply := f.run(ctx, userID, session.SessionID, query, emit)

	f.appendTurn(session.SessionID, query, reply, result, start)

	emit(models.ProgressEvent{Kind: models.ProgressDone, At: time.Now(), Payload: result})
	return result, nil
}

// run executes steps 1-6 of §4.8 (context already loaded via session) and
// returns the terminal result plus the reply text to persist in the turn.
func (f *Facade) run(ctx context.Context, userID, sessionID, query string, emit executor.ProgressEmitter) (models.OrchestrationResult, string) {
	emit(models.ProgressEvent{Kind: models.ProgressAnalyzing, Message: "analyzing query", At: time.Now()})

	contextBlock, err := f.convo.BuildContext(ctx, sessionID)
	if err != nil {
		f.logger.Warn("build context failed", "session_id", sessionID, "error", err)
	}

	if ctx.Err() != nil {
		return f.timeoutResult(emit), "I timed out working on that — please try again."
	}

	intent, err := f.planner.ClassifyIntent(ctx, query, contextBlock)
	if err != nil {
		f.logger.Warn("intent classification failed, defaulting to action", "session_id", sessionID, "error", err)
	}

	if intent == planner.IntentConversational {
		reply, err := f.planner.ConversationalReply(ctx, query, contextBlock)
		if err != nil {
			f.logger.Warn("conversational reply failed", "session_id", sessionID, "error", err)
		}
		return models.OrchestrationResult{Success: true, Reply: reply}, reply
	}

	emit(models.ProgressEvent{Kind: models.ProgressDiscovering, Message: "discovering connected services", At: time.Now()})

	registry := f.buildRegistry(userID)
	if len(registry) == 0 {
		reply := "You don't have any services connected yet — connect one to get started."
		return models.OrchestrationResult{
			NeedsClarification:    true,
			ClarificationQuestion: reply,
		}, reply
	}

	if ctx.Err() != nil {
		return f.timeoutResult(emit), "I timed out working on that — please try again."
	}

	emit(models.ProgressEvent{Kind: models.ProgressSelecting, Message: "selecting tools", At: time.Now()})

	plan, err := f.planner.Synthesize(ctx, registry, query, contextBlock)
	if err != nil {
		reply := "I ran into a problem planning that — please try again."
		emit(models.ProgressEvent{Kind: models.ProgressError, Message: err.Error(), At: time.Now()})
		return models.OrchestrationResult{NeedsClarification: true, ClarificationQuestion: reply}, reply
	}
	if plan.NeedsClarification {
		return models.OrchestrationResult{
			NeedsClarification:    true,
			ClarificationQuestion: plan.ClarificationQuestion,
		}, plan.ClarificationQuestion
	}

	emit(models.ProgressEvent{Kind: models.ProgressExecuting, Message: "executing plan", At: time.Now()})

	result, err := f.executor.Run(ctx, userID, sessionID, plan, query, emit)
	if err != nil {
		if errors.Is(err, executor.ErrSessionBusy) {
			reply := "I'm still working on your last request — one moment."
			return models.OrchestrationResult{NeedsClarification: true, ClarificationQuestion: reply}, reply
		}
		reply := fmt.Sprintf("I couldn't finish that: %v", err)
		return models.OrchestrationResult{Success: false, Reply: reply}, reply
	}

	return result, summarizeResult(result)
}

func (f *Facade) timeoutResult(emit executor.ProgressEmitter) models.OrchestrationResult {
	emit(models.ProgressEvent{Kind: models.ProgressError, Message: "TIMEOUT", At: time.Now()})
	return models.OrchestrationResult{Success: false, Reply: "I timed out working on that — please try again."}
}

// Capabilities returns the same provider->tools registry snapshot Stage B
// is built from, for the gateway's GET /voice/capabilities (§6).
func (f *Facade) Capabilities(userID string) planner.Registry {
	return f.buildRegistry(userID)
}

// buildRegistry assembles the compact provider->tools view the Planner's
// Stage B prompt is built from, limited to providers currently connected
// for userID (§4.8 step "ensure registry for the user is populated").
func (f *Facade) buildRegistry(userID string) planner.Registry {
	registry := make(planner.Registry)
	for _, provider := range f.connmgr.ConnectedProviders(userID) {
		if tools, ok := f.connmgr.Tools(userID, provider); ok {
			registry[provider] = tools
		}
	}
	return registry
}

// appendTurn persists the completed turn; failures are logged, not
// propagated, since the orchestration result itself has already been
// computed and should still reach the caller.
func (f *Facade) appendTurn(sessionID, query, reply string, result models.OrchestrationResult, start time.Time) {
	turn := models.SessionTurn{
		UserQuery:      query,
		AssistantReply: reply,
		ToolResults:    result.Steps,
		DurationMs:     time.Since(start).Milliseconds(),
	}
	if _, err := f.convo.AppendTurn(sessionID, turn); err != nil {
		f.logger.Warn("append turn failed", "session_id", sessionID, "error", err)
	}
}

// Confirm resumes a plan paused behind a confirmation gate (§4.9). response
// must match the literal token the paused step's risk level requires.
func (f *Facade) Confirm(ctx context.Context, userID, confirmationID, response string, onProgress func(models.ProgressEvent)) (models.OrchestrationResult, error) {
	emit := executor.ProgressEmitter(func(models.ProgressEvent) {})
	if onProgress != nil {
		emit = onProgress
	}

	pending, err := f.confirmations.Resolve(confirmationID, response)
	if err != nil {
		return models.OrchestrationResult{}, err
	}

	if !f.acquire(pending.SessionID) {
		return models.OrchestrationResult{}, ErrQueryInProgress
	}
	defer f.release(pending.SessionID)

	ctx, cancel := context.WithTimeout(ctx, DefaultDeadline)
	defer cancel()

	start := time.Now()
	result, err := f.executor.Resume(ctx, userID, pending.SessionID, pending, emit)
	if err != nil {
		return models.OrchestrationResult{}, err
	}

	f.appendTurn(pending.SessionID, "", summarizeResult(result), result, start)
	emit(models.ProgressEvent{Kind: models.ProgressDone, At: time.Now(), Payload: result})
	return result, nil
}

func summarizeResult(result models.OrchestrationResult) string {
	if result.ConfirmationID != "" {
		return result.RiskSummary
	}
	if result.NeedsClarification {
		return result.ClarificationQuestion
	}
	if !result.Success {
		return "That didn't complete successfully."
	}
	switch len(result.Steps) {
	case 0:
		return "Done."
	case 1:
		return fmt.Sprintf("Done — %s.%s completed.", result.Steps[0].Provider, result.Steps[0].Tool)
	default:
		return fmt.Sprintf("Done — completed %d steps.", len(result.Steps))
	}
}
