package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/corvynix/voxctl/internal/risk"
	"github.com/corvynix/voxctl/pkg/models"
)

// Connector is the subset of the Connection Manager the Executor needs:
// ensuring a live handle before the first call to a provider within a plan,
// and dispatching a single tool call against it.
type Connector interface {
	Connect(ctx context.Context, userID, provider string) ([]models.ToolSchema, error)
	CallTool(ctx context.Context, userID, provider, name string, args map[string]any) (any, error)
}

// ProgressEmitter receives one event per meaningful step transition. It
// must not block for long; callers typically forward into a buffered
// channel or an SSE writer.
type ProgressEmitter func(models.ProgressEvent)

// ErrSessionBusy is returned when a plan is already running for this
// session; callers for the same session must be rejected rather than
// queued, per the spec's serialization rule.
var ErrSessionBusy = errors.New("executor: a plan is already running for this session")

var (
	executorStepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voxctl_executor_steps_total",
		Help: "Plan steps executed, partitioned by outcome.",
	}, []string{"outcome"})
	executorSmartRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voxctl_executor_smart_retries_total",
		Help: "Zero-result list/search steps retried with broadened time params.",
	})
	executorConfirmationsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voxctl_executor_confirmations_issued_total",
		Help: "Plans paused pending a user confirmation token.",
	})
)

func init() {
	prometheus.MustRegister(executorStepsTotal, executorSmartRetries, executorConfirmationsIssued)
}

// sessionGate rejects a second concurrent Run for the same session rather
// than queuing it, mirroring the teacher's per-session lock but with
// try-acquire semantics instead of blocking acquire.
type sessionGate struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func newSessionGate() *sessionGate {
	return &sessionGate{busy: make(map[string]struct{})}
}

func (g *sessionGate) tryAcquire(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.busy[sessionID]; ok {
		return false
	}
	g.busy[sessionID] = struct{}{}
	return true
}

func (g *sessionGate) release(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.busy, sessionID)
}

// Executor runs a Plan step by step per §4.9: connection-on-demand,
// parameter template resolution, iteration fan-out, one smart retry for
// an empty list/search, risk gating, and short-circuit on failure.
type Executor struct {
	connector     Connector
	confirmations *risk.ConfirmationStore
	gate          *sessionGate
}

// New constructs an Executor around a live Connector and the shared
// ConfirmationStore the gateway's /voice/confirm handler also reads from.
func New(connector Connector, confirmations *risk.ConfirmationStore) *Executor {
	return &Executor{
		connector:     connector,
		confirmations: confirmations,
		gate:          newSessionGate(),
	}
}

// Run executes plan from its first step for a fresh turn.
func (e *Executor) Run(ctx context.Context, userID, sessionID string, plan models.Plan, queryText string, emit ProgressEmitter) (models.OrchestrationResult, error) {
	if !e.gate.tryAcquire(sessionID) {
		return models.OrchestrationResult{}, ErrSessionBusy
	}
	defer e.gate.release(sessionID)

	return e.execute(ctx, userID, sessionID, plan, queryText, -1, emit)
}

// Resume re-enters a paused plan at pending.StepIndex, skipping the risk
// gate for that one step since its confirmation has just been validated.
// The original query text is not retained by the confirmation store, so
// fan-out phrasing in the query cannot re-trigger gating for later steps
// on resume — an accepted simplification since the plan itself was already
// synthesized from that query.
func (e *Executor) Resume(ctx context.Context, userID, sessionID string, pending risk.PendingConfirmation, emit ProgressEmitter) (models.OrchestrationResult, error) {
	if !e.gate.tryAcquire(sessionID) {
		return models.OrchestrationResult{}, ErrSessionBusy
	}
	defer e.gate.release(sessionID)

	return e.execute(ctx, userID, sessionID, pending.Plan, "", pending.StepIndex, emit)
}

func (e *Executor) execute(ctx context.Context, userID, sessionID string, plan models.Plan, queryText string, preConfirmedStep int, emit ProgressEmitter) (models.OrchestrationResult, error) {
	start := time.Now()

	results := make([]any, len(plan.Steps))
	stepResults := make([]models.StepResult, 0, len(plan.Steps))
	connected := make(map[string]bool, 2)
	anySucceeded := false

	for i := range plan.Steps {
		step := &plan.Steps[i]

		if ctx.Err() != nil {
			sr := models.StepResult{Provider: step.Provider, Tool: step.Tool, Success: false, Error: ctx.Err().Error()}
			stepResults = append(stepResults, sr)
			emit(models.ProgressEvent{Kind: models.ProgressError, Message: sr.Error, At: time.Now(), Payload: sr})
			break
		}

		if step.IterateOver != "" {
			sr, paused := e.runIterationStep(ctx, userID, sessionID, plan, step, i, results, queryText, preConfirmedStep, connected, emit)
			if paused != nil {
				paused.Steps = stepResults
				paused.TotalMs = time.Since(start).Milliseconds()
				return *paused, nil
			}
			stepResults = append(stepResults, sr)
			results[i] = sr.Data
			if sr.Success {
				anySucceeded = true
			} else {
				break
			}
			continue
		}

		sr, paused := e.runSingleStep(ctx, userID, sessionID, plan, step, i, results, queryText, preConfirmedStep, connected, emit)
		if paused != nil {
			paused.Steps = stepResults
			paused.TotalMs = time.Since(start).Milliseconds()
			return *paused, nil
		}
		stepResults = append(stepResults, sr)
		results[i] = sr.Data
		if sr.Success {
			anySucceeded = true
		} else {
			break
		}
	}

	return models.OrchestrationResult{
		Success: anySucceeded,
		Steps:   stepResults,
		TotalMs: time.Since(start).Milliseconds(),
	}, nil
}

// runSingleStep executes one non-iterating step, applying the smart retry
// for an empty list/search result.
func (e *Executor) runSingleStep(ctx context.Context, userID, sessionID string, plan models.Plan, step *models.PlanStep, index int, results []any, queryText string, preConfirmedStep int, connected map[string]bool, emit ProgressEmitter) (models.StepResult, *models.OrchestrationResult) {
	resolved := resolveParams(step.Params, results, nil)

	if index != preConfirmedStep {
		if paused := e.gateStep(sessionID, plan, index, resolved, queryText, emit); paused != nil {
			return models.StepResult{}, paused
		}
	}

	if err := e.ensureConnected(ctx, userID, step.Provider, connected); err != nil {
		return e.failStep(step, err, emit), nil
	}

	emit(models.ProgressEvent{Kind: models.ProgressExecuting, Message: fmt.Sprintf("calling %s.%s", step.Provider, step.Tool), At: time.Now()})

	raw, err := e.connector.CallTool(ctx, userID, step.Provider, step.Tool, resolved)
	if err != nil {
		return e.failStep(step, err, emit), nil
	}
	data := unwrapEnvelope(raw)

	verb := extractVerb(step.Tool)
	if isListVerb(verb) && isEmptyListResult(data) && mentionsRecentItem(queryText) {
		broadened := broadenedParams(resolved)
		if retryRaw, retryErr := e.connector.CallTool(ctx, userID, step.Provider, step.Tool, broadened); retryErr == nil {
			executorSmartRetries.Inc()
			retryData := unwrapEnvelope(retryRaw)
			if !isEmptyListResult(retryData) {
				data = retryData
			}
		}
	}

	sr := models.StepResult{Success: true, Provider: step.Provider, Tool: step.Tool, Data: data}
	executorStepsTotal.WithLabelValues("success").Inc()
	emit(models.ProgressEvent{Kind: models.ProgressCompleted, At: time.Now(), Payload: sr})
	return sr, nil
}

// runIterationStep resolves IterateOver to an array and fans out one call
// per item, aggregating into an IterationResult.
func (e *Executor) runIterationStep(ctx context.Context, userID, sessionID string, plan models.Plan, step *models.PlanStep, index int, results []any, queryText string, preConfirmedStep int, connected map[string]bool, emit ProgressEmitter) (models.StepResult, *models.OrchestrationResult) {
	arrVal := resolveValue(step.IterateOver, results, nil)
	items, _ := arrVal.([]any)

	assessParams := cloneParams(step.Params)
	assessParams["count"] = float64(len(items))

	if index != preConfirmedStep {
		if paused := e.gateStep(sessionID, plan, index, assessParams, queryText, emit); paused != nil {
			return models.StepResult{}, paused
		}
	}

	if len(items) == 0 {
		sr := models.StepResult{Success: false, Provider: step.Provider, Tool: step.Tool, Error: "no items to iterate over"}
		executorStepsTotal.WithLabelValues("error").Inc()
		emit(models.ProgressEvent{Kind: models.ProgressError, Message: sr.Error, At: time.Now(), Payload: sr})
		return sr, nil
	}

	if err := e.ensureConnected(ctx, userID, step.Provider, connected); err != nil {
		return e.failStep(step, err, emit), nil
	}

	perItem := make([]models.StepResult, 0, len(items))
	successCount := 0

	for _, item := range items {
		resolvedBase := resolveParams(step.Params, results, item)
		merged := mergeIterationParams(resolvedBase, item)

		raw, err := e.connector.CallTool(ctx, userID, step.Provider, step.Tool, merged)
		var itemResult models.StepResult
		if err != nil {
			itemResult = models.StepResult{Success: false, Provider: step.Provider, Tool: step.Tool, Error: err.Error()}
		} else {
			itemResult = models.StepResult{Success: true, Provider: step.Provider, Tool: step.Tool, Data: unwrapEnvelope(raw)}
			successCount++
		}
		perItem = append(perItem, itemResult)
		emit(models.ProgressEvent{Kind: models.ProgressCompleted, At: time.Now(), Payload: itemResult})
	}

	iterResult := models.IterationResult{
		IterationCount: len(items),
		SuccessCount:   successCount,
		PerItem:        perItem,
	}
	success := successCount > 0

	sr := models.StepResult{Success: success, Provider: step.Provider, Tool: step.Tool, Data: iterResult}
	if success {
		executorStepsTotal.WithLabelValues("success").Inc()
	} else {
		executorStepsTotal.WithLabelValues("error").Inc()
		sr.Error = "every iteration failed"
		emit(models.ProgressEvent{Kind: models.ProgressError, Message: sr.Error, At: time.Now(), Payload: sr})
	}

	return sr, nil
}

// gateStep assesses risk for a step and, if it requires a confirmation the
// caller has not already supplied, pauses the plan and returns a terminal
// OrchestrationResult carrying the generated ConfirmationID.
func (e *Executor) gateStep(sessionID string, plan models.Plan, index int, params map[string]any, queryText string, emit ProgressEmitter) *models.OrchestrationResult {
	step := &plan.Steps[index]
	assessment := risk.Assess(extractVerb(step.Tool), params, queryText)
	step.Risk = assessment.Level

	if !assessment.Level.RequiresConfirmation() {
		return nil
	}

	summary := buildRiskSummary(assessment, step)
	// The stored plan carries step.Risk already set, so a resumed run
	// skips re-gating this exact step (preConfirmedStep == index).
	confirmationID := e.confirmations.Create(sessionID, plan, index, assessment.Level, summary)
	executorConfirmationsIssued.Inc()

	result := models.OrchestrationResult{
		ConfirmationID: confirmationID,
		RiskSummary:    summary,
	}
	emit(models.ProgressEvent{Kind: models.ProgressError, Message: summary, At: time.Now(), Payload: result})
	return &result
}

func (e *Executor) ensureConnected(ctx context.Context, userID, provider string, connected map[string]bool) error {
	if connected[provider] {
		return nil
	}
	if _, err := e.connector.Connect(ctx, userID, provider); err != nil {
		return err
	}
	connected[provider] = true
	return nil
}

func (e *Executor) failStep(step *models.PlanStep, err error, emit ProgressEmitter) models.StepResult {
	sr := models.StepResult{Success: false, Provider: step.Provider, Tool: step.Tool, Error: err.Error()}
	executorStepsTotal.WithLabelValues("error").Inc()
	emit(models.ProgressEvent{Kind: models.ProgressError, Message: err.Error(), At: time.Now(), Payload: sr})
	return sr
}

func buildRiskSummary(a risk.Assessment, step *models.PlanStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s.%s is rated %s risk", step.Provider, step.Tool, a.Level)
	if a.Destructive {
		b.WriteString(" (destructive)")
	}
	if len(a.Reasons) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(a.Reasons, "; "))
	}
	if a.Level.RequiresManualApproval() {
		b.WriteString(`. Reply "APPROVED" to proceed.`)
	} else {
		b.WriteString(`. Reply "confirm" to proceed.`)
	}
	return b.String()
}

// extractVerb derives the Risk Assessor's verb vocabulary from a tool
// name's first underscore-delimited segment ("delete_event" -> "delete"),
// the naming convention every adapter in the corpus follows.
func extractVerb(tool string) string {
	if idx := strings.IndexByte(tool, '_'); idx > 0 {
		return strings.ToLower(tool[:idx])
	}
	return strings.ToLower(tool)
}

func isListVerb(verb string) bool {
	return verb == "list" || verb == "search"
}

// unwrapEnvelope extracts data from an adapter's {success, data} envelope;
// any other shape passes through unchanged.
func unwrapEnvelope(raw any) any {
	m, ok := raw.(map[string]any)
	if !ok {
		return raw
	}
	data, hasData := m["data"]
	if _, hasSuccess := m["success"]; hasSuccess && hasData {
		return data
	}
	return raw
}

func isEmptyListResult(data any) bool {
	switch v := data.(type) {
	case nil:
		return true
	case []any:
		return len(v) == 0
	case map[string]any:
		if items, ok := v["items"].([]any); ok {
			return len(items) == 0
		}
		if count, ok := v["count"].(float64); ok {
			return count == 0
		}
	}
	return false
}

var recentItemPhrases = []string{"recent", "just create", "just added", "just made", "i created", "i made", "earlier today", "a moment ago"}

// mentionsRecentItem is the heuristic trigger for the smart retry: the
// query implies an item should exist that a narrow time window missed.
func mentionsRecentItem(queryText string) bool {
	lower := strings.ToLower(queryText)
	for _, p := range recentItemPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func broadenedParams(params map[string]any) map[string]any {
	out := cloneParams(params)
	if _, ok := out["timeMin"]; ok {
		out["timeMin"] = "today"
	}
	if _, ok := out["timeMax"]; ok {
		out["timeMax"] = "in 7 days"
	}
	return out
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
