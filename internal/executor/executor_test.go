package executor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/corvynix/voxctl/internal/risk"
	"github.com/corvynix/voxctl/pkg/models"
)

type toolCall struct {
	provider string
	name     string
	args     map[string]any
}

type fakeConnector struct {
	mu          sync.Mutex
	calls       []toolCall
	connects    []string
	connectErr  error
	results     map[string]any // keyed by provider+"."+name, popped in FIFO order per key
	resultQueue map[string][]any
	errQueue    map[string][]error
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		resultQueue: make(map[string][]any),
		errQueue:    make(map[string][]error),
	}
}

func (f *fakeConnector) queueResult(provider, name string, result any, err error) {
	key := provider + "." + name
	f.resultQueue[key] = append(f.resultQueue[key], result)
	f.errQueue[key] = append(f.errQueue[key], err)
}

func (f *fakeConnector) Connect(ctx context.Context, userID, provider string) ([]models.ToolSchema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, provider)
	return nil, f.connectErr
}

func (f *fakeConnector) CallTool(ctx context.Context, userID, provider, name string, args map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, toolCall{provider: provider, name: name, args: args})

	key := provider + "." + name
	queue := f.resultQueue[key]
	errs := f.errQueue[key]
	if len(queue) == 0 {
		return nil, errors.New("fakeConnector: no queued result for " + key)
	}
	result := queue[0]
	err := errs[0]
	f.resultQueue[key] = queue[1:]
	f.errQueue[key] = errs[1:]
	return result, err
}

func collectEvents(events *[]models.ProgressEvent) ProgressEmitter {
	return func(e models.ProgressEvent) { *events = append(*events, e) }
}

func TestRun_SingleSafeStepSucceeds(t *testing.T) {
	conn := newFakeConnector()
	conn.queueResult("calendar", "list_events", []any{"evt-1"}, nil)

	ex := New(conn, risk.NewConfirmationStore())
	plan := models.Plan{Steps: []models.PlanStep{
		{Provider: "calendar", Tool: "list_events", Params: map[string]any{}},
	}}

	var events []models.ProgressEvent
	result, err := ex.Run(context.Background(), "user-1", "sess-1", plan, "what's on my calendar", collectEvents(&events))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(result.Steps) != 1 || !result.Steps[0].Success {
		t.Fatalf("expected one successful step, got %+v", result.Steps)
	}
	if len(conn.connects) != 1 {
		t.Errorf("expected exactly one Connect call, got %d", len(conn.connects))
	}
}

func TestRun_MediumRiskStepPausesForConfirmation(t *testing.T) {
	conn := newFakeConnector()
	ex := New(conn, risk.NewConfirmationStore())

	plan := models.Plan{Steps: []models.PlanStep{
		{Provider: "calendar", Tool: "delete_event", Params: map[string]any{"eventId": "evt-1"}},
	}}

	var events []models.ProgressEvent
	result, err := ex.Run(context.Background(), "user-1", "sess-1", plan, "cancel my 3pm meeting", collectEvents(&events))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ConfirmationID == "" {
		t.Fatal("expected a ConfirmationID for a MEDIUM-risk destructive step")
	}
	if len(conn.calls) != 0 {
		t.Errorf("expected no tool calls before confirmation, got %d", len(conn.calls))
	}
}

func TestRun_HighRiskFanOutPausesForConfirmation(t *testing.T) {
	conn := newFakeConnector()
	ex := New(conn, risk.NewConfirmationStore())

	plan := models.Plan{Steps: []models.PlanStep{
		{Provider: "calendar", Tool: "delete_event", Params: map[string]any{"eventId": "evt-1"}},
	}}

	var events []models.ProgressEvent
	result, _ := ex.Run(context.Background(), "user-1", "sess-1", plan, "delete all my meetings tomorrow", collectEvents(&events))
	if result.ConfirmationID == "" {
		t.Fatal("expected pause for a HIGH-risk fan-out phrase")
	}
}

func TestRun_EmptyIterationShortCircuits(t *testing.T) {
	conn := newFakeConnector()
	conn.queueResult("calendar", "list_events", []any{}, nil)

	ex := New(conn, risk.NewConfirmationStore())
	plan := models.Plan{Steps: []models.PlanStep{
		{Provider: "calendar", Tool: "list_events", Params: map[string]any{}},
		{Provider: "calendar", Tool: "get_event_details", IterateOver: "{{results[0]}}"},
	}}

	var events []models.ProgressEvent
	result, err := ex.Run(context.Background(), "user-1", "sess-1", plan, "tell me about them", collectEvents(&events))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Fatal("expected overall success: the list step succeeded before the empty iteration short-circuited the plan")
	}
	if len(result.Steps) != 2 {
		t.Fatalf("expected both steps recorded, got %d", len(result.Steps))
	}
	if result.Steps[1].Error != "no items to iterate over" {
		t.Errorf("Error = %q", result.Steps[1].Error)
	}
}

func TestRun_IterationFansOutOverResolvedArray(t *testing.T) {
	conn := newFakeConnector()
	conn.queueResult("calendar", "list_events", []any{
		map[string]any{"id": "evt-1"},
		map[string]any{"id": "evt-2"},
	}, nil)
	conn.queueResult("calendar", "delete_event", map[string]any{"success": true, "data": "deleted"}, nil)
	conn.queueResult("calendar", "delete_event", map[string]any{"success": true, "data": "deleted"}, nil)

	ex := New(conn, risk.NewConfirmationStore())
	plan := models.Plan{Steps: []models.PlanStep{
		{Provider: "calendar", Tool: "list_events", Params: map[string]any{}},
		{Provider: "calendar", Tool: "delete_event", IterateOver: "{{results[0]}}"},
	}}

	var events []models.ProgressEvent
	result, err := ex.Run(context.Background(), "user-1", "sess-1", plan, "delete all my tentative meetings", collectEvents(&events))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// "delete all" is a fan-out phrase -> HIGH risk -> paused before execution.
	if result.ConfirmationID == "" {
		t.Fatal("expected the fan-out delete to pause for confirmation")
	}
	if len(conn.calls) != 1 {
		t.Fatalf("expected only the list_events call before the pause, got %d", len(conn.calls))
	}
}

func TestRun_IterationFansOutWhenNotFlaggedHighRisk(t *testing.T) {
	conn := newFakeConnector()
	conn.queueResult("calendar", "list_events", []any{
		map[string]any{"id": "evt-1"},
		map[string]any{"id": "evt-2"},
	}, nil)
	conn.queueResult("calendar", "add_reminder", map[string]any{"success": true, "data": "updated"}, nil)
	conn.queueResult("calendar", "add_reminder", map[string]any{"success": true, "data": "updated"}, nil)

	ex := New(conn, risk.NewConfirmationStore())
	plan := models.Plan{Steps: []models.PlanStep{
		{Provider: "calendar", Tool: "list_events", Params: map[string]any{}},
		{Provider: "calendar", Tool: "add_reminder", Params: map[string]any{"title": "Rescheduled"}, IterateOver: "{{results[0]}}"},
	}}

	var events []models.ProgressEvent
	result, err := ex.Run(context.Background(), "user-1", "sess-1", plan, "add reminders to my meetings", collectEvents(&events))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ConfirmationID != "" {
		t.Fatalf("did not expect a pause, got ConfirmationID %q", result.ConfirmationID)
	}
	if !result.Success {
		t.Fatalf("expected overall success, got %+v", result)
	}
	iter, ok := result.Steps[1].Data.(models.IterationResult)
	if !ok {
		t.Fatalf("expected an IterationResult, got %T", result.Steps[1].Data)
	}
	if iter.IterationCount != 2 || iter.SuccessCount != 2 {
		t.Errorf("iteration = %+v", iter)
	}
	if len(conn.calls) != 3 {
		t.Fatalf("expected 1 list + 2 update calls, got %d", len(conn.calls))
	}
	for _, c := range conn.calls[1:] {
		if c.args["title"] != "Rescheduled" {
			t.Errorf("expected planner literal to win in merged params, got %v", c.args["title"])
		}
		if _, hasEventID := c.args["eventId"]; !hasEventID {
			t.Errorf("expected id->eventId alias in merged params, got %v", c.args)
		}
	}
}

func TestRun_StepFailureShortCircuitsRemainingSteps(t *testing.T) {
	conn := newFakeConnector()
	conn.queueResult("calendar", "list_events", nil, errors.New("upstream unavailable"))

	ex := New(conn, risk.NewConfirmationStore())
	plan := models.Plan{Steps: []models.PlanStep{
		{Provider: "calendar", Tool: "list_events", Params: map[string]any{}},
		{Provider: "calendar", Tool: "create_event", Params: map[string]any{"title": "standup"}},
	}}

	var events []models.ProgressEvent
	result, err := ex.Run(context.Background(), "user-1", "sess-1", plan, "what's on my calendar", collectEvents(&events))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success {
		t.Fatal("expected overall failure")
	}
	if len(result.Steps) != 1 {
		t.Fatalf("expected short-circuit after the first failing step, got %d steps", len(result.Steps))
	}
	if len(conn.calls) != 1 {
		t.Errorf("expected the second step to never be called, got %d calls", len(conn.calls))
	}
}

func TestRun_SmartRetryBroadensTimeWindowOnEmptyResult(t *testing.T) {
	conn := newFakeConnector()
	conn.queueResult("calendar", "list_events", []any{}, nil)
	conn.queueResult("calendar", "list_events", []any{map[string]any{"id": "evt-1"}}, nil)

	ex := New(conn, risk.NewConfirmationStore())
	plan := models.Plan{Steps: []models.PlanStep{
		{Provider: "calendar", Tool: "list_events", Params: map[string]any{"timeMin": "now", "timeMax": "tomorrow"}},
	}}

	var events []models.ProgressEvent
	result, err := ex.Run(context.Background(), "user-1", "sess-1", plan, "did I just create that meeting?", collectEvents(&events))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success after smart retry, got %+v", result)
	}
	if len(conn.calls) != 2 {
		t.Fatalf("expected exactly one retry call, got %d calls", len(conn.calls))
	}
	if conn.calls[1].args["timeMin"] != "today" || conn.calls[1].args["timeMax"] != "in 7 days" {
		t.Errorf("expected broadened time params, got %v", conn.calls[1].args)
	}
}

func TestRun_ConcurrentCallsForSameSessionAreRejected(t *testing.T) {
	conn := newFakeConnector()
	ex := New(conn, risk.NewConfirmationStore())

	if !ex.gate.tryAcquire("sess-1") {
		t.Fatal("expected first acquire to succeed")
	}
	_, err := ex.Run(context.Background(), "user-1", "sess-1", models.Plan{}, "", func(models.ProgressEvent) {})
	if !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}
	ex.gate.release("sess-1")
}

func TestRun_ConnectFailureIsRecordedAsStepFailure(t *testing.T) {
	conn := newFakeConnector()
	conn.connectErr = errors.New("no token for provider")

	ex := New(conn, risk.NewConfirmationStore())
	plan := models.Plan{Steps: []models.PlanStep{
		{Provider: "calendar", Tool: "list_events", Params: map[string]any{}},
	}}

	var events []models.ProgressEvent
	result, err := ex.Run(context.Background(), "user-1", "sess-1", plan, "what's on my calendar", collectEvents(&events))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure when Connect fails")
	}
	if result.Steps[0].Error == "" {
		t.Error("expected the connect error to be surfaced on the step")
	}
}

func TestResume_SkipsGatingOnlyForThePausedStep(t *testing.T) {
	conn := newFakeConnector()
	conn.queueResult("calendar", "delete_event", map[string]any{"success": true, "data": "deleted"}, nil)

	store := risk.NewConfirmationStore()
	ex := New(conn, store)

	plan := models.Plan{Steps: []models.PlanStep{
		{Provider: "calendar", Tool: "delete_event", Params: map[string]any{"eventId": "evt-1"}},
	}}
	id := store.Create("sess-1", plan, 0, models.RiskMedium, "delete.calendar is rated MEDIUM risk")

	pending, err := store.Resolve(id, "confirm")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	var events []models.ProgressEvent
	result, err := ex.Resume(context.Background(), "user-1", "sess-1", pending, collectEvents(&events))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected the confirmed step to execute, got %+v", result)
	}
	if len(conn.calls) != 1 {
		t.Fatalf("expected exactly one tool call after resume, got %d", len(conn.calls))
	}
}
