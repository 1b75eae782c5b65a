package executor

import "testing"

func TestResolveValue_PassesNonTemplateStringsThrough(t *testing.T) {
	got := resolveValue("hello world", nil, nil)
	if got != "hello world" {
		t.Errorf("resolveValue = %v", got)
	}
}

func TestResolveValue_PassesNonStringsThrough(t *testing.T) {
	got := resolveValue(42, nil, nil)
	if got != 42 {
		t.Errorf("resolveValue = %v", got)
	}
}

func TestResolveValue_NavigatesResultsIndex(t *testing.T) {
	results := []any{
		map[string]any{"id": "evt-1", "attendees": []any{
			map[string]any{"email": "a@example.com"},
		}},
	}
	got := resolveValue("{{results[0].attendees[0].email}}", results, nil)
	if got != "a@example.com" {
		t.Errorf("resolveValue = %v", got)
	}
}

func TestResolveValue_MissingIntermediateKeyYieldsNil(t *testing.T) {
	results := []any{map[string]any{"id": "evt-1"}}
	got := resolveValue("{{results[0].attendees[0].email}}", results, nil)
	if got != nil {
		t.Errorf("resolveValue = %v, want nil", got)
	}
}

func TestResolveValue_OutOfRangeResultsIndexYieldsNil(t *testing.T) {
	results := []any{map[string]any{"id": "evt-1"}}
	got := resolveValue("{{results[5].id}}", results, nil)
	if got != nil {
		t.Errorf("resolveValue = %v, want nil", got)
	}
}

func TestResolveValue_CurrentItemField(t *testing.T) {
	item := map[string]any{"id": "evt-2", "title": "standup"}
	got := resolveValue("{{_currentItem.title}}", nil, item)
	if got != "standup" {
		t.Errorf("resolveValue = %v", got)
	}
}

func TestResolveValue_BareResultsWithNoPathReturnsWholeValue(t *testing.T) {
	results := []any{[]any{"a", "b"}}
	got := resolveValue("{{results[0]}}", results, nil)
	arr, ok := got.([]any)
	if !ok || len(arr) != 2 {
		t.Errorf("resolveValue = %v", got)
	}
}

func TestResolveParams_ResolvesEveryStringValue(t *testing.T) {
	results := []any{map[string]any{"id": "evt-1"}}
	params := map[string]any{
		"eventId": "{{results[0].id}}",
		"literal": "keep me",
		"count":   3,
	}
	out := resolveParams(params, results, nil)
	if out["eventId"] != "evt-1" {
		t.Errorf("eventId = %v", out["eventId"])
	}
	if out["literal"] != "keep me" {
		t.Errorf("literal = %v", out["literal"])
	}
	if out["count"] != 3 {
		t.Errorf("count = %v", out["count"])
	}
}

func TestMergeIterationParams_PlannerLiteralsWinOverItemFields(t *testing.T) {
	base := map[string]any{"calendarId": "primary"}
	item := map[string]any{"calendarId": "someone-elses", "id": "evt-9"}

	merged := mergeIterationParams(base, item)
	if merged["calendarId"] != "primary" {
		t.Errorf("calendarId = %v, want planner literal to win", merged["calendarId"])
	}
}

func TestMergeIterationParams_AliasesIDToEventIDWhenAbsent(t *testing.T) {
	base := map[string]any{}
	item := map[string]any{"id": "evt-9"}

	merged := mergeIterationParams(base, item)
	if merged["eventId"] != "evt-9" {
		t.Errorf("eventId = %v, want aliased from id", merged["eventId"])
	}
}

func TestMergeIterationParams_DoesNotOverrideExplicitEventID(t *testing.T) {
	base := map[string]any{"eventId": "explicit"}
	item := map[string]any{"id": "evt-9"}

	merged := mergeIterationParams(base, item)
	if merged["eventId"] != "explicit" {
		t.Errorf("eventId = %v, want explicit value preserved", merged["eventId"])
	}
}

func TestMergeIterationParams_NonObjectItemIsIgnoredForFields(t *testing.T) {
	base := map[string]any{"x": 1}
	merged := mergeIterationParams(base, "not-an-object")
	if merged["x"] != 1 {
		t.Errorf("x = %v", merged["x"])
	}
}
