package loomstream

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

// fakeClock advances a fixed step on every reading, making reasoning
// durations deterministic.
func fakeClock(step time.Duration) func() time.Time {
	now := time.Unix(1700000000, 0)
	return func() time.Time {
		now = now.Add(step)
		return now
	}
}

func applyAll(t *testing.T, a *Assembler, events []Event) {
	t.Helper()
	for i, ev := range events {
		if err := a.Apply(ev); err != nil {
			t.Fatalf("Apply(#%d %s) failed: %v", i, ev.Kind, err)
		}
	}
}

func partKinds(parts []*Part) []PartKind {
	kinds := make([]PartKind, len(parts))
	for i, p := range parts {
		kinds[i] = p.Kind
	}
	return kinds
}

func TestAssembler_ExampleScenario(t *testing.T) {
	// The canonical interleaving: text, a thinking block, more text.
	events := []Event{
		{Kind: EventTextDelta, Text: "Hel"},
		{Kind: EventTextDelta, Text: "lo"},
		{Kind: EventReasoningStart, BlockID: "r1"},
		{Kind: EventReasoningDelta, Text: "thinking"},
		{Kind: EventReasoningEnd},
		{Kind: EventTextDelta, Text: " world"},
		{Kind: EventDone},
	}

	a := NewAssembler(AssemblerConfig{Now: fakeClock(10 * time.Millisecond)})
	applyAll(t, a, events)

	parts := a.Parts()
	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3: %v", len(parts), partKinds(parts))
	}

	if parts[0].Kind != PartText || parts[0].TextContent != "Hello" {
		t.Errorf("part 0 = %+v, want Text(Hello)", parts[0])
	}
	if parts[1].Kind != PartReasoning || parts[1].ReasoningID != "r1" || parts[1].TextContent != "thinking" {
		t.Errorf("part 1 = %+v, want Reasoning(r1, thinking)", parts[1])
	}
	if parts[1].DurationSeconds < 0 {
		t.Errorf("reasoning duration = %f, want >= 0", parts[1].DurationSeconds)
	}
	if parts[2].Kind != PartText || parts[2].TextContent != " world" {
		t.Errorf("part 2 = %+v, want Text( world)", parts[2])
	}

	if got := JoinedText(parts); got != "Hello world" {
		t.Errorf("JoinedText = %q, want %q", got, "Hello world")
	}
}

func TestAssembler_Determinism(t *testing.T) {
	events := []Event{
		{Kind: EventTextDelta, Text: "a"},
		{Kind: EventReasoningStart, BlockID: "r1"},
		{Kind: EventReasoningDelta, Text: "think"},
		{Kind: EventToolInputStart, CallID: "c1", ToolName: "search"},
		{Kind: EventToolResult, CallID: "c1", Result: json.RawMessage(`{"n":1}`)},
		{Kind: EventSources, Sources: []SourceRef{{URL: "https://x.test"}}},
		{Kind: EventTextDelta, Text: "b"},
		{Kind: EventDone},
	}

	run := func() []*Part {
		a := NewAssembler(AssemblerConfig{Now: fakeClock(7 * time.Millisecond)})
		applyAll(t, a, events)
		return a.Parts()
	}

	first := run()
	second := run()
	if !reflect.DeepEqual(first, second) {
		t.Errorf("replay produced different output:\nfirst:  %+v\nsecond: %+v", first, second)
	}

	wantKinds := []PartKind{PartText, PartReasoning, PartToolInvocation, PartSources, PartText}
	if got := partKinds(first); !reflect.DeepEqual(got, wantKinds) {
		t.Errorf("part kinds = %v, want %v", got, wantKinds)
	}
}

func TestAssembler_CloseOnSwitch(t *testing.T) {
	// A text delta right after reasoning deltas, with no reasoning-end,
	// finalizes the reasoning block before opening the text part.
	events := []Event{
		{Kind: EventReasoningStart, BlockID: "r1"},
		{Kind: EventReasoningDelta, Text: "deep "},
		{Kind: EventReasoningDelta, Text: "thought"},
		{Kind: EventTextDelta, Text: "answer"},
		{Kind: EventDone},
	}

	a := NewAssembler(AssemblerConfig{Now: fakeClock(5 * time.Millisecond)})
	applyAll(t, a, events)

	parts := a.Parts()
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2: %v", len(parts), partKinds(parts))
	}
	if parts[0].Kind != PartReasoning || parts[0].TextContent != "deep thought" {
		t.Errorf("part 0 = %+v, want finalized Reasoning(deep thought)", parts[0])
	}
	if parts[1].Kind != PartText || parts[1].TextContent != "answer" {
		t.Errorf("part 1 = %+v, want Text(answer)", parts[1])
	}
}

func TestAssembler_EmptyReasoningProducesNoPart(t *testing.T) {
	events := []Event{
		{Kind: EventReasoningStart, BlockID: "r1"},
		{Kind: EventReasoningEnd},
		{Kind: EventTextDelta, Text: "hi"},
		{Kind: EventDone},
	}

	a := NewAssembler(AssemblerConfig{Now: fakeClock(5 * time.Millisecond)})
	applyAll(t, a, events)

	parts := a.Parts()
	if len(parts) != 1 || parts[0].Kind != PartText {
		t.Fatalf("parts = %v, want single Text part", partKinds(parts))
	}
	if a.ThinkingDuration() != 0 {
		t.Errorf("thinking duration = %f, want 0 for discarded block", a.ThinkingDuration())
	}
}

func TestAssembler_ImplicitReasoningOpen(t *testing.T) {
	// A reasoning delta with no preceding start opens an implicit block
	// under the default id.
	events := []Event{
		{Kind: EventReasoningDelta, Text: "orphan"},
		{Kind: EventReasoningEnd},
		{Kind: EventDone},
	}

	a := NewAssembler(AssemblerConfig{Now: fakeClock(5 * time.Millisecond)})
	applyAll(t, a, events)

	parts := a.Parts()
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}
	if parts[0].Kind != PartReasoning || parts[0].ReasoningID != DefaultReasoningID {
		t.Errorf("part = %+v, want implicit Reasoning(%s)", parts[0], DefaultReasoningID)
	}
	if parts[0].TextContent != "orphan" {
		t.Errorf("content = %q, want %q", parts[0].TextContent, "orphan")
	}
}

func TestAssembler_UnknownToolResultDropped(t *testing.T) {
	events := []Event{
		{Kind: EventToolInputStart, CallID: "c1", ToolName: "search"},
		{Kind: EventToolResult, CallID: "c999", Result: json.RawMessage(`{"x":1}`)},
		{Kind: EventDone},
	}

	a := NewAssembler(AssemblerConfig{Now: fakeClock(5 * time.Millisecond)})
	applyAll(t, a, events)

	parts := a.Parts()
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}
	if parts[0].State != ToolStatePending {
		t.Errorf("tool state = %s, want pending (unknown result must not alter parts)", parts[0].State)
	}
	if parts[0].Result != nil {
		t.Errorf("tool result = %s, want nil", parts[0].Result)
	}
}

func TestAssembler_ToolLifecycle(t *testing.T) {
	events := []Event{
		{Kind: EventTextDelta, Text: "let me check"},
		{Kind: EventToolInputStart, CallID: "c1", ToolName: "web_search"},
		{Kind: EventToolInputDelta, CallID: "c1", Text: `{"query":`},
		{Kind: EventToolInputDelta, CallID: "c1", Text: `"go"}`},
		{Kind: EventToolResult, CallID: "c1", Result: json.RawMessage(`{"results":[]}`)},
		{Kind: EventTextDelta, Text: "found it"},
		{Kind: EventDone},
	}

	a := NewAssembler(AssemblerConfig{Now: fakeClock(5 * time.Millisecond)})
	applyAll(t, a, events)

	parts := a.Parts()
	wantKinds := []PartKind{PartText, PartToolInvocation, PartText}
	if got := partKinds(parts); !reflect.DeepEqual(got, wantKinds) {
		t.Fatalf("part kinds = %v, want %v", got, wantKinds)
	}

	tool := parts[1]
	if tool.ToolName != "web_search" || tool.CallID != "c1" {
		t.Errorf("tool part = %+v", tool)
	}
	if tool.Args != `{"query":"go"}` {
		t.Errorf("accumulated args = %q, want %q", tool.Args, `{"query":"go"}`)
	}
	if tool.State != ToolStateResult {
		t.Errorf("tool state = %s, want result", tool.State)
	}
}

func TestAssembler_SourcesNeverMerged(t *testing.T) {
	events := []Event{
		{Kind: EventSources, Sources: []SourceRef{{URL: "https://a.test"}}},
		{Kind: EventSources, Sources: []SourceRef{{URL: "https://b.test"}}},
		{Kind: EventDone},
	}

	a := NewAssembler(AssemblerConfig{Now: fakeClock(5 * time.Millisecond)})
	applyAll(t, a, events)

	parts := a.Parts()
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2 separate sources parts", len(parts))
	}
	if parts[0].Sources[0].URL != "https://a.test" || parts[1].Sources[0].URL != "https://b.test" {
		t.Errorf("sources parts = %+v, %+v", parts[0].Sources, parts[1].Sources)
	}
}

func TestAssembler_ErrorFreezesWithPartialParts(t *testing.T) {
	a := NewAssembler(AssemblerConfig{Now: fakeClock(5 * time.Millisecond)})
	applyAll(t, a, []Event{{Kind: EventTextDelta, Text: "partial"}})

	err := a.Apply(Event{Kind: EventError, ErrorCode: "overloaded", ErrorMessage: "busy"})
	if !IsProviderError(err) {
		t.Fatalf("Apply(error) = %v, want provider error", err)
	}

	var provErr *ProviderError
	if !errors.As(err, &provErr) || provErr.Code != "overloaded" {
		t.Errorf("error = %+v", err)
	}

	// Partial content survives the failure.
	parts := a.Parts()
	if len(parts) != 1 || parts[0].TextContent != "partial" {
		t.Errorf("parts after error = %+v, want preserved Text(partial)", parts)
	}

	// The state is frozen: further events are rejected.
	if err := a.Apply(Event{Kind: EventTextDelta, Text: "late"}); !errors.Is(err, ErrSessionFinished) {
		t.Errorf("Apply after freeze = %v, want ErrSessionFinished", err)
	}
}

func TestAssembler_SnapshotIncludesProvisionalParts(t *testing.T) {
	a := NewAssembler(AssemblerConfig{Now: fakeClock(5 * time.Millisecond)})
	applyAll(t, a, []Event{
		{Kind: EventTextDelta, Text: "finished."},
		{Kind: EventReasoningStart, BlockID: "r1"},
		{Kind: EventReasoningDelta, Text: "in flight"},
	})

	snap := a.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d parts, want 2 (finalized text + provisional reasoning)", len(snap))
	}
	if snap[0].Kind != PartText || snap[0].TextContent != "finished." {
		t.Errorf("snapshot part 0 = %+v", snap[0])
	}
	if snap[1].Kind != PartReasoning || snap[1].TextContent != "in flight" {
		t.Errorf("snapshot part 1 = %+v", snap[1])
	}

	// The snapshot is a deep copy: mutating it must not touch live state.
	snap[1].TextContent = "mutated"
	applyAll(t, a, []Event{{Kind: EventReasoningEnd}, {Kind: EventDone}})
	if got := a.Parts()[1].TextContent; got != "in flight" {
		t.Errorf("live reasoning content = %q, want %q", got, "in flight")
	}
}

func TestAssembler_OnUpdateObservesEveryEvent(t *testing.T) {
	var updates [][]*Part
	a := NewAssembler(AssemblerConfig{
		Now:      fakeClock(5 * time.Millisecond),
		OnUpdate: func(parts []*Part) { updates = append(updates, parts) },
	})

	events := []Event{
		{Kind: EventTextDelta, Text: "a"},
		{Kind: EventTextDelta, Text: "b"},
		{Kind: EventDone},
	}
	applyAll(t, a, events)

	if len(updates) != len(events) {
		t.Fatalf("got %d updates, want %d", len(updates), len(events))
	}
	// The second update sees the accumulated provisional text.
	if got := JoinedText(updates[1]); got != "ab" {
		t.Errorf("update 1 text = %q, want %q", got, "ab")
	}
}

func TestAssembler_ThinkingDurationAccumulates(t *testing.T) {
	// Each clock reading advances 100ms; a reasoning block spans the
	// readings between start and finalize.
	a := NewAssembler(AssemblerConfig{Now: fakeClock(100 * time.Millisecond)})
	applyAll(t, a, []Event{
		{Kind: EventReasoningStart, BlockID: "r1"},
		{Kind: EventReasoningDelta, Text: "one"},
		{Kind: EventReasoningEnd},
		{Kind: EventReasoningStart, BlockID: "r2"},
		{Kind: EventReasoningDelta, Text: "two"},
		{Kind: EventReasoningEnd},
		{Kind: EventDone},
	})

	if a.ThinkingDuration() <= 0 {
		t.Errorf("thinking duration = %f, want > 0", a.ThinkingDuration())
	}

	parts := a.Parts()
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}
	sum := parts[0].DurationSeconds + parts[1].DurationSeconds
	if sum != a.ThinkingDuration() {
		t.Errorf("sum of part durations %f != cumulative %f", sum, a.ThinkingDuration())
	}
}
