package loomstream

import (
	"log/slog"
	"time"
)

// DefaultReasoningID is assigned to reasoning blocks that arrive without an
// explicit block id (including implicitly opened blocks).
const DefaultReasoningID = "reasoning-0"

// UpdateFunc observes the latest ordered snapshot after every applied event.
// The slice is a deep copy; consumers may retain it.
type UpdateFunc func(parts []*Part)

// AssemblerConfig configures an Assembler. The zero value is usable.
type AssemblerConfig struct {
	// Now supplies the clock used for reasoning durations. Defaults to
	// time.Now. Tests inject a fake.
	Now func() time.Time

	// OnUpdate, if set, is invoked with a snapshot after every event.
	OnUpdate UpdateFunc

	// DefaultReasoningID overrides DefaultReasoningID for this response.
	DefaultReasoningID string

	// Logger receives diagnostics. Nil falls back to slog.Default().
	Logger *slog.Logger
}

// Assembler folds a sequence of stream events into an ordered list of
// message parts.
//
// The assembler is a single-writer structure: exactly one goroutine (the
// session's event loop) calls Apply, in event arrival order. Concurrent
// readers use Snapshot, which deep-copies. Once a terminal event is applied
// or Freeze is called, the state is frozen and further Apply calls fail.
//
// At most one text part and one reasoning block are open at any time
// (close-on-switch): starting a block of one kind finalizes any open block
// of the other kind. Finalized parts are immutable and never reordered.
type Assembler struct {
	parts []*Part

	openText      *Part
	openReasoning *Part
	reasoningFrom time.Time

	// inflight maps callId to its pending tool invocation part. The part
	// itself already sits in the ordered list; the map only locates it for
	// in-place mutation when the result arrives.
	inflight map[string]*Part

	seenReasoningIDs map[string]bool
	thinkingSeconds  float64
	frozen           bool

	now       func() time.Time
	onUpdate  UpdateFunc
	defaultID string
	logger    *slog.Logger
}

// NewAssembler creates an assembler for one response.
func NewAssembler(cfg AssemblerConfig) *Assembler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultReasoningID == "" {
		cfg.DefaultReasoningID = DefaultReasoningID
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Assembler{
		inflight:         make(map[string]*Part),
		seenReasoningIDs: make(map[string]bool),
		now:              cfg.Now,
		onUpdate:         cfg.OnUpdate,
		defaultID:        cfg.DefaultReasoningID,
		logger:           cfg.Logger,
	}
}

// Apply folds one event into the state and invokes the update hook.
//
// An EventError returns the decoded *ProviderError and freezes the state;
// parts finalized before the error remain valid. Applying to a frozen
// assembler returns ErrSessionFinished.
func (a *Assembler) Apply(ev Event) error {
	if a.frozen {
		return ErrSessionFinished
	}

	var err error
	switch ev.Kind {
	case EventTextDelta:
		a.applyTextDelta(ev.Text)
	case EventReasoningStart:
		a.applyReasoningStart(ev.BlockID)
	case EventReasoningDelta:
		a.applyReasoningDelta(ev.Text)
	case EventReasoningEnd:
		a.finalizeReasoning()
	case EventToolInputStart:
		a.applyToolInputStart(ev.CallID, ev.ToolName)
	case EventToolInputDelta:
		a.applyToolInputDelta(ev.CallID, ev.Text)
	case EventToolResult:
		a.applyToolResult(ev)
	case EventSources:
		a.applySources(ev.Sources)
	case EventDone:
		a.Freeze()
	case EventError:
		a.Freeze()
		err = &ProviderError{Code: ev.ErrorCode, Message: ev.ErrorMessage}
	default:
		a.logger.Debug("ignoring unknown event kind", "kind", ev.Kind)
	}

	if a.onUpdate != nil {
		a.onUpdate(a.Snapshot())
	}
	return err
}

// Freeze finalizes any open parts and prevents further mutation.
// Idempotent; called on Done, on provider error, and on cancellation.
func (a *Assembler) Freeze() {
	if a.frozen {
		return
	}
	a.finalizeText()
	a.finalizeReasoning()
	a.frozen = true
}

// Frozen reports whether the state has been frozen.
func (a *Assembler) Frozen() bool {
	return a.frozen
}

// Parts returns the finalized ordered part list. Only meaningful after
// Freeze; before that, use Snapshot.
func (a *Assembler) Parts() []*Part {
	return a.parts
}

// ThinkingDuration returns the cumulative reasoning time across all
// finalized reasoning blocks, in seconds.
func (a *Assembler) ThinkingDuration() float64 {
	return a.thinkingSeconds
}

// Snapshot returns a deep copy of the current ordered parts, with any open
// text or reasoning content synthesized as provisional trailing parts. The
// assembler state itself is not mutated; the copy never shares memory with
// live parts, so a concurrent reader cannot observe tearing.
func (a *Assembler) Snapshot() []*Part {
	out := make([]*Part, 0, len(a.parts)+2)
	for _, p := range a.parts {
		out = append(out, p.Clone())
	}
	if a.openText != nil {
		out = append(out, a.openText.Clone())
	}
	if a.openReasoning != nil {
		out = append(out, a.openReasoning.Clone())
	}
	return out
}

func (a *Assembler) applyTextDelta(text string) {
	// Text and reasoning are never concurrently open.
	a.finalizeReasoning()
	if a.openText == nil {
		a.openText = &Part{Kind: PartText}
	}
	a.openText.TextContent += text
}

func (a *Assembler) applyReasoningStart(blockID string) {
	a.finalizeText()
	a.finalizeReasoning()
	if blockID == "" {
		blockID = a.defaultID
	}
	a.openReasoning = &Part{Kind: PartReasoning, ReasoningID: blockID}
	a.reasoningFrom = a.now()
}

func (a *Assembler) applyReasoningDelta(text string) {
	if a.openReasoning == nil {
		// Out-of-order provider behavior: a delta with no preceding start.
		// Tolerated with an implicit block, but logged so protocol
		// violations are visible to operators.
		a.logger.Warn("reasoning delta with no open block, opening implicit block",
			"block_id", a.defaultID)
		a.applyReasoningStart(a.defaultID)
	}
	a.openReasoning.TextContent += text
}

// finalizeReasoning closes the open reasoning block, accounting its duration
// and pushing it as an immutable part. A block that accumulated no content
// under a previously unseen id is discarded: empty thinking parts never
// surface. Idempotent when no block is open.
func (a *Assembler) finalizeReasoning() {
	r := a.openReasoning
	if r == nil {
		return
	}
	a.openReasoning = nil

	r.DurationSeconds = a.now().Sub(a.reasoningFrom).Seconds()
	if r.DurationSeconds < 0 {
		r.DurationSeconds = 0
	}

	if r.TextContent == "" && !a.seenReasoningIDs[r.ReasoningID] {
		return
	}
	a.seenReasoningIDs[r.ReasoningID] = true
	a.thinkingSeconds += r.DurationSeconds
	a.parts = append(a.parts, r)
}

// finalizeText closes the open text part. Idempotent when none is open.
func (a *Assembler) finalizeText() {
	t := a.openText
	if t == nil {
		return
	}
	a.openText = nil
	if t.TextContent == "" {
		return
	}
	a.parts = append(a.parts, t)
}

func (a *Assembler) applyToolInputStart(callID, toolName string) {
	// Tool calls are never concurrent with free text or reasoning.
	a.finalizeText()
	a.finalizeReasoning()

	part := &Part{
		Kind:     PartToolInvocation,
		CallID:   callID,
		ToolName: toolName,
		State:    ToolStatePending,
	}
	// Appended immediately so the pending call is visible to consumers
	// while it executes.
	a.parts = append(a.parts, part)
	a.inflight[callID] = part
}

func (a *Assembler) applyToolInputDelta(callID, text string) {
	part, ok := a.inflight[callID]
	if !ok {
		a.logger.Debug("tool input delta for unknown call, dropping", "call_id", callID)
		return
	}
	part.Args += text
}

func (a *Assembler) applyToolResult(ev Event) {
	part, ok := a.inflight[ev.CallID]
	if !ok {
		// Result for a call we never saw announced. Dropped.
		a.logger.Debug("tool result for unknown call, dropping", "call_id", ev.CallID)
		return
	}
	part.State = ToolStateResult
	part.Result = ev.Result
}

func (a *Assembler) applySources(sources []SourceRef) {
	// Sources close any open block so part ordering always equals
	// first-transition order. Each sources event becomes its own part,
	// never merged with an earlier one.
	a.finalizeText()
	a.finalizeReasoning()
	refs := make([]SourceRef, len(sources))
	copy(refs, sources)
	a.parts = append(a.parts, &Part{Kind: PartSources, Sources: refs})
}
