package loomstream

import "encoding/json"

// PartKind identifies the type of an assembled message part.
type PartKind string

// Known part kinds.
const (
	PartText           PartKind = "text"
	PartReasoning      PartKind = "reasoning"
	PartToolInvocation PartKind = "tool-invocation"
	PartSources        PartKind = "sources"
)

// ToolState indicates the lifecycle stage of a tool invocation part.
type ToolState string

const (
	// ToolStatePending means the call was announced but no result has arrived.
	ToolStatePending ToolState = "pending"

	// ToolStateResult means the provider delivered the call's result.
	ToolStateResult ToolState = "result"
)

// Part represents one semantically distinct unit of an assembled response.
// Parts are ordering-significant: their position in the assembled list equals
// the first-appearance order of the corresponding event transitions, and they
// are never reordered after creation, only mutated in place until finalized.
//
// Field population by kind:
//   - text:            TextContent
//   - reasoning:       ReasoningID, TextContent, DurationSeconds (set at finalize)
//   - tool-invocation: CallID, ToolName, Args, State, Result
//   - sources:         Sources
type Part struct {
	// Kind indicates the type of part.
	Kind PartKind `json:"kind"`

	// TextContent holds accumulated text for text and reasoning parts.
	TextContent string `json:"text_content,omitempty"`

	// ReasoningID identifies the logical thinking block this part came from.
	ReasoningID string `json:"reasoning_id,omitempty"`

	// DurationSeconds is how long the reasoning block streamed for.
	// Set only when the block is finalized.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	// CallID identifies the tool call (tool-invocation parts).
	CallID string `json:"call_id,omitempty"`

	// ToolName is the tool being invoked (tool-invocation parts).
	ToolName string `json:"tool_name,omitempty"`

	// Args holds the accumulated tool argument JSON (tool-invocation parts).
	Args string `json:"args,omitempty"`

	// State is the tool invocation lifecycle stage (tool-invocation parts).
	State ToolState `json:"state,omitempty"`

	// Result is the raw tool result payload (tool-invocation parts,
	// State == ToolStateResult).
	Result json.RawMessage `json:"result,omitempty"`

	// Sources is the cited-source list (sources parts).
	Sources []SourceRef `json:"sources,omitempty"`
}

// IsText returns true if this is a text part.
func (p *Part) IsText() bool {
	return p.Kind == PartText
}

// IsReasoning returns true if this is a reasoning part.
func (p *Part) IsReasoning() bool {
	return p.Kind == PartReasoning
}

// IsToolInvocation returns true if this is a tool invocation part.
func (p *Part) IsToolInvocation() bool {
	return p.Kind == PartToolInvocation
}

// IsSources returns true if this is a sources part.
func (p *Part) IsSources() bool {
	return p.Kind == PartSources
}

// IsPendingTool returns true if this is a tool invocation still awaiting
// its result.
func (p *Part) IsPendingTool() bool {
	return p.Kind == PartToolInvocation && p.State == ToolStatePending
}

// Clone returns a deep copy of the part. Snapshots hand clones to the
// checkpoint scheduler so a concurrent mutation can never tear a write.
func (p *Part) Clone() *Part {
	c := *p
	if p.Result != nil {
		c.Result = make(json.RawMessage, len(p.Result))
		copy(c.Result, p.Result)
	}
	if p.Sources != nil {
		c.Sources = make([]SourceRef, len(p.Sources))
		copy(c.Sources, p.Sources)
	}
	return &c
}

// ClonePartList deep-copies an ordered part list.
func ClonePartList(parts []*Part) []*Part {
	if parts == nil {
		return nil
	}
	out := make([]*Part, len(parts))
	for i, p := range parts {
		out[i] = p.Clone()
	}
	return out
}

// JoinedText concatenates the text content of all text parts, in order.
// The usage reconciler counts output tokens from this.
func JoinedText(parts []*Part) string {
	var n int
	for _, p := range parts {
		if p.IsText() {
			n += len(p.TextContent)
		}
	}
	buf := make([]byte, 0, n)
	for _, p := range parts {
		if p.IsText() {
			buf = append(buf, p.TextContent...)
		}
	}
	return string(buf)
}
