package loomstream

import "encoding/json"

// EventKind identifies the type of a stream event.
// Using a typed constant prevents typos and provides compile-time safety.
type EventKind string

// Known event kinds, matching the wire protocol's "type" discriminator.
const (
	// EventTextDelta carries an incremental chunk of response text.
	EventTextDelta EventKind = "text-delta"

	// EventReasoningStart opens a reasoning (extended thinking) block.
	EventReasoningStart EventKind = "reasoning-start"

	// EventReasoningDelta carries an incremental chunk of reasoning text.
	EventReasoningDelta EventKind = "reasoning-delta"

	// EventReasoningEnd closes the currently open reasoning block.
	EventReasoningEnd EventKind = "reasoning-end"

	// EventToolInputStart announces a tool call and its name.
	EventToolInputStart EventKind = "tool-input-start"

	// EventToolInputDelta carries incremental JSON for a tool call's arguments.
	EventToolInputDelta EventKind = "tool-input-delta"

	// EventToolResult delivers the result of a previously announced tool call.
	EventToolResult EventKind = "tool-result"

	// EventSources delivers a list of cited sources.
	EventSources EventKind = "sources"

	// EventError is a provider-reported failure; it terminates the stream.
	EventError EventKind = "error"

	// EventDone marks normal end of stream. It may be synthesized by the
	// decoder when the transport closes after at least one well-formed event.
	EventDone EventKind = "done"
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a single typed event decoded from the provider stream.
// Events are ephemeral: they are consumed exactly once by the assembler
// and never persisted.
//
// Field population by kind:
//   - text-delta:       Text
//   - reasoning-start:  BlockID (may be empty; assembler substitutes a default)
//   - reasoning-delta:  Text
//   - reasoning-end:    (no payload)
//   - tool-input-start: CallID, ToolName
//   - tool-input-delta: CallID, Text (partial JSON)
//   - tool-result:      CallID, Result
//   - sources:          Sources
//   - error:            ErrorCode, ErrorMessage
//   - done:             (no payload)
type Event struct {
	Kind EventKind

	// Text is the delta payload for text-delta, reasoning-delta and
	// tool-input-delta events.
	Text string

	// BlockID identifies a reasoning block (reasoning-start).
	BlockID string

	// CallID identifies a tool call (tool-input-start, tool-input-delta,
	// tool-result).
	CallID string

	// ToolName is the tool being invoked (tool-input-start).
	ToolName string

	// Result is the raw tool result payload (tool-result). Shape varies by
	// provider; see SearchResultExtractor for normalization.
	Result json.RawMessage

	// Sources is the cited-source list (sources).
	Sources []SourceRef

	// ErrorCode and ErrorMessage describe a provider failure (error).
	ErrorCode    string
	ErrorMessage string
}

// IsTerminal returns true if the event ends the stream.
func (e Event) IsTerminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// SourceRef is one cited external source.
type SourceRef struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}
