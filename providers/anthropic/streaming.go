package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/anthropics/anthropic-sdk-go"

	loomstream "github.com/jmatherly/loom-stream-go"
)

// Open starts a streaming generation and returns the wire-framed event
// stream. Closing the returned reader aborts the generation: the writer
// side observes the pipe closure and stops consuming the SDK stream.
func (s *Source) Open(ctx context.Context, req *loomstream.Request) (io.ReadCloser, error) {
	if !s.SupportsModel(req.Model) {
		return nil, fmt.Errorf("%w: model '%s' not supported by Anthropic (must start with 'claude-')",
			loomstream.ErrInvalidModel, req.Model)
	}

	apiParams := buildMessageParams(req)

	pr, pw := io.Pipe()

	go func() {
		stream := s.client.Messages.NewStreaming(ctx, apiParams)
		tr := newTranslator()

		for stream.Next() {
			events := tr.translate(stream.Current())
			for _, ev := range events {
				if err := loomstream.WriteEvent(pw, ev); err != nil {
					// Reader side closed: abort the generation.
					pw.CloseWithError(err)
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			ev := loomstream.Event{
				Kind:         loomstream.EventError,
				ErrorCode:    "anthropic_stream_error",
				ErrorMessage: err.Error(),
			}
			_ = loomstream.WriteEvent(pw, ev)
			pw.Close()
			return
		}

		_ = loomstream.WriteEvent(pw, loomstream.Event{Kind: loomstream.EventDone})
		pw.Close()
	}()

	return pr, nil
}

// translator maps Anthropic stream events to wire events. It tracks the
// type and call id of each content block by index, since deltas only carry
// the index.
//
// Anthropic stream events:
//   - MessageStart: message metadata, not needed for parts
//   - ContentBlockStart: new content block (index, type)
//   - ContentBlockDelta: incremental content for a block
//   - ContentBlockStop: block finished
//   - MessageDelta: stop_reason, not needed for parts
//   - MessageStop: streaming complete
type translator struct {
	blockTypes map[int64]string
	callIDs    map[int64]string
	extractor  loomstream.SearchResultExtractor
}

func newTranslator() *translator {
	return &translator{
		blockTypes: make(map[int64]string),
		callIDs:    make(map[int64]string),
		extractor:  loomstream.ExtractorFor(loomstream.ProviderAnthropic),
	}
}

func (t *translator) translate(event anthropic.MessageStreamEventUnion) []loomstream.Event {
	switch e := event.AsAny().(type) {
	case anthropic.ContentBlockStartEvent:
		return t.translateBlockStart(e)

	case anthropic.ContentBlockDeltaEvent:
		return t.translateBlockDelta(e)

	case anthropic.ContentBlockStopEvent:
		if t.blockTypes[e.Index] == "thinking" {
			return []loomstream.Event{{Kind: loomstream.EventReasoningEnd}}
		}
		return nil

	case anthropic.MessageStopEvent:
		return []loomstream.Event{{Kind: loomstream.EventDone}}

	default:
		// MessageStart, MessageDelta, unknown event types: nothing to emit.
		return nil
	}
}

func (t *translator) translateBlockStart(e anthropic.ContentBlockStartEvent) []loomstream.Event {
	blockType := string(e.ContentBlock.Type)
	t.blockTypes[e.Index] = blockType

	switch blockType {
	case "thinking":
		return []loomstream.Event{{
			Kind:    loomstream.EventReasoningStart,
			BlockID: fmt.Sprintf("thinking-%d", e.Index),
		}}

	case "tool_use", "server_tool_use":
		t.callIDs[e.Index] = e.ContentBlock.ID
		return []loomstream.Event{{
			Kind:     loomstream.EventToolInputStart,
			CallID:   e.ContentBlock.ID,
			ToolName: e.ContentBlock.Name,
		}}

	case "web_search_tool_result":
		return t.translateSearchResult(e)

	default:
		// Text blocks need no start event: the first text-delta opens the part.
		return nil
	}
}

// translateSearchResult emits the raw server-side search result as a
// tool-result for the call it answers, plus a normalized sources event.
func (t *translator) translateSearchResult(e anthropic.ContentBlockStartEvent) []loomstream.Event {
	raw, err := json.Marshal(e.ContentBlock)
	if err != nil {
		return nil
	}

	var events []loomstream.Event
	if callID := e.ContentBlock.ToolUseID; callID != "" {
		events = append(events, loomstream.Event{
			Kind:   loomstream.EventToolResult,
			CallID: callID,
			Result: raw,
		})
	}
	if refs := t.extractor.Extract(raw); len(refs) > 0 {
		events = append(events, loomstream.Event{
			Kind:    loomstream.EventSources,
			Sources: refs,
		})
	}
	return events
}

func (t *translator) translateBlockDelta(e anthropic.ContentBlockDeltaEvent) []loomstream.Event {
	switch e.Delta.Type {
	case "text_delta":
		return []loomstream.Event{{
			Kind: loomstream.EventTextDelta,
			Text: e.Delta.Text,
		}}

	case "thinking_delta":
		return []loomstream.Event{{
			Kind: loomstream.EventReasoningDelta,
			Text: e.Delta.Thinking,
		}}

	case "input_json_delta":
		return []loomstream.Event{{
			Kind:   loomstream.EventToolInputDelta,
			CallID: t.callIDs[e.Index],
			Text:   e.Delta.PartialJSON,
		}}

	default:
		// signature_delta and friends carry nothing the assembler persists.
		return nil
	}
}
