// Package lorem is a mock stream source that generates lorem ipsum
// responses. Used for testing and development without real API keys.
package lorem

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	loremgen "github.com/bozaro/golorem"

	loomstream "github.com/jmatherly/loom-stream-go"
)

// Source implements loomstream.StreamSource with generated text.
//
// Model names select behavior:
//   - lorem-fast / lorem-medium / lorem-slow: plain text at varying speeds
//   - lorem-reasoning: a thinking block before the text
//   - lorem-tools: a web-search tool call, its result, and a sources list
//   - lorem-error: a provider error after a few words
type Source struct {
	generator *loremgen.Lorem
}

// NewSource creates a new lorem ipsum stream source.
func NewSource() *Source {
	return &Source{
		generator: loremgen.New(),
	}
}

// Name returns the provider identifier.
func (s *Source) Name() loomstream.ProviderID {
	return loomstream.ProviderLorem
}

// SupportsModel returns true if the model name starts with "lorem-".
func (s *Source) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "lorem-")
}

// Open starts a scripted stream for the requested model. Closing the
// returned reader stops generation.
func (s *Source) Open(ctx context.Context, req *loomstream.Request) (io.ReadCloser, error) {
	if !s.SupportsModel(req.Model) {
		return nil, fmt.Errorf("%w: model '%s' not supported by Lorem (must start with 'lorem-')",
			loomstream.ErrInvalidModel, req.Model)
	}

	pr, pw := io.Pipe()
	go s.emit(ctx, pw, req.Model)
	return pr, nil
}

// wordDelay returns the delay between words based on the model name.
func wordDelay(model string) time.Duration {
	switch {
	case strings.Contains(model, "slow"):
		return 500 * time.Millisecond // 2 words/second
	case strings.Contains(model, "fast"):
		return 2 * time.Millisecond
	default:
		return 100 * time.Millisecond // 10 words/second
	}
}

func (s *Source) emit(ctx context.Context, pw *io.PipeWriter, model string) {
	script := s.buildScript(model)
	delay := wordDelay(model)

	for _, ev := range script {
		select {
		case <-ctx.Done():
			pw.CloseWithError(ctx.Err())
			return
		case <-time.After(delay):
		}
		if err := loomstream.WriteEvent(pw, ev); err != nil {
			// Reader closed, stop generating.
			pw.CloseWithError(err)
			return
		}
	}
	pw.Close()
}

// buildScript produces the full event sequence for a model up front.
func (s *Source) buildScript(model string) []loomstream.Event {
	var script []loomstream.Event

	if strings.Contains(model, "reasoning") {
		script = append(script, loomstream.Event{
			Kind:    loomstream.EventReasoningStart,
			BlockID: "thinking-0",
		})
		for _, w := range strings.Fields(s.generator.Sentence(8, 14)) {
			script = append(script, loomstream.Event{
				Kind: loomstream.EventReasoningDelta,
				Text: w + " ",
			})
		}
		script = append(script, loomstream.Event{Kind: loomstream.EventReasoningEnd})
	}

	if strings.Contains(model, "tools") {
		script = append(script, s.toolScript()...)
	}

	if strings.Contains(model, "error") {
		script = append(script,
			loomstream.Event{Kind: loomstream.EventTextDelta, Text: s.generator.Sentence(2, 4)},
			loomstream.Event{
				Kind:         loomstream.EventError,
				ErrorCode:    "overloaded",
				ErrorMessage: "mock provider overloaded",
			})
		return script
	}

	for _, w := range strings.Fields(s.generator.Paragraph(2, 3)) {
		script = append(script, loomstream.Event{
			Kind: loomstream.EventTextDelta,
			Text: w + " ",
		})
	}
	script = append(script, loomstream.Event{Kind: loomstream.EventDone})
	return script
}

// toolScript emits a web-search call, its Anthropic-shaped result, and the
// normalized sources list.
func (s *Source) toolScript() []loomstream.Event {
	const callID = "call-lorem-1"

	result, _ := json.Marshal(map[string]any{
		"results": []map[string]any{
			{
				"title":   s.generator.Sentence(2, 4),
				"url":     "https://example.com/" + s.generator.Word(4, 10),
				"snippet": s.generator.Sentence(6, 10),
			},
		},
	})

	events := []loomstream.Event{
		{
			Kind:     loomstream.EventToolInputStart,
			CallID:   callID,
			ToolName: "web_search",
		},
		{
			Kind:   loomstream.EventToolInputDelta,
			CallID: callID,
			Text:   `{"query":"` + s.generator.Word(3, 8) + `"}`,
		},
		{
			Kind:   loomstream.EventToolResult,
			CallID: callID,
			Result: result,
		},
	}

	extractor := loomstream.ExtractorFor(loomstream.ProviderLorem)
	if refs := extractor.Extract(result); len(refs) > 0 {
		events = append(events, loomstream.Event{
			Kind:    loomstream.EventSources,
			Sources: refs,
		})
	}
	return events
}
