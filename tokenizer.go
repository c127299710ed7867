package loomstream

import (
	"errors"
	"fmt"
)

// ImageTokenSurcharge is the fixed input-token cost added per attached
// image. Providers bill images at a roughly constant rate independent of
// the tokenizer, so the surcharge is applied by the reconciler rather than
// the counter.
const ImageTokenSurcharge = 1100

// Structural overhead applied by the estimating counter: a fixed base for
// the request envelope plus a per-message framing cost.
const (
	estimateBaseOverhead    = 3
	estimateMessageOverhead = 4
	estimateCharsPerToken   = 4
)

// ErrTokenCountFailed indicates the counter could not produce a count.
// The reconciler falls back to a conservative character-based estimate
// rather than skipping billing.
var ErrTokenCountFailed = errors.New("loomstream: token counting failed")

// TokenCounter counts billable tokens. Implementations are constructed
// explicitly and injected; the package keeps no ambient tokenizer state.
type TokenCounter interface {
	// CountInput counts prompt-side tokens: system prompt, conversation
	// messages, and structural overhead. Image surcharges are added by
	// the reconciler, not the counter.
	CountInput(req *Request) (int, error)

	// CountOutput counts tokens in generated content.
	CountOutput(text string) (int, error)
}

// EstimatingCounter is a heuristic TokenCounter using the common
// four-characters-per-token approximation. Good enough for credit
// accounting when no provider tokenizer is available.
type EstimatingCounter struct{}

// NewEstimatingCounter creates a heuristic counter.
func NewEstimatingCounter() *EstimatingCounter {
	return &EstimatingCounter{}
}

// CountInput implements TokenCounter.
func (c *EstimatingCounter) CountInput(req *Request) (int, error) {
	if req == nil {
		return 0, fmt.Errorf("%w: nil request", ErrTokenCountFailed)
	}
	total := estimateBaseOverhead + estimateText(req.SystemPrompt)
	for _, m := range req.Messages {
		total += estimateMessageOverhead + estimateText(m.Content)
	}
	return total, nil
}

// CountOutput implements TokenCounter.
func (c *EstimatingCounter) CountOutput(text string) (int, error) {
	return estimateText(text), nil
}

func estimateText(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + estimateCharsPerToken - 1) / estimateCharsPerToken
}

// ConservativeEstimate over-counts deliberately: three characters per token.
// Used as the billing fallback when a TokenCounter fails, so a counting
// failure can never silently under-bill.
func ConservativeEstimate(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 2) / 3
}
