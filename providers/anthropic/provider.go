// Package anthropic adapts the Anthropic Messages streaming API into the
// wire-framed event stream consumed by loomstream.
package anthropic

import (
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	loomstream "github.com/jmatherly/loom-stream-go"
)

// Source implements loomstream.StreamSource for Anthropic (Claude) models.
type Source struct {
	client *anthropic.Client
}

// NewSource creates an Anthropic stream source with the given API key.
func NewSource(apiKey string) (*Source, error) {
	if apiKey == "" {
		return nil, loomstream.ErrInvalidAPIKey
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	return &Source{
		client: &client,
	}, nil
}

// Name returns the provider identifier.
func (s *Source) Name() loomstream.ProviderID {
	return loomstream.ProviderAnthropic
}

// SupportsModel returns true if this source supports the given model.
// Anthropic models start with "claude-"
func (s *Source) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "claude-")
}
