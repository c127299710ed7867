package loomstream

import "encoding/json"

// SearchResultExtractor normalizes a provider-shaped web-search tool result
// into SourceRefs. Providers structure search results differently; instead
// of runtime property probing, each shape gets its own variant, selected by
// provider tag.
//
// Provider shapes:
//   - Anthropic: {"results": [{"title", "url", "page_age"}]}
//   - OpenRouter: {"annotations": [{"type": "url_citation",
//     "url_citation": {"url", "title", "content"}}]}
type SearchResultExtractor interface {
	// Provider returns the shape this extractor understands.
	Provider() ProviderID

	// Extract parses a raw tool result into source references.
	// Unrecognized payloads yield nil, never an error: extraction is
	// best-effort enrichment, not validation.
	Extract(result json.RawMessage) []SourceRef
}

// ExtractorFor returns the extractor for a provider, or nil if the provider
// has no known search-result shape.
func ExtractorFor(p ProviderID) SearchResultExtractor {
	switch p {
	case ProviderAnthropic, ProviderLorem:
		// The lorem mock emits Anthropic-shaped results.
		return anthropicExtractor{}
	case ProviderOpenRouter:
		return openRouterExtractor{}
	default:
		return nil
	}
}

// anthropicExtractor handles Anthropic's web_search_tool_result shape.
type anthropicExtractor struct{}

func (anthropicExtractor) Provider() ProviderID {
	return ProviderAnthropic
}

func (anthropicExtractor) Extract(result json.RawMessage) []SourceRef {
	type searchResult struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		PageAge string `json:"page_age"`
		Snippet string `json:"snippet"`
	}
	// The REST shape nests results under "results"; streamed
	// web_search_tool_result blocks nest them under "content".
	var payload struct {
		Results []searchResult `json:"results"`
		Content []searchResult `json:"content"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil
	}

	results := payload.Results
	if len(results) == 0 {
		results = payload.Content
	}

	var refs []SourceRef
	for _, r := range results {
		if r.URL == "" {
			continue
		}
		refs = append(refs, SourceRef{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Snippet,
		})
	}
	return refs
}

// openRouterExtractor handles OpenRouter's url_citation annotation shape.
type openRouterExtractor struct{}

func (openRouterExtractor) Provider() ProviderID {
	return ProviderOpenRouter
}

func (openRouterExtractor) Extract(result json.RawMessage) []SourceRef {
	var payload struct {
		Annotations []struct {
			Type        string `json:"type"`
			URLCitation struct {
				URL     string `json:"url"`
				Title   string `json:"title"`
				Content string `json:"content"`
			} `json:"url_citation"`
		} `json:"annotations"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil
	}

	var refs []SourceRef
	for _, a := range payload.Annotations {
		if a.Type != "url_citation" || a.URLCitation.URL == "" {
			continue
		}
		refs = append(refs, SourceRef{
			Title:   a.URLCitation.Title,
			URL:     a.URLCitation.URL,
			Snippet: a.URLCitation.Content,
		})
	}
	return refs
}
