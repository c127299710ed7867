package loomstream

// Request describes the originating generation request for one response.
// The session uses it for token counting and billing attribution; the
// provider adapters use it to open the stream.
type Request struct {
	// ConversationID is the conversation this response belongs to.
	ConversationID string

	// ResponseID uniquely identifies this response and keys all idempotent
	// persistence and billing writes. If empty, the session generates one.
	ResponseID string

	// Model is the model identifier (e.g. "claude-sonnet-4-20250514").
	Model string

	// Provider selects the stream source and result-extraction variant.
	Provider ProviderID

	// SystemPrompt is the system prompt sent with the request.
	SystemPrompt string

	// Messages is the conversation history.
	Messages []RequestMessage

	// ImageCount is the number of attached images; each adds a fixed
	// input-token surcharge.
	ImageCount int

	// UsedOwnCredential is true when the user supplied their own API key,
	// in which case deductions are recorded but priced at zero.
	UsedOwnCredential bool
}

// RequestMessage is a single message in the conversation history.
type RequestMessage struct {
	// Role is either "user" or "assistant".
	Role string

	// Content is the message text.
	Content string
}
