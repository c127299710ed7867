package anthropic

import (
	"github.com/anthropics/anthropic-sdk-go"

	loomstream "github.com/jmatherly/loom-stream-go"
)

// defaultMaxTokens caps generation when the caller has no preference.
const defaultMaxTokens = 4096

// buildMessageParams constructs Anthropic API parameters from a Request.
func buildMessageParams(req *loomstream.Request) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		switch m.Role {
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(block))
		default:
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: defaultMaxTokens,
	}

	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: req.SystemPrompt,
			},
		}
	}

	return params
}
