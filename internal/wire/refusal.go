package wire

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BlockedText renders the synthetic refusal content for a policy block.
func BlockedText(reason string) string {
	return fmt.Sprintf("[blocked: %s]", reason)
}

// SyntheticRefusal builds a complete, well-formed response in the client's
// wire format carrying refusal text. A policy block never surfaces as an
// HTTP error: the client sees a normal completion with finish reason stop.
func SyntheticRefusal(format Format, model, text string) *Response {
	switch format {
	case FormatAnthropic:
		return &Response{
			Format: FormatAnthropic,
			Anthropic: &MessagesResponse{
				ID:         "msg_" + uuid.NewString(),
				Type:       "message",
				Role:       "assistant",
				Model:      model,
				Content:    []ContentBlock{{Type: BlockText, Text: text}},
				StopReason: StopEndTurn,
				Usage:      &AnthropicUsage{},
			},
		}
	default:
		return &Response{
			Format: FormatOpenAI,
			OpenAI: &ChatResponse{
				ID:      "chatcmpl-" + uuid.NewString(),
				Object:  "chat.completion",
				Created: time.Now().Unix(),
				Model:   model,
				Choices: []ChatChoice{{
					Index:        0,
					Message:      ChatMessage{Role: "assistant", Content: TextContent(text)},
					FinishReason: FinishStop,
				}},
			},
		}
	}
}
