package wire

import (
	"encoding/json"
	"strings"
)

// Conversion between the two wire formats. The conversation is always an
// ordered list; tool_use blocks and their tool_result counterparts live in
// non-adjacent messages and are correlated through an id table built in a
// first pass before any message is rewritten.

// OpenAIToAnthropicRequest converts a chat-completions request into a
// messages request. System-role messages flatten into the top-level system
// field, joined with newlines when there are several.
func OpenAIToAnthropicRequest(req *ChatRequest, defaultMaxTokens int) *MessagesRequest {
	out := &MessagesRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}

	var system []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			system = append(system, msg.Content.Plain())
		case "user":
			out.Messages = append(out.Messages, AnthropicMessage{
				Role:    "user",
				Content: openAIContentToAnthropic(msg.Content),
			})
		case "assistant":
			out.Messages = append(out.Messages, AnthropicMessage{
				Role:    "assistant",
				Content: BlocksContent(assistantBlocks(msg)...),
			})
		case "tool":
			// Tool results become tool_result blocks inside a user message,
			// correlated by tool_call_id.
			block := ContentBlock{
				Type:      BlockToolResult,
				ToolUseID: msg.ToolCallID,
				Content:   jsonString(msg.Content.Plain()),
			}
			out.Messages = append(out.Messages, AnthropicMessage{
				Role:    "user",
				Content: BlocksContent(block),
			})
		}
	}
	if len(system) > 0 {
		out.System = SystemPrompt{Text: strings.Join(system, "\n")}
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, AnthropicTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: tool.Function.Parameters,
		})
	}
	return out
}

// AnthropicToOpenAIRequest converts a messages request into a
// chat-completions request. A tool_use block on an assistant message becomes
// an OpenAI tool_call; a tool_result block in a user message becomes a
// separate tool-role message keyed by the same id.
func AnthropicToOpenAIRequest(req *MessagesRequest) *ChatRequest {
	out := &ChatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}

	if !req.System.IsEmpty() {
		out.Messages = append(out.Messages, ChatMessage{
			Role:    "system",
			Content: TextContent(req.System.Plain()),
		})
	}

	// Conversion never prunes: an orphaned tool_result still becomes a
	// tool-role message, the upstream sanitizer owns orphan handling.
	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			chat := ChatMessage{Role: "assistant"}
			var text string
			for _, block := range msg.Content.AsBlocks() {
				switch block.Type {
				case BlockText:
					text += block.Text
				case BlockToolUse:
					args := string(block.Input)
					if args == "" {
						args = "{}"
					}
					chat.ToolCalls = append(chat.ToolCalls, ToolCall{
						ID:   block.ID,
						Type: "function",
						Function: FunctionCall{
							Name:      block.Name,
							Arguments: args,
						},
					})
				}
			}
			chat.Content = TextContent(text)
			out.Messages = append(out.Messages, chat)
		case "user":
			var text string
			for _, block := range msg.Content.AsBlocks() {
				switch block.Type {
				case BlockText:
					text += block.Text
				case BlockToolResult:
					out.Messages = append(out.Messages, ChatMessage{
						Role:       "tool",
						ToolCallID: block.ToolUseID,
						Content:    TextContent(rawToPlain(block.Content)),
					})
				}
			}
			if text != "" || len(msg.Content.AsBlocks()) == 0 {
				out.Messages = append(out.Messages, ChatMessage{
					Role:    "user",
					Content: TextContent(text),
				})
			}
		}
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, Tool{
			Type: "function",
			Function: ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return out
}

// AnthropicToOpenAIResponse converts a messages response into a
// chat-completions response.
func AnthropicToOpenAIResponse(resp *MessagesResponse) *ChatResponse {
	msg := ChatMessage{Role: "assistant"}
	var text string
	for _, block := range resp.Content {
		switch block.Type {
		case BlockText:
			text += block.Text
		case BlockToolUse:
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      block.Name,
					Arguments: args,
				},
			})
		}
	}
	msg.Content = TextContent(text)

	out := &ChatResponse{
		ID:     resp.ID,
		Object: "chat.completion",
		Model:  resp.Model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: FinishReasonFromAnthropic(resp.StopReason),
		}},
	}
	if resp.Usage != nil {
		out.Usage = &ChatUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}
	return out
}

// OpenAIToAnthropicResponse converts a chat-completions response into a
// messages response.
func OpenAIToAnthropicResponse(resp *ChatResponse) *MessagesResponse {
	out := &MessagesResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if text := choice.Message.Content.Plain(); text != "" {
			out.Content = append(out.Content, ContentBlock{Type: BlockText, Text: text})
		}
		for _, call := range choice.Message.ToolCalls {
			input := json.RawMessage(call.Function.Arguments)
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			out.Content = append(out.Content, ContentBlock{
				Type:  BlockToolUse,
				ID:    call.ID,
				Name:  call.Function.Name,
				Input: input,
			})
		}
		out.StopReason = FinishReasonToAnthropic(choice.FinishReason)
	}
	if resp.Usage != nil {
		out.Usage = &AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out
}

func openAIContentToAnthropic(content ChatContent) AnthropicContent {
	if !content.IsParts {
		return StringContent(content.Text)
	}
	blocks := make([]ContentBlock, 0, len(content.Parts))
	allText := true
	for _, part := range content.Parts {
		if part.Type != "text" {
			allText = false
			continue
		}
		blocks = append(blocks, ContentBlock{Type: BlockText, Text: part.Text})
	}
	// Text-only part lists collapse back to a string when converted the
	// other way, so keep them as blocks only when something non-text existed.
	if allText && len(blocks) == 1 {
		return StringContent(blocks[0].Text)
	}
	return BlocksContent(blocks...)
}

func assistantBlocks(msg ChatMessage) []ContentBlock {
	var blocks []ContentBlock
	if text := msg.Content.Plain(); text != "" {
		blocks = append(blocks, ContentBlock{Type: BlockText, Text: text})
	}
	for _, call := range msg.ToolCalls {
		input := json.RawMessage(call.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		blocks = append(blocks, ContentBlock{
			Type:  BlockToolUse,
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}
	if len(blocks) == 0 {
		blocks = append(blocks, ContentBlock{Type: BlockText, Text: ""})
	}
	return blocks
}

func jsonString(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

// rawToPlain renders a tool_result content value (string or block list) as
// plain text.
func rawToPlain(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var out string
		for _, b := range blocks {
			if b.Type == BlockText {
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}
