package wire

import (
	"encoding/json"
	"fmt"
)

// ChatRequest is the OpenAI chat-completions request body.
type ChatRequest struct {
	Model       string            `json:"model"`
	Messages    []ChatMessage     `json:"messages"`
	Tools       []Tool            `json:"tools,omitempty"`
	ToolChoice  json.RawMessage   `json:"tool_choice,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	Stop        json.RawMessage   `json:"stop,omitempty"`
	User        string            `json:"user,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ChatMessage is one entry of the conversation. Content is either a plain
// string or a list of typed parts; both shapes survive a parse/serialize
// round trip unchanged.
type ChatMessage struct {
	Role       string      `json:"role"`
	Content    ChatContent `json:"content"`
	Name       string      `json:"name,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

// ChatContent models the string-or-parts content field.
type ChatContent struct {
	Text  string
	Parts []ContentPart
	// IsParts distinguishes an empty string from an empty part list.
	IsParts bool
}

// TextContent builds plain string content.
func TextContent(text string) ChatContent {
	return ChatContent{Text: text}
}

// PartsContent builds list-shaped content.
func PartsContent(parts ...ContentPart) ChatContent {
	return ChatContent{Parts: parts, IsParts: true}
}

// Plain returns the concatenated text of the content.
func (c ChatContent) Plain() string {
	if !c.IsParts {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// IsEmpty reports whether the content carries no text at all.
func (c ChatContent) IsEmpty() bool {
	if !c.IsParts {
		return c.Text == ""
	}
	return len(c.Parts) == 0
}

func (c ChatContent) MarshalJSON() ([]byte, error) {
	if c.IsParts {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

func (c *ChatContent) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*c = ChatContent{}
		return nil
	}
	if data[0] == '"' {
		c.IsParts = false
		c.Parts = nil
		return json.Unmarshal(data, &c.Text)
	}
	if data[0] == '[' {
		c.IsParts = true
		c.Text = ""
		return json.Unmarshal(data, &c.Parts)
	}
	return fmt.Errorf("content must be a string or an array, got %q", data[0])
}

// ContentPart is a typed element of list-shaped message content.
type ContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL json.RawMessage `json:"image_url,omitempty"`
}

// ToolCall is an OpenAI assistant tool invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is an OpenAI tool definition.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatResponse is the non-streaming chat-completions response body.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

// ChatChoice is one completion alternative.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatUsage reports token consumption.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatChunk is one streaming chat.completion.chunk frame.
type ChatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *ChatUsage    `json:"usage,omitempty"`
}

// ChunkChoice is the delta slot of a streaming chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta carries the incremental payload of a chunk.
type ChunkDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is an incremental tool-call fragment. Index keys fragments
// of the same call together across chunks.
type ToolCallDelta struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function *FunctionCallDelta `json:"function,omitempty"`
}

// FunctionCallDelta carries a name or arguments fragment.
type FunctionCallDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// ParseChatRequest parses an inbound OpenAI chat-completions body.
func ParseChatRequest(body []byte) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}
	return &req, nil
}

// ParseChatResponse parses an upstream chat-completions response body.
func ParseChatResponse(body []byte) (*ChatResponse, error) {
	var resp ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("invalid chat completion response: %w", err)
	}
	return &resp, nil
}

// Clone returns a deep copy of the request. The pipeline keeps the original
// to detect policy mutation and to drive the passthrough fallback.
func (r *ChatRequest) Clone() *ChatRequest {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var cp ChatRequest
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil
	}
	return &cp
}
