package wire

import (
	"encoding/json"
	"fmt"
)

// Content block kinds.
const (
	BlockText            = "text"
	BlockToolUse         = "tool_use"
	BlockToolResult      = "tool_result"
	BlockThinking        = "thinking"
	BlockRedactedThinking = "redacted_thinking"
)

// MessagesRequest is the Anthropic Messages API request body.
type MessagesRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        SystemPrompt       `json:"system,omitempty"`
	Messages      []AnthropicMessage `json:"messages"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	ToolChoice    json.RawMessage    `json:"tool_choice,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Thinking      *ThinkingConfig    `json:"thinking,omitempty"`
	Metadata      *RequestMetadata   `json:"metadata,omitempty"`
}

// RequestMetadata is the Anthropic metadata slot; user_id doubles as the
// session id for transaction correlation.
type RequestMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

// ThinkingConfig toggles extended thinking.
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// SystemPrompt is the top-level system field: a plain string or a list of
// text blocks. Both shapes round-trip unchanged.
type SystemPrompt struct {
	Text    string
	Blocks  []ContentBlock
	IsBlocks bool
}

// Plain returns the system prompt as a single string, joining blocks with
// newlines.
func (s SystemPrompt) Plain() string {
	if !s.IsBlocks {
		return s.Text
	}
	var out string
	for i, b := range s.Blocks {
		if i > 0 {
			out += "\n"
		}
		out += b.Text
	}
	return out
}

// IsEmpty reports whether no system prompt is present.
func (s SystemPrompt) IsEmpty() bool {
	if s.IsBlocks {
		return len(s.Blocks) == 0
	}
	return s.Text == ""
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.IsBlocks {
		return json.Marshal(s.Blocks)
	}
	return json.Marshal(s.Text)
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*s = SystemPrompt{}
		return nil
	}
	if data[0] == '"' {
		s.IsBlocks = false
		s.Blocks = nil
		return json.Unmarshal(data, &s.Text)
	}
	if data[0] == '[' {
		s.IsBlocks = true
		s.Text = ""
		return json.Unmarshal(data, &s.Blocks)
	}
	return fmt.Errorf("system must be a string or an array, got %q", data[0])
}

// AnthropicMessage is one conversation entry. Content is a string or a list
// of content blocks.
type AnthropicMessage struct {
	Role    string           `json:"role"`
	Content AnthropicContent `json:"content"`
}

// AnthropicContent models the string-or-blocks content field.
type AnthropicContent struct {
	Text     string
	Blocks   []ContentBlock
	IsBlocks bool
}

// BlocksContent builds block-shaped content.
func BlocksContent(blocks ...ContentBlock) AnthropicContent {
	return AnthropicContent{Blocks: blocks, IsBlocks: true}
}

// StringContent builds plain string content.
func StringContent(text string) AnthropicContent {
	return AnthropicContent{Text: text}
}

// AsBlocks returns the content as a block list, expanding a plain string
// into a one-element text block list.
func (c AnthropicContent) AsBlocks() []ContentBlock {
	if c.IsBlocks {
		return c.Blocks
	}
	return []ContentBlock{{Type: BlockText, Text: c.Text}}
}

// Plain returns the concatenated text of the content.
func (c AnthropicContent) Plain() string {
	if !c.IsBlocks {
		return c.Text
	}
	var out string
	for _, b := range c.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

func (c AnthropicContent) MarshalJSON() ([]byte, error) {
	if c.IsBlocks {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

func (c *AnthropicContent) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*c = AnthropicContent{}
		return nil
	}
	if data[0] == '"' {
		c.IsBlocks = false
		c.Blocks = nil
		return json.Unmarshal(data, &c.Text)
	}
	if data[0] == '[' {
		c.IsBlocks = true
		c.Text = ""
		return json.Unmarshal(data, &c.Blocks)
	}
	return fmt.Errorf("content must be a string or an array, got %q", data[0])
}

// ContentBlock is the polymorphic Anthropic content element, discriminated
// by Type rather than by Go subtypes so new block kinds stay cheap to add.
type ContentBlock struct {
	Type string `json:"type"`

	// type "text"
	Text string `json:"text,omitempty"`

	// type "tool_use"
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// type "tool_result"
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// type "thinking"
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// AnthropicTool is an Anthropic tool definition.
type AnthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// MessagesResponse is the Anthropic Messages API response body.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        *AnthropicUsage `json:"usage,omitempty"`
}

// AnthropicUsage reports token consumption.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnthropicStreamEvent is one SSE event payload of the Messages streaming
// lifecycle: message_start, content_block_start, content_block_delta,
// content_block_stop, message_delta, message_stop.
type AnthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`

	// message_start
	Message *MessagesResponse `json:"message,omitempty"`

	// content_block_start
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// content_block_delta and message_delta
	Delta *AnthropicDelta `json:"delta,omitempty"`

	// message_delta
	Usage *AnthropicUsage `json:"usage,omitempty"`

	// Raw is the undecoded payload as received from the upstream. Set by
	// the stream consumer, never part of the wire shape.
	Raw json.RawMessage `json:"-"`
}

// AnthropicDelta is the delta slot of content_block_delta and message_delta
// events.
type AnthropicDelta struct {
	Type string `json:"type,omitempty"`

	// text_delta
	Text string `json:"text,omitempty"`

	// input_json_delta
	PartialJSON string `json:"partial_json,omitempty"`

	// thinking_delta / signature_delta
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// message_delta
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

// ParseMessagesRequest parses an inbound Anthropic messages body.
func ParseMessagesRequest(body []byte) (*MessagesRequest, error) {
	var req MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if req.MaxTokens <= 0 {
		return nil, fmt.Errorf("max_tokens is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}
	return &req, nil
}

// ParseMessagesResponse parses an upstream messages response body.
func ParseMessagesResponse(body []byte) (*MessagesResponse, error) {
	var resp MessagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("invalid messages response: %w", err)
	}
	return &resp, nil
}

// Clone returns a deep copy of the request.
func (r *MessagesRequest) Clone() *MessagesRequest {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var cp MessagesRequest
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil
	}
	return &cp
}
