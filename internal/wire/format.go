package wire

// Format identifies the external JSON/SSE schema a client or upstream speaks.
// The client's format is sticky for the lifetime of a transaction: the
// response is always serialized in the same format the request arrived in.
type Format string

const (
	FormatOpenAI    Format = "openai"
	FormatAnthropic Format = "anthropic"
)

// Canonical finish reasons use the OpenAI vocabulary internally.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// Anthropic stop reasons.
const (
	StopEndTurn       = "end_turn"
	StopMaxTokens     = "max_tokens"
	StopToolUse       = "tool_use"
	StopContentFilter = "content_filter"
)

// FinishReasonToAnthropic maps an OpenAI finish_reason to an Anthropic
// stop_reason. Unknown values pass through unchanged; there is no conversion
// for provider-specific filters.
func FinishReasonToAnthropic(reason string) string {
	switch reason {
	case FinishStop:
		return StopEndTurn
	case FinishLength:
		return StopMaxTokens
	case FinishToolCalls:
		return StopToolUse
	case FinishContentFilter:
		return StopContentFilter
	}
	return reason
}

// FinishReasonFromAnthropic maps an Anthropic stop_reason to an OpenAI
// finish_reason.
func FinishReasonFromAnthropic(reason string) string {
	switch reason {
	case StopEndTurn:
		return FinishStop
	case StopMaxTokens:
		return FinishLength
	case StopToolUse:
		return FinishToolCalls
	case StopContentFilter:
		return FinishContentFilter
	}
	return reason
}

// Request is a format-tagged wire request. Exactly one variant is set.
type Request struct {
	Format    Format
	OpenAI    *ChatRequest
	Anthropic *MessagesRequest
}

// Response is a format-tagged wire response. Exactly one variant is set.
type Response struct {
	Format    Format
	OpenAI    *ChatResponse
	Anthropic *MessagesResponse
}

// Model returns the model named in the request, regardless of format.
func (r *Request) Model() string {
	switch r.Format {
	case FormatOpenAI:
		if r.OpenAI != nil {
			return r.OpenAI.Model
		}
	case FormatAnthropic:
		if r.Anthropic != nil {
			return r.Anthropic.Model
		}
	}
	return ""
}

// Clone deep-copies the request.
func (r *Request) Clone() *Request {
	out := &Request{Format: r.Format}
	if r.OpenAI != nil {
		out.OpenAI = r.OpenAI.Clone()
	}
	if r.Anthropic != nil {
		out.Anthropic = r.Anthropic.Clone()
	}
	return out
}

// Streaming reports whether the client asked for a streaming response.
func (r *Request) Streaming() bool {
	switch r.Format {
	case FormatOpenAI:
		return r.OpenAI != nil && r.OpenAI.Stream
	case FormatAnthropic:
		return r.Anthropic != nil && r.Anthropic.Stream
	}
	return false
}
