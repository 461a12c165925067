package wire

// ErrorResponse is the error envelope for OpenAI-shaped error bodies.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error fields both formats understand.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// AnthropicErrorResponse is the error envelope for Anthropic-shaped error
// bodies.
type AnthropicErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// NewErrorBody builds the format-appropriate error envelope.
func NewErrorBody(format Format, message, errType, code string) any {
	detail := ErrorDetail{Message: message, Type: errType, Code: code}
	if format == FormatAnthropic {
		return AnthropicErrorResponse{Type: "error", Error: detail}
	}
	return ErrorResponse{Error: detail}
}
