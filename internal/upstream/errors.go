package upstream

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// Kind classifies an upstream failure for the pipeline's error policy.
type Kind int

const (
	// KindUnavailable covers network failures and upstream 5xx.
	KindUnavailable Kind = iota
	// KindBadRequest is an upstream 400-class rejection.
	KindBadRequest
	// KindUnauthorized is an upstream 401; the credential used must be
	// invalidated.
	KindUnauthorized
	// KindContextOverflow is a bad request caused by the conversation
	// exceeding the model's context window. Never auto-fixed.
	KindContextOverflow
)

// Error is a classified upstream failure.
type Error struct {
	Kind    Kind
	Status  int
	Model   string
	Message string
	Body    []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream %d: %s", e.Status, e.Message)
}

// Humanize rewrites the failure into a user-facing message that names the
// model and suggests remediation.
func (e *Error) Humanize() string {
	switch e.Kind {
	case KindContextOverflow:
		return fmt.Sprintf(
			"The conversation is too long for model %s. Compact the conversation or start a new one.",
			e.Model,
		)
	case KindUnauthorized:
		return fmt.Sprintf("The upstream provider rejected the credentials for model %s.", e.Model)
	case KindUnavailable:
		return fmt.Sprintf(
			"The upstream provider for model %s is unavailable right now. Try again shortly.",
			e.Model,
		)
	default:
		return fmt.Sprintf("The upstream provider rejected the request for model %s: %s", e.Model, e.Message)
	}
}

// classifyError builds an Error from an upstream HTTP failure. The message
// is probed from both OpenAI-shaped (error.message) and Anthropic-shaped
// bodies before falling back to the raw body.
func classifyError(status int, model string, body []byte) *Error {
	message := gjson.GetBytes(body, "error.message").String()
	if message == "" {
		message = gjson.GetBytes(body, "message").String()
	}
	if message == "" {
		message = string(body)
	}

	kind := KindUnavailable
	switch {
	case status == 401:
		kind = KindUnauthorized
	case status >= 400 && status < 500:
		if isContextOverflow(message) {
			kind = KindContextOverflow
		} else {
			kind = KindBadRequest
		}
	}
	return &Error{Kind: kind, Status: status, Model: model, Message: message, Body: body}
}
