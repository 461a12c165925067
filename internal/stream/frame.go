package stream

import "github.com/luthien-dev/luthien/internal/wire"

// Frame is one outbound Server-Sent-Event frame, ready for encoding.
type Frame struct {
	// Event is the SSE event label. Empty for OpenAI data-only frames.
	Event string
	// Data is the raw payload, already JSON-encoded (or "[DONE]").
	Data string
	// Comment marks a zero-payload keepalive comment frame.
	Comment bool
}

// Encode renders the frame in SSE wire form.
func (f Frame) Encode() string {
	if f.Comment {
		return ": keepalive\n\n"
	}
	if f.Event != "" {
		return "event: " + f.Event + "\ndata: " + f.Data + "\n\n"
	}
	return "data: " + f.Data + "\n\n"
}

// KeepaliveFrame is the benign comment frame emitted while a policy waits on
// long external I/O.
func KeepaliveFrame() Frame {
	return Frame{Comment: true}
}

// Writer serializes canonical events into a wire format's SSE frames.
// Close must always be called; it completes the format's required lifecycle
// even when the event stream ended early or the content was synthesized by
// a policy.
type Writer interface {
	Frames(ev Event) ([]Frame, error)
	Close() []Frame
}

// NewWriter returns the writer for the client's wire format.
func NewWriter(format wire.Format, model string) Writer {
	if format == wire.FormatAnthropic {
		return NewAnthropicWriter(model)
	}
	return NewOpenAIWriter(model)
}
