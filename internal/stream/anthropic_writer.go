package stream

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/luthien-dev/luthien/internal/wire"
)

// AnthropicWriter serializes canonical events into the full six-event
// Messages lifecycle. Downstream clients key off the message_delta carrying
// stop_reason before message_stop, so Close guarantees it even for streams
// whose content was synthesized by a policy.
type AnthropicWriter struct {
	model     string
	msgID     string
	started   bool
	openIndex int // index of the open content block, -1 when none
	finished  bool
	stopped   bool
}

// NewAnthropicWriter creates a writer for one stream.
func NewAnthropicWriter(model string) *AnthropicWriter {
	return &AnthropicWriter{
		model:     model,
		msgID:     "msg_" + uuid.NewString(),
		openIndex: -1,
	}
}

// Frames serializes one canonical event. Events still carrying the
// upstream's raw payload are re-emitted verbatim, so pass-through streams
// keep usage counts and field shape byte-identical; synthesis covers
// policy-injected events only.
func (w *AnthropicWriter) Frames(ev Event) ([]Frame, error) {
	if frames, ok := w.passthrough(ev); ok {
		return frames, nil
	}
	switch ev.Type {
	case EventStreamStarted:
		if ev.MessageID != "" {
			w.msgID = ev.MessageID
		}
		if ev.Model != "" {
			w.model = ev.Model
		}
		return w.start()

	case EventBlockStarted:
		frames, err := w.ensureStarted()
		if err != nil {
			return nil, err
		}
		empty := ""
		block := blockStartPayload{Type: wire.BlockText, Text: &empty}
		if ev.Block != nil {
			switch ev.Kind {
			case KindToolUse:
				block = blockStartPayload{
					Type:  wire.BlockToolUse,
					ID:    ev.Block.ToolID,
					Name:  ev.Block.ToolName,
					Input: json.RawMessage("{}"),
				}
			case KindThinking:
				block = blockStartPayload{Type: wire.BlockThinking, Thinking: &empty}
			}
		}
		w.openIndex = ev.Index
		f, err := w.event("content_block_start", blockStartEvent{
			Type:         "content_block_start",
			Index:        ev.Index,
			ContentBlock: block,
		})
		return append(frames, f...), err

	case EventDelta:
		delta := wire.AnthropicDelta{}
		switch {
		case ev.ArgsDelta != "":
			delta.Type = "input_json_delta"
			delta.PartialJSON = ev.ArgsDelta
		case ev.ThinkingDelta != "":
			delta.Type = "thinking_delta"
			delta.Thinking = ev.ThinkingDelta
		case ev.SignatureDelta != "":
			delta.Type = "signature_delta"
			delta.Signature = ev.SignatureDelta
		default:
			delta.Type = "text_delta"
			delta.Text = ev.TextDelta
		}
		return w.event("content_block_delta", wire.AnthropicStreamEvent{
			Type:  "content_block_delta",
			Index: ev.Index,
			Delta: &delta,
		})

	case EventBlockComplete:
		w.openIndex = -1
		return w.event("content_block_stop", wire.AnthropicStreamEvent{
			Type:  "content_block_stop",
			Index: ev.Index,
		})

	case EventFinishReason:
		if w.finished {
			return nil, nil
		}
		w.finished = true
		return w.event("message_delta", wire.AnthropicStreamEvent{
			Type:  "message_delta",
			Delta: &wire.AnthropicDelta{StopReason: wire.FinishReasonToAnthropic(ev.FinishReason)},
			Usage: &wire.AnthropicUsage{},
		})

	case EventStreamClosed:
		return w.Close(), nil
	}
	return nil, nil
}

// Close terminates the lifecycle: closes any open block, emits a
// message_delta with stop_reason when none was sent, then message_stop.
// Idempotent.
func (w *AnthropicWriter) Close() []Frame {
	if w.stopped {
		return nil
	}
	w.stopped = true

	var frames []Frame
	if !w.started {
		fs, _ := w.start()
		frames = append(frames, fs...)
	}
	if w.openIndex >= 0 {
		fs, _ := w.event("content_block_stop", wire.AnthropicStreamEvent{
			Type:  "content_block_stop",
			Index: w.openIndex,
		})
		frames = append(frames, fs...)
		w.openIndex = -1
	}
	if !w.finished {
		w.finished = true
		fs, _ := w.event("message_delta", wire.AnthropicStreamEvent{
			Type:  "message_delta",
			Delta: &wire.AnthropicDelta{StopReason: wire.StopEndTurn},
			Usage: &wire.AnthropicUsage{},
		})
		frames = append(frames, fs...)
	}
	fs, _ := w.event("message_stop", wire.AnthropicStreamEvent{Type: "message_stop"})
	return append(frames, fs...)
}

func (w *AnthropicWriter) ensureStarted() ([]Frame, error) {
	if w.started {
		return nil, nil
	}
	return w.start()
}

func (w *AnthropicWriter) start() ([]Frame, error) {
	w.started = true
	return w.event("message_start", wire.AnthropicStreamEvent{
		Type: "message_start",
		Message: &wire.MessagesResponse{
			ID:      w.msgID,
			Type:    "message",
			Role:    "assistant",
			Model:   w.model,
			Content: []wire.ContentBlock{},
			Usage:   &wire.AnthropicUsage{},
		},
	})
}

// passthrough re-emits the upstream payload when the event still carries
// one in this writer's format. Lifecycle state advances the same way as for
// synthesized frames so Close never duplicates terminal events.
func (w *AnthropicWriter) passthrough(ev Event) ([]Frame, bool) {
	if len(ev.Raw) == 0 || ev.RawFormat != wire.FormatAnthropic {
		return nil, false
	}
	raw := func(name string) []Frame {
		return []Frame{{Event: name, Data: string(ev.Raw)}}
	}
	switch ev.Type {
	case EventStreamStarted:
		w.started = true
		return raw("message_start"), true
	case EventBlockStarted:
		pre, _ := w.ensureStarted()
		w.openIndex = ev.Index
		return append(pre, raw("content_block_start")...), true
	case EventDelta:
		return raw("content_block_delta"), true
	case EventBlockComplete:
		w.openIndex = -1
		return raw("content_block_stop"), true
	case EventFinishReason:
		if w.finished {
			return nil, true
		}
		w.finished = true
		return raw("message_delta"), true
	}
	return nil, false
}

// blockStartPayload spells out the zero-valued field each block kind opens
// with; the shared wire struct would drop them as empty.
type blockStartPayload struct {
	Type     string          `json:"type"`
	Text     *string         `json:"text,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Thinking *string         `json:"thinking,omitempty"`
}

type blockStartEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index"`
	ContentBlock blockStartPayload `json:"content_block"`
}

func (w *AnthropicWriter) event(name string, payload any) ([]Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []Frame{{Event: name, Data: string(data)}}, nil
}
