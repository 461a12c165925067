package stream

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/luthien-dev/luthien/internal/wire"
)

// OpenAIWriter serializes canonical events into chat.completion.chunk
// frames terminated by data: [DONE].
type OpenAIWriter struct {
	id       string
	model    string
	created  int64
	roleSent bool
	// toolIdx maps canonical block index to the OpenAI tool_calls index,
	// which counts tool blocks only.
	toolIdx   map[int]int
	toolCount int
	finished  bool
	doneSent  bool
}

// NewOpenAIWriter creates a writer for one stream.
func NewOpenAIWriter(model string) *OpenAIWriter {
	return &OpenAIWriter{
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: time.Now().Unix(),
		toolIdx: make(map[int]int),
	}
}

// Frames serializes one canonical event.
func (w *OpenAIWriter) Frames(ev Event) ([]Frame, error) {
	switch ev.Type {
	case EventStreamStarted:
		if ev.MessageID != "" {
			w.id = ev.MessageID
		}
		if ev.Model != "" {
			w.model = ev.Model
		}
		return w.chunk(wire.ChunkDelta{Role: "assistant"}, nil)

	case EventBlockStarted:
		if ev.Kind == KindToolUse && ev.Block != nil {
			idx := w.toolCount
			w.toolCount++
			w.toolIdx[ev.Index] = idx
			return w.chunk(wire.ChunkDelta{
				ToolCalls: []wire.ToolCallDelta{{
					Index:    idx,
					ID:       ev.Block.ToolID,
					Type:     "function",
					Function: &wire.FunctionCallDelta{Name: ev.Block.ToolName, Arguments: ""},
				}},
			}, nil)
		}
		// Text and thinking blocks have no explicit open frame in the
		// OpenAI format.
		return nil, nil

	case EventDelta:
		switch ev.Kind {
		case KindToolUse:
			idx, ok := w.toolIdx[ev.Index]
			if !ok || ev.ArgsDelta == "" {
				return nil, nil
			}
			return w.chunk(wire.ChunkDelta{
				ToolCalls: []wire.ToolCallDelta{{
					Index:    idx,
					Function: &wire.FunctionCallDelta{Arguments: ev.ArgsDelta},
				}},
			}, nil)
		case KindThinking:
			// The chat-completions format has no thinking channel; thinking
			// deltas are not forwarded.
			return nil, nil
		default:
			if ev.TextDelta == "" {
				return nil, nil
			}
			return w.chunk(wire.ChunkDelta{Content: ev.TextDelta}, nil)
		}

	case EventBlockComplete:
		return nil, nil

	case EventFinishReason:
		if w.finished {
			return nil, nil
		}
		w.finished = true
		reason := ev.FinishReason
		return w.chunk(wire.ChunkDelta{}, &reason)

	case EventStreamClosed:
		return w.Close(), nil
	}
	return nil, nil
}

// Close terminates the stream: a finish chunk when none was emitted, then
// the [DONE] sentinel. Idempotent.
func (w *OpenAIWriter) Close() []Frame {
	if w.doneSent {
		return nil
	}
	w.doneSent = true
	var frames []Frame
	if !w.finished {
		w.finished = true
		reason := wire.FinishStop
		fs, _ := w.chunk(wire.ChunkDelta{}, &reason)
		frames = append(frames, fs...)
	}
	frames = append(frames, Frame{Data: "[DONE]"})
	return frames
}

func (w *OpenAIWriter) chunk(delta wire.ChunkDelta, finish *string) ([]Frame, error) {
	if !w.roleSent && delta.Role == "" && finish == nil {
		delta.Role = "assistant"
	}
	if delta.Role != "" {
		w.roleSent = true
	}
	payload := wire.ChatChunk{
		ID:      w.id,
		Object:  "chat.completion.chunk",
		Created: w.created,
		Model:   w.model,
		Choices: []wire.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []Frame{{Data: string(data)}}, nil
}
