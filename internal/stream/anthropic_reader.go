package stream

import (
	"github.com/luthien-dev/luthien/internal/wire"
)

// AnthropicReader translates Anthropic SSE events into canonical events.
// The translation is one-to-one: the Anthropic lifecycle already carries
// explicit block boundaries.
type AnthropicReader struct {
	closed bool
	blocks map[int]*Block
}

// NewAnthropicReader creates a reader for one stream.
func NewAnthropicReader() *AnthropicReader {
	return &AnthropicReader{blocks: make(map[int]*Block)}
}

// Read translates one wire event. When ev.Raw is set, the translated event
// carries the upstream payload so a same-format writer re-emits it verbatim.
func (r *AnthropicReader) Read(ev *wire.AnthropicStreamEvent) []Event {
	switch ev.Type {
	case "message_start":
		id, model := "", ""
		if ev.Message != nil {
			id = ev.Message.ID
			model = ev.Message.Model
		}
		return r.tag(ev, []Event{Started(id, model)})

	case "content_block_start":
		block := &Block{Index: ev.Index, Kind: KindText}
		if cb := ev.ContentBlock; cb != nil {
			switch cb.Type {
			case wire.BlockToolUse:
				block.Kind = KindToolUse
				block.ToolID = cb.ID
				block.ToolName = cb.Name
			case wire.BlockThinking, wire.BlockRedactedThinking:
				block.Kind = KindThinking
				block.Signature = cb.Signature
			default:
				block.Text = cb.Text
			}
		}
		r.blocks[ev.Index] = block
		return r.tag(ev, []Event{{Type: EventBlockStarted, Index: ev.Index, Kind: block.Kind, Block: block.Clone()}})

	case "content_block_delta":
		block := r.blocks[ev.Index]
		if block == nil || ev.Delta == nil {
			return nil
		}
		out := Event{Type: EventDelta, Index: ev.Index, Kind: block.Kind}
		switch ev.Delta.Type {
		case "text_delta":
			block.Text += ev.Delta.Text
			out.TextDelta = ev.Delta.Text
		case "input_json_delta":
			block.Args += ev.Delta.PartialJSON
			out.ArgsDelta = ev.Delta.PartialJSON
		case "thinking_delta":
			block.Thinking += ev.Delta.Thinking
			out.ThinkingDelta = ev.Delta.Thinking
		case "signature_delta":
			block.Signature = ev.Delta.Signature
			out.SignatureDelta = ev.Delta.Signature
		default:
			return nil
		}
		return r.tag(ev, []Event{out})

	case "content_block_stop":
		block := r.blocks[ev.Index]
		if block == nil {
			return nil
		}
		block.Complete = true
		return r.tag(ev, []Event{{Type: EventBlockComplete, Index: ev.Index, Kind: block.Kind, Block: block.Clone()}})

	case "message_delta":
		if ev.Delta == nil || ev.Delta.StopReason == "" {
			return nil
		}
		return r.tag(ev, []Event{Finish(wire.FinishReasonFromAnthropic(ev.Delta.StopReason))})

	case "message_stop":
		return r.Close()
	}
	return nil
}

// Close ends the stream. Always emits stream_closed exactly once, even when
// the upstream never sent message_stop.
func (r *AnthropicReader) Close() []Event {
	if r.closed {
		return nil
	}
	r.closed = true
	return []Event{Closed()}
}

func (r *AnthropicReader) tag(ev *wire.AnthropicStreamEvent, out []Event) []Event {
	if len(ev.Raw) == 0 {
		return out
	}
	for i := range out {
		out[i].Raw = ev.Raw
		out[i].RawFormat = wire.FormatAnthropic
	}
	return out
}
