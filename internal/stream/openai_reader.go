package stream

import (
	"github.com/luthien-dev/luthien/internal/wire"
)

// OpenAIReader translates OpenAI chat.completion.chunk frames into the
// canonical event sequence. OpenAI has no explicit block boundaries: text
// arrival opens a text block, each distinct tool_calls index opens a new
// block, and a block closes when a differently-indexed block begins or the
// finish_reason arrives.
type OpenAIReader struct {
	started  bool
	closed   bool
	current  int // canonical index of the open block, -1 when none
	next     int // next canonical index to assign
	toolIdx  map[int]int // OpenAI tool_calls delta index -> canonical index
	blocks   map[int]*Block
}

// NewOpenAIReader creates a reader for one stream.
func NewOpenAIReader() *OpenAIReader {
	return &OpenAIReader{current: -1, toolIdx: make(map[int]int), blocks: make(map[int]*Block)}
}

// Read translates one chunk. The returned events preserve arrival order.
func (r *OpenAIReader) Read(chunk *wire.ChatChunk) []Event {
	var out []Event
	if !r.started {
		r.started = true
		out = append(out, Started(chunk.ID, chunk.Model))
	}
	if len(chunk.Choices) == 0 {
		return out
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		if r.current < 0 || r.blocks[r.current].Kind != KindText {
			out = append(out, r.closeCurrent()...)
			out = append(out, r.open(KindText, nil))
		}
		r.blocks[r.current].Text += choice.Delta.Content
		out = append(out, Event{
			Type:      EventDelta,
			Index:     r.current,
			Kind:      KindText,
			TextDelta: choice.Delta.Content,
		})
	}

	for _, td := range choice.Delta.ToolCalls {
		idx, open := r.toolIdx[td.Index]
		if !open {
			out = append(out, r.closeCurrent()...)
			seed := &Block{Kind: KindToolUse, ToolID: td.ID}
			if td.Function != nil {
				seed.ToolName = td.Function.Name
			}
			out = append(out, r.open(KindToolUse, seed))
			r.toolIdx[td.Index] = r.current
			idx = r.current
		}
		block := r.blocks[idx]
		if td.ID != "" && block.ToolID == "" {
			block.ToolID = td.ID
		}
		if td.Function != nil {
			if td.Function.Name != "" && block.ToolName == "" {
				block.ToolName = td.Function.Name
			}
			if td.Function.Arguments != "" {
				block.Args += td.Function.Arguments
				out = append(out, Event{
					Type:      EventDelta,
					Index:     idx,
					Kind:      KindToolUse,
					ArgsDelta: td.Function.Arguments,
				})
			}
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		out = append(out, r.closeCurrent()...)
		out = append(out, Finish(*choice.FinishReason))
	}
	return out
}

// Close ends the stream, flushing any still-open block. Always emits
// stream_closed exactly once.
func (r *OpenAIReader) Close() []Event {
	if r.closed {
		return nil
	}
	r.closed = true
	out := r.closeCurrent()
	return append(out, Closed())
}

func (r *OpenAIReader) open(kind BlockKind, seed *Block) Event {
	idx := r.next
	r.next++
	r.current = idx
	block := &Block{Kind: kind, Index: idx}
	if seed != nil {
		block.ToolID = seed.ToolID
		block.ToolName = seed.ToolName
	}
	r.blocks[idx] = block
	started := block.Clone()
	return Event{Type: EventBlockStarted, Index: idx, Kind: kind, Block: started}
}

func (r *OpenAIReader) closeCurrent() []Event {
	if r.current < 0 {
		return nil
	}
	block := r.blocks[r.current]
	block.Complete = true
	ev := Event{Type: EventBlockComplete, Index: block.Index, Kind: block.Kind, Block: block.Clone()}
	r.current = -1
	return []Event{ev}
}
