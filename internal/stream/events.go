package stream

import (
	"encoding/json"

	"github.com/luthien-dev/luthien/internal/wire"
)

// Canonical streaming events. Policies consume and emit this normalized
// event type regardless of the wire format on either side; readers translate
// upstream deltas into it and writers serialize it back into the client's
// format.

// EventType enumerates the canonical event kinds, in lifecycle order.
type EventType string

const (
	EventStreamStarted EventType = "stream_started"
	EventBlockStarted  EventType = "block_started"
	EventDelta         EventType = "delta"
	EventBlockComplete EventType = "block_complete"
	EventFinishReason  EventType = "finish_reason"
	EventStreamClosed  EventType = "stream_closed"
)

// BlockKind discriminates content block variants.
type BlockKind string

const (
	KindText     BlockKind = "text"
	KindToolUse  BlockKind = "tool_use"
	KindThinking BlockKind = "thinking"
)

// Block is the semantic unit policies reason over. Indices are dense and
// monotonic within one stream. For tool_use blocks the Args string is not
// guaranteed to be valid JSON until Complete is true.
type Block struct {
	Kind     BlockKind `json:"kind"`
	Index    int       `json:"index"`
	Complete bool      `json:"complete"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ToolID   string `json:"tool_id,omitempty"`
	ToolName string `json:"tool_name,omitempty"`
	Args     string `json:"args,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Clone returns a copy of the block.
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	cp := *b
	return &cp
}

// Event is one canonical streaming event.
type Event struct {
	Type  EventType `json:"type"`
	Index int       `json:"index,omitempty"`

	// block_started carries the initial block fields; block_complete carries
	// the final assembled block.
	Block *Block `json:"block,omitempty"`

	// delta payload, discriminated by Kind.
	Kind           BlockKind `json:"kind,omitempty"`
	TextDelta      string    `json:"text_delta,omitempty"`
	ArgsDelta      string    `json:"args_delta,omitempty"`
	ThinkingDelta  string    `json:"thinking_delta,omitempty"`
	SignatureDelta string    `json:"signature_delta,omitempty"`

	// finish_reason, in canonical (OpenAI) vocabulary.
	FinishReason string `json:"finish_reason,omitempty"`

	// stream_started metadata.
	MessageID string `json:"message_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// Raw is the upstream's original payload for this event, so a writer of
	// the same format re-emits it verbatim and usage fields survive the
	// round trip. Policy-synthesized events leave it empty and are
	// serialized from the canonical fields instead.
	Raw       json.RawMessage `json:"-"`
	RawFormat wire.Format     `json:"-"`
}

// Started builds a stream_started event.
func Started(messageID, model string) Event {
	return Event{Type: EventStreamStarted, MessageID: messageID, Model: model}
}

// Finish builds a finish_reason event.
func Finish(reason string) Event {
	return Event{Type: EventFinishReason, FinishReason: reason}
}

// Closed builds a stream_closed event.
func Closed() Event {
	return Event{Type: EventStreamClosed}
}

// TextBlockEvents synthesizes the full event triple for a text block. Used
// by policies that replace upstream content wholesale.
func TextBlockEvents(index int, text string) []Event {
	block := &Block{Kind: KindText, Index: index}
	final := &Block{Kind: KindText, Index: index, Text: text, Complete: true}
	return []Event{
		{Type: EventBlockStarted, Index: index, Kind: KindText, Block: block},
		{Type: EventDelta, Index: index, Kind: KindText, TextDelta: text},
		{Type: EventBlockComplete, Index: index, Kind: KindText, Block: final},
	}
}

// ToolBlockEvents synthesizes the event triple that replays a fully buffered
// tool call: block_started, a single delta carrying the whole arguments
// string, block_complete.
func ToolBlockEvents(block *Block) []Event {
	started := &Block{Kind: KindToolUse, Index: block.Index, ToolID: block.ToolID, ToolName: block.ToolName}
	final := block.Clone()
	final.Complete = true
	return []Event{
		{Type: EventBlockStarted, Index: block.Index, Kind: KindToolUse, Block: started},
		{Type: EventDelta, Index: block.Index, Kind: KindToolUse, ArgsDelta: block.Args},
		{Type: EventBlockComplete, Index: block.Index, Kind: KindToolUse, Block: final},
	}
}
