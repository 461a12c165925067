package stream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthien-dev/luthien/internal/wire"
)

func strptr(s string) *string { return &s }

func textChunk(content string) *wire.ChatChunk {
	return &wire.ChatChunk{
		ID:      "chatcmpl-1",
		Object:  "chat.completion.chunk",
		Model:   "m",
		Choices: []wire.ChunkChoice{{Delta: wire.ChunkDelta{Content: content}}},
	}
}

func finishChunk(reason string) *wire.ChatChunk {
	return &wire.ChatChunk{
		ID:      "chatcmpl-1",
		Choices: []wire.ChunkChoice{{FinishReason: strptr(reason)}},
	}
}

func TestOpenAIReaderTextLifecycle(t *testing.T) {
	r := NewOpenAIReader()

	var events []Event
	events = append(events, r.Read(textChunk("he"))...)
	events = append(events, r.Read(textChunk("llo"))...)
	events = append(events, r.Read(finishChunk("stop"))...)
	events = append(events, r.Close()...)

	types := make([]EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	require.Equal(t, []EventType{
		EventStreamStarted,
		EventBlockStarted,
		EventDelta,
		EventDelta,
		EventBlockComplete,
		EventFinishReason,
		EventStreamClosed,
	}, types)

	complete := events[4]
	require.NotNil(t, complete.Block)
	assert.Equal(t, "hello", complete.Block.Text)
	assert.Equal(t, KindText, complete.Block.Kind)
	assert.True(t, complete.Block.Complete)
	assert.Equal(t, 0, complete.Block.Index)
	assert.Equal(t, "stop", events[5].FinishReason)
}

func TestOpenAIReaderToolCallAccumulation(t *testing.T) {
	r := NewOpenAIReader()

	open := &wire.ChatChunk{
		ID: "chatcmpl-2",
		Choices: []wire.ChunkChoice{{Delta: wire.ChunkDelta{
			ToolCalls: []wire.ToolCallDelta{{
				Index:    0,
				ID:       "call_1",
				Type:     "function",
				Function: &wire.FunctionCallDelta{Name: "rm_rf"},
			}},
		}}},
	}
	argsA := &wire.ChatChunk{
		Choices: []wire.ChunkChoice{{Delta: wire.ChunkDelta{
			ToolCalls: []wire.ToolCallDelta{{Index: 0, Function: &wire.FunctionCallDelta{Arguments: `{"path":`}}},
		}}},
	}
	argsB := &wire.ChatChunk{
		Choices: []wire.ChunkChoice{{Delta: wire.ChunkDelta{
			ToolCalls: []wire.ToolCallDelta{{Index: 0, Function: &wire.FunctionCallDelta{Arguments: `"/"}`}}},
		}}},
	}

	var events []Event
	events = append(events, r.Read(open)...)
	events = append(events, r.Read(argsA)...)
	events = append(events, r.Read(argsB)...)
	events = append(events, r.Read(finishChunk("tool_calls"))...)

	var completed *Block
	for _, ev := range events {
		if ev.Type == EventBlockComplete {
			completed = ev.Block
		}
	}
	require.NotNil(t, completed)
	assert.Equal(t, KindToolUse, completed.Kind)
	assert.Equal(t, "call_1", completed.ToolID)
	assert.Equal(t, "rm_rf", completed.ToolName)
	assert.Equal(t, `{"path":"/"}`, completed.Args)
	assert.Equal(t, "tool_calls", events[len(events)-1].FinishReason)
}

func TestOpenAIReaderTextThenToolSwitchClosesBlock(t *testing.T) {
	r := NewOpenAIReader()
	r.Read(textChunk("thinking..."))

	tool := &wire.ChatChunk{
		Choices: []wire.ChunkChoice{{Delta: wire.ChunkDelta{
			ToolCalls: []wire.ToolCallDelta{{Index: 0, ID: "call_9", Function: &wire.FunctionCallDelta{Name: "search"}}},
		}}},
	}
	events := r.Read(tool)

	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, EventBlockComplete, events[0].Type)
	assert.Equal(t, 0, events[0].Index)
	assert.Equal(t, EventBlockStarted, events[1].Type)
	assert.Equal(t, 1, events[1].Index)
	assert.Equal(t, KindToolUse, events[1].Kind)
}

func TestOpenAIReaderCloseIsIdempotent(t *testing.T) {
	r := NewOpenAIReader()
	r.Read(textChunk("x"))
	first := r.Close()
	require.NotEmpty(t, first)
	assert.Equal(t, EventStreamClosed, first[len(first)-1].Type)
	assert.Empty(t, r.Close())
}

func TestAnthropicReaderLifecycle(t *testing.T) {
	r := NewAnthropicReader()

	var events []Event
	events = append(events, r.Read(&wire.AnthropicStreamEvent{
		Type:    "message_start",
		Message: &wire.MessagesResponse{ID: "msg_1", Model: "claude", Role: "assistant"},
	})...)
	events = append(events, r.Read(&wire.AnthropicStreamEvent{
		Type:         "content_block_start",
		Index:        0,
		ContentBlock: &wire.ContentBlock{Type: wire.BlockText},
	})...)
	for _, text := range []string{"a", "b", "c"} {
		events = append(events, r.Read(&wire.AnthropicStreamEvent{
			Type:  "content_block_delta",
			Index: 0,
			Delta: &wire.AnthropicDelta{Type: "text_delta", Text: text},
		})...)
	}
	events = append(events, r.Read(&wire.AnthropicStreamEvent{Type: "content_block_stop", Index: 0})...)
	events = append(events, r.Read(&wire.AnthropicStreamEvent{
		Type:  "message_delta",
		Delta: &wire.AnthropicDelta{StopReason: wire.StopEndTurn},
	})...)
	events = append(events, r.Read(&wire.AnthropicStreamEvent{Type: "message_stop"})...)

	types := make([]EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	require.Equal(t, []EventType{
		EventStreamStarted,
		EventBlockStarted,
		EventDelta, EventDelta, EventDelta,
		EventBlockComplete,
		EventFinishReason,
		EventStreamClosed,
	}, types)

	assert.Equal(t, "msg_1", events[0].MessageID)
	assert.Equal(t, "abc", events[5].Block.Text)
	// stop_reason arrives in Anthropic vocabulary, surfaces canonically.
	assert.Equal(t, wire.FinishStop, events[6].FinishReason)
}

func TestAnthropicReaderToolUseBlock(t *testing.T) {
	r := NewAnthropicReader()
	r.Read(&wire.AnthropicStreamEvent{Type: "message_start", Message: &wire.MessagesResponse{ID: "msg_2"}})
	r.Read(&wire.AnthropicStreamEvent{
		Type:         "content_block_start",
		Index:        0,
		ContentBlock: &wire.ContentBlock{Type: wire.BlockToolUse, ID: "toolu_1", Name: "get_weather"},
	})
	r.Read(&wire.AnthropicStreamEvent{
		Type:  "content_block_delta",
		Index: 0,
		Delta: &wire.AnthropicDelta{Type: "input_json_delta", PartialJSON: `{"city":"SF"}`},
	})
	events := r.Read(&wire.AnthropicStreamEvent{Type: "content_block_stop", Index: 0})

	require.Len(t, events, 1)
	block := events[0].Block
	require.NotNil(t, block)
	assert.Equal(t, KindToolUse, block.Kind)
	assert.Equal(t, "toolu_1", block.ToolID)
	assert.Equal(t, "get_weather", block.ToolName)
	assert.Equal(t, `{"city":"SF"}`, block.Args)
}

func TestAnthropicReaderCarriesRawPayloads(t *testing.T) {
	r := NewAnthropicReader()

	start := json.RawMessage(`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude","content":[],"usage":{"input_tokens":12,"output_tokens":1}}}`)
	events := r.Read(&wire.AnthropicStreamEvent{
		Type:    "message_start",
		Message: &wire.MessagesResponse{ID: "msg_1", Model: "claude"},
		Raw:     start,
	})
	require.Len(t, events, 1)
	assert.Equal(t, string(start), string(events[0].Raw))
	assert.Equal(t, wire.FormatAnthropic, events[0].RawFormat)

	finish := json.RawMessage(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`)
	events = r.Read(&wire.AnthropicStreamEvent{
		Type:  "message_delta",
		Delta: &wire.AnthropicDelta{StopReason: wire.StopEndTurn},
		Raw:   finish,
	})
	require.Len(t, events, 1)
	assert.Equal(t, string(finish), string(events[0].Raw))
}

func TestAnthropicReaderWithoutRawLeavesEventsUntagged(t *testing.T) {
	r := NewAnthropicReader()
	events := r.Read(&wire.AnthropicStreamEvent{
		Type:    "message_start",
		Message: &wire.MessagesResponse{ID: "msg_1"},
	})
	require.Len(t, events, 1)
	assert.Empty(t, events[0].Raw)
}
