package stream

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthien-dev/luthien/internal/wire"
)

func TestAssemblerFoldsDeltasIntoBlocks(t *testing.T) {
	a := NewAssembler(0)

	require.NoError(t, a.Apply(Started("id", "m")))
	require.NoError(t, a.Apply(Event{Type: EventBlockStarted, Index: 0, Kind: KindText, Block: &Block{Kind: KindText}}))
	require.NoError(t, a.Apply(Event{Type: EventDelta, Index: 0, Kind: KindText, TextDelta: "he"}))
	require.NoError(t, a.Apply(Event{Type: EventDelta, Index: 0, Kind: KindText, TextDelta: "llo"}))

	state := a.State()
	require.Len(t, state.Blocks, 1)
	assert.Equal(t, "hello", state.Blocks[0].Text)
	assert.False(t, state.Blocks[0].Complete)
	assert.Nil(t, state.JustCompleted)

	require.NoError(t, a.Apply(Event{Type: EventBlockComplete, Index: 0}))
	require.NotNil(t, state.JustCompleted)
	assert.True(t, state.JustCompleted.Complete)

	// JustCompleted is a boundary marker, cleared by the next event.
	require.NoError(t, a.Apply(Finish(wire.FinishStop)))
	assert.Nil(t, state.JustCompleted)
	assert.Equal(t, wire.FinishStop, state.FinishReason)

	require.NoError(t, a.Apply(Closed()))
	assert.True(t, state.Closed)
}

func TestAssemblerRejectsNonDenseIndices(t *testing.T) {
	a := NewAssembler(0)
	err := a.Apply(Event{Type: EventBlockStarted, Index: 2, Kind: KindText})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-dense")

	err = a.Apply(Event{Type: EventDelta, Index: 5, TextDelta: "x"})
	require.Error(t, err)
}

func TestAssemblerHistoryIsBounded(t *testing.T) {
	a := NewAssembler(3)
	a.Apply(Started("id", "m"))
	a.Apply(Event{Type: EventBlockStarted, Index: 0, Kind: KindText})
	for i := 0; i < 10; i++ {
		a.Apply(Event{Type: EventDelta, Index: 0, Kind: KindText, TextDelta: "x"})
	}
	assert.Len(t, a.State().History(), 3)
	// The block itself keeps accumulating regardless of history bounds.
	assert.Equal(t, strings.Repeat("x", 10), a.State().Blocks[0].Text)
}

func TestScanSSEParsesEventAndDataFrames(t *testing.T) {
	body := "event: message_start\ndata: {\"type\":\"message_start\"}\n\n" +
		": keepalive\n\n" +
		"data: {\"plain\":true}\n\n" +
		"data: [DONE]\n\n"

	var frames []RawFrame
	err := ScanSSE(context.Background(), strings.NewReader(body), func(f RawFrame) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, RawFrame{Event: "message_start", Data: `{"type":"message_start"}`}, frames[0])
	// The event label resets at the blank line separating frames.
	assert.Equal(t, RawFrame{Data: `{"plain":true}`}, frames[1])
	assert.Equal(t, RawFrame{Data: "[DONE]"}, frames[2])
}

func TestScanSSEStopsOnCallbackError(t *testing.T) {
	body := "data: one\n\ndata: two\n\n"
	calls := 0
	err := ScanSSE(context.Background(), strings.NewReader(body), func(f RawFrame) error {
		calls++
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)
}
