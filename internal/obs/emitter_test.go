package obs

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(e *Emitter) []TransactionEvent {
	var out []TransactionEvent
	for {
		select {
		case ev := <-e.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestEmitterSequencesAreGapFreePerTransaction(t *testing.T) {
	e := NewEmitter()
	e.Emit("txn-a", "s", "pipeline.client_request", map[string]any{"model": "m"})
	e.Emit("txn-b", "s", "pipeline.client_request", nil)
	e.Emit("txn-a", "s", "pipeline.backend_request", nil)
	e.Emit("txn-a", "s", "pipeline.client_response", nil)
	e.Emit("txn-b", "s", "pipeline.client_response", nil)

	seqs := map[string][]int64{}
	for _, ev := range drain(e) {
		seqs[ev.TransactionID] = append(seqs[ev.TransactionID], ev.Sequence)
	}
	assert.Equal(t, []int64{0, 1, 2}, seqs["txn-a"])
	assert.Equal(t, []int64{0, 1}, seqs["txn-b"])
}

func TestEmitterCarriesPayloadAndSeverity(t *testing.T) {
	e := NewEmitter()
	e.EmitSeverity("txn", "sess-1", "policy.judge.blocked", SeverityWarning, map[string]string{"tool": "rm"})

	events := drain(e)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "sess-1", ev.SessionID)
	assert.Equal(t, SeverityWarning, ev.Severity)
	assert.JSONEq(t, `{"tool":"rm"}`, string(ev.Payload))
	assert.False(t, ev.Timestamp.IsZero())
}

func TestEmitterDropsOldestOnOverflow(t *testing.T) {
	e := NewEmitter(WithBufferSize(2))
	e.Emit("txn", "", "first", nil)
	e.Emit("txn", "", "second", nil)
	e.Emit("txn", "", "third", nil)

	assert.Equal(t, int64(1), e.Dropped())
	events := drain(e)
	require.Len(t, events, 2)
	assert.Equal(t, "second", events[0].EventType)
	assert.Equal(t, "third", events[1].EventType)
	// Sequences were assigned before the drop, so the surviving events
	// still show where the gap is.
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(2), events[1].Sequence)
}

func TestEmitterEndTransactionResetsSequence(t *testing.T) {
	e := NewEmitter()
	e.Emit("txn", "", "a", nil)
	e.EndTransaction("txn")
	e.Emit("txn", "", "b", nil)

	events := drain(e)
	require.Len(t, events, 2)
	assert.Equal(t, int64(0), events[1].Sequence)
}

func TestEmitterCloseStopsIntake(t *testing.T) {
	e := NewEmitter()
	e.Emit("txn", "", "before", nil)
	e.Close()
	e.Emit("txn", "", "after", nil)

	var types []string
	for ev := range e.Events() {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []string{"before"}, types)
}

func TestEmitterCloseIsSafeUnderConcurrentEmit(t *testing.T) {
	e := NewEmitter(WithBufferSize(4))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				e.Emit(fmt.Sprintf("txn-%d", i), "", "tick", nil)
			}
		}(i)
	}
	// Closing mid-emit must never panic with a send on a closed channel.
	e.Close()
	e.Close()
	wg.Wait()

	_, open := <-e.Events()
	for open {
		_, open = <-e.Events()
	}
}
