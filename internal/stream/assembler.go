package stream

import "fmt"

// DefaultHistoryLimit bounds the raw event history kept per stream.
const DefaultHistoryLimit = 256

// State is the per-transaction stream state built by the assembler. Policies
// read it; only the assembler mutates it, by applying canonical events.
type State struct {
	// Blocks in upstream introduction order, dense indices from 0.
	Blocks []*Block
	// JustCompleted is set exactly at the boundary where a block finishes
	// and cleared on the next event.
	JustCompleted *Block
	// FinishReason is the terminal signal, canonical vocabulary.
	FinishReason string
	// Closed is set once stream_closed has been applied.
	Closed bool

	history      []Event
	historyLimit int
}

// History returns the retained raw event history, oldest first.
func (s *State) History() []Event {
	return s.history
}

// Block returns the block at the given index, or nil.
func (s *State) Block(index int) *Block {
	if index < 0 || index >= len(s.Blocks) {
		return nil
	}
	return s.Blocks[index]
}

// Assembler folds the canonical delta stream into logical content blocks,
// tracking completion boundaries so policies can reason over whole semantic
// units instead of raw fragments.
type Assembler struct {
	state *State
}

// NewAssembler creates an assembler with the given raw-history bound;
// limit <= 0 uses DefaultHistoryLimit.
func NewAssembler(historyLimit int) *Assembler {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Assembler{state: &State{historyLimit: historyLimit}}
}

// State exposes the assembled stream state.
func (a *Assembler) State() *State {
	return a.state
}

// Apply folds one canonical event into the state. Events must arrive in
// upstream order; the assembler never reorders.
func (a *Assembler) Apply(ev Event) error {
	s := a.state
	s.JustCompleted = nil

	if len(s.history) < s.historyLimit {
		s.history = append(s.history, ev)
	}

	switch ev.Type {
	case EventStreamStarted, EventStreamClosed:
		if ev.Type == EventStreamClosed {
			s.Closed = true
		}
	case EventBlockStarted:
		if ev.Index != len(s.Blocks) {
			return fmt.Errorf("non-dense block index %d, want %d", ev.Index, len(s.Blocks))
		}
		block := &Block{Kind: ev.Kind, Index: ev.Index}
		if ev.Block != nil {
			block.ToolID = ev.Block.ToolID
			block.ToolName = ev.Block.ToolName
			block.Text = ev.Block.Text
			block.Signature = ev.Block.Signature
		}
		s.Blocks = append(s.Blocks, block)
	case EventDelta:
		block := s.Block(ev.Index)
		if block == nil {
			return fmt.Errorf("delta for unknown block %d", ev.Index)
		}
		block.Text += ev.TextDelta
		block.Args += ev.ArgsDelta
		block.Thinking += ev.ThinkingDelta
		if ev.SignatureDelta != "" {
			block.Signature = ev.SignatureDelta
		}
	case EventBlockComplete:
		block := s.Block(ev.Index)
		if block == nil {
			return fmt.Errorf("completion for unknown block %d", ev.Index)
		}
		block.Complete = true
		s.JustCompleted = block
	case EventFinishReason:
		s.FinishReason = ev.FinishReason
	}
	return nil
}
