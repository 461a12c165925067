package policy

import (
	"fmt"

	"github.com/luthien-dev/luthien/internal/stream"
	"github.com/luthien-dev/luthien/internal/wire"
)

// Policy inspects and rewrites requests, responses and streaming events.
// Implementations embed BasePolicy and override the hooks they need.
type Policy interface {
	// Name identifies the policy in observability events.
	Name() string

	// OnRequest may return a modified request, or a *BlockError to refuse
	// without calling upstream.
	OnRequest(ctx *TxnContext, req *wire.Request) (*wire.Request, error)

	// OnResponse may return a replacement response, including a synthetic
	// refusal.
	OnResponse(ctx *TxnContext, resp *wire.Response) (*wire.Response, error)

	// OnStreamEvent returns zero or more events to forward in place of the
	// input event. The policy may set ctx.SetOutputFinished to halt all
	// further forwarding.
	OnStreamEvent(ctx *TxnContext, ev stream.Event) ([]stream.Event, error)

	// OnBlockComplete fires exactly when a block completes, after
	// OnStreamEvent saw the block_complete event. Same return contract.
	OnBlockComplete(ctx *TxnContext, block *stream.Block) ([]stream.Event, error)

	// OnStreamClosed runs on every exit path, including error and client
	// cancel. Cleanup only.
	OnStreamClosed(ctx *TxnContext)
}

// BasePolicy supplies pass-through defaults for every hook.
type BasePolicy struct{}

func (BasePolicy) OnRequest(_ *TxnContext, req *wire.Request) (*wire.Request, error) {
	return req, nil
}

func (BasePolicy) OnResponse(_ *TxnContext, resp *wire.Response) (*wire.Response, error) {
	return resp, nil
}

func (BasePolicy) OnStreamEvent(_ *TxnContext, ev stream.Event) ([]stream.Event, error) {
	return []stream.Event{ev}, nil
}

func (BasePolicy) OnBlockComplete(_ *TxnContext, _ *stream.Block) ([]stream.Event, error) {
	return nil, nil
}

func (BasePolicy) OnStreamClosed(_ *TxnContext) {}

// BlockError is raised by OnRequest to refuse a request. The driver turns
// it into a synthetic refusal completion, never an HTTP error.
type BlockError struct {
	Reason string
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("blocked by policy: %s", e.Reason)
}

// Block builds a BlockError.
func Block(reason string) *BlockError {
	return &BlockError{Reason: reason}
}

// NoOpPolicy forwards everything untouched. It is the default active
// policy.
type NoOpPolicy struct {
	BasePolicy
}

func (NoOpPolicy) Name() string { return "noop" }
