package policy

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/luthien-dev/luthien/internal/stream"
	"github.com/luthien-dev/luthien/internal/wire"
)

// Runtime wraps the active policy for one transaction: it dispatches hooks,
// captures panics, and fails secure. A hook failure during streaming
// replaces the remaining output with a synthetic refusal plus a terminal
// finish event instead of aborting the response.
type Runtime struct {
	policy Policy
	ctx    *TxnContext
	closed bool
}

// NewRuntime binds a policy instance to a transaction context.
func NewRuntime(p Policy, ctx *TxnContext) *Runtime {
	return &Runtime{policy: p, ctx: ctx}
}

// Context exposes the transaction context.
func (rt *Runtime) Context() *TxnContext {
	return rt.ctx
}

// OnRequest runs the request hook. A *BlockError passes through untouched;
// panics become errors.
func (rt *Runtime) OnRequest(req *wire.Request) (out *wire.Request, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("policy %s panicked in on_request: %v", rt.policy.Name(), r)
		}
	}()
	return rt.policy.OnRequest(rt.ctx, req)
}

// OnResponse runs the response hook. On failure the original response is
// kept and the error logged.
func (rt *Runtime) OnResponse(resp *wire.Response) *wire.Response {
	out, err := func() (out *wire.Response, err error) {
		defer func() {
			if r := recover(); r != nil {
				out, err = nil, fmt.Errorf("panic: %v", r)
			}
		}()
		return rt.policy.OnResponse(rt.ctx, resp)
	}()
	if err != nil || out == nil {
		if err != nil {
			logrus.Errorf("policy %s on_response failed, forwarding original: %v", rt.policy.Name(), err)
		}
		return resp
	}
	return out
}

// Dispatch runs the streaming hooks for one canonical event and returns the
// events to forward to the client. After the policy sets output_finished,
// inbound events are still dispatched for observability but nothing further
// is forwarded.
func (rt *Runtime) Dispatch(ev stream.Event) []stream.Event {
	alreadyFinished := rt.ctx.OutputFinished()

	out, err := rt.dispatch(ev)
	if err != nil {
		logrus.Errorf("policy %s stream hook failed, failing secure: %v", rt.policy.Name(), err)
		if alreadyFinished {
			return nil
		}
		rt.ctx.SetOutputFinished()
		refusal := stream.TextBlockEvents(rt.nextIndex(), wire.BlockedText("policy error"))
		return append(refusal, stream.Finish(wire.FinishStop))
	}

	if alreadyFinished {
		return nil
	}
	return out
}

// Closed runs the stream-closed hook exactly once, surviving panics.
func (rt *Runtime) Closed() {
	if rt.closed {
		return
	}
	rt.closed = true
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("policy %s panicked in on_stream_closed: %v", rt.policy.Name(), r)
		}
	}()
	rt.policy.OnStreamClosed(rt.ctx)
}

func (rt *Runtime) dispatch(ev stream.Event) (out []stream.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	out, err = rt.policy.OnStreamEvent(rt.ctx, ev)
	if err != nil {
		return nil, err
	}

	if ev.Type == stream.EventBlockComplete && ev.Block != nil {
		extra, berr := rt.policy.OnBlockComplete(rt.ctx, ev.Block)
		if berr != nil {
			return nil, berr
		}
		out = append(out, extra...)
	}
	return out, nil
}

func (rt *Runtime) nextIndex() int {
	if rt.ctx.StreamState != nil {
		return len(rt.ctx.StreamState.Blocks)
	}
	return 0
}
