package policy

import (
	"context"

	"github.com/luthien-dev/luthien/internal/obs"
	"github.com/luthien-dev/luthien/internal/stream"
	"github.com/luthien-dev/luthien/internal/wire"
)

// TxnContext is the per-transaction policy context. It is created at
// request ingress, mutated only by hook implementations, and destroyed with
// the transaction. One policy instance serves all concurrent transactions,
// so per-transaction state belongs in the scratchpad, never in policy
// fields.
type TxnContext struct {
	TransactionID string
	SessionID     string

	// Request is the original parsed request, before any policy mutation.
	Request *wire.Request

	// Scratchpad is the policy-owned key/value store for this transaction.
	Scratchpad map[string]any

	// StreamState is the assembler's view of the stream; read-only for
	// policies. Nil for non-streaming transactions.
	StreamState *stream.State

	emitter   *obs.Emitter
	keepalive func()
	ctx       context.Context

	outputFinished bool
}

// NewTxnContext builds a context for one transaction.
func NewTxnContext(txnID, sessionID string, req *wire.Request, emitter *obs.Emitter) *TxnContext {
	return &TxnContext{
		TransactionID: txnID,
		SessionID:     sessionID,
		Request:       req,
		Scratchpad:    make(map[string]any),
		emitter:       emitter,
	}
}

// SetContext installs the transaction's cancellation context. Hooks doing
// external I/O derive from it so a disconnected client cancels their work.
func (c *TxnContext) SetContext(ctx context.Context) {
	c.ctx = ctx
}

// Context returns the transaction's cancellation context.
func (c *TxnContext) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// SetKeepalive installs the keepalive callable for the streaming phase.
func (c *TxnContext) SetKeepalive(fn func()) {
	c.keepalive = fn
}

// Keepalive emits a benign comment frame on the outbound stream so proxies
// and clients do not close the connection during long external I/O.
// Cooperative: policies must call it themselves while waiting.
func (c *TxnContext) Keepalive() {
	if c.keepalive != nil {
		c.keepalive()
	}
}

// Emit records a policy observability event for this transaction.
func (c *TxnContext) Emit(policyName, subtype string, payload any) {
	if c.emitter == nil {
		return
	}
	c.emitter.Emit(c.TransactionID, c.SessionID, obs.PolicyEventType(policyName, subtype), payload)
}

// SetOutputFinished finalizes the outbound stream: the runtime keeps
// draining inbound events for observability but suppresses all further
// policy-sourced output.
func (c *TxnContext) SetOutputFinished() {
	c.outputFinished = true
}

// OutputFinished reports whether the policy has finalized the output.
func (c *TxnContext) OutputFinished() bool {
	return c.outputFinished
}
