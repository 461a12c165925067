package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/luthien-dev/luthien/internal/obs"
	"github.com/luthien-dev/luthien/internal/stream"
	"github.com/luthien-dev/luthien/internal/upstream"
	"github.com/luthien-dev/luthien/internal/wire"
)

// streamSink writes SSE frames for one transaction. Headers go out lazily
// with the first frame, so failures before any byte streams can still use
// a plain HTTP error status.
type streamSink struct {
	c       *gin.Context
	writer  stream.Writer
	format  wire.Format
	flusher http.Flusher
	started bool
	closed  bool
}

func newStreamSink(c *gin.Context, format wire.Format, model string) *streamSink {
	flusher, _ := c.Writer.(http.Flusher)
	return &streamSink{
		c:       c,
		writer:  stream.NewWriter(format, model),
		format:  format,
		flusher: flusher,
	}
}

// Started reports whether SSE headers have been sent.
func (s *streamSink) Started() bool { return s.started }

func (s *streamSink) ensureHeaders() {
	if s.started {
		return
	}
	s.started = true
	header := s.c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	s.c.Writer.WriteHeader(http.StatusOK)
}

func (s *streamSink) writeFrame(frame stream.Frame) error {
	s.ensureHeaders()
	if _, err := s.c.Writer.WriteString(frame.Encode()); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Write serializes one canonical event into the client's wire format.
func (s *streamSink) Write(ev stream.Event) error {
	frames, err := s.writer.Frames(ev)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := s.writeFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

// Keepalive emits a comment frame to hold the connection open.
func (s *streamSink) Keepalive() {
	if err := s.writeFrame(stream.KeepaliveFrame()); err != nil {
		logrus.Debugf("keepalive write failed: %v", err)
	}
}

// WriteError emits a mid-stream error in the wire format's convention:
// OpenAI clients get a data frame carrying an error payload, Anthropic
// clients get an `event: error` frame. The terminal close still follows.
func (s *streamSink) WriteError(message string) {
	body, err := json.Marshal(wire.NewErrorBody(s.format, message, "api_error", "upstream_error"))
	if err != nil {
		return
	}
	frame := stream.Frame{Data: string(body)}
	if s.format == wire.FormatAnthropic {
		frame.Event = "error"
	}
	if err := s.writeFrame(frame); err != nil {
		logrus.Debugf("error frame write failed: %v", err)
	}
}

// Close completes the format's required stream lifecycle. Idempotent; a
// no-op when headers never went out.
func (s *streamSink) Close() {
	if !s.started || s.closed {
		return
	}
	s.closed = true
	for _, frame := range s.writer.Close() {
		if err := s.writeFrame(frame); err != nil {
			return
		}
	}
}

// streamTransaction runs phase 3+4 for a streaming request: upstream
// canonical events flow through the assembler and the policy runtime into
// the client's SSE stream. on_stream_closed runs on every exit path.
func (d *Driver) streamTransaction(ctx context.Context, c *gin.Context, txn *Transaction) {
	assembler := stream.NewAssembler(stream.DefaultHistoryLimit)
	txnCtx := txn.Runtime.Context()
	txnCtx.StreamState = assembler.State()

	sink := newStreamSink(c, txn.Format, txn.Final.Model())
	txnCtx.SetKeepalive(sink.Keepalive)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Policies doing judge I/O derive from the cancellable stream context,
	// so a client disconnect cuts in-flight judge rounds short.
	txnCtx.SetContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("transaction %s: panic in streaming loop: %v", txn.ID, r)
		}
		txn.Runtime.Closed()
		sink.Close()
		d.emitter.Emit(txn.ID, txn.SessionID, obs.EventStreamClosed, map[string]any{
			"finish_reason": assembler.State().FinishReason,
			"blocks":        len(assembler.State().Blocks),
		})
	}()

	forward := func(ev stream.Event) error {
		if err := assembler.Apply(ev); err != nil {
			logrus.Debugf("transaction %s: assembler rejected event %s: %v", txn.ID, ev.Type, err)
		}
		for _, out := range txn.Runtime.Dispatch(ev) {
			if err := sink.Write(out); err != nil {
				// Client gone: cancel the upstream task tree.
				cancel()
				return err
			}
		}
		return nil
	}

	outcome, err := d.upstream.Stream(ctx, txn.Final, txn.ClientKey, forward)
	if outcome.AutoFixed != "" {
		d.emitter.Emit(txn.ID, txn.SessionID, obs.EventAutoFix, map[string]any{"sanitizer": outcome.AutoFixed})
	}
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		// Cancellation is not an error to report; the client left.
		logrus.Debugf("transaction %s: stream cancelled: %v", txn.ID, ctx.Err())
		return
	}

	if !sink.Started() && d.fallbackEligible(txn, err) {
		txn.FallbackUsed = true
		d.emitter.Emit(txn.ID, txn.SessionID, obs.EventPassthroughFallback, fallbackPayload(err))
		ferr := d.upstream.StreamPassthrough(ctx, txn.Format, txn.RawBody, txn.ClientKey, forward)
		if ferr == nil {
			return
		}
		logrus.Errorf("transaction %s: streaming passthrough fallback failed: %v", txn.ID, ferr)
	}

	if !sink.Started() {
		d.respondUpstreamError(c, txn, err)
		return
	}
	// Error after SSE headers cannot escalate to an HTTP status; surface
	// it in-stream, then the deferred Close completes the lifecycle.
	logrus.Errorf("transaction %s: mid-stream upstream failure: %v", txn.ID, err)
	sink.WriteError(humanizeStreamError(txn, err))
}

func humanizeStreamError(txn *Transaction, err error) string {
	var upErr *upstream.Error
	if errors.As(err, &upErr) {
		return upErr.Humanize()
	}
	return "the upstream stream for model " + txn.Final.Model() + " failed"
}
