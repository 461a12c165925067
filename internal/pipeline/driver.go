package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/luthien-dev/luthien/internal/authcache"
	"github.com/luthien-dev/luthien/internal/obs"
	"github.com/luthien-dev/luthien/internal/policy"
	"github.com/luthien-dev/luthien/internal/stream"
	"github.com/luthien-dev/luthien/internal/upstream"
	"github.com/luthien-dev/luthien/internal/wire"
)

// DefaultMaxBodyBytes caps inbound request bodies.
const DefaultMaxBodyBytes = 10 << 20

// Driver executes one transaction per inbound request: ingress, request
// hook, upstream plus response hooks, egress. All failures surface as
// wire-format-appropriate bodies in the client's own format.
type Driver struct {
	registry *policy.Registry
	upstream *upstream.Client
	emitter  *obs.Emitter
	cache    *authcache.Cache
	tracer   trace.Tracer
	maxBody  int64
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithMaxBodyBytes overrides the inbound body cap.
func WithMaxBodyBytes(n int64) DriverOption {
	return func(d *Driver) {
		if n > 0 {
			d.maxBody = n
		}
	}
}

// WithAuthCache wires the credential cache so an upstream 401 invalidates
// the entry that was used.
func WithAuthCache(cache *authcache.Cache) DriverOption {
	return func(d *Driver) { d.cache = cache }
}

// NewDriver creates a pipeline driver.
func NewDriver(registry *policy.Registry, up *upstream.Client, emitter *obs.Emitter, opts ...DriverOption) *Driver {
	d := &Driver{
		registry: registry,
		upstream: up,
		emitter:  emitter,
		tracer:   otel.Tracer("luthien/pipeline"),
		maxBody:  DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle runs the four pipeline phases for one inbound request.
func (d *Driver) Handle(c *gin.Context, format wire.Format) {
	ctx, span := d.tracer.Start(c.Request.Context(), "gateway.transaction",
		trace.WithAttributes(attribute.String("wire.format", string(format))))
	defer span.End()

	// Phase 1: ingress.
	_, ingressSpan := d.tracer.Start(ctx, "gateway.ingress")
	txn, ok := d.ingress(c, format)
	ingressSpan.End()
	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("transaction.id", txn.ID),
		attribute.String("model", txn.Original.Model()),
		attribute.Bool("streaming", txn.Original.Streaming()),
	)
	txn.Runtime.Context().SetContext(ctx)
	defer d.emitter.EndTransaction(txn.ID)

	// Phase 2: request hook.
	_, hookSpan := d.tracer.Start(ctx, "gateway.request_hook")
	ok = d.requestHook(c, txn)
	hookSpan.End()
	if !ok {
		return
	}
	d.emitter.Emit(txn.ID, txn.SessionID, obs.EventBackendRequest, backendPayload(txn))

	// Phases 3 and 4.
	if txn.Original.Streaming() {
		sctx, streamSpan := d.tracer.Start(ctx, "gateway.stream")
		d.streamTransaction(sctx, c, txn)
		streamSpan.End()
	} else {
		cctx, completeSpan := d.tracer.Start(ctx, "gateway.complete")
		d.completeTransaction(cctx, c, txn)
		completeSpan.End()
	}
}

func (d *Driver) ingress(c *gin.Context, format wire.Format) (*Transaction, bool) {
	// The transaction id goes out before anything can fail, so even a
	// rejected request is correlatable.
	txn := newTransaction(format, nil)
	c.Header("X-Call-Id", txn.ID)

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, d.maxBody+1))
	if err != nil {
		respondError(c, format, http.StatusBadRequest, "failed to read request body", "invalid_request_error", "bad_request")
		return nil, false
	}
	if int64(len(raw)) > d.maxBody {
		respondError(c, format, http.StatusRequestEntityTooLarge, "request body exceeds the configured size limit", "invalid_request_error", "payload_too_large")
		return nil, false
	}
	txn.RawBody = raw

	req, err := parseRequest(format, raw)
	if err != nil {
		respondError(c, format, http.StatusBadRequest, err.Error(), "invalid_request_error", "bad_request")
		return nil, false
	}
	txn.Original = req
	txn.SessionID = wire.ExtractSessionID(format, raw)
	txn.ClientKey = c.GetString(ClientKeyContextKey)

	descriptor := d.registry.Snapshot()
	txn.Policy = descriptor.Name
	txnCtx := policy.NewTxnContext(txn.ID, txn.SessionID, req, d.emitter)
	txn.Runtime = policy.NewRuntime(descriptor.Instance, txnCtx)

	d.emitter.Emit(txn.ID, txn.SessionID, obs.EventClientRequest, requestPayload(txn))
	return txn, true
}

// requestHook runs on_request. A block refusal and a hook failure both end
// the transaction here with a 200 synthetic refusal: a policy decision is
// never an HTTP error, and a broken hook fails secure.
func (d *Driver) requestHook(c *gin.Context, txn *Transaction) bool {
	// The hook gets a clone so in-place mutation still leaves Original
	// pristine for mutation detection and the passthrough fallback.
	final, err := txn.Runtime.OnRequest(txn.Original.Clone())
	if err != nil {
		var blocked *policy.BlockError
		reason := "policy error"
		if errors.As(err, &blocked) {
			reason = blocked.Reason
		} else {
			logrus.Errorf("transaction %s: on_request failed, blocking: %v", txn.ID, err)
		}
		d.emitter.Emit(txn.ID, txn.SessionID, obs.PolicyEventType(txn.Policy, "blocked"), map[string]any{
			"phase":  "on_request",
			"reason": reason,
		})
		d.respondBlocked(c, txn, reason)
		return false
	}
	if final == nil {
		final = txn.Original
	}
	txn.Final = final
	txn.markMutated()
	return true
}

func (d *Driver) completeTransaction(ctx context.Context, c *gin.Context, txn *Transaction) {
	resp, outcome, err := d.upstream.Complete(ctx, txn.Final, txn.ClientKey)
	if outcome.AutoFixed != "" {
		d.emitter.Emit(txn.ID, txn.SessionID, obs.EventAutoFix, map[string]any{"sanitizer": outcome.AutoFixed})
	}
	if err != nil {
		resp, err = d.completeFallback(ctx, txn, err)
	}
	if err != nil {
		d.respondUpstreamError(c, txn, err)
		return
	}

	resp = txn.Runtime.OnResponse(resp)
	d.emitter.Emit(txn.ID, txn.SessionID, obs.EventClientResponse, map[string]any{
		"format": string(resp.Format),
		"model":  txn.Final.Model(),
	})
	c.JSON(http.StatusOK, responseBody(resp))
}

// completeFallback retries the original raw body once when the policy
// mutated the request and the upstream rejected the mutation. Never armed
// twice; any fallback failure surfaces the original error.
func (d *Driver) completeFallback(ctx context.Context, txn *Transaction, cause error) (*wire.Response, error) {
	if !d.fallbackEligible(txn, cause) {
		return nil, cause
	}
	txn.FallbackUsed = true
	d.emitter.Emit(txn.ID, txn.SessionID, obs.EventPassthroughFallback, fallbackPayload(cause))

	resp, err := d.upstream.CompletePassthrough(ctx, txn.Format, txn.RawBody, txn.ClientKey)
	if err != nil {
		logrus.Errorf("transaction %s: passthrough fallback failed: %v", txn.ID, err)
		return nil, cause
	}
	return resp, nil
}

func (d *Driver) fallbackEligible(txn *Transaction, cause error) bool {
	if !txn.Mutated || txn.FallbackUsed {
		return false
	}
	var upErr *upstream.Error
	return errors.As(cause, &upErr) && upErr.Kind == upstream.KindBadRequest
}

func fallbackPayload(cause error) map[string]any {
	return map[string]any{"cause": cause.Error()}
}

// respondUpstreamError maps a classified upstream failure to the HTTP
// error policy: 401 invalidates the credential used, 4xx stays 4xx with a
// human-readable message naming the model, everything else is 502.
func (d *Driver) respondUpstreamError(c *gin.Context, txn *Transaction, err error) {
	var upErr *upstream.Error
	if !errors.As(err, &upErr) {
		respondError(c, txn.Format, http.StatusBadGateway, "upstream call failed", "api_error", "upstream_error")
		return
	}
	switch upErr.Kind {
	case upstream.KindUnauthorized:
		if d.cache != nil && txn.ClientKey != "" {
			d.cache.InvalidateKey(txn.ClientKey)
		}
		respondError(c, txn.Format, http.StatusUnauthorized, upErr.Humanize(), "authentication_error", "invalid_api_key")
	case upstream.KindContextOverflow, upstream.KindBadRequest:
		respondError(c, txn.Format, http.StatusBadRequest, upErr.Humanize(), "invalid_request_error", "bad_request")
	default:
		respondError(c, txn.Format, http.StatusBadGateway, upErr.Humanize(), "api_error", "upstream_error")
	}
}

// respondBlocked returns a 200 synthetic refusal in the client's wire
// format, streaming it when the client asked for a stream.
func (d *Driver) respondBlocked(c *gin.Context, txn *Transaction, reason string) {
	text := wire.BlockedText(reason)
	if !txn.Original.Streaming() {
		refusal := wire.SyntheticRefusal(txn.Format, txn.Original.Model(), text)
		c.JSON(http.StatusOK, responseBody(refusal))
		return
	}

	sink := newStreamSink(c, txn.Format, txn.Original.Model())
	events := stream.TextBlockEvents(0, text)
	events = append(events, stream.Finish(wire.FinishStop))
	for _, ev := range events {
		if err := sink.Write(ev); err != nil {
			return
		}
	}
	sink.Close()
}

func parseRequest(format wire.Format, raw []byte) (*wire.Request, error) {
	switch format {
	case wire.FormatAnthropic:
		parsed, err := wire.ParseMessagesRequest(raw)
		if err != nil {
			return nil, err
		}
		return &wire.Request{Format: format, Anthropic: parsed}, nil
	default:
		parsed, err := wire.ParseChatRequest(raw)
		if err != nil {
			return nil, err
		}
		return &wire.Request{Format: format, OpenAI: parsed}, nil
	}
}

func responseBody(resp *wire.Response) any {
	if resp.Format == wire.FormatAnthropic {
		return resp.Anthropic
	}
	return resp.OpenAI
}

func respondError(c *gin.Context, format wire.Format, status int, message, errType, code string) {
	c.JSON(status, wire.NewErrorBody(format, message, errType, code))
}
