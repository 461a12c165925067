package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthien-dev/luthien/internal/authcache"
	"github.com/luthien-dev/luthien/internal/obs"
	"github.com/luthien-dev/luthien/internal/policy"
	"github.com/luthien-dev/luthien/internal/stream"
	"github.com/luthien-dev/luthien/internal/upstream"
	"github.com/luthien-dev/luthien/internal/wire"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type rig struct {
	router  *gin.Engine
	emitter *obs.Emitter
	cache   *authcache.Cache
}

// newRig wires a driver against a scripted upstream. When pol is non-nil it
// is registered and activated before the first request.
func newRig(t *testing.T, upstreamHandler http.HandlerFunc, pol policy.Policy, opts ...DriverOption) *rig {
	t.Helper()

	srv := httptest.NewServer(upstreamHandler)
	t.Cleanup(srv.Close)

	registry := policy.NewRegistry()
	if pol != nil {
		registry.Register("test", func(map[string]any) (policy.Policy, error) { return pol, nil })
		_, err := registry.Activate("test", nil, "test")
		require.NoError(t, err)
	}

	up := upstream.NewClient(upstream.WithEndpoint(wire.FormatOpenAI, srv.URL, "sk-upstream"))
	emitter := obs.NewEmitter()
	driver := NewDriver(registry, up, emitter, opts...)

	router := gin.New()
	router.POST("/v1/chat/completions", func(c *gin.Context) {
		c.Set(ClientKeyContextKey, "sk-client")
		driver.Handle(c, wire.FormatOpenAI)
	})
	return &rig{router: router, emitter: emitter}
}

func (r *rig) do(body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)
	return rec
}

func (r *rig) events() []obs.TransactionEvent {
	var out []obs.TransactionEvent
	for {
		select {
		case ev := <-r.emitter.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(events []obs.TransactionEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventType)
	}
	return out
}

func okUpstream(text string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := wire.ChatResponse{
			ID: "chatcmpl-1", Object: "chat.completion", Model: "m",
			Choices: []wire.ChatChoice{{
				Message:      wire.ChatMessage{Role: "assistant", Content: wire.TextContent(text)},
				FinishReason: wire.FinishStop,
			}},
		}
		json.NewEncoder(w).Encode(resp)
	}
}

const simpleBody = `{"model":"m","messages":[{"role":"user","content":"hi"}],"metadata":{"session_id":"sess-1"}}`

func TestDriverNonStreamingHappyPath(t *testing.T) {
	r := newRig(t, okUpstream("hello"), nil)
	rec := r.do(simpleBody)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Call-Id"))

	var resp wire.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello", resp.Choices[0].Message.Content.Plain())

	events := r.events()
	assert.Equal(t, []string{
		obs.EventClientRequest,
		obs.EventBackendRequest,
		obs.EventClientResponse,
	}, eventTypes(events))
	for i, ev := range events {
		assert.Equal(t, int64(i), ev.Sequence)
		assert.Equal(t, "sess-1", ev.SessionID)
	}
}

func TestDriverStreamingHappyPath(t *testing.T) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		var parsed wire.ChatRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&parsed))
		assert.True(t, parsed.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(
			`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"delta":{"role":"assistant","content":"hel"}}]}` + "\n\n" +
				`data: {"id":"chatcmpl-1","choices":[{"delta":{"content":"lo"}}]}` + "\n\n" +
				`data: {"id":"chatcmpl-1","choices":[{"delta":{},"finish_reason":"stop"}]}` + "\n\n" +
				"data: [DONE]\n\n"))
	}
	r := newRig(t, handler, nil)
	rec := r.do(`{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `"content":"hel"`)
	assert.Contains(t, body, `"content":"lo"`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]"), "stream terminates with [DONE]")

	types := eventTypes(r.events())
	assert.Contains(t, types, obs.EventStreamClosed)
}

type blockingPolicy struct {
	policy.BasePolicy
	reason string
}

func (p *blockingPolicy) Name() string { return "blocker" }

func (p *blockingPolicy) OnRequest(_ *policy.TxnContext, _ *wire.Request) (*wire.Request, error) {
	return nil, policy.Block(p.reason)
}

func TestDriverRequestBlockIsA200Refusal(t *testing.T) {
	upstreamCalled := false
	r := newRig(t, func(w http.ResponseWriter, _ *http.Request) {
		upstreamCalled = true
	}, &blockingPolicy{reason: "forbidden topic"})

	rec := r.do(simpleBody)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, upstreamCalled)

	var resp wire.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, wire.FinishStop, resp.Choices[0].FinishReason)
	assert.Equal(t, "[blocked: forbidden topic]", resp.Choices[0].Message.Content.Plain())

	assert.Contains(t, eventTypes(r.events()), "policy.blocker.blocked")
}

func TestDriverStreamingBlockIsAStreamedRefusal(t *testing.T) {
	r := newRig(t, okUpstream("never"), &blockingPolicy{reason: "nope"})
	rec := r.do(`{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "[blocked: nope]")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]"))
}

func TestDriverRejectsOversizedBody(t *testing.T) {
	r := newRig(t, okUpstream("x"), nil, WithMaxBodyBytes(64))
	rec := r.do(`{"model":"m","messages":[{"role":"user","content":"` + strings.Repeat("a", 200) + `"}]}`)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Call-Id"), "even rejected requests carry a call id")
	var envelope wire.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "payload_too_large", envelope.Error.Code)
	assert.Empty(t, r.events(), "rejected before ingress completes")
}

func TestDriverRejectsMalformedBody(t *testing.T) {
	r := newRig(t, okUpstream("x"), nil)
	rec := r.do(`{"messages":[]}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Call-Id"), "call id is assigned before parsing")
}

type mutatingPolicy struct {
	policy.BasePolicy
}

func (p *mutatingPolicy) Name() string { return "mutator" }

func (p *mutatingPolicy) OnRequest(_ *policy.TxnContext, req *wire.Request) (*wire.Request, error) {
	req.OpenAI.Messages = append(req.OpenAI.Messages, wire.ChatMessage{
		Role: "user", Content: wire.TextContent("MUTATED"),
	})
	return req, nil
}

func TestDriverPassthroughFallbackAfterMutatedBadRequest(t *testing.T) {
	calls := 0
	handler := func(w http.ResponseWriter, req *http.Request) {
		calls++
		body, _ := json.Marshal(mustDecode(req))
		if strings.Contains(string(body), "MUTATED") {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"model does not exist"}}`))
			return
		}
		okUpstream("fallback answer")(w, req)
	}

	r := newRig(t, handler, &mutatingPolicy{})
	rec := r.do(simpleBody)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp wire.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "fallback answer", resp.Choices[0].Message.Content.Plain())
	assert.Equal(t, 2, calls)

	types := eventTypes(r.events())
	assert.Equal(t, 1, count(types, obs.EventPassthroughFallback))
	assert.Equal(t, 1, count(types, obs.EventClientResponse))
}

func TestDriverNoFallbackWithoutMutation(t *testing.T) {
	calls := 0
	r := newRig(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"model does not exist"}}`))
	}, nil)

	rec := r.do(simpleBody)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1, calls)
	assert.NotContains(t, eventTypes(r.events()), obs.EventPassthroughFallback)
}

func TestDriverContextOverflowIsHumanized(t *testing.T) {
	r := newRig(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"prompt is too long: 250000 tokens"}}`))
	}, nil)

	rec := r.do(simpleBody)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var envelope wire.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Contains(t, envelope.Error.Message, "m")
	assert.Contains(t, envelope.Error.Message, "Compact the conversation")
}

func TestDriverUpstream401InvalidatesCachedKey(t *testing.T) {
	cache := authcache.New(func(context.Context, string) (bool, error) { return true, nil })
	ok, err := cache.Check(context.Background(), "sk-client")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, cache.Entries(), 1)

	r := newRig(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}, nil, WithAuthCache(cache))

	rec := r.do(simpleBody)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, cache.Entries(), "the credential that was used is invalidated")
}

func TestDriverUpstreamUnavailableIs502(t *testing.T) {
	r := newRig(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`overloaded`))
	}, nil)

	rec := r.do(simpleBody)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestDriverStreamingPreHeaderErrorIsPlainHTTP(t *testing.T) {
	r := newRig(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"model does not exist"}}`))
	}, nil)

	rec := r.do(`{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEqual(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestDriverOnResponseHookRewritesBody(t *testing.T) {
	r := newRig(t, okUpstream("original"), &rewritingPolicy{})
	rec := r.do(simpleBody)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp wire.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rewritten", resp.Choices[0].Message.Content.Plain())
}

type rewritingPolicy struct {
	policy.BasePolicy
}

func (p *rewritingPolicy) Name() string { return "rewriter" }

func (p *rewritingPolicy) OnResponse(_ *policy.TxnContext, resp *wire.Response) (*wire.Response, error) {
	resp.OpenAI.Choices[0].Message.Content = wire.TextContent("rewritten")
	return resp, nil
}

// streamReplacingPolicy swallows upstream text and emits its own, the way
// the judge policies replace blocked content.
type streamReplacingPolicy struct {
	policy.BasePolicy
}

func (p *streamReplacingPolicy) Name() string { return "replacer" }

func (p *streamReplacingPolicy) OnStreamEvent(_ *policy.TxnContext, ev stream.Event) ([]stream.Event, error) {
	if ev.Kind == stream.KindText {
		return nil, nil
	}
	return []stream.Event{ev}, nil
}

func (p *streamReplacingPolicy) OnBlockComplete(ctx *policy.TxnContext, block *stream.Block) ([]stream.Event, error) {
	if block.Kind != stream.KindText {
		return nil, nil
	}
	ctx.SetOutputFinished()
	out := stream.TextBlockEvents(block.Index, "replaced")
	return append(out, stream.Finish(wire.FinishStop)), nil
}

func TestDriverStreamingPolicyReplacesContent(t *testing.T) {
	handler := func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(
			`data: {"id":"c","object":"chat.completion.chunk","choices":[{"delta":{"role":"assistant","content":"secret"}}]}` + "\n\n" +
				`data: {"id":"c","choices":[{"delta":{},"finish_reason":"stop"}]}` + "\n\n" +
				"data: [DONE]\n\n"))
	}
	r := newRig(t, handler, &streamReplacingPolicy{})
	rec := r.do(`{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	body := rec.Body.String()
	assert.NotContains(t, body, "secret")
	assert.Contains(t, body, "replaced")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]"))
}

// droppingWriter fails every write after the first few, the way a closed
// client socket does. WriteString must fail too: gin routes frame writes
// through io.WriteString, which would otherwise bypass Write.
type droppingWriter struct {
	*httptest.ResponseRecorder
	allowed int
	writes  int
}

func (w *droppingWriter) Write(b []byte) (int, error) {
	w.writes++
	if w.writes > w.allowed {
		return 0, errors.New("broken pipe")
	}
	return w.ResponseRecorder.Write(b)
}

func (w *droppingWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

type closeCountingPolicy struct {
	policy.BasePolicy
	closes atomic.Int32
}

func (p *closeCountingPolicy) Name() string { return "closer" }

func (p *closeCountingPolicy) OnStreamClosed(_ *policy.TxnContext) {
	p.closes.Add(1)
}

func TestDriverStreamingClientDisconnectCancelsUpstream(t *testing.T) {
	upstreamCancelled := make(chan struct{})
	handler := func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-req.Context().Done():
				close(upstreamCancelled)
				return
			case <-ticker.C:
				w.Write([]byte(`data: {"id":"c","object":"chat.completion.chunk","choices":[{"delta":{"content":"x"}}]}` + "\n\n"))
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
	}

	pol := &closeCountingPolicy{}
	r := newRig(t, handler, pol)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(
		`{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":true}`))
	rec := &droppingWriter{ResponseRecorder: httptest.NewRecorder(), allowed: 2}
	r.router.ServeHTTP(rec, req)

	select {
	case <-upstreamCancelled:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream request kept running after the client dropped")
	}
	assert.Equal(t, int32(1), pol.closes.Load(), "on_stream_closed runs exactly once")
}

type failingBody struct{}

func (failingBody) Read([]byte) (int, error) { return 0, errors.New("network dropped") }

func TestDriverBodyReadFailureCarriesCallID(t *testing.T) {
	r := newRig(t, okUpstream("x"), nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", failingBody{})
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Call-Id"))
}

func mustDecode(req *http.Request) map[string]any {
	var out map[string]any
	json.NewDecoder(req.Body).Decode(&out)
	return out
}

func count(items []string, want string) int {
	n := 0
	for _, item := range items {
		if item == want {
			n++
		}
	}
	return n
}
