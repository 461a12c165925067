package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/luthien-dev/luthien/internal/stream"
	"github.com/luthien-dev/luthien/internal/wire"
)

const anthropicVersion = "2023-06-01"

// Endpoint is one configured upstream provider, keyed by the wire format
// it natively speaks.
type Endpoint struct {
	BaseURL string
	APIKey  string
}

// Outcome reports side effects of an upstream call.
type Outcome struct {
	// AutoFixed names the sanitizer a retry-with-fix applied, or "" when
	// the first attempt went through.
	AutoFixed string
}

// Client forwards requests to configured upstream providers. When no
// endpoint speaks the client's wire format the request is converted to the
// other format and the response converted back, so callers only ever see
// the client-native format.
type Client struct {
	endpoints map[wire.Format]Endpoint
	http      *http.Client
	timeout   time.Duration
	maxTokens int
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint registers the upstream for one wire format.
func WithEndpoint(format wire.Format, baseURL, apiKey string) Option {
	return func(c *Client) {
		c.endpoints[format] = Endpoint{BaseURL: strings.TrimSuffix(baseURL, "/"), APIKey: apiKey}
	}
}

// WithHTTPClient overrides the transport, mostly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds non-streaming upstream calls.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithDefaultMaxTokens sets the max_tokens used when converting an OpenAI
// request (where the field is optional) to the Anthropic format (where it
// is required).
func WithDefaultMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

// NewClient creates an upstream client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		endpoints: map[wire.Format]Endpoint{},
		http:      &http.Client{},
		timeout:   120 * time.Second,
		maxTokens: 4096,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HasEndpoint reports whether an upstream for the given format is
// configured.
func (c *Client) HasEndpoint(format wire.Format) bool {
	_, ok := c.endpoints[format]
	return ok
}

// route picks the endpoint for a request, preferring the request's own
// format and falling back to the other one via conversion.
func (c *Client) route(format wire.Format) (wire.Format, Endpoint, error) {
	if ep, ok := c.endpoints[format]; ok {
		return format, ep, nil
	}
	other := wire.FormatAnthropic
	if format == wire.FormatAnthropic {
		other = wire.FormatOpenAI
	}
	if ep, ok := c.endpoints[other]; ok {
		return other, ep, nil
	}
	return "", Endpoint{}, fmt.Errorf("no upstream endpoint configured for format %s", format)
}

// toUpstream converts a request into the endpoint's native format.
func (c *Client) toUpstream(req *wire.Request, target wire.Format) (*wire.Request, error) {
	if req.Format == target {
		return req, nil
	}
	switch target {
	case wire.FormatAnthropic:
		converted := wire.OpenAIToAnthropicRequest(req.OpenAI, c.maxTokens)
		return &wire.Request{Format: wire.FormatAnthropic, Anthropic: converted}, nil
	default:
		converted := wire.AnthropicToOpenAIRequest(req.Anthropic)
		return &wire.Request{Format: wire.FormatOpenAI, OpenAI: converted}, nil
	}
}

func marshalRequest(req *wire.Request, streaming bool) ([]byte, error) {
	switch req.Format {
	case wire.FormatOpenAI:
		r := *req.OpenAI
		r.Stream = streaming
		return json.Marshal(&r)
	case wire.FormatAnthropic:
		r := *req.Anthropic
		r.Stream = streaming
		return json.Marshal(&r)
	}
	return nil, fmt.Errorf("unknown wire format %q", req.Format)
}

func endpointURL(format wire.Format, ep Endpoint) string {
	if format == wire.FormatAnthropic {
		return ep.BaseURL + "/messages"
	}
	return ep.BaseURL + "/chat/completions"
}

// key may override the endpoint's configured credential so the cached
// entry that authorized the transaction is the one a 401 invalidates.
func setAuthHeaders(req *http.Request, format wire.Format, ep Endpoint, key string) {
	if key == "" {
		key = ep.APIKey
	}
	if format == wire.FormatAnthropic {
		req.Header.Set("x-api-key", key)
		req.Header.Set("anthropic-version", anthropicVersion)
	} else {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")
}

func (c *Client) post(ctx context.Context, format wire.Format, ep Endpoint, body []byte, key string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL(format, ep), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	setAuthHeaders(httpReq, format, ep, key)
	return c.http.Do(httpReq)
}

// Complete runs a non-streaming upstream call with pre-flight
// sanitization and at most one retry-with-fix.
func (c *Client) Complete(ctx context.Context, req *wire.Request, key string) (*wire.Response, Outcome, error) {
	var outcome Outcome
	target, ep, err := c.route(req.Format)
	if err != nil {
		return nil, outcome, &Error{Kind: KindUnavailable, Model: req.Model(), Message: err.Error()}
	}

	sanitized, _ := Sanitize(req)
	upReq, err := c.toUpstream(sanitized, target)
	if err != nil {
		return nil, outcome, &Error{Kind: KindBadRequest, Model: req.Model(), Message: err.Error()}
	}

	body, status, callErr := c.completeOnce(ctx, target, ep, upReq, key)
	if callErr != nil {
		upErr, ok := callErr.(*Error)
		if !ok || upErr.Kind != KindBadRequest {
			return nil, outcome, callErr
		}
		fix := FixableSanitizer(upErr.Message)
		if fix == "" {
			return nil, outcome, callErr
		}
		fixed, changed := applyFix(fix, upReq)
		if !changed {
			return nil, outcome, callErr
		}
		logrus.Debugf("retrying upstream call for %s after %s (status %d)", req.Model(), fix, status)
		outcome.AutoFixed = fix
		body, _, callErr = c.completeOnce(ctx, target, ep, fixed, key)
		if callErr != nil {
			return nil, outcome, callErr
		}
	}

	resp, err := parseResponse(target, body)
	if err != nil {
		return nil, outcome, &Error{Kind: KindUnavailable, Model: req.Model(), Message: err.Error()}
	}
	converted, err := c.fromUpstream(resp, req.Format)
	if err != nil {
		return nil, outcome, &Error{Kind: KindUnavailable, Model: req.Model(), Message: err.Error()}
	}
	return converted, outcome, nil
}

func (c *Client) completeOnce(ctx context.Context, target wire.Format, ep Endpoint, req *wire.Request, key string) ([]byte, int, error) {
	body, err := marshalRequest(req, false)
	if err != nil {
		return nil, 0, fmt.Errorf("encode upstream request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.post(ctx, target, ep, body, key)
	if err != nil {
		return nil, 0, &Error{Kind: KindUnavailable, Model: req.Model(), Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &Error{Kind: KindUnavailable, Model: req.Model(), Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, classifyError(resp.StatusCode, req.Model(), respBody)
	}
	return respBody, resp.StatusCode, nil
}

func parseResponse(format wire.Format, body []byte) (*wire.Response, error) {
	switch format {
	case wire.FormatOpenAI:
		parsed, err := wire.ParseChatResponse(body)
		if err != nil {
			return nil, err
		}
		return &wire.Response{Format: wire.FormatOpenAI, OpenAI: parsed}, nil
	default:
		parsed, err := wire.ParseMessagesResponse(body)
		if err != nil {
			return nil, err
		}
		return &wire.Response{Format: wire.FormatAnthropic, Anthropic: parsed}, nil
	}
}

func (c *Client) fromUpstream(resp *wire.Response, target wire.Format) (*wire.Response, error) {
	if resp.Format == target {
		return resp, nil
	}
	switch target {
	case wire.FormatOpenAI:
		return &wire.Response{Format: wire.FormatOpenAI, OpenAI: wire.AnthropicToOpenAIResponse(resp.Anthropic)}, nil
	default:
		return &wire.Response{Format: wire.FormatAnthropic, Anthropic: wire.OpenAIToAnthropicResponse(resp.OpenAI)}, nil
	}
}

// Stream runs a streaming upstream call, translating native deltas into
// canonical events handed to emit in upstream arrival order. Pre-flight
// sanitization and one retry-with-fix apply before the first byte streams.
func (c *Client) Stream(ctx context.Context, req *wire.Request, key string, emit func(stream.Event) error) (Outcome, error) {
	var outcome Outcome
	target, ep, err := c.route(req.Format)
	if err != nil {
		return outcome, &Error{Kind: KindUnavailable, Model: req.Model(), Message: err.Error()}
	}

	sanitized, _ := Sanitize(req)
	upReq, err := c.toUpstream(sanitized, target)
	if err != nil {
		return outcome, &Error{Kind: KindBadRequest, Model: req.Model(), Message: err.Error()}
	}

	body, err := marshalRequest(upReq, true)
	if err != nil {
		return outcome, fmt.Errorf("encode upstream request: %w", err)
	}
	resp, callErr := c.openStream(ctx, target, ep, body, key, req.Model())
	if callErr != nil {
		upErr, ok := callErr.(*Error)
		if !ok || upErr.Kind != KindBadRequest {
			return outcome, callErr
		}
		fix := FixableSanitizer(upErr.Message)
		if fix == "" {
			return outcome, callErr
		}
		fixed, changed := applyFix(fix, upReq)
		if !changed {
			return outcome, callErr
		}
		body, err = marshalRequest(fixed, true)
		if err != nil {
			return outcome, fmt.Errorf("encode upstream request: %w", err)
		}
		logrus.Debugf("retrying upstream stream for %s after %s", req.Model(), fix)
		outcome.AutoFixed = fix
		resp, callErr = c.openStream(ctx, target, ep, body, key, req.Model())
		if callErr != nil {
			return outcome, callErr
		}
	}
	defer resp.Body.Close()

	return outcome, readStream(ctx, target, resp.Body, emit)
}

// openStream performs the POST and returns the open response body, or a
// classified error when the upstream rejected the call before streaming.
func (c *Client) openStream(ctx context.Context, target wire.Format, ep Endpoint, body []byte, key, model string) (*http.Response, error) {
	resp, err := c.post(ctx, target, ep, body, key)
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Model: model, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, classifyError(resp.StatusCode, model, respBody)
	}
	return resp, nil
}

// readStream drains one upstream SSE body into canonical events.
func readStream(ctx context.Context, format wire.Format, body io.Reader, emit func(stream.Event) error) error {
	switch format {
	case wire.FormatOpenAI:
		reader := stream.NewOpenAIReader()
		err := stream.ScanSSE(ctx, body, func(frame stream.RawFrame) error {
			if frame.Data == "[DONE]" {
				return nil
			}
			var chunk wire.ChatChunk
			if err := json.Unmarshal([]byte(frame.Data), &chunk); err != nil {
				logrus.Debugf("skipping malformed upstream chunk: %v", err)
				return nil
			}
			return emitAll(reader.Read(&chunk), emit)
		})
		if err != nil {
			return err
		}
		return emitAll(reader.Close(), emit)
	default:
		reader := stream.NewAnthropicReader()
		err := stream.ScanSSE(ctx, body, func(frame stream.RawFrame) error {
			var ev wire.AnthropicStreamEvent
			if err := json.Unmarshal([]byte(frame.Data), &ev); err != nil {
				logrus.Debugf("skipping malformed upstream event: %v", err)
				return nil
			}
			ev.Raw = []byte(frame.Data)
			return emitAll(reader.Read(&ev), emit)
		})
		if err != nil {
			return err
		}
		return emitAll(reader.Close(), emit)
	}
}

func emitAll(events []stream.Event, emit func(stream.Event) error) error {
	for _, ev := range events {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return nil
}

// ValidateKey probes the upstream model listing with the given credential
// so the credential cache can learn whether a client key is good without a
// full completion call.
func (c *Client) ValidateKey(ctx context.Context, format wire.Format, apiKey string) (bool, error) {
	target, ep, err := c.route(format)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.BaseURL+"/models", nil)
	if err != nil {
		return false, err
	}
	setAuthHeaders(httpReq, target, ep, apiKey)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("validate credential: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	default:
		return false, fmt.Errorf("validate credential: upstream returned %d", resp.StatusCode)
	}
}

// CompletePassthrough forwards a raw body verbatim, bypassing
// sanitization and conversion, for the one-shot passthrough fallback. The
// stream flag is pinned to false so the upstream answers with plain JSON.
func (c *Client) CompletePassthrough(ctx context.Context, format wire.Format, raw []byte, key string) (*wire.Response, error) {
	ep, ok := c.endpoints[format]
	if !ok {
		return nil, fmt.Errorf("no same-format upstream for passthrough (%s)", format)
	}
	body, err := sjson.SetBytes(raw, "stream", false)
	if err != nil {
		return nil, fmt.Errorf("pin stream flag: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.post(ctx, format, ep, body, key)
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyError(resp.StatusCode, "", respBody)
	}
	return parseResponse(format, respBody)
}

// StreamPassthrough forwards a raw body verbatim with the stream flag
// pinned to true, still translating the upstream SSE into canonical
// events so policy hooks observe the fallback response.
func (c *Client) StreamPassthrough(ctx context.Context, format wire.Format, raw []byte, key string, emit func(stream.Event) error) error {
	ep, ok := c.endpoints[format]
	if !ok {
		return fmt.Errorf("no same-format upstream for passthrough (%s)", format)
	}
	body, err := sjson.SetBytes(raw, "stream", true)
	if err != nil {
		return fmt.Errorf("pin stream flag: %w", err)
	}
	resp, err := c.openStream(ctx, format, ep, body, key, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return readStream(ctx, format, resp.Body, emit)
}
