package pipeline

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/luthien-dev/luthien/internal/policy"
	"github.com/luthien-dev/luthien/internal/wire"
)

// ClientKeyContextKey is the gin context key under which the auth
// middleware stores the client's raw API key for upstream passthrough and
// 401 invalidation.
const ClientKeyContextKey = "luthien.client_key"

// Transaction is one end-to-end request/response cycle through the
// gateway. The wire format is sticky: the response is always serialized in
// the format the request arrived in.
type Transaction struct {
	ID        string
	Format    wire.Format
	SessionID string

	// RawBody is the immutable inbound body, kept for the passthrough
	// fallback.
	RawBody []byte

	// Original is the parsed request before any policy mutation; Final is
	// what goes upstream.
	Original *wire.Request
	Final    *wire.Request

	// Mutated records whether the request hook changed the request; the
	// passthrough fallback only arms when it did.
	Mutated bool

	// FallbackUsed ensures the passthrough fallback fires at most once.
	FallbackUsed bool

	ClientKey string

	Runtime *policy.Runtime
	Policy  string
}

func newTransaction(format wire.Format, raw []byte) *Transaction {
	return &Transaction{
		ID:      uuid.NewString(),
		Format:  format,
		RawBody: raw,
	}
}

// markMutated compares the original and final requests by their encoded
// forms; pointer identity is not enough since hooks may return the same
// struct mutated in place.
func (t *Transaction) markMutated() {
	if t.Original == nil || t.Final == nil {
		return
	}
	before := encodeRequest(t.Original)
	after := encodeRequest(t.Final)
	t.Mutated = string(before) != string(after)
}

func encodeRequest(req *wire.Request) []byte {
	var body any
	switch req.Format {
	case wire.FormatOpenAI:
		body = req.OpenAI
	case wire.FormatAnthropic:
		body = req.Anthropic
	}
	out, err := json.Marshal(body)
	if err != nil {
		return nil
	}
	return out
}

func requestPayload(t *Transaction) map[string]any {
	return map[string]any{
		"format":    string(t.Format),
		"model":     t.Original.Model(),
		"streaming": t.Original.Streaming(),
		"policy":    t.Policy,
		"body":      json.RawMessage(t.RawBody),
	}
}

func backendPayload(t *Transaction) map[string]any {
	return map[string]any{
		"format":  string(t.Final.Format),
		"model":   t.Final.Model(),
		"mutated": t.Mutated,
	}
}
