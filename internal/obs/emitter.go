package obs

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultBufferSize bounds the in-process event channel.
const DefaultBufferSize = 1024

// Emitter is the fire-and-forget observability tap. Emit never blocks the
// request path: events go into a bounded channel drained by the store
// writer, and to a Redis pub/sub channel when one is configured. On buffer
// overflow the oldest event is dropped and counted.
type Emitter struct {
	ch      chan TransactionEvent
	redis   *redis.Client
	channel string

	mu   sync.Mutex
	seqs map[string]*int64

	// closeMu makes Close safe against concurrent Emit: senders hold the
	// read side across the closed check and the channel send, so the
	// channel never closes under an in-flight send.
	closeMu sync.RWMutex
	closed  bool

	dropped atomic.Int64
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithRedis enables pub/sub publishing on the named channel.
func WithRedis(client *redis.Client, channel string) EmitterOption {
	return func(e *Emitter) {
		e.redis = client
		e.channel = channel
	}
}

// WithBufferSize overrides the in-process buffer bound.
func WithBufferSize(n int) EmitterOption {
	return func(e *Emitter) {
		if n > 0 {
			e.ch = make(chan TransactionEvent, n)
		}
	}
}

// NewEmitter creates an emitter.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		ch:   make(chan TransactionEvent, DefaultBufferSize),
		seqs: make(map[string]*int64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Events is the channel the durable writer drains.
func (e *Emitter) Events() <-chan TransactionEvent {
	return e.ch
}

// Dropped returns the count of events lost to buffer overflow.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Emit records one transaction event. Sequence numbers are assigned here,
// monotonic and gap-free per transaction starting at 0.
func (e *Emitter) Emit(txnID, sessionID, eventType string, payload any) {
	e.EmitSeverity(txnID, sessionID, eventType, SeverityInfo, payload)
}

// EmitSeverity is Emit with an explicit severity.
func (e *Emitter) EmitSeverity(txnID, sessionID, eventType, severity string, payload any) {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			logrus.Debugf("obs: unmarshalable payload for %s: %v", eventType, err)
		} else {
			raw = data
		}
	}

	ev := TransactionEvent{
		TransactionID: txnID,
		Sequence:      e.nextSeq(txnID),
		SessionID:     sessionID,
		EventType:     eventType,
		Severity:      severity,
		Timestamp:     time.Now().UTC(),
		Payload:       raw,
	}

	e.publish(ev)

	select {
	case e.ch <- ev:
	default:
		// Buffer full: drop the oldest event, keep the newest.
		select {
		case <-e.ch:
			e.dropped.Add(1)
		default:
		}
		select {
		case e.ch <- ev:
		default:
			e.dropped.Add(1)
		}
	}
}

// EndTransaction releases the per-transaction sequence counter.
func (e *Emitter) EndTransaction(txnID string) {
	e.mu.Lock()
	delete(e.seqs, txnID)
	e.mu.Unlock()
}

// Close stops accepting events and closes the drain channel. Safe to call
// while other goroutines emit; idempotent.
func (e *Emitter) Close() {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.ch)
}

func (e *Emitter) nextSeq(txnID string) int64 {
	e.mu.Lock()
	counter, ok := e.seqs[txnID]
	if !ok {
		counter = new(int64)
		*counter = -1
		e.seqs[txnID] = counter
	}
	e.mu.Unlock()
	return atomic.AddInt64(counter, 1)
}

func (e *Emitter) publish(ev TransactionEvent) {
	if e.redis == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.redis.Publish(ctx, e.channel, data).Err(); err != nil {
			logrus.Debugf("obs: publish failed, event dropped from pub/sub: %v", err)
		}
	}()
}
