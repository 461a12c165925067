package obs

import (
	"encoding/json"
	"time"
)

// Event types emitted by the pipeline. Policy events follow the pattern
// policy.<name>.<subtype> and are built with PolicyEventType.
const (
	EventClientRequest       = "pipeline.client_request"
	EventBackendRequest      = "pipeline.backend_request"
	EventClientResponse      = "pipeline.client_response"
	EventAutoFix             = "pipeline.auto_fix"
	EventPassthroughFallback = "pipeline.passthrough_fallback"
	EventStreamClosed        = "pipeline.stream_closed"
)

// Severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// PolicyEventType builds a policy.<name>.<subtype> event type.
func PolicyEventType(policy, subtype string) string {
	return "policy." + policy + "." + subtype
}

// TransactionEvent is one immutable observability record, keyed by
// (transaction id, sequence). Sequence numbers are gap-free per transaction
// starting at 0.
type TransactionEvent struct {
	ID            uint            `gorm:"primaryKey" json:"-"`
	TransactionID string          `gorm:"size:36;uniqueIndex:idx_txn_seq,priority:1" json:"transaction_id"`
	Sequence      int64           `gorm:"uniqueIndex:idx_txn_seq,priority:2" json:"sequence"`
	SessionID     string          `gorm:"size:128;index" json:"session_id,omitempty"`
	EventType     string          `gorm:"size:128;index" json:"event_type"`
	Severity      string          `gorm:"size:16" json:"severity,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `gorm:"type:jsonb" json:"payload,omitempty"`
}

// TableName keeps the table name stable regardless of gorm naming strategy.
func (TransactionEvent) TableName() string {
	return "transaction_events"
}
