// Package sink delivers structured execution records to downstream
// consumers (logs, the journal, notifications).
package sink

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/efarrell-labs/alertrunner/internal/journal"
)

// Record types emitted over a session's lifetime.
const (
	TypeEventReceived       = "event_received"
	TypeOrderSubmitted      = "order_submitted"
	TypeOrderResult         = "order_result"
	TypeSessionOpened       = "session_opened"
	TypeSessionClosed       = "session_closed"
	TypeRiskRejected        = "risk_rejected"
	TypeReconcileCorrection = "reconcile_correction"
)

// ExecutionRecord is one structured, session-keyed execution fact.
type ExecutionRecord struct {
	Type      string    `json:"type"`
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id,omitempty"`
	EventType string    `json:"event_type,omitempty"`
	Key       string    `json:"key,omitempty"`
	OrderID   int       `json:"order_id,omitempty"`
	Quantity  int       `json:"quantity,omitempty"`
	Price     float64   `json:"price,omitempty"`
	PnL       float64   `json:"pnl,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Sink consumes execution records. Implementations must not block the
// execution path; failures are the sink's own problem.
type Sink interface {
	Emit(record ExecutionRecord)
}

// LogSink writes records as structured log lines.
type LogSink struct {
	Logger *logrus.Logger
}

// Emit logs the record with its fields.
func (s *LogSink) Emit(record ExecutionRecord) {
	s.Logger.WithFields(logrus.Fields{
		"record":     record.Type,
		"session_id": record.SessionID,
		"event_type": record.EventType,
		"key":        record.Key,
		"order_id":   record.OrderID,
		"quantity":   record.Quantity,
		"price":      record.Price,
		"pnl":        record.PnL,
		"reason":     record.Reason,
	}).Info(record.Detail)
}

// JournalSink appends records to the write-only journal.
type JournalSink struct {
	Journal *journal.Journal
	Logger  *logrus.Logger
}

// Emit appends the record; a write failure is logged, never propagated.
func (s *JournalSink) Emit(record ExecutionRecord) {
	if err := s.Journal.Append(record); err != nil && s.Logger != nil {
		s.Logger.WithError(err).Warn("journal append failed")
	}
}

// MultiSink fans out to several sinks.
type MultiSink []Sink

// Emit delivers the record to every sink in order.
func (m MultiSink) Emit(record ExecutionRecord) {
	for _, s := range m {
		s.Emit(record)
	}
}
