package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event subjects
const (
	SubjectDrainStarted   = "drain.started"
	SubjectDrainPaused    = "drain.paused"
	SubjectDrainCompleted = "drain.completed"
	SubjectQuietEntered   = "drain.quiet_entered"
	SubjectRateChanged    = "drain.rate_changed"

	SubjectItemAdmitted   = "drain.item_admitted"
	SubjectItemRejected   = "drain.item_rejected"
	SubjectResultRecorded = "drain.result_recorded"

	SubjectSpendThrottled = "spend.throttled"
	SubjectSpendHold      = "spend.hold"

	SubjectStopLossTriggered = "stoploss.triggered"

	SubjectProviderHeld     = "provider.held"
	SubjectProviderReleased = "provider.released"

	SubjectLedgerEntryAdded = "ledger.entry_added"
	SubjectLedgerSealed     = "ledger.sealed"

	SubjectWindowClosed = "reconciliation.window"

	SubjectCheckpointEmitted = "checkpoint.emitted"

	SubjectPageRaised = "page.raised"

	SubjectControl = "drain.control"
)

// Event is the envelope every emitted drain event travels in. The
// evidence hash ties the event back to the controller's hash chain.
type Event struct {
	ID           uuid.UUID       `json:"event_id"`
	Type         string          `json:"type"`
	TimestampUTC time.Time       `json:"timestamp_utc"`
	EvidenceHash string          `json:"evidence_hash,omitempty"`
	Source       string          `json:"source"`
	Data         json.RawMessage `json:"data"`
}

// ItemEvent describes an admission decision for one backlog item.
type ItemEvent struct {
	ChargeID       string `json:"charge_id"`
	ProviderID     string `json:"provider_id"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Decision       string `json:"decision"`
	Reason         string `json:"reason,omitempty"`
}

// ResultEvent describes the outcome of a downstream settlement attempt.
type ResultEvent struct {
	ChargeID   string `json:"charge_id"`
	ProviderID string `json:"provider_id"`
	Amount     string `json:"amount"`
	Fee        string `json:"fee,omitempty"`
	Success    bool   `json:"success"`
	LedgerTxID string `json:"ledger_tx_id,omitempty"`
}

// RateChangeEvent describes a governor mode or rate transition.
type RateChangeEvent struct {
	FromMode string  `json:"from_mode"`
	ToMode   string  `json:"to_mode"`
	Rate     float64 `json:"rate_per_sec"`
	Reason   string  `json:"reason"`
}

// SpendEvent describes a spend-guard throttle or hold.
type SpendEvent struct {
	ProviderID string `json:"provider_id,omitempty"`
	Amount     string `json:"amount"`
	WindowGMV  string `json:"window_gmv"`
	CapAmount  string `json:"cap_amount"`
	Action     string `json:"action"`
	Reason     string `json:"reason"`
}

// StopLossEvent describes a tripped stop-loss gate.
type StopLossEvent struct {
	Gate   string `json:"gate"`
	Reason string `json:"reason"`
	Value  string `json:"value"`
	Limit  string `json:"limit"`
}

// ProviderHoldEvent describes a per-provider hold or release.
type ProviderHoldEvent struct {
	ProviderID string    `json:"provider_id"`
	Reason     string    `json:"reason,omitempty"`
	HeldSince  time.Time `json:"held_since,omitempty"`
	Released   bool      `json:"released"`
}

// LedgerEntryEvent describes an appended settlement ledger row.
type LedgerEntryEvent struct {
	LedgerTxID     string `json:"ledger_tx_id"`
	ChargeID       string `json:"charge_id"`
	ProviderID     string `json:"provider_id"`
	Amount         string `json:"amount"`
	Fee            string `json:"fee"`
	IdempotencyKey string `json:"idempotency_key"`
}

// WindowEvent describes a closed reconciliation window.
type WindowEvent struct {
	WindowStart       time.Time         `json:"window_start"`
	WindowEnd         time.Time         `json:"window_end"`
	Count             int               `json:"count"`
	SuccessCount      int               `json:"success_count"`
	GMV               string            `json:"gmv"`
	Fees              string            `json:"fees"`
	DuplicatesBlocked int               `json:"duplicates_blocked"`
	ProviderGMV       map[string]string `json:"provider_gmv,omitempty"`
}

// CheckpointEvent describes a scheduled checkpoint report.
type CheckpointEvent struct {
	CheckpointID  string `json:"checkpoint_id"`
	Mode          string `json:"mode"`
	BacklogDepth  int    `json:"backlog_depth"`
	CumulativeGMV string `json:"cumulative_gmv"`
	EvidenceHead  string `json:"evidence_head"`
	LedgerSealed  bool   `json:"ledger_sealed"`
}

// PageEvent carries an operator page raised by the controller.
type PageEvent struct {
	Severity string `json:"severity"`
	Source   string `json:"source"`
	Message  string `json:"message"`
}

// Control actions accepted on SubjectControl.
const (
	ControlStart    = "start"
	ControlPause    = "pause"
	ControlComplete = "complete"
)

// ControlCommand steers the drain over the broker. It travels as plain
// JSON, not inside the event envelope, so operators can publish one
// with nothing but a NATS CLI.
type ControlCommand struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// NewEvent wraps a typed payload in the event envelope.
func NewEvent(eventType string, evidenceHash string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:           uuid.New(),
		Type:         eventType,
		TimestampUTC: time.Now().UTC(),
		EvidenceHash: evidenceHash,
		Source:       "settledrain",
		Data:         dataBytes,
	}, nil
}

// ParseEventData parses event data into the specified type.
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
