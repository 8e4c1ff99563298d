package guard

import (
	"time"

	"github.com/shopspring/decimal"
)

// Rejection reasons returned by Admit. These feed the audit trail
// verbatim, so they never change once shipped.
const (
	ReasonMissingKey        = "missing_idempotency_key"
	ReasonDuplicateKey      = "duplicate_idempotency_key"
	ReasonAlreadySettled    = "transaction_already_settled"
	ReasonProviderInactive  = "provider_not_active"
	ReasonMissingCapability = "provider_missing_capability"
)

// KeyRetention is how long a seen idempotency key blocks readmission.
const KeyRetention = 30 * 24 * time.Hour

// CapabilityTransfers must be present on the provider account for a
// settlement retry to be dispatched.
const CapabilityTransfers = "transfers"

// Item is one stalled settlement operation pulled from the backlog.
// Immutable once admitted.
type Item struct {
	ChargeID              string          `json:"charge_id"`
	IdempotencyKey        string          `json:"idempotency_key"`
	TransactionID         string          `json:"transaction_id,omitempty"`
	ProviderID            string          `json:"provider_id"`
	ProviderAccountStatus string          `json:"provider_account_status"`
	ProviderCapabilities  []string        `json:"provider_capabilities"`
	Amount                decimal.Decimal `json:"amount"`
}

// Decision is the outcome of an admission check.
type Decision struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Guard is the idempotency and settlement admission check. It runs on
// every attempt, including retries of previously-failed items, since
// keys are reused across retries.
type Guard struct {
	keys    KeyStore
	settled map[string]time.Time
}

// New creates a guard backed by the given key store.
func New(keys KeyStore) *Guard {
	return &Guard{
		keys:    keys,
		settled: make(map[string]time.Time),
	}
}

// Admit checks one item against the duplicate-key window, the settled
// set, and provider eligibility. The key is recorded only on accept.
func (g *Guard) Admit(item Item, now time.Time) Decision {
	if item.IdempotencyKey == "" {
		return Decision{Reason: ReasonMissingKey}
	}

	if g.keys.Seen(item.IdempotencyKey, now) {
		return Decision{Reason: ReasonDuplicateKey}
	}

	if item.TransactionID != "" {
		if _, settled := g.settled[item.TransactionID]; settled {
			return Decision{Reason: ReasonAlreadySettled}
		}
	}

	if item.ProviderAccountStatus != "active" {
		return Decision{Reason: ReasonProviderInactive}
	}

	if !hasCapability(item.ProviderCapabilities, CapabilityTransfers) {
		return Decision{Reason: ReasonMissingCapability}
	}

	g.keys.Record(item.IdempotencyKey, now)
	return Decision{Accepted: true}
}

// MarkSettled records a transaction id as settled. Later items carrying
// the same id are rejected regardless of other fields.
func (g *Guard) MarkSettled(transactionID string, now time.Time) {
	if transactionID == "" {
		return
	}
	if _, exists := g.settled[transactionID]; !exists {
		g.settled[transactionID] = now
	}
}

// SettledCount returns the size of the settled set.
func (g *Guard) SettledCount() int {
	return len(g.settled)
}

func hasCapability(capabilities []string, want string) bool {
	for _, c := range capabilities {
		if c == want {
			return true
		}
	}
	return false
}
