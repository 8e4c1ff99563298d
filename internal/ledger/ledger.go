package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	ErrLedgerSealed   = errors.New("ledger is sealed")
	ErrLedgerNotEmpty = errors.New("ledger already has entries")
)

// Entry is one immutable settlement ledger row. It carries enough
// fields to independently recompute GMV and fees.
type Entry struct {
	LedgerTxID     string          `json:"ledger_tx_id"`
	ChargeID       string          `json:"charge_id"`
	ProviderID     string          `json:"provider_id"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (e Entry) canonical() string {
	return strings.Join([]string{
		e.LedgerTxID,
		e.ChargeID,
		e.ProviderID,
		e.Amount.String(),
		e.Fee.String(),
		e.IdempotencyKey,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, "|")
}

// Ledger is the append-only settlement ledger. Sealing is a one-way
// transition; afterwards every mutation fails with ErrLedgerSealed.
// Not safe for concurrent use; the controller serializes access.
type Ledger struct {
	logger  zerolog.Logger
	archive *Archive

	entries  []Entry
	sealed   bool
	sealHash string
	sealedAt time.Time
}

// NewLedger creates an open ledger.
func NewLedger(logger zerolog.Logger) *Ledger {
	return &Ledger{logger: logger.With().Str("component", "ledger").Logger()}
}

// SetArchive attaches a Postgres mirror. The in-memory ledger stays
// authoritative; archive failures degrade to logged warnings.
func (l *Ledger) SetArchive(a *Archive) {
	l.archive = a
}

// AddEntry appends one row. Fails with ErrLedgerSealed after sealing.
func (l *Ledger) AddEntry(ctx context.Context, entry Entry) error {
	if l.sealed {
		return ErrLedgerSealed
	}

	l.entries = append(l.entries, entry)

	if l.archive != nil {
		if err := l.archive.SaveEntry(ctx, entry); err != nil {
			l.logger.Warn().Err(err).Str("ledger_tx_id", entry.LedgerTxID).Msg("ledger archive write failed")
		}
	}

	return nil
}

// Seal computes the bundle hash over every current entry and freezes
// the ledger. A second call fails with ErrLedgerSealed.
func (l *Ledger) Seal(ctx context.Context, now time.Time) (string, error) {
	if l.sealed {
		return "", ErrLedgerSealed
	}

	lines := make([]string, 0, len(l.entries)+1)
	lines = append(lines, "entries:"+strconv.Itoa(len(l.entries)))
	for _, e := range l.entries {
		lines = append(lines, e.canonical())
	}
	h := sha256.Sum256([]byte(strings.Join(lines, "\n")))

	l.sealed = true
	l.sealHash = hex.EncodeToString(h[:])
	l.sealedAt = now.UTC()

	if l.archive != nil {
		if err := l.archive.MarkSealed(ctx, l.sealHash, l.sealedAt, len(l.entries)); err != nil {
			l.logger.Warn().Err(err).Msg("ledger archive seal mark failed")
		}
	}

	return l.sealHash, nil
}

// Sealed reports whether the ledger has been sealed.
func (l *Ledger) Sealed() bool {
	return l.sealed
}

// SealHash returns the bundle hash, empty until sealed.
func (l *Ledger) SealHash() string {
	return l.sealHash
}

// Len returns the entry count.
func (l *Ledger) Len() int {
	return len(l.entries)
}

// Entries returns a copy of every row in append order.
func (l *Ledger) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Restore preloads rows recovered from the archive after a restart.
// Restored rows skip the archive mirror so they are not re-written.
// Only valid on an open, empty ledger.
func (l *Ledger) Restore(entries []Entry) error {
	if l.sealed {
		return ErrLedgerSealed
	}
	if len(l.entries) > 0 {
		return ErrLedgerNotEmpty
	}
	l.entries = append(l.entries, entries...)
	return nil
}

// ExportDocument is the audit export: the rows plus totals recomputed
// from the rows themselves rather than any running counter.
type ExportDocument struct {
	ExportedAt time.Time       `json:"exported_at"`
	EntryCount int             `json:"entry_count"`
	TotalGMV   decimal.Decimal `json:"total_gmv"`
	TotalFees  decimal.Decimal `json:"total_fees"`
	Sealed     bool            `json:"sealed"`
	SealHash   string          `json:"seal_hash,omitempty"`
	SealedAt   *time.Time      `json:"sealed_at,omitempty"`
	Entries    []Entry         `json:"entries"`
}

// Export builds the audit export document.
func (l *Ledger) Export(now time.Time) ExportDocument {
	gmv := decimal.Zero
	fees := decimal.Zero
	for _, e := range l.entries {
		gmv = gmv.Add(e.Amount)
		fees = fees.Add(e.Fee)
	}

	doc := ExportDocument{
		ExportedAt: now.UTC(),
		EntryCount: len(l.entries),
		TotalGMV:   gmv,
		TotalFees:  fees,
		Sealed:     l.sealed,
		SealHash:   l.sealHash,
		Entries:    l.Entries(),
	}
	if l.sealed {
		sealedAt := l.sealedAt
		doc.SealedAt = &sealedAt
	}
	return doc
}
