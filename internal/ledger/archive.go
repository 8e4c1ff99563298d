package ledger

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// Archive mirrors ledger rows and seal marks into Postgres so the
// audit trail survives the process. The in-memory ledger remains
// authoritative.
type Archive struct {
	db *sql.DB
}

// OpenArchive connects to Postgres and prepares the archive tables.
func OpenArchive(databaseURL string) (*Archive, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) migrate() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS ledger_entries (
			ledger_tx_id    TEXT PRIMARY KEY,
			charge_id       TEXT NOT NULL,
			provider_id     TEXT NOT NULL,
			amount          NUMERIC NOT NULL,
			fee             NUMERIC NOT NULL,
			idempotency_key TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS ledger_seals (
			seal_hash   TEXT PRIMARY KEY,
			entry_count INTEGER NOT NULL,
			sealed_at   TIMESTAMPTZ NOT NULL
		)`)
	return errors.Wrap(err, "create archive tables")
}

// SaveEntry mirrors one ledger row.
func (a *Archive) SaveEntry(ctx context.Context, entry Entry) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (ledger_tx_id, charge_id, provider_id, amount, fee, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (ledger_tx_id) DO NOTHING`,
		entry.LedgerTxID, entry.ChargeID, entry.ProviderID,
		entry.Amount, entry.Fee, entry.IdempotencyKey, entry.CreatedAt,
	)
	return errors.Wrap(err, "insert ledger entry")
}

// MarkSealed records the seal in the archive.
func (a *Archive) MarkSealed(ctx context.Context, sealHash string, sealedAt time.Time, entryCount int) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO ledger_seals (seal_hash, entry_count, sealed_at) VALUES ($1, $2, $3)
		 ON CONFLICT (seal_hash) DO NOTHING`,
		sealHash, entryCount, sealedAt,
	)
	return errors.Wrap(err, "insert ledger seal")
}

// Entries reads every mirrored row in creation order, for export from
// a fresh process.
func (a *Archive) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT ledger_tx_id, charge_id, provider_id, amount, fee, idempotency_key, created_at
		 FROM ledger_entries ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "query ledger entries")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.LedgerTxID, &e.ChargeID, &e.ProviderID, &e.Amount, &e.Fee, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan ledger entry")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}
