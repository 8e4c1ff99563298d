package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// GenesisHash is the previous-hash value of the first record.
var GenesisHash = strings.Repeat("0", 64)

// Record is one link in the tamper-evident chain. External auditors
// replay records from genesis and must reproduce every stored hash, so
// the payload is kept in its canonical serialized form.
type Record struct {
	Sequence     int               `json:"sequence"`
	EventType    string            `json:"event_type"`
	TimestampUTC time.Time         `json:"timestamp_utc"`
	Payload      map[string]string `json:"payload"`
	PrevHash     string            `json:"prev_hash"`
	Hash         string            `json:"hash"`
}

// Chain appends hash-linked records. Not safe for concurrent use; the
// controller serializes access.
type Chain struct {
	records []Record
	head    string
}

// NewChain creates an empty chain anchored at the genesis hash.
func NewChain() *Chain {
	return &Chain{head: GenesisHash}
}

// Append seals a payload into the chain and returns the new record.
// Payload values must already be strings; decimals and times are
// rendered by the caller so the serialization stays stable.
func (c *Chain) Append(eventType string, payload map[string]string, now time.Time) Record {
	record := Record{
		Sequence:     len(c.records) + 1,
		EventType:    eventType,
		TimestampUTC: now.UTC(),
		Payload:      payload,
		PrevHash:     c.head,
	}
	record.Hash = ComputeHash(record.PrevHash, record.TimestampUTC, payload)

	c.records = append(c.records, record)
	c.head = record.Hash
	return record
}

// Head returns the hash of the most recent record, or the genesis hash
// for an empty chain.
func (c *Chain) Head() string {
	return c.head
}

// Len returns the number of records.
func (c *Chain) Len() int {
	return len(c.records)
}

// Records returns a copy of every record from genesis.
func (c *Chain) Records() []Record {
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

// Verify replays the chain from genesis and checks that every stored
// hash is reproduced and every link points at its predecessor.
func (c *Chain) Verify() bool {
	prev := GenesisHash
	for _, r := range c.records {
		if r.PrevHash != prev {
			return false
		}
		if ComputeHash(r.PrevHash, r.TimestampUTC, r.Payload) != r.Hash {
			return false
		}
		prev = r.Hash
	}
	return prev == c.head
}

// ComputeHash derives the chained hash for one record. The canonical
// payload serialization is JSON with keys in sorted order, which
// encoding/json guarantees for string-keyed maps.
func ComputeHash(prevHash string, ts time.Time, payload map[string]string) string {
	canonical, _ := json.Marshal(payload)
	raw := prevHash + "|" + ts.UTC().Format(time.RFC3339Nano) + "|" + string(canonical)
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
