// Package ledger anchors content hashes in an append-only ledger.
//
// Client is the consumer-facing contract. Local is the embedded ledger that
// backs the mock ledger service and single-process deployments; HTTPClient
// talks to a ledger service over HTTP.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rymfhm/qubic/internal/digest"
	"github.com/rymfhm/qubic/internal/models"
)

// TxIDPrefix prefixes every transaction id issued by the ledger.
const TxIDPrefix = "qubic_tx_"

// Receipt is returned for an anchored hash.
type Receipt struct {
	TxID      string    `json:"txid"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
}

// Verification reports whether a hash has been anchored.
type Verification struct {
	Hash      string     `json:"hash"`
	Verified  bool       `json:"verified"`
	TxID      string     `json:"txid,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Client writes and verifies hashes.
type Client interface {
	Write(ctx context.Context, hash string, metadata map[string]any) (Receipt, error)
	Verify(ctx context.Context, hash string) (Verification, error)
}

// EntryStore persists ledger entries.
type EntryStore interface {
	PutLedgerEntry(ctx context.Context, entry models.LedgerEntry) error
	LedgerEntryByHash(ctx context.Context, hash string) (*models.LedgerEntry, error)
	LedgerEntryByTxID(ctx context.Context, txid string) (*models.LedgerEntry, error)
}

// Local is a ledger that keeps its entries in an EntryStore.
type Local struct {
	entries EntryStore
	now     func() time.Time
}

// NewLocal creates a Local ledger over entries.
func NewLocal(entries EntryStore) *Local {
	return &Local{entries: entries, now: time.Now}
}

// Write anchors hash with its metadata and returns the issued transaction id.
func (l *Local) Write(ctx context.Context, hash string, metadata map[string]any) (Receipt, error) {
	if hash == "" {
		return Receipt{}, models.NewValidationError("hash", "required")
	}
	ts := l.now().UTC()

	txid, err := NewTxID(hash, metadata, ts)
	if err != nil {
		return Receipt{}, err
	}

	entry := models.LedgerEntry{TxID: txid, Hash: hash, Metadata: metadata, Timestamp: ts}
	if err := l.entries.PutLedgerEntry(ctx, entry); err != nil {
		return Receipt{}, fmt.Errorf("append ledger entry: %w", err)
	}
	return Receipt{TxID: txid, Hash: hash, Timestamp: ts}, nil
}

// Verify looks up the first entry anchoring hash.
func (l *Local) Verify(ctx context.Context, hash string) (Verification, error) {
	entry, err := l.entries.LedgerEntryByHash(ctx, hash)
	if models.IsNotFound(err) {
		return Verification{Hash: hash, Verified: false}, nil
	}
	if err != nil {
		return Verification{}, err
	}
	ts := entry.Timestamp
	return Verification{Hash: hash, Verified: true, TxID: entry.TxID, Timestamp: &ts}, nil
}

// Transaction returns the entry with transaction id txid, or ErrNotFound.
func (l *Local) Transaction(ctx context.Context, txid string) (*models.LedgerEntry, error) {
	return l.entries.LedgerEntryByTxID(ctx, txid)
}

// NewTxID derives a transaction id from the hash, the canonical metadata and the timestamp.
func NewTxID(hash string, metadata map[string]any, ts time.Time) (string, error) {
	meta, err := digest.Canonical(metadata)
	if err != nil {
		return "", fmt.Errorf("canonical metadata: %w", err)
	}
	sum := digest.Sum([]byte(hash + string(meta) + ts.Format(time.RFC3339Nano)))
	return TxIDPrefix + sum[:32], nil
}

// MemoryEntries is an in-memory EntryStore.
type MemoryEntries struct {
	mu     sync.RWMutex
	byTx   map[string]models.LedgerEntry
	byHash map[string]string
}

// NewMemoryEntries creates an empty MemoryEntries.
func NewMemoryEntries() *MemoryEntries {
	return &MemoryEntries{
		byTx:   make(map[string]models.LedgerEntry),
		byHash: make(map[string]string),
	}
}

// PutLedgerEntry appends entry; a repeated transaction id is a conflict.
func (m *MemoryEntries) PutLedgerEntry(_ context.Context, entry models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byTx[entry.TxID]; exists {
		return fmt.Errorf("ledger entry %s: %w", entry.TxID, models.ErrStateConflict)
	}
	m.byTx[entry.TxID] = entry
	if _, seen := m.byHash[entry.Hash]; !seen {
		m.byHash[entry.Hash] = entry.TxID
	}
	return nil
}

// LedgerEntryByHash returns the first entry written for hash.
func (m *MemoryEntries) LedgerEntryByHash(_ context.Context, hash string) (*models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txid, ok := m.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("ledger entry %s: %w", hash, models.ErrNotFound)
	}
	entry := m.byTx[txid]
	return &entry, nil
}

// LedgerEntryByTxID returns the entry with transaction id txid.
func (m *MemoryEntries) LedgerEntryByTxID(_ context.Context, txid string) (*models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.byTx[txid]
	if !ok {
		return nil, fmt.Errorf("ledger entry %s: %w", txid, models.ErrNotFound)
	}
	return &entry, nil
}
