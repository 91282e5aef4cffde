package models

import "time"

// LedgerEntry is one anchored content hash in the append-only ledger.
type LedgerEntry struct {
	TxID      string         `json:"txid"`
	Hash      string         `json:"hash"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}
