// Package ledger implements an append-only, hash-chained audit ledger
// stored as newline-delimited JSON.
//
// Every entry records the SHA-256 of its predecessor, so any mutation of
// a committed line is detectable via Verify. The chain is anchored at
// GenesisHash (64 hex zeros): the first entry (seq 0) has PrevHash equal
// to that constant rather than a computed value.
//
// Appends are crash-atomic: the updated ledger is composed in a temporary
// file in the same directory, flushed to stable storage, and renamed over
// the target path, so a partial line is never observable. One process owns
// appends; concurrent appends within that process are serialized by the
// Writer. Concurrent writers from multiple processes are not supported.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenesisHash anchors the chain. The first appended entry links to this
// constant instead of a predecessor.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single committed ledger record. Entries are immutable once
// written; Hash is a pure function of the canonicalized Payload bytes and
// PrevHash.
type Entry struct {
	Seq        uint64         `json:"seq"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload"`
	PrevHash   string         `json:"prev_hash"`
	Hash       string         `json:"hash"`
	Signature  string         `json:"signature,omitempty"`
	SigningKey string         `json:"signing_key,omitempty"`
}

// entryHash computes the hex SHA-256 of the canonical payload bytes
// concatenated with the raw (decoded) previous hash.
func entryHash(payload map[string]any, prevHash string) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	prevBytes, err := hex.DecodeString(prevHash)
	if err != nil {
		return "", fmt.Errorf("decode prev hash %q: %w", prevHash, err)
	}
	h := sha256.New()
	h.Write(canonical)
	h.Write(prevBytes)
	return hex.EncodeToString(h.Sum(nil)), nil
}
