package ledger

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Writer appends hash-chained entries to an NDJSON ledger file. It holds
// the chain head (hash of the most recently committed entry) in memory;
// the head is initialized from the file's last line at construction and
// advanced only after a successful atomic replace.
type Writer struct {
	mu      sync.Mutex
	path    string
	head    string
	nextSeq uint64
	signer  ed25519.PrivateKey
	logger  *zap.Logger
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithSigner enables Ed25519 signing: each appended line additionally
// carries a signature over the entry hash and the hex public key.
func WithSigner(key ed25519.PrivateKey) WriterOption {
	return func(w *Writer) {
		w.signer = key
	}
}

// NewWriter opens (or prepares to create) the ledger at path and reads its
// last line to recover the chain head and next sequence number. An empty or
// absent ledger starts at seq 0 with the genesis hash as head.
func NewWriter(path string, logger *zap.Logger, opts ...WriterOption) (*Writer, error) {
	w := &Writer{
		path:   path,
		head:   GenesisHash,
		logger: logger,
	}
	for _, opt := range opts {
		opt(w)
	}

	last, err := readLastLine(path)
	if err != nil {
		return nil, fmt.Errorf("read ledger head: %w", err)
	}
	if last != nil {
		var tail Entry
		if err := json.Unmarshal(last, &tail); err != nil {
			return nil, fmt.Errorf("parse ledger tail line: %w", err)
		}
		if tail.Hash == "" {
			return nil, errors.New("ledger tail line has no hash")
		}
		w.head = tail.Hash
		w.nextSeq = tail.Seq + 1
	}
	return w, nil
}

// Head returns the hash of the most recently committed entry, or
// GenesisHash when the ledger is empty.
func (w *Writer) Head() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.head
}

// NextSeq returns the sequence number the next appended entry will receive.
func (w *Writer) NextSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

// Append canonicalizes payload, chains it to the current head, and durably
// commits the new line. A crash at any point leaves the ledger either
// without the new entry or with it fully appended; the in-memory head
// advances only after the rename succeeds.
func (w *Writer) Append(payload map[string]any) (*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	hash, err := entryHash(payload, w.head)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		Seq:       w.nextSeq,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		PrevHash:  w.head,
		Hash:      hash,
	}
	if w.signer != nil {
		digest, err := hex.DecodeString(hash)
		if err != nil {
			return nil, fmt.Errorf("decode entry hash: %w", err)
		}
		entry.Signature = hex.EncodeToString(ed25519.Sign(w.signer, digest))
		entry.SigningKey = hex.EncodeToString(w.signer.Public().(ed25519.PublicKey))
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal ledger entry: %w", err)
	}

	if err := w.commit(line); err != nil {
		return nil, fmt.Errorf("commit ledger entry %d: %w", entry.Seq, err)
	}

	w.head = entry.Hash
	w.nextSeq++
	return entry, nil
}

// commit writes previous content plus the new line to a temp file in the
// ledger's directory, flushes it, and renames it over the target path.
// Renaming is the single visible state transition.
func (w *Writer) commit(line []byte) error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}

	existing, err := os.ReadFile(w.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read ledger: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".ledger-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	if len(existing) > 0 {
		if _, err := tmp.Write(existing); err != nil {
			tmp.Close()
			return fmt.Errorf("write existing content: %w", err)
		}
		if existing[len(existing)-1] != '\n' {
			if _, err := tmp.Write([]byte{'\n'}); err != nil {
				tmp.Close()
				return fmt.Errorf("write separator: %w", err)
			}
		}
	}
	if _, err := tmp.Write(append(line, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write entry line: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	tmpPath = ""

	if err := syncDir(dir); err != nil {
		// The entry is committed; a failed directory flush only delays
		// metadata durability.
		w.logger.Warn("ledger directory fsync failed", zap.Error(err))
	}
	return nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// readLastLine returns the last non-empty line of the file at path, or nil
// when the file is absent or empty.
func readLastLine(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	lines := bytes.Split(data, []byte{'\n'})
	for i := len(lines) - 1; i >= 0; i-- {
		if line := bytes.TrimSpace(lines[i]); len(line) > 0 {
			return line, nil
		}
	}
	return nil, nil
}
