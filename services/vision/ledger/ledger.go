// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger implements the append-only, hash-chained Evidence Ledger:
// one JSON record per line, each linked to the previous by a SHA-256 digest
// of its canonical serialization. The Oracle worker is the Ledger's sole
// writer; appends are serialized by Ledger's own mutex.
package ledger

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/matthewtpapa/vision/services/vision/types"
)

// zeroHash is the 64-character all-zero prev_hash for the first record.
const zeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// CorruptError reports a broken hash chain. Fatal: the caller must abort
// before producing artifacts.
type CorruptError struct {
	Sequence uint64
	Want     string
	Got      string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("ledger: hash chain broken at sequence %d: want prev_hash=%s got=%s", e.Sequence, e.Want, e.Got)
}

// Ledger is an append-only, hash-chained JSONL file. It is safe for
// concurrent Append calls; in practice only the Oracle worker goroutine
// ever calls Append, per its single-writer discipline.
type Ledger struct {
	mu       sync.Mutex
	f        *os.File
	w        *bufio.Writer
	lastHash string
	seq      uint64
	size     int64
}

// Open opens path for appending, creating it if absent. If the file has
// existing content, its hash chain is verified and the Ledger resumes from
// the last valid sequence and hash; a broken chain is a fatal CorruptError.
func Open(path string) (*Ledger, error) {
	entries, lastHash, err := loadAndVerify(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ledger: stat %s: %w", path, err)
	}

	return &Ledger{
		f:        f,
		w:        bufio.NewWriter(f),
		lastHash: lastHash,
		seq:      uint64(len(entries)),
		size:     info.Size(),
	}, nil
}

// Close flushes and closes the underlying file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Close()
}

// Append writes one entry, durable after return: the write is flushed and
// fsync'd before Append returns success. No partial
// LedgerEntry is ever written — the line is built fully in memory first.
func (l *Ledger) Append(label string, embedding []float32, accepted bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := types.LedgerEntry{
		Label:     label,
		Embedding: embedding,
		Accepted:  accepted,
		Timestamp: time.Now().UnixMilli(),
		Sequence:  l.seq,
		PrevHash:  l.lastHash,
	}

	line, err := canonicalize(entry)
	if err != nil {
		return fmt.Errorf("ledger: marshal entry: %w", err)
	}

	if _, err := l.w.Write(line); err != nil {
		return fmt.Errorf("ledger: write entry: %w", err)
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("ledger: write newline: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("ledger: flush: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("ledger: fsync: %w", err)
	}

	l.lastHash = hashOf(line)
	l.seq++
	l.size += int64(len(line)) + 1
	return nil
}

// Size reports the current on-disk size in bytes, as tracked by Open and
// Append; it is a thin accessor, not a recomputation.
func (l *Ledger) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Len reports the number of entries appended so far (including before this
// process opened the file).
func (l *Ledger) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// canonicalize produces the exact bytes hashed into the next record's
// prev_hash. types.LedgerEntry's field order is fixed, so json.Marshal is
// already canonical here; there is no map with nondeterministic key order
// in the struct.
func canonicalize(entry types.LedgerEntry) ([]byte, error) {
	return json.Marshal(entry)
}

func hashOf(line []byte) string {
	sum := sha256.Sum256(line)
	return hex.EncodeToString(sum[:])
}

// loadAndVerify reads every existing record in path (if any), verifying
// that each record's prev_hash matches the hash of the previous record's
// canonical bytes. A mismatch is a fatal CorruptError.
func loadAndVerify(path string) ([]types.LedgerEntry, string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, zeroHash, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("ledger: open %s: %w", path, err)
	}
	defer f.Close()

	var entries []types.LedgerEntry
	lastHash := zeroHash

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var seq uint64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry types.LedgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, "", fmt.Errorf("ledger: decode record %d: %w", seq, err)
		}
		if entry.PrevHash != lastHash {
			return nil, "", &CorruptError{Sequence: seq, Want: lastHash, Got: entry.PrevHash}
		}
		lineCopy := append([]byte(nil), line...)
		lastHash = hashOf(lineCopy)
		entries = append(entries, entry)
		seq++
	}
	if err := scanner.Err(); err != nil {
		return nil, "", fmt.Errorf("ledger: scan %s: %w", path, err)
	}
	return entries, lastHash, nil
}

// Load reads and verifies the full ledger at path without opening it for
// further appends — used by offline tooling (ledger-dump, the KB promoter)
// that only needs to read accepted entries.
func Load(path string) ([]types.LedgerEntry, error) {
	entries, _, err := loadAndVerify(path)
	return entries, err
}

// LoadWithHead is Load plus the chain head: the hash of the final record's
// canonical bytes, i.e. the prev_hash the next appended entry would carry.
// An empty ledger's head is the all-zero hash.
func LoadWithHead(path string) ([]types.LedgerEntry, string, error) {
	return loadAndVerify(path)
}
