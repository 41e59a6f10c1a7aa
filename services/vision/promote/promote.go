// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package promote

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/matthewtpapa/vision/services/vision/types"
)

// EmptyClassError reports a class with zero accepted entries. Non-fatal:
// the class is skipped and the rest of the run proceeds.
type EmptyClassError struct {
	Label string
}

func (e *EmptyClassError) Error() string { return "promote: empty class: " + e.Label }

// LedgerAcceptedEntry is the subset of a types.LedgerEntry the promoter
// needs, plus its ledger position for deterministic tie-breaking.
type LedgerAcceptedEntry struct {
	Label     string
	Embedding []float32
	Sequence  uint64
}

// Result is one class's promotion outcome.
type Result struct {
	Label       string
	Medoids     []types.Medoid
	Sequences   []uint64
	FileDigest  string
	MeanCosErr  float64
}

// PromoteClass runs the full herding + quantization pipeline for one class.
// entries must all share the same Label and need not be pre-sorted; they
// are sorted by Sequence ascending internally to make tie-breaking
// deterministic regardless of ledger scan order.
func PromoteClass(label string, entries []LedgerAcceptedEntry) (Result, error) {
	if len(entries) == 0 {
		return Result{}, &EmptyClassError{Label: label}
	}

	sorted := append([]LedgerAcceptedEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	vectors := make([][]float32, len(sorted))
	cands := make([]candidate, len(sorted))
	for i, e := range sorted {
		vectors[i] = e.Embedding
		cands[i] = candidate{vector: e.Embedding, sequence: e.Sequence}
	}

	mu := centroid(vectors)
	chosen := selectMedoids(mu, cands)

	medoids := make([]types.Medoid, len(chosen))
	sequences := make([]uint64, len(chosen))
	var totalCosErr float64

	for i, c := range chosen {
		payload, scale := quantizeInt8(c.vector)
		dq := dequantize(payload, scale)
		cosErr := 1 - cosine(c.vector, dq)
		totalCosErr += cosErr

		medoids[i] = types.Medoid{
			Label:   label,
			Ordinal: i + 1,
			Dim:     uint32(len(c.vector)),
			Scale:   scale,
			Zero:    0,
			Payload: payload,
		}
		sequences[i] = c.sequence
	}

	digest := digestMedoids(medoids)
	for i := range medoids {
		medoids[i].BuildDigest = digest
	}

	return Result{
		Label:      label,
		Medoids:    medoids,
		Sequences:  sequences,
		FileDigest: digest,
		MeanCosErr: totalCosErr / float64(len(chosen)),
	}, nil
}

// payloadDigest returns the 32-byte BLAKE2b digest of a single medoid's
// quantized payload, the integrity check appended to it on disk.
func payloadDigest(payload []int8) [32]byte {
	h, _ := blake2b.New256(nil)
	for _, b := range payload {
		h.Write([]byte{byte(b)})
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// digestMedoids computes an overall file digest over every medoid's
// payload digest, in ordinal order. This is the value recorded in the
// promotion ledger; each medoid's own on-disk integrity digest
// (payloadDigest) covers only its own payload.
func digestMedoids(medoids []types.Medoid) string {
	h, _ := blake2b.New256(nil)
	for _, m := range medoids {
		d := payloadDigest(m.Payload)
		h.Write(d[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// WriteMedoidFile atomically replaces the binary medoid file for label at
// dir via write-temp + rename. Each medoid is written back to back as
// {dim:u32, ordinal:u8, scale:f32, zero:i8, payload:i8[dim]} followed by
// its 32-byte BLAKE2b payload digest.
func WriteMedoidFile(dir, label string, medoids []types.Medoid) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("promote: mkdir %s: %w", dir, err)
	}
	final := filepath.Join(dir, label+".medoids.bin")
	tmp := final + ".tmp"

	var buf []byte
	for _, m := range medoids {
		buf = append(buf, encodeMedoid(m)...)
	}

	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("promote: write temp medoid file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("promote: rename medoid file: %w", err)
	}
	return nil
}

func encodeMedoid(m types.Medoid) []byte {
	buf := make([]byte, 4+1+4+1+len(m.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], m.Dim)
	buf[4] = byte(m.Ordinal)
	binary.LittleEndian.PutUint32(buf[5:9], math.Float32bits(m.Scale))
	buf[9] = byte(m.Zero)
	for i, q := range m.Payload {
		buf[10+i] = byte(q)
	}
	digest := payloadDigest(m.Payload)
	return append(buf, digest[:]...)
}

// ReadMedoidFile decodes every medoid record from path, verifying each
// one's appended payload digest. A digest mismatch is an IOError-class
// failure: the caller should treat the class's medoids as unusable rather
// than silently serving corrupted exemplars.
func ReadMedoidFile(path, label string) ([]types.Medoid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("promote: read %s: %w", path, err)
	}

	var medoids []types.Medoid
	for len(data) > 0 {
		if len(data) < 10 {
			return nil, fmt.Errorf("promote: truncated medoid header in %s", path)
		}
		dim := binary.LittleEndian.Uint32(data[0:4])
		ordinal := int(data[4])
		scale := math.Float32frombits(binary.LittleEndian.Uint32(data[5:9]))
		zero := int8(data[9])

		recordLen := 10 + int(dim) + 32
		if len(data) < recordLen {
			return nil, fmt.Errorf("promote: truncated medoid payload in %s", path)
		}
		payload := make([]int8, dim)
		for i := 0; i < int(dim); i++ {
			payload[i] = int8(data[10+i])
		}
		wantDigest := data[10+int(dim) : recordLen]
		gotDigest := payloadDigest(payload)
		if !bytesEqual(wantDigest, gotDigest[:]) {
			return nil, fmt.Errorf("promote: payload digest mismatch for %s ordinal %d", label, ordinal)
		}

		medoids = append(medoids, types.Medoid{
			Label:   label,
			Ordinal: ordinal,
			Dim:     dim,
			Scale:   scale,
			Zero:    zero,
			Payload: payload,
		})
		data = data[recordLen:]
	}
	return medoids, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// PromotionRecord is one line of the promotion_ledger: which class was
// promoted, from which ledger sequences, with what resulting file digest.
type PromotionRecord struct {
	Label      string   `json:"label"`
	Sequences  []uint64 `json:"sequences"`
	FileDigest string   `json:"file_digest"`
	Timestamp  int64    `json:"timestamp"`
}

// AppendPromotionLedger appends one PromotionRecord as a JSON line to path,
// flushing before return. The promotion ledger is not hash-chained like the
// Evidence Ledger — it is an audit trail of offline promoter runs, not a
// runtime-verified integrity chain.
func AppendPromotionLedger(path string, rec PromotionRecord) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("promote: open promotion ledger: %w", err)
	}
	defer f.Close()

	rec.Timestamp = time.Now().UnixMilli()
	w := bufio.NewWriter(f)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("promote: marshal promotion record: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}
