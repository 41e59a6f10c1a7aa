// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package labelbank implements the immutable, memory-mapped exemplar shard
// and its bounded top-k ANN lookup. The shard is built offline and opened
// read-only at startup; nothing in this package mutates shard state once
// open returns.
package labelbank

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/matthewtpapa/vision/services/vision/types"
)

const shardMagic uint32 = 0x4c424e4b // "LBNK"
const shardVersion uint32 = 1

// Pair is one (label, vector) input to build.
type Pair struct {
	Label  string
	Vector []float32
}

// Shard is an immutable, memory-mapped set of labeled exemplar vectors plus
// its calibration block. The matrix is row-major float32, dim columns wide.
type Shard struct {
	Dim   int
	Count int

	matrix  []float32 // len == Count*Dim, decoded from the mmap'd file when opened from disk
	labelID []int32   // len == Count, row -> label id
	dict    []string  // label id -> label string

	Calib      *types.CalibrationTable
	StructHash string
	Backend    string

	mmapData []byte // non-nil when backed by an mmap'd file; Close() unmaps it
}

// Close unmaps the shard's backing file, if any. A shard built in-memory via
// build has no backing file and Close is a no-op.
func (s *Shard) Close() error {
	if s.mmapData == nil {
		return nil
	}
	err := unix.Munmap(s.mmapData)
	s.mmapData = nil
	return err
}

// row returns the Dim-wide slice for matrix row i.
func (s *Shard) row(i int) []float32 {
	return s.matrix[i*s.Dim : (i+1)*s.Dim]
}

// build constructs a Shard in memory from a sequence of (label, vector)
// pairs and a calibration table computed over the same set (see
// calibration.go). Inputs must already be L2-normalized; build does not
// renormalize.
func build(pairs []Pair, dim int, calib *types.CalibrationTable, backend string) (*Shard, error) {
	if len(pairs) == 0 {
		return nil, &EmptyShardError{}
	}

	dictIdx := make(map[string]int32)
	dict := make([]string, 0)
	matrix := make([]float32, 0, len(pairs)*dim)
	labelID := make([]int32, 0, len(pairs))

	for _, p := range pairs {
		if len(p.Vector) != dim {
			return nil, &DimMismatchError{Query: len(p.Vector), Shard: dim}
		}
		id, ok := dictIdx[p.Label]
		if !ok {
			id = int32(len(dict))
			dictIdx[p.Label] = id
			dict = append(dict, p.Label)
		}
		matrix = append(matrix, p.Vector...)
		labelID = append(labelID, id)
	}

	s := &Shard{
		Dim:     dim,
		Count:   len(pairs),
		matrix:  matrix,
		labelID: labelID,
		dict:    dict,
		Calib:   calib,
		Backend: backend,
	}
	s.StructHash = computeStructHash(s)
	return s, nil
}

// computeStructHash derives a structural hash stable across machines and
// runs: it hashes dim, count, the sorted label dictionary, and the matrix
// bytes in row order, never pointer or map iteration order.
func computeStructHash(s *Shard) string {
	h := sha256.New()
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(s.Dim))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(s.Count))
	h.Write(hdr[:])

	sortedDict := append([]string(nil), s.dict...)
	sort.Strings(sortedDict)
	for _, l := range sortedDict {
		h.Write([]byte(l))
		h.Write([]byte{0})
	}

	buf := make([]byte, 4)
	for _, v := range s.matrix {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		h.Write(buf)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// save writes a Shard to path as: fixed header, struct hash, calibration
// JSON, label dictionary JSON, label-id table, then the raw float32 matrix —
// the matrix last, so open decodes it from the tail of the mapped file.
func (s *Shard) save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return &IOError{Path: path, Err: err}
	}
	defer f.Close()

	var buf bytes.Buffer
	writeU32(&buf, shardMagic)
	writeU32(&buf, shardVersion)
	writeU32(&buf, uint32(s.Dim))
	writeU32(&buf, uint32(s.Count))
	writeString(&buf, s.StructHash)
	writeString(&buf, s.Backend)

	calibJSON, err := json.Marshal(s.Calib)
	if err != nil {
		return fmt.Errorf("labelbank: marshal calibration: %w", err)
	}
	writeBytes(&buf, calibJSON)

	dictJSON, err := json.Marshal(s.dict)
	if err != nil {
		return fmt.Errorf("labelbank: marshal dict: %w", err)
	}
	writeBytes(&buf, dictJSON)

	for _, id := range s.labelID {
		writeU32(&buf, uint32(id))
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return &IOError{Path: path, Err: err}
	}

	matBuf := make([]byte, 4*len(s.matrix))
	for i, v := range s.matrix {
		binary.LittleEndian.PutUint32(matBuf[i*4:i*4+4], math.Float32bits(v))
	}
	if _, err := f.Write(matBuf); err != nil {
		return &IOError{Path: path, Err: err}
	}
	return nil
}

// open memory-maps path and validates dim, count, and struct_hash.
// expectedDim of 0 skips the dimension check (used by offline tooling that
// does not yet know the runtime embedder's output width).
func open(path string, expectedDim int) (*Shard, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}

	r := bytes.NewReader(data)
	magic, _ := readU32(r)
	if magic != shardMagic {
		unix.Munmap(data)
		return nil, &IOError{Path: path, Err: fmt.Errorf("bad magic %x", magic)}
	}
	_, _ = readU32(r) // version, reserved for future migrations
	dim, _ := readU32(r)
	count, _ := readU32(r)
	structHash, err := readString(r)
	if err != nil {
		unix.Munmap(data)
		return nil, &IOError{Path: path, Err: err}
	}
	backend, err := readString(r)
	if err != nil {
		unix.Munmap(data)
		return nil, &IOError{Path: path, Err: err}
	}

	if count == 0 {
		unix.Munmap(data)
		return nil, &EmptyShardError{}
	}
	if expectedDim != 0 && int(dim) != expectedDim {
		unix.Munmap(data)
		return nil, &DimMismatchError{Query: expectedDim, Shard: int(dim)}
	}

	calibJSON, err := readBytes(r)
	if err != nil {
		unix.Munmap(data)
		return nil, &IOError{Path: path, Err: err}
	}
	var calib types.CalibrationTable
	if err := json.Unmarshal(calibJSON, &calib); err != nil {
		unix.Munmap(data)
		return nil, &IOError{Path: path, Err: err}
	}

	dictJSON, err := readBytes(r)
	if err != nil {
		unix.Munmap(data)
		return nil, &IOError{Path: path, Err: err}
	}
	var dict []string
	if err := json.Unmarshal(dictJSON, &dict); err != nil {
		unix.Munmap(data)
		return nil, &IOError{Path: path, Err: err}
	}

	labelID := make([]int32, count)
	for i := range labelID {
		v, err := readU32(r)
		if err != nil {
			unix.Munmap(data)
			return nil, &IOError{Path: path, Err: err}
		}
		labelID[i] = int32(v)
	}

	matrixOff := len(data) - r.Len()
	matrixBytes := data[matrixOff:]
	expectedLen := int(count) * int(dim) * 4
	if len(matrixBytes) < expectedLen {
		unix.Munmap(data)
		return nil, &IOError{Path: path, Err: fmt.Errorf("truncated matrix: have %d want %d", len(matrixBytes), expectedLen)}
	}
	matrix := make([]float32, int(count)*int(dim))
	for i := range matrix {
		bits := binary.LittleEndian.Uint32(matrixBytes[i*4 : i*4+4])
		matrix[i] = math.Float32frombits(bits)
	}

	s := &Shard{
		Dim:        int(dim),
		Count:      int(count),
		matrix:     matrix,
		labelID:    labelID,
		dict:       dict,
		Calib:      &calib,
		StructHash: structHash,
		Backend:    backend,
		mmapData:   data,
	}

	gotHash := computeStructHash(s)
	if gotHash != structHash {
		unix.Munmap(data)
		return nil, &IOError{Path: path, Err: fmt.Errorf("struct_hash mismatch: file=%s computed=%s", structHash, gotHash)}
	}
	return s, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
