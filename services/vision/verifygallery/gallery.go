// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verifygallery holds the curated gallery Verify compares candidate
// embeddings against: label -> set of trusted reference vectors, entirely
// independent of the LabelBank shard. It persists to an
// embedded BadgerDB instance so the gallery survives process restarts
// without a network dependency, keyed by corpus hash so a stale build is
// never read as current.
package verifygallery

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	dgbadger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/matthewtpapa/vision/storage/badger"
)

const galleryKeyPrefix = "verifygallery/v1/"

var errGalleryMiss = errors.New("verifygallery: miss")

// Store persists and loads the curated gallery, keyed by a corpus hash so a
// rebuilt gallery (different label set or reference vectors) never
// silently reads stale entries from a prior build.
type Store struct {
	db     *badgerstore.DB
	logger *slog.Logger
}

// NewStore wraps an already-opened BadgerDB handle. The caller owns the
// DB's lifecycle; Store does not close it.
func NewStore(db *badgerstore.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

func galleryKey(corpusHash string) []byte {
	return []byte(galleryKeyPrefix + corpusHash)
}

// Load retrieves the gallery for corpusHash. Returns (nil, nil) on miss.
func (s *Store) Load(ctx context.Context, corpusHash string) (map[string][][]float32, error) {
	var raw []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(galleryKey(corpusHash))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return errGalleryMiss
		}
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, errGalleryMiss) {
		s.logger.Debug("verifygallery: miss", "hash", corpusHash)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("verifygallery: load: %w", err)
	}

	gallery, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("verifygallery: decode: %w", err)
	}
	return gallery, nil
}

// Save persists the gallery under corpusHash with no TTL: the curated
// gallery is not safe to silently expire. Only an explicit rebuild should
// replace it.
func (s *Store) Save(ctx context.Context, corpusHash string, gallery map[string][][]float32) error {
	raw, err := encode(gallery)
	if err != nil {
		return fmt.Errorf("verifygallery: encode: %w", err)
	}
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(galleryKey(corpusHash), raw)
	})
}

func encode(g map[string][][]float32) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(g); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(raw []byte) (map[string][][]float32, error) {
	var g map[string][][]float32
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&g); err != nil {
		return nil, err
	}
	return g, nil
}

// Gallery is the in-memory, read-only view Verify queries against. It is
// populated once at startup from Store.Load (or built fresh offline) and
// has no mutating methods, so neither the hot loop nor the Oracle worker
// changes it.
type Gallery struct {
	mu      sync.RWMutex
	vectors map[string][][]float32
}

// NewGallery wraps a loaded vector map. A nil map is treated as empty.
func NewGallery(vectors map[string][][]float32) *Gallery {
	if vectors == nil {
		vectors = make(map[string][][]float32)
	}
	return &Gallery{vectors: vectors}
}

// References returns the reference vectors for label, or nil if the label
// is not in the gallery.
func (g *Gallery) References(label string) [][]float32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.vectors[label]
}

// HasLabel reports whether label has any curated reference vectors.
func (g *Gallery) HasLabel(label string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.vectors[label]) > 0
}

// Snapshot returns a shallow copy of the full label -> vectors map, for
// serialization by offline tooling.
func (g *Gallery) Snapshot() map[string][][]float32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string][][]float32, len(g.vectors))
	for k, v := range g.vectors {
		out[k] = v
	}
	return out
}
