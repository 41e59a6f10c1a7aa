// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger wraps an embedded BadgerDB instance with context-aware
// transaction helpers. It owns nothing about the data it stores — callers
// (the curated gallery store) define their own key layouts and encodings
// on top of WithTxn/WithReadTxn.
package badger

import (
	"context"
	"fmt"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// DB wraps a *badger.DB opened at a single on-disk path. The zero value is
// not usable; construct with Open.
type DB struct {
	inner *dgbadger.DB
}

// Open opens (creating if absent) a BadgerDB instance rooted at dir.
func Open(dir string) (*DB, error) {
	opts := dgbadger.DefaultOptions(dir).WithLogger(nil)
	inner, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage/badger: open %s: %w", dir, err)
	}
	return &DB{inner: inner}, nil
}

// Close releases the underlying BadgerDB handle.
func (db *DB) Close() error {
	return db.inner.Close()
}

// WithReadTxn runs fn inside a read-only BadgerDB transaction. Safe for
// concurrent use from multiple goroutines; BadgerDB transactions are
// per-call, not shared.
func (db *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.inner.View(fn)
}

// WithTxn runs fn inside a read-write BadgerDB transaction, committing on a
// nil return and rolling back otherwise.
func (db *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.inner.Update(fn)
}

// RunValueLogGC runs BadgerDB's value-log garbage collection once. Callers
// typically schedule this periodically; badger.ErrNoRewrite, which BadgerDB
// reports when there is nothing to reclaim, is returned as nil.
func (db *DB) RunValueLogGC(discardRatio float64) error {
	err := db.inner.RunValueLogGC(discardRatio)
	if err == dgbadger.ErrNoRewrite {
		return nil
	}
	return err
}
