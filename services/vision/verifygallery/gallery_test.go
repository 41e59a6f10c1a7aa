// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verifygallery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	badgerstore "github.com/matthewtpapa/vision/storage/badger"
)

func openTestDB(t *testing.T) *badgerstore.DB {
	t.Helper()
	db, err := badgerstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStore_LoadMiss(t *testing.T) {
	s := NewStore(openTestDB(t), nil)
	gallery, err := s.Load(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, gallery)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := NewStore(openTestDB(t), nil)
	ctx := context.Background()

	g := map[string][][]float32{
		"cat": {{1, 0, 0}, {0.9, 0.1, 0}},
		"dog": {{0, 1, 0}},
	}
	require.NoError(t, s.Save(ctx, "hash1", g))

	got, err := s.Load(ctx, "hash1")
	require.NoError(t, err)
	assert.Equal(t, g, got)
}

func TestGallery_ReferencesAndHasLabel(t *testing.T) {
	g := NewGallery(map[string][][]float32{"cat": {{1, 0, 0}}})
	assert.True(t, g.HasLabel("cat"))
	assert.False(t, g.HasLabel("dog"))
	assert.Len(t, g.References("cat"), 1)
	assert.Nil(t, g.References("dog"))
}

func TestGallery_NilVectorsTreatedAsEmpty(t *testing.T) {
	g := NewGallery(nil)
	assert.False(t, g.HasLabel("anything"))
	assert.Empty(t, g.Snapshot())
}
