// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Query-farm/vgi-perspective/psprpc"
	"github.com/Query-farm/vgi-perspective/psprpc/memengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path, Options{NoSync: true})
	require.NoError(t, err)
	return s, path
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	s, path := openTemp(t)

	eng := memengine.New()
	index, limit := "sym", uint32(5)
	require.NoError(t, eng.MakeTable(ctx, "quotes", psprpc.FromCSV("sym,px,day\nabc,1.5,2024-01-02\nxyz,,2024-03-04\n"), psprpc.MakeTableOptions{Index: &index}))
	require.NoError(t, eng.MakeTable(ctx, "empty", psprpc.FromSchema(psprpc.Schema{{Name: "n", Type: psprpc.TypeInteger}}), psprpc.MakeTableOptions{Limit: &limit}))
	require.NoError(t, s.Save(ctx, eng))
	require.NoError(t, s.Close())

	s, err := Open(path, Options{NoSync: true})
	require.NoError(t, err)
	defer s.Close()
	_, ok, err := s.SavedAt()
	require.NoError(t, err)
	assert.True(t, ok)

	restored := memengine.New()
	n, err := s.Load(ctx, restored)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	want, err := eng.GetHostedTables(ctx)
	require.NoError(t, err)
	got, err := restored.GetHostedTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	for _, name := range []string{"quotes", "empty"} {
		wantSchema, err := eng.TableSchema(ctx, name)
		require.NoError(t, err)
		gotSchema, err := restored.TableSchema(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, wantSchema, gotSchema, name)
	}
	size, err := restored.TableSize(ctx, "quotes")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), size)

	// Upserts still key on the restored index.
	require.NoError(t, restored.TableUpdate(ctx, "quotes", psprpc.FromRows(`[{"sym": "abc", "px": 2}]`), 0))
	size, err = restored.TableSize(ctx, "quotes")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), size)
}

func TestSaveReplacesPreviousTables(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)
	defer s.Close()

	eng := memengine.New()
	require.NoError(t, eng.MakeTable(ctx, "a", psprpc.FromCSV("x\n1\n"), psprpc.MakeTableOptions{}))
	require.NoError(t, s.Save(ctx, eng))
	require.NoError(t, eng.TableDelete(ctx, "a"))
	require.NoError(t, eng.MakeTable(ctx, "b", psprpc.FromCSV("x\n2\n"), psprpc.MakeTableOptions{}))
	require.NoError(t, s.Save(ctx, eng))

	restored := memengine.New()
	n, err := s.Load(ctx, restored)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = restored.TableSize(ctx, "a")
	assert.Error(t, err)
}

func TestLoadFreshFile(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()
	_, ok, err := s.SavedAt()
	require.NoError(t, err)
	assert.False(t, ok)
	n, err := s.Load(context.Background(), memengine.New())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoadConflict(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)
	defer s.Close()
	eng := memengine.New()
	require.NoError(t, eng.MakeTable(ctx, "a", psprpc.FromCSV("x\n1\n"), psprpc.MakeTableOptions{}))
	require.NoError(t, s.Save(ctx, eng))
	_, err := s.Load(ctx, eng)
	assert.ErrorContains(t, err, "already exists")
}
