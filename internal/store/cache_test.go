package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/wire"
)

func TestCache_SaveAndLoad(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	src := cache.NewMemory()
	require.NoError(t, src.Set(ctx, cache.MustQueryKey("todos:list", nil), wire.Array{wire.String("milk")}))
	require.NoError(t, src.Set(ctx, cache.MustQueryKey("todos:get", map[string]any{"id": int64(7)}), wire.Object{
		"id":    wire.Int64(7),
		"blob":  wire.Bytes{0x01, 0x02},
		"score": wire.Float64(0.5),
	}))

	n, err := s.SaveCache(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dst := cache.NewMemory()
	n, err = s.LoadCache(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	want, err := src.Entries(ctx)
	require.NoError(t, err)
	got, err := dst.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for k, v := range want {
		assert.True(t, wire.Equal(v, got[k]), "key %s", k)
	}
}

func TestCache_SaveReplaces(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first := cache.NewMemory()
	require.NoError(t, first.Set(ctx, "a:{}", wire.Int64(1)))
	require.NoError(t, first.Set(ctx, "b:{}", wire.Int64(2)))
	_, err := s.SaveCache(ctx, first)
	require.NoError(t, err)

	second := cache.NewMemory()
	require.NoError(t, second.Set(ctx, "c:{}", wire.Int64(3)))
	_, err = s.SaveCache(ctx, second)
	require.NoError(t, err)

	dst := cache.NewMemory()
	_, err = s.LoadCache(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, 1, dst.Len())
	v, ok := dst.Lookup("c:{}")
	require.True(t, ok)
	assert.Equal(t, wire.Int64(3), v)
}

func TestCache_LoadSkipsCorruptRows(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.db.Exec(`INSERT INTO cache_entries (key, value) VALUES ('good:{}', '1'), ('bad:{}', '{not json')`)
	require.NoError(t, err)

	dst := cache.NewMemory()
	n, err := s.LoadCache(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := dst.Lookup("bad:{}")
	assert.False(t, ok)
}
