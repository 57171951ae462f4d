package keystore

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	key := bytes.Repeat([]byte{1}, KeySize)

	_, ok, err := s.Load(ctx, "dev-a")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, s.Save(ctx, "dev-a", key[:16]), ErrInvalidKey)

	require.NoError(t, s.Save(ctx, "dev-b", key))
	require.NoError(t, s.Save(ctx, "dev-a", key))
	got, ok, err := s.Load(ctx, "dev-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key, got)

	rotated := bytes.Repeat([]byte{2}, KeySize)
	require.NoError(t, s.Save(ctx, "dev-a", rotated))
	got, _, _ = s.Load(ctx, "dev-a")
	assert.Equal(t, rotated, got)

	// ID 精确匹配，大小写不同视为不同设备
	_, ok, err = s.Load(ctx, "DEV-A")
	require.NoError(t, err)
	assert.False(t, ok)

	ids, err := s.DeviceIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-a", "dev-b"}, ids)

	require.NoError(t, s.Delete(ctx, "dev-a"))
	require.NoError(t, s.Delete(ctx, "missing"))
	ids, _ = s.DeviceIDs(ctx)
	assert.Equal(t, []string{"dev-b"}, ids)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreCopiesKeys(t *testing.T) {
	s := NewMemoryStore()
	key := bytes.Repeat([]byte{1}, KeySize)
	require.NoError(t, s.Save(context.Background(), "a", key))
	key[0] = 99
	got, _, _ := s.Load(context.Background(), "a")
	assert.Equal(t, byte(1), got[0])
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())

	// 重新打开后数据仍在
	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	ids, err := s.DeviceIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-b"}, ids)
}
