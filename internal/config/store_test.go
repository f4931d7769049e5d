package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(filepath.Join(dir, "config.ini"))
}

func TestStore_SetThenGet(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("tracker", "API_KEY", "sk-test"))

	v, ok := s.Get("tracker", "API_KEY")
	require.True(t, ok)
	assert.Equal(t, "sk-test", v)
}

func TestStore_GetMissingKeyReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.Get("tracker", "NOPE")
	assert.False(t, ok)
}

func TestStore_GetSection(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("tracker", "A", "1"))
	require.NoError(t, s.Set("tracker", "B", "2"))

	section := s.GetSection("tracker")
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, section)
}

func TestStore_ReplaceSectionOverwritesWholesale(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("triggered_limits", "stale", "yes"))
	require.NoError(t, s.ReplaceSection("triggered_limits", map[string]string{
		"payload":  "abc",
		"checksum": "def",
	}))

	section := s.GetSection("triggered_limits")
	assert.Equal(t, map[string]string{"payload": "abc", "checksum": "def"}, section)
}

func TestStore_MissingFileReadsAsEmpty(t *testing.T) {
	s := newTestStore(t)
	assert.Empty(t, s.GetSection("tracker"))
	_, ok := s.Get("tracker", "anything")
	assert.False(t, ok)
}

func TestStore_TolerantParse_DropsMalformedLinesAndMergesDuplicateSections(t *testing.T) {
	s := newTestStore(t)
	raw := "[tracker]\nAPI_KEY=sk-a\nmalformed-no-equals\n[tracker]\nAPI_BASE=https://example.com\n"
	require.NoError(t, os.WriteFile(s.Path(), []byte(raw), 0600))

	section := s.GetSection("tracker")
	assert.Equal(t, "sk-a", section["API_KEY"])
	assert.Equal(t, "https://example.com", section["API_BASE"])
}

func TestStore_WritesSurviveReload(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("tracker", "DELIVERY_TYPE", "IMMEDIATE"))

	reopened := NewStore(s.Path())
	v, ok := reopened.Get("tracker", "DELIVERY_TYPE")
	require.True(t, ok)
	assert.Equal(t, "IMMEDIATE", v)
}

func TestStore_ConcurrentSetsAreSerialized(t *testing.T) {
	s := newTestStore(t)
	const n = 20
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			errCh <- s.Set("tracker", "COUNTER", "x")
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errCh)
	}
	v, ok := s.Get("tracker", "COUNTER")
	require.True(t, ok)
	assert.Equal(t, "x", v)
}
