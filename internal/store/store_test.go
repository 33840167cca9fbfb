package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreWritesManifestInAppendOrder(t *testing.T) {
	out := t.TempDir()
	st, err := New(out, "red pandas", "tab1", "https://example.com")
	require.NoError(t, err)
	require.DirExists(t, st.Dir())

	st.Append(RecordEntry{Index: 0, Status: "ok", Success: true, PageURL: "https://a"})
	st.Append(RecordEntry{Index: 1, Status: "ok", Success: false})
	require.NoError(t, st.Flush(false))

	data, err := os.ReadFile(filepath.Join(st.Dir(), "manifest.json"))
	require.NoError(t, err)

	var m Manifest
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "red pandas", m.Query)
	assert.Equal(t, "tab1", m.TargetID)
	assert.NotEmpty(t, m.RunID)
	assert.False(t, m.Success)
	require.Len(t, m.Records, 2)
	assert.Equal(t, 0, m.Records[0].Index)
	assert.Equal(t, 1, m.Records[1].Index)
	assert.False(t, m.FinishedAt.Before(m.StartedAt))
}

func TestNewCreatesDistinctRunDirs(t *testing.T) {
	out := t.TempDir()
	a, err := New(out, "q", "", "")
	require.NoError(t, err)
	b, err := New(out, "q", "", "")
	require.NoError(t, err)
	assert.NotEqual(t, a.Dir(), b.Dir())
}
