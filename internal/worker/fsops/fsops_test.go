package fsops

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_WriteThenExistsThenUnlink(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "note.txt")

	_, err := Dispatch("fs.writeFile", mustJSON(t, map[string]interface{}{
		"path": []string{dir, "note.txt"},
		"data": []byte("hello"),
	}))
	require.NoError(t, err)

	content, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	exists, err := Dispatch("fs.exists", mustJSON(t, map[string]interface{}{
		"path": []string{dir, "note.txt"},
	}))
	require.NoError(t, err)
	assert.Equal(t, true, exists)

	_, err = Dispatch("fs.unlink", mustJSON(t, map[string]interface{}{
		"path": []string{dir, "note.txt"},
	}))
	require.NoError(t, err)

	_, statErr := os.Stat(file)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDispatch_MkdirAndRename(t *testing.T) {
	dir := t.TempDir()

	_, err := Dispatch("fs.mkdir", mustJSON(t, map[string]interface{}{
		"path": []string{dir, "a", "b"},
	}))
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "a", "b"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = Dispatch("fs.rename", mustJSON(t, map[string]interface{}{
		"from": []string{dir, "a"},
		"to":   []string{dir, "c"},
	}))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "c", "b"))
	assert.NoError(t, err)
}

func TestDispatch_UnknownOp(t *testing.T) {
	_, err := Dispatch("fs.nonsense", mustJSON(t, map[string]interface{}{}))
	assert.Error(t, err)
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
