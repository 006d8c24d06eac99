package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitWritesJSON(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "service.log")
	require.NoError(Init(path))
	Info("token allocated", "digest", "abcd", "count", 2)
	Debug("debug only")
	Cleanup()

	data, err := os.ReadFile(path)
	require.NoError(err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(lines, 2)

	var entry map[string]interface{}
	require.NoError(json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal("token allocated", entry["msg"])
	require.Equal("abcd", entry["digest"])
	require.Equal(float64(2), entry["count"])
}

func TestRotateLogTruncates(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "service.log")
	require.NoError(Init(path))
	Error("before rotation")
	require.NoError(RotateLog(path))
	Info("after rotation")
	Cleanup()

	data, err := os.ReadFile(path)
	require.NoError(err)
	require.NotContains(string(data), "before rotation")
	require.Contains(string(data), "after rotation")
}

func TestUninitializedIsSilent(t *testing.T) {
	Cleanup()
	Info("dropped")
	Zap().Info("dropped too")
}
