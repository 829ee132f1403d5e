package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"debug", "INFO", "", "warning", "error"} {
		_, err := ParseLevel(name)
		assert.NoError(t, err, name)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestSetupWritesFileAndStderr(t *testing.T) {
	var stderr bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "prtrail.log")
	logger, closeFile, err := Setup(Options{File: file, Level: "info", Stderr: &stderr})
	require.NoError(t, err)

	logger.With("server", "public").Info("sync cycle finished", "pairs", 4)
	logger.Debug("hidden")
	require.NoError(t, closeFile())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "sync cycle finished")
	assert.Contains(t, string(data), "server=public")
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, stderr.String(), "pairs=4")
}

func TestQuietKeepsOnlyFile(t *testing.T) {
	var stderr bytes.Buffer
	file := filepath.Join(t.TempDir(), "prtrail.log")
	logger, closeFile, err := Setup(Options{File: file, Quiet: true, Stderr: &stderr})
	require.NoError(t, err)
	defer closeFile()

	logger.Warn("quota low")
	assert.Empty(t, stderr.String())
}
