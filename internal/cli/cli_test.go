package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/prtrail/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func TestInitAndRepoAdd(t *testing.T) {
	t.Setenv(config.EnvGithubToken, "token")
	path := filepath.Join(t.TempDir(), "config.yaml")

	out, err := execute(t, "--config", path, "init")
	require.NoError(t, err)
	assert.Contains(t, out, path)

	out, err = execute(t, "--config", path, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")

	_, err = execute(t, "--config", path, "repo", "add", "golang/go")
	require.NoError(t, err)
	out, err = execute(t, "--config", path, "repo", "add", "Golang/Go")
	require.NoError(t, err)
	assert.Contains(t, out, "already watched")

	_, err = execute(t, "--config", path, "repo", "add", "not-a-repo")
	assert.Error(t, err)
	_, err = execute(t, "--config", path, "repo", "add", "a/b", "--server", "nope")
	assert.ErrorContains(t, err, "unknown server")

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"golang/go"}, cfg.Servers[0].Repositories)

	out, err = execute(t, "--config", path, "server", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "github")
	assert.Contains(t, out, "golang/go")
	assert.Contains(t, out, "set")
}

func TestMissingConfig(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "server", "list")
	assert.ErrorContains(t, err, "prtrail init")
}

func TestStatusOnEmptyStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: sqlite\nservers: []\n"), 0600))

	out, err := execute(t, "--config", path, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No servers configured")
	assert.Contains(t, out, "No pull requests")
	assert.FileExists(t, filepath.Join(dir, "prtrail.db"))

	_, err = execute(t, "--config", path, "sync")
	assert.ErrorIs(t, err, config.ErrNoServers)

	_, err = execute(t, "--config", path, "status", "--section", "bogus")
	assert.Error(t, err)
}
