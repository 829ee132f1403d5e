package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/prtrail/internal/api"
	"github.com/wesm/prtrail/internal/db"
	"github.com/wesm/prtrail/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv(EnvGithubToken, "")
	path := writeConfig(t, `
servers:
  - label: public
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, db.DriverCgo, cfg.Database.Driver)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "prtrail.db"), cfg.DatabasePath())
	assert.Equal(t, 2*time.Minute, cfg.RefreshPeriod)
	assert.Equal(t, 10*time.Minute, cfg.BackgroundRefreshPeriod)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 0.2, cfg.RateLimit.LowQuotaThreshold)
	assert.Equal(t, api.DefaultAPIPath, cfg.Servers[0].APIPath)
	assert.Empty(t, cfg.LogFile())

	policy, err := cfg.Settings.Policy()
	require.NoError(t, err)
	assert.Equal(t, models.DefaultSettings(), policy)
}

func TestLoadConfigSettings(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
  path: /var/lib/prtrail/state.db
log:
  level: debug
  file: logs/prtrail.log
refresh_period: 30s
background_refresh_period: 5m
settings:
  sort_method: title
  sort_descending: false
  merge_handling: keep_all
  close_handling: keep_none
  dont_keep_prs_merged_by_me: true
  assigned_pr_handling: move_to_mine
  display_policy: mine_and_participated
  new_repo_policy: hidden
  status_filter:
    mode: exclude
    terms: [coverage]
  hide_failing_prs: true
  comment_author_blacklist: [dependabot]
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/prtrail/state.db", cfg.DatabasePath())
	assert.Equal(t, filepath.Join(filepath.Dir(path), "logs", "prtrail.log"), cfg.LogFile())
	assert.Equal(t, 30*time.Second, cfg.RefreshPeriod)

	policy, err := cfg.Settings.Policy()
	require.NoError(t, err)
	assert.Equal(t, models.SortTitle, policy.SortMethod)
	assert.False(t, policy.SortDescending)
	assert.Equal(t, models.KeepAll, policy.MergeHandling)
	assert.Equal(t, models.KeepNone, policy.CloseHandling)
	assert.True(t, policy.DontKeepPRsMergedByMe)
	assert.Equal(t, models.AssignedMoveToMine, policy.AssignedHandling)
	assert.Equal(t, models.DisplayMineAndParticipated, policy.DisplayPolicy)
	assert.True(t, policy.HideNewRepos)
	assert.Equal(t, models.StatusFilter{Mode: models.StatusFilterExclude, Terms: []string{"coverage"}}, policy.StatusFilter)
	assert.True(t, policy.HideFailingPRs)
	assert.True(t, policy.Blacklisted("Dependabot"))

	assert.ErrorIs(t, cfg.RequireServers(), ErrNoServers)
}

func TestLoadConfigInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"duration":        "refresh_period: soon\n",
		"negative":        "request_timeout: -1s\n",
		"driver":          "database:\n  driver: postgres\n",
		"threshold":       "rate_limit:\n  low_quota_threshold: 1.5\n",
		"background":      "refresh_period: 10m\nbackground_refresh_period: 1m\n",
		"policy":          "settings:\n  merge_handling: keep_some\n",
		"new repo policy": "settings:\n  new_repo_policy: maybe\n",
		"label":           "servers:\n  - api_path: https://example.com\n",
		"duplicate":       "servers:\n  - label: a\n  - label: a\n",
		"repository":      "servers:\n  - label: a\n    repositories: [nope]\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestTokenResolution(t *testing.T) {
	t.Setenv(EnvGithubToken, "global")
	t.Setenv("GHE_TOKEN", "enterprise")
	path := writeConfig(t, `
servers:
  - label: public
  - label: enterprise
    api_path: https://ghe.example.com/api/v3
    token_env: GHE_TOKEN
  - label: pinned
    token: inline
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	endpoints := cfg.Endpoints()
	require.Len(t, endpoints, 3)
	assert.Equal(t, "global", endpoints[0].Token)
	assert.Equal(t, "enterprise", endpoints[1].Token)
	assert.Equal(t, "inline", endpoints[2].Token)

	srv, ok := cfg.Server("ENTERPRISE")
	require.True(t, ok)
	assert.True(t, srv.HasToken())
}

func TestSaveDoesNotPersistResolvedTokens(t *testing.T) {
	t.Setenv(EnvGithubToken, "secret")
	path := writeConfig(t, "servers:\n  - label: public\n    repositories: [acme/a]\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	cfg.Servers[0].Repositories = append(cfg.Servers[0].Repositories, "acme/b")
	require.NoError(t, SaveConfig(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")

	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/a", "acme/b"}, reloaded.Servers[0].Repositories)
	assert.Equal(t, cfg.RefreshPeriod, reloaded.RefreshPeriod)
}

func TestCreateDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	created, err := CreateDefaultConfig(path)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = CreateDefaultConfig(path)
	require.NoError(t, err)
	assert.False(t, created, "existing file is not overwritten")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "github", cfg.Servers[0].Label)
}
