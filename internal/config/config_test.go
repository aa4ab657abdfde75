package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
)

const minimalTargets = `
targets:
  - key: jzz
    description: 救助站名单
    table: rescue_stations
    fields:
      - field: name
        selector: h4.title
        required: true
        identity: true
      - field: address
        selector: 'li:has(label:contains("地址")) > p'
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harvester.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "storage:\n  backend: memory\n"+minimalTargets))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Run.CrawlWorkers)
	assert.Equal(t, 3, cfg.Run.StoreWorkers)
	assert.Equal(t, 200, cfg.Run.QueueCapacity)
	assert.Equal(t, 60*time.Second, cfg.Run.AttemptTimeout)
	assert.Equal(t, 3*time.Second, cfg.Crawler.PageDelay)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 1920, cfg.Browser.WindowWidth)
	assert.Equal(t, ScrollConfig{Step: 800, Pause: 3 * time.Second, MaxIterations: 5, StableChecks: 2}, cfg.Scroll)
	assert.Equal(t, crawler.RetryPolicy{MaxRetries: 3, BaseDelay: 5 * time.Second, MaxDelay: time.Minute, Jitter: 0.2}, cfg.RetryPolicy())
	assert.Equal(t, "none", cfg.Archive.Backend)
	assert.Equal(t, DefaultURLTemplate, cfg.Portal.URLTemplate)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `
run:
  crawl_workers: 6
  store_workers: 2
  queue_capacity: 12
  failure_tolerance: 2
  watchdog: 30m
retry:
  max_retries: 5
  base_delay: 100ms
  max_delay: 2s
  jitter: 0
storage:
  backend: postgres
  postgres:
    dsn: postgres://harvester@localhost/registry
    max_conns: 4
archive:
  backend: local
  dir: /tmp/pages
pubsub:
  enabled: true
  project_id: civic
  topic: changes
server:
  enabled: true
  addr: 127.0.0.1:9090
logging:
  development: false
  level: debug
`+minimalTargets))
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Run.CrawlWorkers)
	assert.Equal(t, int64(2), cfg.Run.FailureTolerance)
	assert.Equal(t, 30*time.Minute, cfg.Run.Watchdog)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, "postgres://harvester@localhost/registry", cfg.Storage.Postgres.DSN)
	assert.Equal(t, int32(4), cfg.Storage.Postgres.MaxConns)
	assert.Equal(t, "/tmp/pages", cfg.Archive.Dir)
	assert.True(t, cfg.PubSub.Enabled)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)
	assert.False(t, cfg.Logging.Development)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HARVESTER_RUN_CRAWL_WORKERS", "9")
	t.Setenv("HARVESTER_STORAGE_BACKEND", "memory")

	cfg, err := Load(writeConfig(t, minimalTargets))
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Run.CrawlWorkers)
	assert.Equal(t, "memory", cfg.Storage.Backend)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "storage:\n  backend: memory\nrun:\n  crawl_wrokers: 2\n"+minimalTargets))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crawl_wrokers")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() Config {
		cfg, err := Load(writeConfig(t, "storage:\n  backend: memory\n"+minimalTargets))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no targets", mutate: func(c *Config) { c.Targets = nil }, wantErr: "Config.Targets"},
		{name: "zero crawl workers", mutate: func(c *Config) { c.Run.CrawlWorkers = 0 }, wantErr: "CrawlWorkers"},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "mysql" }, wantErr: "Backend"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Backend = "postgres" }, wantErr: "storage.postgres.dsn"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Archive.Backend = "gcs" }, wantErr: "archive.bucket"},
		{name: "pubsub without project", mutate: func(c *Config) { c.PubSub.Enabled = true }, wantErr: "pubsub.project_id"},
		{name: "jitter above one", mutate: func(c *Config) { c.Retry.Jitter = 1.5 }, wantErr: "Jitter"},
		{name: "base above max", mutate: func(c *Config) { c.Retry.BaseDelay = time.Hour }, wantErr: "retry.base_delay"},
		{name: "bad field type", mutate: func(c *Config) { c.Targets[0].Fields[0].Type = "money" }, wantErr: "Type"},
		{name: "bad pagination", mutate: func(c *Config) { c.Targets[0].Pagination = "infinite" }, wantErr: "Pagination"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegistryAppliesPortalDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "storage:\n  backend: memory\n"+minimalTargets))
	require.NoError(t, err)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	jzz, err := reg.Get("jzz")
	require.NoError(t, err)

	assert.Equal(t, crawler.PaginationScrollToEnd, jzz.Pagination)
	assert.Equal(t, crawler.RenderBrowser, jzz.Render)
	assert.Equal(t, ".content", jzz.ContainerSelector)
	assert.Equal(t, ".dataItem", jzz.ItemSelector)
	assert.Equal(t, "https://mzj.sz.gov.cn/cn/isz/jzz/index.html", jzz.PageURL(0))
	require.Len(t, jzz.Fields, 2)
	assert.Equal(t, crawler.ExtractText, jzz.Fields[1].Method)
	assert.Equal(t, crawler.FieldString, jzz.Fields[1].Type)
	assert.Equal(t, []string{"name"}, jzz.IdentityFields())
}

func TestRegistryRejectsBadSelector(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "storage:\n  backend: memory\n"+minimalTargets))
	require.NoError(t, err)
	cfg.Targets[0].Fields[1].Selector = "li:has(("

	_, err = cfg.Registry()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address")
}

func TestRegistryRejectsDuplicateKeys(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "storage:\n  backend: memory\n"+minimalTargets))
	require.NoError(t, err)
	cfg.Targets = append(cfg.Targets, cfg.Targets[0])

	_, err = cfg.Registry()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate key")
}

func TestExampleConfigLoads(t *testing.T) {
	t.Setenv("HARVESTER_STORAGE_BACKEND", "memory")

	cfg, err := Load(filepath.Join("..", "..", "configs", "harvester.example.yaml"))
	require.NoError(t, err)
	reg, err := cfg.Registry()
	require.NoError(t, err)
	assert.Equal(t, 17, reg.Len())
	yljg, err := reg.Get("yljg")
	require.NoError(t, err)
	assert.Equal(t, "elderly_care_institutions", yljg.Table)
}
