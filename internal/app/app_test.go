package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/civic-registry-crawler/internal/config"
	"github.com/JakeFAU/civic-registry-crawler/internal/coordinator"
	"github.com/JakeFAU/civic-registry-crawler/internal/storage/memory"
	"github.com/JakeFAU/civic-registry-crawler/internal/store"
)

// portal serves two listing pages per target key.
func portal(t *testing.T) *httptest.Server {
	t.Helper()
	pages := map[string]string{
		"/yljg/list_1.html": listing("福田区福利中心", "南山区社会福利中心"),
		"/yljg/list_2.html": listing("罗湖区福利中心", "宝安区福利中心"),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func listing(names ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div class="content">`)
	for _, n := range names {
		fmt.Fprintf(&b, `<div class="dataItem"><h4 class="title">%s</h4><ul><li><label>地址</label><p>深圳市%s路1号</p></li></ul></div>`, n, n)
	}
	b.WriteString(`</div></body></html>`)
	return b.String()
}

func loadConfig(t *testing.T, base, extra string) config.Config {
	t.Helper()
	body := fmt.Sprintf(`
crawler:
  page_delay: 0s
  page_jitter: 0s
retry:
  max_retries: 1
  base_delay: 1ms
  max_delay: 5ms
storage:
  backend: memory
%s
targets:
  - key: yljg
    description: 养老机构名单
    table: elderly_care_institutions
    url_template: %s/{point}/list_{page}.html
    pagination: finite-page
    render: static
    max_pages: 2
    fields:
      - field: name
        selector: h4.title
        required: true
        identity: true
      - field: address
        selector: li > p
`, extra, base)
	path := filepath.Join(t.TempDir(), "harvester.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

type sequentialIDs struct{ n atomic.Int32 }

func (s *sequentialIDs) NewID() (string, error) {
	return fmt.Sprintf("run-%d", s.n.Add(1)), nil
}

func newApp(t *testing.T, cfg config.Config, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithIDGenerator(&sequentialIDs{})}, opts...)
	a, err := New(context.Background(), cfg, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a
}

func TestHarvestEndToEnd(t *testing.T) {
	t.Parallel()

	srv := portal(t)
	a := newApp(t, loadConfig(t, srv.URL, "archive:\n  backend: memory\n"))
	ctx := context.Background()

	report, err := a.Harvest(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.ExitCode)
	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, int64(2), report.Totals.PagesFetched)
	assert.Equal(t, int64(4), report.Totals.Inserted)

	rows := a.Records().(*memory.RecordStore).Rows("elderly_care_institutions")
	require.Len(t, rows, 4)

	run, err := a.Runs().GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, run.Status)
	targets, err := a.Runs().ListRunTargets(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, int64(2), targets[0].Pages)
	assert.Equal(t, int64(4), targets[0].Inserted)

	again, err := a.Harvest(ctx, []string{"yljg"})
	require.NoError(t, err)
	assert.Equal(t, "run-2", again.RunID)
	assert.Equal(t, int64(0), again.Totals.Inserted)
	assert.Equal(t, int64(4), again.Totals.Unchanged)
}

func TestHarvestUnknownTargetIsStartupError(t *testing.T) {
	t.Parallel()

	a := newApp(t, loadConfig(t, "http://127.0.0.1:1", ""))
	_, err := a.Harvest(context.Background(), []string{"nope"})
	require.ErrorIs(t, err, coordinator.ErrStartup)
}

func TestHarvestServesAdminAPI(t *testing.T) {
	t.Parallel()

	srv := portal(t)
	a := newApp(t, loadConfig(t, srv.URL, "server:\n  enabled: true\n  addr: 127.0.0.1:0\n"))

	_, err := a.Harvest(context.Background(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, a.ServerAddr())

	resp, err := http.Get("http://" + a.ServerAddr() + "/v1/runs/run-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metrics, err := http.Get("http://" + a.ServerAddr() + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestDryRunKeepsWritesInMemory(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, "http://127.0.0.1:1", "")
	cfg.Storage.Backend = "postgres"
	cfg.Storage.Postgres.DSN = "postgres://harvester@127.0.0.1:1/registry"
	cfg.PubSub.Enabled = true

	a := newApp(t, cfg, WithDryRun())
	assert.IsType(t, &memory.RecordStore{}, a.Records())
	assert.Nil(t, a.publisher)
	assert.Nil(t, a.archive)
}

func TestUnreachablePostgresIsStartupError(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, "http://127.0.0.1:1", "")
	cfg.Storage.Backend = "postgres"
	cfg.Storage.Postgres.DSN = "postgres://harvester@127.0.0.1:1/registry?sslmode=disable"
	cfg.Storage.Postgres.ConnectTimeout = time.Second

	_, err := New(context.Background(), cfg, nil)
	require.ErrorIs(t, err, coordinator.ErrStartup)
}

func TestJitterRatio(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 5.0/3.0, jitterRatio(3*time.Second, 5*time.Second), 1e-9)
	assert.Zero(t, jitterRatio(0, time.Second))
	assert.Zero(t, jitterRatio(time.Second, 0))
}

func TestRespectRobotsFailsDisallowedTarget(t *testing.T) {
	t.Parallel()

	var listings atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nDisallow: /yljg/\n")
			return
		}
		listings.Add(1)
		fmt.Fprint(w, listing("福田区福利中心"))
	}))
	t.Cleanup(srv.Close)

	cfg := loadConfig(t, srv.URL, "")
	cfg.Crawler.RespectRobots = true
	a := newApp(t, cfg)
	report, err := a.Harvest(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExitCode)
	assert.Equal(t, []string{"yljg"}, report.FailingTargets)
	assert.Zero(t, listings.Load())
}

func TestPubSubOptions(t *testing.T) {
	t.Parallel()

	assert.Empty(t, pubsubOptions(config.PubSubConfig{}))
	assert.Len(t, pubsubOptions(config.PubSubConfig{CredentialsFile: "/etc/harvester/sa.json"}), 1)
	assert.Len(t, pubsubOptions(config.PubSubConfig{Endpoint: "127.0.0.1:8085", CredentialsFile: "ignored.json"}), 3)
}
