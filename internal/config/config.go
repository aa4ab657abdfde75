// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
	"github.com/JakeFAU/civic-registry-crawler/internal/parser"
)

// EnvPrefix prefixes every environment override, e.g. HARVESTER_STORAGE_POSTGRES_DSN.
const EnvPrefix = "HARVESTER"

// DefaultURLTemplate is the listing URL used by targets that do not set one.
const DefaultURLTemplate = "https://mzj.sz.gov.cn/cn/isz/{point}/index.html"

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Run     RunConfig      `mapstructure:"run"`
	Crawler CrawlerConfig  `mapstructure:"crawler"`
	Browser BrowserConfig  `mapstructure:"browser"`
	Scroll  ScrollConfig   `mapstructure:"scroll"`
	Retry   RetryConfig    `mapstructure:"retry"`
	Storage StorageConfig  `mapstructure:"storage"`
	Archive ArchiveConfig  `mapstructure:"archive"`
	PubSub  PubSubConfig   `mapstructure:"pubsub"`
	Events  EventsConfig   `mapstructure:"events"`
	Server  ServerConfig   `mapstructure:"server"`
	Logging LoggingConfig  `mapstructure:"logging"`
	Portal  PortalConfig   `mapstructure:"portal"`
	Targets []TargetConfig `mapstructure:"targets" validate:"required,min=1,dive"`
}

// RunConfig sizes the pools and bounds a run.
type RunConfig struct {
	CrawlWorkers       int           `mapstructure:"crawl_workers" validate:"min=1"`
	StoreWorkers       int           `mapstructure:"store_workers" validate:"min=1"`
	QueueCapacity      int           `mapstructure:"queue_capacity" validate:"min=1"`
	FailureTolerance   int64         `mapstructure:"failure_tolerance" validate:"min=0"`
	AttemptTimeout     time.Duration `mapstructure:"attempt_timeout" validate:"min=0"`
	Watchdog           time.Duration `mapstructure:"watchdog" validate:"min=0"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`
	MaxConflictRetries int           `mapstructure:"max_conflict_retries" validate:"min=0"`
}

// CrawlerConfig governs pacing and the static HTTP fetcher.
type CrawlerConfig struct {
	PageDelay     time.Duration     `mapstructure:"page_delay" validate:"min=0"`
	PageJitter    time.Duration     `mapstructure:"page_jitter" validate:"min=0"`
	UserAgents    []string          `mapstructure:"user_agents"`
	StaticTimeout time.Duration     `mapstructure:"static_timeout" validate:"min=0"`
	Headers       map[string]string `mapstructure:"headers"`
	// RespectRobots refuses targets whose listing URL robots.txt disallows.
	RespectRobots bool   `mapstructure:"respect_robots"`
	RobotsAgent   string `mapstructure:"robots_agent"`
}

// BrowserConfig configures the headless Chrome sessions.
type BrowserConfig struct {
	ExecPath           string        `mapstructure:"exec_path"`
	Headless           bool          `mapstructure:"headless"`
	DisableGPU         bool          `mapstructure:"disable_gpu"`
	DisableImages      bool          `mapstructure:"disable_images"`
	DisableExtensions  bool          `mapstructure:"disable_extensions"`
	NoSandbox          bool          `mapstructure:"no_sandbox"`
	DisableDevShmUsage bool          `mapstructure:"disable_dev_shm_usage"`
	WindowWidth        int           `mapstructure:"window_width" validate:"min=0"`
	WindowHeight       int           `mapstructure:"window_height" validate:"min=0"`
	ReadyTimeout       time.Duration `mapstructure:"ready_timeout" validate:"min=0"`
}

// ScrollConfig tunes the scroll-to-end loop.
type ScrollConfig struct {
	Step          int           `mapstructure:"step" validate:"min=1"`
	Pause         time.Duration `mapstructure:"pause" validate:"min=0"`
	MaxIterations int           `mapstructure:"max_iterations" validate:"min=1"`
	StableChecks  int           `mapstructure:"stable_checks" validate:"min=1"`
}

// RetryConfig is the backoff policy for transient fetch failures.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries" validate:"min=0"`
	BaseDelay  time.Duration `mapstructure:"base_delay" validate:"min=0"`
	MaxDelay   time.Duration `mapstructure:"max_delay" validate:"min=0"`
	Jitter     float64       `mapstructure:"jitter" validate:"min=0,max=1"`
}

// StorageConfig selects the record store backend.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend" validate:"oneof=postgres embedded memory"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Embedded EmbeddedConfig `mapstructure:"embedded"`
}

// PostgresConfig controls the pgx pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns" validate:"min=0"`
	MinConns        int32         `mapstructure:"min_conns" validate:"min=0"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// EmbeddedConfig locates the badger database.
type EmbeddedConfig struct {
	Dir      string `mapstructure:"dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

// ArchiveConfig selects where raw listing pages are archived.
type ArchiveConfig struct {
	Backend         string `mapstructure:"backend" validate:"oneof=none local gcs memory"`
	Dir             string `mapstructure:"dir"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// PubSubConfig holds change notification settings.
type PubSubConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	ProjectID       string `mapstructure:"project_id"`
	Topic           string `mapstructure:"topic"`
	CredentialsFile string `mapstructure:"credentials_file"`
	// Endpoint points the client at an emulator, e.g. localhost:8085.
	Endpoint string `mapstructure:"endpoint"`
}

// EventsConfig tunes the progress hub.
type EventsConfig struct {
	BufferSize     int           `mapstructure:"buffer_size" validate:"min=0"`
	MaxBatchEvents int           `mapstructure:"max_batch_events" validate:"min=0"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait" validate:"min=0"`
}

// ServerConfig controls the admin HTTP server that runs alongside a crawl.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	// APIKey, when set, is required on every /v1 request.
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=0"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

// PortalConfig holds defaults shared by every target.
type PortalConfig struct {
	URLTemplate       string `mapstructure:"url_template"`
	ContainerSelector string `mapstructure:"container_selector"`
	ItemSelector      string `mapstructure:"item_selector"`
}

// TargetConfig is one registry entry as written in the config file.
type TargetConfig struct {
	Key               string        `mapstructure:"key" validate:"required"`
	Description       string        `mapstructure:"description"`
	Table             string        `mapstructure:"table" validate:"required"`
	URLTemplate       string        `mapstructure:"url_template"`
	Pagination        string        `mapstructure:"pagination" validate:"omitempty,oneof=finite-page scroll-to-end"`
	Render            string        `mapstructure:"render" validate:"omitempty,oneof=browser static"`
	FirstPage         int           `mapstructure:"first_page" validate:"min=0"`
	MaxPages          int           `mapstructure:"max_pages" validate:"min=0"`
	ContainerSelector string        `mapstructure:"container_selector"`
	ItemSelector      string        `mapstructure:"item_selector"`
	LastPageSelector  string        `mapstructure:"last_page_selector"`
	Fields            []FieldConfig `mapstructure:"fields" validate:"required,min=1,dive"`
}

// FieldConfig maps one listing element to a column.
type FieldConfig struct {
	Field    string `mapstructure:"field" validate:"required"`
	Selector string `mapstructure:"selector" validate:"required"`
	Method   string `mapstructure:"method"`
	Type     string `mapstructure:"type" validate:"omitempty,oneof=string int date phone url"`
	Required bool   `mapstructure:"required"`
	Identity bool   `mapstructure:"identity"`
}

// Load builds a Config from disk/environment. Unknown keys are rejected.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.crawl_workers", 3)
	v.SetDefault("run.store_workers", 3)
	v.SetDefault("run.queue_capacity", 200)
	v.SetDefault("run.failure_tolerance", 0)
	v.SetDefault("run.attempt_timeout", "60s")
	v.SetDefault("run.watchdog", "0s")
	v.SetDefault("run.shutdown_timeout", "10s")
	v.SetDefault("run.max_conflict_retries", 3)
	v.SetDefault("crawler.page_delay", "3s")
	v.SetDefault("crawler.page_jitter", "5s")
	v.SetDefault("crawler.static_timeout", "15s")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.robots_agent", "*")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_gpu", true)
	v.SetDefault("browser.disable_images", true)
	v.SetDefault("browser.disable_extensions", true)
	v.SetDefault("browser.no_sandbox", true)
	v.SetDefault("browser.disable_dev_shm_usage", true)
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("browser.ready_timeout", "20s")
	v.SetDefault("scroll.step", 800)
	v.SetDefault("scroll.pause", "3s")
	v.SetDefault("scroll.max_iterations", 5)
	v.SetDefault("scroll.stable_checks", 2)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", "5s")
	v.SetDefault("retry.max_delay", "60s")
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("storage.backend", "postgres")
	v.SetDefault("storage.postgres.max_conns", 8)
	v.SetDefault("storage.postgres.connect_timeout", "10s")
	v.SetDefault("storage.embedded.dir", "data/harvester")
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.dir", "data/pages")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.credentials_file", "")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.topic", "registry-changes")
	v.SetDefault("pubsub.credentials_file", "")
	v.SetDefault("pubsub.endpoint", "")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("portal.url_template", DefaultURLTemplate)
	v.SetDefault("portal.container_selector", ".content")
	v.SetDefault("portal.item_selector", ".dataItem")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate enforces struct tags plus cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Storage.Backend {
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn must be set when storage.backend is postgres")
		}
	case "embedded":
		if !c.Storage.Embedded.InMemory && c.Storage.Embedded.Dir == "" {
			return fmt.Errorf("storage.embedded.dir must be set unless storage.embedded.in_memory is true")
		}
	}
	switch c.Archive.Backend {
	case "local":
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir must be set when archive.backend is local")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set when archive.backend is gcs")
		}
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set when pubsub is enabled")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry.base_delay must not exceed retry.max_delay")
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set when server is enabled")
	}
	return nil
}

// RetryPolicy converts the retry section into the fetcher's policy.
func (c Config) RetryPolicy() crawler.RetryPolicy {
	return crawler.RetryPolicy{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		MaxDelay:   c.Retry.MaxDelay,
		Jitter:     c.Retry.Jitter,
	}
}

// Registry converts the target entries into the immutable crawler.Registry,
// applying portal defaults and compiling every selector once.
func (c Config) Registry() (*crawler.Registry, error) {
	targets := make([]crawler.Target, 0, len(c.Targets))
	for _, tc := range c.Targets {
		t := c.toTarget(tc)
		if err := parser.ValidateSelectors(t); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	reg, err := crawler.NewRegistry(targets)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	return reg, nil
}

func (c Config) toTarget(tc TargetConfig) crawler.Target {
	t := crawler.Target{
		Key:               tc.Key,
		Description:       tc.Description,
		Table:             tc.Table,
		URLTemplate:       orDefault(tc.URLTemplate, c.Portal.URLTemplate),
		Pagination:        crawler.PaginationMode(orDefault(tc.Pagination, string(crawler.PaginationScrollToEnd))),
		Render:            crawler.RenderMode(orDefault(tc.Render, string(crawler.RenderBrowser))),
		FirstPage:         tc.FirstPage,
		MaxPages:          tc.MaxPages,
		ContainerSelector: orDefault(tc.ContainerSelector, c.Portal.ContainerSelector),
		ItemSelector:      orDefault(tc.ItemSelector, c.Portal.ItemSelector),
		LastPageSelector:  tc.LastPageSelector,
		Fields:            make([]crawler.FieldMapping, 0, len(tc.Fields)),
	}
	for _, fc := range tc.Fields {
		t.Fields = append(t.Fields, crawler.FieldMapping{
			Field:    fc.Field,
			Selector: fc.Selector,
			Method:   crawler.ExtractMethod(orDefault(fc.Method, string(crawler.ExtractText))),
			Type:     crawler.FieldType(orDefault(fc.Type, string(crawler.FieldString))),
			Required: fc.Required,
			Identity: fc.Identity,
		})
	}
	return t
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
