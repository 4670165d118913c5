// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/public-register-crawler/internal/crawler"
	"github.com/JakeFAU/public-register-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/public-register-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/public-register-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/public-register-crawler/internal/pipeline"
	"github.com/JakeFAU/public-register-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/public-register-crawler/internal/search"
	"github.com/JakeFAU/public-register-crawler/internal/sink"
	"github.com/JakeFAU/public-register-crawler/internal/storage/gcs"
	"github.com/JakeFAU/public-register-crawler/internal/storage/local"
	"github.com/JakeFAU/public-register-crawler/internal/storage/postgres"
	"github.com/JakeFAU/public-register-crawler/internal/worker"
)

// EnvPrefix namespaces environment overrides, e.g. CRAWLER_SEARCH_FILTER_VALUE.
const EnvPrefix = "CRAWLER"

// Detail fetcher kinds.
const (
	DetailFetcherHeadless = "headless"
	DetailFetcherColly    = "colly"
	// DetailFetcherNoop skips detail pages; every identifier yields an error record.
	DetailFetcherNoop = "noop"
)

// Storage backends.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Search    SearchConfig    `mapstructure:"search"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Output    OutputConfig    `mapstructure:"output"`
	Postgres  postgres.Config `mapstructure:"postgres"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// SearchConfig drives the search page.
type SearchConfig struct {
	URL              string        `mapstructure:"url"`
	FilterSelector   string        `mapstructure:"filter_selector"`
	FilterValue      string        `mapstructure:"filter_value"`
	SubmitSelector   string        `mapstructure:"submit_selector"`
	ResultsSelector  string        `mapstructure:"results_selector"`
	PageSizeSelector string        `mapstructure:"page_size_selector"`
	PageSizeOption   string        `mapstructure:"page_size_option"`
	NextPageSelector string        `mapstructure:"next_page_selector"`
	PageSize         int           `mapstructure:"page_size"`
	NavigateSettle   time.Duration `mapstructure:"navigate_settle"`
	PageSizeSettle   time.Duration `mapstructure:"page_size_settle"`
	NextPageSettle   time.Duration `mapstructure:"next_page_settle"`
}

// ExtractConfig holds the markup selectors.
type ExtractConfig struct {
	ResultRowSelector string `mapstructure:"result_row_selector"`
	MarkerSelector    string `mapstructure:"marker_selector"`
	PagerInfoSelector string `mapstructure:"pager_info_selector"`
	PagerCountTag     string `mapstructure:"pager_count_tag"`
	NameSelector      string `mapstructure:"name_selector"`
	LabelBlockTag     string `mapstructure:"label_block_tag"`
	LabelTag          string `mapstructure:"label_tag"`
	SectionHeaderTag  string `mapstructure:"section_header_tag"`
}

// CrawlerConfig governs the worker pool and detail fetches.
type CrawlerConfig struct {
	Workers             int               `mapstructure:"workers"`
	QueueCapacity       int               `mapstructure:"queue_capacity"`
	PollInterval        time.Duration     `mapstructure:"poll_interval"`
	FetchTimeout        time.Duration     `mapstructure:"fetch_timeout"`
	DetailURLTemplate   string            `mapstructure:"detail_url_template"`
	DetailReadySelector string            `mapstructure:"detail_ready_selector"`
	DetailSettle        time.Duration     `mapstructure:"detail_settle"`
	DetailFetcher       string            `mapstructure:"detail_fetcher"`
	SectionTables       map[string]string `mapstructure:"section_tables"`
}

// RateLimitConfig is the shared detail fetch budget.
type RateLimitConfig struct {
	Rate  float64       `mapstructure:"rate"`
	Per   time.Duration `mapstructure:"per"`
	Burst int           `mapstructure:"burst"`
}

// HeadlessConfig configures the chromedp launcher.
type HeadlessConfig struct {
	MaxBrowsers       int               `mapstructure:"max_browsers"`
	NavigationTimeout time.Duration     `mapstructure:"navigation_timeout"`
	ExecPath          string            `mapstructure:"exec_path"`
	NoSandbox         bool              `mapstructure:"no_sandbox"`
	ExtraHeaders      map[string]string `mapstructure:"extra_headers"`
}

// HTTPConfig configures the static (colly) fetcher.
type HTTPConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RespectRobots bool          `mapstructure:"respect_robots"`
}

// StorageConfig selects the blob backend for snapshots and the artifact.
type StorageConfig struct {
	Backend        string       `mapstructure:"backend"`
	Local          local.Config `mapstructure:"local"`
	GCS            gcs.Config   `mapstructure:"gcs"`
	Snapshots      bool         `mapstructure:"snapshots"`
	SnapshotPrefix string       `mapstructure:"snapshot_prefix"`
	ContentType    string       `mapstructure:"content_type"`
}

// OutputConfig locates the final artifact.
type OutputConfig struct {
	Enabled bool        `mapstructure:"enabled"`
	Path    string      `mapstructure:"path"`
	Format  sink.Format `mapstructure:"format"`
}

// PubSubConfig enables record notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from defaults, an optional file and the environment.
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
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "public-register-crawler")

	s := search.DefaultConfig()
	v.SetDefault("search.url", s.SearchURL)
	v.SetDefault("search.filter_selector", s.FilterSelector)
	v.SetDefault("search.filter_value", s.FilterValue)
	v.SetDefault("search.submit_selector", s.SubmitSelector)
	v.SetDefault("search.results_selector", s.ResultsSelector)
	v.SetDefault("search.page_size_selector", s.PageSizeSelector)
	v.SetDefault("search.page_size_option", s.PageSizeOption)
	v.SetDefault("search.next_page_selector", s.NextPageSelector)
	v.SetDefault("search.page_size", s.PageSize)
	v.SetDefault("search.navigate_settle", s.NavigateSettle.String())
	v.SetDefault("search.page_size_settle", s.PageSizeSettle.String())
	v.SetDefault("search.next_page_settle", s.NextPageSettle.String())

	e := extract.DefaultConfig()
	v.SetDefault("extract.result_row_selector", e.ResultRowSelector)
	v.SetDefault("extract.marker_selector", e.MarkerSelector)
	v.SetDefault("extract.pager_info_selector", e.PagerInfoSelector)
	v.SetDefault("extract.pager_count_tag", e.PagerCountTag)
	v.SetDefault("extract.name_selector", e.NameSelector)
	v.SetDefault("extract.label_block_tag", e.LabelBlockTag)
	v.SetDefault("extract.label_tag", e.LabelTag)
	v.SetDefault("extract.section_header_tag", e.SectionHeaderTag)

	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.queue_capacity", 0)
	v.SetDefault("crawler.poll_interval", "1s")
	v.SetDefault("crawler.fetch_timeout", "60s")
	v.SetDefault("crawler.detail_url_template", worker.DefaultDetailURLTemplate)
	v.SetDefault("crawler.detail_ready_selector", "")
	v.SetDefault("crawler.detail_settle", "0s")
	v.SetDefault("crawler.detail_fetcher", DetailFetcherHeadless)

	v.SetDefault("rate_limit.rate", 2.0)
	v.SetDefault("rate_limit.per", "1s")
	v.SetDefault("rate_limit.burst", 1)

	v.SetDefault("headless.max_browsers", 0)
	v.SetDefault("headless.navigation_timeout", "45s")
	v.SetDefault("headless.no_sandbox", false)
	v.SetDefault("headless.exec_path", "")

	v.SetDefault("http.user_agent", "public-register-crawler/0.1")
	v.SetDefault("http.timeout", "15s")
	v.SetDefault("http.respect_robots", true)

	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.local.base_dir", "./data")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "")
	v.SetDefault("storage.snapshots", false)
	v.SetDefault("storage.snapshot_prefix", "snapshots")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")

	v.SetDefault("output.enabled", true)
	v.SetDefault("output.path", sink.DefaultArtifactPath)
	v.SetDefault("output.format", "")

	// Keys without a meaningful default are still registered so that
	// AutomaticEnv picks them up during Unmarshal.
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.table", postgres.DefaultTable)
	v.SetDefault("postgres.max_conns", 0)
	v.SetDefault("postgres.min_conns", 0)
	v.SetDefault("postgres.max_conn_lifetime", "0s")
	v.SetDefault("postgres.ensure_schema", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.Workers < 1 {
		return fmt.Errorf("crawler.workers must be >= 1")
	}
	if c.Crawler.QueueCapacity < 0 {
		return fmt.Errorf("crawler.queue_capacity must be >= 0")
	}
	if c.Crawler.PollInterval <= 0 {
		return fmt.Errorf("crawler.poll_interval must be > 0")
	}
	if c.Crawler.FetchTimeout < 0 {
		return fmt.Errorf("crawler.fetch_timeout must be >= 0")
	}
	if !strings.Contains(c.Crawler.DetailURLTemplate, worker.IDPlaceholder) {
		return fmt.Errorf("crawler.detail_url_template must contain %s", worker.IDPlaceholder)
	}
	switch c.Crawler.DetailFetcher {
	case DetailFetcherHeadless, DetailFetcherColly, DetailFetcherNoop:
	default:
		return fmt.Errorf("crawler.detail_fetcher must be %q, %q or %q",
			DetailFetcherHeadless, DetailFetcherColly, DetailFetcherNoop)
	}
	for key := range c.Crawler.SectionTables {
		if !knownSection(key) {
			return fmt.Errorf("crawler.section_tables: unknown section %q", key)
		}
	}
	if c.RateLimit.Rate < 0 || c.RateLimit.Per < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must be >= 0")
	}
	if c.Headless.MaxBrowsers < 0 {
		return fmt.Errorf("headless.max_browsers must be >= 0")
	}
	if c.Crawler.DetailFetcher == DetailFetcherHeadless &&
		c.Headless.MaxBrowsers > 0 && c.Headless.MaxBrowsers <= c.Crawler.Workers {
		return fmt.Errorf("headless.max_browsers must exceed crawler.workers so the search page keeps a browser")
	}
	switch c.Storage.Backend {
	case BackendLocal:
		if strings.TrimSpace(c.Storage.Local.BaseDir) == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case BackendGCS:
		if strings.TrimSpace(c.Storage.GCS.Bucket) == "" {
			return fmt.Errorf("storage.gcs.bucket is required for the gcs backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.Output.Format {
	case "", sink.FormatJSON, sink.FormatYAML:
	default:
		return fmt.Errorf("unknown output.format %q", c.Output.Format)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	if err := c.SearchConfig().Validate(); err != nil {
		return fmt.Errorf("search: %w", err)
	}
	return nil
}

func knownSection(key string) bool {
	for _, s := range crawler.Sections {
		if string(s) == key {
			return true
		}
	}
	return false
}

// SearchConfig converts the search section.
func (c Config) SearchConfig() search.Config {
	return search.Config{
		SearchURL:        c.Search.URL,
		FilterSelector:   c.Search.FilterSelector,
		FilterValue:      c.Search.FilterValue,
		SubmitSelector:   c.Search.SubmitSelector,
		ResultsSelector:  c.Search.ResultsSelector,
		PageSizeSelector: c.Search.PageSizeSelector,
		PageSizeOption:   c.Search.PageSizeOption,
		NextPageSelector: c.Search.NextPageSelector,
		PageSize:         c.Search.PageSize,
		NavigateSettle:   c.Search.NavigateSettle,
		PageSizeSettle:   c.Search.PageSizeSettle,
		NextPageSettle:   c.Search.NextPageSettle,
	}
}

// WorkerConfig converts the detail fetch settings.
func (c Config) WorkerConfig() worker.Config {
	cfg := worker.Config{
		DetailURLTemplate: c.Crawler.DetailURLTemplate,
		PollInterval:      c.Crawler.PollInterval,
		FetchTimeout:      c.Crawler.FetchTimeout,
		ReadySelector:     c.Crawler.DetailReadySelector,
		Settle:            c.Crawler.DetailSettle,
		ContentType:       c.Storage.ContentType,
	}
	if c.Storage.Snapshots {
		cfg.SnapshotPrefix = c.Storage.SnapshotPrefix
	}
	if len(c.Crawler.SectionTables) > 0 {
		cfg.SectionTables = worker.DefaultSectionTables()
		for key, table := range c.Crawler.SectionTables {
			cfg.SectionTables[crawler.SectionKey(key)] = table
		}
	}
	return cfg
}

// PipelineOptions assembles the options of one crawl.
func (c Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		Search: c.SearchConfig(),
		Extract: extract.Config{
			ResultRowSelector: c.Extract.ResultRowSelector,
			MarkerSelector:    c.Extract.MarkerSelector,
			PagerInfoSelector: c.Extract.PagerInfoSelector,
			PagerCountTag:     c.Extract.PagerCountTag,
			NameSelector:      c.Extract.NameSelector,
			LabelBlockTag:     c.Extract.LabelBlockTag,
			LabelTag:          c.Extract.LabelTag,
			SectionHeaderTag:  c.Extract.SectionHeaderTag,
		},
		Worker:        c.WorkerConfig(),
		Workers:       c.Crawler.Workers,
		QueueCapacity: c.Crawler.QueueCapacity,
		RateLimit: ratelimit.Config{
			Rate:  c.RateLimit.Rate,
			Per:   c.RateLimit.Per,
			Burst: c.RateLimit.Burst,
		},
	}
}

// HeadlessConfig converts the chromedp settings.
func (c Config) HeadlessConfig() headless.Config {
	return headless.Config{
		MaxBrowsers:       c.Headless.MaxBrowsers,
		UserAgent:         c.HTTP.UserAgent,
		NavigationTimeout: c.Headless.NavigationTimeout,
		ExtraHeaders:      toHeader(c.Headless.ExtraHeaders),
		ExecPath:          c.Headless.ExecPath,
		NoSandbox:         c.Headless.NoSandbox,
	}
}

// CollyConfig converts the static fetcher settings.
func (c Config) CollyConfig() collyfetcher.Config {
	return collyfetcher.Config{
		UserAgent:     c.HTTP.UserAgent,
		RespectRobots: c.HTTP.RespectRobots,
		Timeout:       c.HTTP.Timeout,
		Headers:       toHeader(c.Headless.ExtraHeaders),
	}
}

func toHeader(in map[string]string) http.Header {
	if len(in) == 0 {
		return nil
	}
	out := make(http.Header, len(in))
	for k, v := range in {
		out.Set(k, v)
	}
	return out
}
