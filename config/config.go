package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tradeflow TradeflowConfig `yaml:"tradeflow"`
	Broker    BrokerConfig    `yaml:"broker"`
	Session   SessionConfig   `yaml:"session"`
	Feed      FeedConfig      `yaml:"feed"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Engine    EngineConfig    `yaml:"engine"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Store     StoreConfig     `yaml:"store"`
	Storage   StorageConfig   `yaml:"storage"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type TradeflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type BrokerConfig struct {
	BaseURL        string               `yaml:"base_url"`
	WebsocketURL   string               `yaml:"websocket_url"`
	AppKey         string               `yaml:"app_key"`
	SecretKey      string               `yaml:"secret_key"`
	Account        string               `yaml:"account"`
	Exchange       string               `yaml:"exchange"`
	Timeout        Duration             `yaml:"timeout"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	MaxConnsPerHost int      `yaml:"max_conns_per_host"`
	IdleConnTimeout Duration `yaml:"idle_conn_timeout"`
}

type SessionConfig struct {
	RefreshLeadFraction float64  `yaml:"refresh_lead_fraction"`
	RetryInterval       Duration `yaml:"retry_interval"`
}

type FeedConfig struct {
	Symbols           []string `yaml:"symbols"`
	GroupNo           string   `yaml:"group_no"`
	ReconnectMinDelay Duration `yaml:"reconnect_min_delay"`
	ReconnectMaxDelay Duration `yaml:"reconnect_max_delay"`
	HeartbeatTimeout  Duration `yaml:"heartbeat_timeout"`
	HandshakeTimeout  Duration `yaml:"handshake_timeout"`
	AuthFailureLimit  int      `yaml:"auth_failure_limit"`

	// Groups is populated from the symbol group file when one exists. When
	// empty, every symbol is registered under GroupNo.
	Groups []SymbolGroup `yaml:"-"`
}

type ChannelsConfig struct {
	EventBuffer  int      `yaml:"event_buffer"`
	IntentBuffer int      `yaml:"intent_buffer"`
	PublishWait  Duration `yaml:"publish_wait"`
}

type EngineConfig struct {
	MaxWorkers int                `yaml:"max_workers"`
	Strategy   string             `yaml:"strategy"`
	Params     map[string]float64 `yaml:"params"`
	Window     WindowConfig       `yaml:"window"`
}

type WindowConfig struct {
	Start     string `yaml:"start"`
	End       string `yaml:"end"`
	Overnight bool   `yaml:"overnight"`
}

type ExecutorConfig struct {
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	MaxQueueWait Duration        `yaml:"max_queue_wait"`
	Retry        RetryConfig     `yaml:"retry"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type RetryConfig struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	BaseDelay         Duration `yaml:"base_delay"`
	MaxDelay          Duration `yaml:"max_delay"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
}

type StoreConfig struct {
	Path        string `yaml:"path"`
	Synchronous string `yaml:"synchronous"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ArchiveConfig struct {
	Buffer        int      `yaml:"buffer"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
	Prefix        string   `yaml:"prefix"`
	Compression   string   `yaml:"compression"`
	ManifestDir   string   `yaml:"manifest_dir"`
}

type DashboardConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Addr            string   `yaml:"addr"`
	RefreshInterval Duration `yaml:"refresh_interval"`
	LogHistory      int      `yaml:"log_history"`
	MetricsHistory  int      `yaml:"metrics_history"`
}

type MetricsConfig struct {
	ChannelSize bool     `yaml:"channel_size"`
	Drops       bool     `yaml:"drops"`
	Interval    Duration `yaml:"interval"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	Namespace     string                 `yaml:"namespace"`
	Region        string                 `yaml:"region"`
	DashboardName string                 `yaml:"dashboard_name"`
}

var configEnvPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, "config/config.yml", configEnvPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Session: SessionConfig{
			RefreshLeadFraction: 0.1,
			RetryInterval:       Duration(30 * time.Second),
		},
		Feed: FeedConfig{
			AuthFailureLimit: 5,
		},
		Channels: ChannelsConfig{
			PublishWait: Duration(200 * time.Millisecond),
		},
		Engine: EngineConfig{
			Window: WindowConfig{Start: "09:01", End: "15:30"},
		},
		Store: StoreConfig{
			Synchronous: "full",
		},
		Metrics: MetricsConfig{
			ChannelSize: true,
			Drops:       true,
			Interval:    Duration(time.Second),
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("KIWOOM_APP_KEY"); v != "" {
		config.Broker.AppKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("KIWOOM_SECRET_KEY"); v != "" {
		config.Broker.SecretKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("KIWOOM_ACCOUNT"); v != "" {
		config.Broker.Account = strings.TrimSpace(v)
	}
	if v := os.Getenv("TRADEFLOW_DB"); v != "" {
		config.Store.Path = strings.TrimSpace(v)
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Tradeflow.Name == "" {
		return fmt.Errorf("tradeflow.name is required")
	}

	if cfg.Tradeflow.Version == "" {
		return fmt.Errorf("tradeflow.version is required")
	}

	if cfg.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if cfg.Broker.WebsocketURL == "" {
		return fmt.Errorf("broker.websocket_url is required")
	}
	if IsProductionLike(AppEnvironment()) {
		if cfg.Broker.AppKey == "" || cfg.Broker.SecretKey == "" {
			return fmt.Errorf("broker.app_key and broker.secret_key are required")
		}
		if cfg.Broker.Account == "" {
			return fmt.Errorf("broker.account is required")
		}
	}

	if cfg.Session.RefreshLeadFraction <= 0 || cfg.Session.RefreshLeadFraction >= 1 {
		return fmt.Errorf("session.refresh_lead_fraction must be in (0, 1)")
	}
	if cfg.Session.RetryInterval <= 0 {
		return fmt.Errorf("session.retry_interval must be greater than 0")
	}

	if len(cfg.Feed.Symbols) == 0 {
		return fmt.Errorf("feed.symbols must not be empty")
	}
	if cfg.Feed.ReconnectMinDelay <= 0 || cfg.Feed.ReconnectMaxDelay < cfg.Feed.ReconnectMinDelay {
		return fmt.Errorf("feed.reconnect_min_delay/max_delay are invalid")
	}
	if cfg.Feed.HeartbeatTimeout <= 0 {
		return fmt.Errorf("feed.heartbeat_timeout must be greater than 0")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}
	if cfg.Channels.IntentBuffer <= 0 {
		return fmt.Errorf("channels.intent_buffer must be greater than 0")
	}
	if cfg.Channels.PublishWait <= 0 {
		return fmt.Errorf("channels.publish_wait must be greater than 0")
	}

	if cfg.Engine.MaxWorkers <= 0 {
		return fmt.Errorf("engine.max_workers must be greater than 0")
	}
	if cfg.Engine.Strategy == "" {
		return fmt.Errorf("engine.strategy is required")
	}
	if _, err := ParseWindow(cfg.Engine.Window); err != nil {
		return fmt.Errorf("engine.window is invalid: %w", err)
	}

	if cfg.Executor.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("executor.rate_limit.requests_per_second must be greater than 0")
	}
	if cfg.Executor.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("executor.rate_limit.burst_size must be greater than 0")
	}
	if cfg.Executor.MaxQueueWait <= 0 {
		return fmt.Errorf("executor.max_queue_wait must be greater than 0")
	}
	if cfg.Executor.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("executor.retry.max_attempts must be greater than 0")
	}
	if cfg.Executor.Retry.BaseDelay <= 0 || cfg.Executor.Retry.MaxDelay < cfg.Executor.Retry.BaseDelay {
		return fmt.Errorf("executor.retry.base_delay/max_delay are invalid")
	}

	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	switch strings.ToLower(cfg.Store.Synchronous) {
	case "full", "normal":
	default:
		return fmt.Errorf("store.synchronous must be full or normal")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		if cfg.Archive.BatchSize <= 0 {
			return fmt.Errorf("archive.batch_size must be greater than 0 when S3 is enabled")
		}
		if cfg.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than 0 when S3 is enabled")
		}
	}

	if cfg.Dashboard.Enabled && cfg.Dashboard.Addr == "" {
		return fmt.Errorf("dashboard.addr is required when the dashboard is enabled")
	}

	return nil
}

// Window is a daily trading window in local exchange time. Trading is
// closed on Saturdays and Sundays regardless of the window.
type Window struct {
	StartMinute int
	EndMinute   int
	Overnight   bool
}

// ParseWindow parses HH:MM bounds from the window section.
func ParseWindow(wc WindowConfig) (Window, error) {
	start, err := parseClock(wc.Start)
	if err != nil {
		return Window{}, fmt.Errorf("start: %w", err)
	}
	end, err := parseClock(wc.End)
	if err != nil {
		return Window{}, fmt.Errorf("end: %w", err)
	}
	if end <= start {
		return Window{}, fmt.Errorf("end %q not after start %q", wc.End, wc.Start)
	}
	return Window{StartMinute: start, EndMinute: end, Overnight: wc.Overnight}, nil
}

// Open reports whether trading is allowed at t. Overnight windows are
// always open; regular windows close on weekends.
func (w Window) Open(t time.Time) bool {
	if w.Overnight {
		return true
	}
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	return minute >= w.StartMinute && minute <= w.EndMinute
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%q has an invalid hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%q has an invalid minute", s)
	}
	return h*60 + m, nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
