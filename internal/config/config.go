package config

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/high-seas/pkg/logger"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	TMDb         TMDbConfig         `mapstructure:"tmdb"`
	Catalog      CatalogConfig      `mapstructure:"catalog"`
	Library      LibraryConfig      `mapstructure:"library"`
	Plex         PlexConfig         `mapstructure:"plex"`
	Emby         EmbyConfig         `mapstructure:"emby"`
	Store        StoreConfig        `mapstructure:"store"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Apprise      AppriseConfig      `mapstructure:"apprise"`
	Overseerr    OverseerrConfig    `mapstructure:"overseerr"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
}

type TMDbConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`      // v3 key, sent as api_key query param
	AccessToken string        `mapstructure:"access_token"` // v4 read token, sent as bearer
	Language    string        `mapstructure:"language"`
	Timeout     time.Duration `mapstructure:"timeout"` // per upstream attempt
	RetryCount  int           `mapstructure:"retry_count"`
	RetryWait   time.Duration `mapstructure:"retry_wait"`     // backoff base
	RetryMax    time.Duration `mapstructure:"retry_max_wait"` // backoff cap
	RateLimit   float64       `mapstructure:"rate_limit"`     // requests/second, 0 = unlimited
	RateBurst   int           `mapstructure:"rate_burst"`
}

type CatalogConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type LibraryConfig struct {
	Source          string        `mapstructure:"source"` // plex, emby or none
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type PlexConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

type EmbyConfig struct {
	BaseURL           string   `mapstructure:"base_url"`
	APIKey            string   `mapstructure:"api_key"`
	ExcludedLibraries []string `mapstructure:"excluded_libraries"` // library names skipped during refresh
}

type StoreConfig struct {
	Driver    string        `mapstructure:"driver"` // memory or sqlite
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"` // terminal requests older than this are purged
}

type OrchestratorConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"` // in-flight enrichments
}

type SchedulerConfig struct {
	LibraryCron string `mapstructure:"library_cron"` // library refresh + pending sweep
	PurgeCron   string `mapstructure:"purge_cron"`
	RunOnStart  bool   `mapstructure:"run_on_start"`
}

type AppriseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"` // Apprise API URL (e.g., http://apprise:8000)
	Key     string `mapstructure:"key"`      // Apprise config key (default: apprise)
	Tag     string `mapstructure:"tag"`      // Tag to filter services (default: all)
}

type OverseerrConfig struct {
	Enabled bool   `mapstructure:"enabled"` // forward pending requests for fulfillment
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	UserID  int    `mapstructure:"user_id"` // Request as specific user (0 = API key owner)
}

// ChangeCallback is called when config changes. Receives old and new config.
type ChangeCallback func(old, new *Config)

// Manager handles config loading and hot-reload.
type Manager struct {
	v *viper.Viper

	mu        sync.RWMutex
	cfg       *Config
	callbacks []ChangeCallback
}

// NewManager creates a config manager with hot-reload support.
func NewManager(path string) (*Manager, error) {
	v, cfg, err := read(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{v: v, cfg: cfg}

	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Infof("🔄 Config file changed: %s", e.Name)
		m.reload()
	})
	v.WatchConfig()

	return m, nil
}

func read(path string) (*viper.Viper, *Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Environment variable override support
	v.SetEnvPrefix("HIGH_SEAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("reading config: %w", err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return v, cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8782)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("log.level", "")

	// Credentials default to empty so HIGH_SEAS_* env vars are picked up by Unmarshal.
	for _, key := range []string{"tmdb.api_key", "tmdb.access_token", "plex.base_url", "plex.token", "emby.base_url", "emby.api_key", "apprise.base_url", "overseerr.base_url", "overseerr.api_key"} {
		v.SetDefault(key, "")
	}

	v.SetDefault("tmdb.base_url", "https://api.themoviedb.org/3")
	v.SetDefault("tmdb.language", "en-US")
	v.SetDefault("tmdb.timeout", "5s")
	v.SetDefault("tmdb.retry_count", 3)
	v.SetDefault("tmdb.retry_wait", "200ms")
	v.SetDefault("tmdb.retry_max_wait", "2s")
	v.SetDefault("tmdb.rate_limit", 40)
	v.SetDefault("tmdb.rate_burst", 10)

	v.SetDefault("catalog.cache_ttl", "24h")

	v.SetDefault("library.source", "none")
	v.SetDefault("library.refresh_interval", "1h")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "data/high-seas.db")
	v.SetDefault("store.retention", "720h")

	v.SetDefault("orchestrator.max_concurrent", 8)

	v.SetDefault("scheduler.library_cron", "0 * * * *")
	v.SetDefault("scheduler.purge_cron", "30 3 * * *")
}

// Validate checks cross-field requirements that defaults cannot cover.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %s", c.Log.Level)
	}

	if c.TMDb.BaseURL == "" {
		return fmt.Errorf("tmdb.base_url is required")
	}
	if c.TMDb.APIKey == "" && c.TMDb.AccessToken == "" {
		return fmt.Errorf("tmdb.api_key or tmdb.access_token is required")
	}
	if c.TMDb.RetryCount < 0 {
		return fmt.Errorf("tmdb.retry_count must not be negative")
	}

	if c.Catalog.CacheTTL <= 0 {
		return fmt.Errorf("catalog.cache_ttl must be positive")
	}

	switch c.Library.Source {
	case "none":
	case "plex":
		if c.Plex.BaseURL == "" || c.Plex.Token == "" {
			return fmt.Errorf("plex.base_url and plex.token are required when library.source=plex")
		}
	case "emby":
		if c.Emby.BaseURL == "" || c.Emby.APIKey == "" {
			return fmt.Errorf("emby.base_url and emby.api_key are required when library.source=emby")
		}
	default:
		return fmt.Errorf("invalid library.source: %s", c.Library.Source)
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required when store.driver=sqlite")
		}
	default:
		return fmt.Errorf("invalid store.driver: %s", c.Store.Driver)
	}

	if c.Orchestrator.MaxConcurrent <= 0 {
		return fmt.Errorf("orchestrator.max_concurrent must be positive")
	}

	if c.Apprise.Enabled && c.Apprise.BaseURL == "" {
		return fmt.Errorf("apprise.base_url is required when apprise is enabled")
	}

	if c.Overseerr.Enabled && (c.Overseerr.BaseURL == "" || c.Overseerr.APIKey == "") {
		return fmt.Errorf("overseerr.base_url and overseerr.api_key are required when overseerr is enabled")
	}

	return nil
}

// Get returns the current config (thread-safe).
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// OnChange registers a callback for config changes.
func (m *Manager) OnChange(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// reload re-reads config and notifies subscribers. An invalid file keeps the old config.
func (m *Manager) reload() {
	newCfg, err := decode(m.v)
	if err != nil {
		logger.Errorf("❌ Failed to reload config: %v", err)
		return
	}

	m.mu.Lock()
	oldCfg := m.cfg
	m.cfg = newCfg
	callbacks := m.callbacks
	m.mu.Unlock()

	logChanges(oldCfg, newCfg, "")

	// Notify subscribers outside lock
	for _, cb := range callbacks {
		cb(oldCfg, newCfg)
	}
}

// logChanges logs field-level differences between old and new config.
func logChanges(old, cur any, prefix string) {
	for _, c := range diff(old, cur, prefix) {
		logger.Infof("  📝 %s", c)
	}
}

// diff lists "Field: old → new" for every changed leaf, masking credentials.
func diff(old, cur any, prefix string) []string {
	oldVal := reflect.Indirect(reflect.ValueOf(old))
	newVal := reflect.Indirect(reflect.ValueOf(cur))

	if oldVal.Kind() != reflect.Struct {
		return nil
	}

	var changes []string
	t := oldVal.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		oldField := oldVal.Field(i)
		newField := newVal.Field(i)

		fieldName := field.Name
		if prefix != "" {
			fieldName = prefix + "." + fieldName
		}

		// Recurse into nested structs
		if oldField.Kind() == reflect.Struct {
			changes = append(changes, diff(oldField.Interface(), newField.Interface(), fieldName)...)
			continue
		}

		if !reflect.DeepEqual(oldField.Interface(), newField.Interface()) {
			changes = append(changes, fmt.Sprintf("%s: %s → %s", fieldName,
				formatValue(field, oldField), formatValue(field, newField)))
		}
	}
	return changes
}

// formatValue formats a reflect.Value for logging, masking sensitive fields.
func formatValue(f reflect.StructField, v reflect.Value) string {
	if isSecret(f.Name) {
		if v.IsZero() {
			return "<empty>"
		}
		return "****"
	}
	return fmt.Sprintf("%v", v.Interface())
}

func isSecret(name string) bool {
	switch name {
	case "APIKey", "AccessToken", "Token":
		return true
	}
	return false
}
