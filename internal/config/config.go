// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Engine() EngineConfig
	Git() GitConfig
	Mining() MiningConfig
	Twins() TwinsConfig
	Rules() RulesConfig
	Fetch() FetchConfig
	LLM() LLMConfig
	Cache() CacheConfig
	Metrics() MetricsConfig
	Report() ReportConfig

	// Engine Setters
	SetEngineWorkerConcurrency(int)

	// Rules Setters
	SetRulesEnabled([]string)
	SetRulesPhase2Enabled(bool)

	// Report Setters
	SetReportFormat(string)
	SetReportOutput(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	EngineCfg  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	GitCfg     GitConfig     `mapstructure:"git" yaml:"git"`
	MiningCfg  MiningConfig  `mapstructure:"mining" yaml:"mining"`
	TwinsCfg   TwinsConfig   `mapstructure:"twins" yaml:"twins"`
	RulesCfg   RulesConfig   `mapstructure:"rules" yaml:"rules"`
	FetchCfg   FetchConfig   `mapstructure:"fetch" yaml:"fetch"`
	LLMCfg     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	CacheCfg   CacheConfig   `mapstructure:"cache" yaml:"cache"`
	MetricsCfg MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	ReportCfg  ReportConfig  `mapstructure:"report" yaml:"report"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Engine() EngineConfig   { return c.EngineCfg }
func (c *Config) Git() GitConfig         { return c.GitCfg }
func (c *Config) Mining() MiningConfig   { return c.MiningCfg }
func (c *Config) Twins() TwinsConfig     { return c.TwinsCfg }
func (c *Config) Rules() RulesConfig     { return c.RulesCfg }
func (c *Config) Fetch() FetchConfig     { return c.FetchCfg }
func (c *Config) LLM() LLMConfig         { return c.LLMCfg }
func (c *Config) Cache() CacheConfig     { return c.CacheCfg }
func (c *Config) Metrics() MetricsConfig { return c.MetricsCfg }
func (c *Config) Report() ReportConfig   { return c.ReportCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetEngineWorkerConcurrency(w int) { c.EngineCfg.WorkerConcurrency = w }
func (c *Config) SetRulesEnabled(ids []string)     { c.RulesCfg.Enabled = ids }
func (c *Config) SetRulesPhase2Enabled(b bool)     { c.RulesCfg.Phase2Enabled = b }
func (c *Config) SetReportFormat(f string)         { c.ReportCfg.Format = f }
func (c *Config) SetReportOutput(o string)         { c.ReportCfg.Output = o }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color settings for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// EngineConfig configures the worker pools.
type EngineConfig struct {
	// WorkerConcurrency bounds both the provisioning pool and the mining pool.
	WorkerConcurrency int `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	// DefaultTaskTimeout bounds the mining of a single commit.
	DefaultTaskTimeout time.Duration `mapstructure:"default_task_timeout" yaml:"default_task_timeout"`
	QueueSize          int           `mapstructure:"queue_size" yaml:"queue_size"`
}

// GitConfig controls how the git CLI is invoked and where working copies live.
type GitConfig struct {
	Binary         string        `mapstructure:"binary" yaml:"binary"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	// ReposDir is where provisioned working copies are kept. "~" is expanded.
	ReposDir string `mapstructure:"repos_dir" yaml:"repos_dir"`
	// SkipFetch reuses an existing working copy without fetching.
	SkipFetch bool `mapstructure:"skip_fetch" yaml:"skip_fetch"`
}

// MiningConfig bounds candidate retrieval and mining.
type MiningConfig struct {
	MaxCandidates      int           `mapstructure:"max_candidates" yaml:"max_candidates"`
	Budget             time.Duration `mapstructure:"budget" yaml:"budget"`
	DaysBefore         int           `mapstructure:"days_before" yaml:"days_before"`
	DaysAfter          int           `mapstructure:"days_after" yaml:"days_after"`
	RelevantExtensions []string      `mapstructure:"relevant_extensions" yaml:"relevant_extensions"`
	// MaxDiffLines drops candidates whose diff is implausibly large for a fix.
	MaxDiffLines int `mapstructure:"max_diff_lines" yaml:"max_diff_lines"`
	TagMargin    int `mapstructure:"tag_margin" yaml:"tag_margin"`
	// AnnotateTags attaches containing tags to the top candidates.
	AnnotateTags bool `mapstructure:"annotate_tags" yaml:"annotate_tags"`
}

// TwinsConfig configures the MinHash/LSH index.
type TwinsConfig struct {
	Threshold    float64 `mapstructure:"threshold" yaml:"threshold"`
	NumPerm      int     `mapstructure:"num_perm" yaml:"num_perm"`
	PrefixLength int     `mapstructure:"prefix_length" yaml:"prefix_length"`
	Seed         int64   `mapstructure:"seed" yaml:"seed"`
}

// RulesConfig selects rules and overrides their weights.
type RulesConfig struct {
	// Enabled is an ordered allow/deny list: "ALL", "RULE_ID", "-RULE_ID".
	Enabled       []string       `mapstructure:"enabled" yaml:"enabled"`
	Weights       map[string]int `mapstructure:"weights" yaml:"weights"`
	TopK          int            `mapstructure:"top_k" yaml:"top_k"`
	Phase2Enabled bool           `mapstructure:"phase2_enabled" yaml:"phase2_enabled"`
	// FetchReferences lets rules fetch linked pages and issues.
	FetchReferences bool `mapstructure:"fetch_references" yaml:"fetch_references"`
}

// FetchConfig configures outbound HTTP for references, issues and advisories.
type FetchConfig struct {
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit   float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst       int           `mapstructure:"burst" yaml:"burst"`
	UserAgent   string        `mapstructure:"user_agent" yaml:"user_agent"`
	MaxBodySize int64         `mapstructure:"max_body_size" yaml:"max_body_size"`
	GitHubToken string        `mapstructure:"github_token" yaml:"github_token"`
	JiraURL     string        `mapstructure:"jira_url" yaml:"jira_url"`
	NVDURL      string        `mapstructure:"nvd_url" yaml:"nvd_url"`
	NVDAPIKey   string        `mapstructure:"nvd_api_key" yaml:"nvd_api_key"`
	// AllowedHosts restricts which reference hosts are crawled for commit links.
	AllowedHosts []string `mapstructure:"allowed_hosts" yaml:"allowed_hosts"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderNone   LLMProvider = "none"
)

// LLMConfig defines the phase-2 classification model.
type LLMConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// Cache backends.
const (
	CacheBackendNone     = "none"
	CacheBackendPostgres = "postgres"
	CacheBackendRedis    = "redis"
	CacheBackendBadger   = "badger"
)

// Cache modes.
const (
	CacheModeAlways   = "always"
	CacheModeOptional = "optional"
	CacheModeNever    = "never"
)

// CacheConfig configures the mined-commit cache collaborator.
type CacheConfig struct {
	Backend  string         `mapstructure:"backend" yaml:"backend"`
	Mode     string         `mapstructure:"mode" yaml:"mode"`
	TTL      time.Duration  `mapstructure:"ttl" yaml:"ttl"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Badger   BadgerConfig   `mapstructure:"badger" yaml:"badger"`
}

// PostgresConfig holds the connection string of the relational cache.
type PostgresConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// RedisConfig holds the connection settings of the redis cache.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr" yaml:"addr"`
	Password    string        `mapstructure:"password" yaml:"password"`
	DB          int           `mapstructure:"db" yaml:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	KeyPrefix   string        `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// BadgerConfig holds the location of the embedded cache.
type BadgerConfig struct {
	Path     string `mapstructure:"path" yaml:"path"`
	InMemory bool   `mapstructure:"in_memory" yaml:"in_memory"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	// ListenAddr serves /metrics when non-empty.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// ReportConfig controls output formatting.
type ReportConfig struct {
	Format        string `mapstructure:"format" yaml:"format"`
	Output        string `mapstructure:"output" yaml:"output"`
	MaxCandidates int    `mapstructure:"max_candidates" yaml:"max_candidates"`
}

// DefaultRelevantExtensions lists source file extensions a fix is expected to touch.
var DefaultRelevantExtensions = []string{
	"java", "c", "cpp", "h", "hpp", "cc", "py", "js", "ts", "jsx", "tsx", "go", "rb",
	"php", "cs", "scala", "kt", "swift", "rs", "groovy", "xml", "jsp", "html", "sh",
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "fixfinder")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Engine --
	v.SetDefault("engine.worker_concurrency", runtime.NumCPU())
	v.SetDefault("engine.default_task_timeout", "2m")
	v.SetDefault("engine.queue_size", 1000)

	// -- Git --
	v.SetDefault("git.binary", "git")
	v.SetDefault("git.command_timeout", "5m")
	v.SetDefault("git.repos_dir", "~/.cache/fixfinder/repos")
	v.SetDefault("git.skip_fetch", false)

	// -- Mining --
	v.SetDefault("mining.max_candidates", 2000)
	v.SetDefault("mining.budget", "30m")
	v.SetDefault("mining.days_before", 60)
	v.SetDefault("mining.days_after", 60)
	v.SetDefault("mining.relevant_extensions", DefaultRelevantExtensions)
	v.SetDefault("mining.max_diff_lines", 20000)
	v.SetDefault("mining.tag_margin", 0)
	v.SetDefault("mining.annotate_tags", true)

	// -- Twins --
	v.SetDefault("twins.threshold", 0.95)
	v.SetDefault("twins.num_perm", 128)
	v.SetDefault("twins.prefix_length", 64)
	v.SetDefault("twins.seed", 1)

	// -- Rules --
	v.SetDefault("rules.enabled", []string{"ALL"})
	v.SetDefault("rules.top_k", 10)
	v.SetDefault("rules.phase2_enabled", false)
	v.SetDefault("rules.fetch_references", true)

	// -- Fetch --
	v.SetDefault("fetch.timeout", "10s")
	v.SetDefault("fetch.rate_limit", 5.0)
	v.SetDefault("fetch.burst", 2)
	v.SetDefault("fetch.user_agent", "fixfinder/"+strings.TrimPrefix(defaultVersionTag, "v"))
	v.SetDefault("fetch.max_body_size", 5<<20)
	v.SetDefault("fetch.jira_url", "https://issues.apache.org/jira")
	v.SetDefault("fetch.nvd_url", "https://services.nvd.nist.gov/rest/json/cves/2.0")
	v.SetDefault("fetch.allowed_hosts", []string{
		"github.com", "gitlab.com", "bitbucket.org", "issues.apache.org",
		"lists.apache.org", "security-tracker.debian.org", "bugzilla.redhat.com",
	})

	// -- LLM --
	v.SetDefault("llm.provider", string(ProviderNone))
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.api_timeout", "60s")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 16)

	// -- Cache --
	v.SetDefault("cache.backend", CacheBackendNone)
	v.SetDefault("cache.mode", CacheModeOptional)
	v.SetDefault("cache.ttl", "720h")
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.dial_timeout", "3s")
	v.SetDefault("cache.redis.key_prefix", "fixfinder:commit")
	v.SetDefault("cache.badger.path", "~/.cache/fixfinder/commits")

	// -- Metrics --
	v.SetDefault("metrics.listen_addr", "")

	// -- Report --
	v.SetDefault("report.format", "console")
	v.SetDefault("report.output", "")
	v.SetDefault("report.max_candidates", 20)
}

// defaultVersionTag is used in the default user agent; cmd overrides the real version.
const defaultVersionTag = "v1.0"

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("fetch.github_token", "FIXFINDER_GITHUB_TOKEN", "GITHUB_TOKEN")
	_ = v.BindEnv("fetch.nvd_api_key", "FIXFINDER_NVD_API_KEY", "NVD_API_KEY")
	_ = v.BindEnv("llm.api_key", "FIXFINDER_LLM_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("cache.postgres.url", "FIXFINDER_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the key if Unmarshal didn't pick it up
	if cfg.LLMCfg.Provider == ProviderGemini && cfg.LLMCfg.APIKey == "" {
		cfg.LLMCfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.EngineCfg.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	if c.MiningCfg.MaxCandidates <= 0 {
		return fmt.Errorf("mining.max_candidates must be a positive integer")
	}
	if c.MiningCfg.Budget <= 0 {
		return fmt.Errorf("mining.budget must be a positive duration")
	}
	if c.RulesCfg.TopK <= 0 {
		return fmt.Errorf("rules.top_k must be a positive integer")
	}
	if err := c.TwinsCfg.Validate(); err != nil {
		return fmt.Errorf("twins configuration invalid: %w", err)
	}
	if err := c.CacheCfg.Validate(); err != nil {
		return fmt.Errorf("cache configuration invalid: %w", err)
	}
	if err := c.LLMCfg.Validate(c.RulesCfg.Phase2Enabled); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the MinHash/LSH settings.
func (t *TwinsConfig) Validate() error {
	if t.Threshold <= 0.0 || t.Threshold > 1.0 {
		return fmt.Errorf("threshold must be in (0.0, 1.0]")
	}
	if t.NumPerm < 2 {
		return fmt.Errorf("num_perm must be at least 2")
	}
	if t.PrefixLength <= 0 {
		return fmt.Errorf("prefix_length must be a positive integer")
	}
	return nil
}

// Validate checks the cache settings.
func (c *CacheConfig) Validate() error {
	switch c.Mode {
	case CacheModeAlways, CacheModeOptional, CacheModeNever:
	default:
		return fmt.Errorf("unsupported mode %q", c.Mode)
	}
	switch c.Backend {
	case CacheBackendNone, "":
	case CacheBackendPostgres:
		if c.Postgres.URL == "" && c.Mode != CacheModeNever {
			return fmt.Errorf("postgres.url is required for the postgres backend")
		}
	case CacheBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis backend")
		}
	case CacheBackendBadger:
		if c.Badger.Path == "" && !c.Badger.InMemory {
			return fmt.Errorf("badger.path is required unless badger.in_memory is set")
		}
	default:
		return fmt.Errorf("unsupported backend %q", c.Backend)
	}
	if c.TTL < 0 {
		return fmt.Errorf("ttl must not be negative")
	}
	return nil
}

// Validate checks the LLM settings. They only matter when phase 2 is enabled.
func (l *LLMConfig) Validate(phase2 bool) error {
	if !phase2 || l.Provider == ProviderNone || l.Provider == "" {
		return nil
	}
	if l.Provider != ProviderGemini {
		return fmt.Errorf("unknown provider %q", l.Provider)
	}
	if l.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}
