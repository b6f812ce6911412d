// Package config handles configuration loading and management for Steward.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/steward/pkg/models"
)

// EnvPrefix prefixes every environment override (STEWARD_LOG_LEVEL, ...).
const EnvPrefix = "STEWARD"

// Config holds all configuration for Steward.
type Config struct {
	DataDir       string              `mapstructure:"data_dir"`
	Log           LogConfig           `mapstructure:"log"`
	Anthropic     AnthropicConfig     `mapstructure:"anthropic"`
	Loop          LoopConfig          `mapstructure:"loop"`
	Timeouts      TimeoutsConfig      `mapstructure:"timeouts"`
	Collaboration CollaborationConfig `mapstructure:"collaboration"`
	Decision      DecisionConfig      `mapstructure:"decision"`
	Artifacts     ArtifactsConfig     `mapstructure:"artifacts"`
	Knowledge     KnowledgeConfig     `mapstructure:"knowledge"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	// Roles is the default roster for projects that don't name one.
	Roles []string `mapstructure:"roles"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// Debug mirrors every record into <data_dir>/logs/steward.log.
	Debug bool `mapstructure:"debug"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
	MaxTokens  int64  `mapstructure:"max_tokens"`
}

// LoopConfig holds loop detector settings.
type LoopConfig struct {
	// Window is how many identical consecutive failures make a loop.
	Window int `mapstructure:"window"`
}

// TimeoutsConfig holds timeout monitor settings.
type TimeoutsConfig struct {
	Tick    time.Duration            `mapstructure:"tick"`
	Default time.Duration            `mapstructure:"default"`
	Roles   map[string]time.Duration `mapstructure:"roles"`
}

// CollaborationConfig holds collaboration router settings.
type CollaborationConfig struct {
	MaxContextBytes     int           `mapstructure:"max_context_bytes"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	MinCycles           int           `mapstructure:"min_cycles"`
	Window              time.Duration `mapstructure:"window"`
	// StaleAfter expires routed requests that never got an answer.
	StaleAfter time.Duration `mapstructure:"stale_after"`
	// ExpertiseFile optionally overrides the category to role table.
	ExpertiseFile string `mapstructure:"expertise_file"`
	// Stopwords replaces the router's request filler words when set.
	Stopwords []string `mapstructure:"stopwords"`
}

// DecisionConfig holds decision engine settings.
type DecisionConfig struct {
	HistorySize     int           `mapstructure:"history_size"`
	ConfidenceFloor float64       `mapstructure:"confidence_floor"`
	OracleTimeout   time.Duration `mapstructure:"oracle_timeout"`
	// ProtectedFile optionally replaces the built-in protected path patterns.
	ProtectedFile string `mapstructure:"protected_file"`
}

// ArtifactsConfig selects where agent artifacts are read from.
type ArtifactsConfig struct {
	// Root is the filesystem sandbox, one directory per agent. Ignored
	// when MinIO.Endpoint is set.
	Root      string        `mapstructure:"root"`
	MaxBytes  int64         `mapstructure:"max_bytes"`
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	MinIO     MinIOConfig   `mapstructure:"minio"`
}

// MinIOConfig holds object storage settings for artifacts.
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Prefix    string `mapstructure:"prefix"`
}

// KnowledgeConfig holds knowledge capture settings.
type KnowledgeConfig struct {
	Buffer int `mapstructure:"buffer"`
	// SQLite writes records to <data_dir>/knowledge.db.
	SQLite bool        `mapstructure:"sqlite"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds the knowledge stream settings. Empty URL disables it.
type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
	MaxLen int64  `mapstructure:"max_len"`
}

// MetricsConfig holds the Prometheus endpoint settings. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// TracingConfig holds the OTLP/HTTP span exporter settings.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	Insecure   bool    `mapstructure:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// HTTPConfig holds the agent and operator API settings.
type HTTPConfig struct {
	Addr       string `mapstructure:"addr"`
	EnableCORS bool   `mapstructure:"enable_cors"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (STEWARD_*, ANTHROPIC_API_KEY)
// 2. Project config (.steward.yaml in current directory or parent)
// 3. User config (~/.config/steward/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file. Environment
// overrides still apply.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", EnvPrefix+"_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references in secrets and paths
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Artifacts.MinIO.AccessKey = expandEnv(cfg.Artifacts.MinIO.AccessKey)
	cfg.Artifacts.MinIO.SecretKey = expandEnv(cfg.Artifacts.MinIO.SecretKey)
	cfg.Knowledge.Redis.URL = expandEnv(cfg.Knowledge.Redis.URL)
	cfg.DataDir = expandEnv(cfg.DataDir)
	cfg.Artifacts.Root = expandEnv(cfg.Artifacts.Root)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the control plane cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Loop.Window < 1 {
		errs = append(errs, fmt.Errorf("loop.window must be at least 1, got %d", c.Loop.Window))
	}
	if c.Collaboration.SimilarityThreshold <= 0 || c.Collaboration.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("collaboration.similarity_threshold must be in (0, 1], got %v", c.Collaboration.SimilarityThreshold))
	}
	if c.Collaboration.MinCycles < 1 {
		errs = append(errs, fmt.Errorf("collaboration.min_cycles must be at least 1, got %d", c.Collaboration.MinCycles))
	}
	if c.Decision.HistorySize < 1 {
		errs = append(errs, fmt.Errorf("decision.history_size must be at least 1, got %d", c.Decision.HistorySize))
	}
	if c.Decision.ConfidenceFloor < 0 || c.Decision.ConfidenceFloor > 1 {
		errs = append(errs, fmt.Errorf("decision.confidence_floor must be in [0, 1], got %v", c.Decision.ConfidenceFloor))
	}
	if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate must be in (0, 1], got %v", c.Tracing.SampleRate))
	}
	if c.Timeouts.Tick <= 0 || c.Timeouts.Default <= 0 {
		errs = append(errs, errors.New("timeouts.tick and timeouts.default must be positive"))
	}
	for role, d := range c.Timeouts.Roles {
		if !models.AgentRole(role).Valid() {
			errs = append(errs, fmt.Errorf("timeouts.roles: unknown role %q", role))
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("timeouts.roles.%s must be positive", role))
		}
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr must be set"))
	}
	for _, role := range c.Roles {
		if !models.AgentRole(role).Valid() {
			errs = append(errs, fmt.Errorf("roles: unknown role %q", role))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	return nil
}

// RoleBudgets converts the per-role timeout overrides.
func (c *Config) RoleBudgets() map[models.AgentRole]time.Duration {
	if len(c.Timeouts.Roles) == 0 {
		return nil
	}
	out := make(map[models.AgentRole]time.Duration, len(c.Timeouts.Roles))
	for role, d := range c.Timeouts.Roles {
		out[models.AgentRole(role)] = d
	}
	return out
}

// DefaultRoles converts the configured roster.
func (c *Config) DefaultRoles() []models.AgentRole {
	out := make([]models.AgentRole, 0, len(c.Roles))
	for _, r := range c.Roles {
		out = append(out, models.AgentRole(r))
	}
	return out
}

// StatePath is the control plane database.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "steward.db")
}

// KnowledgePath is the knowledge SQLite sink.
func (c *Config) KnowledgePath() string {
	return filepath.Join(c.DataDir, "knowledge.db")
}

// InboxDir is where gate resolution files are dropped.
func (c *Config) InboxDir() string {
	return filepath.Join(c.DataDir, "inbox")
}

// LogFile is the debug log mirror, empty unless log.debug is set.
func (c *Config) LogFile() string {
	if !c.Log.Debug {
		return ""
	}
	return filepath.Join(c.DataDir, "logs", "steward.log")
}

// Save writes the configuration to the user config file. Secrets are not
// written; they belong in the environment.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(userConfigDir, "config.yaml"))

	v.Set("data_dir", cfg.DataDir)
	v.Set("log.level", cfg.Log.Level)
	v.Set("log.format", cfg.Log.Format)
	v.Set("log.debug", cfg.Log.Debug)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("loop.window", cfg.Loop.Window)
	v.Set("timeouts.tick", cfg.Timeouts.Tick.String())
	v.Set("timeouts.default", cfg.Timeouts.Default.String())
	v.Set("collaboration.similarity_threshold", cfg.Collaboration.SimilarityThreshold)
	v.Set("collaboration.min_cycles", cfg.Collaboration.MinCycles)
	v.Set("collaboration.window", cfg.Collaboration.Window.String())
	if cfg.Collaboration.Stopwords != nil {
		v.Set("collaboration.stopwords", cfg.Collaboration.Stopwords)
	}
	v.Set("decision.history_size", cfg.Decision.HistorySize)
	v.Set("decision.confidence_floor", cfg.Decision.ConfidenceFloor)
	v.Set("decision.oracle_timeout", cfg.Decision.OracleTimeout.String())
	v.Set("metrics.addr", cfg.Metrics.Addr)
	v.Set("tracing.enabled", cfg.Tracing.Enabled)
	v.Set("tracing.endpoint", cfg.Tracing.Endpoint)
	v.Set("tracing.insecure", cfg.Tracing.Insecure)
	v.Set("tracing.sample_rate", cfg.Tracing.SampleRate)
	v.Set("http.addr", cfg.HTTP.Addr)
	v.Set("http.enable_cors", cfg.HTTP.EnableCORS)
	v.Set("roles", cfg.Roles)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.debug", d.Log.Debug)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")
	v.SetDefault("anthropic.max_tokens", d.Anthropic.MaxTokens)

	v.SetDefault("loop.window", d.Loop.Window)

	v.SetDefault("timeouts.tick", d.Timeouts.Tick.String())
	v.SetDefault("timeouts.default", d.Timeouts.Default.String())
	v.SetDefault("timeouts.roles", map[string]string{})

	v.SetDefault("collaboration.max_context_bytes", d.Collaboration.MaxContextBytes)
	v.SetDefault("collaboration.similarity_threshold", d.Collaboration.SimilarityThreshold)
	v.SetDefault("collaboration.min_cycles", d.Collaboration.MinCycles)
	v.SetDefault("collaboration.window", d.Collaboration.Window.String())
	v.SetDefault("collaboration.stale_after", d.Collaboration.StaleAfter.String())
	v.SetDefault("collaboration.expertise_file", "")

	v.SetDefault("decision.history_size", d.Decision.HistorySize)
	v.SetDefault("decision.confidence_floor", d.Decision.ConfidenceFloor)
	v.SetDefault("decision.oracle_timeout", d.Decision.OracleTimeout.String())
	v.SetDefault("decision.protected_file", "")

	v.SetDefault("artifacts.root", d.Artifacts.Root)
	v.SetDefault("artifacts.max_bytes", d.Artifacts.MaxBytes)
	v.SetDefault("artifacts.cache_size", d.Artifacts.CacheSize)
	v.SetDefault("artifacts.cache_ttl", d.Artifacts.CacheTTL.String())
	v.SetDefault("artifacts.minio.endpoint", "")
	v.SetDefault("artifacts.minio.access_key", "")
	v.SetDefault("artifacts.minio.secret_key", "")
	v.SetDefault("artifacts.minio.bucket", d.Artifacts.MinIO.Bucket)
	v.SetDefault("artifacts.minio.use_ssl", false)
	v.SetDefault("artifacts.minio.prefix", "")

	v.SetDefault("knowledge.buffer", d.Knowledge.Buffer)
	v.SetDefault("knowledge.sqlite", d.Knowledge.SQLite)
	v.SetDefault("knowledge.redis.url", "")
	v.SetDefault("knowledge.redis.stream", d.Knowledge.Redis.Stream)
	v.SetDefault("knowledge.redis.max_len", d.Knowledge.Redis.MaxLen)

	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.enable_cors", d.HTTP.EnableCORS)

	v.SetDefault("roles", d.Roles)
}

// getUserConfigDir returns the XDG config directory for Steward.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "steward")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "steward")
	}
	return filepath.Join(home, ".config", "steward")
}

// getDataDir returns the XDG data directory for Steward.
func getDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "steward")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".local", "share", "steward")
	}
	return filepath.Join(home, ".local", "share", "steward")
}

// findProjectConfig searches for .steward.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".steward.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	dataDir := getDataDir()
	roles := make([]string, 0, len(models.AllRoles))
	for _, r := range models.AllRoles {
		roles = append(roles, string(r))
	}
	return &Config{
		DataDir: dataDir,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 2048,
		},
		Loop: LoopConfig{Window: 3},
		Timeouts: TimeoutsConfig{
			Tick:    10 * time.Second,
			Default: 15 * time.Minute,
		},
		Collaboration: CollaborationConfig{
			MaxContextBytes:     4096,
			SimilarityThreshold: 0.85,
			MinCycles:           2,
			Window:              24 * time.Hour,
			StaleAfter:          30 * time.Minute,
		},
		Decision: DecisionConfig{
			HistorySize:     5,
			ConfidenceFloor: 0.5,
			OracleTimeout:   60 * time.Second,
		},
		Artifacts: ArtifactsConfig{
			Root:      filepath.Join(dataDir, "workspaces"),
			MaxBytes:  256 << 10,
			CacheSize: 512,
			CacheTTL:  5 * time.Minute,
			MinIO:     MinIOConfig{Bucket: "steward-artifacts"},
		},
		Knowledge: KnowledgeConfig{
			Buffer: 256,
			SQLite: true,
			Redis: RedisConfig{
				Stream: "steward:knowledge",
				MaxLen: 10000,
			},
		},
		Metrics: MetricsConfig{Addr: ":9464"},
		Tracing: TracingConfig{
			Endpoint:   "localhost:4318",
			Insecure:   true,
			SampleRate: 1,
		},
		HTTP:  HTTPConfig{Addr: "127.0.0.1:8420"},
		Roles: roles,
	}
}
