// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoggerConfig controls the global zap logger and its file rotation.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig controls the chromedp-backed environment.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	NavTimeout      time.Duration `mapstructure:"nav_timeout" yaml:"nav_timeout"`
	PostLoadWait    time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
	ScreenshotsDir  string        `mapstructure:"screenshots_dir" yaml:"screenshots_dir"`
}

// OracleConfig controls the planning LLM client.
type OracleConfig struct {
	Model      string        `mapstructure:"model" yaml:"model"`
	APIKeyEnv  string        `mapstructure:"api_key_env" yaml:"api_key_env"`
	Endpoint   string        `mapstructure:"endpoint" yaml:"endpoint"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	// RateLimit is requests per second across one session.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RawLogs   bool    `mapstructure:"raw_logs" yaml:"raw_logs"`
}

// AgentConfig holds every tunable of the control loop.
type AgentConfig struct {
	MappingLimit          int           `mapstructure:"mapping_limit" yaml:"mapping_limit"`
	MaxSteps              int           `mapstructure:"max_steps" yaml:"max_steps"`
	PlannerTimeout        time.Duration `mapstructure:"planner_timeout" yaml:"planner_timeout"`
	ExecuteTimeout        time.Duration `mapstructure:"execute_timeout" yaml:"execute_timeout"`
	AutoConfirm           bool          `mapstructure:"auto_confirm" yaml:"auto_confirm"`
	Interactive           bool          `mapstructure:"interactive" yaml:"interactive"`
	LoopRepeatThreshold   int           `mapstructure:"loop_repeat_threshold" yaml:"loop_repeat_threshold"`
	StagnationThreshold   int           `mapstructure:"stagnation_threshold" yaml:"stagnation_threshold"`
	MaxAutoScrolls        int           `mapstructure:"max_auto_scrolls" yaml:"max_auto_scrolls"`
	LoopRetryMappingBoost int           `mapstructure:"loop_retry_mapping_boost" yaml:"loop_retry_mapping_boost"`
	ProgressKeywords      []string      `mapstructure:"progress_keywords" yaml:"progress_keywords"`
	AutoDoneMode          string        `mapstructure:"auto_done_mode" yaml:"auto_done_mode"`
	AutoDoneThreshold     int           `mapstructure:"auto_done_threshold" yaml:"auto_done_threshold"`
	AutoDoneRequireURL    bool          `mapstructure:"auto_done_require_url_change" yaml:"auto_done_require_url_change"`
	PagedScanSteps        int           `mapstructure:"paged_scan_steps" yaml:"paged_scan_steps"`
	PagedScanViewports    int           `mapstructure:"paged_scan_viewports" yaml:"paged_scan_viewports"`
	TypeSubmitFallback    bool          `mapstructure:"type_submit_fallback" yaml:"type_submit_fallback"`
	ConservativeObserve   bool          `mapstructure:"conservative_observe" yaml:"conservative_observe"`
	MaxReobserveAttempts  int           `mapstructure:"max_reobserve_attempts" yaml:"max_reobserve_attempts"`
	MaxAttemptsPerElement int           `mapstructure:"max_attempts_per_element" yaml:"max_attempts_per_element"`
	ScrollStep            int           `mapstructure:"scroll_step" yaml:"scroll_step"`
	MaxPlannerCalls       int           `mapstructure:"max_planner_calls" yaml:"max_planner_calls"`
	MaxNoProgressSteps    int           `mapstructure:"max_no_progress_steps" yaml:"max_no_progress_steps"`
	SensitivePaths        string        `mapstructure:"sensitive_paths" yaml:"sensitive_paths"`
	RiskyDomains          string        `mapstructure:"risky_domains" yaml:"risky_domains"`
	StateDir              string        `mapstructure:"state_dir" yaml:"state_dir"`
}

// Config is the root of the application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Oracle  OracleConfig  `mapstructure:"oracle" yaml:"oracle"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "wayfind")
	v.SetDefault("logger.log_file", "wayfind.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.nav_timeout", "30s")
	v.SetDefault("browser.post_load_wait", "1s")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.screenshots_dir", "artifacts/screenshots")

	// -- Oracle --
	v.SetDefault("oracle.model", "gemini-2.5-flash")
	v.SetDefault("oracle.api_key_env", "GEMINI_API_KEY")
	v.SetDefault("oracle.endpoint", "https://generativelanguage.googleapis.com/v1beta/models")
	v.SetDefault("oracle.timeout", "60s")
	v.SetDefault("oracle.max_retries", 2)
	v.SetDefault("oracle.rate_limit", 1.0)
	v.SetDefault("oracle.raw_logs", false)

	// -- Agent --
	v.SetDefault("agent.mapping_limit", 30)
	v.SetDefault("agent.max_steps", 6)
	v.SetDefault("agent.planner_timeout", "25s")
	v.SetDefault("agent.execute_timeout", "20s")
	v.SetDefault("agent.auto_confirm", false)
	v.SetDefault("agent.interactive", false)
	v.SetDefault("agent.loop_repeat_threshold", 2)
	v.SetDefault("agent.stagnation_threshold", 2)
	v.SetDefault("agent.max_auto_scrolls", 3)
	v.SetDefault("agent.loop_retry_mapping_boost", 20)
	v.SetDefault("agent.progress_keywords", []string{
		"cart", "корзина", "basket", "checkout", "add to cart",
		"добавить в корзину", "товар", "product",
	})
	v.SetDefault("agent.auto_done_mode", "ask")
	v.SetDefault("agent.auto_done_threshold", 2)
	v.SetDefault("agent.auto_done_require_url_change", true)
	v.SetDefault("agent.paged_scan_steps", 2)
	v.SetDefault("agent.paged_scan_viewports", 2)
	v.SetDefault("agent.type_submit_fallback", true)
	v.SetDefault("agent.conservative_observe", false)
	v.SetDefault("agent.max_reobserve_attempts", 1)
	v.SetDefault("agent.max_attempts_per_element", 3)
	v.SetDefault("agent.scroll_step", 600)
	v.SetDefault("agent.max_planner_calls", 20)
	v.SetDefault("agent.max_no_progress_steps", 20)
	v.SetDefault("agent.sensitive_paths", "payment,checkout,billing,account/close,delete,unsubscribe")
	v.SetDefault("agent.risky_domains", "paypal,stripe,bank,billing,secure")
	v.SetDefault("agent.state_dir", "artifacts/state")
}

// Load reads the config file (optional), applies WAYFIND_ environment
// overrides, and returns a validated Config.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("wayfind")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.wayfind")
	}
	v.SetEnvPrefix("WAYFIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return NewConfigFromViper(v)
}

// NewConfigFromViper creates a new configuration instance from a viper
// object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate enforces the invariants the control loop relies on.
func (c *Config) Validate() error {
	a := c.Agent
	if a.MaxSteps <= 0 {
		return fmt.Errorf("agent.max_steps must be positive, got %d", a.MaxSteps)
	}
	if a.MappingLimit <= 0 {
		return fmt.Errorf("agent.mapping_limit must be positive, got %d", a.MappingLimit)
	}
	if a.PlannerTimeout <= 0 {
		return fmt.Errorf("agent.planner_timeout must be positive, got %s", a.PlannerTimeout)
	}
	if a.ExecuteTimeout <= 0 {
		return fmt.Errorf("agent.execute_timeout must be positive, got %s", a.ExecuteTimeout)
	}
	switch a.AutoDoneMode {
	case "auto", "ask":
	default:
		return fmt.Errorf("agent.auto_done_mode must be \"auto\" or \"ask\", got %q", a.AutoDoneMode)
	}
	if a.MaxReobserveAttempts < 0 {
		return fmt.Errorf("agent.max_reobserve_attempts must not be negative, got %d", a.MaxReobserveAttempts)
	}
	if a.ScrollStep <= 0 {
		return fmt.Errorf("agent.scroll_step must be positive, got %d", a.ScrollStep)
	}
	if c.Oracle.RateLimit <= 0 {
		return fmt.Errorf("oracle.rate_limit must be positive, got %f", c.Oracle.RateLimit)
	}
	if c.Logger.Level != "" {
		switch strings.ToLower(c.Logger.Level) {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("logger.level must be one of debug/info/warn/error, got %q", c.Logger.Level)
		}
	}
	return nil
}
