package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the analysis engine
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug             bool          `mapstructure:"debug"`
	LogLevel          string        `mapstructure:"log_level"`
	MaxProcessingTime time.Duration `mapstructure:"max_processing_time"`
	JWTSecret         string        `mapstructure:"jwt_secret"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains completion provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single completion provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai, local, etc.
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model serves each pipeline stage
type LLMRoutingConfig struct {
	Questions     string `mapstructure:"questions"`
	Planning      string `mapstructure:"planning"`
	Agents        string `mapstructure:"agents"`
	CodeSynthesis string `mapstructure:"code_synthesis"`
	Synthesis     string `mapstructure:"synthesis"`
	Conclusion    string `mapstructure:"conclusion"`
	Fallback      string `mapstructure:"fallback"`
}

// Resolve returns the routed model for a stage, falling back when unset.
func (r LLMRoutingConfig) Resolve(model string) string {
	if model != "" {
		return model
	}
	return r.Fallback
}

// SandboxConfig declares the code execution sandbox endpoint and policy defaults.
type SandboxConfig struct {
	URL            string        `mapstructure:"url"`
	Token          string        `mapstructure:"token"`
	PolicyFile     string        `mapstructure:"policy_file"`
	Provider       string        `mapstructure:"provider"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	DefaultCPU     float64       `mapstructure:"default_cpu"`
	DefaultMemory  string        `mapstructure:"default_memory"`
}

func (s SandboxConfig) Validate() error {
	if strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("sandbox.url required")
	}
	return nil
}

// BillingConfig controls the completion classifier and the credit ledger adapter.
type BillingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	CreditCost  int           `mapstructure:"credit_cost"`
	LedgerURL   string        `mapstructure:"ledger_url"`
	LedgerToken string        `mapstructure:"ledger_token"`
	Timeout     time.Duration `mapstructure:"timeout"`
	// KnownErrors extends the built-in non-billable error marker table.
	KnownErrors []string `mapstructure:"known_errors"`
}

func (b BillingConfig) Validate() error {
	if b.Enabled && b.CreditCost <= 0 {
		return fmt.Errorf("billing.credit_cost must be > 0 when billing is enabled")
	}
	return nil
}

// AgentsConfig contains agent execution settings
type AgentsConfig struct {
	MaxConcurrentAgents int           `mapstructure:"max_concurrent_agents"`
	AgentTimeout        time.Duration `mapstructure:"agent_timeout"`
	MaxFixAttempts      int           `mapstructure:"max_fix_attempts"`
	MaxGoalLength       int           `mapstructure:"max_goal_length"`
}

// TelemetryConfig contains telemetry and cost tracking settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// StorageConfig contains storage configurations
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host        string        `mapstructure:"host"`
	Port        string        `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	ProgressTTL time.Duration `mapstructure:"progress_ttl"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.max_processing_time", 30*time.Minute)
	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("billing.enabled", true)
	viper.SetDefault("billing.credit_cost", 1)
	viper.SetDefault("billing.timeout", 10*time.Second)
	viper.SetDefault("sandbox.default_timeout", 2*time.Minute)
	viper.SetDefault("sandbox.default_cpu", 1.0)
	viper.SetDefault("sandbox.default_memory", "512mb")
	viper.SetDefault("agents.max_concurrent_agents", 10)
	viper.SetDefault("agents.agent_timeout", 2*time.Minute)
	viper.SetDefault("agents.max_fix_attempts", 2)
	viper.SetDefault("agents.max_goal_length", 4000)
	viper.SetDefault("storage.redis.progress_ttl", time.Hour)
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.cost_tracking", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("DEEPINSIGHT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Billing.Validate(); err != nil {
		panic(err)
	}
	if err := config.Sandbox.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	return &config
}
