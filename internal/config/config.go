// Package config loads runtime settings from environment variables, with
// an optional YAML file pointed to by CONFIG_PATH layered underneath.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings holds every runtime knob for the service.
type Settings struct {
	AppEnv      string `mapstructure:"app_env"`
	HTTPPort    int    `mapstructure:"http_port"`
	APIV1Prefix string `mapstructure:"api_v1_prefix"`
	CORSOrigins string `mapstructure:"cors_origins"`

	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	RedisHost     string `mapstructure:"redis_host"`
	RedisPort     int    `mapstructure:"redis_port"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	SecretKey     string `mapstructure:"secret_key"`
	EncryptionKey string `mapstructure:"encryption_key"`

	AccessTokenExpiry  time.Duration `mapstructure:"access_token_expiry"`
	RefreshTokenExpiry time.Duration `mapstructure:"refresh_token_expiry"`
	GoogleClientID     string        `mapstructure:"google_client_id"`

	FirewallRateLimitPerMinute int `mapstructure:"firewall_rate_limit_per_minute"`
	APIRateLimitPerMinute      int `mapstructure:"api_rate_limit_per_minute"`

	LLMJudgeModel       string        `mapstructure:"llm_judge_model"`
	LLMJudgeTemperature float64       `mapstructure:"llm_judge_temperature"`
	LLMJudgeMaxTokens   int           `mapstructure:"llm_judge_max_tokens"`
	LLMRequestTimeout   time.Duration `mapstructure:"llm_request_timeout"`

	ExperimentBatchSize  int           `mapstructure:"experiment_batch_size"`
	ExperimentMaxRetries int           `mapstructure:"experiment_max_retries"`
	ExperimentRetryDelay time.Duration `mapstructure:"experiment_retry_delay"`
	InterRequestDelay    time.Duration `mapstructure:"inter_request_delay"`

	TracingEnabled  bool   `mapstructure:"tracing_enabled"`
	TracingEndpoint string `mapstructure:"tracing_endpoint"`

	RateControlPath string `mapstructure:"rate_control_path"`
}

// Load reads settings from the environment, layered over CONFIG_PATH if set.
func Load() (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgPath := os.Getenv("CONFIG_PATH"); cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", "development")
	v.SetDefault("http_port", 8000)
	v.SetDefault("api_v1_prefix", "/api/v1")
	v.SetDefault("cors_origins", "http://localhost:3000")

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "aegis")
	v.SetDefault("postgres_password", "aegis")
	v.SetDefault("postgres_db", "aegis")
	v.SetDefault("postgres_sslmode", "disable")

	v.SetDefault("redis_host", "localhost")
	v.SetDefault("redis_port", 6379)
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("secret_key", "")
	v.SetDefault("encryption_key", "")

	v.SetDefault("access_token_expiry", 30*time.Minute)
	v.SetDefault("refresh_token_expiry", 7*24*time.Hour)
	v.SetDefault("google_client_id", "")

	v.SetDefault("firewall_rate_limit_per_minute", 100)
	v.SetDefault("api_rate_limit_per_minute", 60)

	v.SetDefault("llm_judge_model", "gpt-4o")
	v.SetDefault("llm_judge_temperature", 0.0)
	v.SetDefault("llm_judge_max_tokens", 1024)
	v.SetDefault("llm_request_timeout", 30*time.Second)

	v.SetDefault("experiment_batch_size", 10)
	v.SetDefault("experiment_max_retries", 3)
	v.SetDefault("experiment_retry_delay", 5*time.Second)
	v.SetDefault("inter_request_delay", time.Second)

	v.SetDefault("tracing_enabled", false)
	v.SetDefault("tracing_endpoint", "localhost:4317")

	v.SetDefault("rate_control_path", "")
}

// Validate rejects settings a production deployment must not run with.
func (s *Settings) Validate() error {
	if s.IsProduction() {
		if s.SecretKey == "" {
			return fmt.Errorf("SECRET_KEY is required in production")
		}
		if s.EncryptionKey == "" {
			return fmt.Errorf("ENCRYPTION_KEY is required in production")
		}
	}
	if s.ExperimentBatchSize <= 0 {
		return fmt.Errorf("experiment_batch_size must be positive")
	}
	return nil
}

// IsProduction reports whether the service runs with production hardening.
func (s *Settings) IsProduction() bool {
	return strings.EqualFold(s.AppEnv, "production")
}

// PostgresDSN builds the lib/pq connection string.
func (s *Settings) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.PostgresHost, s.PostgresPort, s.PostgresUser, s.PostgresPassword, s.PostgresDB, s.PostgresSSLMode)
}

// RedisAddr returns the host:port address for the Redis client.
func (s *Settings) RedisAddr() string {
	return fmt.Sprintf("%s:%d", s.RedisHost, s.RedisPort)
}

// CORSOriginList splits the configured origins into a slice.
func (s *Settings) CORSOriginList() []string {
	parts := strings.Split(s.CORSOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
