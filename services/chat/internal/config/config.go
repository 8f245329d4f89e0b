package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, relative to the working directory.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	LogsDir  string `yaml:"logsDir"`

	// DatabaseURL selects the Postgres store; empty keeps everything in memory.
	DatabaseURL string `yaml:"databaseURL"`
	// SecretKey seals stored API keys. Empty stores them as plaintext.
	SecretKey string `yaml:"secretKey"`

	IdentitySecret   string `yaml:"identitySecret"`
	IdentityIssuer   string `yaml:"identityIssuer"`
	IdentityAudience string `yaml:"identityAudience"`
	IdentityTTLHours int    `yaml:"identityTtlHours"`
	JWTLeeway        string `yaml:"jwtLeeway"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	StorageDir     string `yaml:"storageDir"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	DefaultBaseURL           string  `yaml:"defaultBaseURL"`
	DefaultModel             string  `yaml:"defaultModel"`
	Temperature              float64 `yaml:"temperature"`
	MaxTokens                int     `yaml:"maxTokens"`
	CompletionTimeoutSeconds int     `yaml:"completionTimeoutSeconds"`

	MaxUploadBytes          int64    `yaml:"maxUploadBytes"`
	MaxAttachmentBytes      int64    `yaml:"maxAttachmentBytes"`
	AllowedOrigins          []string `yaml:"allowedOrigins"`
	TrustedProxyCIDRs       []string `yaml:"trustedProxyCidrs"`
	IdentityRateLimitPerMin int      `yaml:"identityRateLimitPerMinute"`
	MessageRateLimitPerMin  int      `yaml:"messageRateLimitPerMinute"`
	SweepConcurrency        int      `yaml:"sweepConcurrency"`
	SweepMaxRetries         int      `yaml:"sweepMaxRetries"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("GROKCHAT_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("GROKCHAT_SECRET_KEY"); v != "" {
		cfg.SecretKey = v
	}
	if v := os.Getenv("GROKCHAT_IDENTITY_SECRET"); v != "" {
		cfg.IdentitySecret = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.IdentityIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.IdentityAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("GROKCHAT_DEFAULT_BASE_URL"); v != "" {
		cfg.DefaultBaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("GROKCHAT_DEFAULT_MODEL"); v != "" {
		cfg.DefaultModel = strings.TrimSpace(v)
	}
	if v := os.Getenv("GROKCHAT_COMPLETION_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.CompletionTimeoutSeconds = n
		}
	}
	if v := os.Getenv("GROKCHAT_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("GROKCHAT_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("GROKCHAT_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("GROKCHAT_IDENTITY_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IdentityRateLimitPerMin = n
		}
	}
	if v := os.Getenv("GROKCHAT_MESSAGE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MessageRateLimitPerMin = n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = "data/files"
	}
	if cfg.CompletionTimeoutSeconds == 0 {
		cfg.CompletionTimeoutSeconds = 120
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 20 << 20
	}
	if cfg.SweepConcurrency == 0 {
		cfg.SweepConcurrency = 1
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or GROKCHAT_PORT)")
	}
	if len(strings.TrimSpace(cfg.IdentitySecret)) < 16 {
		return errors.New("config: identitySecret must be at least 16 characters (set in config.yaml or GROKCHAT_IDENTITY_SECRET)")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return err
	}
	if cfg.DefaultBaseURL != "" {
		u, err := url.Parse(cfg.DefaultBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("config: defaultBaseURL must be an absolute http(s) URL")
		}
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioBucket == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "") {
		return errors.New("config: minioBucket, minioAccessKey and minioSecretKey are required with minioEndpoint")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return errors.New("config: temperature must be within [0, 2]")
	}
	if cfg.MaxTokens < 0 || cfg.CompletionTimeoutSeconds < 0 || cfg.MaxUploadBytes < 0 || cfg.MaxAttachmentBytes < 0 {
		return errors.New("config: maxTokens, completionTimeoutSeconds and size limits must be >= 0")
	}
	if cfg.IdentityRateLimitPerMin < 0 || cfg.MessageRateLimitPerMin < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.SweepConcurrency < 0 || cfg.SweepMaxRetries < 0 {
		return errors.New("config: sweepConcurrency and sweepMaxRetries must be >= 0")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

// IdentityTTL returns the configured token lifetime; zero lets the issuer pick its default.
func (c FileConfig) IdentityTTL() time.Duration {
	if c.IdentityTTLHours <= 0 {
		return 0
	}
	return time.Duration(c.IdentityTTLHours) * time.Hour
}

// CompletionTimeout bounds one outbound completion request.
func (c FileConfig) CompletionTimeout() time.Duration {
	return time.Duration(c.CompletionTimeoutSeconds) * time.Second
}
