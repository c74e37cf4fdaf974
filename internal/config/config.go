package config

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "PILGRIM"

	defaultMaxUploadBytes = 25 << 20
)

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
	RedisURL       string
	MediaDir       string
	MediaBaseURL   string
	MaxUploadBytes int64
	SMTP           SMTPConfig
}

type SMTPConfig struct {
	Addr     string
	From     string
	Username string
	Password string
}

// Options are the raw, string-typed settings collected from flags, a config
// file and the environment before validation.
type Options struct {
	ServerAddr     string   `mapstructure:"addr"`
	DatabaseDSN    string   `mapstructure:"dsn"`
	SigningKey     string   `mapstructure:"signing_key"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	RedisURL       string   `mapstructure:"redis_url"`
	MediaDir       string   `mapstructure:"media_dir"`
	MediaBaseURL   string   `mapstructure:"media_base_url"`
	MaxUploadBytes int64    `mapstructure:"max_upload_bytes"`
	SMTPAddr       string   `mapstructure:"smtp_addr"`
	SMTPFrom       string   `mapstructure:"smtp_from"`
	SMTPUsername   string   `mapstructure:"smtp_username"`
	SMTPPassword   string   `mapstructure:"smtp_password"`
}

func (o Options) asMap() map[string]any {
	return map[string]any{
		"addr":             o.ServerAddr,
		"dsn":              o.DatabaseDSN,
		"signing_key":      o.SigningKey,
		"allowed_origins":  o.AllowedOrigins,
		"redis_url":        o.RedisURL,
		"media_dir":        o.MediaDir,
		"media_base_url":   o.MediaBaseURL,
		"max_upload_bytes": o.MaxUploadBytes,
		"smtp_addr":        o.SMTPAddr,
		"smtp_from":        o.SMTPFrom,
		"smtp_username":    o.SMTPUsername,
		"smtp_password":    o.SMTPPassword,
	}
}

// Key converts a flag name such as "signing-key" to its config key.
func Key(flagName string) string {
	return strings.ReplaceAll(flagName, "-", "_")
}

// Resolve layers the settings: defaults (the values in opts), then the YAML
// file at path if non-empty, then PILGRIM_* environment variables, then the
// keys listed in explicit, which keep the value they have in opts.
func Resolve(opts Options, path string, explicit map[string]bool) (Options, error) {
	v := viper.New()

	values := opts.asMap()
	for k, val := range values {
		v.SetDefault(k, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Options{}, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	for k := range values {
		if err := v.BindEnv(k); err != nil {
			return Options{}, fmt.Errorf("bind env %q: %w", k, err)
		}
	}

	for k := range explicit {
		if val, ok := values[k]; ok {
			v.Set(k, val)
		}
	}

	var out Options
	if err := v.Unmarshal(&out); err != nil {
		return Options{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return out, nil
}

// Config validates the options and builds the runtime configuration.
func (o Options) Config() (*Config, error) {
	cfg, err := NewConfig(o.ServerAddr, o.DatabaseDSN, o.SigningKey, o.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	cfg.RedisURL = o.RedisURL
	cfg.MediaDir = o.MediaDir
	cfg.MediaBaseURL = strings.TrimSuffix(o.MediaBaseURL, "/")
	cfg.MaxUploadBytes = o.MaxUploadBytes
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	cfg.SMTP = SMTPConfig{
		Addr:     o.SMTPAddr,
		From:     o.SMTPFrom,
		Username: o.SMTPUsername,
		Password: o.SMTPPassword,
	}

	if cfg.MediaDir == "" {
		return nil, fmt.Errorf("media directory cannot be empty")
	}

	return cfg, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("signing secret is empty")
	}
	return key, nil
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		DatabaseDSN:    databaseDSN,
		ServerAddr:     serverAddr,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		MaxUploadBytes: defaultMaxUploadBytes,
	}, nil
}
