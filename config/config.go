package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	Port               int           `mapstructure:"port"`
	StoragePath        string        `mapstructure:"storage_path"`
	MetadataPath       string        `mapstructure:"metadata_path"`
	StorageSecret      string        `mapstructure:"storage_secret"`
	ChunkSize          int64         `mapstructure:"chunk_size"`
	MaxFileSize        int64         `mapstructure:"max_file_size"`
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	CodeLength         int           `mapstructure:"code_length"`
	CodeAttempts       int           `mapstructure:"code_attempts"`
	BcryptCost         int           `mapstructure:"bcrypt_cost"`
	Debug              bool          `mapstructure:"debug"`

	// Client side.
	ServerURL     string        `mapstructure:"server_url"`
	ClientTimeout time.Duration `mapstructure:"client_timeout"`
	ClientRetries int           `mapstructure:"client_retries"`
}

const (
	DefaultChunkSize   = 5 * 1024 * 1024
	DefaultMaxFileSize = 2 * 1024 * 1024 * 1024
)

var Config *AppConfig

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("storage_path", "./data/chunks")
	v.SetDefault("metadata_path", "./data/meta")
	v.SetDefault("storage_secret", "")
	v.SetDefault("chunk_size", DefaultChunkSize)
	v.SetDefault("max_file_size", DefaultMaxFileSize)
	v.SetDefault("session_idle_timeout", 30*time.Minute)
	v.SetDefault("cleanup_interval", time.Minute)
	v.SetDefault("code_length", 6)
	v.SetDefault("code_attempts", 32)
	v.SetDefault("bcrypt_cost", 10)
	v.SetDefault("debug", false)
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("client_timeout", 60*time.Second)
	v.SetDefault("client_retries", 0)
}

// LoadConfig reads config.yaml from path (if present), overlays
// DISKTROLINK_* environment variables and stores the result in Config.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("disktrolink")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var appConfig AppConfig
	if err := v.Unmarshal(&appConfig); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := appConfig.Validate(); err != nil {
		return nil, err
	}

	Config = &appConfig
	return &appConfig, nil
}

// Default returns the built-in defaults without touching disk or env.
func Default() *AppConfig {
	v := viper.New()
	setDefaults(v)
	var appConfig AppConfig
	_ = v.Unmarshal(&appConfig)
	return &appConfig
}

func (c *AppConfig) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.MaxFileSize < 0 {
		return fmt.Errorf("max_file_size must not be negative")
	}
	if c.CodeLength < 4 {
		return fmt.Errorf("code_length must be at least 4, got %d", c.CodeLength)
	}
	if c.CodeAttempts <= 0 {
		return fmt.Errorf("code_attempts must be positive")
	}
	return nil
}
