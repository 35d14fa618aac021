package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the full process configuration. Everything can come from
// environment variables with the IMAPMUX_ prefix or from an optional
// YAML file.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Prefix   string `mapstructure:"prefix"`
	} `mapstructure:"redis"`

	Workers struct {
		IMAP   int `mapstructure:"imap"`
		Submit int `mapstructure:"submit"`
		Notify int `mapstructure:"notify"`
	} `mapstructure:"workers"`

	CallTimeout time.Duration `mapstructure:"call_timeout"`

	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	SMTPServer struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"smtp_server"`

	EncryptionSecret string `mapstructure:"encryption_secret"`

	OAuth map[string]struct {
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
	} `mapstructure:"oauth"`

	Metrics struct {
		RetentionDays int `mapstructure:"retention_days"`
	} `mapstructure:"metrics"`

	MaxLogLines int64 `mapstructure:"max_log_lines"`

	viper *viper.Viper
}

// LoadConfig reads the configuration, applying defaults first.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("IMAPMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.prefix", "")
	v.SetDefault("workers.imap", 4)
	v.SetDefault("workers.submit", 1)
	v.SetDefault("workers.notify", 1)
	v.SetDefault("call_timeout", 10*time.Second)
	v.SetDefault("http.addr", ":3000")
	v.SetDefault("smtp_server.enabled", false)
	v.SetDefault("smtp_server.addr", ":2525")
	v.SetDefault("metrics.retention_days", 30)
	v.SetDefault("max_log_lines", 10000)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.viper = v
	return cfg, nil
}

// Watch re-reads the file on change and invokes fn with the fresh
// configuration. Only meaningful when a config file was given.
func (c *Config) Watch(fn func(*Config)) {
	if c.viper == nil || c.viper.ConfigFileUsed() == "" {
		return
	}
	c.viper.OnConfigChange(func(fsnotify.Event) {
		fresh := new(Config)
		if err := c.viper.Unmarshal(fresh); err != nil {
			return
		}
		fresh.viper = c.viper
		fn(fresh)
	})
	c.viper.WatchConfig()
}
