// Package config loads pool runner settings from a YAML file plus
// environment variable overrides, mirroring the teacher's pkg/config.Load
// entry point: a default file merged with an environment-named overlay,
// then flattened with viper.AutomaticEnv.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/synledger/vdrpool/pkg/utils"
	"github.com/synledger/vdrpool/pool"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the on-disk/environment representation of pool.Config, plus the
// client-side settings (genesis path, identity key file) pool.Config itself
// has no opinion about.
type Config struct {
	Genesis struct {
		Path string `mapstructure:"path" json:"path"`
	} `mapstructure:"genesis" json:"genesis"`

	Identity struct {
		KeyFile string `mapstructure:"key_file" json:"key_file"`
	} `mapstructure:"identity" json:"identity"`

	Pool struct {
		ProtocolVersion      int `mapstructure:"protocol_version" json:"protocol_version"`
		FreshnessTimeoutMS   int `mapstructure:"freshness_timeout_ms" json:"freshness_timeout_ms"`
		AckTimeoutMS         int `mapstructure:"ack_timeout_ms" json:"ack_timeout_ms"`
		ReplyTimeoutMS       int `mapstructure:"reply_timeout_ms" json:"reply_timeout_ms"`
		ConnActiveTimeoutMS  int `mapstructure:"conn_active_timeout_ms" json:"conn_active_timeout_ms"`
		ConnRequestLimit     int `mapstructure:"conn_request_limit" json:"conn_request_limit"`
		RequestReadNodes     int `mapstructure:"request_read_nodes" json:"request_read_nodes"`
		CatchupChunkSize     int `mapstructure:"catchup_chunk_size" json:"catchup_chunk_size"`
		CatchupReadNodes     int `mapstructure:"catchup_read_nodes" json:"catchup_read_nodes"`
		CacheCapacity        int `mapstructure:"cache_capacity" json:"cache_capacity"`
		CacheMaxAgeMS        int `mapstructure:"cache_max_age_ms" json:"cache_max_age_ms"`
	} `mapstructure:"pool" json:"pool"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads cmd/config/default.yaml and merges an environment-named
// overlay (e.g. cmd/config/production.yaml) when env is non-empty, then
// applies any matching environment variables via viper.AutomaticEnv. The
// resulting configuration is stored in AppConfig and returned.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the VDRPOOL_ENV environment
// variable to select the overlay file.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("VDRPOOL_ENV", ""))
}

// PoolConfig converts the loaded Config's pool section into a pool.Config,
// filling in pool.DefaultConfig for any zero-valued millisecond field so a
// minimal YAML file only needs to override what it cares about.
func (c *Config) PoolConfig() pool.Config {
	d := pool.DefaultConfig()
	p := c.Pool

	cfg := d
	if p.ProtocolVersion != 0 {
		cfg.ProtocolVersion = p.ProtocolVersion
	}
	if p.FreshnessTimeoutMS != 0 {
		cfg.FreshnessTimeout = time.Duration(p.FreshnessTimeoutMS) * time.Millisecond
	}
	if p.AckTimeoutMS != 0 {
		cfg.AckTimeout = time.Duration(p.AckTimeoutMS) * time.Millisecond
	}
	if p.ReplyTimeoutMS != 0 {
		cfg.ReplyTimeout = time.Duration(p.ReplyTimeoutMS) * time.Millisecond
	}
	if p.ConnActiveTimeoutMS != 0 {
		cfg.ConnActiveTimeout = time.Duration(p.ConnActiveTimeoutMS) * time.Millisecond
	}
	if p.ConnRequestLimit != 0 {
		cfg.ConnRequestLimit = p.ConnRequestLimit
	}
	if p.RequestReadNodes != 0 {
		cfg.RequestReadNodes = p.RequestReadNodes
	}
	if p.CatchupChunkSize != 0 {
		cfg.CatchupChunkSize = p.CatchupChunkSize
	}
	if p.CatchupReadNodes != 0 {
		cfg.CatchupReadNodes = p.CatchupReadNodes
	}
	if p.CacheCapacity != 0 {
		cfg.CacheCapacity = p.CacheCapacity
	}
	if p.CacheMaxAgeMS != 0 {
		cfg.CacheMaxAge = time.Duration(p.CacheMaxAgeMS) * time.Millisecond
	}
	return cfg
}
