// Package config loads Mosaic daemon configuration with Viper.
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/mosaicvideo/mosaic/errors"
)

// Config holds daemon configuration for the job subsystem and its server.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Jobs   JobsConfig   `mapstructure:"jobs"`
	DB     DBConfig     `mapstructure:"db"`
	Media  MediaConfig  `mapstructure:"media"`
}

// MediaConfig configures the external media collaborators.
type MediaConfig struct {
	MetadataURL string `mapstructure:"metadata_url"`
	DownloadDir string `mapstructure:"download_dir"`
}

// ServerConfig configures the HTTP/WebSocket surface.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// JobsConfig configures the worker pool and retention.
type JobsConfig struct {
	Workers         int           `mapstructure:"workers"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Retention       time.Duration `mapstructure:"retention"`
	TickerInterval  time.Duration `mapstructure:"ticker_interval"`
}

// DBConfig configures the durable mirror.
type DBConfig struct {
	Path   string `mapstructure:"path"`
	Mirror bool   `mapstructure:"mirror"`
}

// SetDefaults registers default values on a Viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8640")
	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.poll_interval", 250*time.Millisecond)
	v.SetDefault("jobs.shutdown_timeout", 30*time.Second)
	v.SetDefault("jobs.retention", 7*24*time.Hour)
	v.SetDefault("jobs.ticker_interval", time.Second)
	v.SetDefault("db.path", "mosaic.db")
	v.SetDefault("db.mirror", true)
	v.SetDefault("media.metadata_url", "http://localhost:8641")
	v.SetDefault("media.download_dir", "downloads")
}

// Load reads configuration from the given file (optional) with environment
// overrides under the MOSAIC_ prefix.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("MOSAIC")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}
