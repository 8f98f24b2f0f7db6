package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "PLACEVOTE"
	defaultHTTPAddress        = "0.0.0.0:5000"
	defaultDataDir            = "data"
	defaultMainFile           = "main.txt"
	defaultLogFile            = "log.txt"
	defaultCompactionInterval = 15 * time.Minute
	defaultDatabasePath       = "placevote.db"
	defaultTopPlacesLimit     = 5
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DataDir            string
	MainFileName       string
	LogFileName        string
	CompactionInterval time.Duration
	DatabasePath       string
	TopPlacesLimit     int
	LogLevel           string
	LogFormat          string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("data.dir", defaultDataDir)
	configViper.SetDefault("journal.main_file", defaultMainFile)
	configViper.SetDefault("journal.log_file", defaultLogFile)
	configViper.SetDefault("compaction.interval", defaultCompactionInterval)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("places.top_limit", defaultTopPlacesLimit)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DataDir:            configViper.GetString("data.dir"),
		MainFileName:       configViper.GetString("journal.main_file"),
		LogFileName:        configViper.GetString("journal.log_file"),
		CompactionInterval: configViper.GetDuration("compaction.interval"),
		DatabasePath:       configViper.GetString("database.path"),
		TopPlacesLimit:     configViper.GetInt("places.top_limit"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data.dir is required")
	}
	if strings.TrimSpace(c.MainFileName) == "" || strings.TrimSpace(c.LogFileName) == "" {
		return fmt.Errorf("journal.main_file and journal.log_file are required")
	}
	if c.MainFileName == c.LogFileName {
		return fmt.Errorf("journal.main_file and journal.log_file must differ")
	}
	if c.CompactionInterval <= 0 {
		return fmt.Errorf("compaction.interval must be positive")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TopPlacesLimit <= 0 {
		return fmt.Errorf("places.top_limit must be positive")
	}
	return nil
}
