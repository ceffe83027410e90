// Package config loads process configuration from flags, environment
// variables (RENALE_ prefix) and an optional config file, in that order of
// precedence.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Host          string
	Port          int
	DBPath        string
	ReadTimeout   int // seconds
	WriteTimeout  int // seconds
	MaxRequest    int // bytes
	AllocRetries  int
	ControlSocket string
	LogLevel      string
	LogFile       string
}

// SetDefaults registers every known key with its default value. Called once
// before flags are bound so that viper.Get* always resolves.
func SetDefaults() {
	viper.SetDefault("host", "127.0.0.1")
	viper.SetDefault("port", 9789)
	viper.SetDefault("db", "renale.db")
	viper.SetDefault("read-timeout", 30)
	viper.SetDefault("write-timeout", 10)
	viper.SetDefault("max-request", 65536)
	viper.SetDefault("alloc-retries", 64)
	viper.SetDefault("control-socket", "/tmp/renale.sock")
	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-file", "")
}

// Load resolves the effective configuration. An explicit config file path
// may be given; otherwise only defaults, env and bound flags apply.
func Load(cfgFile string) (*Config, error) {
	viper.SetEnvPrefix("renale")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	return &Config{
		Host:          viper.GetString("host"),
		Port:          viper.GetInt("port"),
		DBPath:        viper.GetString("db"),
		ReadTimeout:   viper.GetInt("read-timeout"),
		WriteTimeout:  viper.GetInt("write-timeout"),
		MaxRequest:    viper.GetInt("max-request"),
		AllocRetries:  viper.GetInt("alloc-retries"),
		ControlSocket: viper.GetString("control-socket"),
		LogLevel:      viper.GetString("log-level"),
		LogFile:       viper.GetString("log-file"),
	}, nil
}
