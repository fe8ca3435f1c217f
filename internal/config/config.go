// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable for the daemon, the wrapper, and the hook client.
// Values come from defaults, then ~/.relaygate/config.toml, then RELAYGATE_*
// environment variables.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	AuthToken  string `mapstructure:"auth_token"`
	ServerURL  string `mapstructure:"server_url"`

	ChannelURL   string `mapstructure:"channel_url"`
	ChannelToken string `mapstructure:"channel_token"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`

	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`
	MaxSessions        int           `mapstructure:"max_sessions"`

	TaskTTL      time.Duration `mapstructure:"task_ttl"`
	AckGrace     time.Duration `mapstructure:"ack_grace"`
	SelectionTTL time.Duration `mapstructure:"selection_ttl"`

	HookPollInterval time.Duration `mapstructure:"hook_poll_interval"`
	HookWaitBudget   time.Duration `mapstructure:"hook_wait_budget"`

	WrapPollInterval time.Duration `mapstructure:"wrap_poll_interval"`
	WrapKeyDelay     time.Duration `mapstructure:"wrap_key_delay"`

	LogLevel string `mapstructure:"log_level"`
}

// Load reads configuration. A missing config file is fine; a malformed one
// is not.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", "127.0.0.1:8377")
	v.SetDefault("server_url", "http://127.0.0.1:8377")
	// Empty defaults keep these keys visible to AutomaticEnv.
	v.SetDefault("auth_token", "")
	v.SetDefault("channel_url", "")
	v.SetDefault("channel_token", "")
	v.SetDefault("request_timeout", 5*time.Minute)
	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("session_idle_timeout", time.Hour)
	v.SetDefault("max_sessions", 16)
	v.SetDefault("task_ttl", 10*time.Minute)
	v.SetDefault("ack_grace", 30*time.Second)
	v.SetDefault("selection_ttl", 10*time.Minute)
	v.SetDefault("hook_poll_interval", 500*time.Millisecond)
	v.SetDefault("hook_wait_budget", 4*time.Minute)
	v.SetDefault("wrap_poll_interval", 500*time.Millisecond)
	v.SetDefault("wrap_key_delay", 150*time.Millisecond)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("RELAYGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".relaygate"))
	}
	v.SetConfigName("config")
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
