// Package config loads relayd's runtime configuration: CLI flags layered
// over environment variables and an optional config file.
package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration for relayd.
type Config struct {
	KeyPath  string `mapstructure:"key"`
	CertPath string `mapstructure:"cert"`

	WebTransportListen string `mapstructure:"wt_listen"`
	WebSocketListen    string `mapstructure:"ws_listen"`
	RushListen         string `mapstructure:"rush_listen"`
	RushKeyPath        string `mapstructure:"rush_key"`
	RushCertPath       string `mapstructure:"rush_cert"`
	WHIPListen         string `mapstructure:"whip_listen"`

	MetricsListen string `mapstructure:"metrics_listen"`

	LogLevel       string `mapstructure:"log_level"`
	LogDevelopment bool   `mapstructure:"log_development"`
}

// Load parses CLI flags, then environment variables (prefix RELAYD_), then
// an optional config file, in pflag/viper's usual precedence order (flags
// override env, env overrides file, file overrides defaults).
func Load(args []string) (Config, error) {
	fs := pflag.NewFlagSet("relayd", pflag.ContinueOnError)

	fs.String("key", "", "path to the TLS private key (PEM or DER)")
	fs.String("cert", "", "path to the TLS certificate chain (PEM or DER)")
	fs.String("wt_listen", "[::]:4433", "WebTransport/QUIC listen address")
	fs.String("ws_listen", "[::]:4434", "WebSocket (TCP+TLS) listen address")
	fs.String("rush_listen", "[::]:3446", "Rush (QUIC) listen address")
	fs.String("rush_key", "ssl.key", "path to the Rush listener's TLS private key")
	fs.String("rush_cert", "ssl.crt", "path to the Rush listener's TLS certificate")
	fs.String("whip_listen", "127.0.0.1:8080", "WHIP signaling facade listen address")
	fs.String("metrics_listen", ":9095", "Prometheus /metrics listen address")
	fs.String("log_level", "info", "log level: debug, info, warn, error")
	fs.Bool("log_development", false, "enable zap development-mode logging")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	v.SetEnvPrefix("RELAYD")
	v.AutomaticEnv()

	v.SetConfigName("relayd")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relayd")
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.KeyPath == "" || cfg.CertPath == "" {
		return Config{}, fmt.Errorf("--key and --cert are both required")
	}

	return cfg, nil
}
