// Package config loads relay settings from defaults, an optional YAML file
// and KIOSK_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mbocsi/kioskrelay/security"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "KIOSK"

type Config struct {
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr"`
	// Optional listeners; empty disables them
	WSAddr   string `yaml:"ws_addr" mapstructure:"ws_addr"`
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr"`

	KioskID      string `yaml:"kiosk_id" mapstructure:"kiosk_id"`
	SharedSecret string `yaml:"shared_secret" mapstructure:"shared_secret"`

	FreshnessWindow time.Duration `yaml:"freshness_window" mapstructure:"freshness_window"`
	NonceCapacity   int           `yaml:"nonce_capacity" mapstructure:"nonce_capacity"`

	MaxClients   int           `yaml:"max_clients" mapstructure:"max_clients"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	InboundRate  float64       `yaml:"inbound_rate" mapstructure:"inbound_rate"`
	InboundBurst int           `yaml:"inbound_burst" mapstructure:"inbound_burst"`

	OutcomeTimeout time.Duration `yaml:"outcome_timeout" mapstructure:"outcome_timeout"`
	MDNS           bool          `yaml:"mdns" mapstructure:"mdns"`
	LogLevel       string        `yaml:"log_level" mapstructure:"log_level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      "0.0.0.0:8080",
		KioskID:         "KIOSK001",
		SharedSecret:    security.DefaultSharedSecret,
		FreshnessWindow: security.DefaultFreshnessWindow,
		NonceCapacity:   security.DefaultNonceCapacity,
		MaxClients:      16,
		WriteTimeout:    5 * time.Second,
		InboundRate:     20,
		InboundBurst:    40,
		OutcomeTimeout:  2 * time.Minute,
		LogLevel:        "debug",
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("ws_addr", d.WSAddr)
	v.SetDefault("http_addr", d.HTTPAddr)
	v.SetDefault("kiosk_id", d.KioskID)
	v.SetDefault("shared_secret", d.SharedSecret)
	v.SetDefault("freshness_window", d.FreshnessWindow)
	v.SetDefault("nonce_capacity", d.NonceCapacity)
	v.SetDefault("max_clients", d.MaxClients)
	v.SetDefault("write_timeout", d.WriteTimeout)
	v.SetDefault("inbound_rate", d.InboundRate)
	v.SetDefault("inbound_burst", d.InboundBurst)
	v.SetDefault("outcome_timeout", d.OutcomeTimeout)
	v.SetDefault("mdns", d.MDNS)
	v.SetDefault("log_level", d.LogLevel)
}

// Load reads path (if non-empty) over the defaults and applies KIOSK_*
// overrides, e.g. KIOSK_SHARED_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if strings.TrimSpace(c.KioskID) == "" {
		errs = append(errs, errors.New("kiosk_id is required"))
	}
	if c.SharedSecret == "" {
		errs = append(errs, errors.New("shared_secret is required"))
	}
	if c.FreshnessWindow <= 0 {
		errs = append(errs, errors.New("freshness_window must be positive"))
	}
	if c.NonceCapacity <= 0 {
		errs = append(errs, errors.New("nonce_capacity must be positive"))
	}
	if c.MaxClients <= 0 {
		errs = append(errs, errors.New("max_clients must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write_timeout must be positive"))
	}
	if c.InboundRate > 0 && c.InboundBurst <= 0 {
		errs = append(errs, errors.New("inbound_burst must be positive when inbound_rate is set"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// WriteDefault writes a starter config file. Existing files are kept unless
// force is set.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	header := "# kiosk relay configuration; every key can be overridden with KIOSK_<KEY>\n"
	return os.WriteFile(path, append([]byte(header), data...), 0o600)
}
