// internal/config/config.go

// Package config loads and validates the immutable service configuration.
// Resolution order: defaults < optional YAML file < FEEDBRIDGE_* env vars.
package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/YaganovValera/binance-feed-bridge/internal/connector"
	"github.com/YaganovValera/binance-feed-bridge/internal/publisher"
	"github.com/YaganovValera/binance-feed-bridge/pkg/httpserver"
	"github.com/YaganovValera/binance-feed-bridge/pkg/logger"
	"github.com/YaganovValera/binance-feed-bridge/pkg/telemetry"
)

// Config is the full service configuration. Immutable after Load.
type Config struct {
	ServiceName    string            `mapstructure:"service_name"`
	ServiceVersion string            `mapstructure:"service_version"`
	Binance        connector.Config  `mapstructure:"binance"`
	Publisher      publisher.Config  `mapstructure:"publisher"`
	Logging        logger.Config     `mapstructure:"logging"`
	HTTP           httpserver.Config `mapstructure:"http"`
	Telemetry      telemetry.Config  `mapstructure:"telemetry"`
}

// Load reads the config. An empty path means defaults and env only.
func Load(path string) (*Config, error) {
	v := viper.New()

	// ---------- 1) Defaults ----------
	v.SetDefault("service_name", "feed-bridge")
	v.SetDefault("service_version", "v1.0.0")

	v.SetDefault("binance.url", "wss://stream-sbe.binance.com:9443/ws")
	v.SetDefault("binance.symbols", []string{"btcusdt"})
	v.SetDefault("binance.streams", []string{"bestBidAsk"})
	v.SetDefault("binance.read_timeout", "30s")
	v.SetDefault("binance.handshake_timeout", "10s")
	v.SetDefault("binance.subscribe_timeout", "5s")
	v.SetDefault("binance.session_max_age", "23h30m")
	v.SetDefault("binance.buffer_size", 512)
	v.SetDefault("binance.backoff.initial_interval", "1s")
	v.SetDefault("binance.backoff.randomization_factor", 0.5)
	v.SetDefault("binance.backoff.multiplier", 2.0)
	v.SetDefault("binance.backoff.max_interval", "60s")
	v.SetDefault("binance.backoff.max_retries", 0)

	v.SetDefault("publisher.socket_path", "/tmp/feedbridge.sock")
	v.SetDefault("publisher.max_clients", 10)
	v.SetDefault("publisher.queue_size", 256)
	v.SetDefault("publisher.write_timeout", "100ms")
	v.SetDefault("publisher.heartbeat_interval", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.metrics_path", "/metrics")
	v.SetDefault("http.healthz_path", "/healthz")
	v.SetDefault("http.readyz_path", "/readyz")

	v.SetDefault("telemetry.otel_endpoint", "")
	v.SetDefault("telemetry.insecure", false)

	// ---------- 2) ENV ----------
	v.SetEnvPrefix("FEEDBRIDGE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ---------- 3) Optional file ----------
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", v.ConfigFileUsed(), err)
		}
	}

	// ---------- 4) Decode ----------
	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToBoolHook,
	)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "mapstructure",
		Result:     &cfg,
		DecodeHook: decodeHook,
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// ---------- 5) Validation ----------
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// stringToBoolHook parses true/false, passing other data through.
func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required")
	}

	if err := c.Binance.Validate(); err != nil {
		return err
	}
	if err := c.Publisher.Validate(); err != nil {
		return err
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	for k, p := range map[string]string{
		"http.metrics_path": c.HTTP.MetricsPath,
		"http.healthz_path": c.HTTP.HealthzPath,
		"http.readyz_path":  c.HTTP.ReadyzPath,
	} {
		if p != "" && !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with '/'", k)
		}
	}
	return nil
}

// Print dumps the effective config as JSON. The API key is masked.
func (c *Config) Print() {
	masked := *c
	if masked.Binance.APIKey != "" {
		masked.Binance.APIKey = "****"
	}
	b, _ := json.MarshalIndent(masked, "", "  ")
	fmt.Println("Loaded configuration:\n", string(b))
}
