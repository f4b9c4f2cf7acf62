// Package config loads stationlink settings from defaults, an optional YAML
// file and STATIONLINK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/HerbHall/stationlink/internal/backoff"
	"github.com/HerbHall/stationlink/internal/discovery"
	"github.com/HerbHall/stationlink/internal/event"
	"github.com/HerbHall/stationlink/internal/health"
	"github.com/HerbHall/stationlink/internal/messaging"
	"github.com/HerbHall/stationlink/internal/probe"
)

// EnvPrefix namespaces environment overrides, e.g. STATIONLINK_MQTT_USERNAME.
const EnvPrefix = "STATIONLINK"

// Config is a nil-safe read-only view over a viper instance.
type Config struct {
	v *viper.Viper
}

// New wraps v. A nil v yields zero values for every key.
func New(v *viper.Viper) *Config {
	return &Config{v: v}
}

func (c *Config) GetString(key string) string {
	if c.v == nil {
		return ""
	}
	return c.v.GetString(key)
}

func (c *Config) GetInt(key string) int {
	if c.v == nil {
		return 0
	}
	return c.v.GetInt(key)
}

func (c *Config) GetBool(key string) bool {
	if c.v == nil {
		return false
	}
	return c.v.GetBool(key)
}

func (c *Config) GetDuration(key string) time.Duration {
	if c.v == nil {
		return 0
	}
	return c.v.GetDuration(key)
}

func (c *Config) GetStringSlice(key string) []string {
	if c.v == nil {
		return nil
	}
	return c.v.GetStringSlice(key)
}

func (c *Config) IsSet(key string) bool {
	if c.v == nil {
		return false
	}
	return c.v.IsSet(key)
}

// Sub returns the subtree at key. A missing subtree yields an empty Config,
// never nil.
func (c *Config) Sub(key string) *Config {
	if c.v == nil {
		return New(nil)
	}
	return New(c.v.Sub(key))
}

// Unmarshal decodes the whole tree into target using mapstructure tags.
func (c *Config) Unmarshal(target any) error {
	if c.v == nil {
		return nil
	}
	return c.v.Unmarshal(target)
}

// Settings is the typed configuration for a stationlink process.
type Settings struct {
	Discovery DiscoverySettings    `mapstructure:"discovery"`
	MQTT      messaging.MQTTConfig `mapstructure:"mqtt"`
	Messaging messaging.Config     `mapstructure:"messaging"`
	Health    health.Config        `mapstructure:"health"`
	Topics    []string             `mapstructure:"topics"`
	Status    StatusSettings       `mapstructure:"status"`
	Log       LogSettings          `mapstructure:"log"`
}

// DiscoverySettings controls where candidate nodes come from and how they
// are probed.
type DiscoverySettings struct {
	// Endpoints are operator overrides, tried before Defaults.
	Endpoints     []string      `mapstructure:"endpoints"`
	Defaults      []string      `mapstructure:"defaults"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	Concurrency   int           `mapstructure:"concurrency"`
	MDNS          bool          `mapstructure:"mdns"`
	MDNSInterval  time.Duration `mapstructure:"mdns_interval"`
	HealthPath    string        `mapstructure:"health_path"`
	WebSocketPath string        `mapstructure:"websocket_path"`
}

// StatusSettings configures the diagnostic HTTP server. An empty Addr
// disables it.
type StatusSettings struct {
	Addr string `mapstructure:"addr"`
}

// LogSettings selects the zap configuration.
type LogSettings struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// SetDefaults registers every default so that environment overrides apply
// to all keys.
func SetDefaults(v *viper.Viper) {
	bp := backoff.DefaultPolicy()

	v.SetDefault("discovery.endpoints", []string{})
	v.SetDefault("discovery.defaults", []string{"ws://localhost:9001/mqtt", "tcp://localhost:1883"})
	v.SetDefault("discovery.probe_timeout", probe.DefaultTimeout)
	v.SetDefault("discovery.concurrency", discovery.DefaultConcurrency)
	v.SetDefault("discovery.mdns", false)
	v.SetDefault("discovery.mdns_interval", discovery.DefaultMDNSInterval)
	v.SetDefault("discovery.health_path", probe.DefaultHealthPath)
	v.SetDefault("discovery.websocket_path", "/mqtt")

	v.SetDefault("mqtt.client_id_prefix", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.keepalive", 30*time.Second)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.topic_prefix", "")
	v.SetDefault("mqtt.websocket_path", "/mqtt")
	v.SetDefault("mqtt.jwt_secret", "")
	v.SetDefault("mqtt.jwt_ttl", time.Hour)

	v.SetDefault("messaging.backoff.base", bp.Base)
	v.SetDefault("messaging.backoff.max", bp.Max)
	v.SetDefault("messaging.backoff.multiplier", bp.Multiplier)
	v.SetDefault("messaging.backoff.jitter", bp.Jitter)
	v.SetDefault("messaging.liveness_window", messaging.DefaultLivenessWindow)
	v.SetDefault("messaging.connect_timeout", messaging.DefaultConnectTimeout)
	v.SetDefault("messaging.subscribe_timeout", messaging.DefaultSubscribeTimeout)
	v.SetDefault("messaging.keepalive_topic", messaging.DefaultKeepAliveTopic)
	v.SetDefault("messaging.inbox_size", 256)

	v.SetDefault("health.interval", health.DefaultInterval)
	v.SetDefault("health.failure_threshold", health.DefaultFailureThreshold)
	v.SetDefault("health.backoff.base", bp.Base)
	v.SetDefault("health.backoff.max", bp.Max)
	v.SetDefault("health.backoff.multiplier", bp.Multiplier)
	v.SetDefault("health.backoff.jitter", bp.Jitter)

	v.SetDefault("topics", event.DefaultTopics)
	v.SetDefault("status.addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads configuration from path (optional) and the environment. A
// missing file at an explicit path is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return New(v), nil
	}

	v.SetConfigName("stationlink")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/stationlink")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return New(v), nil
}

// Settings decodes the typed settings.
func (c *Config) Settings() (Settings, error) {
	var s Settings
	if err := c.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return s, nil
}

// secretKeys are masked by Dump.
var secretKeys = []string{"mqtt.password", "mqtt.jwt_secret"}

// Dump writes the effective configuration as YAML with secrets masked.
func (c *Config) Dump(w io.Writer) error {
	if c.v == nil {
		return nil
	}
	all := c.v.AllSettings()
	for _, key := range secretKeys {
		if c.v.GetString(key) == "" {
			continue
		}
		parts := strings.Split(key, ".")
		section, ok := all[parts[0]].(map[string]any)
		if !ok {
			continue
		}
		section[parts[1]] = "********"
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(all); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
