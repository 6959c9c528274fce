package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config lists the tunable parameters for the solarsync processes.
type Config struct {
	HTTPPort int    `yaml:"http_port"`
	LogLevel string `yaml:"log_level"`

	MQTTURL               string        `yaml:"mqtt_url"`
	MQTTUsername          string        `yaml:"mqtt_username"`
	MQTTPassword          string        `yaml:"mqtt_password"`
	MQTTTopicPrefix       string        `yaml:"mqtt_topic_prefix"`
	MQTTKeepAlive         time.Duration `yaml:"mqtt_keepalive"`
	MQTTConnectTimeout    time.Duration `yaml:"mqtt_connect_timeout"`
	MQTTReconnectInterval time.Duration `yaml:"mqtt_reconnect_interval"`
	MQTTPublishTimeout    time.Duration `yaml:"mqtt_publish_timeout"`

	DatabaseURL    string `yaml:"database_url"`
	IngestEnabled  bool   `yaml:"ingest_enabled"`
	PersistSamples bool   `yaml:"persist_samples"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	LatestTTL     time.Duration `yaml:"latest_ttl"`

	MDNSEnabled bool `yaml:"mdns_enabled"`

	DashboardPort     int    `yaml:"dashboard_port"`
	DashboardUnitName string `yaml:"dashboard_unit_name"`
	HistoryCapacity   int    `yaml:"history_capacity"`
}

const (
	envPrefix     = "SOLARSYNC_"
	configFileEnv = envPrefix + "CONFIG_FILE"

	defaultHTTPPort              = 8080
	defaultLogLevel              = "info"
	defaultMQTTURL               = "tcp://localhost:1883"
	defaultMQTTTopicPrefix       = "solar"
	defaultMQTTKeepAlive         = 30 * time.Second
	defaultMQTTConnectTimeout    = 10 * time.Second
	defaultMQTTReconnectInterval = 5 * time.Second
	defaultMQTTPublishTimeout    = 10 * time.Second
	defaultDatabaseURL           = "data/solarsync.db"
	defaultLatestTTL             = 10 * time.Minute
	defaultDashboardPort         = 8090
	defaultHistoryCapacity       = 120
)

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		HTTPPort:              defaultHTTPPort,
		LogLevel:              defaultLogLevel,
		MQTTURL:               defaultMQTTURL,
		MQTTTopicPrefix:       defaultMQTTTopicPrefix,
		MQTTKeepAlive:         defaultMQTTKeepAlive,
		MQTTConnectTimeout:    defaultMQTTConnectTimeout,
		MQTTReconnectInterval: defaultMQTTReconnectInterval,
		MQTTPublishTimeout:    defaultMQTTPublishTimeout,
		DatabaseURL:           defaultDatabaseURL,
		IngestEnabled:         true,
		LatestTTL:             defaultLatestTTL,
		DashboardPort:         defaultDashboardPort,
		HistoryCapacity:       defaultHistoryCapacity,
	}
}

// Load derives configuration from defaults, an optional YAML file named by
// SOLARSYNC_CONFIG_FILE, and SOLARSYNC_* environment variables, in that order.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(configFileEnv); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	strs := map[string]*string{
		"LOG_LEVEL":           &cfg.LogLevel,
		"MQTT_URL":            &cfg.MQTTURL,
		"MQTT_USERNAME":       &cfg.MQTTUsername,
		"MQTT_PASSWORD":       &cfg.MQTTPassword,
		"MQTT_TOPIC_PREFIX":   &cfg.MQTTTopicPrefix,
		"DATABASE_URL":        &cfg.DatabaseURL,
		"REDIS_ADDR":          &cfg.RedisAddr,
		"REDIS_PASSWORD":      &cfg.RedisPassword,
		"DASHBOARD_UNIT_NAME": &cfg.DashboardUnitName,
	}
	for key, dst := range strs {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"HTTP_PORT":        &cfg.HTTPPort,
		"DASHBOARD_PORT":   &cfg.DashboardPort,
		"HISTORY_CAPACITY": &cfg.HistoryCapacity,
	}
	for key, dst := range ints {
		v, ok := lookup(envPrefix + key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"INGEST_ENABLED":  &cfg.IngestEnabled,
		"PERSIST_SAMPLES": &cfg.PersistSamples,
		"MDNS_ENABLED":    &cfg.MDNSEnabled,
	}
	for key, dst := range bools {
		v, ok := lookup(envPrefix + key)
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
		}
		*dst = b
	}

	durations := map[string]*time.Duration{
		"MQTT_KEEPALIVE":          &cfg.MQTTKeepAlive,
		"MQTT_CONNECT_TIMEOUT":    &cfg.MQTTConnectTimeout,
		"MQTT_RECONNECT_INTERVAL": &cfg.MQTTReconnectInterval,
		"MQTT_PUBLISH_TIMEOUT":    &cfg.MQTTPublishTimeout,
		"LATEST_TTL":              &cfg.LatestTTL,
	}
	for key, dst := range durations {
		v, ok := lookup(envPrefix + key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
		}
		*dst = d
	}

	return nil
}

// Validate reports the first configuration value that cannot be used.
func (c Config) Validate() error {
	if strings.TrimSpace(c.MQTTURL) == "" {
		return errors.New("mqtt url is required")
	}
	if strings.TrimSpace(c.MQTTTopicPrefix) == "" {
		return errors.New("mqtt topic prefix is required")
	}
	for name, port := range map[string]int{"http port": c.HTTPPort, "dashboard port": c.DashboardPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
		}
	}
	for name, d := range map[string]time.Duration{
		"mqtt keepalive":          c.MQTTKeepAlive,
		"mqtt connect timeout":    c.MQTTConnectTimeout,
		"mqtt reconnect interval": c.MQTTReconnectInterval,
		"mqtt publish timeout":    c.MQTTPublishTimeout,
		"latest ttl":              c.LatestTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.HistoryCapacity < 1 {
		return fmt.Errorf("history capacity must be at least 1, got %d", c.HistoryCapacity)
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("database url is required")
	}
	return nil
}
