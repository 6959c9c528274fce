package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func mapLookup(env map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"SOLARSYNC_HTTP_PORT":            "9000",
		"SOLARSYNC_MQTT_URL":             "tcp://broker:1883",
		"SOLARSYNC_INGEST_ENABLED":       "false",
		"SOLARSYNC_MQTT_KEEPALIVE":       "15s",
		"SOLARSYNC_HISTORY_CAPACITY":     "60",
		"SOLARSYNC_DASHBOARD_UNIT_NAME":  "Solar Unit A",
		"SOLARSYNC_UNRELATED_SETTING_XX": "ignored",
	}
	if err := applyEnv(&cfg, mapLookup(env)); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}

	if cfg.HTTPPort != 9000 {
		t.Errorf("HTTPPort = %d, want 9000", cfg.HTTPPort)
	}
	if cfg.MQTTURL != "tcp://broker:1883" {
		t.Errorf("MQTTURL = %q", cfg.MQTTURL)
	}
	if cfg.IngestEnabled {
		t.Errorf("IngestEnabled = true, want false")
	}
	if cfg.MQTTKeepAlive != 15*time.Second {
		t.Errorf("MQTTKeepAlive = %s, want 15s", cfg.MQTTKeepAlive)
	}
	if cfg.HistoryCapacity != 60 {
		t.Errorf("HistoryCapacity = %d, want 60", cfg.HistoryCapacity)
	}
	if cfg.DashboardUnitName != "Solar Unit A" {
		t.Errorf("DashboardUnitName = %q", cfg.DashboardUnitName)
	}
}

func TestApplyEnvRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"SOLARSYNC_HTTP_PORT", "eighty"},
		{"SOLARSYNC_PERSIST_SAMPLES", "maybe"},
		{"SOLARSYNC_LATEST_TTL", "10 minutes"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg := Default()
			err := applyEnv(&cfg, mapLookup(map[string]string{tt.key: tt.value}))
			if err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.value)
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Fatalf("error %q does not name %s", err, tt.key)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	tests := map[string]func(*Config){
		"empty broker":      func(c *Config) { c.MQTTURL = " " },
		"port out of range": func(c *Config) { c.HTTPPort = 70000 },
		"zero keepalive":    func(c *Config) { c.MQTTKeepAlive = 0 },
		"zero capacity":     func(c *Config) { c.HistoryCapacity = 0 },
		"empty database":    func(c *Config) { c.DatabaseURL = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadReadsYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "solarsync.yaml")
	body := "mqtt_url: tcp://file-broker:1883\nmqtt_keepalive: 45s\npersist_samples: true\nhttp_port: 8181\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SOLARSYNC_CONFIG_FILE", path)
	t.Setenv("SOLARSYNC_HTTP_PORT", "8282")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTTURL != "tcp://file-broker:1883" {
		t.Errorf("MQTTURL = %q, want value from file", cfg.MQTTURL)
	}
	if cfg.MQTTKeepAlive != 45*time.Second {
		t.Errorf("MQTTKeepAlive = %s, want 45s", cfg.MQTTKeepAlive)
	}
	if !cfg.PersistSamples {
		t.Errorf("PersistSamples = false, want true from file")
	}
	if cfg.HTTPPort != 8282 {
		t.Errorf("HTTPPort = %d, want env override 8282", cfg.HTTPPort)
	}
	if cfg.MQTTTopicPrefix != "solar" {
		t.Errorf("MQTTTopicPrefix = %q, want default", cfg.MQTTTopicPrefix)
	}
}
