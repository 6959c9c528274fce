package mqttclient

import (
	"errors"
	"strings"
	"testing"

	"solartracker/solarsync/internal/config"
)

func TestTopicsLayout(t *testing.T) {
	topics := Topics{Prefix: "/solar/"}

	if got := topics.TelemetryFilter(); got != "solar/+/telemetry" {
		t.Errorf("TelemetryFilter = %q", got)
	}
	if got := topics.StatusFilter(); got != "solar/+/status" {
		t.Errorf("StatusFilter = %q", got)
	}
	if got := topics.Command("esp32-01"); got != "solar/esp32-01/command" {
		t.Errorf("Command = %q", got)
	}
	if got := topics.DashboardStatus("dash-1"); got != "solar/dashboard/dash-1/status" {
		t.Errorf("DashboardStatus = %q", got)
	}

	filters := topics.Filters()
	if len(filters) != 2 {
		t.Fatalf("Filters = %v", filters)
	}
	for filter, qos := range filters {
		if qos != AtLeastOnce {
			t.Errorf("filter %s qos = %d, want 1", filter, qos)
		}
	}
}

func TestTopicsParse(t *testing.T) {
	topics := Topics{Prefix: "solar"}
	tests := []struct {
		topic    string
		wantUnit string
		wantKind Kind
	}{
		{"solar/esp32-01/telemetry", "esp32-01", KindTelemetry},
		{"solar/esp32-01/status", "esp32-01", KindStatus},
		{"solar/esp32-01/command", "esp32-01", KindCommand},
		{"solar/esp32-01/other", "esp32-01", KindUnknown},
		{"solar//telemetry", "", KindUnknown},
		{"solar/dashboard/dash-1/status", "", KindUnknown},
		{"other/esp32-01/telemetry", "", KindUnknown},
		{"solar", "", KindUnknown},
	}
	for _, tt := range tests {
		unit, kind := topics.Parse(tt.topic)
		if unit != tt.wantUnit || kind != tt.wantKind {
			t.Errorf("Parse(%q) = %q, %v; want %q, %v", tt.topic, unit, kind, tt.wantUnit, tt.wantKind)
		}
	}
}

func TestNewClientIDIsStableShapeAndUnique(t *testing.T) {
	a := NewClientID("ingest")
	b := NewClientID("ingest")
	if a == b {
		t.Fatalf("client ids must differ between calls: %s", a)
	}
	if !strings.HasPrefix(a, "ingest-") || len(a) != len("ingest-")+8 {
		t.Fatalf("unexpected client id %q", a)
	}
}

func TestTransportErrorUnwraps(t *testing.T) {
	err := error(&TransportError{Op: "publish", Err: ErrTimeout})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("errors.Is(ErrTimeout) = false")
	}
	if !strings.Contains(err.Error(), "publish") {
		t.Fatalf("error text %q lacks op", err)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.MQTTURL = "tcp://broker:1883"
	cfg.MQTTUsername = "tracker"
	cfg.MQTTTopicPrefix = "farm"

	opts, topics := FromConfig(cfg)
	if opts.BrokerURL != "tcp://broker:1883" || opts.Username != "tracker" || opts.ClientID != "" {
		t.Fatalf("options = %+v", opts)
	}
	if opts.KeepAlive != cfg.MQTTKeepAlive || opts.PublishTimeout != cfg.MQTTPublishTimeout {
		t.Fatalf("timeouts not carried: %+v", opts)
	}
	if topics.Telemetry("u1") != "farm/u1/telemetry" {
		t.Fatalf("topics prefix = %q", topics.Prefix)
	}
}
