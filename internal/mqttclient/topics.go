package mqttclient

import "strings"

// Kind classifies a topic by its final segment.
type Kind int

const (
	KindUnknown Kind = iota
	KindTelemetry
	KindStatus
	KindCommand
)

const (
	telemetrySuffix = "telemetry"
	statusSuffix    = "status"
	commandSuffix   = "command"
	dashboardLevel  = "dashboard"
)

// Topics derives topic names under a common prefix:
//
//	<prefix>/<unit>/telemetry
//	<prefix>/<unit>/status
//	<prefix>/<unit>/command
//	<prefix>/dashboard/<client>/status
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	return strings.Trim(t.Prefix, "/")
}

// TelemetryFilter matches telemetry from every unit.
func (t Topics) TelemetryFilter() string { return t.prefix() + "/+/" + telemetrySuffix }

// StatusFilter matches status from every unit.
func (t Topics) StatusFilter() string { return t.prefix() + "/+/" + statusSuffix }

// Filters is the subscription set shared by the ingest and dashboard sides.
func (t Topics) Filters() map[string]byte {
	return map[string]byte{
		t.TelemetryFilter(): AtLeastOnce,
		t.StatusFilter():    AtLeastOnce,
	}
}

// Telemetry is the topic a unit publishes telemetry on.
func (t Topics) Telemetry(unitID string) string { return t.prefix() + "/" + unitID + "/" + telemetrySuffix }

// Status is the topic a unit publishes liveness on.
func (t Topics) Status(unitID string) string { return t.prefix() + "/" + unitID + "/" + statusSuffix }

// Command is the topic a unit listens on for commands.
func (t Topics) Command(unitID string) string { return t.prefix() + "/" + unitID + "/" + commandSuffix }

// DashboardStatus is the online/offline topic of a dashboard client.
func (t Topics) DashboardStatus(clientID string) string {
	return t.prefix() + "/" + dashboardLevel + "/" + clientID + "/" + statusSuffix
}

// Parse returns the unit segment and the kind of topic. Topics outside the
// prefix or with unexpected depth are KindUnknown.
func (t Topics) Parse(topic string) (string, Kind) {
	rest, ok := strings.CutPrefix(topic, t.prefix()+"/")
	if !ok {
		return "", KindUnknown
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", KindUnknown
	}

	switch parts[1] {
	case telemetrySuffix:
		return parts[0], KindTelemetry
	case statusSuffix:
		return parts[0], KindStatus
	case commandSuffix:
		return parts[0], KindCommand
	}
	return parts[0], KindUnknown
}
