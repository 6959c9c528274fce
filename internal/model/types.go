package model

import "time"

// Telemetry is the typed form of one telemetry payload published by a unit.
// Every reading is optional; nil means the field was absent or unusable.
type Telemetry struct {
	// Name is the logical unit name (wire keys deviceName, or legacy solarName).
	Name     string `json:"deviceName,omitempty"`
	DeviceID string `json:"device_id,omitempty"`

	Top   *int `json:"top,omitempty"`
	Left  *int `json:"left,omitempty"`
	Right *int `json:"right,omitempty"`
	Avg   *int `json:"avg,omitempty"`

	TiltAngle       *float64 `json:"tiltAngle,omitempty"`
	PanAngle        *float64 `json:"panAngle,omitempty"`
	PanTarget       *float64 `json:"panTarget,omitempty"`
	HorizontalError *int     `json:"horizontalError,omitempty"`
	VerticalError   *int     `json:"verticalError,omitempty"`

	Manual *bool `json:"manual,omitempty"`
	Steady *bool `json:"steady,omitempty"`

	PowerW       *float64 `json:"powerW,omitempty"`
	PowerActualW *float64 `json:"powerActualW,omitempty"`
	TempC        *float64 `json:"tempC,omitempty"`

	BatteryPct *float64 `json:"batteryPct,omitempty"`
	BatteryV   *float64 `json:"batteryV,omitempty"`
	Efficiency *float64 `json:"efficiency,omitempty"`

	EnergyWh  *float64 `json:"energyWh,omitempty"`
	EnergyKWh *float64 `json:"energyKWh,omitempty"`

	CO2kg        *float64 `json:"co2kg,omitempty"`
	Trees        *float64 `json:"trees,omitempty"`
	Phones       *float64 `json:"phones,omitempty"`
	PhoneMinutes *float64 `json:"phoneMinutes,omitempty"`
	Pesos        *float64 `json:"pesos,omitempty"`

	WiFiSSID      *string `json:"wifiSSID,omitempty"`
	WiFiConnected *bool   `json:"wifiConnected,omitempty"`
}

// StatusMessage is the liveness payload published on a status topic.
type StatusMessage struct {
	Status   string `json:"status"`
	DeviceID string `json:"device_id,omitempty"`
}

// CommandMessage is the sparse configuration command sent to a unit.
type CommandMessage struct {
	GridPrice     *float64 `json:"gridPrice,omitempty"`
	DeviceName    *string  `json:"deviceName,omitempty"`
	StartCharging *bool    `json:"startCharging,omitempty"`
}

// Empty reports whether the command carries no keys.
func (c CommandMessage) Empty() bool {
	return c.GridPrice == nil && c.DeviceName == nil && c.StartCharging == nil
}

// DeviceRegistration records the last sighting or registration of a unit name.
type DeviceRegistration struct {
	ID         int64     `json:"id"`
	DeviceName string    `json:"device_name"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// GridPrice is an operator-entered electricity price.
type GridPrice struct {
	ID               int64     `json:"id"`
	Price            float64   `json:"price"`
	EstimatedSavings *float64  `json:"estimated_savings,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TelemetrySample is a persisted subset of an accepted telemetry message.
type TelemetrySample struct {
	DeviceName string
	EnergyWh   *float64
	BatteryPct *float64
	RecordedAt time.Time
	Payload    []byte
}

// DailyHistory is one day bucket of the energy/battery chart series.
type DailyHistory struct {
	Day            string   `json:"day"`
	MinEnergyWh    *float64 `json:"min_energy_wh"`
	MaxEnergyWh    *float64 `json:"max_energy_wh"`
	AvgBatteryPct  *float64 `json:"avg_battery_pct"`
	LastDeviceName string   `json:"last_device_name"`
	Samples        int      `json:"samples"`
}

// IngestionError captures a payload that failed decoding.
type IngestionError struct {
	UnitID  string `json:"unit_id"`
	Payload string `json:"payload"`
	Error   string `json:"error"`
}
