package main

import (
	"context"
	"encoding/json"
	"flag"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"solartracker/solarsync/internal/config"
	"solartracker/solarsync/internal/model"
	"solartracker/solarsync/internal/mqttclient"
	"solartracker/solarsync/internal/telemetry"
)

// tracker is the simulated unit's mutable state. Commands arrive on the
// transport's goroutine while readings are produced on the ticker.
type tracker struct {
	mu        sync.Mutex
	rng       *rand.Rand
	name      string
	unitID    string
	gridPrice float64
	charging  bool
	battery   float64
	energyWh  float64
	pan       float64
	started   time.Time
}

func (t *tracker) reading(now time.Time, interval time.Duration) model.Telemetry {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Sun intensity follows a slow sine so charts have shape.
	phase := now.Sub(t.started).Seconds() / 60
	sun := 0.5 + 0.5*math.Sin(phase)
	top := int(600*sun) + t.rng.Intn(40)
	left := top - 20 + t.rng.Intn(40)
	right := top - 20 + t.rng.Intn(40)
	avg := (top + left + right) / 3

	power := 18 * sun
	t.energyWh += power * interval.Hours()
	if t.charging {
		t.battery = math.Min(100, t.battery+0.05)
	} else {
		t.battery = math.Max(0, t.battery-0.01)
	}
	t.pan = math.Mod(t.pan+float64(right-left)/100+360, 360)
	tilt := 30 + 15*sun
	temp := 24 + 8*sun + t.rng.Float64()
	pesos := t.energyWh / 1000 * t.gridPrice
	wifi := true
	ssid := "tracker-lab"
	manual := false
	pan, battery, energy := t.pan, t.battery, t.energyWh

	return model.Telemetry{
		Name:          t.name,
		DeviceID:      t.unitID,
		Top:           &top,
		Left:          &left,
		Right:         &right,
		Avg:           &avg,
		TiltAngle:     &tilt,
		PanAngle:      &pan,
		Manual:        &manual,
		PowerW:        &power,
		TempC:         &temp,
		BatteryPct:    &battery,
		EnergyWh:      &energy,
		Pesos:         &pesos,
		WiFiSSID:      &ssid,
		WiFiConnected: &wifi,
	}
}

func (t *tracker) apply(cmd model.CommandMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cmd.GridPrice != nil {
		t.gridPrice = *cmd.GridPrice
	}
	if cmd.DeviceName != nil {
		if name := telemetry.CanonicalName(*cmd.DeviceName); name != "" {
			t.name = name
		}
	}
	if cmd.StartCharging != nil {
		t.charging = *cmd.StartCharging
	}
}

func main() {
	unitID := flag.String("unit-id", "esp32-sim", "Unit identifier used in topic names")
	name := flag.String("name", "Solar Unit A", "Logical unit name reported as deviceName")
	interval := flag.Duration("interval", 350*time.Millisecond, "Interval between published telemetry")
	gridPrice := flag.Float64("grid-price", 12.5, "Initial grid price per kWh")

	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		config.Default().Logger(os.Stderr).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := cfg.Logger(os.Stdout).With("component", "tracker-sim", "unit", *unitID)

	opts, topics := mqttclient.FromConfig(cfg)
	opts.ClientID = mqttclient.NewClientID(*unitID)
	opts.ConnectRetry = true
	opts.Logger = logger
	opts.Will = &mqttclient.Will{
		Topic:   topics.Status(*unitID),
		Payload: mustJSON(model.StatusMessage{Status: "offline", DeviceID: *unitID}),
		QoS:     mqttclient.AtLeastOnce,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := &tracker{
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		name:      *name,
		unitID:    *unitID,
		gridPrice: *gridPrice,
		battery:   80,
		started:   time.Now(),
	}

	var client mqttclient.Transport
	onConnect := func() {
		filters := map[string]byte{topics.Command(*unitID): mqttclient.AtLeastOnce}
		if err := client.Subscribe(ctx, filters, func(msg mqttclient.Message) {
			var cmd model.CommandMessage
			if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
				logger.Warn("ignoring malformed command", "error", err)
				return
			}
			sim.apply(cmd)
			logger.Info("applied command", "payload", string(msg.Payload))
		}); err != nil {
			logger.Error("subscribe to commands failed", "error", err)
			return
		}
		online := mustJSON(model.StatusMessage{Status: "online", DeviceID: *unitID})
		if err := client.Publish(ctx, topics.Status(*unitID), mqttclient.AtLeastOnce, online); err != nil {
			logger.Warn("publish online status failed", "error", err)
		}
		logger.Info("connected to MQTT broker", "broker", opts.BrokerURL, "client_id", opts.ClientID)
	}
	client = mqttclient.Dial(opts, mqttclient.Events{
		OnConnect: onConnect,
		OnConnectionLost: func(err error) {
			logger.Warn("connection lost", "error", err)
		},
	})

	if err := client.Connect(ctx); err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	publish := func() {
		reading := sim.reading(time.Now(), *interval)
		if err := client.Publish(ctx, topics.Telemetry(*unitID), mqttclient.AtMostOnce, mustJSON(reading)); err != nil {
			logger.Warn("publish telemetry failed", "error", err)
			return
		}
		logger.Debug("published telemetry", "energy_wh", *reading.EnergyWh, "battery_pct", *reading.BatteryPct)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal, disconnecting")
			client.Disconnect()
			return
		case <-ticker.C:
			publish()
		}
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
