package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"solartracker/solarsync/internal/mqttclient"
	"solartracker/solarsync/internal/mqtttest"
	"solartracker/solarsync/internal/registry"
	"solartracker/solarsync/internal/store"
)

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEndToEndTelemetryReachesRegistry(t *testing.T) {
	broker := mqtttest.New(nil)
	if _, err := broker.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start broker: %v", err)
	}
	t.Cleanup(func() { _ = broker.Stop() })

	st := openStore(t)
	sub := New(Options{
		Transport: mqttclient.Options{
			BrokerURL:         broker.URL(),
			KeepAlive:         5 * time.Second,
			ConnectTimeout:    2 * time.Second,
			ReconnectInterval: 200 * time.Millisecond,
			PublishTimeout:    2 * time.Second,
		},
		Topics:     topics,
		Reconciler: registry.New(st),
		Journal:    st,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sub.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(sub.Stop)
	waitFor(t, 5*time.Second, "connected", func() bool { return sub.State() == StateConnected })

	payload := []byte(`{"deviceName":"Solar Unit A","energyWh":1250.5,"batteryPct":85.5}`)
	if err := broker.Publish(topics.Telemetry("esp32-01"), payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, 5*time.Second, "registration row", func() bool {
		_, err := st.GetDevice(context.Background(), "Solar Unit A")
		return err == nil
	})

	if err := broker.Publish(topics.Telemetry("esp32-01"), []byte("garbage")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, 5*time.Second, "journal entry", func() bool {
		entries, err := st.RecentIngestionErrors(context.Background(), 10)
		return err == nil && len(entries) == 1
	})

	// A network drop is followed by the client's own reconnect.
	id := sub.ClientID()
	if !broker.DropClient(id) {
		t.Fatalf("broker has no session for %s", id)
	}
	waitFor(t, 10*time.Second, "reconnected", func() bool {
		for _, tr := range sub.Transitions() {
			if tr.From == StateReconnecting && tr.To == StateConnected {
				return true
			}
		}
		return false
	})
	for _, tr := range sub.Transitions()[1:] {
		if tr.To == StateConnecting {
			t.Fatalf("re-entered connecting: %+v", sub.Transitions())
		}
	}
	if sub.ClientID() != id {
		t.Fatalf("client id changed across reconnect")
	}

	if err := broker.Publish(topics.Telemetry("esp32-01"), []byte(`{"deviceName":"Solar Unit B"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, 5*time.Second, "second unit after reconnect", func() bool {
		_, err := st.GetDevice(context.Background(), "Solar Unit B")
		return !errors.Is(err, store.ErrNotFound) && err == nil
	})
}
