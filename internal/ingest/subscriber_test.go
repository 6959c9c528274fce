package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"solartracker/solarsync/internal/latest"
	"solartracker/solarsync/internal/model"
	"solartracker/solarsync/internal/mqttclient"
	"solartracker/solarsync/internal/registry"
	"solartracker/solarsync/internal/store"
)

type fakeTransport struct {
	mu          sync.Mutex
	opts        mqttclient.Options
	events      mqttclient.Events
	handler     func(mqttclient.Message)
	filters     map[string]byte
	subscribes  int
	connected   bool
	disconnects int
	connectErr  error
	// onSubscribe runs once, after the next Subscribe is recorded.
	onSubscribe func()
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	if f.connectErr != nil {
		f.mu.Unlock()
		return f.connectErr
	}
	f.connected = true
	f.mu.Unlock()
	f.events.OnConnect()
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, filters map[string]byte, handler func(mqttclient.Message)) error {
	f.mu.Lock()
	f.subscribes++
	f.filters = filters
	f.handler = handler
	hook := f.onSubscribe
	f.onSubscribe = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeTransport) Publish(context.Context, string, byte, []byte) error { return nil }

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
}

func (f *fakeTransport) deliver(topic, payload string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(mqttclient.Message{Topic: topic, Payload: []byte(payload)})
}

func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.events.OnConnectionLost(err)
}

func (f *fakeTransport) reconnect() {
	f.events.OnReconnecting()
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.events.OnConnect()
}

type dialRecorder struct {
	mu    sync.Mutex
	dials []*fakeTransport
	err   error
}

func (d *dialRecorder) dial(opts mqttclient.Options, events mqttclient.Events) mqttclient.Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	tr := &fakeTransport{opts: opts, events: events, connectErr: d.err}
	d.dials = append(d.dials, tr)
	return tr
}

func (d *dialRecorder) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[len(d.dials)-1]
}

type journal struct {
	mu      sync.Mutex
	entries []model.IngestionError
}

func (j *journal) InsertIngestionError(_ context.Context, e model.IngestionError) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

type flakyReconciler struct {
	mu    sync.Mutex
	fails int
	names []string
}

func (f *flakyReconciler) ReconcileAt(_ context.Context, name string, at time.Time) (registry.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	if f.fails > 0 {
		f.fails--
		return registry.Result{}, &registry.PersistenceError{Op: "upsert", Name: name, Err: errors.New("database is locked")}
	}
	return registry.Result{Registration: model.DeviceRegistration{DeviceName: name, UpdatedAt: at}}, nil
}

type latestRecorder struct {
	mu      sync.Mutex
	entries []latest.Entry
}

func (l *latestRecorder) Put(_ context.Context, e latest.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

type sampleRecorder struct {
	mu      sync.Mutex
	samples []model.TelemetrySample
}

func (r *sampleRecorder) InsertTelemetrySample(_ context.Context, s model.TelemetrySample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
	return nil
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ingest.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return s
}

var topics = mqttclient.Topics{Prefix: "solar"}

func startSubscriber(t *testing.T, opts Options) (*Subscriber, *fakeTransport) {
	t.Helper()
	d := &dialRecorder{}
	opts.Dial = d.dial
	opts.Topics = topics
	opts.Transport.BrokerURL = "tcp://broker.invalid:1883"

	sub := New(opts)
	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(sub.Stop)
	return sub, d.last()
}

func TestStartSubscribesAndConnects(t *testing.T) {
	sub, tr := startSubscriber(t, Options{})

	if got := sub.State(); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}
	if tr.subscribes != 1 {
		t.Fatalf("subscribed %d times", tr.subscribes)
	}
	if tr.filters["solar/+/telemetry"] != mqttclient.AtLeastOnce || tr.filters["solar/+/status"] != mqttclient.AtLeastOnce {
		t.Fatalf("filters = %v", tr.filters)
	}
	if !tr.opts.ConnectRetry || tr.opts.OrderMatters {
		t.Fatalf("transport options = %+v", tr.opts)
	}
	if tr.opts.ClientID != sub.ClientID() || !strings.HasPrefix(sub.ClientID(), "ingest-") {
		t.Fatalf("client id %q / %q", tr.opts.ClientID, sub.ClientID())
	}

	want := []State{StateConnecting, StateConnected}
	assertTransitions(t, sub.Transitions(), StateDisconnected, want)

	if err := sub.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestReconnectKeepsIdentityAndResubscribes(t *testing.T) {
	sub, tr := startSubscriber(t, Options{})
	id := sub.ClientID()

	tr.drop(errors.New("connection reset by peer"))
	if got := sub.State(); got != StateReconnecting {
		t.Fatalf("state after close = %v, want reconnecting", got)
	}
	tr.reconnect()
	if got := sub.State(); got != StateConnected {
		t.Fatalf("state after reconnect = %v, want connected", got)
	}

	assertTransitions(t, sub.Transitions(), StateDisconnected, []State{StateConnecting, StateConnected, StateReconnecting, StateConnected})
	if sub.ClientID() != id || tr.opts.ClientID != id {
		t.Fatalf("client id changed across reconnect")
	}
	if tr.subscribes != 2 {
		t.Fatalf("subscribed %d times, want 2", tr.subscribes)
	}
}

func TestDropDuringSubscribeStaysReconnecting(t *testing.T) {
	sub, tr := startSubscriber(t, Options{})

	tr.drop(errors.New("connection reset by peer"))
	tr.mu.Lock()
	tr.onSubscribe = func() { tr.drop(errors.New("broken pipe")) }
	tr.mu.Unlock()
	tr.reconnect()

	if got := sub.State(); got != StateReconnecting {
		t.Fatalf("state = %v after a drop raced the SUBACK, want reconnecting", got)
	}

	tr.reconnect()
	if got := sub.State(); got != StateConnected {
		t.Fatalf("state after clean reconnect = %v, want connected", got)
	}
	assertTransitions(t, sub.Transitions(), StateDisconnected, []State{StateConnecting, StateConnected, StateReconnecting, StateConnected})
}

func TestTelemetryReconcilesRegistration(t *testing.T) {
	st := openStore(t)
	sub, tr := startSubscriber(t, Options{Reconciler: registry.New(st)})

	tr.deliver("solar/esp32-01/telemetry", `{"deviceName":"Solar Unit A","energyWh":1250.5,"batteryPct":85.5}`)

	reg, err := st.GetDevice(context.Background(), "Solar Unit A")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if reg.UpdatedAt.IsZero() {
		t.Fatalf("registration has no updated_at")
	}
	if sub.LastUnitID() != "esp32-01" {
		t.Fatalf("LastUnitID = %q", sub.LastUnitID())
	}
	stats := sub.Stats()
	if stats.Received != 1 || stats.Reconciled != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestBackToBackTelemetryAdvancesToSecondArrival(t *testing.T) {
	st := openStore(t)

	first := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	second := first.Add(350 * time.Millisecond)

	var mu sync.Mutex
	current := first
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	_, tr := startSubscriber(t, Options{Reconciler: registry.New(st), Now: now})

	tr.deliver("solar/esp32-01/telemetry", `{"deviceName":"Unit A","device_id":"esp32-01"}`)
	mu.Lock()
	current = second
	mu.Unlock()
	tr.deliver("solar/esp32-01/telemetry", `{"deviceName":"Unit A","device_id":"esp32-01"}`)

	devices, err := st.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d rows, want 1", len(devices))
	}
	if !devices[0].UpdatedAt.Equal(second) {
		t.Fatalf("updated_at = %v, want %v", devices[0].UpdatedAt, second)
	}
}

func TestMalformedTelemetryIsJournaledAndDropped(t *testing.T) {
	j := &journal{}
	rec := &flakyReconciler{}
	sub, tr := startSubscriber(t, Options{Journal: j, Reconciler: rec})

	big := "{" + strings.Repeat("x", 10000)
	tr.deliver("solar/esp32-01/telemetry", big)
	tr.deliver("solar/esp32-01/telemetry", `[1,2,3]`)
	tr.deliver("solar/esp32-01/telemetry", `{"deviceName":"Unit A"}`)

	if got := sub.State(); got != StateConnected {
		t.Fatalf("state = %v after decode failures", got)
	}
	stats := sub.Stats()
	if stats.DecodeFailures != 2 || stats.Received != 3 || stats.Reconciled != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.entries) != 2 {
		t.Fatalf("journal has %d entries", len(j.entries))
	}
	if j.entries[0].UnitID != "esp32-01" || len(j.entries[0].Payload) != journalLimit {
		t.Fatalf("journal entry unit %q payload len %d", j.entries[0].UnitID, len(j.entries[0].Payload))
	}
	if len(rec.names) != 1 || rec.names[0] != "Unit A" {
		t.Fatalf("reconciled %v", rec.names)
	}
}

func TestPartialTelemetryStillReconciles(t *testing.T) {
	rec := &flakyReconciler{}
	sub, tr := startSubscriber(t, Options{Reconciler: rec})

	tr.deliver("solar/esp32-01/telemetry", `{"deviceName":"Unit A","energyWh":"lots","manual":"maybe"}`)

	stats := sub.Stats()
	if stats.FieldWarnings != 1 || stats.DecodeFailures != 0 || stats.Reconciled != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestPersistenceFailureDoesNotStopLoop(t *testing.T) {
	rec := &flakyReconciler{fails: 1}
	sub, tr := startSubscriber(t, Options{Reconciler: rec})

	tr.deliver("solar/esp32-01/telemetry", `{"deviceName":"Unit A"}`)
	tr.deliver("solar/esp32-01/telemetry", `{"deviceName":"Unit A"}`)

	stats := sub.Stats()
	if stats.PersistenceFailures != 1 || stats.Reconciled != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if sub.State() != StateConnected {
		t.Fatalf("state = %v", sub.State())
	}
}

func TestIneligibleNamesAreSkipped(t *testing.T) {
	st := openStore(t)
	sub, tr := startSubscriber(t, Options{Reconciler: registry.New(st)})

	tr.deliver("solar/esp32-01/telemetry", `{"deviceName":"unknown"}`)
	tr.deliver("solar/esp32-01/telemetry", `{"energyWh":10}`)

	if stats := sub.Stats(); stats.Skipped != 2 || stats.Reconciled != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	devices, _ := st.ListDevices(context.Background())
	if len(devices) != 0 {
		t.Fatalf("created %d rows", len(devices))
	}
}

func TestStatusMessagesAreNotPersisted(t *testing.T) {
	st := openStore(t)
	j := &journal{}
	sub, tr := startSubscriber(t, Options{Reconciler: registry.New(st), Journal: j})

	tr.deliver("solar/esp32-01/status", `{"status":"online","device_id":"esp32-01"}`)
	tr.deliver("solar/esp32-01/status", `not json`)

	if stats := sub.Stats(); stats.StatusMessages != 2 || stats.Received != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	devices, _ := st.ListDevices(context.Background())
	if len(devices) != 0 || len(j.entries) != 0 {
		t.Fatalf("status message persisted: %d rows, %d journal entries", len(devices), len(j.entries))
	}
}

func TestSamplesAndLatestCache(t *testing.T) {
	samples := &sampleRecorder{}
	cache := &latestRecorder{}
	_, tr := startSubscriber(t, Options{PersistSamples: true, Samples: samples, Latest: cache})

	tr.deliver("solar/esp32-01/telemetry", `{"deviceName":" Unit A ","energyWh":"1250.5","batteryPct":85.5}`)
	tr.deliver("solar/esp32-02/telemetry", `{"energyWh":3}`)

	if len(samples.samples) != 2 {
		t.Fatalf("stored %d samples", len(samples.samples))
	}
	first := samples.samples[0]
	if first.DeviceName != "Unit A" || first.EnergyWh == nil || *first.EnergyWh != 1250.5 {
		t.Fatalf("sample = %+v", first)
	}
	if samples.samples[1].DeviceName != "esp32-02" {
		t.Fatalf("nameless sample stored as %q", samples.samples[1].DeviceName)
	}

	if len(cache.entries) != 1 || cache.entries[0].Name != "Unit A" || cache.entries[0].UnitID != "esp32-01" {
		t.Fatalf("cache entries = %+v", cache.entries)
	}
}

func TestSamplesOffByDefault(t *testing.T) {
	samples := &sampleRecorder{}
	_, tr := startSubscriber(t, Options{Samples: samples})

	tr.deliver("solar/esp32-01/telemetry", `{"deviceName":"Unit A"}`)
	if len(samples.samples) != 0 {
		t.Fatalf("stored %d samples with persistence off", len(samples.samples))
	}
}

func TestStopClosesTransportAndIgnoresLateMessages(t *testing.T) {
	rec := &flakyReconciler{}
	sub, tr := startSubscriber(t, Options{Reconciler: rec})

	sub.Stop()
	sub.Stop()

	if got := sub.State(); got != StateStopped {
		t.Fatalf("state = %v, want stopped", got)
	}
	if tr.disconnects != 1 {
		t.Fatalf("disconnected %d times", tr.disconnects)
	}

	tr.deliver("solar/esp32-01/telemetry", `{"deviceName":"Unit A"}`)
	tr.drop(errors.New("late"))
	if len(rec.names) != 0 || sub.State() != StateStopped {
		t.Fatalf("handled traffic after stop")
	}

	assertTransitions(t, sub.Transitions(), StateDisconnected, []State{StateConnecting, StateConnected, StateShuttingDown, StateStopped})
}

func TestConnectFailureReturnsToDisconnected(t *testing.T) {
	d := &dialRecorder{err: &mqttclient.TransportError{Op: "connect", Err: context.DeadlineExceeded}}
	sub := New(Options{Dial: d.dial, Topics: topics})

	err := sub.Start(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Start = %v", err)
	}
	if sub.State() != StateDisconnected || sub.Transport() != nil {
		t.Fatalf("state = %v after failed connect", sub.State())
	}
	if d.last().disconnects != 1 {
		t.Fatalf("failed transport not released")
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"héllo", 3, "hé"},
		{"héllo", 2, "h"},
		{"short", 256, "short"},
		{strings.Repeat("é", 200), previewLimit, strings.Repeat("é", previewLimit/2)},
		{strings.Repeat("€", 100), previewLimit, strings.Repeat("€", previewLimit/3)},
	}
	for _, tt := range tests {
		got := truncateString(tt.in, tt.max)
		if got != tt.want {
			t.Fatalf("truncateString(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
		if len(got) > tt.max || !utf8.ValidString(got) {
			t.Fatalf("truncateString(%q, %d) = %q exceeds budget or splits a rune", tt.in, tt.max, got)
		}
	}
}

func assertTransitions(t *testing.T, got []Transition, start State, want []State) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("transitions = %+v, want %v", got, want)
	}
	from := start
	for i, tr := range got {
		if tr.From != from || tr.To != want[i] {
			t.Fatalf("transition %d = %v->%v, want %v->%v", i, tr.From, tr.To, from, want[i])
		}
		from = tr.To
	}
}
