// Package gate implements the operator-side broker connection. It connects
// only while an operator has committed a unit name, accepts telemetry only
// from the unit with that name, and keeps a bounded history per sensor
// channel for charting.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"solartracker/solarsync/internal/command"
	"solartracker/solarsync/internal/model"
	"solartracker/solarsync/internal/mqttclient"
	"solartracker/solarsync/internal/telemetry"
)

var (
	// ErrEmptyName is returned by Commit for a blank unit name.
	ErrEmptyName = errors.New("gate: unit name is empty")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("gate: connection closed")
)

var (
	onlinePayload  = []byte(`{"status":"online"}`)
	offlinePayload = []byte(`{"status":"offline"}`)
)

// State is the connection state. Filtering by identity happens within
// Connected and is not a state of its own.
type State int

const (
	StateGated State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateGated:
		return "gated"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "invalid"
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateGated; st <= StateClosed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("gate: unknown state %q", b)
}

// Channel names of the charted sensor series.
const (
	ChannelTop        = "top"
	ChannelLeft       = "left"
	ChannelRight      = "right"
	ChannelAvg        = "avg"
	ChannelPowerW     = "powerW"
	ChannelBatteryPct = "batteryPct"
	ChannelTempC      = "tempC"
)

var channels = []struct {
	name  string
	value func(model.Telemetry) (float64, bool)
}{
	{ChannelTop, intValue(func(t model.Telemetry) *int { return t.Top })},
	{ChannelLeft, intValue(func(t model.Telemetry) *int { return t.Left })},
	{ChannelRight, intValue(func(t model.Telemetry) *int { return t.Right })},
	{ChannelAvg, intValue(func(t model.Telemetry) *int { return t.Avg })},
	{ChannelPowerW, floatValue(func(t model.Telemetry) *float64 { return t.PowerW })},
	{ChannelBatteryPct, floatValue(func(t model.Telemetry) *float64 { return t.BatteryPct })},
	{ChannelTempC, floatValue(func(t model.Telemetry) *float64 { return t.TempC })},
}

func intValue(get func(model.Telemetry) *int) func(model.Telemetry) (float64, bool) {
	return func(t model.Telemetry) (float64, bool) {
		if p := get(t); p != nil {
			return float64(*p), true
		}
		return 0, false
	}
}

func floatValue(get func(model.Telemetry) *float64) func(model.Telemetry) (float64, bool) {
	return func(t model.Telemetry) (float64, bool) {
		if p := get(t); p != nil {
			return *p, true
		}
		return 0, false
	}
}

// WiFi mirrors the unit's reported WiFi status.
type WiFi struct {
	SSID      *string `json:"ssid"`
	Connected *bool   `json:"connected"`
}

// Orientation mirrors the unit's reported angles.
type Orientation struct {
	Tilt      *float64 `json:"tilt"`
	Pan       *float64 `json:"pan"`
	PanTarget *float64 `json:"panTarget"`
}

// Snapshot is a copy of the connection's observable state.
type Snapshot struct {
	State       State                `json:"state"`
	Name        string               `json:"name,omitempty"`
	ClientID    string               `json:"clientId,omitempty"`
	Connected   bool                 `json:"connected"`
	Last        *model.Telemetry     `json:"last"`
	LastAt      time.Time            `json:"lastAt,omitempty"`
	UnitID      string               `json:"unitId,omitempty"`
	WiFi        WiFi                 `json:"wifi"`
	Manual      *bool                `json:"manual"`
	Orientation Orientation          `json:"orientation"`
	Mismatch    string               `json:"mismatch,omitempty"`
	History     map[string][]float64 `json:"history"`
}

// EventKind distinguishes events delivered to observers.
type EventKind string

const (
	EventState     EventKind = "state"
	EventTelemetry EventKind = "telemetry"
	EventRejected  EventKind = "rejected"
)

// Event is emitted on state changes, accepted telemetry, and telemetry
// rejected for an identity mismatch.
type Event struct {
	Kind      EventKind        `json:"kind"`
	State     State            `json:"state"`
	Connected bool             `json:"connected"`
	Telemetry *model.Telemetry `json:"telemetry,omitempty"`
	Identity  string           `json:"identity,omitempty"`
	At        time.Time        `json:"at"`
}

// Options configures a Conn.
type Options struct {
	Transport       mqttclient.Options
	Topics          mqttclient.Topics
	HistoryCapacity int

	Dial    mqttclient.Dialer
	Logger  *slog.Logger
	Now     func() time.Time
	Backoff func() backoff.BackOff
}

// Conn is one operator-side connection manager.
type Conn struct {
	opts    Options
	logger  *slog.Logger
	dial    mqttclient.Dialer
	now     func() time.Time
	backoff func() backoff.BackOff

	mu          sync.Mutex
	closed      bool
	state       State
	name        string
	generation  uint64
	clientID    string
	transport   mqttclient.Transport
	cancel      context.CancelFunc
	connected   bool
	last        *model.Telemetry
	lastAt      time.Time
	unitID      string
	wifi        WiFi
	manual      *bool
	orientation Orientation
	mismatch    string
	history     map[string]*Window[float64]

	obsMu     sync.Mutex
	observers map[int]chan Event
	nextObs   int
}

// New returns a gated connection. Nothing connects until Commit.
func New(opts Options) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := opts.Dial
	if dial == nil {
		dial = mqttclient.Dial
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	bo := opts.Backoff
	if bo == nil {
		interval := opts.Transport.ReconnectInterval
		bo = func() backoff.BackOff { return defaultBackoff(interval) }
	}

	c := &Conn{
		opts:      opts,
		logger:    logger.With("component", "gate"),
		dial:      dial,
		now:       now,
		backoff:   bo,
		state:     StateGated,
		history:   make(map[string]*Window[float64], len(channels)),
		observers: make(map[int]chan Event),
	}
	for _, ch := range channels {
		c.history[ch.name] = NewWindow[float64](opts.HistoryCapacity)
	}
	return c
}

func defaultBackoff(maxInterval time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	if maxInterval > 0 {
		b.MaxInterval = maxInterval
	}
	b.MaxElapsedTime = 0
	return b
}

// Commit opens the gate for name. Committing the name already in effect is a
// no-op; committing a different one replaces the session.
func (c *Conn) Commit(name string) error {
	name = telemetry.CanonicalName(name)
	if name == "" {
		return ErrEmptyName
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.name == name && c.state != StateGated && c.state != StateClosed {
		c.mu.Unlock()
		return nil
	}
	old := c.teardownLocked()

	c.generation++
	gen := c.generation
	c.name = name
	c.clientID = mqttclient.NewClientID("dash")

	opts := c.opts.Transport
	opts.ClientID = c.clientID
	opts.ConnectRetry = false
	opts.OrderMatters = true
	opts.Logger = c.logger
	opts.Will = &mqttclient.Will{
		Topic:   c.opts.Topics.DashboardStatus(c.clientID),
		Payload: offlinePayload,
		QoS:     mqttclient.AtLeastOnce,
	}

	tr := c.dial(opts, mqttclient.Events{
		OnConnect:        func() { c.onConnect(gen) },
		OnConnectionLost: func(err error) { c.onConnectionLost(gen, err) },
		OnReconnecting:   func() { c.onReconnecting(gen) },
	})
	ctx, cancel := context.WithCancel(context.Background())
	c.transport = tr
	c.cancel = cancel
	c.setStateLocked(StateConnecting)
	clientID := c.clientID
	c.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}
	c.logger.Info("gate opened", "name", name, "client_id", clientID)
	go c.connect(ctx, gen, tr)
	return nil
}

// connect retries the initial handshake until it succeeds or the session
// ends. Later reconnects are handled by the transport.
func (c *Conn) connect(ctx context.Context, gen uint64, tr mqttclient.Transport) {
	op := func() error {
		if !c.current(gen) {
			return backoff.Permanent(context.Canceled)
		}
		return tr.Connect(ctx)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("gate connect failed", "error", err, "retry_in", wait)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(c.backoff(), ctx), notify); err != nil {
		return
	}
	if !c.current(gen) {
		tr.Disconnect()
	}
}

func (c *Conn) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.generation == gen && c.name != ""
}

func (c *Conn) onConnect(gen uint64) {
	c.mu.Lock()
	if c.closed || c.generation != gen || c.transport == nil {
		c.mu.Unlock()
		return
	}
	tr := c.transport
	clientID := c.clientID
	c.mu.Unlock()

	ctx := context.Background()
	handler := func(m mqttclient.Message) { c.handleMessage(gen, m) }
	if err := tr.Subscribe(ctx, c.opts.Topics.Filters(), handler); err != nil {
		c.logger.Error("gate subscribe failed", "error", err)
		return
	}
	if err := tr.Publish(ctx, c.opts.Topics.DashboardStatus(clientID), mqttclient.AtLeastOnce, onlinePayload); err != nil {
		c.logger.Warn("publish online status failed", "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || c.closed {
		return
	}
	c.connected = true
	c.setStateLocked(StateConnected)
}

func (c *Conn) onConnectionLost(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || c.closed {
		return
	}
	c.logger.Warn("gate connection lost", "error", err)
	c.connected = false
	c.setStateLocked(StateReconnecting)
}

func (c *Conn) onReconnecting(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || c.closed {
		return
	}
	c.connected = false
	c.setStateLocked(StateReconnecting)
}

func (c *Conn) handleMessage(gen uint64, msg mqttclient.Message) {
	_, kind := c.opts.Topics.Parse(msg.Topic)
	if kind != mqttclient.KindTelemetry {
		return
	}

	rec, err := telemetry.Normalize(msg.Payload)
	var derr *telemetry.DecodeError
	if err != nil && (!errors.As(err, &derr) || derr.Malformed()) {
		c.logger.Debug("gate dropped undecodable telemetry", "topic", msg.Topic, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || c.closed || c.name == "" {
		return
	}

	at := c.now()
	if !telemetry.SameUnit(rec.Name, c.name) {
		c.mismatch = rec.Name
		if c.mismatch == "" {
			c.mismatch = telemetry.UnknownName
		}
		c.emit(Event{Kind: EventRejected, State: c.state, Connected: c.connected, Identity: c.mismatch, At: at})
		return
	}

	c.mismatch = ""
	c.last = &rec
	c.lastAt = at
	if rec.DeviceID != "" {
		c.unitID = rec.DeviceID
	} else if unit, _ := c.opts.Topics.Parse(msg.Topic); unit != "" {
		c.unitID = unit
	}
	c.wifi = WiFi{SSID: rec.WiFiSSID, Connected: rec.WiFiConnected}
	c.manual = rec.Manual
	c.orientation = Orientation{Tilt: rec.TiltAngle, Pan: rec.PanAngle, PanTarget: rec.PanTarget}
	for _, ch := range channels {
		if v, ok := ch.value(rec); ok {
			c.history[ch.name].Push(v)
		}
	}

	copied := rec
	c.emit(Event{Kind: EventTelemetry, State: c.state, Connected: c.connected, Telemetry: &copied, At: at})
}

// Clear closes the gate: the transport is torn down, derived state reset,
// and the connection moves to Closed. Commit may open it again.
func (c *Conn) Clear() {
	c.mu.Lock()
	old := c.teardownLocked()
	c.mu.Unlock()
	if old != nil {
		old.Disconnect()
	}
}

// Close clears the gate permanently and ends every observer stream.
func (c *Conn) Close() {
	c.Clear()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	for id, ch := range c.observers {
		close(ch)
		delete(c.observers, id)
	}
}

// teardownLocked resets the session and returns the transport to disconnect
// once the lock is released.
func (c *Conn) teardownLocked() mqttclient.Transport {
	if c.state == StateGated || c.state == StateClosed {
		c.resetLocked()
		return nil
	}

	c.generation++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	tr := c.transport
	c.transport = nil
	c.resetLocked()
	c.setStateLocked(StateClosed)
	c.logger.Info("gate closed")
	return tr
}

func (c *Conn) resetLocked() {
	c.name = ""
	c.clientID = ""
	c.connected = false
	c.last = nil
	c.lastAt = time.Time{}
	c.unitID = ""
	c.wifi = WiFi{}
	c.manual = nil
	c.orientation = Orientation{}
	c.mismatch = ""
	for _, w := range c.history {
		w.Reset()
	}
}

func (c *Conn) setStateLocked(to State) {
	if c.state == to {
		return
	}
	c.logger.Info("gate state changed", "from", c.state.String(), "to", to.String())
	c.state = to
	c.emit(Event{Kind: EventState, State: to, Connected: c.connected, At: c.now()})
}

// Snapshot returns a copy of the current state.
func (c *Conn) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:       c.state,
		Name:        c.name,
		ClientID:    c.clientID,
		Connected:   c.connected,
		LastAt:      c.lastAt,
		UnitID:      c.unitID,
		WiFi:        c.wifi,
		Manual:      c.manual,
		Orientation: c.orientation,
		Mismatch:    c.mismatch,
		History:     make(map[string][]float64, len(c.history)),
	}
	if c.last != nil {
		last := *c.last
		snap.Last = &last
	}
	for name, w := range c.history {
		snap.History[name] = w.Values()
	}
	return snap
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers an observer. Events are dropped for an observer whose
// buffer is full. The returned function unregisters it.
func (c *Conn) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = ch
	c.obsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.obsMu.Lock()
			defer c.obsMu.Unlock()
			if existing, ok := c.observers[id]; ok {
				close(existing)
				delete(c.observers, id)
			}
		})
	}
}

func (c *Conn) emit(ev Event) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	for _, ch := range c.observers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SendCommand publishes cmd to the unit whose telemetry was last accepted.
func (c *Conn) SendCommand(ctx context.Context, cmd model.CommandMessage) error {
	c.mu.Lock()
	unitID := c.unitID
	c.mu.Unlock()
	return command.New(sessionPublisher{c: c}, c.opts.Topics).Send(ctx, unitID, cmd)
}

// sessionPublisher exposes the current session's transport to the command
// channel, reporting connected only in StateConnected.
type sessionPublisher struct {
	c *Conn
}

func (p sessionPublisher) IsConnected() bool {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.c.state == StateConnected && p.c.transport != nil && p.c.transport.IsConnected()
}

func (p sessionPublisher) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	p.c.mu.Lock()
	tr := p.c.transport
	p.c.mu.Unlock()
	if tr == nil {
		return command.ErrNotConnected
	}
	return tr.Publish(ctx, topic, qos, payload)
}
