// Package ingest runs the backend subscriber: it holds one broker
// connection, routes telemetry through normalization and registry
// reconciliation, and exposes its connection state for readiness checks.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"solartracker/solarsync/internal/latest"
	"solartracker/solarsync/internal/model"
	"solartracker/solarsync/internal/mqttclient"
	"solartracker/solarsync/internal/registry"
	"solartracker/solarsync/internal/telemetry"
)

const (
	storeTimeout     = 2 * time.Second
	previewLimit     = 256
	journalLimit     = 4096
	transitionMemory = 32
)

// ErrAlreadyStarted is returned by Start on a subscriber that is not Disconnected.
var ErrAlreadyStarted = errors.New("ingest: subscriber already started")

// State is the subscriber's observable connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	}
	return "invalid"
}

// MarshalText renders the state name in JSON responses.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Reconciler records unit-name sightings.
type Reconciler interface {
	ReconcileAt(ctx context.Context, name string, at time.Time) (registry.Result, error)
}

// SampleWriter persists accepted telemetry when sample persistence is on.
type SampleWriter interface {
	InsertTelemetrySample(ctx context.Context, sample model.TelemetrySample) error
}

// ErrorJournal records payloads that could not be decoded.
type ErrorJournal interface {
	InsertIngestionError(ctx context.Context, e model.IngestionError) error
}

// LatestWriter caches the newest record per unit name.
type LatestWriter interface {
	Put(ctx context.Context, e latest.Entry) error
}

// Options configures a Subscriber. Only Transport.BrokerURL and Topics are
// required; nil collaborators disable the corresponding step.
type Options struct {
	Transport      mqttclient.Options
	Topics         mqttclient.Topics
	PersistSamples bool

	Reconciler Reconciler
	Samples    SampleWriter
	Journal    ErrorJournal
	Latest     LatestWriter

	Dial   mqttclient.Dialer
	Logger *slog.Logger
	Now    func() time.Time
}

// Stats are cumulative counters since process start.
type Stats struct {
	Received            uint64    `json:"received"`
	DecodeFailures      uint64    `json:"decode_failures"`
	FieldWarnings       uint64    `json:"field_warnings"`
	Reconciled          uint64    `json:"reconciled"`
	Skipped             uint64    `json:"skipped"`
	PersistenceFailures uint64    `json:"persistence_failures"`
	StatusMessages      uint64    `json:"status_messages"`
	LastUnitID          string    `json:"last_unit_id,omitempty"`
	LastMessageAt       time.Time `json:"last_message_at,omitempty"`
}

type counters struct {
	received            atomic.Uint64
	decodeFailures      atomic.Uint64
	fieldWarnings       atomic.Uint64
	reconciled          atomic.Uint64
	skipped             atomic.Uint64
	persistenceFailures atomic.Uint64
	statusMessages      atomic.Uint64
}

// Subscriber owns the backend's broker connection.
type Subscriber struct {
	opts     Options
	logger   *slog.Logger
	dial     mqttclient.Dialer
	now      func() time.Time
	clientID string

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.RWMutex
	state         State
	transport     mqttclient.Transport
	transitions   []Transition
	lastUnitID    string
	lastMessageAt time.Time
	// drops counts connection losses so a SUBACK that raced a drop does
	// not report Connected.
	drops uint64

	stats counters
}

// New builds a subscriber in the Disconnected state. Its client identity is
// fixed here and reused across every reconnect.
func New(opts Options) *Subscriber {
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

	ctx, cancel := context.WithCancel(context.Background())
	clientID := opts.Transport.ClientID
	if clientID == "" {
		clientID = mqttclient.NewClientID("ingest")
	}

	return &Subscriber{
		opts:     opts,
		logger:   logger.With("component", "ingest", "client_id", clientID),
		dial:     dial,
		now:      now,
		clientID: clientID,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateDisconnected,
	}
}

// ClientID returns the broker client identity.
func (s *Subscriber) ClientID() string { return s.clientID }

// State returns the current connection state.
func (s *Subscriber) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Transitions returns the most recent state changes, oldest first.
func (s *Subscriber) Transitions() []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Transition, len(s.transitions))
	copy(out, s.transitions)
	return out
}

// LastUnitID returns the unit identity of the most recent telemetry message.
func (s *Subscriber) LastUnitID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUnitID
}

// Transport returns the live transport, or nil before Start.
func (s *Subscriber) Transport() mqttclient.Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

// Stats returns a snapshot of the counters.
func (s *Subscriber) Stats() Stats {
	s.mu.RLock()
	unit, at := s.lastUnitID, s.lastMessageAt
	s.mu.RUnlock()

	return Stats{
		Received:            s.stats.received.Load(),
		DecodeFailures:      s.stats.decodeFailures.Load(),
		FieldWarnings:       s.stats.fieldWarnings.Load(),
		Reconciled:          s.stats.reconciled.Load(),
		Skipped:             s.stats.skipped.Load(),
		PersistenceFailures: s.stats.persistenceFailures.Load(),
		StatusMessages:      s.stats.statusMessages.Load(),
		LastUnitID:          unit,
		LastMessageAt:       at,
	}
}

// Start moves to Connecting and blocks until the first handshake completes
// or ctx ends. Subscription and the move to Connected happen in the
// transport's connect callback, which also runs after every reconnect.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	opts := s.opts.Transport
	opts.ClientID = s.clientID
	opts.ConnectRetry = true
	opts.OrderMatters = false
	opts.Logger = s.logger

	tr := s.dial(opts, mqttclient.Events{
		OnConnect:        s.onConnect,
		OnConnectionLost: s.onConnectionLost,
		OnReconnecting:   s.onReconnecting,
	})

	s.mu.Lock()
	s.transport = tr
	s.mu.Unlock()

	s.logger.Info("connecting to broker", "url", opts.BrokerURL)
	if err := tr.Connect(ctx); err != nil {
		tr.Disconnect()
		s.mu.Lock()
		s.transport = nil
		s.setStateLocked(StateDisconnected)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Run starts the subscriber and stops it when ctx ends.
func (s *Subscriber) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop closes the transport. Telemetry is not queued, so nothing is flushed.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	if s.state == StateShuttingDown || s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateShuttingDown)
	tr := s.transport
	s.mu.Unlock()

	s.cancel()
	if tr != nil {
		tr.Disconnect()
	}

	s.mu.Lock()
	s.setStateLocked(StateStopped)
	s.mu.Unlock()
}

func (s *Subscriber) onConnect() {
	s.mu.RLock()
	tr, drops := s.transport, s.drops
	s.mu.RUnlock()
	if tr == nil || s.closing() {
		return
	}

	if err := tr.Subscribe(s.ctx, s.opts.Topics.Filters(), s.handleMessage); err != nil {
		s.logger.Error("subscribe failed", "error", err)
		return
	}

	up := tr.IsConnected()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drops != drops || !up {
		s.logger.Warn("connection dropped during subscribe; waiting for reconnect")
		return
	}
	s.setStateLocked(StateConnected)
}

func (s *Subscriber) onConnectionLost(err error) {
	s.logger.Warn("broker connection lost", "error", err)
	s.markDropped()
}

func (s *Subscriber) onReconnecting() {
	s.markDropped()
}

func (s *Subscriber) markDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drops++
	s.setStateLocked(StateReconnecting)
}

func (s *Subscriber) closing() bool {
	st := s.State()
	return st == StateShuttingDown || st == StateStopped
}

func (s *Subscriber) setState(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(to)
}

// setStateLocked ignores changes once shutdown has begun, other than the
// final move to Stopped.
func (s *Subscriber) setStateLocked(to State) {
	from := s.state
	if from == to || from == StateStopped {
		return
	}
	if from == StateShuttingDown && to != StateStopped {
		return
	}

	s.state = to
	s.transitions = append(s.transitions, Transition{From: from, To: to, At: s.now()})
	if len(s.transitions) > transitionMemory {
		s.transitions = s.transitions[len(s.transitions)-transitionMemory:]
	}
	s.logger.Info("subscriber state changed", "from", from.String(), "to", to.String())
}

func (s *Subscriber) handleMessage(msg mqttclient.Message) {
	if s.closing() {
		return
	}

	unitID, kind := s.opts.Topics.Parse(msg.Topic)
	switch kind {
	case mqttclient.KindTelemetry:
		s.handleTelemetry(unitID, msg)
	case mqttclient.KindStatus:
		s.handleStatus(unitID, msg)
	default:
		s.logger.Debug("ignoring message", "topic", msg.Topic)
	}
}

func (s *Subscriber) handleTelemetry(unitID string, msg mqttclient.Message) {
	arrived := s.now()
	s.stats.received.Add(1)

	rec, err := telemetry.Normalize(msg.Payload)
	if err != nil {
		var derr *telemetry.DecodeError
		if !errors.As(err, &derr) || derr.Malformed() {
			s.stats.decodeFailures.Add(1)
			s.logger.Warn("telemetry decode failed", "topic", msg.Topic, "error", err, "payload", truncateString(string(msg.Payload), previewLimit))
			s.recordIngestionError(unitID, msg.Payload, err)
			return
		}
		s.stats.fieldWarnings.Add(1)
		s.logger.Warn("telemetry fields ignored", "topic", msg.Topic, "fields", derr.Fields)
	}

	if rec.DeviceID == "" {
		rec.DeviceID = unitID
	}

	s.mu.Lock()
	s.lastUnitID = rec.DeviceID
	s.lastMessageAt = arrived
	s.mu.Unlock()

	s.reconcile(rec.Name, arrived)
	if s.opts.PersistSamples {
		s.persistSample(rec, msg.Payload, arrived)
	}
	s.cacheLatest(rec, arrived)
}

func (s *Subscriber) reconcile(name string, at time.Time) {
	if s.opts.Reconciler == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()

	res, err := s.opts.Reconciler.ReconcileAt(ctx, name, at)
	if err != nil {
		s.stats.persistenceFailures.Add(1)
		s.logger.Error("failed to reconcile device registration", "device", name, "error", err)
		return
	}
	if res.Skipped {
		s.stats.skipped.Add(1)
		return
	}
	s.stats.reconciled.Add(1)
	s.logger.Debug("reconciled device registration", "device", res.Registration.DeviceName, "updated_at", res.Registration.UpdatedAt)
}

func (s *Subscriber) persistSample(rec model.Telemetry, payload []byte, at time.Time) {
	if s.opts.Samples == nil {
		return
	}

	name := rec.Name
	if !telemetry.EligibleName(name) {
		name = rec.DeviceID
	}

	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()

	sample := model.TelemetrySample{
		DeviceName: telemetry.CanonicalName(name),
		EnergyWh:   rec.EnergyWh,
		BatteryPct: rec.BatteryPct,
		RecordedAt: at,
		Payload:    []byte(truncateString(string(payload), journalLimit)),
	}
	if err := s.opts.Samples.InsertTelemetrySample(ctx, sample); err != nil {
		s.stats.persistenceFailures.Add(1)
		s.logger.Error("failed to persist telemetry sample", "device", sample.DeviceName, "error", err)
	}
}

func (s *Subscriber) cacheLatest(rec model.Telemetry, at time.Time) {
	if s.opts.Latest == nil || !telemetry.EligibleName(rec.Name) {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()

	entry := latest.Entry{Name: telemetry.CanonicalName(rec.Name), UnitID: rec.DeviceID, ReceivedAt: at, Telemetry: rec}
	if err := s.opts.Latest.Put(ctx, entry); err != nil {
		s.logger.Warn("failed to cache latest telemetry", "device", entry.Name, "error", err)
	}
}

func (s *Subscriber) handleStatus(unitID string, msg mqttclient.Message) {
	s.stats.statusMessages.Add(1)

	var status model.StatusMessage
	if err := json.Unmarshal(msg.Payload, &status); err != nil {
		s.logger.Warn("status decode failed", "topic", msg.Topic, "error", err, "payload", truncateString(string(msg.Payload), previewLimit))
		return
	}
	if status.DeviceID == "" {
		status.DeviceID = unitID
	}
	s.logger.Info("unit status", "unit", status.DeviceID, "status", status.Status)
}

func (s *Subscriber) recordIngestionError(unitID string, payload []byte, cause error) {
	if s.opts.Journal == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()

	entry := model.IngestionError{
		UnitID:  unitID,
		Payload: truncateString(string(payload), journalLimit),
		Error:   cause.Error(),
	}
	if err := s.opts.Journal.InsertIngestionError(ctx, entry); err != nil {
		s.logger.Error("failed to persist ingestion error", "error", err)
	}
}

// truncateString cuts s to at most max bytes without splitting a rune.
func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
