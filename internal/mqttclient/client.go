// Package mqttclient adapts the paho MQTT client to the narrow Transport
// interface used by the ingest subscriber, the gated dashboard connection,
// and the command channel.
package mqttclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// QoS levels used on the wire.
const (
	AtMostOnce  byte = 0
	AtLeastOnce byte = 1
)

// ErrTimeout is wrapped by TransportError when a token does not complete in time.
var ErrTimeout = errors.New("mqtt: operation timed out")

// TransportError reports a failed connect, subscribe, or publish.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mqtt %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Message is an inbound publish.
type Message struct {
	Topic     string
	Payload   []byte
	Duplicate bool
}

// Will is the message the broker publishes if the connection drops uncleanly.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Options configures a transport connection.
type Options struct {
	BrokerURL         string
	ClientID          string
	Username          string
	Password          string
	KeepAlive         time.Duration
	ConnectTimeout    time.Duration
	ReconnectInterval time.Duration
	PublishTimeout    time.Duration
	// ConnectRetry keeps the initial Connect retrying in the background
	// until it succeeds or the context ends.
	ConnectRetry bool
	// OrderMatters delivers messages one at a time in arrival order.
	OrderMatters bool
	Will         *Will
	Logger       *slog.Logger
}

// Events are transport lifecycle callbacks. Any of them may be nil.
type Events struct {
	// OnConnect runs after every successful connect, including reconnects.
	OnConnect func()
	// OnConnectionLost runs when an established connection drops.
	OnConnectionLost func(error)
	// OnReconnecting runs before each automatic reconnect attempt.
	OnReconnecting func()
}

// Transport is the subset of broker operations the subsystem needs.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, filters map[string]byte, handler func(Message)) error
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	IsConnected() bool
	Disconnect()
}

// Dialer builds a transport. Tests substitute fakes.
type Dialer func(Options, Events) Transport

// NewClientID returns a fresh identity of the form <role>-<8 hex chars>.
func NewClientID(role string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s-%s", role, id[:8])
}

// Client is the paho-backed Transport.
type Client struct {
	client mqtt.Client
	opts   Options
	logger *slog.Logger
}

// Dial is a Dialer returning a paho-backed transport.
func Dial(opts Options, events Events) Transport {
	return New(opts, events)
}

// New constructs a paho-backed client. No network I/O happens until Connect.
func New(opts Options, events Events) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	po := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(opts.OrderMatters).
		SetConnectRetry(opts.ConnectRetry)

	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(opts.Password)
	}
	if opts.KeepAlive > 0 {
		po.SetKeepAlive(opts.KeepAlive)
		po.SetPingTimeout(opts.KeepAlive / 2)
	}
	if opts.ConnectTimeout > 0 {
		po.SetConnectTimeout(opts.ConnectTimeout)
	}
	if opts.ReconnectInterval > 0 {
		po.SetConnectRetryInterval(opts.ReconnectInterval)
		po.SetMaxReconnectInterval(opts.ReconnectInterval)
	}
	if opts.PublishTimeout > 0 {
		po.SetWriteTimeout(opts.PublishTimeout)
	}
	if w := opts.Will; w != nil {
		po.SetBinaryWill(w.Topic, w.Payload, w.QoS, w.Retained)
	}

	// OnConnect typically subscribes and waits for the SUBACK, which must
	// not happen on paho's connect path.
	po.SetOnConnectHandler(func(mqtt.Client) {
		if events.OnConnect != nil {
			go events.OnConnect()
		}
	})
	po.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if events.OnConnectionLost != nil {
			events.OnConnectionLost(err)
		}
	})
	po.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		if events.OnReconnecting != nil {
			events.OnReconnecting()
		}
	})

	return &Client{client: mqtt.NewClient(po), opts: opts, logger: logger}
}

// Connect performs the broker handshake.
func (c *Client) Connect(ctx context.Context) error {
	return waitToken(ctx, c.client.Connect(), "connect", 0)
}

// Subscribe registers handler for every filter. Re-subscribing the same
// filters replaces the previous handler, so repeated calls are harmless.
func (c *Client) Subscribe(ctx context.Context, filters map[string]byte, handler func(Message)) error {
	cb := func(_ mqtt.Client, m mqtt.Message) {
		safeInvoke(c.logger, handler, Message{Topic: m.Topic(), Payload: m.Payload(), Duplicate: m.Duplicate()})
	}

	tok := c.client.SubscribeMultiple(filters, cb)
	if err := waitToken(ctx, tok, "subscribe", c.opts.ConnectTimeout); err != nil {
		return err
	}

	if st, ok := tok.(*mqtt.SubscribeToken); ok {
		for topic, code := range st.Result() {
			if code == 0x80 {
				return &TransportError{Op: "subscribe", Err: fmt.Errorf("broker rejected %s", topic)}
			}
		}
	}
	return nil
}

// Publish sends payload and, for QoS 1, waits for the broker's PUBACK.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	return waitToken(ctx, c.client.Publish(topic, qos, false, payload), "publish", c.opts.PublishTimeout)
}

// IsConnected reports whether the network connection is currently up.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Disconnect closes the connection, allowing in-flight work 250ms to finish.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}

func waitToken(ctx context.Context, tok mqtt.Token, op string, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return &TransportError{Op: op, Err: err}
		}
		return nil
	case <-ctx.Done():
		return &TransportError{Op: op, Err: ctx.Err()}
	case <-expired:
		return &TransportError{Op: op, Err: ErrTimeout}
	}
}

func safeInvoke(logger *slog.Logger, h func(Message), msg Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("mqtt message handler panic", "topic", msg.Topic, "panic", r)
		}
	}()
	h(msg)
}
