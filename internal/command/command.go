// Package command validates operator commands and publishes them to a
// unit's command topic with at-least-once delivery.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"solartracker/solarsync/internal/model"
	"solartracker/solarsync/internal/mqttclient"
	"solartracker/solarsync/internal/telemetry"
)

// Limits enforced before a command reaches the wire.
const (
	MaxGridPrice     = 100000.0
	MaxDeviceNameLen = 24
)

var (
	// ErrNotConnected is returned when the transport is down at send time.
	ErrNotConnected = errors.New("command: transport not connected")
	// ErrUnknownUnit is returned when no unit has been seen to address.
	ErrUnknownUnit = errors.New("command: target unit unknown")
	// ErrEmptyCommand is returned when a command carries no keys.
	ErrEmptyCommand = &ValidationError{Reason: "command carries no keys"}
)

// ValidationError rejects a command field before any transport interaction.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid command: " + e.Reason
	}
	return fmt.Sprintf("invalid command %s: %s", e.Field, e.Reason)
}

// ValidateGridPrice accepts finite prices in (0, MaxGridPrice).
func ValidateGridPrice(price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return &ValidationError{Field: "gridPrice", Reason: "must be a finite number"}
	}
	if price <= 0 || price >= MaxGridPrice {
		return &ValidationError{Field: "gridPrice", Reason: fmt.Sprintf("must be greater than 0 and less than %g", MaxGridPrice)}
	}
	return nil
}

// ValidateDeviceName accepts 1 to MaxDeviceNameLen characters after trimming.
func ValidateDeviceName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &ValidationError{Field: "deviceName", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(name) > MaxDeviceNameLen {
		return &ValidationError{Field: "deviceName", Reason: fmt.Sprintf("must be at most %d characters", MaxDeviceNameLen)}
	}
	return nil
}

// Validate checks every present key and rejects empty commands.
func Validate(cmd model.CommandMessage) error {
	if cmd.Empty() {
		return ErrEmptyCommand
	}
	if cmd.GridPrice != nil {
		if err := ValidateGridPrice(*cmd.GridPrice); err != nil {
			return err
		}
	}
	if cmd.DeviceName != nil {
		if err := ValidateDeviceName(*cmd.DeviceName); err != nil {
			return err
		}
	}
	return nil
}

// Publisher is the transport surface the channel needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	IsConnected() bool
}

// Channel sends commands to units.
type Channel struct {
	pub    Publisher
	topics mqttclient.Topics
}

// New returns a channel publishing through pub.
func New(pub Publisher, topics mqttclient.Topics) *Channel {
	return &Channel{pub: pub, topics: topics}
}

// Send validates cmd and publishes it at QoS 1 to unitID's command topic,
// returning once the broker acknowledges or ctx ends.
func (c *Channel) Send(ctx context.Context, unitID string, cmd model.CommandMessage) error {
	if err := Validate(cmd); err != nil {
		return err
	}

	unitID = strings.TrimSpace(unitID)
	if unitID == "" {
		return ErrUnknownUnit
	}
	if !telemetry.ValidUnitID(unitID) {
		return &ValidationError{Field: "unitId", Reason: "must be a single topic level"}
	}
	if c.pub == nil || !c.pub.IsConnected() {
		return ErrNotConnected
	}

	if cmd.DeviceName != nil {
		name := strings.TrimSpace(*cmd.DeviceName)
		cmd.DeviceName = &name
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	if err := c.pub.Publish(ctx, c.topics.Command(unitID), mqttclient.AtLeastOnce, payload); err != nil {
		return fmt.Errorf("send command to %s: %w", unitID, err)
	}
	return nil
}
