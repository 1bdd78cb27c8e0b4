// Package sensor defines the capability a biometric sensor source must
// offer to a band session, and a synthetic in-process source that stands in
// for a real device.
package sensor

import (
	"errors"
	"time"
)

// Channel identifies one sensor stream of a band device.
type Channel int

const (
	HeartRate Channel = iota // Heart rate in beats per minute
	SkinResponse             // Galvanic skin response (resistance, kOhm)
)

// Channels lists every channel in response order.
var Channels = []Channel{HeartRate, SkinResponse}

// String returns the wire code of the channel.
func (c Channel) String() string {
	switch c {
	case HeartRate:
		return "HR"
	case SkinResponse:
		return "GSR"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrAlreadySubscribed = errors.New("sensor: channel already subscribed")
	ErrNotSubscribed     = errors.New("sensor: channel not subscribed")
	ErrNotSampling       = errors.New("sensor: channel not sampling")
	ErrUnknownChannel    = errors.New("sensor: unknown channel")
)

// ReadingHandler receives one reading value per notification. Sources may
// invoke it from their own goroutines.
type ReadingHandler func(value int)

// Source is the capability a band session needs from a sensor device.
// Subscribing registers the reading handler of a channel; sampling controls
// whether the device produces readings at all.
type Source interface {
	// Subscribe registers h for readings of ch. Subscribing twice without an
	// Unsubscribe in between fails with ErrAlreadySubscribed.
	Subscribe(ch Channel, h ReadingHandler) error

	// Unsubscribe removes the handler of ch, or fails with ErrNotSubscribed.
	Unsubscribe(ch Channel) error

	// StartSampling starts producing readings of ch every interval.
	StartSampling(ch Channel, interval time.Duration) error

	// StopSampling stops producing readings of ch, or fails with
	// ErrNotSampling if the channel is not active.
	StopSampling(ch Channel) error
}
