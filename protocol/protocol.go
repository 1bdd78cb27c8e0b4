// Package protocol defines the application messages exchanged between the
// bridge and its client: a message code plus an optional payload whose shape
// is fixed by the code.
//
// A message body is the JSON object {"code": <int>, "payload": <value>}. A
// missing or null payload is "absent", which is distinct from an empty list.
package protocol

import "errors"

// Code is the kind of a request or response.
type Code int

const (
	CtrMsg      Code = iota // Control message; fallback for unroutable input
	ShowListAsk             // Request the names of active sessions
	ShowListAns             // Session names
	GetDataAsk              // Request live averages of a named session
	GetDataAns              // Live averages
	CalibAsk                // Request calibration of a named session
	CalibAns                // Calibration reference values
)

// String returns the protocol name of the code.
func (c Code) String() string {
	switch c {
	case CtrMsg:
		return "CTR_MSG"
	case ShowListAsk:
		return "SHOW_LIST_ASK"
	case ShowListAns:
		return "SHOW_LIST_ANS"
	case GetDataAsk:
		return "GET_DATA_ASK"
	case GetDataAns:
		return "GET_DATA_ANS"
	case CalibAsk:
		return "CALIB_ASK"
	case CalibAns:
		return "CALIB_ANS"
	default:
		return "UNKNOWN"
	}
}

// Known reports whether c is one of the defined codes.
func (c Code) Known() bool {
	return c >= CtrMsg && c <= CalibAns
}

// SensorCode tags a reading with the channel it came from.
type SensorCode string

const (
	SensorHR  SensorCode = "HR"
	SensorGSR SensorCode = "GSR"
)

// SensorReading is one channel value in a data or calibration answer.
type SensorReading struct {
	Code  SensorCode `json:"code"`
	Value int        `json:"value"`
}

// Shape is the payload kind a code carries.
type Shape int

const (
	ShapeNone Shape = iota
	ShapeText
	ShapeNames
	ShapeReadings
)

// Payload is one of Text, Names or Readings. A nil Payload is absent.
type Payload interface {
	Shape() Shape
}

// Text is a string payload.
type Text string

// Names is a string-list payload.
type Names []string

// Readings is a sensor-reading-list payload.
type Readings []SensorReading

// Shape implements Payload.
func (Text) Shape() Shape { return ShapeText }

// Shape implements Payload.
func (Names) Shape() Shape { return ShapeNames }

// Shape implements Payload.
func (Readings) Shape() Shape { return ShapeReadings }

// Message is one request or response.
type Message struct {
	Code    Code
	Payload Payload
}

// HasPayload reports whether the payload is present.
func (m Message) HasPayload() bool {
	return m.Payload != nil
}

// Name returns the text payload, if the message carries one.
func (m Message) Name() (string, bool) {
	t, ok := m.Payload.(Text)
	return string(t), ok
}

// ShapeOf returns the payload shape that c carries when present.
func ShapeOf(c Code) Shape {
	switch c {
	case CtrMsg, GetDataAsk, CalibAsk:
		return ShapeText
	case ShowListAns:
		return ShapeNames
	case GetDataAns, CalibAns:
		return ShapeReadings
	default:
		return ShapeNone
	}
}

// SensorTimeoutText is the CTR_MSG payload answering a calibration whose
// sensor never delivered enough samples.
const SensorTimeoutText Text = "sensor timeout"

var (
	ErrMalformedBody   = errors.New("protocol: malformed message body")
	ErrPayloadMismatch = errors.New("protocol: payload does not match code")
)
