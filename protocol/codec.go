package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type wireMessage struct {
	Code    *Code           `json:"code"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshal serializes m into a message body. It fails with
// ErrPayloadMismatch if a present payload is not the shape m.Code carries.
func Marshal(m Message) ([]byte, error) {
	if err := Validate(m); err != nil {
		return nil, err
	}

	code := m.Code
	w := wireMessage{Code: &code}
	if m.Payload != nil {
		payload := m.Payload
		// an empty list must stay distinguishable from an absent payload
		switch p := payload.(type) {
		case Names:
			if p == nil {
				payload = Names{}
			}
		case Readings:
			if p == nil {
				payload = Readings{}
			}
		}

		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", m.Code, err)
		}
		w.Payload = raw
	}

	return json.Marshal(w)
}

// Unmarshal parses a message body. A body that is not a JSON object with a
// code fails with ErrMalformedBody; a payload of the wrong shape fails with
// ErrPayloadMismatch. Unknown codes decode with the payload dropped so the
// caller can answer them.
func Unmarshal(body []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(body, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if w.Code == nil {
		return Message{}, fmt.Errorf("%w: missing code", ErrMalformedBody)
	}

	m := Message{Code: *w.Code}
	if !m.Code.Known() || isAbsent(w.Payload) {
		return m, nil
	}

	var err error
	switch ShapeOf(m.Code) {
	case ShapeText:
		var t string
		err = json.Unmarshal(w.Payload, &t)
		m.Payload = Text(t)
	case ShapeNames:
		var n Names
		err = json.Unmarshal(w.Payload, &n)
		if n == nil {
			n = Names{}
		}
		m.Payload = n
	case ShapeReadings:
		var r Readings
		err = json.Unmarshal(w.Payload, &r)
		if r == nil {
			r = Readings{}
		}
		m.Payload = r
	default:
		return Message{}, fmt.Errorf("%w: %s carries no payload", ErrPayloadMismatch, m.Code)
	}

	if err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", ErrPayloadMismatch, m.Code, err)
	}

	return m, nil
}

// Validate checks that a present payload matches the shape of the code.
func Validate(m Message) error {
	if m.Payload == nil {
		return nil
	}

	want := ShapeOf(m.Code)
	if want == ShapeNone || m.Payload.Shape() != want {
		return fmt.Errorf("%w: %s with %T", ErrPayloadMismatch, m.Code, m.Payload)
	}

	return nil
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
