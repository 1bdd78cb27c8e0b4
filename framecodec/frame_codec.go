// Package framecodec delimits application messages on a byte stream. Each
// frame is a 4-byte little-endian body length followed by exactly that many
// body bytes. A frame declaring length zero is a keepalive and carries no
// message.
package framecodec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// PrefixLen is the width of the length prefix in bytes.
	PrefixLen = 4

	// DefaultMaxFrameSize is the largest body accepted by default.
	DefaultMaxFrameSize = 2048
)

var (
	ErrFrameTooLarge = errors.New("framecodec: frame exceeds maximum size")
	ErrCodecFailed   = errors.New("framecodec: codec failed on an earlier frame")
)

// State is the decoder's position within the current frame.
type State int

const (
	AccumulatingLength State = iota
	AccumulatingBody
	Failed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case AccumulatingLength:
		return "AccumulatingLength"
	case AccumulatingBody:
		return "AccumulatingBody"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Decoder reassembles frames from arbitrarily split chunks. It never holds
// more than PrefixLen+maxFrameSize bytes of an incomplete frame plus the
// current chunk. A Decoder is owned by one connection and is not safe for
// concurrent use.
type Decoder struct {
	maxFrameSize int
	buf          []byte
	state        State
	bodyLen      int
}

// NewDecoder creates a Decoder rejecting bodies longer than maxFrameSize.
// A non-positive maxFrameSize selects DefaultMaxFrameSize.
func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	return &Decoder{maxFrameSize: maxFrameSize}
}

// State returns the current decoder state.
func (d *Decoder) State() State {
	return d.state
}

// Buffered returns the number of bytes held for the incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Feed appends chunk to the accumulator and returns every body completed by
// it, in arrival order. Bytes past the last complete frame are kept for the
// next call. When a frame declares a body longer than the maximum the
// decoder fails: buffered bytes are dropped, ErrFrameTooLarge is returned,
// and every later call returns ErrCodecFailed.
//
// Parameters:
//   - chunk: Bytes as delivered by one transport read; not retained
//
// Returns:
//   - The complete frame bodies, possibly none
//   - An error if the stream violates the framing
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	if d.state == Failed {
		return nil, ErrCodecFailed
	}

	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	for {
		switch d.state {
		case AccumulatingLength:
			if len(d.buf) < PrefixLen {
				return frames, nil
			}

			declared := binary.LittleEndian.Uint32(d.buf[:PrefixLen])
			if uint64(declared) > uint64(d.maxFrameSize) {
				d.fail()
				return frames, fmt.Errorf("%w: declared %d, max %d", ErrFrameTooLarge, declared, d.maxFrameSize)
			}

			d.buf = d.buf[PrefixLen:]
			d.bodyLen = int(declared)
			if d.bodyLen == 0 {
				continue
			}
			d.state = AccumulatingBody

		case AccumulatingBody:
			if len(d.buf) < d.bodyLen {
				return frames, nil
			}

			body := make([]byte, d.bodyLen)
			copy(body, d.buf[:d.bodyLen])
			frames = append(frames, body)

			d.buf = d.buf[d.bodyLen:]
			d.bodyLen = 0
			d.state = AccumulatingLength
			d.compact()

		default:
			return frames, ErrCodecFailed
		}
	}
}

// Reset returns the decoder to AccumulatingLength with nothing buffered.
func (d *Decoder) Reset() {
	d.buf = nil
	d.bodyLen = 0
	d.state = AccumulatingLength
}

func (d *Decoder) fail() {
	d.buf = nil
	d.bodyLen = 0
	d.state = Failed
}

// compact moves leftover bytes to a fresh slice once the consumed prefix
// dominates the backing array, so a long-lived decoder does not pin memory.
func (d *Decoder) compact() {
	if len(d.buf) == 0 {
		d.buf = nil
		return
	}
	if cap(d.buf) > 2*len(d.buf) {
		d.buf = append([]byte(nil), d.buf...)
	}
}

// Encode prefixes body with its length.
//
// Returns:
//   - The frame bytes, or ErrFrameTooLarge if body exceeds maxFrameSize
func Encode(body []byte, maxFrameSize int) ([]byte, error) {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if len(body) > maxFrameSize {
		return nil, fmt.Errorf("%w: body %d, max %d", ErrFrameTooLarge, len(body), maxFrameSize)
	}

	frame := make([]byte, PrefixLen+len(body))
	binary.LittleEndian.PutUint32(frame[:PrefixLen], uint32(len(body)))
	copy(frame[PrefixLen:], body)
	return frame, nil
}

// ReadFrame reads from r in chunks of chunkSize until d completes a frame,
// and returns the first body. Further complete frames in the same chunk stay
// queued on the returned slice's tail; callers handling one request per
// connection ignore them.
//
// Returns:
//   - The bodies completed by the read that finished the first frame
//   - io.EOF if r ends before any byte of a frame arrived,
//     io.ErrUnexpectedEOF if it ends mid-frame, or a framing error
func ReadFrame(r io.Reader, d *Decoder, chunkSize int) ([][]byte, error) {
	if chunkSize <= 0 {
		chunkSize = 256
	}

	chunk := make([]byte, chunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			frames, ferr := d.Feed(chunk[:n])
			if ferr != nil {
				return nil, ferr
			}
			if len(frames) > 0 {
				return frames, nil
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) && (d.Buffered() > 0 || d.State() == AccumulatingBody) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}
