// Package eventstream carries progress events from a helper process to the
// process supervising it. Each event is one frame: a 4-byte big-endian
// payload length followed by a CBOR-encoded Event.
package eventstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// ErrProtocol is returned for a frame that cannot be decoded or carries an
// event the stream does not define.
var ErrProtocol = errors.New("event stream protocol violation")

// MaxPayload bounds a single frame.
const MaxPayload = 1 << 20

// Kind names an event.
type Kind string

const (
	KindStartMirroring  Kind = "startMirroring"
	KindMirrorSucceeded Kind = "mirrorSucceeded"
	KindMirrorFailed    Kind = "mirrorFailed"
)

// Event is one message on the stream. RevisionID is set for
// mirrorSucceeded; Message and DiagnosticID for mirrorFailed.
type Event struct {
	Kind         Kind   `cbor:"kind"`
	RevisionID   string `cbor:"revision_id,omitempty"`
	Message      string `cbor:"message,omitempty"`
	DiagnosticID string `cbor:"diagnostic_id,omitempty"`
}

// Terminal reports whether the event ends the helper's work.
func (e Event) Terminal() bool {
	return e.Kind == KindMirrorSucceeded || e.Kind == KindMirrorFailed
}

func (e Event) validate() error {
	switch e.Kind {
	case KindStartMirroring:
		return nil
	case KindMirrorSucceeded:
		if e.RevisionID == "" {
			return fmt.Errorf("%s without a revision: %w", e.Kind, ErrProtocol)
		}
		return nil
	case KindMirrorFailed:
		if e.DiagnosticID == "" {
			return fmt.Errorf("%s without a diagnostic id: %w", e.Kind, ErrProtocol)
		}
		return nil
	}
	return fmt.Errorf("unknown event %q: %w", e.Kind, ErrProtocol)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("eventstream: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("eventstream: CBOR decoder initialization failed: " + err.Error())
	}
}

// WriteEvent writes ev as one frame.
func WriteEvent(w io.Writer, ev Event) error {
	if err := ev.validate(); err != nil {
		return err
	}
	payload, err := encMode.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Kind, err)
	}
	if len(payload) > MaxPayload {
		return fmt.Errorf("%s payload of %d bytes exceeds %d", ev.Kind, len(payload), MaxPayload)
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadEvent reads the next frame. It returns io.EOF when the stream ends
// cleanly between frames; a stream cut inside a frame, an oversized frame
// or an undecodable payload is ErrProtocol.
func ReadEvent(r io.Reader) (Event, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Event{}, io.EOF
		}
		return Event{}, fmt.Errorf("read frame header: %v: %w", err, ErrProtocol)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxPayload {
		return Event{}, fmt.Errorf("frame of %d bytes exceeds %d: %w", n, MaxPayload, ErrProtocol)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Event{}, fmt.Errorf("read frame payload: %v: %w", err, ErrProtocol)
	}

	var ev Event
	if err := decMode.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("decode frame: %v: %w", err, ErrProtocol)
	}
	if err := ev.validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}
