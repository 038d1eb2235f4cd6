package eventstream

import (
	"io"
	"sync"

	"github.com/google/uuid"
)

// Emitter is the helper side of the stream.
type Emitter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

func (e *Emitter) StartMirroring() error {
	return e.emit(Event{Kind: KindStartMirroring})
}

func (e *Emitter) MirrorSucceeded(revisionID string) error {
	return e.emit(Event{Kind: KindMirrorSucceeded, RevisionID: revisionID})
}

// MirrorFailed reports a failure under a fresh diagnostic id, which it
// returns so the helper can log it next to the details.
func (e *Emitter) MirrorFailed(message string) (string, error) {
	id := uuid.NewString()
	return id, e.emit(Event{Kind: KindMirrorFailed, Message: message, DiagnosticID: id})
}

func (e *Emitter) emit(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return WriteEvent(e.w, ev)
}
