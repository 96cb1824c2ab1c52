package engine

import (
	"github.com/PeerPigeon/PigeonMatch/internal/clock"
	"github.com/PeerPigeon/PigeonMatch/internal/resolver"
	"github.com/PeerPigeon/PigeonMatch/internal/types"
)

// EventKind enumerates what the engine emits.
type EventKind int

const (
	// EventSend carries an outbound message for the transport.
	EventSend EventKind = iota
	EventStateChanged
	EventConflictDetected
	EventConflictResolved
	EventPeerJoined
	EventPeerLeft
)

func (k EventKind) String() string {
	switch k {
	case EventSend:
		return "send"
	case EventStateChanged:
		return "state_changed"
	case EventConflictDetected:
		return "conflict_detected"
	case EventConflictResolved:
		return "conflict_resolved"
	case EventPeerJoined:
		return "peer_joined"
	case EventPeerLeft:
		return "peer_left"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners. Only the fields relevant to Kind are set.
// State and Clock are copies owned by the listener.
type Event struct {
	Kind EventKind

	// PeerID is the subject peer: whose state changed, who joined or left,
	// or the remote side of a conflict.
	PeerID string

	// Message is set for EventSend. An empty To means broadcast.
	Message types.Message

	State map[string]interface{}
	Clock clock.VectorClock

	// Candidates is set for EventConflictDetected, in resolution order.
	Candidates []resolver.Candidate

	// Strategy and Winner are set for EventConflictResolved.
	Strategy string
	Winner   string
}

// Listener receives events synchronously on the triggering goroutine.
// Listeners may call the engine's read methods but must not call methods
// that mutate it.
type Listener func(Event)

type listenerEntry struct {
	id uint64
	fn Listener
}

// On registers l for kind and returns a function that removes it.
func (e *Engine) On(kind EventKind, l Listener) func() {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()

	e.nextListenerID++
	id := e.nextListenerID
	e.listeners[kind] = append(e.listeners[kind], listenerEntry{id: id, fn: l})

	return func() {
		e.listenersMu.Lock()
		defer e.listenersMu.Unlock()
		entries := e.listeners[kind]
		for i, entry := range entries {
			if entry.id == id {
				e.listeners[kind] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (e *Engine) emit(ev Event) {
	e.listenersMu.RLock()
	entries := e.listeners[ev.Kind]
	e.listenersMu.RUnlock()

	for _, entry := range entries {
		entry.fn(ev)
	}
}

func (e *Engine) detachListeners() {
	e.listenersMu.Lock()
	e.listeners = make(map[EventKind][]listenerEntry)
	e.listenersMu.Unlock()
}
