package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/PeerPigeon/PigeonMatch/internal/clock"
	"github.com/PeerPigeon/PigeonMatch/internal/resolver"
	"github.com/PeerPigeon/PigeonMatch/internal/tracing"
	"github.com/PeerPigeon/PigeonMatch/internal/types"
)

const (
	dropClosed       = "closed"
	dropInvalid      = "invalid"
	dropSelf         = "self"
	dropNotAddressed = "not_addressed"
	dropBadPayload   = "bad_payload"
	dropResolve      = "resolve_failed"
)

// HandleRaw decodes a frame and dispatches it. Undecodable frames are dropped.
func (e *Engine) HandleRaw(raw []byte) {
	msg, err := types.DecodeMessage(raw)
	if err != nil {
		e.drop(dropInvalid, zap.Error(err))
		return
	}
	e.HandleMessage(msg)
}

// HandleMessage applies one inbound message. Malformed messages and messages
// addressed to another peer are dropped.
func (e *Engine) HandleMessage(msg types.Message) {
	if err := msg.Validate(); err != nil {
		e.drop(dropInvalid, zap.Error(err))
		return
	}
	if msg.From == e.peerID {
		e.drop(dropSelf)
		return
	}
	if !msg.IsBroadcast() && msg.To != e.peerID {
		e.drop(dropNotAddressed, zap.String("to", msg.To))
		return
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	if e.isClosed() {
		e.drop(dropClosed)
		return
	}
	if e.metrics != nil {
		e.metrics.MessagesReceived.WithLabelValues(string(msg.Type)).Inc()
	}

	switch msg.Type {
	case types.MsgStateUpdate, types.MsgStateResponse:
		e.handleState(msg)
	case types.MsgStateRequest:
		e.handleStateRequest(msg)
	case types.MsgClockSync:
		e.handleClockSync(msg)
	case types.MsgHeartbeat:
		// liveness belongs to the transport
	}
}

func (e *Engine) handleStateRequest(msg types.Message) {
	e.stateMu.RLock()
	state := resolver.CloneState(e.localState)
	vc := e.localClock.Clone()
	e.stateMu.RUnlock()

	e.send(types.Message{
		Type:    types.MsgStateResponse,
		From:    e.peerID,
		To:      msg.From,
		Payload: state,
		Clock:   vc,
	})
}

func (e *Engine) handleClockSync(msg types.Message) {
	e.stateMu.Lock()
	joined := e.ensurePeerLocked(msg.From)
	e.localClock.Merge(msg.Clock)
	e.peerClocks[msg.From] = msg.Clock.Clone()
	e.stateMu.Unlock()

	if joined {
		e.peerJoined(msg.From)
	}
}

func (e *Engine) handleState(msg types.Message) {
	payload, ok := msg.StatePayload()
	if !ok {
		e.drop(dropBadPayload, zap.String("remote_peer", msg.From))
		return
	}
	from := msg.From
	incoming := msg.Clock.Clone()
	snapshot := resolver.CloneState(payload)

	e.stateMu.Lock()
	joined := e.ensurePeerLocked(from)
	observed := e.localClock.Clone()
	e.localClock.Merge(incoming)
	previous, seen := e.peerClocks[from]
	conflict := seen && previous.IsConcurrent(incoming)
	var candidates []resolver.Candidate
	if conflict {
		candidates = []resolver.Candidate{
			{PeerID: from, State: resolver.CloneState(snapshot), Clock: incoming.Clone()},
			{PeerID: e.peerID, State: resolver.CloneState(e.localState), Clock: observed},
		}
	} else {
		e.acceptLocked(from, incoming, snapshot)
	}
	e.stateMu.Unlock()

	if joined {
		e.peerJoined(from)
	}

	if conflict {
		if !e.resolveConflict(from, previous, candidates) {
			return
		}
		e.stateMu.Lock()
		e.acceptLocked(from, incoming, snapshot)
		e.stateMu.Unlock()
	}

	e.emit(Event{
		Kind:   EventStateChanged,
		PeerID: from,
		State:  resolver.CloneState(snapshot),
		Clock:  incoming.Clone(),
	})
}

func (e *Engine) acceptLocked(from string, vc clock.VectorClock, state map[string]interface{}) {
	e.peerClocks[from] = vc
	e.peerStates[from] = state
}

// resolveConflict picks a winner among candidates and adopts it as the local
// state. The adopted clock is merged with everything observed so far so local
// counters never move backwards.
func (e *Engine) resolveConflict(from string, previous clock.VectorClock, candidates []resolver.Candidate) bool {
	if e.metrics != nil {
		e.metrics.ConflictsDetected.Inc()
	}
	e.logger.Info("conflict detected",
		zap.String("remote_peer", from),
		zap.Stringer("previous_clock", previous),
		zap.Stringer("incoming_clock", candidates[0].Clock),
		zap.Stringer("local_clock", candidates[1].Clock),
	)
	e.emit(Event{
		Kind:       EventConflictDetected,
		PeerID:     from,
		Candidates: cloneCandidates(candidates),
	})

	_, span := tracing.StartSpan(context.Background(), "engine.resolve_conflict",
		attribute.String("peer.local", e.peerID),
		attribute.String("peer.remote", from),
		attribute.String("resolver.strategy", e.strategy.Name()),
	)
	start := time.Now()
	winner, err := e.strategy.Resolve(candidates)
	elapsed := time.Since(start)
	span.SetAttributes(attribute.String("resolver.winner", winner.PeerID))
	span.End()
	if err != nil {
		e.drop(dropResolve, zap.Error(err))
		return false
	}

	e.stateMu.Lock()
	resolvedClock := winner.Clock.Clone()
	resolvedClock.Merge(e.localClock)
	e.localClock = resolvedClock
	e.localState = resolver.CloneState(winner.State)
	state := resolver.CloneState(e.localState)
	vc := e.localClock.Clone()
	e.stateMu.Unlock()

	if e.metrics != nil {
		e.metrics.ConflictsResolved.WithLabelValues(e.strategy.Name()).Inc()
		e.metrics.ResolutionDuration.Observe(elapsed.Seconds())
	}
	e.logger.Info("conflict resolved",
		zap.String("remote_peer", from),
		zap.String("winner", winner.PeerID),
		zap.String("strategy", e.strategy.Name()),
		zap.Stringer("clock", vc),
	)
	e.emit(Event{
		Kind:     EventConflictResolved,
		PeerID:   from,
		State:    state,
		Clock:    vc,
		Strategy: e.strategy.Name(),
		Winner:   winner.PeerID,
	})
	return true
}

func (e *Engine) drop(reason string, fields ...zap.Field) {
	if e.metrics != nil {
		e.metrics.MessagesDropped.WithLabelValues(reason).Inc()
	}
	e.logger.Debug("message dropped", append(fields, zap.String("reason", reason))...)
}

func cloneCandidates(in []resolver.Candidate) []resolver.Candidate {
	out := make([]resolver.Candidate, len(in))
	for i, c := range in {
		out[i] = resolver.Candidate{PeerID: c.PeerID, State: resolver.CloneState(c.State), Clock: c.Clock.Clone()}
	}
	return out
}
