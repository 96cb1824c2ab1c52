// Package engine reconciles a shared state blob between leaderless peers
// using vector clocks. Transport is delegated to listeners of EventSend.
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PeerPigeon/PigeonMatch/internal/clock"
	"github.com/PeerPigeon/PigeonMatch/internal/monitoring"
	"github.com/PeerPigeon/PigeonMatch/internal/resolver"
	"github.com/PeerPigeon/PigeonMatch/internal/types"
)

var (
	ErrEmptyPeerID = errors.New("engine: peer id must not be empty")
	ErrClosed      = errors.New("engine: closed")
)

const DefaultSyncInterval = 5 * time.Second

type Config struct {
	PeerID string
	// Strategy names a resolver strategy; empty selects clock-dominant.
	Strategy     string
	SyncInterval time.Duration
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m *monitoring.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithStrategy overrides the strategy named in Config.
func WithStrategy(s resolver.Strategy) Option {
	return func(e *Engine) {
		if s != nil {
			e.strategy = s
		}
	}
}

// WithClock sets the wall clock used for advisory message timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine owns one peer's view of the shared state.
type Engine struct {
	peerID       string
	strategy     resolver.Strategy
	syncInterval time.Duration
	logger       *zap.Logger
	metrics      *monitoring.Metrics
	now          func() time.Time

	// opMu serializes triggers, including listener dispatch.
	opMu sync.Mutex

	// stateMu guards the fields below so listeners can read mid-trigger.
	stateMu    sync.RWMutex
	localClock clock.VectorClock
	localState map[string]interface{}
	peerClocks map[string]clock.VectorClock
	peerStates map[string]map[string]interface{}
	knownPeers map[string]struct{}
	closed     bool

	listenersMu    sync.RWMutex
	listeners      map[EventKind][]listenerEntry
	nextListenerID uint64

	syncMu     sync.Mutex
	syncCancel context.CancelFunc
	syncWG     sync.WaitGroup
}

func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.PeerID == "" {
		return nil, ErrEmptyPeerID
	}
	strategy, err := resolver.New(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = DefaultSyncInterval
	}

	e := &Engine{
		peerID:       cfg.PeerID,
		strategy:     strategy,
		syncInterval: interval,
		logger:       zap.NewNop(),
		now:          time.Now,
		localClock:   clock.New(),
		localState:   make(map[string]interface{}),
		peerClocks:   make(map[string]clock.VectorClock),
		peerStates:   make(map[string]map[string]interface{}),
		knownPeers:   make(map[string]struct{}),
		listeners:    make(map[EventKind][]listenerEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("peer_id", e.peerID))
	return e, nil
}

func (e *Engine) PeerID() string { return e.peerID }

func (e *Engine) StrategyName() string { return e.strategy.Name() }

// State returns a copy of the local state blob.
func (e *Engine) State() map[string]interface{} {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return resolver.CloneState(e.localState)
}

// Clock returns a copy of the local clock.
func (e *Engine) Clock() clock.VectorClock {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.localClock.Clone()
}

// PeerState returns a copy of the last accepted snapshot from peerID.
func (e *Engine) PeerState(peerID string) (map[string]interface{}, bool) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	s, ok := e.peerStates[peerID]
	if !ok {
		return nil, false
	}
	return resolver.CloneState(s), true
}

// PeerClock returns a copy of the clock peerID last claimed.
func (e *Engine) PeerClock(peerID string) (clock.VectorClock, bool) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	c, ok := e.peerClocks[peerID]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Peers returns the known peer ids in sorted order.
func (e *Engine) Peers() []string {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	out := make([]string, 0, len(e.knownPeers))
	for id := range e.knownPeers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) isClosed() bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.closed
}

// UpdateState merges fields into the local state, advances the local clock
// and broadcasts the full state.
func (e *Engine) UpdateState(fields map[string]interface{}) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return ErrClosed
	}
	e.localClock.Increment(e.peerID)
	resolver.ShallowMerge(e.localState, resolver.CloneState(fields))
	state := resolver.CloneState(e.localState)
	vc := e.localClock.Clone()
	e.stateMu.Unlock()

	if e.metrics != nil {
		e.metrics.StateUpdates.Inc()
	}
	e.logger.Debug("local state updated", zap.Stringer("clock", vc))

	e.send(types.Message{
		Type:    types.MsgStateUpdate,
		From:    e.peerID,
		Payload: resolver.CloneState(state),
		Clock:   vc.Clone(),
	})
	e.emit(Event{Kind: EventStateChanged, PeerID: e.peerID, State: state, Clock: vc})
	return nil
}

// AddPeer registers peerID. A non-nil initial clock seeds the stored clock
// for the peer without touching the local clock. Adding a known peer only
// reseeds its clock.
func (e *Engine) AddPeer(peerID string, initial clock.VectorClock) {
	if peerID == "" || peerID == e.peerID {
		return
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return
	}
	joined := e.ensurePeerLocked(peerID)
	if initial != nil {
		e.peerClocks[peerID] = initial.Clone()
	}
	e.stateMu.Unlock()

	if joined {
		e.peerJoined(peerID)
	}
}

// RemovePeer forgets peerID's clock and snapshot. The local clock keeps
// whatever it already merged from that peer.
func (e *Engine) RemovePeer(peerID string) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.stateMu.Lock()
	_, known := e.knownPeers[peerID]
	if e.closed || !known {
		e.stateMu.Unlock()
		return
	}
	delete(e.knownPeers, peerID)
	delete(e.peerClocks, peerID)
	delete(e.peerStates, peerID)
	n := len(e.knownPeers)
	e.stateMu.Unlock()

	if e.metrics != nil {
		e.metrics.KnownPeers.Set(float64(n))
	}
	e.logger.Info("peer left", zap.String("remote_peer", peerID))
	e.emit(Event{Kind: EventPeerLeft, PeerID: peerID})
}

// RequestState asks peerID for its full state. An empty peerID asks every
// known peer.
func (e *Engine) RequestState(peerID string) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.stateMu.RLock()
	closed := e.closed
	vc := e.localClock.Clone()
	e.stateMu.RUnlock()
	if closed {
		return
	}

	e.send(types.Message{Type: types.MsgStateRequest, From: e.peerID, To: peerID, Clock: vc})
}

// Close stops the sync timer, forgets every peer and detaches listeners.
// Repeated calls are no-ops.
func (e *Engine) Close() error {
	e.StopSync()

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return nil
	}
	e.closed = true
	e.peerClocks = make(map[string]clock.VectorClock)
	e.peerStates = make(map[string]map[string]interface{})
	e.knownPeers = make(map[string]struct{})
	e.stateMu.Unlock()

	if e.metrics != nil {
		e.metrics.KnownPeers.Set(0)
	}
	e.detachListeners()
	e.logger.Info("engine closed")
	return nil
}

// ensurePeerLocked reports whether peerID was newly added. stateMu must be held.
func (e *Engine) ensurePeerLocked(peerID string) bool {
	if _, ok := e.knownPeers[peerID]; ok {
		return false
	}
	e.knownPeers[peerID] = struct{}{}
	return true
}

func (e *Engine) peerJoined(peerID string) {
	if e.metrics != nil {
		e.stateMu.RLock()
		n := len(e.knownPeers)
		e.stateMu.RUnlock()
		e.metrics.KnownPeers.Set(float64(n))
	}
	e.logger.Info("peer joined", zap.String("remote_peer", peerID))
	e.emit(Event{Kind: EventPeerJoined, PeerID: peerID})
}

func (e *Engine) send(msg types.Message) {
	msg.Timestamp = e.now().UnixMilli()
	if e.metrics != nil {
		e.metrics.MessagesSent.WithLabelValues(string(msg.Type)).Inc()
	}
	e.emit(Event{Kind: EventSend, PeerID: msg.To, Message: msg})
}
