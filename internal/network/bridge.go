package network

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/PeerPigeon/PigeonMatch/internal/engine"
	"github.com/PeerPigeon/PigeonMatch/internal/tracing"
	"github.com/PeerPigeon/PigeonMatch/internal/types"
)

var inboundTypes = []types.MessageType{
	types.MsgStateUpdate,
	types.MsgStateRequest,
	types.MsgStateResponse,
	types.MsgClockSync,
}

// Bridge connects an engine to a transport: engine sends go out on the
// mesh, mesh frames and membership changes go into the engine.
type Bridge struct {
	eng    *engine.Engine
	net    Network
	logger *zap.Logger
	unsub  func()
}

func NewBridge(eng *engine.Engine, n Network, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{eng: eng, net: n, logger: logger}
}

// Start wires both directions and adopts peers that are already connected.
// New peers are asked for their state.
func (b *Bridge) Start() {
	b.unsub = b.eng.On(engine.EventSend, func(ev engine.Event) {
		b.deliver(ev.Message)
	})

	for _, mt := range inboundTypes {
		b.net.OnMessage(mt, b.receive)
	}
	b.net.OnPeer(b.peerJoined, b.peerLeft)

	for _, id := range b.net.Peers() {
		b.peerJoined(id)
	}
}

// Stop detaches the engine side. Transport handlers stay registered until
// the transport shuts down.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
}

func (b *Bridge) peerJoined(peerID string) {
	b.eng.AddPeer(peerID, nil)
	b.eng.RequestState(peerID)
}

func (b *Bridge) peerLeft(peerID string) {
	b.eng.RemovePeer(peerID)
}

func (b *Bridge) receive(msg types.Message) {
	_, span := tracing.StartSpan(context.Background(), "mesh.receive",
		attribute.String("message.type", string(msg.Type)),
		attribute.String("peer.remote", msg.From),
	)
	defer span.End()
	b.eng.HandleMessage(msg)
}

func (b *Bridge) deliver(msg types.Message) {
	self := b.net.GetPeerID()
	if msg.To == self {
		return
	}

	_, span := tracing.StartSpan(context.Background(), "mesh.deliver",
		attribute.String("message.type", string(msg.Type)),
		attribute.String("message.to", msg.To),
	)
	defer span.End()

	var err error
	if msg.IsBroadcast() {
		err = b.net.BroadcastMessage(msg)
	} else {
		err = b.net.SendToPeer(msg.To, msg)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.Warn("delivery failed",
			zap.String("message_type", string(msg.Type)),
			zap.String("to", msg.To),
			zap.Error(err),
		)
	}
}
