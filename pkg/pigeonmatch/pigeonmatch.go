// Package pigeonmatch runs a reconciliation engine on a TCP mesh.
package pigeonmatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/PeerPigeon/PigeonMatch/internal/clock"
	"github.com/PeerPigeon/PigeonMatch/internal/engine"
	"github.com/PeerPigeon/PigeonMatch/internal/monitoring"
	"github.com/PeerPigeon/PigeonMatch/internal/network"
	"github.com/PeerPigeon/PigeonMatch/internal/types"
)

// Options contains configuration for a node
type Options struct {
	PeerID         string
	ListenAddr     string
	NetworkID      string
	BootstrapPeers []string
	Strategy       string
	SyncInterval   time.Duration

	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration

	SharedSecret string
	JoinSecret   string
	Signing      bool
	Observer     bool

	Logger *zap.Logger
	// Registerer receives the node's metrics; nil disables them.
	Registerer prometheus.Registerer
}

// Node is an engine wired to a mesh transport
type Node struct {
	eng     *engine.Engine
	mesh    *network.NetworkManager
	bridge  *network.Bridge
	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// New starts listening, dials the bootstrap peers and starts the clock sync
// timer. Unreachable bootstrap peers are logged, not fatal.
func New(ctx context.Context, opts Options) (*Node, error) {
	if ctx == nil {
		return nil, errors.New("context cannot be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics *monitoring.Metrics
	if opts.Registerer != nil {
		metrics = monitoring.NewMetrics(opts.Registerer)
	}

	eng, err := engine.New(engine.Config{
		PeerID:       opts.PeerID,
		Strategy:     opts.Strategy,
		SyncInterval: opts.SyncInterval,
	}, engine.WithLogger(logger), engine.WithMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	netCfg := types.NetworkConfig{
		NetworkID:         opts.NetworkID,
		BootstrapPeers:    opts.BootstrapPeers,
		JoinSecret:        opts.JoinSecret,
		Observer:          opts.Observer,
		Signing:           opts.Signing,
		HeartbeatInterval: opts.HeartbeatInterval,
		PeerTimeout:       opts.PeerTimeout,
	}
	if netCfg.NetworkID == "" {
		netCfg.NetworkID = "default"
	}
	if opts.SharedSecret != "" {
		netCfg.Encryption.Enabled = true
		netCfg.Encryption.SharedSecret = opts.SharedSecret
	}

	mesh, err := network.NewNetworkManager(ctx, network.Config{
		PeerID:     opts.PeerID,
		ListenAddr: opts.ListenAddr,
		Network:    netCfg,
	}, network.WithLogger(logger), network.WithMetrics(metrics))
	if err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("failed to create network: %w", err)
	}
	if err := mesh.Initialize(); err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("failed to initialize network: %w", err)
	}

	n := &Node{
		eng:     eng,
		mesh:    mesh,
		bridge:  network.NewBridge(eng, mesh, logger),
		logger:  logger,
		metrics: metrics,
	}
	n.bridge.Start()

	for _, addr := range opts.BootstrapPeers {
		if err := mesh.Connect(addr); err != nil {
			logger.Warn("bootstrap peer unreachable", zap.String("addr", addr), zap.Error(err))
		}
	}
	eng.StartSync()

	logger.Info("node started",
		zap.String("peer_id", eng.PeerID()),
		zap.String("network_id", netCfg.NetworkID),
		zap.String("addr", mesh.Addr()),
		zap.String("strategy", eng.StrategyName()),
	)
	return n, nil
}

// Update merges fields into the local state and broadcasts it
func (n *Node) Update(fields map[string]interface{}) error {
	return n.eng.UpdateState(fields)
}

func (n *Node) State() map[string]interface{} { return n.eng.State() }

func (n *Node) Clock() clock.VectorClock { return n.eng.Clock() }

func (n *Node) PeerState(peerID string) (map[string]interface{}, bool) {
	return n.eng.PeerState(peerID)
}

// Peers lists peers known to the engine, sorted
func (n *Node) Peers() []string { return n.eng.Peers() }

func (n *Node) On(kind engine.EventKind, l engine.Listener) func() {
	return n.eng.On(kind, l)
}

func (n *Node) RequestState(peerID string) { n.eng.RequestState(peerID) }

// Connect dials another node after startup
func (n *Node) Connect(addr string) error { return n.mesh.Connect(addr) }

// Addr is the mesh listen address
func (n *Node) Addr() string { return n.mesh.Addr() }

func (n *Node) Stats() *types.NetworkStats { return n.mesh.GetNetworkStats() }

// Engine returns the underlying engine for advanced usage
func (n *Node) Engine() *engine.Engine { return n.eng }

// Shutdown stops the engine before the transport so no send races a
// closed connection.
func (n *Node) Shutdown() error {
	n.bridge.Stop()
	engErr := n.eng.Close()
	netErr := n.mesh.Shutdown()
	if err := errors.Join(engErr, netErr); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
