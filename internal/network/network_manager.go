package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/PeerPigeon/PigeonMatch/internal/auth"
	"github.com/PeerPigeon/PigeonMatch/internal/crypto/pqc"
	"github.com/PeerPigeon/PigeonMatch/internal/monitoring"
	"github.com/PeerPigeon/PigeonMatch/internal/security"
	"github.com/PeerPigeon/PigeonMatch/internal/types"
)

const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultPeerTimeout       = 10 * time.Second

	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	maxFrameSize     = 4 << 20
)

var (
	ErrNotInitialized   = errors.New("network: not initialized")
	ErrPeerNotConnected = errors.New("network: peer not connected")
	ErrEmptyPeerID      = errors.New("network: peer id must not be empty")
)

// MessageHandler receives a decoded message
type MessageHandler func(msg types.Message)

// PeerHandler receives the id of a peer whose connection opened or closed.
type PeerHandler func(peerID string)

// Network is what the reconciliation engine needs from a transport. It
// enables tests to use a mock implementation.
type Network interface {
	Initialize() error
	Addr() string
	Connect(addr string) error

	BroadcastMessage(msg types.Message) error
	SendToPeer(peerID string, msg types.Message) error
	OnMessage(mt types.MessageType, handler MessageHandler)
	OnPeer(joined, left PeerHandler)
	Peers() []string

	GetNetworkStats() *types.NetworkStats
	GetPeerID() string
	Shutdown() error
}

type Config struct {
	PeerID     string
	ListenAddr string
	Network    types.NetworkConfig
}

type Option func(*NetworkManager)

func WithLogger(l *zap.Logger) Option {
	return func(n *NetworkManager) {
		if l != nil {
			n.logger = l
		}
	}
}

func WithMetrics(m *monitoring.Metrics) Option {
	return func(n *NetworkManager) { n.metrics = m }
}

type peerConn struct {
	admitted
	conn     net.Conn
	outbound bool
	addr     string
	lastSeen atomic.Int64
	writeMu  sync.Mutex
}

// dialer returns the id of the side that opened the connection.
func (pc *peerConn) dialer(local string) string {
	if pc.outbound {
		return local
	}
	return pc.peerID
}

// NetworkManager is a TCP full-mesh transport with line-delimited frames
type NetworkManager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	peerID     string
	listenAddr string
	cfg        types.NetworkConfig
	logger     *zap.Logger
	metrics    *monitoring.Metrics

	cipher *security.FrameCipher
	signer *pqc.Signer
	tokens *auth.TokenManager

	mu          sync.RWMutex
	listener    net.Listener
	connections map[string]*peerConn
	handlers    map[types.MessageType][]MessageHandler
	joined      []PeerHandler
	left        []PeerHandler
	initialized bool
	shutdown    bool

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	bytesTransferred atomic.Int64
	framesRejected   atomic.Int64
}

// NewNetworkManager prepares a transport. Nothing listens until Initialize.
func NewNetworkManager(ctx context.Context, cfg Config, opts ...Option) (*NetworkManager, error) {
	if cfg.PeerID == "" {
		return nil, ErrEmptyPeerID
	}
	netCfg := cfg.Network
	if netCfg.HeartbeatInterval <= 0 {
		netCfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if netCfg.PeerTimeout <= 0 {
		netCfg.PeerTimeout = DefaultPeerTimeout
	}

	c, cancel := context.WithCancel(ctx)
	n := &NetworkManager{
		ctx:         c,
		cancel:      cancel,
		peerID:      cfg.PeerID,
		listenAddr:  cfg.ListenAddr,
		cfg:         netCfg,
		logger:      zap.NewNop(),
		connections: make(map[string]*peerConn),
		handlers:    make(map[types.MessageType][]MessageHandler),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With(zap.String("peer_id", n.peerID), zap.String("network_id", netCfg.NetworkID))

	if netCfg.Encryption.Enabled {
		fc, err := security.NewFrameCipher(netCfg.Encryption.SharedSecret, netCfg.NetworkID)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("frame cipher: %w", err)
		}
		n.cipher = fc
	}
	if netCfg.Signing {
		s, err := pqc.NewSigner()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("frame signer: %w", err)
		}
		n.signer = s
	}
	if netCfg.JoinSecret != "" {
		n.tokens = auth.NewTokenManager(netCfg.JoinSecret)
	}
	return n, nil
}

// Initialize starts the listener and heartbeat loop. Calling it again is a no-op.
func (n *NetworkManager) Initialize() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.initialized {
		return nil
	}
	if n.shutdown {
		return ErrNotInitialized
	}

	addr := n.listenAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	n.listener = listener
	n.initialized = true

	n.wg.Add(2)
	go n.acceptConnections()
	go n.heartbeatLoop()

	n.logger.Info("mesh node listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the bound listen address, or "" before Initialize.
func (n *NetworkManager) Addr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

func (n *NetworkManager) acceptConnections() {
	defer n.wg.Done()
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			n.logger.Warn("accept error", zap.Error(err))
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return
		}

		n.wg.Add(1)
		go n.handleConnection(conn)
	}
}

func (n *NetworkManager) handleConnection(conn net.Conn) {
	defer n.wg.Done()

	scanner := newScanner(conn)
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if !scanner.Scan() {
		conn.Close()
		return
	}
	a, err := n.acceptHello(conn, scanner.Text())
	if err != nil {
		n.reject("handshake", err, zap.String("remote_addr", conn.RemoteAddr().String()))
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	pc := &peerConn{admitted: a, conn: conn, addr: conn.RemoteAddr().String()}
	if n.register(pc) {
		n.readLoop(pc, scanner)
	}
}

// acceptHello admits the dialer and answers with the local hello.
func (n *NetworkManager) acceptHello(conn net.Conn, line string) (admitted, error) {
	remote, err := parseHello(strings.TrimSpace(line))
	if err != nil {
		return admitted{}, err
	}
	a, err := n.admit(remote)
	if err != nil {
		return admitted{}, err
	}
	return a, n.replyHello(conn)
}

func (n *NetworkManager) replyHello(conn net.Conn) error {
	h, err := n.localHello()
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = fmt.Fprintf(conn, "%s\n", h)
	return err
}

// Connect dials addr and completes the handshake. Connecting to an already
// connected peer keeps a single connection and returns nil.
func (n *NetworkManager) Connect(addr string) error {
	n.mu.RLock()
	ready := n.initialized
	n.mu.RUnlock()
	if !ready {
		return ErrNotInitialized
	}

	d := net.Dialer{Timeout: handshakeTimeout}
	conn, err := d.DialContext(n.ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	if err := n.replyHello(conn); err != nil {
		conn.Close()
		return fmt.Errorf("handshake with %s: %w", addr, err)
	}

	scanner := newScanner(conn)
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if !scanner.Scan() {
		conn.Close()
		err := scanner.Err()
		if err == nil {
			err = ErrBadHandshake
		}
		n.reject("handshake", err, zap.String("remote_addr", addr))
		return fmt.Errorf("handshake with %s: %w", addr, err)
	}
	remote, err := parseHello(strings.TrimSpace(scanner.Text()))
	var a admitted
	if err == nil {
		a, err = n.admit(remote)
	}
	if err != nil {
		conn.Close()
		n.reject("handshake", err, zap.String("remote_addr", addr))
		return fmt.Errorf("handshake with %s: %w", addr, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	pc := &peerConn{admitted: a, conn: conn, outbound: true, addr: addr}
	if !n.register(pc) {
		return nil
	}
	n.logger.Info("connected to peer", zap.String("remote_peer", pc.peerID), zap.String("addr", addr))

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.readLoop(pc, scanner)
	}()
	return nil
}

// register installs pc unless a preferred connection to the same peer
// exists. When two connections race, the one opened by the lower peer id wins.
func (n *NetworkManager) register(pc *peerConn) bool {
	pc.lastSeen.Store(time.Now().UnixNano())

	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		pc.conn.Close()
		return false
	}
	existing, dup := n.connections[pc.peerID]
	if dup && pc.dialer(n.peerID) >= existing.dialer(n.peerID) {
		n.mu.Unlock()
		n.logger.Debug("duplicate connection closed", zap.String("remote_peer", pc.peerID))
		pc.conn.Close()
		return false
	}
	n.connections[pc.peerID] = pc
	count := len(n.connections)
	handlers := n.joined
	n.mu.Unlock()

	if dup {
		existing.conn.Close()
		return true
	}
	if n.metrics != nil {
		n.metrics.MeshConnections.Set(float64(count))
	}
	for _, h := range handlers {
		n.safeCall(func() { h(pc.peerID) })
	}
	return true
}

// unregister removes pc if it is still the active connection for its peer.
func (n *NetworkManager) unregister(pc *peerConn) {
	pc.conn.Close()

	n.mu.Lock()
	if current, ok := n.connections[pc.peerID]; !ok || current != pc {
		n.mu.Unlock()
		return
	}
	delete(n.connections, pc.peerID)
	count := len(n.connections)
	handlers := n.left
	shuttingDown := n.shutdown
	n.mu.Unlock()

	if n.metrics != nil {
		n.metrics.MeshConnections.Set(float64(count))
	}
	if shuttingDown {
		return
	}
	n.logger.Info("peer disconnected", zap.String("remote_peer", pc.peerID))
	for _, h := range handlers {
		n.safeCall(func() { h(pc.peerID) })
	}
}

// readLoop delivers frames from one peer in arrival order.
func (n *NetworkManager) readLoop(pc *peerConn, scanner *bufio.Scanner) {
	defer n.unregister(pc)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		pc.lastSeen.Store(time.Now().UnixNano())
		if n.metrics != nil {
			n.metrics.MeshBytesReceived.Add(float64(len(line) + 1))
		}
		n.bytesTransferred.Add(int64(len(line) + 1))

		msg, err := n.decodeFrame(pc.admitted, line)
		if err != nil {
			n.reject("frame", err, zap.String("remote_peer", pc.peerID))
			continue
		}
		if msg.From != pc.peerID {
			n.reject("spoofed_sender", nil, zap.String("remote_peer", pc.peerID), zap.String("from", msg.From))
			continue
		}
		if msg.Type.CarriesState() && !pc.canPublish() {
			n.reject("not_permitted", nil, zap.String("remote_peer", pc.peerID))
			continue
		}
		n.messagesReceived.Add(1)
		n.handleMessage(msg)
	}
	if err := scanner.Err(); err != nil && n.ctx.Err() == nil {
		n.logger.Warn("connection read failed", zap.String("remote_peer", pc.peerID), zap.Error(err))
	}
}

func (n *NetworkManager) heartbeatLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case now := <-ticker.C:
			n.sweep(now)
			_ = n.BroadcastMessage(types.Message{Type: types.MsgHeartbeat, From: n.peerID, Timestamp: now.UnixMilli()})
		}
	}
}

// sweep closes connections that have been silent longer than the peer timeout.
func (n *NetworkManager) sweep(now time.Time) {
	deadline := now.Add(-n.cfg.PeerTimeout).UnixNano()
	for _, pc := range n.snapshot() {
		if pc.lastSeen.Load() < deadline {
			n.logger.Info("peer timed out", zap.String("remote_peer", pc.peerID))
			pc.conn.Close()
		}
	}
}

func (n *NetworkManager) snapshot() []*peerConn {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*peerConn, 0, len(n.connections))
	for _, pc := range n.connections {
		out = append(out, pc)
	}
	return out
}

func (n *NetworkManager) BroadcastMessage(msg types.Message) error {
	n.mu.RLock()
	ready := n.initialized
	n.mu.RUnlock()
	if !ready {
		return ErrNotInitialized
	}

	line, err := n.encodeFrame(msg)
	if err != nil {
		return err
	}

	frame := append(line, '\n')
	var errs []error
	for _, pc := range n.snapshot() {
		if err := n.write(pc, frame); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", pc.peerID, err))
		}
	}
	return errors.Join(errs...)
}

func (n *NetworkManager) SendToPeer(peerID string, msg types.Message) error {
	n.mu.RLock()
	ready := n.initialized
	pc, ok := n.connections[peerID]
	n.mu.RUnlock()
	if !ready {
		return ErrNotInitialized
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}

	line, err := n.encodeFrame(msg)
	if err != nil {
		return err
	}
	return n.write(pc, append(line, '\n'))
}

// write sends one newline-terminated frame.
func (n *NetworkManager) write(pc *peerConn, frame []byte) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()

	_ = pc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := pc.conn.Write(frame); err != nil {
		n.logger.Warn("failed to send frame", zap.String("remote_peer", pc.peerID), zap.Error(err))
		return err
	}

	size := int64(len(frame))
	n.messagesSent.Add(1)
	n.bytesTransferred.Add(size)
	if n.metrics != nil {
		n.metrics.MeshBytesSent.Add(float64(size))
	}
	return nil
}

func (n *NetworkManager) OnMessage(mt types.MessageType, handler MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[mt] = append(n.handlers[mt], handler)
}

// OnPeer registers callbacks for connections opening and closing. Either may be nil.
func (n *NetworkManager) OnPeer(joined, left PeerHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if joined != nil {
		n.joined = append(n.joined, joined)
	}
	if left != nil {
		n.left = append(n.left, left)
	}
}

// Peers returns the connected peer ids in sorted order.
func (n *NetworkManager) Peers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.connections))
	for id := range n.connections {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PeerInfo describes a connected peer.
func (n *NetworkManager) PeerInfo(peerID string) (*types.PeerInfo, bool) {
	n.mu.RLock()
	pc, ok := n.connections[peerID]
	n.mu.RUnlock()
	if !ok {
		return nil, false
	}
	info := &types.PeerInfo{
		PeerID:   pc.peerID,
		Addrs:    []string{pc.addr},
		LastSeen: time.Unix(0, pc.lastSeen.Load()),
	}
	if pc.publicKey != "" {
		info.PublicKey = []byte(pc.publicKey)
	}
	return info, true
}

func (n *NetworkManager) GetNetworkStats() *types.NetworkStats {
	n.mu.RLock()
	connected := len(n.connections)
	n.mu.RUnlock()
	return &types.NetworkStats{
		NetworkID:        n.cfg.NetworkID,
		ConnectedPeers:   connected,
		MessagesSent:     n.messagesSent.Load(),
		MessagesReceived: n.messagesReceived.Load(),
		BytesTransferred: n.bytesTransferred.Load(),
		FramesRejected:   n.framesRejected.Load(),
	}
}

func (n *NetworkManager) GetPeerID() string { return n.peerID }

// Shutdown closes the listener and every connection, then waits for all
// goroutines. Peer-left callbacks are not invoked.
func (n *NetworkManager) Shutdown() error {
	n.cancel()

	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		return nil
	}
	n.shutdown = true
	n.initialized = false
	if n.listener != nil {
		n.listener.Close()
	}
	for _, pc := range n.connections {
		pc.conn.Close()
	}
	n.mu.Unlock()

	n.wg.Wait()

	n.mu.Lock()
	n.connections = make(map[string]*peerConn)
	n.mu.Unlock()
	if n.metrics != nil {
		n.metrics.MeshConnections.Set(0)
	}
	return nil
}

func (n *NetworkManager) handleMessage(msg types.Message) {
	n.mu.RLock()
	handlers := n.handlers[msg.Type]
	n.mu.RUnlock()

	for _, h := range handlers {
		n.safeCall(func() { h(msg) })
	}
}

func (n *NetworkManager) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("handler panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

func (n *NetworkManager) reject(reason string, err error, fields ...zap.Field) {
	n.framesRejected.Add(1)
	if n.metrics != nil {
		n.metrics.FramesRejected.WithLabelValues(reason).Inc()
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	n.logger.Warn("frame rejected", append(fields, zap.String("reason", reason))...)
}

func newScanner(conn net.Conn) *bufio.Scanner {
	s := bufio.NewScanner(conn)
	s.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return s
}
