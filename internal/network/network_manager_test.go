package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PeerPigeon/PigeonMatch/internal/clock"
	"github.com/PeerPigeon/PigeonMatch/internal/monitoring"
	"github.com/PeerPigeon/PigeonMatch/internal/types"
)

const waitFor = 3 * time.Second

func newManager(t *testing.T, id string, cfg types.NetworkConfig, opts ...Option) *NetworkManager {
	t.Helper()
	if cfg.NetworkID == "" {
		cfg.NetworkID = "lobby"
	}
	nm, err := NewNetworkManager(context.Background(), Config{PeerID: id, ListenAddr: "127.0.0.1:0", Network: cfg}, opts...)
	require.NoError(t, err)
	require.NoError(t, nm.Initialize())
	t.Cleanup(func() { _ = nm.Shutdown() })
	return nm
}

// inbox collects messages of every engine-facing type.
type inbox struct {
	mu   sync.Mutex
	msgs []types.Message
}

func collect(nm *NetworkManager) *inbox {
	in := &inbox{}
	for _, mt := range []types.MessageType{types.MsgStateUpdate, types.MsgStateRequest, types.MsgStateResponse, types.MsgClockSync, types.MsgHeartbeat} {
		nm.OnMessage(mt, func(msg types.Message) {
			in.mu.Lock()
			in.msgs = append(in.msgs, msg)
			in.mu.Unlock()
		})
	}
	return in
}

func (in *inbox) ofType(mt types.MessageType) []types.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	var out []types.Message
	for _, m := range in.msgs {
		if m.Type == mt {
			out = append(out, m)
		}
	}
	return out
}

func connected(t *testing.T, nm *NetworkManager, peers ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(peers, nm.Peers())
	}, waitFor, 5*time.Millisecond, "expected %s to see %v", nm.GetPeerID(), peers)
}

func TestNewNetworkManager(t *testing.T) {
	_, err := NewNetworkManager(context.Background(), Config{})
	assert.ErrorIs(t, err, ErrEmptyPeerID)

	nm, err := NewNetworkManager(context.Background(), Config{PeerID: "a"})
	require.NoError(t, err)
	assert.Equal(t, "a", nm.GetPeerID())
	assert.Equal(t, "", nm.Addr())
	assert.Equal(t, DefaultHeartbeatInterval, nm.cfg.HeartbeatInterval)
	assert.Equal(t, DefaultPeerTimeout, nm.cfg.PeerTimeout)

	assert.ErrorIs(t, nm.BroadcastMessage(types.Message{}), ErrNotInitialized)
	assert.ErrorIs(t, nm.Connect("127.0.0.1:1"), ErrNotInitialized)
	require.NoError(t, nm.Shutdown())
}

func TestNewNetworkManagerEncryptionNeedsSecret(t *testing.T) {
	cfg := types.NetworkConfig{NetworkID: "lobby"}
	cfg.Encryption.Enabled = true
	_, err := NewNetworkManager(context.Background(), Config{PeerID: "a", Network: cfg})
	assert.Error(t, err)
}

func TestHelloRoundTrip(t *testing.T) {
	h := hello{PeerID: "a", NetworkID: "lobby"}
	assert.Equal(t, "PIGEON a lobby - -", h.String())

	parsed, err := parseHello(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	full := hello{PeerID: "a", NetworkID: "lobby", PublicKey: "cGs=", Token: "tok"}
	parsed, err = parseHello(full.String())
	require.NoError(t, err)
	assert.Equal(t, full, parsed)
}

func TestParseHelloRejects(t *testing.T) {
	for _, line := range []string{"", "NODE:a", "PIGEON a lobby -", "HELLO a lobby - -", "PIGEON - lobby - -"} {
		_, err := parseHello(line)
		assert.ErrorIs(t, err, ErrBadHandshake, "line %q", line)
	}
}

func TestConnectAndExchange(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	a := newManager(t, "a", types.NetworkConfig{}, WithMetrics(metrics))
	b := newManager(t, "b", types.NetworkConfig{})
	inB := collect(b)

	joined := make(chan string, 1)
	b.OnPeer(func(id string) { joined <- id }, nil)

	require.NoError(t, a.Connect(b.Addr()))
	connected(t, a, "b")
	connected(t, b, "a")
	select {
	case id := <-joined:
		assert.Equal(t, "a", id)
	case <-time.After(waitFor):
		t.Fatal("joined callback not called")
	}

	update := types.NewMessage(types.MsgStateUpdate, "a", map[string]interface{}{"x": 1}, clock.VectorClock{"a": 1})
	require.NoError(t, a.BroadcastMessage(update))
	clockSync := types.NewMessage(types.MsgClockSync, "a", nil, clock.VectorClock{"a": 1})
	clockSync.To = "b"
	require.NoError(t, a.SendToPeer("b", clockSync))

	require.Eventually(t, func() bool {
		return len(inB.ofType(types.MsgStateUpdate)) == 1 && len(inB.ofType(types.MsgClockSync)) == 1
	}, waitFor, 5*time.Millisecond)

	got := inB.ofType(types.MsgStateUpdate)[0]
	assert.Equal(t, "a", got.From)
	assert.Equal(t, int64(1), got.Clock.Get("a"))
	assert.Equal(t, map[string]interface{}{"x": float64(1)}, got.Payload)

	stats := a.GetNetworkStats()
	assert.Equal(t, "lobby", stats.NetworkID)
	assert.Equal(t, 1, stats.ConnectedPeers)
	assert.GreaterOrEqual(t, stats.MessagesSent, int64(2))
	assert.Greater(t, stats.BytesTransferred, int64(0))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MeshConnections))
	assert.Greater(t, testutil.ToFloat64(metrics.MeshBytesSent), 0.0)

	info, ok := b.PeerInfo("a")
	require.True(t, ok)
	assert.Equal(t, "a", info.PeerID)
	assert.False(t, info.LastSeen.IsZero())

	assert.ErrorIs(t, a.SendToPeer("zed", clockSync), ErrPeerNotConnected)
}

func TestConnectTwiceKeepsOneConnection(t *testing.T) {
	a := newManager(t, "a", types.NetworkConfig{})
	b := newManager(t, "b", types.NetworkConfig{})

	require.NoError(t, a.Connect(b.Addr()))
	require.NoError(t, a.Connect(b.Addr()))
	require.NoError(t, b.Connect(a.Addr()))

	connected(t, a, "b")
	connected(t, b, "a")
}

func TestWrongNetworkRejected(t *testing.T) {
	a := newManager(t, "a", types.NetworkConfig{NetworkID: "lobby"})
	b := newManager(t, "b", types.NetworkConfig{NetworkID: "ranked"})

	assert.Error(t, a.Connect(b.Addr()))
	assert.Empty(t, a.Peers())
	require.Eventually(t, func() bool { return b.GetNetworkStats().FramesRejected == 1 }, waitFor, 5*time.Millisecond)
	assert.Empty(t, b.Peers())
}

func TestSelfConnectionRejected(t *testing.T) {
	a := newManager(t, "a", types.NetworkConfig{})
	assert.Error(t, a.Connect(a.Addr()))
	assert.Empty(t, a.Peers())
}

func TestJoinSecret(t *testing.T) {
	a := newManager(t, "a", types.NetworkConfig{JoinSecret: "s3cret"})
	b := newManager(t, "b", types.NetworkConfig{JoinSecret: "s3cret"})
	intruder := newManager(t, "x", types.NetworkConfig{JoinSecret: "guess"})
	open := newManager(t, "o", types.NetworkConfig{})

	require.NoError(t, a.Connect(b.Addr()))
	connected(t, b, "a")

	assert.Error(t, intruder.Connect(b.Addr()))
	assert.Error(t, open.Connect(b.Addr()))
	connected(t, b, "a")
}

func TestObserverCannotPublish(t *testing.T) {
	obs := newManager(t, "obs", types.NetworkConfig{JoinSecret: "s3cret", Observer: true})
	b := newManager(t, "b", types.NetworkConfig{JoinSecret: "s3cret"})
	inB := collect(b)

	require.NoError(t, obs.Connect(b.Addr()))
	connected(t, b, "obs")

	require.NoError(t, obs.BroadcastMessage(types.NewMessage(types.MsgStateUpdate, "obs", map[string]interface{}{}, clock.VectorClock{"obs": 1})))
	require.NoError(t, obs.BroadcastMessage(types.NewMessage(types.MsgStateRequest, "obs", nil, clock.New())))

	require.Eventually(t, func() bool { return len(inB.ofType(types.MsgStateRequest)) == 1 }, waitFor, 5*time.Millisecond)
	assert.Empty(t, inB.ofType(types.MsgStateUpdate))
	assert.Equal(t, int64(1), b.GetNetworkStats().FramesRejected)
}

func TestEncryptedSignedFrames(t *testing.T) {
	cfg := types.NetworkConfig{Signing: true}
	cfg.Encryption.Enabled = true
	cfg.Encryption.SharedSecret = "shared"

	a := newManager(t, "a", cfg)
	b := newManager(t, "b", cfg)
	inB := collect(b)

	require.NoError(t, a.Connect(b.Addr()))
	connected(t, b, "a")

	require.NoError(t, a.BroadcastMessage(types.NewMessage(types.MsgStateUpdate, "a", map[string]interface{}{"k": "v"}, clock.VectorClock{"a": 3})))
	require.Eventually(t, func() bool { return len(inB.ofType(types.MsgStateUpdate)) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, int64(3), inB.ofType(types.MsgStateUpdate)[0].Clock.Get("a"))

	info, ok := b.PeerInfo("a")
	require.True(t, ok)
	assert.NotEmpty(t, info.PublicKey)
}

func TestSigningRequiredRejectsUnsignedPeer(t *testing.T) {
	signed := newManager(t, "s", types.NetworkConfig{Signing: true})
	plain := newManager(t, "p", types.NetworkConfig{})

	assert.ErrorIs(t, signed.Connect(plain.Addr()), ErrMissingPublicKey)
	assert.Empty(t, signed.Peers())
}

func TestMismatchedSharedSecretDropsFrames(t *testing.T) {
	cfgA := types.NetworkConfig{}
	cfgA.Encryption.Enabled = true
	cfgA.Encryption.SharedSecret = "one"
	cfgB := cfgA
	cfgB.Encryption.SharedSecret = "two"

	a := newManager(t, "a", cfgA)
	b := newManager(t, "b", cfgB)
	inB := collect(b)

	require.NoError(t, a.Connect(b.Addr()))
	connected(t, b, "a")
	require.NoError(t, a.BroadcastMessage(types.NewMessage(types.MsgClockSync, "a", nil, clock.VectorClock{"a": 1})))

	require.Eventually(t, func() bool { return b.GetNetworkStats().FramesRejected >= 1 }, waitFor, 5*time.Millisecond)
	assert.Empty(t, inB.ofType(types.MsgClockSync))
}

// rawPeer performs the handshake by hand and then speaks raw lines.
func rawPeer(t *testing.T, addr, id string) (net.Conn, *bufio.Scanner) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = fmt.Fprintf(conn, "PIGEON %s lobby - -\n", id)
	require.NoError(t, err)
	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())
	h, err := parseHello(scanner.Text())
	require.NoError(t, err)
	require.Equal(t, "lobby", h.NetworkID)
	return conn, scanner
}

func TestSpoofedSenderRejected(t *testing.T) {
	b := newManager(t, "b", types.NetworkConfig{})
	inB := collect(b)

	conn, _ := rawPeer(t, b.Addr(), "raw")
	connected(t, b, "raw")

	fmt.Fprintln(conn, `{"type":"CLOCK_SYNC","from":"someone-else","clock":{"x":1},"timestamp":0}`)
	fmt.Fprintln(conn, `not json`)
	fmt.Fprintln(conn, `{"type":"CLOCK_SYNC","from":"raw","clock":{"raw":1},"timestamp":0}`)

	require.Eventually(t, func() bool { return len(inB.ofType(types.MsgClockSync)) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "raw", inB.ofType(types.MsgClockSync)[0].From)
	assert.Equal(t, int64(2), b.GetNetworkStats().FramesRejected)
}

func TestSilentPeerTimesOut(t *testing.T) {
	b := newManager(t, "b", types.NetworkConfig{HeartbeatInterval: 10 * time.Millisecond, PeerTimeout: 60 * time.Millisecond})
	left := make(chan string, 1)
	b.OnPeer(nil, func(id string) { left <- id })

	_, scanner := rawPeer(t, b.Addr(), "quiet")
	connected(t, b, "quiet")

	// heartbeats keep arriving while we stay silent
	require.True(t, scanner.Scan())
	msg, err := types.DecodeMessage(scanner.Bytes())
	require.NoError(t, err)
	assert.Equal(t, types.MsgHeartbeat, msg.Type)

	select {
	case id := <-left:
		assert.Equal(t, "quiet", id)
	case <-time.After(waitFor):
		t.Fatal("silent peer was not dropped")
	}
	assert.Empty(t, b.Peers())
}

func TestHeartbeatsKeepPeersAlive(t *testing.T) {
	cfg := types.NetworkConfig{HeartbeatInterval: 10 * time.Millisecond, PeerTimeout: 80 * time.Millisecond}
	a := newManager(t, "a", cfg)
	b := newManager(t, "b", cfg)

	require.NoError(t, a.Connect(b.Addr()))
	connected(t, b, "a")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, []string{"a"}, b.Peers())
}

func TestPeerLeftOnRemoteShutdown(t *testing.T) {
	a := newManager(t, "a", types.NetworkConfig{})
	b := newManager(t, "b", types.NetworkConfig{})
	left := make(chan string, 1)
	a.OnPeer(nil, func(id string) { left <- id })

	require.NoError(t, a.Connect(b.Addr()))
	connected(t, a, "b")
	require.NoError(t, b.Shutdown())

	select {
	case id := <-left:
		assert.Equal(t, "b", id)
	case <-time.After(waitFor):
		t.Fatal("left callback not called")
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	a := newManager(t, "a", types.NetworkConfig{})
	b := newManager(t, "b", types.NetworkConfig{})
	b.OnMessage(types.MsgClockSync, func(types.Message) { panic("boom") })
	inB := collect(b)

	require.NoError(t, a.Connect(b.Addr()))
	connected(t, a, "b")
	require.NoError(t, a.BroadcastMessage(types.NewMessage(types.MsgClockSync, "a", nil, clock.New())))
	require.Eventually(t, func() bool { return len(inB.ofType(types.MsgClockSync)) == 1 }, waitFor, 5*time.Millisecond)
	connected(t, b, "a")
}

func TestShutdown(t *testing.T) {
	nm := newManager(t, "a", types.NetworkConfig{})
	require.NoError(t, nm.Shutdown())
	require.NoError(t, nm.Shutdown())
	assert.True(t, errors.Is(nm.BroadcastMessage(types.Message{}), ErrNotInitialized))
	assert.ErrorIs(t, nm.Initialize(), ErrNotInitialized)
}
