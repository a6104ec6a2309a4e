package server

import (
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"astraea-cc/internal/astraea/observation"
	"astraea-cc/internal/astraea/wire"
)

func dialUnixRetry(t *testing.T, path string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 100; i++ {
		conn, err = net.Dial("unix", path)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial unix %s: %v", path, err)
	return nil
}

func TestUnixStreamSessionLifecycle(t *testing.T) {
	s := newTestServer(t, false)
	defer s.Stop()

	path := filepath.Join(t.TempDir(), "cc.sock")
	done := make(chan struct{})
	defer close(done)
	go func() { _ = s.ServeUnix(path, done) }()

	conn := dialUnixRetry(t, path)
	defer conn.Close()

	// START echoes the requested id when it's free.
	payload, err := json.Marshal(wire.Envelope{Type: wire.Start, FlowID: 7})
	require.NoError(t, err)
	require.NoError(t, wire.WriteMessage(conn, payload))
	reply, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	var sr wire.StartReply
	require.NoError(t, json.Unmarshal(reply, &sr))
	assert.Equal(t, 7, sr.FlowID)

	// ALIVE runs the full observation+inference path and returns a cwnd.
	state, err := json.Marshal(observation.Telemetry{Cwnd: 80})
	require.NoError(t, err)
	payload, err = json.Marshal(wire.Envelope{Type: wire.Alive, FlowID: sr.FlowID, State: state})
	require.NoError(t, err)
	require.NoError(t, wire.WriteMessage(conn, payload))
	reply, err = wire.ReadMessage(conn)
	require.NoError(t, err)
	var ar wire.AliveReply
	require.NoError(t, json.Unmarshal(reply, &ar))
	assert.Equal(t, sr.FlowID, ar.FlowID)
	assert.Equal(t, 80, ar.Cwnd)

	// END destroys the context and closes the stream session.
	payload, err = json.Marshal(wire.Envelope{Type: wire.End, FlowID: sr.FlowID})
	require.NoError(t, err)
	require.NoError(t, wire.WriteMessage(conn, payload))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = wire.ReadMessage(conn)
	assert.Error(t, err, "stream session must close after END")
}

func TestUnixStreamDisconnectReleasesFlows(t *testing.T) {
	s := newTestServer(t, false)
	defer s.Stop()

	path := filepath.Join(t.TempDir(), "cc.sock")
	done := make(chan struct{})
	defer close(done)
	go func() { _ = s.ServeUnix(path, done) }()

	conn := dialUnixRetry(t, path)

	payload, err := json.Marshal(wire.Envelope{Type: wire.Start, FlowID: 11})
	require.NoError(t, err)
	require.NoError(t, wire.WriteMessage(conn, payload))
	_, err = wire.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, 1, s.registry.count())

	// Dropping the connection, not sending END, must still destroy the
	// session's contexts.
	conn.Close()
	require.Eventually(t, func() bool { return s.registry.count() == 0 },
		2*time.Second, 10*time.Millisecond, "disconnect must release the session's flows")
}

// fakePacketConn captures WriteTo frames so the UDP dispatch path can be
// exercised without binding a real port.
type fakePacketConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakePacketConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	frame := make([]byte, len(p))
	copy(frame, p)
	f.frames = append(f.frames, frame)
	return len(p), nil
}

func (f *fakePacketConn) lastFrame() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

func (f *fakePacketConn) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakePacketConn) ReadFrom(p []byte) (int, net.Addr, error) { return 0, nil, nil }
func (f *fakePacketConn) Close() error                             { return nil }
func (f *fakePacketConn) LocalAddr() net.Addr                      { return nil }
func (f *fakePacketConn) SetDeadline(time.Time) error              { return nil }
func (f *fakePacketConn) SetReadDeadline(time.Time) error          { return nil }
func (f *fakePacketConn) SetWriteDeadline(time.Time) error         { return nil }

func decodeFrame(t *testing.T, frame []byte, out any) {
	t.Helper()
	require.GreaterOrEqual(t, len(frame), 2)
	length := wire.GetUint16(frame[:2])
	require.Equal(t, int(length), len(frame)-2)
	require.NoError(t, json.Unmarshal(frame[2:], out))
}

func TestUDPDispatchLifecycle(t *testing.T) {
	s := newTestServer(t, false)
	defer s.Stop()

	fake := &fakePacketConn{}
	peer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}
	var mu sync.Mutex

	s.handleUDPMessage(fake, peer, wire.Envelope{Type: wire.Start, FlowID: 3}, &mu)
	var sr wire.StartReply
	decodeFrame(t, fake.lastFrame(), &sr)
	assert.Equal(t, 3, sr.FlowID)

	state, err := json.Marshal(observation.Telemetry{Cwnd: 64})
	require.NoError(t, err)
	s.handleUDPMessage(fake, peer, wire.Envelope{Type: wire.Alive, FlowID: sr.FlowID, State: state}, &mu)
	var ar wire.AliveReply
	decodeFrame(t, fake.lastFrame(), &ar)
	assert.Equal(t, sr.FlowID, ar.FlowID)
	assert.Equal(t, 64, ar.Cwnd)

	// END is fire-and-forget: no reply frame, and the context is gone, so a
	// follow-up ALIVE is dropped without a reply either.
	before := fake.frameCount()
	s.handleUDPMessage(fake, peer, wire.Envelope{Type: wire.End, FlowID: sr.FlowID}, &mu)
	s.handleUDPMessage(fake, peer, wire.Envelope{Type: wire.Alive, FlowID: sr.FlowID, State: state}, &mu)
	assert.Equal(t, before, fake.frameCount())

	// Unknown types are silently ignored.
	s.handleUDPMessage(fake, peer, wire.Envelope{Type: wire.Observe, FlowID: sr.FlowID}, &mu)
	assert.Equal(t, before, fake.frameCount())
}
