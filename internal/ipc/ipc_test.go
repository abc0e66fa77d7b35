package ipc

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackgo/jackgo/internal/buffer"
	"github.com/jackgo/jackgo/internal/client"
	"github.com/jackgo/jackgo/internal/event"
	"github.com/jackgo/jackgo/internal/graph"
	"github.com/jackgo/jackgo/internal/logging"
	"github.com/jackgo/jackgo/internal/port"
	"github.com/jackgo/jackgo/internal/porttype"
	"github.com/jackgo/jackgo/internal/request"
	"github.com/jackgo/jackgo/internal/shm"
	"github.com/jackgo/jackgo/internal/wire"
)

func TestDirPaths(t *testing.T) {
	d := NewDir("/tmp", 1000, "test-server")
	assert.Equal(t, "/tmp/jack-1000/test-server", d.Root())
	assert.Equal(t, "/tmp/jack-1000/test-server/jack_0", d.MainSocketPath(0))
	assert.Equal(t, "/tmp/jack-1000/test-server/jack_ack_0", d.AckSocketPath(0))
	assert.Equal(t, "/tmp/jack-1000/test-server/fifo-3", d.FifoPath(3))
}

func TestFifoSignalThenAwaitDoneRoundTrip(t *testing.T) {
	dir := NewDir(t.TempDir(), 0, "")
	require.NoError(t, dir.Ensure())
	m := NewFifoManager(dir, logging.Nop())
	defer m.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, m.Signal(0))
	}()

	require.NoError(t, m.AwaitDone(0, time.Second))
}

func TestFifoAwaitDoneTimesOutWithoutSignal(t *testing.T) {
	dir := NewDir(t.TempDir(), 0, "")
	require.NoError(t, dir.Ensure())
	m := NewFifoManager(dir, logging.Nop())
	defer m.Close()

	err := m.AwaitDone(0, 20*time.Millisecond)
	assert.Error(t, err)
}

func newTestServer(t *testing.T, root string) (*Server, *client.Registry) {
	t.Helper()
	ports := port.NewRegistry(16)
	clients := client.NewRegistry(16)
	types := porttype.NewTable()
	bufs, err := buffer.NewPool("seg-0", make([]byte, 4096*8), 4096, 8)
	require.NoError(t, err)
	g := graph.New(ports, clients, nil)
	bus := event.New(clients, logging.Nop())
	dispatcher := request.New(ports, clients, types, bufs, g, bus, logging.Nop())

	dir := NewDir(root, os.Getuid(), "jackgo-test")
	require.NoError(t, dir.Ensure())
	shmReg, err := shm.Open(filepath.Join(root, "shm"), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { shmReg.Close() })

	s := NewServer(dir, clients, dispatcher, shmReg, logging.Nop(), Config{
		ControlKey:     "control-seg",
		PortSegmentKey: bufs.SegmentKey(),
	})
	return s, clients
}

func TestHandshakeRoundTripAndRequestDispatch(t *testing.T) {
	root := t.TempDir()
	s, clients := newTestServer(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(s.dir.MainSocketPath(s.portNum))
		return err == nil
	}, time.Second, 5*time.Millisecond)

	mainConn, err := net.Dial("unix", s.dir.MainSocketPath(s.portNum))
	require.NoError(t, err)
	defer mainConn.Close()

	connReq := &wire.ConnectRequest{Kind: wire.ClientKindExternalProcess}
	connReq.SetName("test-client")
	out, err := wire.EncodeConnectRequest(connReq)
	require.NoError(t, err)
	_, err = mainConn.Write(out)
	require.NoError(t, err)

	resultBuf := make([]byte, wire.ConnectResultSize)
	_, err = io.ReadFull(mainConn, resultBuf)
	require.NoError(t, err)
	result, err := wire.DecodeConnectResult(resultBuf)
	require.NoError(t, err)
	require.Equal(t, wire.StatusOK, result.Status)
	assert.Equal(t, "control-seg", result.GetControlKey())
	assert.NotEmpty(t, result.GetClientKey())

	c := clients.Get(result.ClientID)
	require.NotNil(t, c)
	assert.Equal(t, "test-client", c.Name)

	req := &wire.Request{Kind: wire.RequestRegisterPort, ClientID: result.ClientID, Flags: wire.PortFlagOutput}
	req.SetName("out_1")
	reqBytes, err := wire.EncodeRequest(req)
	require.NoError(t, err)
	_, err = mainConn.Write(reqBytes)
	require.NoError(t, err)

	replyBuf := make([]byte, wire.ReplySize)
	_, err = io.ReadFull(mainConn, replyBuf)
	require.NoError(t, err)
	reply, err := wire.DecodeReply(replyBuf)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, reply.Status)

	ackConn, err := net.Dial("unix", s.dir.AckSocketPath(s.portNum))
	require.NoError(t, err)
	defer ackConn.Close()
	ackReqBytes, err := wire.EncodeAckRequest(&wire.AckRequest{ClientID: result.ClientID})
	require.NoError(t, err)
	_, err = ackConn.Write(ackReqBytes)
	require.NoError(t, err)

	ackReplyBuf := make([]byte, wire.AckReplySize)
	_, err = io.ReadFull(ackConn, ackReplyBuf)
	require.NoError(t, err)
	ackReply, err := wire.DecodeAckReply(ackReplyBuf)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, ackReply.Status)

	cancel()
	<-serveErr
}

func TestConnectionDropTearsDownClient(t *testing.T) {
	root := t.TempDir()
	s, clients := newTestServer(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	require.Eventually(t, func() bool {
		_, err := os.Stat(s.dir.MainSocketPath(s.portNum))
		return err == nil
	}, time.Second, 5*time.Millisecond)

	mainConn, err := net.Dial("unix", s.dir.MainSocketPath(s.portNum))
	require.NoError(t, err)

	connReq := &wire.ConnectRequest{Kind: wire.ClientKindExternalProcess}
	connReq.SetName("dropper")
	out, _ := wire.EncodeConnectRequest(connReq)
	_, err = mainConn.Write(out)
	require.NoError(t, err)

	resultBuf := make([]byte, wire.ConnectResultSize)
	_, err = io.ReadFull(mainConn, resultBuf)
	require.NoError(t, err)
	result, _ := wire.DecodeConnectResult(resultBuf)
	require.Equal(t, wire.StatusOK, result.Status)

	mainConn.Close()

	assert.Eventually(t, func() bool {
		return clients.Get(result.ClientID) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestDuplicateClientNameRejected(t *testing.T) {
	root := t.TempDir()
	s, _ := newTestServer(t, root)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	require.Eventually(t, func() bool {
		_, err := os.Stat(s.dir.MainSocketPath(s.portNum))
		return err == nil
	}, time.Second, 5*time.Millisecond)

	connect := func() *wire.ConnectResult {
		conn, err := net.Dial("unix", s.dir.MainSocketPath(s.portNum))
		require.NoError(t, err)
		defer conn.Close()
		req := &wire.ConnectRequest{Kind: wire.ClientKindExternalProcess}
		req.SetName("dup")
		out, _ := wire.EncodeConnectRequest(req)
		_, err = conn.Write(out)
		require.NoError(t, err)
		buf := make([]byte, wire.ConnectResultSize)
		_, err = io.ReadFull(conn, buf)
		require.NoError(t, err)
		r, err := wire.DecodeConnectResult(buf)
		require.NoError(t, err)
		return r
	}

	first := connect()
	require.Equal(t, wire.StatusOK, first.Status)
	second := connect()
	assert.Equal(t, wire.StatusDuplicateName, second.Status)
}
