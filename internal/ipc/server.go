package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/jackgo/jackgo/internal/client"
	"github.com/jackgo/jackgo/internal/logging"
	"github.com/jackgo/jackgo/internal/request"
	"github.com/jackgo/jackgo/internal/shm"
	"github.com/jackgo/jackgo/internal/wire"
)

// clientControlBlockSize is the per-client SHM segment handed out at
// handshake step 2 as the "client-key" segment: small, fixed, and large
// enough for the control-block fields the spec's Client attribute list
// names (state, active flag, rt-priority, callback presence bits).
const clientControlBlockSize = 4096

// Server runs the main and ack listeners and drives the three-step
// handshake (spec §6). It owns client creation (not internal/request,
// which only handles post-handshake RPCs) since a client must exist
// before it can issue its first RegisterPort request.
type Server struct {
	dir        *Dir
	clients    *client.Registry
	dispatcher *request.Dispatcher
	shmReg     *shm.Registry
	log        logging.Logger

	portNum        int
	controlKey     string
	portSegmentKey string
	realtime       bool
	rtPriority     int
	bufferSize     int
	sampleRate     int

	mu             sync.Mutex
	clientSegments map[uint32]shm.SegmentInfo

	mainLn net.Listener
	ackLn  net.Listener
}

// Config carries the fixed values a Server reports to every connecting
// client during handshake step 2.
type Config struct {
	PortNum        int
	ControlKey     string // shared control-segment key (chain/port-table visibility)
	PortSegmentKey string // shared port-buffer segment key
	Realtime       bool
	RTPriority     int
	BufferSize     int // current period size, frames
	SampleRate     int
}

// NewServer wires a Server to the engine's client registry, request
// dispatcher, and SHM registry.
func NewServer(dir *Dir, clients *client.Registry, dispatcher *request.Dispatcher, shmReg *shm.Registry, log logging.Logger, cfg Config) *Server {
	if log == nil {
		log = logging.Nop()
	}
	return &Server{
		dir:            dir,
		clients:        clients,
		dispatcher:     dispatcher,
		shmReg:         shmReg,
		log:            log,
		portNum:        cfg.PortNum,
		controlKey:     cfg.ControlKey,
		portSegmentKey: cfg.PortSegmentKey,
		realtime:       cfg.Realtime,
		rtPriority:     cfg.RTPriority,
		bufferSize:     cfg.BufferSize,
		sampleRate:     cfg.SampleRate,
		clientSegments: make(map[uint32]shm.SegmentInfo),
	}
}

// Serve binds the main and ack sockets and accepts connections until ctx
// is canceled, at which point both listeners are closed and Serve returns
// once every accept loop has observed the cancellation.
func (s *Server) Serve(ctx context.Context) error {
	s.dir.RemoveStaleSockets(s.portNum)

	var err error
	s.mainLn, err = net.Listen("unix", s.dir.MainSocketPath(s.portNum))
	if err != nil {
		return fmt.Errorf("ipc: listen main socket: %w", err)
	}
	s.ackLn, err = net.Listen("unix", s.dir.AckSocketPath(s.portNum))
	if err != nil {
		s.mainLn.Close()
		return fmt.Errorf("ipc: listen ack socket: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(gctx, s.mainLn, s.handleMain) })
	g.Go(func() error { return s.acceptLoop(gctx, s.ackLn, s.handleAck) })

	<-ctx.Done()
	_ = s.Close()
	return g.Wait()
}

// Close closes both listeners, causing their accept loops to return.
func (s *Server) Close() error {
	var err error
	if s.mainLn != nil {
		err = multierr.Append(err, s.mainLn.Close())
	}
	if s.ackLn != nil {
		err = multierr.Append(err, s.ackLn.Close())
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, handle func(net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}
		go handle(conn)
	}
}

// handleMain drives handshake steps 1-2 and, on success, keeps conn open
// as the client's request fd for the rest of its life (spec §6).
func (s *Server) handleMain(conn net.Conn) {
	buf := make([]byte, wire.ConnectRequestSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		conn.Close()
		return
	}
	req, err := wire.DecodeConnectRequest(buf)
	if err != nil {
		s.log.Warnw("ipc: malformed connect request", "err", err)
		conn.Close()
		return
	}

	c, err := s.clients.Register(req.GetName(), clientKindFromWire(req.Kind))
	if err != nil {
		s.replyConnectError(conn, statusForClientRegisterErr(err))
		conn.Close()
		return
	}

	seg, err := s.shmReg.Alloc(clientControlBlockSize)
	if err != nil {
		s.clients.Unregister(c.ID)
		s.replyConnectError(conn, wire.StatusNoFreeBuffer)
		conn.Close()
		return
	}
	s.mu.Lock()
	s.clientSegments[c.ID] = seg
	s.mu.Unlock()

	result := &wire.ConnectResult{
		Status:     wire.StatusOK,
		ClientID:   c.ID,
		Realtime:   boolToU32(s.realtime),
		RTPriority: uint32(s.rtPriority),
		BufferSize: uint32(s.bufferSize),
		SampleRate: uint32(s.sampleRate),
	}
	result.SetClientKey(seg.Name)
	result.SetControlKey(s.controlKey)
	result.SetPortSegmentKey(s.portSegmentKey)
	result.SetFifoPrefix(s.dir.Root())

	out, err := wire.EncodeConnectResult(result)
	if err != nil || func() error { _, err := conn.Write(out); return err }() != nil {
		s.log.Warnw("ipc: connect result write failed", "client", c.ID)
		s.teardownClient(c.ID)
		conn.Close()
		return
	}

	s.requestLoop(conn, c.ID)
}

// requestLoop reads fixed-size Request records off conn for the lifetime
// of client clientID, dispatching each through the request.Dispatcher and
// writing back its Reply. A read/decode/write failure — including the
// client process exiting without an explicit DropClient — tears the
// client down the same way an explicit drop would.
func (s *Server) requestLoop(conn net.Conn, clientID uint32) {
	defer conn.Close()
	buf := make([]byte, wire.RequestSize)
	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			break
		}
		req, err := wire.DecodeRequest(buf)
		if err != nil {
			s.log.Warnw("ipc: malformed request", "client", clientID, "err", err)
			break
		}
		reply := s.dispatcher.Handle(req)
		out, err := wire.EncodeReply(reply)
		if err != nil {
			s.log.Errorw("ipc: encode reply failed", "client", clientID, "err", err)
			break
		}
		if _, err := conn.Write(out); err != nil {
			break
		}
	}
	if c := s.clients.Get(clientID); c != nil && !c.IsDead() {
		s.teardownClient(clientID)
	}
}

// teardownClient drives the same RequestDropClient path an explicit RPC
// would, then reclaims the client's control-block SHM segment.
func (s *Server) teardownClient(clientID uint32) {
	s.dispatcher.Handle(&wire.Request{Kind: wire.RequestDropClient, ClientID: clientID})

	s.mu.Lock()
	seg, ok := s.clientSegments[clientID]
	delete(s.clientSegments, clientID)
	s.mu.Unlock()
	if ok {
		if err := s.shmReg.Destroy(seg); err != nil {
			s.log.Warnw("ipc: destroy client segment failed", "client", clientID, "err", err)
		}
	}
}

// handleAck drives handshake step 3: the client sends its id, the server
// records conn as the client's event fd and replies with status.
func (s *Server) handleAck(conn net.Conn) {
	buf := make([]byte, wire.AckRequestSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		conn.Close()
		return
	}
	req, err := wire.DecodeAckRequest(buf)
	if err != nil {
		conn.Close()
		return
	}

	c := s.clients.Get(req.ClientID)
	status := wire.StatusOK
	if c == nil || c.IsDead() {
		status = wire.StatusUnknownClient
	}

	out, _ := wire.EncodeAckReply(&wire.AckReply{Status: status})
	if _, err := conn.Write(out); err != nil || status != wire.StatusOK {
		conn.Close()
		return
	}

	c.SetEvents(&connSink{conn: conn})
}

func clientKindFromWire(k wire.ClientKind) client.Kind {
	switch k {
	case wire.ClientKindInProcessPlugin:
		return client.KindInProcessPlugin
	case wire.ClientKindDriver:
		return client.KindDriver
	default:
		return client.KindExternalProcess
	}
}

func statusForClientRegisterErr(err error) wire.Status {
	switch {
	case errors.Is(err, client.ErrDuplicateName):
		return wire.StatusDuplicateName
	case errors.Is(err, client.ErrNameTooLong):
		return wire.StatusNameTooLong
	case errors.Is(err, client.ErrNoFreeSlot):
		return wire.StatusNoFreeClientSlot
	default:
		return wire.StatusInternal
	}
}

func (s *Server) replyConnectError(conn net.Conn, status wire.Status) {
	out, err := wire.EncodeConnectResult(&wire.ConnectResult{Status: status})
	if err != nil {
		return
	}
	_, _ = conn.Write(out)
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// connSink adapts an accepted ack-socket connection to client.EventSink:
// each event write is followed by a one-byte status read, per the event
// wire format's "reply is a single status byte" (spec §6).
type connSink struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *connSink) Deliver(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("ipc: event write: %w", err)
	}
	ack := make([]byte, 1)
	if _, err := io.ReadFull(c.conn, ack); err != nil {
		return fmt.Errorf("ipc: event ack read: %w", err)
	}
	if ack[0] != 0 {
		return fmt.Errorf("ipc: event nacked, status byte %d", ack[0])
	}
	return nil
}

func (c *connSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
