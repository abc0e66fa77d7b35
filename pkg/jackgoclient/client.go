// Package jackgoclient is the client-side library an external process
// links against to talk to a running jackgod server: the three-step
// handshake over UNIX-domain sockets, SHM attach of the shared port-buffer
// segment, the request/reply RPCs, the event-receive loop, and the
// FIFO-driven cycle participation loop a registered process callback runs
// under. It mirrors internal/ipc's server-side handshake and
// internal/port's buffer-resolution rules from the client's side of the
// same wire protocol.
package jackgoclient

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackgo/jackgo/internal/ipc"
	"github.com/jackgo/jackgo/internal/logging"
	"github.com/jackgo/jackgo/internal/porttype"
	"github.com/jackgo/jackgo/internal/wire"
)

// ProcessFunc is the per-cycle callback a client registers with
// SetProcessCallback. It is invoked once per wakeup with the current
// period size; any returned error is logged but does not stop the cycle
// loop (a client that wants to stop processing should Deactivate).
type ProcessFunc func(nframes int) error

// Direction mirrors a port's data-flow direction without exposing
// internal/port to callers of this package.
type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
)

// PortType selects a port's payload format.
type PortType int

const (
	PortTypeAudio PortType = iota
	PortTypeMIDI
)

// Option configures Connect.
type Option func(*dialConfig)

type dialConfig struct {
	tmpRoot     string
	uid         int
	portNum     int
	dialTimeout time.Duration
	log         logging.Logger
}

func defaultDialConfig() dialConfig {
	return dialConfig{
		tmpRoot:     "/tmp",
		uid:         os.Getuid(),
		portNum:     0,
		dialTimeout: 5 * time.Second,
		log:         logging.Nop(),
	}
}

// WithTmpRoot overrides the default /tmp server-directory root.
func WithTmpRoot(root string) Option { return func(c *dialConfig) { c.tmpRoot = root } }

// WithUID overrides the default os.Getuid() owner used to locate the
// server directory.
func WithUID(uid int) Option { return func(c *dialConfig) { c.uid = uid } }

// WithDialTimeout overrides the default 5s socket dial timeout.
func WithDialTimeout(d time.Duration) Option { return func(c *dialConfig) { c.dialTimeout = d } }

// WithLogger attaches a logger for warnings raised by the background event
// and cycle loops, which otherwise have no synchronous caller to report to.
func WithLogger(log logging.Logger) Option { return func(c *dialConfig) { c.log = log } }

// Client is a live connection to one jackgod server.
type Client struct {
	name string
	log  logging.Logger

	conn    net.Conn // request channel, open for the client's lifetime
	reqMu   sync.Mutex
	ackConn net.Conn // event channel

	clientID   uint32
	types      *porttype.Table
	fifoPrefix string

	mu         sync.Mutex
	bufferSize int
	sampleRate int
	ports      map[uint32]*Port

	portSegPath string
	portSegData []byte

	cycleMu   sync.Mutex
	cycleCond *sync.Cond
	fifoIn    int
	fifoOut   int
	fifoInF   *os.File
	fifoOutF  *os.File
	cycleOnce sync.Once

	process    ProcessFunc
	xrun       func() error
	graphOrder func() error

	closeOnce sync.Once
	closed    bool
}

// Connect performs the three-step handshake with the jackgod server named
// serverName and attaches the shared port-buffer segment. The returned
// Client's event and (once activated) cycle-participation loops run in
// background goroutines until Close is called.
func Connect(serverName, clientName string, opts ...Option) (*Client, error) {
	cfg := defaultDialConfig()
	for _, o := range opts {
		o(&cfg)
	}

	dir := ipc.NewDir(cfg.tmpRoot, cfg.uid, serverName)

	conn, err := net.DialTimeout("unix", dir.MainSocketPath(cfg.portNum), cfg.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("jackgoclient: dial main socket: %w", err)
	}

	creq := &wire.ConnectRequest{Kind: wire.ClientKindExternalProcess}
	if status := creq.SetName(clientName); status != wire.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("jackgoclient: client name %q: status %d", clientName, status)
	}
	out, err := wire.EncodeConnectRequest(creq)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jackgoclient: encode connect request: %w", err)
	}
	if _, err := conn.Write(out); err != nil {
		conn.Close()
		return nil, fmt.Errorf("jackgoclient: write connect request: %w", err)
	}

	buf := make([]byte, wire.ConnectResultSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		conn.Close()
		return nil, fmt.Errorf("jackgoclient: read connect result: %w", err)
	}
	result, err := wire.DecodeConnectResult(buf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jackgoclient: decode connect result: %w", err)
	}
	if result.Status != wire.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("jackgoclient: server rejected connect, status %d", result.Status)
	}

	ackConn, err := net.DialTimeout("unix", dir.AckSocketPath(cfg.portNum), cfg.dialTimeout)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jackgoclient: dial ack socket: %w", err)
	}
	areq := &wire.AckRequest{ClientID: result.ClientID}
	aout, err := wire.EncodeAckRequest(areq)
	if err != nil {
		conn.Close()
		ackConn.Close()
		return nil, fmt.Errorf("jackgoclient: encode ack request: %w", err)
	}
	if _, err := ackConn.Write(aout); err != nil {
		conn.Close()
		ackConn.Close()
		return nil, fmt.Errorf("jackgoclient: write ack request: %w", err)
	}
	abuf := make([]byte, wire.AckReplySize)
	if _, err := io.ReadFull(ackConn, abuf); err != nil {
		conn.Close()
		ackConn.Close()
		return nil, fmt.Errorf("jackgoclient: read ack reply: %w", err)
	}
	areply, err := wire.DecodeAckReply(abuf)
	if err != nil {
		conn.Close()
		ackConn.Close()
		return nil, fmt.Errorf("jackgoclient: decode ack reply: %w", err)
	}
	if areply.Status != wire.StatusOK {
		conn.Close()
		ackConn.Close()
		return nil, fmt.Errorf("jackgoclient: ack rejected, status %d", areply.Status)
	}

	fifoPrefix := result.GetFifoPrefix()
	segPath := filepath.Join(fifoPrefix, result.GetPortSegmentKey())
	segData, err := attachSegment(segPath)
	if err != nil {
		conn.Close()
		ackConn.Close()
		return nil, err
	}

	c := &Client{
		name:        clientName,
		log:         cfg.log,
		conn:        conn,
		ackConn:     ackConn,
		clientID:    result.ClientID,
		types:       porttype.NewTable(),
		fifoPrefix:  fifoPrefix,
		bufferSize:  int(result.BufferSize),
		sampleRate:  int(result.SampleRate),
		ports:       make(map[uint32]*Port),
		portSegPath: segPath,
		portSegData: segData,
		fifoIn:      -1,
		fifoOut:     -1,
	}
	c.cycleCond = sync.NewCond(&c.cycleMu)

	go c.eventLoop()

	return c, nil
}

// Name returns the client's registered name.
func (c *Client) Name() string { return c.name }

// ClientID returns the server-assigned client id.
func (c *Client) ClientID() uint32 { return c.clientID }

// BufferSize returns the server's current period size, in frames.
func (c *Client) BufferSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bufferSize
}

// SampleRate returns the server's current sample rate.
func (c *Client) SampleRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sampleRate
}

// SetProcessCallback registers the function invoked on every cycle wakeup
// once the client is activated. It must be set before Activate for the
// first wakeup to be handled.
func (c *Client) SetProcessCallback(fn ProcessFunc) { c.process = fn }

// SetXRunCallback registers a function invoked when the client learns its
// own subgraph missed a deadline. jackgo's current event set carries no
// per-client xrun notification, so this is reserved for a future event
// addition; it is never called today.
func (c *Client) SetXRunCallback(fn func() error) { c.xrun = fn }

// SetGraphOrderCallback registers a function invoked whenever the graph is
// reordered, after this client's own FIFOIn/FIFOOut (if any) are updated.
func (c *Client) SetGraphOrderCallback(fn func() error) { c.graphOrder = fn }

// sendRequest performs one synchronous request/reply round trip. Requests
// are serialized with a mutex since the wire protocol has no request id to
// de-multiplex concurrent replies on a single connection.
func (c *Client) sendRequest(req *wire.Request) (*wire.Reply, error) {
	req.ClientID = c.clientID
	out, err := wire.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("jackgoclient: encode request: %w", err)
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if _, err := c.conn.Write(out); err != nil {
		return nil, fmt.Errorf("jackgoclient: write request: %w", err)
	}
	buf := make([]byte, wire.ReplySize)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, fmt.Errorf("jackgoclient: read reply: %w", err)
	}
	return wire.DecodeReply(buf)
}

func statusErr(op string, status wire.Status) error {
	if status == wire.StatusOK {
		return nil
	}
	return fmt.Errorf("jackgoclient: %s: status %d", op, status)
}

// Activate tells the server this client is ready to participate in the
// audio cycle and starts the FIFO-driven cycle loop (idempotent: the loop
// is only ever started once per Client).
func (c *Client) Activate() error {
	reply, err := c.sendRequest(&wire.Request{Kind: wire.RequestActivateClient})
	if err != nil {
		return err
	}
	if err := statusErr("activate", reply.Status); err != nil {
		return err
	}
	c.cycleOnce.Do(func() { go c.runCycleLoop() })
	return nil
}

// Deactivate tells the server to sever every connection touching this
// client's ports, leaving the ports themselves registered.
func (c *Client) Deactivate() error {
	reply, err := c.sendRequest(&wire.Request{Kind: wire.RequestDeactivateClient})
	if err != nil {
		return err
	}
	return statusErr("deactivate", reply.Status)
}

// SetTimeBase sends a SetTimeBaseClient request. The server acknowledges
// it but does not record a timebase client.
func (c *Client) SetTimeBase() error {
	reply, err := c.sendRequest(&wire.Request{Kind: wire.RequestSetTimeBaseClient})
	if err != nil {
		return err
	}
	return statusErr("set time base", reply.Status)
}

// Close tears down both sockets, unmaps the port-buffer segment, and stops
// the background loops. It does not send RequestDropClient: a process
// exit (or any other connection loss) is exactly what the server's
// requestLoop already treats as an implicit drop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cycleMu.Lock()
		c.closed = true
		c.cycleCond.Broadcast()
		inF, outF := c.fifoInF, c.fifoOutF
		c.cycleMu.Unlock()
		if inF != nil {
			inF.Close()
		}
		if outF != nil {
			outF.Close()
		}
		if cerr := c.conn.Close(); cerr != nil {
			err = cerr
		}
		if cerr := c.ackConn.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if derr := detachSegment(c.portSegData); derr != nil && err == nil {
			err = derr
		}
	})
	return err
}
