// Package wire defines the fixed-size, host-endian wire records exchanged
// over the request and event sockets (spec §4.5, §4.7, §6). All records are
// plain structs of fixed-width fields so they can be read and written with
// encoding/binary without any length-prefixing or framing: a reader always
// knows exactly how many bytes to read for a given record kind.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Endian is the byte order used for every wire record. IPC is same-host
// only (UNIX-domain sockets and named pipes never cross machines), so the
// spec calls for host-native ordering rather than a portable fixed order.
var Endian = binary.NativeEndian

// MaxNameLen bounds a single port/client short name component.
const MaxNameLen = 63

// MaxFullNameLen bounds "<client>:<port>" full names.
const MaxFullNameLen = 2*MaxNameLen + 1

// RequestKind discriminates the RPCs of §4.7.
type RequestKind uint32

const (
	RequestRegisterPort RequestKind = iota + 1
	RequestUnregisterPort
	RequestConnectPorts
	RequestDisconnectPorts
	RequestActivateClient
	RequestDeactivateClient
	RequestPortMonitor
	RequestPortUnMonitor
	RequestSetTimeBaseClient
	RequestDropClient
)

func (k RequestKind) String() string {
	switch k {
	case RequestRegisterPort:
		return "RegisterPort"
	case RequestUnregisterPort:
		return "UnregisterPort"
	case RequestConnectPorts:
		return "ConnectPorts"
	case RequestDisconnectPorts:
		return "DisconnectPorts"
	case RequestActivateClient:
		return "ActivateClient"
	case RequestDeactivateClient:
		return "DeactivateClient"
	case RequestPortMonitor:
		return "RequestPortMonitor"
	case RequestPortUnMonitor:
		return "RequestPortUnMonitor"
	case RequestSetTimeBaseClient:
		return "SetTimeBaseClient"
	case RequestDropClient:
		return "DropClient"
	default:
		return fmt.Sprintf("RequestKind(%d)", uint32(k))
	}
}

// Status is the result code carried in every Reply and Event ack.
type Status int32

const (
	StatusOK Status = 0
	// StatusError kinds are negative so 0 always means success.
	StatusUnknownPort       Status = -1
	StatusWrongDirection    Status = -2
	StatusTypeMismatch      Status = -3
	StatusWouldCycle        Status = -4
	StatusNameTooLong       Status = -5
	StatusDuplicateName     Status = -6
	StatusNoFreePortSlot    Status = -7
	StatusNoFreeBuffer      Status = -8
	StatusNoMixdown         Status = -9
	StatusNotConnected      Status = -10
	StatusUnknownClient     Status = -11
	StatusAlreadyRegistered Status = -12
	StatusNoFreeClientSlot  Status = -13
	StatusInternal          Status = -99
)

// PortFlag bits pack a port's direction/physical/terminal/monitor/type
// attributes into Request.Flags for RegisterPort, since the fixed-size
// wire record has no room for a separate type-name field.
const (
	PortFlagOutput     uint32 = 1 << 0 // unset means input
	PortFlagPhysical   uint32 = 1 << 1
	PortFlagTerminal   uint32 = 1 << 2
	PortFlagCanMonitor uint32 = 1 << 3
	PortFlagMIDI       uint32 = 1 << 4 // unset means audio
)

// ClientKind discriminates how a connecting client's callback runs (spec
// §6 handshake step 1).
type ClientKind uint32

const (
	ClientKindExternalProcess ClientKind = iota
	ClientKindInProcessPlugin
	ClientKindDriver
)

// ConnectRequest is the fixed-size record a client writes to the main
// socket as handshake step 1. SOPath is only meaningful for
// ClientKindInProcessPlugin.
type ConnectRequest struct {
	Kind   ClientKind
	Name   [MaxNameLen + 1]byte
	SOPath [MaxNameLen + 1]byte
}

func (r *ConnectRequest) SetName(s string) Status   { return putName(r.Name[:], s) }
func (r *ConnectRequest) GetName() string           { return getName(r.Name[:]) }
func (r *ConnectRequest) SetSOPath(s string) Status { return putName(r.SOPath[:], s) }
func (r *ConnectRequest) GetSOPath() string         { return getName(r.SOPath[:]) }

// shmKeyLen bounds each of ConnectResult's SHM segment key / FIFO prefix
// fields — generous enough for a uuid-derived name plus path prefix.
const shmKeyLen = 96

// ConnectResult is handshake step 2's reply: the client attaches the three
// named SHM segments and records the FIFO directory prefix.
type ConnectResult struct {
	Status         Status
	ClientID       uint32
	ClientKey      [shmKeyLen]byte
	ControlKey     [shmKeyLen]byte
	PortSegmentKey [shmKeyLen]byte
	FifoPrefix     [shmKeyLen]byte
	Realtime       uint32
	RTPriority     uint32
	// BufferSize/SampleRate report the server's current period size and
	// rate, so a connecting client can size its own buffers and FIFO-wait
	// timeout before its first GraphReordered event arrives.
	BufferSize uint32
	SampleRate uint32
}

func (r *ConnectResult) SetClientKey(s string) Status      { return putName(r.ClientKey[:], s) }
func (r *ConnectResult) GetClientKey() string              { return getName(r.ClientKey[:]) }
func (r *ConnectResult) SetControlKey(s string) Status     { return putName(r.ControlKey[:], s) }
func (r *ConnectResult) GetControlKey() string             { return getName(r.ControlKey[:]) }
func (r *ConnectResult) SetPortSegmentKey(s string) Status { return putName(r.PortSegmentKey[:], s) }
func (r *ConnectResult) GetPortSegmentKey() string         { return getName(r.PortSegmentKey[:]) }
func (r *ConnectResult) SetFifoPrefix(s string) Status     { return putName(r.FifoPrefix[:], s) }
func (r *ConnectResult) GetFifoPrefix() string             { return getName(r.FifoPrefix[:]) }

// AckRequest is handshake step 3's request, sent on the ack socket.
type AckRequest struct {
	ClientID uint32
}

// AckReply is handshake step 3's reply.
type AckReply struct {
	Status Status
}

// Request is the fixed-size record a client writes to the request socket.
// Name/SrcName/DstName are NUL-padded byte arrays rather than Go strings so
// the record has one fixed wire size regardless of contents.
type Request struct {
	Kind       RequestKind
	ClientID   uint32
	PortID     uint32
	Flags      uint32
	BufferSize uint32
	Name       [MaxNameLen + 1]byte
	SrcName    [MaxFullNameLen + 1]byte
	DstName    [MaxFullNameLen + 1]byte
}

// Reply is the fixed-size record the engine writes back for every Request.
type Reply struct {
	Status Status
	PortID uint32
	// BufferOffset is the byte offset, within the attached port-buffer
	// segment, of the port RegisterPort just created — set only for an
	// output port (buffer offset 0 is reserved for the shared silence
	// buffer and never assigned to a real port, so 0 doubles as "not
	// applicable" for an input port or any other request kind).
	BufferOffset uint32
}

// EventKind discriminates the engine->client notifications of §4.5.
type EventKind uint32

const (
	EventPortRegistered EventKind = iota + 1
	EventPortUnregistered
	EventPortConnected
	EventPortDisconnected
	EventGraphReordered
	EventBufferSizeChange
	EventSampleRateChange
	EventPortMonitor
	EventPortUnMonitor
	EventNewPortBufferSegment
)

func (k EventKind) String() string {
	switch k {
	case EventPortRegistered:
		return "PortRegistered"
	case EventPortUnregistered:
		return "PortUnregistered"
	case EventPortConnected:
		return "PortConnected"
	case EventPortDisconnected:
		return "PortDisconnected"
	case EventGraphReordered:
		return "GraphReordered"
	case EventBufferSizeChange:
		return "BufferSizeChange"
	case EventSampleRateChange:
		return "SampleRateChange"
	case EventPortMonitor:
		return "PortMonitor"
	case EventPortUnMonitor:
		return "PortUnMonitor"
	case EventNewPortBufferSegment:
		return "NewPortBufferSegment"
	default:
		return fmt.Sprintf("EventKind(%d)", uint32(k))
	}
}

// Event is the single fixed-size record delivered per notification. Only the
// fields relevant to Kind are meaningful; the rest are zero.
type Event struct {
	Kind        EventKind
	PortID      uint32
	OtherPortID uint32
	Rank        uint32
	// FIFOIn/FIFOOut carry the wakeup-FIFO pair a GraphReordered event's
	// recipient must open (read, write respectively) if it is an external
	// client; both are -1 for a non-external recipient, which has no FIFO
	// pair to open.
	FIFOIn      int32
	FIFOOut     int32
	// BufferOffset carries OtherPortID's buffer offset within the shared
	// port segment for a PortConnected delivery to an input port's owner
	// (so it can resolve its connected source's buffer without a further
	// round trip); 0 and otherwise unused for every other event kind.
	BufferOffset uint32
	NFrames     uint32
	SampleRate  uint32
	SegmentName [64]byte
	SegmentSize uint64
}

// PutName copies s into a fixed-size NUL-padded field, returning
// StatusNameTooLong if it does not fit (spec §6: "bounded-length UTF-8-clean
// bytes").
func putName(dst []byte, s string) Status {
	if len(s) > len(dst)-1 {
		return StatusNameTooLong
	}
	clear(dst)
	copy(dst, s)
	return StatusOK
}

func getName(src []byte) string {
	n := bytes.IndexByte(src, 0)
	if n < 0 {
		n = len(src)
	}
	return string(src[:n])
}

// SetName fills Name.
func (r *Request) SetName(s string) Status { return putName(r.Name[:], s) }

// GetName reads Name.
func (r *Request) GetName() string { return getName(r.Name[:]) }

// SetSrcName fills SrcName.
func (r *Request) SetSrcName(s string) Status { return putName(r.SrcName[:], s) }

// GetSrcName reads SrcName.
func (r *Request) GetSrcName() string { return getName(r.SrcName[:]) }

// SetDstName fills DstName.
func (r *Request) SetDstName(s string) Status { return putName(r.DstName[:], s) }

// GetDstName reads DstName.
func (r *Request) GetDstName() string { return getName(r.DstName[:]) }

// SetSegmentName fills Event.SegmentName.
func (e *Event) SetSegmentName(s string) Status { return putName(e.SegmentName[:], s) }

// GetSegmentName reads Event.SegmentName.
func (e *Event) GetSegmentName() string { return getName(e.SegmentName[:]) }

// EncodeRequest serializes a Request to its fixed-size wire form.
func EncodeRequest(r *Request) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(RequestSize)
	if err := binary.Write(buf, Endian, r); err != nil {
		return nil, fmt.Errorf("wire: encode request: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRequest parses a fixed-size Request record.
func DecodeRequest(b []byte) (*Request, error) {
	var r Request
	if err := binary.Read(bytes.NewReader(b), Endian, &r); err != nil {
		return nil, fmt.Errorf("wire: decode request: %w", err)
	}
	return &r, nil
}

// EncodeReply serializes a Reply to its fixed-size wire form.
func EncodeReply(r *Reply) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(ReplySize)
	if err := binary.Write(buf, Endian, r); err != nil {
		return nil, fmt.Errorf("wire: encode reply: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeReply parses a fixed-size Reply record.
func DecodeReply(b []byte) (*Reply, error) {
	var r Reply
	if err := binary.Read(bytes.NewReader(b), Endian, &r); err != nil {
		return nil, fmt.Errorf("wire: decode reply: %w", err)
	}
	return &r, nil
}

// EncodeEvent serializes an Event to its fixed-size wire form.
func EncodeEvent(e *Event) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(EventSize)
	if err := binary.Write(buf, Endian, e); err != nil {
		return nil, fmt.Errorf("wire: encode event: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeEvent parses a fixed-size Event record.
func DecodeEvent(b []byte) (*Event, error) {
	var e Event
	if err := binary.Read(bytes.NewReader(b), Endian, &e); err != nil {
		return nil, fmt.Errorf("wire: decode event: %w", err)
	}
	return &e, nil
}

// EncodeConnectRequest serializes a ConnectRequest to its fixed-size wire form.
func EncodeConnectRequest(r *ConnectRequest) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(ConnectRequestSize)
	if err := binary.Write(buf, Endian, r); err != nil {
		return nil, fmt.Errorf("wire: encode connect request: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeConnectRequest parses a fixed-size ConnectRequest record.
func DecodeConnectRequest(b []byte) (*ConnectRequest, error) {
	var r ConnectRequest
	if err := binary.Read(bytes.NewReader(b), Endian, &r); err != nil {
		return nil, fmt.Errorf("wire: decode connect request: %w", err)
	}
	return &r, nil
}

// EncodeConnectResult serializes a ConnectResult to its fixed-size wire form.
func EncodeConnectResult(r *ConnectResult) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(ConnectResultSize)
	if err := binary.Write(buf, Endian, r); err != nil {
		return nil, fmt.Errorf("wire: encode connect result: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeConnectResult parses a fixed-size ConnectResult record.
func DecodeConnectResult(b []byte) (*ConnectResult, error) {
	var r ConnectResult
	if err := binary.Read(bytes.NewReader(b), Endian, &r); err != nil {
		return nil, fmt.Errorf("wire: decode connect result: %w", err)
	}
	return &r, nil
}

// EncodeAckRequest serializes an AckRequest to its fixed-size wire form.
func EncodeAckRequest(r *AckRequest) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(AckRequestSize)
	if err := binary.Write(buf, Endian, r); err != nil {
		return nil, fmt.Errorf("wire: encode ack request: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeAckRequest parses a fixed-size AckRequest record.
func DecodeAckRequest(b []byte) (*AckRequest, error) {
	var r AckRequest
	if err := binary.Read(bytes.NewReader(b), Endian, &r); err != nil {
		return nil, fmt.Errorf("wire: decode ack request: %w", err)
	}
	return &r, nil
}

// EncodeAckReply serializes an AckReply to its fixed-size wire form.
func EncodeAckReply(r *AckReply) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(AckReplySize)
	if err := binary.Write(buf, Endian, r); err != nil {
		return nil, fmt.Errorf("wire: encode ack reply: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeAckReply parses a fixed-size AckReply record.
func DecodeAckReply(b []byte) (*AckReply, error) {
	var r AckReply
	if err := binary.Read(bytes.NewReader(b), Endian, &r); err != nil {
		return nil, fmt.Errorf("wire: decode ack reply: %w", err)
	}
	return &r, nil
}

// Fixed wire sizes, computed once at init so callers can size read buffers
// without calling binary.Size on every request.
var (
	RequestSize        = binary.Size(Request{})
	ReplySize          = binary.Size(Reply{})
	EventSize          = binary.Size(Event{})
	ConnectRequestSize = binary.Size(ConnectRequest{})
	ConnectResultSize  = binary.Size(ConnectResult{})
	AckRequestSize     = binary.Size(AckRequest{})
	AckReplySize       = binary.Size(AckReply{})
)
