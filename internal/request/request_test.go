package request

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackgo/jackgo/internal/buffer"
	"github.com/jackgo/jackgo/internal/client"
	"github.com/jackgo/jackgo/internal/event"
	"github.com/jackgo/jackgo/internal/graph"
	"github.com/jackgo/jackgo/internal/logging"
	"github.com/jackgo/jackgo/internal/port"
	"github.com/jackgo/jackgo/internal/porttype"
	"github.com/jackgo/jackgo/internal/wire"
)

func newDispatcher(t *testing.T) (*Dispatcher, *client.Registry, *port.Registry) {
	t.Helper()
	ports := port.NewRegistry(16)
	clients := client.NewRegistry(16)
	types := porttype.NewTable()
	bufs, err := buffer.NewPool("seg-0", make([]byte, 4096*8), 4096, 8)
	require.NoError(t, err)
	g := graph.New(ports, clients, nil)
	bus := event.New(clients, logging.Nop())
	d := New(ports, clients, types, bufs, g, bus, logging.Nop())
	return d, clients, ports
}

func TestRegisterPortAssignsBufferForOutput(t *testing.T) {
	d, clients, ports := newDispatcher(t)
	c, err := clients.Register("a", client.KindInProcessPlugin)
	require.NoError(t, err)

	req := &wire.Request{Kind: wire.RequestRegisterPort, ClientID: c.ID, Flags: wire.PortFlagOutput}
	req.SetName("out_1")
	reply := d.Handle(req)

	require.Equal(t, wire.StatusOK, reply.Status)
	p := ports.Get(reply.PortID)
	require.NotNil(t, p)
	assert.False(t, p.BufferHandle().IsZero())
}

func TestRegisterPortRejectsBadName(t *testing.T) {
	d, clients, _ := newDispatcher(t)
	c, _ := clients.Register("a", client.KindInProcessPlugin)

	req := &wire.Request{Kind: wire.RequestRegisterPort, ClientID: c.ID}
	req.SetName("bad:name")
	reply := d.Handle(req)
	assert.Equal(t, wire.StatusNameTooLong, reply.Status)
}

func TestRegisterPortRejectsUnknownClient(t *testing.T) {
	d, _, _ := newDispatcher(t)
	req := &wire.Request{Kind: wire.RequestRegisterPort, ClientID: 999}
	req.SetName("out_1")
	reply := d.Handle(req)
	assert.Equal(t, wire.StatusUnknownClient, reply.Status)
}

func TestConnectAndDisconnectViaDispatcher(t *testing.T) {
	d, clients, ports := newDispatcher(t)
	a, _ := clients.Register("a", client.KindInProcessPlugin)
	b, _ := clients.Register("b", client.KindInProcessPlugin)

	outReq := &wire.Request{Kind: wire.RequestRegisterPort, ClientID: a.ID, Flags: wire.PortFlagOutput}
	outReq.SetName("out")
	outReply := d.Handle(outReq)
	require.Equal(t, wire.StatusOK, outReply.Status)

	inReq := &wire.Request{Kind: wire.RequestRegisterPort, ClientID: b.ID}
	inReq.SetName("in")
	inReply := d.Handle(inReq)
	require.Equal(t, wire.StatusOK, inReply.Status)

	connReq := &wire.Request{Kind: wire.RequestConnectPorts}
	connReq.SetSrcName("a:out")
	connReq.SetDstName("b:in")
	connReply := d.Handle(connReq)
	require.Equal(t, wire.StatusOK, connReply.Status)
	assert.Equal(t, 1, ports.Get(outReply.PortID).ConnectionCount())

	discReply := d.Handle(&wire.Request{Kind: wire.RequestDisconnectPorts, SrcName: connReq.SrcName, DstName: connReq.DstName})
	require.Equal(t, wire.StatusOK, discReply.Status)
	assert.Equal(t, 0, ports.Get(outReply.PortID).ConnectionCount())
}

func TestNameOverLimitRejected(t *testing.T) {
	d, clients, _ := newDispatcher(t)
	c, _ := clients.Register("a", client.KindInProcessPlugin)
	req := &wire.Request{Kind: wire.RequestRegisterPort, ClientID: c.ID}
	status := req.SetName(strings.Repeat("x", wire.MaxNameLen+1))
	assert.Equal(t, wire.StatusNameTooLong, status)
}

func TestUnregisterPortTearsDownConnections(t *testing.T) {
	d, clients, ports := newDispatcher(t)
	a, _ := clients.Register("a", client.KindInProcessPlugin)
	b, _ := clients.Register("b", client.KindInProcessPlugin)

	outReq := &wire.Request{Kind: wire.RequestRegisterPort, ClientID: a.ID, Flags: wire.PortFlagOutput}
	outReq.SetName("out")
	outReply := d.Handle(outReq)

	inReq := &wire.Request{Kind: wire.RequestRegisterPort, ClientID: b.ID}
	inReq.SetName("in")
	inReply := d.Handle(inReq)

	connReq := &wire.Request{Kind: wire.RequestConnectPorts}
	connReq.SetSrcName("a:out")
	connReq.SetDstName("b:in")
	require.Equal(t, wire.StatusOK, d.Handle(connReq).Status)

	unregReply := d.Handle(&wire.Request{Kind: wire.RequestUnregisterPort, PortID: outReply.PortID})
	require.Equal(t, wire.StatusOK, unregReply.Status)
	assert.Nil(t, ports.Get(outReply.PortID))
	assert.Equal(t, 0, ports.Get(inReply.PortID).ConnectionCount())
}

func TestDeactivateClientSeversConnectionsKeepsPorts(t *testing.T) {
	d, clients, ports := newDispatcher(t)
	a, _ := clients.Register("a", client.KindInProcessPlugin)
	b, _ := clients.Register("b", client.KindInProcessPlugin)
	a.Active.Store(true)
	b.Active.Store(true)

	outReq := &wire.Request{Kind: wire.RequestRegisterPort, ClientID: a.ID, Flags: wire.PortFlagOutput}
	outReq.SetName("out")
	outReply := d.Handle(outReq)

	inReq := &wire.Request{Kind: wire.RequestRegisterPort, ClientID: b.ID}
	inReq.SetName("in")
	d.Handle(inReq)

	connReq := &wire.Request{Kind: wire.RequestConnectPorts}
	connReq.SetSrcName("a:out")
	connReq.SetDstName("b:in")
	require.Equal(t, wire.StatusOK, d.Handle(connReq).Status)

	deactReply := d.Handle(&wire.Request{Kind: wire.RequestDeactivateClient, ClientID: a.ID})
	require.Equal(t, wire.StatusOK, deactReply.Status)
	assert.Equal(t, 0, ports.Get(outReply.PortID).ConnectionCount())
	assert.NotNil(t, ports.Get(outReply.PortID))
	assert.False(t, a.Active.Load())
}
