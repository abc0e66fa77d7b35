package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackgo/jackgo/internal/client"
	"github.com/jackgo/jackgo/internal/logging"
	"github.com/jackgo/jackgo/internal/wire"
)

type capturingSink struct {
	events []*wire.Event
}

func (s *capturingSink) Deliver(payload []byte) error {
	e, err := wire.DecodeEvent(payload)
	if err != nil {
		return err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *capturingSink) Close() error { return nil }

func TestPortConnectedNotifiesBothOwners(t *testing.T) {
	clients := client.NewRegistry(4)
	a, err := clients.Register("a", client.KindInProcessPlugin)
	require.NoError(t, err)
	b, err := clients.Register("b", client.KindInProcessPlugin)
	require.NoError(t, err)

	sinkA, sinkB := &capturingSink{}, &capturingSink{}
	a.SetEvents(sinkA)
	b.SetEvents(sinkB)

	bus := New(clients, logging.Nop())
	bus.PortConnected(a.ID, 10, b.ID, 20, 256)

	require.Len(t, sinkA.events, 1)
	assert.Equal(t, wire.EventPortConnected, sinkA.events[0].Kind)
	assert.Equal(t, uint32(10), sinkA.events[0].PortID)
	assert.Equal(t, uint32(20), sinkA.events[0].OtherPortID)
	assert.Equal(t, uint32(0), sinkA.events[0].BufferOffset)

	require.Len(t, sinkB.events, 1)
	assert.Equal(t, uint32(20), sinkB.events[0].PortID)
	assert.Equal(t, uint32(10), sinkB.events[0].OtherPortID)
	assert.Equal(t, uint32(256), sinkB.events[0].BufferOffset)
}

func TestDeliverySkipsDeadClient(t *testing.T) {
	clients := client.NewRegistry(4)
	a, err := clients.Register("a", client.KindInProcessPlugin)
	require.NoError(t, err)
	sink := &capturingSink{}
	a.SetEvents(sink)
	a.MarkDead()

	bus := New(clients, logging.Nop())
	bus.PortRegistered(a.ID, 1)
	assert.Empty(t, sink.events)
}

func TestFuncSinkDirectCallForInProcessClient(t *testing.T) {
	clients := client.NewRegistry(4)
	c, err := clients.Register("plugin", client.KindInProcessPlugin)
	require.NoError(t, err)

	var got *wire.Event
	c.SetEvents(FuncSink(func(payload []byte) error {
		e, decodeErr := wire.DecodeEvent(payload)
		got = e
		return decodeErr
	}))

	bus := New(clients, logging.Nop())
	bus.GraphReordered(c.ID, 3, 0, 1)

	require.NotNil(t, got)
	assert.Equal(t, wire.EventGraphReordered, got.Kind)
	assert.Equal(t, uint32(3), got.Rank)
	assert.Equal(t, int32(0), got.FIFOIn)
	assert.Equal(t, int32(1), got.FIFOOut)
}

func TestNewPortBufferSegmentRoundTrip(t *testing.T) {
	clients := client.NewRegistry(4)
	c, _ := clients.Register("a", client.KindInProcessPlugin)
	sink := &capturingSink{}
	c.SetEvents(sink)

	bus := New(clients, logging.Nop())
	bus.NewPortBufferSegment(c.ID, "jack-shm-1234", 65536)

	require.Len(t, sink.events, 1)
	assert.Equal(t, "jack-shm-1234", sink.events[0].GetSegmentName())
	assert.Equal(t, uint64(65536), sink.events[0].SegmentSize)
}
