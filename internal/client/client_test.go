package client

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	delivered [][]byte
	closed    bool
}

func (f *fakeSink) Deliver(payload []byte) error {
	f.delivered = append(f.delivered, payload)
	return nil
}

func (f *fakeSink) Close() error {
	f.closed = true
	return nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry(4)
	c, err := r.Register("client-a", KindExternalProcess)
	require.NoError(t, err)
	assert.Equal(t, "client-a", c.Name)
	assert.Same(t, c, r.Get(c.ID))
	assert.Same(t, c, r.ByName("client-a"))
	assert.Equal(t, StateNotTriggered, c.State())
}

func TestRegisterRejectsDuplicateAndOverlength(t *testing.T) {
	r := NewRegistry(4)
	_, err := r.Register("dup", KindExternalProcess)
	require.NoError(t, err)
	_, err = r.Register("dup", KindExternalProcess)
	assert.ErrorIs(t, err, ErrDuplicateName)

	_, err = r.Register(strings.Repeat("x", MaxNameLength+1), KindExternalProcess)
	assert.ErrorIs(t, err, ErrNameTooLong)
}

func TestRegisterExhaustsCapacity(t *testing.T) {
	r := NewRegistry(1)
	_, err := r.Register("a", KindExternalProcess)
	require.NoError(t, err)
	_, err = r.Register("b", KindExternalProcess)
	assert.ErrorIs(t, err, ErrNoFreeSlot)
}

func TestUnregisterFreesSlotAndName(t *testing.T) {
	r := NewRegistry(1)
	c, _ := r.Register("a", KindExternalProcess)
	r.Unregister(c.ID)
	assert.Nil(t, r.Get(c.ID))
	assert.Nil(t, r.ByName("a"))
	_, err := r.Register("b", KindExternalProcess)
	assert.NoError(t, err)
}

func TestDeadStateIsOneWay(t *testing.T) {
	c := New(1, "a", KindExternalProcess)
	c.SetState(StateTriggered)
	assert.Equal(t, StateTriggered, c.State())

	c.MarkDead()
	assert.True(t, c.IsDead())

	c.SetState(StateFinished)
	assert.True(t, c.IsDead(), "state must not leave Dead once set")
}

func TestDeliverEventSkippedAfterDead(t *testing.T) {
	c := New(1, "a", KindExternalProcess)
	sink := &fakeSink{}
	c.SetEvents(sink)

	require.NoError(t, c.DeliverEvent([]byte("hello")))
	assert.Len(t, sink.delivered, 1)

	c.MarkDead()
	require.NoError(t, c.CloseEvents())
	assert.True(t, sink.closed)

	require.NoError(t, c.DeliverEvent([]byte("late")))
	assert.Len(t, sink.delivered, 1, "no delivery attempt once dead")
}

func TestPortOwnershipTracking(t *testing.T) {
	c := New(1, "a", KindExternalProcess)
	c.AddPort(10)
	c.AddPort(11)
	assert.ElementsMatch(t, []uint32{10, 11}, c.PortIDs())

	c.RemovePort(10)
	assert.Equal(t, []uint32{11}, c.PortIDs())
}

func TestProcessCallbackErrorIsOrdinaryError(t *testing.T) {
	wantErr := errors.New("boom")
	c := New(1, "a", KindExternalProcess)
	c.Process = func(nframes int) error { return wantErr }
	assert.ErrorIs(t, c.Process(64), wantErr)
}
