package port

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackgo/jackgo/internal/porttype"
)

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry(4)
	audio := porttype.AudioType()

	p, err := r.Register(1, "client-a", "out_1", Flags{Direction: DirectionOutput}, audio)
	require.NoError(t, err)
	assert.Equal(t, "client-a:out_1", p.FullName)
	assert.Same(t, p, r.Get(p.ID))
	assert.Same(t, p, r.ByFullName("client-a:out_1"))
}

func TestRegisterRejectsColonInShortName(t *testing.T) {
	r := NewRegistry(4)
	audio := porttype.AudioType()
	_, err := r.Register(1, "client-a", "bad:name", Flags{}, audio)
	assert.Error(t, err)
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := NewRegistry(4)
	audio := porttype.AudioType()
	_, err := r.Register(1, "client-a", "out_1", Flags{Direction: DirectionOutput}, audio)
	require.NoError(t, err)
	_, err = r.Register(1, "client-a", "out_1", Flags{Direction: DirectionOutput}, audio)
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestRegisterExhaustsCapacity(t *testing.T) {
	r := NewRegistry(1)
	audio := porttype.AudioType()
	_, err := r.Register(1, "client-a", "out_1", Flags{}, audio)
	require.NoError(t, err)
	_, err = r.Register(1, "client-a", "out_2", Flags{}, audio)
	assert.ErrorIs(t, err, ErrNoFreeSlot)
}

func TestUnregisterFreesSlotAndName(t *testing.T) {
	r := NewRegistry(1)
	audio := porttype.AudioType()
	p, err := r.Register(1, "client-a", "out_1", Flags{}, audio)
	require.NoError(t, err)

	r.Unregister(p.ID)
	assert.Nil(t, r.Get(p.ID))
	assert.Nil(t, r.ByFullName("client-a:out_1"))

	_, err = r.Register(2, "client-b", "out_1", Flags{}, audio)
	assert.NoError(t, err)
}

func TestConnectionTracking(t *testing.T) {
	r := NewRegistry(4)
	audio := porttype.AudioType()
	out, _ := r.Register(1, "a", "out", Flags{Direction: DirectionOutput}, audio)
	in, _ := r.Register(2, "b", "in", Flags{Direction: DirectionInput}, audio)

	out.Connect(in.ID)
	in.Connect(out.ID)
	assert.Equal(t, 1, out.ConnectionCount())
	assert.Contains(t, in.Connections(), out.ID)

	out.Disconnect(in.ID)
	assert.Equal(t, 0, out.ConnectionCount())
}

func TestMonitorRefCounting(t *testing.T) {
	r := NewRegistry(1)
	audio := porttype.AudioType()
	p, _ := r.Register(1, "a", "out", Flags{}, audio)

	assert.False(t, p.Monitored())
	p.RequestMonitor()
	p.RequestMonitor()
	assert.True(t, p.Monitored())
	p.ReleaseMonitor()
	assert.True(t, p.Monitored())
	p.ReleaseMonitor()
	assert.False(t, p.Monitored())
	p.ReleaseMonitor()
	assert.False(t, p.Monitored())
}

func TestOwnedBy(t *testing.T) {
	r := NewRegistry(4)
	audio := porttype.AudioType()
	_, _ = r.Register(1, "a", "out_1", Flags{}, audio)
	_, _ = r.Register(1, "a", "out_2", Flags{}, audio)
	_, _ = r.Register(2, "b", "out_1", Flags{}, audio)

	assert.Len(t, r.OwnedBy(1), 2)
	assert.Len(t, r.OwnedBy(2), 1)
	assert.Len(t, r.OwnedBy(3), 0)
}
