package orbit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterServiceAssignsSequentialIDs(t *testing.T) {
	m := New(DefaultConfig())
	s1 := NewService(m.MutexPool())
	s2 := NewService(m.MutexPool())

	id1 := m.RegisterService(s1)
	id2 := m.RegisterService(s2)
	require.Equal(t, ServiceID(0), id1)
	require.Equal(t, ServiceID(1), id2)
	require.Same(t, s1, m.Service(id1))
	require.Same(t, s2, m.Service(id2))
}

func TestServiceUnknownReturnsNil(t *testing.T) {
	m := New(DefaultConfig())
	require.Nil(t, m.Service(99))
}

func TestSignalRoutesThroughManagerToObject(t *testing.T) {
	cfg := DefaultConfig()
	m := New(cfg)
	svc := NewService(m.MutexPool())
	m.RegisterService(svc)

	obj := &testObject{Base: NewBase()}
	id := svc.Insert(obj, cfg.ServiceBits)

	require.NoError(t, m.Signal(id, EventRaise))
	require.True(t, obj.Raised())
}

func TestSignalUnknownServiceErrors(t *testing.T) {
	m := New(DefaultConfig())
	err := m.Signal(ObjectID{FullIndex: 1 << 60}, EventRaise)
	require.ErrorIs(t, err, ErrUnknownService)
}

// TestRaiseRoutesToAssociatedSelector covers the associate/Raise/
// NotifyRaise handoff Scheduler.Schedule wires up: once an object is
// associated with a selector id, Manager.Raise must reach it without
// the caller knowing which selector it landed on.
func TestRaiseRoutesToAssociatedSelector(t *testing.T) {
	m := New(DefaultConfig())

	var raisedWith uint64
	m.associate(42, 7, func(fullIndex uint64) { raisedWith = fullIndex })

	m.Raise(ObjectID{FullIndex: 42})
	require.Equal(t, uint64(42), raisedWith)
}

func TestRaiseOnUnassociatedObjectIsNoop(t *testing.T) {
	m := New(DefaultConfig())
	require.NotPanics(t, func() { m.Raise(ObjectID{FullIndex: 999}) })
}

func TestDisassociateStopsRouting(t *testing.T) {
	m := New(DefaultConfig())
	calls := 0
	m.associate(5, 1, func(uint64) { calls++ })
	m.Raise(ObjectID{FullIndex: 5})
	require.Equal(t, 1, calls)

	m.disassociate(5)
	m.Raise(ObjectID{FullIndex: 5})
	require.Equal(t, 1, calls, "Raise after disassociate must not call the stale raise func")
}

func TestPrepareThreadAndThe(t *testing.T) {
	m := New(DefaultConfig())
	PrepareThread(m)
	got, err := The()
	require.NoError(t, err)
	require.Same(t, m, got)
}
