package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cxi-fabric/msgengine/internal/config"
	"github.com/cxi-fabric/msgengine/internal/nic"
	"github.com/cxi-fabric/msgengine/internal/request"
)

type fakeCommander struct {
	links  int
	unlink int
}

func (f *fakeCommander) Put(nic.DFA, uint64, uint64, uint64, uint32) error { return nil }
func (f *fakeCommander) Get(nic.DFA, uint64, uint64, uint64, uint64, uint32, bool, uint8) error {
	return nil
}
func (f *fakeCommander) ZeroBytePut(nic.DFA, uint64, uint32) error { return nil }
func (f *fakeCommander) Link(nic.LEType, uint64, uint64, uint32) error {
	f.links++
	return nil
}
func (f *fakeCommander) Unlink(uint32) error {
	f.unlink++
	return nil
}
func (f *fakeCommander) Search(uint64, uint64, bool, uint32) error { return nil }

// TestCancelHardwareLinkedCompletesOnUnlinkEvent exercises recv_cancel's
// hardware-linked path (spec.md §5, §4.6 "Unlink(manual)"): a receive that
// never matched an already-arrived send gets linked to the priority list,
// so Cancel can only issue an Unlink and must wait for the NIC's eventual
// Unlink event to actually complete the cancellation.
func TestCancelHardwareLinkedCompletesOnUnlinkEvent(t *testing.T) {
	var cmd = &fakeCommander{}
	var ep = New(config.Default(), cmd, nil)

	var completed bool
	req, err := ep.Recv(RecvParams{
		Buf: make([]byte, 16), AddrAny: true, Tag: 1,
		Callback: func(req *request.Request, _ *nic.Event) error { completed = true; return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, 1, cmd.links, "no matching unexpected send, so the receive links to the priority list")

	require.NoError(t, ep.Cancel(req))
	assert.Equal(t, 1, cmd.unlink)
	assert.False(t, completed, "an Unlink command alone does not complete the request")

	require.NoError(t, ep.Dispatch(nic.Event{
		Type: nic.EventUnlink, UserPtr: uint32(req.ID), ManualUnlink: true,
	}))

	assert.True(t, completed, "the Unlink event reports the cancellation to the CQ")
	assert.True(t, req.Recv.Unlinked)
	assert.True(t, req.Recv.Canceled)
	assert.Nil(t, ep.pool.Lookup(req.ID), "the canceled request is freed from the pool")
}

// TestPriorityLinkNoSpaceEnqueuesReplay covers the other half of the
// Link/Unlink routing fix: a priority-list Link(NO_SPACE) must reach the
// request-aware branch rather than oflow's buffer-id-only handling, force
// pending_ptlte_disable, and queue the request for replay (spec.md §4.6).
func TestPriorityLinkNoSpaceEnqueuesReplay(t *testing.T) {
	var cmd = &fakeCommander{}
	var ep = New(config.Default(), cmd, nil)

	req, err := ep.Recv(RecvParams{Buf: make([]byte, 16), AddrAny: true, Tag: 1})
	require.NoError(t, err)

	require.NoError(t, ep.Dispatch(nic.Event{
		Type: nic.EventLink, UserPtr: uint32(req.ID), ReturnCode: nic.RCNoSpace,
	}))

	assert.Equal(t, "PENDING_PTLTE_DISABLE", ep.fsm.State().String())
	assert.Equal(t, []request.ID{req.ID}, ep.fsm.DrainReplayQueue())
}
