package rdzv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cxi-fabric/msgengine/internal/config"
	"github.com/cxi-fabric/msgengine/internal/nic"
	"github.com/cxi-fabric/msgengine/internal/request"
)

type fakeCommander struct {
	gets       []nic.DFA
	zbps       int
	getErr     error
	restricted []bool
}

func (f *fakeCommander) Put(nic.DFA, uint64, uint64, uint64, uint32) error { return nil }
func (f *fakeCommander) Get(dest nic.DFA, _, _, _, _ uint64, _ uint32, restricted bool, _ uint8) error {
	if f.getErr != nil {
		return f.getErr
	}
	f.gets = append(f.gets, dest)
	f.restricted = append(f.restricted, restricted)
	return nil
}
func (f *fakeCommander) ZeroBytePut(nic.DFA, uint64, uint32) error { f.zbps++; return nil }
func (f *fakeCommander) Link(nic.LEType, uint64, uint64, uint32) error  { return nil }
func (f *fakeCommander) Unlink(uint32) error                            { return nil }
func (f *fakeCommander) Search(uint64, uint64, bool, uint32) error      { return nil }

func newRecvReq() *request.Request {
	var pool = request.NewPool()
	return pool.Alloc(&request.Request{Type: request.TypeRecv, Recv: &request.RecvPayload{RecvBuf: make([]byte, 4096)}})
}

func TestDefaultProtocolThreeEvents(t *testing.T) {
	var cmd = &fakeCommander{}
	var eng = NewEngine(config.Default(), cmd, NewCredits(4))
	var req = newRecvReq()

	var initiator = nic.DFA{NIC: 7}

	done, err := eng.OnEvent(req, nic.Event{Type: nic.EventPutOverflow})
	require.NoError(t, err)
	assert.False(t, done)

	done, err = eng.OnEvent(req, nic.Event{Type: nic.EventRendezvous, Initiator: initiator, RLength: 8192, MatchBits: 0x1234})
	require.NoError(t, err)
	assert.False(t, done)
	assert.Len(t, cmd.gets, 1)
	assert.False(t, cmd.restricted[0])
	assert.Equal(t, 1, eng.credits.InUse())

	done, err = eng.OnEvent(req, nic.Event{Type: nic.EventReply})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 0, eng.credits.InUse())
}

func TestAltReadAddsAckEvent(t *testing.T) {
	var cfg = config.Default()
	cfg.RdzvProto = config.RdzvProtoAltRead
	var cmd = &fakeCommander{}
	var eng = NewEngine(cfg, cmd, NewCredits(4))
	var req = newRecvReq()

	_, _ = eng.OnEvent(req, nic.Event{Type: nic.EventPut})
	done, err := eng.OnEvent(req, nic.Event{Type: nic.EventRendezvous, RLength: 4096})
	require.NoError(t, err)
	assert.False(t, done)
	assert.True(t, cmd.restricted[0])
	assert.True(t, req.Recv.DoneNotify)

	done, err = eng.OnEvent(req, nic.Event{Type: nic.EventReply})
	require.NoError(t, err)
	assert.False(t, done, "ALT_READ needs a 4th event before completion")
	assert.Equal(t, 1, cmd.zbps)

	done, err = eng.OnEvent(req, nic.Event{Type: nic.EventAck})
	require.NoError(t, err)
	assert.True(t, done)
}

func TestAltWriteFallsBackToDefault(t *testing.T) {
	var cfg = config.Default()
	cfg.RdzvProto = config.RdzvProtoAltWrite
	var cmd = &fakeCommander{}
	var eng = NewEngine(cfg, cmd, NewCredits(4))
	var req = newRecvReq()

	_, _ = eng.OnEvent(req, nic.Event{Type: nic.EventPutOverflow})
	_, err := eng.OnEvent(req, nic.Event{Type: nic.EventRendezvous, RLength: 4096})
	require.NoError(t, err)
	assert.Equal(t, config.RdzvProtoDefault, req.Recv.RdzvProto)
	assert.False(t, cmd.restricted[0])
}

func TestRepeatedEventBeforeReplyReturnsEAgain(t *testing.T) {
	var cmd = &fakeCommander{}
	var eng = NewEngine(config.Default(), cmd, NewCredits(4))
	var req = newRecvReq()

	_, err := eng.OnEvent(req, nic.Event{Type: nic.EventPut})
	require.NoError(t, err)

	_, err = eng.OnEvent(req, nic.Event{Type: nic.EventPut})
	assert.ErrorIs(t, err, nic.ErrAgain)
}

func TestCreditExhaustionDefersGet(t *testing.T) {
	var cmd = &fakeCommander{}
	var eng = NewEngine(config.Default(), cmd, NewCredits(0))
	var req = newRecvReq()

	_, err := eng.OnEvent(req, nic.Event{Type: nic.EventRendezvous, RLength: 4096})
	assert.ErrorIs(t, err, nic.ErrAgain)
	assert.Equal(t, 0, req.Recv.RdzvEvents, "the rendezvous event itself rolls back on deferred Get")
}

func TestLookupChildFindsByRdzvIDAndInitiator(t *testing.T) {
	var pool = request.NewPool()
	var parent = pool.Alloc(&request.Request{
		Type: request.TypeRecv,
		Recv: &request.RecvPayload{RecvBuf: make([]byte, 4096), MultiRecv: true},
	})
	var initiator = nic.DFA{NIC: 3}
	var child = pool.Alloc(&request.Request{Type: request.TypeRecv, Recv: &request.RecvPayload{RdzvID: 99, RdzvInitiator: initiator}})
	parent.Recv.Children = append(parent.Recv.Children, child.ID)

	found, err := LookupChild(pool, parent, nic.Event{Type: nic.EventRendezvous, MatchBits: 99, Initiator: initiator}, false)
	require.NoError(t, err)
	assert.Same(t, child, found)

	_, err = LookupChild(pool, parent, nic.Event{Type: nic.EventRendezvous, MatchBits: 123, Initiator: initiator}, false)
	assert.ErrorIs(t, err, nic.ErrNoMatch)
}

func TestLookupChildCreatesWhenMissing(t *testing.T) {
	var pool = request.NewPool()
	var parent = pool.Alloc(&request.Request{
		Type: request.TypeRecv,
		Recv: &request.RecvPayload{RecvBuf: make([]byte, 4096), MultiRecv: true},
	})

	child, err := LookupChild(pool, parent, nic.Event{Type: nic.EventRendezvous, MatchBits: 7}, true)
	require.NoError(t, err)
	require.NotNil(t, child)
	assert.Equal(t, uint64(7), child.Recv.RdzvID)
	assert.Contains(t, parent.Recv.Children, child.ID)
}
