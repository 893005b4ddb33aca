package txeng

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cxi-fabric/msgengine/internal/config"
	"github.com/cxi-fabric/msgengine/internal/nic"
	"github.com/cxi-fabric/msgengine/internal/request"
)

type fakeCommander struct {
	puts int
	zbps int

	zbpFailFor int // ZeroBytePut returns ErrEntryNotFound this many times before succeeding
}

func (f *fakeCommander) Put(nic.DFA, uint64, uint64, uint64, uint32) error { f.puts++; return nil }
func (f *fakeCommander) Get(nic.DFA, uint64, uint64, uint64, uint64, uint32, bool, uint8) error {
	return nil
}
func (f *fakeCommander) ZeroBytePut(nic.DFA, uint64, uint32) error {
	f.zbps++
	if f.zbpFailFor > 0 {
		f.zbpFailFor--
		return nic.ErrEntryNotFound
	}
	return nil
}
func (f *fakeCommander) Link(nic.LEType, uint64, uint64, uint32) error { return nil }
func (f *fakeCommander) Unlink(uint32) error                           { return nil }
func (f *fakeCommander) Search(uint64, uint64, bool, uint32) error     { return nil }

func TestSelectProtocolTable(t *testing.T) {
	var cfg = config.Default()
	assert.Equal(t, ProtoEagerZero, SelectProtocol(cfg, 0, false))
	assert.Equal(t, ProtoIDC, SelectProtocol(cfg, uint64(cfg.InjectSize), false))
	assert.Equal(t, ProtoEagerDMA, SelectProtocol(cfg, uint64(cfg.MaxEagerSize), false))
	assert.Equal(t, ProtoRendezvous, SelectProtocol(cfg, uint64(cfg.MaxEagerSize)+1, false))
	assert.Equal(t, ProtoIDC, SelectProtocol(cfg, 1, true), "FI_INJECT always prefers IDC below inject_size")
}

func TestSendIssuesPutForEager(t *testing.T) {
	var cmd = &fakeCommander{}
	var eng = NewEngine(config.Default(), cmd, nil)
	var pool = request.NewPool()

	req, err := eng.Send(pool, Params{Buf: []byte("hello"), Dest: nic.DFA{NIC: 1}, Tag: 7})
	require.NoError(t, err)
	assert.Equal(t, 1, cmd.puts)
	assert.NotZero(t, req.Send.TxID)
}

func TestPeerDisabledQueuesAndNotifiesOnDrain(t *testing.T) {
	var cmd = &fakeCommander{}
	var eng = NewEngine(config.Default(), cmd, nil)
	var pool = request.NewPool()
	var dest = nic.DFA{NIC: 5}

	req, err := eng.Send(pool, Params{Buf: []byte("x"), Dest: dest})
	require.NoError(t, err)

	done, err := eng.OnEagerAck(req, nic.Event{ReturnCode: nic.RCPtlteDisabled})
	require.NoError(t, err)
	assert.False(t, done)
	assert.True(t, req.Send.HasFCPeer)
	assert.Equal(t, 1, cmd.zbps, "pending reached zero immediately so FC_NOTIFY fires right away")

	req2, err := eng.Send(pool, Params{Buf: []byte("y"), Dest: dest})
	require.NoError(t, err)
	assert.True(t, req2.Send.HasFCPeer, "a second send to an already-disabled peer is queued, not issued")
	assert.Equal(t, 1, cmd.puts, "only the first send (before disable was known) issued a Put")
}

func TestFCResumeReplaysQueue(t *testing.T) {
	var cmd = &fakeCommander{}
	var eng = NewEngine(config.Default(), cmd, nil)
	var pool = request.NewPool()
	var dest = nic.DFA{NIC: 6}

	req, _ := eng.Send(pool, Params{Buf: []byte("x"), Dest: dest})
	_, _ = eng.OnEagerAck(req, nic.Event{ReturnCode: nic.RCPtlteDisabled})

	req2, _ := eng.Send(pool, Params{Buf: []byte("y"), Dest: dest})
	assert.Equal(t, 1, cmd.puts)

	peer, ok := eng.peers.Lookup(dest)
	require.True(t, ok)
	peer.Queue = append(peer.Queue, req2)

	require.NoError(t, eng.OnFCResume(dest))
	assert.Equal(t, 3, cmd.puts, "the original dropped send and the queued one both reissue a Put on replay")
}

func TestMatchCompleteSuspendsThenResolves(t *testing.T) {
	var cmd = &fakeCommander{}
	var eng = NewEngine(config.Default(), cmd, nil)
	var pool = request.NewPool()

	req, _ := eng.Send(pool, Params{Buf: []byte("x"), Dest: nic.DFA{NIC: 1}, Flags: request.FlagMatchComplete})
	done, err := eng.OnEagerAck(req, nic.Event{ReturnCode: nic.RCOk, MatchComplete: true, LandedOverflow: true})
	require.NoError(t, err)
	assert.False(t, done)
	assert.True(t, req.Send.AwaitingMatchComplete)

	done, err = eng.OnMatchCompleteNotify(req)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestFCNotifyRetriesOnEntryNotFound(t *testing.T) {
	var cmd = &fakeCommander{zbpFailFor: 1}
	var eng = NewEngine(config.Default(), cmd, nil)
	var pool = request.NewPool()
	var dest = nic.DFA{NIC: 11}

	req, _ := eng.Send(pool, Params{Buf: []byte("x"), Dest: dest})
	_, err := eng.OnEagerAck(req, nic.Event{ReturnCode: nic.RCPtlteDisabled})
	require.NoError(t, err)

	peer, ok := eng.peers.Lookup(dest)
	require.True(t, ok)
	assert.True(t, peer.NotifyPending, "the first FC_NOTIFY attempt hit ENTRY_NOT_FOUND and stayed pending")
	assert.Equal(t, 1, peer.RetryCount)

	eng.RetryPendingNotifies()
	assert.False(t, peer.NotifyPending, "the retried attempt landed")
	assert.Equal(t, 2, cmd.zbps)
}

func TestRendezvousCompletesOnAckAndGet(t *testing.T) {
	var cmd = &fakeCommander{}
	var eng = NewEngine(config.Default(), cmd, nil)
	var pool = request.NewPool()

	var big = make([]byte, config.Default().MaxEagerSize+1)
	req, err := eng.Send(pool, Params{Buf: big, Dest: nic.DFA{NIC: 2}})
	require.NoError(t, err)
	assert.NotZero(t, req.Send.RdzvID)

	done, err := eng.OnRdzvAck(req, nic.Event{ReturnCode: nic.RCOk})
	require.NoError(t, err)
	assert.False(t, done)

	done, err = eng.OnRdzvGet(req)
	require.NoError(t, err)
	assert.True(t, done)
}
