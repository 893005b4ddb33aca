// Package txeng implements the TX engine (send_common/_send_req,
// spec.md §4.8): send-protocol selection, match-bit construction for
// outbound commands, eager/rendezvous completion, and peer-disabled replay
// (fc_peer, §4.10).
package txeng

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/xid"

	"github.com/cxi-fabric/msgengine/internal/config"
	"github.com/cxi-fabric/msgengine/internal/matchbits"
	"github.com/cxi-fabric/msgengine/internal/nic"
	"github.com/cxi-fabric/msgengine/internal/request"
	"github.com/cxi-fabric/msgengine/internal/stats"
)

// Protocol is the wire form send_common selects for a given send
// (spec.md §4.8).
type Protocol int

const (
	ProtoEagerZero Protocol = iota
	ProtoIDC
	ProtoEagerDMA
	ProtoRendezvous
)

func (p Protocol) String() string {
	switch p {
	case ProtoEagerZero:
		return "eager-zero"
	case ProtoIDC:
		return "idc"
	case ProtoEagerDMA:
		return "eager-dma"
	case ProtoRendezvous:
		return "rendezvous"
	}
	return "unknown"
}

// SelectProtocol implements the protocol-selection table of spec.md §4.8.
func SelectProtocol(cfg config.Env, length uint64, inject bool) Protocol {
	if length == 0 {
		return ProtoEagerZero
	}
	var idcAllowed = inject || !cfg.DisableNonInjectMsgIDC
	if (inject || length <= uint64(cfg.InjectSize)) && idcAllowed {
		return ProtoIDC
	}
	if length <= uint64(cfg.MaxEagerSize) {
		return ProtoEagerDMA
	}
	return ProtoRendezvous
}

// NeedsBounceBuffer reports whether a send needs its payload copied into a
// bounce buffer rather than registering the user buffer directly: FI_INJECT
// always does, IDC does only when the source is heterogeneous memory.
func NeedsBounceBuffer(proto Protocol, inject, hmem bool) bool {
	if inject {
		return true
	}
	return proto == ProtoIDC && hmem
}

// idAllocator mints the tx_id / rdzv_id correlation ids match-bits carry.
// A process-unique salt (from xid, the id package the retrieval pack's
// service exporters use for correlation ids) is folded into a sequential
// counter so ids stay collision-resistant across endpoint restarts while
// still fitting the field's bit width.
type idAllocator struct {
	mu   sync.Mutex
	salt uint64
	next uint32
	bits uint
}

func newIDAllocator(bits uint) *idAllocator {
	var raw = xid.New().Bytes()
	return &idAllocator{bits: bits, salt: binary.BigEndian.Uint64(raw[4:12])}
}

func (a *idAllocator) Next() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	var v = a.salt ^ uint64(a.next)
	return v & ((uint64(1) << a.bits) - 1)
}

// FcPeer tracks a destination whose RX PtlTE has reported PT_DISABLED: every
// send still in flight to it is moved here to await replay (spec.md §4.10).
type FcPeer struct {
	Dest        nic.DFA
	Queue       []*request.Request
	Pending     int
	Dropped     uint64
	PendingAcks int
	Replayed    bool

	// NotifyPending is set once Pending reaches 0 and cleared once the
	// FC_NOTIFY actually lands; RetryCount mirrors the original's
	// cxip_fc_peer.retry_count, incremented each time the control-LE send
	// comes back ENTRY_NOT_FOUND (spec.md §4.10: "retry FC_NOTIFY on
	// ENTRY_NOT_FOUND after a bounded sleep").
	NotifyPending bool
	RetryCount    int
}

// PeerTable is the endpoint-private set of disabled-peer records.
type PeerTable struct {
	mu     sync.Mutex
	byDest map[nic.DFA]*FcPeer
}

// NewPeerTable returns an empty peer table.
func NewPeerTable() *PeerTable { return &PeerTable{byDest: make(map[nic.DFA]*FcPeer)} }

// Lookup reports whether dest already has a disabled-peer record.
func (pt *PeerTable) Lookup(dest nic.DFA) (*FcPeer, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p, ok := pt.byDest[dest]
	return p, ok
}

// GetOrCreate returns dest's peer record, creating it (and reporting
// created=true) on first use.
func (pt *PeerTable) GetOrCreate(dest nic.DFA) (peer *FcPeer, created bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if p, ok := pt.byDest[dest]; ok {
		return p, false
	}
	var p = &FcPeer{Dest: dest}
	pt.byDest[dest] = p
	return p, true
}

// Release drops dest's peer record once it has been fully replayed
// (spec.md §4.10: "released when replayed ∧ pending_acks == 0").
func (pt *PeerTable) Release(dest nic.DFA) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.byDest, dest)
}

// MsgQueue is the TX context's single FIFO send queue, preserving
// per-destination ordering (spec.md §5).
type MsgQueue struct {
	mu    sync.Mutex
	items []*request.Request
}

// NewMsgQueue returns an empty queue.
func NewMsgQueue() *MsgQueue { return &MsgQueue{} }

// Enqueue appends req to the tail of the FIFO.
func (q *MsgQueue) Enqueue(req *request.Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, req)
}

// Len reports the queue depth.
func (q *MsgQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DrainTo removes every queued send addressed to dest, in FIFO order, and
// returns them (spec.md §4.10: "drains the TX message queue moving all
// sends with the same caddr into the peer's private queue").
func (q *MsgQueue) DrainTo(dest nic.DFA) []*request.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	var kept = q.items[:0]
	var drained []*request.Request
	for _, r := range q.items {
		if r.Send.DestAddr == dest {
			drained = append(drained, r)
		} else {
			kept = append(kept, r)
		}
	}
	q.items = kept
	return drained
}

// Params carries send_common's application-facing arguments (spec.md §6).
type Params struct {
	Buf      []byte
	Dest     nic.DFA
	Tag      uint64
	Tagged   bool
	Data     uint64
	Flags    request.Flags
	Inject   bool
	HMEM     bool
	Context  interface{}
	Callback request.Callback
}

// Engine drives the per-endpoint TX state.
type Engine struct {
	cfg config.Env
	cmd nic.Commander
	st  *stats.Counters

	queue   *MsgQueue
	peers   *PeerTable
	txIDs   *idAllocator
	rdzvIDs *idAllocator

	mu        sync.Mutex
	pendingMC map[uint32]*request.Request
}

// NewEngine returns a TX engine bound to cmd for command emission.
func NewEngine(cfg config.Env, cmd nic.Commander, st *stats.Counters) *Engine {
	return &Engine{
		cfg: cfg, cmd: cmd, st: st,
		queue:     NewMsgQueue(),
		peers:     NewPeerTable(),
		txIDs:     newIDAllocator(matchbits.RdzvIDCmdWidth),
		rdzvIDs:   newIDAllocator(matchbits.RdzvIDCmdWidth + 8), // hi(8) || lo(16)
		pendingMC: make(map[uint32]*request.Request),
	}
}

// trackMatchComplete records req as awaiting its peer's zero-byte
// match-complete notify, keyed by the TxID carried in that notify's
// match-bits.
func (e *Engine) trackMatchComplete(req *request.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingMC[req.Send.TxID] = req
}

// ResolveMatchComplete looks up and removes the send awaiting the
// match-complete notify identified by txID, for the engine layer to
// dispatch once it observes the control-LE Put carrying it.
func (e *Engine) ResolveMatchComplete(txID uint32) (*request.Request, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.pendingMC[txID]
	if ok {
		delete(e.pendingMC, txID)
	}
	return req, ok
}

// Send implements send_common/_send_req: allocates the request, selects a
// protocol, and either issues the command immediately or queues the send
// against an already-disabled peer.
func (e *Engine) Send(pool *request.Pool, p Params) (*request.Request, error) {
	var proto = SelectProtocol(e.cfg, uint64(len(p.Buf)), p.Inject)

	var req = pool.Alloc(&request.Request{
		Type:     request.TypeSend,
		Context:  p.Context,
		Flags:    p.Flags,
		Callback: p.Callback,
		Send: &request.SendPayload{
			Buf: p.Buf, Len: uint64(len(p.Buf)), Data: p.Data,
			DestAddr: p.Dest, Tag: p.Tag, Tagged: p.Tagged, Flags: p.Flags,
		},
	})

	if peer, ok := e.peers.Lookup(p.Dest); ok {
		req.Send.FCPeer = p.Dest
		req.Send.HasFCPeer = true
		peer.Pending++
		e.queue.Enqueue(req)
		return req, nil
	}

	if err := e.issue(req, proto, p.HMEM); err != nil {
		pool.Free(req.ID)
		return nil, err
	}
	return req, nil
}

func (e *Engine) issue(req *request.Request, proto Protocol, hmem bool) error {
	var s = req.Send

	if NeedsBounceBuffer(proto, req.Flags&request.FlagInject != 0, hmem) {
		s.IBuf = append([]byte(nil), s.Buf...)
	} else {
		s.SendMD = s.Buf
	}

	s.TxID = uint32(e.txIDs.Next())
	var mb = matchbits.Encode(matchbits.Bits{
		LEType: matchbits.LETypeRX, Tagged: s.Tagged,
		MatchComp: req.Flags&request.FlagMatchComplete != 0,
		Shared:    s.TxID, Tag: uint32(s.Tag),
	})

	if proto != ProtoRendezvous {
		return e.cmd.Put(s.DestAddr, 0, s.Len, mb, uint32(req.ID))
	}

	s.RdzvID = e.rdzvIDs.Next()
	var hi, lo = matchbits.SplitRdzvID(s.RdzvID)
	mb = matchbits.Encode(matchbits.Bits{
		LEType: matchbits.LETypeRX, Tagged: s.Tagged,
		Shared: lo, RdzvHi: hi, Tag: uint32(s.Tag),
	})
	return e.cmd.Put(s.DestAddr, 0, uint64(e.cfg.RdzvEagerSize), mb, uint32(req.ID))
}

// OnEagerAck implements send_eager_cb (spec.md §4.8).
func (e *Engine) OnEagerAck(req *request.Request, ev nic.Event) (done bool, err error) {
	var s = req.Send

	if ev.ReturnCode == nic.RCPtlteDisabled {
		e.handlePeerDisabled(req)
		return false, nil
	}

	if ev.ReturnCode == nic.RCOk && ev.MatchComplete && ev.LandedOverflow {
		s.AwaitingMatchComplete = true
		e.trackMatchComplete(req)
		return false, nil
	}

	s.RC = ev.ReturnCode
	if e.st != nil {
		e.st.IncMsg(stats.ListPriority, stats.HmemSystem, s.Len)
	}
	return true, nil
}

// OnMatchCompleteNotify resolves a send suspended in OnEagerAck once the
// peer's zero-byte match-complete notify names its TxID.
func (e *Engine) OnMatchCompleteNotify(req *request.Request) (done bool, err error) {
	if !req.Send.AwaitingMatchComplete {
		return false, errors.New("txeng: match-complete notify for a send not awaiting one")
	}
	req.Send.AwaitingMatchComplete = false
	req.Send.RC = nic.RCOk
	return true, nil
}

// OnRdzvAck/OnRdzvGet implement send_rdzv_put_cb (spec.md §4.8): a
// rendezvous put completes only once both its Ack and the receiver's Get
// have been observed, tracked by RdzvSendEvents.
func (e *Engine) OnRdzvAck(req *request.Request, ev nic.Event) (done bool, err error) {
	var s = req.Send
	if ev.ReturnCode == nic.RCPtlteDisabled {
		e.handlePeerDisabled(req)
		return false, nil
	}
	s.RdzvSendEvents++
	s.RC = ev.ReturnCode
	return s.RdzvSendEvents == 2, nil
}

func (e *Engine) OnRdzvGet(req *request.Request) (done bool, err error) {
	var s = req.Send
	s.RdzvSendEvents++
	return s.RdzvSendEvents == 2, nil
}

// handlePeerDisabled implements the first half of spec.md §4.10: on the
// first PT_DISABLED Ack to a destination, create its peer record and drain
// every other in-flight send to that destination into the replay queue.
func (e *Engine) handlePeerDisabled(req *request.Request) {
	var dest = req.Send.DestAddr
	var peer, created = e.peers.GetOrCreate(dest)

	req.Send.FCPeer = dest
	req.Send.HasFCPeer = true
	peer.Queue = append(peer.Queue, req)
	peer.Dropped++

	if created {
		// Every other send already in flight to dest will report its own
		// delivered-but-dropped Ack later; count them as pending until then.
		for _, drained := range e.queue.DrainTo(dest) {
			drained.Send.FCPeer = dest
			drained.Send.HasFCPeer = true
			peer.Queue = append(peer.Queue, drained)
			peer.Pending++
		}
	}

	if peer.Pending > 0 {
		peer.Pending--
	}
	if peer.Pending == 0 {
		peer.NotifyPending = true
		e.sendFCNotify(peer)
	}
}

// sendFCNotify emits (or retries) peer's FC_NOTIFY. On ENTRY_NOT_FOUND the
// original sleeps fc_retry_usec_delay and resends; this engine instead
// leaves NotifyPending set and bumps RetryCount so the endpoint's progress
// loop can retry it on a later cycle without blocking the single-threaded
// event loop (spec.md §5 forbids blocking outside the diagnostic/FC sleep
// points, and even those are bounded).
func (e *Engine) sendFCNotify(peer *FcPeer) {
	if e.cmd == nil {
		return
	}
	var mb = matchbits.Encode(matchbits.Bits{LEType: matchbits.LETypeCtrlMsg, Shared: uint32(peer.Dropped)})
	var err = e.cmd.ZeroBytePut(peer.Dest, mb, 0)
	switch {
	case err == nil:
		peer.NotifyPending = false
		if e.st != nil {
			e.st.IncFCNotify()
		}
	case errors.Is(err, nic.ErrEntryNotFound):
		peer.RetryCount++
	}
}

// RetryPendingNotifies re-attempts FC_NOTIFY for every peer still awaiting
// one, for the endpoint's progress loop to call after config.Env.FCRetryDelay
// has elapsed (spec.md §4.10, §6 fc_retry_usec_delay).
func (e *Engine) RetryPendingNotifies() {
	e.peers.mu.Lock()
	var pending []*FcPeer
	for _, p := range e.peers.byDest {
		if p.NotifyPending {
			pending = append(pending, p)
		}
	}
	e.peers.mu.Unlock()

	for _, p := range pending {
		e.sendFCNotify(p)
	}
}

// OnFCResume implements the replay half of spec.md §4.10: replays every
// send queued against dest, in order, by reissuing _send_req.
func (e *Engine) OnFCResume(dest nic.DFA) error {
	peer, ok := e.peers.Lookup(dest)
	if !ok {
		return errors.Errorf("txeng: FC_RESUME for unknown peer %v", dest)
	}
	for _, req := range peer.Queue {
		var proto = SelectProtocol(e.cfg, req.Send.Len, req.Flags&request.FlagInject != 0)
		if err := e.issue(req, proto, false); err != nil {
			return err
		}
	}
	peer.Replayed = true
	if peer.PendingAcks == 0 {
		e.peers.Release(dest)
	}
	if e.st != nil {
		e.st.IncFCResume()
	}
	return nil
}
