// Package engine implements the top-level Endpoint (spec.md §5): the
// single endpoint lock gluing the RX router/flow-control state machine
// (internal/rxfsm) and the TX engine (internal/txeng) into one cooperative,
// single-threaded component, plus the public recv_common/send_common/
// recv_cancel/build_ux_entry_info surface of spec.md §6.
package engine

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cxi-fabric/msgengine/internal/config"
	"github.com/cxi-fabric/msgengine/internal/deferred"
	"github.com/cxi-fabric/msgengine/internal/matchbits"
	"github.com/cxi-fabric/msgengine/internal/nic"
	"github.com/cxi-fabric/msgengine/internal/oflow"
	"github.com/cxi-fabric/msgengine/internal/rdzv"
	"github.com/cxi-fabric/msgengine/internal/request"
	"github.com/cxi-fabric/msgengine/internal/rxfsm"
	"github.com/cxi-fabric/msgengine/internal/stats"
	"github.com/cxi-fabric/msgengine/internal/txeng"
	"github.com/cxi-fabric/msgengine/internal/unexpected"
)

// Endpoint is the per-fi_endpoint state this engine manages: one RX
// context, one TX context, and the single lock that serializes every
// mutation of either (spec.md §5 "all mutation ... occurs under a single
// endpoint lock").
type Endpoint struct {
	mu sync.Mutex

	cfg config.Env
	cmd nic.Commander

	pool  *request.Pool
	ux    *unexpected.List
	fsm   *rxfsm.Machine
	oflow *oflow.Pool
	rx    *rxfsm.Router
	tx    *txeng.Engine
	st    *stats.Counters
}

// New wires a complete Endpoint out of the package DAG described in
// SPEC_FULL.md's package layout: leaf packages first, the RX router last
// (it depends on everything else), the TX engine independently.
func New(cfg config.Env, cmd nic.Commander, constLabels prometheus.Labels) *Endpoint {
	var st = stats.New(constLabels)
	var pool = request.NewPool()
	var ux = unexpected.NewList()
	var fsm = rxfsm.NewMachine(cfg, cmd, st, ux)
	var ofp = oflow.New(cfg, cmd, st, rxfsm.OflowHooksFor(fsm))
	var dt = deferred.NewTable(deferred.DefaultBuckets)
	var credits = rdzv.NewCredits(cfg.MaxTX)
	var rEng = rdzv.NewEngine(cfg, cmd, credits)

	return &Endpoint{
		cfg: cfg, cmd: cmd,
		pool: pool, ux: ux, fsm: fsm, oflow: ofp,
		rx: rxfsm.NewRouter(cfg, cmd, st, pool, ofp, dt, rEng, ux, fsm),
		tx: txeng.NewEngine(cfg, cmd, st),
		st: st,
	}
}

// Stats exposes the endpoint's counters as a prometheus.Collector, for a
// caller to register against its own registry.
func (e *Endpoint) Stats() *stats.Counters { return e.st }

// RecvParams carries recv_common's application-facing arguments (spec.md
// §6).
type RecvParams struct {
	Buf      []byte
	SrcAddr  nic.DFA
	AddrAny  bool
	Tag      uint64
	Ignore   uint64
	Tagged   bool
	Flags    request.Flags
	MinMulti uint64
	Context  interface{}
	Callback request.Callback
}

// Recv implements recv_common (spec.md §6): post a receive, completing it
// immediately against an already-arrived unexpected send, or linking it to
// the priority list to wait for one.
func (e *Endpoint) Recv(p RecvParams) (*request.Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var req = e.pool.Alloc(&request.Request{
		Type:     request.TypeRecv,
		Context:  p.Context,
		Flags:    p.Flags,
		Callback: p.Callback,
		Recv: &request.RecvPayload{
			RecvBuf:      p.Buf,
			ULen:         uint64(len(p.Buf)),
			MatchID:      p.SrcAddr,
			Tag:          p.Tag,
			Ignore:       p.Ignore,
			Tagged:       p.Tagged,
			Flags:        p.Flags,
			MultiRecv:    p.Flags&request.FlagMultiRecv != 0,
			MinMultiRecv: p.MinMulti,
		},
	})

	log.WithFields(log.Fields{"request": req.ID, "tag": p.Tag}).Debug("engine: recv posted")

	done, err := e.rx.PostRecv(req, p.AddrAny)
	if err != nil {
		e.pool.Free(req.ID)
		return nil, err
	}
	if done {
		e.invokeCallback(req, nil)
	}
	return req, nil
}

// Cancel implements recv_cancel (spec.md §5): a request still on the
// software queue is simply freed; one already linked to hardware needs an
// Unlink, which the caller's progress loop observes asynchronously, so
// Cancel here only covers the synchronous software-side case.
func (e *Endpoint) Cancel(req *request.Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.Recv == nil {
		return errors.New("engine: cancel is only defined for receive requests")
	}
	if req.Recv.SoftwareList {
		req.Recv.Canceled = true
		e.pool.Free(req.ID)
		return nil
	}
	return e.cmd.Unlink(uint32(req.ID))
}

// Send implements send_common/_send_req (spec.md §4.8, §6).
func (e *Endpoint) Send(p txeng.Params) (*request.Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, err := e.tx.Send(e.pool, p)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"request": req.ID, "dest": p.Dest}).Debug("engine: send issued")
	return req, nil
}

// Dispatch is the engine's single NIC-event entry point: every RX and TX
// completion the simulated (or real) NIC reports is demultiplexed here by
// event type and, where ambiguous, by the type of request its user_ptr or
// match-bits le_type names. This is the Go counterpart of running both
// recv_cb and the TX completion callbacks off one shared EQ.
func (e *Endpoint) Dispatch(ev nic.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	log.WithFields(log.Fields{"type": ev.Type, "user_ptr": ev.UserPtr, "rc": ev.ReturnCode}).Debug("engine: dispatch")

	switch ev.Type {
	case nic.EventLink, nic.EventUnlink, nic.EventPutOverflow, nic.EventRendezvous, nic.EventReply:
		return e.rx.Dispatch(ev)
	case nic.EventPut:
		return e.dispatchPut(ev)
	case nic.EventAck:
		return e.dispatchAck(ev)
	case nic.EventGet:
		return e.dispatchGet(ev)
	}
	return errors.Errorf("engine: unexpected event type %s", ev.Type)
}

// dispatchPut separates RX-list Puts (priority/overflow landings, routed
// through rxfsm) from control-LE Puts (FC_NOTIFY/FC_RESUME and
// match-complete notifies, handled directly at the endpoint level since
// they address no single request the way an RX-list Put does).
func (e *Endpoint) dispatchPut(ev nic.Event) error {
	var mb = matchbits.Decode(ev.MatchBits)
	if mb.LEType != matchbits.LETypeCtrlMsg {
		return e.rx.Dispatch(ev)
	}
	return e.dispatchControl(ev, mb)
}

func (e *Endpoint) dispatchControl(ev nic.Event, mb matchbits.Bits) error {
	if mb.MatchComp {
		req, ok := e.tx.ResolveMatchComplete(mb.TxID())
		if !ok {
			return errors.Errorf("engine: match-complete notify for unknown tx_id %d", mb.TxID())
		}
		done, err := e.tx.OnMatchCompleteNotify(req)
		if err != nil {
			return err
		}
		if done {
			e.completeSend(req)
		}
		return nil
	}

	if ev.FCResume {
		return e.tx.OnFCResume(ev.Initiator)
	}

	// Inbound FC_NOTIFY: our RX context reconciles the reported drop count
	// and, once caught up, re-enables and answers with FC_RESUME. The
	// resume itself goes through the fsm's DropsRecord so an ENTRY_NOT_FOUND
	// control-send failure is retried later rather than surfaced as an error.
	e.fsm.ReconcileDropCount(int64(mb.Shared))
	if err := e.fsm.Reenable(); err != nil {
		return err
	}
	if e.fsm.State() == rxfsm.StateEnabled {
		e.fsm.NotifyResume(ev.Initiator, uint64(mb.Shared))
	}
	return nil
}

// dispatchAck demultiplexes an Ack event by the type of the request it
// names: a receive's Ack is the rendezvous done-notify half of §4.5; a
// send's Ack is send_eager_cb or the rendezvous-put half of send_rdzv_put_cb
// (§4.8), picked by whether the send minted a rdzv_id.
func (e *Endpoint) dispatchAck(ev nic.Event) error {
	var req = e.pool.Lookup(request.ID(ev.UserPtr))
	if req == nil {
		return errors.Errorf("engine: Ack for unknown request id %d", ev.UserPtr)
	}
	if req.Type == request.TypeRecv {
		return e.rx.Dispatch(ev)
	}

	var done bool
	var err error
	if req.Send.RdzvID != 0 {
		done, err = e.tx.OnRdzvAck(req, ev)
	} else {
		done, err = e.tx.OnEagerAck(req, ev)
	}
	if err != nil {
		return err
	}
	if done {
		e.completeSend(req)
	}
	return nil
}

func (e *Endpoint) dispatchGet(ev nic.Event) error {
	var req = e.pool.Lookup(request.ID(ev.UserPtr))
	if req == nil {
		return errors.Errorf("engine: Get for unknown request id %d", ev.UserPtr)
	}
	done, err := e.tx.OnRdzvGet(req)
	if err != nil {
		return err
	}
	if done {
		e.completeSend(req)
	}
	return nil
}

func (e *Endpoint) completeSend(req *request.Request) {
	e.invokeCallback(req, nil)
	e.pool.Free(req.ID)
}

func (e *Endpoint) invokeCallback(req *request.Request, ev *nic.Event) {
	if req.Callback == nil {
		return
	}
	if err := req.Callback(req, ev); err != nil {
		log.WithError(err).WithField("request", req.ID).Error("engine: completion callback failed")
	}
}

// Peek implements FI_PEEK (spec.md §4.9).
func (e *Endpoint) Peek(srcAddr nic.DFA, addrAny bool, tag, ignore uint64) (found bool, length uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rx.Peek(srcAddr, addrAny, tag, ignore)
}

// PeekClaim implements the reservation half of FI_CLAIM (spec.md §4.9).
func (e *Endpoint) PeekClaim(srcAddr nic.DFA, addrAny bool, tag, ignore uint64) (token uint64, found bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rx.PeekClaim(srcAddr, addrAny, tag, ignore)
}

// ClaimRecv implements the consuming half of FI_CLAIM (spec.md §4.9).
func (e *Endpoint) ClaimRecv(req *request.Request, token uint64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rx.ClaimRecv(req, token)
}

// UXEntry is one diagnostic row of build_ux_entry_info's enumeration
// (spec.md §6), copying an unexpected-list entry's address-visible fields.
type UXEntry struct {
	SrcAddr nic.DFA
	Tag     uint64
	Length  uint64
	Claimed bool
}

// DumpUnexpected implements build_ux_entry_info (spec.md §6, SUPPLEMENTED
// FEATURES point 4): a synchronous diagnostic enumeration of the software
// unexpected list.
func (e *Endpoint) DumpUnexpected() []UXEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	var snap = e.rx.DumpUnexpected()
	var out = make([]UXEntry, len(snap))
	for i, entry := range snap {
		out[i] = UXEntry{SrcAddr: entry.Initiator, Tag: entry.Tag, Length: entry.Length, Claimed: entry.Claimed}
	}
	return out
}

// State reports the RX flow-control state machine's current state, for
// diagnostics and the loopback CLI's scenario assertions.
func (e *Endpoint) State() rxfsm.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fsm.State()
}

// Replenish posts the endpoint's initial overflow buffers; callers invoke
// this once after New before driving any traffic.
func (e *Endpoint) Replenish() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.oflow.Replenish()
}

// Progress is the non-blocking periodic work a caller's poll/progress call
// drives beyond event dispatch (spec.md §5): replenishing overflow buffers
// and retrying any FC_NOTIFY/FC_RESUME control sends that previously came
// back ENTRY_NOT_FOUND. Callers are expected to space successive calls by
// at least config.Env.FCRetryDelay; this method does not itself sleep.
func (e *Endpoint) Progress() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.tx.RetryPendingNotifies()
	e.fsm.RetryPendingResumes()
	return e.oflow.Replenish()
}
