package rxfsm

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/trace"

	"github.com/cxi-fabric/msgengine/internal/config"
	"github.com/cxi-fabric/msgengine/internal/deferred"
	"github.com/cxi-fabric/msgengine/internal/mrecv"
	"github.com/cxi-fabric/msgengine/internal/nic"
	"github.com/cxi-fabric/msgengine/internal/oflow"
	"github.com/cxi-fabric/msgengine/internal/rdzv"
	"github.com/cxi-fabric/msgengine/internal/request"
	"github.com/cxi-fabric/msgengine/internal/stats"
	"github.com/cxi-fabric/msgengine/internal/unexpected"
)

// Router implements recv_cb (spec.md §4.6): the single entry point every RX
// event is dispatched through, wiring together the overflow pool, the
// deferred-event table, the rendezvous engine, the unexpected list and the
// flow-control state machine.
type Router struct {
	cfg config.Env
	cmd nic.Commander
	st  *stats.Counters

	pool     *request.Pool
	oflow    *oflow.Pool
	deferred *deferred.Table
	rdzv     *rdzv.Engine
	ux       *unexpected.List
	uxEngine *unexpected.Engine
	fsm      *Machine
}

// NewRouter wires a Router out of its already-constructed collaborators.
func NewRouter(cfg config.Env, cmd nic.Commander, st *stats.Counters, pool *request.Pool, ofp *oflow.Pool,
	dt *deferred.Table, rEng *rdzv.Engine, ux *unexpected.List, fsm *Machine) *Router {
	return &Router{
		cfg: cfg, cmd: cmd, st: st,
		pool: pool, oflow: ofp, deferred: dt, rdzv: rEng,
		ux: ux, uxEngine: unexpected.NewEngine(rEng), fsm: fsm,
	}
}

// Dispatch routes a single NIC event to its handler. It is the Go
// counterpart of recv_cb: every RX event the endpoint observes passes
// through here exactly once, under the endpoint lock (spec.md §5).
func (r *Router) Dispatch(ev nic.Event) error {
	var tr = trace.New("rxfsm", "event")
	defer tr.Finish()
	tr.LazyPrintf("type=%s user_ptr=%d", ev.Type, ev.UserPtr)

	switch ev.Type {
	case nic.EventPut:
		return r.onPut(ev)
	case nic.EventPutOverflow:
		return r.pair(nil, ev)
	case nic.EventRendezvous, nic.EventReply, nic.EventAck:
		return r.onRdzvEvent(ev)
	case nic.EventLink, nic.EventUnlink:
		return r.onLinkUnlink(ev)
	}
	return errors.Errorf("rxfsm: unexpected event type %s", ev.Type)
}

// onLinkUnlink disambiguates a Link/Unlink event the same way onPut does:
// a priority-list receive's Link/Unlink carries its request id as UserPtr
// (see PostRecv's Link call and Endpoint.Cancel's Unlink call), while an
// overflow buffer's Link/Unlink carries a buffer id that never resolves in
// the request pool. Checking the pool first keeps a hardware-linked
// receive's cancellation (§4.6 "Unlink(manual)") and its Link(OK)/
// Link(NO_SPACE)/Link(PTLTE_SW_MANAGED) outcomes (§4.6 rows 1-4) from being
// swallowed by oflow.HandleEvent, which only ever resolves overflow ids.
func (r *Router) onLinkUnlink(ev nic.Event) error {
	if req := r.pool.Lookup(request.ID(ev.UserPtr)); req != nil && req.Type == request.TypeRecv {
		if ev.Type == nic.EventLink {
			return r.handlePriorityLink(req, ev)
		}
		return r.handlePriorityUnlink(req, ev)
	}
	return r.oflow.HandleEvent(ev, func(buf *oflow.Buffer) error { return r.pair(buf, ev) })
}

// handlePriorityLink implements the Link rows of recv_cb's dispatch table
// (spec.md §4.6): Link(OK) runs the same LE-pool-usage watchdog as the
// overflow pool's Link(OK), gated on hybrid_recv_preemptive rather than
// hybrid_preemptive since it is the priority list's own knob; Link(NO_SPACE)
// forces pending_ptlte_disable and enqueues the request for replay;
// Link(PTLTE_SW_MANAGED) enqueues it for replay while the NIC itself drives
// the HW->SW transition; anything else is fatal.
func (r *Router) handlePriorityLink(req *request.Request, ev nic.Event) error {
	switch ev.ReturnCode {
	case nic.RCOk:
		if r.cfg.HybridRecvPreemptive {
			var stat1, stat2 = r.oflow.LEPoolStats()
			if stat1 > stat2/2 {
				log.WithFields(log.Fields{"stat1": stat1, "stat2": stat2}).Warn("rxfsm: priority-list LE pool pressure, forcing disable")
				r.fsm.ForceDisableHybrid("rx_le_pool_pressure")
			}
		}
		if r.cfg.HybridPostedRecvPreempt && r.cfg.MatchMode == config.MatchModeHybrid {
			var posted = r.pool.CountMatching(func(candidate *request.Request) bool {
				return candidate.Type == request.TypeRecv && candidate.Recv.ParentID == 0 &&
					!candidate.Recv.SoftwareList && !candidate.Recv.Unlinked
			})
			if posted > r.cfg.PostedRecvQueueSize {
				log.WithField("posted", posted).Warn("rxfsm: posted-recv count exceeds queue size, forcing flow control")
				r.fsm.ForceModeSwitch("posted_recv_preempt")
			}
		}
		return nil
	case nic.RCPtlteSoftwareManaged:
		r.fsm.EnqueueReplay(req.ID)
		return nil
	case nic.RCNoSpace:
		r.fsm.OnDisableEvent(nic.DisableReqFull)
		r.fsm.EnqueueReplay(req.ID)
		return nil
	}
	return errors.Errorf("rxfsm: fatal priority-list Link return code %v", ev.ReturnCode)
}

// handlePriorityUnlink implements the Unlink(manual) row of §4.6: mark the
// request unlinked and canceled, report the completion, and free it. A
// non-manual Unlink is ignored, matching oflow.HandleEvent's own Unlink
// handling.
func (r *Router) handlePriorityUnlink(req *request.Request, ev nic.Event) error {
	if !ev.ManualUnlink {
		return nil
	}
	req.Recv.Unlinked = true
	req.Recv.Canceled = true
	if req.Callback != nil {
		_ = req.Callback(req, nil)
	}
	r.pool.Free(req.ID)
	return nil
}

// onPut handles an EventPut, which the simulated NIC emits both for
// priority-list landings on a posted receive (UserPtr is a request id) and
// for overflow-buffer landings (UserPtr is an overflow buffer id). The two
// are disambiguated by whether the id resolves to a known request.
func (r *Router) onPut(ev nic.Event) error {
	if req := r.pool.Lookup(request.ID(ev.UserPtr)); req != nil {
		return r.progressRecv(req, ev)
	}
	return r.oflow.HandleEvent(ev, func(buf *oflow.Buffer) error { return r.pair(buf, ev) })
}

// onRdzvEvent handles Rendezvous/Reply/Ack events, which always correlate
// to an already-known request via UserPtr (a software Get or ZeroBytePut
// this engine itself issued).
func (r *Router) onRdzvEvent(ev nic.Event) error {
	var req = r.pool.Lookup(request.ID(ev.UserPtr))
	if req == nil {
		return errors.Errorf("rxfsm: %s event for unknown request id %d", ev.Type, ev.UserPtr)
	}
	var target = req
	if req.Recv.MultiRecv {
		child, err := rdzv.LookupChild(r.pool, req, ev, true)
		if err != nil {
			return err
		}
		target = child
	}
	done, err := r.rdzv.OnEvent(target, ev)
	if err != nil {
		return err
	}
	if done {
		r.completeRecv(target)
	}
	return nil
}

// progressRecv advances a request already known to the NIC (a priority-
// list landing). A rendezvous-initiating landing resolves its child by
// (initiator, rdzv_id) via the rendezvous engine's own lookup (spec.md
// §4.5); a plain eager landing on a multi-recv buffer instead carves a
// child out of the parent's next unconsumed offset directly (spec.md §4.4
// point 1), since there is no rdzv_id to correlate on.
func (r *Router) progressRecv(req *request.Request, ev nic.Event) error {
	if r.st != nil {
		r.st.IncMsg(stats.ListPriority, stats.HmemSystem, ev.MLength)
	}

	if ev.Rendezvous {
		var target = req
		if req.Recv.MultiRecv {
			child, err := rdzv.LookupChild(r.pool, req, ev, true)
			if err != nil {
				return err
			}
			target = child
		}
		done, err := r.rdzv.OnEvent(target, ev)
		if err != nil {
			return err
		}
		if done {
			r.completeRecv(target)
		}
		return nil
	}

	if !req.Recv.MultiRecv {
		if req.Recv.RecvBuf != nil && ev.MLength > 0 {
			req.DataLen = ev.MLength
		}
		r.completeRecv(req)
		return nil
	}

	var child = mrecv.CreateChild(r.pool, req, mrecv.NextOffset(req), ev.MLength)
	mrecv.AdvanceStartOffset(req, ev.MLength)

	if mrecv.ShouldRelease(req, req.Recv.MinMultiRecv) {
		req.Recv.HWOffloaded = true
		mrecv.MarkAutoUnlinked(req, req.Recv.MrecvBytes)
		child.Flags |= request.FlagMultiRecv // last completion carries FI_MULTI_RECV
	}
	r.completeRecv(child)
	return nil
}

// completeRecv finishes req, first resolving its completion status per
// spec.md §7: a source-error request whose initiator never resolved to a
// known address reports EADDRNOTAVAIL; otherwise a receive whose remote
// length exceeded its posted buffer reports ETRUNC.
func (r *Router) completeRecv(req *request.Request) {
	var rv = req.Recv
	switch {
	case rv.Flags&request.FlagSourceErr != 0 && rv.Initiator == (nic.DFA{}):
		rv.RC = nic.RCAddrNotAvail
	case rv.RLen > rv.ULen:
		rv.RC = nic.RCTruncated
	}

	if req.Callback != nil {
		_ = req.Callback(req, nil)
	}
	// A completed multi-recv/rendezvous child is freed from the pool too:
	// its id only needed to stay resolvable while events for its
	// transaction could still arrive (§4.5's LookupChild scans
	// parent.Recv.Children by id). Every request passed in is freed, child
	// or top-level alike.
	r.pool.Free(req.ID)
}

// pair implements the Put / Put-Overflow deferred-event pairing of
// spec.md §4.1: the first half to arrive deposits into the table and
// waits; the second half finds it, and together they describe one eager
// (or rendezvous-initiating) send that missed the priority list. buf is
// non-nil only when this call originates from an overflow-buffer landing.
func (r *Router) pair(buf *oflow.Buffer, ev nic.Event) error {
	var entry, matched = r.deferred.MatchOrInsert(nil, ev)
	if !matched {
		if entry == nil {
			return errors.New("rxfsm: deferred-event table exhausted")
		}
		return nil
	}

	var putEv = ev
	if ev.Type == nic.EventPutOverflow {
		putEv = entry.Event
	}
	return r.depositUnexpected(buf, putEv)
}

// depositUnexpected turns a paired overflow landing into a software
// unexpected-list entry (spec.md §4.4's ux_send/ux_send_zb), to be matched
// against a receive the application posts later (or immediately, if one is
// already waiting — see PostRecv).
func (r *Router) depositUnexpected(buf *oflow.Buffer, putEv nic.Event) error {
	var entry = &unexpected.Entry{
		Initiator:  putEv.Initiator,
		Length:     putEv.RLength,
		Rendezvous: putEv.Rendezvous,
	}
	if putEv.Rendezvous {
		entry.RdzvID = putEv.MatchBits
		entry.RdzvInitiator = putEv.Initiator
	}
	if buf != nil && putEv.MLength > 0 && putEv.MLength <= uint64(len(buf.Data)) {
		entry.Eager = append([]byte(nil), buf.Data[:putEv.MLength]...)
	}
	r.ux.Deposit(entry)
	if r.st != nil {
		r.st.IncMsg(stats.ListUnexpected, stats.HmemSystem, putEv.MLength)
	}
	return nil
}

// PostRecv implements recv_common's software-match-first path (spec.md
// §4.6): before linking a new priority-list entry, check whether a
// matching send already arrived and sits on the unexpected list.
func (r *Router) PostRecv(req *request.Request, addrAny bool) (done bool, err error) {
	entry, ok := r.ux.Match(req.Recv.MatchID, addrAny, req.Recv.Tag, req.Recv.Ignore)
	if !ok {
		if err := r.cmd.Link(nic.LEPriority, req.Recv.Tag, req.Recv.Ignore, uint32(req.ID)); err != nil {
			return false, err
		}
		return false, nil
	}
	return r.uxEngine.CompleteMatch(req, entry)
}

// Peek implements FI_PEEK: reports whether a send matching the given
// selector has already arrived, without consuming it.
func (r *Router) Peek(matchID nic.DFA, addrAny bool, tag, ignore uint64) (found bool, length uint64) {
	e, _, ok := r.ux.Peek(matchID, addrAny, tag, ignore, false)
	if !ok {
		return false, 0
	}
	return true, e.Length
}

// PeekClaim implements the first half of FI_CLAIM: reserve a matching
// unexpected entry and return a token identifying it.
func (r *Router) PeekClaim(matchID nic.DFA, addrAny bool, tag, ignore uint64) (token uint64, found bool) {
	_, token, ok := r.ux.Peek(matchID, addrAny, tag, ignore, true)
	return token, ok
}

// ClaimRecv implements the second half of FI_CLAIM: complete req against
// the entry a prior PeekClaim reserved.
func (r *Router) ClaimRecv(req *request.Request, token uint64) (done bool, err error) {
	entry, err := r.ux.Claim(token)
	if err != nil {
		return false, err
	}
	return r.uxEngine.CompleteMatch(req, entry)
}

// FSM exposes the flow-control state machine for diagnostics and for the
// engine layer to drive disable/re-enable events.
func (r *Router) FSM() *Machine { return r.fsm }

// OflowHooksFor returns the oflow.Hooks backed by fsm's transitions, for
// wiring into oflow.New before the Router (which needs the already-built
// oflow.Pool) can exist.
func OflowHooksFor(fsm *Machine) oflow.Hooks {
	return oflow.Hooks{
		ForceDisableHybrid: fsm.ForceDisableHybrid,
		ForceModeSwitch:    fsm.ForceModeSwitch,
		ReportLinkError:    fsm.ReportLinkError,
	}
}

// DumpUnexpected returns a diagnostic snapshot of the unexpected list, the
// Go counterpart of the original implementation's debug dump (SPEC_FULL.md
// SUPPLEMENTED FEATURES).
func (r *Router) DumpUnexpected() []unexpected.Entry { return r.ux.Snapshot() }
