// Package rdzv implements the rendezvous (long-message) receive engine of
// spec.md §4.5: the 3-or-4-event state machine per rendezvous transaction,
// software Get issuance, the three protocol variants, and multi-recv child
// lookup for rendezvous events.
package rdzv

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/trace"

	"github.com/cxi-fabric/msgengine/internal/config"
	"github.com/cxi-fabric/msgengine/internal/matchbits"
	"github.com/cxi-fabric/msgengine/internal/mrecv"
	"github.com/cxi-fabric/msgengine/internal/nic"
	"github.com/cxi-fabric/msgengine/internal/request"
)

// AlignMask is the cache-line alignment trim applied to software Gets
// (spec.md §4.5: "if mlen ≥ align_mask, trim ... by local_addr & align_mask").
const AlignMask = 63

var altWriteWarnOnce sync.Once

// Credits bounds the TX credit pool reserved for RX-issued Gets
// (orx_tx_reqs in spec.md §3). spec.md §9 flags as an open question
// whether this pool should be shared with TX-issued sends; this
// implementation keeps it private to the rendezvous engine, which is the
// separation the spec's open question suggests
// a rewrite might prefer.
type Credits struct {
	mu   sync.Mutex
	max  int
	used int
}

// NewCredits returns a credit pool bounded by max (config.Env.MaxTX).
func NewCredits(max int) *Credits { return &Credits{max: max} }

// Reserve attempts to take one credit, returning false if the pool is
// exhausted.
func (c *Credits) Reserve() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used >= c.max {
		return false
	}
	c.used++
	return true
}

// Release returns one credit to the pool.
func (c *Credits) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used > 0 {
		c.used--
	}
}

// InUse reports the number of outstanding credits, used by tests.
func (c *Credits) InUse() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Engine drives the per-transaction rendezvous receive state machine.
type Engine struct {
	cfg     config.Env
	cmd     nic.Commander
	credits *Credits
}

// NewEngine returns a rendezvous engine bound to cmd for Get/ZeroBytePut
// emission and credits for TX-credit accounting.
func NewEngine(cfg config.Env, cmd nic.Commander, credits *Credits) *Engine {
	return &Engine{cfg: cfg, cmd: cmd, credits: credits}
}

// OnEvent processes one of {Put, Put-Overflow, Rendezvous, Reply, Ack}
// against req's rendezvous event counter and returns done=true once the
// transaction has reached its terminal event count (invariant 1): 3 events
// normally, 4 with DoneNotify. Per spec.md §4.5, a repeated event type
// observed before Reply is processed returns ErrAgain rather than
// progressing, defending against the initiator reusing a rendezvous-id
// before the receiver has reaped the prior Reply.
func (e *Engine) OnEvent(req *request.Request, ev nic.Event) (done bool, err error) {
	var tr = trace.New("rdzv", "transaction")
	defer tr.Finish()
	tr.LazyPrintf("request=%d event=%s", req.ID, ev.Type)

	var r = req.Recv

	if ev.Type != nic.EventReply {
		for i := 0; i < r.RdzvEvents; i++ {
			if r.RdzvEventTypes[i] == ev.Type {
				return false, nic.ErrAgain
			}
		}
	}
	if r.RdzvEvents >= len(r.RdzvEventTypes) {
		return false, errors.New("rdzv: event count overflow")
	}

	var slot = r.RdzvEvents
	r.RdzvEventTypes[slot] = ev.Type
	r.RdzvEvents++
	var rollback = func() { r.RdzvEvents--; r.RdzvEventTypes[slot] = 0 }

	switch ev.Type {
	case nic.EventPut, nic.EventPutOverflow:
		// Eager tail already landed by the caller (recv_cb / oflow_cb);
		// nothing further to do for the event-count state machine.

	case nic.EventRendezvous:
		r.RdzvInitiator = ev.Initiator
		r.RLen = ev.RLength
		r.RdzvID = ev.MatchBits
		if !ev.GetIssued {
			if err := e.issueGet(req); err != nil {
				rollback()
				return false, err
			}
		}

	case nic.EventReply:
		e.credits.Release()
		if r.DoneNotify {
			if err := e.notifyDone(req); err != nil {
				rollback()
				return false, err
			}
		}

	case nic.EventAck:
		if !r.DoneNotify {
			return false, errors.New("rdzv: unexpected Ack without done_notify")
		}

	default:
		return false, errors.Errorf("rdzv: unexpected event %s", ev.Type)
	}

	var want = 3
	if r.DoneNotify {
		want = 4
	}
	return r.RdzvEvents == want, nil
}

// issueGet reserves a TX credit and emits the software-side Get that pulls
// the rendezvous body, selecting among the three protocol variants.
func (e *Engine) issueGet(req *request.Request) error {
	var r = req.Recv
	if !e.credits.Reserve() {
		return nic.ErrAgain
	}

	var proto = e.cfg.RdzvProto
	if proto == config.RdzvProtoAltWrite {
		altWriteWarnOnce.Do(func() {
			log.Warn("rdzv: ALT_WRITE rendezvous protocol is not implemented; falling back to default")
		})
		proto = config.RdzvProtoDefault
	}
	r.RdzvProto = proto

	var localAddr = r.StartOffset + r.RdzvMlen
	var remOffset = r.RdzvMlen
	var mlen = r.RLen - r.RdzvMlen

	if mlen >= AlignMask {
		var trim = localAddr & AlignMask
		localAddr -= trim
		remOffset -= trim
		mlen += trim
	}

	var hi, lo = matchbits.SplitRdzvID(r.RdzvID)
	var restricted = proto == config.RdzvProtoAltRead
	if restricted {
		r.DoneNotify = true
	}
	var mb = matchbits.Encode(matchbits.Bits{
		LEType:   matchbits.LETypeRX,
		RdzvHi:   hi,
		Shared:   lo,
		RdzvLac:  r.RdzvLac,
		RdzvProt: uint8(proto),
	})

	if err := e.cmd.Get(r.RdzvInitiator, localAddr, remOffset, mlen, mb, uint32(req.ID), restricted, r.RdzvLac); err != nil {
		e.credits.Release()
		return err
	}
	return nil
}

// notifyDone emits the zero-byte notify Put that the ALT_READ protocol uses
// to signal the initiator once the restricted Get has landed, whose
// eventual Ack is the transaction's 4th event (spec.md §4.5 table).
func (e *Engine) notifyDone(req *request.Request) error {
	var r = req.Recv
	var hi, lo = matchbits.SplitRdzvID(r.RdzvID)
	var mb = matchbits.Encode(matchbits.Bits{LEType: matchbits.LETypeZBP, RdzvDone: true, RdzvHi: hi, Shared: lo})
	return e.cmd.ZeroBytePut(r.RdzvInitiator, mb, uint32(req.ID))
}

// LookupChild implements rdzv_mrecv_req_lookup (spec.md §4.5): given a
// multi-recv parent and an incoming event, find the child already tracking
// this (initiator, rdzv_id) transaction, or create one if createIfMissing
// is set and none exists yet.
func LookupChild(pool *request.Pool, parent *request.Request, ev nic.Event, createIfMissing bool) (*request.Request, error) {
	var rdzvID = ev.MatchBits
	var initiator = ev.Initiator

	if ev.Type == nic.EventReply && !ev.InitShortRendezvous {
		return parent, nil // software-issued Reply refers to the request we already hold
	}

	for _, cid := range parent.Recv.Children {
		var child = pool.Lookup(cid)
		if child == nil {
			continue
		}
		if child.Recv.RdzvID != rdzvID || child.Recv.RdzvInitiator != initiator {
			continue
		}
		for i := 0; i < child.Recv.RdzvEvents; i++ {
			if child.Recv.RdzvEventTypes[i] == ev.Type {
				return nil, nic.ErrAgain
			}
		}
		return child, nil
	}

	if !createIfMissing {
		return nil, nic.ErrNoMatch
	}

	var child = mrecv.CreateChild(pool, parent, mrecv.NextOffset(parent), 0)
	child.Recv.RdzvID = rdzvID
	child.Recv.RdzvInitiator = initiator
	return child, nil
}
