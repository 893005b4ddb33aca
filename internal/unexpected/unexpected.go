// Package unexpected implements the software unexpected-message list of
// spec.md §3 ("Unexpected send record") and §4.4 (ux_send/ux_send_zb),
// along with the software matcher and FI_PEEK/FI_CLAIM flows of §4.9.
package unexpected

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/cxi-fabric/msgengine/internal/nic"
	"github.com/cxi-fabric/msgengine/internal/rdzv"
	"github.com/cxi-fabric/msgengine/internal/request"
)

// Entry is a deposited unexpected send, recorded because no posted receive
// matched it at the time its Put (or Put-Overflow) event arrived.
type Entry struct {
	Initiator nic.DFA
	Tag       uint64
	Length    uint64

	Rendezvous    bool
	RdzvID        uint64
	RdzvInitiator nic.DFA

	// Eager holds the bytes already landed on priority/overflow buffers,
	// copied out because those buffers are reused once drained (oflow's
	// invariant 3). For a pure rendezvous send with no eager prefix this
	// is empty.
	Eager []byte

	Claimed    bool
	claimToken uint64
}

// List is the endpoint-private unexpected-message list.
type List struct {
	mu        sync.Mutex
	entries   []*Entry
	nextToken uint64
}

// NewList returns an empty unexpected list.
func NewList() *List { return &List{} }

// Deposit implements ux_send/ux_send_zb: record an unmatched send as a
// software unexpected entry.
func (l *List) Deposit(e *Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func match(e *Entry, initiator nic.DFA, addrAny bool, tag, ignore uint64) bool {
	if !addrAny && e.Initiator != initiator {
		return false
	}
	return e.Tag&^ignore == tag&^ignore
}

func (l *List) find(initiator nic.DFA, addrAny bool, tag, ignore uint64, wantClaimed bool) (int, *Entry) {
	for i, e := range l.entries {
		if e.Claimed != wantClaimed {
			continue
		}
		if match(e, initiator, addrAny, tag, ignore) {
			return i, e
		}
	}
	return -1, nil
}

// Match implements the plain (non-PEEK, non-CLAIM) receive-post matcher of
// spec.md §4.9: remove and return the first unclaimed entry matching
// (initiator, tag/ignore), or (nil, false) if nothing matches yet.
func (l *List) Match(initiator nic.DFA, addrAny bool, tag, ignore uint64) (*Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, e := l.find(initiator, addrAny, tag, ignore, false)
	if e == nil {
		return nil, false
	}
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	return e, true
}

// Peek implements FI_PEEK: reports whether a matching unexpected entry
// exists without consuming it. When claim is set the entry is reserved
// (marked Claimed) and a token is returned so a follow-up Claim call can
// retrieve exactly this entry without re-matching against entries that may
// arrive in between (spec.md §4.9's FI_CLAIM two-phase flow).
func (l *List) Peek(initiator nic.DFA, addrAny bool, tag, ignore uint64, claim bool) (*Entry, uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, e := l.find(initiator, addrAny, tag, ignore, false)
	if e == nil {
		return nil, 0, false
	}
	if claim {
		l.nextToken++
		e.Claimed = true
		e.claimToken = l.nextToken
		return e, e.claimToken, true
	}
	return e, 0, true
}

// Claim retrieves and removes the entry a prior Peek(..., claim=true)
// reserved, identified by its token. Returns an error if the token is
// unknown (the entry was already claimed and consumed, or never existed).
func (l *List) Claim(token uint64) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.Claimed && e.claimToken == token {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return e, nil
		}
	}
	return nil, errors.New("unexpected: claim token not found")
}

// Len reports how many entries are outstanding, used by tests (the
// diagnostic dump uses Snapshot).
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Snapshot returns a shallow copy of the outstanding entries for read-only
// diagnostic dumps.
func (l *List) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out = make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = *e
	}
	return out
}

// Engine completes a freshly-posted receive against an unexpected entry,
// the counterpart of a Match/Claim lookup.
type Engine struct {
	rdzv *rdzv.Engine
}

// NewEngine binds an unexpected-list engine to the rendezvous engine it
// hands rendezvous entries off to.
func NewEngine(r *rdzv.Engine) *Engine { return &Engine{rdzv: r} }

// CompleteMatch finishes req against entry: copies any eager bytes already
// landed, and for a rendezvous send replays the Put/Put-Overflow and
// Rendezvous events through the rendezvous engine exactly as it would
// process an in-order arrival, so the software Get is issued the same way
// regardless of whether the matching receive was posted before or after
// the send arrived (spec.md §4.9).
func (e *Engine) CompleteMatch(req *request.Request, entry *Entry) (done bool, err error) {
	req.Recv.Initiator = entry.Initiator
	req.Recv.RLen = entry.Length

	if len(entry.Eager) > 0 && req.Recv.RecvBuf != nil {
		var n = copy(req.Recv.RecvBuf, entry.Eager)
		req.DataLen = uint64(n)
	}

	if !entry.Rendezvous {
		return true, nil
	}

	if _, err := e.rdzv.OnEvent(req, nic.Event{Type: nic.EventPutOverflow}); err != nil {
		return false, err
	}
	return e.rdzv.OnEvent(req, nic.Event{
		Type:      nic.EventRendezvous,
		Initiator: entry.RdzvInitiator,
		RLength:   entry.Length,
		MatchBits: entry.RdzvID,
	})
}
