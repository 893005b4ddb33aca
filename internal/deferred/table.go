// Package deferred implements the hash-bucketed deferred-event table
// (spec.md §4.1) that pairs a Put event with its Put-Overflow counterpart
// (or vice versa) when they arrive out of order. Per spec.md §9's redesign
// guidance for hand-rolled intrusive lists, buckets are owned slices rather
// than embedded dlist nodes.
package deferred

import (
	"encoding/binary"
	"hash/fnv"
	"sync"

	"github.com/cxi-fabric/msgengine/internal/nic"
	"github.com/cxi-fabric/msgengine/internal/request"
)

// DefaultBuckets matches the power-of-two-ish constant the reference tests
// use (spec.md §3: "tests may use 64").
const DefaultBuckets = 64

// MaxPerBucket bounds how many deposited events a single bucket can hold
// before MatchOrInsert reports allocation failure, modeling the "allocation
// failure yields (null, false)" contract of spec.md §4.1 without an
// unbounded table.
const MaxPerBucket = 256

// Key identifies a deferred-event pairing: either a rendezvous transaction
// ({Initiator, RdzvID}) or an overflow-start-address pairing ({StartAddr}),
// never both (spec.md §4.1).
type Key struct {
	Rendezvous bool
	Initiator  nic.DFA
	RdzvID     uint64
	StartAddr  uint64
}

// raw folds Key into the 64-bit value the reference implementation hashes;
// it is not required to be injective across the two key shapes, only
// self-consistent for equality comparison (which is done on the full Key,
// not just the hash).
func (k Key) raw() uint64 {
	if k.Rendezvous {
		return uint64(k.Initiator.NIC)<<32 | uint64(k.Initiator.PID)<<16 | (k.RdzvID & 0xffff)
	}
	return k.StartAddr
}

// KeyFor derives the Key for an incoming event, per spec.md §4.1.
func KeyFor(ev nic.Event) Key {
	if ev.Rendezvous {
		return Key{Rendezvous: true, Initiator: ev.Initiator, RdzvID: ev.MatchBits}
	}
	return Key{StartAddr: ev.StartAddr}
}

// fasthash64 hashes an 8-byte key the way the collector in the RDMA stats
// exporter hashes its metric keys: FNV-1a over the raw bytes.
func fasthash64(key uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	var h = fnv.New64a()
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// Entry is a deposited event awaiting its counterpart.
type Entry struct {
	key        Key
	EventType  nic.EventType
	ReturnCode nic.ReturnCode
	Initiator  nic.DFA
	MatchBits  uint64
	Event      nic.Event
	Request    *request.Request // the user receive, if known at deposit time
	MrecvStart uint64
	MrecvLen   uint64
	// UXSend, when non-nil, is an owned record correlating this deferred
	// event with a software unexpected-list entry (spec.md §3's
	// "ux_send? (owning)"). The unexpected package defines its shape; this
	// package only carries it opaquely to avoid an import cycle.
	UXSend interface{}

	bucket int
}

// Table is the endpoint-private deferred-event store.
type Table struct {
	mu      sync.Mutex
	buckets [][]*Entry
}

// NewTable returns a Table with n buckets.
func NewTable(n int) *Table {
	if n <= 0 {
		n = DefaultBuckets
	}
	return &Table{buckets: make([][]*Entry, n)}
}

// isPair reports whether a and b are the two halves of one Put/Put-Overflow
// transaction: opposite event types, identical return code, initiator and
// match-bits.
func isPair(a Entry, evType nic.EventType, rc nic.ReturnCode, initiator nic.DFA, mb uint64) bool {
	if rc != a.ReturnCode || initiator != a.Initiator || mb != a.MatchBits {
		return false
	}
	switch {
	case a.EventType == nic.EventPut && evType == nic.EventPutOverflow:
		return true
	case a.EventType == nic.EventPutOverflow && evType == nic.EventPut:
		return true
	}
	return false
}

// MatchOrInsert implements spec.md §4.1's match_or_insert: the first event
// of a pair deposits and returns matched=false; the second finds the
// deposit, unlinks it, and returns matched=true holding the *first* event's
// entry (the caller inspects entry.Event to progress as the complementary
// handler).
func (t *Table) MatchOrInsert(req *request.Request, ev nic.Event) (entry *Entry, matched bool) {
	var key = KeyFor(ev)
	var bucket = int(fasthash64(key.raw()) % uint64(len(t.buckets)))

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.buckets[bucket] {
		if e.key != key {
			continue
		}
		if !isPair(*e, ev.Type, ev.ReturnCode, ev.Initiator, ev.MatchBits) {
			continue
		}
		// Unlink in O(1): swap with the tail and truncate.
		t.buckets[bucket][i] = t.buckets[bucket][len(t.buckets[bucket])-1]
		t.buckets[bucket] = t.buckets[bucket][:len(t.buckets[bucket])-1]
		return e, true
	}

	if len(t.buckets[bucket]) >= MaxPerBucket {
		return nil, false
	}

	var fresh = &Entry{
		key:        key,
		EventType:  ev.Type,
		ReturnCode: ev.ReturnCode,
		Initiator:  ev.Initiator,
		MatchBits:  ev.MatchBits,
		Event:      ev,
		Request:    req,
		bucket:     bucket,
	}
	t.buckets[bucket] = append(t.buckets[bucket], fresh)
	return nil, false
}

// Free unlinks and releases a deferred entry that was deposited but must be
// abandoned (e.g. the owning request was canceled before its counterpart
// arrived).
func (t *Table) Free(e *Entry) {
	if e == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var b = t.buckets[e.bucket]
	for i, cand := range b {
		if cand == e {
			b[i] = b[len(b)-1]
			t.buckets[e.bucket] = b[:len(b)-1]
			return
		}
	}
}

// Len reports the total number of deposited (unmatched) entries, used by
// diagnostics and tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	for _, b := range t.buckets {
		n += len(b)
	}
	return n
}
