package deferred

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cxi-fabric/msgengine/internal/nic"
)

func TestPutThenOverflowPairs(t *testing.T) {
	var tbl = NewTable(DefaultBuckets)
	var initiator = nic.DFA{NIC: 1}

	entry, matched := tbl.MatchOrInsert(nil, nic.Event{
		Type: nic.EventPut, Initiator: initiator, StartAddr: 10, MatchBits: 0xAA,
	})
	assert.Nil(t, entry)
	assert.False(t, matched, "the first half of a pair only deposits")
	assert.Equal(t, 1, tbl.Len())

	entry, matched = tbl.MatchOrInsert(nil, nic.Event{
		Type: nic.EventPutOverflow, Initiator: initiator, StartAddr: 10, MatchBits: 0xAA,
	})
	require.True(t, matched)
	assert.Equal(t, nic.EventPut, entry.EventType, "the returned entry is always the first-deposited half")
	assert.Equal(t, 0, tbl.Len(), "a matched pair is unlinked from its bucket")
}

func TestOverflowThenPutPairsInEitherOrder(t *testing.T) {
	var tbl = NewTable(DefaultBuckets)
	var initiator = nic.DFA{NIC: 2}

	_, matched := tbl.MatchOrInsert(nil, nic.Event{
		Type: nic.EventPutOverflow, Initiator: initiator, StartAddr: 20, MatchBits: 0xBB,
	})
	assert.False(t, matched)

	entry, matched := tbl.MatchOrInsert(nil, nic.Event{
		Type: nic.EventPut, Initiator: initiator, StartAddr: 20, MatchBits: 0xBB,
	})
	require.True(t, matched)
	assert.Equal(t, nic.EventPutOverflow, entry.EventType, "commutativity: whichever half deposited first is returned")
}

func TestMismatchedKeysDoNotPair(t *testing.T) {
	var tbl = NewTable(DefaultBuckets)
	var a = nic.DFA{NIC: 1}
	var b = nic.DFA{NIC: 2}

	_, matched := tbl.MatchOrInsert(nil, nic.Event{Type: nic.EventPut, Initiator: a, StartAddr: 5})
	assert.False(t, matched)

	_, matched = tbl.MatchOrInsert(nil, nic.Event{Type: nic.EventPutOverflow, Initiator: b, StartAddr: 5})
	assert.False(t, matched, "different initiators never pair even with the same start address")
	assert.Equal(t, 2, tbl.Len())
}

func TestRendezvousKeyIgnoresStartAddr(t *testing.T) {
	var tbl = NewTable(DefaultBuckets)
	var initiator = nic.DFA{NIC: 3}

	_, matched := tbl.MatchOrInsert(nil, nic.Event{
		Type: nic.EventPut, Initiator: initiator, Rendezvous: true, MatchBits: 7, StartAddr: 100,
	})
	assert.False(t, matched)

	_, matched = tbl.MatchOrInsert(nil, nic.Event{
		Type: nic.EventPutOverflow, Initiator: initiator, Rendezvous: true, MatchBits: 7, StartAddr: 200,
	})
	assert.True(t, matched, "rendezvous pairing keys on (initiator, rdzv_id), not start address")
}

func TestBucketExhaustionReturnsNilFalse(t *testing.T) {
	var tbl = NewTable(1)
	for i := 0; i < MaxPerBucket; i++ {
		_, matched := tbl.MatchOrInsert(nil, nic.Event{Type: nic.EventPut, StartAddr: uint64(i)})
		assert.False(t, matched)
	}
	entry, matched := tbl.MatchOrInsert(nil, nic.Event{Type: nic.EventPut, StartAddr: uint64(MaxPerBucket)})
	assert.Nil(t, entry)
	assert.False(t, matched, "a full bucket reports allocation failure, the caller's cue to retry")
}

func TestFreeOnAnAlreadyUnlinkedEntryIsSafe(t *testing.T) {
	var tbl = NewTable(DefaultBuckets)
	var initiator = nic.DFA{NIC: 4}

	_, _ = tbl.MatchOrInsert(nil, nic.Event{Type: nic.EventPut, Initiator: initiator, StartAddr: 1})
	entry, matched := tbl.MatchOrInsert(nil, nic.Event{Type: nic.EventPutOverflow, Initiator: initiator, StartAddr: 1})
	require.True(t, matched)

	tbl.Free(entry) // already unlinked by the successful pairing; must not panic or double-free
	assert.Equal(t, 0, tbl.Len())
}
