package matchbits

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundTrip(t *testing.T) {
	var cases = []Bits{
		{LEType: LETypeRX, Tagged: true, Tag: 0x1234},
		{LEType: LETypeRX, CQData: true, Shared: 0xBEEF, Tag: 0xABCDEF},
		{LEType: LETypeZBP, MatchComp: true, Shared: 0x9999},
		{LEType: LETypeCtrlMsg, RdzvDone: true, RdzvHi: 0xFE, RdzvLac: 0xB, RdzvProt: 0x3},
	}
	for _, want := range cases {
		var got = Decode(Encode(want))
		assert.Equal(t, want, got)
	}
}

func TestReservedBitsAreZeroed(t *testing.T) {
	// Feed a wire value with every bit set; reserved bits must not survive
	// a decode/encode cycle.
	var v = Encode(Decode(^uint64(0)))
	assert.Equal(t, uint64(0), v&mask(reservedBits))
}

func TestRdzvIDSplitReconstruct(t *testing.T) {
	const id = uint64(0x1F2233)
	hi, lo := SplitRdzvID(id)
	var b = Bits{RdzvHi: hi, Shared: lo}
	assert.Equal(t, id, b.RdzvID())
}

func TestSendMatchBitsSurviveEncodeDecode(t *testing.T) {
	// Mirrors the "match-bit round-trip" testable property in spec.md §8:
	// decoding an emitted send's target event match-bits must yield the
	// original {tag, tagged, cq_data, tx_id, rdzv_id}.
	var sent = Bits{
		LEType:    LETypeRX,
		Tagged:    true,
		CQData:    true,
		MatchComp: true,
		Shared:    42,
		Tag:       0x1234,
	}
	var wire = Encode(sent)
	var observed = Decode(wire)
	assert.Equal(t, sent.Tag, observed.Tag)
	assert.Equal(t, sent.Tagged, observed.Tagged)
	assert.Equal(t, sent.CQData, observed.CQData)
	assert.Equal(t, sent.TxID(), observed.TxID())
}
