// Package matchbits encodes and decodes the 64-bit match-bit wire layout
// shared by every Put/Get/Rendezvous/Ack command the engine emits. The
// layout must stay bit-identical across implementations that interoperate
// on the same fabric (spec.md §6), so widths are fixed constants rather
// than something a caller can tune.
package matchbits

// LEType selects which logical list entry a match-bit pattern targets.
type LEType uint8

const (
	LETypeRX LEType = iota
	LETypeZBP
	LETypeCtrlMsg
)

// Bit widths of the §6 layout. RdzvIDCmdWidth is the width of the low half
// of a rendezvous id; TxID and RdzvIDLo share the same bit range because a
// given match-bits value is only ever interpreted as one or the other,
// depending on LEType.
const (
	leTypeBits   = 2
	flagBits     = 1 // each of tagged, cq_data, match_comp, rdzv_done
	sharedBits   = 16 // tx_id / rdzv_id_lo
	rdzvHiBits   = 8
	rdzvLacBits  = 4
	rdzvProtBits = 2
	tagBits      = 24
	reservedBits = 64 - leTypeBits - 4*flagBits - sharedBits - rdzvHiBits - rdzvLacBits - rdzvProtBits - tagBits

	RdzvIDCmdWidth = sharedBits
)

const (
	leTypeShift   = 64 - leTypeBits
	taggedShift   = leTypeShift - flagBits
	cqDataShift   = taggedShift - flagBits
	matchCompSh   = cqDataShift - flagBits
	rdzvDoneShift = matchCompSh - flagBits
	sharedShift   = rdzvDoneShift - sharedBits
	rdzvHiShift   = sharedShift - rdzvHiBits
	rdzvLacShift  = rdzvHiShift - rdzvLacBits
	rdzvProtShift = rdzvLacShift - rdzvProtBits
	tagShift      = rdzvProtShift - tagBits // == reservedBits, tag occupies [tagShift, tagShift+tagBits)
)

func mask(bits uint) uint64 { return (uint64(1) << bits) - 1 }

// Bits is the decoded form of a 64-bit match-bits value. RdzvProto and the
// rendezvous id fields are only meaningful when the LE type and protocol
// call for them; Encode always zeroes Reserved and any bits the caller
// didn't set.
type Bits struct {
	LEType    LEType
	Tagged    bool
	CQData    bool
	MatchComp bool
	RdzvDone  bool
	// Shared holds TxID when LEType != rendezvous-done, or RdzvIDLo when it
	// is part of a rendezvous id. Callers use TxID()/RdzvIDLo() accessors.
	Shared   uint32
	RdzvHi   uint8
	RdzvLac  uint8
	RdzvProt uint8
	Tag      uint32
}

// TxID returns Shared interpreted as a match-complete correlation id.
func (b Bits) TxID() uint32 { return b.Shared }

// RdzvIDLo returns Shared interpreted as the low half of a rendezvous id.
func (b Bits) RdzvIDLo() uint32 { return b.Shared }

// RdzvID reconstructs the full rendezvous id from the high and low halves.
func (b Bits) RdzvID() uint64 {
	return uint64(b.RdzvHi)<<RdzvIDCmdWidth | uint64(b.Shared)
}

// SplitRdzvID splits a full rendezvous id into the hi/lo halves carried in
// match-bits.
func SplitRdzvID(id uint64) (hi uint8, lo uint32) {
	return uint8(id >> RdzvIDCmdWidth), uint32(id & mask(RdzvIDCmdWidth))
}

// Encode packs Bits into the 64-bit wire value, masking every field to its
// declared width and zeroing reserved bits, per spec.md §6 ("The engine
// never interprets reserved bits and MUST zero them on emit").
func Encode(b Bits) uint64 {
	var v uint64
	v |= uint64(b.LEType) & mask(leTypeBits) << leTypeShift
	if b.Tagged {
		v |= 1 << taggedShift
	}
	if b.CQData {
		v |= 1 << cqDataShift
	}
	if b.MatchComp {
		v |= 1 << matchCompSh
	}
	if b.RdzvDone {
		v |= 1 << rdzvDoneShift
	}
	v |= uint64(b.Shared) & mask(sharedBits) << sharedShift
	v |= uint64(b.RdzvHi) & mask(rdzvHiBits) << rdzvHiShift
	v |= uint64(b.RdzvLac) & mask(rdzvLacBits) << rdzvLacShift
	v |= uint64(b.RdzvProt) & mask(rdzvProtBits) << rdzvProtShift
	v |= uint64(b.Tag) & mask(tagBits) << tagShift
	return v
}

// Decode unpacks a 64-bit wire value into Bits. Reserved bits are discarded.
func Decode(v uint64) Bits {
	return Bits{
		LEType:    LEType(v >> leTypeShift & mask(leTypeBits)),
		Tagged:    v>>taggedShift&1 != 0,
		CQData:    v>>cqDataShift&1 != 0,
		MatchComp: v>>matchCompSh&1 != 0,
		RdzvDone:  v>>rdzvDoneShift&1 != 0,
		Shared:    uint32(v >> sharedShift & mask(sharedBits)),
		RdzvHi:    uint8(v >> rdzvHiShift & mask(rdzvHiBits)),
		RdzvLac:   uint8(v >> rdzvLacShift & mask(rdzvLacBits)),
		RdzvProt:  uint8(v >> rdzvProtShift & mask(rdzvProtBits)),
		Tag:       uint32(v >> tagShift & mask(tagBits)),
	}
}
