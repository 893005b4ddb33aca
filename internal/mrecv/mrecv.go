// Package mrecv implements multi-receive buffer bookkeeping (spec.md §4.4
// point 1, §2 "Multi-recv bookkeeping", invariant 2): child-request
// creation, start-offset tracking, and auto-unlink accounting for a
// FI_MULTI_RECV parent.
package mrecv

import "github.com/cxi-fabric/msgengine/internal/request"

// CreateChild duplicates parent into a child landing at [start, start+length)
// of the parent's buffer, per spec.md §4.4 point 1: "duplicate the parent
// request into a child; set child's recv_buf = parent.recv_buf + mrecv_start,
// data_len = mrecv_len".
func CreateChild(pool *request.Pool, parent *request.Request, start, length uint64) *request.Request {
	var child = pool.DupMultiRecvChild(parent)
	child.Recv.StartOffset = start
	if start+length <= uint64(len(parent.Recv.RecvBuf)) {
		child.Recv.RecvBuf = parent.Recv.RecvBuf[start : start+length]
	}
	child.DataLen = length
	parent.Recv.MrecvBytes += length
	return child
}

// AdvanceStartOffset moves the parent's write cursor forward by n bytes.
// Only Put-Overflow events may call this: spec.md §5 guarantees ordering
// ("only Put-Overflow events update start_offset, because only they are
// guaranteed manage_local-ordered").
func AdvanceStartOffset(parent *request.Request, n uint64) {
	parent.Recv.StartOffset += n
}

// NextOffset returns where the next child should land.
func NextOffset(parent *request.Request) uint64 {
	return parent.Recv.StartOffset
}

// MarkAutoUnlinked records the NIC's auto-unlink event for a hardware-
// offloaded multi-recv buffer, fixing MrecvUnlinkBytes (invariant 2).
func MarkAutoUnlinked(parent *request.Request, unlinkBytes uint64) {
	parent.Recv.AutoUnlinked = true
	parent.Recv.MrecvUnlinkBytes = unlinkBytes
}

// ShouldRelease implements invariant 2's release condition:
//
//	hw_offloaded ∧ auto_unlinked ∧ mrecv_bytes == mrecv_unlink_bytes
//	∨ ¬hw_offloaded ∧ ulen − mrecv_bytes < min_multi_recv
func ShouldRelease(parent *request.Request, minMultiRecv uint64) bool {
	var r = parent.Recv
	if r.HWOffloaded {
		return r.AutoUnlinked && r.MrecvBytes == r.MrecvUnlinkBytes
	}
	return r.ULen-r.MrecvBytes < minMultiRecv
}
