// Package request implements the polymorphic request record and allocator
// described in spec.md §3 and §4.2. Requests are carried as NIC user-ptrs;
// rather than embedding back-pointers between parent and child requests
// (which the original C implementation does via intrusive list nodes),
// this package follows spec.md §9's redesign guidance: a parent owns its
// children by id through the Pool, and a child carries its ParentID rather
// than a live pointer, so the structures stay simple arena-with-stable-ids
// instead of a reference-counted graph.
package request

import (
	"sync"

	"github.com/cxi-fabric/msgengine/internal/config"
	"github.com/cxi-fabric/msgengine/internal/nic"
)

// ID is the stable 32-bit identifier carried as a NIC user_ptr. Completion
// events return the same id, letting the engine look the request back up
// in O(1).
type ID uint32

// Type discriminates the payload a Request carries (spec.md §3).
type Type int

const (
	TypeRecv Type = iota
	TypeSend
	TypeSearch
	TypeOflow
	TypeRBuf
)

// Flags is the set of FI_* flags a request was posted with (spec.md §6).
type Flags uint32

const (
	FlagCompletion Flags = 1 << iota
	FlagMultiRecv
	FlagPeek
	FlagClaim
	FlagDirectedRecv
	FlagInject
	FlagTagged
	FlagRemoteCQData
	FlagFence
	FlagMatchComplete
	FlagMore
	FlagSourceErr
)

// Callback is invoked by the router when an event completes a request.
type Callback func(*Request, *nic.Event) error

// RecvPayload is the type-specific state for TypeRecv (and the oflow/rbuf
// bookkeeping Requests reuse much of the same shape for).
type RecvPayload struct {
	RecvBuf []byte
	ULen    uint64
	MD      interface{}

	StartOffset       uint64 // multi-recv child's byte offset into parent
	MrecvBytes        uint64 // bytes delivered into the parent so far
	MrecvUnlinkBytes  uint64 // bytes at which the parent is known to unlink
	AutoUnlinked      bool

	ParentID ID   // 0 if this is not a multi-recv/rendezvous child
	Children []ID // ordered set of child request ids (rendezvous/multi-recv)

	Initiator nic.DFA
	VNI       uint16
	RLen      uint64
	RC        nic.ReturnCode

	RdzvID        uint64
	RdzvEvents    int // 0..4, see invariant 1
	RdzvEventTypes [4]nic.EventType
	RdzvInitiator nic.DFA
	RdzvLac       uint8
	RdzvProto     config.RdzvProto
	RdzvMlen      uint64
	RgetDFA       nic.DFA // initiator's DFA, target of the software Get
	SrcOffset     uint64

	Tag     uint64
	Ignore  uint64
	MatchID nic.DFA
	Tagged  bool

	MultiRecv    bool
	MinMultiRecv uint64

	Flags Flags

	SoftwareList bool // on the software unexpected/recv queue
	Unlinked     bool
	Canceled     bool
	DoneNotify   bool
	HWOffloaded  bool

	TgtEvent   *nic.Event // first target event observed, for diagnostics
	ULEOffsets []uint64   // remote offsets snapshotted for FI_CLAIM probing
	UXDump     bool
}

// SendPayload is the type-specific state for TypeSend.
type SendPayload struct {
	Buf  []byte
	Len  uint64
	Data uint64 // FI_REMOTE_CQ_DATA payload

	Caddr    nic.DFA
	DestAddr nic.DFA
	Tag      uint64
	Tagged   bool
	Flags    Flags
	TClass   int

	TxID uint32 // match-complete correlation id

	// AwaitingMatchComplete is set once an eager send's Ack reports it
	// landed on the overflow list with match_comp set: the send suspends
	// until the peer's zero-byte match-complete notify arrives for TxID.
	AwaitingMatchComplete bool

	RdzvID         uint64
	RdzvSendEvents int // 0..2 (Ack, Get)

	SendMD interface{} // memory descriptor of the registered user buffer
	IBuf   []byte      // bounce buffer; mutually exclusive with SendMD

	Cntr interface{}

	// FCPeer is non-zero while this send is queued for replay against a
	// disabled peer; it names the peer rather than pointing at it, so the
	// send and the peer record can be freed independently.
	FCPeer nic.DFA
	HasFCPeer bool

	RC nic.ReturnCode
}

// Request is the common envelope spec.md §3 describes, carrying exactly one
// of Recv or Send.
type Request struct {
	ID       ID
	Type     Type
	Callback Callback
	Context  interface{}
	Flags    Flags
	Buf      []byte
	DataLen  uint64
	BufferID uint32 // 0 if the NIC doesn't require one (e.g. in-memory child)

	Recv *RecvPayload
	Send *SendPayload
}

// Pool is a per-EVTQ allocator of Requests, keyed by their stable id.
type Pool struct {
	mu     sync.Mutex
	nextID ID
	byID   map[ID]*Request
}

// NewPool returns an empty request pool.
func NewPool() *Pool {
	return &Pool{byID: make(map[ID]*Request)}
}

// Alloc reserves a new id and stores req under it. The caller must set
// req.ID to the returned id (or rely on the value Alloc assigns in place).
func (p *Pool) Alloc(req *Request) *Request {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	if p.nextID == 0 { // skip the zero id; it means "no parent"
		p.nextID = 1
	}
	req.ID = p.nextID
	p.byID[req.ID] = req
	return req
}

// Lookup returns the request for id, or nil if it has been freed.
func (p *Pool) Lookup(id ID) *Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byID[id]
}

// Free releases a request's id back to the pool.
func (p *Pool) Free(id ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byID, id)
}

// CountMatching reports how many live requests satisfy pred, for watchdogs
// that need a point-in-time count (e.g. the posted-recv-queue-size check of
// spec.md §6 hybrid_posted_recv_preemptive) without the caller having to
// thread its own increment/decrement bookkeeping through every completion
// path.
func (p *Pool) CountMatching(pred func(*Request) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int
	for _, req := range p.byID {
		if pred(req) {
			n++
		}
	}
	return n
}

// DupMultiRecvChild allocates an in-memory-only child of a multi-recv or
// rendezvous parent (spec.md §4.2 mrecv_req_dup). The child has no
// BufferID (the NIC never addresses it directly) and inherits the parent's
// match/tag metadata; the caller fills in the slice-specific fields
// (RecvBuf, StartOffset, DataLen, ...).
func (p *Pool) DupMultiRecvChild(parent *Request) *Request {
	var child = &Request{
		Type:     TypeRecv,
		Callback: parent.Callback,
		Context:  parent.Context,
		Flags:    parent.Flags,
		Recv: &RecvPayload{
			ParentID:  parent.ID,
			Initiator: parent.Recv.Initiator,
			VNI:       parent.Recv.VNI,
			Tag:       parent.Recv.Tag,
			Ignore:    parent.Recv.Ignore,
			MatchID:   parent.Recv.MatchID,
			Tagged:    parent.Recv.Tagged,
		},
	}
	p.Alloc(child)
	parent.Recv.Children = append(parent.Recv.Children, child.ID)
	return child
}
