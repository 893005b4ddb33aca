// Package nic defines the opaque NIC primitives this engine is built on top
// of: Event and Command values, and the small set of external collaborators
// spec.md §1 puts out of scope (memory registration, address-vector lookup,
// counters, completion queues). Only the shapes needed to drive the message
// protocol engine are modeled; the actual portal-table/match-list hardware
// encoding is assumed to exist behind these types.
package nic

import "github.com/pkg/errors"

// DFA is the destination fabric address quadruple used to route commands
// and identify event initiators (GLOSSARY: DFA).
type DFA struct {
	NIC uint32
	PID uint16
	VNI uint16
	PIDIdx uint16
}

// EventType enumerates the NIC event types the engine's dispatch tables
// switch on (spec.md §4.6, §4.3, §4.7).
type EventType int

const (
	EventLink EventType = iota
	EventUnlink
	EventPut
	EventPutOverflow
	EventRendezvous
	EventReply
	EventAck
	EventSend
	EventSearch
	EventGet
)

func (t EventType) String() string {
	switch t {
	case EventLink:
		return "Link"
	case EventUnlink:
		return "Unlink"
	case EventPut:
		return "Put"
	case EventPutOverflow:
		return "PutOverflow"
	case EventRendezvous:
		return "Rendezvous"
	case EventReply:
		return "Reply"
	case EventAck:
		return "Ack"
	case EventSend:
		return "Send"
	case EventSearch:
		return "Search"
	case EventGet:
		return "Get"
	}
	return "Unknown"
}

// ReturnCode mirrors the small set of NIC-reported completion codes this
// engine makes decisions on.
type ReturnCode int

const (
	RCOk ReturnCode = iota
	RCNoSpace
	RCEntryNotFound
	RCPtlteDisabled
	RCPtlteSoftwareManaged
	RCTruncated
	RCAddrNotAvail
)

// DisableReason enumerates the PTLTE_DISABLED / PTLTE_SOFTWARE_MANAGED
// causes the RX state machine reacts to (spec.md §4.7).
type DisableReason int

const (
	DisableSWInit DisableReason = iota
	DisableEQFull
	DisableNoMatch
	DisableUnexpectedFail
	DisableReqFull
	DisableSMAppendFail
	DisableSMUnexpectedFail
)

// Event is the union of fields the engine reads off a NIC event. Only the
// fields relevant to the event's Type are populated by the simulated NIC;
// a real backend would decode these out of the hardware's event ring.
type Event struct {
	Type       EventType
	ReturnCode ReturnCode
	Reason     DisableReason

	UserPtr  uint32 // request id carried as user_ptr
	MatchBits uint64

	Initiator DFA
	StartAddr uint64
	MLength   uint64 // bytes landed by this event
	RLength   uint64 // remote/requested length

	Rendezvous  bool // event's match-bits/flags indicate a rendezvous transaction
	GetIssued   bool // Rendezvous event already has its Get issued (hw-initiated)
	AutoUnlinked bool
	ManualUnlink bool

	// InitShortRendezvous is set on Reply events whose initiator-short
	// header carries the "rendezvous" bit; clear means the Get was
	// software-issued (spec.md §4.5 rdzv_mrecv_req_lookup).
	InitShortRendezvous bool

	// MatchComplete and LandedOverflow describe a TX-side Ack: MatchComplete
	// mirrors the match_comp bit the receiver set in its match-bits, and
	// LandedOverflow reports whether the send landed on the peer's overflow
	// list rather than matching a posted receive directly (spec.md §4.8).
	MatchComplete  bool
	LandedOverflow bool

	// FCResume distinguishes the two control-LE zero-byte Puts of spec.md
	// §6: clear means an inbound FC_NOTIFY (a peer reporting drops against
	// our RX context), set means an inbound FC_RESUME (a peer telling our
	// TX context its replay queue may drain).
	FCResume bool
}

// Sentinel errors an event handler can return; ErrAgain leaves the event
// un-acked for the next progress cycle (spec.md §5, §7).
var (
	ErrAgain          = errors.New("transient: retry")
	ErrNoMatch        = errors.New("no matching unexpected message")
	ErrTruncated      = errors.New("message truncated")
	ErrCanceled       = errors.New("request canceled")
	ErrAddrNotAvail   = errors.New("source address unavailable")
	ErrInvalid        = errors.New("invalid argument or state")
	// ErrEntryNotFound is returned by Commander.ZeroBytePut when a control
	// message (FC_NOTIFY/FC_RESUME) targets a peer that has already torn
	// down the control LE it would have matched against. Per spec.md §4.7
	// and §4.10, the caller retries after config.Env.FCRetryDelay rather
	// than treating this as fatal.
	ErrEntryNotFound = errors.New("control message target entry not found")
)

// Commander is the command-queue emission surface the engine drives. It is
// satisfied by a real NIC command queue or, in tests and the loopback CLI,
// by a simulated one. Every method may return ErrAgain if the underlying
// command queue is full.
type Commander interface {
	Put(dest DFA, localAddr uint64, length uint64, mb uint64, userPtr uint32) error
	Get(dest DFA, localAddr uint64, remoteOffset uint64, length uint64, mb uint64, userPtr uint32, restricted bool, lac uint8) error
	ZeroBytePut(dest DFA, mb uint64, userPtr uint32) error
	Link(le LEType, mb uint64, ignoreBits uint64, userPtr uint32) error
	Unlink(userPtr uint32) error
	Search(mb uint64, ignoreBits uint64, delete bool, userPtr uint32) error
}

// LEType identifies which list a Link targets: the priority list, the
// overflow list, or the request list.
type LEType int

const (
	LEPriority LEType = iota
	LEOverflow
	LERequest
)
