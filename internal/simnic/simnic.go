// Package simnic is a software stand-in for the portal-table/match-list
// hardware spec.md §1 puts out of scope. It satisfies nic.Commander by
// recording every command an Endpoint issues rather than acting on it
// immediately (an Endpoint method holds the endpoint lock while its
// Commander calls run, so feeding events straight back in would deadlock);
// a Driver then replays the recorded commands against one or more Endpoints
// as a real NIC's autonomous matching engine would, outside any lock.
//
// This is deliberately narrower than the real hardware: it implements
// enough of Put-side priority/overflow matching to drive an eager tagged
// send (cmd/msgenginectl's S1) and an eager multi-recv landing (S2).
// Rendezvous, flow-control and FI_PEEK/FI_CLAIM scenarios are exercised by
// the package-level tests in internal/rdzv, internal/txeng and
// internal/rxfsm instead, against the same fakeCommander pattern this
// package generalizes.
package simnic

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/cxi-fabric/msgengine/internal/matchbits"
	"github.com/cxi-fabric/msgengine/internal/nic"
)

// cmdType discriminates the Commander methods a Cmd records.
type cmdType int

const (
	cmdPut cmdType = iota
	cmdGet
	cmdZeroBytePut
	cmdLink
	cmdUnlink
	cmdSearch
)

// cmd is one recorded Commander call, carrying the union of arguments any
// of the methods might have passed.
type cmd struct {
	kind    cmdType
	dest    nic.DFA
	mb      uint64
	ignore  uint64
	length  uint64
	userPtr uint32
	leType  nic.LEType
}

// Commander implements nic.Commander by appending every call to an
// in-memory queue for a Driver to replay later. Self identifies the
// endpoint this Commander is bound to, so the Driver can address events
// back at it.
type Commander struct {
	Self nic.DFA

	mu    sync.Mutex
	queue []cmd
}

// New returns a Commander recording commands on behalf of self.
func New(self nic.DFA) *Commander {
	return &Commander{Self: self}
}

func (c *Commander) push(cm cmd) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, cm)
}

// Drain removes and returns every command queued since the last Drain.
func (c *Commander) Drain() []cmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out = c.queue
	c.queue = nil
	return out
}

func (c *Commander) Put(dest nic.DFA, _ uint64, length uint64, mb uint64, userPtr uint32) error {
	c.push(cmd{kind: cmdPut, dest: dest, length: length, mb: mb, userPtr: userPtr})
	return nil
}

func (c *Commander) Get(dest nic.DFA, _ uint64, _ uint64, length uint64, mb uint64, userPtr uint32, _ bool, _ uint8) error {
	c.push(cmd{kind: cmdGet, dest: dest, length: length, mb: mb, userPtr: userPtr})
	return nil
}

func (c *Commander) ZeroBytePut(dest nic.DFA, mb uint64, userPtr uint32) error {
	c.push(cmd{kind: cmdZeroBytePut, dest: dest, mb: mb, userPtr: userPtr})
	return nil
}

func (c *Commander) Link(le nic.LEType, mbOrTag uint64, ignore uint64, userPtr uint32) error {
	c.push(cmd{kind: cmdLink, leType: le, mb: mbOrTag, ignore: ignore, userPtr: userPtr})
	return nil
}

func (c *Commander) Unlink(userPtr uint32) error {
	c.push(cmd{kind: cmdUnlink, userPtr: userPtr})
	return nil
}

func (c *Commander) Search(mb uint64, ignore uint64, _ bool, userPtr uint32) error {
	c.push(cmd{kind: cmdSearch, mb: mb, ignore: ignore, userPtr: userPtr})
	return nil
}

// priorityEntry is a posted receive's hardware-visible match selector,
// recorded off a Link(LEPriority, ...) call.
type priorityEntry struct {
	tag, ignore uint64
	userPtr     uint32
	multiRecv   bool
}

// dispatcher is the minimal subset of *engine.Endpoint a Driver needs,
// kept as an interface so this package doesn't import engine (which would
// be an import cycle-free but needlessly heavy dependency for a simulator).
type dispatcher interface {
	Dispatch(nic.Event) error
}

// Driver plays the role of the NIC's autonomous matching engine for one
// simulated fabric: it owns the priority-list and overflow-buffer state a
// Commander's Link calls build up, and turns each queued Put into the
// Put/PutOverflow/Ack event sequence a real portal table would raise.
type Driver struct {
	endpoint dispatcher
	cmd      *Commander

	priority []priorityEntry
	overflow []uint32
	nextAddr uint64
}

// NewDriver binds a Driver to the endpoint cmd issues commands on behalf
// of. Since this package only models loopback (send-to-self) traffic, one
// Commander/Driver pair per endpoint is all a scenario needs.
func NewDriver(endpoint dispatcher, cmd *Commander) *Driver {
	return &Driver{endpoint: endpoint, cmd: cmd}
}

// MarkMultiRecv tells the driver that the priority entry posted for
// userPtr is a multi-recv buffer: the real NIC keeps such an entry linked
// across many landings instead of consuming it after one match, and this
// driver has no other way to learn that (nic.Commander.Link carries no
// multi-recv bit). Call it right after the corresponding Recv returns.
func (d *Driver) MarkMultiRecv(userPtr uint32) {
	for i, e := range d.priority {
		if e.userPtr == userPtr {
			d.priority[i].multiRecv = true
			return
		}
	}
}

// Pump drains and executes every command queued since the last Pump,
// including any further commands those executions themselves cause (an
// Ack dispatch can trigger a replay Put, for instance), until the queue
// runs dry. Callers invoke this after every Endpoint call.
func (d *Driver) Pump() error {
	for {
		var cmds = d.cmd.Drain()
		if len(cmds) == 0 {
			return nil
		}
		for _, c := range cmds {
			if err := d.exec(c); err != nil {
				return err
			}
		}
	}
}

func (d *Driver) exec(c cmd) error {
	switch c.kind {
	case cmdLink:
		return d.execLink(c)
	case cmdUnlink:
		d.execUnlink(c)
		return nil
	case cmdPut:
		return d.execPut(c)
	case cmdZeroBytePut, cmdGet, cmdSearch:
		log.WithField("kind", c.kind).Debug("simnic: command recorded but not simulated by this driver")
		return nil
	}
	return nil
}

func (d *Driver) execLink(c cmd) error {
	switch c.leType {
	case nic.LEPriority:
		d.priority = append(d.priority, priorityEntry{tag: c.mb, ignore: c.ignore, userPtr: c.userPtr})
		return nil
	case nic.LEOverflow:
		d.overflow = append(d.overflow, c.userPtr)
		return d.endpoint.Dispatch(nic.Event{Type: nic.EventLink, UserPtr: c.userPtr, ReturnCode: nic.RCOk})
	}
	return nil
}

func (d *Driver) execUnlink(c cmd) {
	for i, e := range d.priority {
		if e.userPtr == c.userPtr {
			d.priority = append(d.priority[:i], d.priority[i+1:]...)
			return
		}
	}
}

// execPut plays the part of the NIC's match engine for one outbound Put:
// find a posted priority-list entry matching the send's tag, or else
// deposit it on the oldest posted overflow buffer, then acknowledge the
// sender.
func (d *Driver) execPut(c cmd) error {
	var bits = matchbits.Decode(c.mb)
	d.nextAddr += c.length + 1

	if idx := d.matchPriority(bits.Tag); idx >= 0 {
		var entry = d.priority[idx]
		if !entry.multiRecv {
			d.priority = append(d.priority[:idx], d.priority[idx+1:]...)
		}
		if err := d.endpoint.Dispatch(nic.Event{
			Type: nic.EventPut, UserPtr: entry.userPtr, MLength: c.length, RLength: c.length,
			Initiator: d.cmd.Self, MatchBits: c.mb,
		}); err != nil {
			return err
		}
		return d.ack(c)
	}

	if len(d.overflow) == 0 {
		log.Warn("simnic: Put with no posted priority match and no overflow buffer; dropped")
		return d.ack(c)
	}
	var bufID = d.overflow[0]
	var addr = d.nextAddr
	if err := d.endpoint.Dispatch(nic.Event{
		Type: nic.EventPut, UserPtr: bufID, MLength: c.length, RLength: c.length,
		Initiator: d.cmd.Self, StartAddr: addr, MatchBits: c.mb,
	}); err != nil {
		return err
	}
	if err := d.endpoint.Dispatch(nic.Event{
		Type: nic.EventPutOverflow, MLength: c.length, RLength: c.length,
		Initiator: d.cmd.Self, StartAddr: addr, MatchBits: c.mb,
	}); err != nil {
		return err
	}
	return d.ack(c)
}

func (d *Driver) ack(c cmd) error {
	return d.endpoint.Dispatch(nic.Event{Type: nic.EventAck, UserPtr: c.userPtr, ReturnCode: nic.RCOk})
}

// matchPriority returns the index of the first posted priority entry whose
// (tag, ignore) selects tag, or -1. Entries are matched in FIFO order,
// mirroring the hardware match list's append order.
func (d *Driver) matchPriority(tag uint32) int {
	for i, e := range d.priority {
		if uint64(tag)&^e.ignore == e.tag&^e.ignore {
			return i
		}
	}
	return -1
}
