// Package oflow implements the overflow-buffer pool and oflow_cb event
// handler of spec.md §4.3: the replenished list of receive-side landing
// buffers that eager message bodies land on before a matching user receive
// is known, reference-counted by unconsumed bytes (invariant 3).
package oflow

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cxi-fabric/msgengine/internal/config"
	"github.com/cxi-fabric/msgengine/internal/nic"
	"github.com/cxi-fabric/msgengine/internal/stats"
)

// unknownUnlinkLength is the sentinel for Buffer.UnlinkLength before the
// auto-unlink event has told us where the buffer actually stopped.
const unknownUnlinkLength = ^uint64(0)

// Buffer is a single overflow landing buffer (spec.md §3).
type Buffer struct {
	Data         []byte
	MD           interface{}
	CurOffset    uint64
	UnlinkLength uint64
	base         uint64 // NIC-side address the buffer was linked at
	bufferID     uint32
	released     bool
}

// unlinkKnown reports whether an auto-unlink event has fixed UnlinkLength.
func (b *Buffer) unlinkKnown() bool { return b.UnlinkLength != unknownUnlinkLength }

// Debit accounts for mlength bytes consumed by a Put landing on this
// buffer, and releases it back to the pool exactly once cur_offset reaches
// a known unlink_length (invariant 3).
func (p *Pool) Debit(b *Buffer, mlength uint64) {
	b.CurOffset += mlength
	if b.unlinkKnown() && b.CurOffset >= b.UnlinkLength && !b.released {
		p.release(b)
	}
}

// Hooks lets the caller react to events this package doesn't own the
// decision for: forcing an RX mode switch or reporting a fatal link error.
// All three callbacks are optional.
type Hooks struct {
	ForceDisableHybrid func(reason string)
	ForceModeSwitch    func(reason string)
	ReportLinkError    func(err error)
}

// Pool is the endpoint-private set of overflow buffers, indexed by the
// bufferID the NIC reports back on events.
type Pool struct {
	mu        sync.Mutex
	cfg       config.Env
	commander nic.Commander
	stats     *stats.Counters
	hooks     Hooks

	byBufferID map[uint32]*Buffer
	bufsLinked int
	cached     []*Buffer
	nextBufID  uint32

	hwULECount int

	// lpeStat1/2 simulate the NIC's LE-pool usage counters consulted by
	// the hybrid_preemptive watchdog (spec.md §4.3).
	lpeStat1, lpeStat2 int
}

// New returns a Pool with no buffers linked yet; call Replenish to post the
// initial set.
func New(cfg config.Env, commander nic.Commander, st *stats.Counters, hooks Hooks) *Pool {
	return &Pool{
		cfg:        cfg,
		commander:  commander,
		stats:      st,
		hooks:      hooks,
		byBufferID: make(map[uint32]*Buffer),
	}
}

// SetLEPoolStats lets the simulated NIC backend (or a test) drive the
// hybrid-preemptive watchdog inputs directly.
func (p *Pool) SetLEPoolStats(stat1, stat2 int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lpeStat1, p.lpeStat2 = stat1, stat2
}

// LEPoolStats reports the same NIC LE-pool usage counters the overflow
// Link(OK) watchdog consults (§4.3), for the priority-list Link(OK) watchdog
// (§4.6 hybrid_recv_preemptive) to reuse rather than duplicate.
func (p *Pool) LEPoolStats() (stat1, stat2 int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lpeStat1, p.lpeStat2
}

// Replenish posts new overflow buffers via Link commands until at least
// MinPosted are outstanding, up to MaxCached extra cached ones are reused
// first.
func (p *Pool) Replenish() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replenishLocked()
}

func (p *Pool) replenishLocked() error {
	for p.bufsLinked < p.cfg.OflowBufMinPosted {
		var buf *Buffer
		if len(p.cached) > 0 {
			buf = p.cached[len(p.cached)-1]
			p.cached = p.cached[:len(p.cached)-1]
			buf.CurOffset, buf.UnlinkLength, buf.released = 0, unknownUnlinkLength, false
		} else {
			buf = &Buffer{Data: make([]byte, p.cfg.OflowBufSize), UnlinkLength: unknownUnlinkLength}
		}
		p.nextBufID++
		buf.bufferID = p.nextBufID
		p.byBufferID[buf.bufferID] = buf

		if err := p.commander.Link(nic.LEOverflow, 0, 0, buf.bufferID); err != nil {
			if errors.Is(err, nic.ErrAgain) {
				delete(p.byBufferID, buf.bufferID)
				return nil // retry on next progress cycle
			}
			return err
		}
		p.bufsLinked++
	}
	return nil
}

// release returns a drained buffer to the cache (or drops it if the cache
// is already full), per invariant 3: freed exactly once.
func (p *Pool) release(b *Buffer) {
	b.released = true
	p.bufsLinked--
	delete(p.byBufferID, b.bufferID)
	if len(p.cached) < p.cfg.OflowBufMaxCached {
		p.cached = append(p.cached, b)
	}
	_ = p.replenishLocked()
}

// HandleEvent implements oflow_cb (spec.md §4.3) for Link, Unlink and Put
// events targeting an overflow-list buffer. onMatchedOrDeposit is the
// deferred-event-table glue the caller (rxfsm) supplies, since
// this package doesn't itself own the deferred table (it's shared with
// the priority-list router).
func (p *Pool) HandleEvent(ev nic.Event, onMatchedOrDeposit func(buf *Buffer) error) error {
	p.mu.Lock()
	buf := p.byBufferID[ev.UserPtr]
	p.mu.Unlock()

	switch ev.Type {
	case nic.EventLink:
		return p.handleLink(ev)
	case nic.EventUnlink:
		if ev.ManualUnlink && buf != nil {
			p.mu.Lock()
			p.release(buf)
			p.mu.Unlock()
		}
		return nil
	case nic.EventPut:
		return p.handlePut(ev, buf, onMatchedOrDeposit)
	}
	return errors.Errorf("oflow: unexpected event %s", ev.Type)
}

func (p *Pool) handleLink(ev nic.Event) error {
	switch ev.ReturnCode {
	case nic.RCOk:
		p.mu.Lock()
		var stat1, stat2 = p.lpeStat1, p.lpeStat2
		p.mu.Unlock()
		if p.cfg.HybridPreemptive && stat1 > stat2/2 {
			log.WithFields(log.Fields{"stat1": stat1, "stat2": stat2}).Warn("oflow: LE pool pressure, forcing disable")
			if p.hooks.ForceDisableHybrid != nil {
				p.hooks.ForceDisableHybrid("oflow_le_pool_pressure")
			}
		}
		return nil
	case nic.RCNoSpace:
		if p.hooks.ReportLinkError != nil {
			p.hooks.ReportLinkError(errors.New("oflow: overflow buffer Link NO_SPACE"))
		}
		if p.hooks.ForceModeSwitch != nil {
			p.hooks.ForceModeSwitch("oflow_link_no_space")
		}
		return nil
	}
	return errors.Errorf("oflow: fatal Link return code %v", ev.ReturnCode)
}

func (p *Pool) handlePut(ev nic.Event, buf *Buffer, onMatchedOrDeposit func(buf *Buffer) error) error {
	p.mu.Lock()
	p.hwULECount++
	var hwULECount = p.hwULECount
	p.mu.Unlock()

	if buf == nil {
		return errors.Errorf("oflow: Put on unknown buffer id %d", ev.UserPtr)
	}

	if ev.AutoUnlinked {
		p.mu.Lock()
		buf.UnlinkLength = ev.StartAddr - buf.base + ev.MLength
		p.mu.Unlock()
		p.release(buf)
	}

	if p.cfg.HybridUnexpectedMsgPreempt && p.cfg.MatchMode == config.MatchModeHybrid &&
		hwULECount > p.cfg.OflowBufMinPosted {
		if p.hooks.ForceModeSwitch != nil {
			p.hooks.ForceModeSwitch("oflow_ule_preempt")
		}
	}

	if ev.MLength == 0 {
		return nil
	}
	if p.stats != nil {
		p.stats.IncMsg(stats.ListOverflow, stats.HmemSystem, ev.MLength)
	}
	return onMatchedOrDeposit(buf)
}

// HWULECount returns the number of unexpected-list-entry Puts observed on
// overflow buffers since the pool was created, used by the hybrid watchdog and
// diagnostics.
func (p *Pool) HWULECount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hwULECount
}
