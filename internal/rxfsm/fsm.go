// Package rxfsm implements the RX event router (recv_cb, spec.md §4.6) and
// the RX flow-control state machine (spec.md §4.7), gluing together the
// deferred-event table, overflow pool, rendezvous engine and unexpected
// list built in the sibling packages.
package rxfsm

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cxi-fabric/msgengine/internal/config"
	"github.com/cxi-fabric/msgengine/internal/matchbits"
	"github.com/cxi-fabric/msgengine/internal/nic"
	"github.com/cxi-fabric/msgengine/internal/request"
	"github.com/cxi-fabric/msgengine/internal/stats"
	"github.com/cxi-fabric/msgengine/internal/unexpected"
)

// State is one node of the RX flow-control state machine (spec.md §4.7).
type State int

const (
	StateEnabled State = iota
	StateEnabledSoftware
	StateDisabled
	StatePendingPtlteDisable
	StatePendingPtlteSoftwareManaged
	StateOnloadFlowControl
	StateOnloadFlowControlReenable
	StateFlowControl
)

func (s State) String() string {
	switch s {
	case StateEnabled:
		return "ENABLED"
	case StateEnabledSoftware:
		return "ENABLED_SOFTWARE"
	case StateDisabled:
		return "DISABLED"
	case StatePendingPtlteDisable:
		return "PENDING_PTLTE_DISABLE"
	case StatePendingPtlteSoftwareManaged:
		return "PENDING_PTLTE_SOFTWARE_MANAGED"
	case StateOnloadFlowControl:
		return "ONLOAD_FLOW_CONTROL"
	case StateOnloadFlowControlReenable:
		return "ONLOAD_FLOW_CONTROL_REENABLE"
	case StateFlowControl:
		return "FLOW_CONTROL"
	}
	return "UNKNOWN"
}

// DropsRecord is the receive-side "Drops record" of spec.md §3: one per
// peer this RX context owes an FC_RESUME, tracking the retry_count the
// original bumps on an ENTRY_NOT_FOUND control-send failure.
type DropsRecord struct {
	Peer       nic.DFA
	Drops      uint64
	RetryCount int
	resumed    bool
}

// Machine is the endpoint-private RX flow-control state machine.
type Machine struct {
	mu sync.Mutex

	cfg   config.Env
	cmd   nic.Commander
	stats *stats.Counters
	ux    *unexpected.List

	state     State
	dropCount int64

	fcDrops map[nic.DFA]*DropsRecord

	// replayQueue holds priority-list receive requests whose Link was
	// deferred by a NO_SPACE or PTLTE_SW_MANAGED return code (spec.md §4.6
	// Link rows). They stay queued until a caller takes them with
	// DrainReplayQueue; nothing re-posts them when the RX PtlTE returns to
	// ENABLED.
	replayQueue []request.ID
}

// NewMachine returns a Machine in its initial state, derived from the
// endpoint's configured match mode.
func NewMachine(cfg config.Env, cmd nic.Commander, st *stats.Counters, ux *unexpected.List) *Machine {
	var initial = StateEnabled
	if cfg.MatchMode == config.MatchModeSoftware {
		initial = StateEnabledSoftware
	}
	var dc int64
	if cfg.AsicGen == config.AsicGenLegacy {
		dc = -1 // legacy hardware's drop_count register starts at -1, not 0
	}
	return &Machine{cfg: cfg, cmd: cmd, stats: st, ux: ux, state: initial, dropCount: dc,
		fcDrops: make(map[nic.DFA]*DropsRecord)}
}

// NotifyResume records that peer reported dropped sends (an inbound
// FC_NOTIFY) and attempts to send FC_RESUME back to it once this RX
// context's drop_count has been reconciled to match. Returns the record so
// the caller can tell whether the resume actually went out.
func (m *Machine) NotifyResume(peer nic.DFA, drops uint64) *DropsRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rec, ok = m.fcDrops[peer]
	if !ok {
		rec = &DropsRecord{Peer: peer, Drops: drops}
		m.fcDrops[peer] = rec
	}
	m.sendFCResumeLocked(rec)
	return rec
}

func (m *Machine) sendFCResumeLocked(rec *DropsRecord) {
	if rec.resumed || m.cmd == nil {
		return
	}
	var mb = matchbits.Encode(matchbits.Bits{LEType: matchbits.LETypeCtrlMsg, RdzvDone: true})
	var err = m.cmd.ZeroBytePut(rec.Peer, mb, 0)
	switch {
	case err == nil:
		rec.resumed = true
		delete(m.fcDrops, rec.Peer)
		if m.stats != nil {
			m.stats.IncFCResume()
		}
	case errors.Is(err, nic.ErrEntryNotFound):
		rec.RetryCount++
	}
}

// RetryPendingResumes re-attempts FC_RESUME for every peer still awaiting
// one, mirroring txeng.Engine.RetryPendingNotifies on the RX side (spec.md
// §4.10, §6 fc_retry_usec_delay).
func (m *Machine) RetryPendingResumes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.fcDrops {
		m.sendFCResumeLocked(rec)
	}
}

// State reports the machine's current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnDisableEvent applies a hardware-reported PTLTE_DISABLED (or
// PTLTE_SOFTWARE_MANAGED) event's reason to the state machine, per the
// forced-transition table of spec.md §4.7.
func (m *Machine) OnDisableEvent(reason nic.DisableReason) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch reason {
	case nic.DisableSWInit:
		m.state = StateDisabled
	case nic.DisableSMAppendFail, nic.DisableSMUnexpectedFail:
		m.state = StatePendingPtlteSoftwareManaged
	case nic.DisableEQFull, nic.DisableNoMatch, nic.DisableUnexpectedFail, nic.DisableReqFull:
		m.state = StatePendingPtlteDisable
	default:
		m.state = StatePendingPtlteDisable
	}
	log.WithFields(log.Fields{"reason": reason, "state": m.state}).Warn("rxfsm: RX PtlTE disabled")
	return m.state
}

// EnqueueReplay appends id to the RX context's replay queue (spec.md §4.6:
// Link(NO_SPACE) and Link(PTLTE_SW_MANAGED) both enqueue the request that
// missed the priority list rather than dropping it).
func (m *Machine) EnqueueReplay(id request.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replayQueue = append(m.replayQueue, id)
}

// DrainReplayQueue removes and returns every request id queued for replay,
// for the caller to re-issue a priority-list Link against each once the
// PtlTE is usable again.
func (m *Machine) DrainReplayQueue() []request.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out = m.replayQueue
	m.replayQueue = nil
	return out
}

// ForceDisableHybrid implements the oflow.Hooks.ForceDisableHybrid
// callback: LE-pool pressure under hybrid matching forces a move to
// software-onloaded unexpected matching.
func (m *Machine) ForceDisableHybrid(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateOnloadFlowControl
	log.WithField("reason", reason).Warn("rxfsm: forcing onload flow control")
}

// ForceModeSwitch implements the oflow.Hooks.ForceModeSwitch callback: a
// link failure or unexpected-entry preemption threshold forces full
// software flow control, notifying peers to stop sending.
func (m *Machine) ForceModeSwitch(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateFlowControl
	if m.stats != nil {
		m.stats.IncFCNotify()
	}
	log.WithField("reason", reason).Warn("rxfsm: forcing flow control")
}

// ReportLinkError implements oflow.Hooks.ReportLinkError for diagnostics;
// the state transition itself happens via ForceModeSwitch.
func (m *Machine) ReportLinkError(err error) {
	log.WithError(err).Error("rxfsm: overflow buffer link error")
}

// FlushAppends implements flush_appends (spec.md §4.7): replays a queued
// Link request once the PtlTE is no longer disabled. If linkFn still
// returns ErrAgain the caller is expected to retry on a later progress
// cycle; the machine's state does not change in that case.
func (m *Machine) FlushAppends(linkFn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePendingPtlteDisable && m.state != StatePendingPtlteSoftwareManaged {
		return errors.Errorf("rxfsm: flush_appends called outside a pending-disable state (%s)", m.state)
	}
	if err := linkFn(); err != nil {
		if errors.Is(err, nic.ErrAgain) {
			return nil
		}
		return err
	}
	m.state = StateEnabled
	return nil
}

// UXOnload implements the onload half of ONLOAD_FLOW_CONTROL: a hardware
// unexpected entry is moved into the software unexpected list while the
// PtlTE is disabled, rather than being dropped.
func (m *Machine) UXOnload(e *unexpected.Entry) {
	m.ux.Deposit(e)
	if m.stats != nil {
		m.stats.IncOnloaded(1)
	}
}

// UXOnloadComplete implements ux_onload_complete: once the hardware
// reports no further entries remain to onload, attempt to re-enable the
// RX PtlTE.
func (m *Machine) UXOnloadComplete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOnloadFlowControl {
		return errors.Errorf("rxfsm: onload-complete received outside onload flow control (state %s)", m.state)
	}
	m.state = StateOnloadFlowControlReenable
	return m.reenableLocked()
}

func (m *Machine) reenableLocked() error {
	if err := m.cmd.Link(nic.LERequest, 0, 0, 0); err != nil {
		if errors.Is(err, nic.ErrAgain) {
			return nil // retry on next progress cycle; stay in the reenable state
		}
		return err
	}
	m.state = StateEnabled
	if m.stats != nil {
		m.stats.IncFCResume()
	}
	return nil
}

// Reenable is the public re-enable attempt used outside the onload path
// (e.g. after FLOW_CONTROL resolves because the peer drained its backlog).
func (m *Machine) Reenable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reenableLocked()
}

// ReconcileDropCount folds a hardware-reported cumulative drop_count value
// into the stats block, accounting for the two ASIC generations' differing
// starting conventions (spec.md §4.7 drop_count semantics: legacy hardware
// starts the register at -1, and that first read must not itself be
// counted as a drop).
func (m *Machine) ReconcileDropCount(reported int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.AsicGen == config.AsicGenLegacy && m.dropCount == -1 {
		m.dropCount = reported
		return
	}
	var delta = reported - m.dropCount
	if delta < 0 {
		delta = 0
	}
	m.dropCount = reported
	if delta > 0 && m.stats != nil {
		m.stats.IncDrops(uint64(delta))
	}
}
