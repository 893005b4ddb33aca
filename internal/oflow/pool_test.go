package oflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cxi-fabric/msgengine/internal/config"
	"github.com/cxi-fabric/msgengine/internal/nic"
)

type fakeCommander struct {
	links  int
	linkRC nic.ReturnCode
}

func (f *fakeCommander) Put(nic.DFA, uint64, uint64, uint64, uint32) error { return nil }
func (f *fakeCommander) Get(nic.DFA, uint64, uint64, uint64, uint64, uint32, bool, uint8) error {
	return nil
}
func (f *fakeCommander) ZeroBytePut(nic.DFA, uint64, uint32) error { return nil }
func (f *fakeCommander) Link(nic.LEType, uint64, uint64, uint32) error {
	f.links++
	return nil
}
func (f *fakeCommander) Unlink(uint32) error                      { return nil }
func (f *fakeCommander) Search(uint64, uint64, bool, uint32) error { return nil }

func TestReplenishLinksUpToMinPosted(t *testing.T) {
	var cfg = config.Default()
	cfg.OflowBufMinPosted = 3
	var cmd = &fakeCommander{}
	var p = New(cfg, cmd, nil, Hooks{})

	require.NoError(t, p.Replenish())
	assert.Equal(t, 3, cmd.links)
	assert.Equal(t, 3, p.bufsLinked)
}

func TestAutoUnlinkReleasesAndReplenishes(t *testing.T) {
	var cfg = config.Default()
	cfg.OflowBufMinPosted = 1
	var cmd = &fakeCommander{}
	var p = New(cfg, cmd, nil, Hooks{})
	require.NoError(t, p.Replenish())
	assert.Equal(t, 1, cmd.links)

	var bufID uint32
	for id := range p.byBufferID {
		bufID = id
	}

	err := p.HandleEvent(nic.Event{
		Type: nic.EventPut, UserPtr: bufID, MLength: 64, AutoUnlinked: true, StartAddr: 64,
	}, func(buf *Buffer) error { return nil })
	require.NoError(t, err)

	assert.Equal(t, 1, p.bufsLinked, "the auto-unlinked buffer was released and a fresh one replenished")
	assert.Equal(t, 2, cmd.links, "replenish posted a second Link after the first buffer's release")
}

func TestLinkNoSpaceForcesModeSwitch(t *testing.T) {
	var forced string
	var p = New(config.Default(), &fakeCommander{}, nil, Hooks{
		ForceModeSwitch: func(reason string) { forced = reason },
	})

	err := p.HandleEvent(nic.Event{Type: nic.EventLink, ReturnCode: nic.RCNoSpace}, nil)
	require.NoError(t, err)
	assert.Equal(t, "oflow_link_no_space", forced)
}

func TestHybridPreemptiveWatchdogForcesDisable(t *testing.T) {
	var cfg = config.Default()
	cfg.HybridPreemptive = true
	var forced string
	var p = New(cfg, &fakeCommander{}, nil, Hooks{
		ForceDisableHybrid: func(reason string) { forced = reason },
	})
	p.SetLEPoolStats(10, 4) // stat1 > stat2/2

	err := p.HandleEvent(nic.Event{Type: nic.EventLink, ReturnCode: nic.RCOk}, nil)
	require.NoError(t, err)
	assert.Equal(t, "oflow_le_pool_pressure", forced)
}

func TestZeroLengthPutIsDropped(t *testing.T) {
	var cfg = config.Default()
	cfg.OflowBufMinPosted = 1
	var cmd = &fakeCommander{}
	var p = New(cfg, cmd, nil, Hooks{})
	require.NoError(t, p.Replenish())

	var bufID uint32
	for id := range p.byBufferID {
		bufID = id
	}

	var called bool
	err := p.HandleEvent(nic.Event{Type: nic.EventPut, UserPtr: bufID, MLength: 0}, func(*Buffer) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called, "a zero-length Put never reaches the deferred-event callback")
}
