package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestIncMsgAccumulatesPerListAndIface(t *testing.T) {
	var c = New(nil)
	c.IncMsg(ListPriority, HmemSystem, 128)
	c.IncMsg(ListPriority, HmemSystem, 64)
	c.IncMsg(ListUnexpected, HmemCUDA, 32)

	var snap = c.Snapshot()
	assert.Equal(t, uint64(2), snap.Msgs[ListPriority][HmemSystem])
	assert.Equal(t, uint64(192), snap.Bytes[ListPriority][HmemSystem])
	assert.Equal(t, uint64(1), snap.Msgs[ListUnexpected][HmemCUDA])
}

func TestDropsAndFCCounters(t *testing.T) {
	var c = New(nil)
	c.IncDrops(3)
	c.IncDrops(2)
	c.IncFCNotify()
	c.IncFCResume()
	c.IncFCResume()
	c.IncRendezvous()
	c.IncOnloaded(4)

	var snap = c.Snapshot()
	assert.Equal(t, uint64(5), snap.Drops)
	assert.Equal(t, uint64(1), snap.FCNotify)
	assert.Equal(t, uint64(2), snap.FCResume)
	assert.Equal(t, uint64(1), snap.Rendezvous)
	assert.Equal(t, uint64(4), snap.Onloaded)
}

func TestCollectEmitsOnlyNonZeroMessageSeries(t *testing.T) {
	var c = New(prometheus.Labels{"endpoint": "0"})
	c.IncMsg(ListOverflow, HmemROCR, 16)

	var ch = make(chan prometheus.Metric, 32)
	c.Collect(ch)
	close(ch)

	var n int
	for range ch {
		n++
	}
	// 2 metrics for the one non-zero (list, hmem) pair (count + bytes), plus
	// drops(1) + fc-notify(1) + fc-resume(1) + rendezvous(1) + onload(1),
	// which are always emitted regardless of value.
	assert.Equal(t, 2+5, n)
}
