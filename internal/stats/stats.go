// Package stats implements the per-list, per-HMEM-iface message counters
// named in spec.md §2, exposed the way the RDMA and TCP-info exporters in
// the retrieval pack implement prometheus.Collector: a small set of Desc
// values with a Collect method that walks an in-memory snapshot.
package stats

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// List identifies which of the three NIC-maintained queues a message was
// counted against (GLOSSARY).
type List int

const (
	ListPriority List = iota
	ListOverflow
	ListUnexpected
	listCount
)

func (l List) String() string {
	switch l {
	case ListPriority:
		return "priority"
	case ListOverflow:
		return "overflow"
	case ListUnexpected:
		return "unexpected"
	}
	return "unknown"
}

// HmemIface identifies the heterogeneous-memory interface a message's
// buffer lives on.
type HmemIface int

const (
	HmemSystem HmemIface = iota
	HmemCUDA
	HmemROCR
	HmemZE
	hmemCount
)

func (h HmemIface) String() string {
	switch h {
	case HmemSystem:
		return "system"
	case HmemCUDA:
		return "cuda"
	case HmemROCR:
		return "rocr"
	case HmemZE:
		return "ze"
	}
	return "unknown"
}

// Counters is the endpoint-private stats block. All mutation happens
// under the endpoint lock (spec.md §5), so Counters itself only adds a
// mutex to protect concurrent Prometheus scrapes against in-flight updates.
type Counters struct {
	mu sync.Mutex

	msgs  [listCount][hmemCount]uint64
	bytes [listCount][hmemCount]uint64

	drops        uint64
	fcNotifySent uint64
	fcResumeSent uint64
	rdzvCount    uint64
	onloaded     uint64

	msgsDesc  *prometheus.Desc
	bytesDesc *prometheus.Desc
	dropsDesc *prometheus.Desc
	fcDesc    *prometheus.Desc
	rdzvDesc  *prometheus.Desc
	onloadDesc *prometheus.Desc

	constLabels prometheus.Labels
}

// New returns an empty Counters block. constLabels are attached to every
// exported metric (e.g. {endpoint="0"}).
func New(constLabels prometheus.Labels) *Counters {
	return &Counters{
		msgsDesc: prometheus.NewDesc("cxi_msg_total", "Messages counted per list and HMEM interface.",
			[]string{"list", "hmem"}, constLabels),
		bytesDesc: prometheus.NewDesc("cxi_msg_bytes_total", "Bytes counted per list and HMEM interface.",
			[]string{"list", "hmem"}, constLabels),
		dropsDesc: prometheus.NewDesc("cxi_rx_drops_total", "Sends dropped while the RX PtlTE was disabled.",
			nil, constLabels),
		fcDesc: prometheus.NewDesc("cxi_flow_control_total", "Flow control control-messages sent, by kind.",
			[]string{"kind"}, constLabels),
		rdzvDesc: prometheus.NewDesc("cxi_rendezvous_total", "Rendezvous transactions completed.",
			nil, constLabels),
		onloadDesc: prometheus.NewDesc("cxi_unexpected_onloaded_total", "Unexpected list entries onloaded to software.",
			nil, constLabels),
		constLabels: constLabels,
	}
}

// IncMsg records one message landing on list via iface.
func (c *Counters) IncMsg(list List, iface HmemIface, length uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs[list][iface]++
	c.bytes[list][iface] += length
}

// IncDrops adds delta to the cumulative RX drop count.
func (c *Counters) IncDrops(delta uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drops += delta
}

// IncFCNotify counts one emitted FC_NOTIFY.
func (c *Counters) IncFCNotify() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fcNotifySent++
}

// IncFCResume counts one emitted FC_RESUME.
func (c *Counters) IncFCResume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fcResumeSent++
}

// IncRendezvous counts one completed rendezvous transaction.
func (c *Counters) IncRendezvous() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rdzvCount++
}

// IncOnloaded adds delta to the count of unexpected entries onloaded.
func (c *Counters) IncOnloaded(delta uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onloaded += delta
}

// Snapshot is a point-in-time copy of the counters, used by tests.
type Snapshot struct {
	Msgs, Bytes            [listCount][hmemCount]uint64
	Drops, FCNotify, FCResume, Rendezvous, Onloaded uint64
}

// Snapshot returns a copy of the current counter values.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Msgs: c.msgs, Bytes: c.bytes,
		Drops: c.drops, FCNotify: c.fcNotifySent, FCResume: c.fcResumeSent,
		Rendezvous: c.rdzvCount, Onloaded: c.onloaded,
	}
}

// Describe implements prometheus.Collector.
func (c *Counters) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.msgsDesc
	ch <- c.bytesDesc
	ch <- c.dropsDesc
	ch <- c.fcDesc
	ch <- c.rdzvDesc
	ch <- c.onloadDesc
}

// Collect implements prometheus.Collector.
func (c *Counters) Collect(ch chan<- prometheus.Metric) {
	var snap = c.Snapshot()

	for l := List(0); l < listCount; l++ {
		for h := HmemIface(0); h < hmemCount; h++ {
			if snap.Msgs[l][h] == 0 {
				continue
			}
			ch <- prometheus.MustNewConstMetric(c.msgsDesc, prometheus.CounterValue,
				float64(snap.Msgs[l][h]), l.String(), h.String())
			ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue,
				float64(snap.Bytes[l][h]), l.String(), h.String())
		}
	}
	ch <- prometheus.MustNewConstMetric(c.dropsDesc, prometheus.CounterValue, float64(snap.Drops))
	ch <- prometheus.MustNewConstMetric(c.fcDesc, prometheus.CounterValue, float64(snap.FCNotify), "notify")
	ch <- prometheus.MustNewConstMetric(c.fcDesc, prometheus.CounterValue, float64(snap.FCResume), "resume")
	ch <- prometheus.MustNewConstMetric(c.rdzvDesc, prometheus.CounterValue, float64(snap.Rendezvous))
	ch <- prometheus.MustNewConstMetric(c.onloadDesc, prometheus.CounterValue, float64(snap.Onloaded))
}
