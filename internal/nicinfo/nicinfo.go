// Package nicinfo discovers local RDMA-capable devices for the loopback
// CLI to report alongside a simulated endpoint, the way the retrieval
// pack's RDMA stats exporter enumerates devices for its Prometheus
// collector.
package nicinfo

import (
	"strconv"

	"github.com/Mellanox/rdmamap"
	log "github.com/sirupsen/logrus"
)

// Stat is one named hardware or software counter read off a port.
type Stat struct {
	Name  string
	Value uint64
}

// Port is one RDMA port's counters, flattened out of the device's hardware
// and standard stat groups.
type Port struct {
	Port  string
	Stats []Stat
}

// Device describes one local RDMA device the CLI can report, independent
// of whether the simulated NIC backend actually drives it.
type Device struct {
	Name  string
	Ports []Port
}

// Discover lists the RDMA devices present on this host. It never returns
// an error: an empty result (no devices, or a sysfs read failure on one of
// them) is a valid, loggable outcome for a diagnostic command.
func Discover() []Device {
	var names = rdmamap.GetRdmaDeviceList()
	if len(names) == 0 {
		log.Debug("nicinfo: no RDMA devices found")
		return nil
	}

	var devices = make([]Device, 0, len(names))
	for _, name := range names {
		stats, err := rdmamap.GetRdmaSysfsAllPortsStats(name)
		if err != nil {
			log.WithError(err).WithField("device", name).Warn("nicinfo: failed to read device stats")
			devices = append(devices, Device{Name: name})
			continue
		}

		var ports = make([]Port, 0, len(stats.PortStats))
		for _, portStats := range stats.PortStats {
			var p = Port{Port: strconv.Itoa(portStats.Port)}
			for _, stat := range portStats.HwStats {
				p.Stats = append(p.Stats, Stat{Name: stat.Name, Value: stat.Value})
			}
			for _, stat := range portStats.Stats {
				p.Stats = append(p.Stats, Stat{Name: stat.Name, Value: stat.Value})
			}
			ports = append(ports, p)
		}
		devices = append(devices, Device{Name: name, Ports: ports})
	}
	return devices
}
