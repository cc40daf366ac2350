package counters

import (
	"context"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/net"
)

// InterfaceType classifies a network interface by its kernel name.
type InterfaceType string

const (
	InterfaceBluetooth  InterfaceType = "bluetooth"
	InterfaceBridge     InterfaceType = "bridge"
	InterfaceEthernet   InterfaceType = "ethernet"
	InterfaceInfiniBand InterfaceType = "infiniband"
	InterfaceSlip       InterfaceType = "slip"
	InterfaceVirtualEth InterfaceType = "virtual_ethernet"
	InterfaceVMBridge   InterfaceType = "vm_bridge"
	InterfaceWireGuard  InterfaceType = "wireguard"
	InterfaceWLAN       InterfaceType = "wlan"
	InterfaceWWAN       InterfaceType = "wwan"
	InterfaceUnknown    InterfaceType = "unknown"
)

// ClassifyInterface derives the interface type from its name prefix.
// More specific prefixes are checked before the ones they share a start with.
func ClassifyInterface(name string) InterfaceType {
	switch {
	case strings.HasPrefix(name, "bn"):
		return InterfaceBluetooth
	case strings.HasPrefix(name, "br"):
		return InterfaceBridge
	case strings.HasPrefix(name, "eth"), strings.HasPrefix(name, "en"):
		return InterfaceEthernet
	case strings.HasPrefix(name, "ib"):
		return InterfaceInfiniBand
	case strings.HasPrefix(name, "sl"):
		return InterfaceSlip
	case strings.HasPrefix(name, "veth"):
		return InterfaceVirtualEth
	case strings.HasPrefix(name, "virbr"):
		return InterfaceVMBridge
	case strings.HasPrefix(name, "wg"):
		return InterfaceWireGuard
	case strings.HasPrefix(name, "wl"):
		return InterfaceWLAN
	case strings.HasPrefix(name, "ww"):
		return InterfaceWWAN
	}
	return InterfaceUnknown
}

// Virtual reports whether the type is a software-only interface.
func (t InterfaceType) Virtual() bool {
	switch t {
	case InterfaceBridge, InterfaceVMBridge, InterfaceVirtualEth, InterfaceWireGuard:
		return true
	}
	return false
}

// NetworkReader reads per-interface traffic counters.
type NetworkReader struct {
	skipLoopback bool
	counters     func(ctx context.Context, pernic bool) ([]net.IOCountersStat, error)
}

// NewNetworkReader creates a network reader.
func NewNetworkReader(skipLoopback bool) *NetworkReader {
	return &NetworkReader{skipLoopback: skipLoopback, counters: net.IOCountersWithContext}
}

// Family returns FamilyNetwork.
func (r *NetworkReader) Family() Family { return FamilyNetwork }

// Read returns one sample per interface keyed by interface name.
func (r *NetworkReader) Read(ctx context.Context) ([]Sample, error) {
	stats, err := r.counters(ctx, true)
	if err != nil {
		return nil, err
	}
	samples := make([]Sample, 0, len(stats))
	for _, st := range stats {
		if r.skipLoopback && strings.HasPrefix(st.Name, "lo") {
			continue
		}
		s := newSample(FamilyNetwork, st.Name, st.Name)
		typ := ClassifyInterface(st.Name)
		s.Labels["type"] = string(typ)
		s.Labels["virtual"] = strconv.FormatBool(typ.Virtual())
		s.Counters["rx_bytes"] = st.BytesRecv
		s.Counters["tx_bytes"] = st.BytesSent
		s.Counters["rx_packets"] = st.PacketsRecv
		s.Counters["tx_packets"] = st.PacketsSent
		s.Gauges["rx_total_bytes"] = float64(st.BytesRecv)
		s.Gauges["tx_total_bytes"] = float64(st.BytesSent)
		samples = append(samples, s)
	}
	return samples, nil
}

// IsAvailable returns true; interface counters are always present.
func (r *NetworkReader) IsAvailable() bool { return true }
