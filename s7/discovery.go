package s7

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"s7link/logging"
)

// DiscoveredDevice contains identity information about a discovered S7 PLC.
type DiscoveredDevice struct {
	IP          net.IP // Device IP address
	Port        uint16 // S7 port (102)
	Rack        int    // Rack that accepted the connection
	Slot        int    // Slot that accepted the connection
	PDUSize     int    // PDU length negotiated during setup
	ProductName string // Product name if available
	Connected   bool   // True if the full handshake completed
}

// probeSlots are tried in order: S7-1200/1500 (slot 1, then 0), then S7-300/400 (slot 2).
var probeSlots = []int{1, 0, 2}

// Discover scans a list of IP addresses for S7 PLCs by attempting to connect
// to TCP port 102 and perform the COTP/S7 handshake.
//
// ips is a list of IP addresses to probe.
// timeout is the connection timeout per device (e.g., 500ms).
// concurrency is the number of parallel probes (e.g., 20).
//
// Returns discovered devices that responded to S7 protocol.
func Discover(ips []net.IP, timeout time.Duration, concurrency int) []DiscoveredDevice {
	return DiscoverPort(ips, defaultS7Port, timeout, concurrency)
}

// DiscoverPort is Discover against a non-standard port.
func DiscoverPort(ips []net.IP, port int, timeout time.Duration, concurrency int) []DiscoveredDevice {
	if len(ips) == 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	if concurrency <= 0 {
		concurrency = 20
	}

	var (
		results []DiscoveredDevice
		mu      sync.Mutex
		wg      sync.WaitGroup
		sem     = make(chan struct{}, concurrency)
	)

	for _, ip := range ips {
		wg.Add(1)
		sem <- struct{}{}

		go func(ip net.IP) {
			defer wg.Done()
			defer func() { <-sem }()

			device := probeS7(ip, port, timeout)
			if device != nil {
				mu.Lock()
				results = append(results, *device)
				mu.Unlock()
			}
		}(ip)
	}

	wg.Wait()

	sort.Slice(results, func(i, j int) bool {
		return bytes.Compare(results[i].IP.To16(), results[j].IP.To16()) < 0
	})
	return results
}

// DiscoverSubnet scans a subnet for S7 PLCs.
// cidr is in the format "192.168.1.0/24".
func DiscoverSubnet(cidr string, timeout time.Duration, concurrency int) ([]DiscoveredDevice, error) {
	ips, err := expandCIDR(cidr)
	if err != nil {
		return nil, err
	}
	return Discover(ips, timeout, concurrency), nil
}

// probeS7 attempts to connect to an S7 PLC and identify it.
func probeS7(ip net.IP, port int, timeout time.Duration) *DiscoveredDevice {
	for _, slot := range probeSlots {
		device, err := tryS7Connect(ip, port, 0, slot, timeout)
		if device != nil {
			return device
		}
		// Nothing listening; other slots will not help
		var te *TransportError
		if errors.As(err, &te) && te.Op == "dial" {
			return nil
		}
	}
	return nil
}

// tryS7Connect attempts a full S7 handshake with specific rack/slot.
func tryS7Connect(ip net.IP, port, rack, slot int, timeout time.Duration) (*DiscoveredDevice, error) {
	t := newTransport(ip.String(), port, rack, slot, timeout, defaultPDUSize)
	if err := t.connect(); err != nil {
		logging.DebugLog("s7/discovery", "%s rack %d slot %d: %v", t.address, rack, slot, err)
		return nil, err
	}
	defer t.close()

	logging.DebugLog("s7/discovery", "%s rack %d slot %d: S7 PLC, PDU %d", t.address, rack, slot, t.negotiatedPDU())
	return &DiscoveredDevice{
		IP:          ip,
		Port:        uint16(port),
		Rack:        rack,
		Slot:        slot,
		PDUSize:     int(t.negotiatedPDU()),
		ProductName: "Siemens S7 PLC",
		Connected:   true,
	}, nil
}

// expandCIDR expands a CIDR notation to a list of IP addresses.
func expandCIDR(cidr string) ([]net.IP, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR: %w", err)
	}

	var ips []net.IP
	for ip := ip.Mask(ipnet.Mask); ipnet.Contains(ip); inc(ip) {
		// Skip network and broadcast addresses for /24 and larger
		ones, bits := ipnet.Mask.Size()
		if bits-ones >= 8 {
			if ip[len(ip)-1] == 0 || ip[len(ip)-1] == 255 {
				continue
			}
		}
		ipCopy := make(net.IP, len(ip))
		copy(ipCopy, ip)
		ips = append(ips, ipCopy)
	}

	return ips, nil
}

// inc increments an IP address.
func inc(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}
