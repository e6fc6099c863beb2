// Package netif lists the local IPv4 addresses a peer can be reached on and
// guesses what kind of network each one belongs to.
package netif

import (
	"net"
	"net/netip"
	"strings"
)

// Kind is a best-effort label for an interface.
type Kind string

const (
	KindWiFi     Kind = "WiFi"
	KindEthernet Kind = "Ethernet"
	KindVPN      Kind = "VPN/overlay"
	KindLocal    Kind = "Local network"
	KindUnknown  Kind = "Unknown"
)

// Interface is one usable local address.
type Interface struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Kind    Kind   `json:"kind"`
}

var (
	overlayPrefixes  = []string{"zt", "tailscale", "wg", "tun", "tap", "utun", "nordlynx", "zerotier"}
	overlayContains  = []string{"zerotier", "tailscale", "wireguard", "openvpn", "vpn"}
	wirelessPrefixes = []string{"wlan", "wlp", "wlx", "wl"}
	wirelessContains = []string{"wi-fi", "wifi", "wireless"}
	wiredPrefixes    = []string{"eth", "enp", "eno", "ens", "enx"}
	wiredContains    = []string{"ethernet"}

	privateRanges = []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
	}
	// Carrier-grade NAT space, used by Tailscale and similar overlays.
	overlayRange = netip.MustParsePrefix("100.64.0.0/10")
)

// Classify labels an interface by its name first and its address second.
func Classify(name, address string) Kind {
	lower := strings.ToLower(name)

	switch {
	case matches(lower, overlayPrefixes, overlayContains):
		return KindVPN
	case matches(lower, wirelessPrefixes, wirelessContains):
		return KindWiFi
	case matches(lower, wiredPrefixes, wiredContains):
		return KindEthernet
	}

	addr, err := netip.ParseAddr(address)
	if err != nil {
		return KindUnknown
	}
	for _, p := range privateRanges {
		if p.Contains(addr) {
			return KindLocal
		}
	}
	if overlayRange.Contains(addr) {
		return KindVPN
	}
	return KindUnknown
}

func matches(name string, prefixes, substrings []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	for _, s := range substrings {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

// List returns every active, non-loopback IPv4 address of this host. It
// never fails: an unreadable interface table yields an empty list.
func List() []Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return []Interface{}
	}

	result := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, ip := range ipv4s(addrs) {
			result = append(result, Interface{
				Name:    iface.Name,
				Address: ip,
				Kind:    Classify(iface.Name, ip),
			})
		}
	}
	return result
}

// ipv4s extracts usable IPv4 addresses from an interface address list.
func ipv4s(addrs []net.Addr) []string {
	var out []string
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}

		if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			out = append(out, v4.String())
		}
	}
	return out
}

// LocalIPv4Set returns the addresses of List as a set.
func LocalIPv4Set() map[string]struct{} {
	set := make(map[string]struct{})
	for _, iface := range List() {
		set[iface.Address] = struct{}{}
	}
	return set
}

// PrimaryAddress picks the address peers should use to reach this host.
func PrimaryAddress() string {
	if addr := pickPrimary(List()); addr != "" {
		return addr
	}
	if addr := outboundAddress(); addr != "" {
		return addr
	}
	return "127.0.0.1"
}

// pickPrimary prefers physical adapters, then overlays, then anything.
func pickPrimary(ifaces []Interface) string {
	for _, iface := range ifaces {
		if iface.Kind == KindEthernet || iface.Kind == KindWiFi {
			return iface.Address
		}
	}
	for _, iface := range ifaces {
		if iface.Kind == KindVPN {
			return iface.Address
		}
	}
	if len(ifaces) > 0 {
		return ifaces[0].Address
	}
	return ""
}

// outboundAddress asks the kernel which source address it would route an
// external datagram from. Connecting a UDP socket sends nothing.
func outboundAddress() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP != nil && !addr.IP.IsUnspecified() {
		return addr.IP.String()
	}
	return ""
}
