package api

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/opencontainers/go-digest"
)

// configKeepalive is the persistent keepalive written into rendered device
// configs. It is part of the render contract and is independent of the
// network's gateway-side keepalive tuning.
const configKeepalive = 300

// RenderDeviceConfig produces the client tunnel configuration for one
// device's membership in a network. The layout is a stable contract
// consumed by end users and tooling: field order, separators and the
// YOUR_PRIVATE_KEY placeholder must stay byte-stable. The DNS and
// AllowedIPs lines are omitted entirely when empty.
func RenderDeviceConfig(n *Network, link *NetworkDeviceLink) string {
	var b strings.Builder

	b.WriteString("[Interface]\n")
	b.WriteString("PrivateKey = YOUR_PRIVATE_KEY\n")
	fmt.Fprintf(&b, "Address = %s\n", joinAddrs(link.Addresses))
	if len(n.Spec.DNS) > 0 {
		fmt.Fprintf(&b, "DNS = %s\n", strings.Join(n.Spec.DNS, ", "))
	}
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", n.PublicKey)
	if len(n.Spec.AllowedIPs) > 0 {
		fmt.Fprintf(&b, "AllowedIPs = %s\n", joinPrefixes(n.Spec.AllowedIPs))
	}
	fmt.Fprintf(&b, "Endpoint = %s:%d\n", n.Spec.Endpoint, n.Spec.Port)
	fmt.Fprintf(&b, "PersistentKeepalive = %d", configKeepalive)

	return b.String()
}

// DeviceConfigDigest returns the canonical digest of the rendered device
// config, so callers can detect drift without holding the full text.
func DeviceConfigDigest(n *Network, link *NetworkDeviceLink) digest.Digest {
	return digest.FromString(RenderDeviceConfig(n, link))
}

func joinAddrs(addrs []netip.Addr) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

func joinPrefixes(prefixes []netip.Prefix) string {
	parts := make([]string, len(prefixes))
	for i, p := range prefixes {
		parts[i] = p.String()
	}
	return strings.Join(parts, ", ")
}
