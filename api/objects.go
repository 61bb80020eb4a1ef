package api

import (
	"net/netip"
	"time"
)

// Version tracks the last time an object in the store was updated.
type Version struct {
	Index uint64
}

// Meta contains metadata about objects. Every object in the store has it.
type Meta struct {
	Version   Version
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Annotations provide useful information to identify API objects. They are
// common to all API specs.
type Annotations struct {
	Name   string
	Labels map[string]string
}

// Copy returns a deep copy of the annotations.
func (a *Annotations) Copy() *Annotations {
	if a == nil {
		return nil
	}
	o := *a
	if a.Labels != nil {
		o.Labels = make(map[string]string, len(a.Labels))
		for k, v := range a.Labels {
			o.Labels[k] = v
		}
	}
	return &o
}

// NetworkSpec is the admin-provided definition of a network.
type NetworkSpec struct {
	Annotations Annotations

	// Blocks are the address blocks device addresses are drawn from.
	// Order is significant: a membership link holds exactly one address
	// per block, with address i inside block i.
	Blocks []netip.Prefix

	// Endpoint and Port form the gateway endpoint advertised to devices.
	Endpoint string
	Port     uint16

	// DNS servers pushed to devices. Empty means the rendered device
	// config carries no DNS line.
	DNS []string

	// AllowedIPs are additional routes devices send through the tunnel,
	// beyond their own assigned addresses.
	AllowedIPs []netip.Prefix

	// MFARequired gates tunnel traffic on a completed MFA session.
	MFARequired bool

	// ACLEnabled turns on firewall config evaluation for this network.
	// ACLDefaultAllow selects the default verdict for unmatched traffic.
	ACLEnabled      bool
	ACLDefaultAllow bool

	// KeepaliveInterval is the persistent keepalive pushed to gateways
	// for every peer. DisconnectThreshold bounds how stale a peer's last
	// handshake may be before the peer counts as inactive.
	KeepaliveInterval   time.Duration
	DisconnectThreshold time.Duration
}

// Copy returns a deep copy of the spec.
func (s *NetworkSpec) Copy() *NetworkSpec {
	if s == nil {
		return nil
	}
	o := *s
	o.Annotations = *s.Annotations.Copy()
	o.Blocks = append([]netip.Prefix(nil), s.Blocks...)
	o.DNS = append([]string(nil), s.DNS...)
	o.AllowedIPs = append([]netip.Prefix(nil), s.AllowedIPs...)
	return &o
}

// Network is a VPN location: an owned address space, a gateway keypair, and
// the policy applied to devices connecting through it.
type Network struct {
	ID string

	Meta Meta

	Spec NetworkSpec

	// PublicKey and PrivateKey form the WireGuard keypair shared by the
	// network's gateways. The public key is the peer identity devices
	// connect to; it occupies the same identity space as device public
	// keys and must never collide with one.
	PublicKey  string
	PrivateKey string
}

// Copy returns a deep copy of the network.
func (n *Network) Copy() *Network {
	if n == nil {
		return nil
	}
	o := *n
	o.Spec = *n.Spec.Copy()
	return &o
}

// DeviceType discriminates how a device acquires network membership.
type DeviceType int32

const (
	// DeviceTypeUser devices belong to a person and join every network
	// they are allowed into, with allocated addresses.
	DeviceTypeUser DeviceType = iota
	// DeviceTypeNetwork devices are fixed infrastructure pinned to a
	// single network with explicitly assigned addresses.
	DeviceTypeNetwork
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeUser:
		return "user"
	case DeviceTypeNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// DeviceSpec is the admin-provided definition of a device.
type DeviceSpec struct {
	Annotations Annotations

	// PublicKey is the device's WireGuard public key. It is unique
	// across devices and acts as the device's identity on the wire.
	PublicKey string

	// OwnerID names the owning user account. Imported devices carry an
	// empty owner until mapped.
	OwnerID string

	Type DeviceType

	Description string
}

// Copy returns a deep copy of the spec.
func (s *DeviceSpec) Copy() *DeviceSpec {
	if s == nil {
		return nil
	}
	o := *s
	o.Annotations = *s.Annotations.Copy()
	return &o
}

// Device is a client or fixed endpoint that participates in networks.
type Device struct {
	ID string

	Meta Meta

	Spec DeviceSpec

	// Configured marks the device ready to receive gateway
	// configuration. Unconfigured devices are tracked in the store but
	// withheld from gateway peer lists.
	Configured bool
}

// Copy returns a deep copy of the device.
func (d *Device) Copy() *Device {
	if d == nil {
		return nil
	}
	o := *d
	o.Spec = *d.Spec.Copy()
	return &o
}

// NetworkDeviceLink records one device's membership in one network together
// with the addresses assigned to it. There is at most one link per
// (device, network) pair, and an address is held by at most one link within
// a network.
type NetworkDeviceLink struct {
	ID string

	Meta Meta

	NetworkID string
	DeviceID  string

	// Addresses hold one entry per network block, in block order.
	Addresses []netip.Addr

	// PresharedKey is the optional per-peer preshared key.
	PresharedKey string

	// Authorized records a completed MFA session for this membership.
	Authorized   bool
	AuthorizedAt time.Time
}

// Copy returns a deep copy of the link.
func (l *NetworkDeviceLink) Copy() *NetworkDeviceLink {
	if l == nil {
		return nil
	}
	o := *l
	o.Addresses = append([]netip.Addr(nil), l.Addresses...)
	return &o
}
