package api

import (
	"net/netip"
	"time"
)

// GatewayEvent is a change notification fanned out to gateway processes.
// Events carry everything a gateway needs to act, so gateways never query
// back into the control plane. NetworkIDs names the networks whose gateways
// must see the event; the dispatcher filters per-gateway streams with it.
type GatewayEvent interface {
	NetworkIDs() []string
}

// Peer is one WireGuard peer entry as pushed to gateways: the device key
// plus the addresses the gateway routes to it.
type Peer struct {
	PublicKey    string
	PresharedKey string
	AllowedIPs   []netip.Addr
	Keepalive    time.Duration
}

// DeviceNetworkInfo describes one device's membership in one network.
type DeviceNetworkInfo struct {
	NetworkID        string
	Addresses        []netip.Addr
	PresharedKey     string
	AuthorizedForMFA bool
}

// FirewallConfig is the rendered packet filter state for one network. The
// control plane does not interpret it: a FirewallEvaluator produces it and
// gateways consume it verbatim.
type FirewallConfig struct {
	NetworkID    string
	Version      uint64
	DefaultAllow bool
	Rules        []FirewallRule
}

// FirewallRule is a single allow or deny entry within a FirewallConfig.
type FirewallRule struct {
	ID          string
	Allow       bool
	SourceAddrs []netip.Prefix
	DestAddrs   []netip.Prefix
	DestPorts   []uint16
	Protocols   []string
}

// NetworkCreated announces a new network.
type NetworkCreated struct {
	Network *Network
}

func (e NetworkCreated) NetworkIDs() []string {
	return []string{e.Network.ID}
}

// NetworkModified carries the new network definition together with the full
// current peer list, so gateways reconcile against it instead of replaying
// deltas. Firewall is non-nil only when ACL evaluation produced a config.
type NetworkModified struct {
	Network  *Network
	Peers    []Peer
	Firewall *FirewallConfig
}

func (e NetworkModified) NetworkIDs() []string {
	return []string{e.Network.ID}
}

// NetworkDeleted announces that a network is gone. Only the identity
// survives deletion, so that is all it carries.
type NetworkDeleted struct {
	NetworkID   string
	NetworkName string
}

func (e NetworkDeleted) NetworkIDs() []string {
	return []string{e.NetworkID}
}

// DeviceCreated announces a device that gained membership in the networks
// listed in NetworkInfo.
type DeviceCreated struct {
	Device      *Device
	NetworkInfo []DeviceNetworkInfo
}

func (e DeviceCreated) NetworkIDs() []string {
	return networkInfoIDs(e.NetworkInfo)
}

// DeviceModified announces changed device state or membership.
type DeviceModified struct {
	Device      *Device
	NetworkInfo []DeviceNetworkInfo
}

func (e DeviceModified) NetworkIDs() []string {
	return networkInfoIDs(e.NetworkInfo)
}

// DeviceDeleted announces a removed device, with the final memberships so
// gateways can drop the peer entries.
type DeviceDeleted struct {
	Device      *Device
	NetworkInfo []DeviceNetworkInfo
}

func (e DeviceDeleted) NetworkIDs() []string {
	return networkInfoIDs(e.NetworkInfo)
}

// FirewallConfigChanged pushes a re-evaluated ruleset for one network.
type FirewallConfigChanged struct {
	NetworkID string
	Firewall  *FirewallConfig
}

func (e FirewallConfigChanged) NetworkIDs() []string {
	return []string{e.NetworkID}
}

func networkInfoIDs(info []DeviceNetworkInfo) []string {
	ids := make([]string, 0, len(info))
	for _, ni := range info {
		ids = append(ids, ni.NetworkID)
	}
	return ids
}
