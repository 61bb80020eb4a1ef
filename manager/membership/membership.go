// Package membership implements the bulk membership operations of the
// control plane: joining a device to every network, reconciling a
// network's membership against its allowed device set, and absorbing
// devices declared by imported tunnel configs. Every operation runs
// inside a caller-supplied store transaction and returns the gateway
// events the mutation implies, in order; nothing is committed or
// dispatched here, so an error leaves the caller free to roll the whole
// transaction back.
package membership

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/pkg/errors"

	"github.com/dwongdev/defguard/api"
	"github.com/dwongdev/defguard/manager/allocator"
	"github.com/dwongdev/defguard/manager/state/store"
)

// JoinStatus is the per-network result of a bulk join.
type JoinStatus int

const (
	// Joined means a membership link was created and an event produced.
	Joined JoinStatus = iota
	// JoinSkippedExisting means the device already held a link, so the
	// network was skipped to keep the join idempotent.
	JoinSkippedExisting
	// JoinSkippedNoAddress means the network had no free address left.
	JoinSkippedNoAddress
)

func (s JoinStatus) String() string {
	switch s {
	case Joined:
		return "joined"
	case JoinSkippedExisting:
		return "skipped: existing membership"
	case JoinSkippedNoAddress:
		return "skipped: no free address"
	default:
		return "unknown"
	}
}

// JoinOutcome reports what JoinAllNetworks did for one network.
type JoinOutcome struct {
	NetworkID string
	Status    JoinStatus

	// Link is the membership link, set only when Status is Joined.
	Link *api.NetworkDeviceLink
}

// PubkeyConflictError aborts a join when a device public key collides
// with a network's gateway key. Devices and gateways share one identity
// space on the wire, so the collision is fatal rather than skippable.
type PubkeyConflictError struct {
	PublicKey string
	NetworkID string
}

func (e PubkeyConflictError) Error() string {
	return fmt.Sprintf("public key %s collides with the gateway key of network %s", e.PublicKey, e.NetworkID)
}

// SortNetworks orders networks by creation time, oldest first, with the
// ID as a tiebreaker. Bulk operations visit networks in this order so
// their outcomes and events are deterministic.
func SortNetworks(networks []*api.Network) {
	sort.Slice(networks, func(i, j int) bool {
		ci, cj := networks[i].Meta.CreatedAt, networks[j].Meta.CreatedAt
		if ci.Equal(cj) {
			return networks[i].ID < networks[j].ID
		}
		return ci.Before(cj)
	})
}

// JoinAllNetworks links the device into every network, allocating one
// address per block. A network where the device already holds a link is
// skipped, as is a network with no free address; both skips are reported
// in the outcomes rather than silently dropped. A device key that
// collides with a network's gateway key aborts the call with
// PubkeyConflictError, returning the outcomes and events granted up to
// that point; whether those survive is the caller's transaction's call.
func JoinAllNetworks(tx store.Tx, device *api.Device) ([]JoinOutcome, []api.GatewayEvent, error) {
	networks, err := store.FindNetworks(tx, store.All)
	if err != nil {
		return nil, nil, err
	}
	SortNetworks(networks)

	var (
		outcomes []JoinOutcome
		events   []api.GatewayEvent
	)
	for _, network := range networks {
		if network.PublicKey != "" && device.Spec.PublicKey == network.PublicKey {
			return outcomes, events, PubkeyConflictError{
				PublicKey: device.Spec.PublicKey,
				NetworkID: network.ID,
			}
		}
		if store.GetLinkByMembership(tx, device.ID, network.ID) != nil {
			outcomes = append(outcomes, JoinOutcome{NetworkID: network.ID, Status: JoinSkippedExisting})
			continue
		}
		link, err := allocator.AssignNext(tx, device, network, nil)
		if err == allocator.ErrCannotAllocate {
			outcomes = append(outcomes, JoinOutcome{NetworkID: network.ID, Status: JoinSkippedNoAddress})
			continue
		}
		if err != nil {
			return outcomes, events, errors.Wrapf(err, "joining network %s", network.ID)
		}
		outcomes = append(outcomes, JoinOutcome{NetworkID: network.ID, Status: Joined, Link: link})
		events = append(events, api.DeviceCreated{
			Device:      device.Copy(),
			NetworkInfo: []api.DeviceNetworkInfo{linkInfo(link)},
		})
	}
	return outcomes, events, nil
}

// SyncAllowedDevices reconciles one network's membership against the set
// of devices allowed into it. Links of no-longer-allowed devices are
// removed, links whose addresses no longer fit the network's blocks are
// reassigned, and allowed devices without a link are added. Addresses in
// reserved are never handed out. Events come out in that order: removals
// first, so their addresses are free for the rest of the pass, then
// modifications, then additions.
//
// Additions and reassignments that fail for lack of a free address are
// skipped, not fatal: one full block must not wedge a bulk reconcile. A
// link that cannot be reassigned is removed instead, since keeping an
// address outside the blocks would leak traffic the network no longer
// owns.
func SyncAllowedDevices(tx store.Tx, network *api.Network, allowed []*api.Device, reserved []netip.Addr) ([]api.GatewayEvent, error) {
	links, err := store.FindLinks(tx, store.ByNetworkID(network.ID))
	if err != nil {
		return nil, err
	}
	sort.Slice(links, func(i, j int) bool { return links[i].DeviceID < links[j].DeviceID })

	allowedByID := make(map[string]*api.Device, len(allowed))
	for _, device := range allowed {
		allowedByID[device.ID] = device
	}
	linked := make(map[string]struct{}, len(links))
	for _, link := range links {
		linked[link.DeviceID] = struct{}{}
	}

	var events []api.GatewayEvent

	for _, link := range links {
		if _, ok := allowedByID[link.DeviceID]; ok {
			continue
		}
		if err := store.DeleteLink(tx, link.ID); err != nil {
			return nil, errors.Wrapf(err, "removing device %s from network %s", link.DeviceID, network.ID)
		}
		delete(linked, link.DeviceID)
		if device := store.GetDevice(tx, link.DeviceID); device != nil {
			events = append(events, api.DeviceDeleted{
				Device:      device,
				NetworkInfo: []api.DeviceNetworkInfo{linkInfo(link)},
			})
		}
	}

	for _, link := range links {
		device, ok := allowedByID[link.DeviceID]
		if !ok {
			continue
		}
		if allocator.LinkValid(link, network) {
			continue
		}
		newLink, err := allocator.AssignNext(tx, device, network, reserved)
		if err == allocator.ErrCannotAllocate {
			if err := store.DeleteLink(tx, link.ID); err != nil {
				return nil, errors.Wrapf(err, "removing device %s from network %s", link.DeviceID, network.ID)
			}
			delete(linked, device.ID)
			events = append(events, api.DeviceDeleted{
				Device:      device.Copy(),
				NetworkInfo: []api.DeviceNetworkInfo{linkInfo(link)},
			})
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reassigning device %s in network %s", device.ID, network.ID)
		}
		events = append(events, api.DeviceModified{
			Device:      device.Copy(),
			NetworkInfo: []api.DeviceNetworkInfo{linkInfo(newLink)},
		})
	}

	for _, device := range allowed {
		if _, ok := linked[device.ID]; ok {
			continue
		}
		link, err := allocator.AssignNext(tx, device, network, reserved)
		if err == allocator.ErrCannotAllocate {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "adding device %s to network %s", device.ID, network.ID)
		}
		linked[device.ID] = struct{}{}
		events = append(events, api.DeviceCreated{
			Device:      device.Copy(),
			NetworkInfo: []api.DeviceNetworkInfo{linkInfo(link)},
		})
	}

	return events, nil
}

// AllowedDevices returns the devices eligible for membership in any
// network: every user-type device. Network-type devices are pinned to a
// single network by explicit assignment and never gain membership through
// bulk paths; NetworkAllowedDevices folds them in where they already hold
// one.
func AllowedDevices(tx store.ReadTx) ([]*api.Device, error) {
	return store.FindDevices(tx, store.ByDeviceType(api.DeviceTypeUser))
}

// NetworkAllowedDevices returns the devices whose membership in the given
// network survives a reconcile: every user device plus the network-type
// devices already linked to it. Without the latter a sync would evict
// fixed infrastructure devices, whose membership only an administrator
// grants or revokes.
func NetworkAllowedDevices(tx store.ReadTx, network *api.Network) ([]*api.Device, error) {
	allowed, err := AllowedDevices(tx)
	if err != nil {
		return nil, err
	}
	links, err := store.FindLinks(tx, store.ByNetworkID(network.ID))
	if err != nil {
		return nil, err
	}
	for _, link := range links {
		device := store.GetDevice(tx, link.DeviceID)
		if device == nil || device.Spec.Type != api.DeviceTypeNetwork {
			continue
		}
		allowed = append(allowed, device)
	}
	return allowed, nil
}

// NetworkInfo collects the device's current memberships as event payload,
// ordered by network ID.
func NetworkInfo(tx store.ReadTx, device *api.Device) ([]api.DeviceNetworkInfo, error) {
	links, err := store.FindLinks(tx, store.ByDeviceID(device.ID))
	if err != nil {
		return nil, err
	}
	sort.Slice(links, func(i, j int) bool { return links[i].NetworkID < links[j].NetworkID })
	info := make([]api.DeviceNetworkInfo, 0, len(links))
	for _, link := range links {
		info = append(info, linkInfo(link))
	}
	return info, nil
}

// Peers renders the network's current peer list for gateway consumption,
// ordered by public key. Unconfigured devices are tracked in the store
// but withheld from gateways until mapping completes.
func Peers(tx store.ReadTx, network *api.Network) ([]api.Peer, error) {
	links, err := store.FindLinks(tx, store.ByNetworkID(network.ID))
	if err != nil {
		return nil, err
	}
	peers := make([]api.Peer, 0, len(links))
	for _, link := range links {
		device := store.GetDevice(tx, link.DeviceID)
		if device == nil || !device.Configured {
			continue
		}
		peers = append(peers, api.Peer{
			PublicKey:    device.Spec.PublicKey,
			PresharedKey: link.PresharedKey,
			AllowedIPs:   append([]netip.Addr(nil), link.Addresses...),
			Keepalive:    network.Spec.KeepaliveInterval,
		})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].PublicKey < peers[j].PublicKey })
	return peers, nil
}

func linkInfo(link *api.NetworkDeviceLink) api.DeviceNetworkInfo {
	return api.DeviceNetworkInfo{
		NetworkID:        link.NetworkID,
		Addresses:        append([]netip.Addr(nil), link.Addresses...),
		PresharedKey:     link.PresharedKey,
		AuthorizedForMFA: link.Authorized,
	}
}
