// Package allocator assigns addresses to devices joining a network. Every
// network block contributes exactly one address per device, chosen inside a
// store transaction so that concurrent assignments cannot collide.
package allocator

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/uuid"

	"github.com/dwongdev/defguard/api"
	"github.com/dwongdev/defguard/manager/state/store"
)

// ErrCannotAllocate is returned when a network block has no free address
// left for the device.
var ErrCannotAllocate = errors.New("no available address in network block")

// InvalidAssignmentError is returned by AssignExact when a requested address
// cannot be assigned.
type InvalidAssignmentError struct {
	Addr   netip.Addr
	Reason string
}

func (e InvalidAssignmentError) Error() string {
	if !e.Addr.IsValid() {
		return "invalid address assignment: " + e.Reason
	}
	return fmt.Sprintf("invalid address assignment %s: %s", e.Addr, e.Reason)
}

// AssignNext chooses one address per network block for the device and
// upserts the membership link holding them. Addresses the device already
// holds are kept when they are still valid, so repeated calls are stable
// across network reconfiguration. Selection is all-or-nothing: if any block
// is exhausted, nothing is written and ErrCannotAllocate is returned.
//
// Addresses in reserved are never chosen for new assignments.
func AssignNext(tx store.Tx, device *api.Device, network *api.Network, reserved []netip.Addr) (*api.NetworkDeviceLink, error) {
	existing := store.GetLinkByMembership(tx, device.ID, network.ID)

	var current []netip.Addr
	if existing != nil {
		current = existing.Addresses
	}

	reservedSet := make(map[netip.Addr]struct{}, len(reserved))
	for _, addr := range reserved {
		reservedSet[addr] = struct{}{}
	}

	addrs := make([]netip.Addr, 0, len(network.Spec.Blocks))
	for _, block := range network.Spec.Blocks {
		block = block.Masked()

		if addr, ok := heldValidAddr(tx, device.ID, network.ID, block, current); ok {
			addrs = append(addrs, addr)
			continue
		}

		addr, ok := nextFreeAddr(tx, device.ID, network.ID, block, reservedSet)
		if !ok {
			return nil, ErrCannotAllocate
		}
		addrs = append(addrs, addr)
	}

	link, err := upsertLink(tx, existing, device.ID, network.ID, addrs)
	if err == store.ErrAddressConflict {
		return nil, ErrCannotAllocate
	}
	return link, err
}

// AssignExact assigns administrator-chosen addresses to the device, one per
// network block in block order, and upserts the membership link. Any
// violation fails with InvalidAssignmentError and writes nothing.
func AssignExact(tx store.Tx, device *api.Device, network *api.Network, addrs []netip.Addr) (*api.NetworkDeviceLink, error) {
	if len(addrs) != len(network.Spec.Blocks) {
		return nil, InvalidAssignmentError{
			Reason: fmt.Sprintf("expected %d addresses, one per network block, got %d", len(network.Spec.Blocks), len(addrs)),
		}
	}

	for i, addr := range addrs {
		block := network.Spec.Blocks[i].Masked()

		if !block.Contains(addr) {
			return nil, InvalidAssignmentError{
				Addr:   addr,
				Reason: fmt.Sprintf("outside network block %s", block),
			}
		}
		if addr == block.Addr() {
			return nil, InvalidAssignmentError{
				Addr:   addr,
				Reason: fmt.Sprintf("is the network address of block %s", block),
			}
		}
		if addr == lastAddr(block) {
			return nil, InvalidAssignmentError{
				Addr:   addr,
				Reason: fmt.Sprintf("is the broadcast address of block %s", block),
			}
		}
		if holder := store.GetLinkByAddress(tx, network.ID, addr); holder != nil && holder.DeviceID != device.ID {
			return nil, InvalidAssignmentError{
				Addr:   addr,
				Reason: "already assigned to another device",
			}
		}
	}

	existing := store.GetLinkByMembership(tx, device.ID, network.ID)
	return upsertLink(tx, existing, device.ID, network.ID, addrs)
}

// LinkValid reports whether the link's addresses still satisfy the
// network's block layout: one address per block in block order, each a
// usable host address of its block.
func LinkValid(link *api.NetworkDeviceLink, network *api.Network) bool {
	if len(link.Addresses) != len(network.Spec.Blocks) {
		return false
	}
	for i, addr := range link.Addresses {
		block := network.Spec.Blocks[i].Masked()
		if !block.Contains(addr) || addr == block.Addr() || addr == lastAddr(block) {
			return false
		}
	}
	return true
}

// heldValidAddr returns an address from current that lies inside the block
// and is still assignable to the device.
func heldValidAddr(tx store.ReadTx, deviceID, networkID string, block netip.Prefix, current []netip.Addr) (netip.Addr, bool) {
	for _, addr := range current {
		if !block.Contains(addr) {
			continue
		}
		if addr == block.Addr() || addr == lastAddr(block) {
			continue
		}
		if holder := store.GetLinkByAddress(tx, networkID, addr); holder != nil && holder.DeviceID != deviceID {
			continue
		}
		return addr, true
	}
	return netip.Addr{}, false
}

// nextFreeAddr scans the block's host addresses in ascending order and
// returns the first one that is neither held by another device nor reserved.
func nextFreeAddr(tx store.ReadTx, deviceID, networkID string, block netip.Prefix, reserved map[netip.Addr]struct{}) (netip.Addr, bool) {
	last := lastAddr(block)
	for addr := block.Addr().Next(); block.Contains(addr) && addr.Compare(last) < 0; addr = addr.Next() {
		if _, ok := reserved[addr]; ok {
			continue
		}
		if holder := store.GetLinkByAddress(tx, networkID, addr); holder != nil && holder.DeviceID != deviceID {
			continue
		}
		return addr, true
	}
	return netip.Addr{}, false
}

func upsertLink(tx store.Tx, existing *api.NetworkDeviceLink, deviceID, networkID string, addrs []netip.Addr) (*api.NetworkDeviceLink, error) {
	if existing != nil {
		existing.Addresses = addrs
		if err := store.UpdateLink(tx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	link := &api.NetworkDeviceLink{
		ID:        uuid.New().String(),
		NetworkID: networkID,
		DeviceID:  deviceID,
		Addresses: addrs,
	}
	if err := store.CreateLink(tx, link); err != nil {
		return nil, err
	}
	return link, nil
}

// lastAddr returns the last address of a block, the broadcast address for
// IPv4 blocks. The block must be masked.
func lastAddr(block netip.Prefix) netip.Addr {
	if block.Addr().Is4() {
		a := block.Addr().As4()
		for b := block.Bits(); b < 32; b++ {
			a[b/8] |= 1 << (7 - b%8)
		}
		return netip.AddrFrom4(a)
	}
	a := block.Addr().As16()
	for b := block.Bits(); b < 128; b++ {
		a[b/8] |= 1 << (7 - b%8)
	}
	return netip.AddrFrom16(a)
}
