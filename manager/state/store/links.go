package store

import (
	"net/netip"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/dwongdev/defguard/api"
)

const tableLink = "link"

func init() {
	register(ObjectStoreConfig{
		Table: &memdb.TableSchema{
			Name: tableLink,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: linkIndexerByID{},
				},
				indexMembership: {
					Name:    indexMembership,
					Unique:  true,
					Indexer: linkIndexerByMembership{},
				},
				indexNetworkID: {
					Name:    indexNetworkID,
					Indexer: linkIndexerByNetworkID{},
				},
				indexDeviceID: {
					Name:    indexDeviceID,
					Indexer: linkIndexerByDeviceID{},
				},
				indexAddress: {
					Name:         indexAddress,
					Unique:       true,
					AllowMissing: true,
					Indexer:      linkIndexerByAddress{},
				},
			},
		},
		Save: func(tx ReadTx, snapshot *Snapshot) error {
			var err error
			snapshot.Links, err = FindLinks(tx, All)
			return err
		},
		Restore: func(tx Tx, snapshot *Snapshot) error {
			links, err := FindLinks(tx, All)
			if err != nil {
				return err
			}
			for _, l := range links {
				if err := DeleteLink(tx, l.ID); err != nil {
					return err
				}
			}
			for _, l := range snapshot.Links {
				if err := CreateLink(tx, l); err != nil {
					return err
				}
			}
			return nil
		},
	})
}

// membershipKey builds the compound lookup key for the device/network
// membership index.
func membershipKey(deviceID, networkID string) string {
	return deviceID + "\x00" + networkID
}

// networkAddressKey builds the compound lookup key for the per-network
// address index.
func networkAddressKey(networkID string, addr netip.Addr) string {
	return networkID + "\x00" + addr.String()
}

// CreateLink adds a new device/network link to the store.
// Returns ErrExist if the ID or the device/network pair is already present,
// and ErrAddressConflict if any of its addresses is held by another link in
// the same network.
func CreateLink(tx Tx, l *api.NetworkDeviceLink) error {
	if tx.lookup(tableLink, indexMembership, membershipKey(l.DeviceID, l.NetworkID)) != nil {
		return ErrExist
	}

	for _, addr := range l.Addresses {
		if tx.lookup(tableLink, indexAddress, networkAddressKey(l.NetworkID, addr)) != nil {
			return ErrAddressConflict
		}
	}

	return tx.create(tableLink, l)
}

// UpdateLink updates an existing link in the store.
// Returns ErrNotExist if the link doesn't exist, and ErrAddressConflict if
// the update would take an address held by another link in the same network.
func UpdateLink(tx Tx, l *api.NetworkDeviceLink) error {
	if existing := tx.lookup(tableLink, indexMembership, membershipKey(l.DeviceID, l.NetworkID)); existing != nil {
		if existing.GetID() != l.ID {
			return ErrExist
		}
	}

	for _, addr := range l.Addresses {
		if existing := tx.lookup(tableLink, indexAddress, networkAddressKey(l.NetworkID, addr)); existing != nil {
			if existing.GetID() != l.ID {
				return ErrAddressConflict
			}
		}
	}

	return tx.update(tableLink, l)
}

// DeleteLink removes a link from the store.
// Returns ErrNotExist if the link doesn't exist.
func DeleteLink(tx Tx, id string) error {
	return tx.delete(tableLink, id)
}

// GetLink looks up a link by ID.
// Returns nil if the link doesn't exist.
func GetLink(tx ReadTx, id string) *api.NetworkDeviceLink {
	l := tx.get(tableLink, id)
	if l == nil {
		return nil
	}
	return l.(*api.NetworkDeviceLink)
}

// GetLinkByMembership looks up the link joining a device to a network.
// Returns nil if the device is not a member of the network.
func GetLinkByMembership(tx ReadTx, deviceID, networkID string) *api.NetworkDeviceLink {
	l := tx.lookup(tableLink, indexMembership, membershipKey(deviceID, networkID))
	if l == nil {
		return nil
	}
	return l.CopyStoreObject().(*api.NetworkDeviceLink)
}

// GetLinkByAddress looks up the link holding an address within a network.
// Returns nil if the address is unassigned.
func GetLinkByAddress(tx ReadTx, networkID string, addr netip.Addr) *api.NetworkDeviceLink {
	l := tx.lookup(tableLink, indexAddress, networkAddressKey(networkID, addr))
	if l == nil {
		return nil
	}
	return l.CopyStoreObject().(*api.NetworkDeviceLink)
}

// FindLinks selects a set of links and returns them.
func FindLinks(tx ReadTx, by By) ([]*api.NetworkDeviceLink, error) {
	checkType := func(by By) error {
		switch by.(type) {
		case byIDPrefix, byNetworkID, byDeviceID:
			return nil
		default:
			return ErrInvalidFindBy
		}
	}

	linkList := []*api.NetworkDeviceLink{}
	appendResult := func(o api.StoreObject) {
		linkList = append(linkList, o.(*api.NetworkDeviceLink))
	}

	err := tx.find(tableLink, by, checkType, appendResult)
	return linkList, err
}

type linkIndexerByID struct{}

func (li linkIndexerByID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (li linkIndexerByID) FromObject(obj interface{}) (bool, []byte, error) {
	l, ok := obj.(*api.NetworkDeviceLink)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	val := l.ID + "\x00"
	return true, []byte(val), nil
}

func (li linkIndexerByID) PrefixFromArgs(args ...interface{}) ([]byte, error) {
	return prefixFromArgs(args...)
}

type linkIndexerByMembership struct{}

func (li linkIndexerByMembership) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (li linkIndexerByMembership) FromObject(obj interface{}) (bool, []byte, error) {
	l, ok := obj.(*api.NetworkDeviceLink)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	return true, []byte(membershipKey(l.DeviceID, l.NetworkID) + "\x00"), nil
}

type linkIndexerByNetworkID struct{}

func (li linkIndexerByNetworkID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (li linkIndexerByNetworkID) FromObject(obj interface{}) (bool, []byte, error) {
	l, ok := obj.(*api.NetworkDeviceLink)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	return true, []byte(l.NetworkID + "\x00"), nil
}

type linkIndexerByDeviceID struct{}

func (li linkIndexerByDeviceID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (li linkIndexerByDeviceID) FromObject(obj interface{}) (bool, []byte, error) {
	l, ok := obj.(*api.NetworkDeviceLink)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	return true, []byte(l.DeviceID + "\x00"), nil
}

type linkIndexerByAddress struct{}

func (li linkIndexerByAddress) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (li linkIndexerByAddress) FromObject(obj interface{}) (bool, [][]byte, error) {
	l, ok := obj.(*api.NetworkDeviceLink)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	if len(l.Addresses) == 0 {
		return false, nil, nil
	}

	keys := make([][]byte, 0, len(l.Addresses))
	for _, addr := range l.Addresses {
		// Add the null character as a terminator
		keys = append(keys, []byte(networkAddressKey(l.NetworkID, addr)+"\x00"))
	}
	return true, keys, nil
}
