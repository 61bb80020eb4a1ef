package store

import (
	"strings"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/dwongdev/defguard/api"
)

const tableNetwork = "network"

func init() {
	register(ObjectStoreConfig{
		Table: &memdb.TableSchema{
			Name: tableNetwork,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: networkIndexerByID{},
				},
				indexName: {
					Name:    indexName,
					Unique:  true,
					Indexer: networkIndexerByName{},
				},
				indexPubkey: {
					Name:         indexPubkey,
					Unique:       true,
					AllowMissing: true,
					Indexer:      networkIndexerByPubkey{},
				},
			},
		},
		Save: func(tx ReadTx, snapshot *Snapshot) error {
			var err error
			snapshot.Networks, err = FindNetworks(tx, All)
			return err
		},
		Restore: func(tx Tx, snapshot *Snapshot) error {
			networks, err := FindNetworks(tx, All)
			if err != nil {
				return err
			}
			for _, n := range networks {
				if err := DeleteNetwork(tx, n.ID); err != nil {
					return err
				}
			}
			for _, n := range snapshot.Networks {
				if err := CreateNetwork(tx, n); err != nil {
					return err
				}
			}
			return nil
		},
	})
}

// CreateNetwork adds a new network to the store.
// Returns ErrExist if the ID is already taken, ErrNameConflict if the name
// is, and ErrPubkeyConflict if the gateway public key belongs to another
// network.
func CreateNetwork(tx Tx, n *api.Network) error {
	// Ensure the name is not already in use.
	if tx.lookup(tableNetwork, indexName, strings.ToLower(n.Spec.Annotations.Name)) != nil {
		return ErrNameConflict
	}

	// The gateway keypair is a peer identity; two networks must not
	// share one.
	if n.PublicKey != "" {
		if tx.lookup(tableNetwork, indexPubkey, n.PublicKey) != nil {
			return ErrPubkeyConflict
		}
	}

	return tx.create(tableNetwork, n)
}

// UpdateNetwork updates an existing network in the store.
// Returns ErrNotExist if the network doesn't exist.
func UpdateNetwork(tx Tx, n *api.Network) error {
	// Ensure the name is either not in use or already used by this same
	// network.
	if existing := tx.lookup(tableNetwork, indexName, strings.ToLower(n.Spec.Annotations.Name)); existing != nil {
		if existing.GetID() != n.ID {
			return ErrNameConflict
		}
	}

	if n.PublicKey != "" {
		if existing := tx.lookup(tableNetwork, indexPubkey, n.PublicKey); existing != nil {
			if existing.GetID() != n.ID {
				return ErrPubkeyConflict
			}
		}
	}

	return tx.update(tableNetwork, n)
}

// DeleteNetwork removes a network from the store.
// Returns ErrNotExist if the network doesn't exist.
func DeleteNetwork(tx Tx, id string) error {
	return tx.delete(tableNetwork, id)
}

// GetNetwork looks up a network by ID.
// Returns nil if the network doesn't exist.
func GetNetwork(tx ReadTx, id string) *api.Network {
	n := tx.get(tableNetwork, id)
	if n == nil {
		return nil
	}
	return n.(*api.Network)
}

// FindNetworks selects a set of networks and returns them.
func FindNetworks(tx ReadTx, by By) ([]*api.Network, error) {
	checkType := func(by By) error {
		switch by.(type) {
		case byName, byIDPrefix, byPubkey:
			return nil
		default:
			return ErrInvalidFindBy
		}
	}

	networkList := []*api.Network{}
	appendResult := func(o api.StoreObject) {
		networkList = append(networkList, o.(*api.Network))
	}

	err := tx.find(tableNetwork, by, checkType, appendResult)
	return networkList, err
}

type networkIndexerByID struct{}

func (ni networkIndexerByID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (ni networkIndexerByID) FromObject(obj interface{}) (bool, []byte, error) {
	n, ok := obj.(*api.Network)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	val := n.ID + "\x00"
	return true, []byte(val), nil
}

func (ni networkIndexerByID) PrefixFromArgs(args ...interface{}) ([]byte, error) {
	return prefixFromArgs(args...)
}

type networkIndexerByName struct{}

func (ni networkIndexerByName) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (ni networkIndexerByName) FromObject(obj interface{}) (bool, []byte, error) {
	n, ok := obj.(*api.Network)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	return true, []byte(strings.ToLower(n.Spec.Annotations.Name) + "\x00"), nil
}

type networkIndexerByPubkey struct{}

func (ni networkIndexerByPubkey) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (ni networkIndexerByPubkey) FromObject(obj interface{}) (bool, []byte, error) {
	n, ok := obj.(*api.Network)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	if n.PublicKey == "" {
		return false, nil, nil
	}

	// Add the null character as a terminator
	return true, []byte(n.PublicKey + "\x00"), nil
}
