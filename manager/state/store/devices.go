package store

import (
	"strings"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/dwongdev/defguard/api"
)

const tableDevice = "device"

func init() {
	register(ObjectStoreConfig{
		Table: &memdb.TableSchema{
			Name: tableDevice,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: deviceIndexerByID{},
				},
				// Device names are scoped to their owner, so the name
				// index is not unique.
				indexName: {
					Name:    indexName,
					Unique:  false,
					Indexer: deviceIndexerByName{},
				},
				indexPubkey: {
					Name:    indexPubkey,
					Unique:  true,
					Indexer: deviceIndexerByPubkey{},
				},
				indexOwner: {
					Name:         indexOwner,
					AllowMissing: true,
					Indexer:      deviceIndexerByOwner{},
				},
				indexDeviceType: {
					Name:    indexDeviceType,
					Indexer: deviceIndexerByType{},
				},
			},
		},
		Save: func(tx ReadTx, snapshot *Snapshot) error {
			var err error
			snapshot.Devices, err = FindDevices(tx, All)
			return err
		},
		Restore: func(tx Tx, snapshot *Snapshot) error {
			devices, err := FindDevices(tx, All)
			if err != nil {
				return err
			}
			for _, d := range devices {
				if err := DeleteDevice(tx, d.ID); err != nil {
					return err
				}
			}
			for _, d := range snapshot.Devices {
				if err := CreateDevice(tx, d); err != nil {
					return err
				}
			}
			return nil
		},
	})
}

// CreateDevice adds a new device to the store.
// Returns ErrExist if the ID is already taken, or ErrPubkeyConflict if
// another device holds the same public key.
func CreateDevice(tx Tx, d *api.Device) error {
	if tx.lookup(tableDevice, indexPubkey, d.Spec.PublicKey) != nil {
		return ErrPubkeyConflict
	}

	return tx.create(tableDevice, d)
}

// UpdateDevice updates an existing device in the store.
// Returns ErrNotExist if the device doesn't exist.
func UpdateDevice(tx Tx, d *api.Device) error {
	if existing := tx.lookup(tableDevice, indexPubkey, d.Spec.PublicKey); existing != nil {
		if existing.GetID() != d.ID {
			return ErrPubkeyConflict
		}
	}

	return tx.update(tableDevice, d)
}

// DeleteDevice removes a device from the store.
// Returns ErrNotExist if the device doesn't exist.
func DeleteDevice(tx Tx, id string) error {
	return tx.delete(tableDevice, id)
}

// GetDevice looks up a device by ID.
// Returns nil if the device doesn't exist.
func GetDevice(tx ReadTx, id string) *api.Device {
	d := tx.get(tableDevice, id)
	if d == nil {
		return nil
	}
	return d.(*api.Device)
}

// GetDeviceByPubkey looks up a device by its public key.
// Returns nil if no device holds the key.
func GetDeviceByPubkey(tx ReadTx, pubkey string) *api.Device {
	d := tx.lookup(tableDevice, indexPubkey, pubkey)
	if d == nil {
		return nil
	}
	return d.(*api.Device)
}

// FindDevices selects a set of devices and returns them.
func FindDevices(tx ReadTx, by By) ([]*api.Device, error) {
	checkType := func(by By) error {
		switch by.(type) {
		case byName, byIDPrefix, byPubkey, byOwnerID, byDeviceType:
			return nil
		default:
			return ErrInvalidFindBy
		}
	}

	deviceList := []*api.Device{}
	appendResult := func(o api.StoreObject) {
		deviceList = append(deviceList, o.(*api.Device))
	}

	err := tx.find(tableDevice, by, checkType, appendResult)
	return deviceList, err
}

type deviceIndexerByID struct{}

func (di deviceIndexerByID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (di deviceIndexerByID) FromObject(obj interface{}) (bool, []byte, error) {
	d, ok := obj.(*api.Device)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	val := d.ID + "\x00"
	return true, []byte(val), nil
}

func (di deviceIndexerByID) PrefixFromArgs(args ...interface{}) ([]byte, error) {
	return prefixFromArgs(args...)
}

type deviceIndexerByName struct{}

func (di deviceIndexerByName) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (di deviceIndexerByName) FromObject(obj interface{}) (bool, []byte, error) {
	d, ok := obj.(*api.Device)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	return true, []byte(strings.ToLower(d.Spec.Annotations.Name) + "\x00"), nil
}

type deviceIndexerByPubkey struct{}

func (di deviceIndexerByPubkey) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (di deviceIndexerByPubkey) FromObject(obj interface{}) (bool, []byte, error) {
	d, ok := obj.(*api.Device)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	return true, []byte(d.Spec.PublicKey + "\x00"), nil
}

type deviceIndexerByOwner struct{}

func (di deviceIndexerByOwner) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (di deviceIndexerByOwner) FromObject(obj interface{}) (bool, []byte, error) {
	d, ok := obj.(*api.Device)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	if d.Spec.OwnerID == "" {
		return false, nil, nil
	}

	// Add the null character as a terminator
	return true, []byte(d.Spec.OwnerID + "\x00"), nil
}

type deviceIndexerByType struct{}

func (di deviceIndexerByType) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (di deviceIndexerByType) FromObject(obj interface{}) (bool, []byte, error) {
	d, ok := obj.(*api.Device)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	return true, []byte(d.Spec.Type.String() + "\x00"), nil
}
