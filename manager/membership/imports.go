package membership

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dwongdev/defguard/api"
	"github.com/dwongdev/defguard/manager/allocator"
	"github.com/dwongdev/defguard/manager/importer"
	"github.com/dwongdev/defguard/manager/state/store"
)

// ImportError reports one imported device entry that could not be
// absorbed. The remaining entries are unaffected.
type ImportError struct {
	Device importer.ImportedDevice
	Err    error
}

func (e ImportError) Error() string {
	return fmt.Sprintf("importing device %s (%s): %v", e.Device.Name, e.Device.PublicKey, e.Err)
}

// DeviceMapping assigns an imported device to its owning user account.
type DeviceMapping struct {
	DeviceID string
	OwnerID  string
}

// HandleImportedDevices creates the devices an imported tunnel config
// declared and links each one with its fixed addresses. Entries whose key
// or addresses fail validation are reported per entry while the rest
// proceed; the caller decides whether any failure aborts the import. A
// failed entry leaves nothing behind. The devices come back unconfigured
// and ownerless, awaiting HandleMappedDevices.
//
// Entries are processed in order, so an address claimed by an earlier
// entry is already held when a later entry repeats it.
func HandleImportedDevices(tx store.Tx, network *api.Network, imported []importer.ImportedDevice) ([]*api.Device, []api.GatewayEvent, []ImportError, error) {
	var (
		devices      []*api.Device
		events       []api.GatewayEvent
		importErrors []ImportError
	)
	for _, entry := range imported {
		if network.PublicKey != "" && entry.PublicKey == network.PublicKey {
			importErrors = append(importErrors, ImportError{
				Device: entry,
				Err:    PubkeyConflictError{PublicKey: entry.PublicKey, NetworkID: network.ID},
			})
			continue
		}

		device := &api.Device{
			ID: uuid.New().String(),
			Spec: api.DeviceSpec{
				Annotations: api.Annotations{
					Name: entry.Name,
				},
				PublicKey: entry.PublicKey,
				Type:      api.DeviceTypeUser,
			},
		}
		if err := store.CreateDevice(tx, device); err != nil {
			importErrors = append(importErrors, ImportError{Device: entry, Err: err})
			continue
		}

		link, err := allocator.AssignExact(tx, device, network, entry.Addresses)
		if err != nil {
			// Withdraw the device so the failed entry leaves no trace.
			if delErr := store.DeleteDevice(tx, device.ID); delErr != nil {
				return devices, events, importErrors, delErr
			}
			importErrors = append(importErrors, ImportError{Device: entry, Err: err})
			continue
		}
		if entry.PresharedKey != "" {
			link.PresharedKey = entry.PresharedKey
			if err := store.UpdateLink(tx, link); err != nil {
				return devices, events, importErrors, errors.Wrapf(err, "setting preshared key for device %s", device.ID)
			}
		}

		devices = append(devices, device)
		events = append(events, api.DeviceCreated{
			Device:      device.Copy(),
			NetworkInfo: []api.DeviceNetworkInfo{linkInfo(link)},
		})
	}
	return devices, events, importErrors, nil
}

// HandleMappedDevices resolves imported, ownerless devices to user
// accounts and marks them configured so they enter gateway peer lists.
// Unlike the import itself, mapping is all-or-nothing: a duplicate
// mapping, an unknown device, a device outside the network, or a device
// that already has an owner fails the whole call.
func HandleMappedDevices(tx store.Tx, network *api.Network, mappings []DeviceMapping) ([]api.GatewayEvent, error) {
	var events []api.GatewayEvent
	seen := make(map[string]struct{}, len(mappings))
	for _, m := range mappings {
		if _, ok := seen[m.DeviceID]; ok {
			return nil, errors.Errorf("device %s mapped more than once", m.DeviceID)
		}
		seen[m.DeviceID] = struct{}{}

		if m.OwnerID == "" {
			return nil, errors.Errorf("mapping for device %s names no owner", m.DeviceID)
		}
		device := store.GetDevice(tx, m.DeviceID)
		if device == nil {
			return nil, errors.Wrapf(store.ErrNotExist, "device %s", m.DeviceID)
		}
		if store.GetLinkByMembership(tx, device.ID, network.ID) == nil {
			return nil, errors.Errorf("device %s is not a member of network %s", device.ID, network.ID)
		}
		if device.Spec.OwnerID != "" {
			return nil, errors.Errorf("device %s already belongs to %s", device.ID, device.Spec.OwnerID)
		}

		device.Spec.OwnerID = m.OwnerID
		device.Configured = true
		if err := store.UpdateDevice(tx, device); err != nil {
			return nil, errors.Wrapf(err, "mapping device %s", device.ID)
		}

		info, err := NetworkInfo(tx, device)
		if err != nil {
			return nil, err
		}
		events = append(events, api.DeviceModified{Device: device, NetworkInfo: info})
	}
	return events, nil
}
