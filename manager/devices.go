package manager

import (
	"context"
	"net/netip"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dwongdev/defguard/api"
	"github.com/dwongdev/defguard/log"
	"github.com/dwongdev/defguard/manager/allocator"
	"github.com/dwongdev/defguard/manager/membership"
	"github.com/dwongdev/defguard/manager/state/store"
)

// CreateDevice registers a user device and joins it to every network,
// allocating one address per network block. Networks with no free address
// are skipped and reported in the outcomes; a public key that collides
// with a gateway key aborts the whole operation. It emits one
// DeviceCreated per granted membership.
func (m *Manager) CreateDevice(ctx context.Context, spec *api.DeviceSpec) (*api.Device, []membership.JoinOutcome, error) {
	if err := api.ValidateDeviceSpec(spec); err != nil {
		return nil, nil, err
	}
	if spec.Type != api.DeviceTypeUser {
		return nil, nil, errors.New("only user devices join networks in bulk, use CreateNetworkDevice")
	}

	device := &api.Device{
		ID:         uuid.New().String(),
		Spec:       *spec,
		Configured: true,
	}

	var (
		outcomes []membership.JoinOutcome
		evts     []api.GatewayEvent
	)
	err := m.store.Update(func(tx store.Tx) error {
		if err := store.CreateDevice(tx, device); err != nil {
			return err
		}
		joined, joinEvts, err := membership.JoinAllNetworks(tx, device)
		if err != nil {
			return err
		}
		outcomes = joined
		evts = joinEvts
		return nil
	})
	if err != nil {
		log.G(ctx).WithError(err).Error("creating device failed")
		return nil, nil, err
	}

	m.dispatcher.Publish(evts...)
	log.G(ctx).WithFields(logrus.Fields{
		"device.id":   device.ID,
		"device.name": device.Spec.Annotations.Name,
		"networks":    len(evts),
	}).Info("device created")
	return device, outcomes, nil
}

// CreateNetworkDevice registers a fixed infrastructure device in a single
// network with administrator-chosen addresses, one per network block. It
// emits a DeviceCreated for that network only; network devices never join
// other networks.
func (m *Manager) CreateNetworkDevice(ctx context.Context, networkID string, spec *api.DeviceSpec, addrs []netip.Addr) (*api.Device, error) {
	if err := api.ValidateDeviceSpec(spec); err != nil {
		return nil, err
	}
	if spec.Type != api.DeviceTypeNetwork {
		return nil, errors.New("device spec type must be DeviceTypeNetwork")
	}

	device := &api.Device{
		ID:         uuid.New().String(),
		Spec:       *spec,
		Configured: true,
	}

	var evts []api.GatewayEvent
	err := m.store.Update(func(tx store.Tx) error {
		n := store.GetNetwork(tx, networkID)
		if n == nil {
			return errors.Wrapf(store.ErrNotExist, "network %s", networkID)
		}
		conflicts, err := store.FindNetworks(tx, store.ByPubkey(spec.PublicKey))
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return membership.PubkeyConflictError{PublicKey: spec.PublicKey, NetworkID: conflicts[0].ID}
		}

		if err := store.CreateDevice(tx, device); err != nil {
			return err
		}
		if _, err := allocator.AssignExact(tx, device, n, addrs); err != nil {
			return err
		}
		info, err := membership.NetworkInfo(tx, device)
		if err != nil {
			return err
		}
		evts = append(evts, api.DeviceCreated{Device: device.Copy(), NetworkInfo: info})
		return nil
	})
	if err != nil {
		log.G(ctx).WithError(err).Error("creating network device failed")
		return nil, err
	}

	m.dispatcher.Publish(evts...)
	log.G(ctx).WithFields(logrus.Fields{
		"device.id":   device.ID,
		"device.name": device.Spec.Annotations.Name,
		"network.id":  networkID,
	}).Info("network device created")
	return device, nil
}

// UpdateDevice replaces a device's spec. The public key and the device
// type are identity, not configuration, and cannot change. It emits a
// DeviceModified when the device holds any membership.
func (m *Manager) UpdateDevice(ctx context.Context, deviceID string, spec *api.DeviceSpec) (*api.Device, error) {
	if err := api.ValidateDeviceSpec(spec); err != nil {
		return nil, err
	}

	var (
		device *api.Device
		evts   []api.GatewayEvent
	)
	err := m.store.Update(func(tx store.Tx) error {
		device = store.GetDevice(tx, deviceID)
		if device == nil {
			return errors.Wrapf(store.ErrNotExist, "device %s", deviceID)
		}
		if spec.PublicKey != device.Spec.PublicKey {
			return errors.New("device public key cannot be changed")
		}
		if spec.Type != device.Spec.Type {
			return errors.New("device type cannot be changed")
		}
		device.Spec = *spec
		if err := store.UpdateDevice(tx, device); err != nil {
			return err
		}

		info, err := membership.NetworkInfo(tx, device)
		if err != nil {
			return err
		}
		if len(info) > 0 {
			evts = append(evts, api.DeviceModified{Device: device.Copy(), NetworkInfo: info})
		}
		return nil
	})
	if err != nil {
		log.G(ctx).WithError(err).Error("updating device failed")
		return nil, err
	}

	m.dispatcher.Publish(evts...)
	log.G(ctx).WithFields(logrus.Fields{
		"device.id":   device.ID,
		"device.name": device.Spec.Annotations.Name,
	}).Info("device updated")
	return device, nil
}

// DeleteDevice removes a device and all its membership links. It emits a
// DeviceDeleted carrying the memberships the device held, so gateways can
// drop the peer from every network it was in.
func (m *Manager) DeleteDevice(ctx context.Context, deviceID string) error {
	var evts []api.GatewayEvent
	err := m.store.Update(func(tx store.Tx) error {
		device := store.GetDevice(tx, deviceID)
		if device == nil {
			return errors.Wrapf(store.ErrNotExist, "device %s", deviceID)
		}

		info, err := membership.NetworkInfo(tx, device)
		if err != nil {
			return err
		}
		links, err := store.FindLinks(tx, store.ByDeviceID(device.ID))
		if err != nil {
			return err
		}
		for _, link := range links {
			if err := store.DeleteLink(tx, link.ID); err != nil {
				return err
			}
		}
		if err := store.DeleteDevice(tx, device.ID); err != nil {
			return err
		}

		if len(info) > 0 {
			evts = append(evts, api.DeviceDeleted{Device: device.Copy(), NetworkInfo: info})
		}
		return nil
	})
	if err != nil {
		log.G(ctx).WithError(err).Error("deleting device failed")
		return err
	}

	m.dispatcher.Publish(evts...)
	log.G(ctx).WithField("device.id", deviceID).Info("device deleted")
	return nil
}

// RenderDeviceConfig renders the tunnel configuration a device uses to
// join a network, plus the canonical digest of the rendered text so
// callers can detect drift without comparing strings.
func (m *Manager) RenderDeviceConfig(networkID, deviceID string) (string, digest.Digest, error) {
	var (
		rendered string
		dgst     digest.Digest
		err      error
	)
	m.store.View(func(tx store.ReadTx) {
		n := store.GetNetwork(tx, networkID)
		if n == nil {
			err = errors.Wrapf(store.ErrNotExist, "network %s", networkID)
			return
		}
		device := store.GetDevice(tx, deviceID)
		if device == nil {
			err = errors.Wrapf(store.ErrNotExist, "device %s", deviceID)
			return
		}
		link := store.GetLinkByMembership(tx, device.ID, n.ID)
		if link == nil {
			err = errors.Wrapf(store.ErrNotExist, "device %s has no membership in network %s", deviceID, networkID)
			return
		}
		rendered = api.RenderDeviceConfig(n, link)
		dgst = api.DeviceConfigDigest(n, link)
	})
	if err != nil {
		return "", "", err
	}
	return rendered, dgst, nil
}
