package manager

import (
	"context"
	"net/netip"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/dwongdev/defguard/api"
	"github.com/dwongdev/defguard/log"
	"github.com/dwongdev/defguard/manager/importer"
	"github.com/dwongdev/defguard/manager/membership"
	"github.com/dwongdev/defguard/manager/state/store"
)

// CreateNetwork provisions a network from spec: it mints the gateway
// keypair and grants membership to every eligible device. It emits
// NetworkCreated, one DeviceCreated per granted membership, and a
// FirewallConfigChanged when the network has ACL enabled.
func (m *Manager) CreateNetwork(ctx context.Context, spec *api.NetworkSpec) (*api.Network, error) {
	if err := api.ValidateNetworkSpec(spec); err != nil {
		return nil, err
	}

	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generating gateway keypair")
	}

	n := &api.Network{
		ID:         uuid.New().String(),
		Spec:       *spec,
		PublicKey:  priv.PublicKey().String(),
		PrivateKey: priv.String(),
	}

	var evts []api.GatewayEvent
	err = m.store.Update(func(tx store.Tx) error {
		if err := store.CreateNetwork(tx, n); err != nil {
			return err
		}
		evts = append(evts, api.NetworkCreated{Network: n.Copy()})

		allowed, err := membership.NetworkAllowedDevices(tx, n)
		if err != nil {
			return err
		}
		syncEvts, err := membership.SyncAllowedDevices(tx, n, allowed, nil)
		if err != nil {
			return err
		}
		evts = append(evts, syncEvts...)

		fw, err := m.evaluateFirewall(tx, n)
		if err != nil {
			return err
		}
		if fw != nil {
			evts = append(evts, api.FirewallConfigChanged{NetworkID: n.ID, Firewall: fw})
		}
		return nil
	})
	if err != nil {
		log.G(ctx).WithError(err).Error("creating network failed")
		return nil, err
	}

	m.dispatcher.Publish(evts...)
	log.G(ctx).WithFields(logrus.Fields{
		"network.id":   n.ID,
		"network.name": n.Spec.Annotations.Name,
	}).Info("network created")
	return n, nil
}

// UpdateNetwork replaces a network's spec and reconciles membership
// against the new address blocks and eligibility. The gateway keypair is
// preserved. It emits the membership change events first, then a
// NetworkModified carrying the final peer list, then a
// FirewallConfigChanged when ACL is enabled.
func (m *Manager) UpdateNetwork(ctx context.Context, networkID string, spec *api.NetworkSpec) (*api.Network, error) {
	if err := api.ValidateNetworkSpec(spec); err != nil {
		return nil, err
	}

	var (
		n    *api.Network
		evts []api.GatewayEvent
	)
	err := m.store.Update(func(tx store.Tx) error {
		n = store.GetNetwork(tx, networkID)
		if n == nil {
			return errors.Wrapf(store.ErrNotExist, "network %s", networkID)
		}
		n.Spec = *spec
		if err := store.UpdateNetwork(tx, n); err != nil {
			return err
		}

		allowed, err := membership.NetworkAllowedDevices(tx, n)
		if err != nil {
			return err
		}
		syncEvts, err := membership.SyncAllowedDevices(tx, n, allowed, nil)
		if err != nil {
			return err
		}
		evts = append(evts, syncEvts...)

		peers, err := membership.Peers(tx, n)
		if err != nil {
			return err
		}
		fw, err := m.evaluateFirewall(tx, n)
		if err != nil {
			return err
		}
		evts = append(evts, api.NetworkModified{
			Network:  n.Copy(),
			Peers:    peers,
			Firewall: fw,
		})
		if fw != nil {
			evts = append(evts, api.FirewallConfigChanged{NetworkID: n.ID, Firewall: fw})
		}
		return nil
	})
	if err != nil {
		log.G(ctx).WithError(err).Error("updating network failed")
		return nil, err
	}

	m.dispatcher.Publish(evts...)
	log.G(ctx).WithFields(logrus.Fields{
		"network.id":   n.ID,
		"network.name": n.Spec.Annotations.Name,
	}).Info("network updated")
	return n, nil
}

// DeleteNetwork removes a network, its membership links and its fixed
// network devices, then drops the network's gateway handles from the
// registry. Subscribers get a single NetworkDeleted; the gateway tears
// the whole interface down, so per-device removals would be noise.
func (m *Manager) DeleteNetwork(ctx context.Context, networkID string) error {
	var evts []api.GatewayEvent
	err := m.store.Update(func(tx store.Tx) error {
		n := store.GetNetwork(tx, networkID)
		if n == nil {
			return errors.Wrapf(store.ErrNotExist, "network %s", networkID)
		}

		links, err := store.FindLinks(tx, store.ByNetworkID(n.ID))
		if err != nil {
			return err
		}
		for _, link := range links {
			if err := store.DeleteLink(tx, link.ID); err != nil {
				return err
			}
			device := store.GetDevice(tx, link.DeviceID)
			if device == nil || device.Spec.Type != api.DeviceTypeNetwork {
				continue
			}
			if err := store.DeleteDevice(tx, device.ID); err != nil {
				return err
			}
		}
		if err := store.DeleteNetwork(tx, n.ID); err != nil {
			return err
		}

		evts = append(evts, api.NetworkDeleted{
			NetworkID:   n.ID,
			NetworkName: n.Spec.Annotations.Name,
		})
		return nil
	})
	if err != nil {
		log.G(ctx).WithError(err).Error("deleting network failed")
		return err
	}

	m.registry.RemoveNetwork(networkID)
	m.dispatcher.Publish(evts...)
	log.G(ctx).WithField("network.id", networkID).Info("network deleted")
	return nil
}

// ImportNetwork builds a network from a tunnel configuration file: the
// interface section becomes the network (keeping its private key) and
// each peer becomes an imported device holding its fixed addresses.
// Imported devices start unconfigured and ownerless until
// MapImportedDevices resolves them. Peer entries that fail validation
// are logged and skipped; the rest of the import proceeds.
func (m *Manager) ImportNetwork(ctx context.Context, name, endpoint, config string) (*api.Network, []*api.Device, error) {
	cfg, imported, err := importer.Parse(config)
	if err != nil {
		return nil, nil, err
	}
	priv, err := wgtypes.ParseKey(cfg.PrivateKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parsing imported private key")
	}

	spec := api.NetworkSpec{
		Annotations: api.Annotations{Name: name},
		Endpoint:    endpoint,
		Port:        cfg.Port,
		DNS:         cfg.DNS,
	}
	// An interface Address entry carries the gateway's own host address
	// inside the block (10.4.0.1/24). The network keeps the masked block;
	// the gateway address is reserved so membership syncs never hand it
	// to a device.
	reserved := make([]netip.Addr, 0, len(cfg.Blocks))
	for _, block := range cfg.Blocks {
		spec.Blocks = append(spec.Blocks, block.Masked())
		reserved = append(reserved, block.Addr())
	}
	if err := api.ValidateNetworkSpec(&spec); err != nil {
		return nil, nil, err
	}

	n := &api.Network{
		ID:         uuid.New().String(),
		Spec:       spec,
		PublicKey:  priv.PublicKey().String(),
		PrivateKey: priv.String(),
	}

	var (
		devices []*api.Device
		evts    []api.GatewayEvent
	)
	err = m.store.Update(func(tx store.Tx) error {
		if err := store.CreateNetwork(tx, n); err != nil {
			return err
		}
		evts = append(evts, api.NetworkCreated{Network: n.Copy()})

		imp, impEvts, importErrors, err := membership.HandleImportedDevices(tx, n, imported)
		if err != nil {
			return err
		}
		for _, impErr := range importErrors {
			log.G(ctx).WithError(impErr).Warn("skipping imported device")
		}
		devices = imp
		evts = append(evts, impEvts...)

		allowed, err := membership.NetworkAllowedDevices(tx, n)
		if err != nil {
			return err
		}
		syncEvts, err := membership.SyncAllowedDevices(tx, n, allowed, reserved)
		if err != nil {
			return err
		}
		evts = append(evts, syncEvts...)
		return nil
	})
	if err != nil {
		log.G(ctx).WithError(err).Error("importing network failed")
		return nil, nil, err
	}

	m.dispatcher.Publish(evts...)
	log.G(ctx).WithFields(logrus.Fields{
		"network.id":   n.ID,
		"network.name": name,
		"devices":      len(devices),
	}).Info("network imported")
	return n, devices, nil
}

// MapImportedDevices resolves imported devices to their owning user
// accounts and marks them configured, which admits them to gateway peer
// lists. The mapping is all-or-nothing.
func (m *Manager) MapImportedDevices(ctx context.Context, networkID string, mappings []membership.DeviceMapping) error {
	var evts []api.GatewayEvent
	err := m.store.Update(func(tx store.Tx) error {
		n := store.GetNetwork(tx, networkID)
		if n == nil {
			return errors.Wrapf(store.ErrNotExist, "network %s", networkID)
		}
		mapEvts, err := membership.HandleMappedDevices(tx, n, mappings)
		if err != nil {
			return err
		}
		evts = mapEvts
		return nil
	})
	if err != nil {
		log.G(ctx).WithError(err).Error("mapping imported devices failed")
		return err
	}

	m.dispatcher.Publish(evts...)
	log.G(ctx).WithFields(logrus.Fields{
		"network.id": networkID,
		"devices":    len(mappings),
	}).Info("imported devices mapped")
	return nil
}

// NetworkPeers returns the network's current gateway peer list.
func (m *Manager) NetworkPeers(networkID string) ([]api.Peer, error) {
	var (
		peers []api.Peer
		err   error
	)
	m.store.View(func(tx store.ReadTx) {
		n := store.GetNetwork(tx, networkID)
		if n == nil {
			err = errors.Wrapf(store.ErrNotExist, "network %s", networkID)
			return
		}
		peers, err = membership.Peers(tx, n)
	})
	return peers, err
}
