package manager

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dwongdev/defguard/log"
	"github.com/dwongdev/defguard/manager/state/store"
)

// NetworkToken mints an enrollment token a gateway process presents to
// connect to the given network.
func (m *Manager) NetworkToken(networkID string) (string, error) {
	var exists bool
	m.store.View(func(tx store.ReadTx) {
		exists = store.GetNetwork(tx, networkID) != nil
	})
	if !exists {
		return "", errors.Wrapf(store.ErrNotExist, "network %s", networkID)
	}
	return m.tokens.Issue(networkID)
}

// GatewayConnected verifies an enrollment token and registers the gateway
// in the network the token is bound to, returning that network's ID. A
// token for a network that no longer exists is rejected like a forged
// one; its bearer has nothing to connect to.
func (m *Manager) GatewayConnected(ctx context.Context, token, gatewayID, hostname string) (string, error) {
	networkID, err := m.tokens.Verify(token)
	if err != nil {
		log.G(ctx).WithField("gateway.id", gatewayID).Warn("rejecting gateway with invalid token")
		return "", err
	}

	var exists bool
	m.store.View(func(tx store.ReadTx) {
		exists = store.GetNetwork(tx, networkID) != nil
	})
	if !exists {
		log.G(ctx).WithFields(logrus.Fields{
			"gateway.id": gatewayID,
			"network.id": networkID,
		}).Warn("rejecting gateway token for a deleted network")
		return "", errors.Wrapf(store.ErrNotExist, "network %s", networkID)
	}

	m.registry.Connect(networkID, gatewayID, hostname)
	log.G(ctx).WithFields(logrus.Fields{
		"gateway.id": gatewayID,
		"network.id": networkID,
		"hostname":   hostname,
	}).Info("gateway connected")
	return networkID, nil
}

// GatewayHeartbeat records a gateway's report of life together with the
// freshest peer handshake it has seen. This is the hot path, so it does
// not log.
func (m *Manager) GatewayHeartbeat(networkID, gatewayID string, lastHandshake time.Time) error {
	return m.registry.Heartbeat(networkID, gatewayID, lastHandshake)
}

// GatewayDisconnected marks a gateway as cleanly disconnected. The handle
// stays visible in status listings until the network is deleted.
func (m *Manager) GatewayDisconnected(ctx context.Context, networkID, gatewayID string) {
	m.registry.Disconnect(networkID, gatewayID)
	log.G(ctx).WithFields(logrus.Fields{
		"gateway.id": gatewayID,
		"network.id": networkID,
	}).Info("gateway disconnected")
}
