// Package gateway tracks the remote gateway processes serving each
// network and fans ordered control-plane events out to them. The registry
// is the liveness authority: a gateway counts as connected while its
// heartbeats keep arriving and flips to disconnected the moment it misses
// its grace window.
package gateway

import (
	"sort"
	"sync"
	"time"

	metrics "github.com/docker/go-metrics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dwongdev/defguard/log"
	"github.com/dwongdev/defguard/manager/gateway/heartbeat"
)

const (
	defaultHeartbeatPeriod       = 5 * time.Second
	defaultGracePeriodMultiplier = 3
)

// ErrGatewayNotFound is returned when an operation names a gateway the
// registry is not tracking.
var ErrGatewayNotFound = errors.New("gateway not registered")

var (
	connectedGauge   metrics.Gauge
	dispatchedEvents metrics.Counter
)

func init() {
	ns := metrics.NewNamespace("defguard", "gateway", nil)
	connectedGauge = ns.NewGauge("connected", "Number of connected gateway processes.", metrics.Total)
	dispatchedEvents = ns.NewCounter("events_dispatched", "Number of events fanned out to gateway subscribers.")
	metrics.Register(ns)
}

// Config holds the registry's liveness parameters.
type Config struct {
	// HeartbeatPeriod is how often gateways are expected to report in.
	HeartbeatPeriod time.Duration
	// GracePeriodMultiplier scales the period into the window a gateway
	// may miss before it is marked disconnected.
	GracePeriodMultiplier int
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatPeriod:       defaultHeartbeatPeriod,
		GracePeriodMultiplier: defaultGracePeriodMultiplier,
	}
}

// GatewayStatus is a point-in-time snapshot of one gateway handle.
type GatewayStatus struct {
	ID            string
	NetworkID     string
	Hostname      string
	Connected     bool
	ConnectedAt   time.Time
	LastSeen      time.Time
	LastHandshake time.Time
}

type handle struct {
	id            string
	networkID     string
	hostname      string
	connected     bool
	connectedAt   time.Time
	lastSeen      time.Time
	lastHandshake time.Time
	hb            *heartbeat.Heartbeat
}

// Registry tracks gateway handles per network behind a single mutex.
// Nothing blocking runs under the lock and every snapshot method returns
// copies, so callers can hold results indefinitely.
type Registry struct {
	mu       sync.Mutex
	gateways map[string][]*handle
	config   *Config
}

// NewRegistry creates a Registry. A nil config selects DefaultConfig.
func NewRegistry(config *Config) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	return &Registry{
		gateways: make(map[string][]*handle),
		config:   config,
	}
}

// Connect registers a gateway for a network, or refreshes its handle if
// it is already known, and (re)arms its heartbeat timer.
func (r *Registry) Connect(networkID, gatewayID, hostname string) {
	now := time.Now()
	timeout := r.config.HeartbeatPeriod * time.Duration(r.config.GracePeriodMultiplier)

	r.mu.Lock()
	h := r.lookupLocked(networkID, gatewayID)
	if h == nil {
		h = &handle{
			id:        gatewayID,
			networkID: networkID,
			hb: heartbeat.New(timeout, func() {
				r.expire(networkID, gatewayID)
			}),
		}
		r.gateways[networkID] = append(r.gateways[networkID], h)
	}
	h.hostname = hostname
	h.lastSeen = now
	if !h.connected {
		h.connected = true
		h.connectedAt = now
	}
	h.hb.Beat()
	r.updateGaugeLocked()
	r.mu.Unlock()
}

// Heartbeat records a report from a connected gateway: last-seen time and
// the freshest peer handshake it observed. A heartbeat from a gateway that
// was marked disconnected revives it.
func (r *Registry) Heartbeat(networkID, gatewayID string, lastHandshake time.Time) error {
	r.mu.Lock()
	h := r.lookupLocked(networkID, gatewayID)
	if h == nil {
		r.mu.Unlock()
		return ErrGatewayNotFound
	}
	h.lastSeen = time.Now()
	h.lastHandshake = lastHandshake
	if !h.connected {
		h.connected = true
		h.connectedAt = h.lastSeen
	}
	h.hb.Beat()
	r.updateGaugeLocked()
	r.mu.Unlock()
	return nil
}

// Connected reports whether at least one gateway is serving the network.
func (r *Registry) Connected(networkID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.gateways[networkID] {
		if h.connected {
			return true
		}
	}
	return false
}

// Status returns a snapshot of the network's gateway handles, ordered by
// gateway ID.
func (r *Registry) Status(networkID string) []GatewayStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := r.gateways[networkID]
	statuses := make([]GatewayStatus, 0, len(handles))
	for _, h := range handles {
		statuses = append(statuses, GatewayStatus{
			ID:            h.id,
			NetworkID:     h.networkID,
			Hostname:      h.hostname,
			Connected:     h.connected,
			ConnectedAt:   h.connectedAt,
			LastSeen:      h.lastSeen,
			LastHandshake: h.lastHandshake,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

// Remove drops a gateway handle entirely and stops its timer.
func (r *Registry) Remove(networkID, gatewayID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := r.gateways[networkID]
	for i, h := range handles {
		if h.id != gatewayID {
			continue
		}
		h.hb.Stop()
		r.gateways[networkID] = append(handles[:i], handles[i+1:]...)
		if len(r.gateways[networkID]) == 0 {
			delete(r.gateways, networkID)
		}
		r.updateGaugeLocked()
		return nil
	}
	return ErrGatewayNotFound
}

// Disconnect marks a gateway disconnected but keeps its handle, so the
// status history survives until the gateway reconnects or is removed.
func (r *Registry) Disconnect(networkID, gatewayID string) {
	r.mu.Lock()
	if h := r.lookupLocked(networkID, gatewayID); h != nil {
		h.hb.Stop()
		if h.connected {
			h.connected = false
			h.lastSeen = time.Now()
		}
		r.updateGaugeLocked()
	}
	r.mu.Unlock()
}

// RemoveNetwork drops every handle of a network, stopping their timers.
// Called when the network itself is deleted.
func (r *Registry) RemoveNetwork(networkID string) {
	r.mu.Lock()
	for _, h := range r.gateways[networkID] {
		h.hb.Stop()
	}
	delete(r.gateways, networkID)
	r.updateGaugeLocked()
	r.mu.Unlock()
}

// Len returns the number of tracked handles across all networks,
// connected or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, handles := range r.gateways {
		n += len(handles)
	}
	return n
}

// Close stops every heartbeat timer and forgets all handles.
func (r *Registry) Close() {
	r.mu.Lock()
	for _, handles := range r.gateways {
		for _, h := range handles {
			h.hb.Stop()
		}
	}
	r.gateways = make(map[string][]*handle)
	r.updateGaugeLocked()
	r.mu.Unlock()
}

func (r *Registry) expire(networkID, gatewayID string) {
	r.mu.Lock()
	h := r.lookupLocked(networkID, gatewayID)
	expired := h != nil && h.connected
	if expired {
		h.connected = false
		r.updateGaugeLocked()
	}
	r.mu.Unlock()

	if expired {
		log.L.WithFields(logrus.Fields{
			"gateway.id": gatewayID,
			"network.id": networkID,
		}).Warn("gateway heartbeat expired")
	}
}

func (r *Registry) lookupLocked(networkID, gatewayID string) *handle {
	for _, h := range r.gateways[networkID] {
		if h.id == gatewayID {
			return h
		}
	}
	return nil
}

func (r *Registry) updateGaugeLocked() {
	var connected int
	for _, handles := range r.gateways {
		for _, h := range handles {
			if h.connected {
				connected++
			}
		}
	}
	connectedGauge.Set(float64(connected))
}

// IsActive reports whether a peer with the given last handshake counts as
// active at time now. A zero handshake means the peer was never seen. The
// threshold is exclusive: a handshake exactly threshold old is inactive.
func IsActive(lastHandshake, now time.Time, threshold time.Duration) bool {
	return !lastHandshake.IsZero() && now.Sub(lastHandshake) < threshold
}
