package manager

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dwongdev/defguard/api"
	"github.com/dwongdev/defguard/log"
	"github.com/dwongdev/defguard/manager/encryption"
	"github.com/dwongdev/defguard/manager/gateway"
	"github.com/dwongdev/defguard/manager/membership"
	"github.com/dwongdev/defguard/manager/state/storage"
	"github.com/dwongdev/defguard/manager/state/store"
)

const (
	snapshotFileName  = "state.db"
	secretKeyFileName = "snapshot.key"
)

// Config is used to tune the Manager.
type Config struct {
	// StateDir is the top-level state directory. The snapshot file and
	// the snapshot secret key live under it.
	StateDir string

	// SecretKeyFile overrides the default secret key location
	// (StateDir/snapshot.key). The file holds the key in its human
	// readable form and must not be readable by group or others.
	SecretKeyFile string

	// SnapshotInterval is how often the store is persisted while the
	// manager runs. Zero disables periodic snapshots; a final snapshot
	// is still taken on Stop.
	SnapshotInterval time.Duration

	// TokenTTL bounds the age of gateway enrollment tokens at
	// verification. Zero means tokens never expire.
	TokenTTL time.Duration

	// Gateway tunes the gateway registry. Nil selects the default
	// heartbeat parameters.
	Gateway *gateway.Config

	// Firewall computes firewall configs for networks with ACL enabled.
	// Nil selects the no-op evaluator, which disables ACL everywhere.
	Firewall membership.FirewallEvaluator
}

// Manager wires the object store, the snapshotter, the gateway registry
// and the event dispatcher into the administrative surface of the control
// plane. Every operation runs in a single store transaction and publishes
// the gateway events it produced only after the transaction commits, so
// subscribers never observe state that was rolled back.
type Manager struct {
	config Config

	store       *store.MemoryStore
	snapshotter *storage.Snapshotter
	registry    *gateway.Registry
	dispatcher  *gateway.Dispatcher
	tokens      *gateway.TokenIssuer
	firewall    membership.FirewallEvaluator

	mu      sync.Mutex
	cancel  context.CancelFunc
	doneCh  chan struct{}
	stopped bool
}

// New creates a Manager and restores any state snapshot found in its
// state directory. The manager does not run background work until Run is
// called; administrative operations are usable right away.
func New(config *Config) (*Manager, error) {
	if config.StateDir == "" {
		return nil, errors.New("state directory must be provided")
	}
	if err := os.MkdirAll(config.StateDir, 0700); err != nil {
		return nil, errors.Wrap(err, "creating state directory")
	}

	keyPath := config.SecretKeyFile
	if keyPath == "" {
		keyPath = filepath.Join(config.StateDir, secretKeyFileName)
	}
	key, err := loadOrCreateSecretKey(keyPath)
	if err != nil {
		return nil, err
	}
	encrypter, decrypter := encryption.Defaults(key)

	snapshotter, err := storage.New(filepath.Join(config.StateDir, snapshotFileName), encrypter, decrypter)
	if err != nil {
		return nil, err
	}

	tokens, err := gateway.NewTokenIssuer(key, config.TokenTTL)
	if err != nil {
		snapshotter.Close()
		return nil, err
	}

	s := store.NewMemoryStore()
	if err := snapshotter.Restore(s); err != nil {
		snapshotter.Close()
		return nil, errors.Wrap(err, "restoring state snapshot")
	}

	firewall := config.Firewall
	if firewall == nil {
		firewall = membership.NoopFirewall{}
	}

	return &Manager{
		config:      *config,
		store:       s,
		snapshotter: snapshotter,
		registry:    gateway.NewRegistry(config.Gateway),
		dispatcher:  gateway.NewDispatcher(),
		tokens:      tokens,
		firewall:    firewall,
	}, nil
}

// Run starts the manager's background work, which is the periodic
// snapshot loop when one is configured. The call blocks until Stop is
// called or the context is canceled.
func (m *Manager) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return errors.New("manager is stopped")
	}
	m.cancel = cancel
	m.doneCh = make(chan struct{})
	m.mu.Unlock()
	defer close(m.doneCh)

	ctx = log.WithModule(ctx, "manager")
	log.G(ctx).WithField("statedir", m.config.StateDir).Info("manager started")

	if m.config.SnapshotInterval > 0 {
		err := m.snapshotter.Run(ctx, m.store, m.config.SnapshotInterval)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	<-ctx.Done()
	return nil
}

// Stop shuts the manager down: it stops background work, takes a final
// state snapshot, and releases the registry, the dispatcher and the
// snapshot file. Stop is idempotent and safe to call whether or not Run
// was ever called.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel, done := m.cancel, m.doneCh
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	ctx = log.WithModule(ctx, "manager")
	if err := m.snapshotter.Save(m.store); err != nil {
		log.G(ctx).WithError(err).Error("final state snapshot failed")
	}
	if err := m.snapshotter.Close(); err != nil {
		log.G(ctx).WithError(err).Error("closing snapshot file failed")
	}
	m.registry.Close()
	if err := m.dispatcher.Close(); err != nil {
		log.G(ctx).WithError(err).Error("closing event dispatcher failed")
	}
	if err := m.store.Close(); err != nil {
		log.G(ctx).WithError(err).Error("closing object store failed")
	}
	log.G(ctx).Info("manager stopped")
}

// Store exposes the manager's object store for read access and tests.
func (m *Manager) Store() *store.MemoryStore {
	return m.store
}

// Registry exposes gateway liveness state.
func (m *Manager) Registry() *gateway.Registry {
	return m.registry
}

// Dispatcher exposes the gateway event stream for subscription.
func (m *Manager) Dispatcher() *gateway.Dispatcher {
	return m.dispatcher
}

// evaluateFirewall computes the firewall config for a network when its
// ACL flag is on. Networks without ACL produce no config and no event.
func (m *Manager) evaluateFirewall(tx store.ReadTx, n *api.Network) (*api.FirewallConfig, error) {
	if !n.Spec.ACLEnabled {
		return nil, nil
	}
	fw, err := m.firewall.FirewallConfig(tx, n)
	if err != nil {
		return nil, errors.Wrapf(err, "evaluating firewall config for network %s", n.ID)
	}
	return fw, nil
}
