package manager

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	events "github.com/docker/go-events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/dwongdev/defguard/api"
	"github.com/dwongdev/defguard/manager/encryption"
	"github.com/dwongdev/defguard/manager/state/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(&Config{StateDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { m.Stop(context.Background()) })
	return m
}

func testNetworkSpec(name string, blocks ...string) *api.NetworkSpec {
	spec := &api.NetworkSpec{
		Annotations: api.Annotations{Name: name},
		Endpoint:    "vpn.example.com",
		Port:        51820,
	}
	for _, b := range blocks {
		spec.Blocks = append(spec.Blocks, netip.MustParsePrefix(b))
	}
	return spec
}

func testDeviceSpec(t *testing.T, name string) *api.DeviceSpec {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return &api.DeviceSpec{
		Annotations: api.Annotations{Name: name},
		PublicKey:   priv.PublicKey().String(),
		OwnerID:     "user-" + name,
		Type:        api.DeviceTypeUser,
	}
}

// nextEvent pulls the next gateway event off a subscription, failing the
// test when none arrives in time.
func nextEvent(t *testing.T, ch chan events.Event) api.GatewayEvent {
	t.Helper()
	select {
	case event := <-ch:
		gev, ok := event.(api.GatewayEvent)
		require.True(t, ok, "unexpected event type %T", event)
		return gev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a gateway event")
	}
	return nil
}

func TestNewRequiresStateDir(t *testing.T) {
	_, err := New(&Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state directory")
}

func TestManagerRunStop(t *testing.T) {
	m, err := New(&Config{StateDir: t.TempDir()})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		m.mu.Lock()
		running := m.cancel != nil
		m.mu.Unlock()
		if running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("manager did not start in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.Stop(context.Background())
	require.NoError(t, <-errCh)

	// Stop is idempotent, Run after Stop is refused.
	m.Stop(context.Background())
	require.Error(t, m.Run(context.Background()))
}

func TestManagerPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m1, err := New(&Config{StateDir: dir})
	require.NoError(t, err)
	n, err := m1.CreateNetwork(ctx, testNetworkSpec("office", "10.0.0.0/24"))
	require.NoError(t, err)
	device, _, err := m1.CreateDevice(ctx, testDeviceSpec(t, "laptop"))
	require.NoError(t, err)
	m1.Stop(ctx)

	m2, err := New(&Config{StateDir: dir})
	require.NoError(t, err)
	defer m2.Stop(ctx)

	m2.Store().View(func(tx store.ReadTx) {
		restored := store.GetNetwork(tx, n.ID)
		require.NotNil(t, restored)
		assert.Equal(t, "office", restored.Spec.Annotations.Name)
		assert.Equal(t, n.PrivateKey, restored.PrivateKey)

		require.NotNil(t, store.GetDevice(tx, device.ID))
		require.NotNil(t, store.GetLinkByMembership(tx, device.ID, n.ID))
	})
}

func TestSecretKeyFileCreated(t *testing.T) {
	dir := t.TempDir()
	m, err := New(&Config{StateDir: dir})
	require.NoError(t, err)
	defer m.Stop(context.Background())

	path := filepath.Join(dir, "snapshot.key")
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	human := strings.TrimSpace(string(raw))
	assert.True(t, strings.HasPrefix(human, "DGKEY-1-"), "unexpected key form %q", human)

	key, err := encryption.ParseHumanReadableKey(human)
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestSecretKeyFileOverride(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "custom.key")
	m, err := New(&Config{StateDir: dir, SecretKeyFile: keyPath})
	require.NoError(t, err)
	defer m.Stop(context.Background())

	_, err = os.Stat(keyPath)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "snapshot.key"))
	assert.True(t, os.IsNotExist(err))
}

func TestSecretKeyFileRefusedWhenShared(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.key")
	human := encryption.HumanReadableKey(encryption.GenerateSecretKey())
	require.NoError(t, os.WriteFile(path, []byte(human+"\n"), 0644))

	_, err := New(&Config{StateDir: dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "readable by group or others")
}

func TestSecretKeyFileGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.key")
	require.NoError(t, os.WriteFile(path, []byte("not a key\n"), 0600))

	_, err := New(&Config{StateDir: dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing secret key file")
}
