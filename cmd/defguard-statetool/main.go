package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dwongdev/defguard/manager/encryption"
	"github.com/dwongdev/defguard/manager/state/storage"
	"github.com/dwongdev/defguard/manager/state/store"
	"github.com/dwongdev/defguard/version"
)

// Layout of a daemon state directory.
const (
	snapshotFileName  = "state.db"
	secretKeyFileName = "snapshot.key"
)

var (
	mainCmd = &cobra.Command{
		Use:   os.Args[0],
		Short: "Tool to inspect and decrypt the state snapshots of a defguard daemon",
	}
)

func init() {
	mainCmd.PersistentFlags().StringP("state-dir", "d", "/var/lib/defguard", "State directory")
	mainCmd.PersistentFlags().String("secret-key-file", "", "Secret key file (defaults to snapshot.key inside the state directory)")

	mainCmd.AddCommand(
		networksCmd,
		devicesCmd,
		linksCmd,
		dumpCmd,
		version.Cmd,
	)
}

func main() {
	if _, err := mainCmd.ExecuteC(); err != nil {
		os.Exit(-1)
	}
}

// flagSnapshot loads the snapshot selected by the command's flags.
func flagSnapshot(cmd *cobra.Command) (*store.Snapshot, error) {
	stateDir, err := cmd.Flags().GetString("state-dir")
	if err != nil {
		return nil, err
	}
	keyPath, err := cmd.Flags().GetString("secret-key-file")
	if err != nil {
		return nil, err
	}
	return loadSnapshot(stateDir, keyPath)
}

// loadSnapshot reads and unseals the snapshot under stateDir. The snapshot
// file is opened read-only, so a live daemon that owns it is not disturbed.
func loadSnapshot(stateDir, keyPath string) (*store.Snapshot, error) {
	if keyPath == "" {
		keyPath = filepath.Join(stateDir, secretKeyFileName)
	}
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "reading secret key file")
	}
	key, err := encryption.ParseHumanReadableKey(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, errors.Wrapf(err, "parsing secret key file %s", keyPath)
	}
	_, decrypter := encryption.Defaults(key)

	return storage.LoadSnapshot(filepath.Join(stateDir, snapshotFileName), decrypter)
}
