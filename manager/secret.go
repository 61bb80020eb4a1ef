package manager

import (
	"os"
	"strings"

	"github.com/phayes/permbits"
	"github.com/pkg/errors"

	"github.com/dwongdev/defguard/ioutils"
	"github.com/dwongdev/defguard/manager/encryption"
)

// loadOrCreateSecretKey reads the snapshot secret key from path, minting
// and persisting a fresh one on first boot. The file holds the key in its
// human readable form. Snapshots and gateway tokens are only as secret as
// this file, so one readable by group or others is refused rather than
// reused.
func loadOrCreateSecretKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		key := encryption.GenerateSecretKey()
		human := encryption.HumanReadableKey(key)
		if err := ioutils.AtomicWriteFile(path, []byte(human+"\n"), 0600); err != nil {
			return nil, errors.Wrap(err, "writing secret key file")
		}
		return key, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading secret key file")
	}

	perms, err := permbits.Stat(path)
	if err != nil {
		return nil, err
	}
	if perms.GroupRead() || perms.OtherRead() {
		return nil, errors.Errorf("secret key file %s is readable by group or others", path)
	}

	key, err := encryption.ParseHumanReadableKey(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, errors.Wrapf(err, "parsing secret key file %s", path)
	}
	return key, nil
}
