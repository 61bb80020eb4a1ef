package api

import (
	"github.com/pkg/errors"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ValidateKey checks that s is a well-formed WireGuard key in its base64
// form. It is used for device public keys, gateway keypairs and preshared
// keys alike.
func ValidateKey(s string) error {
	if _, err := wgtypes.ParseKey(s); err != nil {
		return errors.Wrap(err, "invalid WireGuard key")
	}
	return nil
}

// ValidateNetworkSpec checks a network spec for internal consistency. It
// does not consult the store; uniqueness is enforced there.
func ValidateNetworkSpec(spec *NetworkSpec) error {
	if spec == nil {
		return errors.New("spec must not be nil")
	}
	if spec.Annotations.Name == "" {
		return errors.New("name must be provided")
	}
	if len(spec.Blocks) == 0 {
		return errors.New("at least one address block must be provided")
	}
	for i, block := range spec.Blocks {
		if !block.IsValid() {
			return errors.Errorf("address block %d is invalid", i)
		}
		if block.Addr() != block.Masked().Addr() {
			return errors.Errorf("address block %s has host bits set", block)
		}
		for _, other := range spec.Blocks[i+1:] {
			if block.Overlaps(other) {
				return errors.Errorf("address blocks %s and %s overlap", block, other)
			}
		}
	}
	if spec.Endpoint == "" {
		return errors.New("gateway endpoint must be provided")
	}
	if spec.Port == 0 {
		return errors.New("gateway port must be provided")
	}
	return nil
}

// ValidateDeviceSpec checks a device spec for internal consistency.
func ValidateDeviceSpec(spec *DeviceSpec) error {
	if spec == nil {
		return errors.New("spec must not be nil")
	}
	if spec.Annotations.Name == "" {
		return errors.New("name must be provided")
	}
	if err := ValidateKey(spec.PublicKey); err != nil {
		return errors.Wrap(err, "public key")
	}
	switch spec.Type {
	case DeviceTypeUser, DeviceTypeNetwork:
	default:
		return errors.Errorf("unknown device type %d", spec.Type)
	}
	return nil
}
