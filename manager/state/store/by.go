package store

import "github.com/dwongdev/defguard/api"

// By is an interface type passed to Find methods. Implementations must be
// defined in this package.
type By interface {
	// isBy allows this interface to only be satisfied by certain internal
	// types.
	isBy()
}

type byAll struct{}

func (a byAll) isBy() {
}

// All is an argument that can be passed to find to list all items in the
// set.
var All byAll

type orCombinator struct {
	bys []By
}

func (b orCombinator) isBy() {
}

// Or returns a combinator that applies OR logic on all the supplied By
// arguments.
func Or(bys ...By) By {
	return orCombinator{bys: bys}
}

type byName string

func (b byName) isBy() {
}

// ByName creates an object to pass to Find to select by name.
func ByName(name string) By {
	return byName(name)
}

type byIDPrefix string

func (b byIDPrefix) isBy() {
}

// ByIDPrefix creates an object to pass to Find to select by ID prefix.
func ByIDPrefix(idPrefix string) By {
	return byIDPrefix(idPrefix)
}

type byPubkey string

func (b byPubkey) isBy() {
}

// ByPubkey creates an object to pass to Find to select by public key.
func ByPubkey(pubkey string) By {
	return byPubkey(pubkey)
}

type byOwnerID string

func (b byOwnerID) isBy() {
}

// ByOwnerID creates an object to pass to Find to select by owning user.
func ByOwnerID(ownerID string) By {
	return byOwnerID(ownerID)
}

type byDeviceType api.DeviceType

func (b byDeviceType) isBy() {
}

// ByDeviceType creates an object to pass to Find to select by device type.
func ByDeviceType(deviceType api.DeviceType) By {
	return byDeviceType(deviceType)
}

type byNetworkID string

func (b byNetworkID) isBy() {
}

// ByNetworkID creates an object to pass to Find to select by network.
func ByNetworkID(networkID string) By {
	return byNetworkID(networkID)
}

type byDeviceID string

func (b byDeviceID) isBy() {
}

// ByDeviceID creates an object to pass to Find to select by device.
func ByDeviceID(deviceID string) By {
	return byDeviceID(deviceID)
}
