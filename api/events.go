package api

import (
	"github.com/docker/go-events"
)

// NetworkCheckFunc is the type of function used to check two networks for
// equality when filtering watch events.
type NetworkCheckFunc func(v1, v2 *Network) bool

// NetworkCheckID is a NetworkCheckFunc for matching network IDs.
func NetworkCheckID(v1, v2 *Network) bool {
	return v1.ID == v2.ID
}

// EventCreateNetwork is the watch event emitted when a network is created.
type EventCreateNetwork struct {
	Network *Network
	Checks  []NetworkCheckFunc
}

func (e EventCreateNetwork) Matches(apiEvent events.Event) bool {
	typedEvent, ok := apiEvent.(EventCreateNetwork)
	if !ok {
		return false
	}

	for _, check := range e.Checks {
		if !check(e.Network, typedEvent.Network) {
			return false
		}
	}
	return true
}

// EventUpdateNetwork is the watch event emitted when a network is updated.
type EventUpdateNetwork struct {
	Network *Network
	Checks  []NetworkCheckFunc
}

func (e EventUpdateNetwork) Matches(apiEvent events.Event) bool {
	typedEvent, ok := apiEvent.(EventUpdateNetwork)
	if !ok {
		return false
	}

	for _, check := range e.Checks {
		if !check(e.Network, typedEvent.Network) {
			return false
		}
	}
	return true
}

// EventDeleteNetwork is the watch event emitted when a network is deleted.
type EventDeleteNetwork struct {
	Network *Network
	Checks  []NetworkCheckFunc
}

func (e EventDeleteNetwork) Matches(apiEvent events.Event) bool {
	typedEvent, ok := apiEvent.(EventDeleteNetwork)
	if !ok {
		return false
	}

	for _, check := range e.Checks {
		if !check(e.Network, typedEvent.Network) {
			return false
		}
	}
	return true
}

// DeviceCheckFunc is the type of function used to check two devices for
// equality when filtering watch events.
type DeviceCheckFunc func(v1, v2 *Device) bool

// DeviceCheckID is a DeviceCheckFunc for matching device IDs.
func DeviceCheckID(v1, v2 *Device) bool {
	return v1.ID == v2.ID
}

// EventCreateDevice is the watch event emitted when a device is created.
type EventCreateDevice struct {
	Device *Device
	Checks []DeviceCheckFunc
}

func (e EventCreateDevice) Matches(apiEvent events.Event) bool {
	typedEvent, ok := apiEvent.(EventCreateDevice)
	if !ok {
		return false
	}

	for _, check := range e.Checks {
		if !check(e.Device, typedEvent.Device) {
			return false
		}
	}
	return true
}

// EventUpdateDevice is the watch event emitted when a device is updated.
type EventUpdateDevice struct {
	Device *Device
	Checks []DeviceCheckFunc
}

func (e EventUpdateDevice) Matches(apiEvent events.Event) bool {
	typedEvent, ok := apiEvent.(EventUpdateDevice)
	if !ok {
		return false
	}

	for _, check := range e.Checks {
		if !check(e.Device, typedEvent.Device) {
			return false
		}
	}
	return true
}

// EventDeleteDevice is the watch event emitted when a device is deleted.
type EventDeleteDevice struct {
	Device *Device
	Checks []DeviceCheckFunc
}

func (e EventDeleteDevice) Matches(apiEvent events.Event) bool {
	typedEvent, ok := apiEvent.(EventDeleteDevice)
	if !ok {
		return false
	}

	for _, check := range e.Checks {
		if !check(e.Device, typedEvent.Device) {
			return false
		}
	}
	return true
}

// LinkCheckFunc is the type of function used to check two membership links
// for equality when filtering watch events.
type LinkCheckFunc func(v1, v2 *NetworkDeviceLink) bool

// LinkCheckID is a LinkCheckFunc for matching link IDs.
func LinkCheckID(v1, v2 *NetworkDeviceLink) bool {
	return v1.ID == v2.ID
}

// LinkCheckNetworkID is a LinkCheckFunc for matching the network a link
// belongs to.
func LinkCheckNetworkID(v1, v2 *NetworkDeviceLink) bool {
	return v1.NetworkID == v2.NetworkID
}

// EventCreateLink is the watch event emitted when a membership link is
// created.
type EventCreateLink struct {
	Link   *NetworkDeviceLink
	Checks []LinkCheckFunc
}

func (e EventCreateLink) Matches(apiEvent events.Event) bool {
	typedEvent, ok := apiEvent.(EventCreateLink)
	if !ok {
		return false
	}

	for _, check := range e.Checks {
		if !check(e.Link, typedEvent.Link) {
			return false
		}
	}
	return true
}

// EventUpdateLink is the watch event emitted when a membership link is
// updated.
type EventUpdateLink struct {
	Link   *NetworkDeviceLink
	Checks []LinkCheckFunc
}

func (e EventUpdateLink) Matches(apiEvent events.Event) bool {
	typedEvent, ok := apiEvent.(EventUpdateLink)
	if !ok {
		return false
	}

	for _, check := range e.Checks {
		if !check(e.Link, typedEvent.Link) {
			return false
		}
	}
	return true
}

// EventDeleteLink is the watch event emitted when a membership link is
// deleted.
type EventDeleteLink struct {
	Link   *NetworkDeviceLink
	Checks []LinkCheckFunc
}

func (e EventDeleteLink) Matches(apiEvent events.Event) bool {
	typedEvent, ok := apiEvent.(EventDeleteLink)
	if !ok {
		return false
	}

	for _, check := range e.Checks {
		if !check(e.Link, typedEvent.Link) {
			return false
		}
	}
	return true
}
