package api

import (
	"github.com/docker/go-events"
)

// StoreObject is an abstract object that can be handled by the store.
type StoreObject interface {
	GetID() string                // Get ID
	GetMeta() Meta                // Retrieve metadata
	SetMeta(Meta)                 // Set metadata
	CopyStoreObject() StoreObject // Return a copy of this object
	EventCreate() Event           // Return a creation event
	EventUpdate() Event           // Return an update event
	EventDelete() Event           // Return a deletion event
}

// Event is the type used for events passed over watcher channels, and also
// the type used to specify filtering in calls to Watch.
type Event interface {
	// Matches checks if this item in a watch queue matches the event
	// description.
	Matches(events.Event) bool
}

func (n *Network) GetID() string {
	return n.ID
}

func (n *Network) GetMeta() Meta {
	return n.Meta
}

func (n *Network) SetMeta(m Meta) {
	n.Meta = m
}

func (n *Network) CopyStoreObject() StoreObject {
	return n.Copy()
}

func (n *Network) EventCreate() Event {
	return EventCreateNetwork{Network: n}
}

func (n *Network) EventUpdate() Event {
	return EventUpdateNetwork{Network: n}
}

func (n *Network) EventDelete() Event {
	return EventDeleteNetwork{Network: n}
}

func (d *Device) GetID() string {
	return d.ID
}

func (d *Device) GetMeta() Meta {
	return d.Meta
}

func (d *Device) SetMeta(m Meta) {
	d.Meta = m
}

func (d *Device) CopyStoreObject() StoreObject {
	return d.Copy()
}

func (d *Device) EventCreate() Event {
	return EventCreateDevice{Device: d}
}

func (d *Device) EventUpdate() Event {
	return EventUpdateDevice{Device: d}
}

func (d *Device) EventDelete() Event {
	return EventDeleteDevice{Device: d}
}

func (l *NetworkDeviceLink) GetID() string {
	return l.ID
}

func (l *NetworkDeviceLink) GetMeta() Meta {
	return l.Meta
}

func (l *NetworkDeviceLink) SetMeta(m Meta) {
	l.Meta = m
}

func (l *NetworkDeviceLink) CopyStoreObject() StoreObject {
	return l.Copy()
}

func (l *NetworkDeviceLink) EventCreate() Event {
	return EventCreateLink{Link: l}
}

func (l *NetworkDeviceLink) EventUpdate() Event {
	return EventUpdateLink{Link: l}
}

func (l *NetworkDeviceLink) EventDelete() Event {
	return EventDeleteLink{Link: l}
}
