package gateway

import (
	"time"

	events "github.com/docker/go-events"

	"github.com/dwongdev/defguard/api"
	"github.com/dwongdev/defguard/watch"
)

const (
	// dispatchBacklog is the most undelivered events one subscription may
	// buffer before its subscriber is considered dead and cut loose.
	dispatchBacklog = 4096

	// dispatchTimeout bounds a single delivery attempt to a subscriber
	// channel.
	dispatchTimeout = 10 * time.Second
)

// Dispatcher fans gateway events out to subscribers in publish order.
// Subscriptions filter by network, so a gateway process sees only the
// events of the networks it serves. Delivery is best-effort per
// subscriber: one that stops draining its channel is disconnected once
// its backlog or a delivery timeout is exceeded, without holding up the
// others. Content and intra-operation order are the contract.
type Dispatcher struct {
	queue *watch.Queue
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		queue: watch.NewQueue(
			watch.WithTimeout(dispatchTimeout),
			watch.WithCloseOutChan(),
			watch.WithLimit(dispatchBacklog),
		),
	}
}

// Publish forwards one operation's events, preserving their order.
func (d *Dispatcher) Publish(batch ...api.GatewayEvent) {
	for _, event := range batch {
		d.queue.Publish(event)
		dispatchedEvents.Inc()
	}
}

// Subscribe returns a channel receiving every subsequent event that names
// one of the given networks, plus a cancel func that stops the flow. With
// no network IDs the subscription is unfiltered. The channel is closed
// when the subscription is canceled, the dispatcher shuts down, or the
// subscriber falls too far behind to catch up.
func (d *Dispatcher) Subscribe(networkIDs ...string) (chan events.Event, func()) {
	if len(networkIDs) == 0 {
		return d.queue.Watch()
	}
	want := make(map[string]struct{}, len(networkIDs))
	for _, id := range networkIDs {
		want[id] = struct{}{}
	}
	return d.queue.CallbackWatch(events.MatcherFunc(func(event events.Event) bool {
		gev, ok := event.(api.GatewayEvent)
		if !ok {
			return false
		}
		for _, id := range gev.NetworkIDs() {
			if _, ok := want[id]; ok {
				return true
			}
		}
		return false
	}))
}

// Close shuts the dispatcher down and cancels all subscriptions.
func (d *Dispatcher) Close() error {
	return d.queue.Close()
}
