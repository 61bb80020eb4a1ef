package store

import (
	events "github.com/docker/go-events"

	"github.com/dwongdev/defguard/api"
	"github.com/dwongdev/defguard/watch"
)

// EventCommit delineates a transaction boundary on the watch queue. It is
// published after the events of a committed write transaction.
type EventCommit struct {
	Version api.Version
}

// Matches returns true if this event is a commit event.
func (e EventCommit) Matches(watchEvent events.Event) bool {
	_, ok := watchEvent.(EventCommit)
	return ok
}

// Matcher returns an events.Matcher that matches the specifiers with OR
// logic.
func Matcher(specifiers ...api.Event) events.MatcherFunc {
	return events.MatcherFunc(func(event events.Event) bool {
		for _, s := range specifiers {
			if s.Matches(event) {
				return true
			}
		}
		return false
	})
}

// Watch takes a variable number of events to match against. The subscriber
// will receive events that match any of the arguments passed to Watch.
//
// Examples:
//
// // subscribe to all events
// Watch(q)
//
// // subscribe to all device update events
// Watch(q, api.EventUpdateDevice{})
//
// // subscribe to all link events for one network
// Watch(q, api.EventCreateLink{Link: &api.NetworkDeviceLink{NetworkID: id},
//         Checks: []api.LinkCheckFunc{api.LinkCheckNetworkID}}, ...)
func Watch(queue *watch.Queue, specifiers ...api.Event) (eventq chan events.Event, cancel func()) {
	if len(specifiers) == 0 {
		return queue.Watch()
	}
	return queue.CallbackWatch(Matcher(specifiers...))
}
