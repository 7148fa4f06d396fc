// Package registry indexes which sockets are subscribed to which broker
// channels and owns the broker subscription lifecycle: a channel holds a
// broker subscription exactly while at least one socket is registered to it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// ErrMemberClosed is returned when subscribing a socket that is shutting down.
var ErrMemberClosed = errors.New("registry: member is closed")

// Broker is the pub/sub side of a channel subscription.
type Broker interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
}

// Member is a registered socket. Closed must turn true before the socket's
// UnsubscribeAll runs.
type Member interface {
	ID() string
	Closed() bool
}

const lockStripes = 256

type set[K comparable] map[K]struct{}

// Registry is safe for concurrent use.
type Registry struct {
	broker Broker

	mu       sync.Mutex
	channels map[string]set[Member]
	members  map[Member]set[string]

	stripes [lockStripes]sync.Mutex
}

func New(broker Broker) *Registry {
	return &Registry{
		broker:   broker,
		channels: make(map[string]set[Member]),
		members:  make(map[Member]set[string]),
	}
}

// channelLock serializes zero<->one transitions of one channel.
func (r *Registry) channelLock(channel string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(channel))
	return &r.stripes[h.Sum32()%lockStripes]
}

// Subscribe registers m on channel. The first member of a channel triggers
// exactly one broker subscribe. added is false if m was already registered.
func (r *Registry) Subscribe(ctx context.Context, channel string, m Member) (added bool, err error) {
	lock := r.channelLock(channel)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	if m.Closed() {
		r.mu.Unlock()
		return false, ErrMemberClosed
	}
	if _, ok := r.channels[channel][m]; ok {
		r.mu.Unlock()
		return false, nil
	}
	first := len(r.channels[channel]) == 0
	r.mu.Unlock()

	if first {
		if err := r.broker.Subscribe(ctx, channel); err != nil {
			return false, err
		}
	}

	r.mu.Lock()
	if m.Closed() {
		r.mu.Unlock()
		if first {
			_ = r.releaseChannel(channel)
		}
		return false, ErrMemberClosed
	}
	r.addLocked(channel, m)
	r.mu.Unlock()
	return true, nil
}

// Unsubscribe removes m from channel. The last member leaving triggers a
// broker unsubscribe. removed is false if m was not registered.
func (r *Registry) Unsubscribe(ctx context.Context, channel string, m Member) (removed bool, err error) {
	lock := r.channelLock(channel)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	if _, ok := r.channels[channel][m]; !ok {
		r.mu.Unlock()
		return false, nil
	}
	last := r.removeLocked(channel, m)
	r.mu.Unlock()

	if last {
		if err := r.broker.Unsubscribe(ctx, channel); err != nil {
			// The index entry is already gone, so nothing else would ever
			// release this channel. Try once more off the caller's context.
			if retryErr := r.releaseChannel(channel); retryErr != nil {
				return true, fmt.Errorf("unsubscribe %s: %w", channel, errors.Join(err, retryErr))
			}
		}
	}
	return true, nil
}

// UnsubscribeAll removes m from every channel, releasing channels it was the
// last member of, then drops m's own index entry. Safe to call repeatedly.
func (r *Registry) UnsubscribeAll(ctx context.Context, m Member) error {
	channels := r.Channels(m)

	var errs []error
	for _, channel := range channels {
		if _, err := r.Unsubscribe(ctx, channel, m); err != nil {
			errs = append(errs, err)
		}
	}

	r.mu.Lock()
	delete(r.members, m)
	r.mu.Unlock()

	return errors.Join(errs...)
}

// releaseChannel unsubscribes the broker from channel on a fresh context.
// Caller holds the channel lock.
func (r *Registry) releaseChannel(channel string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.broker.Unsubscribe(ctx, channel)
}

// addLocked and removeLocked are the only writers of the two indexes.
func (r *Registry) addLocked(channel string, m Member) {
	members, ok := r.channels[channel]
	if !ok {
		members = make(set[Member])
		r.channels[channel] = members
	}
	members[m] = struct{}{}

	chans, ok := r.members[m]
	if !ok {
		chans = make(set[string])
		r.members[m] = chans
	}
	chans[channel] = struct{}{}
}

func (r *Registry) removeLocked(channel string, m Member) (last bool) {
	members := r.channels[channel]
	delete(members, m)
	if len(members) == 0 {
		delete(r.channels, channel)
		last = true
	}
	if chans, ok := r.members[m]; ok {
		delete(chans, channel)
	}
	return last
}

// Sockets returns a snapshot of the members registered on channel.
func (r *Registry) Sockets(channel string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.channels[channel]
	out := make([]Member, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	return out
}

func (r *Registry) IsSubscribed(channel string, m Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.channels[channel][m]
	return ok
}

// Channels returns m's channels in sorted order.
func (r *Registry) Channels(m Member) []string {
	r.mu.Lock()
	chans := r.members[m]
	out := make([]string, 0, len(chans))
	for c := range chans {
		out = append(out, c)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// ChannelCount is the number of channels with a live broker subscription.
func (r *Registry) ChannelCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// MemberCount is the number of sockets with an index entry.
func (r *Registry) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
