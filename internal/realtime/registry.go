// Package realtime keeps every live channel of a user in sync: the Registry
// maps users to channel handles and the Notifier fans events out to them.
package realtime

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"missionline/internal/metrics"
)

var ErrTooManyChannels = errors.New("too many live channels for user")

const (
	DefaultBuffer     = 64
	DefaultMaxPerUser = 16
)

// Channel is one live delivery path (a websocket, an SSE stream) for a user.
type Channel struct {
	ID     string
	UserID string

	mu     sync.Mutex
	closed bool
	events chan Event
	done   chan struct{}
}

// Events yields queued events and is closed when the channel closes.
func (c *Channel) Events() <-chan Event { return c.events }

// Done is closed when the channel closes.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Close is idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	close(c.events)
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type offerResult int

const (
	offerSent offerResult = iota
	offerFull
	offerClosed
)

// offer never blocks.
func (c *Channel) offer(ev Event) offerResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return offerClosed
	}
	select {
	case c.events <- ev:
		return offerSent
	default:
		return offerFull
	}
}

type Registry struct {
	mu         sync.RWMutex
	byUser     map[string]map[string]*Channel
	buffer     int
	maxPerUser int
}

func NewRegistry(buffer, maxPerUser int) *Registry {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	if maxPerUser < 1 {
		maxPerUser = DefaultMaxPerUser
	}
	return &Registry{
		byUser:     make(map[string]map[string]*Channel),
		buffer:     buffer,
		maxPerUser: maxPerUser,
	}
}

// Register opens a new channel for userID.
func (r *Registry) Register(userID string) (*Channel, error) {
	if userID == "" {
		return nil, errors.New("user_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byUser[userID]
	if len(set) >= r.maxPerUser {
		return nil, ErrTooManyChannels
	}
	if set == nil {
		set = make(map[string]*Channel)
		r.byUser[userID] = set
	}
	ch := &Channel{
		ID:     uuid.NewString(),
		UserID: userID,
		events: make(chan Event, r.buffer),
		done:   make(chan struct{}),
	}
	set[ch.ID] = ch
	metrics.LiveChannels.Inc()
	return ch, nil
}

// Unregister removes and closes ch. Unknown handles are ignored.
func (r *Registry) Unregister(userID string, ch *Channel) {
	if ch == nil {
		return
	}
	r.mu.Lock()
	set := r.byUser[userID]
	if _, ok := set[ch.ID]; ok {
		delete(set, ch.ID)
		metrics.LiveChannels.Dec()
		if len(set) == 0 {
			delete(r.byUser, userID)
		}
	}
	r.mu.Unlock()
	ch.Close()
}

// ChannelsFor returns a snapshot of userID's open channels.
func (r *Registry) ChannelsFor(userID string) []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[userID]
	out := make([]*Channel, 0, len(set))
	for _, ch := range set {
		out = append(out, ch)
	}
	return out
}

// Len counts registered channels across all users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.byUser {
		n += len(set)
	}
	return n
}

// CloseAll unregisters every channel, used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	var all []*Channel
	for user, set := range r.byUser {
		for _, ch := range set {
			all = append(all, ch)
		}
		delete(r.byUser, user)
	}
	r.mu.Unlock()
	for _, ch := range all {
		metrics.LiveChannels.Dec()
		ch.Close()
	}
}
