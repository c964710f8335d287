package ws

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Gopher0727/ChatHub/internal/events"
	logger "github.com/Gopher0727/ChatHub/middleware/log"
	"github.com/Gopher0727/ChatHub/pkg/errs"
)

// Authorizer decides whether a user may read a channel.
// services.AccessPolicy implements it.
type Authorizer interface {
	IsAuthorized(ctx context.Context, userID, channelID uint) (bool, error)
}

type clientSet map[*Client]struct{}

// Hub is the routing table from channels and users to live connections.
// Fan-out snapshots the targets under the read lock and enqueues after
// releasing it; no network I/O happens under the lock.
type Hub struct {
	// mu protects every map below
	mu sync.RWMutex

	// clients holds every registered connection
	clients clientSet

	// users maps a user to all of their connections
	users map[uint]clientSet

	// channels maps a channel to its subscribed connections
	channels map[uint]clientSet

	// subs maps a connection to the channels it is subscribed to
	subs map[*Client]map[uint]struct{}

	// revocations counts UnsubscribeUser and DropChannel calls per channel.
	// Entries are never deleted so a counter cannot return to an old value.
	revocations map[uint]uint64

	auth Authorizer
	log  *logger.Logger
}

// NewHub creates an empty routing table.
//
// Parameters:
//   - auth: Channel read policy consulted by Subscribe
//   - log: Logger
//
// Returns:
//   - *Hub: The initialized hub
func NewHub(auth Authorizer, log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(clientSet),
		users:       make(map[uint]clientSet),
		channels:    make(map[uint]clientSet),
		subs:        make(map[*Client]map[uint]struct{}),
		revocations: make(map[uint]uint64),
		auth:        auth,
		log:         log.Named("hub"),
	}
}

// Register adds c to the table and prunes closed connections of the same user.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for other := range h.users[c.userID] {
		if other.IsClosed() {
			h.removeLocked(other)
		}
	}

	h.clients[c] = struct{}{}
	if h.users[c.userID] == nil {
		h.users[c.userID] = make(clientSet)
	}
	h.users[c.userID][c] = struct{}{}
	h.subs[c] = make(map[uint]struct{})
	c.setState(StateAuthenticated)
}

// maxSubscribeAttempts bounds how often Subscribe re-authorizes when
// revocations keep landing between the check and the insert.
const maxSubscribeAttempts = 3

// Subscribe routes channelID's events to c.
//
// The authorization lookup runs without the lock. If a revocation for the
// channel happens meanwhile the decision is stale and is made again.
//
// Parameters:
//   - ctx: Context for the authorization lookup
//   - c: The connection
//   - channelID: The channel to subscribe to
//
// Returns:
//   - error: ErrForbidden if the user may not read the channel or the
//     decision never settled, ErrConnectionClosed if c was dropped meanwhile
func (h *Hub) Subscribe(ctx context.Context, c *Client, channelID uint) error {
	for attempt := 0; attempt < maxSubscribeAttempts; attempt++ {
		h.mu.RLock()
		gen := h.revocations[channelID]
		h.mu.RUnlock()

		ok, err := h.auth.IsAuthorized(ctx, c.userID, channelID)
		if err != nil {
			return err
		}
		if !ok {
			return errs.ErrForbidden
		}

		h.mu.Lock()
		if _, registered := h.clients[c]; !registered || c.IsClosed() {
			h.mu.Unlock()
			return errs.ErrConnectionClosed
		}
		if h.revocations[channelID] == gen {
			h.subscribeLocked(c, channelID)
			h.mu.Unlock()
			return nil
		}
		h.mu.Unlock()
	}

	h.log.Warn("subscribe raced with revocations, rejecting",
		zap.Uint("user_id", c.userID),
		zap.Uint("channel_id", channelID))
	return errs.ErrForbidden
}

func (h *Hub) subscribeLocked(c *Client, channelID uint) {
	if h.channels[channelID] == nil {
		h.channels[channelID] = make(clientSet)
	}
	h.channels[channelID][c] = struct{}{}
	h.subs[c][channelID] = struct{}{}
	c.setState(StateSubscribed)
}

// Unsubscribe stops routing channelID to c.
//
// Returns:
//   - error: ErrNotSubscribed if c was not subscribed
func (h *Hub) Unsubscribe(c *Client, channelID uint) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[c][channelID]; !ok {
		return errs.ErrNotSubscribed
	}
	h.unsubscribeLocked(c, channelID)
	return nil
}

func (h *Hub) unsubscribeLocked(c *Client, channelID uint) {
	delete(h.subs[c], channelID)
	if set, ok := h.channels[channelID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.channels, channelID)
		}
	}
}

// IsSubscribed reports whether c receives channelID's events.
func (h *Hub) IsSubscribed(c *Client, channelID uint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[c][channelID]
	return ok
}

// SubscribeUser subscribes every live connection of userID. Callers have
// already checked membership.
func (h *Hub) SubscribeUser(userID, channelID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.users[userID] {
		if !c.IsClosed() {
			h.subscribeLocked(c, channelID)
		}
	}
}

// UnsubscribeUser removes every connection of userID from channelID.
func (h *Hub) UnsubscribeUser(userID, channelID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.revocations[channelID]++
	for c := range h.users[userID] {
		h.unsubscribeLocked(c, channelID)
	}
}

// DropChannel removes all subscriptions to channelID.
func (h *Hub) DropChannel(channelID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.revocations[channelID]++
	for c := range h.channels[channelID] {
		delete(h.subs[c], channelID)
	}
	delete(h.channels, channelID)
}

// DropConnection removes c from every table.
//
// Returns:
//   - bool: false if c was not registered
func (h *Hub) DropConnection(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return false
	}
	h.removeLocked(c)
	return true
}

func (h *Hub) removeLocked(c *Client) {
	for channelID := range h.subs[c] {
		h.unsubscribeLocked(c, channelID)
	}
	delete(h.subs, c)
	delete(h.clients, c)
	if set, ok := h.users[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.users, c.userID)
		}
	}
}

// Broadcast sends ev to every subscriber of channelID.
func (h *Hub) Broadcast(channelID uint, ev *events.Event) {
	h.BroadcastExcept(channelID, ev, nil)
}

// BroadcastExcept sends ev to every subscriber of channelID except one connection.
func (h *Hub) BroadcastExcept(channelID uint, ev *events.Event, except *Client) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.channels[channelID]))
	for c := range h.channels[channelID] {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.deliver(targets, ev)
}

// BroadcastPresence sends ev to every registered connection.
func (h *Hub) BroadcastPresence(ev *events.Event) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	h.deliver(targets, ev)
}

// SendToUser sends ev to every connection of userID.
func (h *Hub) SendToUser(userID uint, ev *events.Event) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.users[userID]))
	for c := range h.users[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	h.deliver(targets, ev)
}

// Send delivers ev to a single connection, used for replies.
func (h *Hub) Send(c *Client, ev *events.Event) {
	h.deliver([]*Client{c}, ev)
}

func (h *Hub) deliver(targets []*Client, ev *events.Event) {
	if len(targets) == 0 {
		return
	}
	payload, err := ev.Encode()
	if err != nil {
		h.log.Error("failed to encode event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}

	for _, c := range targets {
		if c.enqueue(payload) || c.IsClosed() {
			continue
		}
		h.log.Warn("outbound queue full, dropping connection",
			zap.Uint("user_id", c.userID),
			zap.String("conn_id", c.id),
			zap.String("event", string(ev.Type)))
		h.DropConnection(c)
		c.Close()
	}
}

// Subscriptions returns the sorted channel ids c is subscribed to.
func (h *Hub) Subscriptions(c *Client) []uint {
	h.mu.RLock()
	ids := make([]uint, 0, len(h.subs[c]))
	for id := range h.subs[c] {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (h *Hub) subscriberCount(channelID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channelID])
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every connection and empties the table.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.clients = make(clientSet)
	h.users = make(map[uint]clientSet)
	h.channels = make(map[uint]clientSet)
	h.subs = make(map[*Client]map[uint]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	h.log.Info("hub shut down", zap.Int("connections", len(all)))
}
