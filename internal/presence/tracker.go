// Package presence aggregates live connections into per-user online state.
package presence

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/ChatHub/internal/events"
	"github.com/Gopher0727/ChatHub/internal/models"
	redis "github.com/Gopher0727/ChatHub/internal/pkg/redis"
	logger "github.com/Gopher0727/ChatHub/middleware/log"
)

// Store persists presence flips. repositories.UserRepository implements it.
type Store interface {
	SetPresence(ctx context.Context, userID uint, online bool, at time.Time) error
	GetByID(ctx context.Context, id uint) (*models.User, error)
}

// Broadcaster delivers presence events to every registered connection.
type Broadcaster interface {
	BroadcastPresence(ev *events.Event)
}

// userEntry holds the live connection handles of one user.
// mu serializes online/offline flips of that user.
type userEntry struct {
	mu     sync.Mutex
	conns  map[string]struct{}
	online atomic.Bool
	// name is the display name carried by presence events, resolved by
	// Register before the entry is locked.
	name string
	// dead is set once the entry has been removed from the tracker map;
	// callers holding a stale pointer must look the user up again.
	dead bool
}

// Tracker maps users to their connection handles. A user is online while at
// least one handle is registered.
type Tracker struct {
	mu    sync.Mutex
	users map[uint]*userEntry

	store  Store
	mirror redis.PresenceMirror
	bus    Broadcaster
	now    func() time.Time
	log    *logger.Logger
}

// NewTracker creates a presence tracker.
//
// Parameters:
//   - store: Persistence for the online flag and last_seen, also used to resolve display names
//   - mirror: Optional Redis mirror of the online set, may be nil
//   - bus: Receiver of user_online / user_offline events, may be nil
//   - log: Logger
//
// Returns:
//   - *Tracker: The initialized tracker
func NewTracker(store Store, mirror redis.PresenceMirror, bus Broadcaster, log *logger.Logger) *Tracker {
	return &Tracker{
		users:  make(map[uint]*userEntry),
		store:  store,
		mirror: mirror,
		bus:    bus,
		now:    time.Now,
		log:    log.Named("presence"),
	}
}

// lockEntry returns the locked live entry of userID, creating it when create is true.
func (t *Tracker) lockEntry(userID uint, create bool) *userEntry {
	for {
		t.mu.Lock()
		e, ok := t.users[userID]
		if !ok {
			if !create {
				t.mu.Unlock()
				return nil
			}
			e = &userEntry{conns: make(map[string]struct{})}
			t.users[userID] = e
		}
		t.mu.Unlock()

		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

// Register adds a connection handle. The first handle of a user flips them
// online: the flag is persisted, mirrored and a user_online event is emitted.
// Registering the same handle twice has no effect.
//
// Parameters:
//   - ctx: Context for persistence
//   - userID: Owner of the connection
//   - connID: Unique handle of the connection
func (t *Tracker) Register(ctx context.Context, userID uint, connID string) {
	name := t.displayName(ctx, userID)

	e := t.lockEntry(userID, true)
	defer e.mu.Unlock()

	if name != "" {
		e.name = name
	}
	if _, dup := e.conns[connID]; dup {
		return
	}
	e.conns[connID] = struct{}{}
	if len(e.conns) > 1 || e.online.Load() {
		return
	}

	e.online.Store(true)
	t.flip(ctx, e, userID, true)
}

// displayName resolves the name shown in presence events. No event bus, no lookup.
func (t *Tracker) displayName(ctx context.Context, userID uint) string {
	if t.bus == nil {
		return ""
	}
	u, err := t.store.GetByID(ctx, userID)
	if err != nil {
		t.log.DebugContext(ctx, "failed to resolve display name", zap.Uint("user_id", userID), zap.Error(err))
		return ""
	}
	return u.DisplayName()
}

// Unregister removes a connection handle. Removing the last handle flips the
// user offline and records last_seen. Unknown handles are ignored.
//
// Parameters:
//   - ctx: Context for persistence
//   - userID: Owner of the connection
//   - connID: Handle passed to Register
func (t *Tracker) Unregister(ctx context.Context, userID uint, connID string) {
	e := t.lockEntry(userID, false)
	if e == nil {
		return
	}
	defer e.mu.Unlock()

	if _, ok := e.conns[connID]; !ok {
		return
	}
	delete(e.conns, connID)
	if len(e.conns) > 0 {
		return
	}

	if e.online.Load() {
		e.online.Store(false)
		t.flip(ctx, e, userID, false)
	}

	e.dead = true
	t.mu.Lock()
	if t.users[userID] == e {
		delete(t.users, userID)
	}
	t.mu.Unlock()
}

// flip persists and announces a transition. Called with e locked so flips of
// one user are persisted and enqueued in order; the broadcast only enqueues.
func (t *Tracker) flip(ctx context.Context, e *userEntry, userID uint, online bool) {
	at := t.now()
	if err := t.store.SetPresence(ctx, userID, online, at); err != nil {
		t.log.WarnContext(ctx, "failed to persist presence",
			zap.Uint("user_id", userID), zap.Bool("online", online), zap.Error(err))
	}

	if t.mirror != nil {
		var err error
		if online {
			err = t.mirror.SetUserOnline(ctx, userID)
		} else {
			err = t.mirror.RemoveUserOnline(ctx, userID)
		}
		if err != nil {
			t.log.WarnContext(ctx, "failed to mirror presence", zap.Uint("user_id", userID), zap.Error(err))
		}
	}

	if t.bus == nil {
		return
	}
	typ := events.UserOffline
	if online {
		typ = events.UserOnline
	}
	ev := events.New(typ, 0).WithActor(userID, e.name)
	if !online {
		ev.WithData(map[string]any{"last_seen": events.FormatTime(at)})
	}
	t.bus.BroadcastPresence(ev)
}

// Touch extends the mirrored online TTL of a user, called on heartbeats.
func (t *Tracker) Touch(ctx context.Context, userID uint) {
	if t.mirror == nil || !t.IsOnline(userID) {
		return
	}
	if err := t.mirror.RefreshUserOnline(ctx, userID); err != nil {
		t.log.DebugContext(ctx, "failed to refresh presence", zap.Uint("user_id", userID), zap.Error(err))
	}
}

// OnlineUsers returns the sorted ids of users with at least one connection.
func (t *Tracker) OnlineUsers() []uint {
	t.mu.Lock()
	ids := make([]uint, 0, len(t.users))
	for id, e := range t.users {
		if e.online.Load() {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (t *Tracker) IsOnline(userID uint) bool {
	t.mu.Lock()
	e, ok := t.users[userID]
	t.mu.Unlock()
	return ok && e.online.Load()
}

// connectionCount returns how many handles userID has registered.
func (t *Tracker) connectionCount(userID uint) int {
	e := t.lockEntry(userID, false)
	if e == nil {
		return 0
	}
	defer e.mu.Unlock()
	return len(e.conns)
}

// Flush marks every online user offline, used on shutdown after the hub has
// closed all connections.
func (t *Tracker) Flush(ctx context.Context) {
	t.mu.Lock()
	ids := make([]uint, 0, len(t.users))
	for id := range t.users {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		e := t.lockEntry(id, false)
		if e == nil {
			continue
		}
		for connID := range e.conns {
			delete(e.conns, connID)
		}
		if e.online.Load() {
			e.online.Store(false)
			t.flip(ctx, e, id, false)
		}
		e.dead = true
		t.mu.Lock()
		if t.users[id] == e {
			delete(t.users, id)
		}
		t.mu.Unlock()
		e.mu.Unlock()
	}
}
