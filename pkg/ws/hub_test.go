package ws

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/ChatHub/config"
	"github.com/Gopher0727/ChatHub/internal/events"
	logger "github.com/Gopher0727/ChatHub/middleware/log"
	"github.com/Gopher0727/ChatHub/pkg/errs"
)

// allowList authorizes the (user, channel) pairs it contains.
type allowList map[[2]uint]bool

func (a allowList) IsAuthorized(_ context.Context, userID, channelID uint) (bool, error) {
	return a[[2]uint{userID, channelID}], nil
}

type allowAll struct{}

func (allowAll) IsAuthorized(context.Context, uint, uint) (bool, error) { return true, nil }

func testWsConfig(size int, policy string) *config.WebsocketConfig {
	cfg := config.Default().Websocket
	cfg.SendQueueSize = size
	cfg.OverflowPolicy = policy
	return &cfg
}

func newTestClient(userID uint) *Client {
	return NewClient(nil, userID, "", testWsConfig(16, config.OverflowDisconnect))
}

// drain returns the event types queued for c.
func drain(t *testing.T, c *Client) []events.Type {
	t.Helper()
	var out []events.Type
	for {
		select {
		case payload := <-c.send:
			var ev events.Event
			require.NoError(t, json.Unmarshal(payload, &ev))
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}

func TestHub_SubscribeRequiresAuthorization(t *testing.T) {
	hub := NewHub(allowList{{1, 10}: true}, logger.NewNop())
	c := newTestClient(1)
	hub.Register(c)
	assert.Equal(t, StateAuthenticated, c.State())

	err := hub.Subscribe(context.Background(), c, 20)
	assert.ErrorIs(t, err, errs.ErrForbidden)
	assert.Equal(t, StateAuthenticated, c.State())

	require.NoError(t, hub.Subscribe(context.Background(), c, 10))
	assert.Equal(t, StateSubscribed, c.State())
	assert.Equal(t, []uint{10}, hub.Subscriptions(c))
	assert.Equal(t, 1, hub.subscriberCount(10))

	assert.ErrorIs(t, hub.Unsubscribe(c, 20), errs.ErrNotSubscribed)
	require.NoError(t, hub.Unsubscribe(c, 10))
	assert.Zero(t, hub.subscriberCount(10))
}

func TestHub_SubscribeClosedConnection(t *testing.T) {
	hub := NewHub(allowAll{}, logger.NewNop())
	c := newTestClient(1)
	hub.Register(c)
	c.Close()

	assert.ErrorIs(t, hub.Subscribe(context.Background(), c, 1), errs.ErrConnectionClosed)

	stranger := newTestClient(2)
	assert.ErrorIs(t, hub.Subscribe(context.Background(), stranger, 1), errs.ErrConnectionClosed)
}

// revokingAuthorizer simulates a Remove committing while Subscribe waits on
// the authorization lookup: the first `revokeFor` calls revoke the user and
// still answer with the stale grant, later calls answer from `after`.
type revokingAuthorizer struct {
	hub       *Hub
	revokeFor int
	after     bool
	calls     int
}

func (a *revokingAuthorizer) IsAuthorized(_ context.Context, userID, channelID uint) (bool, error) {
	a.calls++
	if a.calls <= a.revokeFor {
		a.hub.UnsubscribeUser(userID, channelID)
		return true, nil
	}
	return a.after, nil
}

func TestHub_SubscribeRacingRevocation(t *testing.T) {
	tests := []struct {
		name      string
		revokeFor int
		after     bool
		wantErr   error
		wantSub   bool
		wantCalls int
	}{
		{"revoked user is rejected on recheck", 1, false, errs.ErrForbidden, false, 2},
		{"unrelated revocation retries and succeeds", 1, true, nil, true, 2},
		{"never settles", 100, true, errs.ErrForbidden, false, maxSubscribeAttempts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := &revokingAuthorizer{revokeFor: tt.revokeFor, after: tt.after}
			hub := NewHub(auth, logger.NewNop())
			auth.hub = hub
			c := newTestClient(7)
			hub.Register(c)

			err := hub.Subscribe(context.Background(), c, 42)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantSub, hub.IsSubscribed(c, 42))
			assert.Equal(t, tt.wantCalls, auth.calls)
		})
	}
}

func TestHub_DropChannelInvalidatesPendingSubscribe(t *testing.T) {
	var hub *Hub
	dropped := false
	hub = NewHub(authorizerFunc(func(channelID uint) bool {
		if !dropped {
			dropped = true
			hub.DropChannel(channelID)
			return true
		}
		return false
	}), logger.NewNop())
	c := newTestClient(1)
	hub.Register(c)

	assert.ErrorIs(t, hub.Subscribe(context.Background(), c, 9), errs.ErrForbidden)
	assert.Zero(t, hub.subscriberCount(9))
}

// authorizerFunc adapts a per-channel decision to Authorizer.
type authorizerFunc func(channelID uint) bool

func (f authorizerFunc) IsAuthorized(_ context.Context, _ uint, channelID uint) (bool, error) {
	return f(channelID), nil
}

func TestHub_BroadcastScoping(t *testing.T) {
	hub := NewHub(allowAll{}, logger.NewNop())
	ctx := context.Background()

	alice, bob, carol := newTestClient(1), newTestClient(2), newTestClient(3)
	for _, c := range []*Client{alice, bob, carol} {
		hub.Register(c)
	}
	require.NoError(t, hub.Subscribe(ctx, alice, 1))
	require.NoError(t, hub.Subscribe(ctx, bob, 1))
	require.NoError(t, hub.Subscribe(ctx, carol, 2))

	hub.Broadcast(1, events.New(events.NewMessage, 1))
	hub.BroadcastExcept(1, events.New(events.UserTyping, 1), alice)
	hub.SendToUser(3, events.New(events.MemberInvited, 1))
	hub.BroadcastPresence(events.New(events.UserOnline, 0))

	assert.Equal(t, []events.Type{events.NewMessage, events.UserOnline}, drain(t, alice))
	assert.Equal(t, []events.Type{events.NewMessage, events.UserTyping, events.UserOnline}, drain(t, bob))
	assert.Equal(t, []events.Type{events.MemberInvited, events.UserOnline}, drain(t, carol))
}

func TestHub_UserLevelSubscriptions(t *testing.T) {
	hub := NewHub(allowAll{}, logger.NewNop())
	laptop, phone, other := newTestClient(1), newTestClient(1), newTestClient(2)
	for _, c := range []*Client{laptop, phone, other} {
		hub.Register(c)
	}

	hub.SubscribeUser(1, 5)
	assert.Equal(t, 2, hub.subscriberCount(5))
	assert.True(t, hub.IsSubscribed(phone, 5))
	assert.False(t, hub.IsSubscribed(other, 5))

	hub.UnsubscribeUser(1, 5)
	assert.Zero(t, hub.subscriberCount(5))

	hub.SubscribeUser(1, 6)
	hub.SubscribeUser(2, 6)
	hub.DropChannel(6)
	assert.Zero(t, hub.subscriberCount(6))
	assert.Empty(t, hub.Subscriptions(laptop))
	assert.Empty(t, hub.Subscriptions(other))
}

func TestHub_RegisterPrunesClosedConnections(t *testing.T) {
	hub := NewHub(allowAll{}, logger.NewNop())
	old := newTestClient(1)
	hub.Register(old)
	hub.SubscribeUser(1, 3)
	old.Close()

	fresh := newTestClient(1)
	hub.Register(fresh)
	assert.Equal(t, 1, hub.ConnectionCount())
	assert.Zero(t, hub.subscriberCount(3))
	assert.False(t, hub.DropConnection(old))
	assert.True(t, hub.DropConnection(fresh))
	assert.False(t, hub.DropConnection(fresh))
}

func TestHub_OverflowDisconnect(t *testing.T) {
	hub := NewHub(allowAll{}, logger.NewNop())
	slow := NewClient(nil, 1, "", testWsConfig(2, config.OverflowDisconnect))
	fast := NewClient(nil, 2, "", testWsConfig(16, config.OverflowDisconnect))
	hub.Register(slow)
	hub.Register(fast)
	hub.SubscribeUser(1, 1)
	hub.SubscribeUser(2, 1)

	for i := 0; i < 3; i++ {
		hub.Broadcast(1, events.New(events.NewMessage, 1))
	}

	assert.True(t, slow.IsClosed())
	assert.Equal(t, 1, hub.ConnectionCount())
	assert.Len(t, drain(t, fast), 3)

	hub.Broadcast(1, events.New(events.NewMessage, 1))
	assert.Equal(t, 2, slow.queued(), "dropped client receives nothing more")
}

func TestHub_OverflowDropOldest(t *testing.T) {
	hub := NewHub(allowAll{}, logger.NewNop())
	c := NewClient(nil, 1, "", testWsConfig(2, config.OverflowDropOldest))
	hub.Register(c)
	hub.SubscribeUser(1, 1)

	hub.Broadcast(1, events.New(events.UserJoined, 1))
	hub.Broadcast(1, events.New(events.NewMessage, 1))
	hub.Broadcast(1, events.New(events.UserLeft, 1))

	assert.False(t, c.IsClosed())
	assert.Equal(t, []events.Type{events.NewMessage, events.UserLeft}, drain(t, c))
}

func TestHub_Shutdown(t *testing.T) {
	hub := NewHub(allowAll{}, logger.NewNop())
	a, b := newTestClient(1), newTestClient(2)
	hub.Register(a)
	hub.Register(b)
	hub.SubscribeUser(1, 1)

	hub.Shutdown()
	assert.Zero(t, hub.ConnectionCount())
	assert.Zero(t, hub.subscriberCount(1))
	assert.True(t, a.IsClosed())
	assert.True(t, b.IsClosed())

	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestClient_StateNeverLeavesClosed(t *testing.T) {
	c := newTestClient(1)
	assert.Equal(t, StateConnecting, c.State())
	c.Close()
	c.Close()
	c.setState(StateSubscribed)
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, "closed", c.State().String())
	assert.False(t, c.enqueue([]byte("{}")))
}

type hubOp struct {
	User    uint
	Channel uint
	Kind    int // 0 subscribe, 1 unsubscribe, 2 drop channel
}

// TestHub_BroadcastReachesExactlySubscribers checks that after any sequence
// of subscription changes a broadcast reaches exactly the connections a
// model of the subscriptions predicts.
func TestHub_BroadcastReachesExactlySubscribers(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	opGen := gopter.CombineGens(
		gen.UIntRange(1, 4),
		gen.UIntRange(1, 3),
		gen.IntRange(0, 2),
	).Map(func(vals []interface{}) hubOp {
		return hubOp{User: vals[0].(uint), Channel: vals[1].(uint), Kind: vals[2].(int)}
	})

	properties.Property("broadcast scoping", prop.ForAll(
		func(ops []hubOp, target uint) bool {
			hub := NewHub(allowAll{}, logger.NewNop())
			clients := make(map[uint]*Client)
			for u := uint(1); u <= 4; u++ {
				clients[u] = newTestClient(u)
				hub.Register(clients[u])
			}

			model := make(map[uint]map[uint]bool)
			for _, op := range ops {
				switch op.Kind {
				case 0:
					if err := hub.Subscribe(context.Background(), clients[op.User], op.Channel); err != nil {
						return false
					}
					if model[op.Channel] == nil {
						model[op.Channel] = make(map[uint]bool)
					}
					model[op.Channel][op.User] = true
				case 1:
					err := hub.Unsubscribe(clients[op.User], op.Channel)
					if model[op.Channel][op.User] != (err == nil) {
						return false
					}
					delete(model[op.Channel], op.User)
				case 2:
					hub.DropChannel(op.Channel)
					delete(model, op.Channel)
				}
			}

			hub.Broadcast(target, events.New(events.NewMessage, target))
			for u, c := range clients {
				got := c.queued()
				want := 0
				if model[target][u] {
					want = 1
				}
				if got != want {
					return false
				}
				if hub.IsSubscribed(c, target) != model[target][u] {
					return false
				}
			}
			return hub.subscriberCount(target) == len(model[target])
		},
		gen.SliceOf(opGen),
		gen.UIntRange(1, 3),
	))

	properties.TestingRun(t)
}
