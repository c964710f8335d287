package services

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/Gopher0727/ChatHub/config"
	"github.com/Gopher0727/ChatHub/internal/events"
	"github.com/Gopher0727/ChatHub/internal/repositories"
	"github.com/Gopher0727/ChatHub/internal/storage/storagetest"
	"github.com/Gopher0727/ChatHub/internal/utils"
	logger "github.com/Gopher0727/ChatHub/middleware/log"
	"github.com/Gopher0727/ChatHub/utils/snowflake"
)

// recorder is a Notifier and Journal that keeps everything it is given.
type recorder struct {
	mu          sync.Mutex
	broadcasts  []*events.Event
	direct      map[uint][]*events.Event
	subscribed  [][2]uint
	unsubscribe [][2]uint
	dropped     []uint
	journaled   []*events.Event
}

func newRecorder() *recorder {
	return &recorder{direct: make(map[uint][]*events.Event)}
}

func (r *recorder) Broadcast(_ uint, ev *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, ev)
}

func (r *recorder) SendToUser(userID uint, ev *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.direct[userID] = append(r.direct[userID], ev)
}

func (r *recorder) SubscribeUser(userID, channelID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribed = append(r.subscribed, [2]uint{userID, channelID})
}

func (r *recorder) UnsubscribeUser(userID, channelID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribe = append(r.unsubscribe, [2]uint{userID, channelID})
}

func (r *recorder) DropChannel(channelID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, channelID)
}

func (r *recorder) Record(ev *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.journaled = append(r.journaled, ev)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.broadcasts))
	for _, ev := range r.broadcasts {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) last() *events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.broadcasts) == 0 {
		return nil
	}
	return r.broadcasts[len(r.broadcasts)-1]
}

type testEnv struct {
	db       *gorm.DB
	store    *repositories.Store
	rec      *recorder
	cfg      *config.Config
	access   *AccessPolicy
	members  *MembershipService
	channels *ChannelService
	messages *MessageService
	directs  *DirectMessageService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := storagetest.NewDB(t)
	store := repositories.NewStore(db)
	rec := newRecorder()
	cfg := config.Default()
	hasher := utils.NewBcryptHasher(bcrypt.MinCost)
	pub := NewPublisher(rec, rec)
	access := NewAccessPolicy(store)
	log := logger.NewNop()

	ids, err := snowflake.NewGenerator(snowflake.Config{NodeID: 1})
	require.NoError(t, err)

	return &testEnv{
		db:       db,
		store:    store,
		rec:      rec,
		cfg:      cfg,
		access:   access,
		members:  NewMembershipService(store, hasher, pub, &cfg.Chat, log),
		channels: NewChannelService(store, access, hasher, pub, &cfg.Chat, log),
		messages: NewMessageService(store, access, ids, pub, &cfg.Chat, log),
		directs:  NewDirectMessageService(store, ids, pub, &cfg.Chat, log),
	}
}
