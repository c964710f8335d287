package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const onlineSetKey = "presence:online"

// PresenceMirror publishes the process's online users to Redis so other
// tools (admin dashboards, the HTTP presence endpoint of another process)
// can read them. The in-memory tracker stays authoritative.
type PresenceMirror interface {
	SetUserOnline(ctx context.Context, userID uint) error
	RefreshUserOnline(ctx context.Context, userID uint) error
	RemoveUserOnline(ctx context.Context, userID uint) error
}

type Client struct {
	client *redis.Client
	ttl    time.Duration
}

// NewClient wraps an already connected redis client. ttl bounds how long a
// user stays online in Redis without a refresh, so a crashed process does not
// leave users online forever.
func NewClient(rdb *redis.Client, ttl time.Duration) *Client {
	return &Client{client: rdb, ttl: ttl}
}

func (c *Client) GetClient() *redis.Client {
	return c.client
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func userKey(userID uint) string {
	return fmt.Sprintf("user:%d:online", userID)
}

func (c *Client) SetUserOnline(ctx context.Context, userID uint) error {
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, userKey(userID), "1", c.ttl)
	pipe.SAdd(ctx, onlineSetKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set user %d online: %w", userID, err)
	}
	return nil
}

// RefreshUserOnline extends the TTL of an online user; called on heartbeats.
func (c *Client) RefreshUserOnline(ctx context.Context, userID uint) error {
	ok, err := c.client.Expire(ctx, userKey(userID), c.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh user %d online: %w", userID, err)
	}
	if !ok {
		// key already expired; the user is still connected so restore it
		return c.SetUserOnline(ctx, userID)
	}
	return nil
}

func (c *Client) RemoveUserOnline(ctx context.Context, userID uint) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, userKey(userID))
	pipe.SRem(ctx, onlineSetKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove user %d online status: %w", userID, err)
	}
	return nil
}

func (c *Client) IsUserOnline(ctx context.Context, userID uint) (bool, error) {
	n, err := c.client.Exists(ctx, userKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check if user %d is online: %w", userID, err)
	}
	return n > 0, nil
}

// OnlineUserIDs lists users whose online key is still alive, pruning set
// members whose key expired.
func (c *Client) OnlineUserIDs(ctx context.Context) ([]uint, error) {
	members, err := c.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list online users: %w", err)
	}

	ids := make([]uint, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		alive, err := c.IsUserOnline(ctx, uint(id))
		if err != nil {
			return nil, err
		}
		if !alive {
			c.client.SRem(ctx, onlineSetKey, m)
			continue
		}
		ids = append(ids, uint(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
