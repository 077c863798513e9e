package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"planner-sync/domain"
	"planner-sync/session"
)

// Backend is the full set of planner service operations. *Client and
// *Cache both satisfy it.
type Backend interface {
	ListBoards(ctx context.Context, cred session.Credentials) ([]domain.Board, error)
	GetBoard(ctx context.Context, cred session.Credentials, boardID string) (domain.Board, error)
	CreateBoard(ctx context.Context, cred session.Credentials, name string) (domain.Board, error)
	RenameBoard(ctx context.Context, cred session.Credentials, boardID, name string) error
	DeleteBoard(ctx context.Context, cred session.Credentials, boardID string) error
	ListMembers(ctx context.Context, cred session.Credentials, boardID string) ([]domain.User, error)
	AddMember(ctx context.Context, cred session.Credentials, boardID, userID string) error
	RemoveMember(ctx context.Context, cred session.Credentials, boardID, userID string) error
	ListTasks(ctx context.Context, cred session.Credentials, boardID string) ([]domain.Task, error)
	ListUserTasks(ctx context.Context, cred session.Credentials, userID string) ([]domain.Task, error)
	CreateTask(ctx context.Context, cred session.Credentials, draft domain.TaskDraft) (domain.Task, error)
	PatchTask(ctx context.Context, cred session.Credentials, taskID string, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, cred session.Credentials, taskID string) error
	ListUsers(ctx context.Context, cred session.Credentials) ([]domain.User, error)
}

// Cache wraps a Backend with Redis-backed caching for the user directory and
// board member lists. Tasks and boards are never cached: the task store is
// the client's cache for those. Keys are scoped by the caller's user id so
// one user's view is never served to another. Each board keeps an index of
// its member keys, so a membership change evicts every user's copy.
type Cache struct {
	Backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base Backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base backend is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{Backend: base, redis: client, ttl: ttl}
}

func (c *Cache) ListUsers(ctx context.Context, cred session.Credentials) ([]domain.User, error) {
	key := usersCacheKey(userOf(cred))
	if users, ok := c.loadUsers(ctx, key); ok {
		return users, nil
	}

	users, err := c.Backend.ListUsers(ctx, cred)
	if err != nil {
		return nil, err
	}

	c.storeUsers(ctx, key, users)
	return users, nil
}

func (c *Cache) ListMembers(ctx context.Context, cred session.Credentials, boardID string) ([]domain.User, error) {
	key := membersCacheKey(userOf(cred), boardID)
	if users, ok := c.loadUsers(ctx, key); ok {
		return users, nil
	}

	users, err := c.Backend.ListMembers(ctx, cred, boardID)
	if err != nil {
		return nil, err
	}

	if c.storeUsers(ctx, key, users) {
		index := membersIndexKey(boardID)
		pipe := c.redis.TxPipeline()
		pipe.SAdd(ctx, index, key)
		pipe.Expire(ctx, index, c.ttl)
		_, _ = pipe.Exec(ctx)
	}
	return users, nil
}

func (c *Cache) AddMember(ctx context.Context, cred session.Credentials, boardID, userID string) error {
	if err := c.Backend.AddMember(ctx, cred, boardID, userID); err != nil {
		return err
	}

	c.evictMembers(ctx, boardID)
	return nil
}

func (c *Cache) RemoveMember(ctx context.Context, cred session.Credentials, boardID, userID string) error {
	if err := c.Backend.RemoveMember(ctx, cred, boardID, userID); err != nil {
		return err
	}

	c.evictMembers(ctx, boardID)
	return nil
}

func (c *Cache) DeleteBoard(ctx context.Context, cred session.Credentials, boardID string) error {
	if err := c.Backend.DeleteBoard(ctx, cred, boardID); err != nil {
		return err
	}

	c.evictMembers(ctx, boardID)
	return nil
}

func (c *Cache) loadUsers(ctx context.Context, key string) ([]domain.User, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the service without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var users []domain.User
	if err := sonic.Unmarshal(data, &users); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	return users, true
}

func (c *Cache) storeUsers(ctx context.Context, key string, users []domain.User) bool {
	if c.redis == nil || c.ttl == 0 {
		return false
	}
	data, err := sonic.Marshal(users)
	if err != nil {
		return false
	}
	return c.redis.Set(ctx, key, data, c.ttl).Err() == nil
}

func (c *Cache) evict(ctx context.Context, keys ...string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, keys...).Result()
}

// evictMembers drops every user's member list of boardID.
func (c *Cache) evictMembers(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	index := membersIndexKey(boardID)
	keys, _ := c.redis.SMembers(ctx, index).Result()
	c.evict(ctx, append(keys, index)...)
}

func userOf(cred session.Credentials) string {
	if cred == nil || cred.UserID() == "" {
		return "_"
	}
	return cred.UserID()
}

func usersCacheKey(userID string) string {
	return "users:" + userID
}

func membersCacheKey(userID, boardID string) string {
	return "members:" + userID + ":" + boardID
}

func membersIndexKey(boardID string) string {
	return "members-index:" + boardID
}
