package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"planner-sync/domain"
	"planner-sync/session"
)

type stubCreds struct{ user string }

func (s stubCreds) BearerToken() string { return "h.p.s" }
func (s stubCreds) UserID() string      { return s.user }

// stubBackend embeds Backend so tests only implement what they exercise.
type stubBackend struct {
	Backend
	listUsersFn    func(ctx context.Context, cred session.Credentials) ([]domain.User, error)
	listMembersFn  func(ctx context.Context, cred session.Credentials, boardID string) ([]domain.User, error)
	addMemberFn    func(ctx context.Context, cred session.Credentials, boardID, userID string) error
	removeMemberFn func(ctx context.Context, cred session.Credentials, boardID, userID string) error
}

func (s *stubBackend) ListUsers(ctx context.Context, cred session.Credentials) ([]domain.User, error) {
	if s.listUsersFn == nil {
		return nil, errors.New("unexpected ListUsers call")
	}
	return s.listUsersFn(ctx, cred)
}

func (s *stubBackend) ListMembers(ctx context.Context, cred session.Credentials, boardID string) ([]domain.User, error) {
	if s.listMembersFn == nil {
		return nil, errors.New("unexpected ListMembers call")
	}
	return s.listMembersFn(ctx, cred, boardID)
}

func (s *stubBackend) AddMember(ctx context.Context, cred session.Credentials, boardID, userID string) error {
	if s.addMemberFn == nil {
		return errors.New("unexpected AddMember call")
	}
	return s.addMemberFn(ctx, cred, boardID, userID)
}

func (s *stubBackend) RemoveMember(ctx context.Context, cred session.Credentials, boardID, userID string) error {
	if s.removeMemberFn == nil {
		return errors.New("unexpected RemoveMember call")
	}
	return s.removeMemberFn(ctx, cred, boardID, userID)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCacheListUsersMissThenHit(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	cred := stubCreds{user: "user-1"}
	expected := []domain.User{{ID: "u1", Username: "alice"}, {ID: "u2", Username: "bob"}}

	var calls int
	cache := NewCache(&stubBackend{
		listUsersFn: func(ctx context.Context, c session.Credentials) ([]domain.User, error) {
			calls++
			if c.UserID() != cred.user {
				t.Fatalf("unexpected user id: %s", c.UserID())
			}
			return append([]domain.User(nil), expected...), nil
		},
	}, client, time.Minute)

	users, err := cache.ListUsers(ctx, cred)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if !reflect.DeepEqual(users, expected) {
		t.Fatalf("unexpected users: %#v", users)
	}
	if ttl := mr.TTL(usersCacheKey(cred.user)); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	cached, err := cache.ListUsers(ctx, cred)
	if err != nil {
		t.Fatalf("list cached users: %v", err)
	}
	if !reflect.DeepEqual(cached, expected) {
		t.Fatalf("unexpected cached users: %#v", cached)
	}
	if calls != 1 {
		t.Fatalf("expected cached fetch to avoid backend, calls=%d", calls)
	}
}

func TestCacheKeysAreScopedPerUser(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	var calls int
	cache := NewCache(&stubBackend{
		listMembersFn: func(ctx context.Context, c session.Credentials, boardID string) ([]domain.User, error) {
			calls++
			return []domain.User{{ID: c.UserID()}}, nil
		},
	}, client, time.Minute)

	a, err := cache.ListMembers(ctx, stubCreds{user: "a"}, "b1")
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	b, err := cache.ListMembers(ctx, stubCreds{user: "b"}, "b1")
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected one backend call per user, got %d", calls)
	}
	if a[0].ID != "a" || b[0].ID != "b" {
		t.Fatalf("cache leaked between users: %v %v", a, b)
	}
}

func TestCacheEvictsMembersOnChange(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	cred := stubCreds{user: "owner"}

	responses := [][]domain.User{
		{{ID: "owner"}},
		{{ID: "owner"}, {ID: "u2"}},
		{{ID: "owner"}},
	}
	var fetchCalls int
	cache := NewCache(&stubBackend{
		listMembersFn: func(context.Context, session.Credentials, string) ([]domain.User, error) {
			res := responses[fetchCalls]
			fetchCalls++
			return res, nil
		},
		addMemberFn:    func(context.Context, session.Credentials, string, string) error { return nil },
		removeMemberFn: func(context.Context, session.Credentials, string, string) error { return nil },
	}, client, time.Minute)

	key := membersCacheKey(cred.user, "b1")
	if _, err := cache.ListMembers(ctx, cred, "b1"); err != nil {
		t.Fatalf("initial fetch: %v", err)
	}
	if !mr.Exists(key) {
		t.Fatalf("expected members to be cached")
	}

	if err := cache.AddMember(ctx, cred, "b1", "u2"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if mr.Exists(key) {
		t.Fatalf("cache key should be evicted after add")
	}
	members, err := cache.ListMembers(ctx, cred, "b1")
	if err != nil {
		t.Fatalf("list after add: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected refreshed members, got %#v", members)
	}

	if err := cache.RemoveMember(ctx, cred, "b1", "u2"); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	if mr.Exists(key) {
		t.Fatalf("cache key should be evicted after remove")
	}
	members, err = cache.ListMembers(ctx, cred, "b1")
	if err != nil {
		t.Fatalf("list after remove: %v", err)
	}
	if len(members) != 1 || fetchCalls != 3 {
		t.Fatalf("unexpected members %#v after %d calls", members, fetchCalls)
	}
}

func TestCacheMemberChangeEvictsEveryUsersCopy(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	cache := NewCache(&stubBackend{
		listMembersFn: func(context.Context, session.Credentials, string) ([]domain.User, error) {
			return []domain.User{{ID: "owner"}, {ID: "u2"}, {ID: "u3"}}, nil
		},
		removeMemberFn: func(context.Context, session.Credentials, string, string) error { return nil },
	}, client, time.Minute)

	for _, user := range []string{"owner", "u2", "u3"} {
		if _, err := cache.ListMembers(ctx, stubCreds{user: user}, "b1"); err != nil {
			t.Fatalf("list members as %s: %v", user, err)
		}
	}
	if _, err := cache.ListMembers(ctx, stubCreds{user: "owner"}, "b2"); err != nil {
		t.Fatalf("list other board: %v", err)
	}

	if err := cache.RemoveMember(ctx, stubCreds{user: "owner"}, "b1", "u3"); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	for _, user := range []string{"owner", "u2", "u3"} {
		if mr.Exists(membersCacheKey(user, "b1")) {
			t.Fatalf("member list of %s survived the change", user)
		}
	}
	if mr.Exists(membersIndexKey("b1")) {
		t.Fatalf("index should be dropped with its keys")
	}
	if !mr.Exists(membersCacheKey("owner", "b2")) {
		t.Fatalf("other boards must keep their entries")
	}
}

func TestCacheKeepsEntriesWhenChangeFails(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	cred := stubCreds{user: "owner"}

	cache := NewCache(&stubBackend{
		listMembersFn: func(context.Context, session.Credentials, string) ([]domain.User, error) {
			return []domain.User{{ID: "owner"}}, nil
		},
		removeMemberFn: func(context.Context, session.Credentials, string, string) error {
			return &domain.FetchError{Op: "remove member", StatusCode: 500}
		},
	}, client, time.Minute)

	if _, err := cache.ListMembers(ctx, cred, "b1"); err != nil {
		t.Fatalf("list members: %v", err)
	}
	if err := cache.RemoveMember(ctx, cred, "b1", "owner"); !errors.Is(err, domain.ErrFetch) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if !mr.Exists(membersCacheKey(cred.user, "b1")) {
		t.Fatalf("failed change must not evict the cache")
	}
}

func TestCacheDropsCorruptEntries(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	cred := stubCreds{user: "u"}
	if err := mr.Set(usersCacheKey("u"), "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var calls int
	cache := NewCache(&stubBackend{
		listUsersFn: func(context.Context, session.Credentials) ([]domain.User, error) {
			calls++
			return []domain.User{{ID: "u"}}, nil
		},
	}, client, time.Minute)

	users, err := cache.ListUsers(ctx, cred)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if calls != 1 || len(users) != 1 {
		t.Fatalf("expected backend fallback, calls=%d users=%v", calls, users)
	}
}

func TestCacheWithoutRedisPassesThrough(t *testing.T) {
	var calls int
	cache := NewCache(&stubBackend{
		listUsersFn: func(context.Context, session.Credentials) ([]domain.User, error) {
			calls++
			return nil, nil
		},
	}, nil, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := cache.ListUsers(context.Background(), stubCreds{}); err != nil {
			t.Fatalf("list users: %v", err)
		}
	}
	if calls != 2 {
		t.Fatalf("expected every call to reach the backend, got %d", calls)
	}
}
