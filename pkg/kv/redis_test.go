package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T) *redisStore {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.TODO(), RedisConnectOpts{Addrs: []string{mr.Addr()}})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.TODO()

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	if err := store.SetJSON(ctx, "doc:1", &doc{Name: "a", Count: 2}, time.Minute); err != nil {
		t.Fatal(err)
	}

	var got doc
	if err := store.GetJSON(ctx, "doc:1", &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "a" || got.Count != 2 {
		t.Errorf("Unexpected document: %+v", got)
	}

	if err := store.Delete(ctx, "doc:1"); err != nil {
		t.Fatal(err)
	}
	if err := store.GetJSON(ctx, "doc:1", &got); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got: %v", err)
	}
}

func TestIncrWindowKeepsTTL(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.TODO(), RedisConnectOpts{Addrs: []string{mr.Addr()}})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.TODO()

	n, err := store.IncrWindow(ctx, "rate:ip:1.2.3.4:100", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("Expected counter 1, got %v", n)
	}

	mr.FastForward(30 * time.Second)

	n, err = store.IncrWindow(ctx, "rate:ip:1.2.3.4:100", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("Expected counter 2, got %v", n)
	}

	// first write wins: TTL was not extended by the second increment
	ttl, err := store.TTL(ctx, "rate:ip:1.2.3.4:100")
	if err != nil {
		t.Fatal(err)
	}
	if ttl > 30*time.Second {
		t.Errorf("TTL was extended: %v", ttl)
	}

	mr.FastForward(31 * time.Second)

	if _, err := store.TTL(ctx, "rate:ip:1.2.3.4:100"); err != ErrNotFound {
		t.Errorf("Expected counter to expire, got: %v", err)
	}
}

func TestSetMembership(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.TODO()

	if err := store.SAdd(ctx, "suspicious:list", "1.2.3.4", "5.6.7.8"); err != nil {
		t.Fatal(err)
	}

	members, err := store.SMembers(ctx, "suspicious:list")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("Expected 2 members, got %v", members)
	}

	if err := store.SRem(ctx, "suspicious:list", "1.2.3.4"); err != nil {
		t.Fatal(err)
	}

	members, err = store.SMembers(ctx, "suspicious:list")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0] != "5.6.7.8" {
		t.Errorf("Unexpected members: %v", members)
	}
}
