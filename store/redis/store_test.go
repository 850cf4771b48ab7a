package redis_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/quantops"
	"github.com/xraph/quantops/id"
	redisstore "github.com/xraph/quantops/store/redis"
)

func newTestStore(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s := redisstore.New(client)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestStore_GetOrCreateSingleFlight(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	owner := id.NewJobID()
	got, isNew, err := s.GetOrCreate(ctx, "fp-1", owner)
	if err != nil || !isNew || got != owner {
		t.Fatalf("GetOrCreate() = (%v, %v, %v), want new reservation", got, isNew, err)
	}

	got, isNew, err = s.GetOrCreate(ctx, "fp-1", id.NewJobID())
	if err != nil {
		t.Fatalf("GetOrCreate() = %v", err)
	}
	if isNew || got.String() != owner.String() {
		t.Errorf("second caller got (%v, %v), want the owner", got, isNew)
	}
}

func TestStore_CompleteAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	owner := id.NewJobID()
	if _, _, err := s.GetOrCreate(ctx, "fp-2", owner); err != nil {
		t.Fatalf("GetOrCreate() = %v", err)
	}

	result := json.RawMessage(`{"pnl":12.5}`)
	if err := s.Complete(ctx, "fp-2", result, time.Minute); err != nil {
		t.Fatalf("Complete() = %v", err)
	}

	e, err := s.Get(ctx, "fp-2")
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if !e.Completed || string(e.Result) != string(result) {
		t.Errorf("entry = %+v", e)
	}
	if e.JobID.String() != owner.String() {
		t.Errorf("entry owner = %v, want %v", e.JobID, owner)
	}

	if err := s.Complete(ctx, "fp-missing", result, time.Minute); !errors.Is(err, quantops.ErrEntryNotFound) {
		t.Errorf("Complete(missing) = %v, want ErrEntryNotFound", err)
	}
}

func TestStore_CompletedEntryExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	owner := id.NewJobID()
	if _, _, err := s.GetOrCreate(ctx, "fp-3", owner); err != nil {
		t.Fatalf("GetOrCreate() = %v", err)
	}
	if err := s.Complete(ctx, "fp-3", json.RawMessage(`1`), time.Second); err != nil {
		t.Fatalf("Complete() = %v", err)
	}

	mr.FastForward(2 * time.Second)

	if _, err := s.Get(ctx, "fp-3"); !errors.Is(err, quantops.ErrEntryNotFound) {
		t.Errorf("Get(expired) = %v, want ErrEntryNotFound", err)
	}

	// The fingerprint is free again for a new submission.
	successor := id.NewJobID()
	got, isNew, err := s.GetOrCreate(ctx, "fp-3", successor)
	if err != nil || !isNew || got != successor {
		t.Errorf("GetOrCreate(after expiry) = (%v, %v, %v), want fresh reservation", got, isNew, err)
	}
}

func TestStore_ReservationHasNoTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	owner := id.NewJobID()
	if _, _, err := s.GetOrCreate(ctx, "fp-4", owner); err != nil {
		t.Fatalf("GetOrCreate() = %v", err)
	}

	mr.FastForward(24 * time.Hour)

	got, isNew, err := s.GetOrCreate(ctx, "fp-4", id.NewJobID())
	if err != nil {
		t.Fatalf("GetOrCreate() = %v", err)
	}
	if isNew || got.String() != owner.String() {
		t.Error("an in-flight reservation expired")
	}
}

func TestStore_InvalidateIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.GetOrCreate(ctx, "fp-5", id.NewJobID()); err != nil {
		t.Fatalf("GetOrCreate() = %v", err)
	}
	if err := s.Invalidate(ctx, "fp-5"); err != nil {
		t.Fatalf("Invalidate() = %v", err)
	}
	if err := s.Invalidate(ctx, "fp-5"); err != nil {
		t.Fatalf("second Invalidate() = %v", err)
	}
	if _, err := s.Get(ctx, "fp-5"); !errors.Is(err, quantops.ErrEntryNotFound) {
		t.Errorf("Get(invalidated) = %v, want ErrEntryNotFound", err)
	}
}

func TestStore_KeyPrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	a := redisstore.New(client, redisstore.WithKeyPrefix("a:"))
	b := redisstore.New(client, redisstore.WithKeyPrefix("b:"))
	ctx := context.Background()

	ownerA := id.NewJobID()
	if _, _, err := a.GetOrCreate(ctx, "fp", ownerA); err != nil {
		t.Fatalf("GetOrCreate() = %v", err)
	}

	// The same fingerprint under a different prefix is a separate entry.
	ownerB := id.NewJobID()
	got, isNew, err := b.GetOrCreate(ctx, "fp", ownerB)
	if err != nil || !isNew || got != ownerB {
		t.Errorf("GetOrCreate(other prefix) = (%v, %v, %v), want fresh reservation", got, isNew, err)
	}
}
