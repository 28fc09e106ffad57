package ledger

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"

	"Cryptobot-Chain/internal/bot"
)

func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("BOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BOT_TEST_REDIS_ADDR not set")
	}
	store, err := NewRedisStore(context.Background(), RedisConfig{
		Address: addr,
		Prefix:  "cryptobot-test-" + uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("connect redis failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewRedisStoreRequiresAddress(t *testing.T) {
	t.Parallel()

	if _, err := NewRedisStore(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()

	rec := newTestRecord("bot-1", 10)
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.Create(ctx, rec); !errors.Is(err, ErrBotConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := store.Create(ctx, newTestRecord("bot-2", 20)); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	list, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "bot-2" {
		t.Fatalf("unexpected list: %+v", list)
	}

	next := rec.Clone()
	next.Version = 2
	next.State.Ammo = 4
	next.State.KillTally[bot.CategoryBoss] = 1
	entry := &CallRecord{
		TxID:    "tx-1",
		BotID:   "bot-1",
		Call:    bot.Call{Entry: bot.EntryFire, Caller: testOwner, Category: bot.CategoryBoss},
		Status:  CallApplied,
		Version: 2,
	}
	if err := store.CommitCall(ctx, next, 1, entry); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := store.CommitCall(ctx, next, 1, &CallRecord{BotID: "bot-1"}); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	got, err := store.Get(ctx, "bot-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Version != 2 || got.State.Ammo != 4 || got.State.Kills(bot.CategoryBoss) != 1 {
		t.Fatalf("unexpected record: %+v", got.State)
	}

	if err := store.RecordRejection(ctx, &CallRecord{TxID: "tx-2", BotID: "bot-1", Status: CallRejected, Version: 2}); err != nil {
		t.Fatalf("record rejection failed: %v", err)
	}
	calls, err := store.ListCalls(ctx, "bot-1", 10)
	if err != nil {
		t.Fatalf("list calls failed: %v", err)
	}
	if len(calls) != 2 || calls[0].TxID != "tx-2" || calls[0].Seq <= calls[1].Seq {
		t.Fatalf("unexpected journal: %+v", calls)
	}

	call, err := store.GetCall(ctx, "tx-1")
	if err != nil || call.Status != CallApplied {
		t.Fatalf("unexpected call: %+v, %v", call, err)
	}
	if _, err := store.GetCall(ctx, "tx-missing"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected call not found, got %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrBotNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRedisStoreBackedService(t *testing.T) {
	store := newRedisTestStore(t)
	svc := NewService(store)
	ctx := context.Background()

	rec, err := svc.Deploy(ctx, testOwner, true)
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if _, err := svc.Invoke(ctx, Invocation{BotID: rec.ID, Call: bot.Call{Entry: bot.EntryRename, Caller: testOwner, Name: "punky"}}); err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	got, err := svc.Get(ctx, rec.ID)
	if err != nil || got.State.Name != "punky" || got.Version != 2 {
		t.Fatalf("unexpected record: %+v, %v", got, err)
	}
}
