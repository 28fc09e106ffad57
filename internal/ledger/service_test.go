package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/go-cmp/cmp"

	"Cryptobot-Chain/internal/bot"
	xerrors "Cryptobot-Chain/internal/errors"
)

var otherCaller = common.HexToAddress("0x00000000000000000000000000000000000000b2")

type recordingObserver struct {
	mu    sync.Mutex
	calls []observed
}

type observed struct {
	entry bot.Entry
	code  xerrors.Code
}

func (o *recordingObserver) ObserveCall(entry bot.Entry, code xerrors.Code, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, observed{entry: entry, code: code})
}

func newTestService(t *testing.T, opts ...Option) (*Service, *Record) {
	t.Helper()
	svc := NewService(NewMemoryStore(), opts...)
	rec, err := svc.Deploy(context.Background(), testOwner, true)
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	return svc, rec
}

func TestServiceDeployDefaults(t *testing.T) {
	t.Parallel()

	fixed := time.UnixMilli(1_700_000_000_000)
	svc, rec := newTestService(t, WithClock(func() time.Time { return fixed }))
	if rec.ID == "" || rec.Version != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.CreatedAt != fixed.UnixMilli() || rec.UpdatedAt != rec.CreatedAt {
		t.Fatalf("unexpected timestamps: %+v", rec)
	}
	if diff := cmp.Diff(bot.New(testOwner, true), rec.State); diff != "" {
		t.Fatalf("unexpected initial state (-want +got):\n%s", diff)
	}

	list, err := svc.List(context.Background(), 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("unexpected list: %+v, %v", list, err)
	}
}

func TestServiceInvokeAppliesCalls(t *testing.T) {
	t.Parallel()

	svc, rec := newTestService(t)
	ctx := context.Background()
	calls := []bot.Call{
		{Entry: bot.EntryRename, Caller: testOwner, Name: "punky"},
		{Entry: bot.EntryMoveX, Caller: testOwner, Delta: -1},
		{Entry: bot.EntryMoveY, Caller: testOwner, Delta: 1},
		{Entry: bot.EntryFire, Caller: testOwner, Category: bot.CategorySimple},
	}
	var last *Receipt
	for _, call := range calls {
		receipt, err := svc.Invoke(ctx, Invocation{BotID: rec.ID, Call: call})
		if err != nil {
			t.Fatalf("%s failed: %v", call.Entry, err)
		}
		if receipt.Call.Status != CallApplied {
			t.Fatalf("unexpected status: %+v", receipt.Call)
		}
		last = receipt
	}

	want := bot.New(testOwner, true)
	want.Name = "punky"
	want.PosX = -1
	want.PosY = 1
	want.Ammo = 4
	want.KillTally[bot.CategorySimple] = 1
	if diff := cmp.Diff(want, last.Record.State); diff != "" {
		t.Fatalf("unexpected state (-want +got):\n%s", diff)
	}
	if last.Record.Version != 5 || last.Call.Version != 5 {
		t.Fatalf("expected version 5, got record %d call %d", last.Record.Version, last.Call.Version)
	}

	stored, err := svc.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if diff := cmp.Diff(want, stored.State); diff != "" {
		t.Fatalf("stored state differs (-want +got):\n%s", diff)
	}

	journal, err := svc.Calls(ctx, rec.ID, 0)
	if err != nil {
		t.Fatalf("calls failed: %v", err)
	}
	if len(journal) != 4 || journal[0].Call.Entry != bot.EntryFire || journal[3].Call.Entry != bot.EntryRename {
		t.Fatalf("unexpected journal: %+v", journal)
	}
}

func TestServiceRejectedCallLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	svc, rec := newTestService(t)
	ctx := context.Background()

	receipt, err := svc.Invoke(ctx, Invocation{
		TxID:  "tx-unauthorized",
		BotID: rec.ID,
		Call:  bot.Call{Entry: bot.EntryRename, Caller: otherCaller, Name: "hijacked"},
	})
	if !errors.Is(err, bot.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if receipt == nil || receipt.Call.Status != CallRejected || receipt.Call.ErrorCode != bot.CodeUnauthorized {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if receipt.Call.Error != "non manager call" {
		t.Fatalf("unexpected error message: %q", receipt.Call.Error)
	}

	stored, err := svc.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if diff := cmp.Diff(rec, stored); diff != "" {
		t.Fatalf("rejected call changed the record (-want +got):\n%s", diff)
	}

	entry, err := svc.Receipt(ctx, "tx-unauthorized")
	if err != nil {
		t.Fatalf("receipt failed: %v", err)
	}
	if entry.Status != CallRejected || entry.Version != 1 {
		t.Fatalf("unexpected journal entry: %+v", entry)
	}
}

func TestServiceOutOfAmmo(t *testing.T) {
	t.Parallel()

	svc, rec := newTestService(t)
	ctx := context.Background()
	fire := bot.Call{Entry: bot.EntryFire, Caller: testOwner, Category: bot.CategoryBoss}
	for i := uint64(0); i < bot.DefaultAmmo; i++ {
		if _, err := svc.Invoke(ctx, Invocation{BotID: rec.ID, Call: fire}); err != nil {
			t.Fatalf("fire %d failed: %v", i, err)
		}
	}
	receipt, err := svc.Invoke(ctx, Invocation{BotID: rec.ID, Call: fire})
	if !errors.Is(err, bot.ErrOutOfResource) {
		t.Fatalf("expected out of ammo, got %v", err)
	}
	if receipt.Record.State.Ammo != 0 || receipt.Record.State.Kills(bot.CategoryBoss) != bot.DefaultAmmo {
		t.Fatalf("unexpected state: %+v", receipt.Record.State)
	}
	if receipt.Record.Version != int64(bot.DefaultAmmo)+1 {
		t.Fatalf("rejected call bumped version: %d", receipt.Record.Version)
	}
}

func TestServiceReplaysAppliedTransaction(t *testing.T) {
	t.Parallel()

	svc, rec := newTestService(t)
	ctx := context.Background()
	inv := Invocation{TxID: "tx-1", BotID: rec.ID, Call: bot.Call{Entry: bot.EntryMoveX, Caller: testOwner, Delta: 3}}

	first, err := svc.Invoke(ctx, inv)
	if err != nil {
		t.Fatalf("first invoke failed: %v", err)
	}
	second, err := svc.Invoke(ctx, inv)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !second.Replayed || first.Replayed {
		t.Fatalf("unexpected replay flags: first=%v second=%v", first.Replayed, second.Replayed)
	}
	if second.Record.State.PosX != 3 || second.Record.Version != 2 {
		t.Fatalf("transaction applied twice: %+v", second.Record)
	}
	if second.Call.Seq != first.Call.Seq {
		t.Fatalf("replay returned a different journal entry: %d vs %d", second.Call.Seq, first.Call.Seq)
	}

	other, err := svc.Deploy(ctx, testOwner, true)
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	_, err = svc.Invoke(ctx, Invocation{TxID: "tx-1", BotID: other.ID, Call: inv.Call})
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict for tx reused on another bot, got %v", err)
	}
}

func TestServiceRejectedTransactionCanBeReissued(t *testing.T) {
	t.Parallel()

	svc, rec := newTestService(t)
	ctx := context.Background()

	_, err := svc.Invoke(ctx, Invocation{TxID: "tx-y", BotID: rec.ID, Call: bot.Call{Entry: bot.EntryMoveY, Caller: testOwner, Delta: -1}})
	if !errors.Is(err, bot.ErrInvalidArithmetic) {
		t.Fatalf("expected invalid arithmetic, got %v", err)
	}
	receipt, err := svc.Invoke(ctx, Invocation{TxID: "tx-y", BotID: rec.ID, Call: bot.Call{Entry: bot.EntryMoveY, Caller: testOwner, Delta: 2}})
	if err != nil {
		t.Fatalf("reissue failed: %v", err)
	}
	if receipt.Replayed || receipt.Record.State.PosY != 2 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	entry, err := svc.Receipt(ctx, "tx-y")
	if err != nil || entry.Status != CallApplied {
		t.Fatalf("expected applied entry, got %+v, %v", entry, err)
	}
}

func TestServiceInvokeValidation(t *testing.T) {
	t.Parallel()

	svc, rec := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Invoke(ctx, Invocation{Call: bot.Call{Entry: bot.EntryFire}}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for empty bot id, got %v", err)
	}
	if _, err := svc.Invoke(ctx, Invocation{BotID: "ghost", Call: bot.Call{Entry: bot.EntryFire}}); !errors.Is(err, ErrBotNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	receipt, err := svc.Invoke(ctx, Invocation{BotID: rec.ID, Call: bot.Call{Entry: "teleport", Caller: testOwner}})
	if !errors.Is(err, bot.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for unknown entry, got %v", err)
	}
	if receipt.Call.Status != CallRejected {
		t.Fatalf("unknown entry was not journaled as rejected: %+v", receipt.Call)
	}
	if _, err := svc.Receipt(ctx, " "); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for empty tx id, got %v", err)
	}
}

func TestServiceConcurrentCallsAreSerialized(t *testing.T) {
	t.Parallel()

	svc, rec := newTestService(t)
	ctx := context.Background()
	const workers = 50

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Invoke(ctx, Invocation{BotID: rec.ID, Call: bot.Call{Entry: bot.EntryMoveX, Caller: testOwner, Delta: 1}})
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("concurrent invoke failed: %v", err)
		}
	}

	stored, err := svc.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.State.PosX != workers || stored.Version != workers+1 {
		t.Fatalf("lost updates: pos_x=%d version=%d", stored.State.PosX, stored.Version)
	}
	if len(svc.locks.locks) != 0 {
		t.Fatalf("keyed locks leaked: %d", len(svc.locks.locks))
	}
}

func TestServiceObserver(t *testing.T) {
	t.Parallel()

	observer := &recordingObserver{}
	svc, rec := newTestService(t, WithObserver(observer))
	ctx := context.Background()

	_, _ = svc.Invoke(ctx, Invocation{BotID: rec.ID, Call: bot.Call{Entry: bot.EntryMoveX, Caller: testOwner, Delta: 1}})
	_, _ = svc.Invoke(ctx, Invocation{BotID: rec.ID, Call: bot.Call{Entry: bot.EntryRename, Caller: otherCaller}})

	want := []observed{
		{entry: bot.EntryMoveX},
		{entry: bot.EntryRename, code: bot.CodeUnauthorized},
	}
	if diff := cmp.Diff(want, observer.calls, cmp.AllowUnexported(observed{})); diff != "" {
		t.Fatalf("unexpected observations (-want +got):\n%s", diff)
	}
}

// conflictingStore 在前 failures 次提交时模拟并发写入。
type conflictingStore struct {
	*MemoryStore
	failures int
	commits  int
}

func (c *conflictingStore) CommitCall(ctx context.Context, next *Record, prevVersion int64, entry *CallRecord) error {
	c.commits++
	if c.commits <= c.failures {
		return ErrVersionConflict
	}
	return c.MemoryStore.CommitCall(ctx, next, prevVersion, entry)
}

func TestServiceRetriesVersionConflicts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &conflictingStore{MemoryStore: NewMemoryStore(), failures: maxCommitAttempts - 1}
	svc := NewService(store)
	rec, err := svc.Deploy(ctx, testOwner, true)
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	call := bot.Call{Entry: bot.EntryMoveX, Caller: testOwner, Delta: 1}
	if _, err := svc.Invoke(ctx, Invocation{BotID: rec.ID, Call: call}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}

	store.commits = 0
	store.failures = maxCommitAttempts
	_, err = svc.Invoke(ctx, Invocation{BotID: rec.ID, Call: call})
	if !errors.Is(err, ErrVersionConflict) || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable version conflict, got %v", err)
	}
}
