package ledger

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"Cryptobot-Chain/internal/bot"
	xerrors "Cryptobot-Chain/internal/errors"
	"Cryptobot-Chain/pkg/logger"
)

// maxCommitAttempts 限制版本冲突时重新加载并重放调用的次数。
const maxCommitAttempts = 3

// Observer 接收每次调用的结果，code 为空表示调用成功。
type Observer interface {
	ObserveCall(entry bot.Entry, code xerrors.Code, elapsed time.Duration)
}

// Service 负责机器人的部署与调用。
type Service struct {
	store    Store
	observer Observer
	clock    func() time.Time
	logger   *slog.Logger
	locks    *keyedMutex
}

// Option 定义 Service 的可选配置。
type Option func(*Service)

// WithObserver 注册调用观察者。
func WithObserver(observer Observer) Option {
	return func(s *Service) {
		s.observer = observer
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger 指定运行日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService 构造账本服务。
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		clock: time.Now,
		locks: newKeyedMutex(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("ledger")
	}
	return s
}

// Deploy 创建一个新的机器人并写入账本。
func (s *Service) Deploy(ctx context.Context, owner common.Address, alive bool) (*Record, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本存储未初始化")
	}
	now := s.clock().UnixMilli()
	rec := &Record{
		ID:        uuid.NewString(),
		State:     bot.New(owner, alive),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		s.logger.Error("部署机器人失败", slog.Any("error", err), slog.String("owner", owner.Hex()))
		return nil, err
	}
	logger.Audit().Info("机器人已部署",
		slog.String("bot_id", rec.ID),
		slog.String("owner", owner.Hex()),
		slog.Bool("alive", alive),
	)
	return rec.Clone(), nil
}

// Get 返回机器人记录。
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本存储未初始化")
	}
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "机器人 ID 不能为空")
	}
	return s.store.Get(ctx, id)
}

// List 返回最近部署的机器人。
func (s *Service) List(ctx context.Context, limit int) ([]*Record, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本存储未初始化")
	}
	return s.store.List(ctx, limit)
}

// Calls 返回机器人的调用日志，最新的在前。
func (s *Service) Calls(ctx context.Context, botID string, limit int) ([]*CallRecord, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本存储未初始化")
	}
	return s.store.ListCalls(ctx, botID, limit)
}

// Receipt 返回交易最近一次的日志条目。
func (s *Service) Receipt(ctx context.Context, txID string) (*CallRecord, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本存储未初始化")
	}
	if strings.TrimSpace(txID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	return s.store.GetCall(ctx, txID)
}

// Invoke 对机器人执行一次调用。
//
// 调用先作用于记录的副本，只有成功时才写回账本。被拒绝的调用会写入日志并与
// 原始错误一同返回，此时 Receipt 中的记录仍是调用前的状态。同一个 TxID 已经
// 成功应用时直接返回之前的结果，不会重复执行。
func (s *Service) Invoke(ctx context.Context, inv Invocation) (*Receipt, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本存储未初始化")
	}
	if strings.TrimSpace(inv.BotID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "机器人 ID 不能为空")
	}

	unlock := s.locks.Lock(inv.BotID)
	defer unlock()

	if inv.TxID != "" {
		receipt, err := s.replay(ctx, inv)
		if err != nil || receipt != nil {
			return receipt, err
		}
	}

	started := s.clock()
	var lastErr error
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		receipt, err := s.apply(ctx, inv)
		if !stdErrors.Is(err, ErrVersionConflict) {
			s.observe(inv.Call.Entry, err, started)
			return receipt, err
		}
		lastErr = err
		s.logger.Warn("账本版本冲突，重新加载记录",
			slog.String("bot_id", inv.BotID),
			slog.Int("attempt", attempt))
	}
	s.observe(inv.Call.Entry, lastErr, started)
	return nil, lastErr
}

func (s *Service) replay(ctx context.Context, inv Invocation) (*Receipt, error) {
	entry, err := s.store.GetCall(ctx, inv.TxID)
	if err != nil {
		if stdErrors.Is(err, ErrCallNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if entry.Status != CallApplied {
		return nil, nil
	}
	if entry.BotID != inv.BotID {
		return nil, xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("交易 %s 已应用于机器人 %s", inv.TxID, entry.BotID),
			xerrors.WithMetadata("tx_id", inv.TxID))
	}
	rec, err := s.store.Get(ctx, inv.BotID)
	if err != nil {
		return nil, err
	}
	return &Receipt{Record: rec, Call: entry, Replayed: true}, nil
}

func (s *Service) apply(ctx context.Context, inv Invocation) (*Receipt, error) {
	current, err := s.store.Get(ctx, inv.BotID)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	now := s.clock().UnixMilli()
	entry := &CallRecord{
		TxID:      inv.TxID,
		BotID:     inv.BotID,
		Call:      inv.Call,
		CreatedAt: now,
	}

	if callErr := bot.Apply(next.State, inv.Call); callErr != nil {
		if !bot.IsRejection(callErr) {
			return nil, callErr
		}
		entry.Status = CallRejected
		entry.ErrorCode = xerrors.CodeOf(callErr)
		entry.Error = callErr.Error()
		if e, ok := xerrors.From(callErr); ok {
			entry.Error = e.Message()
		}
		entry.Version = current.Version
		if err := s.store.RecordRejection(ctx, entry); err != nil {
			return nil, err
		}
		logger.Audit().Warn("调用被拒绝",
			slog.String("bot_id", inv.BotID),
			slog.String("tx_id", inv.TxID),
			slog.String("entry", string(inv.Call.Entry)),
			slog.String("caller", inv.Call.Caller.Hex()),
			slog.String("error_code", string(entry.ErrorCode)),
			slog.String("error", entry.Error),
		)
		return &Receipt{Record: current, Call: entry}, callErr
	}

	next.Version = current.Version + 1
	next.UpdatedAt = now
	entry.Status = CallApplied
	entry.Version = next.Version
	if err := s.store.CommitCall(ctx, next, current.Version, entry); err != nil {
		return nil, err
	}
	logger.Audit().Info("调用已应用",
		slog.String("bot_id", inv.BotID),
		slog.String("tx_id", inv.TxID),
		slog.String("entry", string(inv.Call.Entry)),
		slog.String("caller", inv.Call.Caller.Hex()),
		slog.Int64("version", next.Version),
	)
	return &Receipt{Record: next, Call: entry.Clone()}, nil
}

func (s *Service) observe(entry bot.Entry, err error, started time.Time) {
	if s.observer == nil {
		return
	}
	var code xerrors.Code
	if err != nil {
		code = xerrors.CodeOf(err)
	}
	s.observer.ObserveCall(entry, code, s.clock().Sub(started))
}

// keyedMutex 为每个 key 提供互斥锁，锁在无人持有时释放。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
