package tx

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Cryptobot-Chain/internal/errors"
	"Cryptobot-Chain/internal/ledger"
	"Cryptobot-Chain/pkg/logger"
)

// Journal 是 Service 查询交易结果所需的账本能力。
type Journal interface {
	Receipt(ctx context.Context, txID string) (*ledger.CallRecord, error)
}

// Service 负责交易的提交与状态查询。
type Service struct {
	producer   Producer
	journal    Journal
	tracker    *Tracker
	maxRetries int
	clock      func() time.Time
}

// NewService 构造交易服务。tracker 为空时创建新的实例。
func NewService(producer Producer, journal Journal, tracker *Tracker, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Service{
		producer:   producer,
		journal:    journal,
		tracker:    tracker,
		maxRetries: maxRetries,
		clock:      time.Now,
	}
}

// Tracker 返回服务使用的跟踪器，Processor 需要共享同一个实例。
func (s *Service) Tracker() *Tracker {
	return s.tracker
}

// Submit 创建交易并推送到队列。已在排队或已应用的 ID 不会重复投递。
func (s *Service) Submit(ctx context.Context, req Request) (*Transaction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if s.producer == nil || s.journal == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易服务未初始化")
	}

	id := strings.TrimSpace(req.ID)
	if id != "" {
		existing, err := s.Status(ctx, id)
		switch {
		case err == nil && (existing.Status == StatusPending || existing.Status == StatusApplied):
			if existing.BotID != req.BotID {
				return nil, xerrors.New(xerrors.CodeConflict, "交易 ID 已被其他机器人使用",
					xerrors.WithMetadata("tx_id", id))
			}
			return &Transaction{ID: id, BotID: existing.BotID, Attempts: existing.Attempts, MaxRetries: s.maxRetries}, nil
		case err != nil && !stdErrors.Is(err, ErrTxNotFound):
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}

	t := &Transaction{
		ID:          id,
		BotID:       req.BotID,
		Call:        req.Call,
		MaxRetries:  s.maxRetries,
		SubmittedAt: s.clock().UnixMilli(),
	}
	payload, err := t.Encode()
	if err != nil {
		return nil, err
	}
	s.tracker.Pending(t.ID, t.BotID, 0)
	if err := s.producer.Publish(ctx, payload); err != nil {
		logger.L().Error("交易入队失败", slog.Any("error", err), slog.String("tx_id", t.ID))
		wrapped := xerrors.Wrap(CodeTxPublish, err, "发布交易到队列失败")
		s.tracker.Fail(t.ID, t.BotID, 0, CodeTxPublish, wrapped.Error())
		return nil, wrapped
	}
	logger.Audit().Info("交易入队成功",
		slog.String("tx_id", t.ID),
		slog.String("bot_id", t.BotID),
		slog.String("entry", string(t.Call.Entry)),
		slog.String("caller", t.Call.Caller.Hex()),
		slog.Int("max_retries", t.MaxRetries),
	)
	return t, nil
}

// Status 返回交易状态。排队中的交易以 Tracker 为准，其余以账本日志为准。
func (s *Service) Status(ctx context.Context, id string) (*Info, error) {
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	if s.journal == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易服务未初始化")
	}
	tracked, ok := s.tracker.Get(id)
	if ok && tracked.Status == StatusPending {
		return tracked, nil
	}

	entry, err := s.journal.Receipt(ctx, id)
	if err == nil {
		info := &Info{ID: id, BotID: entry.BotID, Call: entry, Status: StatusApplied}
		if entry.Status == ledger.CallRejected {
			info.Status = StatusRejected
			info.ErrorCode = entry.ErrorCode
			info.Error = entry.Error
		}
		return info, nil
	}
	if !stdErrors.Is(err, ledger.ErrCallNotFound) {
		return nil, err
	}
	if ok {
		return tracked, nil
	}
	return nil, ErrTxNotFound
}

// WaitUntilSettled 轮询交易状态直到不再处于排队中。
func (s *Service) WaitUntilSettled(ctx context.Context, id string, interval time.Duration) (*Info, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		info, err := s.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if info.Status != StatusPending {
			return info, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放队列连接。
func (s *Service) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
