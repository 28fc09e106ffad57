package tx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"Cryptobot-Chain/internal/bot"
	xerrors "Cryptobot-Chain/internal/errors"
	"Cryptobot-Chain/internal/ledger"
	"Cryptobot-Chain/internal/observability/alerting"
	"Cryptobot-Chain/pkg/logger"
)

// Invoker 定义了处理器所需的账本能力。
type Invoker interface {
	Invoke(ctx context.Context, inv ledger.Invocation) (*ledger.Receipt, error)
}

// Observer 接收交易处理结果：applied、rejected、retry 或 failed。
type Observer interface {
	ObserveTransaction(outcome string)
}

const (
	outcomeApplied  = "applied"
	outcomeRejected = "rejected"
	outcomeRetry    = "retry"
	outcomeFailed   = "failed"
)

// Processor 负责从队列消费交易并交给账本执行。
type Processor struct {
	invoker     Invoker
	consumer    Consumer
	producer    Producer
	tracker     *Tracker
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	observer    Observer
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithTracker 与 Service 共享交易跟踪器。
func WithTracker(tracker *Tracker) ProcessorOption {
	return func(p *Processor) {
		if tracker != nil {
			p.tracker = tracker
		}
	}
}

// WithObserver 注册处理结果观察者。
func WithObserver(observer Observer) ProcessorOption {
	return func(p *Processor) {
		p.observer = observer
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(invoker Invoker, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		invoker:     invoker,
		consumer:    consumer,
		producer:    producer,
		tracker:     NewTracker(),
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("tx-processor")
	}
	return p
}

// Start 启动交易处理循环，直到 ctx 被取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置交易消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, payload []byte) error {
	if p.invoker == nil || p.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	t, err := Decode(payload)
	if err != nil {
		p.logger.Error("丢弃无法解析的交易", slog.Any("error", err), slog.Int("size", len(payload)))
		p.emitAlert(ctx, &Transaction{}, CodeTxMalformed, err, "decode")
		return nil
	}
	t.Attempts++

	receipt, invokeErr := p.invoker.Invoke(ctx, ledger.Invocation{TxID: t.ID, BotID: t.BotID, Call: t.Call})
	switch {
	case invokeErr == nil:
		p.observe(outcomeApplied)
		p.tracker.Resolve(t.ID)
		p.logger.Debug("交易已应用",
			slog.String("tx_id", t.ID),
			slog.Int64("version", receipt.Record.Version),
			slog.Bool("replayed", receipt.Replayed))
		return nil
	case bot.IsRejection(invokeErr):
		// 拒绝已经写入账本日志，不再重试。
		p.observe(outcomeRejected)
		p.tracker.Resolve(t.ID)
		return nil
	}
	return p.handleFailure(ctx, t, invokeErr)
}

func (p *Processor) handleFailure(ctx context.Context, t *Transaction, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeTxProcessing
	}
	retryable := xerrors.RetryableError(cause)
	if code == CodeTxProcessing {
		retryable = true
	}
	maxRetries := t.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	terminal := !retryable || t.Attempts >= maxRetries

	logger.Audit().Warn("交易执行失败",
		slog.String("tx_id", t.ID),
		slog.String("bot_id", t.BotID),
		slog.String("entry", string(t.Call.Entry)),
		slog.Bool("terminal", terminal),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", t.Attempts),
		slog.Int("max_retries", t.MaxRetries),
	)

	if terminal {
		if retryable {
			p.emitAlert(ctx, t, CodeTxExhausted, cause, "terminal")
		} else if xerrors.ShouldAlert(cause) {
			p.emitAlert(ctx, t, code, cause, "non_retryable")
		}
		p.observe(outcomeFailed)
		p.tracker.Fail(t.ID, t.BotID, t.Attempts, code, cause.Error())
		return nil
	}

	p.observe(outcomeRetry)
	if xerrors.ShouldAlert(cause) {
		p.emitAlert(ctx, t, code, cause, "retry")
	}
	payload, err := t.Encode()
	if err != nil {
		return err
	}
	p.tracker.Pending(t.ID, t.BotID, t.Attempts)
	if err := p.producer.Publish(ctx, payload); err != nil {
		wrapped := xerrors.Wrap(CodeTxPublish, err, fmt.Sprintf("交易 %s 重投失败", t.ID))
		p.tracker.Fail(t.ID, t.BotID, t.Attempts, CodeTxPublish, wrapped.Error())
		p.emitAlert(ctx, t, CodeTxPublish, wrapped, "republish")
		return wrapped
	}
	p.logger.Debug("交易已重新排队", slog.String("tx_id", t.ID), slog.Int("attempts", t.Attempts))
	return nil
}

func (p *Processor) observe(outcome string) {
	if p.observer != nil {
		p.observer.ObserveTransaction(outcome)
	}
}

func (p *Processor) emitAlert(ctx context.Context, t *Transaction, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TxID:       t.ID,
		BotID:      t.BotID,
		Attempts:   t.Attempts,
		MaxRetries: t.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("tx_id", t.ID),
			slog.String("stage", stage),
		)
	}
}
