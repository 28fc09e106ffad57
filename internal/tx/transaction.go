package tx

import (
	"encoding/json"
	"strings"

	"Cryptobot-Chain/internal/bot"
	xerrors "Cryptobot-Chain/internal/errors"
	"Cryptobot-Chain/internal/ledger"
)

// Status 表示交易在生命周期中的状态。
type Status string

const (
	StatusPending  Status = "pending"
	StatusApplied  Status = "applied"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
)

// Transaction 是投递到队列中的交易报文。
type Transaction struct {
	ID          string   `json:"id"`
	BotID       string   `json:"bot_id"`
	Call        bot.Call `json:"call"`
	Attempts    int      `json:"attempts"`
	MaxRetries  int      `json:"max_retries"`
	SubmittedAt int64    `json:"submitted_at"`
}

// Request 描述一次交易提交。ID 为空时自动生成。
type Request struct {
	ID    string   `json:"id,omitempty"`
	BotID string   `json:"bot_id"`
	Call  bot.Call `json:"call"`
}

// Info 汇总交易的当前状态。Call 为账本中该交易最近一次的日志条目。
type Info struct {
	ID        string             `json:"tx_id"`
	BotID     string             `json:"bot_id"`
	Status    Status             `json:"status"`
	Attempts  int                `json:"attempts,omitempty"`
	ErrorCode xerrors.Code       `json:"error_code,omitempty"`
	Error     string             `json:"error,omitempty"`
	Call      *ledger.CallRecord `json:"call,omitempty"`
}

const (
	CodeTxNotFound   xerrors.Code = "TX_NOT_FOUND"
	CodeTxMalformed  xerrors.Code = "TX_MALFORMED"
	CodeTxPublish    xerrors.Code = "TX_PUBLISH_FAILED"
	CodeTxExhausted  xerrors.Code = "TX_RETRIES_EXHAUSTED"
	CodeTxProcessing xerrors.Code = "TX_PROCESSING_FAILED"
)

var (
	// ErrTxNotFound 表示既没有排队记录也没有账本日志。
	ErrTxNotFound = xerrors.New(CodeTxNotFound, "transaction not found")
	// ErrTxMalformed 表示队列中的报文无法解析。
	ErrTxMalformed = xerrors.New(CodeTxMalformed, "malformed transaction")
)

func init() {
	xerrors.Register(CodeTxNotFound, xerrors.Attributes{
		Message:  "transaction not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTxMalformed, xerrors.Attributes{
		Message:  "malformed transaction",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeTxPublish, xerrors.Attributes{
		Message:  "failed to publish transaction",
		Severity: xerrors.SeverityCritical,
		Class:    xerrors.ClassTransient,
		Alert:    true,
	})
	xerrors.Register(CodeTxExhausted, xerrors.Attributes{
		Message:  "transaction retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTxProcessing, xerrors.Attributes{
		Message:  "transaction processing failed",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassTransient,
		Alert:    true,
	})
}

// Validate 只检查交易能否投递。入口名由处理器交给状态机判定，
// 未知入口因此和其他拒绝一样写入调用日志。
func (r Request) Validate() error {
	if strings.TrimSpace(r.BotID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "机器人 ID 不能为空")
	}
	return nil
}

// Encode 将交易编码为队列报文。
func (t *Transaction) Encode() ([]byte, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, xerrors.Wrap(CodeTxMalformed, err, "编码交易失败")
	}
	return payload, nil
}

// Decode 解析队列报文。
func Decode(payload []byte) (*Transaction, error) {
	var t Transaction
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, xerrors.Wrap(CodeTxMalformed, err, "解析交易失败")
	}
	if t.ID == "" || t.BotID == "" {
		return nil, xerrors.New(CodeTxMalformed, "交易缺少 id 或 bot_id")
	}
	return &t, nil
}
