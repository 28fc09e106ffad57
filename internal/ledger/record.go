package ledger

import (
	"Cryptobot-Chain/internal/bot"
	xerrors "Cryptobot-Chain/internal/errors"
)

// Record 是账本中保存的一份机器人状态。
type Record struct {
	ID        string     `json:"id"`
	State     *bot.State `json:"state"`
	Version   int64      `json:"version"`
	CreatedAt int64      `json:"created_at"`
	UpdatedAt int64      `json:"updated_at"`
}

// Clone 返回深拷贝。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.State = r.State.Clone()
	return &clone
}

// CallStatus 表示一次调用在账本中的结果。
type CallStatus string

const (
	CallApplied  CallStatus = "applied"
	CallRejected CallStatus = "rejected"
)

// CallRecord 是调用日志中的一条记录。Version 为调用完成后记录的版本，
// 被拒绝的调用不会改变版本。
type CallRecord struct {
	Seq       int64        `json:"seq"`
	TxID      string       `json:"tx_id,omitempty"`
	BotID     string       `json:"bot_id"`
	Call      bot.Call     `json:"call"`
	Status    CallStatus   `json:"status"`
	ErrorCode xerrors.Code `json:"error_code,omitempty"`
	Error     string       `json:"error,omitempty"`
	Version   int64        `json:"version"`
	CreatedAt int64        `json:"created_at"`
}

// Clone 返回副本。
func (c *CallRecord) Clone() *CallRecord {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Invocation 是提交给 Service 的一次调用。TxID 可选，用于幂等重放。
type Invocation struct {
	TxID  string   `json:"tx_id,omitempty"`
	BotID string   `json:"bot_id"`
	Call  bot.Call `json:"call"`
}

// Receipt 汇总调用后的记录与日志条目。
type Receipt struct {
	Record   *Record     `json:"record"`
	Call     *CallRecord `json:"call"`
	Replayed bool        `json:"replayed,omitempty"`
}

const (
	CodeBotNotFound     xerrors.Code = "BOT_NOT_FOUND"
	CodeBotConflict     xerrors.Code = "BOT_CONFLICT"
	CodeCallNotFound    xerrors.Code = "CALL_NOT_FOUND"
	CodeVersionConflict xerrors.Code = "LEDGER_VERSION_CONFLICT"
)

var (
	// ErrBotNotFound 表示指定的机器人不存在。
	ErrBotNotFound = xerrors.New(CodeBotNotFound, "bot not found")
	// ErrBotConflict 表示机器人 ID 已被占用。
	ErrBotConflict = xerrors.New(CodeBotConflict, "bot already exists")
	// ErrCallNotFound 表示调用日志中没有该交易。
	ErrCallNotFound = xerrors.New(CodeCallNotFound, "call not found")
	// ErrVersionConflict 表示记录在加载之后已被其他调用修改。
	ErrVersionConflict = xerrors.New(CodeVersionConflict, "ledger version conflict")
)

func init() {
	xerrors.Register(CodeBotNotFound, xerrors.Attributes{
		Message:  "bot not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeBotConflict, xerrors.Attributes{
		Message:  "bot already exists",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeCallNotFound, xerrors.Attributes{
		Message:  "call not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeVersionConflict, xerrors.Attributes{
		Message:  "ledger version conflict",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassTransient,
	})
}
