package ledger

import "context"

// DefaultListLimit 是列表查询未指定数量时的默认值。
const DefaultListLimit = 20

// MaxListLimit 是单次列表查询的上限。
const MaxListLimit = 500

// Store 抽象了机器人记录与调用日志的持久化接口。
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// List 按创建时间倒序返回记录。
	List(ctx context.Context, limit int) ([]*Record, error)
	// CommitCall 在一个原子操作中写入新状态并追加日志，
	// 当存储中的版本不是 prevVersion 时返回 ErrVersionConflict。成功后 entry.Seq 被赋值。
	CommitCall(ctx context.Context, next *Record, prevVersion int64, entry *CallRecord) error
	// RecordRejection 只追加日志，不修改状态。
	RecordRejection(ctx context.Context, entry *CallRecord) error
	// ListCalls 按序号倒序返回某个机器人的调用日志。
	ListCalls(ctx context.Context, botID string, limit int) ([]*CallRecord, error)
	// GetCall 返回交易最近一次的日志条目。
	GetCall(ctx context.Context, txID string) (*CallRecord, error)
	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
