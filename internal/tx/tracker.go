package tx

import (
	"sync"

	xerrors "Cryptobot-Chain/internal/errors"
)

// Tracker 记录本进程提交但尚未落入账本的交易。交易被应用或拒绝后，
// 状态以账本日志为准，Tracker 只保留排队中与最终失败的交易。
type Tracker struct {
	mu  sync.RWMutex
	txs map[string]*Info
}

// NewTracker 创建 Tracker。
func NewTracker() *Tracker {
	return &Tracker{txs: make(map[string]*Info)}
}

// Pending 标记交易进入队列。
func (t *Tracker) Pending(id, botID string, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.txs[id] = &Info{ID: id, BotID: botID, Status: StatusPending, Attempts: attempts}
}

// Fail 标记交易最终失败。
func (t *Tracker) Fail(id, botID string, attempts int, code xerrors.Code, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.txs[id] = &Info{
		ID:        id,
		BotID:     botID,
		Status:    StatusFailed,
		Attempts:  attempts,
		ErrorCode: code,
		Error:     message,
	}
}

// Resolve 在交易写入账本后移除跟踪记录。
func (t *Tracker) Resolve(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.txs, id)
}

// Get 返回交易状态的副本。
func (t *Tracker) Get(id string) (*Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.txs[id]
	if !ok {
		return nil, false
	}
	clone := *info
	return &clone, true
}

// Len 返回正在跟踪的交易数量。
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.txs)
}
