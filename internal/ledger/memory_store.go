package ledger

import (
	"context"
	"sync"

	xerrors "Cryptobot-Chain/internal/errors"
)

// MemoryStore 以内存方式保存账本，主要用于测试与单机部署。
type MemoryStore struct {
	mu    sync.RWMutex
	bots  map[string]*Record
	order []string
	calls map[string][]*CallRecord
	txs   map[string]*CallRecord
	seq   int64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bots:  make(map[string]*Record),
		calls: make(map[string][]*CallRecord),
		txs:   make(map[string]*CallRecord),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, rec *Record) error {
	if err := validateNewRecord(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bots[rec.ID]; ok {
		return ErrBotConflict
	}
	m.bots[rec.ID] = rec.Clone()
	m.order = append(m.order, rec.ID)
	return nil
}

// Get 返回记录副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.bots[id]
	if !ok {
		return nil, ErrBotNotFound
	}
	return rec.Clone(), nil
}

// List 返回最近创建的记录。
func (m *MemoryStore) List(_ context.Context, limit int) ([]*Record, error) {
	limit = normalizeLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, min(limit, len(m.order)))
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.bots[m.order[i]].Clone())
	}
	return out, nil
}

// CommitCall 实现 Store 接口。
func (m *MemoryStore) CommitCall(_ context.Context, next *Record, prevVersion int64, entry *CallRecord) error {
	if next == nil || entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 与 entry 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.bots[next.ID]
	if !ok {
		return ErrBotNotFound
	}
	if current.Version != prevVersion {
		return ErrVersionConflict
	}
	m.bots[next.ID] = next.Clone()
	m.appendLocked(entry)
	return nil
}

// RecordRejection 实现 Store 接口。
func (m *MemoryStore) RecordRejection(_ context.Context, entry *CallRecord) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "entry 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bots[entry.BotID]; !ok {
		return ErrBotNotFound
	}
	m.appendLocked(entry)
	return nil
}

func (m *MemoryStore) appendLocked(entry *CallRecord) {
	m.seq++
	entry.Seq = m.seq
	stored := entry.Clone()
	m.calls[entry.BotID] = append(m.calls[entry.BotID], stored)
	if entry.TxID != "" {
		m.txs[entry.TxID] = stored
	}
}

// ListCalls 实现 Store 接口。
func (m *MemoryStore) ListCalls(_ context.Context, botID string, limit int) ([]*CallRecord, error) {
	limit = normalizeLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.bots[botID]; !ok {
		return nil, ErrBotNotFound
	}
	calls := m.calls[botID]
	out := make([]*CallRecord, 0, min(limit, len(calls)))
	for i := len(calls) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, calls[i].Clone())
	}
	return out, nil
}

// GetCall 实现 Store 接口。
func (m *MemoryStore) GetCall(_ context.Context, txID string) (*CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.txs[txID]
	if !ok {
		return nil, ErrCallNotFound
	}
	return entry.Clone(), nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func validateNewRecord(rec *Record) error {
	if rec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if rec.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "机器人 ID 不能为空")
	}
	if err := rec.State.Validate(); err != nil {
		return err
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
