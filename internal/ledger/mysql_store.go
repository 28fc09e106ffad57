package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	"Cryptobot-Chain/internal/bot"
	xerrors "Cryptobot-Chain/internal/errors"
)

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLStore 使用 MySQL 记录机器人状态与调用日志。
type MySQLStore struct {
	db *sql.DB
}

const (
	mysqlDuplicateEntry = 1062

	botColumns  = `id, owner, name, alive, pos_x, pos_y, ammo, kill_tally, version, created_at, updated_at`
	callColumns = `seq, tx_id, bot_id, payload, status, error_code, error, version, created_at`

	insertBotSQL = `INSERT INTO bots (` + botColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectBotSQL   = `SELECT ` + botColumns + ` FROM bots WHERE id = ?`
	listBotsSQL    = `SELECT ` + botColumns + ` FROM bots ORDER BY created_at DESC, id DESC LIMIT ?`
	updateBotSQL   = `UPDATE bots SET name = ?, alive = ?, pos_x = ?, pos_y = ?, ammo = ?, kill_tally = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?`
	countBotSQL    = `SELECT COUNT(*) FROM bots WHERE id = ?`
	insertCallSQL  = `INSERT INTO bot_calls (tx_id, bot_id, entry, caller, payload, status, error_code, error, version, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	listCallsSQL = `SELECT ` + callColumns + ` FROM bot_calls WHERE bot_id = ? ORDER BY seq DESC LIMIT ?`
	getCallSQL   = `SELECT ` + callColumns + ` FROM bot_calls WHERE tx_id = ? ORDER BY seq DESC LIMIT 1`
)

// NewMySQLStore 连接 MySQL 并执行内置迁移。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行账本迁移失败")
	}
	return store, nil
}

// Create 插入新的机器人记录。
func (s *MySQLStore) Create(ctx context.Context, rec *Record) error {
	if err := validateNewRecord(rec); err != nil {
		return err
	}
	tally, err := json.Marshal(rec.State.KillTally)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码击杀统计失败")
	}
	st := rec.State
	_, err = s.db.ExecContext(ctx, insertBotSQL,
		rec.ID, st.Owner.Hex(), st.Name, st.Alive, st.PosX, st.PosY, st.Ammo, string(tally),
		rec.Version, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return ErrBotConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入机器人记录失败")
	}
	return nil
}

// Get 查询指定机器人。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectBotSQL, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrBotNotFound
		}
		return nil, err
	}
	return rec, nil
}

// List 返回最近创建的机器人。
func (s *MySQLStore) List(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, listBotsSQL, normalizeLimit(limit))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询机器人列表失败")
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历机器人列表失败")
	}
	return out, nil
}

// CommitCall 在同一个事务中更新状态并写入日志。
func (s *MySQLStore) CommitCall(ctx context.Context, next *Record, prevVersion int64, entry *CallRecord) error {
	if next == nil || entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 与 entry 不能为空")
	}
	tally, err := json.Marshal(next.State.KillTally)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码击杀统计失败")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	st := next.State
	res, err := tx.ExecContext(ctx, updateBotSQL,
		st.Name, st.Alive, st.PosX, st.PosY, st.Ammo, string(tally), next.Version, next.UpdatedAt,
		next.ID, prevVersion,
	)
	if err != nil {
		_ = tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新机器人状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取影响行数失败")
	}
	if affected == 0 {
		var count int
		if err := tx.QueryRowContext(ctx, countBotSQL, next.ID).Scan(&count); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询机器人失败")
		}
		_ = tx.Rollback()
		if count == 0 {
			return ErrBotNotFound
		}
		return ErrVersionConflict
	}
	if err := insertCall(ctx, tx, entry); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// RecordRejection 只写入调用日志。
func (s *MySQLStore) RecordRejection(ctx context.Context, entry *CallRecord) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "entry 不能为空")
	}
	return insertCall(ctx, s.db, entry)
}

// ListCalls 返回机器人的调用日志。
func (s *MySQLStore) ListCalls(ctx context.Context, botID string, limit int) ([]*CallRecord, error) {
	if _, err := s.Get(ctx, botID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, listCallsSQL, botID, normalizeLimit(limit))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询调用日志失败")
	}
	defer rows.Close()

	var out []*CallRecord
	for rows.Next() {
		entry, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历调用日志失败")
	}
	return out, nil
}

// GetCall 返回交易最近一次的日志条目。
func (s *MySQLStore) GetCall(ctx context.Context, txID string) (*CallRecord, error) {
	entry, err := scanCall(s.db.QueryRowContext(ctx, getCallSQL, txID))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrCallNotFound
		}
		return nil, err
	}
	return entry, nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func insertCall(ctx context.Context, exec execer, entry *CallRecord) error {
	payload, err := json.Marshal(entry.Call)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码调用参数失败")
	}
	res, err := exec.ExecContext(ctx, insertCallSQL,
		entry.TxID, entry.BotID, string(entry.Call.Entry), entry.Call.Caller.Hex(), string(payload),
		string(entry.Status), string(entry.ErrorCode), entry.Error, entry.Version, entry.CreatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入调用日志失败")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取日志序号失败")
	}
	entry.Seq = seq
	return nil
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec   Record
		st    bot.State
		owner string
		tally string
	)
	err := row.Scan(&rec.ID, &owner, &st.Name, &st.Alive, &st.PosX, &st.PosY, &st.Ammo, &tally,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析机器人记录失败")
	}
	st.Owner = common.HexToAddress(owner)
	if err := json.Unmarshal([]byte(tally), &st.KillTally); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析击杀统计失败")
	}
	if err := st.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "机器人记录损坏",
			xerrors.WithMetadata("bot_id", rec.ID))
	}
	rec.State = &st
	return &rec, nil
}

func scanCall(row scanner) (*CallRecord, error) {
	var (
		entry     CallRecord
		payload   string
		status    string
		errorCode string
		errText   sql.NullString
	)
	err := row.Scan(&entry.Seq, &entry.TxID, &entry.BotID, &payload, &status, &errorCode, &errText,
		&entry.Version, &entry.CreatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析调用日志失败")
	}
	if err := json.Unmarshal([]byte(payload), &entry.Call); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析调用参数失败")
	}
	entry.Status = CallStatus(status)
	entry.ErrorCode = xerrors.Code(errorCode)
	entry.Error = errText.String
	return &entry, nil
}

var _ Store = (*MySQLStore)(nil)
