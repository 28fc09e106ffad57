package ledger

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"

	"github.com/redis/go-redis/v9"

	xerrors "Cryptobot-Chain/internal/errors"
)

// RedisConfig 描述 Redis 账本的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisStore 将机器人记录以 JSON 形式保存到 Redis。
// 记录使用 WATCH/MULTI 实现乐观版本控制，调用日志保存在每个机器人的 list 中。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 连接 Redis 并返回账本实例。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewRedisStoreWithClient(client, cfg.Prefix), nil
}

// NewRedisStoreWithClient 使用已有的客户端构造账本。
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "cryptobot"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) botKey(id string) string      { return s.prefix + ":bot:" + id }
func (s *RedisStore) indexKey() string             { return s.prefix + ":bots" }
func (s *RedisStore) callsKey(botID string) string { return s.prefix + ":calls:" + botID }
func (s *RedisStore) txKey(txID string) string     { return s.prefix + ":tx:" + txID }
func (s *RedisStore) seqKey() string               { return s.prefix + ":calls:seq" }

// Create 实现 Store 接口。
func (s *RedisStore) Create(ctx context.Context, rec *Record) error {
	if err := validateNewRecord(rec); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码机器人记录失败")
	}
	ok, err := s.client.SetNX(ctx, s.botKey(rec.ID), payload, 0).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入机器人记录失败")
	}
	if !ok {
		return ErrBotConflict
	}
	if err := s.client.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(rec.CreatedAt), Member: rec.ID}).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入机器人索引失败")
	}
	return nil
}

// Get 实现 Store 接口。
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	return s.load(ctx, s.client, id)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, client stringGetter, id string) (*Record, error) {
	raw, err := client.Get(ctx, s.botKey(id)).Bytes()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return nil, ErrBotNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取机器人记录失败")
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析机器人记录失败")
	}
	if err := rec.State.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "机器人记录损坏",
			xerrors.WithMetadata("bot_id", id))
	}
	return &rec, nil
}

// List 实现 Store 接口。
func (s *RedisStore) List(ctx context.Context, limit int) ([]*Record, error) {
	limit = normalizeLimit(limit)
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取机器人索引失败")
	}
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			if stdErrors.Is(err, ErrBotNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// CommitCall 实现 Store 接口。
func (s *RedisStore) CommitCall(ctx context.Context, next *Record, prevVersion int64, entry *CallRecord) error {
	if next == nil || entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 与 entry 不能为空")
	}
	record, err := json.Marshal(next)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码机器人记录失败")
	}
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "分配日志序号失败")
	}
	entry.Seq = seq
	journal, err := json.Marshal(entry)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码调用日志失败")
	}

	key := s.botKey(next.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, next.ID)
		if err != nil {
			return err
		}
		if current.Version != prevVersion {
			return ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, record, 0)
			pipe.RPush(ctx, s.callsKey(entry.BotID), journal)
			if entry.TxID != "" {
				pipe.Set(ctx, s.txKey(entry.TxID), journal, 0)
			}
			return nil
		})
		return err
	}, key)
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交调用失败")
}

// RecordRejection 实现 Store 接口。
func (s *RedisStore) RecordRejection(ctx context.Context, entry *CallRecord) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "entry 不能为空")
	}
	exists, err := s.client.Exists(ctx, s.botKey(entry.BotID)).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取机器人记录失败")
	}
	if exists == 0 {
		return ErrBotNotFound
	}
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "分配日志序号失败")
	}
	entry.Seq = seq
	journal, err := json.Marshal(entry)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码调用日志失败")
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.callsKey(entry.BotID), journal)
		if entry.TxID != "" {
			pipe.Set(ctx, s.txKey(entry.TxID), journal, 0)
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入调用日志失败")
	}
	return nil
}

// ListCalls 实现 Store 接口。
func (s *RedisStore) ListCalls(ctx context.Context, botID string, limit int) ([]*CallRecord, error) {
	limit = normalizeLimit(limit)
	exists, err := s.client.Exists(ctx, s.botKey(botID)).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取机器人记录失败")
	}
	if exists == 0 {
		return nil, ErrBotNotFound
	}
	values, err := s.client.LRange(ctx, s.callsKey(botID), int64(-limit), -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取调用日志失败")
	}
	out := make([]*CallRecord, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		var entry CallRecord
		if err := json.Unmarshal([]byte(values[i]), &entry); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析调用日志失败")
		}
		out = append(out, &entry)
	}
	return out, nil
}

// GetCall 实现 Store 接口。
func (s *RedisStore) GetCall(ctx context.Context, txID string) (*CallRecord, error) {
	raw, err := s.client.Get(ctx, s.txKey(txID)).Bytes()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return nil, ErrCallNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取调用日志失败")
	}
	var entry CallRecord
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析调用日志失败")
	}
	return &entry, nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
