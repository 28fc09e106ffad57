package bot

import (
	"fmt"
	"math"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Cryptobot-Chain/internal/errors"
)

// Entry 标识一个可被外部调用的入口。
type Entry string

const (
	EntryRename Entry = "rename"
	EntryMoveX  Entry = "move_x"
	EntryMoveY  Entry = "move_y"
	EntryFire   Entry = "fire"
)

// Call 描述一次入口调用及其参数。未使用的参数会被忽略。
type Call struct {
	Entry    Entry          `json:"entry"`
	Caller   common.Address `json:"caller"`
	Name     string         `json:"name,omitempty"`
	Delta    int64          `json:"delta,omitempty"`
	Category Category       `json:"category,omitempty"`
}

type handler func(s *State, call Call) error

var dispatch = map[Entry]handler{
	EntryRename: func(s *State, c Call) error { return Rename(s, c.Caller, c.Name) },
	EntryMoveX:  func(s *State, c Call) error { return MoveX(s, c.Caller, c.Delta) },
	EntryMoveY:  func(s *State, c Call) error { return MoveY(s, c.Caller, c.Delta) },
	EntryFire:   func(s *State, c Call) error { return Fire(s, c.Caller, c.Category) },
}

var entryOrder = []Entry{EntryRename, EntryMoveX, EntryMoveY, EntryFire}

// Entries 按固定顺序返回所有入口。
func Entries() []Entry {
	out := make([]Entry, len(entryOrder))
	copy(out, entryOrder)
	return out
}

// Valid 判断入口是否在分发表中。
func (e Entry) Valid() bool {
	_, ok := dispatch[e]
	return ok
}

// Apply 通过分发表执行调用。
func Apply(s *State, call Call) error {
	h, ok := dispatch[call.Entry]
	if !ok {
		return xerrors.New(CodeInvalidArgument, fmt.Sprintf("unknown entry %q", call.Entry),
			xerrors.WithMetadata("entry", string(call.Entry)))
	}
	return h(s, call)
}

// Rename 修改机器人名称。
func Rename(s *State, caller common.Address, name string) error {
	if err := authorize(s, EntryRename, caller); err != nil {
		return err
	}
	s.Name = name
	return nil
}

// MoveX 以有符号增量移动横坐标。
func MoveX(s *State, caller common.Address, delta int64) error {
	if err := authorize(s, EntryMoveX, caller); err != nil {
		return err
	}
	if (delta > 0 && s.PosX > math.MaxInt64-delta) || (delta < 0 && s.PosX < math.MinInt64-delta) {
		return arithmeticError(EntryMoveX, "pos_x", s.PosX, delta, "overflows int64")
	}
	s.PosX += delta
	return nil
}

// MoveY 以有符号增量移动纵坐标，结果不能为负。
func MoveY(s *State, caller common.Address, delta int64) error {
	if err := authorize(s, EntryMoveY, caller); err != nil {
		return err
	}
	next, ok := addSigned(s.PosY, delta)
	if !ok {
		reason := "would become negative"
		if delta > 0 {
			reason = "overflows uint64"
		}
		return arithmeticError(EntryMoveY, "pos_y", s.PosY, delta, reason)
	}
	s.PosY = next
	return nil
}

// Fire 消耗一发弹药并为对应类别记录一次击杀。
func Fire(s *State, caller common.Address, category Category) error {
	if err := authorize(s, EntryFire, caller); err != nil {
		return err
	}
	if !category.Valid() {
		return xerrors.New(CodeInvalidArgument, fmt.Sprintf("unknown target category %q", category),
			xerrors.WithMetadata("entry", string(EntryFire)),
			xerrors.WithMetadata("category", string(category)))
	}
	if s.Ammo < 1 {
		return xerrors.New(CodeOutOfResource, "out of ammo",
			xerrors.WithMetadata("entry", string(EntryFire)),
			xerrors.WithMetadata("ammo", "0"))
	}
	if s.KillTally == nil {
		s.KillTally = make(map[Category]uint64, len(categories))
	}
	s.Ammo--
	s.KillTally[category]++
	return nil
}

func authorize(s *State, entry Entry, caller common.Address) error {
	if s == nil {
		return xerrors.New(CodeInvalidArgument, "state is nil", xerrors.WithMetadata("entry", string(entry)))
	}
	if caller != s.Owner {
		return xerrors.New(CodeUnauthorized, "non manager call",
			xerrors.WithMetadata("entry", string(entry)),
			xerrors.WithMetadata("caller", caller.Hex()))
	}
	return nil
}

// addSigned 计算 base+delta，结果越界时返回 false。
func addSigned(base uint64, delta int64) (uint64, bool) {
	if delta >= 0 {
		d := uint64(delta)
		if base > math.MaxUint64-d {
			return 0, false
		}
		return base + d, true
	}
	// -(delta+1)+1 避免对 MinInt64 取反溢出。
	magnitude := uint64(-(delta + 1)) + 1
	if magnitude > base {
		return 0, false
	}
	return base - magnitude, true
}

func arithmeticError[T int64 | uint64](entry Entry, field string, current T, delta int64, reason string) error {
	return xerrors.New(CodeInvalidArithmetic, fmt.Sprintf("%s %s", field, reason),
		xerrors.WithMetadata("entry", string(entry)),
		xerrors.WithMetadata("field", field),
		xerrors.WithMetadata("current", fmt.Sprint(current)),
		xerrors.WithMetadata("delta", strconv.FormatInt(delta, 10)))
}
