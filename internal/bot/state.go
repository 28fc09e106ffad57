package bot

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Cryptobot-Chain/internal/errors"
)

const (
	// DefaultName 是新建机器人的初始名称。
	DefaultName = "terminator"
	// DefaultAmmo 是新建机器人的初始弹药数量。
	DefaultAmmo uint64 = 5
)

// Category 表示击杀目标的类别。
type Category string

const (
	CategorySimple Category = "simple"
	CategoryBoss   Category = "boss"
)

var categories = []Category{CategorySimple, CategoryBoss}

// Categories 返回所有合法的目标类别。
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// Valid 判断类别是否属于枚举集合。
func (c Category) Valid() bool {
	switch c {
	case CategorySimple, CategoryBoss:
		return true
	default:
		return false
	}
}

// ParseCategory 解析类别名称，兼容链上存储使用的 simple_alien / boss_alien 写法。
func ParseCategory(raw string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "simple", "simple_alien":
		return CategorySimple, nil
	case "boss", "boss_alien":
		return CategoryBoss, nil
	default:
		return "", xerrors.New(CodeInvalidArgument, fmt.Sprintf("unknown target category %q", raw),
			xerrors.WithMetadata("category", raw))
	}
}

// State 是机器人的全部可变状态，每个实例独占一份。
type State struct {
	Owner     common.Address      `json:"owner"`
	Name      string              `json:"name"`
	Alive     bool                `json:"alive"`
	PosX      int64               `json:"pos_x"`
	PosY      uint64              `json:"pos_y"`
	Ammo      uint64              `json:"ammo"`
	KillTally map[Category]uint64 `json:"kill_tally"`
}

// New 构造机器人状态。owner 与 alive 按原样接受，其余字段取默认值。
func New(owner common.Address, alive bool) *State {
	tally := make(map[Category]uint64, len(categories))
	for _, c := range categories {
		tally[c] = 0
	}
	return &State{
		Owner:     owner,
		Name:      DefaultName,
		Alive:     alive,
		Ammo:      DefaultAmmo,
		KillTally: tally,
	}
}

// Clone 返回深拷贝，击杀统计不与原状态共享。
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	clone := *s
	clone.KillTally = make(map[Category]uint64, len(s.KillTally))
	for k, v := range s.KillTally {
		clone.KillTally[k] = v
	}
	return &clone
}

// Kills 返回指定类别的击杀次数。
func (s *State) Kills(c Category) uint64 {
	if s == nil {
		return 0
	}
	return s.KillTally[c]
}

// Validate 校验从存储中加载的状态：每个类别都必须存在，且不允许未知类别。
func (s *State) Validate() error {
	if s == nil {
		return xerrors.New(CodeInvalidArgument, "state is nil")
	}
	for _, c := range categories {
		if _, ok := s.KillTally[c]; !ok {
			return xerrors.New(CodeInvalidArgument, fmt.Sprintf("kill tally missing category %q", c))
		}
	}
	for c := range s.KillTally {
		if !c.Valid() {
			return xerrors.New(CodeInvalidArgument, fmt.Sprintf("kill tally has unknown category %q", c))
		}
	}
	return nil
}
