// Package scenario 以有序的调用夹具驱动单个机器人实例，并在每一步之后
// 比对状态快照。
package scenario

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"Cryptobot-Chain/internal/bot"
	xerrors "Cryptobot-Chain/internal/errors"
	"Cryptobot-Chain/internal/identity"
)

// Scenario 描述构造参数以及按顺序执行的调用。
type Scenario struct {
	Name  string  `yaml:"name"`
	Owner string  `yaml:"owner"`
	Alive bool    `yaml:"alive"`
	Ammo  *uint64 `yaml:"ammo,omitempty"`
	Steps []Step  `yaml:"steps"`
}

// Step 是一次入口调用及其期望结果。
type Step struct {
	Entry    string `yaml:"entry"`
	Caller   string `yaml:"caller"`
	Name     string `yaml:"name,omitempty"`
	Delta    int64  `yaml:"delta,omitempty"`
	Category string `yaml:"category,omitempty"`
	Expect   Expect `yaml:"expect"`
}

// Expect 中的空字段表示不做断言。
type Expect struct {
	Error     string            `yaml:"error,omitempty"`
	Name      *string           `yaml:"name,omitempty"`
	PosX      *int64            `yaml:"pos_x,omitempty"`
	PosY      *uint64           `yaml:"pos_y,omitempty"`
	Ammo      *uint64           `yaml:"ammo,omitempty"`
	KillTally map[string]uint64 `yaml:"kill_tally,omitempty"`
}

// Result 记录单步执行后的观测值。
type Result struct {
	Index      int
	Step       Step
	ErrorCode  xerrors.Code
	Err        error
	Snapshot   *bot.State
	Mismatches []string
}

// Passed 表示该步的所有断言均成立。
func (r Result) Passed() bool {
	return len(r.Mismatches) == 0
}

// Load 从 YAML 文件读取场景。
func Load(path string) (*Scenario, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取场景文件失败",
			xerrors.WithMetadata("path", path))
	}
	return Parse(content)
}

// Parse 解析 YAML 格式的场景定义。
func Parse(content []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(content, &sc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析场景失败")
	}
	if len(sc.Steps) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("场景 %q 没有任何步骤", sc.Name))
	}
	return &sc, nil
}

// Build 按场景的构造参数创建机器人实例。
func (sc *Scenario) Build() (*bot.State, error) {
	owner, err := identity.ParseAddress(sc.Owner)
	if err != nil {
		return nil, fmt.Errorf("场景 %q 的 owner 无效: %w", sc.Name, err)
	}
	state := bot.New(owner, sc.Alive)
	if sc.Ammo != nil {
		state.Ammo = *sc.Ammo
	}
	return state, nil
}

// Run 在同一个实例上依次执行所有步骤。夹具本身格式错误时返回 error，
// 断言失败只记录在对应的 Result 中。
func (sc *Scenario) Run() ([]Result, error) {
	state, err := sc.Build()
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(sc.Steps))
	for i, step := range sc.Steps {
		call, err := step.call()
		if err != nil {
			return results, fmt.Errorf("第 %d 步: %w", i+1, err)
		}
		before := state.Clone()
		callErr := bot.Apply(state, call)

		result := Result{Index: i, Step: step, Err: callErr, Snapshot: state.Clone()}
		if callErr != nil {
			result.ErrorCode = xerrors.CodeOf(callErr)
		}
		result.Mismatches = step.Expect.compare(before, state, result.ErrorCode)
		results = append(results, result)
	}
	return results, nil
}

func (s Step) call() (bot.Call, error) {
	caller, err := identity.ParseAddress(s.Caller)
	if err != nil {
		return bot.Call{}, err
	}
	call := bot.Call{
		Entry:  bot.Entry(s.Entry),
		Caller: caller,
		Name:   s.Name,
		Delta:  s.Delta,
	}
	if s.Category != "" {
		// 非法类别原样传入，由状态机给出 INVALID_ARGUMENT。
		if c, err := bot.ParseCategory(s.Category); err == nil {
			call.Category = c
		} else {
			call.Category = bot.Category(s.Category)
		}
	}
	return call, nil
}

func (e Expect) compare(before, after *bot.State, code xerrors.Code) []string {
	var out []string
	switch {
	case e.Error == "" && code != "":
		out = append(out, fmt.Sprintf("unexpected error %s", code))
	case e.Error != "" && string(code) != e.Error:
		got := string(code)
		if got == "" {
			got = "success"
		}
		out = append(out, fmt.Sprintf("error: want %s, got %s", e.Error, got))
	}
	if code != "" && !statesEqual(before, after) {
		out = append(out, "state changed by a rejected call")
	}
	if e.Name != nil && after.Name != *e.Name {
		out = append(out, fmt.Sprintf("name: want %q, got %q", *e.Name, after.Name))
	}
	if e.PosX != nil && after.PosX != *e.PosX {
		out = append(out, fmt.Sprintf("pos_x: want %d, got %d", *e.PosX, after.PosX))
	}
	if e.PosY != nil && after.PosY != *e.PosY {
		out = append(out, fmt.Sprintf("pos_y: want %d, got %d", *e.PosY, after.PosY))
	}
	if e.Ammo != nil && after.Ammo != *e.Ammo {
		out = append(out, fmt.Sprintf("ammo: want %d, got %d", *e.Ammo, after.Ammo))
	}
	keys := make([]string, 0, len(e.KillTally))
	for k := range e.KillTally {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c, err := bot.ParseCategory(k)
		if err != nil {
			out = append(out, fmt.Sprintf("kill_tally: unknown category %q", k))
			continue
		}
		if got := after.Kills(c); got != e.KillTally[k] {
			out = append(out, fmt.Sprintf("kill_tally[%s]: want %d, got %d", c, e.KillTally[k], got))
		}
	}
	return out
}

func statesEqual(a, b *bot.State) bool {
	if a.Owner != b.Owner || a.Name != b.Name || a.Alive != b.Alive ||
		a.PosX != b.PosX || a.PosY != b.PosY || a.Ammo != b.Ammo ||
		len(a.KillTally) != len(b.KillTally) {
		return false
	}
	for k, v := range a.KillTally {
		if w, ok := b.KillTally[k]; !ok || w != v {
			return false
		}
	}
	return true
}
