package bot

import (
	xerrors "Cryptobot-Chain/internal/errors"
)

// 状态机的四种拒绝码，登记在 xerrors 的默认注册表中。
const (
	CodeUnauthorized      = xerrors.CodeUnauthorized
	CodeInvalidArgument   = xerrors.CodeInvalidArgument
	CodeInvalidArithmetic = xerrors.CodeInvalidArithmetic
	CodeOutOfResource     = xerrors.CodeOutOfResource
)

var (
	// ErrUnauthorized 表示调用者不是机器人的所有者。
	ErrUnauthorized = xerrors.New(CodeUnauthorized, "non manager call")
	// ErrInvalidArgument 表示参数不在允许的取值范围内。
	ErrInvalidArgument = xerrors.New(CodeInvalidArgument, "invalid argument")
	// ErrInvalidArithmetic 表示更新会破坏字段的取值约束。
	ErrInvalidArithmetic = xerrors.New(CodeInvalidArithmetic, "invalid arithmetic")
	// ErrOutOfResource 表示弹药耗尽。
	ErrOutOfResource = xerrors.New(CodeOutOfResource, "out of ammo")
)

// IsRejection 判断错误是否为状态机拒绝调用产生的错误。
// 拒绝是确定性的，重试前调用者必须修正输入。
func IsRejection(err error) bool {
	return xerrors.IsRejection(err)
}
