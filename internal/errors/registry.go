package errors

import "sync"

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，决定告警日志的级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Class 决定错误在调用链上的处理方式。
type Class string

const (
	// ClassRejection 是状态机对调用的确定性拒绝：写入调用日志，状态不变，不重试。
	ClassRejection Class = "rejection"
	// ClassTransient 是存储或队列的暂时性失败，可以重试。
	ClassTransient Class = "transient"
	// ClassFault 是其余失败，重试不会改变结果。
	ClassFault Class = "fault"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message  string
	Severity Severity
	Class    Class
	Alert    bool
}

// 状态机拒绝码。
const (
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeInvalidArithmetic Code = "INVALID_ARITHMETIC"
	CodeOutOfResource     Code = "OUT_OF_RESOURCE"
)

// 服务与基础设施错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnauthorized:      {Message: "non manager call", Severity: SeverityWarning, Class: ClassRejection},
		CodeInvalidArgument:   {Message: "invalid argument", Severity: SeverityInfo, Class: ClassRejection},
		CodeInvalidArithmetic: {Message: "invalid arithmetic", Severity: SeverityInfo, Class: ClassRejection},
		CodeOutOfResource:     {Message: "out of ammo", Severity: SeverityInfo, Class: ClassRejection},

		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Class: ClassFault, Alert: true},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo, Class: ClassFault},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning, Class: ClassFault},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Class: ClassFault, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Class: ClassTransient, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Class: ClassTransient, Alert: true},
	}
)

// Register 供业务包在 init 中登记自己的错误码。Class 为空时按 ClassFault 处理。
func Register(code Code, attr Attributes) {
	if attr.Class == "" {
		attr.Class = ClassFault
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性，未注册时返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}
