// Package errors defines the coded error type shared by every pairagent
// package. Each Code carries registered Attributes that decide whether a
// failure is retried, how loudly it is logged and whether it raises an alert.
package errors

import (
	stdErrors "errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// Code 是统一错误码。
type Code string

// Severity 描述错误的严重程度。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 是错误码的默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeMailboxFailure        Code = "MAILBOX_FAILURE"
	CodeLedgerFailure         Code = "LEDGER_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeCanceled              Code = "CANCELED"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[Code]Attributes)
)

func init() {
	builtin := []struct {
		code Code
		attr Attributes
	}{
		{CodeUnknown, Attributes{"unknown error", SeverityCritical, false, true}},
		{CodeInvalidArgument, Attributes{"invalid argument", SeverityInfo, false, false}},
		{CodeNotFound, Attributes{"resource not found", SeverityInfo, false, false}},
		{CodeConflict, Attributes{"resource conflict", SeverityWarning, false, false}},
		{CodeRetriesExhausted, Attributes{"retries exhausted", SeverityWarning, false, true}},
		{CodeInitializationFailure, Attributes{"service not initialized", SeverityCritical, false, true}},
		{CodeStorageFailure, Attributes{"storage failure", SeverityCritical, true, true}},
		{CodeMailboxFailure, Attributes{"mailbox failure", SeverityWarning, true, false}},
		{CodeLedgerFailure, Attributes{"ledger call failed", SeverityWarning, true, false}},
		{CodeTimeout, Attributes{"operation timed out", SeverityWarning, true, false}},
		{CodeCanceled, Attributes{"operation canceled", SeverityInfo, false, false}},
	}
	for _, b := range builtin {
		registry[b.code] = b.attr
	}
}

// Register 注册或覆盖错误码的默认行为，通常在包的 init 中调用。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf returns the registered attributes of code, or those of
// CodeUnknown when code was never registered.
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是带错误码的错误。实例级的 retry / severity 覆盖优先于注册表。
type Error struct {
	code Code
	msg  string
	err  error
	meta map[string]string
	ovr  overrides
}

type overrides struct {
	retry    bool
	retrySet bool
	sev      Severity
}

// Option 调整单个错误实例。
type Option func(*Error)

// WithMetadata 附加一条键值信息。
func WithMetadata(key, value string) Option {
	return func(target *Error) {
		if target.meta == nil {
			target.meta = map[string]string{}
		}
		target.meta[key] = value
	}
}

// WithRetryable overrides the code's retry attribute for this instance.
func WithRetryable(retryable bool) Option {
	return func(target *Error) { target.ovr.retry, target.ovr.retrySet = retryable, true }
}

// WithSeverity overrides the code's severity for this instance.
func WithSeverity(sev Severity) Option {
	return func(target *Error) { target.ovr.sev = sev }
}

// New 创建错误；message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	return build(code, nil, message, opts)
}

// Wrap 与 New 相同，但保留 cause 以便 errors.Is / errors.As 继续匹配。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	return build(code, cause, message, opts)
}

func build(code Code, cause error, message string, opts []Option) *Error {
	out := &Error{code: code, msg: message, err: cause}
	if out.msg == "" {
		out.msg = AttributesOf(code).Message
	}
	for _, apply := range opts {
		if apply != nil {
			apply(out)
		}
	}
	return out
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.err != nil:
		return "[" + string(e.code) + "] " + e.msg + ": " + e.err.Error()
	default:
		return "[" + string(e.code) + "] " + e.msg
	}
}

func (e *Error) Unwrap() error {
	if e != nil {
		return e.err
	}
	return nil
}

// Is 只比较错误码，不比较描述与元数据。
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && e != nil && other != nil && other.code == e.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e != nil {
		return e.code
	}
	return CodeUnknown
}

// Message returns the description without the cause.
func (e *Error) Message() string {
	if e != nil {
		return e.msg
	}
	return ""
}

// Metadata returns a copy of the attached key/value pairs, nil when empty.
func (e *Error) Metadata() map[string]string {
	if e != nil && len(e.meta) > 0 {
		return maps.Clone(e.meta)
	}
	return nil
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.ovr.retrySet {
		return e.ovr.retry
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	return e != nil && AttributesOf(e.code).Alert
}

// Severity 返回严重程度，nil 视为 info。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.ovr.sev != "" {
		return e.ovr.sev
	}
	return AttributesOf(e.code).Severity
}

// LogValue renders the error as a slog group so that slog.Any("error", err)
// emits code, severity and metadata as separate fields.
func (e *Error) LogValue() slog.Value {
	if e == nil {
		return slog.StringValue("")
	}
	attrs := []slog.Attr{
		slog.String("code", string(e.code)),
		slog.String("severity", string(e.Severity())),
		slog.String("message", e.msg),
	}
	if e.err != nil {
		attrs = append(attrs, slog.String("cause", e.err.Error()))
	}
	for _, key := range slices.Sorted(maps.Keys(e.meta)) {
		attrs = append(attrs, slog.String(key, e.meta[key]))
	}
	return slog.GroupValue(attrs...)
}

// From 提取错误链中最外层的 *Error，支持 errors.Join 产生的多分支链。
func From(err error) (*Error, bool) {
	var coded *Error
	if err == nil || !stdErrors.As(err, &coded) {
		return nil, false
	}
	return coded, true
}

// CodeOf 返回错误码；普通错误视为 UNKNOWN。
func CodeOf(err error) Code {
	coded, _ := From(err)
	return coded.Code()
}

// RetryableError reports whether err carries a retryable code.
func RetryableError(err error) bool {
	coded, _ := From(err)
	return coded.Retryable()
}

// ShouldAlert reports whether err carries a code that raises an alert.
func ShouldAlert(err error) bool {
	coded, _ := From(err)
	return coded.ShouldAlert()
}

// SeverityOf 返回严重程度；普通错误按 UNKNOWN 的注册值处理。
func SeverityOf(err error) Severity {
	if coded, ok := From(err); ok {
		return coded.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
