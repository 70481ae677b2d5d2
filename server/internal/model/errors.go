package model

// ErrorCode 是 error 帧里的机器可读错误码。
type ErrorCode string

const (
	CodeProtocol            ErrorCode = "protocol_violation"
	CodeUnsupportedVersion  ErrorCode = "unsupported_version"
	CodeInvalidArgs         ErrorCode = "invalid_args"
	CodeUnknownAction       ErrorCode = "unknown_action"
	CodeNotFound            ErrorCode = "not_found"
	CodeAlreadyRunning      ErrorCode = "already_running"
	CodeNotRunning          ErrorCode = "not_running"
	CodeRevisionConflict    ErrorCode = "revision_conflict"
	CodeIdempotencyConflict ErrorCode = "idempotency_conflict"
	CodeRateLimited         ErrorCode = "rate_limited"
	CodeTimeout             ErrorCode = "timeout"
	CodeInternal            ErrorCode = "internal"
)

// CommandError 是命令执行失败的类型化结果，会原样回给客户端，
// 也会被幂等账本记录下来。
type CommandError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *CommandError) Error() string {
	return string(e.Code) + ": " + e.Message
}
