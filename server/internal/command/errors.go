package command

import (
	"context"

	"github.com/juju/errors"

	"consoled/server/internal/idempotency"
	"consoled/server/internal/model"
	"consoled/server/internal/procman"
)

// Classify 把处理器返回的错误映射为客户端可见的错误码。
func Classify(err error) *model.CommandError {
	if err == nil {
		return nil
	}
	var ce *model.CommandError
	if errors.As(err, &ce) {
		return ce
	}

	code := model.CodeInternal
	switch {
	case errors.Is(err, ErrUnknownAction):
		code = model.CodeUnknownAction
	case errors.Is(err, idempotency.ErrConflict):
		code = model.CodeIdempotencyConflict
	case errors.Is(err, procman.ErrNotRunning):
		code = model.CodeNotRunning
	case errors.Is(err, procman.ErrRevisionConflict):
		code = model.CodeRevisionConflict
	case errors.Is(err, errors.NotFound):
		code = model.CodeNotFound
	case errors.Is(err, errors.AlreadyExists):
		code = model.CodeAlreadyRunning
	case errors.Is(err, errors.NotValid):
		code = model.CodeInvalidArgs
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		code = model.CodeTimeout
	}
	return &model.CommandError{Code: code, Message: err.Error()}
}
