package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/uspagent/internal/datamodel"
	"github.com/danmuck/uspagent/internal/protocol/message"
)

var (
	ErrOverload = errors.New("dispatch: peer queue overloaded")
	ErrClosed   = errors.New("dispatch: dispatcher closed")
)

// ProtocolError is an error already expressed as a USP error code.
type ProtocolError struct {
	Code    uint32
	Message string
}

func (e ProtocolError) Error() string {
	return fmt.Sprintf("dispatch: usp error %d: %s", e.Code, e.Message)
}

// AsProtocolError maps err onto the code the agent answers with.
func AsProtocolError(err error) ProtocolError {
	var pe ProtocolError
	if errors.As(err, &pe) {
		return pe
	}
	var ve message.ValidationError
	if errors.As(err, &ve) {
		return ProtocolError{Code: ve.Code, Message: ve.Error()}
	}
	code := message.ErrCodeInternal
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = message.ErrCodeRequestTimeout
	case errors.Is(err, ErrOverload):
		code = message.ErrCodeInternal
	case errors.Is(err, datamodel.ErrInvalidPath):
		code = message.ErrCodeInvalidPath
	case errors.Is(err, datamodel.ErrNotFound):
		code = message.ErrCodeObjectNotExist
	case errors.Is(err, datamodel.ErrNotWritable):
		code = message.ErrCodeNotWritable
	case errors.Is(err, datamodel.ErrValidation):
		code = message.ErrCodeInvalidValue
	case errors.Is(err, datamodel.ErrOperation):
		code = message.ErrCodeCommandFailure
	}
	return ProtocolError{Code: code, Message: err.Error()}
}

func errorMsg(msgID string, err error, params ...message.ParamError) message.Msg {
	pe := AsProtocolError(err)
	return message.NewError(msgID, pe.Code, pe.Message, params...)
}
