package message

import (
	"fmt"
	"strings"
)

// ValidationError describes why a decoded message cannot be processed.
// Code is the error code the agent answers with.
type ValidationError struct {
	MsgType Type
	Field   string
	Reason  string
	Code    uint32
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("message: msg_type=%s: %s", e.MsgType, e.Reason)
	}
	return fmt.Sprintf("message: msg_type=%s field=%s: %s", e.MsgType, e.Field, e.Reason)
}

// RequestType reports which request member is populated.
func RequestType(r *Request) (Type, bool) {
	switch {
	case r == nil:
		return TypeError, false
	case r.Get != nil:
		return TypeGet, true
	case r.GetSupportedDM != nil:
		return TypeGetSupportedDM, true
	case r.GetInstances != nil:
		return TypeGetInstances, true
	case r.Set != nil:
		return TypeSet, true
	case r.Add != nil:
		return TypeAdd, true
	case r.Delete != nil:
		return TypeDelete, true
	case r.Operate != nil:
		return TypeOperate, true
	case r.Notify != nil:
		return TypeNotify, true
	case r.GetSupportedProtocol != nil:
		return TypeGetSupportedProtocol, true
	}
	return TypeError, false
}

// ResponseType reports which response member is populated.
func ResponseType(r *Response) (Type, bool) {
	switch {
	case r == nil:
		return TypeError, false
	case r.GetResp != nil:
		return TypeGetResp, true
	case r.GetSupportedDMResp != nil:
		return TypeGetSupportedDMResp, true
	case r.GetInstancesResp != nil:
		return TypeGetInstancesResp, true
	case r.SetResp != nil:
		return TypeSetResp, true
	case r.AddResp != nil:
		return TypeAddResp, true
	case r.DeleteResp != nil:
		return TypeDeleteResp, true
	case r.OperateResp != nil:
		return TypeOperateResp, true
	case r.NotifyResp != nil:
		return TypeNotifyResp, true
	case r.GetSupportedProtocolResp != nil:
		return TypeGetSupportedProtocolResp, true
	}
	return TypeError, false
}

// Validate checks the header against the body and the required arguments
// of each request. Unknown fields never reach this point.
func Validate(m Msg) error {
	t := m.Header.MsgType
	if strings.TrimSpace(m.Header.MsgID) == "" {
		return ValidationError{MsgType: t, Field: "msg_id", Reason: "missing msg_id", Code: ErrCodeMessageFailed}
	}
	switch {
	case m.Request != nil:
		got, ok := RequestType(m.Request)
		if !ok {
			return ValidationError{MsgType: t, Field: "request", Reason: "empty request body", Code: ErrCodeMessageFailed}
		}
		if got != t {
			return ValidationError{MsgType: t, Field: "request", Reason: fmt.Sprintf("body %s does not match header", got), Code: ErrCodeMessageFailed}
		}
		return validateRequest(t, m.Request)
	case m.Response != nil:
		got, ok := ResponseType(m.Response)
		if !ok {
			return ValidationError{MsgType: t, Field: "response", Reason: "empty response body", Code: ErrCodeMessageFailed}
		}
		if got != t {
			return ValidationError{MsgType: t, Field: "response", Reason: fmt.Sprintf("body %s does not match header", got), Code: ErrCodeMessageFailed}
		}
		return nil
	case m.Error != nil:
		if t != TypeError {
			return ValidationError{MsgType: t, Field: "error", Reason: "error body under non-error header", Code: ErrCodeMessageFailed}
		}
		return nil
	}
	return ValidationError{MsgType: t, Field: "body", Reason: "missing body", Code: ErrCodeMessageFailed}
}

func validateRequest(t Type, r *Request) error {
	invalid := func(field, reason string) error {
		return ValidationError{MsgType: t, Field: field, Reason: reason, Code: ErrCodeInvalidArguments}
	}
	switch t {
	case TypeGet:
		if len(r.Get.ParamPaths) == 0 {
			return invalid("param_paths", "no paths requested")
		}
	case TypeGetInstances:
		if len(r.GetInstances.ObjPaths) == 0 {
			return invalid("obj_paths", "no paths requested")
		}
	case TypeSet:
		if len(r.Set.Objects) == 0 {
			return invalid("update_objs", "no objects to update")
		}
		for _, obj := range r.Set.Objects {
			if obj.ObjPath == "" {
				return invalid("obj_path", "empty object path")
			}
			if len(obj.Params) == 0 {
				return invalid("param_settings", fmt.Sprintf("no parameters for %s", obj.ObjPath))
			}
		}
	case TypeAdd:
		if len(r.Add.Objects) == 0 {
			return invalid("create_objs", "no objects to create")
		}
		for _, obj := range r.Add.Objects {
			if obj.ObjPath == "" {
				return invalid("obj_path", "empty object path")
			}
		}
	case TypeDelete:
		if len(r.Delete.ObjPaths) == 0 {
			return invalid("obj_paths", "no objects to delete")
		}
	case TypeOperate:
		if r.Operate.Command == "" {
			return invalid("command", "empty command")
		}
	case TypeNotify:
		n := r.Notify
		if n.Event == nil && n.ValueChange == nil && n.ObjCreation == nil &&
			n.ObjDeletion == nil && n.OperComplete == nil && n.OnBoardReq == nil {
			return invalid("notification", "no notification body")
		}
	}
	return nil
}
