package message

// Error codes used in Error messages and per-path results.
const (
	ErrCodeMessageFailed     uint32 = 7000
	ErrCodeNotSupported      uint32 = 7001
	ErrCodeRequestDenied     uint32 = 7002
	ErrCodeInternal          uint32 = 7003
	ErrCodeInvalidArguments  uint32 = 7004
	ErrCodeResourcesExceeded uint32 = 7005
	ErrCodeRequestTimeout    uint32 = 7008
	ErrCodeInvalidValue      uint32 = 7012
	ErrCodeObjectNotExist    uint32 = 7016
	ErrCodeObjectNotCreated  uint32 = 7017
	ErrCodeNotWritable       uint32 = 7020
	ErrCodeCommandFailure    uint32 = 7022
	ErrCodeInvalidPath       uint32 = 7026
)

// NewError builds an Error message answering msgID.
func NewError(msgID string, code uint32, text string, params ...ParamError) Msg {
	return Msg{
		Header: Header{MsgID: msgID, MsgType: TypeError},
		Error:  &Error{ErrCode: code, ErrMsg: text, ParamErrs: params},
	}
}

// NewRequest wraps req under a header derived from its populated member.
func NewRequest(msgID string, req *Request) Msg {
	t, _ := RequestType(req)
	return Msg{Header: Header{MsgID: msgID, MsgType: t}, Request: req}
}

// NewResponse wraps resp under a header derived from its populated member.
func NewResponse(msgID string, resp *Response) Msg {
	t, _ := ResponseType(resp)
	return Msg{Header: Header{MsgID: msgID, MsgType: t}, Response: resp}
}

// IsReply reports whether m answers an earlier request.
func (m Msg) IsReply() bool {
	return m.Response != nil || m.Error != nil
}
