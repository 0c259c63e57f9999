// Package message models the USP message layer: a header carrying the
// message id and type, and exactly one of a request, a response or an error.
package message

// Type mirrors the msg_type enum of the message header.
type Type int32

const (
	TypeError                    Type = 0
	TypeGet                      Type = 1
	TypeGetResp                  Type = 2
	TypeNotify                   Type = 3
	TypeSet                      Type = 4
	TypeSetResp                  Type = 5
	TypeOperate                  Type = 6
	TypeOperateResp              Type = 7
	TypeAdd                      Type = 8
	TypeAddResp                  Type = 9
	TypeDelete                   Type = 10
	TypeDeleteResp               Type = 11
	TypeGetSupportedDM           Type = 12
	TypeGetSupportedDMResp       Type = 13
	TypeGetInstances             Type = 14
	TypeGetInstancesResp         Type = 15
	TypeNotifyResp               Type = 16
	TypeGetSupportedProtocol     Type = 17
	TypeGetSupportedProtocolResp Type = 18
)

var typeNames = map[Type]string{
	TypeError:                    "Error",
	TypeGet:                      "Get",
	TypeGetResp:                  "GetResp",
	TypeNotify:                   "Notify",
	TypeSet:                      "Set",
	TypeSetResp:                  "SetResp",
	TypeOperate:                  "Operate",
	TypeOperateResp:              "OperateResp",
	TypeAdd:                      "Add",
	TypeAddResp:                  "AddResp",
	TypeDelete:                   "Delete",
	TypeDeleteResp:               "DeleteResp",
	TypeGetSupportedDM:           "GetSupportedDM",
	TypeGetSupportedDMResp:       "GetSupportedDMResp",
	TypeGetInstances:             "GetInstances",
	TypeGetInstancesResp:         "GetInstancesResp",
	TypeNotifyResp:               "NotifyResp",
	TypeGetSupportedProtocol:     "GetSupportedProtocol",
	TypeGetSupportedProtocolResp: "GetSupportedProtocolResp",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// IsRequest reports whether t travels in a Request body.
func (t Type) IsRequest() bool {
	switch t {
	case TypeGet, TypeSet, TypeAdd, TypeDelete, TypeOperate, TypeNotify,
		TypeGetSupportedDM, TypeGetInstances, TypeGetSupportedProtocol:
		return true
	}
	return false
}

// IsResponse reports whether t travels in a Response body.
func (t Type) IsResponse() bool {
	switch t {
	case TypeGetResp, TypeSetResp, TypeAddResp, TypeDeleteResp, TypeOperateResp,
		TypeNotifyResp, TypeGetSupportedDMResp, TypeGetInstancesResp, TypeGetSupportedProtocolResp:
		return true
	}
	return false
}

// ResponseType returns the response type paired with request type t.
func (t Type) ResponseType() Type {
	switch {
	case t == TypeNotify:
		return TypeNotifyResp
	case t.IsRequest():
		return t + 1
	}
	return TypeError
}

type Header struct {
	MsgID   string
	MsgType Type
}

// Msg is one decoded message. Exactly one of Request, Response or Error is set.
type Msg struct {
	Header   Header
	Request  *Request
	Response *Response
	Error    *Error
}

type Request struct {
	Get                  *Get
	GetSupportedDM       *GetSupportedDM
	GetInstances         *GetInstances
	Set                  *Set
	Add                  *Add
	Delete               *Delete
	Operate              *Operate
	Notify               *Notify
	GetSupportedProtocol *GetSupportedProtocol
}

type Response struct {
	GetResp                  *GetResp
	GetSupportedDMResp       *GetSupportedDMResp
	GetInstancesResp         *GetInstancesResp
	SetResp                  *SetResp
	AddResp                  *AddResp
	DeleteResp               *DeleteResp
	OperateResp              *OperateResp
	NotifyResp               *NotifyResp
	GetSupportedProtocolResp *GetSupportedProtocolResp
}

// Error is the whole-message error body.
type Error struct {
	ErrCode   uint32
	ErrMsg    string
	ParamErrs []ParamError
}

// ParamError reports a failure tied to one parameter path.
type ParamError struct {
	Param   string
	ErrCode uint32
	ErrMsg  string
}

type OperFailure struct {
	ErrCode uint32
	ErrMsg  string
}

type Get struct {
	ParamPaths []string
	MaxDepth   uint32
}

type GetResp struct {
	Results []RequestedPathResult
}

type RequestedPathResult struct {
	RequestedPath string
	ErrCode       uint32
	ErrMsg        string
	Resolved      []ResolvedPathResult
}

type ResolvedPathResult struct {
	ResolvedPath string
	Params       map[string]string
}

type ParamSetting struct {
	Param    string
	Value    string
	Required bool
}

type Set struct {
	AllowPartial bool
	Objects      []UpdateObject
}

type UpdateObject struct {
	ObjPath string
	Params  []ParamSetting
}

type SetResp struct {
	Results []UpdatedObjectResult
}

// UpdatedObjectResult carries exactly one of Failure or Success.
type UpdatedObjectResult struct {
	RequestedPath string
	Failure       *SetFailure
	Success       *SetSuccess
}

type SetFailure struct {
	ErrCode   uint32
	ErrMsg    string
	Instances []UpdatedInstanceFailure
}

type UpdatedInstanceFailure struct {
	AffectedPath string
	ParamErrs    []ParamError
}

type SetSuccess struct {
	Instances []UpdatedInstanceResult
}

type UpdatedInstanceResult struct {
	AffectedPath  string
	ParamErrs     []ParamError
	UpdatedParams map[string]string
}

type Add struct {
	AllowPartial bool
	Objects      []CreateObject
}

type CreateObject struct {
	ObjPath string
	Params  []ParamSetting
}

type AddResp struct {
	Results []CreatedObjectResult
}

type CreatedObjectResult struct {
	RequestedPath string
	Failure       *OperFailure
	Success       *AddSuccess
}

type AddSuccess struct {
	InstantiatedPath string
	ParamErrs        []ParamError
	UniqueKeys       map[string]string
}

type Delete struct {
	AllowPartial bool
	ObjPaths     []string
}

type DeleteResp struct {
	Results []DeletedObjectResult
}

type DeletedObjectResult struct {
	RequestedPath string
	Failure       *OperFailure
	Success       *DeleteSuccess
}

type DeleteSuccess struct {
	AffectedPaths []string
	Unaffected    []ParamError
}

type Operate struct {
	Command    string
	CommandKey string
	SendResp   bool
	InputArgs  map[string]string
}

type OperateResp struct {
	Results []OperationResult
}

// OperationResult carries exactly one of ReqObjPath (async command),
// OutputArgs (sync command, non-nil even when empty) or Failure.
type OperationResult struct {
	ExecutedCommand string
	ReqObjPath      string
	OutputArgs      map[string]string
	Failure         *OperFailure
}

type Notify struct {
	SubscriptionID string
	SendResp       bool

	Event        *Event
	ValueChange  *ValueChange
	ObjCreation  *ObjectCreation
	ObjDeletion  *ObjectDeletion
	OperComplete *OperationComplete
	OnBoardReq   *OnBoardRequest
}

type Event struct {
	ObjPath   string
	EventName string
	Params    map[string]string
}

type ValueChange struct {
	ParamPath  string
	ParamValue string
}

type ObjectCreation struct {
	ObjPath    string
	UniqueKeys map[string]string
}

type ObjectDeletion struct {
	ObjPath string
}

// OperationComplete reports an async command result: OutputArgs on
// success (non-nil), Failure otherwise.
type OperationComplete struct {
	ObjPath     string
	CommandName string
	CommandKey  string
	OutputArgs  map[string]string
	Failure     *OperFailure
}

type OnBoardRequest struct {
	OUI                            string
	ProductClass                   string
	SerialNumber                   string
	AgentSupportedProtocolVersions string
}

type NotifyResp struct {
	SubscriptionID string
}

type GetInstances struct {
	ObjPaths       []string
	FirstLevelOnly bool
}

type GetInstancesResp struct {
	Results []InstancesPathResult
}

type InstancesPathResult struct {
	RequestedPath string
	ErrCode       uint32
	ErrMsg        string
	Instances     []CurrentInstance
}

type CurrentInstance struct {
	InstantiatedPath string
	UniqueKeys       map[string]string
}

// GetSupportedDM is decoded for routing only; the agent answers it with
// a not-supported error.
type GetSupportedDM struct {
	ObjPaths []string
}

type GetSupportedDMResp struct{}

type GetSupportedProtocol struct {
	ControllerVersions string
}

type GetSupportedProtocolResp struct {
	AgentVersions string
}
