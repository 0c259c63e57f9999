package message

import (
	"github.com/danmuck/uspagent/internal/protocol/wire"
	"google.golang.org/protobuf/encoding/protowire"
)

func encodeMsg(m Msg) []byte {
	var header []byte
	header = wire.AppendString(header, 1, m.Header.MsgID)
	header = wire.AppendVarint(header, 2, uint64(m.Header.MsgType))

	var body []byte
	switch {
	case m.Request != nil:
		body = wire.AppendMessage(body, 1, encodeRequest(m.Request))
	case m.Response != nil:
		body = wire.AppendMessage(body, 2, encodeResponse(m.Response))
	case m.Error != nil:
		body = wire.AppendMessage(body, 3, encodeError(m.Error))
	}

	var b []byte
	b = wire.AppendMessage(b, 1, header)
	return wire.AppendMessage(b, 2, body)
}

func encodeRequest(r *Request) []byte {
	var b []byte
	switch {
	case r.Get != nil:
		var g []byte
		g = wire.AppendRepeatedString(g, 1, r.Get.ParamPaths)
		g = wire.AppendFixed32(g, 2, r.Get.MaxDepth)
		b = wire.AppendMessage(b, 1, g)
	case r.GetSupportedDM != nil:
		b = wire.AppendMessage(b, 2, wire.AppendRepeatedString(nil, 1, r.GetSupportedDM.ObjPaths))
	case r.GetInstances != nil:
		var g []byte
		g = wire.AppendRepeatedString(g, 1, r.GetInstances.ObjPaths)
		g = wire.AppendBool(g, 2, r.GetInstances.FirstLevelOnly)
		b = wire.AppendMessage(b, 3, g)
	case r.Set != nil:
		var s []byte
		s = wire.AppendBool(s, 1, r.Set.AllowPartial)
		for _, obj := range r.Set.Objects {
			s = wire.AppendMessage(s, 2, encodeObject(obj.ObjPath, obj.Params))
		}
		b = wire.AppendMessage(b, 4, s)
	case r.Add != nil:
		var a []byte
		a = wire.AppendBool(a, 1, r.Add.AllowPartial)
		for _, obj := range r.Add.Objects {
			a = wire.AppendMessage(a, 2, encodeObject(obj.ObjPath, obj.Params))
		}
		b = wire.AppendMessage(b, 5, a)
	case r.Delete != nil:
		var d []byte
		d = wire.AppendBool(d, 1, r.Delete.AllowPartial)
		d = wire.AppendRepeatedString(d, 2, r.Delete.ObjPaths)
		b = wire.AppendMessage(b, 6, d)
	case r.Operate != nil:
		var o []byte
		o = wire.AppendString(o, 1, r.Operate.Command)
		o = wire.AppendString(o, 2, r.Operate.CommandKey)
		o = wire.AppendBool(o, 3, r.Operate.SendResp)
		o = wire.AppendStringMap(o, 4, r.Operate.InputArgs)
		b = wire.AppendMessage(b, 7, o)
	case r.Notify != nil:
		b = wire.AppendMessage(b, 8, encodeNotify(r.Notify))
	case r.GetSupportedProtocol != nil:
		b = wire.AppendMessage(b, 9, wire.AppendString(nil, 1, r.GetSupportedProtocol.ControllerVersions))
	}
	return b
}

func encodeObject(path string, params []ParamSetting) []byte {
	var b []byte
	b = wire.AppendString(b, 1, path)
	for _, p := range params {
		var s []byte
		s = wire.AppendString(s, 1, p.Param)
		s = wire.AppendString(s, 2, p.Value)
		s = wire.AppendBool(s, 3, p.Required)
		b = wire.AppendMessage(b, 2, s)
	}
	return b
}

func encodeNotify(n *Notify) []byte {
	var b []byte
	b = wire.AppendString(b, 1, n.SubscriptionID)
	b = wire.AppendBool(b, 2, n.SendResp)
	switch {
	case n.Event != nil:
		var e []byte
		e = wire.AppendString(e, 1, n.Event.ObjPath)
		e = wire.AppendString(e, 2, n.Event.EventName)
		e = wire.AppendStringMap(e, 3, n.Event.Params)
		b = wire.AppendMessage(b, 3, e)
	case n.ValueChange != nil:
		var v []byte
		v = wire.AppendString(v, 1, n.ValueChange.ParamPath)
		v = wire.AppendString(v, 2, n.ValueChange.ParamValue)
		b = wire.AppendMessage(b, 4, v)
	case n.ObjCreation != nil:
		var c []byte
		c = wire.AppendString(c, 1, n.ObjCreation.ObjPath)
		c = wire.AppendStringMap(c, 2, n.ObjCreation.UniqueKeys)
		b = wire.AppendMessage(b, 5, c)
	case n.ObjDeletion != nil:
		b = wire.AppendMessage(b, 6, wire.AppendString(nil, 1, n.ObjDeletion.ObjPath))
	case n.OperComplete != nil:
		oc := n.OperComplete
		var c []byte
		c = wire.AppendString(c, 1, oc.ObjPath)
		c = wire.AppendString(c, 2, oc.CommandName)
		c = wire.AppendString(c, 3, oc.CommandKey)
		if oc.Failure != nil {
			c = wire.AppendMessage(c, 5, encodeOperFailure(oc.Failure))
		} else {
			c = wire.AppendMessage(c, 4, wire.AppendStringMap(nil, 1, oc.OutputArgs))
		}
		b = wire.AppendMessage(b, 7, c)
	case n.OnBoardReq != nil:
		var o []byte
		o = wire.AppendString(o, 1, n.OnBoardReq.OUI)
		o = wire.AppendString(o, 2, n.OnBoardReq.ProductClass)
		o = wire.AppendString(o, 3, n.OnBoardReq.SerialNumber)
		o = wire.AppendString(o, 4, n.OnBoardReq.AgentSupportedProtocolVersions)
		b = wire.AppendMessage(b, 8, o)
	}
	return b
}

func encodeResponse(r *Response) []byte {
	var b []byte
	switch {
	case r.GetResp != nil:
		var g []byte
		for _, res := range r.GetResp.Results {
			var p []byte
			p = wire.AppendString(p, 1, res.RequestedPath)
			p = wire.AppendFixed32(p, 2, res.ErrCode)
			p = wire.AppendString(p, 3, res.ErrMsg)
			for _, rp := range res.Resolved {
				var e []byte
				e = wire.AppendString(e, 1, rp.ResolvedPath)
				e = wire.AppendStringMap(e, 2, rp.Params)
				p = wire.AppendMessage(p, 4, e)
			}
			g = wire.AppendMessage(g, 1, p)
		}
		b = wire.AppendMessage(b, 1, g)
	case r.GetSupportedDMResp != nil:
		b = wire.AppendMessage(b, 2, nil)
	case r.GetInstancesResp != nil:
		var g []byte
		for _, res := range r.GetInstancesResp.Results {
			var p []byte
			p = wire.AppendString(p, 1, res.RequestedPath)
			p = wire.AppendFixed32(p, 2, res.ErrCode)
			p = wire.AppendString(p, 3, res.ErrMsg)
			for _, inst := range res.Instances {
				var e []byte
				e = wire.AppendString(e, 1, inst.InstantiatedPath)
				e = wire.AppendStringMap(e, 2, inst.UniqueKeys)
				p = wire.AppendMessage(p, 4, e)
			}
			g = wire.AppendMessage(g, 1, p)
		}
		b = wire.AppendMessage(b, 3, g)
	case r.SetResp != nil:
		b = wire.AppendMessage(b, 4, encodeSetResp(r.SetResp))
	case r.AddResp != nil:
		var a []byte
		for _, res := range r.AddResp.Results {
			var status []byte
			if res.Failure != nil {
				status = wire.AppendMessage(status, 1, encodeOperFailure(res.Failure))
			} else if res.Success != nil {
				var s []byte
				s = wire.AppendString(s, 1, res.Success.InstantiatedPath)
				s = appendParamErrs(s, 2, res.Success.ParamErrs)
				s = wire.AppendStringMap(s, 3, res.Success.UniqueKeys)
				status = wire.AppendMessage(status, 2, s)
			}
			var p []byte
			p = wire.AppendString(p, 1, res.RequestedPath)
			p = wire.AppendMessage(p, 2, status)
			a = wire.AppendMessage(a, 1, p)
		}
		b = wire.AppendMessage(b, 5, a)
	case r.DeleteResp != nil:
		var d []byte
		for _, res := range r.DeleteResp.Results {
			var status []byte
			if res.Failure != nil {
				status = wire.AppendMessage(status, 1, encodeOperFailure(res.Failure))
			} else if res.Success != nil {
				var s []byte
				s = wire.AppendRepeatedString(s, 1, res.Success.AffectedPaths)
				s = appendParamErrs(s, 2, res.Success.Unaffected)
				status = wire.AppendMessage(status, 2, s)
			}
			var p []byte
			p = wire.AppendString(p, 1, res.RequestedPath)
			p = wire.AppendMessage(p, 2, status)
			d = wire.AppendMessage(d, 1, p)
		}
		b = wire.AppendMessage(b, 6, d)
	case r.OperateResp != nil:
		var o []byte
		for _, res := range r.OperateResp.Results {
			var p []byte
			p = wire.AppendString(p, 1, res.ExecutedCommand)
			switch {
			case res.Failure != nil:
				p = wire.AppendMessage(p, 4, encodeOperFailure(res.Failure))
			case res.OutputArgs != nil:
				p = wire.AppendMessage(p, 3, wire.AppendStringMap(nil, 1, res.OutputArgs))
			default:
				p = protowire.AppendTag(p, 2, protowire.BytesType)
				p = protowire.AppendString(p, res.ReqObjPath)
			}
			o = wire.AppendMessage(o, 1, p)
		}
		b = wire.AppendMessage(b, 7, o)
	case r.NotifyResp != nil:
		b = wire.AppendMessage(b, 8, wire.AppendString(nil, 1, r.NotifyResp.SubscriptionID))
	case r.GetSupportedProtocolResp != nil:
		b = wire.AppendMessage(b, 9, wire.AppendString(nil, 1, r.GetSupportedProtocolResp.AgentVersions))
	}
	return b
}

func encodeSetResp(r *SetResp) []byte {
	var b []byte
	for _, res := range r.Results {
		var status []byte
		if res.Failure != nil {
			var f []byte
			f = wire.AppendFixed32(f, 1, res.Failure.ErrCode)
			f = wire.AppendString(f, 2, res.Failure.ErrMsg)
			for _, inst := range res.Failure.Instances {
				var i []byte
				i = wire.AppendString(i, 1, inst.AffectedPath)
				i = appendParamErrs(i, 2, inst.ParamErrs)
				f = wire.AppendMessage(f, 3, i)
			}
			status = wire.AppendMessage(status, 1, f)
		} else if res.Success != nil {
			var s []byte
			for _, inst := range res.Success.Instances {
				var i []byte
				i = wire.AppendString(i, 1, inst.AffectedPath)
				i = appendParamErrs(i, 2, inst.ParamErrs)
				i = wire.AppendStringMap(i, 3, inst.UpdatedParams)
				s = wire.AppendMessage(s, 1, i)
			}
			status = wire.AppendMessage(status, 2, s)
		}
		var p []byte
		p = wire.AppendString(p, 1, res.RequestedPath)
		p = wire.AppendMessage(p, 2, status)
		b = wire.AppendMessage(b, 1, p)
	}
	return b
}

func encodeError(e *Error) []byte {
	var b []byte
	b = wire.AppendFixed32(b, 1, e.ErrCode)
	b = wire.AppendString(b, 2, e.ErrMsg)
	return appendParamErrs(b, 3, e.ParamErrs)
}

func encodeOperFailure(f *OperFailure) []byte {
	var b []byte
	b = wire.AppendFixed32(b, 1, f.ErrCode)
	return wire.AppendString(b, 2, f.ErrMsg)
}

func appendParamErrs(b []byte, num protowire.Number, errs []ParamError) []byte {
	for _, pe := range errs {
		var e []byte
		e = wire.AppendString(e, 1, pe.Param)
		e = wire.AppendFixed32(e, 2, pe.ErrCode)
		e = wire.AppendString(e, 3, pe.ErrMsg)
		b = wire.AppendMessage(b, num, e)
	}
	return b
}
