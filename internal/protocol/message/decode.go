package message

import (
	"github.com/danmuck/uspagent/internal/protocol/wire"
)

func decodeMsg(b []byte) (Msg, error) {
	var m Msg
	err := eachField(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			return sub(f, func(h wire.Field) error {
				switch h.Num {
				case 1:
					return str(h, &m.Header.MsgID)
				case 2:
					v, err := h.Uint()
					m.Header.MsgType = Type(v)
					return err
				}
				return nil
			})
		case 2:
			return sub(f, func(body wire.Field) error {
				switch body.Num {
				case 1:
					m.Response, m.Error = nil, nil
					m.Request = &Request{}
					return sub(body, func(rf wire.Field) error { return decodeRequest(m.Request, rf) })
				case 2:
					m.Request, m.Error = nil, nil
					m.Response = &Response{}
					return sub(body, func(rf wire.Field) error { return decodeResponse(m.Response, rf) })
				case 3:
					m.Request, m.Response = nil, nil
					m.Error = &Error{}
					return sub(body, func(ef wire.Field) error { return decodeError(m.Error, ef) })
				}
				return nil
			})
		}
		return nil
	})
	return m, err
}

// decodeRequest handles one oneof member; the last member on the wire wins.
func decodeRequest(r *Request, f wire.Field) error {
	if f.Num < 1 || f.Num > 9 {
		return nil
	}
	*r = Request{}
	switch f.Num {
	case 1:
		r.Get = &Get{}
		return sub(f, func(g wire.Field) error {
			switch g.Num {
			case 1:
				return strs(g, &r.Get.ParamPaths)
			case 2:
				return u32(g, &r.Get.MaxDepth)
			}
			return nil
		})
	case 2:
		r.GetSupportedDM = &GetSupportedDM{}
		return sub(f, func(g wire.Field) error {
			if g.Num == 1 {
				return strs(g, &r.GetSupportedDM.ObjPaths)
			}
			return nil
		})
	case 3:
		r.GetInstances = &GetInstances{}
		return sub(f, func(g wire.Field) error {
			switch g.Num {
			case 1:
				return strs(g, &r.GetInstances.ObjPaths)
			case 2:
				return boolean(g, &r.GetInstances.FirstLevelOnly)
			}
			return nil
		})
	case 4:
		r.Set = &Set{}
		return sub(f, func(s wire.Field) error {
			switch s.Num {
			case 1:
				return boolean(s, &r.Set.AllowPartial)
			case 2:
				var obj UpdateObject
				if err := decodeObject(s, &obj.ObjPath, &obj.Params); err != nil {
					return err
				}
				r.Set.Objects = append(r.Set.Objects, obj)
			}
			return nil
		})
	case 5:
		r.Add = &Add{}
		return sub(f, func(s wire.Field) error {
			switch s.Num {
			case 1:
				return boolean(s, &r.Add.AllowPartial)
			case 2:
				var obj CreateObject
				if err := decodeObject(s, &obj.ObjPath, &obj.Params); err != nil {
					return err
				}
				r.Add.Objects = append(r.Add.Objects, obj)
			}
			return nil
		})
	case 6:
		r.Delete = &Delete{}
		return sub(f, func(d wire.Field) error {
			switch d.Num {
			case 1:
				return boolean(d, &r.Delete.AllowPartial)
			case 2:
				return strs(d, &r.Delete.ObjPaths)
			}
			return nil
		})
	case 7:
		r.Operate = &Operate{}
		return sub(f, func(o wire.Field) error {
			switch o.Num {
			case 1:
				return str(o, &r.Operate.Command)
			case 2:
				return str(o, &r.Operate.CommandKey)
			case 3:
				return boolean(o, &r.Operate.SendResp)
			case 4:
				return wire.PutMapEntry(&r.Operate.InputArgs, o)
			}
			return nil
		})
	case 8:
		r.Notify = &Notify{}
		return sub(f, func(n wire.Field) error { return decodeNotify(r.Notify, n) })
	case 9:
		r.GetSupportedProtocol = &GetSupportedProtocol{}
		return sub(f, func(g wire.Field) error {
			if g.Num == 1 {
				return str(g, &r.GetSupportedProtocol.ControllerVersions)
			}
			return nil
		})
	}
	return nil
}

func decodeObject(f wire.Field, path *string, params *[]ParamSetting) error {
	return sub(f, func(o wire.Field) error {
		switch o.Num {
		case 1:
			return str(o, path)
		case 2:
			var p ParamSetting
			err := sub(o, func(s wire.Field) error {
				switch s.Num {
				case 1:
					return str(s, &p.Param)
				case 2:
					return str(s, &p.Value)
				case 3:
					return boolean(s, &p.Required)
				}
				return nil
			})
			if err != nil {
				return err
			}
			*params = append(*params, p)
		}
		return nil
	})
}

func decodeNotify(n *Notify, f wire.Field) error {
	switch f.Num {
	case 1:
		return str(f, &n.SubscriptionID)
	case 2:
		return boolean(f, &n.SendResp)
	}
	if f.Num > 8 {
		return nil
	}
	n.Event, n.ValueChange, n.ObjCreation, n.ObjDeletion, n.OperComplete, n.OnBoardReq = nil, nil, nil, nil, nil, nil
	switch f.Num {
	case 3:
		n.Event = &Event{}
		return sub(f, func(e wire.Field) error {
			switch e.Num {
			case 1:
				return str(e, &n.Event.ObjPath)
			case 2:
				return str(e, &n.Event.EventName)
			case 3:
				return wire.PutMapEntry(&n.Event.Params, e)
			}
			return nil
		})
	case 4:
		n.ValueChange = &ValueChange{}
		return sub(f, func(v wire.Field) error {
			switch v.Num {
			case 1:
				return str(v, &n.ValueChange.ParamPath)
			case 2:
				return str(v, &n.ValueChange.ParamValue)
			}
			return nil
		})
	case 5:
		n.ObjCreation = &ObjectCreation{}
		return sub(f, func(c wire.Field) error {
			switch c.Num {
			case 1:
				return str(c, &n.ObjCreation.ObjPath)
			case 2:
				return wire.PutMapEntry(&n.ObjCreation.UniqueKeys, c)
			}
			return nil
		})
	case 6:
		n.ObjDeletion = &ObjectDeletion{}
		return sub(f, func(d wire.Field) error {
			if d.Num == 1 {
				return str(d, &n.ObjDeletion.ObjPath)
			}
			return nil
		})
	case 7:
		oc := &OperationComplete{}
		n.OperComplete = oc
		return sub(f, func(c wire.Field) error {
			switch c.Num {
			case 1:
				return str(c, &oc.ObjPath)
			case 2:
				return str(c, &oc.CommandName)
			case 3:
				return str(c, &oc.CommandKey)
			case 4:
				oc.Failure = nil
				oc.OutputArgs = map[string]string{}
				return decodeOutputArgs(c, &oc.OutputArgs)
			case 5:
				oc.OutputArgs = nil
				oc.Failure = &OperFailure{}
				return decodeOperFailure(c, oc.Failure)
			}
			return nil
		})
	case 8:
		ob := &OnBoardRequest{}
		n.OnBoardReq = ob
		return sub(f, func(o wire.Field) error {
			switch o.Num {
			case 1:
				return str(o, &ob.OUI)
			case 2:
				return str(o, &ob.ProductClass)
			case 3:
				return str(o, &ob.SerialNumber)
			case 4:
				return str(o, &ob.AgentSupportedProtocolVersions)
			}
			return nil
		})
	}
	return nil
}

func decodeOutputArgs(f wire.Field, dst *map[string]string) error {
	return sub(f, func(a wire.Field) error {
		if a.Num == 1 {
			return wire.PutMapEntry(dst, a)
		}
		return nil
	})
}

func decodeOperFailure(f wire.Field, dst *OperFailure) error {
	return sub(f, func(e wire.Field) error {
		switch e.Num {
		case 1:
			return u32(e, &dst.ErrCode)
		case 2:
			return str(e, &dst.ErrMsg)
		}
		return nil
	})
}

func decodeParamError(f wire.Field) (ParamError, error) {
	var pe ParamError
	err := sub(f, func(e wire.Field) error {
		switch e.Num {
		case 1:
			return str(e, &pe.Param)
		case 2:
			return u32(e, &pe.ErrCode)
		case 3:
			return str(e, &pe.ErrMsg)
		}
		return nil
	})
	return pe, err
}

func decodeError(e *Error, f wire.Field) error {
	switch f.Num {
	case 1:
		return u32(f, &e.ErrCode)
	case 2:
		return str(f, &e.ErrMsg)
	case 3:
		pe, err := decodeParamError(f)
		if err != nil {
			return err
		}
		e.ParamErrs = append(e.ParamErrs, pe)
	}
	return nil
}

func decodeResponse(r *Response, f wire.Field) error {
	if f.Num < 1 || f.Num > 9 {
		return nil
	}
	*r = Response{}
	switch f.Num {
	case 1:
		r.GetResp = &GetResp{}
		return sub(f, func(g wire.Field) error {
			if g.Num != 1 {
				return nil
			}
			var res RequestedPathResult
			err := sub(g, func(p wire.Field) error {
				switch p.Num {
				case 1:
					return str(p, &res.RequestedPath)
				case 2:
					return u32(p, &res.ErrCode)
				case 3:
					return str(p, &res.ErrMsg)
				case 4:
					var rp ResolvedPathResult
					err := sub(p, func(e wire.Field) error {
						switch e.Num {
						case 1:
							return str(e, &rp.ResolvedPath)
						case 2:
							return wire.PutMapEntry(&rp.Params, e)
						}
						return nil
					})
					if err != nil {
						return err
					}
					res.Resolved = append(res.Resolved, rp)
				}
				return nil
			})
			if err != nil {
				return err
			}
			r.GetResp.Results = append(r.GetResp.Results, res)
			return nil
		})
	case 2:
		r.GetSupportedDMResp = &GetSupportedDMResp{}
	case 3:
		r.GetInstancesResp = &GetInstancesResp{}
		return sub(f, func(g wire.Field) error {
			if g.Num != 1 {
				return nil
			}
			var res InstancesPathResult
			err := sub(g, func(p wire.Field) error {
				switch p.Num {
				case 1:
					return str(p, &res.RequestedPath)
				case 2:
					return u32(p, &res.ErrCode)
				case 3:
					return str(p, &res.ErrMsg)
				case 4:
					var inst CurrentInstance
					err := sub(p, func(e wire.Field) error {
						switch e.Num {
						case 1:
							return str(e, &inst.InstantiatedPath)
						case 2:
							return wire.PutMapEntry(&inst.UniqueKeys, e)
						}
						return nil
					})
					if err != nil {
						return err
					}
					res.Instances = append(res.Instances, inst)
				}
				return nil
			})
			if err != nil {
				return err
			}
			r.GetInstancesResp.Results = append(r.GetInstancesResp.Results, res)
			return nil
		})
	case 4:
		r.SetResp = &SetResp{}
		return sub(f, func(s wire.Field) error {
			if s.Num != 1 {
				return nil
			}
			res, err := decodeUpdatedObject(s)
			if err != nil {
				return err
			}
			r.SetResp.Results = append(r.SetResp.Results, res)
			return nil
		})
	case 5:
		r.AddResp = &AddResp{}
		return sub(f, func(a wire.Field) error {
			if a.Num != 1 {
				return nil
			}
			var res CreatedObjectResult
			err := sub(a, func(p wire.Field) error {
				switch p.Num {
				case 1:
					return str(p, &res.RequestedPath)
				case 2:
					return sub(p, func(st wire.Field) error {
						switch st.Num {
						case 1:
							res.Success, res.Failure = nil, &OperFailure{}
							return decodeOperFailure(st, res.Failure)
						case 2:
							succ := &AddSuccess{}
							res.Success, res.Failure = succ, nil
							return sub(st, func(sf wire.Field) error {
								switch sf.Num {
								case 1:
									return str(sf, &succ.InstantiatedPath)
								case 2:
									pe, err := decodeParamError(sf)
									succ.ParamErrs = append(succ.ParamErrs, pe)
									return err
								case 3:
									return wire.PutMapEntry(&succ.UniqueKeys, sf)
								}
								return nil
							})
						}
						return nil
					})
				}
				return nil
			})
			if err != nil {
				return err
			}
			r.AddResp.Results = append(r.AddResp.Results, res)
			return nil
		})
	case 6:
		r.DeleteResp = &DeleteResp{}
		return sub(f, func(d wire.Field) error {
			if d.Num != 1 {
				return nil
			}
			var res DeletedObjectResult
			err := sub(d, func(p wire.Field) error {
				switch p.Num {
				case 1:
					return str(p, &res.RequestedPath)
				case 2:
					return sub(p, func(st wire.Field) error {
						switch st.Num {
						case 1:
							res.Success, res.Failure = nil, &OperFailure{}
							return decodeOperFailure(st, res.Failure)
						case 2:
							succ := &DeleteSuccess{}
							res.Success, res.Failure = succ, nil
							return sub(st, func(sf wire.Field) error {
								switch sf.Num {
								case 1:
									return strs(sf, &succ.AffectedPaths)
								case 2:
									pe, err := decodeParamError(sf)
									succ.Unaffected = append(succ.Unaffected, pe)
									return err
								}
								return nil
							})
						}
						return nil
					})
				}
				return nil
			})
			if err != nil {
				return err
			}
			r.DeleteResp.Results = append(r.DeleteResp.Results, res)
			return nil
		})
	case 7:
		r.OperateResp = &OperateResp{}
		return sub(f, func(o wire.Field) error {
			if o.Num != 1 {
				return nil
			}
			var res OperationResult
			err := sub(o, func(p wire.Field) error {
				switch p.Num {
				case 1:
					return str(p, &res.ExecutedCommand)
				case 2:
					res.OutputArgs, res.Failure = nil, nil
					return str(p, &res.ReqObjPath)
				case 3:
					res.ReqObjPath, res.Failure = "", nil
					res.OutputArgs = map[string]string{}
					return decodeOutputArgs(p, &res.OutputArgs)
				case 4:
					res.ReqObjPath, res.OutputArgs = "", nil
					res.Failure = &OperFailure{}
					return decodeOperFailure(p, res.Failure)
				}
				return nil
			})
			if err != nil {
				return err
			}
			r.OperateResp.Results = append(r.OperateResp.Results, res)
			return nil
		})
	case 8:
		r.NotifyResp = &NotifyResp{}
		return sub(f, func(n wire.Field) error {
			if n.Num == 1 {
				return str(n, &r.NotifyResp.SubscriptionID)
			}
			return nil
		})
	case 9:
		r.GetSupportedProtocolResp = &GetSupportedProtocolResp{}
		return sub(f, func(g wire.Field) error {
			if g.Num == 1 {
				return str(g, &r.GetSupportedProtocolResp.AgentVersions)
			}
			return nil
		})
	}
	return nil
}

func decodeUpdatedObject(f wire.Field) (UpdatedObjectResult, error) {
	var res UpdatedObjectResult
	err := sub(f, func(p wire.Field) error {
		switch p.Num {
		case 1:
			return str(p, &res.RequestedPath)
		case 2:
			return sub(p, func(st wire.Field) error {
				switch st.Num {
				case 1:
					fail := &SetFailure{}
					res.Failure, res.Success = fail, nil
					return sub(st, func(ff wire.Field) error {
						switch ff.Num {
						case 1:
							return u32(ff, &fail.ErrCode)
						case 2:
							return str(ff, &fail.ErrMsg)
						case 3:
							var inst UpdatedInstanceFailure
							err := sub(ff, func(i wire.Field) error {
								switch i.Num {
								case 1:
									return str(i, &inst.AffectedPath)
								case 2:
									pe, err := decodeParamError(i)
									inst.ParamErrs = append(inst.ParamErrs, pe)
									return err
								}
								return nil
							})
							fail.Instances = append(fail.Instances, inst)
							return err
						}
						return nil
					})
				case 2:
					succ := &SetSuccess{}
					res.Failure, res.Success = nil, succ
					return sub(st, func(sf wire.Field) error {
						if sf.Num != 1 {
							return nil
						}
						var inst UpdatedInstanceResult
						err := sub(sf, func(i wire.Field) error {
							switch i.Num {
							case 1:
								return str(i, &inst.AffectedPath)
							case 2:
								pe, err := decodeParamError(i)
								inst.ParamErrs = append(inst.ParamErrs, pe)
								return err
							case 3:
								return wire.PutMapEntry(&inst.UpdatedParams, i)
							}
							return nil
						})
						succ.Instances = append(succ.Instances, inst)
						return err
					})
				}
				return nil
			})
		}
		return nil
	})
	return res, err
}
