package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/uspagent/internal/datamodel"
	"github.com/danmuck/uspagent/internal/protocol/message"
	"github.com/rs/zerolog/log"
)

// SubscriptionTable is the data-model table whose mutations are routed to
// the Notifier.
const SubscriptionTable = "Device.LocalAgent.Subscription."

const requestTable = "Device.LocalAgent.Request."

type uniqueKeyer interface {
	UniqueKeys(instPath string) map[string]string
}

type commandCatalog interface {
	Commands() *datamodel.Commands
}

// requestRows is implemented by backends that track async commands as
// rows of the request table.
type requestRows interface {
	AddRow(ctx context.Context, objPath string, params map[string]string) (string, error)
	DeleteRow(ctx context.Context, instPath string) error
}

// handle executes a validated request. ok is false when no response is
// to be sent.
func (d *Dispatcher) handle(ctx context.Context, m message.Msg) (message.Msg, bool) {
	id := m.Header.MsgID
	req := m.Request
	var (
		resp *message.Response
		err  error
	)
	switch {
	case req.Get != nil:
		resp, err = d.handleGet(ctx, req.Get)
	case req.Set != nil:
		return d.handleSet(ctx, id, req.Set), true
	case req.Add != nil:
		return d.handleAdd(ctx, id, req.Add), true
	case req.Delete != nil:
		return d.handleDelete(ctx, id, req.Delete), true
	case req.Operate != nil:
		resp, err = d.handleOperate(ctx, req.Operate)
		if err == nil && !req.Operate.SendResp {
			return message.Msg{}, false
		}
	case req.GetInstances != nil:
		resp, err = d.handleGetInstances(ctx, req.GetInstances)
	case req.GetSupportedProtocol != nil:
		resp = &message.Response{GetSupportedProtocolResp: &message.GetSupportedProtocolResp{AgentVersions: d.cfg.AgentVersions}}
	case req.GetSupportedDM != nil:
		err = ProtocolError{Code: message.ErrCodeNotSupported, Message: "GetSupportedDM is not supported"}
	default:
		err = ProtocolError{Code: message.ErrCodeNotSupported, Message: fmt.Sprintf("unsupported request %s", m.Header.MsgType)}
	}
	if err != nil {
		return errorMsg(id, err), true
	}
	return message.NewResponse(id, resp), true
}

func (d *Dispatcher) handleGet(ctx context.Context, get *message.Get) (*message.Response, error) {
	out := &message.GetResp{Results: make([]message.RequestedPathResult, 0, len(get.ParamPaths))}
	for _, path := range get.ParamPaths {
		res := message.RequestedPathResult{RequestedPath: path}
		values, err := d.backend.Get(ctx, path)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			pe := AsProtocolError(err)
			res.ErrCode, res.ErrMsg = pe.Code, pe.Message
			out.Results = append(out.Results, res)
			continue
		}
		res.Resolved = groupResolved(path, values, get.MaxDepth)
		out.Results = append(out.Results, res)
	}
	return &message.Response{GetResp: out}, nil
}

// groupResolved groups full parameter paths by their object and names the
// parameters relative to it.
func groupResolved(requested string, values map[string]string, maxDepth uint32) []message.ResolvedPathResult {
	groups := make(map[string]map[string]string)
	base := depth(requested)
	for path, val := range values {
		obj := datamodel.Parent(path)
		if maxDepth > 0 && datamodel.IsObjectPath(requested) && uint32(depth(obj)-base) >= maxDepth {
			continue
		}
		g, ok := groups[obj]
		if !ok {
			g = make(map[string]string)
			groups[obj] = g
		}
		g[datamodel.Relative(obj, path)] = val
	}
	objs := make([]string, 0, len(groups))
	for obj := range groups {
		objs = append(objs, obj)
	}
	sort.Strings(objs)
	out := make([]message.ResolvedPathResult, 0, len(objs))
	for _, obj := range objs {
		out = append(out, message.ResolvedPathResult{ResolvedPath: obj, Params: groups[obj]})
	}
	return out
}

// affectedObjects expands an object path, possibly wildcarded, into the
// existing objects it addresses.
func (d *Dispatcher) affectedObjects(ctx context.Context, objPath string) ([]string, error) {
	values, err := d.backend.Get(ctx, objPath)
	if err != nil {
		return nil, err
	}
	n := depth(objPath)
	seen := make(map[string]struct{})
	for path := range values {
		if depth(datamodel.Parent(path)) < n {
			continue
		}
		seen[truncate(path, n)] = struct{}{}
	}
	if len(seen) == 0 && !datamodel.HasWildcard(objPath) {
		seen[objPath] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for obj := range seen {
		out = append(out, obj)
	}
	sort.Strings(out)
	return out, nil
}

type appliedValue struct {
	path string
	old  string
}

func (d *Dispatcher) handleSet(ctx context.Context, msgID string, set *message.Set) message.Msg {
	resp := &message.SetResp{Results: make([]message.UpdatedObjectResult, 0, len(set.Objects))}
	var (
		applied   []appliedValue
		touched   []string
		failErrs  []message.ParamError
		failErr   error
		firstCode uint32
	)
	for _, obj := range set.Objects {
		res := message.UpdatedObjectResult{RequestedPath: obj.ObjPath}
		objs, err := d.affectedObjects(ctx, obj.ObjPath)
		if err != nil {
			pe := AsProtocolError(err)
			res.Failure = &message.SetFailure{ErrCode: pe.Code, ErrMsg: pe.Message}
			if !set.AllowPartial {
				failErr = err
				break
			}
			resp.Results = append(resp.Results, res)
			continue
		}

		var success message.SetSuccess
		var failure *message.SetFailure
		for _, inst := range objs {
			updated := make(map[string]string)
			var paramErrs []message.ParamError
			requiredFailed := false
			for _, ps := range obj.Params {
				full := inst + ps.Param
				old, _ := d.currentValue(ctx, full)
				if err := d.backend.Set(ctx, full, ps.Value); err != nil {
					pe := AsProtocolError(err)
					paramErrs = append(paramErrs, message.ParamError{Param: full, ErrCode: pe.Code, ErrMsg: pe.Message})
					if ps.Required {
						requiredFailed = true
						if firstCode == 0 {
							firstCode = pe.Code
						}
					}
					continue
				}
				applied = append(applied, appliedValue{path: full, old: old})
				updated[ps.Param] = ps.Value
			}
			if strings.HasPrefix(inst, SubscriptionTable) && len(updated) > 0 {
				touched = append(touched, inst)
			}
			if requiredFailed {
				if failure == nil {
					failure = &message.SetFailure{ErrCode: firstCode, ErrMsg: "required parameter failed"}
				}
				failure.Instances = append(failure.Instances, message.UpdatedInstanceFailure{AffectedPath: inst, ParamErrs: paramErrs})
				failErrs = append(failErrs, paramErrs...)
				continue
			}
			success.Instances = append(success.Instances, message.UpdatedInstanceResult{
				AffectedPath:  inst,
				ParamErrs:     paramErrs,
				UpdatedParams: updated,
			})
		}
		if failure != nil {
			res.Failure = failure
			if !set.AllowPartial {
				failErr = ProtocolError{Code: failure.ErrCode, Message: failure.ErrMsg}
				break
			}
		} else {
			res.Success = &success
		}
		resp.Results = append(resp.Results, res)
	}

	if failErr != nil {
		d.revert(applied)
		return errorMsg(msgID, failErr, failErrs...)
	}
	for _, inst := range dedupStrings(touched) {
		d.subscriptionChanged(ctx, instanceOf(inst), false)
	}
	return message.NewResponse(msgID, &message.Response{SetResp: resp})
}

func (d *Dispatcher) currentValue(ctx context.Context, path string) (string, bool) {
	values, err := d.backend.Get(ctx, path)
	if err != nil {
		return "", false
	}
	v, ok := values[path]
	return v, ok
}

// revert restores values applied by a Set that failed as a whole.
func (d *Dispatcher) revert(applied []appliedValue) {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.OperationTimeout)
	defer cancel()
	for i := len(applied) - 1; i >= 0; i-- {
		a := applied[i]
		if err := d.backend.Set(ctx, a.path, a.old); err != nil {
			log.Error().Err(err).Str("path", a.path).Msg("dispatch set rollback failed")
		}
	}
}

func (d *Dispatcher) handleAdd(ctx context.Context, msgID string, add *message.Add) message.Msg {
	resp := &message.AddResp{Results: make([]message.CreatedObjectResult, 0, len(add.Objects))}
	var created []string
	for _, obj := range add.Objects {
		res := message.CreatedObjectResult{RequestedPath: obj.ObjPath}
		params := make(map[string]string, len(obj.Params))
		for _, ps := range obj.Params {
			params[ps.Param] = ps.Value
		}
		inst, err := d.backend.Add(ctx, obj.ObjPath, params)
		if err != nil {
			if !add.AllowPartial {
				d.rollbackAdds(created)
				pe := AsProtocolError(err)
				return message.NewError(msgID, pe.Code, pe.Message, message.ParamError{Param: obj.ObjPath, ErrCode: pe.Code, ErrMsg: pe.Message})
			}
			pe := AsProtocolError(err)
			res.Failure = &message.OperFailure{ErrCode: pe.Code, ErrMsg: pe.Message}
			resp.Results = append(resp.Results, res)
			continue
		}
		created = append(created, inst)
		success := &message.AddSuccess{InstantiatedPath: inst}
		if uk, ok := d.backend.(uniqueKeyer); ok {
			success.UniqueKeys = uk.UniqueKeys(inst)
		}
		res.Success = success
		resp.Results = append(resp.Results, res)
	}
	for _, inst := range created {
		if strings.HasPrefix(inst, SubscriptionTable) {
			d.subscriptionChanged(ctx, inst, false)
		}
	}
	return message.NewResponse(msgID, &message.Response{AddResp: resp})
}

func (d *Dispatcher) rollbackAdds(created []string) {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.OperationTimeout)
	defer cancel()
	for _, inst := range created {
		if err := d.backend.Delete(ctx, inst); err != nil {
			log.Error().Err(err).Str("path", inst).Msg("dispatch add rollback failed")
		}
	}
}

func (d *Dispatcher) handleDelete(ctx context.Context, msgID string, del *message.Delete) message.Msg {
	resp := &message.DeleteResp{Results: make([]message.DeletedObjectResult, 0, len(del.ObjPaths))}
	var removed []string
	for _, objPath := range del.ObjPaths {
		res := message.DeletedObjectResult{RequestedPath: objPath}
		objs, err := d.affectedObjects(ctx, objPath)
		if errors.Is(err, datamodel.ErrNotFound) {
			res.Success = &message.DeleteSuccess{}
			resp.Results = append(resp.Results, res)
			continue
		}
		if err != nil {
			if !del.AllowPartial {
				return errorMsg(msgID, err)
			}
			pe := AsProtocolError(err)
			res.Failure = &message.OperFailure{ErrCode: pe.Code, ErrMsg: pe.Message}
			resp.Results = append(resp.Results, res)
			continue
		}
		success := &message.DeleteSuccess{}
		for _, inst := range objs {
			err := d.backend.Delete(ctx, inst)
			switch {
			case err == nil:
				success.AffectedPaths = append(success.AffectedPaths, inst)
				removed = append(removed, inst)
			case errors.Is(err, datamodel.ErrNotFound):
			default:
				if !del.AllowPartial {
					d.notifyRemoved(ctx, removed)
					return errorMsg(msgID, err)
				}
				pe := AsProtocolError(err)
				success.Unaffected = append(success.Unaffected, message.ParamError{Param: inst, ErrCode: pe.Code, ErrMsg: pe.Message})
			}
		}
		res.Success = success
		resp.Results = append(resp.Results, res)
	}
	d.notifyRemoved(ctx, removed)
	return message.NewResponse(msgID, &message.Response{DeleteResp: resp})
}

func (d *Dispatcher) notifyRemoved(ctx context.Context, removed []string) {
	for _, inst := range removed {
		if strings.HasPrefix(inst, SubscriptionTable) {
			d.subscriptionChanged(ctx, inst, true)
		}
	}
}

func (d *Dispatcher) handleOperate(ctx context.Context, op *message.Operate) (*message.Response, error) {
	result := message.OperationResult{ExecutedCommand: op.Command}
	if d.isAsync(op.Command) {
		result.ReqObjPath = d.startAsync(ctx, op)
		return &message.Response{OperateResp: &message.OperateResp{Results: []message.OperationResult{result}}}, nil
	}
	out, err := d.backend.Operate(ctx, op.Command, op.InputArgs)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, datamodel.ErrInvalidPath) || errors.Is(err, datamodel.ErrNotFound) {
			return nil, err
		}
		pe := AsProtocolError(err)
		result.Failure = &message.OperFailure{ErrCode: pe.Code, ErrMsg: pe.Message}
	} else {
		if out == nil {
			out = map[string]string{}
		}
		result.OutputArgs = out
	}
	return &message.Response{OperateResp: &message.OperateResp{Results: []message.OperationResult{result}}}, nil
}

func (d *Dispatcher) isAsync(command string) bool {
	cat, ok := d.backend.(commandCatalog)
	if !ok {
		return false
	}
	cmd, ok := cat.Commands().Resolve(command)
	return ok && cmd.Async
}

// startAsync runs an async command in the background and returns the
// request object path reported to the controller. The request row lives
// until the command finishes or AsyncOperationTimeout expires.
func (d *Dispatcher) startAsync(ctx context.Context, op *message.Operate) string {
	command, key, args := op.Command, op.CommandKey, op.InputArgs
	reqPath := d.addRequest(ctx, command, key)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		out, err := d.runAsync(command, args)
		log.Debug().Err(err).Str("command", command).Str("request", reqPath).Msg("dispatch async operation finished")
		d.removeRequest(reqPath)
		if d.notifier != nil {
			d.notifier.OperationComplete(command, key, out, err)
		}
	}()
	return reqPath
}

type asyncResult struct {
	out map[string]string
	err error
}

// runAsync waits for the command or its deadline, whichever comes first.
// A command that ignores its context keeps running detached.
func (d *Dispatcher) runAsync(command string, args map[string]string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.AsyncOperationTimeout)
	defer cancel()
	done := make(chan asyncResult, 1)
	go func() {
		out, err := d.backend.Operate(ctx, command, args)
		done <- asyncResult{out: out, err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", command, context.DeadlineExceeded)
		}
		return r.out, r.err
	case <-ctx.Done():
		log.Warn().Str("command", command).Dur("timeout", d.cfg.AsyncOperationTimeout).Msg("dispatch async operation timed out")
		return nil, fmt.Errorf("%s: %w", command, ctx.Err())
	}
}

func (d *Dispatcher) addRequest(ctx context.Context, command, key string) string {
	if rows, ok := d.backend.(requestRows); ok {
		inst, err := rows.AddRow(ctx, requestTable, map[string]string{
			"Command":    command,
			"CommandKey": key,
			"Status":     "Active",
		})
		if err == nil {
			return inst
		}
		log.Warn().Err(err).Str("command", command).Msg("dispatch request row not created")
	}
	d.reqMu.Lock()
	defer d.reqMu.Unlock()
	d.nextReq++
	return fmt.Sprintf("%s%d.", requestTable, d.nextReq)
}

func (d *Dispatcher) removeRequest(reqPath string) {
	rows, ok := d.backend.(requestRows)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.OperationTimeout)
	defer cancel()
	if err := rows.DeleteRow(ctx, reqPath); err != nil && !errors.Is(err, datamodel.ErrNotFound) {
		log.Warn().Err(err).Str("request", reqPath).Msg("dispatch request row not removed")
	}
}

func (d *Dispatcher) handleGetInstances(ctx context.Context, gi *message.GetInstances) (*message.Response, error) {
	out := &message.GetInstancesResp{Results: make([]message.InstancesPathResult, 0, len(gi.ObjPaths))}
	uk, hasKeys := d.backend.(uniqueKeyer)
	for _, objPath := range gi.ObjPaths {
		res := message.InstancesPathResult{RequestedPath: objPath}
		insts, err := d.backend.Instances(ctx, objPath)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			pe := AsProtocolError(err)
			res.ErrCode, res.ErrMsg = pe.Code, pe.Message
			out.Results = append(out.Results, res)
			continue
		}
		base := depth(objPath)
		for _, inst := range insts {
			if gi.FirstLevelOnly && depth(inst) != base+1 {
				continue
			}
			ci := message.CurrentInstance{InstantiatedPath: inst}
			if hasKeys {
				ci.UniqueKeys = uk.UniqueKeys(inst)
			}
			res.Instances = append(res.Instances, ci)
		}
		out.Results = append(out.Results, res)
	}
	return &message.Response{GetInstancesResp: out}, nil
}

func (d *Dispatcher) subscriptionChanged(ctx context.Context, inst string, deleted bool) {
	if d.notifier == nil {
		return
	}
	d.notifier.SubscriptionChanged(ctx, inst, deleted)
}

func depth(p string) int {
	p = strings.TrimSuffix(p, ".")
	if p == "" {
		return 0
	}
	return strings.Count(p, ".") + 1
}

// truncate keeps the first n segments of p as an object path.
func truncate(p string, n int) string {
	segs := strings.Split(strings.TrimSuffix(p, "."), ".")
	if n > len(segs) {
		n = len(segs)
	}
	return strings.Join(segs[:n], ".") + "."
}

// instanceOf returns the subscription instance containing p.
func instanceOf(p string) string {
	return truncate(p, depth(SubscriptionTable)+1)
}

func dedupStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
