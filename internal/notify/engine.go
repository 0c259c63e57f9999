// Package notify holds the subscription table and turns data-model
// changes, events and completed operations into Notify messages.
package notify

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/uspagent/internal/datamodel"
	"github.com/danmuck/uspagent/internal/delivery"
	"github.com/danmuck/uspagent/internal/observability"
	"github.com/danmuck/uspagent/internal/protocol/message"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	SubscriptionTable = "Device.LocalAgent.Subscription."
	ControllerTable   = "Device.LocalAgent.Controller."

	msgIDPrefix = "notify-"
)

// Sender delivers one message to a peer endpoint.
type Sender interface {
	SendMsg(peer string, m message.Msg) error
}

type Config struct {
	// PeriodicInterval applies when the recipient controller has no
	// PeriodicNotifInterval.
	PeriodicInterval time.Duration
	PeriodicTick     time.Duration
	LookupTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		PeriodicInterval: 24 * time.Hour,
		PeriodicTick:     time.Second,
		LookupTimeout:    2 * time.Second,
	}
}

type Engine struct {
	cfg        Config
	backend    datamodel.Backend
	out        Sender
	supervisor *delivery.Supervisor

	mu   sync.RWMutex
	subs table

	periodicMu   sync.Mutex
	lastPeriodic map[string]time.Time

	now func() time.Time
}

func New(cfg Config, backend datamodel.Backend, out Sender, supervisor *delivery.Supervisor) *Engine {
	def := DefaultConfig()
	if cfg.PeriodicInterval <= 0 {
		cfg.PeriodicInterval = def.PeriodicInterval
	}
	if cfg.PeriodicTick <= 0 {
		cfg.PeriodicTick = def.PeriodicTick
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	return &Engine{
		cfg:          cfg,
		backend:      backend,
		out:          out,
		supervisor:   supervisor,
		subs:         table{},
		lastPeriodic: make(map[string]time.Time),
		now:          time.Now,
	}
}

// Load replaces the table with the enabled subscriptions found in the
// data model.
func (e *Engine) Load(ctx context.Context) error {
	insts, err := e.backend.Instances(ctx, SubscriptionTable)
	if err != nil {
		return err
	}
	next := table{}
	for _, inst := range insts {
		sub, ok := e.read(ctx, inst)
		if !ok {
			continue
		}
		if !sub.Enable {
			log.Info().Str("subscription", inst).Msg("notify subscription disabled; skipped")
			continue
		}
		next[inst] = sub
	}
	e.mu.Lock()
	e.subs = next
	e.mu.Unlock()
	log.Info().Int("subscriptions", len(next)).Msg("notify subscription table loaded")
	return nil
}

func (e *Engine) read(ctx context.Context, inst string) (Subscription, bool) {
	values, err := e.backend.Get(ctx, inst)
	if err != nil {
		log.Warn().Err(err).Str("subscription", inst).Msg("notify subscription read failed")
		return Subscription{}, false
	}
	sub, err := parseSubscription(inst, values, e.now())
	if err != nil {
		log.Warn().Err(err).Str("subscription", inst).Msg("notify subscription invalid; skipped")
		return Subscription{}, false
	}
	return sub, true
}

// SubscriptionChanged applies one mutation of the subscription table.
func (e *Engine) SubscriptionChanged(ctx context.Context, instPath string, deleted bool) {
	if deleted {
		e.remove(instPath)
		return
	}
	sub, ok := e.read(ctx, instPath)
	if !ok || !sub.Enable {
		e.remove(instPath)
		return
	}
	e.mu.Lock()
	e.subs = e.subs.with(sub)
	e.mu.Unlock()
	log.Debug().Str("subscription", instPath).Str("id", sub.ID).Str("notif_type", string(sub.NotifType)).Msg("notify subscription applied")
}

func (e *Engine) remove(paths ...string) {
	e.mu.Lock()
	e.subs = e.subs.without(paths...)
	e.mu.Unlock()
	e.periodicMu.Lock()
	for _, p := range paths {
		delete(e.lastPeriodic, p)
	}
	e.periodicMu.Unlock()
}

// Subscriptions returns the current table ordered by instance path.
func (e *Engine) Subscriptions() []Subscription {
	snap := e.snapshot()
	out := make([]Subscription, 0, len(snap))
	for _, s := range snap {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (e *Engine) snapshot() table {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.subs
}

// active returns the live subscriptions of kind accepted by match.
// Expired entries are skipped here and removed by Sweep.
func (e *Engine) active(match func(Subscription) bool) []Subscription {
	now := e.now()
	var out []Subscription
	for _, sub := range e.snapshot() {
		if !sub.Enable || sub.Expired(now) {
			continue
		}
		if match(sub) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// HandleChange notifies every subscription interested in ch.
func (e *Engine) HandleChange(ch datamodel.Change) {
	var want NotifType
	switch ch.Kind {
	case datamodel.ChangeValue:
		want = NotifValueChange
	case datamodel.ChangeObjectCreated:
		want = NotifObjectCreation
	case datamodel.ChangeObjectDeleted:
		want = NotifObjectDeletion
	default:
		return
	}
	for _, sub := range e.active(func(s Subscription) bool {
		return s.NotifType == want && s.References(ch.Path)
	}) {
		n := &message.Notify{}
		switch want {
		case NotifValueChange:
			n.ValueChange = &message.ValueChange{ParamPath: ch.Path, ParamValue: ch.Value}
		case NotifObjectCreation:
			n.ObjCreation = &message.ObjectCreation{ObjPath: ch.Path, UniqueKeys: ch.UniqueKeys}
		case NotifObjectDeletion:
			n.ObjDeletion = &message.ObjectDeletion{ObjPath: ch.Path}
		}
		e.send(sub, n)
	}
}

// FireEvent notifies Event subscriptions referencing objPath+name.
func (e *Engine) FireEvent(objPath, name string, params map[string]string) {
	event := objPath + name
	for _, sub := range e.active(func(s Subscription) bool {
		return s.NotifType == NotifEvent && s.References(event)
	}) {
		e.send(sub, &message.Notify{Event: &message.Event{ObjPath: objPath, EventName: name, Params: params}})
	}
}

// OperationComplete reports an async command result to subscribers of
// the command.
func (e *Engine) OperationComplete(command, commandKey string, out map[string]string, err error) {
	oc := &message.OperationComplete{
		ObjPath:     datamodel.Parent(command),
		CommandName: strings.TrimPrefix(command, datamodel.Parent(command)),
		CommandKey:  commandKey,
	}
	if err != nil {
		oc.Failure = &message.OperFailure{ErrCode: message.ErrCodeCommandFailure, ErrMsg: err.Error()}
	} else {
		if out == nil {
			out = map[string]string{}
		}
		oc.OutputArgs = out
	}
	for _, sub := range e.active(func(s Subscription) bool {
		return s.NotifType == NotifOperationComplete && s.References(command)
	}) {
		copied := *oc
		e.send(sub, &message.Notify{OperComplete: &copied})
	}
}

// Boot emits Boot! to Boot subscriptions and to Event subscriptions
// referencing Device.Boot!. A Boot subscription's ReferenceList names the
// parameters reported in ParameterMap.
func (e *Engine) Boot(ctx context.Context, cause string) {
	if cause == "" {
		cause = "LocalReboot"
	}
	event := bootEventPath + BootEvent
	for _, sub := range e.active(func(s Subscription) bool {
		return s.NotifType == NotifBoot || (s.NotifType == NotifEvent && s.References(event))
	}) {
		paramMap := map[string]string{}
		if sub.NotifType == NotifBoot {
			paramMap = e.collect(ctx, sub.ReferenceList)
		}
		encoded, err := json.Marshal(paramMap)
		if err != nil {
			encoded = []byte("{}")
		}
		e.send(sub, &message.Notify{Event: &message.Event{
			ObjPath:   bootEventPath,
			EventName: BootEvent,
			Params: map[string]string{
				"CommandKey":      "",
				"Cause":           cause,
				"FirmwareUpdated": "false",
				"ParameterMap":    string(encoded),
			},
		}})
	}
}

func (e *Engine) collect(ctx context.Context, refs []string) map[string]string {
	out := make(map[string]string)
	for _, ref := range refs {
		lctx, cancel := context.WithTimeout(ctx, e.cfg.LookupTimeout)
		values, err := e.backend.Get(lctx, ref)
		cancel()
		if err != nil {
			log.Debug().Err(err).Str("path", ref).Msg("notify boot parameter unavailable")
			continue
		}
		for k, v := range values {
			out[k] = v
		}
	}
	return out
}

// Periodic emits Periodic! for every due Periodic subscription.
func (e *Engine) Periodic(ctx context.Context) {
	now := e.now()
	event := periodicEventPath + PeriodicEvent
	for _, sub := range e.active(func(s Subscription) bool {
		return s.NotifType == NotifPeriodic || (s.NotifType == NotifEvent && s.References(event))
	}) {
		interval := e.periodicInterval(ctx, sub)
		e.periodicMu.Lock()
		last, seen := e.lastPeriodic[sub.Path]
		if !seen {
			e.lastPeriodic[sub.Path] = now
			e.periodicMu.Unlock()
			continue
		}
		due := now.Sub(last) >= interval
		if due {
			e.lastPeriodic[sub.Path] = now
		}
		e.periodicMu.Unlock()
		if due {
			e.send(sub, &message.Notify{Event: &message.Event{ObjPath: periodicEventPath, EventName: PeriodicEvent}})
		}
	}
}

func (e *Engine) periodicInterval(ctx context.Context, sub Subscription) time.Duration {
	if !strings.HasPrefix(sub.Recipient, ControllerTable) {
		return e.cfg.PeriodicInterval
	}
	path := controllerPath(sub.Recipient) + "PeriodicNotifInterval"
	if v, ok := e.lookup(ctx, path); ok {
		if secs, err := strconv.ParseUint(v, 10, 32); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return e.cfg.PeriodicInterval
}

// Sweep removes expired subscriptions from the table and from the data
// model. It returns the removed instance paths.
func (e *Engine) Sweep(ctx context.Context, now time.Time) []string {
	var expired []string
	for path, sub := range e.snapshot() {
		if sub.Expired(now) {
			expired = append(expired, path)
		}
	}
	if len(expired) == 0 {
		return nil
	}
	sort.Strings(expired)
	e.remove(expired...)
	for _, path := range expired {
		if err := e.backend.Delete(ctx, path); err != nil {
			log.Warn().Err(err).Str("subscription", path).Msg("notify expired subscription delete failed")
		}
	}
	log.Info().Strs("subscriptions", expired).Msg("notify expired subscriptions removed")
	return expired
}

// Run consumes data-model changes and drives Periodic! until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PeriodicTick)
	defer ticker.Stop()
	changes := e.backend.Changes()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			e.HandleChange(ch)
		case <-ticker.C:
			e.Periodic(ctx)
		}
	}
}

// Recipient resolves the endpoint id a subscription notifies. Recipient
// is either a Controller table reference or an endpoint id.
func (e *Engine) Recipient(ctx context.Context, sub Subscription) (string, bool) {
	if !strings.HasPrefix(sub.Recipient, ControllerTable) {
		return sub.Recipient, sub.Recipient != ""
	}
	base := controllerPath(sub.Recipient)
	if enabled, ok := e.lookup(ctx, base+"Enable"); ok && !datamodel.ParseBool(enabled) {
		return "", false
	}
	id, ok := e.lookup(ctx, base+"EndpointID")
	return id, ok && id != ""
}

func (e *Engine) lookup(ctx context.Context, path string) (string, bool) {
	lctx, cancel := context.WithTimeout(ctx, e.cfg.LookupTimeout)
	defer cancel()
	values, err := e.backend.Get(lctx, path)
	if err != nil {
		return "", false
	}
	v, ok := values[path]
	return v, ok
}

func (e *Engine) send(sub Subscription, n *message.Notify) {
	peer, ok := e.Recipient(context.Background(), sub)
	if !ok {
		log.Warn().Str("subscription", sub.Path).Str("recipient", sub.Recipient).Msg("notify recipient unresolved; dropped")
		return
	}
	n.SubscriptionID = sub.ID
	n.SendResp = sub.NotifRetry
	msg := message.NewRequest(msgIDPrefix+uuid.NewString(), &message.Request{Notify: n})
	observability.RecordNotification(string(sub.NotifType), sub.NotifRetry)

	send := func() error { return e.out.SendMsg(peer, msg) }
	if !sub.NotifRetry || e.supervisor == nil {
		if err := send(); err != nil {
			log.Warn().Err(err).Str("peer", peer).Str("msg_id", msg.Header.MsgID).Msg("notify send failed")
		}
		return
	}
	if _, err := e.supervisor.Track(delivery.Pending{
		ID:   msg.Header.MsgID,
		Peer: peer,
		Kind: delivery.KindNotification,
	}, send); err != nil {
		log.Warn().Err(err).Str("peer", peer).Str("msg_id", msg.Header.MsgID).Msg("notify track failed")
		return
	}
	log.Debug().Str("peer", peer).Str("msg_id", msg.Header.MsgID).Str("subscription", sub.ID).Msg("notify tracked")
}

func controllerPath(ref string) string {
	if !strings.HasSuffix(ref, ".") {
		ref += "."
	}
	return ref
}
