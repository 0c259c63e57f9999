package datamodel

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	dynUptime     = "__UPTIME__"
	dynCurrTime   = "__CURR_TIME__"
	dynNumEntries = "__NUM_ENTRIES__"
	nextInstKey   = "__NextInstNum__"
)

func isDynamic(v string) bool {
	switch v {
	case dynUptime, dynCurrTime, dynNumEntries:
		return true
	}
	return false
}

// Persister receives every applied mutation. snapshot is the full value
// set after the mutation; changed and removed describe the delta.
type Persister interface {
	Persist(ctx context.Context, snapshot map[string]string, changed map[string]string, removed []string) error
}

type Option func(*Store)

func WithCommands(c *Commands) Option {
	return func(s *Store) { s.commands = c }
}

func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

func WithChangeBuffer(n int) Option {
	return func(s *Store) { s.changes = make(chan Change, n) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithValues overrides loaded values at construction, including read-only
// parameters such as the agent's own endpoint id.
func WithValues(values map[string]string) Option {
	return func(s *Store) {
		if s.pinned == nil {
			s.pinned = make(map[string]string, len(values))
		}
		maps.Copy(s.pinned, values)
	}
}

// Store is the in-memory data model. Values are keyed by full parameter
// path; instance counters live under hidden "__NextInstNum__" keys.
type Store struct {
	schema    *Schema
	commands  *Commands
	persister Persister
	pinned    map[string]string

	mu     sync.RWMutex
	values map[string]string

	changes chan Change
	started time.Time
	now     func() time.Time
}

var _ Backend = (*Store)(nil)

func NewStore(schema *Schema, values map[string]string, opts ...Option) *Store {
	s := &Store{
		schema:   schema,
		commands: NewCommands(),
		values:   make(map[string]string, len(values)),
		changes:  make(chan Change, 256),
		now:      time.Now,
	}
	maps.Copy(s.values, values)
	for _, opt := range opts {
		opt(s)
	}
	maps.Copy(s.values, s.pinned)
	s.started = s.now()
	return s
}

func (s *Store) Schema() *Schema { return s.schema }

func (s *Store) Commands() *Commands { return s.commands }

func (s *Store) Changes() <-chan Change { return s.changes }

// Snapshot copies every stored value, hidden keys included.
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

func (s *Store) Get(ctx context.Context, path string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if IsCommandPath(path) || !s.schema.Supports(path) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string)
	for key, val := range s.values {
		if hidden(key) || !Match(path, key) {
			continue
		}
		out[key] = s.resolveLocked(key, val)
	}
	if len(out) == 0 && !IsObjectPath(path) && !HasWildcard(path) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if len(out) == 0 && IsObjectPath(path) && !HasWildcard(path) && SchemaForm(path) != path && !s.instanceExistsLocked(path) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return out, nil
}

func (s *Store) resolveLocked(key, val string) string {
	switch val {
	case dynUptime:
		return strconv.FormatInt(int64(s.now().Sub(s.started)/time.Second), 10)
	case dynCurrTime:
		return s.now().UTC().Format(time.RFC3339)
	case dynNumEntries:
		table := strings.TrimSuffix(key, "NumberOfEntries") + "."
		return strconv.Itoa(len(s.instancesLocked(table, true)))
	}
	return val
}

func (s *Store) Set(ctx context.Context, path, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if IsObjectPath(path) || HasWildcard(path) {
		return fmt.Errorf("%w: %s is not a parameter", ErrInvalidPath, path)
	}
	def, ok := s.schema.Param(SchemaForm(path))
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	s.mu.Lock()
	cur, exists := s.values[path]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if !def.Writable {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotWritable, path)
	}
	if err := ValidateValue(def.Type, value); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", path, err)
	}
	if cur == value {
		s.mu.Unlock()
		return nil
	}
	s.values[path] = value
	s.persistLocked(ctx, map[string]string{path: value}, nil)
	s.mu.Unlock()

	s.emit(ctx, Change{Kind: ChangeValue, Path: path, Value: value, At: s.now()})
	return nil
}

func (s *Store) Add(ctx context.Context, objPath string, params map[string]string) (string, error) {
	return s.add(ctx, objPath, params, false)
}

// AddRow creates an instance of a table the agent owns. Controllers see
// such tables as read-only.
func (s *Store) AddRow(ctx context.Context, objPath string, params map[string]string) (string, error) {
	return s.add(ctx, objPath, params, true)
}

func (s *Store) add(ctx context.Context, objPath string, params map[string]string, owned bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !IsObjectPath(objPath) || HasWildcard(objPath) {
		return "", fmt.Errorf("%w: %s is not a table path", ErrInvalidPath, objPath)
	}
	tableDef := SchemaForm(objPath) + instanceMarker + "."
	obj, ok := s.schema.Object(tableDef)
	if !ok || !obj.MultiInstance {
		return "", fmt.Errorf("%w: %s is not a supported table", ErrInvalidPath, objPath)
	}
	if !obj.Writable && !owned {
		return "", fmt.Errorf("%w: %s", ErrNotWritable, objPath)
	}

	defs := s.schema.InstanceParams(tableDef)
	known := make(map[string]ParamDef, len(defs))
	for _, def := range defs {
		known[Relative(tableDef, def.Path)] = def
	}
	for name, val := range params {
		def, ok := known[name]
		if !ok {
			return "", fmt.Errorf("%w: unknown parameter %s%s", ErrValidation, objPath, name)
		}
		if err := ValidateValue(def.Type, val); err != nil {
			return "", fmt.Errorf("%s%s: %w", objPath, name, err)
		}
	}

	s.mu.Lock()
	if parent := Parent(objPath); SchemaForm(parent) != parent && !s.instanceExistsLocked(parent) {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, parent)
	}
	created := make(map[string]string, len(defs)+1)
	for rel, def := range known {
		val, ok := params[rel]
		if !ok {
			val = def.Default
		}
		if val == dynCurrTime {
			val = s.now().UTC().Format(time.RFC3339)
		}
		created[rel] = val
	}
	if err := s.checkUniqueLocked(objPath, obj.UniqueKeys, created); err != nil {
		s.mu.Unlock()
		return "", err
	}

	num := s.nextInstanceLocked(objPath)
	inst := objPath + strconv.Itoa(num) + "."
	changed := make(map[string]string, len(created)+1)
	for rel, val := range created {
		s.values[inst+rel] = val
		changed[inst+rel] = val
	}
	counter := objPath + nextInstKey
	s.values[counter] = strconv.Itoa(num + 1)
	changed[counter] = s.values[counter]
	keys := s.uniqueKeysLocked(inst, obj.UniqueKeys)
	s.persistLocked(ctx, changed, nil)
	s.mu.Unlock()

	log.Debug().Str("path", inst).Msg("datamodel instance created")
	s.emit(ctx, Change{Kind: ChangeObjectCreated, Path: inst, UniqueKeys: keys, At: s.now()})
	return inst, nil
}

func (s *Store) Delete(ctx context.Context, objPath string) error {
	return s.delete(ctx, objPath, false)
}

// DeleteRow removes an instance created by AddRow.
func (s *Store) DeleteRow(ctx context.Context, instPath string) error {
	return s.delete(ctx, instPath, true)
}

func (s *Store) delete(ctx context.Context, objPath string, owned bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !IsObjectPath(objPath) || HasWildcard(objPath) {
		return fmt.Errorf("%w: %s is not an instance path", ErrInvalidPath, objPath)
	}
	obj, ok := s.schema.Object(SchemaForm(objPath))
	if !ok || !obj.MultiInstance {
		return fmt.Errorf("%w: %s is not a table instance", ErrInvalidPath, objPath)
	}
	if !obj.Writable && !owned {
		return fmt.Errorf("%w: %s", ErrNotWritable, objPath)
	}
	s.mu.Lock()
	var removed []string
	for key := range s.values {
		if strings.HasPrefix(key, objPath) {
			removed = append(removed, key)
		}
	}
	if len(removed) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, objPath)
	}
	for _, key := range removed {
		delete(s.values, key)
	}
	sort.Strings(removed)
	s.persistLocked(ctx, nil, removed)
	s.mu.Unlock()

	log.Debug().Str("path", objPath).Int("params", len(removed)).Msg("datamodel instance deleted")
	s.emit(ctx, Change{Kind: ChangeObjectDeleted, Path: objPath, At: s.now()})
	return nil
}

func (s *Store) Operate(ctx context.Context, command string, args map[string]string) (map[string]string, error) {
	if !IsCommandPath(command) {
		return nil, fmt.Errorf("%w: %s is not a command", ErrInvalidPath, command)
	}
	cmd, ok := s.commands.Resolve(command)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported command %s", ErrInvalidPath, command)
	}
	if obj := Parent(command); SchemaForm(obj) != obj {
		s.mu.RLock()
		exists := s.instanceExistsLocked(obj)
		s.mu.RUnlock()
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, obj)
		}
	}
	out, err := cmd.Run(ctx, command, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOperation, command, err)
	}
	return out, nil
}

func (s *Store) Instances(ctx context.Context, objPath string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !IsObjectPath(objPath) || !s.schema.Supports(objPath) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPath, objPath)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instancesLocked(objPath, false), nil
}

// UniqueKeys returns the unique-key parameters of an instance.
func (s *Store) UniqueKeys(instPath string) map[string]string {
	obj, ok := s.schema.Object(SchemaForm(instPath))
	if !ok {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uniqueKeysLocked(instPath, obj.UniqueKeys)
}

// instancesLocked walks stored keys below objPath and collects every
// instance object path. firstLevel keeps only instances one table deep.
func (s *Store) instancesLocked(objPath string, firstLevel bool) []string {
	base := len(segments(objPath))
	seen := make(map[string]struct{})
	for key := range s.values {
		if !Match(objPath, key) {
			continue
		}
		segs := segments(key)
		depth := 0
		for i := base; i < len(segs)-1; i++ {
			if !isInstance(segs[i]) {
				continue
			}
			depth++
			if firstLevel && depth > 1 {
				break
			}
			seen[strings.Join(segs[:i+1], ".")+"."] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return lessPath(out[i], out[j]) })
	return out
}

func (s *Store) instanceExistsLocked(instPath string) bool {
	for key := range s.values {
		if strings.HasPrefix(key, instPath) {
			return true
		}
	}
	return false
}

func (s *Store) nextInstanceLocked(objPath string) int {
	if v, ok := s.values[objPath+nextInstKey]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	next := 1
	for _, inst := range s.instancesLocked(objPath, true) {
		segs := segments(inst)
		if n, err := strconv.Atoi(segs[len(segs)-1]); err == nil && n >= next {
			next = n + 1
		}
	}
	return next
}

func (s *Store) uniqueKeysLocked(instPath string, keys []string) map[string]string {
	if len(keys) == 0 {
		return nil
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := s.values[instPath+k]; ok {
			out[k] = v
		}
	}
	return out
}

func (s *Store) checkUniqueLocked(objPath string, keys []string, created map[string]string) error {
	for _, k := range keys {
		val := created[k]
		if val == "" {
			continue
		}
		for _, inst := range s.instancesLocked(objPath, true) {
			if s.values[inst+k] == val {
				return fmt.Errorf("%w: unique key %s=%q already used by %s", ErrValidation, k, val, inst)
			}
		}
	}
	return nil
}

func (s *Store) persistLocked(ctx context.Context, changed map[string]string, removed []string) {
	if s.persister == nil {
		return
	}
	if err := s.persister.Persist(ctx, maps.Clone(s.values), changed, removed); err != nil {
		log.Error().Err(err).Msg("datamodel persist failed")
	}
}

func (s *Store) emit(ctx context.Context, ch Change) {
	select {
	case s.changes <- ch:
	case <-ctx.Done():
		log.Warn().Str("path", ch.Path).Str("kind", ch.Kind.String()).Msg("datamodel change dropped on cancelled context")
	}
}
