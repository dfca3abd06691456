package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Procedure serves a remote procedure call on a MemoryStore.
type Procedure func(ctx context.Context, payload json.RawMessage) (any, error)

// MemoryStore is an in-process Store. Snapshots are delivered on the
// goroutine that performed the write or the subscribe.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]Fields
	subs        map[int]*memorySub
	nextSub     int
	procedures  map[string]Procedure
	failOpen    map[string]error
	lastAppend  map[string]time.Time
	now         func() time.Time
}

type memorySub struct {
	view       *View
	onSnapshot SnapshotHandler
	onError    ErrorHandler

	mu        sync.Mutex
	seq       uint64
	delivered uint64
	closed    bool
}

type delivery struct {
	sub  *memorySub
	seq  uint64
	snap Snapshot
}

type MemoryOption func(*MemoryStore)

// WithClock replaces the clock used for server timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		collections: make(map[string]map[string]Fields),
		subs:        make(map[int]*memorySub),
		procedures:  make(map[string]Procedure),
		failOpen:    make(map[string]error),
		lastAppend:  make(map[string]time.Time),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Read(_ context.Context, collection, id string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields, ok := s.collections[collection][id]
	if !ok {
		return Record{}, false, nil
	}
	return Record{ID: id, Fields: Merge(nil, fields)}, true, nil
}

func (s *MemoryStore) UpsertMerge(ctx context.Context, collection, id string, fields Fields) error {
	return s.Transact(ctx, collection, id, func(Fields, bool) (Fields, error) {
		return fields, nil
	})
}

func (s *MemoryStore) Transact(ctx context.Context, collection, id string, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	current, exists := s.collections[collection][id]
	patch, err := fn(Merge(nil, current), exists)
	if err != nil || patch == nil {
		s.mu.Unlock()
		return err
	}
	next := Merge(current, ResolveTimestamps(patch, s.now()))
	deliveries := s.putLocked(collection, id, next)
	s.mu.Unlock()

	deliver(deliveries)
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, collection, parentID, sub string, fields Fields) (string, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return "", time.Time{}, err
	}
	path := SubPath(collection, parentID, sub)
	id := uuid.NewString()

	s.mu.Lock()
	ts := s.now()
	if last, ok := s.lastAppend[path]; ok && !ts.After(last) {
		ts = last.Add(time.Nanosecond)
	}
	s.lastAppend[path] = ts
	body := ResolveTimestamps(fields, ts)
	body["createdAt"] = ts
	deliveries := s.putLocked(path, id, body)
	s.mu.Unlock()

	deliver(deliveries)
	return id, ts, nil
}

func (s *MemoryStore) putLocked(path, id string, fields Fields) []delivery {
	docs, ok := s.collections[path]
	if !ok {
		docs = make(map[string]Fields)
		s.collections[path] = docs
	}
	docs[id] = fields

	var out []delivery
	for _, sub := range s.subs {
		if sub.view.Query().Collection != path {
			continue
		}
		change, changed := sub.view.Apply(id, fields, false)
		if !changed {
			continue
		}
		sub.seq++
		out = append(out, delivery{sub: sub, seq: sub.seq, snap: sub.view.Snapshot([]Change{change}, false)})
	}
	return out
}

func deliver(deliveries []delivery) {
	for _, d := range deliveries {
		d.sub.mu.Lock()
		if d.sub.closed || d.seq <= d.sub.delivered {
			d.sub.mu.Unlock()
			continue
		}
		d.sub.delivered = d.seq
		d.sub.mu.Unlock()
		d.sub.onSnapshot(d.snap)
	}
}

func (s *MemoryStore) Subscribe(ctx context.Context, q Query, onSnapshot SnapshotHandler, onError ErrorHandler) (Unsubscribe, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if err, ok := s.failOpen[q.Collection]; ok {
		delete(s.failOpen, q.Collection)
		s.mu.Unlock()
		return nil, fmt.Errorf("subscribing to %s: %w", q, err)
	}

	sub := &memorySub{view: NewView(q), onSnapshot: onSnapshot, onError: onError}
	var initial []Change
	for id, fields := range s.collections[q.Collection] {
		if change, ok := sub.view.Apply(id, fields, false); ok {
			initial = append(initial, change)
		}
	}
	s.nextSub++
	key := s.nextSub
	s.subs[key] = sub
	sub.seq++
	first := delivery{sub: sub, seq: sub.seq, snap: sub.view.Snapshot(initial, true)}
	s.mu.Unlock()

	deliver([]delivery{first})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, key)
			s.mu.Unlock()
			sub.mu.Lock()
			sub.closed = true
			sub.mu.Unlock()
		})
	}, nil
}

// Register installs a procedure served by Call.
func (s *MemoryStore) Register(name string, p Procedure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procedures[name] = p
}

func (s *MemoryStore) Call(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	s.mu.Lock()
	p, ok := s.procedures[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProcedure, name)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload for %s: %w", name, err)
	}
	result, err := p(ctx, data)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result of %s: %w", name, err)
	}
	return out, nil
}

// FailNextSubscribe makes the next Subscribe on path fail with err.
func (s *MemoryStore) FailNextSubscribe(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOpen[path] = err
}

// Break fails every live feed on path with err and drops them.
func (s *MemoryStore) Break(path string, err error) {
	s.mu.Lock()
	var broken []*memorySub
	for key, sub := range s.subs {
		if sub.view.Query().Collection == path {
			broken = append(broken, sub)
			delete(s.subs, key)
		}
	}
	s.mu.Unlock()

	for _, sub := range broken {
		sub.mu.Lock()
		closed := sub.closed
		sub.closed = true
		sub.mu.Unlock()
		if !closed && sub.onError != nil {
			sub.onError(err)
		}
	}
}

// ActiveSubscriptions counts the live feeds on path.
func (s *MemoryStore) ActiveSubscriptions(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, sub := range s.subs {
		if sub.view.Query().Collection == path {
			n++
		}
	}
	return n
}
