// Package feed defines the record store the console consumes: point reads,
// merge writes, appends to nested logs and change feeds that deliver an
// initial snapshot followed by ordered updates until unsubscribed.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoProcedure  = errors.New("feed: no such remote procedure")
	ErrInvalidQuery = errors.New("feed: invalid query")
)

// Fields is a record body keyed by wire field name.
type Fields map[string]any

type Record struct {
	ID     string
	Fields Fields
}

type ChangeType int

const (
	Added ChangeType = iota + 1
	Modified
	Removed
)

func (t ChangeType) String() string {
	switch t {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

type Change struct {
	Type   ChangeType
	Record Record
}

// Snapshot is the full matching set of a query after a delivery, in query
// order, with the changes that produced it.
type Snapshot struct {
	Records []Record
	Changes []Change
	Initial bool
}

func (s Snapshot) Size() int {
	return len(s.Records)
}

// Unsubscribe tears a feed down. Calling it more than once is allowed.
type Unsubscribe func()

type SnapshotHandler func(Snapshot)

// ErrorHandler is called at most once when a live feed fails. No snapshot
// follows an error.
type ErrorHandler func(error)

type Subscriber interface {
	Subscribe(ctx context.Context, q Query, onSnapshot SnapshotHandler, onError ErrorHandler) (Unsubscribe, error)
}

type Reader interface {
	Read(ctx context.Context, collection, id string) (Record, bool, error)
}

// TxFunc receives the current fields of a record and returns the patch to
// merge into it. A nil patch leaves the record untouched.
type TxFunc func(current Fields, exists bool) (Fields, error)

type Writer interface {
	// UpsertMerge merges fields into the record, creating it when absent.
	// Fields not named in the patch are never removed.
	UpsertMerge(ctx context.Context, collection, id string, fields Fields) error
	// Transact runs fn against the latest version of the record and merges
	// its patch atomically.
	Transact(ctx context.Context, collection, id string, fn TxFunc) error
	// Append adds a record to the nested collection sub of parentID and
	// returns its generated id and the store-assigned timestamp.
	Append(ctx context.Context, collection, parentID, sub string, fields Fields) (string, time.Time, error)
}

type Caller interface {
	Call(ctx context.Context, name string, payload any) (json.RawMessage, error)
}

type Store interface {
	Reader
	Writer
	Subscriber
	Caller
}

type serverTimestamp struct{}

func (serverTimestamp) MarshalJSON() ([]byte, error) {
	return nil, errors.New("feed: unresolved server timestamp")
}

// ServerTimestamp in a written field is replaced by the store's clock.
var ServerTimestamp any = serverTimestamp{}

// ResolveTimestamps returns a copy of f with ServerTimestamp replaced by now.
func ResolveTimestamps(f Fields, now time.Time) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		if _, ok := v.(serverTimestamp); ok {
			out[k] = now
			continue
		}
		out[k] = v
	}
	return out
}

// Merge returns a copy of dst with patch applied on top.
func Merge(dst, patch Fields) Fields {
	out := make(Fields, len(dst)+len(patch))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Decode fills out from the record, with the record id under "id".
func Decode(r Record, out any) error {
	body := Merge(r.Fields, Fields{"id": r.ID})
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding record %s: %w", r.ID, err)
	}
	return nil
}
