package feed

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Predicate matches records whose Field equals Value. A record missing the
// field never matches.
type Predicate struct {
	Field string
	Value any
}

func (p Predicate) Matches(f Fields) bool {
	v, ok := f[p.Field]
	if !ok {
		return false
	}
	return equalValues(v, p.Value)
}

func (p Predicate) String() string {
	return fmt.Sprintf("%s == %v", p.Field, p.Value)
}

type Query struct {
	Collection string
	Where      []Predicate
	Order      string
	Desc       bool
}

// Collection starts a query over a collection path.
func Collection(path string) Query {
	return Query{Collection: path}
}

func (q Query) Filter(field string, value any) Query {
	where := make([]Predicate, 0, len(q.Where)+1)
	where = append(where, q.Where...)
	q.Where = append(where, Predicate{Field: field, Value: value})
	return q
}

func (q Query) Sorted(field string, desc bool) Query {
	q.Order = field
	q.Desc = desc
	return q
}

func (q Query) Matches(f Fields) bool {
	for _, p := range q.Where {
		if !p.Matches(f) {
			return false
		}
	}
	return true
}

func (q Query) Validate() error {
	if q.Collection == "" {
		return fmt.Errorf("%w: empty collection", ErrInvalidQuery)
	}
	if _, _, _, nested := SplitPath(q.Collection); !nested && strings.Contains(q.Collection, "/") {
		return fmt.Errorf("%w: malformed path %q", ErrInvalidQuery, q.Collection)
	}
	return nil
}

func (q Query) String() string {
	parts := make([]string, 0, len(q.Where))
	for _, p := range q.Where {
		parts = append(parts, p.String())
	}
	s := q.Collection
	if len(parts) > 0 {
		s += " where " + strings.Join(parts, " and ")
	}
	if q.Order != "" {
		dir := "asc"
		if q.Desc {
			dir = "desc"
		}
		s += " order by " + q.Order + " " + dir
	}
	return s
}

// SubPath is the path of a nested collection, e.g. supportChats/42/messages.
func SubPath(collection, parentID, sub string) string {
	return collection + "/" + parentID + "/" + sub
}

func SplitPath(path string) (collection, parentID, sub string, nested bool) {
	parts := strings.Split(path, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return path, "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// less orders records by the query's order field, then by id. Records
// missing the field sort last in either direction.
func (q Query) less(a, b Record) bool {
	if q.Order != "" {
		av, aok := a.Fields[q.Order]
		bv, bok := b.Fields[q.Order]
		switch {
		case aok && !bok:
			return true
		case !aok && bok:
			return false
		case aok && bok:
			if c := compareValues(av, bv); c != 0 {
				if q.Desc {
					return c > 0
				}
				return c < 0
			}
		}
	}
	return a.ID < b.ID
}

func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case string:
		if ts, ok := parseTime(t); ok {
			return ts
		}
		return t
	default:
		return v
	}
}

func parseTime(s string) (time.Time, bool) {
	if len(s) < len("2006-01-02T15:04:05Z") {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func equalValues(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	return reflect.DeepEqual(a, b)
}

func compareValues(a, b any) int {
	a, b = normalize(a), normalize(b)
	switch at := a.(type) {
	case time.Time:
		if bt, ok := b.(time.Time); ok {
			return at.Compare(bt)
		}
	case float64:
		if bt, ok := b.(float64); ok {
			switch {
			case at < bt:
				return -1
			case at > bt:
				return 1
			}
			return 0
		}
	case string:
		if bt, ok := b.(string); ok {
			return strings.Compare(at, bt)
		}
	case bool:
		if bt, ok := b.(bool); ok && at != bt {
			if !at {
				return -1
			}
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
