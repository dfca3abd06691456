package feed

import "sort"

// View tracks the matching set of one query. Stores feed it every write to
// the collection and deliver the snapshots it builds.
type View struct {
	query Query
	docs  map[string]Record
}

func NewView(q Query) *View {
	return &View{query: q, docs: make(map[string]Record)}
}

func (v *View) Query() Query {
	return v.query
}

// Apply records the latest state of a record and reports how the matching
// set changed. A record that stops matching is reported as removed.
func (v *View) Apply(id string, fields Fields, deleted bool) (Change, bool) {
	_, present := v.docs[id]
	if deleted || !v.query.Matches(fields) {
		if !present {
			return Change{}, false
		}
		prev := v.docs[id]
		delete(v.docs, id)
		return Change{Type: Removed, Record: prev}, true
	}

	rec := Record{ID: id, Fields: Merge(nil, fields)}
	v.docs[id] = rec
	if present {
		return Change{Type: Modified, Record: rec}, true
	}
	return Change{Type: Added, Record: rec}, true
}

func (v *View) Len() int {
	return len(v.docs)
}

// Snapshot lists the matching records in query order. The changes of an
// initial snapshot are put in query order too.
func (v *View) Snapshot(changes []Change, initial bool) Snapshot {
	if initial {
		sort.SliceStable(changes, func(i, j int) bool {
			return v.query.less(changes[i].Record, changes[j].Record)
		})
	}
	records := make([]Record, 0, len(v.docs))
	for _, r := range v.docs {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return v.query.less(records[i], records[j])
	})
	return Snapshot{Records: records, Changes: changes, Initial: initial}
}
