// Package counters merges independent change feeds into per-category badge
// counts. Every count is the cardinality of the latest snapshot of its
// feeds, never a running increment.
package counters

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/karthikraju391/support-console/eventloop"
	"github.com/karthikraju391/support-console/feed"
	"github.com/karthikraju391/support-console/logger"
	"github.com/karthikraju391/support-console/models"
)

const (
	CategoryUsers   = "users"
	CategoryTrucks  = "trucks"
	CategorySupport = "support"
)

// Counts maps a category name to its badge count.
type Counts map[string]int

func (c Counts) Clone() Counts {
	out := make(Counts, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Source is one feed contributing to a category.
type Source struct {
	Collection string
	Where      []feed.Predicate
}

func (s Source) query() feed.Query {
	q := feed.Collection(s.Collection)
	for _, p := range s.Where {
		q = q.Filter(p.Field, p.Value)
	}
	return q
}

// Category sums the snapshot sizes of its sources.
type Category struct {
	Name    string
	Sources []Source
}

// Unseen matches records the operator has not looked at yet.
func Unseen(collection string) Source {
	return Source{
		Collection: collection,
		Where:      []feed.Predicate{{Field: models.FieldViewedByAdmin, Value: false}},
	}
}

// DefaultCategories are the badges of the console navigation.
func DefaultCategories() []Category {
	return []Category{
		{Name: CategoryUsers, Sources: []Source{Unseen(models.CollectionUsers), Unseen(models.CollectionDrivers)}},
		{Name: CategoryTrucks, Sources: []Source{Unseen(models.CollectionOrders), Unseen(models.CollectionReservations)}},
		{Name: CategorySupport, Sources: []Source{{
			Collection: models.CollectionSupportChats,
			Where:      []feed.Predicate{{Field: models.FieldUnreadByAdmin, Value: true}},
		}}},
	}
}

// FeedError reports a feed that failed to open or died. Its slice of the
// counts stays at the last known value.
type FeedError struct {
	Category   string
	Collection string
	Err        error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("counter feed %s/%s: %v", e.Category, e.Collection, e.Err)
}

func (e *FeedError) Unwrap() error {
	return e.Err
}

type Aggregator struct {
	store feed.Subscriber
	exec  eventloop.Executor
}

func NewAggregator(store feed.Subscriber, exec eventloop.Executor) *Aggregator {
	return &Aggregator{store: store, exec: exec}
}

// Subscription owns the feeds opened by one Subscribe call. Its state is
// only touched on the event loop.
type Subscription struct {
	categories []Category
	sizes      [][]int
	failed     [][]bool
	unsubs     []feed.Unsubscribe
	observe    func(Counts)
	onError    func(error)
	closed     bool
}

// Subscribe opens one feed per source and calls observe with the merged
// counts after every delivery. Feed failures go to onError once per feed and
// never affect sibling categories. Call it on the event loop.
func (a *Aggregator) Subscribe(ctx context.Context, categories []Category, observe func(Counts), onError func(error)) *Subscription {
	s := &Subscription{
		categories: categories,
		sizes:      make([][]int, len(categories)),
		failed:     make([][]bool, len(categories)),
		observe:    observe,
		onError:    onError,
	}
	for i, c := range categories {
		s.sizes[i] = make([]int, len(c.Sources))
		s.failed[i] = make([]bool, len(c.Sources))
	}

	for i, c := range categories {
		for j, src := range c.Sources {
			fctx := logger.WithLogFields(ctx, logger.LogFields{
				Component:  "console.counters",
				Category:   logger.Ptr(c.Name),
				Collection: logger.Ptr(src.Collection),
			})

			unsub, err := a.store.Subscribe(fctx, src.query(),
				func(snap feed.Snapshot) {
					a.exec.Post(func() { s.apply(i, j, snap.Size()) })
				},
				func(err error) {
					a.exec.Post(func() { s.fail(fctx, i, j, err) })
				},
			)
			if err != nil {
				s.fail(fctx, i, j, err)
				continue
			}
			s.unsubs = append(s.unsubs, unsub)
		}
	}

	s.publish()
	return s
}

func (s *Subscription) apply(category, source, size int) {
	if s.closed || s.failed[category][source] {
		return
	}
	s.sizes[category][source] = size
	s.publish()
}

func (s *Subscription) fail(ctx context.Context, category, source int, err error) {
	if s.closed || s.failed[category][source] {
		return
	}
	s.failed[category][source] = true

	ferr := &FeedError{
		Category:   s.categories[category].Name,
		Collection: s.categories[category].Sources[source].Collection,
		Err:        err,
	}
	slog.WarnContext(ctx, "counter feed failed, keeping last count", "error", err)
	if s.onError != nil {
		s.onError(ferr)
	}
}

func (s *Subscription) publish() {
	if s.observe != nil {
		s.observe(merge(s.categories, s.sizes))
	}
}

// Counts is the current merged mapping.
func (s *Subscription) Counts() Counts {
	return merge(s.categories, s.sizes)
}

// Close disposes every feed of the subscription. Deliveries already queued
// on the loop are dropped.
func (s *Subscription) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

func merge(categories []Category, sizes [][]int) Counts {
	out := make(Counts, len(categories))
	for i, c := range categories {
		total := 0
		for _, n := range sizes[i] {
			total += n
		}
		out[c.Name] += total
	}
	return out
}
