package support

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/karthikraju391/support-console/eventloop"
	"github.com/karthikraju391/support-console/feed"
	"github.com/karthikraju391/support-console/logger"
	"github.com/karthikraju391/support-console/models"
)

type Viewer interface {
	MarkViewed(ctx context.Context, id string, actor models.Actor) error
}

// Event tells the index owner which part of the view changed.
type Event int

const (
	EventList Event = iota + 1
	EventFocus
	EventMessages
)

// Index keeps the recency-ordered list of conversations and the focused
// conversation's messages. All methods must run on the event loop.
type Index struct {
	store    feed.Subscriber
	viewer   Viewer
	exec     eventloop.Executor
	onChange func(Event)

	list      []models.Conversation
	listUnsub feed.Unsubscribe

	focused  string
	messages []models.Message
	msgUnsub feed.Unsubscribe
	gen      uint64
	rev      uint64
	closed   bool
}

func NewIndex(store feed.Subscriber, viewer Viewer, exec eventloop.Executor, onChange func(Event)) *Index {
	if onChange == nil {
		onChange = func(Event) {}
	}
	return &Index{store: store, viewer: viewer, exec: exec, onChange: onChange}
}

func ListQuery() feed.Query {
	return feed.Collection(models.CollectionSupportChats).Sorted(models.FieldLastMessageTimestamp, true)
}

func MessagesQuery(id string) feed.Query {
	path := feed.SubPath(models.CollectionSupportChats, id, models.SubcollectionMessages)
	return feed.Collection(path).Sorted(models.FieldCreatedAt, false)
}

// Start opens the conversation list feed. A failure leaves the list empty
// until Start is called again.
func (x *Index) Start(ctx context.Context) error {
	if x.listUnsub != nil {
		return nil
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "console.support.index"})

	unsub, err := x.store.Subscribe(ctx, ListQuery(),
		func(snap feed.Snapshot) {
			x.exec.Post(func() { x.applyList(ctx, snap) })
		},
		func(err error) {
			x.exec.Post(func() {
				slog.ErrorContext(ctx, "conversation list feed failed, list frozen", "error", err)
			})
		},
	)
	if err != nil {
		slog.ErrorContext(ctx, "opening conversation list feed", "error", err)
		return fmt.Errorf("opening conversation list: %w", err)
	}
	x.listUnsub = unsub
	return nil
}

func (x *Index) applyList(ctx context.Context, snap feed.Snapshot) {
	if x.closed {
		return
	}
	list := make([]models.Conversation, 0, snap.Size())
	for _, rec := range snap.Records {
		var conv models.Conversation
		if err := feed.Decode(rec, &conv); err != nil {
			slog.WarnContext(ctx, "skipping undecodable conversation", "error", err)
			continue
		}
		list = append(list, conv)
	}
	sortByRecency(list)
	x.list = list
	x.rev++
	x.onChange(EventList)
}

func sortByRecency(list []models.Conversation) {
	slices.SortStableFunc(list, func(a, b models.Conversation) int {
		if c := b.LastMessageTimestamp.Compare(a.LastMessageTimestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// SetFocus moves the focus to id, or clears it when id is empty. Moving to a
// new conversation disposes the previous message feed before opening the
// next one and clears the operator's unread flag with a single write.
// Focusing the current conversation again does nothing.
func (x *Index) SetFocus(ctx context.Context, id string) error {
	if x.closed || id == x.focused {
		return nil
	}
	if id != "" {
		if err := ValidateID(id); err != nil {
			return err
		}
	}

	x.disposeMessages()
	x.focused = id
	x.onChange(EventFocus)
	if id == "" {
		return nil
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component:      "console.support.index",
		ConversationID: logger.Ptr(id),
	})

	gen := x.gen
	unsub, subErr := x.store.Subscribe(ctx, MessagesQuery(id),
		func(snap feed.Snapshot) {
			x.exec.Post(func() {
				if gen == x.gen && !x.closed {
					x.applyMessages(ctx, id, snap)
				}
			})
		},
		func(err error) {
			x.exec.Post(func() {
				if gen == x.gen {
					slog.ErrorContext(ctx, "message feed failed, messages frozen", "error", err)
				}
			})
		},
	)
	if subErr == nil {
		x.msgUnsub = unsub
	} else {
		slog.ErrorContext(ctx, "opening message feed", "error", subErr)
	}

	x.markViewed(ctx, id)

	if subErr != nil {
		return fmt.Errorf("opening messages of %s: %w", id, subErr)
	}
	return nil
}

func (x *Index) markViewed(ctx context.Context, id string) {
	x.Intend(id, func(c *models.Conversation) {
		next, err := Fold(*c, ViewedPatch(models.Operator(), c.Kind), time.Now())
		if err == nil {
			*c = next
		}
	})

	wctx := context.WithoutCancel(ctx)
	x.exec.Go(
		func() error { return x.viewer.MarkViewed(wctx, id, models.Operator()) },
		func(err error) {
			if err != nil {
				slog.ErrorContext(wctx, "clearing operator unread flag", "error", err)
			}
		},
	)
}

func (x *Index) applyMessages(ctx context.Context, id string, snap feed.Snapshot) {
	msgs := make([]models.Message, 0, snap.Size())
	for _, rec := range snap.Records {
		var m models.Message
		if err := feed.Decode(rec, &m); err != nil {
			slog.WarnContext(ctx, "skipping undecodable message", "error", err)
			continue
		}
		m.ConversationID = id
		msgs = append(msgs, m)
	}
	x.messages = msgs
	x.onChange(EventMessages)
}

func (x *Index) disposeMessages() {
	x.gen++
	if x.msgUnsub != nil {
		x.msgUnsub()
		x.msgUnsub = nil
	}
	x.messages = nil
}

// Intend applies an optimistic change to the projected conversation. The
// next snapshot from the list feed replaces it.
func (x *Index) Intend(id string, mutate func(*models.Conversation)) bool {
	for i := range x.list {
		if x.list[i].ID == id {
			mutate(&x.list[i])
			x.onChange(EventList)
			return true
		}
	}
	return false
}

// Revision counts the list snapshots applied so far.
func (x *Index) Revision() uint64 {
	return x.rev
}

func (x *Index) Conversations() []models.Conversation {
	return slices.Clone(x.list)
}

func (x *Index) FocusedID() string {
	return x.focused
}

func (x *Index) Focused() (models.Conversation, bool) {
	if x.focused == "" {
		return models.Conversation{}, false
	}
	for _, c := range x.list {
		if c.ID == x.focused {
			return c, true
		}
	}
	return models.Conversation{ID: x.focused}, false
}

func (x *Index) Messages() []models.Message {
	return slices.Clone(x.messages)
}

// Close disposes the list and message feeds.
func (x *Index) Close() {
	if x.closed {
		return
	}
	x.disposeMessages()
	if x.listUnsub != nil {
		x.listUnsub()
		x.listUnsub = nil
	}
	x.closed = true
}
