// Package console wires the badge counters, the conversation index and the
// session operations onto one event loop and publishes view changes.
package console

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/karthikraju391/support-console/counters"
	"github.com/karthikraju391/support-console/eventloop"
	"github.com/karthikraju391/support-console/feed"
	"github.com/karthikraju391/support-console/logger"
	"github.com/karthikraju391/support-console/models"
	"github.com/karthikraju391/support-console/support"
)

type Loop interface {
	eventloop.Executor
	eventloop.Runner
}

// FocusView is the focused conversation with its messages.
type FocusView struct {
	Conversation models.Conversation `json:"conversation"`
	Title        string              `json:"title"`
	Closed       bool                `json:"closed"`
	Listed       bool                `json:"listed"`
	Messages     []models.Message    `json:"messages"`
}

// State is everything a freshly connected dashboard needs.
type State struct {
	Counts        counters.Counts       `json:"counts"`
	Conversations []models.Conversation `json:"conversations"`
	Focus         *FocusView            `json:"focus,omitempty"`
}

type Console struct {
	loop       Loop
	sessions   *support.Sessions
	accounts   *Accounts
	aggregator *counters.Aggregator
	index      *support.Index
	hub        *Hub
	categories []counters.Category

	sub    *counters.Subscription
	counts counters.Counts
}

func New(store feed.Store, loop Loop) *Console {
	c := &Console{
		loop:       loop,
		sessions:   support.NewSessions(store),
		accounts:   NewAccounts(store),
		aggregator: counters.NewAggregator(store, loop),
		hub:        NewHub(),
		categories: counters.DefaultCategories(),
		counts:     counters.Counts{},
	}
	c.index = support.NewIndex(store, c.sessions, loop, c.indexChanged)
	return c
}

func (c *Console) Hub() *Hub {
	return c.hub
}

func (c *Console) Sessions() *support.Sessions {
	return c.sessions
}

// Start opens the counter and conversation feeds on the loop. Counter feed
// failures are logged and do not fail Start.
func (c *Console) Start(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "console"})

	var startErr error
	err := c.loop.Do(ctx, func() {
		if c.sub == nil {
			c.sub = c.aggregator.Subscribe(ctx, c.categories, c.countsChanged, func(err error) {
				slog.ErrorContext(ctx, "badge counter unavailable", "error", err)
			})
		}
		startErr = c.index.Start(ctx)
	})
	if err != nil {
		return err
	}
	return startErr
}

// Stop disposes every feed the console opened.
func (c *Console) Stop(ctx context.Context) error {
	return c.loop.Do(ctx, func() {
		if c.sub != nil {
			c.sub.Close()
		}
		c.index.Close()
	})
}

func (c *Console) countsChanged(counts counters.Counts) {
	c.counts = counts
	c.hub.Publish(Event{Type: EventCounters, Data: counts.Clone()})
}

func (c *Console) indexChanged(e support.Event) {
	switch e {
	case support.EventList:
		c.hub.Publish(Event{Type: EventConversations, Data: c.index.Conversations()})
	case support.EventFocus, support.EventMessages:
		c.hub.Publish(Event{Type: EventFocus, Data: c.focusView()})
	}
}

// focusView must run on the loop.
func (c *Console) focusView() *FocusView {
	conv, listed := c.index.Focused()
	if conv.ID == "" {
		return nil
	}
	return &FocusView{
		Conversation: conv,
		Title:        conv.DisplayName(),
		Closed:       conv.Closed(),
		Listed:       listed,
		Messages:     c.index.Messages(),
	}
}

func (c *Console) State(ctx context.Context) (State, error) {
	var st State
	err := c.loop.Do(ctx, func() {
		st = State{
			Counts:        c.counts.Clone(),
			Conversations: c.index.Conversations(),
			Focus:         c.focusView(),
		}
	})
	return st, err
}

func (c *Console) Counts(ctx context.Context) (counters.Counts, error) {
	var counts counters.Counts
	err := c.loop.Do(ctx, func() { counts = c.counts.Clone() })
	return counts, err
}

func (c *Console) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var list []models.Conversation
	err := c.loop.Do(ctx, func() { list = c.index.Conversations() })
	return list, err
}

// Focus moves the operator's focus; an empty id clears it.
func (c *Console) Focus(ctx context.Context, id string) (*FocusView, error) {
	var (
		view     *FocusView
		focusErr error
	)
	err := c.loop.Do(ctx, func() {
		focusErr = c.index.SetFocus(ctx, id)
		view = c.focusView()
	})
	if err != nil {
		return nil, err
	}
	return view, focusErr
}

func (c *Console) FocusView(ctx context.Context) (*FocusView, error) {
	var view *FocusView
	err := c.loop.Do(ctx, func() { view = c.focusView() })
	return view, err
}

// Reply sends an operator message.
func (c *Console) Reply(ctx context.Context, id, text string) (models.Message, error) {
	return c.sessions.Send(ctx, id, models.Operator(), text)
}

// Terminate closes the conversation, showing it closed right away. When the
// write fails the previous status is put back, unless the list feed has
// delivered since.
func (c *Console) Terminate(ctx context.Context, id string) error {
	var (
		previous models.Status
		rev      uint64
		intended bool
	)
	if err := c.loop.Do(ctx, func() {
		intended = c.index.Intend(id, func(conv *models.Conversation) {
			previous = conv.Status
			next, err := support.Fold(*conv, support.TerminatePatch(conv.Status), time.Now())
			if err == nil {
				*conv = next
			}
		})
		rev = c.index.Revision()
	}); err != nil {
		return err
	}

	if err := c.sessions.Terminate(ctx, id, models.Operator()); err != nil {
		if intended {
			c.loop.Post(func() {
				if c.index.Revision() != rev {
					return
				}
				c.index.Intend(id, func(conv *models.Conversation) { conv.Status = previous })
			})
		}
		return err
	}
	return nil
}

// Contact opens the conversation with an account and sends the first
// message when text is not blank. Blank text sends nothing.
func (c *Console) Contact(ctx context.Context, cp models.Counterparty, text string) (*models.Message, error) {
	if err := c.sessions.Contact(ctx, cp, models.Operator()); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	msg, err := c.sessions.Send(ctx, cp.ID, models.Operator(), text)
	if err != nil {
		return nil, fmt.Errorf("sending first message: %w", err)
	}
	return &msg, nil
}

// AccountChange is published when an account flag is toggled.
type AccountChange struct {
	Kind     models.Kind `json:"type"`
	ID       string      `json:"id"`
	Disabled bool        `json:"disabled"`
	Pending  bool        `json:"pending"`
}

// SetDisabled publishes the new flag before the write lands and publishes
// the old one again if the write fails.
func (c *Console) SetDisabled(ctx context.Context, kind models.Kind, id string, disabled bool) error {
	c.hub.Publish(Event{Type: EventAccount, Data: AccountChange{Kind: kind, ID: id, Disabled: disabled, Pending: true}})

	if err := c.accounts.SetDisabled(ctx, kind, id, disabled); err != nil {
		c.hub.Publish(Event{Type: EventAccount, Data: AccountChange{Kind: kind, ID: id, Disabled: !disabled}})
		return err
	}
	c.hub.Publish(Event{Type: EventAccount, Data: AccountChange{Kind: kind, ID: id, Disabled: disabled}})
	return nil
}

func (c *Console) MarkSeen(ctx context.Context, collection, id string) error {
	return c.accounts.MarkSeen(ctx, collection, id)
}

func (c *Console) ManageAdminRole(ctx context.Context, req RoleRequest) (string, error) {
	return c.accounts.ManageAdminRole(ctx, req)
}
