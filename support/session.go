// Package support implements the support conversation lifecycle and the
// recency-ordered conversation index with a single focused conversation.
package support

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/karthikraju391/support-console/feed"
	"github.com/karthikraju391/support-console/logger"
	"github.com/karthikraju391/support-console/models"
)

var (
	ErrEmptyMessage = errors.New("support: message text is empty")
	ErrForbidden    = errors.New("support: actor may not perform this operation")
	ErrNotFound     = errors.New("support: conversation not found")
	ErrInvalidID    = errors.New("support: invalid conversation id")
	ErrInvalidKind  = errors.New("support: unknown counterparty type")
)

type SessionStore interface {
	feed.Reader
	feed.Writer
}

// Sessions applies the conversation state machine through the store. Every
// operation takes the acting party explicitly.
type Sessions struct {
	store SessionStore
}

func NewSessions(store SessionStore) *Sessions {
	return &Sessions{store: store}
}

func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" || strings.ContainsAny(id, "/.*> \t\n") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Send appends a message and reopens the conversation, creating it when it
// does not exist. Blank text is rejected before anything is written.
func (s *Sessions) Send(ctx context.Context, id string, actor models.Actor, text string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	if err := ValidateID(id); err != nil {
		return models.Message{}, err
	}
	if err := authorize(id, actor); err != nil {
		return models.Message{}, err
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component:      "console.support.session",
		ConversationID: logger.Ptr(id),
	})

	kind := actor.Kind
	if actor.IsOperator() {
		conv, found, err := s.Conversation(ctx, id)
		if err != nil {
			return models.Message{}, err
		}
		kind = ""
		if found {
			kind = conv.Kind
		}
	}

	msgID, createdAt, err := s.store.Append(ctx, models.CollectionSupportChats, id, models.SubcollectionMessages, feed.Fields{
		models.FieldText:      text,
		models.FieldSenderID:  actor.SenderID(),
		models.FieldCreatedAt: feed.ServerTimestamp,
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("appending message: %w", err)
	}

	if err := s.store.UpsertMerge(ctx, models.CollectionSupportChats, id, SendPatch(actor, kind, text)); err != nil {
		return models.Message{}, fmt.Errorf("updating conversation header: %w", err)
	}

	slog.DebugContext(ctx, "message sent", "actor", actor.String(), "message_id", msgID)
	return models.Message{
		ID:             msgID,
		ConversationID: id,
		SenderID:       actor.SenderID(),
		Text:           text,
		CreatedAt:      createdAt,
	}, nil
}

// MarkViewed clears the actor's own unread flag and nothing else. It does
// not create missing conversations and skips the write when the flag is
// already clear.
func (s *Sessions) MarkViewed(ctx context.Context, id string, actor models.Actor) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := authorize(id, actor); err != nil {
		return err
	}

	err := s.store.Transact(ctx, models.CollectionSupportChats, id, func(current feed.Fields, exists bool) (feed.Fields, error) {
		if !exists {
			return nil, nil
		}
		patch := ViewedPatch(actor, actor.Kind)
		for field := range patch {
			if unread, _ := current[field].(bool); unread {
				return patch, nil
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("marking conversation %s viewed: %w", id, err)
	}
	return nil
}

// Terminate closes an open conversation. Only the operator may terminate;
// closing a closed conversation is a no-op.
func (s *Sessions) Terminate(ctx context.Context, id string, actor models.Actor) error {
	if !actor.IsOperator() {
		return ErrForbidden
	}
	if err := ValidateID(id); err != nil {
		return err
	}

	err := s.store.Transact(ctx, models.CollectionSupportChats, id, func(current feed.Fields, exists bool) (feed.Fields, error) {
		if !exists {
			return nil, ErrNotFound
		}
		status, _ := current[models.FieldStatus].(string)
		return TerminatePatch(models.Status(status)), nil
	})
	if err != nil {
		return fmt.Errorf("terminating conversation %s: %w", id, err)
	}

	slog.InfoContext(ctx, "conversation terminated", "conversation_id", id)
	return nil
}

// Contact materializes the conversation with a counterparty, reopening it
// if it was closed. Existing fields not named here are kept.
func (s *Sessions) Contact(ctx context.Context, cp models.Counterparty, actor models.Actor) error {
	if !actor.IsOperator() {
		return ErrForbidden
	}
	if err := ValidateID(cp.ID); err != nil {
		return err
	}
	if !cp.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, cp.Kind)
	}

	if err := s.store.UpsertMerge(ctx, models.CollectionSupportChats, cp.ID, ContactPatch(cp)); err != nil {
		return fmt.Errorf("opening conversation with %s: %w", cp.ID, err)
	}
	return nil
}

func (s *Sessions) Conversation(ctx context.Context, id string) (models.Conversation, bool, error) {
	rec, found, err := s.store.Read(ctx, models.CollectionSupportChats, id)
	if err != nil {
		return models.Conversation{}, false, fmt.Errorf("reading conversation %s: %w", id, err)
	}
	if !found {
		return models.Conversation{}, false, nil
	}
	var conv models.Conversation
	if err := feed.Decode(rec, &conv); err != nil {
		return models.Conversation{}, false, err
	}
	return conv, true, nil
}

// authorize keeps a counterparty inside its own conversation.
func authorize(id string, actor models.Actor) error {
	switch actor.Role {
	case models.RoleOperator:
		return nil
	case models.RoleCounterparty:
		if actor.ID != id {
			return ErrForbidden
		}
		if !actor.Kind.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidKind, actor.Kind)
		}
		return nil
	default:
		return ErrForbidden
	}
}

// SendPatch is the header update for a message sent by actor. The sender's
// flag is cleared, the other party's flag is raised and the status is forced
// open. An operator message to a conversation of unknown kind raises both
// counterparty flags.
func SendPatch(actor models.Actor, kind models.Kind, text string) feed.Fields {
	patch := feed.Fields{
		models.FieldLastMessage:          text,
		models.FieldLastMessageTimestamp: feed.ServerTimestamp,
		models.FieldStatus:               string(models.StatusOpen),
	}

	if actor.IsOperator() {
		patch[models.FieldUnreadByAdmin] = false
		if kind.Valid() {
			patch[kind.UnreadField()] = true
		} else {
			patch[models.FieldUnreadByUser] = true
			patch[models.FieldUnreadByPro] = true
		}
		return patch
	}

	patch[models.FieldUnreadByAdmin] = true
	patch[actor.Kind.UnreadField()] = false
	patch[models.FieldType] = string(actor.Kind)
	return patch
}

// ViewedPatch clears exactly one flag: the viewer's own.
func ViewedPatch(actor models.Actor, kind models.Kind) feed.Fields {
	if actor.IsOperator() {
		return feed.Fields{models.FieldUnreadByAdmin: false}
	}
	return feed.Fields{kind.UnreadField(): false}
}

// TerminatePatch closes an open conversation and returns nil for a closed
// one. Unread flags are left alone.
func TerminatePatch(status models.Status) feed.Fields {
	if status == models.StatusClosed {
		return nil
	}
	return feed.Fields{models.FieldStatus: string(models.StatusClosed)}
}

func ContactPatch(cp models.Counterparty) feed.Fields {
	patch := feed.Fields{
		models.FieldLastMessageTimestamp: feed.ServerTimestamp,
		models.FieldType:                 string(cp.Kind),
		models.FieldUserEmail:            cp.Email,
		models.FieldStatus:               string(models.StatusOpen),
	}
	if cp.Kind == models.KindOperator {
		patch[models.FieldProID] = cp.ID
		patch[models.FieldProName] = cp.Name
	} else {
		patch[models.FieldUserID] = cp.ID
		patch[models.FieldUserName] = cp.Name
	}
	return patch
}

// Fold applies a header patch to a conversation the way the store would,
// resolving server timestamps to at.
func Fold(conv models.Conversation, patch feed.Fields, at time.Time) (models.Conversation, error) {
	data, err := json.Marshal(conv)
	if err != nil {
		return models.Conversation{}, err
	}
	var fields feed.Fields
	if err := json.Unmarshal(data, &fields); err != nil {
		return models.Conversation{}, err
	}
	delete(fields, "id")

	var out models.Conversation
	err = feed.Decode(feed.Record{ID: conv.ID, Fields: feed.Merge(fields, feed.ResolveTimestamps(patch, at))}, &out)
	return out, err
}
