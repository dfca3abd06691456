package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/karthikraju391/support-console/feed"
	"github.com/karthikraju391/support-console/models"
)

const ProcedureManageAdminRole = "manageAdminRole"

var (
	ErrAccountNotFound = errors.New("console: record not found")
	ErrUnknownKind     = errors.New("console: unknown account type")
	ErrNotSeenable     = errors.New("console: collection has no seen flag")
)

// RemoteError carries the raw text of a failed remote procedure so it can
// be shown to the operator unchanged.
type RemoteError struct {
	Procedure string
	Message   string
}

func (e *RemoteError) Error() string {
	return e.Message
}

type RoleRequest struct {
	Email     string      `json:"email"`
	MakeAdmin bool        `json:"makeAdmin"`
	UserType  models.Kind `json:"userType"`
}

type roleResponse struct {
	Message string `json:"message"`
}

type AccountStore interface {
	feed.Writer
	feed.Caller
}

// Accounts covers account moderation: the disabled flag, seen flags that
// drive the badges, and the admin role procedure.
type Accounts struct {
	store AccountStore
}

func NewAccounts(store AccountStore) *Accounts {
	return &Accounts{store: store}
}

func (a *Accounts) SetDisabled(ctx context.Context, kind models.Kind, id string, disabled bool) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	collection := kind.AccountCollection()
	err := a.store.Transact(ctx, collection, id, func(_ feed.Fields, exists bool) (feed.Fields, error) {
		if !exists {
			return nil, ErrAccountNotFound
		}
		return feed.Fields{models.FieldDisabled: disabled}, nil
	})
	if err != nil {
		return fmt.Errorf("updating %s/%s: %w", collection, id, err)
	}
	return nil
}

// MarkSeen sets viewedByAdmin on an account, order or reservation.
func (a *Accounts) MarkSeen(ctx context.Context, collection, id string) error {
	switch collection {
	case models.CollectionUsers, models.CollectionDrivers, models.CollectionOrders, models.CollectionReservations:
	default:
		return fmt.Errorf("%w: %s", ErrNotSeenable, collection)
	}

	err := a.store.Transact(ctx, collection, id, func(current feed.Fields, exists bool) (feed.Fields, error) {
		if !exists {
			return nil, ErrAccountNotFound
		}
		if seen, _ := current[models.FieldViewedByAdmin].(bool); seen {
			return nil, nil
		}
		return feed.Fields{models.FieldViewedByAdmin: true}, nil
	})
	if err != nil {
		return fmt.Errorf("marking %s/%s seen: %w", collection, id, err)
	}
	return nil
}

// ManageAdminRole calls the privileged role procedure. Nothing is changed
// locally; the result message or the raw error text goes back to the
// operator.
func (a *Accounts) ManageAdminRole(ctx context.Context, req RoleRequest) (string, error) {
	if !req.UserType.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, req.UserType)
	}

	raw, err := a.store.Call(ctx, ProcedureManageAdminRole, req)
	if err != nil {
		slog.ErrorContext(ctx, "admin role procedure failed", "error", err, "email", req.Email)
		return "", &RemoteError{Procedure: ProcedureManageAdminRole, Message: err.Error()}
	}

	var resp roleResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &RemoteError{Procedure: ProcedureManageAdminRole, Message: err.Error()}
	}
	return resp.Message, nil
}
