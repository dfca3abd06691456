package models

import (
	"time"
)

// Collections read and written by the console.
const (
	CollectionUsers        = "users"
	CollectionDrivers      = "drivers"
	CollectionOrders       = "orders"
	CollectionReservations = "reservations"
	CollectionSupportChats = "supportChats"
	SubcollectionMessages  = "messages"
)

// Wire field names of the records.
const (
	FieldUnreadByAdmin        = "unreadByAdmin"
	FieldUnreadByUser         = "unreadByUser"
	FieldUnreadByPro          = "unreadByPro"
	FieldStatus               = "status"
	FieldType                 = "type"
	FieldSenderID             = "senderId"
	FieldText                 = "text"
	FieldLastMessage          = "lastMessage"
	FieldLastMessageTimestamp = "lastMessageTimestamp"
	FieldCreatedAt            = "createdAt"
	FieldUserID               = "userId"
	FieldUserName             = "userName"
	FieldProID                = "proId"
	FieldProName              = "proName"
	FieldUserEmail            = "userEmail"
	FieldViewedByAdmin        = "viewedByAdmin"
	FieldDisabled             = "disabled"
)

type Kind string

const (
	KindCustomer Kind = "Client"
	KindOperator Kind = "Pro"
)

func (k Kind) Valid() bool {
	return k == KindCustomer || k == KindOperator
}

// AccountCollection is the collection holding accounts of this kind.
func (k Kind) AccountCollection() string {
	if k == KindOperator {
		return CollectionDrivers
	}
	return CollectionUsers
}

// UnreadField is the counterparty-side unread flag for this kind.
func (k Kind) UnreadField() string {
	if k == KindOperator {
		return FieldUnreadByPro
	}
	return FieldUnreadByUser
}

type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Conversation is the header of a support thread. Its ID is the
// counterparty's account id.
type Conversation struct {
	ID                   string    `json:"id"`
	Kind                 Kind      `json:"type,omitempty"`
	Status               Status    `json:"status,omitempty"`
	UnreadByAdmin        bool      `json:"unreadByAdmin"`
	UnreadByUser         bool      `json:"unreadByUser"`
	UnreadByPro          bool      `json:"unreadByPro"`
	LastMessage          string    `json:"lastMessage,omitempty"`
	LastMessageTimestamp time.Time `json:"lastMessageTimestamp"`
	UserID               string    `json:"userId,omitempty"`
	UserName             string    `json:"userName,omitempty"`
	ProID                string    `json:"proId,omitempty"`
	ProName              string    `json:"proName,omitempty"`
	UserEmail            string    `json:"userEmail,omitempty"`
}

// Closed reports whether an operator terminated the conversation and no
// message arrived since.
func (c Conversation) Closed() bool {
	return c.Status == StatusClosed
}

// DisplayName falls back the way the console list does.
func (c Conversation) DisplayName() string {
	switch {
	case c.ProName != "":
		return c.ProName
	case c.UserName != "":
		return c.UserName
	default:
		return "Unknown user"
	}
}

// Counterparty is the account on the other side of a conversation.
type Counterparty struct {
	ID    string `json:"id"`
	Kind  Kind   `json:"type"`
	Name  string `json:"name"`
	Email string `json:"email"`
}
