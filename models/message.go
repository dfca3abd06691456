package models

import (
	"time"
)

// Message is one entry of a conversation's append-only log.
type Message struct {
	ID             string    `json:"id"`             // Unique message ID (UUID)
	ConversationID string    `json:"conversationId"` // Owning supportChats document
	SenderID       string    `json:"senderId"`       // "admin" or the counterparty id
	Text           string    `json:"text"`           // Message content
	CreatedAt      time.Time `json:"createdAt"`      // Assigned by the store
}

// FromOperator reports whether the message was written by the console.
func (m Message) FromOperator() bool {
	return m.SenderID == OperatorSenderID
}
