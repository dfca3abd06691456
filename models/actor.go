package models

import "fmt"

// OperatorSenderID is the senderId written for console messages.
const OperatorSenderID = "admin"

type Role int

const (
	RoleOperator Role = iota + 1
	RoleCounterparty
)

// Actor identifies who performs a session operation. It is always passed
// explicitly.
type Actor struct {
	Role Role
	ID   string
	Kind Kind
}

func Operator() Actor {
	return Actor{Role: RoleOperator, ID: OperatorSenderID}
}

func CounterpartyActor(id string, kind Kind) Actor {
	return Actor{Role: RoleCounterparty, ID: id, Kind: kind}
}

func (a Actor) IsOperator() bool {
	return a.Role == RoleOperator
}

// SenderID is the value stored in a message's senderId field.
func (a Actor) SenderID() string {
	if a.IsOperator() {
		return OperatorSenderID
	}
	return a.ID
}

func (a Actor) String() string {
	if a.IsOperator() {
		return "operator"
	}
	return fmt.Sprintf("counterparty(%s:%s)", a.Kind, a.ID)
}
