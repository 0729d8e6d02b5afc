package account

import (
	"encoding/json"
	"fmt"
	"time"

	"vestline/internal/domain"
)

// Event is one entry of an account's durable history.
type Event interface {
	EventType() string
}

const (
	TypeAccountCreated   = "account.created"
	TypeTransactionAdded = "account.transaction.added"
	TypeAccountActivated = "account.activated"
)

type AccountCreated struct {
	AccountID           string             `json:"accountId"`
	ProjectManagementID string             `json:"projectManagementId"`
	ContributorID       string             `json:"contributorId"`
	Currency            string             `json:"currency"`
	AccountType         domain.AccountType `json:"accountType"`
	CreatedInstant      time.Time          `json:"createdInstant"`
}

func (AccountCreated) EventType() string { return TypeAccountCreated }

type TransactionAdded struct {
	AccountID     string             `json:"accountId"`
	TransactionID string             `json:"transactionId"`
	Transaction   domain.Transaction `json:"transaction"`
}

func (TransactionAdded) EventType() string { return TypeTransactionAdded }

type AccountActivated struct {
	AccountID         string    `json:"accountId"`
	ActivationInstant time.Time `json:"activationInstant"`
}

func (AccountActivated) EventType() string { return TypeAccountActivated }

// EncodeEvent serializes an event payload for the store.
func EncodeEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeEvent rebuilds a typed event from a stored payload.
func DecodeEvent(eventType string, payload []byte) (Event, error) {
	switch eventType {
	case TypeAccountCreated:
		var ev AccountCreated
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeTransactionAdded:
		var ev TransactionAdded
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeAccountActivated:
		var ev AccountActivated
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
}
