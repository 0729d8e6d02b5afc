package server

import (
	"time"

	"vestline/internal/distribution"
	"vestline/internal/domain"
	"vestline/internal/eventstore"
)

type CreateAccountRequest struct {
	ID                  *string `json:"id,omitempty"`
	ProjectManagementID string  `json:"projectManagementId"`
	ContributorID       string  `json:"contributorId"`
	Currency            string  `json:"currency"`
	AccountType         string  `json:"accountType" enum:"OWNERSHIP,FINANCIAL"`
}

type RegisterContributorRequest struct {
	ContributorID            string `json:"contributorId"`
	RequiresOwnershipAccount bool   `json:"requiresOwnershipAccount"`
}

type AccountResponse struct {
	AccountID           string     `json:"accountId"`
	ProjectManagementID string     `json:"projectManagementId"`
	ContributorID       string     `json:"contributorId"`
	Currency            string     `json:"currency"`
	AccountType         string     `json:"accountType"`
	Status              string     `json:"status"`
	ActivationDate      *time.Time `json:"activationDate,omitempty"`
	Balance             float64    `json:"balance"`
	TransactionCount    int        `json:"transactionCount"`
}

type AccountViewResponse struct {
	AccountID           string                        `json:"accountId"`
	ProjectManagementID string                        `json:"projectManagementId"`
	ContributorID       string                        `json:"contributorId"`
	Currency            string                        `json:"currency"`
	AccountType         string                        `json:"accountType"`
	Status              string                        `json:"status"`
	ActivationDate      *time.Time                    `json:"activationDate,omitempty"`
	LastUpdatedInstant  time.Time                     `json:"lastUpdatedInstant"`
	Balance             float64                       `json:"balance"`
	Operations          []domain.TransactionOperation `json:"operations"`
}

type OperationRequest struct {
	BalanceEffect string                `json:"balanceEffect" enum:"CREDIT,DEBIT"`
	Distributions []DistributionRequest `json:"distributions"`
}

type DistributionRequest struct {
	Kind string `json:"kind" enum:"LINEAR_UP,LINEAR_DOWN,IMPULSE,STEP"`
	// Value is interpreted per the construction mode: peak for financial
	// accounts, total area for ownership accounts.
	Value        float64    `json:"value"`
	StartInstant *time.Time `json:"startInstant,omitempty"`
	DurationMs   int64      `json:"durationMs"`
}

type AddTransactionRequest struct {
	Operations      []OperationRequest `json:"operations"`
	SourceType      string             `json:"sourceType,omitempty"`
	SourceIDs       []string           `json:"sourceIds,omitempty"`
	SourceOperation string             `json:"sourceOperation,omitempty"`
}

type TransactionResponse struct {
	TransactionID        string                        `json:"transactionId"`
	ContributorAccountID string                        `json:"contributorAccountId"`
	RegisteredInstant    time.Time                     `json:"registeredInstant"`
	Operations           []domain.TransactionOperation `json:"operations"`
}

type ClosedTaskRequest struct {
	TaskID      string   `json:"taskId"`
	Caps        float64  `json:"caps"`
	AssigneeIDs []string `json:"assigneeIds"`
}

type RegisterEarningsRequest struct {
	ProjectManagementID string              `json:"projectManagementId"`
	Currency            string              `json:"currency,omitempty"`
	SourceOperation     string              `json:"sourceOperation,omitempty"`
	Tasks               []ClosedTaskRequest `json:"tasks"`
}

type EventResponse struct {
	ID        int64  `json:"id"`
	AccountID string `json:"accountId"`
	Seq       int    `json:"seq"`
	Type      string `json:"type"`
	TS        string `json:"ts" format:"date-time"`
	Payload   any    `json:"payload"`
}

func accountResponse(v domain.ContributorAccountView, at time.Time) AccountResponse {
	return AccountResponse{
		AccountID:           v.AccountID,
		ProjectManagementID: v.ProjectManagementID,
		ContributorID:       v.ContributorID,
		Currency:            v.Currency,
		AccountType:         string(v.AccountType),
		Status:              string(v.Status),
		ActivationDate:      v.ActivationDate,
		Balance:             v.BalanceAt(at),
	}
}

func accountViewResponse(v domain.ContributorAccountView, at time.Time) AccountViewResponse {
	ops := v.TransactionOperations
	if ops == nil {
		ops = []domain.TransactionOperation{}
	}
	return AccountViewResponse{
		AccountID:           v.AccountID,
		ProjectManagementID: v.ProjectManagementID,
		ContributorID:       v.ContributorID,
		Currency:            v.Currency,
		AccountType:         string(v.AccountType),
		Status:              string(v.Status),
		ActivationDate:      v.ActivationDate,
		LastUpdatedInstant:  v.LastUpdatedInstant,
		Balance:             v.BalanceAt(at),
		Operations:          ops,
	}
}

func transactionResponse(tx domain.Transaction) TransactionResponse {
	return TransactionResponse{
		TransactionID:        tx.TransactionID,
		ContributorAccountID: tx.ContributorAccountID,
		RegisteredInstant:    tx.RegisteredInstant,
		Operations:           tx.ValueOperations,
	}
}

func eventResponse(se eventstore.StoredEvent) EventResponse {
	return EventResponse{
		ID:        se.ID,
		AccountID: se.AccountID,
		Seq:       se.Seq,
		Type:      se.Type,
		TS:        se.TS.UTC().Format(time.RFC3339Nano),
		Payload:   se.Event,
	}
}

func mapEvents(in []eventstore.StoredEvent) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, se := range in {
		out = append(out, eventResponse(se))
	}
	return out
}

func closedTasks(in []ClosedTaskRequest) []domain.ClosedTask {
	out := make([]domain.ClosedTask, 0, len(in))
	for _, t := range in {
		out = append(out, domain.ClosedTask{
			TaskID:      t.TaskID,
			Caps:        t.Caps,
			AssigneeIDs: t.AssigneeIDs,
		})
	}
	return out
}

// BuildOperation converts a request operation into a domain operation, using
// the construction mode matching the account type. Shared with the CLI.
func BuildOperation(req OperationRequest, accountType domain.AccountType, now time.Time) (domain.TransactionOperation, error) {
	op := domain.TransactionOperation{
		BalanceEffect:       domain.BalanceEffect(req.BalanceEffect),
		FullyDefinedInstant: now,
	}
	for _, dr := range req.Distributions {
		start := now
		if dr.StartInstant != nil {
			start = *dr.StartInstant
		}
		dur := time.Duration(dr.DurationMs) * time.Millisecond
		var (
			d   distribution.Distribution
			err error
		)
		if accountType == domain.AccountTypeOwnership {
			d, err = distribution.ForOwnership(distribution.Kind(dr.Kind), dr.Value, start, dur)
		} else {
			d, err = distribution.ForFinancial(distribution.Kind(dr.Kind), dr.Value, start, dur)
		}
		if err != nil {
			return op, err
		}
		op.ValueDistribution = append(op.ValueDistribution, d)
	}
	return op, nil
}
