// Package domain holds the accounting value objects shared by the write path
// (aggregate) and the read path (projection).
package domain

import (
	"time"

	"vestline/internal/distribution"
)

// AccountType distinguishes ownership (vested caps) accounts from financial
// (currency) accounts.
type AccountType string

const (
	AccountTypeOwnership AccountType = "OWNERSHIP"
	AccountTypeFinancial AccountType = "FINANCIAL"
)

// AccountStatus is the lifecycle state of a contributor account. Disabled is
// a soft-terminal state with no modeled command reaching it yet.
type AccountStatus string

const (
	StatusPending  AccountStatus = "PENDING"
	StatusActive   AccountStatus = "ACTIVE"
	StatusDisabled AccountStatus = "DISABLED"
)

// BalanceEffect signs an operation's contribution.
type BalanceEffect string

const (
	Credit BalanceEffect = "CREDIT"
	Debit  BalanceEffect = "DEBIT"
)

// Multiplier returns +1 for credits and -1 for debits.
func (e BalanceEffect) Multiplier() float64 {
	if e == Debit {
		return -1
	}
	return 1
}

// TransactionOperation groups one or more distributions under a single
// balance effect. The distribution list is never empty once attached to a
// transaction.
type TransactionOperation struct {
	BalanceEffect       BalanceEffect               `json:"balanceEffect"`
	ValueDistribution   []distribution.Distribution `json:"valueDistribution"`
	FullyDefinedInstant time.Time                   `json:"fullyDefinedInstant"`
}

// SignedAmountAt returns the operation's signed contribution at t: the sum of
// each distribution's integral from its start, multiplied by the effect sign.
func (op TransactionOperation) SignedAmountAt(t time.Time) float64 {
	var area float64
	for _, d := range op.ValueDistribution {
		area += d.IntegrateTo(t)
	}
	return area * op.BalanceEffect.Multiplier()
}

// TransactionSource tags a transaction with its provenance, used to keep
// batch credits idempotent against replayed messages.
type TransactionSource struct {
	SourceType      string   `json:"sourceType"`
	SourceIDs       []string `json:"sourceIds"`
	SourceOperation string   `json:"sourceOperation"`
}

// SourceTypeTaskEarnings marks transactions produced by the closed-task
// earnings workflow.
const SourceTypeTaskEarnings = "TASK_EARNINGS"

// Transaction is an atomic, ordered group of operations sharing one source.
// Once appended to an account's history it is immutable.
type Transaction struct {
	TransactionID        string                 `json:"transactionId"`
	ContributorAccountID string                 `json:"contributorAccountId"`
	ValueOperations      []TransactionOperation `json:"valueOperations"`
	RegisteredInstant    time.Time              `json:"registeredInstant"`
	Source               TransactionSource      `json:"transactionSource"`
}

// SignedAmountAt sums the transaction's operations at t.
func (tx Transaction) SignedAmountAt(t time.Time) float64 {
	var total float64
	for _, op := range tx.ValueOperations {
		total += op.SignedAmountAt(t)
	}
	return total
}

// ContributorAccountView is the read-model row maintained by the projection.
// Its operation list always equals the union of operations from every
// transaction event applied so far.
type ContributorAccountView struct {
	AccountID             string                 `json:"accountId"`
	ProjectManagementID   string                 `json:"projectManagementId"`
	ContributorID         string                 `json:"contributorId"`
	Currency              string                 `json:"currency"`
	AccountType           AccountType            `json:"accountType"`
	Status                AccountStatus          `json:"status"`
	ActivationDate        *time.Time             `json:"activationDate,omitempty"`
	LastUpdatedInstant    time.Time              `json:"lastUpdatedInstant"`
	TransactionOperations []TransactionOperation `json:"transactionOperations"`
}

// BalanceAt recomputes the view's balance at t from its stored operations.
func (v ContributorAccountView) BalanceAt(t time.Time) float64 {
	var total float64
	for _, op := range v.TransactionOperations {
		total += op.SignedAmountAt(t)
	}
	return total
}

// ClosedTask is one finished unit of work carrying a capped value for its
// assignees, fed into the earnings registration workflow.
type ClosedTask struct {
	TaskID      string   `json:"taskId"`
	Caps        float64  `json:"caps"`
	AssigneeIDs []string `json:"assigneeIds"`
}

// AccountStats is a current balance plus a 12-month forecast keyed by
// YYYY-MM month label, for one currency.
type AccountStats struct {
	Balance           float64            `json:"balance"`
	ForecastedBalance map[string]float64 `json:"forecastedBalance"`
	Currency          string             `json:"currency"`
}

// ProjectAccountingStats splits a project's accounts into one ownership stat
// and per-currency financial stats.
type ProjectAccountingStats struct {
	Ownership AccountStats   `json:"ownership"`
	Finance   []AccountStats `json:"finance,omitempty"`
}

// ContributorAccountingStats is the same split scoped to one contributor.
type ContributorAccountingStats struct {
	ContributorID string         `json:"contributorId"`
	Ownership     AccountStats   `json:"ownership"`
	Finance       []AccountStats `json:"finance,omitempty"`
}

// ProjectManagementAccountingStats is the stats query result.
type ProjectManagementAccountingStats struct {
	ProjectManagementID string                      `json:"projectManagementId"`
	Project             ProjectAccountingStats      `json:"project"`
	Contributor         *ContributorAccountingStats `json:"contributor,omitempty"`
}
