// Package account implements the contributor-account aggregate: commands are
// validated against state folded from the event history, and accepted
// commands become new events. The aggregate is the sole writer of events for
// its account id; persistence and dispatch live at the boundary.
package account

import (
	"errors"
	"fmt"
	"time"

	"vestline/internal/domain"
)

var ErrAlreadyExists = errors.New("account already exists")
var ErrNotFound = errors.New("account not found")

// State is the event-reconstructed aggregate state for one account.
type State struct {
	AccountID           string
	ProjectManagementID string
	ContributorID       string
	Currency            string
	AccountType         domain.AccountType
	Status              domain.AccountStatus
	ActivationDate      *time.Time
	Transactions        []domain.Transaction
}

// Exists reports whether a created event has been applied.
func (s State) Exists() bool { return s.AccountID != "" }

// CurrentBalance folds the signed contribution of every recorded transaction
// at the given instant.
func (s State) CurrentBalance(at time.Time) float64 {
	var total float64
	for _, tx := range s.Transactions {
		total += tx.SignedAmountAt(at)
	}
	return total
}

// SourceIDs collects the source ids of every recorded transaction of the
// given source type. Used by callers to deduplicate batch credits before
// issuing AddTransaction.
func (s State) SourceIDs(sourceType string) map[string]bool {
	ids := map[string]bool{}
	for _, tx := range s.Transactions {
		if tx.Source.SourceType != sourceType {
			continue
		}
		for _, id := range tx.Source.SourceIDs {
			ids[id] = true
		}
	}
	return ids
}

// Replay folds an ordered event sequence into state. The fold is pure:
// replaying the same sequence twice yields identical state.
func Replay(events []Event) State {
	var s State
	for _, ev := range events {
		s = s.apply(ev)
	}
	return s
}

func (s State) apply(ev Event) State {
	switch e := ev.(type) {
	case AccountCreated:
		s.AccountID = e.AccountID
		s.ProjectManagementID = e.ProjectManagementID
		s.ContributorID = e.ContributorID
		s.Currency = e.Currency
		s.AccountType = e.AccountType
		s.Status = initialStatus(e.AccountType)
	case TransactionAdded:
		s.Transactions = append(s.Transactions, e.Transaction)
	case AccountActivated:
		activation := e.ActivationInstant
		s.Status = domain.StatusActive
		s.ActivationDate = &activation
	}
	return s
}

// Ownership accounts are usable the moment they are created; financial
// accounts wait for an explicit activation.
func initialStatus(t domain.AccountType) domain.AccountStatus {
	if t == domain.AccountTypeOwnership {
		return domain.StatusActive
	}
	return domain.StatusPending
}

// CreateAccount opens a new contributor account.
type CreateAccount struct {
	AccountID           string
	ProjectManagementID string
	ContributorID       string
	Currency            string
	AccountType         domain.AccountType
	CreatedInstant      time.Time
}

// AddTransaction appends a transaction to the account history.
type AddTransaction struct {
	AccountID   string
	Transaction domain.Transaction
}

// ActivateAccount transitions a pending account to active.
type ActivateAccount struct {
	AccountID         string
	ActivationInstant time.Time
}

// HandleCreate validates and emits AccountCreated. The aggregate must not
// exist yet.
func (s State) HandleCreate(cmd CreateAccount) ([]Event, error) {
	if s.Exists() {
		return nil, ErrAlreadyExists
	}
	if cmd.AccountID == "" || cmd.ProjectManagementID == "" || cmd.ContributorID == "" {
		return nil, errors.New("accountId, projectManagementId and contributorId required")
	}
	if cmd.Currency == "" {
		return nil, errors.New("currency required")
	}
	switch cmd.AccountType {
	case domain.AccountTypeOwnership, domain.AccountTypeFinancial:
	default:
		return nil, fmt.Errorf("unknown account type %q", cmd.AccountType)
	}
	return []Event{AccountCreated{
		AccountID:           cmd.AccountID,
		ProjectManagementID: cmd.ProjectManagementID,
		ContributorID:       cmd.ContributorID,
		Currency:            cmd.Currency,
		AccountType:         cmd.AccountType,
		CreatedInstant:      cmd.CreatedInstant,
	}}, nil
}

// HandleAddTransaction emits TransactionAdded unconditionally for an existing
// account. Deduplication against already-processed source ids is the caller's
// responsibility, before issuing the command.
func (s State) HandleAddTransaction(cmd AddTransaction) ([]Event, error) {
	if !s.Exists() {
		return nil, ErrNotFound
	}
	if len(cmd.Transaction.ValueOperations) == 0 {
		return nil, errors.New("transaction requires at least one operation")
	}
	for _, op := range cmd.Transaction.ValueOperations {
		if len(op.ValueDistribution) == 0 {
			return nil, errors.New("operation requires at least one distribution")
		}
	}
	return []Event{TransactionAdded{
		AccountID:     s.AccountID,
		TransactionID: cmd.Transaction.TransactionID,
		Transaction:   cmd.Transaction,
	}}, nil
}

// HandleActivate emits AccountActivated only from Pending; activating an
// already-active or disabled account is accepted with no event.
func (s State) HandleActivate(cmd ActivateAccount) ([]Event, error) {
	if !s.Exists() {
		return nil, ErrNotFound
	}
	if s.Status != domain.StatusPending {
		return nil, nil
	}
	return []Event{AccountActivated{
		AccountID:         s.AccountID,
		ActivationInstant: cmd.ActivationInstant,
	}}, nil
}
