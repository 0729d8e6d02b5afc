// Package engine is the command side of the accounting service. Commands for
// one account are serialized behind a per-account lock (single writer per
// aggregate); commands for different accounts proceed independently.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"vestline/internal/account"
	"vestline/internal/config"
	"vestline/internal/domain"
	"vestline/internal/eventstore"
	"vestline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Store  eventstore.Store
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:     db,
		Store:  eventstore.Store{DB: db},
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Now:    time.Now,
		locks:  map[string]*sync.Mutex{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// lockAccount serializes command handling for one account id.
func (e *Engine) lockAccount(accountID string) func() {
	e.mu.Lock()
	l, ok := e.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[accountID] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// execute runs one command against the folded aggregate state and appends the
// resulting events. A decision with no events is an accepted no-op.
func (e *Engine) execute(ctx context.Context, accountID string, decide func(account.State) ([]account.Event, error)) (account.State, error) {
	unlock := e.lockAccount(accountID)
	defer unlock()

	history, lastSeq, err := e.Store.Load(ctx, accountID)
	if err != nil {
		return account.State{}, fmt.Errorf("load account %s: %w", accountID, err)
	}
	state := account.Replay(history)
	events, err := decide(state)
	if err != nil {
		return state, err
	}
	if len(events) == 0 {
		return state, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return state, err
	}
	defer tx.Rollback()
	if err := e.Store.Append(ctx, tx, accountID, lastSeq, events); err != nil {
		return state, err
	}
	if err := tx.Commit(); err != nil {
		return state, err
	}
	return account.Replay(append(history, events...)), nil
}

// CreateAccountOptions are parameters for opening a contributor account.
type CreateAccountOptions struct {
	AccountID           string
	ProjectManagementID string
	ContributorID       string
	Currency            string
	AccountType         domain.AccountType
}

func (e *Engine) CreateAccount(ctx context.Context, opts CreateAccountOptions) (account.State, error) {
	if e.Config == nil {
		return account.State{}, errors.New("config not loaded")
	}
	id := opts.AccountID
	if id == "" {
		id = uuid.New().String()
	}
	return e.execute(ctx, id, func(s account.State) ([]account.Event, error) {
		return s.HandleCreate(account.CreateAccount{
			AccountID:           id,
			ProjectManagementID: opts.ProjectManagementID,
			ContributorID:       opts.ContributorID,
			Currency:            opts.Currency,
			AccountType:         opts.AccountType,
			CreatedInstant:      e.now().UTC(),
		})
	})
}

// CreateContributorAccountsForProjectManagement bootstraps accounts when a
// contributor registers with a project management. Today that is a single
// ownership account in the configured ownership currency, when the project's
// bylaws call for managed ownership.
func (e *Engine) CreateContributorAccountsForProjectManagement(ctx context.Context, projectManagementID, contributorID string, requiresOwnershipAccount bool) (string, error) {
	if e.Config == nil {
		return "", errors.New("config not loaded")
	}
	if !requiresOwnershipAccount {
		return "", nil
	}
	state, err := e.CreateAccount(ctx, CreateAccountOptions{
		ProjectManagementID: projectManagementID,
		ContributorID:       contributorID,
		Currency:            e.Config.Accounting.OwnershipCurrency,
		AccountType:         domain.AccountTypeOwnership,
	})
	if err != nil {
		return "", err
	}
	return state.AccountID, nil
}

// AddTransaction appends a transaction to an account's history.
func (e *Engine) AddTransaction(ctx context.Context, accountID string, tx domain.Transaction) (domain.Transaction, error) {
	if e.Config == nil {
		return tx, errors.New("config not loaded")
	}
	if tx.TransactionID == "" {
		tx.TransactionID = uuid.New().String()
	}
	tx.ContributorAccountID = accountID
	if tx.RegisteredInstant.IsZero() {
		tx.RegisteredInstant = e.now().UTC()
	}
	_, err := e.execute(ctx, accountID, func(s account.State) ([]account.Event, error) {
		return s.HandleAddTransaction(account.AddTransaction{AccountID: accountID, Transaction: tx})
	})
	return tx, err
}

// ActivateAccount transitions a pending account to active. Activating an
// account that is already active is accepted without producing an event.
func (e *Engine) ActivateAccount(ctx context.Context, accountID string) (account.State, error) {
	if e.Config == nil {
		return account.State{}, errors.New("config not loaded")
	}
	return e.execute(ctx, accountID, func(s account.State) ([]account.Event, error) {
		return s.HandleActivate(account.ActivateAccount{
			AccountID:         accountID,
			ActivationInstant: e.now().UTC(),
		})
	})
}

// AccountState replays an account's history for inspection.
func (e *Engine) AccountState(ctx context.Context, accountID string) (account.State, error) {
	history, _, err := e.Store.Load(ctx, accountID)
	if err != nil {
		return account.State{}, err
	}
	state := account.Replay(history)
	if !state.Exists() {
		return state, account.ErrNotFound
	}
	return state, nil
}
