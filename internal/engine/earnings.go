package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"vestline/internal/account"
	"vestline/internal/config"
	"vestline/internal/distribution"
	"vestline/internal/domain"
	"vestline/internal/repo"
)

// ErrMissingDistributionRule reports a currency with no configured vesting
// rule during earnings registration.
var ErrMissingDistributionRule = errors.New("no distribution rule configured for currency")

// RegisterTaskEarningsOptions carries one batch of closed tasks to credit.
type RegisterTaskEarningsOptions struct {
	ProjectManagementID string
	// Currency of the earnings; defaults to the configured ownership
	// currency.
	Currency string
	Tasks    []domain.ClosedTask
	// SourceOperation labels the batch's provenance; defaults to
	// "closedTask".
	SourceOperation string
}

// ContributorEarnings reports what happened for one assignee in a batch.
type ContributorEarnings struct {
	ContributorID string   `json:"contributorId"`
	AccountID     string   `json:"accountId,omitempty"`
	TransactionID string   `json:"transactionId,omitempty"`
	TaskIDs       []string `json:"taskIds,omitempty"`
	Skipped       bool     `json:"skipped"`
	Reason        string   `json:"reason,omitempty"`
}

// RegisterTaskEarnings credits closed-task earnings to each assignee's active
// ownership account. The workflow is idempotent against replayed batches:
// tasks whose ids were already recorded under the TASK_EARNINGS source are
// filtered out before a transaction is built. Contributors without a matching
// account are skipped silently.
func (e *Engine) RegisterTaskEarnings(ctx context.Context, opts RegisterTaskEarningsOptions) ([]ContributorEarnings, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	currency := opts.Currency
	if currency == "" {
		currency = e.Config.Accounting.OwnershipCurrency
	}
	sourceOperation := opts.SourceOperation
	if sourceOperation == "" {
		sourceOperation = "closedTask"
	}
	rule, ok := e.Config.Rule(currency)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingDistributionRule, currency)
	}

	byAssignee := groupTasksByAssignee(opts.Tasks)
	contributors := make([]string, 0, len(byAssignee))
	for id := range byAssignee {
		contributors = append(contributors, id)
	}
	sort.Strings(contributors)

	var results []ContributorEarnings
	for _, contributorID := range contributors {
		result, err := e.registerContributorEarnings(ctx, contributorID, currency, sourceOperation, opts.ProjectManagementID, byAssignee[contributorID], rule)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (e *Engine) registerContributorEarnings(ctx context.Context, contributorID, currency, sourceOperation, projectManagementID string, tasks []domain.ClosedTask, rule config.DistributionRule) (ContributorEarnings, error) {
	result := ContributorEarnings{ContributorID: contributorID}
	view, err := e.Repo.FindSingleUsingFilter(ctx, repo.ListAccountingFilter{
		ProjectManagementID: []string{projectManagementID},
		ContributorID:       []string{contributorID},
		Currency:            []string{currency},
		AccountType:         []domain.AccountType{domain.AccountTypeOwnership},
		AccountStatus:       []domain.AccountStatus{domain.StatusActive},
	})
	if errors.Is(err, repo.ErrNotFound) {
		// Expected condition: the contributor has no active ownership
		// account here. Not an error.
		result.Skipped = true
		result.Reason = "no active ownership account"
		return result, nil
	}
	if err != nil {
		return result, err
	}
	result.AccountID = view.AccountID

	unlock := e.lockAccount(view.AccountID)
	defer unlock()

	history, lastSeq, err := e.Store.Load(ctx, view.AccountID)
	if err != nil {
		return result, err
	}
	state := account.Replay(history)
	credited := state.SourceIDs(domain.SourceTypeTaskEarnings)

	now := e.now().UTC()
	var (
		operations []domain.TransactionOperation
		taskIDs    []string
	)
	for _, task := range tasks {
		if credited[task.TaskID] {
			continue
		}
		op, err := buildEarningsOperation(task.Caps, now, rule.StartupDefaultDuration())
		if err != nil {
			return result, fmt.Errorf("task %s: %w", task.TaskID, err)
		}
		operations = append(operations, op)
		taskIDs = append(taskIDs, task.TaskID)
	}
	if len(operations) == 0 {
		result.Skipped = true
		result.Reason = "all tasks already credited"
		return result, nil
	}

	tx := domain.Transaction{
		TransactionID:        uuid.New().String(),
		ContributorAccountID: view.AccountID,
		ValueOperations:      operations,
		RegisteredInstant:    now,
		Source: domain.TransactionSource{
			SourceType:      domain.SourceTypeTaskEarnings,
			SourceIDs:       taskIDs,
			SourceOperation: sourceOperation,
		},
	}
	events, err := state.HandleAddTransaction(account.AddTransaction{AccountID: view.AccountID, Transaction: tx})
	if err != nil {
		return result, err
	}
	dbTx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer dbTx.Rollback()
	if err := e.Store.Append(ctx, dbTx, view.AccountID, lastSeq, events); err != nil {
		return result, err
	}
	if err := dbTx.Commit(); err != nil {
		return result, err
	}
	result.TransactionID = tx.TransactionID
	result.TaskIDs = taskIDs
	return result, nil
}

// buildEarningsOperation vests a task's caps as an up-ramp over the first
// half of the window and a mirroring down-ramp over the second half, each
// carrying half the area. A zero window degenerates to a single impulse.
func buildEarningsOperation(caps float64, start time.Time, window time.Duration) (domain.TransactionOperation, error) {
	half := window / 2
	if half.Milliseconds() == 0 {
		impulse, err := distribution.ForOwnership(distribution.Impulse, caps, start, 0)
		if err != nil {
			return domain.TransactionOperation{}, err
		}
		return domain.TransactionOperation{
			BalanceEffect:       domain.Credit,
			ValueDistribution:   []distribution.Distribution{impulse},
			FullyDefinedInstant: start,
		}, nil
	}
	up, err := distribution.ForOwnership(distribution.LinearUp, caps/2, start, half)
	if err != nil {
		return domain.TransactionOperation{}, err
	}
	down, err := distribution.ForOwnership(distribution.LinearDown, caps/2, start.Add(half), half)
	if err != nil {
		return domain.TransactionOperation{}, err
	}
	return domain.TransactionOperation{
		BalanceEffect:       domain.Credit,
		ValueDistribution:   []distribution.Distribution{up, down},
		FullyDefinedInstant: start,
	}, nil
}

// groupTasksByAssignee drops unassigned and non-positive tasks, then fans the
// rest out per assignee.
func groupTasksByAssignee(tasks []domain.ClosedTask) map[string][]domain.ClosedTask {
	grouped := map[string][]domain.ClosedTask{}
	for _, task := range tasks {
		if task.Caps <= 0 || len(task.AssigneeIDs) == 0 {
			continue
		}
		for _, assignee := range task.AssigneeIDs {
			grouped[assignee] = append(grouped[assignee], task)
		}
	}
	return grouped
}
