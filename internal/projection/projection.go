// Package projection materializes contributor-account views from the event
// log. The consumer processes one event at a time and commits each view
// change together with its checkpoint, so a restart resumes from the last
// acknowledged offset without double-applying a TransactionAdded.
package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"vestline/internal/account"
	"vestline/internal/domain"
	"vestline/internal/eventstore"
	"vestline/internal/repo"
)

const (
	DefaultConsumerName = "contributor-account-view"
	defaultInterval     = 500 * time.Millisecond
	defaultBatch        = 100
)

type Consumer struct {
	DB       *sql.DB
	Store    eventstore.Store
	Repo     repo.Repo
	Name     string
	Interval time.Duration
	Batch    int
	Logger   *log.Logger
	Now      func() time.Time
}

func New(db *sql.DB) *Consumer {
	return &Consumer{
		DB:    db,
		Store: eventstore.Store{DB: db},
		Repo:  repo.Repo{DB: db},
		Name:  DefaultConsumerName,
	}
}

func (c *Consumer) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c *Consumer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Consumer) name() string {
	if c.Name != "" {
		return c.Name
	}
	return DefaultConsumerName
}

// Run polls the event log until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	interval := c.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.CatchUp(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger().Printf("projection %s: %v", c.name(), err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CatchUp applies every unprocessed event, one at a time, and returns once
// the consumer has caught up with the log.
func (c *Consumer) CatchUp(ctx context.Context) error {
	batch := c.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	for {
		offset, err := c.Repo.LastOffset(ctx, c.name())
		if err != nil {
			return fmt.Errorf("read offset: %w", err)
		}
		events, err := c.Store.ReadSince(ctx, offset, batch)
		if err != nil {
			return fmt.Errorf("read events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}
		for _, se := range events {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.applyOne(ctx, se); err != nil {
				return err
			}
		}
	}
}

func (c *Consumer) applyOne(ctx context.Context, se eventstore.StoredEvent) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := c.apply(ctx, tx, se); err != nil {
		// The view is a best-effort derivative: a row the event expects may
		// be missing after manual intervention. Log, acknowledge, move on.
		c.logger().Printf("projection %s: drop event %d (%s) for account %s: %v",
			c.name(), se.ID, se.Type, se.AccountID, err)
	}
	if err := c.Repo.SetOffsetTx(ctx, tx, c.name(), se.ID); err != nil {
		return fmt.Errorf("set offset: %w", err)
	}
	return tx.Commit()
}

func (c *Consumer) apply(ctx context.Context, tx *sql.Tx, se eventstore.StoredEvent) error {
	switch ev := se.Event.(type) {
	case account.AccountCreated:
		status := domain.StatusPending
		if ev.AccountType == domain.AccountTypeOwnership {
			status = domain.StatusActive
		}
		return c.Repo.InsertViewTx(ctx, tx, domain.ContributorAccountView{
			AccountID:             ev.AccountID,
			ProjectManagementID:   ev.ProjectManagementID,
			ContributorID:         ev.ContributorID,
			Currency:              ev.Currency,
			AccountType:           ev.AccountType,
			Status:                status,
			LastUpdatedInstant:    ev.CreatedInstant,
			TransactionOperations: []domain.TransactionOperation{},
		})
	case account.TransactionAdded:
		return c.Repo.AppendViewOperationsTx(ctx, tx, ev.AccountID, ev.Transaction.ValueOperations, c.now())
	case account.AccountActivated:
		activation := ev.ActivationInstant
		return c.Repo.SetViewStatusTx(ctx, tx, ev.AccountID, domain.StatusActive, &activation, activation)
	default:
		return fmt.Errorf("unhandled event type %s", se.Type)
	}
}
