package projection_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"vestline/internal/account"
	"vestline/internal/db"
	"vestline/internal/distribution"
	"vestline/internal/domain"
	"vestline/internal/eventstore"
	"vestline/internal/migrate"
	"vestline/internal/projection"
	"vestline/internal/repo"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func appendEvents(t *testing.T, conn *sql.DB, accountID string, fromSeq int, events []account.Event) {
	t.Helper()
	store := eventstore.Store{DB: conn, Now: func() time.Time { return t0 }}
	tx, err := conn.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := store.Append(context.Background(), tx, accountID, fromSeq, events); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func sampleTransaction(accountID string) domain.Transaction {
	d, _ := distribution.ForOwnership(distribution.LinearUp, 60, t0, 15*24*time.Hour)
	return domain.Transaction{
		TransactionID:        "tx-1",
		ContributorAccountID: accountID,
		ValueOperations: []domain.TransactionOperation{{
			BalanceEffect:       domain.Credit,
			ValueDistribution:   []distribution.Distribution{d},
			FullyDefinedInstant: t0,
		}},
		RegisteredInstant: t0,
	}
}

func TestConsumerBuildsViewFromEvents(t *testing.T) {
	conn := newTestDB(t)
	appendEvents(t, conn, "acc-1", 0, []account.Event{
		account.AccountCreated{
			AccountID:           "acc-1",
			ProjectManagementID: "pm-1",
			ContributorID:       "alice",
			Currency:            "USD",
			AccountType:         domain.AccountTypeFinancial,
			CreatedInstant:      t0,
		},
		account.TransactionAdded{
			AccountID:     "acc-1",
			TransactionID: "tx-1",
			Transaction:   sampleTransaction("acc-1"),
		},
		account.AccountActivated{
			AccountID:         "acc-1",
			ActivationInstant: t0.Add(time.Hour),
		},
	})

	consumer := projection.New(conn)
	consumer.Now = func() time.Time { return t0 }
	if err := consumer.CatchUp(context.Background()); err != nil {
		t.Fatalf("catch up: %v", err)
	}

	r := repo.Repo{DB: conn}
	view, err := r.GetView(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("get view: %v", err)
	}
	if view.Status != domain.StatusActive {
		t.Fatalf("status = %s, want ACTIVE", view.Status)
	}
	if view.ActivationDate == nil || !view.ActivationDate.Equal(t0.Add(time.Hour)) {
		t.Fatalf("activation date = %v", view.ActivationDate)
	}
	if len(view.TransactionOperations) != 1 {
		t.Fatalf("operations = %d, want 1", len(view.TransactionOperations))
	}

	offset, err := r.LastOffset(context.Background(), projection.DefaultConsumerName)
	if err != nil {
		t.Fatalf("offset: %v", err)
	}
	if offset != 3 {
		t.Fatalf("offset = %d, want 3", offset)
	}
}

func TestConsumerCatchUpIsIdempotent(t *testing.T) {
	conn := newTestDB(t)
	appendEvents(t, conn, "acc-1", 0, []account.Event{
		account.AccountCreated{
			AccountID:           "acc-1",
			ProjectManagementID: "pm-1",
			ContributorID:       "alice",
			Currency:            "CAP",
			AccountType:         domain.AccountTypeOwnership,
			CreatedInstant:      t0,
		},
		account.TransactionAdded{
			AccountID:     "acc-1",
			TransactionID: "tx-1",
			Transaction:   sampleTransaction("acc-1"),
		},
	})

	consumer := projection.New(conn)
	consumer.Now = func() time.Time { return t0 }
	for i := 0; i < 3; i++ {
		if err := consumer.CatchUp(context.Background()); err != nil {
			t.Fatalf("catch up %d: %v", i, err)
		}
	}

	r := repo.Repo{DB: conn}
	view, err := r.GetView(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("get view: %v", err)
	}
	// A re-run must not double-append the transaction's operations.
	if len(view.TransactionOperations) != 1 {
		t.Fatalf("operations = %d, want 1", len(view.TransactionOperations))
	}
	if view.Status != domain.StatusActive {
		t.Fatalf("ownership view status = %s, want ACTIVE", view.Status)
	}
}

func TestConsumerDropsEventForMissingView(t *testing.T) {
	conn := newTestDB(t)
	// Transaction for an account that never had a created event in the view.
	appendEvents(t, conn, "ghost", 0, []account.Event{
		account.TransactionAdded{
			AccountID:     "ghost",
			TransactionID: "tx-1",
			Transaction:   sampleTransaction("ghost"),
		},
	})

	consumer := projection.New(conn)
	consumer.Now = func() time.Time { return t0 }
	consumer.Logger = log.New(io.Discard, "", 0)
	if err := consumer.CatchUp(context.Background()); err != nil {
		t.Fatalf("catch up: %v", err)
	}

	r := repo.Repo{DB: conn}
	if _, err := r.GetView(context.Background(), "ghost"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	// The event is acknowledged even though it was dropped.
	offset, err := r.LastOffset(context.Background(), projection.DefaultConsumerName)
	if err != nil {
		t.Fatalf("offset: %v", err)
	}
	if offset != 1 {
		t.Fatalf("offset = %d, want 1", offset)
	}
}
