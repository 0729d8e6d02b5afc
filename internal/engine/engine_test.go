package engine_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"vestline/internal/account"
	"vestline/internal/config"
	"vestline/internal/db"
	"vestline/internal/distribution"
	"vestline/internal/domain"
	"vestline/internal/engine"
	"vestline/internal/migrate"
	"vestline/internal/projection"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine   *engine.Engine
	Consumer *projection.Consumer
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return t0 }
	consumer := projection.New(conn)
	consumer.Now = eng.Now
	return testEnv{Engine: eng, Consumer: consumer, Ctx: context.Background()}
}

func (env testEnv) catchUp(t *testing.T) {
	t.Helper()
	if err := env.Consumer.CatchUp(env.Ctx); err != nil {
		t.Fatalf("projection catch up: %v", err)
	}
}

func approx(t *testing.T, got, want float64, label string) {
	t.Helper()
	if math.Abs(got-want) > 1e-6 {
		t.Fatalf("%s = %v, want %v", label, got, want)
	}
}

func TestCreateAccountRejectsDuplicate(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.CreateAccountOptions{
		AccountID:           "acc-1",
		ProjectManagementID: "pm-1",
		ContributorID:       "alice",
		Currency:            "CAP",
		AccountType:         domain.AccountTypeOwnership,
	}
	if _, err := env.Engine.CreateAccount(env.Ctx, opts); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.CreateAccount(env.Ctx, opts); !errors.Is(err, account.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestActivateFinancialAccount(t *testing.T) {
	env := newTestEnv(t)
	state, err := env.Engine.CreateAccount(env.Ctx, engine.CreateAccountOptions{
		ProjectManagementID: "pm-1",
		ContributorID:       "alice",
		Currency:            "USD",
		AccountType:         domain.AccountTypeFinancial,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if state.Status != domain.StatusPending {
		t.Fatalf("status = %s, want PENDING", state.Status)
	}
	state, err = env.Engine.ActivateAccount(env.Ctx, state.AccountID)
	if err != nil || state.Status != domain.StatusActive {
		t.Fatalf("activate: status=%s err=%v", state.Status, err)
	}
	// Second activation is accepted and appends nothing.
	again, err := env.Engine.ActivateAccount(env.Ctx, state.AccountID)
	if err != nil || again.Status != domain.StatusActive {
		t.Fatalf("re-activate: status=%s err=%v", again.Status, err)
	}
	history, _, err := env.Engine.Store.Load(env.Ctx, state.AccountID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	activations := 0
	for _, ev := range history {
		if ev.EventType() == account.TypeAccountActivated {
			activations++
		}
	}
	if activations != 1 {
		t.Fatalf("activation events = %d, want 1", activations)
	}
}

func TestAddTransactionFillsIdentifiers(t *testing.T) {
	env := newTestEnv(t)
	state, err := env.Engine.CreateAccount(env.Ctx, engine.CreateAccountOptions{
		ProjectManagementID: "pm-1",
		ContributorID:       "alice",
		Currency:            "CAP",
		AccountType:         domain.AccountTypeOwnership,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	d, err := distribution.ForOwnership(distribution.Step, 50, t0, 10*24*time.Hour)
	if err != nil {
		t.Fatalf("distribution: %v", err)
	}
	tx, err := env.Engine.AddTransaction(env.Ctx, state.AccountID, domain.Transaction{
		ValueOperations: []domain.TransactionOperation{{
			BalanceEffect:       domain.Credit,
			ValueDistribution:   []distribution.Distribution{d},
			FullyDefinedInstant: t0,
		}},
	})
	if err != nil {
		t.Fatalf("add transaction: %v", err)
	}
	if tx.TransactionID == "" || tx.ContributorAccountID != state.AccountID || tx.RegisteredInstant.IsZero() {
		t.Fatalf("transaction not filled: %+v", tx)
	}
	reloaded, err := env.Engine.AccountState(env.Ctx, state.AccountID)
	if err != nil {
		t.Fatalf("account state: %v", err)
	}
	approx(t, reloaded.CurrentBalance(t0.Add(10*24*time.Hour)), 50, "balance after step")
}

func TestRegisterTaskEarningsVestsTwoPhase(t *testing.T) {
	env := newTestEnv(t)
	state, err := env.Engine.CreateAccount(env.Ctx, engine.CreateAccountOptions{
		ProjectManagementID: "pm-1",
		ContributorID:       "alice",
		Currency:            "CAP",
		AccountType:         domain.AccountTypeOwnership,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	env.catchUp(t)

	results, err := env.Engine.RegisterTaskEarnings(env.Ctx, engine.RegisterTaskEarningsOptions{
		ProjectManagementID: "pm-1",
		Tasks: []domain.ClosedTask{
			{TaskID: "T-1", Caps: 120, AssigneeIDs: []string{"alice"}},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(results) != 1 || results[0].Skipped || results[0].AccountID != state.AccountID {
		t.Fatalf("results = %+v", results)
	}

	reloaded, err := env.Engine.AccountState(env.Ctx, state.AccountID)
	if err != nil {
		t.Fatalf("account state: %v", err)
	}
	// 30-day window: half the area vests by day 15, all of it by day 30.
	approx(t, reloaded.CurrentBalance(t0.Add(-time.Hour)), 0, "balance before start")
	approx(t, reloaded.CurrentBalance(t0), 0, "balance at start")
	approx(t, reloaded.CurrentBalance(t0.Add(15*24*time.Hour)), 60, "balance at day 15")
	approx(t, reloaded.CurrentBalance(t0.Add(30*24*time.Hour)), 120, "balance at day 30")
	approx(t, reloaded.CurrentBalance(t0.Add(60*24*time.Hour)), 120, "balance after end")
}

func TestRegisterTaskEarningsIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	state, err := env.Engine.CreateAccount(env.Ctx, engine.CreateAccountOptions{
		ProjectManagementID: "pm-1",
		ContributorID:       "alice",
		Currency:            "CAP",
		AccountType:         domain.AccountTypeOwnership,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	env.catchUp(t)

	batch := engine.RegisterTaskEarningsOptions{
		ProjectManagementID: "pm-1",
		Tasks: []domain.ClosedTask{
			{TaskID: "T-1", Caps: 120, AssigneeIDs: []string{"alice"}},
		},
	}
	if _, err := env.Engine.RegisterTaskEarnings(env.Ctx, batch); err != nil {
		t.Fatalf("first register: %v", err)
	}
	end := t0.Add(30 * 24 * time.Hour)
	first, _ := env.Engine.AccountState(env.Ctx, state.AccountID)
	balance := first.CurrentBalance(end)

	results, err := env.Engine.RegisterTaskEarnings(env.Ctx, batch)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if len(results) != 1 || !results[0].Skipped {
		t.Fatalf("second register results = %+v, want skipped", results)
	}
	second, _ := env.Engine.AccountState(env.Ctx, state.AccountID)
	approx(t, second.CurrentBalance(end), balance, "balance after replay")
	if len(second.Transactions) != len(first.Transactions) {
		t.Fatalf("replay appended a transaction: %d vs %d", len(second.Transactions), len(first.Transactions))
	}
}

func TestRegisterTaskEarningsSkipsUnknownContributor(t *testing.T) {
	env := newTestEnv(t)
	results, err := env.Engine.RegisterTaskEarnings(env.Ctx, engine.RegisterTaskEarningsOptions{
		ProjectManagementID: "pm-1",
		Tasks: []domain.ClosedTask{
			{TaskID: "T-1", Caps: 120, AssigneeIDs: []string{"nobody"}},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(results) != 1 || !results[0].Skipped {
		t.Fatalf("results = %+v, want skipped", results)
	}
}

func TestRegisterTaskEarningsExcludesWorthlessTasks(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateAccount(env.Ctx, engine.CreateAccountOptions{
		ProjectManagementID: "pm-1",
		ContributorID:       "alice",
		Currency:            "CAP",
		AccountType:         domain.AccountTypeOwnership,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	env.catchUp(t)

	results, err := env.Engine.RegisterTaskEarnings(env.Ctx, engine.RegisterTaskEarningsOptions{
		ProjectManagementID: "pm-1",
		Tasks: []domain.ClosedTask{
			{TaskID: "T-zero", Caps: 0, AssigneeIDs: []string{"alice"}},
			{TaskID: "T-unassigned", Caps: 10},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("results = %+v, want empty", results)
	}
}

func TestRegisterTaskEarningsUnknownCurrency(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterTaskEarnings(env.Ctx, engine.RegisterTaskEarningsOptions{
		ProjectManagementID: "pm-1",
		Currency:            "XYZ",
		Tasks: []domain.ClosedTask{
			{TaskID: "T-1", Caps: 10, AssigneeIDs: []string{"alice"}},
		},
	})
	if !errors.Is(err, engine.ErrMissingDistributionRule) {
		t.Fatalf("err = %v, want ErrMissingDistributionRule", err)
	}
}
