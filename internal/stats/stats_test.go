package stats_test

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"testing"
	"time"

	"vestline/internal/config"
	"vestline/internal/db"
	"vestline/internal/distribution"
	"vestline/internal/domain"
	"vestline/internal/engine"
	"vestline/internal/migrate"
	"vestline/internal/projection"
	"vestline/internal/stats"
)

var (
	t0   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tNow = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
)

type testEnv struct {
	DB       *sql.DB
	Engine   *engine.Engine
	Resolver stats.Resolver
	Ctx      context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return tNow }
	return &testEnv{
		DB:       conn,
		Engine:   eng,
		Resolver: stats.Resolver{Repo: eng.Repo, Config: cfg, Now: eng.Now},
		Ctx:      context.Background(),
	}
}

func (env *testEnv) catchUp(t *testing.T) {
	t.Helper()
	consumer := projection.New(env.DB)
	consumer.Now = env.Engine.Now
	if err := consumer.CatchUp(env.Ctx); err != nil {
		t.Fatalf("projection catch up: %v", err)
	}
}

// seedAccount creates an account and credits it with an impulse landing just
// after t0, so every balance from t0 on equals amount.
func (env *testEnv) seedAccount(t *testing.T, contributor, currency string, accountType domain.AccountType, amount float64) string {
	t.Helper()
	state, err := env.Engine.CreateAccount(env.Ctx, engine.CreateAccountOptions{
		ProjectManagementID: "pm-1",
		ContributorID:       contributor,
		Currency:            currency,
		AccountType:         accountType,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	d, err := distribution.ForFinancial(distribution.Impulse, amount, t0, 0)
	if err != nil {
		t.Fatalf("distribution: %v", err)
	}
	_, err = env.Engine.AddTransaction(env.Ctx, state.AccountID, domain.Transaction{
		ValueOperations: []domain.TransactionOperation{{
			BalanceEffect:       domain.Credit,
			ValueDistribution:   []distribution.Distribution{d},
			FullyDefinedInstant: t0,
		}},
	})
	if err != nil {
		t.Fatalf("add transaction: %v", err)
	}
	return state.AccountID
}

func approx(t *testing.T, got, want float64, label string) {
	t.Helper()
	if math.Abs(got-want) > 1e-6 {
		t.Fatalf("%s = %v, want %v", label, got, want)
	}
}

func TestProjectStatsPartitionsOwnershipAndFinance(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "alice", "CAP", domain.AccountTypeOwnership, 100)
	env.seedAccount(t, "bob", "CAP", domain.AccountTypeOwnership, 50)
	env.seedAccount(t, "alice", "USD", domain.AccountTypeFinancial, 30)
	env.catchUp(t)

	result, err := env.Resolver.ProjectStats(env.Ctx, "pm-1", nil)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	approx(t, result.Project.Ownership.Balance, 150, "ownership balance")
	if result.Project.Ownership.Currency != "CAP" {
		t.Fatalf("ownership currency = %s", result.Project.Ownership.Currency)
	}
	if len(result.Project.Finance) != 1 {
		t.Fatalf("finance groups = %d, want 1", len(result.Project.Finance))
	}
	approx(t, result.Project.Finance[0].Balance, 30, "USD balance")
	if result.Contributor != nil {
		t.Fatal("unexpected contributor split")
	}
}

func TestProjectStatsForecastLabels(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "alice", "CAP", domain.AccountTypeOwnership, 100)
	env.catchUp(t)

	result, err := env.Resolver.ProjectStats(env.Ctx, "pm-1", nil)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	forecast := result.Project.Ownership.ForecastedBalance
	if len(forecast) != 12 {
		t.Fatalf("forecast entries = %d, want 12", len(forecast))
	}
	// Month 0 is the current balance.
	approx(t, forecast[tNow.Format("2006-01")], result.Project.Ownership.Balance, "month 0")
	for offset := 0; offset < 12; offset++ {
		label := tNow.Add(time.Duration(offset) * 30 * 24 * time.Hour).Format("2006-01")
		if _, ok := forecast[label]; !ok {
			t.Fatalf("missing forecast label %s", label)
		}
	}
}

func TestProjectStatsContributorSplit(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "alice", "CAP", domain.AccountTypeOwnership, 100)
	env.seedAccount(t, "bob", "CAP", domain.AccountTypeOwnership, 50)
	env.catchUp(t)

	contributor := "bob"
	result, err := env.Resolver.ProjectStats(env.Ctx, "pm-1", &contributor)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if result.Contributor == nil {
		t.Fatal("missing contributor split")
	}
	approx(t, result.Contributor.Ownership.Balance, 50, "bob's ownership balance")
	approx(t, result.Project.Ownership.Balance, 150, "project ownership balance")
}

func TestProjectStatsRejectsDuplicateFinancialCurrency(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "alice", "USD", domain.AccountTypeFinancial, 30)
	env.seedAccount(t, "bob", "USD", domain.AccountTypeFinancial, 20)
	env.catchUp(t)

	_, err := env.Resolver.ProjectStats(env.Ctx, "pm-1", nil)
	var conflict stats.ErrCurrencyConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ErrCurrencyConflict", err)
	}
}

func TestProjectStatsMergesWhenMultipleCurrenciesAllowed(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Accounting.MultipleCurrenciesAllowed = true
	env.seedAccount(t, "alice", "USD", domain.AccountTypeFinancial, 30)
	env.seedAccount(t, "bob", "USD", domain.AccountTypeFinancial, 20)
	env.catchUp(t)

	result, err := env.Resolver.ProjectStats(env.Ctx, "pm-1", nil)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(result.Project.Finance) != 1 {
		t.Fatalf("finance groups = %d, want 1", len(result.Project.Finance))
	}
	approx(t, result.Project.Finance[0].Balance, 50, "merged USD balance")
}
