// Package stats resolves accounting statistics from the materialized views:
// current balances plus a rolling 12-month vesting forecast, split between the
// project's ownership pool and its per-currency financial accounts.
package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"vestline/internal/config"
	"vestline/internal/domain"
	"vestline/internal/repo"
)

const forecastMonths = 12

// ErrCurrencyConflict reports accounts whose currencies cannot be merged into
// one stat under the current configuration.
type ErrCurrencyConflict struct {
	Scope      string
	Currencies []string
}

func (e ErrCurrencyConflict) Error() string {
	return fmt.Sprintf("%s accounts mix currencies %v and multiple currencies are not allowed", e.Scope, e.Currencies)
}

type Resolver struct {
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

func New(r repo.Repo, cfg *config.Config) Resolver {
	return Resolver{Repo: r, Config: cfg, Now: time.Now}
}

func (s Resolver) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// ProjectStats resolves stats over every active and pending account of a
// project management. When requestingContributorID is set, the result also
// carries that contributor's personal split.
func (s Resolver) ProjectStats(ctx context.Context, projectManagementID string, requestingContributorID *string) (domain.ProjectManagementAccountingStats, error) {
	out := domain.ProjectManagementAccountingStats{ProjectManagementID: projectManagementID}
	views, err := s.Repo.FindUsingFilter(ctx, repo.ListAccountingFilter{
		ProjectManagementID: []string{projectManagementID},
		AccountStatus:       []domain.AccountStatus{domain.StatusActive, domain.StatusPending},
	})
	if err != nil {
		return out, err
	}
	now := s.now().UTC()

	project, err := s.resolveSplit(views, now, "project")
	if err != nil {
		return out, err
	}
	out.Project = project

	if requestingContributorID != nil && *requestingContributorID != "" {
		var mine []domain.ContributorAccountView
		for _, v := range views {
			if v.ContributorID == *requestingContributorID {
				mine = append(mine, v)
			}
		}
		split, err := s.resolveSplit(mine, now, "contributor")
		if err != nil {
			return out, err
		}
		out.Contributor = &domain.ContributorAccountingStats{
			ContributorID: *requestingContributorID,
			Ownership:     split.Ownership,
			Finance:       split.Finance,
		}
	}
	return out, nil
}

func (s Resolver) resolveSplit(views []domain.ContributorAccountView, now time.Time, scope string) (domain.ProjectAccountingStats, error) {
	var (
		ownership []domain.ContributorAccountView
		financial []domain.ContributorAccountView
	)
	for _, v := range views {
		if v.AccountType == domain.AccountTypeOwnership {
			ownership = append(ownership, v)
		} else {
			financial = append(financial, v)
		}
	}

	ownershipStats, err := s.mergeOwnership(ownership, now, scope)
	if err != nil {
		return domain.ProjectAccountingStats{}, err
	}
	financeStats, err := s.groupFinancial(financial, now, scope)
	if err != nil {
		return domain.ProjectAccountingStats{}, err
	}
	return domain.ProjectAccountingStats{Ownership: ownershipStats, Finance: financeStats}, nil
}

func (s Resolver) mergeOwnership(views []domain.ContributorAccountView, now time.Time, scope string) (domain.AccountStats, error) {
	currency := s.Config.Accounting.OwnershipCurrency
	if len(views) > 0 {
		seen := distinctCurrencies(views)
		if len(seen) > 1 && !s.Config.Accounting.MultipleCurrenciesAllowed {
			return domain.AccountStats{}, ErrCurrencyConflict{Scope: scope + " ownership", Currencies: seen}
		}
		currency = views[0].Currency
	}
	return accumulate(views, currency, now), nil
}

func (s Resolver) groupFinancial(views []domain.ContributorAccountView, now time.Time, scope string) ([]domain.AccountStats, error) {
	byCurrency := map[string][]domain.ContributorAccountView{}
	for _, v := range views {
		byCurrency[v.Currency] = append(byCurrency[v.Currency], v)
	}
	currencies := make([]string, 0, len(byCurrency))
	for c := range byCurrency {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)

	var out []domain.AccountStats
	for _, c := range currencies {
		group := byCurrency[c]
		if len(group) > 1 && !s.Config.Accounting.MultipleCurrenciesAllowed {
			return nil, ErrCurrencyConflict{Scope: scope + " financial", Currencies: []string{c}}
		}
		out = append(out, accumulate(group, c, now))
	}
	return out, nil
}

// accumulate sums balances across the group at now and at eleven further
// 30-day steps, labelled by the month they land in.
func accumulate(views []domain.ContributorAccountView, currency string, now time.Time) domain.AccountStats {
	stats := domain.AccountStats{
		Currency:          currency,
		ForecastedBalance: make(map[string]float64, forecastMonths),
	}
	for offset := 0; offset < forecastMonths; offset++ {
		at := now.Add(time.Duration(offset) * 30 * 24 * time.Hour)
		var balance float64
		for _, v := range views {
			balance += v.BalanceAt(at)
		}
		stats.ForecastedBalance[at.Format("2006-01")] = balance
		if offset == 0 {
			stats.Balance = balance
		}
	}
	return stats
}

func distinctCurrencies(views []domain.ContributorAccountView) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range views {
		if !seen[v.Currency] {
			seen[v.Currency] = true
			out = append(out, v.Currency)
		}
	}
	sort.Strings(out)
	return out
}
