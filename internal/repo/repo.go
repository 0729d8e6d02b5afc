// Package repo persists the read model: materialized contributor-account
// views, projection checkpoints, and API keys. Views are a best-effort
// derivative of the event log and may lag behind the write path.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vestline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ListAccountingFilter narrows view queries; empty slices mean "any".
type ListAccountingFilter struct {
	ProjectManagementID []string
	ContributorID       []string
	Currency            []string
	AccountType         []domain.AccountType
	AccountStatus       []domain.AccountStatus
}

func scanView(scan func(dest ...any) error) (domain.ContributorAccountView, error) {
	var (
		v          domain.ContributorAccountView
		activation sql.NullString
		updated    string
		opsJSON    string
	)
	err := scan(&v.AccountID, &v.ProjectManagementID, &v.ContributorID, &v.Currency,
		&v.AccountType, &v.Status, &activation, &updated, &opsJSON)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if activation.Valid {
		t, err := time.Parse(time.RFC3339Nano, activation.String)
		if err != nil {
			return v, fmt.Errorf("parse activation_date: %w", err)
		}
		v.ActivationDate = &t
	}
	lu, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return v, fmt.Errorf("parse last_updated: %w", err)
	}
	v.LastUpdatedInstant = lu
	if err := json.Unmarshal([]byte(opsJSON), &v.TransactionOperations); err != nil {
		return v, fmt.Errorf("decode operations: %w", err)
	}
	return v, nil
}

const viewColumns = `account_id,project_management_id,contributor_id,currency,account_type,status,activation_date,last_updated,operations_json`

// GetView returns one view by account id.
func (r Repo) GetView(ctx context.Context, accountID string) (domain.ContributorAccountView, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+viewColumns+` FROM account_views WHERE account_id=?`, accountID)
	return scanView(row.Scan)
}

// InsertViewTx creates a fresh view row inside the caller's transaction.
func (r Repo) InsertViewTx(ctx context.Context, tx *sql.Tx, v domain.ContributorAccountView) error {
	opsJSON, err := marshalOperations(v.TransactionOperations)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO account_views(`+viewColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		v.AccountID, v.ProjectManagementID, v.ContributorID, v.Currency,
		string(v.AccountType), string(v.Status), nullableInstant(v.ActivationDate),
		v.LastUpdatedInstant.UTC().Format(time.RFC3339Nano), opsJSON)
	return err
}

// AppendViewOperationsTx appends operations to an existing view's list and
// refreshes its update instant. Cost is proportional to the appended batch,
// not the full history length held in memory by the caller.
func (r Repo) AppendViewOperationsTx(ctx context.Context, tx *sql.Tx, accountID string, ops []domain.TransactionOperation, updated time.Time) error {
	var opsJSON string
	err := tx.QueryRowContext(ctx, `SELECT operations_json FROM account_views WHERE account_id=?`, accountID).Scan(&opsJSON)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var existing []domain.TransactionOperation
	if err := json.Unmarshal([]byte(opsJSON), &existing); err != nil {
		return fmt.Errorf("decode operations: %w", err)
	}
	merged, err := marshalOperations(append(existing, ops...))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE account_views SET operations_json=?, last_updated=? WHERE account_id=?`,
		merged, updated.UTC().Format(time.RFC3339Nano), accountID)
	return err
}

// SetViewStatusTx updates a view's status and activation instant, leaving the
// operation list untouched.
func (r Repo) SetViewStatusTx(ctx context.Context, tx *sql.Tx, accountID string, status domain.AccountStatus, activation *time.Time, updated time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE account_views SET status=?, activation_date=?, last_updated=? WHERE account_id=?`,
		string(status), nullableInstant(activation), updated.UTC().Format(time.RFC3339Nano), accountID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindUsingFilter returns every view matching the filter.
func (r Repo) FindUsingFilter(ctx context.Context, filter ListAccountingFilter) ([]domain.ContributorAccountView, error) {
	query, args := filterQuery(filter)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ContributorAccountView
	for rows.Next() {
		v, err := scanView(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// FindSingleUsingFilter returns the first view matching the filter, or
// ErrNotFound.
func (r Repo) FindSingleUsingFilter(ctx context.Context, filter ListAccountingFilter) (domain.ContributorAccountView, error) {
	views, err := r.FindUsingFilter(ctx, filter)
	if err != nil {
		return domain.ContributorAccountView{}, err
	}
	if len(views) == 0 {
		return domain.ContributorAccountView{}, ErrNotFound
	}
	return views[0], nil
}

func filterQuery(filter ListAccountingFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		where = append(where, fmt.Sprintf("%s IN (%s)", column, placeholders(len(values))))
		for _, v := range values {
			args = append(args, v)
		}
	}
	add("project_management_id", filter.ProjectManagementID)
	add("contributor_id", filter.ContributorID)
	add("currency", filter.Currency)
	add("account_type", asStrings(filter.AccountType))
	add("status", asStrings(filter.AccountStatus))
	query := `SELECT ` + viewColumns + ` FROM account_views`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY account_id`
	return query, args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func asStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

// LastOffset returns the last acknowledged event id for a named consumer,
// 0 when the consumer has never run.
func (r Repo) LastOffset(ctx context.Context, name string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM projection_offsets WHERE name=?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

// SetOffsetTx records the consumer checkpoint inside the caller's
// transaction, so a view change and its acknowledgement commit atomically.
func (r Repo) SetOffsetTx(ctx context.Context, tx *sql.Tx, name string, lastEventID int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projection_offsets(name,last_event_id) VALUES (?,?)
ON CONFLICT(name) DO UPDATE SET last_event_id=excluded.last_event_id`, name, lastEventID)
	return err
}

func marshalOperations(ops []domain.TransactionOperation) (string, error) {
	if ops == nil {
		ops = []domain.TransactionOperation{}
	}
	b, err := json.Marshal(ops)
	if err != nil {
		return "", fmt.Errorf("encode operations: %w", err)
	}
	return string(b), nil
}

func nullableInstant(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
