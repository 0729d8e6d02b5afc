package vestlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Vestline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Account represents the API account model (partial).
type Account struct {
	AccountID           string  `json:"accountId"`
	ProjectManagementID string  `json:"projectManagementId"`
	ContributorID       string  `json:"contributorId"`
	Currency            string  `json:"currency"`
	AccountType         string  `json:"accountType"`
	Status              string  `json:"status"`
	Balance             float64 `json:"balance"`
}

// Distribution is one time-based value curve in a transaction operation.
type Distribution struct {
	Kind         string  `json:"kind"`
	Value        float64 `json:"value"`
	StartInstant *string `json:"startInstant,omitempty"`
	DurationMs   int64   `json:"durationMs"`
}

// Operation groups distributions under one balance effect.
type Operation struct {
	BalanceEffect string         `json:"balanceEffect"`
	Distributions []Distribution `json:"distributions"`
}

// Transaction represents the API transaction model (partial).
type Transaction struct {
	TransactionID        string `json:"transactionId"`
	ContributorAccountID string `json:"contributorAccountId"`
	RegisteredInstant    string `json:"registeredInstant"`
}

// ClosedTask is one finished unit of work to credit.
type ClosedTask struct {
	TaskID      string   `json:"taskId"`
	Caps        float64  `json:"caps"`
	AssigneeIDs []string `json:"assigneeIds"`
}

// ContributorEarnings reports the outcome of one contributor's batch credit.
type ContributorEarnings struct {
	ContributorID string   `json:"contributorId"`
	AccountID     string   `json:"accountId,omitempty"`
	TransactionID string   `json:"transactionId,omitempty"`
	TaskIDs       []string `json:"taskIds,omitempty"`
	Skipped       bool     `json:"skipped"`
	Reason        string   `json:"reason,omitempty"`
}

// AccountStats is a balance with a 12-month forecast.
type AccountStats struct {
	Balance           float64            `json:"balance"`
	ForecastedBalance map[string]float64 `json:"forecastedBalance"`
	Currency          string             `json:"currency"`
}

// ProjectStats is the stats query result.
type ProjectStats struct {
	ProjectManagementID string `json:"projectManagementId"`
	Project             struct {
		Ownership AccountStats   `json:"ownership"`
		Finance   []AccountStats `json:"finance,omitempty"`
	} `json:"project"`
	Contributor *struct {
		ContributorID string         `json:"contributorId"`
		Ownership     AccountStats   `json:"ownership"`
		Finance       []AccountStats `json:"finance,omitempty"`
	} `json:"contributor,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID        int64          `json:"id"`
	AccountID string         `json:"accountId"`
	Seq       int            `json:"seq"`
	Type      string         `json:"type"`
	TS        string         `json:"ts"`
	Payload   map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateAccount creates a contributor account.
func (c *Client) CreateAccount(ctx context.Context, projectManagementID, contributorID, currency, accountType string) (Account, error) {
	body := map[string]any{
		"projectManagementId": projectManagementID,
		"contributorId":       contributorID,
		"currency":            currency,
		"accountType":         accountType,
	}
	var resp Account
	err := c.do(ctx, http.MethodPost, "v0/accounts", body, &resp)
	return resp, err
}

// GetAccount fetches one account view.
func (c *Client) GetAccount(ctx context.Context, accountID string) (Account, error) {
	var resp Account
	endpoint := fmt.Sprintf("v0/accounts/%s", url.PathEscape(accountID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ActivateAccount activates a pending account.
func (c *Client) ActivateAccount(ctx context.Context, accountID string) (Account, error) {
	var resp Account
	endpoint := fmt.Sprintf("v0/accounts/%s/activate", url.PathEscape(accountID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// AddTransaction appends a transaction to an account.
func (c *Client) AddTransaction(ctx context.Context, accountID string, operations []Operation) (Transaction, error) {
	body := map[string]any{"operations": operations}
	var resp Transaction
	endpoint := fmt.Sprintf("v0/accounts/%s/transactions", url.PathEscape(accountID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RegisterEarnings credits a batch of closed tasks.
func (c *Client) RegisterEarnings(ctx context.Context, projectManagementID string, tasks []ClosedTask) ([]ContributorEarnings, error) {
	body := map[string]any{
		"projectManagementId": projectManagementID,
		"tasks":               tasks,
	}
	var resp []ContributorEarnings
	err := c.do(ctx, http.MethodPost, "v0/earnings", body, &resp)
	return resp, err
}

// Stats returns project accounting stats, optionally scoped to a contributor.
func (c *Client) Stats(ctx context.Context, projectManagementID, contributorID string) (ProjectStats, error) {
	endpoint := fmt.Sprintf("v0/project-managements/%s/stats", url.PathEscape(projectManagementID))
	if contributorID != "" {
		endpoint = fmt.Sprintf("%s?contributor_id=%s", endpoint, url.QueryEscape(contributorID))
	}
	var resp ProjectStats
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
