// Package server exposes the accounting engine over HTTP. Routes are
// registered with huma on a chi router; every error is rendered through one
// envelope of code, message and optional details.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"vestline/internal/account"
	"vestline/internal/distribution"
	"vestline/internal/domain"
	"vestline/internal/engine"
	"vestline/internal/repo"
	"vestline/internal/stats"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"account not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Vestline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Vestline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	resolver := stats.Resolver{Repo: cfg.Engine.Repo, Config: cfg.Engine.Config, Now: cfg.Engine.Now}

	registerDocs(router, basePath)
	registerHealth(group)
	registerAccounts(group, cfg.Engine)
	registerTransactions(group, cfg.Engine)
	registerContributors(group, cfg.Engine)
	registerEarnings(group, cfg.Engine)
	registerStats(group, resolver)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, account.ErrAlreadyExists) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, account.ErrNotFound) || errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var invalid distribution.ErrInvalidParameters
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"reason": invalid.Reason})
	}
	var conflict stats.ErrCurrencyConflict
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusUnprocessableEntity, "currency_conflict", err.Error(), map[string]any{"currencies": conflict.Currencies})
	}
	if errors.Is(err, engine.ErrMissingDistributionRule) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Vestline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func stateResponse(s account.State, at time.Time) AccountResponse {
	return AccountResponse{
		AccountID:           s.AccountID,
		ProjectManagementID: s.ProjectManagementID,
		ContributorID:       s.ContributorID,
		Currency:            s.Currency,
		AccountType:         string(s.AccountType),
		Status:              string(s.Status),
		ActivationDate:      s.ActivationDate,
		Balance:             s.CurrentBalance(at),
		TransactionCount:    len(s.Transactions),
	}
}

func registerAccounts(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-account",
		Method:        http.MethodPost,
		Path:          "/accounts",
		Summary:       "Create contributor account",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAccountRequest `json:"body"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		if input.Body.ProjectManagementID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "projectManagementId is required", nil)
		}
		if input.Body.ContributorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "contributorId is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateAccountOptions{
			ProjectManagementID: input.Body.ProjectManagementID,
			ContributorID:       input.Body.ContributorID,
			Currency:            input.Body.Currency,
			AccountType:         domain.AccountType(input.Body.AccountType),
		}
		if input.Body.ID != nil {
			opts.AccountID = *input.Body.ID
		}
		state, err := e.CreateAccount(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: stateResponse(state, e.Now().UTC())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-accounts",
		Method:      http.MethodGet,
		Path:        "/accounts",
		Summary:     "List contributor accounts",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectManagementID string `query:"project_management_id"`
		ContributorID       string `query:"contributor_id"`
		Currency            string `query:"currency"`
		AccountType         string `query:"account_type" enum:",OWNERSHIP,FINANCIAL"`
		AccountStatus       string `query:"status" enum:",PENDING,ACTIVE,DISABLED"`
		At                  string `query:"at" doc:"Balance evaluation instant, RFC 3339; defaults to now"`
	}) (*struct {
		Body []AccountResponse `json:"body"`
	}, error) {
		at, err := parseAt(input.At, e.Now)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid at instant", map[string]any{"at": input.At})
		}
		filter := repo.ListAccountingFilter{}
		if input.ProjectManagementID != "" {
			filter.ProjectManagementID = []string{input.ProjectManagementID}
		}
		if input.ContributorID != "" {
			filter.ContributorID = []string{input.ContributorID}
		}
		if input.Currency != "" {
			filter.Currency = []string{input.Currency}
		}
		if input.AccountType != "" {
			filter.AccountType = []domain.AccountType{domain.AccountType(input.AccountType)}
		}
		if input.AccountStatus != "" {
			filter.AccountStatus = []domain.AccountStatus{domain.AccountStatus(input.AccountStatus)}
		}
		views, err := e.Repo.FindUsingFilter(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]AccountResponse, 0, len(views))
		for _, v := range views {
			out = append(out, accountResponse(v, at))
		}
		return &struct {
			Body []AccountResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-account",
		Method:      http.MethodGet,
		Path:        "/accounts/{id}",
		Summary:     "Get contributor account view",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
		At string `query:"at" doc:"Balance evaluation instant, RFC 3339; defaults to now"`
	}) (*struct {
		Body AccountViewResponse `json:"body"`
	}, error) {
		at, err := parseAt(input.At, e.Now)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid at instant", map[string]any{"at": input.At})
		}
		v, err := e.Repo.GetView(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountViewResponse `json:"body"`
		}{Body: accountViewResponse(v, at)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-account",
		Method:      http.MethodPost,
		Path:        "/accounts/{id}/activate",
		Summary:     "Activate a pending account",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		state, err := e.ActivateAccount(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !state.Exists() {
			return nil, newAPIError(http.StatusNotFound, "not_found", "account not found", nil)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: stateResponse(state, e.Now().UTC())}, nil
	})
}

func registerTransactions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-transaction",
		Method:        http.MethodPost,
		Path:          "/accounts/{id}/transactions",
		Summary:       "Add transaction",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body AddTransactionRequest `json:"body"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if len(input.Body.Operations) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "operations are required", nil)
		}
		state, err := e.AccountState(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		now := e.Now().UTC()
		var ops []domain.TransactionOperation
		for _, opReq := range input.Body.Operations {
			op, err := BuildOperation(opReq, state.AccountType, now)
			if err != nil {
				return nil, handleError(err)
			}
			ops = append(ops, op)
		}
		tx := domain.Transaction{
			ValueOperations: ops,
			Source: domain.TransactionSource{
				SourceType:      input.Body.SourceType,
				SourceIDs:       input.Body.SourceIDs,
				SourceOperation: input.Body.SourceOperation,
			},
		}
		tx, err = e.AddTransaction(ctx, input.ID, tx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(tx)}, nil
	})
}

func registerContributors(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-contributor",
		Method:        http.MethodPost,
		Path:          "/project-managements/{project_management_id}/contributors",
		Summary:       "Register a contributor with a project management",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectManagementID string                     `path:"project_management_id"`
		Body                RegisterContributorRequest `json:"body"`
	}) (*struct {
		Body struct {
			AccountID string `json:"accountId,omitempty"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.ContributorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "contributorId is required", nil)
		}
		accountID, err := e.CreateContributorAccountsForProjectManagement(ctx, input.ProjectManagementID, input.Body.ContributorID, input.Body.RequiresOwnershipAccount)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				AccountID string `json:"accountId,omitempty"`
			} `json:"body"`
		}{}
		out.Body.AccountID = accountID
		return out, nil
	})
}

func registerEarnings(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "register-earnings",
		Method:      http.MethodPost,
		Path:        "/earnings",
		Summary:     "Register closed-task earnings",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterEarningsRequest `json:"body"`
	}) (*struct {
		Body []engine.ContributorEarnings `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.ProjectManagementID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "projectManagementId is required", nil)
		}
		results, err := e.RegisterTaskEarnings(ctx, engine.RegisterTaskEarningsOptions{
			ProjectManagementID: input.Body.ProjectManagementID,
			Currency:            input.Body.Currency,
			SourceOperation:     input.Body.SourceOperation,
			Tasks:               closedTasks(input.Body.Tasks),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if results == nil {
			results = []engine.ContributorEarnings{}
		}
		return &struct {
			Body []engine.ContributorEarnings `json:"body"`
		}{Body: results}, nil
	})
}

func registerStats(api huma.API, resolver stats.Resolver) {
	huma.Register(api, huma.Operation{
		OperationID: "project-stats",
		Method:      http.MethodGet,
		Path:        "/project-managements/{project_management_id}/stats",
		Summary:     "Project accounting stats",
		Errors: []int{
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectManagementID string `path:"project_management_id"`
		ContributorID       string `query:"contributor_id" doc:"Also resolve this contributor's personal split"`
	}) (*struct {
		Body domain.ProjectManagementAccountingStats `json:"body"`
	}, error) {
		var contributor *string
		if input.ContributorID != "" {
			contributor = &input.ContributorID
		}
		result, err := resolver.ProjectStats(ctx, input.ProjectManagementID, contributor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectManagementAccountingStats `json:"body"`
		}{Body: result}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		events, err := e.Store.Tail(ctx, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})
}

func parseAt(raw string, now func() time.Time) (time.Time, error) {
	if raw == "" {
		if now != nil {
			return now().UTC(), nil
		}
		return time.Now().UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}
