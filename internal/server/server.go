// Package server exposes the vault over HTTP for dashboards and external
// tools: bucket listings, item fetch, approve/reject, agent health, and
// audit log queries.
package server

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"workvault/internal/audit"
	"workvault/internal/health"
	"workvault/internal/vault"
)

// Config for the HTTP API handler.
type Config struct {
	Vault           *vault.Vault
	Audit           *audit.Log
	HealthThreshold time.Duration
	BasePath        string
	Auth            AuthConfig
	Now             func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"item not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Workvault API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Workvault API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg)
	registerBuckets(group, cfg)
	registerApprovals(group, cfg)
	registerAgents(group, cfg)
	registerLogs(group, cfg)

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
	switch {
	case errors.Is(err, vault.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, vault.ErrNotClaimed):
		return newAPIError(http.StatusConflict, "claim_conflict", err.Error(), nil)
	case errors.Is(err, vault.ErrExists):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var apiBuckets = map[string]string{
	"needs_action":     vault.NeedsAction,
	"pending_approval": vault.PendingApproval,
	"approved":         vault.Approved,
	"rejected":         vault.Rejected,
	"scheduled":        vault.Scheduled,
	"done":             vault.Done,
	"updates":          vault.Updates,
	"outbox":           vault.Outbox,
	"invoices":         vault.Invoices,
}

func resolveBucket(name string) (string, huma.StatusError) {
	if b, ok := apiBuckets[strings.ToLower(name)]; ok {
		return b, nil
	}
	return "", newAPIError(http.StatusNotFound, "not_found", "unknown bucket", map[string]any{"bucket": name})
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

func registerStatus(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Vault status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		counts, err := cfg.Vault.Counts()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{VaultRoot: cfg.Vault.Root, BucketCounts: counts}}, nil
	})
}

func registerBuckets(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/buckets/{bucket}/items",
		Summary:     "List bucket items",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Bucket string `path:"bucket"`
	}) (*struct {
		Body ItemListResponse `json:"body"`
	}, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		bucket, aerr := resolveBucket(input.Bucket)
		if aerr != nil {
			return nil, aerr
		}
		names, err := cfg.Vault.List(bucket)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]ItemSummary, 0, len(names))
		for _, name := range names {
			it, err := cfg.Vault.Read(bucket, name)
			if err != nil {
				continue
			}
			items = append(items, itemSummary(it))
		}
		return &struct {
			Body ItemListResponse `json:"body"`
		}{Body: ItemListResponse{Bucket: input.Bucket, Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/buckets/{bucket}/items/{name}",
		Summary:     "Get item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Bucket string `path:"bucket"`
		Name   string `path:"name"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		bucket, aerr := resolveBucket(input.Bucket)
		if aerr != nil {
			return nil, aerr
		}
		if filepath.Base(input.Name) != input.Name {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid item name", nil)
		}
		it, err := cfg.Vault.Read(bucket, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(it)}, nil
	})
}

func registerApprovals(api huma.API, cfg Config) {
	type decideInput struct {
		Name string `path:"name"`
	}
	type decideOutput struct {
		Body DecisionResponse `json:"body"`
	}
	decide := func(approve bool) func(ctx context.Context, input *decideInput) (*decideOutput, error) {
		return func(ctx context.Context, input *decideInput) (*decideOutput, error) {
			actor, aerr := actorIDFromContext(ctx)
			if aerr != nil {
				return nil, aerr
			}
			if filepath.Base(input.Name) != input.Name {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid item name", nil)
			}
			if err := cfg.Vault.Decide(input.Name, approve); err != nil {
				return nil, handleError(err)
			}
			decision := "rejected"
			bucket := "rejected"
			if approve {
				decision = "approved"
				bucket = "approved"
			}
			if cfg.Audit != nil {
				_ = cfg.Audit.Append(audit.Entry{
					ActionType: "decision",
					Actor:      actor,
					Target:     input.Name,
					Parameters: map[string]any{"decision": decision},
					Result:     "success",
				})
			}
			return &decideOutput{Body: DecisionResponse{Name: input.Name, Decision: decision, Bucket: bucket}}, nil
		}
	}

	huma.Register(api, huma.Operation{
		OperationID: "approve-request",
		Method:      http.MethodPost,
		Path:        "/approvals/{name}/approve",
		Summary:     "Approve a pending request",
		Errors:      []int{http.StatusNotFound},
	}, decide(true))

	huma.Register(api, huma.Operation{
		OperationID: "reject-request",
		Method:      http.MethodPost,
		Path:        "/approvals/{name}/reject",
		Summary:     "Reject a pending request",
		Errors:      []int{http.StatusNotFound},
	}, decide(false))
}

func registerAgents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "Agent health",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AgentResponse `json:"body"`
	}, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		recs, err := health.ReadAll(filepath.Join(cfg.Vault.Root, vault.Signals))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]AgentResponse, 0, len(recs))
		for _, rec := range recs {
			out = append(out, AgentResponse{
				AgentID:        rec.AgentID,
				Role:           rec.Role,
				Status:         rec.Status,
				LastSeen:       rec.Timestamp,
				Classification: string(health.Classify(rec, true, cfg.Now(), cfg.HealthThreshold)),
				Counters:       rec.Counters,
			})
		}
		return &struct {
			Body []AgentResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerLogs(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "query-logs",
		Method:      http.MethodGet,
		Path:        "/logs",
		Summary:     "Audit log entries",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		From string `query:"from"`
		To   string `query:"to"`
	}) (*struct {
		Body LogsResponse `json:"body"`
	}, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		now := cfg.Now().UTC()
		from, to := now.Add(-24*time.Hour), now
		if input.From != "" {
			parsed, err := time.Parse("2006-01-02", input.From)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "from must be YYYY-MM-DD", nil)
			}
			from = parsed
		}
		if input.To != "" {
			parsed, err := time.Parse("2006-01-02", input.To)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "to must be YYYY-MM-DD", nil)
			}
			to = parsed.Add(24*time.Hour - time.Second)
		}
		entries, err := cfg.Audit.ReadRange(from, to)
		if err != nil {
			return nil, handleError(err)
		}
		summary, err := cfg.Audit.Summarize(from, to)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LogsResponse `json:"body"`
		}{Body: LogsResponse{Entries: entries, Summary: summary}}, nil
	})
}
