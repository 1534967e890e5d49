package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"fieldproof/internal/domain"
	"fieldproof/internal/engine"
	"fieldproof/internal/indexer"
	"fieldproof/internal/repo"
	"fieldproof/internal/statemachine"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Indexer  *indexer.Indexer
	Gatherer prometheus.Gatherer
	BasePath string
	Auth     AuthConfig
	Log      logrus.FieldLogger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"claim_conflict"`
	Message string         `json:"message" example:"task already claimed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the fieldproof API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.Auth.Log == nil {
		cfg.Auth.Log = cfg.Log
	}
	huma.DefaultArrayNullable = false
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
	router.Use(middleware.RequestID, middleware.Recoverer, requestLogger(cfg.Log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("fieldproof API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerClaims(group, cfg.Engine)
	registerSubmissions(group, cfg.Engine)
	registerDisputes(group, cfg.Engine)
	registerWorkers(group, cfg.Engine)
	registerOps(group, cfg.Engine, cfg.Indexer)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("request")
		})
	}
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

// handleError maps domain sentinels to statuses and stable codes.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var te *statemachine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(),
			map[string]any{"kind": string(te.Kind), "from": te.From, "to": te.To})
	}
	msg := err.Error()
	for _, m := range errorMap {
		if errors.Is(err, m.err) {
			return newAPIError(m.status, m.code, msg, nil)
		}
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

var errorMap = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrEscrowNotFound, http.StatusNotFound, "escrow_not_found"},
	{domain.ErrStakeNotFound, http.StatusNotFound, "stake_not_found"},
	{domain.ErrForbidden, http.StatusForbidden, "forbidden"},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{domain.ErrClaimConflict, http.StatusConflict, "claim_conflict"},
	{domain.ErrAlreadyFinalised, http.StatusConflict, "already_finalised"},
	{domain.ErrSubmissionSealed, http.StatusConflict, "submission_sealed"},
	{domain.ErrInvalidEscrowStatus, http.StatusConflict, "invalid_escrow_status"},
	{domain.ErrInvalidStakeStatus, http.StatusConflict, "invalid_stake_status"},
	{domain.ErrDisputeWindowClosed, http.StatusConflict, "dispute_window_closed"},
	{domain.ErrReleaseLocked, http.StatusConflict, "release_locked"},
	{domain.ErrSettlementPending, http.StatusAccepted, "settlement_pending"},
	{domain.ErrInsufficientAmount, http.StatusUnprocessableEntity, "insufficient_amount"},
	{domain.ErrInvalidPercentage, http.StatusUnprocessableEntity, "invalid_percentage"},
	{domain.ErrMissingWorkerAddress, http.StatusUnprocessableEntity, "missing_worker_address"},
	{domain.ErrOperatorUnavailable, http.StatusServiceUnavailable, "operator_unavailable"},
	{domain.ErrTransactionReverted, http.StatusBadGateway, "transaction_reverted"},
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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

// badRequest wraps validation failures raised by the engine before any state
// is read, which carry no sentinel.
func badRequest(err error) huma.StatusError {
	if se := handleError(err); se.GetStatus() != http.StatusInternalServerError {
		return se
	}
	return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	security := []map[string][]string{{"bearerAuth": {}}}
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type: input.Type, EntityKind: input.EntityKind, EntityID: input.EntityID, Cursor: input.Cursor, Limit: limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
