package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/engine/auth"
	"missionline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot start mission in status pending"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"pending\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Missionline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	e := cfg.Engine

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, e.Repo))
	var rps float64
	var burst int
	var heartbeat time.Duration
	if e.Config != nil {
		rps, burst = e.Config.Limits.RequestsPerSecond, e.Config.Limits.Burst
		heartbeat = time.Duration(e.Config.Realtime.HeartbeatSeconds) * time.Second
	}
	router.Use(newActorLimiter(rps, burst).middleware)

	hcfg := huma.DefaultConfig("Missionline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	router.Handle("/metrics", promhttp.Handler())
	registerDocs(router, basePath)
	registerLive(router, basePath, e.Registry, heartbeat, logger)
	registerHealth(group)
	registerMe(group, e)
	registerMissions(group, e)
	registerWallets(group, e)
	registerUsers(group, e)
	registerEvents(group, e)
	if cfg.Auth.EnableDevLogin {
		registerDevAuth(group, cfg.Auth, e.Now)
	}
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"roles": fe.Roles})
	}
	var te domain.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"mission_id": te.MissionID, "from": te.From, "action": te.Action,
		})
	}
	var fund domain.InsufficientFundsError
	if errors.As(err, &fund) {
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_funds", err.Error(), map[string]any{
			"balance": fund.Balance, "requested": fund.Requested,
		})
	}
	switch {
	case errors.Is(err, domain.ErrLedgerIntegrity):
		// Details stay server-side; the engine already logged them.
		return newAPIError(http.StatusInternalServerError, "ledger_integrity", "the ledger could not confirm this operation; please try again or contact support", nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidAmount):
		return newAPIError(http.StatusBadRequest, "invalid_amount", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidRating):
		return newAPIError(http.StatusBadRequest, "invalid_rating", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", "request cancelled", nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
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

func requireRole(ctx context.Context, e *engine.Engine, action string, roles ...string) (string, error) {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return "", authErr
	}
	if err := e.Auth.Require(ctx, nil, userID, action, roles...); err != nil {
		return "", err
	}
	return userID, nil
}

// requireSelfOr passes when the caller is target or holds one of roles.
func requireSelfOr(ctx context.Context, e *engine.Engine, target, action string, roles ...string) (string, error) {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return "", authErr
	}
	if userID == target {
		return userID, nil
	}
	if err := e.Auth.Require(ctx, nil, userID, action, roles...); err != nil {
		return "", err
	}
	return userID, nil
}

// visibleMission loads a mission the caller may see: its parties, and
// mediators and admins for everything.
func visibleMission(ctx context.Context, e *engine.Engine, id string) (domain.Mission, error) {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return domain.Mission{}, authErr
	}
	m, err := e.GetMission(ctx, id)
	if err != nil {
		return m, err
	}
	if m.IsParty(userID) {
		return m, nil
	}
	if err := e.Auth.Require(ctx, nil, userID, "view mission", auth.RoleMediator); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Missionline API Docs</title>
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
      Live updates: GET live (websocket) or live/stream (SSE) with ?access_token=.
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

func registerMe(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles, err := e.Auth.UserRoles(ctx, nil, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			UserID: principal.UserID,
			Roles:  nonNilSlice(roles),
			Source: principal.Source,
		}}, nil
	})
}

type missionPath struct {
	MissionID string `path:"mission_id"`
}

type missionResult struct {
	Body MissionResponse `json:"body"`
}

var transitionErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerMissions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Create mission and hold its estimate in escrow",
		DefaultStatus: http.StatusCreated,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*missionResult, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CreateMission(ctx, engine.CreateOptions{
			RequesterID:     userID,
			Category:        input.Body.Category,
			Description:     input.Body.Description,
			Address:         input.Body.Address,
			ScheduledFor:    input.Body.ScheduledFor,
			EstimatedAmount: input.Body.EstimatedAmount,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &missionResult{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Scope    string `query:"scope" enum:"party,requester,provider,open,all" default:"party"`
		Status   string `query:"status" enum:"pending,accepted,in_progress,completed,validated,cancelled,disputed"`
		Category string `query:"category"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedMissions `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		f := repo.MissionFilters{
			Status:          input.Status,
			Category:        input.Category,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		}
		switch input.Scope {
		case "requester":
			f.RequesterID = userID
		case "provider":
			f.ProviderID = userID
		case "open":
			// Pending missions are the marketplace; any provider may browse them.
			f.Status = string(domain.StatusPending)
		case "all":
			if err := e.Auth.Require(ctx, nil, userID, "list all missions", auth.RoleMediator); err != nil {
				return nil, handleError(err)
			}
		default:
			f.PartyID = userID
		}
		items, err := e.ListMissions(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedMissions{}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = mapMissions(items)
		return &struct {
			Body paginatedMissions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *missionPath) (*missionResult, error) {
		m, err := visibleMission(ctx, e, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionResult{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission-invoice",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/invoice",
		Summary:     "Get the invoice issued when the mission settled",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *missionPath) (*struct {
		Body InvoiceResponse `json:"body"`
	}, error) {
		if _, err := visibleMission(ctx, e, input.MissionID); err != nil {
			return nil, handleError(err)
		}
		inv, err := e.Repo.GetInvoiceByMission(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InvoiceResponse `json:"body"`
		}{Body: invoiceResponse(inv)}, nil
	})

	registerTransition(api, "accept-mission", "accept", "Accept a pending mission as provider",
		func(ctx context.Context, id, actor string, _ *struct{}) (domain.Mission, error) {
			return e.AcceptMission(ctx, id, actor)
		})
	registerTransition(api, "start-mission", "start", "Start an accepted mission",
		func(ctx context.Context, id, actor string, _ *struct{}) (domain.Mission, error) {
			return e.StartMission(ctx, id, actor)
		})
	registerTransition(api, "complete-mission", "complete", "Complete a mission and settle escrow",
		func(ctx context.Context, id, actor string, body *CompleteMissionRequest) (domain.Mission, error) {
			return e.CompleteMission(ctx, id, actor, body.FinalAmount)
		})
	registerTransition(api, "validate-mission", "validate", "Validate a completed mission and rate the provider",
		func(ctx context.Context, id, actor string, body *ValidateMissionRequest) (domain.Mission, error) {
			return e.ValidateMission(ctx, id, actor, body.Rating)
		})
	registerTransition(api, "cancel-mission", "cancel", "Cancel a mission and refund escrow",
		func(ctx context.Context, id, actor string, _ *struct{}) (domain.Mission, error) {
			return e.CancelMission(ctx, id, actor)
		})
	registerTransition(api, "dispute-mission", "dispute", "Open a dispute",
		func(ctx context.Context, id, actor string, body *DisputeMissionRequest) (domain.Mission, error) {
			return e.DisputeMission(ctx, id, actor, body.Reason)
		})
	registerTransition(api, "resolve-dispute", "resolve", "Resolve a dispute (mediator)",
		func(ctx context.Context, id, actor string, body *ResolveDisputeRequest) (domain.Mission, error) {
			return e.ResolveDispute(ctx, id, actor, body.ProviderAmount)
		})
}

// registerTransition exposes POST /missions/{id}/{action}. The body is
// optional; actions without parameters take an empty object.
func registerTransition[B any](api huma.API, opID, action, summary string, fn func(ctx context.Context, id, actor string, body *B) (domain.Mission, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/" + action,
		Summary:     summary,
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
		Body      B      `json:"body" required:"false"`
	}) (*missionResult, error) {
		actorID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := fn(ctx, input.MissionID, actorID, &input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionResult{Body: missionResponse(m)}, nil
	})
}

type walletResult struct {
	Body WalletViewResponse `json:"body"`
}

func walletView(ctx context.Context, e *engine.Engine, userID string, limit int, cursor string) (*walletResult, error) {
	var cursorID int64
	if cursor != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": cursor})
		}
		cursorID = parsed
	}
	limit = normalizeLimit(limit)
	view, err := e.GetWallet(ctx, userID, limit+1, cursorID)
	if err != nil {
		return nil, handleError(err)
	}
	resp := WalletViewResponse{Wallet: walletResponse(view.Wallet), History: []LedgerEntryResponse{}}
	hist := view.History
	if len(hist) > limit {
		resp.NextCursor = strconv.FormatInt(hist[limit-1].ID, 10)
		hist = hist[:limit]
	}
	for _, en := range hist {
		resp.History = append(resp.History, ledgerEntryResponse(en))
	}
	return &walletResult{Body: resp}, nil
}

func registerWallets(api huma.API, e *engine.Engine) {
	type pageQuery struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-my-wallet",
		Method:      http.MethodGet,
		Path:        "/wallet",
		Summary:     "Caller's wallet and recent ledger entries",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *pageQuery) (*walletResult, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Ledger.EnsureWallet(ctx, userID); err != nil {
			return nil, handleError(err)
		}
		return walletView(ctx, e, userID, input.Limit, input.Cursor)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user-wallet",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/wallet",
		Summary:     "A user's wallet (self or admin)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*walletResult, error) {
		if _, err := requireSelfOr(ctx, e, input.UserID, "view wallet"); err != nil {
			return nil, handleError(err)
		}
		return walletView(ctx, e, input.UserID, input.Limit, input.Cursor)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "deposit",
		Method:        http.MethodPost,
		Path:          "/users/{user_id}/deposits",
		Summary:       "Fund a wallet (admin)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string         `path:"user_id"`
		Body   DepositRequest `json:"body"`
	}) (*struct {
		Body WalletResponse `json:"body"`
	}, error) {
		actorID, err := requireRole(ctx, e, "deposit")
		if err != nil {
			return nil, handleError(err)
		}
		w, err := e.Deposit(ctx, input.UserID, input.Body.Amount, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WalletResponse `json:"body"`
		}{Body: walletResponse(w)}, nil
	})
}

func registerUsers(api huma.API, e *engine.Engine) {
	type userPath struct {
		UserID string `path:"user_id"`
	}
	type rolePath struct {
		UserID string `path:"user_id"`
		Role   string `path:"role" enum:"admin,mediator"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}",
		Summary:     "User profile and rating",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *userPath) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		u, err := e.GetUser(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPut,
		Path:          "/users/{user_id}/roles/{role}",
		Summary:       "Grant a role (admin)",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *rolePath) (*struct{}, error) {
		actorID, err := requireRole(ctx, e, "grant role")
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.GrantRole(ctx, input.UserID, input.Role, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-role",
		Method:        http.MethodDelete,
		Path:          "/users/{user_id}/roles/{role}",
		Summary:       "Revoke a role (admin)",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *rolePath) (*struct{}, error) {
		actorID, err := requireRole(ctx, e, "revoke role")
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.RevokeRole(ctx, input.UserID, input.Role, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/users/{user_id}/api-keys",
		Summary:       "Mint an API key (self or admin); the key is only shown once",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string              `path:"user_id"`
		Body   CreateAPIKeyRequest `json:"body" required:"false"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actorID, err := requireSelfOr(ctx, e, input.UserID, "create api key")
		if err != nil {
			return nil, handleError(err)
		}
		key, plaintext, err := e.CreateAPIKey(ctx, input.UserID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: apiKeyResponse(key, plaintext)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/api-keys",
		Summary:     "List API keys (self or admin)",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *userPath) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if _, err := requireSelfOr(ctx, e, input.UserID, "list api keys"); err != nil {
			return nil, handleError(err)
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k, ""))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{key_id}",
		Summary:       "Revoke an API key (admin)",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		actorID, err := requireRole(ctx, e, "revoke api key")
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.RevokeAPIKey(ctx, input.KeyID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events (mediator)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"mission,wallet,user,api_key"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, e, "read events", auth.RoleMediator); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, userID, now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
