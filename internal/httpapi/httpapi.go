package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"
	"github.com/unrolled/secure"

	"celupos/internal/domain"
	"celupos/internal/observability"
	"celupos/internal/service"
)

const maxBodyBytes = 1 << 20

type Options struct {
	AllowedOrigin  string
	LoginRateLimit int
	Metrics        *observability.Metrics
	Logger         *slog.Logger
}

type API struct {
	service  *service.Service
	auth     *AuthManager
	validate *validator.Validate
	metrics  *observability.Metrics
	logger   *slog.Logger
	origin   string
	loginMax int
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LoginRateLimit < 1 {
		opts.LoginRateLimit = 5
	}
	return &API{
		service:  svc,
		auth:     auth,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		origin:   opts.AllowedOrigin,
		loginMax: opts.LoginRateLimit,
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(a.requestLog)
	r.Use(middleware.Recoverer)
	r.Use(a.securityHeaders())
	r.Use(a.corsHandler())
	r.Use(limitBody)
	r.Use(a.metrics.Middleware)

	r.Get("/healthz", a.handleHealth)
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(httprate.Limit(a.loginMax, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))).
			Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth)

			r.Get("/products", a.handleListProducts)
			r.Get("/products/{id}", a.handleGetProduct)
			r.Get("/products/{id}/movements", a.handleListMovements)

			r.Post("/checkout/quote", a.handleQuote)
			r.Route("/checkout/sessions", func(r chi.Router) {
				r.Post("/", a.handleCreateSession)
				r.Get("/{id}", a.handleGetSession)
				r.Delete("/{id}", a.handleCancelSession)
				r.Put("/{id}/cart", a.handleUpdateCart)
				r.Put("/{id}/repairs", a.handleUpdateRepairs)
				r.Put("/{id}/payment", a.handleUpdatePayment)
				r.Post("/{id}/splits", a.handleAddSplit)
				r.Delete("/{id}/splits/{splitID}", a.handleRemoveSplit)
				r.Post("/{id}/confirm", a.handleConfirm)
				r.Post("/{id}/reset", a.handleResetSession)
			})

			r.Get("/customers", a.handleListCustomers)
			r.Post("/customers", a.handleCreateCustomer)
			r.Get("/customers/{id}", a.handleGetCustomer)
			r.Get("/customers/{id}/credit-summary", a.handleCreditSummary)
			r.Post("/customers/{id}/credit-check", a.handleCreditCheck)
			r.Get("/customers/{id}/installments", a.handleListInstallments)
			r.Post("/installments/{id}/pay", a.handlePayInstallment)

			r.Get("/repairs", a.handleListRepairs)
			r.Post("/repairs", a.handleCreateRepair)
			r.Get("/repairs/{id}", a.handleGetRepair)
			r.Patch("/repairs/{id}/status", a.handleRepairStatus)
			r.Put("/repairs/{id}/final-cost", a.handleRepairFinalCost)

			r.Post("/registers/open", a.handleOpenRegister)
			r.Post("/registers/close", a.handleCloseRegister)
			r.Get("/registers/active", a.handleActiveRegister)

			r.Post("/inventory/movements", a.handleStockMovement)
			r.Get("/inventory/alerts", a.handleStockAlerts)

			r.Group(func(r chi.Router) {
				r.Use(requireRole(service.RoleAdmin))
				r.Post("/products", a.handleCreateProduct)
				r.Patch("/products/{id}", a.handleUpdateProduct)
				r.Put("/customers/{id}/credit-limit", a.handleCreditLimit)
				r.Get("/reports/daily", a.handleDailyReport)
				r.Get("/audit-logs", a.handleAuditLogs)
				r.Get("/users/cashiers", a.handleListCashiers)
				r.Post("/users/cashiers", a.handleCreateCashier)
			})
		})
	})

	return r
}

func (a *API) securityHeaders() func(http.Handler) http.Handler {
	sec := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
	})
	return sec.Handler
}

func (a *API) corsHandler() func(http.Handler) http.Handler {
	origins := []string{}
	for _, origin := range strings.Split(a.origin, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}).Handler
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(started)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		if actor.Role != service.RoleAdmin && actor.Role != service.RoleCashier {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
	})
}

func requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := service.ActorFromContext(r.Context())
			if !ok || !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// decode reads a strict JSON body into dest and validates it. It writes the
// error response itself and reports whether the handler may continue.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(r, dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
			return false
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	if err := a.validate.Struct(dest); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func validationMessage(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	if parsed, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && parsed > 0 {
		limit = parsed
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// errorResponse maps a service error onto a status code and JSON body.
// 5xx bodies never carry the underlying message.
func (a *API) errorResponse(err error) (int, map[string]any) {
	if errors.Is(err, service.ErrForbidden) {
		return http.StatusForbidden, map[string]any{"error": err.Error()}
	}
	if errors.Is(err, domain.ErrAlreadyExists) {
		return http.StatusConflict, map[string]any{"error": err.Error(), "kind": domain.KindValidation}
	}

	kind := domain.KindOf(err)
	body := map[string]any{"kind": kind}
	switch kind {
	case domain.KindValidation:
		body["error"] = err.Error()
		return http.StatusUnprocessableEntity, body
	case domain.KindInsufficientCredit:
		var credit *domain.InsufficientCreditError
		errors.As(err, &credit)
		body["error"] = err.Error()
		body["requested"] = credit.Requested
		body["available"] = credit.Available
		body["shortfall"] = credit.Shortfall
		return http.StatusPaymentRequired, body
	case domain.KindNotFound:
		body["error"] = err.Error()
		return http.StatusNotFound, body
	case domain.KindStockConflict:
		body["error"] = err.Error()
		return http.StatusConflict, body
	case domain.KindBackendUnavailable:
		a.logger.Warn("backend unavailable", slog.Any("error", err))
		body["error"] = "service temporarily unavailable, please retry"
		return http.StatusServiceUnavailable, body
	case domain.KindPartialFailure:
		var partial *domain.PartialFailureError
		errors.As(err, &partial)
		a.logger.Error("sale needs reconciliation", slog.String("sale_id", partial.SaleID), slog.Any("error", err))
		body["error"] = "sale saved but some follow-up steps failed"
		body["sale_id"] = partial.SaleID
		body["failures"] = partial.Steps
		return http.StatusInternalServerError, body
	}
	a.logger.Error("internal error", slog.Any("error", err))
	body["error"] = "internal server error"
	return http.StatusInternalServerError, body
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	status, body := a.errorResponse(err)
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
