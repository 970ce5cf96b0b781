package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/sirupsen/logrus"
	"github.com/unrolled/secure"

	"ledgerdesk/backend/internal/apperr"
	"ledgerdesk/backend/internal/domain"
	"ledgerdesk/backend/internal/service"
)

const (
	maxJSONBody   = 1 << 20
	maxUploadBody = 32 << 20
)

type Options struct {
	AllowedOrigin string
	Production    bool
	Logger        logrus.FieldLogger
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	log           logrus.FieldLogger
	allowedOrigin string
	secure        *secure.Secure
	loginLimiter  func(http.Handler) http.Handler
	orderLimiter  func(http.Handler) http.Handler
	csrfSecret    []byte

	once    sync.Once
	handler http.Handler
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &API{
		service:       svc,
		auth:          auth,
		log:           log,
		allowedOrigin: opts.AllowedOrigin,
		secure: secure.New(secure.Options{
			FrameDeny:          true,
			ContentTypeNosniff: true,
			BrowserXssFilter:   true,
			ReferrerPolicy:     "strict-origin-when-cross-origin",
			SSLRedirect:        opts.Production,
			SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
		}),
		loginLimiter: newLimiter(5, time.Minute, "too many login attempts"),
		orderLimiter: newLimiter(20, time.Minute, "too many order requests"),
		csrfSecret:   csrfSecret,
	}
}

func newLimiter(limit int, window time.Duration, message string) func(http.Handler) http.Handler {
	return httprate.Limit(limit, window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, errors.New(message))
		}),
	)
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket
// (expressed as Unix time truncated to the hour). The token is hex-encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	bucket := time.Now().UTC().Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken accepts the current or previous hour bucket, giving a
// two hour validity window.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	currentBucket := time.Now().UTC().Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(currentBucket))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(prevBucket)))
}

// Handler returns the router. It is built once so rate limiter state is
// shared by every caller.
func (a *API) Handler() http.Handler {
	a.once.Do(func() {
		a.handler = a.routes()
	})
	return a.handler
}

func (a *API) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(a.secureHeaders)
	r.Use(a.cors)
	r.Use(a.limitBody)
	r.Use(a.checkCSRF)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMethodNotAllowed(w)
	})

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(a.loginLimiter).Post("/auth/login", a.handleLogin)
		r.Get("/auth/csrf-token", a.handleCSRFToken)
		r.With(a.orderLimiter).Post("/orders", a.handleCreateOrder)

		staff := []string{domain.RoleAdmin, domain.RoleManager, domain.RoleEmployee}
		supervisors := []string{domain.RoleAdmin, domain.RoleManager}

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(staff...))

			r.Get("/products", a.handleListProducts)
			r.Get("/customers", a.handleListCustomers)
			r.Post("/customers", a.handleCreateCustomer)
			r.Get("/customers/{id}/summary", a.handleCustomerSummary)
			r.Get("/reps/{id}/summary", a.handleRepSummary)
			r.Get("/reports/customer", a.handleCustomerReport)

			r.Post("/invoices", a.handleCreateInvoice)
			r.Post("/invoices/preview", a.handlePreviewInvoice)
			r.Get("/invoices/{id}", a.handleGetInvoice)
			r.Get("/journal", a.handleListJournal)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(supervisors...))

			r.Post("/products", a.handleCreateProduct)
			r.Patch("/products/{id}/stock", a.handleSetProductStock)
			r.Patch("/journal/{id}", a.handleCorrectJournal)
			r.Get("/customers/{id}/ledger-check", a.handleLedgerCheck)
			r.Post("/admin/import", a.handleImport)
			r.Get("/orders", a.handleListOrders)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleAdmin))

			r.Delete("/products/{id}", a.handleDeleteProduct)
			r.Get("/audit-logs", a.handleAuditLogs)
		})
	})

	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}

			if len(roles) > 0 && !actor.HasRole(roles...) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func (a *API) secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.secure.Process(w, r); err != nil {
			a.log.WithError(err).Warn("secure headers blocked request")
			return
		}
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}

func (a *API) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isMutating(r.Method) {
			contentType := strings.ToLower(r.Header.Get("Content-Type"))
			switch {
			case strings.Contains(contentType, "application/json"):
				r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
			case strings.HasPrefix(contentType, "multipart/form-data"):
				r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// csrfExemptPaths are called without a prior token fetch.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
	"/api/v1/orders",
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func (a *API) checkCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		for _, exempt := range csrfExemptPaths {
			if r.URL.Path == exempt && r.Method == http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
		}
		token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
		if !a.validateCSRFToken(token) {
			writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(startedAt).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Info("request")
	})
}

var statusByCode = map[string]int{
	apperr.CodeValidation:        http.StatusBadRequest,
	apperr.CodeNotFound:          http.StatusNotFound,
	apperr.CodeInsufficientStock: http.StatusConflict,
	apperr.CodeConflict:          http.StatusConflict,
	apperr.CodeForbidden:         http.StatusForbidden,
}

// writeServiceError maps a service error to its status. Internal errors are
// logged with the request id and replaced by a generic message.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		a.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).WithError(err).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "internal server error",
			"code":  apperr.CodeInternal,
		})
		return
	}

	body := map[string]any{
		"error": err.Error(),
		"code":  code,
	}
	if field := apperr.FieldOf(err); field != "" {
		body["field"] = field
	}
	var stockErr *apperr.InsufficientStockError
	if errors.As(err, &stockErr) {
		body["product_id"] = stockErr.ProductID
		body["available"] = stockErr.Available
		body["requested"] = stockErr.Requested
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
