// internal/api/http/request_handler.go
package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"worker-dispatch/internal/domain"
	"worker-dispatch/internal/metrics"
	"worker-dispatch/internal/usecase"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RequestHandler serves the read-only query API over stored requests and
// the worker registry.
type RequestHandler struct {
	service  *usecase.RequestService
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewRequestHandler creates a new RequestHandler.
func NewRequestHandler(service *usecase.RequestService, logger *slog.Logger) *RequestHandler {
	return &RequestHandler{
		service:  service,
		logger:   logger.With("component", "request-handler"),
		validate: validator.New(),
		tracer:   otel.Tracer("worker-dispatch-api"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers the query routes on mux.
func (h *RequestHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /requests/{tenant}", h.instrument("/requests/{tenant}", h.handleListRequests))
	mux.Handle("GET /requests/{tenant}/{id}", h.instrument("/requests/{tenant}/{id}", h.handleGetRequest))
	mux.Handle("GET /workers", h.instrument("/workers", h.handleListWorkers))
}

func (h *RequestHandler) instrument(path string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(iw, r.WithContext(ctx))

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()
		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

// handleGetRequest handles GET /requests/{tenant}/{id}.
func (h *RequestHandler) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	tenant, id := r.PathValue("tenant"), r.PathValue("id")

	req, err := h.service.Get(r.Context(), tenant, id)
	switch {
	case errors.Is(err, domain.ErrRequestNotFound), errors.Is(err, usecase.ErrTenantMismatch):
		// Another tenant's request is indistinguishable from a missing one.
		writeError(w, http.StatusNotFound, "request not found")
		return
	case err != nil:
		h.logger.Error("error getting request", "tenant", tenant, "request_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, FromDomainRequest(req))
}

// handleListRequests handles GET /requests/{tenant}?status=...&limit=...
func (h *RequestHandler) handleListRequests(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	q := ListRequestsQuery{Status: strings.ToUpper(r.URL.Query().Get("status")), Limit: 100}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		q.Limit = limit
	}
	if err := h.validate.Struct(q); err != nil {
		var details []string
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details = append(details, "Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.")
			}
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Validation failed",
			"details": details,
		})
		return
	}

	reqs, err := h.service.ListByStatus(r.Context(), tenant, domain.Status(q.Status), q.Limit)
	if err != nil {
		h.logger.Error("error listing requests", "tenant", tenant, "status", q.Status, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	out := make([]RequestResponse, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, FromDomainRequest(req))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleListWorkers handles GET /workers.
func (h *RequestHandler) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Workers())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigStd.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
