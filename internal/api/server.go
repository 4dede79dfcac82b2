// Package api exposes the extraction job service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dunamismax/receiptflow/internal/domain"
	"github.com/dunamismax/receiptflow/internal/jobs"
	"github.com/dunamismax/receiptflow/internal/validation"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// JobService is the orchestrator surface the handlers depend on.
type JobService interface {
	CreateJob(ctx context.Context, receiptID int64) (domain.JobView, error)
	GetJob(ctx context.Context, jobID string) (domain.JobView, error)
	ListReceipts(ctx context.Context, filter domain.ReceiptFilter) ([]domain.Receipt, error)
	ListInvoices(ctx context.Context, receiptID int64) ([]domain.Invoice, error)
	ValidateInvoice(ctx context.Context, invoiceID int64, customData json.RawMessage) error
	ValidateReceipt(ctx context.Context, receiptID int64) error
	RegisterReceipt(ctx context.Context, req domain.CreateReceiptRequest) (jobs.RegisteredReceipt, error)
	GetReceipt(ctx context.Context, receiptID int64) (domain.Receipt, error)
}

type Options struct {
	// Registry receives the API's request metrics. A private registry is
	// created when nil.
	Registry              *prometheus.Registry
	Tracer                trace.Tracer
	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
	// CORSOrigins lists the allowed browser origins. Empty allows any.
	CORSOrigins []string
}

type Server struct {
	logger                *zap.Logger
	jobs                  JobService
	mux                   *http.ServeMux
	metrics               *metrics
	tracer                trace.Tracer
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	corsOrigins           []string
}

func NewServer(logger *zap.Logger, svc JobService, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	header := strings.TrimSpace(opts.RateLimitUserIDHeader)
	if header == "" {
		header = "X-User-ID"
	}

	s := &Server{
		logger:                logger,
		jobs:                  svc,
		mux:                   http.NewServeMux(),
		metrics:               newMetrics(opts.Registry),
		tracer:                opts.Tracer,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: header,
		corsOrigins:           opts.CORSOrigins,
	}
	s.routes()
	return s
}

// Handler is the full middleware chain around the router.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.withRateLimit(h)
	h = s.withTracing(h)
	h = s.metrics.withHTTPMetrics(h)
	h = newCORS(s.corsOrigins).Handler(h)
	return h
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())

	s.mux.HandleFunc("POST /jobs/lr/{receiptId}", s.handleCreateJob)
	s.mux.HandleFunc("GET /jobs/{jobId}", s.handleGetJob)

	s.mux.HandleFunc("GET /lr", s.handleListReceipts)
	s.mux.HandleFunc("POST /lr", s.handleRegisterReceipt)
	s.mux.HandleFunc("GET /lr/{receiptId}", s.handleGetReceipt)
	s.mux.HandleFunc("GET /lr/{receiptId}/invoices", s.handleListInvoices)
	s.mux.HandleFunc("POST /lr/{receiptId}/validate", s.handleValidateReceipt)

	s.mux.HandleFunc("POST /invoice/{invoiceId}/validate", s.handleValidateInvoice)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createJobResponse struct {
	JobID  string           `json:"job_id"`
	Status domain.JobStatus `json:"status"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	receiptID, ok := pathID(w, r, "receiptId", "lr_id")
	if !ok {
		return
	}

	view, err := s.jobs.CreateJob(r.Context(), receiptID)
	if err != nil {
		s.writeError(w, r, err, "LR not found")
		return
	}
	s.metrics.jobsCreated.Inc()
	writeJSON(w, http.StatusAccepted, createJobResponse{JobID: view.JobID, Status: view.Status})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("jobId"))
	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("job_id is required"))
		return
	}

	view, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, err, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	receiptID, ok := pathID(w, r, "receiptId", "lr_id")
	if !ok {
		return
	}

	invoices, err := s.jobs.ListInvoices(r.Context(), receiptID)
	if err != nil {
		s.writeError(w, r, err, "LR not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": invoices})
}

type validateInvoiceRequest struct {
	CustomData      json.RawMessage `json:"custom_data"`
	CustomDataCamel json.RawMessage `json:"customData"`
}

func (v validateInvoiceRequest) payload() json.RawMessage {
	if len(v.CustomData) > 0 {
		return v.CustomData
	}
	return v.CustomDataCamel
}

func (s *Server) handleValidateInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := pathID(w, r, "invoiceId", "invoice_id")
	if !ok {
		return
	}

	var req validateInvoiceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	if err := s.jobs.ValidateInvoice(r.Context(), invoiceID, req.payload()); err != nil {
		s.writeError(w, r, err, "Invoice not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleValidateReceipt(w http.ResponseWriter, r *http.Request) {
	receiptID, ok := pathID(w, r, "receiptId", "lr_id")
	if !ok {
		return
	}

	if err := s.jobs.ValidateReceipt(r.Context(), receiptID); err != nil {
		s.writeError(w, r, err, "LR not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "validated"})
}

func (s *Server) handleRegisterReceipt(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateReceiptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	receipt, err := s.jobs.RegisterReceipt(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err, "LR not found")
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	clientID, ok := queryID(w, r, "client_id")
	if !ok {
		return
	}
	branchID, ok := queryID(w, r, "branch_id")
	if !ok {
		return
	}
	limit, ok := queryID(w, r, "limit")
	if !ok {
		return
	}

	receipts, err := s.jobs.ListReceipts(r.Context(), domain.ReceiptFilter{
		ClientID: clientID,
		BranchID: branchID,
		Limit:    int(min(limit, maxReceiptListLimit)),
	})
	if err != nil {
		s.writeError(w, r, err, "LR not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": receipts})
}

const maxReceiptListLimit = 1000

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receiptID, ok := pathID(w, r, "receiptId", "lr_id")
	if !ok {
		return
	}

	receipt, err := s.jobs.GetReceipt(r.Context(), receiptID)
	if err != nil {
		s.writeError(w, r, err, "LR not found")
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// writeError maps service errors onto status codes. Unexpected errors are
// logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(notFound))
	case errors.Is(err, domain.ErrValidationPrecondition):
		var precondition *domain.PreconditionError
		if errors.As(err, &precondition) {
			writeJSON(w, http.StatusBadRequest, errorBody(precondition.Message))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, validation.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, jobs.ErrBusy):
		s.metrics.dispatchRejected.Inc()
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorBody("extraction queue is full, retry later"))
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal server error"))
	}
}

func pathID(w http.ResponseWriter, r *http.Request, name, label string) (int64, bool) {
	raw := strings.TrimSpace(r.PathValue(name))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("%s must be a positive integer", label)))
		return 0, false
	}
	return id, true
}

// queryID parses an optional positive integer query parameter. A missing
// parameter yields zero.
func queryID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("%s must be a positive integer", name)))
		return 0, false
	}
	return id, true
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
