// Package jobs orchestrates receipt extraction: it creates jobs, hands them
// to a dispatcher and answers status, invoice and validation requests.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/receiptflow/internal/dispatch"
	"github.com/dunamismax/receiptflow/internal/domain"
	"github.com/dunamismax/receiptflow/internal/id"
	"github.com/dunamismax/receiptflow/internal/registry"
	"github.com/dunamismax/receiptflow/internal/storage"
	"github.com/dunamismax/receiptflow/internal/store"
	"github.com/dunamismax/receiptflow/internal/validation"
	"go.uber.org/zap"
)

// ErrBusy is returned when the dispatcher refuses a new job.
var ErrBusy = errors.New("extraction capacity exhausted")

type Presigner interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

type Service struct {
	store      store.Store
	registry   registry.Registry
	dispatcher dispatch.Dispatcher
	logger     *zap.Logger

	presigner  Presigner
	presignTTL time.Duration

	newID func() string
	now   func() time.Time
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPresigner enables upload URLs for newly registered receipts.
func WithPresigner(p Presigner, ttl time.Duration) Option {
	return func(s *Service) {
		s.presigner = p
		if ttl > 0 {
			s.presignTTL = ttl
		}
	}
}

func NewService(st store.Store, reg registry.Registry, d dispatch.Dispatcher, opts ...Option) *Service {
	s := &Service{
		store:      st,
		registry:   reg,
		dispatcher: d,
		logger:     zap.NewNop(),
		presignTTL: 15 * time.Minute,
		newID:      id.New,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateJob records a queued job, marks the receipt Processing and hands the
// job to the dispatcher. It returns before extraction starts.
func (s *Service) CreateJob(ctx context.Context, receiptID int64) (domain.JobView, error) {
	now := s.now()
	job := domain.Job{
		ID:        s.newID(),
		ReceiptID: receiptID,
		Status:    domain.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	logger := s.logger.With(zap.String("job_id", job.ID), zap.Int64("lr_id", receiptID))

	if err := s.store.CreateJob(ctx, job); err != nil {
		return domain.JobView{}, fmt.Errorf("create job: %w", err)
	}
	view := job.View()
	if err := s.registry.Put(ctx, view); err != nil {
		logger.Warn("registry put failed, status reads fall back to the store", zap.Error(err))
	}

	if err := s.dispatcher.Dispatch(ctx, dispatch.Task{JobID: job.ID, ReceiptID: receiptID}); err != nil {
		logger.Warn("dispatch rejected", zap.Error(err))
		s.reject(ctx, logger, job, err)
		return domain.JobView{}, fmt.Errorf("%w: %v", ErrBusy, err)
	}

	logger.Info("extraction job queued")
	return view, nil
}

// reject fails a job whose dispatch was refused. The store write is
// conditional, so a worker that already claimed the job keeps it and the
// registry is re-seeded from the stored row instead.
func (s *Service) reject(ctx context.Context, logger *zap.Logger, job domain.Job, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	message := "dispatch rejected: " + cause.Error()
	err := s.store.FailJob(ctx, job.ID, message)
	switch {
	case errors.Is(err, domain.ErrInvalidTransition):
		logger.Warn("job picked up before the rejection was recorded", zap.Error(err))
		current, err := s.store.GetJob(ctx, job.ID)
		if err != nil {
			logger.Warn("reload job after rejection failed", zap.Error(err))
			return
		}
		if err := s.registry.Put(ctx, current.View()); err != nil {
			logger.Warn("registry reconcile after rejection failed", zap.Error(err))
		}
		return
	case err != nil:
		logger.Error("store update after rejection failed", zap.Error(err))
	}

	if _, err := s.registry.Update(ctx, job.ID, domain.FailedUpdate(message)); err != nil && !errors.Is(err, domain.ErrNotFound) {
		logger.Warn("registry update after rejection failed", zap.Error(err))
	}
}

// GetJob prefers the registry and falls back to the store, so a job survives
// a restart or an evicted registry entry.
func (s *Service) GetJob(ctx context.Context, jobID string) (domain.JobView, error) {
	view, ok, err := s.registry.Get(ctx, jobID)
	switch {
	case err != nil:
		s.logger.Warn("registry read failed, falling back to store", zap.String("job_id", jobID), zap.Error(err))
	case ok:
		return view, nil
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return domain.JobView{}, err
	}
	return job.View(), nil
}

// ListReceipts returns the newest receipts first, narrowed by client and
// branch when the filter names them.
func (s *Service) ListReceipts(ctx context.Context, filter domain.ReceiptFilter) ([]domain.Receipt, error) {
	if filter.Limit < 0 {
		return nil, fmt.Errorf("limit must not be negative: %w", validation.ErrInvalid)
	}
	return s.store.ListReceipts(ctx, filter.Normalized())
}

func (s *Service) ListInvoices(ctx context.Context, receiptID int64) ([]domain.Invoice, error) {
	return s.store.ListInvoices(ctx, receiptID)
}

// ValidateInvoice stores the reviewer's custom data. Repeating the call with
// the same data is harmless.
func (s *Service) ValidateInvoice(ctx context.Context, invoiceID int64, customData json.RawMessage) error {
	if err := validation.CustomData(customData); err != nil {
		return err
	}
	if err := s.store.SetInvoiceCustomData(ctx, invoiceID, customData); err != nil {
		return err
	}
	s.logger.Info("invoice validated", zap.Int64("invoice_id", invoiceID))
	return nil
}

// ValidateReceipt marks the receipt Validated once every invoice carries
// custom data.
func (s *Service) ValidateReceipt(ctx context.Context, receiptID int64) error {
	invoices, err := s.store.ListInvoices(ctx, receiptID)
	if err != nil {
		return err
	}
	if len(invoices) == 0 {
		return domain.ErrNoInvoices
	}
	for _, inv := range invoices {
		if !inv.Validated() {
			return domain.ErrIncompleteValidation
		}
	}
	if err := s.store.UpdateReceiptStatus(ctx, receiptID, domain.ReceiptStatusValidated); err != nil {
		return err
	}
	s.logger.Info("receipt validated", zap.Int64("lr_id", receiptID), zap.Int("invoices", len(invoices)))
	return nil
}

type RegisteredReceipt struct {
	domain.Receipt
	UploadURL       string     `json:"upload_url,omitempty"`
	UploadExpiresAt *time.Time `json:"upload_expires_at,omitempty"`
}

// RegisterReceipt creates an Uploaded receipt. Without an explicit
// source_document_path the document key is derived from the filename, and
// a presigned upload URL is returned when object storage is configured.
func (s *Service) RegisterReceipt(ctx context.Context, req domain.CreateReceiptRequest) (RegisteredReceipt, error) {
	if err := req.Validate(); err != nil {
		return RegisteredReceipt{}, fmt.Errorf("%v: %w", err, validation.ErrInvalid)
	}

	number := req.ResolvedNumber()
	if number == "" {
		return RegisteredReceipt{}, fmt.Errorf("lr_number could not be derived: %w", validation.ErrInvalid)
	}
	path := strings.TrimSpace(req.SourceDocumentPath)
	if path == "" {
		path = storage.SourceDocumentKey(number, req.Filename)
	}

	receipt, err := s.store.CreateReceipt(ctx, domain.Receipt{
		Number:             number,
		SourceDocumentPath: path,
		ClientID:           req.ClientID,
		BranchID:           req.BranchID,
		Status:             domain.ReceiptStatusUploaded,
	})
	if err != nil {
		return RegisteredReceipt{}, fmt.Errorf("create receipt: %w", err)
	}
	out := RegisteredReceipt{Receipt: receipt}

	if s.presigner != nil && strings.TrimSpace(req.Filename) != "" {
		url, err := s.presigner.PresignedPutURL(ctx, path, s.presignTTL)
		if err != nil {
			return RegisteredReceipt{}, err
		}
		expires := s.now().Add(s.presignTTL)
		out.UploadURL = url
		out.UploadExpiresAt = &expires
	}

	s.logger.Info("receipt registered", zap.Int64("lr_id", receipt.ID), zap.String("lr_number", number))
	return out, nil
}

func (s *Service) GetReceipt(ctx context.Context, receiptID int64) (domain.Receipt, error) {
	return s.store.GetReceipt(ctx, receiptID)
}
