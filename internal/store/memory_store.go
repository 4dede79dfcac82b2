package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/receiptflow/internal/domain"
)

// MemoryStore keeps everything in maps. It backs local development
// (memory:// store URLs) and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	receipts      map[int64]domain.Receipt
	jobs          map[string]domain.Job
	invoices      map[int64]domain.Invoice
	nextReceiptID int64
	nextInvoiceID int64
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts: make(map[int64]domain.Receipt),
		jobs:     make(map[string]domain.Job),
		invoices: make(map[int64]domain.Invoice),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) CreateReceipt(_ context.Context, receipt domain.Receipt) (domain.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextReceiptID++
	now := s.now()
	receipt.ID = s.nextReceiptID
	if receipt.Status == "" {
		receipt.Status = domain.ReceiptStatusUploaded
	}
	receipt.CreatedAt = now
	receipt.UpdatedAt = now
	s.receipts[receipt.ID] = receipt
	return receipt, nil
}

func (s *MemoryStore) GetReceipt(_ context.Context, receiptID int64) (domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	receipt, ok := s.receipts[receiptID]
	if !ok {
		return domain.Receipt{}, fmt.Errorf("receipt %d: %w", receiptID, domain.ErrNotFound)
	}
	return receipt, nil
}

func (s *MemoryStore) ListReceipts(_ context.Context, filter domain.ReceiptFilter) ([]domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filter = filter.Normalized()
	out := make([]domain.Receipt, 0)
	for _, r := range s.receipts {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateReceiptStatus(_ context.Context, receiptID int64, status domain.ReceiptStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	receipt, ok := s.receipts[receiptID]
	if !ok {
		return fmt.Errorf("receipt %d: %w", receiptID, domain.ErrNotFound)
	}
	receipt.Status = status
	receipt.UpdatedAt = s.now()
	s.receipts[receiptID] = receipt
	return nil
}

func (s *MemoryStore) CreateJob(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	receipt, ok := s.receipts[job.ReceiptID]
	if !ok {
		return fmt.Errorf("receipt %d: %w", job.ReceiptID, domain.ErrNotFound)
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	s.jobs[job.ID] = job

	receipt.Status = domain.ReceiptStatusProcessing
	receipt.UpdatedAt = now
	s.receipts[receipt.ID] = receipt
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	return job, nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, jobID string, update domain.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.transitionLocked(jobID, update)
	return err
}

func (s *MemoryStore) CompleteJob(_ context.Context, jobID string, invoices []domain.NewInvoice) ([]domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	receipt, ok := s.receipts[job.ReceiptID]
	if !ok {
		return nil, fmt.Errorf("receipt %d: %w", job.ReceiptID, domain.ErrNotFound)
	}
	job, err := s.transitionLocked(jobID, domain.CompletedUpdate())
	if err != nil {
		return nil, err
	}

	created := make([]domain.Invoice, 0, len(invoices))
	for _, inv := range invoices {
		s.nextInvoiceID++
		invoice := domain.Invoice{
			ID:         s.nextInvoiceID,
			ReceiptID:  job.ReceiptID,
			Number:     inv.Number,
			RawOCRData: inv.RawOCRData,
		}
		s.invoices[invoice.ID] = invoice
		created = append(created, invoice)
	}

	receipt.Status = domain.ReceiptStatusPendingValidation
	receipt.UpdatedAt = job.UpdatedAt
	s.receipts[receipt.ID] = receipt
	return created, nil
}

func (s *MemoryStore) FailJob(_ context.Context, jobID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.transitionLocked(jobID, domain.FailedUpdate(message))
	if err != nil {
		return err
	}
	if receipt, ok := s.receipts[job.ReceiptID]; ok {
		receipt.Status = domain.ReceiptStatusExtractionFailed
		receipt.UpdatedAt = job.UpdatedAt
		s.receipts[receipt.ID] = receipt
	}
	return nil
}

// transitionLocked applies update to the stored job. The caller holds s.mu.
func (s *MemoryStore) transitionLocked(jobID string, update domain.JobUpdate) (domain.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	view, err := update.Apply(job.View())
	if err != nil {
		return domain.Job{}, fmt.Errorf("job %s: %w", jobID, err)
	}
	job.Status = view.Status
	job.Progress = view.Progress
	job.Error = view.ErrorMessage()
	job.UpdatedAt = s.now()
	s.jobs[jobID] = job
	return job, nil
}

func (s *MemoryStore) ListInvoices(_ context.Context, receiptID int64) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Invoice, 0)
	for _, inv := range s.invoices {
		if inv.ReceiptID == receiptID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SetInvoiceCustomData(_ context.Context, invoiceID int64, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[invoiceID]
	if !ok {
		return fmt.Errorf("invoice %d: %w", invoiceID, domain.ErrNotFound)
	}
	inv.CustomData = append(json.RawMessage(nil), data...)
	s.invoices[invoiceID] = inv
	return nil
}
