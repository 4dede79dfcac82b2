// Package store is the durable record of receipts, extraction jobs and
// invoices. It is the source of truth whenever the job registry misses.
package store

import (
	"context"
	"encoding/json"

	"github.com/dunamismax/receiptflow/internal/domain"
)

type ReceiptStore interface {
	CreateReceipt(ctx context.Context, receipt domain.Receipt) (domain.Receipt, error)
	GetReceipt(ctx context.Context, receiptID int64) (domain.Receipt, error)
	// ListReceipts returns the newest receipts first, at most filter.Limit
	// of them.
	ListReceipts(ctx context.Context, filter domain.ReceiptFilter) ([]domain.Receipt, error)
	UpdateReceiptStatus(ctx context.Context, receiptID int64, status domain.ReceiptStatus) error
}

type JobStore interface {
	// CreateJob inserts the job and moves its receipt to Processing in one
	// transaction. It fails with domain.ErrNotFound for an unknown receipt.
	CreateJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, jobID string) (domain.Job, error)
	// UpdateJob applies update only while the stored status admits it. A
	// conflicting status yields domain.ErrInvalidTransition, which makes
	// StatusUpdate(processing) a compare-and-set from queued.
	UpdateJob(ctx context.Context, jobID string, update domain.JobUpdate) error
	// CompleteJob moves a processing job to completed, inserts its invoices
	// and marks the receipt Pending_Validation in one transaction.
	CompleteJob(ctx context.Context, jobID string, invoices []domain.NewInvoice) ([]domain.Invoice, error)
	// FailJob moves a queued or processing job to failed with message and
	// marks its receipt Extraction_Failed in one transaction. A receipt that
	// no longer exists is skipped.
	FailJob(ctx context.Context, jobID, message string) error
}

type InvoiceStore interface {
	ListInvoices(ctx context.Context, receiptID int64) ([]domain.Invoice, error)
	// SetInvoiceCustomData overwrites the reviewer payload. Repeating the call
	// with the same payload leaves the row unchanged.
	SetInvoiceCustomData(ctx context.Context, invoiceID int64, data json.RawMessage) error
}

type Store interface {
	ReceiptStore
	JobStore
	InvoiceStore
	Close() error
}
