package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/receiptflow/internal/domain"
	"github.com/dunamismax/receiptflow/internal/storage"
)

// ObjectReader is the subset of storage.Client used to load documents.
type ObjectReader interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
}

type ObjectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

// ObjectStoreFetcher downloads the source document from the bucket.
type ObjectStoreFetcher struct {
	Storage ObjectReader
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) (Document, error) {
	if f.Storage == nil {
		return Document{}, errors.New("storage client is required")
	}
	key := strings.TrimSpace(req.Receipt.SourceDocumentPath)
	data, err := f.Storage.ReadObject(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return Document{}, fmt.Errorf("source document %s not found", key)
		}
		return Document{}, err
	}
	return Document{Path: key, Data: data}, nil
}

// ReferenceFetcher accepts the stored path without downloading it. Used when
// no bucket is configured.
type ReferenceFetcher struct{}

func (ReferenceFetcher) Fetch(ctx context.Context, req Request) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	return Document{Path: strings.TrimSpace(req.Receipt.SourceDocumentPath)}, nil
}

const stubConfidence = 0.99

// StubExtractor emits a single placeholder invoice per receipt until a real
// OCR engine is plugged in.
type StubExtractor struct{}

func (StubExtractor) Extract(ctx context.Context, req Request, doc Document) ([]domain.NewInvoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	number := fmt.Sprintf("%s-INV01", req.Receipt.Number)
	raw := domain.RawOCRData{
		Stub:   true,
		Fields: []domain.Field{{Key: "invoice_number", Value: number, Confidence: stubConfidence}},
	}
	if doc.Data != nil {
		raw.SourceDocument = doc.Path
		raw.DocumentBytes = len(doc.Data)
	}

	return []domain.NewInvoice{{
		ReceiptID:  req.Receipt.ID,
		Number:     number,
		RawOCRData: raw,
	}}, nil
}

// ObjectStoreArchiver writes the extractor output as JSON next to the
// source documents.
type ObjectStoreArchiver struct {
	Storage ObjectWriter
}

type archivedExtraction struct {
	JobID     string            `json:"job_id"`
	ReceiptID int64             `json:"lr_id"`
	Invoices  []archivedInvoice `json:"invoices"`
}

type archivedInvoice struct {
	Number     string            `json:"invoice_number"`
	RawOCRData domain.RawOCRData `json:"raw_ocr_data"`
}

func (a ObjectStoreArchiver) Archive(ctx context.Context, req Request, invoices []domain.NewInvoice) error {
	if a.Storage == nil {
		return errors.New("storage client is required")
	}

	doc := archivedExtraction{
		JobID:     req.JobID,
		ReceiptID: req.Receipt.ID,
		Invoices:  make([]archivedInvoice, 0, len(invoices)),
	}
	for _, inv := range invoices {
		doc.Invoices = append(doc.Invoices, archivedInvoice{Number: inv.Number, RawOCRData: inv.RawOCRData})
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal extraction archive: %w", err)
	}
	return a.Storage.WriteObject(ctx, storage.ExtractionKey(req.Receipt.ID, req.JobID), data, "application/json")
}
