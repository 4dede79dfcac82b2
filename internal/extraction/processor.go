// Package extraction turns a receipt's source document into invoice rows
// through fetch, extract and archive stages. Persisting the rows is left to
// the caller so it can commit them together with the job's terminal state.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/receiptflow/internal/domain"
	"github.com/dunamismax/receiptflow/internal/validation"
)

// Progress marks reported after each stage.
const (
	ProgressFetched   = 25
	ProgressExtracted = 60
	ProgressPrepared  = 90
)

var (
	ErrNoSourceDocument = errors.New("No source_document_path")
	ErrNoInvoices       = errors.New("extraction produced no invoices")
)

type Request struct {
	JobID   string
	Receipt domain.Receipt
}

// Document is a fetched source document. Data is nil when the fetcher only
// resolved the reference.
type Document struct {
	Path string
	Data []byte
}

// Result is the explicit outcome of one extraction. Exactly one of Invoices
// or Err is meaningful.
type Result struct {
	Invoices []domain.NewInvoice
	Err      *domain.ExtractionFailure
}

func Succeeded(invoices []domain.NewInvoice) Result {
	return Result{Invoices: invoices}
}

func Failed(err error) Result {
	if err == nil {
		err = errors.New("extraction failed")
	}
	return Result{Err: domain.NewExtractionFailure(err)}
}

func (r Result) OK() bool {
	return r.Err == nil
}

// ProgressFunc receives stage completion percentages.
type ProgressFunc func(ctx context.Context, percent int)

type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Document, error)
}

type Extractor interface {
	Extract(ctx context.Context, req Request, doc Document) ([]domain.NewInvoice, error)
}

// Archiver keeps a copy of the raw extractor output.
type Archiver interface {
	Archive(ctx context.Context, req Request, invoices []domain.NewInvoice) error
}

type Processor struct {
	fetcher   Fetcher
	extractor Extractor
	archiver  Archiver
}

type Option func(*Processor)

func WithArchiver(a Archiver) Option {
	return func(p *Processor) { p.archiver = a }
}

func NewProcessor(fetcher Fetcher, extractor Extractor, opts ...Option) *Processor {
	p := &Processor{
		fetcher:   fetcher,
		extractor: extractor,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs every stage and never returns an error directly; failures are
// carried in the Result.
func (p *Processor) Process(ctx context.Context, req Request, progress ProgressFunc) Result {
	if progress == nil {
		progress = func(context.Context, int) {}
	}
	if strings.TrimSpace(req.Receipt.SourceDocumentPath) == "" {
		return Failed(ErrNoSourceDocument)
	}

	doc, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Failed(fmt.Errorf("fetch stage: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}
	progress(ctx, ProgressFetched)

	extracted, err := p.extractor.Extract(ctx, req, doc)
	if err != nil {
		return Failed(fmt.Errorf("extract stage: %w", err))
	}
	if len(extracted) == 0 {
		return Failed(ErrNoInvoices)
	}
	for i := range extracted {
		extracted[i].ReceiptID = req.Receipt.ID
		if err := validation.RawOCRData(extracted[i].RawOCRData); err != nil {
			return Failed(fmt.Errorf("extract stage invoice=%s: %w", extracted[i].Number, err))
		}
	}
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}
	progress(ctx, ProgressExtracted)

	if p.archiver != nil {
		if err := p.archiver.Archive(ctx, req, extracted); err != nil {
			return Failed(fmt.Errorf("archive stage: %w", err))
		}
	}

	if err := ctx.Err(); err != nil {
		return Failed(err)
	}
	progress(ctx, ProgressPrepared)

	return Succeeded(extracted)
}
