package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/receiptflow/internal/dispatch"
	"github.com/dunamismax/receiptflow/internal/domain"
	"github.com/dunamismax/receiptflow/internal/extraction"
	"github.com/dunamismax/receiptflow/internal/registry"
	"github.com/dunamismax/receiptflow/internal/store"
	"github.com/dunamismax/receiptflow/internal/validation"
	"github.com/dunamismax/receiptflow/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type harness struct {
	store    *store.MemoryStore
	registry *registry.MemoryRegistry
	pool     *dispatch.Pool
	service  *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	st := store.NewMemoryStore()
	reg := registry.NewMemoryRegistry()

	processor := extraction.NewProcessor(extraction.ReferenceFetcher{}, extraction.StubExtractor{})
	runner := worker.NewRunner(st, reg, processor, worker.WithLogger(logger))
	pool := dispatch.NewPool(runner.Handle, dispatch.WithWorkers(4), dispatch.WithQueueSize(256), dispatch.WithLogger(logger))
	t.Cleanup(func() {
		_ = pool.Stop(context.Background())
		_ = reg.Close()
	})

	return &harness{
		store:    st,
		registry: reg,
		pool:     pool,
		service:  NewService(st, reg, pool, WithLogger(logger)),
	}
}

func (h *harness) receipt(t *testing.T, number, path string) domain.Receipt {
	t.Helper()
	r, err := h.store.CreateReceipt(context.Background(), domain.Receipt{Number: number, SourceDocumentPath: path})
	require.NoError(t, err)
	return r
}

// extracted runs a job for r straight through the store and returns the
// invoices it recorded.
func (h *harness) extracted(t *testing.T, r domain.Receipt, numbers ...string) []domain.Invoice {
	t.Helper()
	ctx := context.Background()
	jobID := fmt.Sprintf("seed-%d", r.ID)
	require.NoError(t, h.store.CreateJob(ctx, domain.Job{ID: jobID, ReceiptID: r.ID, Status: domain.JobStatusQueued}))
	require.NoError(t, h.store.UpdateJob(ctx, jobID, domain.StatusUpdate(domain.JobStatusProcessing)))

	invoices := make([]domain.NewInvoice, 0, len(numbers))
	for _, n := range numbers {
		invoices = append(invoices, domain.NewInvoice{Number: n})
	}
	created, err := h.store.CompleteJob(ctx, jobID, invoices)
	require.NoError(t, err)
	return created
}

func TestCreateJobQueuesAndCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.receipt(t, "LR-1001", "lr/LR-1001/scan.pdf")

	view, err := h.service.CreateJob(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, view.Status)
	assert.Equal(t, 0, view.Progress)
	assert.NotEmpty(t, view.JobID)

	h.pool.Wait()

	got, err := h.service.GetJob(ctx, view.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Nil(t, got.Error)

	stored, err := h.store.GetJob(ctx, view.JobID)
	require.NoError(t, err)
	assert.Equal(t, got.Status, stored.Status)
	assert.Equal(t, got.Progress, stored.Progress)

	receipt, err := h.service.GetReceipt(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiptStatusPendingValidation, receipt.Status)

	invoices, err := h.service.ListInvoices(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, "LR-1001-INV01", invoices[0].Number)
	assert.Equal(t, 0.99, invoices[0].RawOCRData.Fields[0].Confidence)
}

type blockingDispatcher struct{}

func (blockingDispatcher) Dispatch(context.Context, dispatch.Task) error { return nil }

func TestCreateJobMarksReceiptProcessingBeforeReturning(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.NewMemoryRegistry()
	svc := NewService(st, reg, blockingDispatcher{})
	r, err := st.CreateReceipt(context.Background(), domain.Receipt{Number: "LR-1", SourceDocumentPath: "a.pdf"})
	require.NoError(t, err)

	view, err := svc.CreateJob(context.Background(), r.ID)
	require.NoError(t, err)

	fromRegistry, ok, err := reg.Get(context.Background(), view.JobID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusQueued, fromRegistry.Status)

	stored, err := st.GetJob(context.Background(), view.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, stored.Status)

	receipt, err := st.GetReceipt(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiptStatusProcessing, receipt.Status)
}

func TestCreateJobFailsForMissingSourceDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.receipt(t, "LR-2", "")

	view, err := h.service.CreateJob(ctx, r.ID)
	require.NoError(t, err)
	h.pool.Wait()

	got, err := h.service.GetJob(ctx, view.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, "No source_document_path", got.ErrorMessage())

	receipt, err := h.service.GetReceipt(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiptStatusExtractionFailed, receipt.Status)

	invoices, err := h.service.ListInvoices(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, invoices)
}

func TestCreateJobUnknownReceipt(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.CreateJob(context.Background(), 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, h.registry.Len())
}

type rejectingDispatcher struct{}

func (rejectingDispatcher) Dispatch(_ context.Context, task dispatch.Task) error {
	return fmt.Errorf("job %s: %w", task.JobID, dispatch.ErrQueueFull)
}

func TestCreateJobDispatchRejected(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.NewMemoryRegistry()
	svc := NewService(st, reg, rejectingDispatcher{}, WithLogger(zaptest.NewLogger(t)))
	svc.newID = func() string { return "job-rejected" }

	r, err := st.CreateReceipt(context.Background(), domain.Receipt{Number: "LR-3", SourceDocumentPath: "a.pdf"})
	require.NoError(t, err)

	_, err = svc.CreateJob(context.Background(), r.ID)
	require.ErrorIs(t, err, ErrBusy)

	view, err := svc.GetJob(context.Background(), "job-rejected")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, view.Status)
	assert.True(t, strings.HasPrefix(view.ErrorMessage(), "dispatch rejected: "))

	stored, err := st.GetJob(context.Background(), "job-rejected")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)

	receipt, err := st.GetReceipt(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiptStatusExtractionFailed, receipt.Status)
}

// lateRejectingDispatcher runs the job to completion and only then reports a
// failure, as a queue client may after a timed out enqueue that did land.
type lateRejectingDispatcher struct {
	runner *worker.Runner
}

func (d lateRejectingDispatcher) Dispatch(ctx context.Context, task dispatch.Task) error {
	_ = d.runner.Run(ctx, task.JobID, task.ReceiptID)
	return errors.New("enqueue: i/o timeout")
}

func TestCreateJobLateRejectionKeepsCompletedJob(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.NewMemoryRegistry()
	logger := zaptest.NewLogger(t)
	processor := extraction.NewProcessor(extraction.ReferenceFetcher{}, extraction.StubExtractor{})
	runner := worker.NewRunner(st, reg, processor, worker.WithLogger(logger))
	svc := NewService(st, reg, lateRejectingDispatcher{runner: runner}, WithLogger(logger))
	svc.newID = func() string { return "job-late" }

	r, err := st.CreateReceipt(context.Background(), domain.Receipt{Number: "LR-8", SourceDocumentPath: "a.pdf"})
	require.NoError(t, err)

	_, err = svc.CreateJob(context.Background(), r.ID)
	require.ErrorIs(t, err, ErrBusy)

	stored, err := st.GetJob(context.Background(), "job-late")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)

	view, ok, err := reg.Get(context.Background(), "job-late")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusCompleted, view.Status)
	assert.Nil(t, view.Error)

	receipt, err := st.GetReceipt(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiptStatusPendingValidation, receipt.Status)
	invoices, err := st.ListInvoices(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Len(t, invoices, 1)
}

func TestGetJobFallsBackToStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.receipt(t, "LR-4", "a.pdf")

	view, err := h.service.CreateJob(ctx, r.ID)
	require.NoError(t, err)
	h.pool.Wait()

	// A fresh registry simulates a process restart.
	restarted := NewService(h.store, registry.NewMemoryRegistry(), blockingDispatcher{})
	got, err := restarted.GetJob(ctx, view.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)

	_, err = restarted.GetJob(ctx, "does-not-exist")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type brokenRegistry struct {
	registry.Registry
}

func (brokenRegistry) Get(context.Context, string) (domain.JobView, bool, error) {
	return domain.JobView{}, false, errors.New("redis: connection refused")
}

func TestGetJobRegistryErrorFallsBackToStore(t *testing.T) {
	st := store.NewMemoryStore()
	r, err := st.CreateReceipt(context.Background(), domain.Receipt{Number: "LR-5", SourceDocumentPath: "a.pdf"})
	require.NoError(t, err)
	require.NoError(t, st.CreateJob(context.Background(), domain.Job{ID: "job-5", ReceiptID: r.ID, Status: domain.JobStatusQueued}))

	svc := NewService(st, brokenRegistry{Registry: registry.NewMemoryRegistry()}, blockingDispatcher{})
	view, err := svc.GetJob(context.Background(), "job-5")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, view.Status)
}

func TestConcurrentJobsAreIndependent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 40
	receipts := make([]domain.Receipt, n)
	for i := range receipts {
		receipts[i] = h.receipt(t, fmt.Sprintf("LR-%03d", i), "doc.pdf")
	}

	var (
		mu  sync.Mutex
		ids = make(map[string]int64)
		wg  sync.WaitGroup
	)
	for _, r := range receipts {
		wg.Add(1)
		go func(r domain.Receipt) {
			defer wg.Done()
			view, err := h.service.CreateJob(ctx, r.ID)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[view.JobID] = r.ID
			mu.Unlock()
		}(r)
	}
	wg.Wait()
	h.pool.Wait()

	require.Len(t, ids, n)
	for jobID, receiptID := range ids {
		view, err := h.service.GetJob(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, view.Status)
		assert.Equal(t, receiptID, view.ReceiptID)

		invoices, err := h.service.ListInvoices(ctx, receiptID)
		require.NoError(t, err)
		assert.Len(t, invoices, 1)
	}
}

func TestValidationFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.receipt(t, "LR-6", "a.pdf")

	assert.ErrorIs(t, h.service.ValidateReceipt(ctx, r.ID), domain.ErrNoInvoices)

	created := h.extracted(t, r, "LR-6-INV01", "LR-6-INV02")

	payload := json.RawMessage(`{"freight":"1200"}`)
	require.NoError(t, h.service.ValidateInvoice(ctx, created[0].ID, payload))
	require.NoError(t, h.service.ValidateInvoice(ctx, created[0].ID, payload))

	err := h.service.ValidateReceipt(ctx, r.ID)
	assert.ErrorIs(t, err, domain.ErrIncompleteValidation)
	assert.ErrorIs(t, err, domain.ErrValidationPrecondition)
	assert.Equal(t, "Not all invoices validated", err.Error())

	require.NoError(t, h.service.ValidateInvoice(ctx, created[1].ID, json.RawMessage(`{"approved":true}`)))
	require.NoError(t, h.service.ValidateReceipt(ctx, r.ID))

	receipt, err := h.service.GetReceipt(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiptStatusValidated, receipt.Status)
}

func TestValidateInvoiceRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.service.ValidateInvoice(ctx, 1, json.RawMessage(`[1]`)), validation.ErrInvalid)
	assert.ErrorIs(t, h.service.ValidateInvoice(ctx, 999, json.RawMessage(`{"a":1}`)), domain.ErrNotFound)
}

func TestEmptyCustomDataDoesNotCountAsValidated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.receipt(t, "LR-7", "a.pdf")

	created := h.extracted(t, r, "LR-7-INV01")
	require.NoError(t, h.service.ValidateInvoice(ctx, created[0].ID, json.RawMessage(`{}`)))

	assert.ErrorIs(t, h.service.ValidateReceipt(ctx, r.ID), domain.ErrIncompleteValidation)
}

type fakePresigner struct {
	key string
	ttl time.Duration
}

func (f *fakePresigner) PresignedPutURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	f.key = key
	f.ttl = ttl
	return "https://minio.local/source-documents/" + key + "?X-Amz-Signature=abc", nil
}

func TestRegisterReceipt(t *testing.T) {
	st := store.NewMemoryStore()
	presigner := &fakePresigner{}
	svc := NewService(st, registry.NewMemoryRegistry(), blockingDispatcher{}, WithPresigner(presigner, 5*time.Minute))

	out, err := svc.RegisterReceipt(context.Background(), domain.CreateReceiptRequest{Filename: "LR 1001.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "LR_1001", out.Number)
	assert.Equal(t, domain.ReceiptStatusUploaded, out.Status)
	assert.Equal(t, "lr/LR_1001/LR_1001.pdf", out.SourceDocumentPath)
	assert.Equal(t, out.SourceDocumentPath, presigner.key)
	assert.Equal(t, 5*time.Minute, presigner.ttl)
	assert.NotEmpty(t, out.UploadURL)
	require.NotNil(t, out.UploadExpiresAt)

	explicit, err := svc.RegisterReceipt(context.Background(), domain.CreateReceiptRequest{Number: "LR-9", SourceDocumentPath: "existing/doc.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "existing/doc.pdf", explicit.SourceDocumentPath)
	assert.Empty(t, explicit.UploadURL)

	_, err = svc.RegisterReceipt(context.Background(), domain.CreateReceiptRequest{})
	assert.ErrorIs(t, err, validation.ErrInvalid)
}

func TestListReceipts(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, registry.NewMemoryRegistry(), blockingDispatcher{})
	ctx := context.Background()

	for _, req := range []domain.CreateReceiptRequest{
		{Number: "LR-1", SourceDocumentPath: "a.pdf", ClientID: 1, BranchID: 10},
		{Number: "LR-2", SourceDocumentPath: "b.pdf", ClientID: 2},
		{Number: "LR-3", SourceDocumentPath: "c.pdf", ClientID: 1, BranchID: 11},
	} {
		_, err := svc.RegisterReceipt(ctx, req)
		require.NoError(t, err)
	}

	all, err := svc.ListReceipts(ctx, domain.ReceiptFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "LR-3", all[0].Number)

	client, err := svc.ListReceipts(ctx, domain.ReceiptFilter{ClientID: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, client, 1)
	assert.Equal(t, "LR-3", client[0].Number)
	assert.Equal(t, int64(11), client[0].BranchID)

	_, err = svc.ListReceipts(ctx, domain.ReceiptFilter{Limit: -1})
	assert.ErrorIs(t, err, validation.ErrInvalid)
}
