// Package worker drives extraction jobs from queued to a terminal state,
// mirroring every transition to the registry and the store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dunamismax/receiptflow/internal/dispatch"
	"github.com/dunamismax/receiptflow/internal/domain"
	"github.com/dunamismax/receiptflow/internal/extraction"
	"github.com/dunamismax/receiptflow/internal/registry"
	"github.com/dunamismax/receiptflow/internal/store"
	"github.com/dunamismax/receiptflow/internal/webhook"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrReceiptMissing is recorded when a job's receipt no longer exists.
var ErrReceiptMissing = errors.New("LR missing")

type Notifier interface {
	Notify(ctx context.Context, event webhook.JobEvent) error
}

// RetryPolicy bounds the retries of terminal state writes.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 5, Initial: 50 * time.Millisecond, Max: 2 * time.Second}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     p.Initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.Max,
	}
}

type Runner struct {
	store     store.Store
	registry  registry.Registry
	processor *extraction.Processor
	notifier  Notifier
	metrics   *Metrics
	tracer    trace.Tracer
	logger    *zap.Logger

	timeout      time.Duration
	retry        RetryPolicy
	writeTimeout time.Duration
	now          func() time.Time
}

type RunnerOption func(*Runner)

func WithLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) RunnerOption {
	return func(r *Runner) {
		if m != nil {
			r.metrics = m
		}
	}
}

func WithNotifier(n Notifier) RunnerOption {
	return func(r *Runner) { r.notifier = n }
}

// WithTimeout caps the extraction stage. Zero means no cap.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.timeout = d }
}

func WithRetryPolicy(p RetryPolicy) RunnerOption {
	return func(r *Runner) {
		if p.Attempts > 0 {
			r.retry = p
		}
	}
}

func NewRunner(st store.Store, reg registry.Registry, processor *extraction.Processor, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:        st,
		registry:     reg,
		processor:    processor,
		metrics:      NewMetrics(nil),
		tracer:       otel.Tracer("receiptflow/worker"),
		logger:       zap.NewNop(),
		retry:        DefaultRetryPolicy(),
		writeTimeout: 30 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle adapts Run to a dispatch.Handler.
func (r *Runner) Handle(ctx context.Context, task dispatch.Task) {
	_ = r.Run(ctx, task.JobID, task.ReceiptID)
}

// Run executes one job. The returned error is the failure recorded on the
// job, or an error explaining why the job could not be picked up; in both
// cases the job is never left in processing.
func (r *Runner) Run(ctx context.Context, jobID string, receiptID int64) (err error) {
	startedAt := r.now()
	outcome := domain.JobStatusFailed
	logger := r.logger.With(zap.String("job_id", jobID), zap.Int64("lr_id", receiptID))

	ctx, span := r.tracer.Start(ctx, "worker.extract_receipt", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(attribute.String("job.id", jobID), attribute.Int64("job.lr_id", receiptID))
	defer span.End()

	r.metrics.activeJobs.Inc()
	defer func() {
		r.metrics.activeJobs.Dec()
		elapsed := r.now().Sub(startedAt).Seconds()
		r.metrics.jobDuration.WithLabelValues(string(outcome)).Observe(elapsed)
		r.metrics.jobsTotal.WithLabelValues(string(outcome)).Inc()
	}()

	job, err := r.loadJob(ctx, jobID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		logger.Error("job lookup failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "job lookup failed")
		return fmt.Errorf("load job %s: %w", jobID, err)
	case err != nil:
		// The row could not be read, so record the failure against the
		// task's own ids rather than leave the job queued.
		logger.Error("job lookup failed", zap.Error(err))
		return r.fail(ctx, logger, span, domain.Job{ID: jobID, ReceiptID: receiptID}, fmt.Errorf("load job: %w", err))
	}
	if job.Status != domain.JobStatusQueued {
		logger.Warn("job already picked up, skipping", zap.String("status", string(job.Status)))
		outcome = job.Status
		return nil
	}

	if err := r.mirror(ctx, job, domain.StatusUpdate(domain.JobStatusProcessing)); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			outcome = r.reconcile(ctx, logger, job.ID)
			logger.Warn("job claimed or rejected concurrently, skipping", zap.String("status", string(outcome)))
			return nil
		}
		return r.fail(ctx, logger, span, job, fmt.Errorf("mark processing: %w", err))
	}
	logger.Info("extraction started")

	receipt, err := r.store.GetReceipt(ctx, receiptID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			err = ErrReceiptMissing
		}
		return r.fail(ctx, logger, span, job, err)
	}

	result := r.extract(ctx, job, receipt, logger)
	if !result.OK() {
		return r.fail(ctx, logger, span, job, result.Err)
	}

	invoices, err := r.complete(ctx, logger, job, result.Invoices)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			outcome = r.reconcile(ctx, logger, job.ID)
			span.SetStatus(codes.Error, "job finished elsewhere")
			return fmt.Errorf("record completion: %w", err)
		}
		return r.fail(ctx, logger, span, job, fmt.Errorf("record completion: %w", err))
	}

	outcome = domain.JobStatusCompleted
	r.metrics.invoicesTotal.Add(float64(len(invoices)))
	span.SetAttributes(attribute.Int("job.invoices", len(invoices)))
	span.SetStatus(codes.Ok, "completed")
	return nil
}

// loadJob reads the job row. A lookup that fails for any reason other than a
// missing row is retried detached from ctx, so a cancelled task can still be
// failed cleanly.
func (r *Runner) loadJob(ctx context.Context, jobID string) (domain.Job, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err == nil || errors.Is(err, domain.ErrNotFound) {
		return job, err
	}

	wctx, cancel := r.detached(ctx)
	defer cancel()
	return retryOp(wctx, r, "store", func(ctx context.Context) (domain.Job, error) {
		return r.store.GetJob(ctx, jobID)
	})
}

func (r *Runner) extract(ctx context.Context, job domain.Job, receipt domain.Receipt, logger *zap.Logger) (result extraction.Result) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("extraction panicked", zap.Any("panic", rec), zap.Stack("stack"))
			result = extraction.Failed(fmt.Errorf("extraction panicked: %v", rec))
		}
	}()

	progress := func(ctx context.Context, percent int) {
		r.metrics.progressUpdates.Inc()
		if err := r.mirror(ctx, job, domain.ProgressUpdate(percent)); err != nil {
			logger.Warn("progress update failed", zap.Int("progress", percent), zap.Error(err))
		}
	}
	return r.processor.Process(ctx, extraction.Request{JobID: job.ID, Receipt: receipt}, progress)
}

// complete commits the invoices, the completed job and the Pending_Validation
// receipt in one store transaction, then mirrors the result to the registry.
// On error nothing was written.
func (r *Runner) complete(ctx context.Context, logger *zap.Logger, job domain.Job, extracted []domain.NewInvoice) ([]domain.Invoice, error) {
	wctx, cancel := r.detached(ctx)
	defer cancel()

	invoices, err := retryOp(wctx, r, "store", func(ctx context.Context) ([]domain.Invoice, error) {
		return r.store.CompleteJob(ctx, job.ID, extracted)
	})
	if err != nil {
		logger.Error("recording completion failed", zap.Error(err))
		return nil, err
	}
	r.mirrorRegistryWithRetry(wctx, logger, job, domain.CompletedUpdate())

	logger.Info("extraction completed", zap.Int("invoices", len(invoices)))
	r.notify(wctx, logger, webhook.JobEvent{
		Type:         webhook.EventJobCompleted,
		JobID:        job.ID,
		ReceiptID:    job.ReceiptID,
		Status:       string(domain.JobStatusCompleted),
		InvoiceCount: len(invoices),
	})
	return invoices, nil
}

// fail records cause verbatim on the job and marks the receipt
// Extraction_Failed in one store transaction. Writes run detached from ctx so
// cancellation cannot strand the job in processing.
func (r *Runner) fail(ctx context.Context, logger *zap.Logger, span trace.Span, job domain.Job, cause error) error {
	failure := domain.NewExtractionFailure(cause)
	span.RecordError(failure)
	span.SetStatus(codes.Error, failure.Message)
	logger.Warn("extraction failed", zap.String("error", failure.Message))

	wctx, cancel := r.detached(ctx)
	defer cancel()

	err := retryWrite(wctx, r, "store", func(ctx context.Context) error {
		return r.store.FailJob(ctx, job.ID, failure.Message)
	})
	switch {
	case errors.Is(err, domain.ErrInvalidTransition):
		logger.Warn("job already finished, failure not recorded", zap.Error(err))
		r.reconcile(wctx, logger, job.ID)
		return failure
	case err != nil:
		// The registry still gets the failure so readers stop polling.
		logger.Error("recording failure failed", zap.Error(err))
	}
	r.mirrorRegistryWithRetry(wctx, logger, job, domain.FailedUpdate(failure.Message))

	r.notify(wctx, logger, webhook.JobEvent{
		Type:      webhook.EventJobFailed,
		JobID:     job.ID,
		ReceiptID: job.ReceiptID,
		Status:    string(domain.JobStatusFailed),
		Error:     failure.Message,
	})
	return failure
}

func (r *Runner) notify(ctx context.Context, logger *zap.Logger, event webhook.JobEvent) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, event); err != nil {
		logger.Warn("webhook delivery failed", zap.String("event", event.Type), zap.Error(err))
	}
}

// mirror applies update to the store, which refuses transitions the stored
// status does not admit, and then to the registry. Only store errors are
// returned.
func (r *Runner) mirror(ctx context.Context, job domain.Job, update domain.JobUpdate) error {
	if err := r.store.UpdateJob(ctx, job.ID, update); err != nil {
		return err
	}
	if err := r.mirrorRegistry(ctx, job, update); err != nil {
		r.logger.Warn("registry update failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	return nil
}

// mirrorRegistry writes an update the store already accepted. A job missing
// from the registry (expired, or created by another process) and an entry
// whose status disagrees with the update are both re-seeded from the store.
func (r *Runner) mirrorRegistry(ctx context.Context, job domain.Job, update domain.JobUpdate) error {
	_, err := r.registry.Update(ctx, job.ID, update)
	if !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrInvalidTransition) {
		return err
	}

	current, err := r.store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	return r.registry.Put(ctx, current.View())
}

func (r *Runner) mirrorRegistryWithRetry(ctx context.Context, logger *zap.Logger, job domain.Job, update domain.JobUpdate) {
	if err := retryWrite(ctx, r, "registry", func(ctx context.Context) error {
		return r.mirrorRegistry(ctx, job, update)
	}); err != nil {
		logger.Warn("registry terminal update failed", zap.Error(err))
	}
}

// reconcile copies the stored job into the registry after the store refused
// a transition, and returns the stored status.
func (r *Runner) reconcile(ctx context.Context, logger *zap.Logger, jobID string) domain.JobStatus {
	current, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		logger.Warn("reload job failed", zap.Error(err))
		return domain.JobStatusFailed
	}
	if err := r.registry.Put(ctx, current.View()); err != nil {
		logger.Warn("registry reconcile failed", zap.Error(err))
	}
	return current.Status
}

func (r *Runner) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
}

// retryOp runs op with exponential backoff under r's retry policy. Missing
// rows and refused transitions are final and returned at once.
func retryOp[T any](ctx context.Context, r *Runner, target string, op func(context.Context) (T, error)) (T, error) {
	return backoff.Retry(ctx,
		func() (T, error) {
			v, err := op(ctx)
			if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
				return v, backoff.Permanent(err)
			}
			return v, err
		},
		backoff.WithBackOff(r.retry.backOff()),
		backoff.WithMaxTries(uint(r.retry.Attempts)),
		backoff.WithNotify(func(error, time.Duration) {
			r.metrics.writeRetries.WithLabelValues(target).Inc()
		}),
	)
}

func retryWrite(ctx context.Context, r *Runner, target string, fn func(context.Context) error) error {
	_, err := retryOp(ctx, r, target, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
