package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dunamismax/receiptflow/internal/domain"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewPostgresStoreWithDB(db)
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

func TestPostgresCreateJobIsTransactional(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE lorry_receipts\s+SET status = \$1, updated_at = \$2\s+WHERE lr_id = \$3`).
		WithArgs("Processing", fixedNow, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO extraction_jobs`).
		WithArgs("job-1", int64(7), "queued", 0, "", fixedNow, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.CreateJob(context.Background(), domain.Job{ID: "job-1", ReceiptID: 7, Status: domain.JobStatusQueued})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateJobUnknownReceiptRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE lorry_receipts`).
		WithArgs("Processing", fixedNow, int64(404)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.CreateJob(context.Background(), domain.Job{ID: "job-1", ReceiptID: 404, Status: domain.JobStatusQueued})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateJobInsertFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE lorry_receipts`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO extraction_jobs`).WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	err := s.CreateJob(context.Background(), domain.Job{ID: "job-1", ReceiptID: 7, Status: domain.JobStatusQueued})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert job")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetJob(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"job_id", "lr_id", "status", "progress", "error", "created_at", "updated_at"}).
		AddRow("job-1", int64(7), "failed", 0, "LR missing", fixedNow, fixedNow)
	mock.ExpectQuery(`SELECT job_id, lr_id, status, progress, COALESCE\(error, ''\), created_at, updated_at\s+FROM extraction_jobs`).
		WithArgs("job-1").
		WillReturnRows(rows)

	job, err := s.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, "LR missing", job.Error)
	assert.Equal(t, int64(7), job.ReceiptID)

	mock.ExpectQuery(`FROM extraction_jobs`).WithArgs("missing").WillReturnError(sql.ErrNoRows)
	_, err = s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func allowed(statuses ...string) any {
	return pq.Array(statuses)
}

func TestPostgresUpdateJobBuildsConditionalUpdate(t *testing.T) {
	s, mock := newMockStore(t)
	returning := func() *sqlmock.Rows { return sqlmock.NewRows([]string{"lr_id"}).AddRow(int64(7)) }

	mock.ExpectQuery(`UPDATE extraction_jobs SET status = \$1, updated_at = \$2 WHERE job_id = \$3 AND status = ANY\(\$4\) RETURNING lr_id`).
		WithArgs("processing", fixedNow, "job-1", allowed("queued")).
		WillReturnRows(returning())
	require.NoError(t, s.UpdateJob(context.Background(), "job-1", domain.StatusUpdate(domain.JobStatusProcessing)))

	mock.ExpectQuery(`UPDATE extraction_jobs SET status = \$1, error = NULLIF\(\$2, ''\), updated_at = \$3 WHERE job_id = \$4 AND status = ANY\(\$5\)`).
		WithArgs("failed", "boom", fixedNow, "job-1", allowed("queued", "processing")).
		WillReturnRows(returning())
	require.NoError(t, s.UpdateJob(context.Background(), "job-1", domain.FailedUpdate("boom")))

	mock.ExpectQuery(`UPDATE extraction_jobs SET progress = \$1, updated_at = \$2 WHERE job_id = \$3 AND status = ANY\(\$4\)`).
		WithArgs(40, fixedNow, "missing", allowed("queued", "processing")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT status FROM extraction_jobs WHERE job_id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	assert.ErrorIs(t, s.UpdateJob(context.Background(), "missing", domain.ProgressUpdate(40)), domain.ErrNotFound)

	assert.Error(t, s.UpdateJob(context.Background(), "job-1", domain.ProgressUpdate(120)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateJobRefusesFinishedJob(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE extraction_jobs SET status = \$1, progress = \$2, updated_at = \$3 WHERE job_id = \$4 AND status = ANY\(\$5\)`).
		WithArgs("completed", 100, fixedNow, "job-1", allowed("processing")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT status FROM extraction_jobs`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("failed"))

	err := s.UpdateJob(context.Background(), "job-1", domain.CompletedUpdate())
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "failed -> completed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompleteJobIsTransactional(t *testing.T) {
	s, mock := newMockStore(t)

	raw := domain.RawOCRData{Stub: true, Fields: []domain.Field{{Key: "invoice_number", Value: "LR-1-INV01", Confidence: 0.99}}}
	rawJSON, err := json.Marshal(raw)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE extraction_jobs SET status = \$1, progress = \$2, updated_at = \$3 WHERE job_id = \$4 AND status = ANY\(\$5\) RETURNING lr_id`).
		WithArgs("completed", 100, fixedNow, "job-1", allowed("processing")).
		WillReturnRows(sqlmock.NewRows([]string{"lr_id"}).AddRow(int64(1)))
	mock.ExpectQuery(`INSERT INTO invoices \(lr_id, invoice_number, raw_ocr_data\)`).
		WithArgs(int64(1), "LR-1-INV01", rawJSON).
		WillReturnRows(sqlmock.NewRows([]string{"invoice_id"}).AddRow(int64(11)))
	mock.ExpectExec(`UPDATE lorry_receipts\s+SET status = \$1, updated_at = \$2\s+WHERE lr_id = \$3`).
		WithArgs("Pending_Validation", fixedNow, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := s.CompleteJob(context.Background(), "job-1", []domain.NewInvoice{{Number: "LR-1-INV01", RawOCRData: raw}})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, int64(11), created[0].ID)
	assert.Equal(t, int64(1), created[0].ReceiptID)

	rows := sqlmock.NewRows([]string{"invoice_id", "lr_id", "invoice_number", "raw_ocr_data", "custom_data"}).
		AddRow(int64(11), int64(1), "LR-1-INV01", rawJSON, []byte(`{"freight":"1200"}`)).
		AddRow(int64(12), int64(1), "LR-1-INV02", rawJSON, nil)
	mock.ExpectQuery(`SELECT invoice_id, lr_id, invoice_number, raw_ocr_data, custom_data\s+FROM invoices`).
		WithArgs(int64(1)).
		WillReturnRows(rows)

	list, err := s.ListInvoices(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].Validated())
	assert.False(t, list[1].Validated())
	assert.Equal(t, 0.99, list[0].RawOCRData.Fields[0].Confidence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompleteJobRollsBackOnInvoiceFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE extraction_jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"lr_id"}).AddRow(int64(1)))
	mock.ExpectQuery(`INSERT INTO invoices`).WillReturnError(errors.New("foreign key violation"))
	mock.ExpectRollback()

	_, err := s.CompleteJob(context.Background(), "job-1", []domain.NewInvoice{{Number: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert invoice")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompleteJobOnFailedJobWritesNothing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE extraction_jobs`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT status FROM extraction_jobs`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("failed"))
	mock.ExpectRollback()

	_, err := s.CompleteJob(context.Background(), "job-1", []domain.NewInvoice{{Number: "x"}})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFailJobIsTransactional(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE extraction_jobs SET status = \$1, error = NULLIF\(\$2, ''\), updated_at = \$3 WHERE job_id = \$4 AND status = ANY\(\$5\) RETURNING lr_id`).
		WithArgs("failed", "LR missing", fixedNow, "job-1", allowed("queued", "processing")).
		WillReturnRows(sqlmock.NewRows([]string{"lr_id"}).AddRow(int64(7)))
	mock.ExpectExec(`UPDATE lorry_receipts`).
		WithArgs("Extraction_Failed", fixedNow, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, s.FailJob(context.Background(), "job-1", "LR missing"))

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE extraction_jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"lr_id"}).AddRow(int64(7)))
	mock.ExpectExec(`UPDATE lorry_receipts`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()
	err := s.FailJob(context.Background(), "job-2", "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark receipt extraction failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetInvoiceCustomData(t *testing.T) {
	s, mock := newMockStore(t)
	payload := json.RawMessage(`{"approved":true}`)

	mock.ExpectExec(`UPDATE invoices\s+SET custom_data = \$1\s+WHERE invoice_id = \$2`).
		WithArgs([]byte(payload), int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SetInvoiceCustomData(context.Background(), 11, payload))

	mock.ExpectExec(`UPDATE invoices`).
		WithArgs([]byte(payload), int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.SetInvoiceCustomData(context.Background(), 99, payload), domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReceipts(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO lorry_receipts`).
		WithArgs("LR-1001", "lr/7/1001.pdf", int64(3), int64(0), "Uploaded", fixedNow, fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"lr_id"}).AddRow(int64(5)))
	receipt, err := s.CreateReceipt(context.Background(), domain.Receipt{Number: "LR-1001", SourceDocumentPath: "lr/7/1001.pdf", ClientID: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(5), receipt.ID)
	assert.Equal(t, domain.ReceiptStatusUploaded, receipt.Status)

	mock.ExpectQuery(`FROM lorry_receipts`).
		WithArgs(int64(5)).
		WillReturnRows(receiptRows().
			AddRow(int64(5), "LR-1001", "lr/7/1001.pdf", int64(3), int64(0), "Pending_Validation", fixedNow, fixedNow))
	got, err := s.GetReceipt(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiptStatusPendingValidation, got.Status)
	assert.Equal(t, int64(3), got.ClientID)

	mock.ExpectExec(`UPDATE lorry_receipts`).
		WithArgs("Validated", fixedNow, int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.UpdateReceiptStatus(context.Background(), 5, domain.ReceiptStatusValidated))

	mock.ExpectQuery(`FROM lorry_receipts`).WithArgs(int64(6)).WillReturnError(sql.ErrNoRows)
	_, err = s.GetReceipt(context.Background(), 6)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func receiptRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"lr_id", "lr_number", "source_document_path", "client_id", "branch_id", "status", "created_at", "updated_at"})
}

func TestPostgresListReceipts(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT lr_id, .+ FROM lorry_receipts\s+ORDER BY created_at DESC, lr_id DESC LIMIT \$1`).
		WithArgs(100).
		WillReturnRows(receiptRows().
			AddRow(int64(9), "LR-9", "lr/9.pdf", int64(1), int64(10), "Uploaded", fixedNow, fixedNow).
			AddRow(int64(8), "LR-8", "lr/8.pdf", int64(2), int64(0), "Validated", fixedNow, fixedNow))
	all, err := s.ListReceipts(context.Background(), domain.ReceiptFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "LR-9", all[0].Number)
	assert.Equal(t, int64(10), all[0].BranchID)

	mock.ExpectQuery(`FROM lorry_receipts WHERE client_id = \$1 AND branch_id = \$2 ORDER BY created_at DESC, lr_id DESC LIMIT \$3`).
		WithArgs(int64(1), int64(10), 5).
		WillReturnRows(receiptRows())
	filtered, err := s.ListReceipts(context.Background(), domain.ReceiptFilter{ClientID: 1, BranchID: 10, Limit: 5})
	require.NoError(t, err)
	assert.NotNil(t, filtered)
	assert.Empty(t, filtered)

	mock.ExpectQuery(`FROM lorry_receipts WHERE branch_id = \$1 ORDER BY`).
		WithArgs(int64(10), 100).
		WillReturnError(errors.New("connection reset"))
	_, err = s.ListReceipts(context.Background(), domain.ReceiptFilter{BranchID: 10})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
