package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/receiptflow/internal/domain"
	"github.com/lib/pq"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS lorry_receipts (
	lr_id BIGSERIAL PRIMARY KEY,
	lr_number TEXT NOT NULL,
	source_document_path TEXT NOT NULL DEFAULT '',
	client_id BIGINT,
	branch_id BIGINT,
	status TEXT NOT NULL DEFAULT 'Uploaded',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

ALTER TABLE lorry_receipts ADD COLUMN IF NOT EXISTS client_id BIGINT;
ALTER TABLE lorry_receipts ADD COLUMN IF NOT EXISTS branch_id BIGINT;
CREATE INDEX IF NOT EXISTS lorry_receipts_created_at_idx ON lorry_receipts (created_at DESC);

CREATE TABLE IF NOT EXISTS extraction_jobs (
	job_id TEXT PRIMARY KEY,
	lr_id BIGINT NOT NULL REFERENCES lorry_receipts (lr_id),
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
	error TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS extraction_jobs_lr_id_idx ON extraction_jobs (lr_id);

CREATE TABLE IF NOT EXISTS invoices (
	invoice_id BIGSERIAL PRIMARY KEY,
	lr_id BIGINT NOT NULL REFERENCES lorry_receipts (lr_id),
	invoice_number TEXT NOT NULL,
	raw_ocr_data JSONB NOT NULL,
	custom_data JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS invoices_lr_id_idx ON invoices (lr_id);
`

const receiptColumns = `lr_id, lr_number, source_document_path, COALESCE(client_id, 0), COALESCE(branch_id, 0), status, created_at, updated_at`

// queryer lets job transitions run on *sql.DB or inside a *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(ctx context.Context, dsn string, maxOpenConns int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := NewPostgresStoreWithDB(db)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB wraps an already opened database handle.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateReceipt(ctx context.Context, receipt domain.Receipt) (domain.Receipt, error) {
	if receipt.Status == "" {
		receipt.Status = domain.ReceiptStatusUploaded
	}
	now := s.now()
	err := s.db.QueryRowContext(
		ctx,
		`INSERT INTO lorry_receipts (lr_number, source_document_path, client_id, branch_id, status, created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, 0), NULLIF($4, 0), $5, $6, $7)
		 RETURNING lr_id`,
		receipt.Number,
		receipt.SourceDocumentPath,
		receipt.ClientID,
		receipt.BranchID,
		string(receipt.Status),
		now,
		now,
	).Scan(&receipt.ID)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("insert receipt: %w", err)
	}
	receipt.CreatedAt = now
	receipt.UpdatedAt = now
	return receipt, nil
}

func (s *PostgresStore) GetReceipt(ctx context.Context, receiptID int64) (domain.Receipt, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+receiptColumns+`
		 FROM lorry_receipts
		 WHERE lr_id = $1`,
		receiptID,
	)
	receipt, err := scanReceipt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Receipt{}, fmt.Errorf("receipt %d: %w", receiptID, domain.ErrNotFound)
		}
		return domain.Receipt{}, fmt.Errorf("query receipt: %w", err)
	}
	return receipt, nil
}

func (s *PostgresStore) ListReceipts(ctx context.Context, filter domain.ReceiptFilter) ([]domain.Receipt, error) {
	filter = filter.Normalized()

	var (
		conds []string
		args  []any
	)
	if filter.ClientID != 0 {
		args = append(args, filter.ClientID)
		conds = append(conds, fmt.Sprintf("client_id = $%d", len(args)))
	}
	if filter.BranchID != 0 {
		args = append(args, filter.BranchID)
		conds = append(conds, fmt.Sprintf("branch_id = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, filter.Limit)

	query := fmt.Sprintf(
		"SELECT %s FROM lorry_receipts %s ORDER BY created_at DESC, lr_id DESC LIMIT $%d",
		receiptColumns,
		where,
		len(args),
	)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Receipt, 0)
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		out = append(out, receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipts: %w", err)
	}
	return out, nil
}

func scanReceipt(row interface{ Scan(dest ...any) error }) (domain.Receipt, error) {
	var (
		receipt domain.Receipt
		status  string
	)
	if err := row.Scan(
		&receipt.ID,
		&receipt.Number,
		&receipt.SourceDocumentPath,
		&receipt.ClientID,
		&receipt.BranchID,
		&status,
		&receipt.CreatedAt,
		&receipt.UpdatedAt,
	); err != nil {
		return domain.Receipt{}, err
	}
	receipt.Status = domain.ReceiptStatus(status)
	return receipt, nil
}

func (s *PostgresStore) UpdateReceiptStatus(ctx context.Context, receiptID int64, status domain.ReceiptStatus) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE lorry_receipts
		 SET status = $1, updated_at = $2
		 WHERE lr_id = $3`,
		string(status),
		s.now(),
		receiptID,
	)
	if err != nil {
		return fmt.Errorf("update receipt status: %w", err)
	}
	return expectRow(res, "receipt", receiptID)
}

func (s *PostgresStore) CreateJob(ctx context.Context, job domain.Job) (err error) {
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(
		ctx,
		`UPDATE lorry_receipts
		 SET status = $1, updated_at = $2
		 WHERE lr_id = $3`,
		string(domain.ReceiptStatusProcessing),
		now,
		job.ReceiptID,
	)
	if err != nil {
		return fmt.Errorf("mark receipt processing: %w", err)
	}
	if err = expectRow(res, "receipt", job.ReceiptID); err != nil {
		return err
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO extraction_jobs (job_id, lr_id, status, progress, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)`,
		job.ID,
		job.ReceiptID,
		string(job.Status),
		job.Progress,
		job.Error,
		job.CreatedAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT job_id, lr_id, status, progress, COALESCE(error, ''), created_at, updated_at
		 FROM extraction_jobs
		 WHERE job_id = $1`,
		jobID,
	)

	var (
		job    domain.Job
		status string
	)
	if err := row.Scan(
		&job.ID,
		&job.ReceiptID,
		&status,
		&job.Progress,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("query job: %w", err)
	}
	job.Status = domain.JobStatus(status)
	return job, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, jobID string, update domain.JobUpdate) error {
	_, err := s.transitionJob(ctx, s.db, jobID, update)
	return err
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, invoices []domain.NewInvoice) (created []domain.Invoice, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin complete job: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	receiptID, err := s.transitionJob(ctx, tx, jobID, domain.CompletedUpdate())
	if err != nil {
		return nil, err
	}

	created = make([]domain.Invoice, 0, len(invoices))
	for _, inv := range invoices {
		raw, err := json.Marshal(inv.RawOCRData)
		if err != nil {
			return nil, fmt.Errorf("marshal raw ocr data: %w", err)
		}

		invoice := domain.Invoice{
			ReceiptID:  receiptID,
			Number:     inv.Number,
			RawOCRData: inv.RawOCRData,
		}
		if err := tx.QueryRowContext(
			ctx,
			`INSERT INTO invoices (lr_id, invoice_number, raw_ocr_data)
			 VALUES ($1, $2, $3)
			 RETURNING invoice_id`,
			receiptID,
			inv.Number,
			raw,
		).Scan(&invoice.ID); err != nil {
			return nil, fmt.Errorf("insert invoice: %w", err)
		}
		created = append(created, invoice)
	}

	res, err := tx.ExecContext(
		ctx,
		`UPDATE lorry_receipts
		 SET status = $1, updated_at = $2
		 WHERE lr_id = $3`,
		string(domain.ReceiptStatusPendingValidation),
		s.now(),
		receiptID,
	)
	if err != nil {
		return nil, fmt.Errorf("mark receipt pending validation: %w", err)
	}
	if err = expectRow(res, "receipt", receiptID); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit complete job: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID, message string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail job: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	receiptID, err := s.transitionJob(ctx, tx, jobID, domain.FailedUpdate(message))
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(
		ctx,
		`UPDATE lorry_receipts
		 SET status = $1, updated_at = $2
		 WHERE lr_id = $3`,
		string(domain.ReceiptStatusExtractionFailed),
		s.now(),
		receiptID,
	); err != nil {
		return fmt.Errorf("mark receipt extraction failed: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit fail job: %w", err)
	}
	return nil
}

// transitionJob applies update only while the row holds one of the statuses
// the update admits, and returns the job's receipt id.
func (s *PostgresStore) transitionJob(ctx context.Context, q queryer, jobID string, update domain.JobUpdate) (int64, error) {
	if err := update.Validate(); err != nil {
		return 0, err
	}

	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.Status != nil {
		add("status", string(*update.Status))
	}
	if update.Progress != nil {
		add("progress", *update.Progress)
	}
	if update.Error != nil {
		args = append(args, *update.Error)
		sets = append(sets, fmt.Sprintf("error = NULLIF($%d, '')", len(args)))
	}
	add("updated_at", s.now())
	args = append(args, jobID, pq.Array(statusStrings(update.AllowedFrom())))

	query := fmt.Sprintf(
		"UPDATE extraction_jobs SET %s WHERE job_id = $%d AND status = ANY($%d) RETURNING lr_id",
		strings.Join(sets, ", "),
		len(args)-1,
		len(args),
	)
	var receiptID int64
	err := q.QueryRowContext(ctx, query, args...).Scan(&receiptID)
	if err == nil {
		return receiptID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("update job: %w", err)
	}

	var current string
	err = q.QueryRowContext(ctx, `SELECT status FROM extraction_jobs WHERE job_id = $1`, jobID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	case err != nil:
		return 0, fmt.Errorf("query job status: %w", err)
	}
	to := current
	if update.Status != nil {
		to = string(*update.Status)
	}
	return 0, fmt.Errorf("job %s: %w: %s -> %s", jobID, domain.ErrInvalidTransition, current, to)
}

func statusStrings(statuses []domain.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func (s *PostgresStore) ListInvoices(ctx context.Context, receiptID int64) ([]domain.Invoice, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT invoice_id, lr_id, invoice_number, raw_ocr_data, custom_data
		 FROM invoices
		 WHERE lr_id = $1
		 ORDER BY invoice_id`,
		receiptID,
	)
	if err != nil {
		return nil, fmt.Errorf("query invoices: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Invoice, 0)
	for rows.Next() {
		var (
			inv        domain.Invoice
			raw        []byte
			customData []byte
		)
		if err := rows.Scan(&inv.ID, &inv.ReceiptID, &inv.Number, &raw, &customData); err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &inv.RawOCRData); err != nil {
				return nil, fmt.Errorf("unmarshal raw ocr data for invoice %d: %w", inv.ID, err)
			}
		}
		if len(customData) > 0 {
			inv.CustomData = json.RawMessage(customData)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invoices: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SetInvoiceCustomData(ctx context.Context, invoiceID int64, data json.RawMessage) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE invoices
		 SET custom_data = $1
		 WHERE invoice_id = $2`,
		[]byte(data),
		invoiceID,
	)
	if err != nil {
		return fmt.Errorf("update invoice custom data: %w", err)
	}
	return expectRow(res, "invoice", invoiceID)
}

func expectRow(res sql.Result, entity string, key any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %v: %w", entity, key, domain.ErrNotFound)
	}
	return nil
}
