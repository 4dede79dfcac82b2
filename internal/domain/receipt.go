package domain

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

type ReceiptStatus string

const (
	ReceiptStatusUploaded          ReceiptStatus = "Uploaded"
	ReceiptStatusProcessing        ReceiptStatus = "Processing"
	ReceiptStatusPendingValidation ReceiptStatus = "Pending_Validation"
	ReceiptStatusExtractionFailed  ReceiptStatus = "Extraction_Failed"
	ReceiptStatusValidated         ReceiptStatus = "Validated"
)

// Receipt is a lorry receipt whose attached source document gets extracted.
type Receipt struct {
	ID                 int64         `json:"lr_id"`
	Number             string        `json:"lr_number"`
	SourceDocumentPath string        `json:"source_document_path"`
	ClientID           int64         `json:"client_id,omitempty"`
	BranchID           int64         `json:"branch_id,omitempty"`
	Status             ReceiptStatus `json:"status"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

type CreateReceiptRequest struct {
	Number             string `json:"lr_number,omitempty"`
	Filename           string `json:"filename,omitempty"`
	SourceDocumentPath string `json:"source_document_path,omitempty"`
	ClientID           int64  `json:"client_id,omitempty"`
	BranchID           int64  `json:"branch_id,omitempty"`
}

// DefaultReceiptListLimit caps a receipt listing that names no limit.
const DefaultReceiptListLimit = 100

// ReceiptFilter narrows a receipt listing. Zero ids match every receipt.
type ReceiptFilter struct {
	ClientID int64
	BranchID int64
	Limit    int
}

// Normalized returns f with the default limit applied.
func (f ReceiptFilter) Normalized() ReceiptFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultReceiptListLimit
	}
	return f
}

// Matches reports whether r passes the id filters.
func (f ReceiptFilter) Matches(r Receipt) bool {
	return (f.ClientID == 0 || r.ClientID == f.ClientID) &&
		(f.BranchID == 0 || r.BranchID == f.BranchID)
}

func (r CreateReceiptRequest) Validate() error {
	if strings.TrimSpace(r.Number) == "" && strings.TrimSpace(r.Filename) == "" {
		return errors.New("lr_number or filename is required")
	}
	if strings.TrimSpace(r.SourceDocumentPath) == "" && strings.TrimSpace(r.Filename) == "" {
		return errors.New("source_document_path or filename is required")
	}
	return nil
}

// ResolvedNumber returns the explicit receipt number, or one derived from the
// uploaded filename.
func (r CreateReceiptRequest) ResolvedNumber() string {
	if number := strings.TrimSpace(r.Number); number != "" {
		return number
	}
	return DeriveReceiptNumber(r.Filename)
}

var receiptNumberUnsafe = regexp.MustCompile(`[^A-Za-z0-9\-_]+`)

const maxReceiptNumberLen = 100

// DeriveReceiptNumber strips the extension from filename and replaces every
// run of unsafe characters with an underscore.
func DeriveReceiptNumber(filename string) string {
	base := strings.TrimSpace(filename)
	if base == "" {
		return ""
	}
	if dot := strings.LastIndex(base, "."); dot > 0 {
		base = base[:dot]
	}
	base = receiptNumberUnsafe.ReplaceAllString(strings.TrimSpace(base), "_")
	if len(base) > maxReceiptNumberLen {
		base = base[:maxReceiptNumberLen]
	}
	return base
}
