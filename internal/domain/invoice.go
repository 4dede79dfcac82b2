package domain

import (
	"bytes"
	"encoding/json"
)

// Field is one extracted key/value pair with the extractor's confidence.
type Field struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

type RawOCRData struct {
	Stub           bool    `json:"stub,omitempty"`
	SourceDocument string  `json:"source_document,omitempty"`
	DocumentBytes  int     `json:"document_bytes,omitempty"`
	Fields         []Field `json:"fields"`
}

type Invoice struct {
	ID         int64           `json:"invoice_id"`
	ReceiptID  int64           `json:"lr_id"`
	Number     string          `json:"invoice_number"`
	RawOCRData RawOCRData      `json:"raw_ocr_data"`
	CustomData json.RawMessage `json:"custom_data"`
}

// Validated reports whether a reviewer has attached non-empty custom data.
func (i Invoice) Validated() bool {
	return HasCustomData(i.CustomData)
}

type NewInvoice struct {
	ReceiptID  int64
	Number     string
	RawOCRData RawOCRData
}

// HasCustomData is true for any JSON value other than null, {}, [], "" or false.
func HasCustomData(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	switch string(trimmed) {
	case "null", "{}", "[]", `""`, "false", "0":
		return false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err == nil {
		return len(obj) > 0
	}
	return true
}
