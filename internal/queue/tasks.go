package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/receiptflow/internal/dispatch"
	"github.com/hibiken/asynq"
)

const TypeExtractReceipt = "extraction:receipt"

type ExtractReceiptPayload struct {
	JobID       string    `json:"job_id"`
	ReceiptID   int64     `json:"lr_id"`
	RequestedAt time.Time `json:"requested_at"`
}

func (p ExtractReceiptPayload) Task() dispatch.Task {
	return dispatch.Task{JobID: p.JobID, ReceiptID: p.ReceiptID}
}

func NewExtractReceiptTask(payload ExtractReceiptPayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.JobID) == "" {
		return nil, errors.New("job_id is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal extraction payload: %w", err)
	}
	return asynq.NewTask(TypeExtractReceipt, body), nil
}

func ParseExtractReceiptPayload(task *asynq.Task) (ExtractReceiptPayload, error) {
	var payload ExtractReceiptPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ExtractReceiptPayload{}, fmt.Errorf("unmarshal extraction payload: %w", err)
	}
	if strings.TrimSpace(payload.JobID) == "" {
		return ExtractReceiptPayload{}, errors.New("extraction payload has no job_id")
	}
	return payload, nil
}
