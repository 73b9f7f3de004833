package jobqueue

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType defines the type of background job
type JobType string

const (
	JobTypeSendReceipt        JobType = "send_receipt"
	JobTypeSendPaymentFailure JobType = "send_payment_failure"
	JobTypeCreateInvoice      JobType = "create_invoice"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// ReceiptPayload carries what the receipt email needs. Amounts are in minor
// units of the given currency.
type ReceiptPayload struct {
	CustomerID     uint   `json:"customer_id"`
	SubscriptionID uint   `json:"subscription_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

// ToMap converts the payload to a map for job storage
func (p *ReceiptPayload) ToMap() map[string]interface{} {
	data, _ := json.Marshal(p)
	var result map[string]interface{}
	json.Unmarshal(data, &result)
	return result
}

// ReceiptPayloadFromMap creates a payload from a job's payload map
func ReceiptPayloadFromMap(data map[string]interface{}) (*ReceiptPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var payload ReceiptPayload
	if err := json.Unmarshal(jsonData, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	return &payload, nil
}

// PaymentFailurePayload carries what the dunning email needs.
type PaymentFailurePayload struct {
	CustomerID     uint   `json:"customer_id"`
	SubscriptionID uint   `json:"subscription_id"`
	Reason         string `json:"reason"`
}

// ToMap converts the payload to a map for job storage
func (p *PaymentFailurePayload) ToMap() map[string]interface{} {
	data, _ := json.Marshal(p)
	var result map[string]interface{}
	json.Unmarshal(data, &result)
	return result
}

// PaymentFailurePayloadFromMap creates a payload from a job's payload map
func PaymentFailurePayloadFromMap(data map[string]interface{}) (*PaymentFailurePayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var payload PaymentFailurePayload
	if err := json.Unmarshal(jsonData, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	return &payload, nil
}

// InvoicePayload carries what local invoice creation needs.
type InvoicePayload struct {
	CustomerID     uint   `json:"customer_id"`
	SubscriptionID uint   `json:"subscription_id"`
	InvoiceRef     string `json:"invoice_ref"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

// ToMap converts the payload to a map for job storage
func (p *InvoicePayload) ToMap() map[string]interface{} {
	data, _ := json.Marshal(p)
	var result map[string]interface{}
	json.Unmarshal(data, &result)
	return result
}

// InvoicePayloadFromMap creates a payload from a job's payload map
func InvoicePayloadFromMap(data map[string]interface{}) (*InvoicePayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var payload InvoicePayload
	if err := json.Unmarshal(jsonData, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	return &payload, nil
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.RetryCount < j.MaxRetries
}

// MarkAsProcessing marks the job as being processed
func (j *Job) MarkAsProcessing() {
	j.Status = JobStatusProcessing
	j.UpdatedAt = time.Now()
	now := time.Now()
	j.ProcessedAt = &now
}

// MarkAsCompleted marks the job as completed
func (j *Job) MarkAsCompleted() {
	j.Status = JobStatusCompleted
	j.UpdatedAt = time.Now()
}

// MarkAsFailed marks the job as failed with an error message
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.ErrorMsg = errorMsg
	j.UpdatedAt = time.Now()
}

// MarkAsRetrying marks the job for retry
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.RetryCount++
	j.UpdatedAt = time.Now()
}
