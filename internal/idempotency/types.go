package idempotency

import "time"

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Decision is the outcome of Acquire.
type Decision int

const (
	// Acquired means the caller holds the lease and must do the work.
	Acquired Decision = iota
	// AlreadyDone means the work completed earlier; skip it.
	AlreadyDone
	// Busy means another worker holds an unexpired lease.
	Busy
)

func (d Decision) String() string {
	switch d {
	case Acquired:
		return "acquired"
	case AlreadyDone:
		return "already_done"
	case Busy:
		return "busy"
	}
	return "unknown"
}

// Record is the shape persisted in the idempotency DynamoDB table.
type Record struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	Status         string    `dynamodbav:"status"`
	Subject        string    `dynamodbav:"subject,omitempty"` // e.g. the order id
	Result         string    `dynamodbav:"result,omitempty"`
	Attempts       int       `dynamodbav:"attempts"`
	LeaseUntil     int64     `dynamodbav:"lease_until"` // epoch seconds
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	Note           string    `dynamodbav:"note,omitempty"`
}
