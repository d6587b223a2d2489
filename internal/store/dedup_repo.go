package store

import (
	"context"
	"time"
)

// SubmissionRecord marks a step submission as seen so client retries are not
// applied twice.
type SubmissionRecord struct {
	SubmissionID string     `json:"submission_id"`
	SessionID    string     `json:"session_id"`
	ReceivedAt   time.Time  `json:"received_at"`
	ProcessedAt  *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for submission deduplication.
type DedupRepo interface {
	// IsDuplicate reports whether the submission id was already recorded.
	IsDuplicate(ctx context.Context, submissionID string) (bool, error)

	// RecordSubmission inserts a record. It returns false if the submission
	// was already recorded.
	RecordSubmission(ctx context.Context, submissionID, sessionID string) (bool, error)

	// MarkProcessed sets processed_at for a submission.
	MarkProcessed(ctx context.Context, submissionID string) error

	// ForgetSubmission removes a record so a failed submission can be retried.
	ForgetSubmission(ctx context.Context, submissionID string) error
}
