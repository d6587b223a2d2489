package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (s *sqlStore) IsDuplicate(ctx context.Context, submissionID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT submission_id FROM submission_dedup WHERE submission_id = ?`), submissionID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *sqlStore) RecordSubmission(ctx context.Context, submissionID, sessionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO submission_dedup (submission_id, session_id, received_at) VALUES (?, ?, ?)
			ON CONFLICT (submission_id) DO NOTHING`),
		submissionID, sessionID, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("record submission failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, submissionID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE submission_dedup SET processed_at = ? WHERE submission_id = ?`), time.Now(), submissionID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *sqlStore) ForgetSubmission(ctx context.Context, submissionID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM submission_dedup WHERE submission_id = ?`), submissionID)
	if err != nil {
		return fmt.Errorf("forget submission failed: %w", err)
	}
	return nil
}
