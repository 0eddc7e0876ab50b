package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Veridical-Systems/quaestor/internal/schema"
)

// ClassifiedCase is one archived classification.
type ClassifiedCase struct {
	ID              uuid.UUID
	SessionID       uuid.UUID
	CaseDescription string
	Lawfulness      string
	Rights          string
	Risk            string
	Accountability  string
	Rounds          int
	Forced          bool
	CreatedAt       time.Time
}

// SaveCase archives a completed classification. Table: classified_cases.
func (s *Store) SaveCase(ctx context.Context, sessionID uuid.UUID, c schema.Classification, rounds int, forced bool) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO classified_cases (
			id, session_id, case_description,
			lawfulness_of_processing, data_subject_rights_compliance,
			risk_management_and_safeguards, accountability_and_governance,
			rounds, forced, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		id, sessionID, c.CaseDescription,
		c.Lawfulness, c.Rights, c.Risk, c.Accountability,
		rounds, forced,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert classified case: %w", err)
	}
	return id, nil
}

// RecentCases returns the newest archived classifications, newest first.
func (s *Store) RecentCases(ctx context.Context, limit int) ([]ClassifiedCase, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, case_description,
		       lawfulness_of_processing, data_subject_rights_compliance,
		       risk_management_and_safeguards, accountability_and_governance,
		       rounds, forced, created_at
		FROM classified_cases
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent cases: %w", err)
	}
	defer rows.Close()

	var cases []ClassifiedCase
	for rows.Next() {
		var c ClassifiedCase
		if err := rows.Scan(
			&c.ID, &c.SessionID, &c.CaseDescription,
			&c.Lawfulness, &c.Rights, &c.Risk, &c.Accountability,
			&c.Rounds, &c.Forced, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}
