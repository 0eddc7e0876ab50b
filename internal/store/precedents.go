package store

import (
	"context"
	"fmt"
	"time"
)

// Precedent is a historical enforcement case from the archive. The table is
// populated by an external ingestion pipeline; this service only reads it.
type Precedent struct {
	ID          string
	Company     string
	Description string
	Fine        int64
	Authority   string
	DecidedOn   time.Time
	Rank        float64
}

// SearchPrecedents runs a ranked full-text search over the precedent
// archive. Table: precedents, with a generated search_vector column over
// company and description.
func (s *Store) SearchPrecedents(ctx context.Context, query string, limit int) ([]Precedent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, company, description, fine, authority, decided_on,
		       ts_rank(search_vector, websearch_to_tsquery('english', $1)) AS rank
		FROM precedents
		WHERE search_vector @@ websearch_to_tsquery('english', $1)
		ORDER BY rank DESC
		LIMIT $2`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search precedents: %w", err)
	}
	defer rows.Close()

	var precedents []Precedent
	for rows.Next() {
		var p Precedent
		if err := rows.Scan(&p.ID, &p.Company, &p.Description, &p.Fine, &p.Authority, &p.DecidedOn, &p.Rank); err != nil {
			return nil, fmt.Errorf("scan precedent: %w", err)
		}
		precedents = append(precedents, p)
	}
	return precedents, rows.Err()
}
