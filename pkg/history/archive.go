package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"riskgate/pkg/risk"
)

// PostgresArchive persists assessments durably, beyond the in-memory
// retention bound.
type PostgresArchive struct {
	db *sql.DB
}

// NewPostgresArchive connects, applies the schema, and returns the archive.
func NewPostgresArchive(dbURL string) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	a := &PostgresArchive{db: db}
	if err := a.migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return a, nil
}

func (a *PostgresArchive) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS risk_assessments (
		id UUID PRIMARY KEY,
		subject_id VARCHAR(255) NOT NULL,
		score INT NOT NULL,
		level VARCHAR(20) NOT NULL,
		factors JSONB,
		recommendations TEXT[],
		assessed_at TIMESTAMP WITH TIME ZONE NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_risk_assessments_subject_id ON risk_assessments(subject_id);
	CREATE INDEX IF NOT EXISTS idx_risk_assessments_assessed_at ON risk_assessments(assessed_at);`

	_, err := a.db.Exec(query)
	return err
}

// Save archives one assessment.
func (a *PostgresArchive) Save(ctx context.Context, asmt risk.Assessment) error {
	factors, err := json.Marshal(asmt.Factors)
	if err != nil {
		return fmt.Errorf("encode factors: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (id, subject_id, score, level, factors, recommendations, assessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		asmt.ID, asmt.SubjectID, asmt.Score, string(asmt.Level),
		factors, pq.Array(asmt.Recommendations), asmt.Timestamp)
	if err != nil {
		return fmt.Errorf("insert assessment: %w", err)
	}
	return nil
}

// RecentForSubject loads the subject's latest archived assessments,
// oldest first.
func (a *PostgresArchive) RecentForSubject(ctx context.Context, subjectID string, limit int) ([]risk.Assessment, error) {
	if limit <= 0 {
		limit = maxAssessments
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, subject_id, score, level, factors, recommendations, assessed_at
		FROM risk_assessments
		WHERE subject_id = $1
		ORDER BY assessed_at DESC
		LIMIT $2`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query assessments: %w", err)
	}
	defer rows.Close()

	var out []risk.Assessment
	for rows.Next() {
		var (
			asmt    risk.Assessment
			level   string
			factors []byte
			recs    pq.StringArray
		)
		if err := rows.Scan(&asmt.ID, &asmt.SubjectID, &asmt.Score, &level, &factors, &recs, &asmt.Timestamp); err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		asmt.Level = risk.Level(level)
		asmt.Recommendations = recs
		if len(factors) > 0 {
			if err := json.Unmarshal(factors, &asmt.Factors); err != nil {
				return nil, fmt.Errorf("decode factors: %w", err)
			}
		}
		out = append(out, asmt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assessments: %w", err)
	}

	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close releases the connection pool.
func (a *PostgresArchive) Close() error {
	return a.db.Close()
}
