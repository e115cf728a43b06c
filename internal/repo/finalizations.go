package repo

import (
	"context"
	"database/sql"
	"fmt"

	"specflow/internal/domain"
)

// InsertFinalization claims the subject. A second claim fails with ErrAlreadyExists.
func (r Repo) InsertFinalization(ctx context.Context, tx *sql.Tx, f domain.Finalization) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO finalizations(subject_id,actor_id,finalized_at,reference) VALUES (?,?,?,?)`,
		f.SubjectID, f.ActorID, f.FinalizedAt, nullable(f.Reference))
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("finalization %s: %w", f.SubjectID, ErrAlreadyExists)
	}
	return err
}

func (r Repo) GetFinalization(ctx context.Context, tx *sql.Tx, subjectID string) (domain.Finalization, error) {
	var f domain.Finalization
	err := r.q(tx).QueryRowContext(ctx, `SELECT subject_id,actor_id,finalized_at,COALESCE(reference,''),COALESCE(integrated_at,'') FROM finalizations WHERE subject_id=?`, subjectID).
		Scan(&f.SubjectID, &f.ActorID, &f.FinalizedAt, &f.Reference, &f.IntegratedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) SetFinalizationReference(ctx context.Context, tx *sql.Tx, subjectID, reference string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE finalizations SET reference=? WHERE subject_id=?`, nullable(reference), subjectID)
	return err
}

// MarkIntegrated records the integration reference on a claim. A claim marked this way is never
// handed to the integration again.
func (r Repo) MarkIntegrated(ctx context.Context, tx *sql.Tx, subjectID, reference, at string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE finalizations SET reference=?, integrated_at=? WHERE subject_id=?`, nullable(reference), at, subjectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finalization %s: %w", subjectID, ErrNotFound)
	}
	return nil
}

// DeleteFinalization releases a claim whose integration call failed.
func (r Repo) DeleteFinalization(ctx context.Context, tx *sql.Tx, subjectID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM finalizations WHERE subject_id=?`, subjectID)
	return err
}
