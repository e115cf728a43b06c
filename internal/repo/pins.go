package repo

import (
	"context"
	"database/sql"

	"specflow/internal/domain"
)

// UpsertPin replaces the actor's pin. An actor pins at most one subject.
func (r Repo) UpsertPin(ctx context.Context, tx *sql.Tx, pin domain.Pin) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO pins(actor_id,subject_id,pinned_at) VALUES (?,?,?)
ON CONFLICT(actor_id) DO UPDATE SET subject_id=excluded.subject_id, pinned_at=excluded.pinned_at`,
		pin.ActorID, pin.SubjectID, pin.PinnedAt)
	return err
}

func (r Repo) GetPin(ctx context.Context, tx *sql.Tx, actorID string) (domain.Pin, error) {
	var pin domain.Pin
	err := r.q(tx).QueryRowContext(ctx, `SELECT actor_id,subject_id,pinned_at FROM pins WHERE actor_id=?`, actorID).
		Scan(&pin.ActorID, &pin.SubjectID, &pin.PinnedAt)
	if err == sql.ErrNoRows {
		return pin, ErrNotFound
	}
	return pin, err
}

// DeletePin reports whether a pin was removed.
func (r Repo) DeletePin(ctx context.Context, tx *sql.Tx, actorID string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM pins WHERE actor_id=?`, actorID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountPins returns how many actors currently pin the subject.
func (r Repo) CountPins(ctx context.Context, tx *sql.Tx, subjectID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM pins WHERE subject_id=?`, subjectID).Scan(&n)
	return n, err
}
