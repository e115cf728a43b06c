package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"specflow/internal/domain"
)

// NextSeq returns the sequence number the next interaction of a subject should take.
func (r Repo) NextSeq(ctx context.Context, tx *sql.Tx, subjectID string) (int64, error) {
	var seq int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM interactions WHERE subject_id=?`, subjectID).Scan(&seq)
	return seq, err
}

func (r Repo) InsertInteraction(ctx context.Context, tx *sql.Tx, it domain.Interaction) error {
	parts := it.Parts
	if parts == nil {
		parts = []domain.Part{}
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return fmt.Errorf("marshal parts: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO interactions(id,subject_id,seq,role,text,tool_kind,parts_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		it.ID, it.SubjectID, it.Seq, it.Role, nullable(it.Text), nullable(it.ToolKind), string(data), it.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("interaction %s/%d: %w", it.SubjectID, it.Seq, ErrAlreadyExists)
	}
	return err
}

// ListInteractions returns a subject's history in sequence order.
func (r Repo) ListInteractions(ctx context.Context, tx *sql.Tx, subjectID string) ([]domain.Interaction, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,subject_id,seq,role,COALESCE(text,''),COALESCE(tool_kind,''),parts_json,created_at FROM interactions WHERE subject_id=? ORDER BY seq ASC`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Interaction{}
	for rows.Next() {
		var it domain.Interaction
		var parts string
		if err := rows.Scan(&it.ID, &it.SubjectID, &it.Seq, &it.Role, &it.Text, &it.ToolKind, &parts, &it.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(parts), &it.Parts); err != nil {
			return nil, fmt.Errorf("decode parts for %s: %w", it.ID, err)
		}
		if len(it.Parts) == 0 {
			it.Parts = nil
		}
		res = append(res, it)
	}
	return res, rows.Err()
}
