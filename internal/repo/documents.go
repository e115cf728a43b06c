package repo

import (
	"context"
	"database/sql"

	"specflow/internal/domain"
	"specflow/internal/sheet"
)

// StoredDocument is the raw CSV content of a shared document.
type StoredDocument struct {
	SubjectID string
	Content   string
	CreatedAt string
	UpdatedAt string
}

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, doc StoredDocument) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO documents(subject_id,content,created_at,updated_at) VALUES (?,?,?,?)`,
		doc.SubjectID, doc.Content, doc.CreatedAt, doc.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r Repo) GetDocument(ctx context.Context, tx *sql.Tx, subjectID string) (StoredDocument, error) {
	var doc StoredDocument
	err := r.q(tx).QueryRowContext(ctx, `SELECT subject_id,content,created_at,updated_at FROM documents WHERE subject_id=?`, subjectID).
		Scan(&doc.SubjectID, &doc.Content, &doc.CreatedAt, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return doc, ErrNotFound
	}
	return doc, err
}

func (r Repo) UpdateDocument(ctx context.Context, tx *sql.Tx, subjectID, content, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE documents SET content=?, updated_at=? WHERE subject_id=?`, content, updatedAt, subjectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Shared parses stored content into the API shape.
func (d StoredDocument) Shared() (domain.SharedDocument, error) {
	parsed, err := sheet.ParseStored(d.Content)
	if err != nil {
		return domain.SharedDocument{}, err
	}
	return domain.SharedDocument{SubjectID: d.SubjectID, Rows: parsed.Records(), UpdatedAt: d.UpdatedAt}, nil
}
