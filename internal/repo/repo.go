package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"specflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns tx when non-nil. The database runs on a single connection, so reads issued while a
// transaction is open must pass that transaction.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const workflowColumns = `subject_id,is_visible,submitted,steps_json,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (domain.Workflow, error) {
	var (
		wf        domain.Workflow
		visible   int
		submitted int
		stepsJSON string
	)
	err := row.Scan(&wf.SubjectID, &visible, &submitted, &stepsJSON, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return wf, ErrNotFound
	}
	if err != nil {
		return wf, err
	}
	wf.IsVisible = visible != 0
	wf.Submitted = submitted != 0
	if err := json.Unmarshal([]byte(stepsJSON), &wf.Steps); err != nil {
		return wf, fmt.Errorf("decode steps for %s: %w", wf.SubjectID, err)
	}
	return wf, nil
}

func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, wf domain.Workflow) error {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO workflows(`+workflowColumns+`) VALUES (?,?,?,?,?)`,
		wf.SubjectID, boolInt(wf.IsVisible), boolInt(wf.Submitted), string(steps), wf.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("workflow %s: %w", wf.SubjectID, ErrAlreadyExists)
	}
	return err
}

func (r Repo) GetWorkflow(ctx context.Context, tx *sql.Tx, subjectID string) (domain.Workflow, error) {
	return scanWorkflow(r.q(tx).QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE subject_id=?`, subjectID))
}

// PutWorkflow replaces the stored record. Steps are written whole; there is no version check.
func (r Repo) PutWorkflow(ctx context.Context, tx *sql.Tx, wf domain.Workflow) error {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE workflows SET is_visible=?, submitted=?, steps_json=?, updated_at=? WHERE subject_id=?`,
		boolInt(wf.IsVisible), boolInt(wf.Submitted), string(steps), wf.UpdatedAt, wf.SubjectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetVisible(ctx context.Context, tx *sql.Tx, subjectID string, visible bool, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE workflows SET is_visible=?, updated_at=? WHERE subject_id=?`, boolInt(visible), updatedAt, subjectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// WorkflowFilters narrows ListWorkflows.
type WorkflowFilters struct {
	VisibleOnly bool
	Limit       int
}

func (r Repo) ListWorkflows(ctx context.Context, tx *sql.Tx, f WorkflowFilters) ([]domain.Workflow, error) {
	var clauses []string
	var args []any
	if f.VisibleOnly {
		clauses = append(clauses, "is_visible=1")
	}
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY updated_at DESC, subject_id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Workflow{}
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, wf)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed: unique")
}
