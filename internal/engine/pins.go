package engine

import (
	"context"
	"database/sql"
	"errors"

	"specflow/internal/domain"
	"specflow/internal/engine/auth"
	"specflow/internal/events"
	"specflow/internal/repo"
)

// PinSubject makes subjectID the actor's pinned subject and shows it to suppliers. A previous
// pin of the same actor is released first.
func (e Engine) PinSubject(ctx context.Context, p auth.Principal, subjectID string) (domain.Pin, error) {
	if err := p.Require(domain.RoleInternal, "pin subjects"); err != nil {
		return domain.Pin{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Pin{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetWorkflow(ctx, tx, subjectID); err != nil {
		return domain.Pin{}, err
	}
	ts := e.stamp()
	prev, err := e.Repo.GetPin(ctx, tx, p.ActorID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Pin{}, err
	}
	pin := domain.Pin{ActorID: p.ActorID, SubjectID: subjectID, PinnedAt: ts}
	if err := e.Repo.UpsertPin(ctx, tx, pin); err != nil {
		return domain.Pin{}, err
	}
	if prev.SubjectID != "" && prev.SubjectID != subjectID {
		if err := e.hideIfUnpinned(ctx, tx, prev.SubjectID, ts); err != nil {
			return domain.Pin{}, err
		}
	}
	if err := e.Repo.SetVisible(ctx, tx, subjectID, true, ts); err != nil {
		return domain.Pin{}, err
	}
	if err := e.events().Append(ctx, tx, "pin.set", subjectID, "pin", p.ActorID, p.ActorID, events.EventPayload{"previous": prev.SubjectID}); err != nil {
		return domain.Pin{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Pin{}, err
	}
	return pin, nil
}

// UnpinSubject releases the actor's pin. The subject stays visible while another actor pins it.
func (e Engine) UnpinSubject(ctx context.Context, p auth.Principal) (domain.Pin, error) {
	if err := p.Require(domain.RoleInternal, "unpin subjects"); err != nil {
		return domain.Pin{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Pin{}, err
	}
	defer tx.Rollback()
	pin, err := e.Repo.GetPin(ctx, tx, p.ActorID)
	if err != nil {
		return domain.Pin{}, err
	}
	if _, err := e.Repo.DeletePin(ctx, tx, p.ActorID); err != nil {
		return domain.Pin{}, err
	}
	if err := e.hideIfUnpinned(ctx, tx, pin.SubjectID, e.stamp()); err != nil {
		return domain.Pin{}, err
	}
	if err := e.events().Append(ctx, tx, "pin.clear", pin.SubjectID, "pin", p.ActorID, p.ActorID, nil); err != nil {
		return domain.Pin{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Pin{}, err
	}
	return pin, nil
}

// PinnedSubject returns the actor's own pin; it is never inferred from other visible subjects.
func (e Engine) PinnedSubject(ctx context.Context, p auth.Principal) (domain.Pin, error) {
	if err := p.Validate(); err != nil {
		return domain.Pin{}, err
	}
	return e.Repo.GetPin(ctx, nil, p.ActorID)
}

func (e Engine) hideIfUnpinned(ctx context.Context, tx *sql.Tx, subjectID, ts string) error {
	n, err := e.Repo.CountPins(ctx, tx, subjectID)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	err = e.Repo.SetVisible(ctx, tx, subjectID, false, ts)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	return err
}
