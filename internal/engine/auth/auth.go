// Package auth holds the role policy shared by the engine and the HTTP layer.
package auth

import (
	"errors"
	"fmt"

	"specflow/internal/config"
	"specflow/internal/domain"
)

// ErrForbidden is matched by every *ForbiddenError.
var ErrForbidden = errors.New("forbidden")

// Principal is the authenticated caller. The role comes from the credential, never from the
// workflow.
type Principal struct {
	ActorID string
	Role    domain.Role
}

// ForbiddenError indicates the caller's role may not perform an action.
type ForbiddenError struct {
	Role   domain.Role
	Action string
	Step   domain.StepID
}

func (e *ForbiddenError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("role %s may not transition step %s", e.Role, e.Step)
	}
	return fmt.Sprintf("role %s may not %s", e.Role, e.Action)
}

func (e *ForbiddenError) Is(target error) bool {
	return target == ErrForbidden
}

// Validate rejects principals without an actor or with an unknown role.
func (p Principal) Validate() error {
	if p.ActorID == "" {
		return errors.New("actor_id required")
	}
	if !p.Role.Valid() {
		return fmt.Errorf("unknown role %q", p.Role)
	}
	return nil
}

// Require fails unless the principal holds role.
func (p Principal) Require(role domain.Role, action string) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Role != role {
		return &ForbiddenError{Role: p.Role, Action: action}
	}
	return nil
}

// CanTransition checks the configured step permissions for every changed step.
func CanTransition(cfg *config.Config, p Principal, steps ...domain.StepID) error {
	if err := p.Validate(); err != nil {
		return err
	}
	for _, id := range steps {
		if !cfg.Allows(p.Role, id) {
			return &ForbiddenError{Role: p.Role, Action: "transition", Step: id}
		}
	}
	return nil
}
