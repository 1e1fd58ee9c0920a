package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/logging"
)

// Gate is the single authorization checkpoint for booking and session operations.
type Gate struct {
	identities IdentityStore
	logger     *zap.Logger
}

func NewGate(identities IdentityStore, logger *zap.Logger) *Gate {
	return &Gate{
		identities: identities,
		logger:     logging.OrNop(logger),
	}
}

// Authorize resolves token and checks that the actor may run op against target.
// target may be nil for operations that do not address an existing resource.
func (g *Gate) Authorize(ctx context.Context, token string, op Operation, target *Resource) (Actor, error) {
	actor, err := g.identities.Resolve(ctx, token)
	if err != nil {
		if !errors.Is(err, ErrUnauthenticated) {
			g.logger.Warn("identity resolution failed", zap.Error(err))
		}
		return Actor{}, ErrUnauthenticated
	}
	if actor.ID == uuid.Nil {
		return Actor{}, ErrUnauthenticated
	}

	if err := allowed(actor, op, target); err != nil {
		g.logger.Debug("authorization denied",
			zap.String("actor_id", actor.ID.String()),
			zap.String("role", string(actor.Role)),
			zap.String("operation", string(op)),
			zap.Error(err),
		)
		return actor, err
	}
	return actor, nil
}

func allowed(actor Actor, op Operation, target *Resource) error {
	switch op {
	case OpRequestBooking:
		if actor.Role != RolePatient {
			return fmt.Errorf("%w: only patients may request bookings", ErrForbidden)
		}
		if target != nil && target.PatientID != actor.ID {
			return fmt.Errorf("%w: patients may only book for themselves", ErrForbidden)
		}
		return nil

	case OpConfirmBooking, OpCancel, OpViewStatus:
		if actor.Role.IsAdmin() {
			return nil
		}
		if target == nil {
			return fmt.Errorf("%w: %s requires a target appointment", ErrForbidden, op)
		}
		if actor.Role == RolePatient && actor.ID == target.PatientID {
			return nil
		}
		if actor.Role == RoleDoctor && actor.ID == target.DoctorID {
			return nil
		}
		return fmt.Errorf("%w: not a participant", ErrForbidden)

	case OpViewAudit:
		if actor.Role.IsAdmin() {
			return nil
		}
		return fmt.Errorf("%w: audit log is admin only", ErrForbidden)

	case OpViewSettings:
		if target == nil || target.Area != actor.Role {
			return fmt.Errorf("%w: wrong area", ErrForbidden)
		}
		return nil
	}

	return fmt.Errorf("%w: unknown operation %q", ErrForbidden, op)
}
