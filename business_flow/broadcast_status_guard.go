package businessflow

import (
	"fmt"
	"time"

	"github.com/amirphl/broadcast-core/models"
	"github.com/amirphl/broadcast-core/utils"
	"github.com/google/uuid"
)

// Clock returns the current time. Flows take one so tests can pin time.
type Clock func() time.Time

// Actor is the user requesting a transition with their membership of the owning service already resolved
type Actor struct {
	UserID        uuid.UUID
	PlatformAdmin bool
	InService     bool
}

// BroadcastStatusGuard decides whether a status change is allowed and stamps the approval or cancellation fields
type BroadcastStatusGuard interface {
	Validate(message *models.BroadcastMessage, service *models.Service, requested models.BroadcastStatus, actor Actor) error
}

// BroadcastStatusGuardImpl implements BroadcastStatusGuard
type BroadcastStatusGuardImpl struct {
	now Clock
}

// NewBroadcastStatusGuard creates a guard; a nil clock means utils.UTCNow
func NewBroadcastStatusGuard(now Clock) BroadcastStatusGuard {
	if now == nil {
		now = utils.UTCNow
	}
	return &BroadcastStatusGuardImpl{now: now}
}

// Validate checks, in order: membership (platform admins may always cancel), the transition table,
// the second-approver rule for non-restricted services and the polygon requirement.
// On success message.Status is set to requested. Nothing is persisted.
func (g *BroadcastStatusGuardImpl) Validate(message *models.BroadcastMessage, service *models.Service, requested models.BroadcastStatus, actor Actor) error {
	if !requested.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidBroadcastStatus, requested)
	}

	adminCancel := requested == models.BroadcastStatusCancelled && actor.PlatformAdmin
	if !actor.InService && !adminCancel {
		return ErrUserNotInService
	}

	if !message.CanTransitionTo(requested) {
		return fmt.Errorf("%w: from %s to %s", ErrIllegalTransition, message.Status, requested)
	}

	if requested == models.BroadcastStatusBroadcasting {
		if message.IsCreatedBy(actor.UserID) && !service.Restricted {
			return ErrSelfApproval
		}
		if !message.Areas.HasPolygons() {
			return ErrNoSimplePolygons
		}
	}

	now := g.now().UTC()
	switch requested {
	case models.BroadcastStatusBroadcasting:
		message.ApprovedAt = &now
		message.ApprovedByID = utils.ToPtr(actor.UserID)
	case models.BroadcastStatusCancelled:
		message.CancelledAt = &now
		message.CancelledByID = utils.ToPtr(actor.UserID)
	}
	message.Status = requested

	return nil
}
