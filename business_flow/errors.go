// Package businessflow contains the core business logic of the broadcast lifecycle and dispatch pipeline
package businessflow

import (
	"errors"
	"fmt"

	"github.com/amirphl/broadcast-core/models"
	"github.com/google/uuid"
)

// Business flow error constants
var (
	// Lookup errors
	ErrBroadcastMessageNotFound = errors.New("broadcast message not found")
	ErrBroadcastEventNotFound   = errors.New("broadcast event not found")
	ErrProviderMessageNotFound  = errors.New("broadcast provider message not found")
	ErrServiceNotFound          = errors.New("service not found")
	ErrUserNotFound             = errors.New("user not found")
	ErrTemplateNotFound         = errors.New("template not found")

	// Transition errors
	ErrUserNotInService       = errors.New("user is not a member of the service")
	ErrIllegalTransition      = errors.New("illegal broadcast status transition")
	ErrSelfApproval           = errors.New("you cannot approve your own broadcast")
	ErrNoSimplePolygons       = errors.New("broadcast has no areas to send to")
	ErrInvalidBroadcastStatus = errors.New("invalid broadcast status")
	ErrTransitionConflict     = errors.New("broadcast message was changed by another request")

	// Event errors
	ErrEventNotDerivable = errors.New("no broadcast event can be derived from this status")

	// Reference chain errors
	ErrReferenceChainGap             = errors.New("earlier event has no provider message for this provider")
	ErrReferenceChainNotAcknowledged = errors.New("earlier provider message has not been acknowledged")

	// Dispatch errors
	ErrProviderMessageFinalised = errors.New("provider message already has a final outcome")
	ErrProviderMessageInFlight  = errors.New("provider message is being sent by another dispatcher")
	ErrBroadcastExpired         = errors.New("broadcast finished before it could be sent")
	ErrProviderNotEnabled       = errors.New("provider is not enabled")
	ErrCBCProxyDisabled         = errors.New("CBC proxy is disabled")
	ErrNoEligibleProviders      = errors.New("service has no eligible providers")

	// Create / update validation errors
	ErrContentAndTemplate          = errors.New("cannot have both content and template")
	ErrContentOrTemplateRequired   = errors.New("content or template_id is required")
	ErrReferenceRequired           = errors.New("reference is required when content is given")
	ErrBroadcastMessageNotEditable = errors.New("broadcast message can no longer be edited")
	ErrAreasOrPolygonsMissing      = errors.New("areas or polygons are missing")
	ErrMissingPersonalisation      = errors.New("missing personalisation")
	ErrFinishesBeforeStarts        = errors.New("finishes_at must be after starts_at")

	// Filter errors
	ErrInvalidPage     = errors.New("page must be at least 1")
	ErrInvalidPageSize = errors.New("page size must be between 1 and 100")
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NewBusinessErrorf(code, message string, err error, args ...any) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: fmt.Sprintf(message, args...),
		Err:     err,
	}
}

// ReferenceChainError reports why a provider cannot be sent an event yet.
// Err is ErrReferenceChainGap or ErrReferenceChainNotAcknowledged.
type ReferenceChainError struct {
	EventID      uuid.UUID
	PriorEventID uuid.UUID
	Provider     models.BroadcastProvider
	Err          error
}

func (e *ReferenceChainError) Error() string {
	return fmt.Sprintf("reference chain for event %s at %s broken by event %s: %v", e.EventID, e.Provider, e.PriorEventID, e.Err)
}

func (e *ReferenceChainError) Unwrap() error {
	return e.Err
}

// AsReferenceChainError extracts a *ReferenceChainError from err's chain
func AsReferenceChainError(err error) (*ReferenceChainError, bool) {
	var rce *ReferenceChainError
	if errors.As(err, &rce) {
		return rce, true
	}
	return nil, false
}

// ErrorCode returns the BusinessError code in err's chain, or "" if none
func ErrorCode(err error) string {
	var be *BusinessError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

func IsBroadcastMessageNotFound(err error) bool {
	return errors.Is(err, ErrBroadcastMessageNotFound)
}

func IsBroadcastEventNotFound(err error) bool {
	return errors.Is(err, ErrBroadcastEventNotFound)
}

func IsProviderMessageNotFound(err error) bool {
	return errors.Is(err, ErrProviderMessageNotFound)
}

func IsServiceNotFound(err error) bool {
	return errors.Is(err, ErrServiceNotFound)
}

func IsUserNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}

func IsTemplateNotFound(err error) bool {
	return errors.Is(err, ErrTemplateNotFound)
}

func IsUserNotInService(err error) bool {
	return errors.Is(err, ErrUserNotInService)
}

func IsIllegalTransition(err error) bool {
	return errors.Is(err, ErrIllegalTransition)
}

func IsSelfApproval(err error) bool {
	return errors.Is(err, ErrSelfApproval)
}

func IsNoSimplePolygons(err error) bool {
	return errors.Is(err, ErrNoSimplePolygons)
}

func IsInvalidBroadcastStatus(err error) bool {
	return errors.Is(err, ErrInvalidBroadcastStatus)
}

func IsTransitionConflict(err error) bool {
	return errors.Is(err, ErrTransitionConflict)
}

func IsEventNotDerivable(err error) bool {
	return errors.Is(err, ErrEventNotDerivable)
}

func IsReferenceChainGap(err error) bool {
	return errors.Is(err, ErrReferenceChainGap)
}

func IsReferenceChainNotAcknowledged(err error) bool {
	return errors.Is(err, ErrReferenceChainNotAcknowledged)
}

func IsProviderMessageFinalised(err error) bool {
	return errors.Is(err, ErrProviderMessageFinalised)
}

func IsProviderMessageInFlight(err error) bool {
	return errors.Is(err, ErrProviderMessageInFlight)
}

func IsBroadcastExpired(err error) bool {
	return errors.Is(err, ErrBroadcastExpired)
}

func IsProviderNotEnabled(err error) bool {
	return errors.Is(err, ErrProviderNotEnabled)
}

func IsCBCProxyDisabled(err error) bool {
	return errors.Is(err, ErrCBCProxyDisabled)
}

func IsNoEligibleProviders(err error) bool {
	return errors.Is(err, ErrNoEligibleProviders)
}

func IsContentAndTemplate(err error) bool {
	return errors.Is(err, ErrContentAndTemplate)
}

func IsContentOrTemplateRequired(err error) bool {
	return errors.Is(err, ErrContentOrTemplateRequired)
}

func IsReferenceRequired(err error) bool {
	return errors.Is(err, ErrReferenceRequired)
}

func IsBroadcastMessageNotEditable(err error) bool {
	return errors.Is(err, ErrBroadcastMessageNotEditable)
}

func IsAreasOrPolygonsMissing(err error) bool {
	return errors.Is(err, ErrAreasOrPolygonsMissing)
}

func IsMissingPersonalisation(err error) bool {
	return errors.Is(err, ErrMissingPersonalisation)
}

func IsFinishesBeforeStarts(err error) bool {
	return errors.Is(err, ErrFinishesBeforeStarts)
}

func IsInvalidPage(err error) bool {
	return errors.Is(err, ErrInvalidPage)
}

func IsInvalidPageSize(err error) bool {
	return errors.Is(err, ErrInvalidPageSize)
}
