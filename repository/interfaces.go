// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/amirphl/broadcast-core/models"
	"github.com/google/uuid"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

// ErrVersionConflict is returned when an optimistic update matched no row at the expected version
var ErrVersionConflict = errors.New("version conflict")

type Repository[T any, F any] interface {
	ByID(ctx context.Context, id uuid.UUID) (*T, error)
	ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error)
	Save(ctx context.Context, entity *T) error
	Count(ctx context.Context, filter F) (int64, error)
}

// BroadcastMessageRepository defines operations for broadcast messages
type BroadcastMessageRepository interface {
	Repository[models.BroadcastMessage, models.BroadcastMessageFilter]
	ByIDForService(ctx context.Context, serviceID, id uuid.UUID) (*models.BroadcastMessage, error)
	ListByService(ctx context.Context, serviceID uuid.UUID, limit, offset int) ([]*models.BroadcastMessage, error)
	// UpdateWithVersion persists message if its stored version still equals message.Version, then bumps the version.
	// ErrVersionConflict is returned when another writer got there first.
	UpdateWithVersion(ctx context.Context, message *models.BroadcastMessage) error
}

// BroadcastEventRepository defines operations for broadcast events
type BroadcastEventRepository interface {
	ByID(ctx context.Context, id uuid.UUID) (*models.BroadcastEvent, error)
	Save(ctx context.Context, event *models.BroadcastEvent) error
	ListByMessage(ctx context.Context, messageID uuid.UUID) ([]*models.BroadcastEvent, error)
	// ListEarlier returns the message's events sent strictly before sentAt, oldest first
	ListEarlier(ctx context.Context, messageID uuid.UUID, sentAt time.Time) ([]*models.BroadcastEvent, error)
}

// BroadcastProviderMessageRepository defines operations for per-provider transmissions
type BroadcastProviderMessageRepository interface {
	ByID(ctx context.Context, id uuid.UUID) (*models.BroadcastProviderMessage, error)
	ByEventAndProvider(ctx context.Context, eventID uuid.UUID, provider models.BroadcastProvider) (*models.BroadcastProviderMessage, error)
	ListByEvent(ctx context.Context, eventID uuid.UUID) ([]*models.BroadcastProviderMessage, error)
	// CreateIfAbsent inserts pm unless a row for (event, provider) exists; created reports which happened
	CreateIfAbsent(ctx context.Context, pm *models.BroadcastProviderMessage) (created bool, err error)
	SaveNumber(ctx context.Context, number *models.BroadcastProviderMessageNumber) error
	// Claim gives the caller the right to transmit a sending row. It fails when another dispatcher
	// claimed the row at or after staleBefore.
	Claim(ctx context.Context, id uuid.UUID, now, staleBefore time.Time) (claimed bool, err error)
	// UpdateStatus moves a sending row to status; updated is false when the row had already left sending
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.ProviderMessageStatus) (updated bool, err error)
}

// SequenceCounterRepository defines operations for named monotonic counters
type SequenceCounterRepository interface {
	// Next atomically increments the named counter and returns the new value
	Next(ctx context.Context, name string) (int64, error)
	Current(ctx context.Context, name string) (int64, error)
}

// ServiceRepository defines operations for services and their memberships
type ServiceRepository interface {
	ByID(ctx context.Context, id uuid.UUID) (*models.Service, error)
	Save(ctx context.Context, service *models.Service) error
	IsMember(ctx context.Context, serviceID, userID uuid.UUID) (bool, error)
	AddMember(ctx context.Context, serviceID, userID uuid.UUID) error
	BroadcastSettings(ctx context.Context, serviceID uuid.UUID) (*models.ServiceBroadcastSettings, error)
	SaveBroadcastSettings(ctx context.Context, settings *models.ServiceBroadcastSettings) error
}

// UserRepository defines operations for users
type UserRepository interface {
	ByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	Save(ctx context.Context, user *models.User) error
}

// TemplateRepository defines operations for templates
type TemplateRepository interface {
	ByIDForService(ctx context.Context, serviceID, id uuid.UUID) (*models.Template, error)
	Save(ctx context.Context, template *models.Template) error
}

// AuditLogRepository defines operations for audit logs
type AuditLogRepository interface {
	Save(ctx context.Context, entity *models.AuditLog) error
	ListByMessage(ctx context.Context, messageID uuid.UUID, limit, offset int) ([]*models.AuditLog, error)
}
