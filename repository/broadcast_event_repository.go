package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/broadcast-core/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BroadcastEventRepositoryImpl implements the BroadcastEventRepository interface
type BroadcastEventRepositoryImpl struct {
	*BaseRepository[models.BroadcastEvent, struct{}]
}

// NewBroadcastEventRepository creates a new broadcast event repository
func NewBroadcastEventRepository(db *gorm.DB) BroadcastEventRepository {
	return &BroadcastEventRepositoryImpl{
		BaseRepository: NewBaseRepository[models.BroadcastEvent, struct{}](db),
	}
}

// ByID retrieves an event with its provider messages and their numbers
func (r *BroadcastEventRepositoryImpl) ByID(ctx context.Context, id uuid.UUID) (*models.BroadcastEvent, error) {
	db := r.getDB(ctx)

	var event models.BroadcastEvent
	err := db.Preload("ProviderMessages").
		Preload("ProviderMessages.MessageNumber").
		Where("id = ?", id).
		Take(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find broadcast event %s: %w", id, err)
	}

	return &event, nil
}

// ListByMessage retrieves all events of a message in sending order
func (r *BroadcastEventRepositoryImpl) ListByMessage(ctx context.Context, messageID uuid.UUID) ([]*models.BroadcastEvent, error) {
	db := r.getDB(ctx)

	var events []*models.BroadcastEvent
	err := db.Preload("ProviderMessages").
		Preload("ProviderMessages.MessageNumber").
		Where("broadcast_message_id = ?", messageID).
		Order("sent_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list broadcast events for message %s: %w", messageID, err)
	}

	return events, nil
}

// ListEarlier retrieves the events of a message sent strictly before sentAt, oldest first
func (r *BroadcastEventRepositoryImpl) ListEarlier(ctx context.Context, messageID uuid.UUID, sentAt time.Time) ([]*models.BroadcastEvent, error) {
	db := r.getDB(ctx)

	var events []*models.BroadcastEvent
	err := db.Where("broadcast_message_id = ? AND sent_at < ?", messageID, sentAt).
		Order("sent_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list earlier broadcast events for message %s: %w", messageID, err)
	}

	return events, nil
}
