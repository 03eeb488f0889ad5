package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/broadcast-core/models"
	"github.com/amirphl/broadcast-core/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BroadcastProviderMessageRepositoryImpl implements the BroadcastProviderMessageRepository interface
type BroadcastProviderMessageRepositoryImpl struct {
	*BaseRepository[models.BroadcastProviderMessage, struct{}]
}

// NewBroadcastProviderMessageRepository creates a new provider message repository
func NewBroadcastProviderMessageRepository(db *gorm.DB) BroadcastProviderMessageRepository {
	return &BroadcastProviderMessageRepositoryImpl{
		BaseRepository: NewBaseRepository[models.BroadcastProviderMessage, struct{}](db),
	}
}

// ByID retrieves a provider message with its number
func (r *BroadcastProviderMessageRepositoryImpl) ByID(ctx context.Context, id uuid.UUID) (*models.BroadcastProviderMessage, error) {
	db := r.getDB(ctx)

	var pm models.BroadcastProviderMessage
	err := db.Preload("MessageNumber").Where("id = ?", id).Take(&pm).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find provider message %s: %w", id, err)
	}

	return &pm, nil
}

// ByEventAndProvider retrieves the single provider message for (event, provider)
func (r *BroadcastProviderMessageRepositoryImpl) ByEventAndProvider(ctx context.Context, eventID uuid.UUID, provider models.BroadcastProvider) (*models.BroadcastProviderMessage, error) {
	db := r.getDB(ctx)

	var pm models.BroadcastProviderMessage
	err := db.Preload("MessageNumber").
		Where("broadcast_event_id = ? AND provider = ?", eventID, provider).
		Take(&pm).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find provider message for event %s and provider %s: %w", eventID, provider, err)
	}

	return &pm, nil
}

// ListByEvent retrieves every provider message of an event
func (r *BroadcastProviderMessageRepositoryImpl) ListByEvent(ctx context.Context, eventID uuid.UUID) ([]*models.BroadcastProviderMessage, error) {
	db := r.getDB(ctx)

	var pms []*models.BroadcastProviderMessage
	err := db.Preload("MessageNumber").
		Where("broadcast_event_id = ?", eventID).
		Order("provider ASC").
		Find(&pms).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list provider messages for event %s: %w", eventID, err)
	}

	return pms, nil
}

// CreateIfAbsent relies on uk_broadcast_provider_message_event_provider to make concurrent inserts collapse into one row
func (r *BroadcastProviderMessageRepositoryImpl) CreateIfAbsent(ctx context.Context, pm *models.BroadcastProviderMessage) (created bool, err error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return false, err
	}
	defer finish(db, shouldCommit, &err)

	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "broadcast_event_id"}, {Name: "provider"}},
		DoNothing: true,
	}).Omit("MessageNumber").Create(pm)
	if result.Error != nil {
		err = fmt.Errorf("failed to create provider message: %w", result.Error)
		return false, err
	}

	return result.RowsAffected == 1, nil
}

// SaveNumber binds an allocated number to its provider message
func (r *BroadcastProviderMessageRepositoryImpl) SaveNumber(ctx context.Context, number *models.BroadcastProviderMessageNumber) (err error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return err
	}
	defer finish(db, shouldCommit, &err)

	err = db.Create(number).Error
	if err != nil {
		err = fmt.Errorf("failed to save provider message number: %w", err)
		return err
	}

	return nil
}

// Claim stamps claimed_at on a sending row unless a fresh claim is already there
func (r *BroadcastProviderMessageRepositoryImpl) Claim(ctx context.Context, id uuid.UUID, now, staleBefore time.Time) (claimed bool, err error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return false, err
	}
	defer finish(db, shouldCommit, &err)

	result := db.Model(&models.BroadcastProviderMessage{}).
		Where("id = ? AND status = ?", id, models.ProviderMessageStatusSending).
		Where("(claimed_at IS NULL OR claimed_at < ?)", staleBefore).
		Updates(map[string]any{
			"claimed_at": now,
			"updated_at": now,
		})
	if result.Error != nil {
		err = fmt.Errorf("failed to claim provider message %s: %w", id, result.Error)
		return false, err
	}

	return result.RowsAffected == 1, nil
}

// UpdateStatus records the outcome of a sending provider message. Final rows are left alone.
func (r *BroadcastProviderMessageRepositoryImpl) UpdateStatus(ctx context.Context, id uuid.UUID, status models.ProviderMessageStatus) (updated bool, err error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return false, err
	}
	defer finish(db, shouldCommit, &err)

	result := db.Model(&models.BroadcastProviderMessage{}).
		Where("id = ? AND status = ?", id, models.ProviderMessageStatusSending).
		Updates(map[string]any{
			"status":     status,
			"updated_at": utils.UTCNow(),
		})
	if result.Error != nil {
		err = fmt.Errorf("failed to update provider message %s status: %w", id, result.Error)
		return false, err
	}

	return result.RowsAffected == 1, nil
}
