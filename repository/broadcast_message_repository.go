package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/broadcast-core/models"
	"github.com/amirphl/broadcast-core/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BroadcastMessageRepositoryImpl implements the BroadcastMessageRepository interface
type BroadcastMessageRepositoryImpl struct {
	*BaseRepository[models.BroadcastMessage, models.BroadcastMessageFilter]
}

// NewBroadcastMessageRepository creates a new broadcast message repository
func NewBroadcastMessageRepository(db *gorm.DB) BroadcastMessageRepository {
	return &BroadcastMessageRepositoryImpl{
		BaseRepository: NewBaseRepository[models.BroadcastMessage, models.BroadcastMessageFilter](db),
	}
}

// ByIDForService retrieves a message only if it belongs to serviceID
func (r *BroadcastMessageRepositoryImpl) ByIDForService(ctx context.Context, serviceID, id uuid.UUID) (*models.BroadcastMessage, error) {
	db := r.getDB(ctx)

	var message models.BroadcastMessage
	err := db.Where("id = ? AND service_id = ?", id, serviceID).Take(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find broadcast message %s: %w", id, err)
	}

	return &message, nil
}

// ListByService retrieves a service's messages, newest first
func (r *BroadcastMessageRepositoryImpl) ListByService(ctx context.Context, serviceID uuid.UUID, limit, offset int) ([]*models.BroadcastMessage, error) {
	filter := models.BroadcastMessageFilter{ServiceID: &serviceID}
	return r.ByFilter(ctx, filter, "created_at DESC", limit, offset)
}

// UpdateWithVersion writes every mutable column guarded by the version the caller read
func (r *BroadcastMessageRepositoryImpl) UpdateWithVersion(ctx context.Context, message *models.BroadcastMessage) (err error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return err
	}
	defer finish(db, shouldCommit, &err)

	now := utils.UTCNow()
	expected := message.Version

	// Select forces nil timestamps and empty maps to be written too
	result := db.Model(&models.BroadcastMessage{}).
		Where("id = ? AND version = ?", message.ID, expected).
		Select(
			"content", "reference", "personalisation", "areas", "status",
			"starts_at", "finishes_at", "updated_at",
			"approved_at", "approved_by_id", "cancelled_at", "cancelled_by_id",
			"version",
		).
		Updates(&models.BroadcastMessage{
			Content:         message.Content,
			Reference:       message.Reference,
			Personalisation: message.Personalisation,
			Areas:           message.Areas,
			Status:          message.Status,
			StartsAt:        message.StartsAt,
			FinishesAt:      message.FinishesAt,
			UpdatedAt:       &now,
			ApprovedAt:      message.ApprovedAt,
			ApprovedByID:    message.ApprovedByID,
			CancelledAt:     message.CancelledAt,
			CancelledByID:   message.CancelledByID,
			Version:         expected + 1,
		})
	if result.Error != nil {
		err = fmt.Errorf("failed to update broadcast message %s: %w", message.ID, result.Error)
		return err
	}
	if result.RowsAffected == 0 {
		err = ErrVersionConflict
		return err
	}

	message.Version = expected + 1
	message.UpdatedAt = &now
	return nil
}

// ByFilter retrieves broadcast messages based on filter criteria
func (r *BroadcastMessageRepositoryImpl) ByFilter(ctx context.Context, filter models.BroadcastMessageFilter, orderBy string, limit, offset int) ([]*models.BroadcastMessage, error) {
	db := r.getDB(ctx)

	var messages []*models.BroadcastMessage
	query := r.applyFilter(db, filter)

	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	err := query.Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list broadcast messages: %w", err)
	}

	return messages, nil
}

// Count returns the number of broadcast messages matching the filter
func (r *BroadcastMessageRepositoryImpl) Count(ctx context.Context, filter models.BroadcastMessageFilter) (int64, error) {
	db := r.getDB(ctx)

	var count int64
	query := r.applyFilter(db.Model(&models.BroadcastMessage{}), filter)

	err := query.Count(&count).Error
	if err != nil {
		return 0, err
	}

	return count, nil
}

// applyFilter applies filter conditions to the GORM query
func (r *BroadcastMessageRepositoryImpl) applyFilter(db *gorm.DB, filter models.BroadcastMessageFilter) *gorm.DB {
	if filter.ID != nil {
		db = db.Where("id = ?", *filter.ID)
	}
	if filter.ServiceID != nil {
		db = db.Where("service_id = ?", *filter.ServiceID)
	}
	if filter.Status != nil {
		db = db.Where("status = ?", *filter.Status)
	}
	if filter.Stubbed != nil {
		db = db.Where("stubbed = ?", *filter.Stubbed)
	}
	if filter.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		db = db.Where("created_at < ?", *filter.CreatedBefore)
	}

	return db
}
