package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/broadcast-core/models"
	"github.com/amirphl/broadcast-core/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ServiceRepositoryImpl implements the ServiceRepository interface
type ServiceRepositoryImpl struct {
	*BaseRepository[models.Service, struct{}]
}

// NewServiceRepository creates a new service repository
func NewServiceRepository(db *gorm.DB) ServiceRepository {
	return &ServiceRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Service, struct{}](db),
	}
}

// ByID retrieves a service with its broadcast settings
func (r *ServiceRepositoryImpl) ByID(ctx context.Context, id uuid.UUID) (*models.Service, error) {
	db := r.getDB(ctx)

	var service models.Service
	err := db.Preload("BroadcastSettings").Where("id = ?", id).Take(&service).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find service %s: %w", id, err)
	}

	return &service, nil
}

// IsMember checks whether userID belongs to serviceID
func (r *ServiceRepositoryImpl) IsMember(ctx context.Context, serviceID, userID uuid.UUID) (bool, error) {
	db := r.getDB(ctx)

	var count int64
	err := db.Model(&models.ServiceUser{}).
		Where("service_id = ? AND user_id = ?", serviceID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check service membership: %w", err)
	}

	return count > 0, nil
}

// AddMember adds userID to serviceID; adding an existing member is a no-op
func (r *ServiceRepositoryImpl) AddMember(ctx context.Context, serviceID, userID uuid.UUID) (err error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return err
	}
	defer finish(db, shouldCommit, &err)

	err = db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.ServiceUser{ServiceID: serviceID, UserID: userID, CreatedAt: utils.UTCNow()}).Error
	if err != nil {
		err = fmt.Errorf("failed to add service member: %w", err)
		return err
	}

	return nil
}

// BroadcastSettings retrieves the service's broadcast settings, nil when none are stored
func (r *ServiceRepositoryImpl) BroadcastSettings(ctx context.Context, serviceID uuid.UUID) (*models.ServiceBroadcastSettings, error) {
	db := r.getDB(ctx)

	var settings models.ServiceBroadcastSettings
	err := db.Where("service_id = ?", serviceID).Take(&settings).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find broadcast settings for service %s: %w", serviceID, err)
	}

	return &settings, nil
}

// SaveBroadcastSettings inserts or replaces the service's broadcast settings
func (r *ServiceRepositoryImpl) SaveBroadcastSettings(ctx context.Context, settings *models.ServiceBroadcastSettings) (err error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return err
	}
	defer finish(db, shouldCommit, &err)

	now := utils.UTCNow()
	if settings.CreatedAt.IsZero() {
		settings.CreatedAt = now
	}
	settings.UpdatedAt = &now

	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "service_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"channel", "provider", "updated_at"}),
	}).Create(settings).Error
	if err != nil {
		err = fmt.Errorf("failed to save broadcast settings: %w", err)
		return err
	}

	return nil
}
