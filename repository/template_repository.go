package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/broadcast-core/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TemplateRepositoryImpl implements the TemplateRepository interface
type TemplateRepositoryImpl struct {
	*BaseRepository[models.Template, struct{}]
}

// NewTemplateRepository creates a new template repository
func NewTemplateRepository(db *gorm.DB) TemplateRepository {
	return &TemplateRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Template, struct{}](db),
	}
}

// ByIDForService retrieves a non-archived template owned by serviceID
func (r *TemplateRepositoryImpl) ByIDForService(ctx context.Context, serviceID, id uuid.UUID) (*models.Template, error) {
	db := r.getDB(ctx)

	var template models.Template
	err := db.Where("id = ? AND service_id = ? AND archived = ?", id, serviceID, false).Take(&template).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find template %s: %w", id, err)
	}

	return &template, nil
}
