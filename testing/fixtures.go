// Package testing provides test utilities and database setup for repository and flow tests
package testing

import (
	"fmt"
	"math/rand"

	"github.com/amirphl/broadcast-core/models"
	"github.com/amirphl/broadcast-core/utils"
	"github.com/google/uuid"
)

// TestFixtures provides helper methods for creating test data
type TestFixtures struct {
	DB *TestDB
}

// NewTestFixtures creates a new test fixtures instance
func NewTestFixtures(db *TestDB) *TestFixtures {
	return &TestFixtures{DB: db}
}

// CreateTestService creates a service; restricted services behave as training services
func (tf *TestFixtures) CreateTestService(restricted bool) (*models.Service, error) {
	service := &models.Service{
		Name:       fmt.Sprintf("Test service %d", rand.Intn(1_000_000_000)),
		Restricted: restricted,
		Active:     true,
	}
	if err := tf.DB.DB.Create(service).Error; err != nil {
		return nil, fmt.Errorf("failed to create test service: %w", err)
	}
	return service, nil
}

// CreateTestUser creates a user, optionally as a member of serviceID
func (tf *TestFixtures) CreateTestUser(serviceID *uuid.UUID, platformAdmin bool) (*models.User, error) {
	randomDigits := fmt.Sprintf("%09d", rand.Intn(900000000)+100000000)
	user := &models.User{
		Name:          "Test User",
		Email:         fmt.Sprintf("test.user.%s@example.gov.uk", randomDigits),
		MobileNumber:  utils.ToPtr("+447700" + randomDigits[:6]),
		PlatformAdmin: platformAdmin,
		IsActive:      true,
	}
	if err := tf.DB.DB.Create(user).Error; err != nil {
		return nil, fmt.Errorf("failed to create test user: %w", err)
	}

	if serviceID != nil {
		member := &models.ServiceUser{ServiceID: *serviceID, UserID: user.ID, CreatedAt: utils.UTCNow()}
		if err := tf.DB.DB.Create(member).Error; err != nil {
			return nil, fmt.Errorf("failed to add test user to service: %w", err)
		}
	}
	return user, nil
}

// CreateTestBroadcastMessage creates a draft message over a single polygon
func (tf *TestFixtures) CreateTestBroadcastMessage(service *models.Service, createdBy *models.User) (*models.BroadcastMessage, error) {
	message := &models.BroadcastMessage{
		ServiceID:   service.ID,
		Content:     "This is a test emergency alert",
		Reference:   utils.ToPtr("test-alert"),
		Areas:       TestAreas(),
		Status:      models.BroadcastStatusDraft,
		CreatedByID: &createdBy.ID,
		Stubbed:     service.Restricted,
	}
	if err := tf.DB.DB.Create(message).Error; err != nil {
		return nil, fmt.Errorf("failed to create test broadcast message: %w", err)
	}
	return message, nil
}

// TestAreas returns a small area over central Cardiff
func TestAreas() models.BroadcastAreas {
	return models.BroadcastAreas{
		Areas: []string{"wd20-W05000869"},
		SimplePolygons: []models.Polygon{{
			{51.4816, -3.1791},
			{51.4839, -3.1736},
			{51.4801, -3.1702},
			{51.4816, -3.1791},
		}},
	}
}
