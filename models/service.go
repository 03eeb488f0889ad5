package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/amirphl/broadcast-core/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Service is a tenant of the notification platform that owns broadcast messages.
// Restricted services are training services: they may self-approve and are never dispatched outside whitelisted environments.
type Service struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Name       string     `gorm:"size:255;not null;uniqueIndex:uk_service_name" json:"name"`
	Restricted bool       `gorm:"not null" json:"restricted"`
	Active     bool       `gorm:"not null" json:"active"`
	CreatedAt  time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`

	// Relations
	BroadcastSettings *ServiceBroadcastSettings `gorm:"foreignKey:ServiceID;references:ID" json:"broadcast_settings,omitempty"`
}

// TableName returns the table name for the model
func (Service) TableName() string {
	return "services"
}

// BeforeCreate is called before creating a new record
func (s *Service) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = utils.UTCNow()
	}
	return nil
}

// ServiceUser is the membership of a user in a service
type ServiceUser struct {
	ServiceID uuid.UUID `gorm:"type:uuid;primaryKey" json:"service_id"`
	UserID    uuid.UUID `gorm:"type:uuid;primaryKey;index:idx_service_user_user_id" json:"user_id"`
	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
}

// TableName returns the table name for the model
func (ServiceUser) TableName() string {
	return "service_users"
}

// BroadcastChannel is the cell broadcast channel a service transmits on
type BroadcastChannel string

const (
	BroadcastChannelOperator   BroadcastChannel = "operator"
	BroadcastChannelTest       BroadcastChannel = "test"
	BroadcastChannelSevere     BroadcastChannel = "severe"
	BroadcastChannelGovernment BroadcastChannel = "government"
)

// String returns the string representation of the channel
func (c BroadcastChannel) String() string {
	return string(c)
}

// Valid checks if the channel is valid
func (c BroadcastChannel) Valid() bool {
	switch c {
	case BroadcastChannelOperator, BroadcastChannelTest, BroadcastChannelSevere, BroadcastChannelGovernment:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for BroadcastChannel
func (c *BroadcastChannel) Scan(value any) error {
	if value == nil {
		*c = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*c = BroadcastChannel(v)
	case []byte:
		*c = BroadcastChannel(string(v))
	default:
		return fmt.Errorf("cannot scan %T into BroadcastChannel", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for BroadcastChannel
func (c BroadcastChannel) Value() (driver.Value, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid BroadcastChannel: %s", c)
	}
	return string(c), nil
}

// ServiceBroadcastSettings holds per-service broadcast configuration.
// A nil Provider means every enabled provider is eligible.
type ServiceBroadcastSettings struct {
	ServiceID uuid.UUID          `gorm:"type:uuid;primaryKey" json:"service_id"`
	Channel   BroadcastChannel   `gorm:"size:32;not null;default:'test'" json:"channel"`
	Provider  *BroadcastProvider `gorm:"size:32" json:"provider,omitempty"`
	CreatedAt time.Time          `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt *time.Time         `json:"updated_at,omitempty"`
}

// TableName returns the table name for the model
func (ServiceBroadcastSettings) TableName() string {
	return "service_broadcast_settings"
}

// AllowedProviders narrows enabled to the service's restriction, if any.
// A restriction naming a provider that is not enabled yields no providers.
func (s *ServiceBroadcastSettings) AllowedProviders(enabled []BroadcastProvider) []BroadcastProvider {
	if s == nil || s.Provider == nil {
		return append([]BroadcastProvider(nil), enabled...)
	}
	for _, p := range enabled {
		if p == *s.Provider {
			return []BroadcastProvider{p}
		}
	}
	return nil
}

// ChannelOrDefault returns the configured channel, or test when no settings exist
func (s *ServiceBroadcastSettings) ChannelOrDefault() BroadcastChannel {
	if s == nil || s.Channel == "" {
		return BroadcastChannelTest
	}
	return s.Channel
}
