package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirphl/broadcast-core/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BroadcastStatus represents the lifecycle status of a broadcast message
type BroadcastStatus string

const (
	BroadcastStatusDraft            BroadcastStatus = "draft"
	BroadcastStatusPendingApproval  BroadcastStatus = "pending-approval"
	BroadcastStatusRejected         BroadcastStatus = "rejected"
	BroadcastStatusBroadcasting     BroadcastStatus = "broadcasting"
	BroadcastStatusCompleted        BroadcastStatus = "completed"
	BroadcastStatusCancelled        BroadcastStatus = "cancelled"
	BroadcastStatusTechnicalFailure BroadcastStatus = "technical-failure"
)

// AllBroadcastStatuses lists every status in declaration order
var AllBroadcastStatuses = []BroadcastStatus{
	BroadcastStatusDraft,
	BroadcastStatusPendingApproval,
	BroadcastStatusRejected,
	BroadcastStatusBroadcasting,
	BroadcastStatusCompleted,
	BroadcastStatusCancelled,
	BroadcastStatusTechnicalFailure,
}

// broadcastTransitions is the allowed (current -> requested) table. Statuses absent from the map are terminal.
var broadcastTransitions = map[BroadcastStatus][]BroadcastStatus{
	BroadcastStatusDraft:           {BroadcastStatusPendingApproval, BroadcastStatusBroadcasting},
	BroadcastStatusPendingApproval: {BroadcastStatusRejected, BroadcastStatusDraft, BroadcastStatusBroadcasting},
	BroadcastStatusRejected:        {BroadcastStatusDraft, BroadcastStatusPendingApproval},
	BroadcastStatusBroadcasting:    {BroadcastStatusCompleted, BroadcastStatusCancelled},
}

// String returns the string representation of the status
func (s BroadcastStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s BroadcastStatus) Valid() bool {
	switch s {
	case BroadcastStatusDraft, BroadcastStatusPendingApproval, BroadcastStatusRejected,
		BroadcastStatusBroadcasting, BroadcastStatusCompleted, BroadcastStatusCancelled,
		BroadcastStatusTechnicalFailure:
		return true
	default:
		return false
	}
}

// IsPreBroadcast reports whether a message in this status may still be edited
func (s BroadcastStatus) IsPreBroadcast() bool {
	return s == BroadcastStatusDraft ||
		s == BroadcastStatusPendingApproval ||
		s == BroadcastStatusRejected
}

// IsLive reports whether the message has gone out (or was withdrawn after going out)
func (s BroadcastStatus) IsLive() bool {
	return s == BroadcastStatusBroadcasting ||
		s == BroadcastStatusCompleted ||
		s == BroadcastStatusCancelled
}

// Scan implements the sql.Scanner interface for BroadcastStatus
func (s *BroadcastStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = BroadcastStatus(v)
	case []byte:
		*s = BroadcastStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into BroadcastStatus", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for BroadcastStatus
func (s BroadcastStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid BroadcastStatus: %s", s)
	}
	return string(s), nil
}

// Polygon is a closed ring of [lat, lng] pairs
type Polygon [][]float64

// BroadcastAreas holds the named areas and the simplified polygons sent to providers
type BroadcastAreas struct {
	Areas          []string  `json:"areas"`
	SimplePolygons []Polygon `json:"simple_polygons"`
}

// Clone returns a deep copy so snapshots never share backing arrays with the source
func (a BroadcastAreas) Clone() BroadcastAreas {
	out := BroadcastAreas{
		Areas:          append([]string(nil), a.Areas...),
		SimplePolygons: make([]Polygon, 0, len(a.SimplePolygons)),
	}
	for _, polygon := range a.SimplePolygons {
		ring := make(Polygon, 0, len(polygon))
		for _, point := range polygon {
			ring = append(ring, append([]float64(nil), point...))
		}
		out.SimplePolygons = append(out.SimplePolygons, ring)
	}
	return out
}

// HasPolygons reports whether at least one non-empty polygon is present
func (a BroadcastAreas) HasPolygons() bool {
	for _, p := range a.SimplePolygons {
		if len(p) > 0 {
			return true
		}
	}
	return false
}

// Value implements the driver.Valuer interface for BroadcastAreas
func (a BroadcastAreas) Value() (driver.Value, error) {
	if a.Areas == nil {
		a.Areas = []string{}
	}
	if a.SimplePolygons == nil {
		a.SimplePolygons = []Polygon{}
	}
	return json.Marshal(a)
}

// Scan implements the sql.Scanner interface for BroadcastAreas
func (a *BroadcastAreas) Scan(value any) error {
	if value == nil {
		*a = BroadcastAreas{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into BroadcastAreas", value)
	}

	return json.Unmarshal(bytes, a)
}

// BroadcastMessage is the operator-authored alert
type BroadcastMessage struct {
	ID              uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	ServiceID       uuid.UUID         `gorm:"type:uuid;not null;index:idx_broadcast_message_service_id" json:"service_id"`
	TemplateID      *uuid.UUID        `gorm:"type:uuid" json:"template_id,omitempty"`
	TemplateVersion *int              `json:"template_version,omitempty"`
	Content         string            `gorm:"type:text;not null" json:"content"`
	Reference       *string           `gorm:"size:255" json:"reference,omitempty"`
	Personalisation map[string]string `gorm:"type:text;serializer:sealed" json:"personalisation,omitempty"`
	Areas           BroadcastAreas    `gorm:"type:jsonb;not null" json:"areas"`
	Status          BroadcastStatus   `gorm:"type:broadcast_status_type;not null;default:'draft';index:idx_broadcast_message_status" json:"status"`
	StartsAt        *time.Time        `json:"starts_at,omitempty"`
	FinishesAt      *time.Time        `json:"finishes_at,omitempty"`
	CreatedAt       time.Time         `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	CreatedByID     *uuid.UUID        `gorm:"type:uuid" json:"created_by_id,omitempty"`
	UpdatedAt       *time.Time        `json:"updated_at,omitempty"`
	ApprovedAt      *time.Time        `json:"approved_at,omitempty"`
	ApprovedByID    *uuid.UUID        `gorm:"type:uuid" json:"approved_by_id,omitempty"`
	CancelledAt     *time.Time        `json:"cancelled_at,omitempty"`
	CancelledByID   *uuid.UUID        `gorm:"type:uuid" json:"cancelled_by_id,omitempty"`
	Stubbed         bool              `gorm:"not null;default:false" json:"stubbed"`
	Version         int               `gorm:"not null;default:1" json:"version"`
}

// TableName returns the table name for the model
func (BroadcastMessage) TableName() string {
	return "broadcast_message"
}

// BeforeCreate is called before creating a new record
func (m *BroadcastMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = BroadcastStatusDraft
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = utils.UTCNow()
	}
	if m.Version == 0 {
		m.Version = 1
	}
	return nil
}

// CanTransitionTo checks if the message can move from its current status to newStatus
func (m *BroadcastMessage) CanTransitionTo(newStatus BroadcastStatus) bool {
	for _, allowed := range broadcastTransitions[m.Status] {
		if allowed == newStatus {
			return true
		}
	}
	return false
}

// IsEditable checks if content, areas or schedule may still change
func (m *BroadcastMessage) IsEditable() bool {
	return m.Status.IsPreBroadcast()
}

// IsCreatedBy reports whether userID authored the message
func (m *BroadcastMessage) IsCreatedBy(userID uuid.UUID) bool {
	return m.CreatedByID != nil && *m.CreatedByID == userID
}

// BroadcastMessageFilter represents filter criteria for broadcast messages
type BroadcastMessageFilter struct {
	ID            *uuid.UUID       `json:"id,omitempty"`
	ServiceID     *uuid.UUID       `json:"service_id,omitempty"`
	Status        *BroadcastStatus `json:"status,omitempty"`
	Stubbed       *bool            `json:"stubbed,omitempty"`
	CreatedAfter  *time.Time       `json:"created_after,omitempty"`
	CreatedBefore *time.Time       `json:"created_before,omitempty"`
}
