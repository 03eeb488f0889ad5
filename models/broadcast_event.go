package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/amirphl/broadcast-core/utils"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BroadcastMessageType is the kind of instruction an event carries to providers
type BroadcastMessageType string

const (
	BroadcastMessageTypeAlert BroadcastMessageType = "alert"
	// BroadcastMessageTypeUpdate is reserved for an edit-while-live flow; no transition produces it
	BroadcastMessageTypeUpdate BroadcastMessageType = "update"
	BroadcastMessageTypeCancel BroadcastMessageType = "cancel"
)

// String returns the string representation of the message type
func (t BroadcastMessageType) String() string {
	return string(t)
}

// Valid checks if the message type is valid
func (t BroadcastMessageType) Valid() bool {
	switch t {
	case BroadcastMessageTypeAlert, BroadcastMessageTypeUpdate, BroadcastMessageTypeCancel:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for BroadcastMessageType
func (t *BroadcastMessageType) Scan(value any) error {
	if value == nil {
		*t = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*t = BroadcastMessageType(v)
	case []byte:
		*t = BroadcastMessageType(string(v))
	default:
		return fmt.Errorf("cannot scan %T into BroadcastMessageType", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for BroadcastMessageType
func (t BroadcastMessageType) Value() (driver.Value, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid BroadcastMessageType: %s", t)
	}
	return string(t), nil
}

// BroadcastEvent is a frozen, self-contained snapshot of a message at the moment it went live or was cancelled.
// Rows are append-only.
type BroadcastEvent struct {
	ID                    uuid.UUID                          `gorm:"type:uuid;primaryKey" json:"id"`
	BroadcastMessageID    uuid.UUID                          `gorm:"type:uuid;not null;index:idx_broadcast_event_message_sent_at,priority:1" json:"broadcast_message_id"`
	ServiceID             uuid.UUID                          `gorm:"type:uuid;not null;index:idx_broadcast_event_service_id" json:"service_id"`
	MessageType           BroadcastMessageType               `gorm:"type:broadcast_message_type;not null" json:"message_type"`
	SentAt                time.Time                          `gorm:"not null;index:idx_broadcast_event_message_sent_at,priority:2" json:"sent_at"`
	TransmittedContent    datatypes.JSONMap                  `gorm:"type:jsonb" json:"transmitted_content,omitempty"`
	TransmittedAreas      datatypes.JSONType[BroadcastAreas] `gorm:"type:jsonb;not null" json:"transmitted_areas"`
	TransmittedSender     string                             `gorm:"size:255;not null" json:"transmitted_sender"`
	TransmittedStartsAt   *time.Time                         `json:"transmitted_starts_at,omitempty"`
	TransmittedFinishesAt *time.Time                         `json:"transmitted_finishes_at,omitempty"`
	ProviderMessages      []BroadcastProviderMessage         `gorm:"foreignKey:BroadcastEventID" json:"provider_messages,omitempty"`
}

// TableName returns the table name for the model
func (BroadcastEvent) TableName() string {
	return "broadcast_event"
}

// BeforeCreate is called before creating a new record
func (e *BroadcastEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.SentAt.IsZero() {
		e.SentAt = utils.UTCNow()
	}
	return nil
}

// BeforeUpdate refuses every update; events are history
func (e *BroadcastEvent) BeforeUpdate(tx *gorm.DB) error {
	return fmt.Errorf("broadcast event %s is immutable", e.ID)
}

// Body returns the transmitted content body
func (e *BroadcastEvent) Body() string {
	if e.TransmittedContent == nil {
		return ""
	}
	body, _ := e.TransmittedContent["body"].(string)
	return body
}

// Areas returns a copy of the transmitted areas
func (e *BroadcastEvent) Areas() BroadcastAreas {
	return e.TransmittedAreas.Data().Clone()
}

// Reference is the identifier other messages use to point back at this event:
// https://www.{domain}/,{event id},{CAP sent_at}
func (e *BroadcastEvent) Reference(emailDomain string) string {
	return fmt.Sprintf("https://www.%s/,%s,%s", emailDomain, e.ID, utils.FormatCAPDatetime(e.SentAt))
}

// IsExpiredAt reports whether the transmitted window closed before now
func (e *BroadcastEvent) IsExpiredAt(now time.Time) bool {
	return e.TransmittedFinishesAt != nil && e.TransmittedFinishesAt.Before(now)
}
