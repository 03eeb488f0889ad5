// Package models contains the persisted entities of the broadcast service
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type AuditLog struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	ActorID      *uuid.UUID     `gorm:"type:uuid;index:idx_audit_actor_id" json:"actor_id,omitempty"`
	ServiceID    *uuid.UUID     `gorm:"type:uuid;index:idx_audit_service_id" json:"service_id,omitempty"`
	MessageID    *uuid.UUID     `gorm:"type:uuid;index:idx_audit_message_id" json:"message_id,omitempty"`
	Action       string         `gorm:"type:audit_action_enum;not null;index:idx_audit_action" json:"action"`
	Description  *string        `gorm:"type:text" json:"description,omitempty"`
	IPAddress    *string        `gorm:"type:inet;index:idx_audit_ip_address" json:"ip_address,omitempty"`
	UserAgent    *string        `gorm:"type:text" json:"user_agent,omitempty"`
	RequestID    *string        `gorm:"size:255;index:idx_audit_request_id" json:"request_id,omitempty"`
	Metadata     datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
	Success      *bool          `gorm:"default:true;index:idx_audit_success" json:"success"`
	ErrorMessage *string        `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time      `gorm:"default:CURRENT_TIMESTAMP;index:idx_audit_created_at" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_log"
}

// Audit action constants
const (
	AuditActionBroadcastCreated            = "broadcast_created"
	AuditActionBroadcastUpdated            = "broadcast_updated"
	AuditActionBroadcastStatusChanged      = "broadcast_status_changed"
	AuditActionBroadcastTransitionDenied   = "broadcast_transition_denied"
	AuditActionBroadcastEventCreated       = "broadcast_event_created"
	AuditActionBroadcastDeliveryOutcome    = "broadcast_delivery_outcome"
	AuditActionBroadcastLinkTest           = "broadcast_link_test"
)

// AuditLogFilter represents filter criteria for audit log queries
type AuditLogFilter struct {
	ID            *uint
	ActorID       *uuid.UUID
	ServiceID     *uuid.UUID
	MessageID     *uuid.UUID
	Action        *string
	Success       *bool
	RequestID     *string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}
