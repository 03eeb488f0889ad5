package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/amirphl/broadcast-core/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BroadcastProvider identifies a cell broadcast network operator
type BroadcastProvider string

const (
	BroadcastProviderEE       BroadcastProvider = "ee"
	BroadcastProviderVodafone BroadcastProvider = "vodafone"
	BroadcastProviderThree    BroadcastProvider = "three"
	BroadcastProviderO2       BroadcastProvider = "o2"
)

// AllBroadcastProviders is the full provider set in a stable order
var AllBroadcastProviders = []BroadcastProvider{
	BroadcastProviderEE,
	BroadcastProviderVodafone,
	BroadcastProviderThree,
	BroadcastProviderO2,
}

// String returns the string representation of the provider
func (p BroadcastProvider) String() string {
	return string(p)
}

// Valid checks if the provider is known
func (p BroadcastProvider) Valid() bool {
	switch p {
	case BroadcastProviderEE, BroadcastProviderVodafone, BroadcastProviderThree, BroadcastProviderO2:
		return true
	default:
		return false
	}
}

// Payload formats spoken by the provider proxies
const (
	MessageFormatCAP  = "cap"
	MessageFormatIBAG = "ibag"
)

// MessageFormat is the wire format the provider's proxy expects
func (p BroadcastProvider) MessageFormat() string {
	if p == BroadcastProviderVodafone {
		return MessageFormatIBAG
	}
	return MessageFormatCAP
}

// Scan implements the sql.Scanner interface for BroadcastProvider
func (p *BroadcastProvider) Scan(value any) error {
	if value == nil {
		*p = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*p = BroadcastProvider(v)
	case []byte:
		*p = BroadcastProvider(string(v))
	default:
		return fmt.Errorf("cannot scan %T into BroadcastProvider", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for BroadcastProvider
func (p BroadcastProvider) Value() (driver.Value, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid BroadcastProvider: %s", p)
	}
	return string(p), nil
}

// ParseBroadcastProviders converts names into providers, rejecting unknown ones
func ParseBroadcastProviders(names []string) ([]BroadcastProvider, error) {
	out := make([]BroadcastProvider, 0, len(names))
	for _, name := range names {
		p := BroadcastProvider(name)
		if !p.Valid() {
			return nil, fmt.Errorf("unknown broadcast provider: %q", name)
		}
		out = append(out, p)
	}
	return out, nil
}

// ProviderMessageStatus is the delivery status of one event at one provider
type ProviderMessageStatus string

const (
	ProviderMessageStatusSending          ProviderMessageStatus = "sending"
	ProviderMessageStatusReturnedAck      ProviderMessageStatus = "returned-ack"
	ProviderMessageStatusReturnedError    ProviderMessageStatus = "returned-error"
	ProviderMessageStatusTechnicalFailure ProviderMessageStatus = "technical-failure"
)

// String returns the string representation of the status
func (s ProviderMessageStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s ProviderMessageStatus) Valid() bool {
	switch s {
	case ProviderMessageStatusSending, ProviderMessageStatusReturnedAck,
		ProviderMessageStatusReturnedError, ProviderMessageStatusTechnicalFailure:
		return true
	default:
		return false
	}
}

// IsFinal reports whether the provider has given a terminal answer
func (s ProviderMessageStatus) IsFinal() bool {
	return s != ProviderMessageStatusSending
}

// Scan implements the sql.Scanner interface for ProviderMessageStatus
func (s *ProviderMessageStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = ProviderMessageStatus(v)
	case []byte:
		*s = ProviderMessageStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into ProviderMessageStatus", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for ProviderMessageStatus
func (s ProviderMessageStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid ProviderMessageStatus: %s", s)
	}
	return string(s), nil
}

// BroadcastProviderMessage records the transmission of one event to one provider.
// (broadcast_event_id, provider) is unique.
type BroadcastProviderMessage struct {
	ID               uuid.UUID                       `gorm:"type:uuid;primaryKey" json:"id"`
	BroadcastEventID uuid.UUID                       `gorm:"type:uuid;not null;uniqueIndex:uk_broadcast_provider_message_event_provider,priority:1" json:"broadcast_event_id"`
	Provider         BroadcastProvider               `gorm:"size:32;not null;uniqueIndex:uk_broadcast_provider_message_event_provider,priority:2" json:"provider"`
	Status           ProviderMessageStatus           `gorm:"type:broadcast_provider_message_status;not null;default:'sending'" json:"status"`
	CreatedAt        time.Time                       `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt        *time.Time                      `json:"updated_at,omitempty"`
	// ClaimedAt is when a dispatcher took the right to transmit this row
	ClaimedAt        *time.Time                      `json:"claimed_at,omitempty"`
	MessageNumber    *BroadcastProviderMessageNumber `gorm:"foreignKey:BroadcastProviderMessageID" json:"message_number,omitempty"`
}

// TableName returns the table name for the model
func (BroadcastProviderMessage) TableName() string {
	return "broadcast_provider_message"
}

// BeforeCreate is called before creating a new record
func (m *BroadcastProviderMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = ProviderMessageStatusSending
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = utils.UTCNow()
	}
	return nil
}

// Number returns the allocated number or nil when none was assigned
func (m *BroadcastProviderMessage) Number() *int64 {
	if m.MessageNumber == nil {
		return nil
	}
	n := m.MessageNumber.Number
	return &n
}

// FormattedNumber renders the number as 8 hex digits, or "" when none was assigned
func (m *BroadcastProviderMessage) FormattedNumber() string {
	if m.MessageNumber == nil {
		return ""
	}
	return m.MessageNumber.Formatted()
}

// BroadcastProviderMessageNumber binds a sequence value 1:1 to a provider message.
// Numbers are never reused.
type BroadcastProviderMessageNumber struct {
	Number                     int64     `gorm:"primaryKey;autoIncrement:false" json:"number"`
	BroadcastProviderMessageID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_broadcast_provider_message_number_message" json:"broadcast_provider_message_id"`
}

// TableName returns the table name for the model
func (BroadcastProviderMessageNumber) TableName() string {
	return "broadcast_provider_message_number"
}

// Formatted renders the number as 8 lowercase hex digits
func (n *BroadcastProviderMessageNumber) Formatted() string {
	return utils.FormatSequentialNumber(n.Number)
}
