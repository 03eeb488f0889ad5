package dto

import (
	"bytes"
	"encoding/json"
	"time"
)

// NullableTime distinguishes a JSON key that is absent from one set to null
type NullableTime struct {
	Set   bool
	Value *time.Time
}

// UnmarshalJSON implements json.Unmarshaler
func (n *NullableTime) UnmarshalJSON(data []byte) error {
	n.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		n.Value = nil
		return nil
	}
	var t time.Time
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	n.Value = &t
	return nil
}

// MarshalJSON implements json.Marshaler
func (n NullableTime) MarshalJSON() ([]byte, error) {
	if n.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// CreateBroadcastMessageRequest represents the request to create a draft broadcast
type CreateBroadcastMessageRequest struct {
	ServiceID       string            `json:"-"`
	UserID          string            `json:"-"`
	TemplateID      *string           `json:"template_id,omitempty" validate:"omitempty,uuid"`
	Content         *string           `json:"content,omitempty" validate:"omitempty,min=1,max=1395"`
	Reference       *string           `json:"reference,omitempty" validate:"omitempty,max=255"`
	Personalisation map[string]string `json:"personalisation,omitempty"`
	Areas           []string          `json:"areas,omitempty" validate:"omitempty,dive,required"`
	SimplePolygons  [][][]float64     `json:"simple_polygons,omitempty" validate:"omitempty,dive,min=3"`
	StartsAt        *time.Time        `json:"starts_at,omitempty"`
	FinishesAt      *time.Time        `json:"finishes_at,omitempty"`
}

// UpdateBroadcastMessageRequest represents a partial update of a pre-broadcast message.
// areas and simple_polygons must be given together.
type UpdateBroadcastMessageRequest struct {
	ServiceID       string             `json:"-"`
	MessageID       string             `json:"-"`
	UserID          string             `json:"-"`
	Personalisation *map[string]string `json:"personalisation,omitempty"`
	Areas           *[]string          `json:"areas,omitempty"`
	SimplePolygons  *[][][]float64     `json:"simple_polygons,omitempty"`
	StartsAt        NullableTime       `json:"starts_at"`
	FinishesAt      NullableTime       `json:"finishes_at"`
}

// UpdateBroadcastStatusRequest asks for a lifecycle transition
type UpdateBroadcastStatusRequest struct {
	ServiceID string `json:"-"`
	MessageID string `json:"-"`
	UserID    string `json:"-"`
	Status    string `json:"status" validate:"required"`
}

// GetBroadcastMessageRequest identifies one message of a service
type GetBroadcastMessageRequest struct {
	ServiceID string `json:"-"`
	MessageID string `json:"-"`
	UserID    string `json:"-"`
}

// ListBroadcastMessagesRequest represents a page of a service's messages
type ListBroadcastMessagesRequest struct {
	ServiceID string `json:"-"`
	UserID    string `json:"-"`
	Page      int    `json:"page" query:"page"`
	PageSize  int    `json:"page_size" query:"page_size"`
}

// BroadcastAreasDTO is the area selection of a message or event
type BroadcastAreasDTO struct {
	Areas          []string      `json:"areas"`
	SimplePolygons [][][]float64 `json:"simple_polygons"`
}

// BroadcastMessageDTO is the public shape of a broadcast message
type BroadcastMessageDTO struct {
	ID              string            `json:"id"`
	ServiceID       string            `json:"service_id"`
	TemplateID      *string           `json:"template_id"`
	TemplateVersion *int              `json:"template_version"`
	Content         string            `json:"content"`
	Reference       *string           `json:"reference"`
	Personalisation map[string]string `json:"personalisation"`
	Areas           BroadcastAreasDTO `json:"areas"`
	Status          string            `json:"status"`
	StartsAt        *time.Time        `json:"starts_at"`
	FinishesAt      *time.Time        `json:"finishes_at"`
	CreatedAt       time.Time         `json:"created_at"`
	CreatedByID     *string           `json:"created_by_id"`
	UpdatedAt       *time.Time        `json:"updated_at"`
	ApprovedAt      *time.Time        `json:"approved_at"`
	ApprovedByID    *string           `json:"approved_by_id"`
	CancelledAt     *time.Time        `json:"cancelled_at"`
	CancelledByID   *string           `json:"cancelled_by_id"`
	Stubbed         bool              `json:"stubbed"`
	Version         int               `json:"version"`
}

// BroadcastProviderMessageDTO is one provider's transmission of an event
type BroadcastProviderMessageDTO struct {
	ID            string     `json:"id"`
	Provider      string     `json:"provider"`
	Status        string     `json:"status"`
	MessageNumber string     `json:"message_number,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at"`
}

// BroadcastEventDTO is the public shape of a broadcast event
type BroadcastEventDTO struct {
	ID                    string                        `json:"id"`
	MessageType           string                        `json:"message_type"`
	Reference             string                        `json:"reference"`
	SentAt                time.Time                     `json:"sent_at"`
	TransmittedContent    map[string]any                `json:"transmitted_content"`
	TransmittedAreas      BroadcastAreasDTO             `json:"transmitted_areas"`
	TransmittedSender     string                        `json:"transmitted_sender"`
	TransmittedStartsAt   *time.Time                    `json:"transmitted_starts_at"`
	TransmittedFinishesAt *time.Time                    `json:"transmitted_finishes_at"`
	ProviderMessages      []BroadcastProviderMessageDTO `json:"provider_messages,omitempty"`
}

// BroadcastMessageResponse wraps a single message
type BroadcastMessageResponse struct {
	Message          string              `json:"message"`
	BroadcastMessage BroadcastMessageDTO `json:"broadcast_message"`
	Events           []BroadcastEventDTO `json:"events,omitempty"`
	Event            *BroadcastEventDTO  `json:"event,omitempty"`
}

// ListBroadcastMessagesResponse is a page of messages
type ListBroadcastMessagesResponse struct {
	BroadcastMessages []BroadcastMessageDTO `json:"broadcast_messages"`
	Pagination        PaginationInfo        `json:"pagination"`
}

// PaginationInfo describes the page returned
type PaginationInfo struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// DeliveryOutcomeRequest is the asynchronous callback of a CBC proxy
type DeliveryOutcomeRequest struct {
	ProviderMessageID string `json:"-"`
	Outcome           string `json:"outcome" validate:"required,oneof=ack error unreachable timeout"`
}

// DeliveryOutcomeResponse reports the stored status
type DeliveryOutcomeResponse struct {
	Message           string `json:"message"`
	ProviderMessageID string `json:"provider_message_id"`
	Status            string `json:"status"`
}

// LinkTestRequest asks for a link test against one provider
type LinkTestRequest struct {
	UserID   string `json:"-"`
	Provider string `json:"provider" validate:"required,oneof=ee vodafone three o2"`
}

// LinkTestResponse reports a link test
type LinkTestResponse struct {
	Message       string `json:"message"`
	Identifier    string `json:"identifier"`
	Provider      string `json:"provider"`
	MessageNumber string `json:"message_number,omitempty"`
	Outcome       string `json:"outcome"`
}
