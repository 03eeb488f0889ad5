package businessflow

import (
	"context"
	"encoding/json"

	"github.com/amirphl/broadcast-core/app/dto"
	"github.com/amirphl/broadcast-core/models"
	"github.com/amirphl/broadcast-core/repository"
	"github.com/amirphl/broadcast-core/utils"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const RequestIDKey = "X-Request-ID"

// ClientMetadata holds all client-related information for audit logging
type ClientMetadata struct {
	IPAddress  string            `json:"ip_address"`
	UserAgent  string            `json:"user_agent"`
	RequestID  string            `json:"request_id,omitempty"`
	Additional map[string]string `json:"additional,omitempty"`
}

// NewClientMetadata creates a new ClientMetadata instance with basic information
func NewClientMetadata(ipAddress, userAgent string) *ClientMetadata {
	return &ClientMetadata{
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		Additional: make(map[string]string),
	}
}

// AddAdditional adds additional custom information to the metadata
func (cm *ClientMetadata) AddAdditional(key, value string) {
	if cm.Additional == nil {
		cm.Additional = make(map[string]string)
	}
	cm.Additional[key] = value
}

// SetRequestID sets the request ID
func (cm *ClientMetadata) SetRequestID(requestID string) {
	cm.RequestID = requestID
}

// auditEntry is what a flow knows about an action when it records it
type auditEntry struct {
	actorID     *uuid.UUID
	serviceID   *uuid.UUID
	messageID   *uuid.UUID
	action      string
	description string
	success     bool
	errorMsg    *string
	details     map[string]any
}

// createAuditLog writes one audit row, inside the transaction carried by ctx if there is one
func createAuditLog(ctx context.Context, repo repository.AuditLogRepository, entry auditEntry, metadata *ClientMetadata) error {
	description := entry.description
	audit := &models.AuditLog{
		ActorID:      entry.actorID,
		ServiceID:    entry.serviceID,
		MessageID:    entry.messageID,
		Action:       entry.action,
		Description:  &description,
		Success:      utils.ToPtr(entry.success),
		ErrorMessage: entry.errorMsg,
	}

	if metadata != nil {
		if metadata.IPAddress != "" {
			audit.IPAddress = utils.ToPtr(metadata.IPAddress)
		}
		if metadata.UserAgent != "" {
			audit.UserAgent = utils.ToPtr(metadata.UserAgent)
		}
		if metadata.RequestID != "" {
			audit.RequestID = utils.ToPtr(metadata.RequestID)
		}
	}

	// Extract request ID from context if available
	if audit.RequestID == nil {
		if requestID, ok := ctx.Value(utils.RequestIDKey).(string); ok && requestID != "" {
			audit.RequestID = &requestID
		}
	}

	details := entry.details
	if metadata != nil && len(metadata.Additional) > 0 {
		details = make(map[string]any, len(entry.details)+1)
		for k, v := range entry.details {
			details[k] = v
		}
		details["client"] = metadata.Additional
	}

	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			return err
		}
		audit.Metadata = datatypes.JSON(raw)
	}

	return repo.Save(ctx, audit)
}

func uuidString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	return utils.ToPtr(id.String())
}

func toAreasDTO(areas models.BroadcastAreas) dto.BroadcastAreasDTO {
	out := dto.BroadcastAreasDTO{
		Areas:          append([]string{}, areas.Areas...),
		SimplePolygons: make([][][]float64, 0, len(areas.SimplePolygons)),
	}
	for _, p := range areas.Clone().SimplePolygons {
		out.SimplePolygons = append(out.SimplePolygons, [][]float64(p))
	}
	return out
}

func fromAreasDTO(areas []string, polygons [][][]float64) models.BroadcastAreas {
	out := models.BroadcastAreas{
		Areas:          append([]string{}, areas...),
		SimplePolygons: make([]models.Polygon, 0, len(polygons)),
	}
	for _, p := range polygons {
		out.SimplePolygons = append(out.SimplePolygons, models.Polygon(p))
	}
	return out.Clone()
}

// ToBroadcastMessageDTO converts a message to its public shape
func ToBroadcastMessageDTO(m *models.BroadcastMessage) dto.BroadcastMessageDTO {
	personalisation := make(map[string]string, len(m.Personalisation))
	for k, v := range m.Personalisation {
		personalisation[k] = v
	}

	return dto.BroadcastMessageDTO{
		ID:              m.ID.String(),
		ServiceID:       m.ServiceID.String(),
		TemplateID:      uuidString(m.TemplateID),
		TemplateVersion: m.TemplateVersion,
		Content:         m.Content,
		Reference:       m.Reference,
		Personalisation: personalisation,
		Areas:           toAreasDTO(m.Areas),
		Status:          m.Status.String(),
		StartsAt:        m.StartsAt,
		FinishesAt:      m.FinishesAt,
		CreatedAt:       m.CreatedAt,
		CreatedByID:     uuidString(m.CreatedByID),
		UpdatedAt:       m.UpdatedAt,
		ApprovedAt:      m.ApprovedAt,
		ApprovedByID:    uuidString(m.ApprovedByID),
		CancelledAt:     m.CancelledAt,
		CancelledByID:   uuidString(m.CancelledByID),
		Stubbed:         m.Stubbed,
		Version:         m.Version,
	}
}

// ToBroadcastEventDTO converts an event, with whatever provider messages are loaded, to its public shape
func ToBroadcastEventDTO(e *models.BroadcastEvent, emailDomain string) dto.BroadcastEventDTO {
	out := dto.BroadcastEventDTO{
		ID:                    e.ID.String(),
		MessageType:           e.MessageType.String(),
		Reference:             e.Reference(emailDomain),
		SentAt:                e.SentAt,
		TransmittedContent:    map[string]any(e.TransmittedContent),
		TransmittedAreas:      toAreasDTO(e.Areas()),
		TransmittedSender:     e.TransmittedSender,
		TransmittedStartsAt:   e.TransmittedStartsAt,
		TransmittedFinishesAt: e.TransmittedFinishesAt,
	}
	for i := range e.ProviderMessages {
		out.ProviderMessages = append(out.ProviderMessages, ToBroadcastProviderMessageDTO(&e.ProviderMessages[i]))
	}
	return out
}

// ToBroadcastProviderMessageDTO converts a provider message to its public shape
func ToBroadcastProviderMessageDTO(pm *models.BroadcastProviderMessage) dto.BroadcastProviderMessageDTO {
	return dto.BroadcastProviderMessageDTO{
		ID:            pm.ID.String(),
		Provider:      pm.Provider.String(),
		Status:        pm.Status.String(),
		MessageNumber: pm.FormattedNumber(),
		CreatedAt:     pm.CreatedAt,
		UpdatedAt:     pm.UpdatedAt,
	}
}
