package businessflow

import (
	"fmt"

	"github.com/amirphl/broadcast-core/models"
	"github.com/amirphl/broadcast-core/utils"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// BroadcastEventFactory snapshots a message that has just gone live or been cancelled
type BroadcastEventFactory interface {
	CreateEvent(message *models.BroadcastMessage) (*models.BroadcastEvent, error)
}

// BroadcastEventFactoryImpl implements BroadcastEventFactory
type BroadcastEventFactoryImpl struct {
	sender string
	now    Clock
}

// NewBroadcastEventFactory creates a factory stamping every event with sender
func NewBroadcastEventFactory(sender string, now Clock) BroadcastEventFactory {
	if sender == "" {
		sender = utils.DefaultBroadcastSender
	}
	if now == nil {
		now = utils.UTCNow
	}
	return &BroadcastEventFactoryImpl{sender: sender, now: now}
}

// messageTypeFor maps a status to the instruction it produces. update is never produced here.
func messageTypeFor(status models.BroadcastStatus) (models.BroadcastMessageType, bool) {
	switch status {
	case models.BroadcastStatusBroadcasting:
		return models.BroadcastMessageTypeAlert, true
	case models.BroadcastStatusCancelled:
		return models.BroadcastMessageTypeCancel, true
	default:
		return "", false
	}
}

// CreateEvent copies content, areas and the validity window by value; sent_at is the clock's now
func (f *BroadcastEventFactoryImpl) CreateEvent(message *models.BroadcastMessage) (*models.BroadcastEvent, error) {
	messageType, ok := messageTypeFor(message.Status)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotDerivable, message.Status)
	}

	return &models.BroadcastEvent{
		ID:                    uuid.New(),
		BroadcastMessageID:    message.ID,
		ServiceID:             message.ServiceID,
		MessageType:           messageType,
		SentAt:                f.now().UTC(),
		TransmittedContent:    datatypes.JSONMap{"body": message.Content},
		TransmittedAreas:      datatypes.NewJSONType(message.Areas.Clone()),
		TransmittedSender:     f.sender,
		TransmittedStartsAt:   utils.TimeToUTCPtr(message.StartsAt),
		TransmittedFinishesAt: utils.TimeToUTCPtr(message.FinishesAt),
	}, nil
}
