package businessflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/amirphl/broadcast-core/app/dto"
	"github.com/amirphl/broadcast-core/app/services"
	"github.com/amirphl/broadcast-core/models"
	"github.com/amirphl/broadcast-core/repository"
	"github.com/amirphl/broadcast-core/utils"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// BroadcastMessageFlow handles the broadcast message lifecycle
type BroadcastMessageFlow interface {
	CreateMessage(ctx context.Context, req *dto.CreateBroadcastMessageRequest, metadata *ClientMetadata) (*dto.BroadcastMessageResponse, error)
	UpdateMessage(ctx context.Context, req *dto.UpdateBroadcastMessageRequest, metadata *ClientMetadata) (*dto.BroadcastMessageResponse, error)
	RequestTransition(ctx context.Context, req *dto.UpdateBroadcastStatusRequest, metadata *ClientMetadata) (*dto.BroadcastMessageResponse, error)
	GetMessage(ctx context.Context, req *dto.GetBroadcastMessageRequest) (*dto.BroadcastMessageResponse, error)
	ListMessages(ctx context.Context, req *dto.ListBroadcastMessagesRequest) (*dto.ListBroadcastMessagesResponse, error)
}

// BroadcastMessageFlowImpl implements the broadcast message flow
type BroadcastMessageFlowImpl struct {
	messageRepo  repository.BroadcastMessageRepository
	eventRepo    repository.BroadcastEventRepository
	serviceRepo  repository.ServiceRepository
	userRepo     repository.UserRepository
	templateRepo repository.TemplateRepository
	auditRepo    repository.AuditLogRepository
	tx           repository.Transactor
	guard        BroadcastStatusGuard
	factory      BroadcastEventFactory
	queue        services.DispatchQueue
	locks        *messageLocks
	emailDomain  string
	logger       *log.Logger
}

// NewBroadcastMessageFlow creates a new broadcast message flow instance
func NewBroadcastMessageFlow(
	messageRepo repository.BroadcastMessageRepository,
	eventRepo repository.BroadcastEventRepository,
	serviceRepo repository.ServiceRepository,
	userRepo repository.UserRepository,
	templateRepo repository.TemplateRepository,
	auditRepo repository.AuditLogRepository,
	tx repository.Transactor,
	guard BroadcastStatusGuard,
	factory BroadcastEventFactory,
	queue services.DispatchQueue,
	emailDomain string,
	logger *log.Logger,
) BroadcastMessageFlow {
	if logger == nil {
		logger = log.Default()
	}
	return &BroadcastMessageFlowImpl{
		messageRepo:  messageRepo,
		eventRepo:    eventRepo,
		serviceRepo:  serviceRepo,
		userRepo:     userRepo,
		templateRepo: templateRepo,
		auditRepo:    auditRepo,
		tx:           tx,
		guard:        guard,
		factory:      factory,
		queue:        queue,
		locks:        newMessageLocks(),
		emailDomain:  emailDomain,
		logger:       logger,
	}
}

// CreateMessage creates a draft broadcast from either free text or a template
func (s *BroadcastMessageFlowImpl) CreateMessage(ctx context.Context, req *dto.CreateBroadcastMessageRequest, metadata *ClientMetadata) (*dto.BroadcastMessageResponse, error) {
	serviceID, userID, err := parseServiceAndUser(req.ServiceID, req.UserID)
	if err != nil {
		return nil, NewBusinessError("INVALID_IDENTIFIER", "Invalid service or user id", err)
	}

	service, err := s.memberService(ctx, serviceID, userID)
	if err != nil {
		return nil, err
	}

	message, err := s.buildMessage(ctx, service, userID, req)
	if err != nil {
		return nil, NewBusinessError("BROADCAST_VALIDATION_FAILED", "Broadcast message validation failed", err)
	}

	err = s.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.messageRepo.Save(txCtx, message); err != nil {
			return err
		}
		return createAuditLog(txCtx, s.auditRepo, auditEntry{
			actorID:     &userID,
			serviceID:   &service.ID,
			messageID:   &message.ID,
			action:      models.AuditActionBroadcastCreated,
			description: fmt.Sprintf("Broadcast message %s created", message.ID),
			success:     true,
			details:     map[string]any{"stubbed": message.Stubbed, "template_id": uuidString(message.TemplateID)},
		}, metadata)
	})
	if err != nil {
		return nil, NewBusinessError("BROADCAST_CREATION_FAILED", "Broadcast message creation failed", err)
	}

	return &dto.BroadcastMessageResponse{
		Message:          "Broadcast message created successfully",
		BroadcastMessage: ToBroadcastMessageDTO(message),
	}, nil
}

func (s *BroadcastMessageFlowImpl) buildMessage(ctx context.Context, service *models.Service, userID uuid.UUID, req *dto.CreateBroadcastMessageRequest) (*models.BroadcastMessage, error) {
	hasContent := req.Content != nil && *req.Content != ""
	hasTemplate := req.TemplateID != nil && *req.TemplateID != ""

	switch {
	case hasContent && hasTemplate:
		return nil, ErrContentAndTemplate
	case !hasContent && !hasTemplate:
		return nil, ErrContentOrTemplateRequired
	case hasContent && (req.Reference == nil || *req.Reference == ""):
		return nil, ErrReferenceRequired
	}

	if err := validateWindow(req.StartsAt, req.FinishesAt); err != nil {
		return nil, err
	}

	message := &models.BroadcastMessage{
		ID:              uuid.New(),
		ServiceID:       service.ID,
		Personalisation: copyPersonalisation(req.Personalisation),
		Areas:           fromAreasDTO(req.Areas, req.SimplePolygons),
		Status:          models.BroadcastStatusDraft,
		StartsAt:        utils.TimeToUTCPtr(req.StartsAt),
		FinishesAt:      utils.TimeToUTCPtr(req.FinishesAt),
		CreatedByID:     &userID,
		Stubbed:         service.Restricted,
		Version:         1,
	}

	if hasContent {
		message.Content = *req.Content
		message.Reference = req.Reference
		return message, nil
	}

	templateID, err := utils.ParseUUID(*req.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateNotFound, err)
	}
	template, err := s.templateRepo.ByIDForService(ctx, service.ID, templateID)
	if err != nil {
		return nil, err
	}
	if template == nil || template.Archived {
		return nil, ErrTemplateNotFound
	}

	content, err := template.Render(req.Personalisation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingPersonalisation, err)
	}
	message.Content = content
	message.TemplateID = &template.ID
	message.TemplateVersion = utils.ToPtr(template.Version)
	return message, nil
}

// UpdateMessage changes personalisation, areas or the validity window of a message that is not yet live
func (s *BroadcastMessageFlowImpl) UpdateMessage(ctx context.Context, req *dto.UpdateBroadcastMessageRequest, metadata *ClientMetadata) (*dto.BroadcastMessageResponse, error) {
	serviceID, userID, err := parseServiceAndUser(req.ServiceID, req.UserID)
	if err != nil {
		return nil, NewBusinessError("INVALID_IDENTIFIER", "Invalid service or user id", err)
	}
	messageID, err := utils.ParseUUID(req.MessageID)
	if err != nil {
		return nil, NewBusinessError("BROADCAST_NOT_FOUND", "Broadcast message not found", ErrBroadcastMessageNotFound)
	}

	if (req.Areas == nil) != (req.SimplePolygons == nil) {
		return nil, NewBusinessError("BROADCAST_VALIDATION_FAILED", "Broadcast message validation failed", ErrAreasOrPolygonsMissing)
	}

	if _, err := s.memberService(ctx, serviceID, userID); err != nil {
		return nil, err
	}

	if !s.locks.tryLock(messageID) {
		return nil, NewBusinessError("BROADCAST_CONFLICT", "Broadcast message is being changed by another request", ErrTransitionConflict)
	}
	defer s.locks.unlock(messageID)

	message, err := s.getMessage(ctx, serviceID, messageID)
	if err != nil {
		return nil, err
	}

	if !message.IsEditable() {
		return nil, NewBusinessErrorf("BROADCAST_NOT_EDITABLE", "Broadcast message cannot be updated while %s", ErrBroadcastMessageNotEditable, message.Status)
	}

	if req.Personalisation != nil {
		message.Personalisation = copyPersonalisation(*req.Personalisation)
	}
	if req.Areas != nil {
		message.Areas = fromAreasDTO(*req.Areas, *req.SimplePolygons)
	}
	if req.StartsAt.Set {
		message.StartsAt = utils.TimeToUTCPtr(req.StartsAt.Value)
	}
	if req.FinishesAt.Set {
		message.FinishesAt = utils.TimeToUTCPtr(req.FinishesAt.Value)
	}
	if err := validateWindow(message.StartsAt, message.FinishesAt); err != nil {
		return nil, NewBusinessError("BROADCAST_VALIDATION_FAILED", "Broadcast message validation failed", err)
	}

	err = s.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.updateWithVersion(txCtx, message); err != nil {
			return err
		}
		return createAuditLog(txCtx, s.auditRepo, auditEntry{
			actorID:     &userID,
			serviceID:   &serviceID,
			messageID:   &message.ID,
			action:      models.AuditActionBroadcastUpdated,
			description: fmt.Sprintf("Broadcast message %s updated", message.ID),
			success:     true,
		}, metadata)
	})
	if err != nil {
		if IsTransitionConflict(err) {
			return nil, NewBusinessError("BROADCAST_CONFLICT", "Broadcast message was changed by another request", err)
		}
		return nil, NewBusinessError("BROADCAST_UPDATE_FAILED", "Broadcast message update failed", err)
	}

	return &dto.BroadcastMessageResponse{
		Message:          "Broadcast message updated successfully",
		BroadcastMessage: ToBroadcastMessageDTO(message),
	}, nil
}

// RequestTransition moves a message to a new status. Going live or being cancelled records an event
// in the same transaction and enqueues it for dispatch once committed.
func (s *BroadcastMessageFlowImpl) RequestTransition(ctx context.Context, req *dto.UpdateBroadcastStatusRequest, metadata *ClientMetadata) (*dto.BroadcastMessageResponse, error) {
	serviceID, userID, err := parseServiceAndUser(req.ServiceID, req.UserID)
	if err != nil {
		return nil, NewBusinessError("INVALID_IDENTIFIER", "Invalid service or user id", err)
	}
	messageID, err := utils.ParseUUID(req.MessageID)
	if err != nil {
		return nil, NewBusinessError("BROADCAST_NOT_FOUND", "Broadcast message not found", ErrBroadcastMessageNotFound)
	}
	requested := models.BroadcastStatus(req.Status)

	if !s.locks.tryLock(messageID) {
		return nil, NewBusinessError("BROADCAST_CONFLICT", "Broadcast message is being changed by another request", ErrTransitionConflict)
	}
	defer s.locks.unlock(messageID)

	message, err := s.getMessage(ctx, serviceID, messageID)
	if err != nil {
		return nil, err
	}

	service, err := s.serviceRepo.ByID(ctx, serviceID)
	if err != nil {
		return nil, NewBusinessError("SERVICE_LOOKUP_FAILED", "Failed to lookup service", err)
	}
	if service == nil {
		return nil, NewBusinessError("SERVICE_NOT_FOUND", "Service not found", ErrServiceNotFound)
	}

	actor, err := s.resolveActor(ctx, serviceID, userID)
	if err != nil {
		return nil, err
	}

	previous := message.Status
	if err := s.guard.Validate(message, service, requested, actor); err != nil {
		errMsg := err.Error()
		auditErr := createAuditLog(ctx, s.auditRepo, auditEntry{
			actorID:     &userID,
			serviceID:   &serviceID,
			messageID:   &message.ID,
			action:      models.AuditActionBroadcastTransitionDenied,
			description: fmt.Sprintf("Transition of broadcast message %s from %s to %s denied", message.ID, previous, req.Status),
			success:     false,
			errorMsg:    &errMsg,
		}, metadata)
		if auditErr != nil {
			s.logger.Printf("broadcast: failed to audit denied transition of message %s: %v", message.ID, auditErr)
		}
		return nil, NewBusinessError(transitionErrorCode(err), "Broadcast status change not allowed", err)
	}

	var event *models.BroadcastEvent
	err = s.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.updateWithVersion(txCtx, message); err != nil {
			return err
		}

		if err := createAuditLog(txCtx, s.auditRepo, auditEntry{
			actorID:     &userID,
			serviceID:   &serviceID,
			messageID:   &message.ID,
			action:      models.AuditActionBroadcastStatusChanged,
			description: fmt.Sprintf("Broadcast message %s moved from %s to %s", message.ID, previous, message.Status),
			success:     true,
			details:     map[string]any{"from": previous.String(), "to": message.Status.String()},
		}, metadata); err != nil {
			return err
		}

		if requested != models.BroadcastStatusBroadcasting && requested != models.BroadcastStatusCancelled {
			return nil
		}

		var err error
		event, err = s.factory.CreateEvent(message)
		if err != nil {
			return err
		}
		if err := s.eventRepo.Save(txCtx, event); err != nil {
			return err
		}
		return createAuditLog(txCtx, s.auditRepo, auditEntry{
			actorID:     &userID,
			serviceID:   &serviceID,
			messageID:   &message.ID,
			action:      models.AuditActionBroadcastEventCreated,
			description: fmt.Sprintf("Broadcast event %s (%s) created", event.ID, event.MessageType),
			success:     true,
			details:     map[string]any{"event_id": event.ID.String(), "message_type": event.MessageType.String()},
		}, metadata)
	})
	if err != nil {
		if IsTransitionConflict(err) {
			return nil, NewBusinessError("BROADCAST_CONFLICT", "Broadcast message was changed by another request", err)
		}
		return nil, NewBusinessError("BROADCAST_TRANSITION_FAILED", "Broadcast status change failed", err)
	}

	resp := &dto.BroadcastMessageResponse{
		Message:          fmt.Sprintf("Broadcast message is now %s", message.Status),
		BroadcastMessage: ToBroadcastMessageDTO(message),
	}

	if event != nil {
		if err := s.queue.Enqueue(ctx, event.ID); err != nil {
			// the event is committed; a later Recover or manual re-enqueue picks it up
			s.logger.Printf("dispatch: failed to enqueue broadcast event %s: %v", event.ID, err)
		}
		eventDTO := ToBroadcastEventDTO(event, s.emailDomain)
		resp.Event = &eventDTO
	}

	return resp, nil
}

// GetMessage returns one message of a service with its events, oldest first
func (s *BroadcastMessageFlowImpl) GetMessage(ctx context.Context, req *dto.GetBroadcastMessageRequest) (*dto.BroadcastMessageResponse, error) {
	serviceID, userID, err := parseServiceAndUser(req.ServiceID, req.UserID)
	if err != nil {
		return nil, NewBusinessError("INVALID_IDENTIFIER", "Invalid service or user id", err)
	}
	messageID, err := utils.ParseUUID(req.MessageID)
	if err != nil {
		return nil, NewBusinessError("BROADCAST_NOT_FOUND", "Broadcast message not found", ErrBroadcastMessageNotFound)
	}

	if err := s.requireReader(ctx, serviceID, userID); err != nil {
		return nil, err
	}

	message, err := s.getMessage(ctx, serviceID, messageID)
	if err != nil {
		return nil, err
	}

	events, err := s.eventRepo.ListByMessage(ctx, message.ID)
	if err != nil {
		return nil, NewBusinessError("BROADCAST_EVENTS_LOOKUP_FAILED", "Failed to lookup broadcast events", err)
	}

	resp := &dto.BroadcastMessageResponse{
		Message:          "Broadcast message retrieved successfully",
		BroadcastMessage: ToBroadcastMessageDTO(message),
		Events:           make([]dto.BroadcastEventDTO, 0, len(events)),
	}
	for _, e := range events {
		resp.Events = append(resp.Events, ToBroadcastEventDTO(e, s.emailDomain))
	}
	return resp, nil
}

// ListMessages returns a page of a service's messages, newest first
func (s *BroadcastMessageFlowImpl) ListMessages(ctx context.Context, req *dto.ListBroadcastMessagesRequest) (*dto.ListBroadcastMessagesResponse, error) {
	serviceID, userID, err := parseServiceAndUser(req.ServiceID, req.UserID)
	if err != nil {
		return nil, NewBusinessError("INVALID_IDENTIFIER", "Invalid service or user id", err)
	}

	page, pageSize := req.Page, req.PageSize
	if page == 0 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = defaultPageSize
	}
	if page < 1 {
		return nil, NewBusinessError("INVALID_PAGINATION", "Invalid pagination", ErrInvalidPage)
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return nil, NewBusinessError("INVALID_PAGINATION", "Invalid pagination", ErrInvalidPageSize)
	}

	if err := s.requireReader(ctx, serviceID, userID); err != nil {
		return nil, err
	}

	total, err := s.messageRepo.Count(ctx, models.BroadcastMessageFilter{ServiceID: &serviceID})
	if err != nil {
		return nil, NewBusinessError("BROADCAST_LIST_FAILED", "Failed to list broadcast messages", err)
	}
	messages, err := s.messageRepo.ListByService(ctx, serviceID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, NewBusinessError("BROADCAST_LIST_FAILED", "Failed to list broadcast messages", err)
	}

	resp := &dto.ListBroadcastMessagesResponse{
		BroadcastMessages: make([]dto.BroadcastMessageDTO, 0, len(messages)),
		Pagination: dto.PaginationInfo{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: int(math.Ceil(float64(total) / float64(pageSize))),
		},
	}
	for _, m := range messages {
		resp.BroadcastMessages = append(resp.BroadcastMessages, ToBroadcastMessageDTO(m))
	}
	return resp, nil
}

func (s *BroadcastMessageFlowImpl) getMessage(ctx context.Context, serviceID, messageID uuid.UUID) (*models.BroadcastMessage, error) {
	message, err := s.messageRepo.ByIDForService(ctx, serviceID, messageID)
	if err != nil {
		return nil, NewBusinessError("BROADCAST_LOOKUP_FAILED", "Failed to lookup broadcast message", err)
	}
	if message == nil {
		return nil, NewBusinessError("BROADCAST_NOT_FOUND", "Broadcast message not found", ErrBroadcastMessageNotFound)
	}
	return message, nil
}

// memberService loads the service and requires userID to belong to it
func (s *BroadcastMessageFlowImpl) memberService(ctx context.Context, serviceID, userID uuid.UUID) (*models.Service, error) {
	service, err := s.serviceRepo.ByID(ctx, serviceID)
	if err != nil {
		return nil, NewBusinessError("SERVICE_LOOKUP_FAILED", "Failed to lookup service", err)
	}
	if service == nil {
		return nil, NewBusinessError("SERVICE_NOT_FOUND", "Service not found", ErrServiceNotFound)
	}

	member, err := s.serviceRepo.IsMember(ctx, serviceID, userID)
	if err != nil {
		return nil, NewBusinessError("MEMBERSHIP_LOOKUP_FAILED", "Failed to check service membership", err)
	}
	if !member {
		return nil, NewBusinessError("USER_NOT_IN_SERVICE", "User is not a member of the service", ErrUserNotInService)
	}
	return service, nil
}

// requireReader lets members and platform admins read a service's broadcasts
func (s *BroadcastMessageFlowImpl) requireReader(ctx context.Context, serviceID, userID uuid.UUID) error {
	return requireReader(ctx, s.userRepo, s.serviceRepo, serviceID, userID)
}

func (s *BroadcastMessageFlowImpl) resolveActor(ctx context.Context, serviceID, userID uuid.UUID) (Actor, error) {
	return resolveActor(ctx, s.userRepo, s.serviceRepo, serviceID, userID)
}

func requireReader(ctx context.Context, userRepo repository.UserRepository, serviceRepo repository.ServiceRepository, serviceID, userID uuid.UUID) error {
	actor, err := resolveActor(ctx, userRepo, serviceRepo, serviceID, userID)
	if err != nil {
		return err
	}
	if !actor.InService && !actor.PlatformAdmin {
		return NewBusinessError("USER_NOT_IN_SERVICE", "User is not a member of the service", ErrUserNotInService)
	}
	return nil
}

func resolveActor(ctx context.Context, userRepo repository.UserRepository, serviceRepo repository.ServiceRepository, serviceID, userID uuid.UUID) (Actor, error) {
	user, err := userRepo.ByID(ctx, userID)
	if err != nil {
		return Actor{}, NewBusinessError("USER_LOOKUP_FAILED", "Failed to lookup user", err)
	}
	if user == nil || !user.IsActive {
		return Actor{}, NewBusinessError("USER_NOT_FOUND", "User not found", ErrUserNotFound)
	}

	member, err := serviceRepo.IsMember(ctx, serviceID, userID)
	if err != nil {
		return Actor{}, NewBusinessError("MEMBERSHIP_LOOKUP_FAILED", "Failed to check service membership", err)
	}

	return Actor{UserID: user.ID, PlatformAdmin: user.PlatformAdmin, InService: member}, nil
}

func (s *BroadcastMessageFlowImpl) updateWithVersion(ctx context.Context, message *models.BroadcastMessage) error {
	err := s.messageRepo.UpdateWithVersion(ctx, message)
	if errors.Is(err, repository.ErrVersionConflict) {
		return ErrTransitionConflict
	}
	return err
}

func transitionErrorCode(err error) string {
	switch {
	case IsInvalidBroadcastStatus(err):
		return "INVALID_BROADCAST_STATUS"
	case IsUserNotInService(err):
		return "USER_NOT_IN_SERVICE"
	case IsIllegalTransition(err):
		return "ILLEGAL_TRANSITION"
	case IsSelfApproval(err):
		return "SELF_APPROVAL"
	case IsNoSimplePolygons(err):
		return "NO_SIMPLE_POLYGONS"
	default:
		return "BROADCAST_TRANSITION_DENIED"
	}
}

func parseServiceAndUser(serviceID, userID string) (uuid.UUID, uuid.UUID, error) {
	sid, err := utils.ParseUUID(serviceID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("service id: %w", err)
	}
	uid, err := utils.ParseUUID(userID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("user id: %w", err)
	}
	return sid, uid, nil
}

func validateWindow(startsAt, finishesAt *time.Time) error {
	if startsAt != nil && finishesAt != nil && !finishesAt.After(*startsAt) {
		return ErrFinishesBeforeStarts
	}
	return nil
}

func copyPersonalisation(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
