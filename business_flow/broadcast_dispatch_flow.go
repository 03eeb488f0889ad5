package businessflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/amirphl/broadcast-core/app/services"
	"github.com/amirphl/broadcast-core/models"
	"github.com/amirphl/broadcast-core/repository"
	"github.com/amirphl/broadcast-core/utils"
	"github.com/google/uuid"
)

// LiveEnvironment is the APP_ENV of production
const LiveEnvironment = "live"

// DispatchConfig is the slice of configuration the coordinator needs
type DispatchConfig struct {
	Environment      string
	EnabledProviders []models.BroadcastProvider
	StubEnvironments []string
	ProxyEnabled     bool
	EmailDomain      string
	TransportTimeout time.Duration
}

// ProviderDispatchResult is the outcome of one provider's attempt
type ProviderDispatchResult struct {
	Provider          models.BroadcastProvider
	ProviderMessageID uuid.UUID
	MessageNumber     string
	Status            models.ProviderMessageStatus
	// AlreadyDelivered is set when an earlier attempt was acknowledged and nothing was sent
	AlreadyDelivered bool
	// InFlight is set when another dispatcher holds the claim on this provider message
	InFlight bool
	Err              error
	// Retryable marks infrastructure errors; transport outcomes and guard failures are final
	Retryable bool
}

// Failed reports whether the provider did not end up acknowledged
func (r ProviderDispatchResult) Failed() bool {
	if r.InFlight {
		return false
	}
	return r.Err != nil || r.Status != models.ProviderMessageStatusReturnedAck
}

// DispatchResult aggregates one Dispatch call
type DispatchResult struct {
	EventID       uuid.UUID
	Suppressed    bool
	ProxyDisabled bool
	Providers     []ProviderDispatchResult
	// AllFailed is true when every eligible provider failed; the event is then undelivered
	AllFailed bool
}

// LinkTestResult reports one link test
type LinkTestResult struct {
	Identifier    uuid.UUID
	Provider      models.BroadcastProvider
	MessageNumber string
	Outcome       services.TransmissionOutcome
}

// BroadcastDispatchFlow fans a broadcast event out to the providers
type BroadcastDispatchFlow interface {
	Dispatch(ctx context.Context, eventID uuid.UUID) (*DispatchResult, error)
	RecordDeliveryOutcome(ctx context.Context, providerMessageID uuid.UUID, outcome services.TransmissionOutcome, metadata *ClientMetadata) (*models.BroadcastProviderMessage, error)
	TriggerLinkTest(ctx context.Context, provider models.BroadcastProvider, actorID *uuid.UUID, metadata *ClientMetadata) (*LinkTestResult, error)
}

// BroadcastDispatchFlowImpl implements BroadcastDispatchFlow
type BroadcastDispatchFlowImpl struct {
	messageRepo         repository.BroadcastMessageRepository
	eventRepo           repository.BroadcastEventRepository
	providerMessageRepo repository.BroadcastProviderMessageRepository
	serviceRepo         repository.ServiceRepository
	auditRepo           repository.AuditLogRepository
	tx                  repository.Transactor
	numbering           ProviderMessageNumbering
	resolver            ReferenceChainResolver
	proxy               services.CBCProxyClient
	notifier            services.NotificationService
	cfg                 DispatchConfig
	now                 Clock
	logger              *log.Logger
}

// NewBroadcastDispatchFlow creates a new dispatch coordinator
func NewBroadcastDispatchFlow(
	messageRepo repository.BroadcastMessageRepository,
	eventRepo repository.BroadcastEventRepository,
	providerMessageRepo repository.BroadcastProviderMessageRepository,
	serviceRepo repository.ServiceRepository,
	auditRepo repository.AuditLogRepository,
	tx repository.Transactor,
	numbering ProviderMessageNumbering,
	proxy services.CBCProxyClient,
	notifier services.NotificationService,
	cfg DispatchConfig,
	now Clock,
	logger *log.Logger,
) BroadcastDispatchFlow {
	if now == nil {
		now = utils.UTCNow
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.TransportTimeout <= 0 {
		cfg.TransportTimeout = 30 * time.Second
	}
	return &BroadcastDispatchFlowImpl{
		messageRepo:         messageRepo,
		eventRepo:           eventRepo,
		providerMessageRepo: providerMessageRepo,
		serviceRepo:         serviceRepo,
		auditRepo:           auditRepo,
		tx:                  tx,
		numbering:           numbering,
		resolver:            NewReferenceChainResolver(eventRepo, providerMessageRepo),
		proxy:               proxy,
		notifier:            notifier,
		cfg:                 cfg,
		now:                 now,
		logger:              logger,
	}
}

// Dispatch sends event eventID to every eligible provider concurrently. Calling it again for the same
// event is safe: acknowledged providers are skipped, a provider message claimed by another dispatcher is
// left to it, and one whose claim lapsed is resent with its number.
// The returned error is non-nil only for infrastructure failures and in-flight providers, both worth retrying.
func (f *BroadcastDispatchFlowImpl) Dispatch(ctx context.Context, eventID uuid.UUID) (*DispatchResult, error) {
	event, err := f.eventRepo.ByID(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load broadcast event %s: %w", eventID, err)
	}
	if event == nil {
		return nil, ErrBroadcastEventNotFound
	}

	message, err := f.messageRepo.ByID(ctx, event.BroadcastMessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load broadcast message %s: %w", event.BroadcastMessageID, err)
	}
	if message == nil {
		return nil, ErrBroadcastMessageNotFound
	}

	result := &DispatchResult{EventID: event.ID}

	if message.Stubbed && !slices.Contains(f.cfg.StubEnvironments, f.cfg.Environment) {
		dispatchSuppressedTotal.Inc()
		f.logger.Printf("dispatch: event %s of stubbed message %s not sent in %s", event.ID, message.ID, f.cfg.Environment)
		result.Suppressed = true
		return result, nil
	}

	if !f.cfg.ProxyEnabled {
		f.logger.Printf("dispatch: CBC proxy disabled, not sending broadcast event %s", event.ID)
		result.ProxyDisabled = true
		return result, nil
	}

	settings, err := f.serviceRepo.BroadcastSettings(ctx, event.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load broadcast settings of service %s: %w", event.ServiceID, err)
	}

	providers := settings.AllowedProviders(f.cfg.EnabledProviders)
	if len(providers) == 0 {
		return nil, ErrNoEligibleProviders
	}

	if f.cfg.Environment == LiveEnvironment && event.MessageType == models.BroadcastMessageTypeAlert {
		f.notifyOnCall(ctx, message, settings.ChannelOrDefault())
	}

	channel := settings.ChannelOrDefault()
	result.Providers = make([]ProviderDispatchResult, len(providers))

	var wg sync.WaitGroup
	for i, provider := range providers {
		wg.Add(1)
		go func(i int, provider models.BroadcastProvider) {
			defer wg.Done()
			result.Providers[i] = f.dispatchToProvider(ctx, event, provider, channel)
		}(i, provider)
	}
	wg.Wait()

	var retryable []error
	result.AllFailed = true
	for _, pr := range result.Providers {
		if !pr.Failed() {
			result.AllFailed = false
		}
		if pr.Retryable {
			retryable = append(retryable, fmt.Errorf("%s: %w", pr.Provider, pr.Err))
		}
	}

	if result.AllFailed {
		f.logger.Printf("dispatch: broadcast event %s was not delivered to any provider", event.ID)
	}

	return result, errors.Join(retryable...)
}

func (f *BroadcastDispatchFlowImpl) dispatchToProvider(ctx context.Context, event *models.BroadcastEvent, provider models.BroadcastProvider, channel models.BroadcastChannel) (res ProviderDispatchResult) {
	start := time.Now()
	res.Provider = provider
	defer func() {
		dispatchDuration.WithLabelValues(provider.String()).Observe(time.Since(start).Seconds())
		if res.Err != nil && res.Status == "" {
			providerMessagesTotal.WithLabelValues(provider.String(), "not_sent").Inc()
		}
	}()

	existing, err := f.providerMessageRepo.ByEventAndProvider(ctx, event.ID, provider)
	if err != nil {
		res.Err, res.Retryable = err, true
		return res
	}
	if existing != nil {
		res.ProviderMessageID = existing.ID
		res.MessageNumber = existing.FormattedNumber()
		switch existing.Status {
		case models.ProviderMessageStatusReturnedAck:
			res.Status = existing.Status
			res.AlreadyDelivered = true
			return res
		case models.ProviderMessageStatusSending:
		default:
			res.Status = existing.Status
			res.Err = fmt.Errorf("%w: event %s to %s is %s", ErrProviderMessageFinalised, event.ID, provider, existing.Status)
			return res
		}
	}

	if event.IsExpiredAt(f.now()) {
		res.Err = fmt.Errorf("%w: event %s expired at %s", ErrBroadcastExpired, event.ID, utils.FormatCAPDatetimePtr(event.TransmittedFinishesAt))
		return res
	}

	chain, err := f.resolver.Resolve(ctx, event, provider)
	if err != nil {
		if rce, ok := AsReferenceChainError(err); ok {
			referenceChainFailuresTotal.WithLabelValues(provider.String()).Inc()
			f.logger.Printf("dispatch: REFERENCE CHAIN BROKEN for event %s at %s by event %s: %v", rce.EventID, rce.Provider, rce.PriorEventID, rce.Err)
			res.Err = err
			return res
		}
		res.Err, res.Retryable = err, true
		return res
	}

	now := f.now()
	pm, claimed := existing, false
	if pm == nil {
		pm, claimed, err = f.createProviderMessage(ctx, event.ID, provider, now)
		if err != nil {
			res.Err, res.Retryable = err, true
			return res
		}
	}
	if !claimed {
		claimed, err = f.providerMessageRepo.Claim(ctx, pm.ID, now, now.Add(-f.cfg.TransportTimeout))
		if err != nil {
			res.Err, res.Retryable = err, true
			return res
		}
	}
	res.ProviderMessageID = pm.ID
	if !claimed {
		f.logger.Printf("dispatch: broadcast event %s to %s is being sent by another dispatcher", event.ID, provider)
		res.MessageNumber = pm.FormattedNumber()
		res.Status = models.ProviderMessageStatusSending
		res.InFlight = true
		res.Err = fmt.Errorf("%w: event %s to %s", ErrProviderMessageInFlight, event.ID, provider)
		res.Retryable = true
		return res
	}
	if pm.MessageNumber == nil {
		if err := f.assignNumber(ctx, pm); err != nil {
			res.Err, res.Retryable = err, true
			return res
		}
	}
	res.MessageNumber = pm.FormattedNumber()

	req := f.transmissionRequest(event, pm, chain, channel)
	f.logger.Printf("dispatch: invoking cbc proxy to send broadcast event %s msgType %s to %s", event.Reference(f.cfg.EmailDomain), event.MessageType, provider)

	sendCtx, cancel := context.WithTimeout(ctx, f.cfg.TransportTimeout)
	outcome, sendErr := f.proxy.Send(sendCtx, req)
	if outcome != services.TransmissionAck && errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
		outcome = services.TransmissionTimeout
	}
	cancel()
	if sendErr != nil {
		f.logger.Printf("dispatch: %s %s for broadcast event %s: %v", provider, outcome, event.ID, sendErr)
	}

	status := outcome.ProviderMessageStatus()
	updated, err := f.providerMessageRepo.UpdateStatus(ctx, pm.ID, status)
	if err != nil {
		res.Err, res.Retryable = err, true
		return res
	}
	if !updated {
		// a delivery callback finalised the row while the proxy call was running
		stored, err := f.providerMessageRepo.ByID(ctx, pm.ID)
		if err != nil {
			res.Err, res.Retryable = err, true
			return res
		}
		if stored != nil {
			f.logger.Printf("dispatch: %s for broadcast event %s was already recorded as %s, keeping it over %s", provider, event.ID, stored.Status, status)
			status = stored.Status
		}
	} else {
		providerMessagesTotal.WithLabelValues(provider.String(), status.String()).Inc()
	}

	res.Status = status
	switch {
	case status == models.ProviderMessageStatusReturnedAck:
	case sendErr != nil:
		res.Err = sendErr
	default:
		res.Err = fmt.Errorf("provider %s returned %s", provider, status)
	}
	return res
}

// createProviderMessage inserts the (event, provider) row in sending, claimed by this call, and binds a fresh
// number to it. A concurrent dispatcher that lost the insert race gets the winner's row and claimed=false.
func (f *BroadcastDispatchFlowImpl) createProviderMessage(ctx context.Context, eventID uuid.UUID, provider models.BroadcastProvider, now time.Time) (pm *models.BroadcastProviderMessage, claimed bool, err error) {
	err = f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		candidate := &models.BroadcastProviderMessage{
			BroadcastEventID: eventID,
			Provider:         provider,
			Status:           models.ProviderMessageStatusSending,
			ClaimedAt:        &now,
		}
		created, err := f.providerMessageRepo.CreateIfAbsent(txCtx, candidate)
		if err != nil {
			return err
		}
		if !created {
			pm, err = f.providerMessageRepo.ByEventAndProvider(txCtx, eventID, provider)
			if err != nil {
				return err
			}
			if pm == nil {
				return ErrProviderMessageNotFound
			}
			return nil
		}
		pm, claimed = candidate, true
		return f.assignNumber(txCtx, pm)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create provider message for event %s and %s: %w", eventID, provider, err)
	}

	return pm, claimed, nil
}

func (f *BroadcastDispatchFlowImpl) assignNumber(ctx context.Context, pm *models.BroadcastProviderMessage) error {
	value, err := f.numbering.Allocate(ctx)
	if err != nil {
		return fmt.Errorf("failed to allocate provider message number: %w", err)
	}
	number := &models.BroadcastProviderMessageNumber{Number: value, BroadcastProviderMessageID: pm.ID}
	if err := f.providerMessageRepo.SaveNumber(ctx, number); err != nil {
		return err
	}
	pm.MessageNumber = number
	return nil
}

func (f *BroadcastDispatchFlowImpl) transmissionRequest(event *models.BroadcastEvent, pm *models.BroadcastProviderMessage, chain []*models.BroadcastProviderMessage, channel models.BroadcastChannel) services.TransmissionRequest {
	req := services.TransmissionRequest{
		Provider:      pm.Provider,
		MessageType:   event.MessageType.String(),
		Identifier:    pm.ID.String(),
		MessageNumber: pm.FormattedNumber(),
		Headline:      utils.BroadcastHeadline,
		Description:   event.Body(),
		Polygons:      event.Areas().SimplePolygons,
		Sent:          utils.FormatCAPDatetime(event.SentAt),
		Expires:       utils.FormatCAPDatetimePtr(event.TransmittedFinishesAt),
		Channel:       channel,
	}
	for _, prior := range chain {
		req.References = append(req.References, services.TransmissionReference{
			MessageID:     prior.ID.String(),
			MessageNumber: prior.FormattedNumber(),
			Sent:          utils.FormatCAPDatetime(prior.CreatedAt),
		})
	}
	return req
}

// notifyOnCall reports a live alert to the on-call team; a failure is logged and does not stop the dispatch
func (f *BroadcastDispatchFlowImpl) notifyOnCall(ctx context.Context, message *models.BroadcastMessage, channel models.BroadcastChannel) {
	if f.notifier == nil {
		return
	}
	notice := services.LiveBroadcastNotice{
		ServiceID: message.ServiceID,
		MessageID: message.ID,
		Channel:   channel,
		Areas:     message.Areas.Areas,
		Content:   message.Content,
	}
	if err := f.notifier.NotifyLiveBroadcast(ctx, notice); err != nil {
		f.logger.Printf("dispatch: failed to notify on-call of live broadcast %s: %v", message.ID, err)
	}
}

// RecordDeliveryOutcome stores an asynchronous outcome reported by a proxy for a message still in sending
func (f *BroadcastDispatchFlowImpl) RecordDeliveryOutcome(ctx context.Context, providerMessageID uuid.UUID, outcome services.TransmissionOutcome, metadata *ClientMetadata) (*models.BroadcastProviderMessage, error) {
	var pm *models.BroadcastProviderMessage

	err := f.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		pm, err = f.providerMessageRepo.ByID(txCtx, providerMessageID)
		if err != nil {
			return err
		}
		if pm == nil {
			return ErrProviderMessageNotFound
		}
		if pm.Status.IsFinal() {
			return fmt.Errorf("%w: %s is %s", ErrProviderMessageFinalised, pm.ID, pm.Status)
		}

		status := outcome.ProviderMessageStatus()
		updated, err := f.providerMessageRepo.UpdateStatus(txCtx, pm.ID, status)
		if err != nil {
			return err
		}
		if !updated {
			return fmt.Errorf("%w: %s was finalised concurrently", ErrProviderMessageFinalised, pm.ID)
		}
		pm.Status = status

		return createAuditLog(txCtx, f.auditRepo, auditEntry{
			action:      models.AuditActionBroadcastDeliveryOutcome,
			description: fmt.Sprintf("Provider %s reported %s for provider message %s", pm.Provider, outcome, pm.ID),
			success:     true,
			details: map[string]any{
				"provider_message_id": pm.ID.String(),
				"broadcast_event_id":  pm.BroadcastEventID.String(),
				"provider":            pm.Provider.String(),
				"status":              status.String(),
			},
		}, metadata)
	})
	if err != nil {
		if IsProviderMessageNotFound(err) || IsProviderMessageFinalised(err) {
			return nil, err
		}
		return nil, NewBusinessError("DELIVERY_OUTCOME_FAILED", "Failed to record delivery outcome", err)
	}

	providerMessagesTotal.WithLabelValues(pm.Provider.String(), pm.Status.String()).Inc()
	return pm, nil
}

// TriggerLinkTest opens a connection to a provider and sends it a test message. Vodafone needs a message number.
func (f *BroadcastDispatchFlowImpl) TriggerLinkTest(ctx context.Context, provider models.BroadcastProvider, actorID *uuid.UUID, metadata *ClientMetadata) (*LinkTestResult, error) {
	if !provider.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotEnabled, provider)
	}
	if !slices.Contains(f.cfg.EnabledProviders, provider) {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotEnabled, provider)
	}
	if !f.cfg.ProxyEnabled {
		return nil, ErrCBCProxyDisabled
	}

	result := &LinkTestResult{Identifier: uuid.New(), Provider: provider}
	if provider.MessageFormat() == models.MessageFormatIBAG {
		value, err := f.numbering.Allocate(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate link test number: %w", err)
		}
		result.MessageNumber = utils.FormatSequentialNumber(value)
	}

	f.logger.Printf("dispatch: sending a link test to CBC proxy for provider %s with ID %s", provider, result.Identifier)

	sendCtx, cancel := context.WithTimeout(ctx, f.cfg.TransportTimeout)
	defer cancel()
	outcome, sendErr := f.proxy.Send(sendCtx, services.TransmissionRequest{
		Provider:      provider,
		MessageType:   services.ProxyMessageTypeTest,
		Identifier:    result.Identifier.String(),
		MessageNumber: result.MessageNumber,
	})
	result.Outcome = outcome

	var errMsg *string
	if sendErr != nil {
		errMsg = utils.ToPtr(sendErr.Error())
	}
	if err := createAuditLog(ctx, f.auditRepo, auditEntry{
		actorID:     actorID,
		action:      models.AuditActionBroadcastLinkTest,
		description: fmt.Sprintf("Link test %s to %s: %s", result.Identifier, provider, outcome),
		success:     sendErr == nil,
		errorMsg:    errMsg,
		details:     map[string]any{"provider": provider.String(), "message_number": result.MessageNumber},
	}, metadata); err != nil {
		f.logger.Printf("dispatch: failed to audit link test %s: %v", result.Identifier, err)
	}

	if sendErr != nil {
		return result, fmt.Errorf("link test to %s failed: %w", provider, sendErr)
	}
	return result, nil
}
