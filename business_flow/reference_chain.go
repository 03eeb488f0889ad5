package businessflow

import (
	"context"
	"fmt"

	"github.com/amirphl/broadcast-core/models"
	"github.com/amirphl/broadcast-core/repository"
)

// ReferenceChainResolver returns, oldest first, the provider messages an event refers back to for one provider
type ReferenceChainResolver interface {
	Resolve(ctx context.Context, event *models.BroadcastEvent, provider models.BroadcastProvider) ([]*models.BroadcastProviderMessage, error)
}

// ReferenceChainResolverImpl implements ReferenceChainResolver
type ReferenceChainResolverImpl struct {
	eventRepo           repository.BroadcastEventRepository
	providerMessageRepo repository.BroadcastProviderMessageRepository
}

func NewReferenceChainResolver(eventRepo repository.BroadcastEventRepository, providerMessageRepo repository.BroadcastProviderMessageRepository) ReferenceChainResolver {
	return &ReferenceChainResolverImpl{
		eventRepo:           eventRepo,
		providerMessageRepo: providerMessageRepo,
	}
}

// Resolve fails with a *ReferenceChainError on the first earlier event that has no acknowledged
// provider message for provider. It never returns a partial chain.
func (r *ReferenceChainResolverImpl) Resolve(ctx context.Context, event *models.BroadcastEvent, provider models.BroadcastProvider) ([]*models.BroadcastProviderMessage, error) {
	earlier, err := r.eventRepo.ListEarlier(ctx, event.BroadcastMessageID, event.SentAt)
	if err != nil {
		return nil, fmt.Errorf("failed to list earlier events of %s: %w", event.ID, err)
	}

	chain := make([]*models.BroadcastProviderMessage, 0, len(earlier))
	for _, prior := range earlier {
		if prior.ID == event.ID {
			continue
		}

		pm, err := r.providerMessageRepo.ByEventAndProvider(ctx, prior.ID, provider)
		if err != nil {
			return nil, fmt.Errorf("failed to load provider message of event %s: %w", prior.ID, err)
		}
		if pm == nil {
			return nil, &ReferenceChainError{EventID: event.ID, PriorEventID: prior.ID, Provider: provider, Err: ErrReferenceChainGap}
		}
		if pm.Status != models.ProviderMessageStatusReturnedAck {
			return nil, &ReferenceChainError{
				EventID:      event.ID,
				PriorEventID: prior.ID,
				Provider:     provider,
				Err:          fmt.Errorf("%w: status %s", ErrReferenceChainNotAcknowledged, pm.Status),
			}
		}
		chain = append(chain, pm)
	}

	return chain, nil
}
