package businessflow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/broadcast-core/app/services"
	"github.com/amirphl/broadcast-core/models"
	"github.com/amirphl/broadcast-core/repository"
	"github.com/google/uuid"
)

// memStore backs every fake repository so rows written through one are visible to the others
type memStore struct {
	mu               sync.Mutex
	messages         map[uuid.UUID]models.BroadcastMessage
	events           map[uuid.UUID]models.BroadcastEvent
	providerMessages map[uuid.UUID]models.BroadcastProviderMessage
	numbers          map[uuid.UUID]models.BroadcastProviderMessageNumber
	services         map[uuid.UUID]models.Service
	members          map[[2]uuid.UUID]bool
	settings         map[uuid.UUID]models.ServiceBroadcastSettings
	users            map[uuid.UUID]models.User
	templates        map[uuid.UUID]models.Template
	audits           []models.AuditLog
	counters         map[string]int64

	// failures injected by tests, keyed by operation name
	fail map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		messages:         make(map[uuid.UUID]models.BroadcastMessage),
		events:           make(map[uuid.UUID]models.BroadcastEvent),
		providerMessages: make(map[uuid.UUID]models.BroadcastProviderMessage),
		numbers:          make(map[uuid.UUID]models.BroadcastProviderMessageNumber),
		services:         make(map[uuid.UUID]models.Service),
		members:          make(map[[2]uuid.UUID]bool),
		settings:         make(map[uuid.UUID]models.ServiceBroadcastSettings),
		users:            make(map[uuid.UUID]models.User),
		templates:        make(map[uuid.UUID]models.Template),
		counters:         make(map[string]int64),
		fail:             make(map[string]error),
	}
}

func (s *memStore) failWith(op string, err error) {
	s.mu.Lock()
	s.fail[op] = err
	s.mu.Unlock()
}

func (s *memStore) injected(op string) error {
	return s.fail[op]
}

func (s *memStore) auditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.audits))
	for _, a := range s.audits {
		out = append(out, a.Action)
	}
	return out
}

func (s *memStore) providerMessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.providerMessages)
}

func (s *memStore) withNumber(pm models.BroadcastProviderMessage) *models.BroadcastProviderMessage {
	if n, ok := s.numbers[pm.ID]; ok {
		pm.MessageNumber = &n
	}
	return &pm
}

// fakeTransactor runs fn directly; the store applies writes immediately
type fakeTransactor struct {
	store *memStore
}

func (t *fakeTransactor) WithTransaction(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type fakeMessageRepo struct{ s *memStore }

func (r *fakeMessageRepo) ByID(ctx context.Context, id uuid.UUID) (*models.BroadcastMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (r *fakeMessageRepo) ByFilter(ctx context.Context, filter models.BroadcastMessageFilter, orderBy string, limit, offset int) ([]*models.BroadcastMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.BroadcastMessage
	for _, m := range r.s.messages {
		if filter.ServiceID != nil && m.ServiceID != *filter.ServiceID {
			continue
		}
		m := m
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeMessageRepo) Save(ctx context.Context, m *models.BroadcastMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("message.save"); err != nil {
		return err
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	r.s.messages[m.ID] = *m
	return nil
}

func (r *fakeMessageRepo) Count(ctx context.Context, filter models.BroadcastMessageFilter) (int64, error) {
	all, _ := r.ByFilter(ctx, filter, "", 0, 0)
	return int64(len(all)), nil
}

func (r *fakeMessageRepo) ByIDForService(ctx context.Context, serviceID, id uuid.UUID) (*models.BroadcastMessage, error) {
	m, err := r.ByID(ctx, id)
	if err != nil || m == nil || m.ServiceID != serviceID {
		return nil, err
	}
	return m, nil
}

func (r *fakeMessageRepo) ListByService(ctx context.Context, serviceID uuid.UUID, limit, offset int) ([]*models.BroadcastMessage, error) {
	return r.ByFilter(ctx, models.BroadcastMessageFilter{ServiceID: &serviceID}, "created_at DESC", limit, offset)
}

func (r *fakeMessageRepo) UpdateWithVersion(ctx context.Context, m *models.BroadcastMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.messages[m.ID]
	if !ok || stored.Version != m.Version {
		return repository.ErrVersionConflict
	}
	now := time.Now().UTC()
	m.Version++
	m.UpdatedAt = &now
	r.s.messages[m.ID] = *m
	return nil
}

type fakeEventRepo struct{ s *memStore }

func (r *fakeEventRepo) ByID(ctx context.Context, id uuid.UUID) (*models.BroadcastEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.events[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (r *fakeEventRepo) Save(ctx context.Context, e *models.BroadcastEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("event.save"); err != nil {
		return err
	}
	if _, exists := r.s.events[e.ID]; exists {
		return errors.New("broadcast event is immutable")
	}
	r.s.events[e.ID] = *e
	return nil
}

func (r *fakeEventRepo) sorted(messageID uuid.UUID, keep func(models.BroadcastEvent) bool) []*models.BroadcastEvent {
	var out []*models.BroadcastEvent
	for _, e := range r.s.events {
		if e.BroadcastMessageID != messageID || !keep(e) {
			continue
		}
		e := e
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out
}

func (r *fakeEventRepo) ListByMessage(ctx context.Context, messageID uuid.UUID) ([]*models.BroadcastEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	events := r.sorted(messageID, func(models.BroadcastEvent) bool { return true })
	for _, e := range events {
		for _, pm := range r.s.providerMessages {
			if pm.BroadcastEventID == e.ID {
				e.ProviderMessages = append(e.ProviderMessages, *r.s.withNumber(pm))
			}
		}
	}
	return events, nil
}

func (r *fakeEventRepo) ListEarlier(ctx context.Context, messageID uuid.UUID, sentAt time.Time) ([]*models.BroadcastEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.sorted(messageID, func(e models.BroadcastEvent) bool { return e.SentAt.Before(sentAt) }), nil
}

type fakeProviderMessageRepo struct{ s *memStore }

func (r *fakeProviderMessageRepo) ByID(ctx context.Context, id uuid.UUID) (*models.BroadcastProviderMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	pm, ok := r.s.providerMessages[id]
	if !ok {
		return nil, nil
	}
	return r.s.withNumber(pm), nil
}

func (r *fakeProviderMessageRepo) ByEventAndProvider(ctx context.Context, eventID uuid.UUID, provider models.BroadcastProvider) (*models.BroadcastProviderMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, pm := range r.s.providerMessages {
		if pm.BroadcastEventID == eventID && pm.Provider == provider {
			return r.s.withNumber(pm), nil
		}
	}
	return nil, nil
}

func (r *fakeProviderMessageRepo) ListByEvent(ctx context.Context, eventID uuid.UUID) ([]*models.BroadcastProviderMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.BroadcastProviderMessage
	for _, pm := range r.s.providerMessages {
		if pm.BroadcastEventID == eventID {
			out = append(out, r.s.withNumber(pm))
		}
	}
	return out, nil
}

func (r *fakeProviderMessageRepo) CreateIfAbsent(ctx context.Context, pm *models.BroadcastProviderMessage) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("provider_message.create"); err != nil {
		return false, err
	}
	for _, existing := range r.s.providerMessages {
		if existing.BroadcastEventID == pm.BroadcastEventID && existing.Provider == pm.Provider {
			return false, nil
		}
	}
	if pm.ID == uuid.Nil {
		pm.ID = uuid.New()
	}
	if pm.CreatedAt.IsZero() {
		pm.CreatedAt = time.Now().UTC()
	}
	stored := *pm
	stored.MessageNumber = nil
	r.s.providerMessages[pm.ID] = stored
	return true, nil
}

func (r *fakeProviderMessageRepo) SaveNumber(ctx context.Context, n *models.BroadcastProviderMessageNumber) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.numbers[n.BroadcastProviderMessageID] = *n
	return nil
}

func (r *fakeProviderMessageRepo) Claim(ctx context.Context, id uuid.UUID, now, staleBefore time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("provider_message.claim"); err != nil {
		return false, err
	}
	pm, ok := r.s.providerMessages[id]
	if !ok || pm.Status != models.ProviderMessageStatusSending {
		return false, nil
	}
	if pm.ClaimedAt != nil && !pm.ClaimedAt.Before(staleBefore) {
		return false, nil
	}
	pm.ClaimedAt = &now
	r.s.providerMessages[id] = pm
	return true, nil
}

func (r *fakeProviderMessageRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status models.ProviderMessageStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("provider_message.update_status"); err != nil {
		return false, err
	}
	pm, ok := r.s.providerMessages[id]
	if !ok {
		return false, errors.New("provider message not found")
	}
	if pm.Status != models.ProviderMessageStatusSending {
		return false, nil
	}
	now := time.Now().UTC()
	pm.Status = status
	pm.UpdatedAt = &now
	r.s.providerMessages[id] = pm
	return true, nil
}

type fakeServiceRepo struct{ s *memStore }

func (r *fakeServiceRepo) ByID(ctx context.Context, id uuid.UUID) (*models.Service, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	svc, ok := r.s.services[id]
	if !ok {
		return nil, nil
	}
	return &svc, nil
}

func (r *fakeServiceRepo) Save(ctx context.Context, svc *models.Service) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if svc.ID == uuid.Nil {
		svc.ID = uuid.New()
	}
	r.s.services[svc.ID] = *svc
	return nil
}

func (r *fakeServiceRepo) IsMember(ctx context.Context, serviceID, userID uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.members[[2]uuid.UUID{serviceID, userID}], nil
}

func (r *fakeServiceRepo) AddMember(ctx context.Context, serviceID, userID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.members[[2]uuid.UUID{serviceID, userID}] = true
	return nil
}

func (r *fakeServiceRepo) BroadcastSettings(ctx context.Context, serviceID uuid.UUID) (*models.ServiceBroadcastSettings, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.settings[serviceID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (r *fakeServiceRepo) SaveBroadcastSettings(ctx context.Context, st *models.ServiceBroadcastSettings) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.settings[st.ServiceID] = *st
	return nil
}

type fakeUserRepo struct{ s *memStore }

func (r *fakeUserRepo) ByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (r *fakeUserRepo) Save(ctx context.Context, u *models.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	r.s.users[u.ID] = *u
	return nil
}

type fakeTemplateRepo struct{ s *memStore }

func (r *fakeTemplateRepo) ByIDForService(ctx context.Context, serviceID, id uuid.UUID) (*models.Template, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.templates[id]
	if !ok || t.ServiceID != serviceID {
		return nil, nil
	}
	return &t, nil
}

func (r *fakeTemplateRepo) Save(ctx context.Context, t *models.Template) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Version == 0 {
		t.Version = 1
	}
	r.s.templates[t.ID] = *t
	return nil
}

type fakeAuditRepo struct{ s *memStore }

func (r *fakeAuditRepo) Save(ctx context.Context, a *models.AuditLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("audit.save"); err != nil {
		return err
	}
	r.s.audits = append(r.s.audits, *a)
	return nil
}

func (r *fakeAuditRepo) filter(keep func(models.AuditLog) bool, limit, offset int) []*models.AuditLog {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.AuditLog
	for _, a := range r.s.audits {
		if keep(a) {
			a := a
			out = append(out, &a)
		}
	}
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

func (r *fakeAuditRepo) ListByMessage(ctx context.Context, messageID uuid.UUID, limit, offset int) ([]*models.AuditLog, error) {
	return r.filter(func(a models.AuditLog) bool { return a.MessageID != nil && *a.MessageID == messageID }, limit, offset), nil
}

type fakeCounterRepo struct{ s *memStore }

func (r *fakeCounterRepo) Next(ctx context.Context, name string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("counter.next"); err != nil {
		return 0, err
	}
	r.s.counters[name]++
	return r.s.counters[name], nil
}

func (r *fakeCounterRepo) Current(ctx context.Context, name string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.counters[name], nil
}

// recordingQueue is a memory queue that also remembers every enqueued event
type recordingQueue struct {
	*services.MemoryDispatchQueue
	mu     sync.Mutex
	events []uuid.UUID
	err    error
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{MemoryDispatchQueue: services.NewMemoryDispatchQueue()}
}

func (q *recordingQueue) Enqueue(ctx context.Context, eventID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, eventID)
	return q.MemoryDispatchQueue.Enqueue(ctx, eventID)
}

func (q *recordingQueue) enqueued() []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]uuid.UUID(nil), q.events...)
}
