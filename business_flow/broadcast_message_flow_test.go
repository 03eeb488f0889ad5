package businessflow

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/amirphl/broadcast-core/app/dto"
	"github.com/amirphl/broadcast-core/models"
	"github.com/amirphl/broadcast-core/repository"
	"github.com/amirphl/broadcast-core/utils"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type messageFixture struct {
	store    *memStore
	queue    *recordingQueue
	service  models.Service
	creator  models.User
	approver models.User
	outsider models.User
	admin    models.User
	messages BroadcastMessageFlow
	logs     bytes.Buffer
}

func newMessageFixture(t *testing.T, restricted bool) *messageFixture {
	t.Helper()
	ctx := context.Background()
	store := newMemStore()
	serviceRepo := &fakeServiceRepo{s: store}
	userRepo := &fakeUserRepo{s: store}

	f := &messageFixture{
		store:    store,
		queue:    newRecordingQueue(),
		service:  models.Service{ID: uuid.New(), Name: "Environment Agency", Restricted: restricted, Active: true},
		creator:  models.User{ID: uuid.New(), Name: "Creator", Email: "creator@example.gov", IsActive: true},
		approver: models.User{ID: uuid.New(), Name: "Approver", Email: "approver@example.gov", IsActive: true},
		outsider: models.User{ID: uuid.New(), Name: "Outsider", Email: "outsider@example.gov", IsActive: true},
		admin:    models.User{ID: uuid.New(), Name: "Admin", Email: "admin@example.gov", IsActive: true, PlatformAdmin: true},
	}
	t.Cleanup(f.queue.Close)

	require.NoError(t, serviceRepo.Save(ctx, &f.service))
	for _, u := range []*models.User{&f.creator, &f.approver, &f.outsider, &f.admin} {
		require.NoError(t, userRepo.Save(ctx, u))
	}
	require.NoError(t, serviceRepo.AddMember(ctx, f.service.ID, f.creator.ID))
	require.NoError(t, serviceRepo.AddMember(ctx, f.service.ID, f.approver.ID))

	f.messages = f.flowWith(&fakeMessageRepo{s: store})
	return f
}

func (f *messageFixture) flowWith(messageRepo repository.BroadcastMessageRepository) BroadcastMessageFlow {
	return NewBroadcastMessageFlow(
		messageRepo,
		&fakeEventRepo{s: f.store},
		&fakeServiceRepo{s: f.store},
		&fakeUserRepo{s: f.store},
		&fakeTemplateRepo{s: f.store},
		&fakeAuditRepo{s: f.store},
		&fakeTransactor{store: f.store},
		NewBroadcastStatusGuard(fixedClock),
		NewBroadcastEventFactory("", fixedClock),
		f.queue,
		"notifications.service.gov.uk",
		log.New(&f.logs, "", 0),
	)
}

// staleMessageRepo hands out a copy one version behind, as if another writer committed in between
type staleMessageRepo struct {
	*fakeMessageRepo
}

func (r *staleMessageRepo) ByIDForService(ctx context.Context, serviceID, id uuid.UUID) (*models.BroadcastMessage, error) {
	m, err := r.fakeMessageRepo.ByIDForService(ctx, serviceID, id)
	if m != nil {
		m.Version--
	}
	return m, err
}

func (f *messageFixture) create(t *testing.T) dto.BroadcastMessageDTO {
	t.Helper()
	resp, err := f.messages.CreateMessage(context.Background(), &dto.CreateBroadcastMessageRequest{
		ServiceID:      f.service.ID.String(),
		UserID:         f.creator.ID.String(),
		Content:        utils.ToPtr("Flood warning for the river Severn"),
		Reference:      utils.ToPtr("severn-flood"),
		Areas:          []string{"wd23-E05009372"},
		SimplePolygons: [][][]float64{{{52.1, -2.2}, {52.2, -2.2}, {52.2, -2.1}, {52.1, -2.2}}},
	}, NewClientMetadata("127.0.0.1", "test"))
	require.NoError(t, err)
	return resp.BroadcastMessage
}

func (f *messageFixture) transition(messageID string, user models.User, status models.BroadcastStatus) (*dto.BroadcastMessageResponse, error) {
	return f.messages.RequestTransition(context.Background(), &dto.UpdateBroadcastStatusRequest{
		ServiceID: f.service.ID.String(),
		MessageID: messageID,
		UserID:    user.ID.String(),
		Status:    string(status),
	}, NewClientMetadata("127.0.0.1", "test"))
}

func TestCreateMessage(t *testing.T) {
	t.Run("free text draft", func(t *testing.T) {
		f := newMessageFixture(t, true)
		msg := f.create(t)

		assert.Equal(t, models.BroadcastStatusDraft.String(), msg.Status)
		assert.True(t, msg.Stubbed, "restricted services create stubbed messages")
		assert.Equal(t, "severn-flood", *msg.Reference)
		assert.Equal(t, f.creator.ID.String(), *msg.CreatedByID)
		assert.Equal(t, 1, msg.Version)
		assert.Len(t, msg.Areas.SimplePolygons, 1)
		assert.Equal(t, []string{models.AuditActionBroadcastCreated}, f.store.auditActions())
	})

	t.Run("live service is not stubbed", func(t *testing.T) {
		f := newMessageFixture(t, false)
		assert.False(t, f.create(t).Stubbed)
	})

	t.Run("template is rendered", func(t *testing.T) {
		f := newMessageFixture(t, false)
		tpl := &models.Template{ServiceID: f.service.ID, Name: "flood", Content: "Flooding expected in ((area)) from ((Time))"}
		require.NoError(t, (&fakeTemplateRepo{s: f.store}).Save(context.Background(), tpl))

		resp, err := f.messages.CreateMessage(context.Background(), &dto.CreateBroadcastMessageRequest{
			ServiceID:       f.service.ID.String(),
			UserID:          f.creator.ID.String(),
			TemplateID:      utils.ToPtr(tpl.ID.String()),
			Personalisation: map[string]string{"area": "Worcester", "time": "6pm"},
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "Flooding expected in Worcester from 6pm", resp.BroadcastMessage.Content)
		assert.Nil(t, resp.BroadcastMessage.Reference)
		assert.Equal(t, tpl.ID.String(), *resp.BroadcastMessage.TemplateID)
		assert.Equal(t, 1, *resp.BroadcastMessage.TemplateVersion)
		assert.Equal(t, "Worcester", resp.BroadcastMessage.Personalisation["area"])
	})

	otherService := &models.Template{ServiceID: uuid.New(), Name: "elsewhere", Content: "hello"}

	tests := []struct {
		name  string
		req   func(f *messageFixture) *dto.CreateBroadcastMessageRequest
		check func(error) bool
	}{
		{
			name: "content and template",
			req: func(f *messageFixture) *dto.CreateBroadcastMessageRequest {
				return &dto.CreateBroadcastMessageRequest{Content: utils.ToPtr("x"), Reference: utils.ToPtr("r"), TemplateID: utils.ToPtr(uuid.NewString())}
			},
			check: func(err error) bool { return errors.Is(err, ErrContentAndTemplate) },
		},
		{
			name:  "neither content nor template",
			req:   func(f *messageFixture) *dto.CreateBroadcastMessageRequest { return &dto.CreateBroadcastMessageRequest{} },
			check: func(err error) bool { return errors.Is(err, ErrContentOrTemplateRequired) },
		},
		{
			name: "content without reference",
			req: func(f *messageFixture) *dto.CreateBroadcastMessageRequest {
				return &dto.CreateBroadcastMessageRequest{Content: utils.ToPtr("x")}
			},
			check: func(err error) bool { return errors.Is(err, ErrReferenceRequired) },
		},
		{
			name: "template of another service",
			req: func(f *messageFixture) *dto.CreateBroadcastMessageRequest {
				require.NoError(t, (&fakeTemplateRepo{s: f.store}).Save(context.Background(), otherService))
				return &dto.CreateBroadcastMessageRequest{TemplateID: utils.ToPtr(otherService.ID.String())}
			},
			check: IsTemplateNotFound,
		},
		{
			name: "missing personalisation",
			req: func(f *messageFixture) *dto.CreateBroadcastMessageRequest {
				tpl := &models.Template{ServiceID: f.service.ID, Name: "t", Content: "Go to ((place))"}
				require.NoError(t, (&fakeTemplateRepo{s: f.store}).Save(context.Background(), tpl))
				return &dto.CreateBroadcastMessageRequest{TemplateID: utils.ToPtr(tpl.ID.String())}
			},
			check: func(err error) bool { return errors.Is(err, ErrMissingPersonalisation) },
		},
		{
			name: "finishes before starts",
			req: func(f *messageFixture) *dto.CreateBroadcastMessageRequest {
				return &dto.CreateBroadcastMessageRequest{
					Content:    utils.ToPtr("x"),
					Reference:  utils.ToPtr("r"),
					StartsAt:   utils.ToPtr(fixedNow),
					FinishesAt: utils.ToPtr(fixedNow.Add(-time.Hour)),
				}
			},
			check: func(err error) bool { return errors.Is(err, ErrFinishesBeforeStarts) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMessageFixture(t, false)
			req := tt.req(f)
			req.ServiceID = f.service.ID.String()
			req.UserID = f.creator.ID.String()

			_, err := f.messages.CreateMessage(context.Background(), req, nil)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error %v", err)
			assert.Equal(t, "BROADCAST_VALIDATION_FAILED", ErrorCode(err))
			assert.Empty(t, f.store.auditActions())
		})
	}

	t.Run("non member", func(t *testing.T) {
		f := newMessageFixture(t, false)
		_, err := f.messages.CreateMessage(context.Background(), &dto.CreateBroadcastMessageRequest{
			ServiceID: f.service.ID.String(),
			UserID:    f.outsider.ID.String(),
			Content:   utils.ToPtr("x"),
			Reference: utils.ToPtr("r"),
		}, nil)
		assert.True(t, IsUserNotInService(err))
	})
}

func TestUpdateMessage(t *testing.T) {
	t.Run("partial update", func(t *testing.T) {
		f := newMessageFixture(t, false)
		msg := f.create(t)
		finishes := fixedNow.Add(2 * time.Hour)

		resp, err := f.messages.UpdateMessage(context.Background(), &dto.UpdateBroadcastMessageRequest{
			ServiceID:      f.service.ID.String(),
			MessageID:      msg.ID,
			UserID:         f.approver.ID.String(),
			Areas:          &[]string{"ctry19-W92000004"},
			SimplePolygons: &[][][]float64{{{51.4, -3.2}, {51.5, -3.2}, {51.5, -3.1}, {51.4, -3.2}}},
			FinishesAt:     dto.NullableTime{Set: true, Value: &finishes},
		}, nil)
		require.NoError(t, err)

		updated := resp.BroadcastMessage
		assert.Equal(t, []string{"ctry19-W92000004"}, updated.Areas.Areas)
		assert.Equal(t, finishes, *updated.FinishesAt)
		assert.Equal(t, msg.Content, updated.Content)
		assert.Equal(t, 2, updated.Version)
		assert.Contains(t, f.store.auditActions(), models.AuditActionBroadcastUpdated)
	})

	t.Run("null clears the window", func(t *testing.T) {
		f := newMessageFixture(t, false)
		msg := f.create(t)
		starts := fixedNow
		_, err := f.messages.UpdateMessage(context.Background(), &dto.UpdateBroadcastMessageRequest{
			ServiceID: f.service.ID.String(), MessageID: msg.ID, UserID: f.creator.ID.String(),
			StartsAt: dto.NullableTime{Set: true, Value: &starts},
		}, nil)
		require.NoError(t, err)

		resp, err := f.messages.UpdateMessage(context.Background(), &dto.UpdateBroadcastMessageRequest{
			ServiceID: f.service.ID.String(), MessageID: msg.ID, UserID: f.creator.ID.String(),
			StartsAt: dto.NullableTime{Set: true},
		}, nil)
		require.NoError(t, err)
		assert.Nil(t, resp.BroadcastMessage.StartsAt)
	})

	t.Run("areas without polygons", func(t *testing.T) {
		f := newMessageFixture(t, false)
		msg := f.create(t)
		_, err := f.messages.UpdateMessage(context.Background(), &dto.UpdateBroadcastMessageRequest{
			ServiceID: f.service.ID.String(), MessageID: msg.ID, UserID: f.creator.ID.String(),
			Areas: &[]string{"somewhere"},
		}, nil)
		assert.ErrorIs(t, err, ErrAreasOrPolygonsMissing)
	})

	t.Run("live message is not editable", func(t *testing.T) {
		f := newMessageFixture(t, false)
		msg := f.create(t)
		_, err := f.transition(msg.ID, f.approver, models.BroadcastStatusBroadcasting)
		require.NoError(t, err)

		_, err = f.messages.UpdateMessage(context.Background(), &dto.UpdateBroadcastMessageRequest{
			ServiceID: f.service.ID.String(), MessageID: msg.ID, UserID: f.creator.ID.String(),
			Personalisation: &map[string]string{"a": "b"},
		}, nil)
		assert.ErrorIs(t, err, ErrBroadcastMessageNotEditable)
	})
}

func TestRequestTransition(t *testing.T) {
	t.Run("submit for approval records no event", func(t *testing.T) {
		f := newMessageFixture(t, false)
		msg := f.create(t)

		resp, err := f.transition(msg.ID, f.creator, models.BroadcastStatusPendingApproval)
		require.NoError(t, err)
		assert.Equal(t, models.BroadcastStatusPendingApproval.String(), resp.BroadcastMessage.Status)
		assert.Nil(t, resp.Event)
		assert.Empty(t, f.queue.enqueued())
	})

	t.Run("approval creates and enqueues an alert", func(t *testing.T) {
		f := newMessageFixture(t, false)
		msg := f.create(t)
		_, err := f.transition(msg.ID, f.creator, models.BroadcastStatusPendingApproval)
		require.NoError(t, err)

		resp, err := f.transition(msg.ID, f.approver, models.BroadcastStatusBroadcasting)
		require.NoError(t, err)
		require.NotNil(t, resp.Event)
		assert.Equal(t, models.BroadcastMessageTypeAlert.String(), resp.Event.MessageType)
		assert.Equal(t, fixedNow, *resp.BroadcastMessage.ApprovedAt)
		assert.Equal(t, f.approver.ID.String(), *resp.BroadcastMessage.ApprovedByID)

		eventID := uuid.MustParse(resp.Event.ID)
		assert.Equal(t, []uuid.UUID{eventID}, f.queue.enqueued())
		job, err := f.queue.Dequeue(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, eventID, job.EventID)

		assert.Equal(t, []string{
			models.AuditActionBroadcastCreated,
			models.AuditActionBroadcastStatusChanged,
			models.AuditActionBroadcastStatusChanged,
			models.AuditActionBroadcastEventCreated,
		}, f.store.auditActions())
	})

	t.Run("self approval is denied and audited", func(t *testing.T) {
		f := newMessageFixture(t, false)
		msg := f.create(t)

		_, err := f.transition(msg.ID, f.creator, models.BroadcastStatusBroadcasting)
		assert.True(t, IsSelfApproval(err))
		assert.Equal(t, "SELF_APPROVAL", ErrorCode(err))
		assert.Contains(t, f.store.auditActions(), models.AuditActionBroadcastTransitionDenied)
		assert.Empty(t, f.queue.enqueued())

		stored, _ := (&fakeMessageRepo{s: f.store}).ByID(context.Background(), uuid.MustParse(msg.ID))
		assert.Equal(t, models.BroadcastStatusDraft, stored.Status)
	})

	t.Run("platform admin outside the service cancels", func(t *testing.T) {
		f := newMessageFixture(t, false)
		msg := f.create(t)
		_, err := f.transition(msg.ID, f.approver, models.BroadcastStatusBroadcasting)
		require.NoError(t, err)

		resp, err := f.transition(msg.ID, f.admin, models.BroadcastStatusCancelled)
		require.NoError(t, err)
		require.NotNil(t, resp.Event)
		assert.Equal(t, models.BroadcastMessageTypeCancel.String(), resp.Event.MessageType)
		assert.Equal(t, f.admin.ID.String(), *resp.BroadcastMessage.CancelledByID)
		assert.Len(t, f.queue.enqueued(), 2)
	})

	t.Run("outsider", func(t *testing.T) {
		f := newMessageFixture(t, false)
		msg := f.create(t)
		_, err := f.transition(msg.ID, f.outsider, models.BroadcastStatusPendingApproval)
		assert.True(t, IsUserNotInService(err))
	})

	t.Run("illegal transition", func(t *testing.T) {
		f := newMessageFixture(t, false)
		msg := f.create(t)
		_, err := f.transition(msg.ID, f.approver, models.BroadcastStatusCompleted)
		assert.True(t, IsIllegalTransition(err))
		assert.Equal(t, "ILLEGAL_TRANSITION", ErrorCode(err))
	})

	t.Run("denied transition survives a failing audit", func(t *testing.T) {
		f := newMessageFixture(t, false)
		msg := f.create(t)
		f.store.failWith("audit.save", errors.New("audit table locked"))

		_, err := f.transition(msg.ID, f.approver, models.BroadcastStatusCompleted)
		assert.True(t, IsIllegalTransition(err))
		assert.Contains(t, f.logs.String(), "failed to audit denied transition of message "+msg.ID)
		assert.Contains(t, f.logs.String(), "audit table locked")
	})

	t.Run("stale version is a conflict", func(t *testing.T) {
		f := newMessageFixture(t, false)
		msg := f.create(t)
		flow := f.flowWith(&staleMessageRepo{fakeMessageRepo: &fakeMessageRepo{s: f.store}})

		_, err := flow.RequestTransition(context.Background(), &dto.UpdateBroadcastStatusRequest{
			ServiceID: f.service.ID.String(), MessageID: msg.ID, UserID: f.approver.ID.String(),
			Status: string(models.BroadcastStatusBroadcasting),
		}, nil)
		assert.True(t, IsTransitionConflict(err))
		assert.Equal(t, "BROADCAST_CONFLICT", ErrorCode(err))
		assert.Empty(t, f.store.events)
		assert.Empty(t, f.queue.enqueued())
	})

	t.Run("busy message is a conflict", func(t *testing.T) {
		f := newMessageFixture(t, false)
		msg := f.create(t)
		impl := f.messages.(*BroadcastMessageFlowImpl)
		require.True(t, impl.locks.tryLock(uuid.MustParse(msg.ID)))
		defer impl.locks.unlock(uuid.MustParse(msg.ID))

		_, err := f.transition(msg.ID, f.approver, models.BroadcastStatusBroadcasting)
		assert.True(t, IsTransitionConflict(err))
	})

	t.Run("enqueue failure keeps the committed transition", func(t *testing.T) {
		f := newMessageFixture(t, false)
		f.queue.err = errors.New("redis down")
		msg := f.create(t)

		resp, err := f.transition(msg.ID, f.approver, models.BroadcastStatusBroadcasting)
		require.NoError(t, err)
		assert.NotNil(t, resp.Event)
		assert.Len(t, f.store.events, 1)
	})

	t.Run("failed event write is reported", func(t *testing.T) {
		f := newMessageFixture(t, false)
		msg := f.create(t)
		f.store.failWith("event.save", errors.New("disk full"))

		_, err := f.transition(msg.ID, f.approver, models.BroadcastStatusBroadcasting)
		assert.Equal(t, "BROADCAST_TRANSITION_FAILED", ErrorCode(err))
		assert.Empty(t, f.queue.enqueued())
	})
}

func TestGetAndListMessages(t *testing.T) {
	f := newMessageFixture(t, false)
	first := f.create(t)
	f.create(t)
	f.create(t)
	_, err := f.transition(first.ID, f.approver, models.BroadcastStatusBroadcasting)
	require.NoError(t, err)

	t.Run("get with events", func(t *testing.T) {
		resp, err := f.messages.GetMessage(context.Background(), &dto.GetBroadcastMessageRequest{
			ServiceID: f.service.ID.String(), MessageID: first.ID, UserID: f.creator.ID.String(),
		})
		require.NoError(t, err)
		require.Len(t, resp.Events, 1)
		assert.Contains(t, resp.Events[0].Reference, "https://www.notifications.service.gov.uk/,"+resp.Events[0].ID+",")
	})

	t.Run("platform admin may read", func(t *testing.T) {
		_, err := f.messages.GetMessage(context.Background(), &dto.GetBroadcastMessageRequest{
			ServiceID: f.service.ID.String(), MessageID: first.ID, UserID: f.admin.ID.String(),
		})
		assert.NoError(t, err)
	})

	t.Run("outsider may not", func(t *testing.T) {
		_, err := f.messages.GetMessage(context.Background(), &dto.GetBroadcastMessageRequest{
			ServiceID: f.service.ID.String(), MessageID: first.ID, UserID: f.outsider.ID.String(),
		})
		assert.True(t, IsUserNotInService(err))
	})

	t.Run("unknown message", func(t *testing.T) {
		_, err := f.messages.GetMessage(context.Background(), &dto.GetBroadcastMessageRequest{
			ServiceID: f.service.ID.String(), MessageID: uuid.NewString(), UserID: f.creator.ID.String(),
		})
		assert.True(t, IsBroadcastMessageNotFound(err))
	})

	t.Run("pages", func(t *testing.T) {
		resp, err := f.messages.ListMessages(context.Background(), &dto.ListBroadcastMessagesRequest{
			ServiceID: f.service.ID.String(), UserID: f.creator.ID.String(), Page: 2, PageSize: 2,
		})
		require.NoError(t, err)
		assert.Len(t, resp.BroadcastMessages, 1)
		assert.Equal(t, int64(3), resp.Pagination.Total)
		assert.Equal(t, 2, resp.Pagination.TotalPages)
	})

	t.Run("page size too large", func(t *testing.T) {
		_, err := f.messages.ListMessages(context.Background(), &dto.ListBroadcastMessagesRequest{
			ServiceID: f.service.ID.String(), UserID: f.creator.ID.String(), PageSize: 500,
		})
		assert.ErrorIs(t, err, ErrInvalidPageSize)
	})
}

func TestCreateMessage_AuditCarriesClientMetadata(t *testing.T) {
	f := newMessageFixture(t, false)
	metadata := NewClientMetadata("10.0.0.7", "curl/8")
	metadata.SetRequestID("req-42")
	metadata.AddAdditional("route", "/api/v1/services/:service_id/broadcast-messages")

	resp, err := f.messages.CreateMessage(context.Background(), &dto.CreateBroadcastMessageRequest{
		ServiceID:      f.service.ID.String(),
		UserID:         f.creator.ID.String(),
		Content:        utils.ToPtr("Test alert"),
		Reference:      utils.ToPtr("audit"),
		Areas:          []string{"ctry19-E92000001"},
		SimplePolygons: [][][]float64{{{51.5, -0.1}, {51.6, -0.1}, {51.6, 0.0}, {51.5, -0.1}}},
	}, metadata)
	require.NoError(t, err)

	logs, err := (&fakeAuditRepo{s: f.store}).ListByMessage(context.Background(), uuid.MustParse(resp.BroadcastMessage.ID), 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "req-42", *logs[0].RequestID)
	assert.Equal(t, "10.0.0.7", *logs[0].IPAddress)
	assert.Contains(t, string(logs[0].Metadata), `"route":"/api/v1/services/:service_id/broadcast-messages"`)
}
