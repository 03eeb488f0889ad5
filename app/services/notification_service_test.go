package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/amirphl/broadcast-core/config"
	"github.com/amirphl/broadcast-core/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatLiveBroadcastNotice(t *testing.T) {
	serviceID := uuid.New()
	messageID := uuid.New()
	notice := LiveBroadcastNotice{
		ServiceID: serviceID,
		MessageID: messageID,
		Channel:   models.BroadcastChannelSevere,
		Areas:     []string{"Cardiff", "Swansea"},
		Content:   strings.Repeat("a", 150),
	}

	message := FormatLiveBroadcastNotice("notifications.service.gov.uk", notice)

	assert.True(t, strings.HasPrefix(message, "Broadcast Sent\n"))
	assert.Contains(t, message, "https://www.notifications.service.gov.uk/services/"+serviceID.String()+"/current-alerts/"+messageID.String())
	assert.Contains(t, message, "channel severe.")
	assert.Contains(t, message, "areas Cardiff, Swansea.")
	assert.Contains(t, message, `"`+strings.Repeat("a", 100)+`"`)
	assert.NotContains(t, message, strings.Repeat("a", 101))
}

func TestNotificationService_NotifyLiveBroadcast(t *testing.T) {
	ctx := context.Background()
	notice := LiveBroadcastNotice{ServiceID: uuid.New(), MessageID: uuid.New(), Channel: models.BroadcastChannelOperator, Content: "test"}

	t.Run("texts every on-call mobile", func(t *testing.T) {
		sms := NewMockSMSService()
		svc := NewNotificationService(sms, []string{"+447700900001", "+447700900002"}, "example.gov.uk")

		require.NoError(t, svc.NotifyLiveBroadcast(ctx, notice))

		sent := sms.GetSentMessages()
		require.Len(t, sent, 2)
		assert.Equal(t, "+447700900001", sent[0].Recipient)
		assert.Contains(t, sent[0].Message, "example.gov.uk")
	})

	t.Run("no mobiles is not an error", func(t *testing.T) {
		sms := NewMockSMSService()
		svc := NewNotificationService(sms, nil, "example.gov.uk")

		require.NoError(t, svc.NotifyLiveBroadcast(ctx, notice))
		assert.Empty(t, sms.GetSentMessages())
	})

	t.Run("invalid mobile", func(t *testing.T) {
		svc := NewNotificationService(NewMockSMSService(), []string{"07700900001"}, "example.gov.uk")
		assert.Error(t, svc.NotifyLiveBroadcast(ctx, notice))
	})

	t.Run("sms failure is returned", func(t *testing.T) {
		sms := NewMockSMSService()
		sms.Err = errors.New("provider down")
		svc := NewNotificationService(sms, []string{"+447700900001"}, "example.gov.uk")

		assert.ErrorContains(t, svc.NotifyLiveBroadcast(ctx, notice), "provider down")
	})
}

func TestSMSServiceImpl_SendBulk(t *testing.T) {
	proxy := newFakeProxy()
	proxy.bodies["/api/v3.0.1/send"] = `[{"messageId":1,"recipient":"+447700900001","status":"ACCEPTED","statusCode":200}]`
	server := newHTTPTestServer(t, proxy)

	svc := NewSMSService(&config.SMSConfig{ProviderDomain: "unused", APIKey: "k", SourceNumber: "Notify"}).(*SMSServiceImpl)
	svc.baseURL = server

	require.NoError(t, svc.SendSMS(context.Background(), "+447700900001", "hello"))
	require.Len(t, proxy.calls, 1)
	assert.Equal(t, "k", proxy.calls[0].apiKey)

	proxy.bodies["/api/v3.0.1/send"] = `[{"messageId":2,"recipient":"+447700900001","status":"REJECTED","statusCode":400}]`
	assert.Error(t, svc.SendSMS(context.Background(), "+447700900001", "hello"))

	assert.NoError(t, svc.SendBulk(context.Background(), nil, "nobody"))
}
