package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/amirphl/broadcast-core/models"
	"github.com/google/uuid"
)

// LiveBroadcastNotice describes an alert that has just gone out in the live environment
type LiveBroadcastNotice struct {
	ServiceID uuid.UUID
	MessageID uuid.UUID
	Channel   models.BroadcastChannel
	Areas     []string
	Content   string
}

// NotificationService tells the on-call team about broadcasts going out
type NotificationService interface {
	NotifyLiveBroadcast(ctx context.Context, notice LiveBroadcastNotice) error
}

// NotificationServiceImpl implements NotificationService over SMS
type NotificationServiceImpl struct {
	sms     SMSService
	mobiles []string
	domain  string
}

// NewNotificationService creates a notifier that texts every on-call mobile
func NewNotificationService(sms SMSService, onCallMobiles []string, domain string) NotificationService {
	return &NotificationServiceImpl{
		sms:     sms,
		mobiles: onCallMobiles,
		domain:  domain,
	}
}

// NotifyLiveBroadcast sends one SMS to all on-call mobiles
func (s *NotificationServiceImpl) NotifyLiveBroadcast(ctx context.Context, notice LiveBroadcastNotice) error {
	if s.sms == nil {
		return fmt.Errorf("SMS provider not configured")
	}
	if len(s.mobiles) == 0 {
		log.Printf("notification: no on-call mobiles configured, live broadcast %s not reported", notice.MessageID)
		return nil
	}

	for _, mobile := range s.mobiles {
		if !isValidMobile(mobile) {
			return fmt.Errorf("invalid mobile number format: %s", mobile)
		}
	}

	return s.sms.SendBulk(ctx, s.mobiles, FormatLiveBroadcastNotice(s.domain, notice))
}

// FormatLiveBroadcastNotice renders the on-call message. Content is cut to its first 100 characters.
func FormatLiveBroadcastNotice(domain string, notice LiveBroadcastNotice) string {
	return strings.Join([]string{
		"Broadcast Sent",
		"",
		fmt.Sprintf("https://www.%s/services/%s/current-alerts/%s", domain, notice.ServiceID, notice.MessageID),
		"",
		fmt.Sprintf("This broadcast has been sent on channel %s.", notice.Channel),
		fmt.Sprintf("This broadcast is targeted at areas %s.", strings.Join(notice.Areas, ", ")),
		fmt.Sprintf("This broadcast's content starts %q", truncateRunes(notice.Content, 100)),
		"",
		"If this alert is not expected refer to the runbook for instructions.",
	}, "\n")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// isValidMobile accepts E.164 numbers: a plus sign followed by 8 to 15 digits
func isValidMobile(mobile string) bool {
	if len(mobile) < 9 || len(mobile) > 16 || mobile[0] != '+' {
		return false
	}
	for _, r := range mobile[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// MockNotificationService records notices instead of sending them
type MockNotificationService struct {
	Notices []LiveBroadcastNotice
	Err     error
}

func NewMockNotificationService() *MockNotificationService {
	return &MockNotificationService{}
}

func (m *MockNotificationService) NotifyLiveBroadcast(ctx context.Context, notice LiveBroadcastNotice) error {
	if m.Err != nil {
		return m.Err
	}
	m.Notices = append(m.Notices, notice)
	return nil
}
