package utils

import (
	"time"
)

// Token time constants
const (
	// AccessTokenTTL is the time-to-live for access tokens (24 hours)
	AccessTokenTTL = 24 * time.Hour

	// RefreshTokenTTL is the time-to-live for refresh tokens (7 days)
	RefreshTokenTTL = 7 * 24 * time.Hour
)

// Broadcast constants
const (
	// DefaultBroadcastSender is stamped on every event as transmitted_sender
	DefaultBroadcastSender = "notifications.service.gov.uk"

	// BroadcastHeadline is sent as the CAP/IBAG headline for alerts
	BroadcastHeadline = "GOV.UK Notify Broadcast"

	// ProviderMessageNumberCounter names the sequence_counters row backing provider message numbers
	ProviderMessageNumberCounter = "broadcast_provider_message_number"

	// MaxDispatchRetryDelay caps the worker backoff between dispatch attempts
	MaxDispatchRetryDelay = 240 * time.Second
)

// Context keys for request-scoped values
type contextKey string

const (
	RequestIDKey  contextKey = "request_id"
	UserAgentKey  contextKey = "user_agent"
	IPAddressKey  contextKey = "ip_address"
	EndpointKey   contextKey = "endpoint"
	TimeoutKey    contextKey = "timeout"
	CancelFuncKey contextKey = "cancel_func"
)

// DispatchRetryDelay returns 2^retries seconds, never more than MaxDispatchRetryDelay.
// retries is 0 for the first failure.
func DispatchRetryDelay(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	if retries >= 8 {
		return MaxDispatchRetryDelay
	}
	delay := time.Duration(1<<uint(retries)) * time.Second
	if delay > MaxDispatchRetryDelay {
		return MaxDispatchRetryDelay
	}
	return delay
}
