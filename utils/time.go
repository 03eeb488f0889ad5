// Package utils provides utility functions for the application.
package utils

import (
	"time"
)

// CAPDatetimeLayout is the CAP v1.2 datetime form with an explicit -00:00 offset for UTC values
const CAPDatetimeLayout = "2006-01-02T15:04:05"

// UTCNow returns the current time in UTC
func UTCNow() time.Time {
	return time.Now().UTC()
}

// UTCNowPtr returns a pointer to the current time in UTC
func UTCNowPtr() *time.Time {
	now := UTCNow()
	return &now
}

// UTCNowAdd returns the current UTC time plus the given duration
func UTCNowAdd(d time.Duration) time.Time {
	return UTCNow().Add(d)
}

// IsExpired checks if the given time is in the past (expired)
func IsExpired(t time.Time) bool {
	return UTCNow().After(t)
}

// IsExpiredPtr checks if the given time pointer is in the past (expired)
func IsExpiredPtr(t *time.Time) bool {
	if t == nil {
		return false
	}
	return IsExpired(*t)
}

// TimeToUTCPtr converts a time pointer to UTC if it's not already
func TimeToUTCPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

// FormatCAPDatetime renders t as YYYY-MM-DDThh:mm:ss-00:00
func FormatCAPDatetime(t time.Time) string {
	return t.UTC().Format(CAPDatetimeLayout) + "-00:00"
}

// FormatCAPDatetimePtr is FormatCAPDatetime for nullable values; nil yields ""
func FormatCAPDatetimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return FormatCAPDatetime(*t)
}
