// Package audit records security-relevant events such as session
// establishment and signature failures.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"securechat/internal/logging"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event types emitted by this module.
const (
	EventSessionEstablished   = "SESSION_ESTABLISHED"
	EventSessionReestablished = "SESSION_REESTABLISHED"
	EventInvalidSignature     = "INVALID_SIGNATURE"
	EventKeysPublished        = "KEYS_PUBLISHED"
	EventKeyBundleFetched     = "KEY_BUNDLE_FETCHED"
	EventUnauthorizedAccess   = "UNAUTHORIZED_KEY_ACCESS"
)

// Event is one security event.
type Event struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Type      string         `json:"eventType"`
	Severity  Severity       `json:"severity"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent stamps an event with an id and the current time.
func NewEvent(userID, eventType string, severity Severity, metadata map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      eventType,
		Severity:  severity,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}
}

// Logger is the security event sink.
type Logger interface {
	LogSecurityEvent(ctx context.Context, userID, eventType string, severity Severity, metadata map[string]any) error
}

// LogSink writes events to the process log only.
type LogSink struct{}

func (LogSink) LogSecurityEvent(_ context.Context, userID, eventType string, severity Severity, metadata map[string]any) error {
	data := map[string]any{"user_id": userID, "event": eventType, "severity": severity}
	for k, v := range metadata {
		data[k] = v
	}
	if severity == SeverityHigh || severity == SeverityCritical {
		logging.Warn("Security event", data)
	} else {
		logging.Info("Security event", data)
	}
	return nil
}

// Multi fans an event out to every logger and joins their errors.
type Multi []Logger

func (m Multi) LogSecurityEvent(ctx context.Context, userID, eventType string, severity Severity, metadata map[string]any) error {
	var errs []error
	for _, l := range m {
		if l == nil {
			continue
		}
		if err := l.LogSecurityEvent(ctx, userID, eventType, severity, metadata); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Record logs an event and downgrades a sink failure to a warning.
// Audit failures never abort the operation being audited.
func Record(ctx context.Context, l Logger, userID, eventType string, severity Severity, metadata map[string]any) {
	if l == nil {
		return
	}
	if err := l.LogSecurityEvent(ctx, userID, eventType, severity, metadata); err != nil {
		logging.WarnWithError("Failed to record security event", err, map[string]string{
			"user_id": userID,
			"event":   eventType,
		})
	}
}
