// Package audit provides the append-only, time-keyed audit event
// stream with optional field-level encryption, plus security analytics
// over the recorded state.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ztafinance/gateway/internal/clock"
	"github.com/ztafinance/gateway/internal/crypto"
	"github.com/ztafinance/gateway/internal/kv"
)

// Event types.
const (
	TypeAuthentication = "authentication"
	TypeAuthorization  = "authorization"
	TypeDataAccess     = "data_access"
	TypeDataModify     = "data_modification"
	TypeConfigChange   = "configuration_change"
	TypeSecurityEvent  = "security_event"
	TypeTransaction    = "transaction"
	TypeAdminAction    = "admin_action"
)

// Severity levels, in ascending order.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// encryptedFields are replaced by their encrypted base64 form when
// field encryption is enabled.
var encryptedFields = []string{"details", "ip_address"}

const userEventsLimit = 1000

// Event is one audit record. EventID and Timestamp are assigned by the
// logger when empty; supplying an EventID lets a retried append be
// deduplicated downstream.
type Event struct {
	EventID   string         `json:"event_id"`
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"event_type"`
	Severity  string         `json:"severity"`
	UserID    string         `json:"user_id,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	DeviceID  string         `json:"device_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Success   bool           `json:"success"`
}

// Logger appends events to the day-keyed stream and the per-user index.
type Logger struct {
	store     kv.Store
	encryptor *crypto.Encryptor // nil when field encryption is disabled
	retention time.Duration
	clk       clock.Clock
}

// NewLogger creates a Logger. encryptor may be nil; retentionDays <= 0
// defaults to 365.
func NewLogger(store kv.Store, encryptor *crypto.Encryptor, retentionDays int) *Logger {
	return NewLoggerWithClock(store, encryptor, retentionDays, clock.System{})
}

// NewLoggerWithClock is NewLogger with an injected clock.
func NewLoggerWithClock(store kv.Store, encryptor *crypto.Encryptor, retentionDays int, clk clock.Clock) *Logger {
	if retentionDays <= 0 {
		retentionDays = 365
	}
	return &Logger{
		store:     store,
		encryptor: encryptor,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		clk:       clk,
	}
}

// LogEvent appends one event. The stored envelope is canonical JSON
// (sorted keys); with encryption enabled the details and ip_address
// fields are sealed before storage.
func (l *Logger) LogEvent(ctx context.Context, event Event) error {
	now := l.clk.Now()
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp == "" {
		event.Timestamp = now.Format("2006-01-02T15:04:05Z")
	}

	envelope := event.toMap()
	if l.encryptor != nil {
		sealed, err := l.encryptor.EncryptFields(envelope, encryptedFields)
		if err != nil {
			return fmt.Errorf("encrypt audit fields: %w", err)
		}
		envelope = sealed
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	logAttrs := []any{
		"event_id", event.EventID,
		"action", event.Action,
		"user_id", event.UserID,
		"resource", event.Resource,
		"success", event.Success,
	}
	switch event.Severity {
	case SeverityWarning:
		slog.Warn("Audit event", logAttrs...)
	case SeverityError, SeverityCritical:
		slog.Error("Audit event", logAttrs...)
	default:
		slog.Info("Audit event", logAttrs...)
	}

	dayKey := "audit/" + now.Format("20060102")
	if err := l.store.LPush(ctx, dayKey, data); err != nil {
		return err
	}
	if err := l.store.Expire(ctx, dayKey, l.retention); err != nil {
		return err
	}

	if event.UserID != "" {
		userKey := "user_events/" + event.UserID
		if err := l.store.LPush(ctx, userKey, data); err != nil {
			return err
		}
		if err := l.store.LTrim(ctx, userKey, 0, userEventsLimit-1); err != nil {
			return err
		}
		if err := l.store.Expire(ctx, userKey, l.retention); err != nil {
			return err
		}
	}
	return nil
}

// LogAuthentication records a login attempt. Failures log at WARNING
// with the failure reason in details.
func (l *Logger) LogAuthentication(ctx context.Context, userID string, success bool, method, ipAddress, deviceID, failureReason string) error {
	severity := SeverityInfo
	outcome := "success"
	details := map[string]any{"method": method}
	if !success {
		severity = SeverityWarning
		outcome = "failure"
		details["failure_reason"] = failureReason
	}
	return l.LogEvent(ctx, Event{
		EventType: TypeAuthentication,
		Severity:  severity,
		UserID:    userID,
		Action:    "authentication_" + method + "_" + outcome,
		Details:   details,
		IPAddress: ipAddress,
		DeviceID:  deviceID,
		Success:   success,
	})
}

// LogAuthorization records a policy decision outcome.
func (l *Logger) LogAuthorization(ctx context.Context, userID, resource, action string, allowed bool, reason string, riskScore int) error {
	severity := SeverityInfo
	verdict := "granted"
	if !allowed {
		severity = SeverityWarning
		verdict = "denied"
	}
	return l.LogEvent(ctx, Event{
		EventType: TypeAuthorization,
		Severity:  severity,
		UserID:    userID,
		Action:    "authorization_" + verdict,
		Resource:  resource,
		Details:   map[string]any{"reason": reason, "risk_score": riskScore, "requested_action": action},
		Success:   allowed,
	})
}

// LogTransaction records a financial transaction outcome.
func (l *Logger) LogTransaction(ctx context.Context, userID, transactionType string, amount float64, accountID, transactionID string, success bool, details map[string]any) error {
	severity := SeverityInfo
	if !success {
		severity = SeverityError
	}
	merged := map[string]any{
		"transaction_type": transactionType,
		"amount":           amount,
		"account_id":       accountID,
		"transaction_id":   transactionID,
	}
	for k, v := range details {
		merged[k] = v
	}
	return l.LogEvent(ctx, Event{
		EventType: TypeTransaction,
		Severity:  severity,
		UserID:    userID,
		Action:    "transaction_" + transactionType,
		Resource:  "transaction",
		Details:   merged,
		Success:   success,
	})
}

// LogDataAccess records a read against a protected resource.
func (l *Logger) LogDataAccess(ctx context.Context, userID, resource, action string, recordCount int) error {
	return l.LogEvent(ctx, Event{
		EventType: TypeDataAccess,
		Severity:  SeverityInfo,
		UserID:    userID,
		Action:    action,
		Resource:  resource,
		Details:   map[string]any{"record_count": recordCount},
		Success:   true,
	})
}

// LogSecurityEvent records a security-relevant occurrence at the given
// severity.
func (l *Logger) LogSecurityEvent(ctx context.Context, name, severity, userID, ipAddress string, details map[string]any) error {
	return l.LogEvent(ctx, Event{
		EventType: TypeSecurityEvent,
		Severity:  severity,
		UserID:    userID,
		Action:    name,
		Details:   details,
		IPAddress: ipAddress,
		Success:   false,
	})
}

// UserEvents returns up to limit of the user's most recent events as
// stored envelopes, newest first.
func (l *Logger) UserEvents(ctx context.Context, userID string, limit int) ([]map[string]any, error) {
	if limit <= 0 || limit > userEventsLimit {
		limit = 100
	}
	return l.readList(ctx, "user_events/"+userID, limit)
}

// RecentEvents returns events for one day (YYYYMMDD; empty means
// today), newest first.
func (l *Logger) RecentEvents(ctx context.Context, date string, limit int) ([]map[string]any, error) {
	if date == "" {
		date = l.clk.Now().Format("20060102")
	}
	if limit <= 0 {
		limit = 100
	}
	return l.readList(ctx, "audit/"+date, limit)
}

// DecryptEvent opens the encrypted fields of a stored envelope. Without
// an encryptor the envelope is returned unchanged.
func (l *Logger) DecryptEvent(envelope map[string]any) map[string]any {
	if l.encryptor == nil {
		return envelope
	}
	return l.encryptor.DecryptFields(envelope, encryptedFields)
}

func (l *Logger) readList(ctx context.Context, key string, limit int) ([]map[string]any, error) {
	entries, err := l.store.LRange(ctx, key, 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	events := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		var m map[string]any
		if err := json.Unmarshal(e, &m); err != nil {
			continue
		}
		events = append(events, m)
	}
	return events, nil
}

func (e Event) toMap() map[string]any {
	m := map[string]any{
		"event_id":   e.EventID,
		"timestamp":  e.Timestamp,
		"event_type": e.EventType,
		"severity":   e.Severity,
		"action":     e.Action,
		"success":    e.Success,
	}
	if e.UserID != "" {
		m["user_id"] = e.UserID
	}
	if e.Resource != "" {
		m["resource"] = e.Resource
	}
	if e.Details != nil {
		m["details"] = e.Details
	}
	if e.IPAddress != "" {
		m["ip_address"] = e.IPAddress
	}
	if e.DeviceID != "" {
		m["device_id"] = e.DeviceID
	}
	if e.SessionID != "" {
		m["session_id"] = e.SessionID
	}
	return m
}
