package verification

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ztafinance/gateway/internal/clock"
	"github.com/ztafinance/gateway/internal/kv"
)

// Session anomaly names, reported in detection order.
const (
	AnomalySessionNotFound = "session_not_found"
	AnomalyDeviceMismatch  = "device_mismatch"
	AnomalyIPChange        = "ip_address_change"
	AnomalySessionExpired  = "session_expired"
)

// ErrSessionNotFound is returned when a session id resolves to nothing.
var ErrSessionNotFound = errors.New("verification: session not found")

// Session is the stored session record, bound to a device and peer
// address at creation.
type Session struct {
	ID            string            `json:"session_id"`
	UserID        string            `json:"user_id"`
	DeviceID      string            `json:"device_id"`
	IPAddress     string            `json:"ip_address"`
	CreatedAt     string            `json:"created_at"`
	LastActivity  string            `json:"last_activity"`
	ActivityCount int               `json:"activity_count"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// SessionVerification is the result of VerifySession. When non-terminal
// anomalies are present, Valid is false but Session is still returned so
// the caller can decide to force step-up instead of terminating.
type SessionVerification struct {
	Valid     bool     `json:"valid"`
	Anomalies []string `json:"anomalies"`
	Session   *Session `json:"session,omitempty"`
}

// SessionManager owns the continuous session lifecycle: sliding-TTL
// records plus per-user membership sets.
type SessionManager struct {
	store   kv.Store
	timeout time.Duration
	clk     clock.Clock
}

// NewSessionManager creates a manager; timeout <= 0 defaults to 30 min.
func NewSessionManager(store kv.Store, timeout time.Duration) *SessionManager {
	return NewSessionManagerWithClock(store, timeout, clock.System{})
}

// NewSessionManagerWithClock is NewSessionManager with an injected clock.
func NewSessionManagerWithClock(store kv.Store, timeout time.Duration, clk clock.Clock) *SessionManager {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &SessionManager{store: store, timeout: timeout, clk: clk}
}

func sessionKey(id string) string     { return "session/" + id }
func userSessionsKey(u string) string { return "user_sessions/" + u }

// CreateSession issues a 256-bit session id bound to (user, device,
// peer address) and registers it in the user's active-session set.
func (sm *SessionManager) CreateSession(ctx context.Context, userID, deviceID, ipAddress string, metadata map[string]string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	id := base64.RawURLEncoding.EncodeToString(buf)

	now := sm.clk.Now().Format(timeLayout)
	sess := Session{
		ID:           id,
		UserID:       userID,
		DeviceID:     deviceID,
		IPAddress:    ipAddress,
		CreatedAt:    now,
		LastActivity: now,
		Metadata:     metadata,
	}
	if err := sm.put(ctx, &sess); err != nil {
		return "", err
	}

	if err := sm.store.SAdd(ctx, userSessionsKey(userID), id); err != nil {
		return "", err
	}
	if err := sm.store.Expire(ctx, userSessionsKey(userID), sm.timeout); err != nil {
		return "", err
	}

	slog.Info("Session created", "user_id", userID, "session_id", id)
	return id, nil
}

// GetSession returns the record or ErrSessionNotFound.
func (sm *SessionManager) GetSession(ctx context.Context, id string) (*Session, error) {
	data, err := sm.store.Get(ctx, sessionKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// UpdateActivity refreshes last-activity, bumps the activity count, and
// re-arms the sliding TTL.
func (sm *SessionManager) UpdateActivity(ctx context.Context, id string) error {
	sess, err := sm.GetSession(ctx, id)
	if err != nil {
		return err
	}
	sess.LastActivity = sm.clk.Now().Format(timeLayout)
	sess.ActivityCount++
	return sm.put(ctx, sess)
}

// VerifySession checks the presented device and peer address against the
// stored binding. session_not_found and session_expired are terminal;
// expiry also invalidates. With only non-terminal anomalies the record
// is returned alongside Valid=false.
func (sm *SessionManager) VerifySession(ctx context.Context, id, deviceID, ipAddress string) (SessionVerification, error) {
	sess, err := sm.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return SessionVerification{Anomalies: []string{AnomalySessionNotFound}}, nil
		}
		return SessionVerification{}, err
	}

	var anomalies []string
	if sess.DeviceID != deviceID {
		anomalies = append(anomalies, AnomalyDeviceMismatch)
		slog.Warn("Session device mismatch", "session_id", id)
	}
	if sess.IPAddress != ipAddress {
		anomalies = append(anomalies, AnomalyIPChange)
		slog.Warn("Session IP address changed", "session_id", id)
	}

	if last, parseErr := time.Parse(timeLayout, sess.LastActivity); parseErr == nil {
		if sm.clk.Now().Sub(last) > sm.timeout {
			anomalies = append(anomalies, AnomalySessionExpired)
			if err := sm.InvalidateSession(ctx, id); err != nil {
				return SessionVerification{}, err
			}
			return SessionVerification{Anomalies: anomalies}, nil
		}
	}

	if err := sm.UpdateActivity(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return SessionVerification{}, err
	}

	return SessionVerification{
		Valid:     len(anomalies) == 0,
		Anomalies: anomalies,
		Session:   sess,
	}, nil
}

// InvalidateSession removes the record and its membership entry. Safe to
// retry: a missing session is not an error.
func (sm *SessionManager) InvalidateSession(ctx context.Context, id string) error {
	sess, err := sm.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	if err := sm.store.Del(ctx, sessionKey(id)); err != nil {
		return err
	}
	if err := sm.store.SRem(ctx, userSessionsKey(sess.UserID), id); err != nil {
		return err
	}
	slog.Info("Session invalidated", "session_id", id, "user_id", sess.UserID)
	return nil
}

// InvalidateAllUserSessions terminates every session in the user's set
// and returns the number invalidated.
func (sm *SessionManager) InvalidateAllUserSessions(ctx context.Context, userID string) (int, error) {
	ids, err := sm.store.SMembers(ctx, userSessionsKey(userID))
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		if _, err := sm.GetSession(ctx, id); err != nil {
			continue
		}
		if err := sm.InvalidateSession(ctx, id); err != nil {
			return count, err
		}
		count++
	}
	if err := sm.store.Del(ctx, userSessionsKey(userID)); err != nil {
		return count, err
	}
	slog.Info("All sessions invalidated", "user_id", userID, "count", count)
	return count, nil
}

// UserSessions returns the user's live session records.
func (sm *SessionManager) UserSessions(ctx context.Context, userID string) ([]Session, error) {
	ids, err := sm.store.SMembers(ctx, userSessionsKey(userID))
	if err != nil {
		return nil, err
	}
	sessions := make([]Session, 0, len(ids))
	for _, id := range ids {
		sess, err := sm.GetSession(ctx, id)
		if err != nil {
			continue
		}
		sessions = append(sessions, *sess)
	}
	return sessions, nil
}

// IsSessionFresh reports whether the session saw activity within
// maxAge, for gating high-security operations.
func (sm *SessionManager) IsSessionFresh(ctx context.Context, id string, maxAge time.Duration) (bool, error) {
	sess, err := sm.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}
	last, err := time.Parse(timeLayout, sess.LastActivity)
	if err != nil {
		return false, nil
	}
	return sm.clk.Now().Sub(last) <= maxAge, nil
}

func (sm *SessionManager) put(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return sm.store.Set(ctx, sessionKey(sess.ID), data, sm.timeout)
}
