package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztafinance/gateway/internal/clock"
	"github.com/ztafinance/gateway/internal/crypto"
	"github.com/ztafinance/gateway/internal/kv"
)

func newTestLogger(t *testing.T, enc *crypto.Encryptor) (*Logger, *kv.MemoryStore, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := kv.NewMemoryStoreWithClock(clk)
	return NewLoggerWithClock(store, enc, 365, clk), store, clk
}

func TestLogger_LogEventEnvelope(t *testing.T) {
	l, _, _ := newTestLogger(t, nil)
	ctx := context.Background()

	require.NoError(t, l.LogEvent(ctx, Event{
		EventType: TypeDataAccess,
		Severity:  SeverityInfo,
		UserID:    "u-1",
		Action:    "account_lookup",
		Resource:  "account",
		Details:   map[string]any{"record_count": 3},
		IPAddress: "203.0.113.9",
		DeviceID:  "d-1",
		SessionID: "s-1",
		Success:   true,
	}))

	events, err := l.RecentEvents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0]
	assert.NotEmpty(t, e["event_id"])
	assert.Equal(t, "2025-06-01T12:00:00Z", e["timestamp"])
	assert.Equal(t, TypeDataAccess, e["event_type"])
	assert.Equal(t, "account_lookup", e["action"])
	assert.Equal(t, "203.0.113.9", e["ip_address"])
	assert.Equal(t, true, e["success"])
}

func TestLogger_UserIndexCapAndOrder(t *testing.T) {
	l, store, _ := newTestLogger(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.LogDataAccess(ctx, "u-1", "account", "lookup", i))
	}

	events, err := l.UserEvents(ctx, "u-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Newest first.
	details := events[0]["details"].(map[string]any)
	assert.Equal(t, float64(2), details["record_count"])

	// The per-user index is trimmed to its cap.
	entries, err := store.LRange(ctx, "user_events/u-1", 0, -1)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), userEventsLimit)
}

func TestLogger_AnonymousEventSkipsUserIndex(t *testing.T) {
	l, store, _ := newTestLogger(t, nil)
	ctx := context.Background()

	require.NoError(t, l.LogSecurityEvent(ctx, "port_scan_detected", SeverityCritical, "", "198.51.100.1", nil))

	keys, err := store.Scan(ctx, "user_events/")
	require.NoError(t, err)
	assert.Empty(t, keys)

	events, err := l.RecentEvents(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestLogger_FieldEncryption(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	enc, err := crypto.NewEncryptor(key)
	require.NoError(t, err)

	l, _, _ := newTestLogger(t, enc)
	ctx := context.Background()

	require.NoError(t, l.LogEvent(ctx, Event{
		EventType: TypeTransaction,
		Severity:  SeverityInfo,
		UserID:    "u-1",
		Action:    "transaction_transfer",
		Details:   map[string]any{"amount": float64(2500), "to": "acct-9"},
		IPAddress: "203.0.113.9",
		Success:   true,
	}))

	events, err := l.UserEvents(ctx, "u-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Stored fields are opaque: plaintext never hits the store.
	stored := events[0]
	_, isString := stored["details"].(string)
	assert.True(t, isString, "details must be stored encrypted")
	assert.NotEqual(t, "203.0.113.9", stored["ip_address"])

	// Index fields remain queryable.
	assert.Equal(t, "u-1", stored["user_id"])
	assert.Equal(t, "transaction_transfer", stored["action"])

	// Decryption restores the structure.
	opened := l.DecryptEvent(stored)
	assert.Equal(t, map[string]any{"amount": float64(2500), "to": "acct-9"}, opened["details"])
	assert.Equal(t, "203.0.113.9", opened["ip_address"])
}

func TestLogger_AuthenticationHelper(t *testing.T) {
	l, _, _ := newTestLogger(t, nil)
	ctx := context.Background()

	require.NoError(t, l.LogAuthentication(ctx, "u-1", false, "password", "203.0.113.9", "d-1", "bad_credentials"))

	events, err := l.UserEvents(ctx, "u-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "authentication_password_failure", events[0]["action"])
	assert.Equal(t, SeverityWarning, events[0]["severity"])
	details := events[0]["details"].(map[string]any)
	assert.Equal(t, "bad_credentials", details["failure_reason"])
}

func TestLogger_DayKeyRollover(t *testing.T) {
	l, store, clk := newTestLogger(t, nil)
	ctx := context.Background()

	require.NoError(t, l.LogDataAccess(ctx, "u-1", "account", "lookup", 1))
	clk.Advance(24 * time.Hour)
	require.NoError(t, l.LogDataAccess(ctx, "u-1", "account", "lookup", 1))

	keys, err := store.Scan(ctx, "audit/")
	require.NoError(t, err)
	assert.Equal(t, []string{"audit/20250601", "audit/20250602"}, keys)

	// Each day's list reads independently.
	events, err := l.RecentEvents(ctx, "20250601", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
