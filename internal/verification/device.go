// Package verification implements continuous verification: device
// fingerprinting and trust scoring, request risk analysis, and session
// lifecycle with anomaly detection. All state lives in the KV store.
package verification

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ztafinance/gateway/internal/clock"
	"github.com/ztafinance/gateway/internal/kv"
)

const timeLayout = "2006-01-02T15:04:05Z"

// DeviceRecord is the stored per-(user, device) trust record. The
// record survives trust revocation so replays remain detectable.
type DeviceRecord struct {
	DeviceID     string            `json:"device_id"`
	UserID       string            `json:"user_id"`
	Info         map[string]string `json:"device_info"`
	TrustScore   int               `json:"trust_score"`
	Trusted      bool              `json:"trusted"`
	RegisteredAt string            `json:"registered_at"`
	LastSeen     string            `json:"last_seen"`
	AccessCount  int               `json:"access_count"`
	TrustedAt    string            `json:"trusted_at,omitempty"`
	RevokedAt    string            `json:"revoked_at,omitempty"`
}

// DeviceStatus is the result of VerifyDevice.
type DeviceStatus struct {
	Known       bool   `json:"known"`
	Trusted     bool   `json:"trusted"`
	TrustScore  int    `json:"trust_score"`
	FirstSeen   string `json:"first_seen,omitempty"`
	LastSeen    string `json:"last_seen,omitempty"`
	AccessCount int    `json:"access_count"`
}

// DeviceVerifier fingerprints devices and tracks trust over time.
type DeviceVerifier struct {
	store kv.Store
	ttl   time.Duration // sliding record TTL
	clk   clock.Clock
}

// NewDeviceVerifier creates a verifier; ttl <= 0 defaults to 30 days.
func NewDeviceVerifier(store kv.Store, ttl time.Duration) *DeviceVerifier {
	return NewDeviceVerifierWithClock(store, ttl, clock.System{})
}

// NewDeviceVerifierWithClock is NewDeviceVerifier with an injected clock.
func NewDeviceVerifierWithClock(store kv.Store, ttl time.Duration, clk clock.Clock) *DeviceVerifier {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &DeviceVerifier{store: store, ttl: ttl, clk: clk}
}

// Fingerprint hashes the canonicalized device attribute map (sorted
// keys, no extraneous whitespace) to a 256-bit hex digest. Equal
// attribute maps always produce equal fingerprints.
func Fingerprint(deviceInfo map[string]string) string {
	canonical, _ := json.Marshal(deviceInfo) // map keys are sorted by encoding/json
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func deviceKey(userID, deviceID string) string {
	return "device/" + userID + "/" + deviceID
}

// RegisterDevice writes the initial untrusted record (score 50) with a
// 30-day sliding TTL. Safe to retry.
func (dv *DeviceVerifier) RegisterDevice(ctx context.Context, userID, deviceID string, deviceInfo map[string]string) error {
	now := dv.clk.Now().Format(timeLayout)
	rec := DeviceRecord{
		DeviceID:     deviceID,
		UserID:       userID,
		Info:         deviceInfo,
		TrustScore:   50,
		RegisteredAt: now,
		LastSeen:     now,
	}
	if err := dv.put(ctx, &rec); err != nil {
		return err
	}
	slog.Info("Device registered", "user_id", userID, "device_id", deviceID)
	return nil
}

// VerifyDevice looks up the record, bumps last-seen and access count,
// recomputes the trust score, and promotes the device to trusted when
// the score reaches 70.
func (dv *DeviceVerifier) VerifyDevice(ctx context.Context, userID, deviceID string) (DeviceStatus, error) {
	rec, err := dv.get(ctx, userID, deviceID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return DeviceStatus{}, nil
		}
		return DeviceStatus{}, err
	}

	rec.LastSeen = dv.clk.Now().Format(timeLayout)
	rec.AccessCount++
	rec.TrustScore = dv.trustScore(rec)

	if rec.TrustScore >= 70 && !rec.Trusted {
		rec.Trusted = true
		rec.TrustedAt = dv.clk.Now().Format(timeLayout)
		slog.Info("Device marked as trusted", "user_id", userID, "device_id", deviceID)
	}

	if err := dv.put(ctx, rec); err != nil {
		return DeviceStatus{}, err
	}

	return DeviceStatus{
		Known:       true,
		Trusted:     rec.Trusted,
		TrustScore:  rec.TrustScore,
		FirstSeen:   rec.RegisteredAt,
		LastSeen:    rec.LastSeen,
		AccessCount: rec.AccessCount,
	}, nil
}

// trustScore: base 50; +20 if age >= 30 d else +10 if >= 7 d; +15/+10/+5
// by access count tiers; +15 if already trusted; clamped to 100.
func (dv *DeviceVerifier) trustScore(rec *DeviceRecord) int {
	score := 50

	if registered, err := time.Parse(timeLayout, rec.RegisteredAt); err == nil {
		age := dv.clk.Now().Sub(registered)
		switch {
		case age >= 30*24*time.Hour:
			score += 20
		case age >= 7*24*time.Hour:
			score += 10
		}
	}

	switch {
	case rec.AccessCount > 100:
		score += 15
	case rec.AccessCount > 50:
		score += 10
	case rec.AccessCount > 10:
		score += 5
	}

	if rec.Trusted {
		score += 15
	}

	if score > 100 {
		score = 100
	}
	return score
}

// RevokeDeviceTrust drops the trust score to zero but keeps the record.
func (dv *DeviceVerifier) RevokeDeviceTrust(ctx context.Context, userID, deviceID string) error {
	rec, err := dv.get(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	rec.Trusted = false
	rec.TrustScore = 0
	rec.RevokedAt = dv.clk.Now().Format(timeLayout)
	if err := dv.put(ctx, rec); err != nil {
		return err
	}
	slog.Warn("Device trust revoked", "user_id", userID, "device_id", deviceID)
	return nil
}

// ListUserDevices returns all of a user's device records.
func (dv *DeviceVerifier) ListUserDevices(ctx context.Context, userID string) ([]DeviceRecord, error) {
	keys, err := dv.store.Scan(ctx, "device/"+userID+"/")
	if err != nil {
		return nil, err
	}
	devices := make([]DeviceRecord, 0, len(keys))
	for _, key := range keys {
		data, err := dv.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec DeviceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		devices = append(devices, rec)
	}
	return devices, nil
}

// RemoveDevice deletes the record entirely.
func (dv *DeviceVerifier) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	if err := dv.store.Del(ctx, deviceKey(userID, deviceID)); err != nil {
		return err
	}
	slog.Info("Device removed", "user_id", userID, "device_id", deviceID)
	return nil
}

// IsKnownDevice reports whether a record exists for (user, device).
func (dv *DeviceVerifier) IsKnownDevice(ctx context.Context, userID, deviceID string) (bool, error) {
	if deviceID == "" || strings.Contains(deviceID, "/") {
		return false, nil
	}
	return dv.store.Exists(ctx, deviceKey(userID, deviceID))
}

func (dv *DeviceVerifier) get(ctx context.Context, userID, deviceID string) (*DeviceRecord, error) {
	data, err := dv.store.Get(ctx, deviceKey(userID, deviceID))
	if err != nil {
		return nil, err
	}
	var rec DeviceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode device record: %w", err)
	}
	return &rec, nil
}

func (dv *DeviceVerifier) put(ctx context.Context, rec *DeviceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return dv.store.Set(ctx, deviceKey(rec.UserID, rec.DeviceID), data, dv.ttl)
}
