package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ztafinance/gateway/internal/audit"
	"github.com/ztafinance/gateway/internal/crypto"
	"github.com/ztafinance/gateway/internal/identity"
	"github.com/ztafinance/gateway/internal/verification"
)

// AdminHandlers serves the operator views over devices, sessions,
// audit state, and key rotation. Routing must place these behind the
// enforcement middleware with an admin-only policy.
type AdminHandlers struct {
	Users     *identity.Provider
	Tokens    *identity.TokenManager
	Devices   *verification.DeviceVerifier
	Sessions  *verification.SessionManager
	Risk      *verification.RiskAnalyzer
	Auditor   *audit.Logger
	Analytics *audit.Analytics
	Keys      *crypto.KeyStore
}

// ListDevices returns a user's device records.
func (h *AdminHandlers) ListDevices(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	devices, err := h.Devices.ListUserDevices(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// RevokeDeviceTrust zeroes a device's trust and revokes the refresh
// token bound to it. Sessions and access tokens on that device are left
// as they are.
func (h *AdminHandlers) RevokeDeviceTrust(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	userID, deviceID := vars["user_id"], vars["device_id"]

	if err := h.Devices.RevokeDeviceTrust(ctx, userID, deviceID); err != nil {
		writeError(w, http.StatusNotFound, "bad_request", nil)
		return
	}
	if err := h.Tokens.RevokeRefreshToken(ctx, userID, deviceID); err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}

	_ = h.Auditor.LogEvent(ctx, audit.Event{
		EventType: audit.TypeAdminAction,
		Severity:  audit.SeverityWarning,
		UserID:    userID,
		Action:    "device_trust_revoked",
		DeviceID:  deviceID,
		IPAddress: clientIP(r),
		Success:   true,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

// ListSessions returns a user's live sessions.
func (h *AdminHandlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Sessions.UserSessions(r.Context(), mux.Vars(r)["user_id"])
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// TerminateSessions invalidates all of a user's sessions and refresh
// tokens (admin kill switch).
func (h *AdminHandlers) TerminateSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := mux.Vars(r)["user_id"]

	count, err := h.Sessions.InvalidateAllUserSessions(ctx, userID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}
	if err := h.Tokens.RevokeAllUserTokens(ctx, userID); err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}

	_ = h.Auditor.LogEvent(ctx, audit.Event{
		EventType: audit.TypeAdminAction,
		Severity:  audit.SeverityWarning,
		UserID:    userID,
		Action:    "all_sessions_terminated",
		IPAddress: clientIP(r),
		Success:   true,
	})
	writeJSON(w, http.StatusOK, map[string]any{"terminated": count})
}

// UserEvents returns a user's recent audit trail.
func (h *AdminHandlers) UserEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Auditor.UserEvents(r.Context(), mux.Vars(r)["user_id"], 100)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// RiskHistory returns a user's recent risk assessments.
func (h *AdminHandlers) RiskHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.Risk.History(r.Context(), mux.Vars(r)["user_id"], 100)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assessments": history})
}

// BruteForceAlerts surfaces usernames with elevated failure counters.
func (h *AdminHandlers) BruteForceAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.Analytics.DetectBruteForce(r.Context(), 10)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// RotateKey rotates the active encryption key.
func (h *AdminHandlers) RotateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	result, err := h.Keys.Rotate(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}

	_ = h.Auditor.LogEvent(ctx, audit.Event{
		EventType: audit.TypeConfigChange,
		Severity:  audit.SeverityWarning,
		Action:    "encryption_key_rotated",
		Details:   map[string]any{"new_key_id": result.NewKeyID, "old_key_id": result.OldKeyID},
		IPAddress: clientIP(r),
		Success:   true,
	})
	writeJSON(w, http.StatusOK, result)
}
