// Package api exposes the gateway's own HTTP surface: authentication,
// token lifecycle, and the admin views over devices, sessions, and
// audit state. Domain services sit behind the enforcement middleware
// and are not part of this package.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ztafinance/gateway/internal/audit"
	"github.com/ztafinance/gateway/internal/identity"
	"github.com/ztafinance/gateway/internal/metrics"
	"github.com/ztafinance/gateway/internal/policy"
	"github.com/ztafinance/gateway/internal/verification"
)

// AuthHandlers serves the credential and token endpoints.
type AuthHandlers struct {
	Auth        *identity.Authenticator
	Tokens      *identity.TokenManager
	Users       *identity.Provider
	Devices     *verification.DeviceVerifier
	Sessions    *verification.SessionManager
	Auditor     *audit.Logger
	Metrics     *metrics.Metrics
	MFARequired bool
}

type loginRequest struct {
	Username   string            `json:"username"`
	Password   string            `json:"password"`
	MFACode    string            `json:"mfa_code,omitempty"`
	DeviceInfo map[string]string `json:"device_info,omitempty"`
}

type loginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	SessionID    string `json:"session_id"`
	TokenType    string `json:"token_type"`
}

// Login runs the full credential flow: lockout check, password verify
// with failure tracking, MFA, device registration on first sight,
// session creation, and token issuance. Every outcome is audited; the
// response body never distinguishes why credentials were rejected.
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := clientIP(r)

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "bad_request", nil)
		return
	}

	deviceID := r.Header.Get("X-Device-ID")
	if deviceID == "" && len(req.DeviceInfo) > 0 {
		deviceID = verification.Fingerprint(req.DeviceInfo)
	}

	locked, err := h.Auth.IsAccountLocked(ctx, req.Username)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}
	if locked {
		h.rejectLogin(ctx, w, req.Username, ip, deviceID, "account_locked")
		return
	}

	user, err := h.Users.UserByUsername(ctx, req.Username)
	if err != nil || !user.Active {
		// Burn a failed attempt either way so probing for usernames
		// costs the same as guessing passwords.
		if _, trackErr := h.Auth.TrackFailedAttempt(ctx, req.Username); trackErr != nil {
			writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
			return
		}
		h.rejectLogin(ctx, w, req.Username, ip, deviceID, "bad_credentials")
		return
	}

	check := h.Auth.VerifyPassword(req.Password, user.PasswordHash)
	if !check.Verified {
		status, trackErr := h.Auth.TrackFailedAttempt(ctx, req.Username)
		if trackErr != nil {
			writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
			return
		}
		reason := "bad_credentials"
		if status.Locked {
			reason = "account_locked"
		}
		h.rejectLogin(ctx, w, req.Username, ip, deviceID, reason)
		return
	}

	if check.RehashNeeded {
		if newHash, hashErr := h.Auth.HashPassword(req.Password); hashErr == nil {
			_ = h.Users.SetPasswordHash(ctx, user.ID, newHash)
		}
	}

	mfaVerified := false
	if user.MFAEnabled || h.MFARequired {
		if !user.MFAEnabled {
			// Enrollment is required before this account can proceed.
			if err := h.Auditor.LogAuthentication(ctx, user.ID, false, "password", ip, deviceID, "mfa_required"); err != nil {
				writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
				return
			}
			writeError(w, http.StatusUnauthorized, "step_up_required", map[string]any{"methods": []string{"mfa_enrollment"}})
			return
		}
		if req.MFACode == "" {
			if err := h.Auditor.LogAuthentication(ctx, user.ID, false, "password", ip, deviceID, "mfa_required"); err != nil {
				writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
				return
			}
			writeError(w, http.StatusUnauthorized, "step_up_required", map[string]any{"methods": []string{"mfa"}})
			return
		}
		if err := h.Auth.VerifyMFA(ctx, user.MFASecret, req.MFACode); err != nil {
			reason := "mfa_bad_code"
			if errors.Is(err, identity.ErrMFAReplay) {
				reason = "mfa_replay"
			}
			h.rejectLogin(ctx, w, user.ID, ip, deviceID, reason)
			return
		}
		mfaVerified = true
	}

	if err := h.Auth.ClearFailedAttempts(ctx, req.Username); err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}

	if deviceID != "" {
		known, err := h.Devices.IsKnownDevice(ctx, user.ID, deviceID)
		if err == nil && !known {
			_ = h.Devices.RegisterDevice(ctx, user.ID, deviceID, req.DeviceInfo)
		}
	}

	sessionID, err := h.Sessions.CreateSession(ctx, user.ID, deviceID, ip, map[string]string{"login": "password"})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}

	access, err := h.Tokens.CreateAccessToken(user.Username, user.ID, user.Roles, deviceID, map[string]any{"mfa_verified": mfaVerified})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}
	refresh, err := h.Tokens.CreateRefreshToken(ctx, user.ID, deviceID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}

	method := "password"
	if mfaVerified {
		method = "password_mfa"
	}
	if err := h.Auditor.LogAuthentication(ctx, user.ID, true, method, ip, deviceID, ""); err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		SessionID:    sessionID,
		TokenType:    "Bearer",
	})
}

// rejectLogin audits the specific failure kind and answers with the
// generic category.
func (h *AuthHandlers) rejectLogin(ctx context.Context, w http.ResponseWriter, subject, ip, deviceID, reason string) {
	if h.Metrics != nil {
		h.Metrics.AuthFailures.WithLabelValues(reason).Inc()
	}
	if err := h.Auditor.LogAuthentication(ctx, subject, false, "password", ip, deviceID, reason); err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}
	writeError(w, http.StatusUnauthorized, "authentication_required", nil)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a live refresh token for a new access token. The
// presented token must still match its server-side mirror, so revoked
// refresh tokens are dead even before their signature expires.
func (h *AuthHandlers) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "bad_request", nil)
		return
	}

	claims, err := h.Tokens.VerifyToken(ctx, req.RefreshToken, identity.TokenTypeRefresh)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication_required", nil)
		return
	}
	userID, _ := claims["user_id"].(string)
	deviceID, _ := claims["device_id"].(string)

	mirrored, err := h.Tokens.MirroredRefreshToken(ctx, userID, deviceID)
	if err != nil || mirrored != req.RefreshToken {
		writeError(w, http.StatusUnauthorized, "authentication_required", nil)
		return
	}

	user, err := h.Users.User(ctx, userID)
	if err != nil || !user.Active {
		writeError(w, http.StatusUnauthorized, "authentication_required", nil)
		return
	}

	access, err := h.Tokens.CreateAccessToken(user.Username, user.ID, user.Roles, deviceID, nil)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"access_token": access, "token_type": "Bearer"})
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
}

// Logout blacklists the presented access token, revokes the refresh
// mirror for its device, and invalidates the session. Each step is
// idempotent, but a repeated logout with the same access token is
// answered with authentication_required, because that token is then
// blacklisted and no longer verifies.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := clientIP(r)

	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		writeError(w, http.StatusUnauthorized, "authentication_required", nil)
		return
	}

	claims, err := h.Tokens.VerifyToken(ctx, token, identity.TokenTypeAccess)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication_required", nil)
		return
	}
	userID, _ := claims["user_id"].(string)
	deviceID, _ := claims["device_id"].(string)

	var req logoutRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := h.Tokens.BlacklistToken(ctx, token); err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}
	if err := h.Tokens.RevokeRefreshToken(ctx, userID, deviceID); err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}
	if req.SessionID != "" {
		if err := h.Sessions.InvalidateSession(ctx, req.SessionID); err != nil {
			writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
			return
		}
	}

	_ = h.Auditor.LogEvent(ctx, audit.Event{
		EventType: audit.TypeAuthentication,
		Severity:  audit.SeverityInfo,
		UserID:    userID,
		Action:    "logout",
		IPAddress: ip,
		DeviceID:  deviceID,
		SessionID: req.SessionID,
		Success:   true,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

type resetRequest struct {
	Username string `json:"username"`
}

// RequestPasswordReset issues a reset token. The response is identical
// whether or not the username exists.
func (h *AuthHandlers) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "bad_request", nil)
		return
	}

	if _, err := h.Users.UserByUsername(ctx, req.Username); err == nil {
		token, err := h.Auth.GenerateResetToken(ctx, req.Username)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
			return
		}
		// Delivery (mail, SMS) is a collaborator concern; the token is
		// logged for the demo wiring only.
		slog.Debug("Reset token issued", "username", req.Username, "token", token)
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "reset_requested"})
}

type resetConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// ConfirmPasswordReset consumes a reset token and installs the new
// credential, revoking the account's refresh tokens and sessions.
// Access tokens already issued are not blacklisted and stay valid until
// they expire.
func (h *AuthHandlers) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req resetConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "bad_request", nil)
		return
	}

	username, err := h.Auth.VerifyResetToken(ctx, req.Token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication_required", nil)
		return
	}

	user, err := h.Users.UserByUsername(ctx, username)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication_required", nil)
		return
	}

	hash, err := h.Auth.HashPassword(req.NewPassword)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}
	if err := h.Users.SetPasswordHash(ctx, user.ID, hash); err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}

	// A reset invalidates every refresh token and session of the account.
	if err := h.Tokens.RevokeAllUserTokens(ctx, user.ID); err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}
	if _, err := h.Sessions.InvalidateAllUserSessions(ctx, user.ID); err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}
	if err := h.Auth.ClearFailedAttempts(ctx, username); err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}

	_ = h.Auditor.LogSecurityEvent(ctx, "password_reset_completed", audit.SeverityWarning, user.ID, clientIP(r), nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_reset"})
}

type mfaSetupResponse struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// SetupMFA generates a TOTP secret for the authenticated user. The
// secret becomes active once EnableMFA verifies a first code.
func (h *AuthHandlers) SetupMFA(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := h.bearerUser(ctx, r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication_required", nil)
		return
	}

	secret, err := h.Auth.GenerateMFASecret()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}

	writeJSON(w, http.StatusOK, mfaSetupResponse{
		Secret:          secret,
		ProvisioningURI: h.Auth.MFAProvisioningURI(secret, user.Username),
	})
}

type mfaEnableRequest struct {
	Secret string `json:"secret"`
	Code   string `json:"code"`
}

// EnableMFA verifies the first code against the pending secret and
// turns MFA on for the account.
func (h *AuthHandlers) EnableMFA(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := h.bearerUser(ctx, r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication_required", nil)
		return
	}

	var req mfaEnableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Secret == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "bad_request", nil)
		return
	}

	if err := h.Auth.VerifyMFA(ctx, req.Secret, req.Code); err != nil {
		writeError(w, http.StatusUnauthorized, "authentication_required", nil)
		return
	}
	if err := h.Users.EnableMFA(ctx, user.ID, req.Secret); err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return
	}

	_ = h.Auditor.LogSecurityEvent(ctx, "mfa_enabled", audit.SeverityInfo, user.ID, clientIP(r), nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "mfa_enabled"})
}

// Permissions returns the caller's resource × action truth table.
func (h *AuthHandlers) Permissions(pep *policy.PEP, resources []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		user, ok := h.bearerUser(ctx, r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication_required", nil)
			return
		}

		acc := &policy.AccessContext{
			UserID:       user.ID,
			DeviceID:     r.Header.Get("X-Device-ID"),
			IPAddress:    clientIP(r),
			UserVerified: user.Verified,
			Roles:        user.Roles,
		}
		writeJSON(w, http.StatusOK, pep.UserPermissions(ctx, user.ID, resources, acc))
	}
}

func (h *AuthHandlers) bearerUser(ctx context.Context, r *http.Request) (*identity.User, bool) {
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || token == "" {
		return nil, false
	}
	claims, err := h.Tokens.VerifyToken(ctx, token, identity.TokenTypeAccess)
	if err != nil {
		return nil, false
	}
	userID, _ := claims["user_id"].(string)
	user, err := h.Users.User(ctx, userID)
	if err != nil || !user.Active {
		return nil, false
	}
	return user, true
}
