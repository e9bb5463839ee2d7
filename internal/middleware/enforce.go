package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/ztafinance/gateway/internal/audit"
	"github.com/ztafinance/gateway/internal/identity"
	"github.com/ztafinance/gateway/internal/metrics"
	"github.com/ztafinance/gateway/internal/policy"
	"github.com/ztafinance/gateway/internal/verification"
)

// Request headers carrying the caller's device and session binding.
const (
	HeaderDeviceID  = "X-Device-ID"
	HeaderSessionID = "X-Session-ID"
)

// RouteMeta binds a named route to the (resource, action) tuple the
// policy engine evaluates.
type RouteMeta struct {
	Resource string
	Action   string
}

// EnforcerConfig wires the enforcement middleware.
type EnforcerConfig struct {
	Tokens   *identity.TokenManager
	Users    *identity.Provider
	Sessions *verification.SessionManager
	Devices  *verification.DeviceVerifier
	PEP      *policy.PEP
	Auditor  *audit.Logger
	Metrics  *metrics.Metrics

	// Routes maps mux route names to their protection metadata. Routes
	// without an entry pass through unprotected.
	Routes map[string]RouteMeta

	// FingerprintRequired rejects requests lacking a device id header.
	FingerprintRequired bool
}

// Enforcer is the PEP at the HTTP boundary: it authenticates the bearer
// token, binds the session, assembles the typed access context, and
// asks the PDP before dispatch. Internal failure detail goes to audit;
// responses carry only the coarse §7 categories.
type Enforcer struct {
	cfg EnforcerConfig
}

// NewEnforcer creates the enforcement middleware.
func NewEnforcer(cfg EnforcerConfig) *Enforcer {
	return &Enforcer{cfg: cfg}
}

type contextKey string

// DecisionContextKey carries the *policy.PDPDecision for the allowed
// request into the handler.
const DecisionContextKey contextKey = "pdp_decision"

// UserContextKey carries the authenticated *identity.User.
const UserContextKey contextKey = "authenticated_user"

// Middleware enforces the route's (resource, action) before dispatch.
func (e *Enforcer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta, protected := e.routeMeta(r)
		if !protected {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		ip := clientIP(r)
		deviceID := r.Header.Get(HeaderDeviceID)

		if e.cfg.FingerprintRequired && deviceID == "" {
			writeJSONError(w, http.StatusBadRequest, "bad_request", map[string]any{
				"missing_header": HeaderDeviceID,
			})
			return
		}

		user, claims, ok := e.authenticate(ctx, w, r, ip, deviceID)
		if !ok {
			return
		}

		if sessionID := r.Header.Get(HeaderSessionID); sessionID != "" {
			if !e.bindSession(ctx, w, user.ID, sessionID, deviceID, ip) {
				return
			}
		}

		acc := e.buildContext(ctx, user, claims, deviceID, ip)

		decision, err := e.cfg.PEP.Enforce(ctx, user.ID, meta.Resource, meta.Action, acc)
		if err != nil {
			e.rejectDecision(w, meta, err)
			return
		}

		if e.cfg.Metrics != nil {
			e.cfg.Metrics.DecisionTotal.WithLabelValues(meta.Resource, "allow").Inc()
			e.cfg.Metrics.RiskScore.WithLabelValues(decision.RiskLevel).Observe(float64(decision.RiskScore))
		}

		ctx = context.WithValue(ctx, DecisionContextKey, decision)
		ctx = context.WithValue(ctx, UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (e *Enforcer) routeMeta(r *http.Request) (RouteMeta, bool) {
	route := mux.CurrentRoute(r)
	if route == nil {
		return RouteMeta{}, false
	}
	meta, ok := e.cfg.Routes[route.GetName()]
	return meta, ok
}

// authenticate verifies the bearer access token and resolves the user.
// On failure it writes the response and records the specific kind in
// audit and metrics; the caller sees only authentication_required.
func (e *Enforcer) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request, ip, deviceID string) (*identity.User, map[string]any, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		writeJSONError(w, http.StatusUnauthorized, "authentication_required", nil)
		return nil, nil, false
	}

	claims, err := e.cfg.Tokens.VerifyToken(ctx, token, identity.TokenTypeAccess)
	if err != nil {
		kind := tokenFailureKind(err)
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.TokenFailures.WithLabelValues(kind).Inc()
		}
		if e.cfg.Auditor != nil {
			_ = e.cfg.Auditor.LogSecurityEvent(ctx, "token_rejected", audit.SeverityWarning, "", ip,
				map[string]any{"kind": kind, "device_id": deviceID})
		}
		writeJSONError(w, http.StatusUnauthorized, "authentication_required", nil)
		return nil, nil, false
	}

	userID, _ := claims["user_id"].(string)
	user, err := e.cfg.Users.User(ctx, userID)
	if err != nil || !user.Active {
		writeJSONError(w, http.StatusUnauthorized, "authentication_required", nil)
		return nil, nil, false
	}
	return user, claims, true
}

// bindSession verifies the session against its stored device and peer
// binding. Terminal anomalies end the request; non-terminal ones demand
// step-up rather than silently passing.
func (e *Enforcer) bindSession(ctx context.Context, w http.ResponseWriter, userID, sessionID, deviceID, ip string) bool {
	result, err := e.cfg.Sessions.VerifySession(ctx, sessionID, deviceID, ip)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
		return false
	}
	if result.Valid {
		return true
	}

	if e.cfg.Metrics != nil {
		for _, a := range result.Anomalies {
			e.cfg.Metrics.SessionAnomalies.WithLabelValues(a).Inc()
		}
	}
	if e.cfg.Auditor != nil {
		_ = e.cfg.Auditor.LogSecurityEvent(ctx, "session_anomaly", audit.SeverityWarning, userID, ip,
			map[string]any{"session_id": sessionID, "anomalies": result.Anomalies})
	}

	// Terminal: the session is gone.
	if result.Session == nil {
		writeJSONError(w, http.StatusUnauthorized, "authentication_required", nil)
		return false
	}

	// Suspect session: the caller may restore it via step-up.
	writeJSONError(w, http.StatusUnauthorized, "step_up_required", map[string]any{
		"methods": policy.StepUpMethods,
	})
	return false
}

func (e *Enforcer) buildContext(ctx context.Context, user *identity.User, claims map[string]any, deviceID, ip string) *policy.AccessContext {
	acc := &policy.AccessContext{
		UserID:       user.ID,
		DeviceID:     deviceID,
		IPAddress:    ip,
		UserVerified: user.Verified,
		Roles:        user.Roles,
	}
	if mfa, ok := claims["mfa_verified"].(bool); ok {
		acc.MFAVerified = mfa
	}
	if deviceID != "" {
		status, err := e.cfg.Devices.VerifyDevice(ctx, user.ID, deviceID)
		if err == nil {
			acc.DeviceTrusted = status.Trusted
		}
	}
	return acc
}

func (e *Enforcer) rejectDecision(w http.ResponseWriter, meta RouteMeta, err error) {
	var stepUp *policy.StepUpError
	var forbidden *policy.ForbiddenError

	switch {
	case errors.As(err, &stepUp):
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.DecisionTotal.WithLabelValues(meta.Resource, "step_up").Inc()
		}
		writeJSONError(w, http.StatusUnauthorized, "step_up_required", map[string]any{
			"methods":    stepUp.Methods,
			"risk_score": stepUp.RiskScore,
		})

	case errors.As(err, &forbidden):
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.DecisionTotal.WithLabelValues(meta.Resource, "deny").Inc()
		}
		writeJSONError(w, http.StatusForbidden, "forbidden", nil)

	default:
		slog.Error("Decision unavailable", "resource", meta.Resource, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
	}
}

func tokenFailureKind(err error) string {
	switch {
	case errors.Is(err, identity.ErrTokenExpired):
		return "expired"
	case errors.Is(err, identity.ErrTokenSignature):
		return "bad_signature"
	case errors.Is(err, identity.ErrTokenWrongType):
		return "wrong_type"
	case errors.Is(err, identity.ErrTokenRevoked):
		return "revoked"
	default:
		return "malformed"
	}
}

// clientIP resolves the peer address: X-Forwarded-For, then X-Real-IP,
// then the socket address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSONError(w http.ResponseWriter, status int, code string, extra map[string]any) {
	body := map[string]any{"error": code}
	for k, v := range extra {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
