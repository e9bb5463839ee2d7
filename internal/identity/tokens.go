package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ztafinance/gateway/internal/clock"
	"github.com/ztafinance/gateway/internal/kv"
)

// Token types carried in the "type" claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// TokenConfig tunes token issuance.
type TokenConfig struct {
	Secret     []byte // HMAC secret, >= 32 bytes
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenManager issues and verifies HS256 JWTs. Refresh tokens are
// mirrored in the KV store under refresh/{user}/{device} so the server
// side can revoke them; access token revocation goes through the
// blacklist.
type TokenManager struct {
	store      kv.Store
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	clk        clock.Clock
	parser     *jwt.Parser
}

// NewTokenManager creates a TokenManager, filling config defaults.
func NewTokenManager(store kv.Store, cfg TokenConfig) (*TokenManager, error) {
	return NewTokenManagerWithClock(store, cfg, clock.System{})
}

// NewTokenManagerWithClock is NewTokenManager with an injected clock.
func NewTokenManagerWithClock(store kv.Store, cfg TokenConfig, clk clock.Clock) (*TokenManager, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes, got %d", len(cfg.Secret))
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	return &TokenManager{
		store:      store,
		secret:     cfg.Secret,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		clk:        clk,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256"}),
			jwt.WithTimeFunc(clk.Now),
		),
	}, nil
}

// CreateAccessToken signs a short-lived access token. Extra claims are
// merged in without overriding the reserved set.
func (tm *TokenManager) CreateAccessToken(subject, userID string, roles []string, deviceID string, extra map[string]any) (string, error) {
	now := tm.clk.Now()
	claims := jwt.MapClaims{}
	for k, v := range extra {
		claims[k] = v
	}
	claims["sub"] = subject
	claims["user_id"] = userID
	claims["roles"] = roles
	claims["device_id"] = deviceID
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(tm.accessTTL).Unix()
	claims["type"] = TokenTypeAccess

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	slog.Info("Access token created", "user_id", userID)
	return token, nil
}

// CreateRefreshToken signs a refresh token and mirrors it in the KV
// store under its (user, device) key for server-side revocation.
func (tm *TokenManager) CreateRefreshToken(ctx context.Context, userID, deviceID string) (string, error) {
	now := tm.clk.Now()
	claims := jwt.MapClaims{
		"user_id":   userID,
		"device_id": deviceID,
		"iat":       now.Unix(),
		"exp":       now.Add(tm.refreshTTL).Unix(),
		"type":      TokenTypeRefresh,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("sign refresh token: %w", err)
	}

	key := refreshKey(userID, deviceID)
	if err := tm.store.Set(ctx, key, []byte(token), tm.refreshTTL); err != nil {
		return "", err
	}
	slog.Info("Refresh token created", "user_id", userID, "device_id", deviceID)
	return token, nil
}

// VerifyToken checks signature, expiry, type, and blacklist membership,
// in that order. On failure it returns one of the ErrToken* sentinels.
func (tm *TokenManager) VerifyToken(ctx context.Context, tokenStr, expectedType string) (jwt.MapClaims, error) {
	parsed, err := tm.parser.Parse(tokenStr, func(*jwt.Token) (interface{}, error) {
		return tm.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrTokenSignature
		default:
			return nil, ErrTokenMalformed
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrTokenMalformed
	}
	if claims["type"] != expectedType {
		slog.Warn("Token type mismatch", "expected", expectedType)
		return nil, ErrTokenWrongType
	}

	blacklisted, err := tm.store.Exists(ctx, "blacklist/"+tokenStr)
	if err != nil {
		return nil, err
	}
	if blacklisted {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// BlacklistToken revokes a token for its remaining lifetime. The claims
// are decoded without expiry validation so an already-expired token is a
// no-op. Safe to retry.
func (tm *TokenManager) BlacklistToken(ctx context.Context, tokenStr string) error {
	parsed, _, err := jwt.NewParser().ParseUnverified(tokenStr, jwt.MapClaims{})
	if err != nil {
		return ErrTokenMalformed
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return ErrTokenMalformed
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return ErrTokenMalformed
	}

	ttl := exp.Time.Sub(tm.clk.Now())
	if ttl <= 0 {
		return nil
	}
	if err := tm.store.Set(ctx, "blacklist/"+tokenStr, []byte("1"), ttl); err != nil {
		return err
	}
	slog.Info("Token blacklisted")
	return nil
}

// MirroredRefreshToken returns the stored mirror for (user, device), so
// callers can require that a presented refresh token is still the live
// one. Returns ErrTokenRevoked when no mirror exists.
func (tm *TokenManager) MirroredRefreshToken(ctx context.Context, userID, deviceID string) (string, error) {
	data, err := tm.store.Get(ctx, refreshKey(userID, deviceID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return "", ErrTokenRevoked
		}
		return "", err
	}
	return string(data), nil
}

// RevokeRefreshToken deletes the refresh mirror for one (user, device).
func (tm *TokenManager) RevokeRefreshToken(ctx context.Context, userID, deviceID string) error {
	if err := tm.store.Del(ctx, refreshKey(userID, deviceID)); err != nil {
		return err
	}
	slog.Info("Refresh token revoked", "user_id", userID, "device_id", deviceID)
	return nil
}

// RevokeAllUserTokens deletes every refresh mirror under the user.
func (tm *TokenManager) RevokeAllUserTokens(ctx context.Context, userID string) error {
	keys, err := tm.store.Scan(ctx, "refresh/"+userID+"/")
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := tm.store.Del(ctx, keys...); err != nil {
			return err
		}
	}
	slog.Info("All refresh tokens revoked", "user_id", userID, "count", len(keys))
	return nil
}

func refreshKey(userID, deviceID string) string {
	return "refresh/" + userID + "/" + deviceID
}
