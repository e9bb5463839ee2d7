package identity

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/ztafinance/gateway/internal/clock"
	"github.com/ztafinance/gateway/internal/crypto"
	"github.com/ztafinance/gateway/internal/kv"
)

const (
	totpPeriod     = 30
	totpSkew       = 1
	mfaReplayTTL   = (2*totpSkew + 1) * totpPeriod * time.Second // a code's full ±skew validity
	resetTokenTTL  = time.Hour
	mfaSecretBytes = 20 // 160 bits of entropy, base32-encoded
)

// AuthenticatorConfig tunes lockout behavior.
type AuthenticatorConfig struct {
	MaxFailedAttempts int           // lock threshold
	LockoutWindow     time.Duration // counter TTL
	MFAIssuer         string
}

// Authenticator handles password verification, TOTP with replay
// suppression, failed-attempt lockout, and reset tokens. All mutable
// state lives in the KV store.
type Authenticator struct {
	store  kv.Store
	hasher *crypto.PasswordHasher
	cfg    AuthenticatorConfig
	clk    clock.Clock
}

// NewAuthenticator creates an Authenticator, filling config defaults.
func NewAuthenticator(store kv.Store, hasher *crypto.PasswordHasher, cfg AuthenticatorConfig) *Authenticator {
	return NewAuthenticatorWithClock(store, hasher, cfg, clock.System{})
}

// NewAuthenticatorWithClock is NewAuthenticator with an injected clock.
func NewAuthenticatorWithClock(store kv.Store, hasher *crypto.PasswordHasher, cfg AuthenticatorConfig, clk clock.Clock) *Authenticator {
	if cfg.MaxFailedAttempts == 0 {
		cfg.MaxFailedAttempts = 5
	}
	if cfg.LockoutWindow == 0 {
		cfg.LockoutWindow = 30 * time.Minute
	}
	if cfg.MFAIssuer == "" {
		cfg.MFAIssuer = "ZTA-Finance"
	}
	return &Authenticator{store: store, hasher: hasher, cfg: cfg, clk: clk}
}

// HashPassword derives an argon2id hash with a fresh salt.
func (a *Authenticator) HashPassword(password string) (string, error) {
	return a.hasher.Hash(password)
}

// PasswordCheck is the result of VerifyPassword.
type PasswordCheck struct {
	Verified     bool
	RehashNeeded bool // stored hash uses obsolete parameters; re-hash on next login
}

// VerifyPassword checks a password against a stored hash. A malformed or
// absent hash behaves like a mismatch so callers cannot distinguish
// "wrong password" from "no such credential".
func (a *Authenticator) VerifyPassword(password, hash string) PasswordCheck {
	ok, err := a.hasher.Verify(password, hash)
	if err != nil || !ok {
		return PasswordCheck{}
	}
	return PasswordCheck{Verified: true, RehashNeeded: a.hasher.NeedsRehash(hash)}
}

// GenerateMFASecret returns a fresh base32 TOTP secret.
func (a *Authenticator) GenerateMFASecret() (string, error) {
	buf := make([]byte, mfaSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate mfa secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}

// MFAProvisioningURI builds the otpauth:// URI for authenticator apps.
func (a *Authenticator) MFAProvisioningURI(secret, account string) string {
	v := url.Values{}
	v.Set("secret", secret)
	v.Set("issuer", a.cfg.MFAIssuer)
	v.Set("algorithm", "SHA1")
	v.Set("digits", "6")
	v.Set("period", strconv.Itoa(totpPeriod))
	u := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + a.cfg.MFAIssuer + ":" + account,
		RawQuery: v.Encode(),
	}
	return u.String()
}

// VerifyMFA validates a TOTP code with a ±1 step window and suppresses
// replays: a code accepted once is refused for the rest of its validity.
// Returns nil, ErrMFABadCode, or ErrMFAReplay.
func (a *Authenticator) VerifyMFA(ctx context.Context, secret, code string) error {
	valid, err := totp.ValidateCustom(code, secret, a.clk.Now(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		return ErrMFABadCode
	}

	replayKey := "mfa_used/" + secret + "/" + code
	exists, err := a.store.Exists(ctx, replayKey)
	if err != nil {
		return err
	}
	if exists {
		slog.Warn("MFA code reuse attempt detected")
		return ErrMFAReplay
	}
	return a.store.Set(ctx, replayKey, []byte("1"), mfaReplayTTL)
}

// LockoutStatus reports the state of the failed-attempt counter.
type LockoutStatus struct {
	Attempts       int64 `json:"attempts"`
	Locked         bool  `json:"locked"`
	LockoutSeconds int   `json:"lockout_duration"`
}

// TrackFailedAttempt increments the per-username failure counter,
// arming the lockout-window TTL on the first observed increment.
func (a *Authenticator) TrackFailedAttempt(ctx context.Context, username string) (LockoutStatus, error) {
	key := "failed_attempts/" + username
	attempts, err := a.store.Incr(ctx, key)
	if err != nil {
		return LockoutStatus{}, err
	}
	if attempts == 1 {
		if err := a.store.Expire(ctx, key, a.cfg.LockoutWindow); err != nil {
			return LockoutStatus{}, err
		}
	}

	slog.Warn("Failed login attempt", "username", username, "count", attempts)

	status := LockoutStatus{Attempts: attempts}
	if attempts >= int64(a.cfg.MaxFailedAttempts) {
		status.Locked = true
		status.LockoutSeconds = int(a.cfg.LockoutWindow.Seconds())
	}
	return status, nil
}

// ClearFailedAttempts resets the counter after a successful login.
func (a *Authenticator) ClearFailedAttempts(ctx context.Context, username string) error {
	return a.store.Del(ctx, "failed_attempts/"+username)
}

// IsAccountLocked reports whether the counter has reached the lock
// threshold and its window has not yet expired.
func (a *Authenticator) IsAccountLocked(ctx context.Context, username string) (bool, error) {
	data, err := a.store.Get(ctx, "failed_attempts/"+username)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	attempts, _ := strconv.ParseInt(string(data), 10, 64)
	return attempts >= int64(a.cfg.MaxFailedAttempts), nil
}

// GenerateResetToken issues a single-use 256-bit password reset token
// mapped to the username for one hour.
func (a *Authenticator) GenerateResetToken(ctx context.Context, username string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	if err := a.store.Set(ctx, "reset_token/"+token, []byte(username), resetTokenTTL); err != nil {
		return "", err
	}
	slog.Info("Password reset token generated", "username", username)
	return token, nil
}

// VerifyResetToken consumes a reset token: the mapping is deleted before
// the username is returned, so a token verifies at most once.
func (a *Authenticator) VerifyResetToken(ctx context.Context, token string) (string, error) {
	key := "reset_token/" + token
	data, err := a.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return "", ErrBadCredentials
		}
		return "", err
	}
	if err := a.store.Del(ctx, key); err != nil {
		return "", err
	}
	return string(data), nil
}
