package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztafinance/gateway/internal/audit"
	"github.com/ztafinance/gateway/internal/clock"
	"github.com/ztafinance/gateway/internal/crypto"
	"github.com/ztafinance/gateway/internal/identity"
	"github.com/ztafinance/gateway/internal/kv"
	"github.com/ztafinance/gateway/internal/verification"
)

type authFixture struct {
	handlers *AuthHandlers
	users    *identity.Provider
	auth     *identity.Authenticator
	store    *kv.MemoryStore
	clk      *clock.Manual
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := kv.NewMemoryStoreWithClock(clk)

	hasher := crypto.NewPasswordHasher(crypto.Argon2Params{Memory: 8 * 1024, Time: 1, Parallelism: 1})
	auth := identity.NewAuthenticatorWithClock(store, hasher, identity.AuthenticatorConfig{}, clk)
	tokens, err := identity.NewTokenManagerWithClock(store, identity.TokenConfig{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
	}, clk)
	require.NoError(t, err)

	users := identity.NewProvider(identity.NewMemoryDirectory())

	handlers := &AuthHandlers{
		Auth:     auth,
		Tokens:   tokens,
		Users:    users,
		Devices:  verification.NewDeviceVerifierWithClock(store, 0, clk),
		Sessions: verification.NewSessionManagerWithClock(store, 30*time.Minute, clk),
		Auditor:  audit.NewLoggerWithClock(store, nil, 365, clk),
	}
	return &authFixture{handlers: handlers, users: users, auth: auth, store: store, clk: clk}
}

func (f *authFixture) createUser(t *testing.T, username, password string) *identity.User {
	t.Helper()
	hash, err := f.handlers.Auth.HashPassword(password)
	require.NoError(t, err)
	user, err := f.users.CreateUser(context.Background(), username, username+"@example.com", hash, nil)
	require.NoError(t, err)
	return user
}

func (f *authFixture) postLogin(t *testing.T, body loginRequest) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(payload))
	req.RemoteAddr = "203.0.113.5:40000"
	req.Header.Set("X-Device-ID", "d-1")
	rec := httptest.NewRecorder()
	f.handlers.Login(rec, req)
	return rec
}

func TestLogin_Success(t *testing.T) {
	f := newAuthFixture(t)
	f.createUser(t, "alice", "pw-1")

	rec := f.postLogin(t, loginRequest{Username: "alice", Password: "pw-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.NotEmpty(t, resp.SessionID)

	// First sight registered the device.
	known, err := f.handlers.Devices.IsKnownDevice(context.Background(), mustUserID(t, f, "alice"), "d-1")
	require.NoError(t, err)
	assert.True(t, known)
}

func TestLogin_BadPasswordTracksAndLocks(t *testing.T) {
	f := newAuthFixture(t)
	f.createUser(t, "alice", "pw-1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := f.postLogin(t, loginRequest{Username: "alice", Password: "wrong"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "authentication_required")
	}

	locked, err := f.auth.IsAccountLocked(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, locked)

	// The right password no longer helps while the lock holds.
	rec := f.postLogin(t, loginRequest{Username: "alice", Password: "pw-1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Lock lapses with its window.
	f.clk.Advance(31 * time.Minute)
	rec = f.postLogin(t, loginRequest{Username: "alice", Password: "pw-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogin_UnknownUserIsIndistinguishable(t *testing.T) {
	f := newAuthFixture(t)
	f.createUser(t, "alice", "pw-1")

	missing := f.postLogin(t, loginRequest{Username: "nobody", Password: "pw-1"})
	wrong := f.postLogin(t, loginRequest{Username: "alice", Password: "bad"})

	assert.Equal(t, wrong.Code, missing.Code)
	assert.JSONEq(t, wrong.Body.String(), missing.Body.String())
}

func TestLogin_MFAFlow(t *testing.T) {
	f := newAuthFixture(t)
	user := f.createUser(t, "alice", "pw-1")
	ctx := context.Background()

	secret, err := f.auth.GenerateMFASecret()
	require.NoError(t, err)
	require.NoError(t, f.users.EnableMFA(ctx, user.ID, secret))

	// No code: step-up demanded.
	rec := f.postLogin(t, loginRequest{Username: "alice", Password: "pw-1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "step_up_required")

	// Valid code: in.
	code, err := totp.GenerateCodeCustom(secret, f.clk.Now(), totp.ValidateOpts{
		Period: 30, Skew: 1, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	rec = f.postLogin(t, loginRequest{Username: "alice", Password: "pw-1", MFACode: code})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Same code again: replayed, rejected.
	f.clk.Advance(2 * time.Second)
	rec = f.postLogin(t, loginRequest{Username: "alice", Password: "pw-1", MFACode: code})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshAndLogout(t *testing.T) {
	f := newAuthFixture(t)
	f.createUser(t, "alice", "pw-1")
	ctx := context.Background()

	rec := f.postLogin(t, loginRequest{Username: "alice", Password: "pw-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var login loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))

	// Refresh issues a fresh access token.
	body, _ := json.Marshal(refreshRequest{RefreshToken: login.RefreshToken})
	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	f.handlers.Refresh(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Logout blacklists the access token and kills the refresh mirror.
	body, _ = json.Marshal(logoutRequest{SessionID: login.SessionID})
	req = httptest.NewRequest(http.MethodPost, "/auth/logout", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	rec = httptest.NewRecorder()
	f.handlers.Logout(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := f.handlers.Tokens.VerifyToken(ctx, login.AccessToken, identity.TokenTypeAccess)
	assert.ErrorIs(t, err, identity.ErrTokenRevoked)

	// The refresh token no longer matches a live mirror.
	body, _ = json.Marshal(refreshRequest{RefreshToken: login.RefreshToken})
	req = httptest.NewRequest(http.MethodPost, "/auth/refresh", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	f.handlers.Refresh(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Session is gone.
	_, err = f.handlers.Sessions.GetSession(ctx, login.SessionID)
	assert.ErrorIs(t, err, verification.ErrSessionNotFound)
}

func TestPasswordResetFlow(t *testing.T) {
	f := newAuthFixture(t)
	f.createUser(t, "alice", "old-pw")
	ctx := context.Background()

	token, err := f.auth.GenerateResetToken(ctx, "alice")
	require.NoError(t, err)

	body, _ := json.Marshal(resetConfirmRequest{Token: token, NewPassword: "new-pw"})
	req := httptest.NewRequest(http.MethodPost, "/auth/reset/confirm", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.handlers.ConfirmPasswordReset(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Old password is dead, new one works.
	recLogin := f.postLogin(t, loginRequest{Username: "alice", Password: "old-pw"})
	assert.Equal(t, http.StatusUnauthorized, recLogin.Code)
	recLogin = f.postLogin(t, loginRequest{Username: "alice", Password: "new-pw"})
	assert.Equal(t, http.StatusOK, recLogin.Code)

	// The token was consumed.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/auth/reset/confirm", bytes.NewReader(body))
	f.handlers.ConfirmPasswordReset(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func mustUserID(t *testing.T, f *authFixture, username string) string {
	t.Helper()
	user, err := f.users.UserByUsername(context.Background(), username)
	require.NoError(t, err)
	return user.ID
}
