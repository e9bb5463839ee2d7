package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ztafinance/gateway/internal/api"
	"github.com/ztafinance/gateway/internal/audit"
	"github.com/ztafinance/gateway/internal/config"
	"github.com/ztafinance/gateway/internal/crypto"
	"github.com/ztafinance/gateway/internal/identity"
	"github.com/ztafinance/gateway/internal/kv"
	"github.com/ztafinance/gateway/internal/metrics"
	"github.com/ztafinance/gateway/internal/middleware"
	"github.com/ztafinance/gateway/internal/policy"
	"github.com/ztafinance/gateway/internal/verification"
)

// protectedRoutes binds route names to the (resource, action) tuples
// the policy engine evaluates. Downstream domain services registered on
// this router only need an entry here to come under enforcement.
var protectedRoutes = map[string]middleware.RouteMeta{
	"accounts.list":       {Resource: "account", Action: "read"},
	"accounts.get":        {Resource: "account", Action: "read"},
	"accounts.update":     {Resource: "account", Action: "write"},
	"transactions.list":   {Resource: "transaction", Action: "read"},
	"transactions.create": {Resource: "transaction", Action: "create"},
	"payments.create":     {Resource: "payment", Action: "create"},
	"admin.devices":       {Resource: "admin", Action: "read"},
	"admin.device.revoke": {Resource: "admin", Action: "write"},
	"admin.sessions":      {Resource: "admin", Action: "read"},
	"admin.sessions.kill": {Resource: "admin", Action: "write"},
	"admin.events":        {Resource: "admin", Action: "read"},
	"admin.risk":          {Resource: "admin", Action: "read"},
	"admin.alerts":        {Resource: "admin", Action: "read"},
	"admin.keys.rotate":   {Resource: "admin", Action: "execute"},
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		slog.Error("Config load failed", "error", err)
		os.Exit(1)
	}

	if cfg.IsProduction() {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	}

	// Shared KV store. Redis is authoritative; the in-memory store is a
	// development fallback only.
	var store kv.Store
	redisStore, err := kv.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		if cfg.IsProduction() {
			slog.Error("Redis unavailable", "error", err)
			os.Exit(1)
		}
		slog.Warn("Redis unavailable, using in-memory store", "error", err)
		store = kv.NewMemoryStore()
	} else {
		store = redisStore
		defer redisStore.Close()
	}

	// User directory: Postgres when configured, in-memory otherwise.
	var directory identity.Directory
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		pg, err := identity.NewPGDirectory(dsn)
		if err != nil {
			slog.Error("Postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		directory = pg
	} else {
		slog.Warn("No postgres_dsn configured, using in-memory user directory")
		directory = identity.NewMemoryDirectory()
	}

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		slog.Error("Encryption key invalid", "error", err)
		os.Exit(1)
	}

	doc, err := policy.LoadDocument(cfg.Policies.Path)
	if err != nil {
		slog.Error("Policy document load failed", "error", err)
		os.Exit(1)
	}
	engine, err := policy.NewEngine(doc)
	if err != nil {
		slog.Error("Policy engine init failed", "error", err)
		os.Exit(1)
	}

	m := metrics.NewMetrics()
	users := identity.NewProvider(directory)
	hasher := crypto.NewPasswordHasher(crypto.DefaultArgon2Params)
	auth := identity.NewAuthenticator(store, hasher, identity.AuthenticatorConfig{
		MaxFailedAttempts: cfg.Lockout.MaxFailedAttempts,
		LockoutWindow:     cfg.LockoutWindow(),
		MFAIssuer:         cfg.MFA.Issuer,
	})
	tokens, err := identity.NewTokenManager(store, identity.TokenConfig{
		Secret:     []byte(cfg.JWT.SecretKey),
		AccessTTL:  cfg.AccessTokenTTL(),
		RefreshTTL: cfg.RefreshTokenTTL(),
	})
	if err != nil {
		slog.Error("Token manager init failed", "error", err)
		os.Exit(1)
	}

	devices := verification.NewDeviceVerifier(store, cfg.TrustedDeviceTTL())
	sessions := verification.NewSessionManager(store, cfg.SessionTimeout())
	risk := verification.NewRiskAnalyzer(store, doc.RiskFactors, nil)

	var auditEncryptor *crypto.Encryptor
	if cfg.Audit.Encryption {
		auditEncryptor = encryptor
	}
	auditor := audit.NewLogger(store, auditEncryptor, cfg.Audit.RetentionDays)
	analytics := audit.NewAnalytics(store)
	keys := crypto.NewKeyStore(store)

	pdp := policy.NewPDP(engine, risk, auditor)
	pep := policy.NewPEP(pdp)

	enforcer := middleware.NewEnforcer(middleware.EnforcerConfig{
		Tokens:              tokens,
		Users:               users,
		Sessions:            sessions,
		Devices:             devices,
		PEP:                 pep,
		Auditor:             auditor,
		Metrics:             m,
		Routes:              protectedRoutes,
		FingerprintRequired: cfg.Device.FingerprintRequired,
	})
	rateLimiter := middleware.NewRateLimiter(store, cfg.RateLimit.PerMinute, cfg.RateLimit.PerHour, m)

	authHandlers := &api.AuthHandlers{
		Auth:        auth,
		Tokens:      tokens,
		Users:       users,
		Devices:     devices,
		Sessions:    sessions,
		Auditor:     auditor,
		Metrics:     m,
		MFARequired: cfg.MFA.Required,
	}
	adminHandlers := &api.AdminHandlers{
		Users:     users,
		Tokens:    tokens,
		Devices:   devices,
		Sessions:  sessions,
		Risk:      risk,
		Auditor:   auditor,
		Analytics: analytics,
		Keys:      keys,
	}

	router := mux.NewRouter()
	router.Use(rateLimiter.Middleware)
	router.Use(enforcer.Middleware)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet).Name("healthz")
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet).Name("metrics")

	// Authentication surface (pre-decision, rate limited only).
	router.HandleFunc("/auth/login", authHandlers.Login).Methods(http.MethodPost).Name("auth.login")
	router.HandleFunc("/auth/refresh", authHandlers.Refresh).Methods(http.MethodPost).Name("auth.refresh")
	router.HandleFunc("/auth/logout", authHandlers.Logout).Methods(http.MethodPost).Name("auth.logout")
	router.HandleFunc("/auth/reset/request", authHandlers.RequestPasswordReset).Methods(http.MethodPost).Name("auth.reset.request")
	router.HandleFunc("/auth/reset/confirm", authHandlers.ConfirmPasswordReset).Methods(http.MethodPost).Name("auth.reset.confirm")
	router.HandleFunc("/auth/mfa/setup", authHandlers.SetupMFA).Methods(http.MethodPost).Name("auth.mfa.setup")
	router.HandleFunc("/auth/mfa/enable", authHandlers.EnableMFA).Methods(http.MethodPost).Name("auth.mfa.enable")
	router.HandleFunc("/me/permissions",
		authHandlers.Permissions(pep, []string{"account", "transaction", "payment", "admin"})).
		Methods(http.MethodGet).Name("me.permissions")

	// Admin surface (behind enforcement).
	admin := router.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/users/{user_id}/devices", adminHandlers.ListDevices).Methods(http.MethodGet).Name("admin.devices")
	admin.HandleFunc("/users/{user_id}/devices/{device_id}/trust", adminHandlers.RevokeDeviceTrust).Methods(http.MethodDelete).Name("admin.device.revoke")
	admin.HandleFunc("/users/{user_id}/sessions", adminHandlers.ListSessions).Methods(http.MethodGet).Name("admin.sessions")
	admin.HandleFunc("/users/{user_id}/sessions", adminHandlers.TerminateSessions).Methods(http.MethodDelete).Name("admin.sessions.kill")
	admin.HandleFunc("/users/{user_id}/events", adminHandlers.UserEvents).Methods(http.MethodGet).Name("admin.events")
	admin.HandleFunc("/users/{user_id}/risk", adminHandlers.RiskHistory).Methods(http.MethodGet).Name("admin.risk")
	admin.HandleFunc("/alerts/bruteforce", adminHandlers.BruteForceAlerts).Methods(http.MethodGet).Name("admin.alerts")
	admin.HandleFunc("/keys/rotate", adminHandlers.RotateKey).Methods(http.MethodPost).Name("admin.keys.rotate")

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		slog.Info("Gateway listening", "port", cfg.Server.Port, "env", cfg.Server.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown failed", "error", err)
	}
	slog.Info("Gateway stopped")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
