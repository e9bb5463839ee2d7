// Package identity covers the gateway's identity plane: the user
// directory, credential and multi-factor authentication with lockout,
// and bearer token issuance, verification, and revocation.
package identity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// User is the directory entity. The password hash is the only
// authoritative credential state.
type User struct {
	ID           string            `json:"user_id"`
	Username     string            `json:"username"`
	Email        string            `json:"email"`
	PasswordHash string            `json:"-"`
	Roles        []string          `json:"roles"`
	MFAEnabled   bool              `json:"mfa_enabled"`
	MFASecret    string            `json:"-"`
	Verified     bool              `json:"verified"`
	Active       bool              `json:"active"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// HasRole reports whether the user carries the given role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Directory is the collaborator surface for user storage. Implementations
// must return ErrUserNotFound for unknown lookups.
type Directory interface {
	Create(ctx context.Context, u *User) error
	ByID(ctx context.Context, id string) (*User, error)
	ByUsername(ctx context.Context, username string) (*User, error)
	ByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error
}

// Provider wraps a Directory with the identity lifecycle operations.
type Provider struct {
	dir Directory
}

// NewProvider creates a Provider over the given directory.
func NewProvider(dir Directory) *Provider {
	return &Provider{dir: dir}
}

// CreateUser registers a new identity with the default account_holder
// role when none is given.
func (p *Provider) CreateUser(ctx context.Context, username, email, passwordHash string, roles []string) (*User, error) {
	if len(roles) == 0 {
		roles = []string{"account_holder"}
	}
	now := time.Now().UTC()
	u := &User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		Roles:        roles,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.dir.Create(ctx, u); err != nil {
		return nil, err
	}
	slog.Info("User created", "username", username, "user_id", u.ID)
	return u, nil
}

func (p *Provider) User(ctx context.Context, id string) (*User, error) {
	return p.dir.ByID(ctx, id)
}

func (p *Provider) UserByUsername(ctx context.Context, username string) (*User, error) {
	return p.dir.ByUsername(ctx, username)
}

func (p *Provider) UserByEmail(ctx context.Context, email string) (*User, error) {
	return p.dir.ByEmail(ctx, email)
}

// EnableMFA stores the TOTP secret and flips the MFA flag.
func (p *Provider) EnableMFA(ctx context.Context, userID, secret string) error {
	return p.mutate(ctx, userID, func(u *User) {
		u.MFAEnabled = true
		u.MFASecret = secret
	})
}

// DisableMFA clears the TOTP secret.
func (p *Provider) DisableMFA(ctx context.Context, userID string) error {
	return p.mutate(ctx, userID, func(u *User) {
		u.MFAEnabled = false
		u.MFASecret = ""
	})
}

// MarkVerified records that the user completed identity verification.
func (p *Provider) MarkVerified(ctx context.Context, userID string) error {
	return p.mutate(ctx, userID, func(u *User) { u.Verified = true })
}

// Deactivate soft-disables the account.
func (p *Provider) Deactivate(ctx context.Context, userID string) error {
	slog.Warn("User deactivated", "user_id", userID)
	return p.mutate(ctx, userID, func(u *User) { u.Active = false })
}

// Reactivate re-enables a deactivated account.
func (p *Provider) Reactivate(ctx context.Context, userID string) error {
	return p.mutate(ctx, userID, func(u *User) { u.Active = true })
}

// AddRole grants a role if not already present.
func (p *Provider) AddRole(ctx context.Context, userID, role string) error {
	return p.mutate(ctx, userID, func(u *User) {
		if !u.HasRole(role) {
			u.Roles = append(u.Roles, role)
		}
	})
}

// RemoveRole drops a role if present.
func (p *Provider) RemoveRole(ctx context.Context, userID, role string) error {
	return p.mutate(ctx, userID, func(u *User) {
		roles := u.Roles[:0]
		for _, r := range u.Roles {
			if r != role {
				roles = append(roles, r)
			}
		}
		u.Roles = roles
	})
}

// SetPasswordHash replaces the credential, e.g. after a reset or a
// rehash-on-login.
func (p *Provider) SetPasswordHash(ctx context.Context, userID, hash string) error {
	return p.mutate(ctx, userID, func(u *User) { u.PasswordHash = hash })
}

func (p *Provider) mutate(ctx context.Context, userID string, fn func(*User)) error {
	u, err := p.dir.ByID(ctx, userID)
	if err != nil {
		return err
	}
	fn(u)
	u.UpdatedAt = time.Now().UTC()
	return p.dir.Update(ctx, u)
}

// MemoryDirectory is an in-process Directory for development and tests.
type MemoryDirectory struct {
	mu         sync.RWMutex
	byID       map[string]*User
	byUsername map[string]string
	byEmail    map[string]string
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byID:       make(map[string]*User),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
	}
}

func (d *MemoryDirectory) Create(ctx context.Context, u *User) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *u
	d.byID[u.ID] = &cp
	d.byUsername[u.Username] = u.ID
	d.byEmail[u.Email] = u.ID
	return nil
}

func (d *MemoryDirectory) ByID(ctx context.Context, id string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (d *MemoryDirectory) ByUsername(ctx context.Context, username string) (*User, error) {
	d.mu.RLock()
	id, ok := d.byUsername[username]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	return d.ByID(ctx, id)
}

func (d *MemoryDirectory) ByEmail(ctx context.Context, email string) (*User, error) {
	d.mu.RLock()
	id, ok := d.byEmail[email]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	return d.ByID(ctx, id)
}

func (d *MemoryDirectory) Update(ctx context.Context, u *User) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	old, ok := d.byID[u.ID]
	if !ok {
		return ErrUserNotFound
	}
	if old.Username != u.Username {
		delete(d.byUsername, old.Username)
		d.byUsername[u.Username] = u.ID
	}
	if old.Email != u.Email {
		delete(d.byEmail, old.Email)
		d.byEmail[u.Email] = u.ID
	}
	cp := *u
	d.byID[u.ID] = &cp
	return nil
}
