package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ztafinance/gateway/internal/clock"
	"github.com/ztafinance/gateway/internal/kv"
)

const keyPrefix = "encryption_key"

// Key lifecycle statuses. Exactly one key is active at a time; rotated
// keys remain readable for decryption of older ciphertext.
const (
	KeyStatusActive  = "active"
	KeyStatusRotated = "rotated"
	KeyStatusRevoked = "revoked"
)

// ErrKeyNotFound is returned when the requested key does not exist.
var ErrKeyNotFound = errors.New("crypto: encryption key not found")

// ErrKeyNotActive is returned when a key exists but is not usable for
// encryption.
var ErrKeyNotActive = errors.New("crypto: encryption key not active")

// KeyRecord is the stored form of an encryption key.
type KeyRecord struct {
	KeyID     string            `json:"key_id"`
	Key       string            `json:"key"` // base64, 32 bytes
	Status    string            `json:"status"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// KeyInfo is KeyRecord without the key material.
type KeyInfo struct {
	KeyID     string            `json:"key_id"`
	Status    string            `json:"status"`
	CreatedAt string            `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RotationResult reports the outcome of a key rotation.
type RotationResult struct {
	OldKeyID  string `json:"old_key_id,omitempty"`
	NewKeyID  string `json:"new_key_id"`
	RotatedAt string `json:"rotated_at"`
}

// KeyStore manages encryption keys and rotation over the KV store.
type KeyStore struct {
	store kv.Store
	clk   clock.Clock
}

// NewKeyStore creates a KeyStore on the system clock.
func NewKeyStore(store kv.Store) *KeyStore {
	return &KeyStore{store: store, clk: clock.System{}}
}

// NewKeyStoreWithClock creates a KeyStore on the given clock.
func NewKeyStoreWithClock(store kv.Store, clk clock.Clock) *KeyStore {
	return &KeyStore{store: store, clk: clk}
}

func keyName(keyID string) string { return keyPrefix + "/" + keyID }

// Store persists a new key as active-eligible material under keyID.
func (ks *KeyStore) Store(ctx context.Context, keyID, keyB64 string, metadata map[string]string) error {
	rec := KeyRecord{
		KeyID:     keyID,
		Key:       keyB64,
		Status:    KeyStatusActive,
		CreatedAt: ks.clk.Now().Format("2006-01-02T15:04:05Z"),
		Metadata:  metadata,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := ks.store.Set(ctx, keyName(keyID), data, 0); err != nil {
		return err
	}
	slog.Info("Encryption key stored", "key_id", keyID)
	return nil
}

// Get returns key material for keyID if the key is active.
func (ks *KeyStore) Get(ctx context.Context, keyID string) (string, error) {
	rec, err := ks.record(ctx, keyID)
	if err != nil {
		return "", err
	}
	if rec.Status != KeyStatusActive {
		return "", fmt.Errorf("%w: %s is %s", ErrKeyNotActive, keyID, rec.Status)
	}
	return rec.Key, nil
}

// GetAny returns key material regardless of status, for decrypting data
// written under a rotated key. Revoked keys are refused.
func (ks *KeyStore) GetAny(ctx context.Context, keyID string) (string, error) {
	rec, err := ks.record(ctx, keyID)
	if err != nil {
		return "", err
	}
	if rec.Status == KeyStatusRevoked {
		return "", fmt.Errorf("%w: %s is revoked", ErrKeyNotActive, keyID)
	}
	return rec.Key, nil
}

// ActiveKey returns the currently designated active key.
func (ks *KeyStore) ActiveKey(ctx context.Context) (*KeyRecord, error) {
	idBytes, err := ks.store.Get(ctx, keyName("active"))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return ks.record(ctx, string(idBytes))
}

// SetActive designates keyID as the active encryption key. The key must
// exist and be active-usable.
func (ks *KeyStore) SetActive(ctx context.Context, keyID string) error {
	if _, err := ks.Get(ctx, keyID); err != nil {
		return err
	}
	if err := ks.store.Set(ctx, keyName("active"), []byte(keyID), 0); err != nil {
		return err
	}
	slog.Info("Active encryption key set", "key_id", keyID)
	return nil
}

// Rotate generates a fresh key, makes it active, and marks the previous
// active key rotated (kept readable for decryption).
func (ks *KeyStore) Rotate(ctx context.Context) (*RotationResult, error) {
	newKey, err := GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	now := ks.clk.Now()
	newKeyID := fmt.Sprintf("key_%d", now.Unix())

	old, err := ks.ActiveKey(ctx)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	meta := map[string]string{"rotation_date": now.Format("2006-01-02T15:04:05Z")}
	if err := ks.Store(ctx, newKeyID, newKey, meta); err != nil {
		return nil, err
	}
	if err := ks.SetActive(ctx, newKeyID); err != nil {
		return nil, err
	}

	result := &RotationResult{
		NewKeyID:  newKeyID,
		RotatedAt: now.Format("2006-01-02T15:04:05Z"),
	}
	if old != nil {
		if err := ks.setStatus(ctx, old.KeyID, KeyStatusRotated); err != nil {
			return nil, err
		}
		result.OldKeyID = old.KeyID
	}

	slog.Info("Key rotation completed", "new_key_id", newKeyID, "old_key_id", result.OldKeyID)
	return result, nil
}

// Revoke marks a key revoked. Data encrypted under it becomes
// unrecoverable through this store.
func (ks *KeyStore) Revoke(ctx context.Context, keyID string) error {
	if err := ks.setStatus(ctx, keyID, KeyStatusRevoked); err != nil {
		return err
	}
	slog.Warn("Encryption key revoked", "key_id", keyID)
	return nil
}

// List returns metadata for every stored key.
func (ks *KeyStore) List(ctx context.Context) ([]KeyInfo, error) {
	keys, err := ks.store.Scan(ctx, keyPrefix+"/")
	if err != nil {
		return nil, err
	}
	var infos []KeyInfo
	for _, name := range keys {
		if name == keyName("active") {
			continue
		}
		data, err := ks.store.Get(ctx, name)
		if err != nil {
			continue
		}
		var rec KeyRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		infos = append(infos, KeyInfo{
			KeyID:     rec.KeyID,
			Status:    rec.Status,
			CreatedAt: rec.CreatedAt,
			Metadata:  rec.Metadata,
		})
	}
	return infos, nil
}

// Info returns metadata for one key without its material.
func (ks *KeyStore) Info(ctx context.Context, keyID string) (*KeyInfo, error) {
	rec, err := ks.record(ctx, keyID)
	if err != nil {
		return nil, err
	}
	return &KeyInfo{
		KeyID:     rec.KeyID,
		Status:    rec.Status,
		CreatedAt: rec.CreatedAt,
		Metadata:  rec.Metadata,
	}, nil
}

func (ks *KeyStore) record(ctx context.Context, keyID string) (*KeyRecord, error) {
	data, err := ks.store.Get(ctx, keyName(keyID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
		}
		return nil, err
	}
	var rec KeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode key record %s: %w", keyID, err)
	}
	return &rec, nil
}

func (ks *KeyStore) setStatus(ctx context.Context, keyID, status string) error {
	rec, err := ks.record(ctx, keyID)
	if err != nil {
		return err
	}
	rec.Status = status
	rec.UpdatedAt = ks.clk.Now().Format("2006-01-02T15:04:05Z")
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ks.store.Set(ctx, keyName(keyID), data, 0)
}
