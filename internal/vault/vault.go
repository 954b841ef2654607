// Package vault stores upstream credentials encrypted at rest with
// XChaCha20-Poly1305. Plaintext leaves the vault only through Open, which
// the proxy pipeline calls when injecting credentials into upstream requests.
package vault

import (
	"context"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/store"
)

// DefaultTimeout bounds every vault operation.
const DefaultTimeout = 2 * time.Second

const fingerprintSetting = "vault_key_fingerprint"

var (
	// ErrNoKey is returned when no master key is configured. The gateway
	// refuses to start rather than generating an ephemeral key.
	ErrNoKey = errors.New("vault key is not configured")

	// ErrInvalidKey is returned for keys that do not decode to 32 bytes.
	ErrInvalidKey = errors.New("vault key must decode to 32 bytes (base64 or hex)")

	// ErrKeyMismatch is returned when the configured key differs from the
	// key that encrypted the existing secrets.
	ErrKeyMismatch = errors.New("vault key does not match the key used for existing secrets")

	// ErrNotFound is returned when no secret is stored under a key.
	ErrNotFound = errors.New("secret not found")
)

// Backend persists encrypted records. *store.Store implements it.
type Backend interface {
	PutSecret(ctx context.Context, rec *model.SecretRecord) error
	GetSecret(ctx context.Context, key string) (*model.SecretRecord, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context, prefix string) ([]*model.SecretRecord, error)
}

// Settings persists the key fingerprint. *store.Store implements it.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	CountSecrets(ctx context.Context) (int, error)
}

// Vault encrypts, stores, and decrypts secrets.
type Vault struct {
	aead        cipher.AEAD
	backend     Backend
	timeout     time.Duration
	fingerprint string
}

// New creates a vault over backend with a 32-byte master key.
func New(key []byte, backend Backend) (*Vault, error) {
	if len(key) == 0 {
		return nil, ErrNoKey
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("sluice vault fingerprint v1"))

	return &Vault{
		aead:        aead,
		backend:     backend,
		timeout:     DefaultTimeout,
		fingerprint: hex.EncodeToString(mac.Sum(nil))[:16],
	}, nil
}

// SetTimeout overrides the per-operation timeout.
func (v *Vault) SetTimeout(d time.Duration) {
	if d > 0 {
		v.timeout = d
	}
}

// Fingerprint identifies the master key without revealing it.
func (v *Vault) Fingerprint() string {
	return v.fingerprint
}

// Bind records the key fingerprint on first use and rejects a different key
// on later starts. A store that already holds secrets but no fingerprint is
// adopted as-is.
func (v *Vault) Bind(ctx context.Context, s Settings) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	stored, err := s.GetSetting(ctx, fingerprintSetting)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return s.SetSetting(ctx, fingerprintSetting, v.fingerprint)
	case err != nil:
		return fmt.Errorf("read vault fingerprint: %w", err)
	case stored != v.fingerprint:
		n, err := s.CountSecrets(ctx)
		if err != nil {
			return fmt.Errorf("count secrets: %w", err)
		}
		if n > 0 {
			return ErrKeyMismatch
		}
		return s.SetSetting(ctx, fingerprintSetting, v.fingerprint)
	}
	return nil
}

// Put encrypts plaintext under a fresh nonce and stores it. Writing an
// existing key rotates it.
func (v *Vault) Put(ctx context.Context, key, plaintext string) error {
	if key == "" {
		return errors.New("secret key cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	rec := &model.SecretRecord{
		Key:        key,
		Nonce:      nonce,
		Ciphertext: v.aead.Seal(nil, nonce, []byte(plaintext), []byte(key)),
	}
	if err := v.backend.PutSecret(ctx, rec); err != nil {
		return fmt.Errorf("store secret: %w", err)
	}
	return nil
}

// Get returns the encrypted record stored under key.
func (v *Vault) Get(ctx context.Context, key string) (*model.SecretRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	rec, err := v.backend.GetSecret(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load secret: %w", err)
	}
	return rec, nil
}

// Delete removes the secret stored under key.
func (v *Vault) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	err := v.backend.DeleteSecret(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Status reports whether a secret is configured along with its timestamps.
func (v *Vault) Status(ctx context.Context, key string) (model.SecretStatus, error) {
	st := model.SecretStatus{Name: key}
	rec, err := v.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	return statusOf(key, rec), nil
}

// List reports the status of every secret whose key starts with prefix. The
// returned names have the prefix removed.
func (v *Vault) List(ctx context.Context, prefix string) ([]model.SecretStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	recs, err := v.backend.ListSecrets(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	out := make([]model.SecretStatus, len(recs))
	for i, rec := range recs {
		out[i] = statusOf(strings.TrimPrefix(rec.Key, prefix), rec)
	}
	return out, nil
}

// Open decrypts the secret stored under key. Only credential injection may
// call it; plaintext must never cross the gateway's external boundary.
func (v *Vault) Open(ctx context.Context, key string) (string, error) {
	rec, err := v.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if len(rec.Nonce) != v.aead.NonceSize() {
		return "", fmt.Errorf("secret %q: malformed nonce", key)
	}
	pt, err := v.aead.Open(nil, rec.Nonce, rec.Ciphertext, []byte(key))
	if err != nil {
		return "", fmt.Errorf("decrypt secret %q: %w", key, err)
	}
	return string(pt), nil
}

func statusOf(name string, rec *model.SecretRecord) model.SecretStatus {
	created, updated := rec.CreatedAt, rec.UpdatedAt
	return model.SecretStatus{
		Name:       name,
		Configured: true,
		CreatedAt:  &created,
		UpdatedAt:  &updated,
		RotatedAt:  rec.RotatedAt,
	}
}

// SecretKey returns the vault key for a connector secret:
// "<scope kind>:<scope id>:<connector slug>:<name>".
func SecretKey(scope model.Scope, slug, name string) string {
	return ConnectorPrefix(scope, slug) + name
}

// ConnectorPrefix returns the key prefix shared by a connector's secrets.
func ConnectorPrefix(scope model.Scope, slug string) string {
	return scope.Key() + ":" + slug + ":"
}

// ---------------------------------------------------------------------------
// Key material
// ---------------------------------------------------------------------------

// ParseKey decodes a 32-byte key from base64 (standard or URL alphabet,
// padded or not) or hex.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrNoKey
	}
	if len(s) == 64 {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
			return b, nil
		}
	}
	return nil, ErrInvalidKey
}

// LoadKey resolves the master key from an inline value or a key file. The
// inline value wins when both are set.
func LoadKey(value, file string) ([]byte, error) {
	if value == "" && file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read vault key file: %w", err)
		}
		value = string(data)
	}
	return ParseKey(value)
}

// GenerateKey returns a new random key, base64 encoded.
func GenerateKey() (string, error) {
	b := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate vault key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
