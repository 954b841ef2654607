package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/faucetdb/sluice/internal/model"
	"github.com/faucetdb/sluice/internal/store"
)

func testKey() []byte {
	return bytes.Repeat([]byte{7}, 32)
}

func newTestVault(t *testing.T) (*Vault, *store.Store) {
	t.Helper()
	s, err := store.New(store.Options{})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	v, err := New(testKey(), s)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v, s
}

func TestNewFailsClosedWithoutKey(t *testing.T) {
	if _, err := New(nil, nil); !errors.Is(err, ErrNoKey) {
		t.Errorf("nil key: got %v, want ErrNoKey", err)
	}
	if _, err := New([]byte("short"), nil); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("short key: got %v, want ErrInvalidKey", err)
	}
	if _, err := LoadKey("", ""); !errors.Is(err, ErrNoKey) {
		t.Errorf("LoadKey empty: got %v, want ErrNoKey", err)
	}
}

func TestPutOpenRoundTrip(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()
	key := SecretKey(model.TeamScope("acme"), "weather", "token")

	if err := v.Put(ctx, key, "s3cret"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := v.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "s3cret" {
		t.Errorf("Open = %q, want s3cret", got)
	}

	rec, err := v.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if bytes.Contains(rec.Ciphertext, []byte("s3cret")) {
		t.Error("ciphertext contains plaintext")
	}
	if len(rec.Nonce) != 24 {
		t.Errorf("nonce length = %d, want 24", len(rec.Nonce))
	}
}

func TestFreshNoncePerWrite(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()
	key := "team:acme:weather:token"

	_ = v.Put(ctx, key, "same")
	first, _ := v.Get(ctx, key)
	_ = v.Put(ctx, key, "same")
	second, _ := v.Get(ctx, key)

	if bytes.Equal(first.Nonce, second.Nonce) {
		t.Error("nonce reused across writes")
	}
	if bytes.Equal(first.Ciphertext, second.Ciphertext) {
		t.Error("ciphertext identical across writes")
	}
}

func TestCiphertextBoundToKey(t *testing.T) {
	v, s := newTestVault(t)
	ctx := context.Background()

	_ = v.Put(ctx, "team:acme:weather:token", "s3cret")
	rec, _ := s.GetSecret(ctx, "team:acme:weather:token")

	// Copy the record under another tenant's key; decryption must fail.
	rec.Key = "team:evil:weather:token"
	if err := s.PutSecret(ctx, rec); err != nil {
		t.Fatalf("PutSecret: %v", err)
	}
	if _, err := v.Open(ctx, "team:evil:weather:token"); err == nil {
		t.Error("expected authentication failure for transplanted ciphertext")
	}
}

func TestRotatedSecretOnlyExposesStatus(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()
	prefix := ConnectorPrefix(model.TeamScope("acme"), "weather")

	_ = v.Put(ctx, prefix+"token", "v1")
	_ = v.Put(ctx, prefix+"token", "v2")

	st, err := v.Status(ctx, prefix+"token")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Configured || st.RotatedAt == nil {
		t.Errorf("got %+v, want configured with rotated_at", st)
	}

	list, err := v.List(ctx, prefix)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Name != "token" {
		t.Fatalf("List = %+v, want one entry named token", list)
	}

	for _, view := range []interface{}{st, list} {
		b, _ := json.Marshal(view)
		if strings.Contains(string(b), "v1") || strings.Contains(string(b), "v2") {
			t.Errorf("status view leaks plaintext: %s", b)
		}
	}

	missing, err := v.Status(ctx, prefix+"nope")
	if err != nil || missing.Configured {
		t.Errorf("missing status = %+v, %v; want unconfigured", missing, err)
	}
}

func TestDelete(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()
	_ = v.Put(ctx, "user:bob:x:token", "t")
	if err := v.Delete(ctx, "user:bob:x:token"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := v.Open(ctx, "user:bob:x:token"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if err := v.Delete(ctx, "user:bob:x:token"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestBindRejectsDifferentKey(t *testing.T) {
	v, s := newTestVault(t)
	ctx := context.Background()
	if err := v.Bind(ctx, s); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	_ = v.Put(ctx, "team:acme:w:token", "t")

	other, _ := New(bytes.Repeat([]byte{9}, 32), s)
	if err := other.Bind(ctx, s); !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("got %v, want ErrKeyMismatch", err)
	}
	if err := v.Bind(ctx, s); err != nil {
		t.Errorf("rebinding the original key: %v", err)
	}
}

func TestParseKeyFormats(t *testing.T) {
	gen, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if b, err := ParseKey(gen); err != nil || len(b) != 32 {
		t.Errorf("ParseKey(base64) = %d bytes, %v", len(b), err)
	}
	hexKey := strings.Repeat("ab", 32)
	if b, err := ParseKey(hexKey); err != nil || b[0] != 0xab {
		t.Errorf("ParseKey(hex) = %v, %v", b, err)
	}
	if _, err := ParseKey("not-a-key"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("got %v, want ErrInvalidKey", err)
	}

	path := filepath.Join(t.TempDir(), "vault.key")
	if err := os.WriteFile(path, []byte(gen+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadKey("", path); err != nil {
		t.Errorf("LoadKey(file): %v", err)
	}
}
