package security

import (
	"bytes"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	k1, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if len(k1) != 32 {
		t.Errorf("key length = %d, want 32", len(k1))
	}
	k2, _ := GenerateKey()
	if bytes.Equal(k1, k2) {
		t.Error("GenerateKey() returned the same key twice")
	}
}

func TestNewEncryptor(t *testing.T) {
	tests := []struct {
		name        string
		key         []byte
		wantErr     bool
		wantEnabled bool
	}{
		{name: "valid key", key: make([]byte, 32), wantEnabled: true},
		{name: "nil key disables", key: nil},
		{name: "empty key disables", key: []byte{}},
		{name: "short key", key: make([]byte, 16), wantErr: true},
		{name: "long key", key: make([]byte, 64), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncryptor(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && enc.IsEnabled() != tt.wantEnabled {
				t.Errorf("IsEnabled() = %v, want %v", enc.IsEnabled(), tt.wantEnabled)
			}
		})
	}
}

func TestEncryptor_SealOpen(t *testing.T) {
	key, _ := GenerateKey()
	enc, _ := NewEncryptor(key)

	plain := []byte("pkcs8 der bytes")
	sealed, err := enc.Seal(plain)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Contains(sealed, plain) {
		t.Error("sealed output contains plaintext")
	}

	again, _ := enc.Seal(plain)
	if bytes.Equal(sealed, again) {
		t.Error("Seal() must use a fresh nonce")
	}

	opened, err := enc.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Errorf("Open() = %q, want %q", opened, plain)
	}
}

func TestEncryptor_EncryptDecrypt(t *testing.T) {
	key, _ := GenerateKey()
	enc, _ := NewEncryptor(key)

	for _, plain := range []string{"", "hello", "unicode ✓"} {
		ct, err := enc.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt(%q) error = %v", plain, err)
		}
		got, err := enc.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if got != plain {
			t.Errorf("round trip = %q, want %q", got, plain)
		}
	}
}

func TestEncryptor_Disabled(t *testing.T) {
	var nilEnc *Encryptor
	out, err := nilEnc.Seal([]byte("x"))
	if err != nil || string(out) != "x" {
		t.Errorf("nil Seal() = %q, %v", out, err)
	}

	enc, _ := NewEncryptor(nil)
	s, _ := enc.Encrypt("plain")
	if s != "plain" {
		t.Errorf("disabled Encrypt() = %q", s)
	}
}

func TestEncryptor_Open_Invalid(t *testing.T) {
	key, _ := GenerateKey()
	enc, _ := NewEncryptor(key)

	if _, err := enc.Open([]byte("short")); err == nil {
		t.Error("Open() of short input should fail")
	}
	if _, err := enc.Decrypt("!!not base64!!"); err == nil {
		t.Error("Decrypt() of invalid base64 should fail")
	}
}

func TestEncryptor_WrongKey(t *testing.T) {
	k1, _ := GenerateKey()
	k2, _ := GenerateKey()
	e1, _ := NewEncryptor(k1)
	e2, _ := NewEncryptor(k2)

	sealed, _ := e1.Seal([]byte("secret"))
	if _, err := e2.Open(sealed); err == nil {
		t.Error("Open() with wrong key should fail")
	}
}

func TestKeyBase64(t *testing.T) {
	key, _ := GenerateKey()
	got, err := KeyFromBase64(KeyToBase64(key))
	if err != nil {
		t.Fatalf("KeyFromBase64() error = %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Error("base64 round trip changed the key")
	}

	if _, err := KeyFromBase64("c2hvcnQ="); err == nil {
		t.Error("KeyFromBase64() should reject short keys")
	}
	if _, err := KeyFromBase64("%%%"); err == nil {
		t.Error("KeyFromBase64() should reject invalid base64")
	}
}
