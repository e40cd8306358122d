package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func testKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func TestEncryptDecryptSecret(t *testing.T) {
	tests := []struct {
		name      string
		plaintext string
	}{
		{"bybit secret", "Xk2mP9qR4sT6vW8yZ1aB3cD5eF7gH9jK"},
		{"empty", ""},
		{"unicode", "секрет-ключ"},
		{"long", strings.Repeat("s", 1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := EncryptSecret(tt.plaintext, testKey())
			if err != nil {
				t.Fatalf("EncryptSecret: %v", err)
			}
			dec, err := DecryptSecret(enc, testKey())
			if err != nil {
				t.Fatalf("DecryptSecret: %v", err)
			}
			if dec != tt.plaintext {
				t.Errorf("roundtrip mismatch: got %q", dec)
			}
		})
	}
}

func TestEncryptSecret_UniqueNonce(t *testing.T) {
	a, _ := EncryptSecret("same", testKey())
	b, _ := EncryptSecret("same", testKey())
	if a == b {
		t.Error("two encryptions of the same secret must differ")
	}
}

func TestDecryptSecret_Errors(t *testing.T) {
	enc, _ := EncryptSecret("secret", testKey())

	if _, err := DecryptSecret(enc, []byte("ffffffffffffffffffffffffffffffff")); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("wrong key: expected ErrDecryptionFailed, got %v", err)
	}
	if _, err := DecryptSecret("not base64!!", testKey()); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("bad base64: expected ErrInvalidCiphertext, got %v", err)
	}
	if _, err := DecryptSecret("AAE=", testKey()); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("too short: expected ErrInvalidCiphertext, got %v", err)
	}
	if _, err := DecryptSecret(enc, []byte("short")); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("short key: expected ErrInvalidKeyLength, got %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(enc)
	raw[len(raw)-1] ^= 0xff
	if _, err := DecryptSecret(base64.StdEncoding.EncodeToString(raw), testKey()); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("tampered: expected ErrDecryptionFailed, got %v", err)
	}
}

func TestParseKey(t *testing.T) {
	raw := testKey()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"raw", string(raw), false},
		{"hex", hex.EncodeToString(raw), false},
		{"base64", base64.StdEncoding.EncodeToString(raw), false},
		{"too short", "abc", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParseKey(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKey error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && string(key) != string(raw) {
				t.Errorf("ParseKey decoded wrong key")
			}
		})
	}
}

func TestGenerateKey(t *testing.T) {
	k, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if len(k) != KeySize*2 {
		t.Errorf("expected %d hex chars, got %d", KeySize*2, len(k))
	}
	if _, err := ParseKey(k); err != nil {
		t.Errorf("generated key must parse: %v", err)
	}
}
