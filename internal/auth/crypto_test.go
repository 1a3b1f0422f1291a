// internal/auth/crypto_test.go

package auth

import (
	"strings"
	"testing"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestEncryptionRoundtrip(t *testing.T) {
	enc, err := NewEncryptionService(testKey)
	if err != nil {
		t.Fatalf("NewEncryptionService: %v", err)
	}

	plaintext := `{"access_token":"secret-token-value"}`
	encrypted, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if strings.Contains(encrypted, "secret-token-value") {
		t.Fatal("ciphertext contains plaintext")
	}

	decrypted, err := enc.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if decrypted != plaintext {
		t.Fatalf("roundtrip mismatch: got %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptionKeyLength(t *testing.T) {
	if _, err := NewEncryptionService("too-short"); err == nil {
		t.Fatal("expected error for short key")
	}
	if _, err := NewEncryptionService(testKey + "x"); err == nil {
		t.Fatal("expected error for long key")
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	enc1, err := NewEncryptionService(testKey)
	if err != nil {
		t.Fatalf("NewEncryptionService: %v", err)
	}
	enc2, err := NewEncryptionService("fedcba9876543210fedcba9876543210")
	if err != nil {
		t.Fatalf("NewEncryptionService: %v", err)
	}

	encrypted, err := enc1.Encrypt("credential payload")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := enc2.Decrypt(encrypted); err == nil {
		t.Fatal("expected decryption failure with wrong key")
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	enc, err := NewEncryptionService(testKey)
	if err != nil {
		t.Fatalf("NewEncryptionService: %v", err)
	}

	encrypted, err := enc.Encrypt("credential payload")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// 竄改最後一個字元，GCM 驗證必須失敗
	tampered := encrypted[:len(encrypted)-2] + "AA"
	if tampered == encrypted {
		tampered = encrypted[:len(encrypted)-2] + "BB"
	}
	if _, err := enc.Decrypt(tampered); err == nil {
		t.Fatal("expected decryption failure for tampered ciphertext")
	}

	if _, err := enc.Decrypt("not-base64!!!"); err == nil {
		t.Fatal("expected decode failure for invalid base64")
	}
}
