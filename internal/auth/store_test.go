// internal/auth/store_test.go

package auth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	enc, err := NewEncryptionService(testKey)
	if err != nil {
		t.Fatalf("NewEncryptionService: %v", err)
	}
	return NewStore(filepath.Join(t.TempDir(), "credentials.json"), enc)
}

func TestStoreSaveLoad(t *testing.T) {
	store := testStore(t)

	cred := &Credential{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second),
		Scopes:       []string{"https://outlook.office.com/SMTP.Send"},
		AccountHint:  "relay@example.com",
	}
	if err := store.Save(FlowDeviceCode, cred); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := loaded[FlowDeviceCode]
	if got == nil {
		t.Fatal("credential not found after save")
	}
	if got.AccessToken != cred.AccessToken || got.RefreshToken != cred.RefreshToken {
		t.Fatalf("loaded credential mismatch: %+v", got)
	}
	if got.AccountHint != cred.AccountHint {
		t.Fatalf("account hint mismatch: got %q", got.AccountHint)
	}
	if !got.ExpiresAt.Equal(cred.ExpiresAt) {
		t.Fatalf("expiry mismatch: got %v, want %v", got.ExpiresAt, cred.ExpiresAt)
	}
}

func TestStoreLoadMissingFile(t *testing.T) {
	store := testStore(t)

	creds, err := store.Load()
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if len(creds) != 0 {
		t.Fatalf("expected empty store, got %d credentials", len(creds))
	}
}

func TestStoreDelete(t *testing.T) {
	store := testStore(t)

	cred := &Credential{AccessToken: "access-1", ExpiresAt: time.Now().Add(time.Hour)}
	if err := store.Save(FlowDeviceCode, cred); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Delete(FlowDeviceCode); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	creds, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := creds[FlowDeviceCode]; ok {
		t.Fatal("credential still present after delete")
	}

	// 刪除不存在的憑證不是錯誤
	if err := store.Delete(FlowAuthorizationCode); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestStoreSkipsUnreadableCredential(t *testing.T) {
	store := testStore(t)

	good := &Credential{AccessToken: "good", ExpiresAt: time.Now().Add(time.Hour)}
	if err := store.Save(FlowDeviceCode, good); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(FlowAuthorizationCode, &Credential{AccessToken: "bad"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// 直接竄改其中一筆加密內容
	data, err := os.ReadFile(store.path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	file.Credentials[FlowAuthorizationCode] = "garbage-ciphertext"
	data, _ = json.Marshal(&file)
	if err := os.WriteFile(store.path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	creds, err := store.Load()
	if err == nil {
		t.Fatal("expected error reporting unreadable credential")
	}
	if creds[FlowDeviceCode] == nil || creds[FlowDeviceCode].AccessToken != "good" {
		t.Fatal("intact credential should survive a corrupt sibling")
	}
	if _, ok := creds[FlowAuthorizationCode]; ok {
		t.Fatal("corrupt credential should be skipped")
	}
}

func TestParseFlow(t *testing.T) {
	if got := ParseFlow("authorization_code"); got != FlowAuthorizationCode {
		t.Fatalf("ParseFlow(authorization_code) = %s", got)
	}
	if got := ParseFlow("device_code"); got != FlowDeviceCode {
		t.Fatalf("ParseFlow(device_code) = %s", got)
	}
	if got := ParseFlow("unknown"); got != FlowDeviceCode {
		t.Fatalf("ParseFlow(unknown) = %s, want device_code fallback", got)
	}
}
