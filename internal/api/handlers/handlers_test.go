// internal/api/handlers/handlers_test.go
// Handler 測試共用的依賴建構

package handlers

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"mail-relay/internal/auth"
	"mail-relay/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		Env:                  "test",
		AuthMethod:           "device_code",
		AuthTenantID:         "tenant-1",
		AuthClientID:         "client-123",
		AuthScopes:           []string{"https://outlook.office365.com/SMTP.Send", "offline_access"},
		AuthRedirectURL:      "http://localhost:8080/api/v1/auth/callback",
		AuthRefreshThreshold: 5 * time.Minute,
		CredentialStorePath:  filepath.Join(t.TempDir(), "credentials.json"),
		EncryptionKey:        "0123456789abcdef0123456789abcdef",
		OutboundHost:         "smtp.office365.com",
		OutboundPort:         "587",
		OutboundSender:       "relay@example.com",
	}
}

// newTestBroker 建立無網路依賴的 Broker，seed 非 nil 時預先寫入裝置碼流程憑證
func newTestBroker(t *testing.T, cfg *config.Config, seed *auth.Credential) *auth.Broker {
	t.Helper()

	enc, err := auth.NewEncryptionService(cfg.EncryptionKey)
	if err != nil {
		t.Fatalf("failed to create encryption service: %v", err)
	}
	store := auth.NewStore(cfg.CredentialStorePath, enc)
	if seed != nil {
		if err := store.Save(auth.FlowDeviceCode, seed); err != nil {
			t.Fatalf("failed to seed credential: %v", err)
		}
	}
	return auth.NewBroker(cfg, store)
}

func seedCredential() *auth.Credential {
	return &auth.Credential{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
		AccountHint:  "ops@corp.example",
	}
}

func performRequest(router *gin.Engine, method, path string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body: %v (%s)", err, w.Body.String())
	}
	return body
}
