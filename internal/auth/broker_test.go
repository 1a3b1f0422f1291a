// internal/auth/broker_test.go

package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mail-relay/internal/config"
)

// makeJWT 產生未簽章的測試 Token，僅供 claims 解析
func makeJWT(username string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims, _ := json.Marshal(map[string]string{"preferred_username": username})
	payload := base64.RawURLEncoding.EncodeToString(claims)
	return header + "." + payload + "."
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		AuthClientID:         "client-123",
		AuthScopes:           []string{"https://outlook.office.com/SMTP.Send", "offline_access"},
		AuthRefreshThreshold: 5 * time.Minute,
		AuthDeviceTimeout:    30 * time.Second,
		CredentialStorePath:  filepath.Join(t.TempDir(), "credentials.json"),
		EncryptionKey:        testKey,
		OutboundSender:       "relay@example.com",
	}
}

func newTestBroker(t *testing.T, cfg *config.Config, handler http.Handler) (*Broker, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	enc, err := NewEncryptionService(cfg.EncryptionKey)
	if err != nil {
		t.Fatalf("NewEncryptionService: %v", err)
	}
	b := NewBroker(cfg, NewStore(cfg.CredentialStorePath, enc))
	b.tokenURL = ts.URL + "/token"
	b.deviceURL = ts.URL + "/devicecode"
	b.authorizeURL = ts.URL + "/authorize"
	return b, ts
}

func seedCredential(b *Broker, flow FlowType, cred *Credential) {
	b.mu.Lock()
	b.creds[flow] = cred
	b.mu.Unlock()
}

func TestGetValidTokenCached(t *testing.T) {
	var hits atomic.Int32
	cfg := testConfig(t)
	b, _ := newTestBroker(t, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))

	seedCredential(b, FlowDeviceCode, &Credential{
		AccessToken:  "cached-token",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Hour),
	})

	token, err := b.GetValidToken(context.Background(), FlowDeviceCode)
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if token != "cached-token" {
		t.Fatalf("got token %q, want cached-token", token)
	}
	if hits.Load() != 0 {
		t.Fatalf("fresh credential must not hit the token endpoint, got %d requests", hits.Load())
	}
}

func TestGetValidTokenNoCredential(t *testing.T) {
	cfg := testConfig(t)
	b, _ := newTestBroker(t, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	if _, err := b.GetValidToken(context.Background(), FlowDeviceCode); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("got %v, want ErrAuthRequired", err)
	}
}

func TestRefreshNearExpiry(t *testing.T) {
	newAccess := makeJWT("relay@contoso.com")

	var mu sync.Mutex
	var gotForm map[string]string
	cfg := testConfig(t)
	cfg.AuthClientSecret = "shhh"

	b, _ := newTestBroker(t, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		mu.Lock()
		gotForm = map[string]string{
			"grant_type":    r.PostForm.Get("grant_type"),
			"refresh_token": r.PostForm.Get("refresh_token"),
			"client_id":     r.PostForm.Get("client_id"),
			"client_secret": r.PostForm.Get("client_secret"),
		}
		mu.Unlock()
		fmt.Fprintf(w, `{"access_token":%q,"refresh_token":"r2","token_type":"Bearer","expires_in":3600}`, newAccess)
	}))

	seedCredential(b, FlowDeviceCode, &Credential{
		AccessToken:  "stale",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Minute),
	})

	token, err := b.GetValidToken(context.Background(), FlowDeviceCode)
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if token != newAccess {
		t.Fatalf("got token %q, want refreshed token", token)
	}

	mu.Lock()
	form := gotForm
	mu.Unlock()
	if form["grant_type"] != "refresh_token" || form["refresh_token"] != "r1" {
		t.Fatalf("unexpected refresh request: %+v", form)
	}
	if form["client_id"] != "client-123" || form["client_secret"] != "shhh" {
		t.Fatalf("client credentials missing from request: %+v", form)
	}

	// Refresh Token 輪替結果必須持久化
	enc, _ := NewEncryptionService(cfg.EncryptionKey)
	reloaded, err := NewStore(cfg.CredentialStorePath, enc).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cred := reloaded[FlowDeviceCode]
	if cred == nil || cred.RefreshToken != "r2" {
		t.Fatalf("rotated refresh token not persisted: %+v", cred)
	}
	if cred.AccountHint != "relay@contoso.com" {
		t.Fatalf("account hint not extracted: %q", cred.AccountHint)
	}
}

func TestRefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	cfg := testConfig(t)
	b, _ := newTestBroker(t, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"new-access","token_type":"Bearer","expires_in":3600}`)
	}))

	seedCredential(b, FlowDeviceCode, &Credential{
		AccessToken:  "stale",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Minute),
	})

	if _, err := b.GetValidToken(context.Background(), FlowDeviceCode); err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}

	b.mu.Lock()
	got := b.creds[FlowDeviceCode].RefreshToken
	b.mu.Unlock()
	if got != "r1" {
		t.Fatalf("refresh token should be kept when provider does not rotate, got %q", got)
	}
}

func TestRefreshSingleFlight(t *testing.T) {
	var hits atomic.Int32
	cfg := testConfig(t)
	b, _ := newTestBroker(t, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(100 * time.Millisecond)
		fmt.Fprint(w, `{"access_token":"flight-token","token_type":"Bearer","expires_in":3600}`)
	}))

	seedCredential(b, FlowDeviceCode, &Credential{
		AccessToken:  "stale",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Minute),
	})

	const callers = 10
	tokens := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = b.GetValidToken(context.Background(), FlowDeviceCode)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "flight-token" {
			t.Fatalf("caller %d got %q", i, tokens[i])
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected exactly one refresh request, got %d", hits.Load())
	}
}

func TestRefreshInvalidGrant(t *testing.T) {
	var hits atomic.Int32
	cfg := testConfig(t)
	b, _ := newTestBroker(t, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"AADSTS70000"}`)
	}))

	seedCredential(b, FlowDeviceCode, &Credential{
		AccessToken:  "stale",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Minute),
	})

	if _, err := b.GetValidToken(context.Background(), FlowDeviceCode); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("got %v, want ErrAuthRequired", err)
	}

	// Refresh Token 已被清除，之後的呼叫不再打提供者
	if _, err := b.GetValidToken(context.Background(), FlowDeviceCode); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("got %v, want ErrAuthRequired", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("invalid refresh token must not be retried, got %d requests", hits.Load())
	}
}

func TestRefreshThrottled(t *testing.T) {
	var hits atomic.Int32
	cfg := testConfig(t)
	b, _ := newTestBroker(t, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"temporarily_throttled"}`)
	}))

	seedCredential(b, FlowDeviceCode, &Credential{
		AccessToken:  "stale",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Minute),
	})

	if _, err := b.GetValidToken(context.Background(), FlowDeviceCode); !errors.Is(err, ErrAuthTransient) {
		t.Fatalf("got %v, want ErrAuthTransient", err)
	}

	// 節流期間內的請求直接拒絕，不打提供者
	if _, err := b.GetValidToken(context.Background(), FlowDeviceCode); !errors.Is(err, ErrAuthTransient) {
		t.Fatalf("got %v, want ErrAuthTransient", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("throttled flow must not hit the endpoint again, got %d requests", hits.Load())
	}
}

func TestRefreshServerError(t *testing.T) {
	var hits atomic.Int32
	cfg := testConfig(t)
	b, _ := newTestBroker(t, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	seedCredential(b, FlowDeviceCode, &Credential{
		AccessToken:  "stale",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Minute),
	})

	if _, err := b.GetValidToken(context.Background(), FlowDeviceCode); !errors.Is(err, ErrAuthTransient) {
		t.Fatalf("got %v, want ErrAuthTransient", err)
	}

	// 伺服器錯誤沒有 Retry-After，下一次呼叫可以再試
	if _, err := b.GetValidToken(context.Background(), FlowDeviceCode); !errors.Is(err, ErrAuthTransient) {
		t.Fatalf("got %v, want ErrAuthTransient", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected retry after server error, got %d requests", hits.Load())
	}
}

func TestStatusReport(t *testing.T) {
	cfg := testConfig(t)
	b, _ := newTestBroker(t, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	expires := time.Now().Add(time.Hour)
	seedCredential(b, FlowDeviceCode, &Credential{
		AccessToken:  "a",
		RefreshToken: "r",
		ExpiresAt:    expires,
		AccountHint:  "relay@contoso.com",
	})

	status := b.Status()
	dc := status[FlowDeviceCode]
	if !dc.HasCredential || !dc.Refreshable || dc.AccountHint != "relay@contoso.com" {
		t.Fatalf("device flow status: %+v", dc)
	}
	if !dc.ExpiresAt.Equal(expires) {
		t.Fatalf("expiry mismatch: %v", dc.ExpiresAt)
	}
	if ac := status[FlowAuthorizationCode]; ac.HasCredential {
		t.Fatalf("authorization code flow should be empty: %+v", ac)
	}
}

func TestFlowTokenSourceUserFallback(t *testing.T) {
	cfg := testConfig(t)
	b, _ := newTestBroker(t, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	// 無帳號提示時退回設定的寄件者
	seedCredential(b, FlowDeviceCode, &Credential{
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	user, token, err := b.ForFlow(FlowDeviceCode).Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if user != "relay@example.com" || token != "tok" {
		t.Fatalf("got user=%q token=%q", user, token)
	}

	seedCredential(b, FlowDeviceCode, &Credential{
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Hour),
		AccountHint: "hinted@contoso.com",
	})
	user, _, err = b.ForFlow(FlowDeviceCode).Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if user != "hinted@contoso.com" {
		t.Fatalf("got user=%q, want account hint", user)
	}
}

func TestAccountHintFromToken(t *testing.T) {
	if got := accountHintFromToken(makeJWT("user@contoso.com")); got != "user@contoso.com" {
		t.Fatalf("got %q", got)
	}
	if got := accountHintFromToken("not-a-jwt"); got != "" {
		t.Fatalf("got %q, want empty for malformed token", got)
	}
}
