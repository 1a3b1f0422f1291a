// internal/auth/device_test.go

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func deviceHandler(polls *atomic.Int32, tokenReply func(n int32, w http.ResponseWriter)) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/devicecode", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"device_code":"dc-1","user_code":"ABCD-1234","verification_uri":"https://microsoft.com/devicelogin","expires_in":300,"interval":1}`)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenReply(polls.Add(1), w)
	})
	return mux
}

func TestDeviceFlowLifecycle(t *testing.T) {
	var polls atomic.Int32
	access := makeJWT("device@contoso.com")
	cfg := testConfig(t)
	b, _ := newTestBroker(t, cfg, deviceHandler(&polls, func(n int32, w http.ResponseWriter) {
		if n == 1 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"authorization_pending"}`)
			return
		}
		fmt.Fprintf(w, `{"access_token":%q,"refresh_token":"rt-device","token_type":"Bearer","expires_in":3600}`, access)
	}))

	authz, err := b.BeginDeviceCodeFlow(context.Background())
	if err != nil {
		t.Fatalf("BeginDeviceCodeFlow: %v", err)
	}
	if authz.UserCode != "ABCD-1234" {
		t.Fatalf("user code: %q", authz.UserCode)
	}
	if authz.VerificationURI != "https://microsoft.com/devicelogin" {
		t.Fatalf("verification uri: %q", authz.VerificationURI)
	}

	if state, _ := b.DeviceFlowStatus(); state != "pending" {
		t.Fatalf("state before consent: %q", state)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cred, err := b.AwaitDeviceCodeFlow(ctx)
	if err != nil {
		t.Fatalf("AwaitDeviceCodeFlow: %v", err)
	}
	if cred.AccessToken != access || cred.RefreshToken != "rt-device" {
		t.Fatalf("credential mismatch: %+v", cred)
	}
	if cred.AccountHint != "device@contoso.com" {
		t.Fatalf("account hint: %q", cred.AccountHint)
	}
	if polls.Load() < 2 {
		t.Fatalf("expected at least two polls, got %d", polls.Load())
	}

	if state, _ := b.DeviceFlowStatus(); state != "authorized" {
		t.Fatalf("state after consent: %q", state)
	}

	// 憑證必須持久化，重啟後可直接使用
	enc, _ := NewEncryptionService(cfg.EncryptionKey)
	reloaded, err := NewStore(cfg.CredentialStorePath, enc).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded[FlowDeviceCode] == nil || reloaded[FlowDeviceCode].AccessToken != access {
		t.Fatal("device credential not persisted")
	}
}

func TestDeviceFlowExpiredToken(t *testing.T) {
	var polls atomic.Int32
	cfg := testConfig(t)
	b, _ := newTestBroker(t, cfg, deviceHandler(&polls, func(n int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"expired_token"}`)
	}))

	if _, err := b.BeginDeviceCodeFlow(context.Background()); err != nil {
		t.Fatalf("BeginDeviceCodeFlow: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := b.AwaitDeviceCodeFlow(ctx); !errors.Is(err, ErrAuthTimeout) {
		t.Fatalf("got %v, want ErrAuthTimeout", err)
	}
}

func TestDeviceFlowDeclined(t *testing.T) {
	var polls atomic.Int32
	cfg := testConfig(t)
	b, _ := newTestBroker(t, cfg, deviceHandler(&polls, func(n int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"authorization_declined"}`)
	}))

	if _, err := b.BeginDeviceCodeFlow(context.Background()); err != nil {
		t.Fatalf("BeginDeviceCodeFlow: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := b.AwaitDeviceCodeFlow(ctx); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("got %v, want ErrAuthRequired", err)
	}
}

func TestDeviceFlowConflict(t *testing.T) {
	var polls atomic.Int32
	cfg := testConfig(t)
	b, _ := newTestBroker(t, cfg, deviceHandler(&polls, func(n int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"authorization_pending"}`)
	}))

	if _, err := b.BeginDeviceCodeFlow(context.Background()); err != nil {
		t.Fatalf("BeginDeviceCodeFlow: %v", err)
	}

	// 同時間只允許一個互動授權流程
	if _, err := b.BeginDeviceCodeFlow(context.Background()); !errors.Is(err, ErrFlowInProgress) {
		t.Fatalf("got %v, want ErrFlowInProgress", err)
	}

	b.CancelDeviceCodeFlow()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := b.AwaitDeviceCodeFlow(ctx); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("cancelled flow: got %v, want ErrAuthRequired", err)
	}

	// 前一輪結束後允許重新開始
	if _, err := b.BeginDeviceCodeFlow(context.Background()); err != nil {
		t.Fatalf("restart after cancel: %v", err)
	}
	b.CancelDeviceCodeFlow()
	_, _ = b.AwaitDeviceCodeFlow(ctx)
}

func TestDeviceFlowSlowDown(t *testing.T) {
	if testing.Short() {
		t.Skip("slow_down backoff takes several seconds")
	}

	var polls atomic.Int32
	access := makeJWT("device@contoso.com")
	cfg := testConfig(t)
	b, _ := newTestBroker(t, cfg, deviceHandler(&polls, func(n int32, w http.ResponseWriter) {
		if n == 1 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"slow_down"}`)
			return
		}
		fmt.Fprintf(w, `{"access_token":%q,"token_type":"Bearer","expires_in":3600}`, access)
	}))

	pollCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	state := &deviceFlowState{cancel: cancel, done: make(chan struct{})}
	b.mu.Lock()
	b.device = state
	b.mu.Unlock()

	start := time.Now()
	go b.pollDeviceToken(pollCtx, state, "dc-1", 20*time.Millisecond)

	cred, err := b.AwaitDeviceCodeFlow(context.Background())
	if err != nil {
		t.Fatalf("AwaitDeviceCodeFlow: %v", err)
	}
	if cred == nil || cred.AccessToken != access {
		t.Fatalf("credential mismatch: %+v", cred)
	}

	// slow_down 後輪詢間隔需增加 5 秒
	if elapsed := time.Since(start); elapsed < 5*time.Second {
		t.Fatalf("polling resumed after %v, slow_down must stretch the interval", elapsed)
	}
	if polls.Load() != 2 {
		t.Fatalf("expected 2 polls, got %d", polls.Load())
	}
}
