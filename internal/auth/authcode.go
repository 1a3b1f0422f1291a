// internal/auth/authcode.go
// Authorization Code 授權流程 (PKCE)

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// authzRequest 等待完成的授權請求 (以 state 為鍵)
type authzRequest struct {
	verifier       string
	redirectTarget string
	expiresAt      time.Time
}

// BeginAuthorizationCodeFlow 產生授權 URL
// 操作人員在瀏覽器完成授權後，提供者會帶著 code 與 state
// 重新導向到 redirectTarget，再由 CompleteAuthorizationCodeFlow 交換憑證
func (b *Broker) BeginAuthorizationCodeFlow(redirectTarget string) (string, error) {
	verifier, err := randomURLSafe(64)
	if err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	state, err := randomURLSafe(24)
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	b.mu.Lock()
	// 清掉過期的未完成請求
	now := time.Now()
	for key, req := range b.pendingAuthz {
		if now.After(req.expiresAt) {
			delete(b.pendingAuthz, key)
		}
	}
	b.pendingAuthz[state] = &authzRequest{
		verifier:       verifier,
		redirectTarget: redirectTarget,
		expiresAt:      now.Add(10 * time.Minute),
	}
	b.mu.Unlock()

	query := url.Values{}
	query.Set("client_id", b.cfg.AuthClientID)
	query.Set("response_type", "code")
	query.Set("redirect_uri", redirectTarget)
	query.Set("scope", strings.Join(b.cfg.AuthScopes, " "))
	query.Set("state", state)
	query.Set("code_challenge", challenge)
	query.Set("code_challenge_method", "S256")

	return b.authorizeURL + "?" + query.Encode(), nil
}

// CompleteAuthorizationCodeFlow 以授權碼交換憑證
// state 必須對應進行中的授權請求，防止偽造的回呼
func (b *Broker) CompleteAuthorizationCodeFlow(ctx context.Context, code, state string) (*Credential, error) {
	b.mu.Lock()
	req, ok := b.pendingAuthz[state]
	if ok {
		delete(b.pendingAuthz, state)
	}
	b.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: unknown or expired state", ErrAuthRequired)
	}
	if time.Now().After(req.expiresAt) {
		return nil, fmt.Errorf("%w: authorization request expired", ErrAuthTimeout)
	}

	data := url.Values{}
	data.Set("client_id", b.cfg.AuthClientID)
	if b.cfg.AuthClientSecret != "" {
		data.Set("client_secret", b.cfg.AuthClientSecret)
	}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", req.redirectTarget)
	data.Set("code_verifier", req.verifier)

	status, body, retryAfter, err := b.postForm(ctx, b.tokenURL, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthTransient, err)
	}

	if status != http.StatusOK {
		var oauthErr errorResponse
		_ = json.Unmarshal(body, &oauthErr)
		if status == http.StatusTooManyRequests || retryAfter > 0 {
			b.throttle(FlowAuthorizationCode, retryAfter)
			return nil, fmt.Errorf("%w: provider throttling", ErrAuthTransient)
		}
		if status >= 500 {
			return nil, fmt.Errorf("%w: token endpoint returned %d", ErrAuthTransient, status)
		}
		return nil, fmt.Errorf("%w: code exchange failed with status %d (%s)", ErrAuthRequired, status, oauthErr.Error)
	}

	cred, err := b.credentialFromResponse(body, "")
	if err != nil {
		return nil, err
	}
	b.install(FlowAuthorizationCode, cred)
	log.Printf("[Auth] Authorization Code 授權完成: %s", cred.AccountHint)

	return cred, nil
}

// randomURLSafe 產生 URL-safe 隨機字串
func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:n], nil
}
