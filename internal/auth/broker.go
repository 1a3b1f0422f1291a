// internal/auth/broker.go
// 憑證管理核心 - Token 取得、單一刷新 (single-flight)、撤銷

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mail-relay/internal/config"
)

// 認證錯誤分類
var (
	// ErrAuthRequired 無可用憑證，需要操作人員重新授權
	ErrAuthRequired = errors.New("authorization required")
	// ErrAuthTransient 識別提供者暫時無法使用，可稍後重試
	ErrAuthTransient = errors.New("identity provider unavailable")
	// ErrAuthTimeout 互動授權流程逾時
	ErrAuthTimeout = errors.New("consent flow timed out")
)

// tokenResponse OAuth 2.0 Token 回應
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// errorResponse OAuth 2.0 錯誤回應
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// refreshCall 進行中的刷新請求，後到的呼叫者共用同一結果
type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

// Broker 憑證管理服務
// 每種流程各持有最多一份憑證，刷新採 single-flight：
// 同一時間只有一個刷新請求會送達識別提供者
type Broker struct {
	cfg    *config.Config
	store  *Store
	client *http.Client

	tokenURL     string
	deviceURL    string
	authorizeURL string

	mu           sync.Mutex
	creds        map[FlowType]*Credential
	refreshing   map[FlowType]*refreshCall
	notBefore    map[FlowType]time.Time // 提供者節流：此時間前不再送出請求
	device       *deviceFlowState
	pendingAuthz map[string]*authzRequest
	loadErr      error
}

// NewBroker 建立憑證管理服務並載入已持久化的憑證
// 儲存讀取失敗不會中斷程序，僅使外寄郵件在重新授權前停擺
func NewBroker(cfg *config.Config, store *Store) *Broker {
	b := &Broker{
		cfg:          cfg,
		store:        store,
		client:       &http.Client{Timeout: 30 * time.Second},
		tokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.AuthTenantID),
		deviceURL:    fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/devicecode", cfg.AuthTenantID),
		authorizeURL: fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/authorize", cfg.AuthTenantID),
		creds:        make(map[FlowType]*Credential),
		refreshing:   make(map[FlowType]*refreshCall),
		notBefore:    make(map[FlowType]time.Time),
		pendingAuthz: make(map[string]*authzRequest),
	}

	creds, err := store.Load()
	if err != nil {
		log.Printf("[Auth] 憑證儲存讀取失敗: %v (外寄郵件需重新授權後恢復)", err)
		b.loadErr = err
	}
	for flow, cred := range creds {
		b.creds[flow] = cred
		log.Printf("[Auth] 已載入 %s 憑證 (到期: %s)", flow, cred.ExpiresAt.Format(time.RFC3339))
	}

	return b
}

// GetValidToken 取得剩餘時間高於刷新門檻的 Access Token
// 快取憑證接近到期時只觸發一次刷新，同時間的呼叫者等待並共用結果
func (b *Broker) GetValidToken(ctx context.Context, flow FlowType) (string, error) {
	b.mu.Lock()

	cred := b.creds[flow]
	if cred != nil && time.Until(cred.ExpiresAt) > b.cfg.AuthRefreshThreshold {
		token := cred.AccessToken
		b.mu.Unlock()
		return token, nil
	}

	return b.joinOrStartRefresh(ctx, flow, cred)
}

// ForceRefresh 強制刷新 (送信遭認證拒絕時由 Delivery Transport 呼叫)
// 同樣遵守 single-flight：已有刷新在進行時直接等待其結果
func (b *Broker) ForceRefresh(ctx context.Context, flow FlowType) (string, error) {
	b.mu.Lock()
	return b.joinOrStartRefresh(ctx, flow, b.creds[flow])
}

// joinOrStartRefresh 加入進行中的刷新或發起新刷新
// 呼叫時必須持有 b.mu，回傳前釋放
func (b *Broker) joinOrStartRefresh(ctx context.Context, flow FlowType, cred *Credential) (string, error) {
	if call, ok := b.refreshing[flow]; ok {
		b.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if cred == nil || cred.RefreshToken == "" {
		b.mu.Unlock()
		return "", ErrAuthRequired
	}

	if nb := b.notBefore[flow]; time.Now().Before(nb) {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: throttled until %s", ErrAuthTransient, nb.Format(time.RFC3339))
	}

	call := &refreshCall{done: make(chan struct{})}
	b.refreshing[flow] = call
	refreshToken := cred.RefreshToken
	b.mu.Unlock()

	token, err := b.refresh(ctx, flow, refreshToken)

	b.mu.Lock()
	delete(b.refreshing, flow)
	b.mu.Unlock()

	call.token, call.err = token, err
	close(call.done)
	return token, err
}

// refresh 以 Refresh Token 換取新的 Access Token
func (b *Broker) refresh(ctx context.Context, flow FlowType, refreshToken string) (string, error) {
	data := url.Values{}
	data.Set("client_id", b.cfg.AuthClientID)
	if b.cfg.AuthClientSecret != "" {
		data.Set("client_secret", b.cfg.AuthClientSecret)
	}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("scope", strings.Join(b.cfg.AuthScopes, " "))

	status, body, retryAfter, err := b.postForm(ctx, b.tokenURL, data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthTransient, err)
	}

	if status == http.StatusOK {
		cred, err := b.credentialFromResponse(body, refreshToken)
		if err != nil {
			return "", err
		}
		b.install(flow, cred)
		log.Printf("[Auth] %s 憑證已刷新 (到期: %s)", flow, cred.ExpiresAt.Format(time.RFC3339))
		return cred.AccessToken, nil
	}

	var oauthErr errorResponse
	_ = json.Unmarshal(body, &oauthErr)

	switch {
	case oauthErr.Error == "invalid_grant":
		// Refresh Token 已失效，清除後等待重新授權
		b.dropRefreshToken(flow)
		return "", fmt.Errorf("%w: refresh token rejected", ErrAuthRequired)
	case status == http.StatusTooManyRequests || retryAfter > 0:
		b.throttle(flow, retryAfter)
		return "", fmt.Errorf("%w: provider throttling (retry after %ds)", ErrAuthTransient, retryAfter)
	case status >= 500:
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrAuthTransient, status)
	default:
		return "", fmt.Errorf("%w: token request failed with status %d (%s)", ErrAuthRequired, status, oauthErr.Error)
	}
}

// Revoke 撤銷並刪除指定流程的憑證
// 之後的 GetValidToken 會回傳 ErrAuthRequired，直到重新授權
func (b *Broker) Revoke(flow FlowType) error {
	b.mu.Lock()
	delete(b.creds, flow)
	b.mu.Unlock()

	if err := b.store.Delete(flow); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	log.Printf("[Auth] 已撤銷 %s 憑證", flow)
	return nil
}

// AccountHint 取得憑證所屬帳號 (由 Access Token claims 解出)
func (b *Broker) AccountHint(flow FlowType) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cred := b.creds[flow]; cred != nil {
		return cred.AccountHint
	}
	return ""
}

// FlowStatus 單一流程的憑證狀態 (供管理介面與 authctl 查詢)
type FlowStatus struct {
	HasCredential bool      `json:"has_credential"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	AccountHint   string    `json:"account_hint,omitempty"`
	Refreshable   bool      `json:"refreshable"`
}

// Status 回報各流程的憑證狀態
func (b *Broker) Status() map[FlowType]FlowStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := make(map[FlowType]FlowStatus)
	for _, flow := range []FlowType{FlowDeviceCode, FlowAuthorizationCode} {
		s := FlowStatus{}
		if cred := b.creds[flow]; cred != nil {
			s.HasCredential = true
			s.ExpiresAt = cred.ExpiresAt
			s.AccountHint = cred.AccountHint
			s.Refreshable = cred.RefreshToken != ""
		}
		status[flow] = s
	}
	return status
}

// install 寫入快取並持久化
func (b *Broker) install(flow FlowType, cred *Credential) {
	b.mu.Lock()
	b.creds[flow] = cred
	delete(b.notBefore, flow)
	b.mu.Unlock()

	if err := b.store.Save(flow, cred); err != nil {
		log.Printf("[Auth] 憑證持久化失敗: %v (重啟後需重新授權)", err)
	}
}

// dropRefreshToken 清除失效的 Refresh Token，避免重複打到識別提供者
func (b *Broker) dropRefreshToken(flow FlowType) {
	b.mu.Lock()
	cred := b.creds[flow]
	if cred != nil {
		cred.RefreshToken = ""
	}
	b.mu.Unlock()

	if cred != nil {
		if err := b.store.Save(flow, cred); err != nil {
			log.Printf("[Auth] 憑證持久化失敗: %v", err)
		}
	}
}

// throttle 記錄提供者要求的等待時間
func (b *Broker) throttle(flow FlowType, retryAfter int) {
	if retryAfter <= 0 {
		retryAfter = 60
	}
	b.mu.Lock()
	b.notBefore[flow] = time.Now().Add(time.Duration(retryAfter) * time.Second)
	b.mu.Unlock()
}

// credentialFromResponse 由 Token 回應建立憑證
// 提供者未輪替 Refresh Token 時沿用舊值
func (b *Broker) credentialFromResponse(body []byte, previousRefreshToken string) (*Credential, error) {
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: failed to decode token response: %v", ErrAuthTransient, err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", ErrAuthTransient)
	}

	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = previousRefreshToken
	}

	cred := &Credential{
		AccessToken:  resp.AccessToken,
		RefreshToken: refreshToken,
		TokenType:    resp.TokenType,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		AccountHint:  accountHintFromToken(resp.AccessToken),
	}
	if resp.Scope != "" {
		cred.Scopes = strings.Fields(resp.Scope)
	}
	return cred, nil
}

// postForm 送出表單請求，回傳狀態碼、回應內容與 Retry-After 秒數
func (b *Broker) postForm(ctx context.Context, endpoint string, data url.Values) (int, []byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, 0, err
	}

	retryAfter := 0
	if v := resp.Header.Get("Retry-After"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			retryAfter = n
		}
	}

	return resp.StatusCode, body, retryAfter, nil
}

// accountHintFromToken 從 Access Token 解出帳號提示
// 僅讀取 claims，不驗證簽章 (驗證屬識別提供者責任)
func accountHintFromToken(accessToken string) string {
	token, _, err := jwt.NewParser().ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	for _, key := range []string{"preferred_username", "upn", "unique_name"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// FlowTokenSource 將單一流程包裝為 Delivery Transport 所需的 Token 來源
type FlowTokenSource struct {
	broker *Broker
	flow   FlowType
}

// ForFlow 取得指定流程的 Token 來源
func (b *Broker) ForFlow(flow FlowType) *FlowTokenSource {
	return &FlowTokenSource{broker: b, flow: flow}
}

// Token 取得 (帳號, Access Token)
func (s *FlowTokenSource) Token(ctx context.Context) (string, string, error) {
	access, err := s.broker.GetValidToken(ctx, s.flow)
	if err != nil {
		return "", "", err
	}
	return s.user(), access, nil
}

// ForceRefresh 強制刷新後取得 (帳號, Access Token)
func (s *FlowTokenSource) ForceRefresh(ctx context.Context) (string, string, error) {
	access, err := s.broker.ForceRefresh(ctx, s.flow)
	if err != nil {
		return "", "", err
	}
	return s.user(), access, nil
}

// user XOAUTH2 的 user 欄位：優先使用憑證帳號，否則退回設定的寄件者
func (s *FlowTokenSource) user() string {
	if hint := s.broker.AccountHint(s.flow); hint != "" {
		return hint
	}
	return s.broker.cfg.OutboundSender
}
