// internal/auth/device.go
// Device Code 授權流程 - 背景輪詢直到使用者完成授權

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrFlowInProgress 已有互動授權流程在進行中
var ErrFlowInProgress = errors.New("consent flow already in progress")

// DeviceAuthorization 回傳給操作人員的授權資訊
type DeviceAuthorization struct {
	UserCode        string    `json:"user_code"`
	VerificationURI string    `json:"verification_uri"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// deviceCodeResponse 提供者的 devicecode 端點回應
type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	VerificationURL string `json:"verification_url"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// deviceFlowState 進行中的 device flow
type deviceFlowState struct {
	authorization DeviceAuthorization
	cancel        context.CancelFunc
	done          chan struct{}
	err           error
}

// BeginDeviceCodeFlow 啟動 Device Code 授權流程
// 向提供者申請 user_code 後啟動背景輪詢，依提供者指定的間隔
// 查詢 Token 端點，直到授權完成、流程被取消或逾時
func (b *Broker) BeginDeviceCodeFlow(ctx context.Context) (*DeviceAuthorization, error) {
	b.mu.Lock()
	if b.device != nil {
		select {
		case <-b.device.done:
			// 前一輪已結束，允許重新開始
		default:
			b.mu.Unlock()
			return nil, ErrFlowInProgress
		}
	}
	b.mu.Unlock()

	data := url.Values{}
	data.Set("client_id", b.cfg.AuthClientID)
	data.Set("scope", strings.Join(b.cfg.AuthScopes, " "))

	status, body, _, err := b.postForm(ctx, b.deviceURL, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthTransient, err)
	}
	if status != http.StatusOK {
		var oauthErr errorResponse
		_ = json.Unmarshal(body, &oauthErr)
		return nil, fmt.Errorf("%w: device code request failed with status %d (%s)", ErrAuthTransient, status, oauthErr.Error)
	}

	var resp deviceCodeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: failed to decode device code response: %v", ErrAuthTransient, err)
	}

	verificationURI := resp.VerificationURI
	if verificationURI == "" {
		verificationURI = resp.VerificationURL
	}

	// 逾時取提供者期限與本地設定較短者
	deadline := time.Duration(resp.ExpiresIn) * time.Second
	if b.cfg.AuthDeviceTimeout > 0 && b.cfg.AuthDeviceTimeout < deadline {
		deadline = b.cfg.AuthDeviceTimeout
	}

	interval := time.Duration(resp.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	pollCtx, cancel := context.WithTimeout(context.Background(), deadline)
	state := &deviceFlowState{
		authorization: DeviceAuthorization{
			UserCode:        resp.UserCode,
			VerificationURI: verificationURI,
			ExpiresAt:       time.Now().Add(deadline),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.device = state
	b.mu.Unlock()

	log.Printf("[Auth] Device Code 流程已啟動: user_code=%s (%s)", resp.UserCode, verificationURI)
	go b.pollDeviceToken(pollCtx, state, resp.DeviceCode, interval)

	authorization := state.authorization
	return &authorization, nil
}

// pollDeviceToken 輪詢 Token 端點直到授權完成或流程終止
func (b *Broker) pollDeviceToken(ctx context.Context, state *deviceFlowState, deviceCode string, interval time.Duration) {
	defer close(state.done)
	defer state.cancel()

	data := url.Values{}
	data.Set("client_id", b.cfg.AuthClientID)
	data.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")
	data.Set("device_code", deviceCode)

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				state.err = ErrAuthTimeout
				log.Printf("[Auth] Device Code 流程逾時")
			} else {
				state.err = fmt.Errorf("%w: flow cancelled", ErrAuthRequired)
				log.Printf("[Auth] Device Code 流程已取消")
			}
			return
		case <-time.After(interval):
		}

		status, body, _, err := b.postForm(ctx, b.tokenURL, data)
		if err != nil {
			// 輪詢期間的網路錯誤不中止流程，下一輪再試
			continue
		}

		if status == http.StatusOK {
			cred, err := b.credentialFromResponse(body, "")
			if err != nil {
				state.err = err
				return
			}
			b.install(FlowDeviceCode, cred)
			log.Printf("[Auth] Device Code 授權完成: %s", cred.AccountHint)
			return
		}

		var oauthErr errorResponse
		_ = json.Unmarshal(body, &oauthErr)

		switch oauthErr.Error {
		case "authorization_pending":
			// 使用者尚未完成授權
		case "slow_down":
			interval += 5 * time.Second
		case "expired_token":
			state.err = ErrAuthTimeout
			return
		case "authorization_declined", "access_denied":
			state.err = fmt.Errorf("%w: user declined consent", ErrAuthRequired)
			return
		default:
			state.err = fmt.Errorf("%w: device token request failed with status %d (%s)", ErrAuthRequired, status, oauthErr.Error)
			return
		}
	}
}

// AwaitDeviceCodeFlow 等待進行中的 Device Code 流程結束
func (b *Broker) AwaitDeviceCodeFlow(ctx context.Context) (*Credential, error) {
	b.mu.Lock()
	state := b.device
	b.mu.Unlock()

	if state == nil {
		return nil, errors.New("no device flow in progress")
	}

	select {
	case <-state.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if state.err != nil {
		return nil, state.err
	}

	b.mu.Lock()
	cred := b.creds[FlowDeviceCode]
	b.mu.Unlock()
	return cred, nil
}

// CancelDeviceCodeFlow 取消進行中的 Device Code 流程
func (b *Broker) CancelDeviceCodeFlow() {
	b.mu.Lock()
	state := b.device
	b.mu.Unlock()

	if state != nil {
		state.cancel()
	}
}

// DeviceFlowStatus 查詢 Device Code 流程狀態
// 回傳 pending / authorized / failed / none
func (b *Broker) DeviceFlowStatus() (string, *DeviceAuthorization) {
	b.mu.Lock()
	state := b.device
	hasCred := b.creds[FlowDeviceCode] != nil
	b.mu.Unlock()

	if state == nil {
		if hasCred {
			return "authorized", nil
		}
		return "none", nil
	}

	authorization := state.authorization
	select {
	case <-state.done:
		if state.err != nil {
			return "failed", &authorization
		}
		return "authorized", &authorization
	default:
		return "pending", &authorization
	}
}
