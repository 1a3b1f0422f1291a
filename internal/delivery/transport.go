// internal/delivery/transport.go
// 投遞傳輸層 - 取得權杖、建立加密連線並分類投遞結果

package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/textproto"

	"mail-relay/internal/auth"
	"mail-relay/internal/config"
	"mail-relay/internal/relaytls"
)

// OutcomeKind 投遞結果的分類
type OutcomeKind string

const (
	OutcomeDelivered          OutcomeKind = "delivered"           // 成功，取得回條編號
	OutcomeAuthFailure        OutcomeKind = "auth_failure"        // 認證失敗，保留待重試
	OutcomePermanentRejection OutcomeKind = "permanent_rejection" // 提供者永久拒絕
	OutcomeTransientFailure   OutcomeKind = "transient_failure"   // 暫時性失敗，排入重試
)

// Outcome 單次投遞嘗試的結果
type Outcome struct {
	Kind      OutcomeKind
	ReceiptID string
	Err       error
}

// TokenSource 投遞時的權杖來源
type TokenSource interface {
	Token(ctx context.Context) (user, token string, err error)
	ForceRefresh(ctx context.Context) (user, token string, err error)
}

// Transport 出站投遞傳輸
type Transport struct {
	cfg    *config.Config
	tokens TokenSource
	tlsCfg *tls.Config
	addr   string
}

// NewTransport 建立投遞傳輸
func NewTransport(cfg *config.Config, tokens TokenSource) *Transport {
	return &Transport{
		cfg:    cfg,
		tokens: tokens,
		tlsCfg: relaytls.ClientConfig(cfg.OutboundHost, cfg.OutboundTLSMinVersion),
		addr:   net.JoinHostPort(cfg.OutboundHost, cfg.OutboundPort),
	}
}

// Deliver 執行單次投遞
// 認證遭拒時強制更新憑證再重試一次；第二次仍遭拒即視為認證失敗，
// 訊息保留在佇列中等待憑證恢復，不進死信
func (t *Transport) Deliver(ctx context.Context, sender string, recipients []string, raw []byte) Outcome {
	user, token, err := t.tokens.Token(ctx)
	if err != nil {
		return outcomeFromTokenError(err)
	}

	receipt, sendErr := t.attempt(ctx, user, token, sender, recipients, raw)
	if sendErr == nil {
		return Outcome{Kind: OutcomeDelivered, ReceiptID: receipt}
	}

	var rejected *authRejectedError
	if errors.As(sendErr, &rejected) {
		log.Printf("[Delivery] 認證遭拒，強制更新權杖後重試: %v", sendErr)

		user, token, err = t.tokens.ForceRefresh(ctx)
		if err != nil {
			return outcomeFromTokenError(err)
		}

		receipt, sendErr = t.attempt(ctx, user, token, sender, recipients, raw)
		if sendErr == nil {
			return Outcome{Kind: OutcomeDelivered, ReceiptID: receipt}
		}
		if errors.As(sendErr, &rejected) {
			return Outcome{Kind: OutcomeAuthFailure, Err: sendErr}
		}
	}

	return classify(sendErr)
}

// attempt 單次完整的 SMTP 提交流程
func (t *Transport) attempt(ctx context.Context, user, token, sender string, recipients []string, raw []byte) (string, error) {
	client, err := Dial(ctx, t.addr, t.cfg.SMTPDomain, t.cfg.OutboundTimeout)
	if err != nil {
		return "", err
	}
	defer client.Close()

	if err := client.StartTLS(t.tlsCfg); err != nil {
		return "", err
	}

	if err := client.Auth(NewXOAuth2Client(user, token)); err != nil {
		var protoErr *textproto.Error
		if errors.As(err, &protoErr) {
			return "", &authRejectedError{err: err}
		}
		return "", err
	}

	if err := client.Mail(sender); err != nil {
		return "", err
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return "", err
		}
	}

	receipt, err := client.Data(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}

	client.Quit()
	return receipt, nil
}

// classify 依 SMTP 狀態碼分類失敗
// 5xx 為永久拒絕，4xx 與網路錯誤為暫時性失敗
func classify(err error) Outcome {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) && protoErr.Code >= 500 {
		return Outcome{Kind: OutcomePermanentRejection, Err: err}
	}
	return Outcome{Kind: OutcomeTransientFailure, Err: err}
}

// outcomeFromTokenError 將權杖取得失敗對應到投遞結果
// 提供者暫時無法使用時視為暫時性失敗；需要重新授權時視為認證失敗
func outcomeFromTokenError(err error) Outcome {
	if errors.Is(err, auth.ErrAuthTransient) {
		return Outcome{Kind: OutcomeTransientFailure, Err: err}
	}
	return Outcome{Kind: OutcomeAuthFailure, Err: err}
}

// authRejectedError 標記認證階段遭拒的錯誤
type authRejectedError struct {
	err error
}

func (e *authRejectedError) Error() string {
	return fmt.Sprintf("authentication rejected: %v", e.err)
}

func (e *authRejectedError) Unwrap() error {
	return e.err
}
