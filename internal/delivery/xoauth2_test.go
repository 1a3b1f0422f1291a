// internal/delivery/xoauth2_test.go

package delivery

import (
	"bytes"
	"testing"
)

func TestXOAuth2Start(t *testing.T) {
	mech := NewXOAuth2Client("relay@contoso.com", "access-token-1")

	name, ir, err := mech.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if name != "XOAUTH2" {
		t.Fatalf("mechanism: %q", name)
	}
	want := []byte("user=relay@contoso.com\x01auth=Bearer access-token-1\x01\x01")
	if !bytes.Equal(ir, want) {
		t.Fatalf("initial response:\n got: %q\nwant: %q", ir, want)
	}
}

func TestXOAuth2ErrorChallenge(t *testing.T) {
	mech := NewXOAuth2Client("relay@contoso.com", "expired-token")
	if _, _, err := mech.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// 第一次挑戰代表伺服器回報認證錯誤，必須回空白回應取得最終狀態碼
	resp, err := mech.Next([]byte(`{"status":"401"}`))
	if err != nil {
		t.Fatalf("first challenge: %v", err)
	}
	if len(resp) != 0 {
		t.Fatalf("first challenge response: %q", resp)
	}

	// 第二次挑戰不正常，直接回報失敗
	if _, err := mech.Next([]byte(`again`)); err == nil {
		t.Fatal("second challenge must fail")
	}
}
