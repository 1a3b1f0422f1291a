// internal/auth/store.go
// 憑證持久化 - 加密後寫入檔案，重啟後可直接載入

package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FlowType OAuth 2.0 授權流程類型
type FlowType string

const (
	FlowDeviceCode        FlowType = "device_code"
	FlowAuthorizationCode FlowType = "authorization_code"
)

// ParseFlow 解析設定或請求中的流程名稱，無法辨識時回傳裝置碼流程
func ParseFlow(name string) FlowType {
	if name == string(FlowAuthorizationCode) {
		return FlowAuthorizationCode
	}
	return FlowDeviceCode
}

// Credential 單一授權流程的有效憑證
// 每種流程同時最多存在一份未撤銷的憑證
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty"`
	AccountHint  string    `json:"account_hint,omitempty"`
}

// storeFile 憑證檔案格式，每筆憑證獨立加密
type storeFile struct {
	Version     int                 `json:"version"`
	Credentials map[FlowType]string `json:"credentials"`
}

// Store 加密憑證儲存
type Store struct {
	path string
	enc  *EncryptionService
	mu   sync.Mutex
}

// NewStore 建立憑證儲存
func NewStore(path string, enc *EncryptionService) *Store {
	return &Store{path: path, enc: enc}
}

// Load 載入所有憑證
// 檔案不存在視為空儲存；個別憑證解密失敗會略過並彙整回報錯誤
func (s *Store) Load() (map[FlowType]*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.readFile()
	if err != nil {
		return nil, err
	}

	creds := make(map[FlowType]*Credential)
	var errs []error
	for flow, encrypted := range file.Credentials {
		plaintext, err := s.enc.Decrypt(encrypted)
		if err != nil {
			errs = append(errs, fmt.Errorf("credential for %s unreadable: %w", flow, err))
			continue
		}
		var cred Credential
		if err := json.Unmarshal([]byte(plaintext), &cred); err != nil {
			errs = append(errs, fmt.Errorf("credential for %s corrupt: %w", flow, err))
			continue
		}
		creds[flow] = &cred
	}

	return creds, errors.Join(errs...)
}

// Save 寫入單一流程的憑證
func (s *Store) Save(flow FlowType, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.readFile()
	if err != nil {
		// 儲存檔已損毀時改寫為全新檔案，避免永遠無法再授權
		file = &storeFile{Version: 1, Credentials: make(map[FlowType]string)}
	}

	plaintext, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	encrypted, err := s.enc.Encrypt(string(plaintext))
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}

	file.Credentials[flow] = encrypted
	return s.writeFile(file)
}

// Delete 刪除單一流程的憑證
func (s *Store) Delete(flow FlowType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.readFile()
	if err != nil {
		return err
	}

	if _, ok := file.Credentials[flow]; !ok {
		return nil
	}
	delete(file.Credentials, flow)
	return s.writeFile(file)
}

// readFile 讀取儲存檔，不存在時回傳空結構
func (s *Store) readFile() (*storeFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &storeFile{Version: 1, Credentials: make(map[FlowType]string)}, nil
		}
		return nil, fmt.Errorf("failed to read credential store: %w", err)
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("credential store corrupt: %w", err)
	}
	if file.Credentials == nil {
		file.Credentials = make(map[FlowType]string)
	}
	return &file, nil
}

// writeFile 以限制權限寫入儲存檔 (目錄 0700、檔案 0600)
func (s *Store) writeFile(file *storeFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credential store: %w", err)
	}
	return nil
}
