// internal/api/handlers/auth_handler.go
// 授權流程 Handler - 裝置碼與授權碼流程的操作端點

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"mail-relay/internal/auth"
	"mail-relay/internal/config"
)

// AuthHandler 授權流程 Handler
type AuthHandler struct {
	cfg    *config.Config
	broker *auth.Broker
}

// NewAuthHandler 建立 Auth Handler
func NewAuthHandler(cfg *config.Config, broker *auth.Broker) *AuthHandler {
	return &AuthHandler{
		cfg:    cfg,
		broker: broker,
	}
}

// Status 回報各流程的憑證狀態
func (h *AuthHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"method":  h.cfg.AuthMethod,
		"flows":   h.broker.Status(),
	})
}

// DeviceBegin 啟動裝置碼流程
// 回傳使用者代碼與驗證網址，輪詢在背景進行
func (h *AuthHandler) DeviceBegin(c *gin.Context) {
	authorization, err := h.broker.BeginDeviceCodeFlow(c.Request.Context())
	if err != nil {
		if errors.Is(err, auth.ErrFlowInProgress) {
			c.JSON(http.StatusConflict, gin.H{
				"success": false,
				"error":   "flow_in_progress",
				"message": "A device code flow is already in progress",
			})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"error":   "device_flow_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success":          true,
		"user_code":        authorization.UserCode,
		"verification_uri": authorization.VerificationURI,
		"expires_at":       authorization.ExpiresAt,
	})
}

// DeviceStatus 查詢裝置碼流程進度
func (h *AuthHandler) DeviceStatus(c *gin.Context) {
	state, authorization := h.broker.DeviceFlowStatus()

	response := gin.H{
		"success": true,
		"state":   state,
	}
	if authorization != nil {
		response["user_code"] = authorization.UserCode
		response["verification_uri"] = authorization.VerificationURI
		response["expires_at"] = authorization.ExpiresAt
	}
	c.JSON(http.StatusOK, response)
}

// DeviceCancel 取消進行中的裝置碼流程
func (h *AuthHandler) DeviceCancel(c *gin.Context) {
	h.broker.CancelDeviceCodeFlow()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Device code flow cancelled",
	})
}

// Authorize 產生授權碼流程的授權網址
func (h *AuthHandler) Authorize(c *gin.Context) {
	authorizationURL, err := h.broker.BeginAuthorizationCodeFlow(h.cfg.AuthRedirectURL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "authorize_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"authorization_url": authorizationURL,
	})
}

// Callback 授權碼流程的重新導向端點
// 瀏覽器帶著 code 與 state 回來，交換憑證後顯示結果
func (h *AuthHandler) Callback(c *gin.Context) {
	code := c.Query("code")
	state := c.Query("state")

	if errParam := c.Query("error"); errParam != "" {
		c.String(http.StatusBadRequest, "授權失敗: %s (%s)", errParam, c.Query("error_description"))
		return
	}
	if code == "" || state == "" {
		c.String(http.StatusBadRequest, "授權失敗: 缺少 code 或 state 參數")
		return
	}

	cred, err := h.broker.CompleteAuthorizationCodeFlow(c.Request.Context(), code, state)
	if err != nil {
		c.String(http.StatusBadRequest, "授權失敗: %v", err)
		return
	}

	c.String(http.StatusOK, "授權完成 (%s)，此視窗可以關閉。", cred.AccountHint)
}

// Revoke 撤銷指定流程的憑證
func (h *AuthHandler) Revoke(c *gin.Context) {
	var req struct {
		Flow string `json:"flow"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Flow == "" {
		req.Flow = h.cfg.AuthMethod
	}

	flow := auth.ParseFlow(req.Flow)
	if err := h.broker.Revoke(flow); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "revoke_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Credential revoked",
		"flow":    flow,
	})
}
