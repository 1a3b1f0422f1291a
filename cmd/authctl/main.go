// cmd/authctl/main.go
// 憑證管理工具
// 在不經過管理 API 的情況下直接操作加密憑證儲存，供初次部署與維運使用

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mail-relay/internal/auth"
	"mail-relay/internal/config"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "authctl",
		Short: "Mail Relay 憑證管理工具",
	}
	root.AddCommand(
		newDeviceCommand(),
		newAuthorizeCommand(),
		newStatusCommand(),
		newRevokeCommand(),
	)
	return root
}

// initBroker 載入設定並開啟加密憑證儲存
// 與轉送服務共用 CREDENTIAL_STORE_PATH 與 ENCRYPTION_KEY
func initBroker() (*auth.Broker, *config.Config, error) {
	cfg := config.Load()
	enc, err := auth.NewEncryptionService(cfg.EncryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("無法初始化憑證加密: %w", err)
	}
	store := auth.NewStore(cfg.CredentialStorePath, enc)
	return auth.NewBroker(cfg, store), cfg, nil
}

func newDeviceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "device",
		Short: "以裝置碼流程取得憑證",
		RunE: func(cmd *cobra.Command, _ []string) error {
			broker, _, err := initBroker()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			authz, err := broker.BeginDeviceCodeFlow(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("請在瀏覽器開啟: %s\n", authz.VerificationURI)
			fmt.Printf("並輸入代碼: %s\n", authz.UserCode)
			fmt.Printf("代碼於 %s 前有效，等待授權中...\n", authz.ExpiresAt.Local().Format(time.RFC3339))

			cred, err := broker.AwaitDeviceCodeFlow(ctx)
			if err != nil {
				broker.CancelDeviceCodeFlow()
				return err
			}

			fmt.Printf("授權完成 (%s)，憑證已寫入儲存。\n", cred.AccountHint)
			return nil
		},
	}
}

func newAuthorizeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "authorize",
		Short: "以授權碼流程取得憑證",
		RunE: func(cmd *cobra.Command, _ []string) error {
			broker, cfg, err := initBroker()
			if err != nil {
				return err
			}

			redirect, err := url.Parse(cfg.AuthRedirectURL)
			if err != nil {
				return fmt.Errorf("無法解析 AUTH_REDIRECT_URL: %w", err)
			}

			authURL, err := broker.BeginAuthorizationCodeFlow(cfg.AuthRedirectURL)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			type callbackResult struct {
				cred *auth.Credential
				err  error
			}
			results := make(chan callbackResult, 1)

			mux := http.NewServeMux()
			mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
				if msg := r.URL.Query().Get("error"); msg != "" {
					fmt.Fprintf(w, "授權失敗: %s\n", msg)
					results <- callbackResult{err: fmt.Errorf("授權伺服器回報錯誤: %s", msg)}
					return
				}
				code := r.URL.Query().Get("code")
				state := r.URL.Query().Get("state")
				cred, err := broker.CompleteAuthorizationCodeFlow(r.Context(), code, state)
				if err != nil {
					fmt.Fprintf(w, "授權失敗: %v\n", err)
					results <- callbackResult{err: err}
					return
				}
				fmt.Fprintf(w, "授權完成 (%s)，此視窗可以關閉。\n", cred.AccountHint)
				results <- callbackResult{cred: cred}
			})

			srv := &http.Server{Addr: redirect.Host, Handler: mux}
			errs := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errs <- fmt.Errorf("無法監聽 %s（若轉送服務正在執行，請改用管理 API 的 /auth/authorize）: %w", redirect.Host, err)
				}
			}()

			fmt.Println("請在瀏覽器開啟以下網址完成授權:")
			fmt.Println(authURL)
			fmt.Println("等待瀏覽器回呼中...")

			var result callbackResult
			select {
			case result = <-results:
			case err := <-errs:
				return err
			case <-ctx.Done():
				result = callbackResult{err: ctx.Err()}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)

			if result.err != nil {
				return result.err
			}
			fmt.Printf("授權完成 (%s)，憑證已寫入儲存。\n", result.cred.AccountHint)
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "顯示各流程的憑證狀態",
		RunE: func(cmd *cobra.Command, _ []string) error {
			broker, cfg, err := initBroker()
			if err != nil {
				return err
			}

			status := broker.Status()
			fmt.Printf("預設流程: %s\n", auth.ParseFlow(cfg.AuthMethod))
			for _, flow := range []auth.FlowType{auth.FlowDeviceCode, auth.FlowAuthorizationCode} {
				st := status[flow]
				if !st.HasCredential {
					fmt.Printf("%-20s 無憑證\n", flow)
					continue
				}
				refresh := "否"
				if st.Refreshable {
					refresh = "是"
				}
				fmt.Printf("%-20s 帳號: %s 到期: %s 可更新: %s\n",
					flow, st.AccountHint, st.ExpiresAt.Local().Format(time.RFC3339), refresh)
			}
			return nil
		},
	}
}

func newRevokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke [flow]",
		Short: "移除指定流程的憑證",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			broker, cfg, err := initBroker()
			if err != nil {
				return err
			}

			name := cfg.AuthMethod
			if len(args) > 0 {
				name = args[0]
			}
			flow := auth.ParseFlow(name)
			if err := broker.Revoke(flow); err != nil {
				return err
			}
			fmt.Printf("憑證已移除 (%s)\n", flow)
			return nil
		},
	}
}
