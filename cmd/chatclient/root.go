package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"im-realtime/internal/api"
	"im-realtime/internal/auth"
	"im-realtime/internal/config"
	"im-realtime/internal/logging"
)

var (
	configPath string
	logLevel   string
	logPath    string
	token      string

	cfg config.Config
)

// Execute runs the root command. It is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "chatclient",
	Short:         "Terminal client for secure realtime conversations",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env 中的变量只在环境里不存在时生效
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("loading .env: %w", err)
		}

		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("无法加载配置: %w", err)
		}
		if logLevel == "" {
			logLevel = cfg.LogLevel
		}
		if err := logging.Init(logLevel, logPath); err != nil {
			return err
		}
		if token == "" {
			token = os.Getenv("IM_TOKEN")
		}
		jww.DEBUG.Printf("[main] %s %s, api %s, ws %s", cfg.AppName, cfg.AppVersion, cfg.API.BaseURL, cfg.WebSocket.URL)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "trace, debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logPath, "log-file", "", "write logs to this file instead of stdout")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", "", "access token (default $IM_TOKEN)")

	rootCmd.AddCommand(chatCmd, notificationsCmd, historyCmd, callsCmd)
}

func requireToken() (*auth.MemoryCredentialStore, error) {
	if token == "" {
		return nil, errors.New("no access token: pass --token or set IM_TOKEN")
	}
	if claims, err := auth.ParseClaims(token); err == nil {
		if left := claims.ExpiresIn(time.Now()); claims.ExpiresAt != nil && left <= 0 {
			jww.WARN.Printf("[main] token for %s expired %s ago", claims.UserID(), -left)
		}
	}
	return auth.NewMemoryCredentialStore(token), nil
}

func newAPIClient(creds auth.CredentialStore) *api.Client {
	return api.NewClient(cfg.API, creds, nil)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// startMetrics serves /metrics when METRICS.ADDR is set. The returned
// function shuts the server down.
func startMetrics() func() {
	if cfg.Metrics.Addr == "" {
		return func() {}
	}
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: handlers.LoggingHandler(jww.DEBUG.Writer(), r),
	}
	go func() {
		jww.INFO.Printf("[main] metrics on http://%s/metrics", cfg.Metrics.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			jww.ERROR.Printf("[main] metrics server: %v", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			jww.WARN.Printf("[main] metrics shutdown: %v", err)
		}
	}
}
