package main

import (
	"os"

	"github.com/spf13/cobra"

	"im-realtime/internal/handlers/console"
	"im-realtime/internal/services"
	"im-realtime/internal/websocket"
)

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Follow the notification feed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := requireToken()
		if err != nil {
			return err
		}
		defer startMetrics()()

		svc, err := services.NewRealtimeService(services.Deps{
			Config: cfg,
			API:    newAPIClient(creds),
			Creds:  creds,
			Dialer: websocket.NewDialer(cfg.WebSocket),
		})
		if err != nil {
			return err
		}
		console.NewHandler(svc, os.Stdout)

		ctx, stop := signalContext()
		defer stop()
		svc.Run(ctx)
		return nil
	},
}
