package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"im-realtime/internal/call"
	"im-realtime/internal/handlers/console"
	"im-realtime/internal/services"
	"im-realtime/internal/storage"
	"im-realtime/internal/websocket"
)

var camera bool

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a conversation: messages, presence, typing and calls",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := requireToken()
		if err != nil {
			return err
		}
		defer startMetrics()()

		db, err := storage.InitDB(cfg.Database)
		if err != nil {
			return err
		}
		if err := storage.AutoMigrateTables(db); err != nil {
			return err
		}

		bell := &call.BellSink{}
		svc, err := services.NewRealtimeService(services.Deps{
			Config:   cfg,
			API:      newAPIClient(creds),
			Creds:    creds,
			Dialer:   websocket.NewDialer(cfg.WebSocket),
			Devices:  call.SampleDevices{Camera: camera},
			Peers:    call.PionFactory{},
			Tones:    bell,
			CallLogs: storage.NewGormCallLogRepository(db),
		})
		if err != nil {
			return err
		}
		ui := console.NewHandler(svc, os.Stdout)
		bell.Write = ui.Bell

		ctx, stop := signalContext()
		defer stop()
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			svc.Run(runCtx)
			close(done)
		}()
		defer func() {
			cancel()
			<-done
		}()

		if _, err := svc.Open(ctx, args[0]); err != nil {
			jww.ERROR.Printf("[main] open %s: %v", args[0], err)
			return fmt.Errorf("impossible d'ouvrir la conversation: %w", err)
		}
		fmt.Println("Tapez /help pour la liste des commandes.")
		return ui.Run(ctx, os.Stdin)
	},
}

func init() {
	chatCmd.Flags().BoolVar(&camera, "camera", false, "offer a video track in calls")
}
