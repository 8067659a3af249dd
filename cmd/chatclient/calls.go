package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"im-realtime/internal/auth"
	"im-realtime/internal/models"
	"im-realtime/internal/storage"
)

var (
	callsConversation string
	callsLimit        int
)

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "List the local call log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := storage.InitDB(cfg.Database)
		if err != nil {
			return err
		}
		if err := storage.AutoMigrateTables(db); err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		entries, err := storage.NewGormCallLogRepository(db).List(ctx, callsConversation, callsLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Aucun appel.")
			return nil
		}
		for _, e := range entries {
			arrow := "←"
			if e.Direction == models.CallOutgoing {
				arrow = "→"
			}
			duration := "-"
			if e.AnsweredAt != nil {
				duration = e.Duration().Round(time.Second).String()
			}
			fmt.Printf("%s %s %-5s %-12s %-8s %8s  %s\n",
				arrow, e.StartedAt.Local().Format("2006-01-02 15:04"), e.Kind, e.PeerUserID, e.Reason, duration,
				humanize.Time(e.StartedAt))
		}
		return nil
	},
}

func init() {
	callsCmd.Flags().StringVar(&callsConversation, "conversation", "", "only this conversation")
	callsCmd.Flags().IntVarP(&callsLimit, "limit", "n", 20, "number of calls to list")
}

// parseSelf returns the user id carried by the access token.
func parseSelf() (string, error) {
	claims, err := auth.ParseClaims(token)
	if err != nil {
		return "", err
	}
	return claims.UserID(), nil
}
