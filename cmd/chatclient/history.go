package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"im-realtime/internal/handlers/console"
	"im-realtime/internal/messages"
)

var (
	historyPages int
	historyQuery string
)

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the latest messages of a conversation, or search them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := requireToken()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		selfID, _ := parseSelf()
		msgs := messages.NewController(args[0], selfID, newAPIClient(creds), cfg.Messages, nil)
		defer msgs.Close()

		if historyQuery != "" {
			found, err := msgs.Search(ctx, historyQuery)
			if err != nil {
				return err
			}
			for _, m := range found {
				fmt.Println(console.FormatMessage(m))
			}
			return nil
		}

		if err := msgs.Load(ctx); err != nil {
			return err
		}
		for i := 1; i < historyPages; i++ {
			more, err := msgs.LoadOlder(ctx)
			if err != nil {
				return err
			}
			if !more {
				break
			}
		}
		for _, m := range msgs.Messages() {
			fmt.Println(console.FormatMessage(m))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyPages, "pages", "n", 1, "number of pages to load")
	historyCmd.Flags().StringVarP(&historyQuery, "search", "s", "", "search instead of listing")
}
