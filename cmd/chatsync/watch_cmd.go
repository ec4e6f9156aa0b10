package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lumora/chatsync"
)

var (
	// watch
	watchConversation string
)

func init() {
	watchCmd.Flags().StringVar(&watchConversation, "conversation", "", "only show events for one conversation")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect to realtime and print incoming messages until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := getEngine()
		if err != nil {
			return err
		}
		defer engine.Close(context.Background())

		seen := make(map[string]struct{})
		for _, sess := range engine.GetSnapshot().Sessions {
			for _, m := range sess.Messages {
				seen[m.ID] = struct{}{}
			}
		}

		unsubscribe := engine.Subscribe(func(snap chatsync.Snapshot) {
			for _, sess := range snap.Sessions {
				if watchConversation != "" && sess.ID != watchConversation {
					continue
				}
				for _, m := range sess.Messages {
					if _, ok := seen[m.ID]; ok {
						continue
					}
					seen[m.ID] = struct{}{}
					if m.Status != chatsync.StatusSent {
						continue
					}
					fmt.Printf("[%s] %s  %s: %s\n",
						sessionLabel(sess, snap.CurrentUserID),
						m.SentAt.Local().Format("15:04:05"),
						m.AuthorID, m.Body)
				}
				for _, uid := range sess.TypingUserIDs {
					fmt.Printf("[%s] %s is typing…\n", sessionLabel(sess, snap.CurrentUserID), uid)
				}
			}
		})
		defer unsubscribe()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err = engine.ConnectRealtime(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("realtime connect failed: %w", err)
		}
		fmt.Println("Connected. Waiting for events (Ctrl-C to stop)…")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Println("\nDisconnecting…")
		return nil
	},
}
