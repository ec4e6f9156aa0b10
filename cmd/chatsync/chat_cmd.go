package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lumora/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// inbox
	inboxLimit int

	// history
	historyLimit int
)

func init() {
	inboxCmd.Flags().IntVar(&inboxLimit, "limit", 20, "maximum conversations to show")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 30, "maximum messages to show")

	rootCmd.AddCommand(inboxCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(directCmd)
	rootCmd.AddCommand(reactCmd)
}

// sessionLabel renders a one-line description of a session.
func sessionLabel(sess chatsync.ChatSession, selfID string) string {
	if sess.Title != "" {
		return sess.Title
	}
	if sess.Type == chatsync.SessionDirect {
		for _, p := range sess.Participants {
			if p.ID != selfID {
				if p.Name != "" {
					return p.Name
				}
				return p.ID
			}
		}
	}
	return sess.ID
}

// ============================================================================
// inbox
// ============================================================================

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List recent conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := getEngine()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		defer engine.Close(context.Background())

		if err := engine.RefreshInbox(ctx); err != nil {
			return fmt.Errorf("inbox refresh failed: %w", err)
		}

		snap := engine.GetSnapshot()
		if len(snap.Sessions) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		shown := 0
		for _, sess := range snap.Sessions {
			if inboxLimit > 0 && shown >= inboxLimit {
				break
			}
			marker := " "
			if sess.UnreadCount > 0 {
				marker = "*"
			}
			last := ""
			if n := len(sess.Messages); n > 0 {
				last = sess.Messages[n-1].Body
				if len(last) > 48 {
					last = last[:48] + "…"
				}
			}
			fmt.Printf("%s %-40s  %-24s  %s\n", marker, sess.ID, sessionLabel(sess, snap.CurrentUserID), last)
			shown++
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id|user-id>",
	Short: "Show a conversation's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := getEngine()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		defer engine.Close(context.Background())

		snap := engine.GetSnapshot()
		target := args[0]
		if sess := findSession(snap, target, snap.CurrentUserID); sess != nil {
			target = sess.ID
		}

		if err := engine.EnsureConversationHistory(ctx, target); err != nil {
			return fmt.Errorf("history load failed: %w", err)
		}

		snap = engine.GetSnapshot()
		sess := snap.Session(target)
		if sess == nil {
			return fmt.Errorf("conversation %s not found", target)
		}

		msgs := sess.Messages
		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}
		for _, m := range msgs {
			printMessage(m, snap.CurrentUserID)
		}
		return nil
	},
}

func printMessage(m chatsync.ChatMessage, selfID string) {
	author := m.AuthorID
	if author == selfID {
		author = "me"
	}
	status := ""
	switch m.Status {
	case chatsync.StatusPending:
		status = " [pending]"
	case chatsync.StatusFailed:
		status = " [failed]"
	}
	fmt.Printf("%s  %-12s %s%s\n", m.SentAt.Local().Format("15:04:05"), author, m.Body, status)
	for _, r := range m.Reactions {
		fmt.Printf("             %s ×%d\n", r.Emoji, len(r.Users))
	}
	for _, a := range m.Attachments {
		fmt.Printf("             📎 %s (%s)\n", a.Name, a.ID)
	}
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id|user-id> <message>",
	Short: "Send a message to a conversation or user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := getEngine()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		defer engine.Close(context.Background())

		snap := engine.GetSnapshot()
		target := args[0]
		if sess := findSession(snap, target, snap.CurrentUserID); sess != nil {
			target = sess.ID
		} else if !chatsync.IsDirectSessionID(target) {
			// An unknown plain id is treated as a direct peer.
			target = chatsync.DirectSessionID(snap.CurrentUserID, target)
		}

		msg, err := engine.SendMessage(ctx, target, args[1], nil)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if msg != nil {
			fmt.Printf("Sent %s\n", msg.ID)
		} else {
			fmt.Println("Sent")
		}
		return nil
	},
}

// ============================================================================
// direct
// ============================================================================

var directCmd = &cobra.Command{
	Use:   "direct <user-id>",
	Short: "Open (or create) the direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := getEngine()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		defer engine.Close(context.Background())

		id, err := engine.StartDirectChat(ctx, chatsync.ChatParticipant{ID: args[0]})
		if err != nil {
			return fmt.Errorf("cannot open direct chat: %w", err)
		}
		fmt.Printf("Conversation: %s\n", id)
		return nil
	},
}

// ============================================================================
// react
// ============================================================================

var reactCmd = &cobra.Command{
	Use:   "react <conversation-id> <message-id> <emoji>",
	Short: "Toggle a reaction on a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := getEngine()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		defer engine.Close(context.Background())

		if err := engine.ToggleMessageReaction(ctx, args[0], args[1], args[2]); err != nil {
			return fmt.Errorf("reaction failed: %w", err)
		}

		snap := engine.GetSnapshot()
		if sess := snap.Session(args[0]); sess != nil {
			if msg := sess.Message(args[1]); msg != nil {
				if len(msg.Reactions) == 0 {
					fmt.Println("No reactions.")
				}
				for _, r := range msg.Reactions {
					fmt.Printf("%s ×%d\n", r.Emoji, len(r.Users))
				}
			}
		}
		return nil
	},
}
