package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	// group create
	groupCreateMembers string
)

func init() {
	groupCreateCmd.Flags().StringVar(&groupCreateMembers, "members", "", "comma-separated participant user ids")
	_ = groupCreateCmd.MarkFlagRequired("members")

	groupCmd.AddCommand(groupCreateCmd)
	groupCmd.AddCommand(groupRenameCmd)
	groupCmd.AddCommand(groupAddCmd)
	groupCmd.AddCommand(groupDeleteCmd)
	rootCmd.AddCommand(groupCmd)
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage group conversations",
}

// ============================================================================
// group create
// ============================================================================

var groupCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a group conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := getEngine()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		defer engine.Close(context.Background())

		var members []string
		for _, m := range strings.Split(groupCreateMembers, ",") {
			if m = strings.TrimSpace(m); m != "" {
				members = append(members, m)
			}
		}
		if len(members) == 0 {
			return fmt.Errorf("at least one member is required")
		}

		id, err := engine.StartGroupChat(ctx, members, args[0])
		if err != nil {
			return fmt.Errorf("group create failed: %w", err)
		}
		fmt.Printf("Group: %s\n", id)
		return nil
	},
}

// ============================================================================
// group rename
// ============================================================================

var groupRenameCmd = &cobra.Command{
	Use:   "rename <conversation-id> <title>",
	Short: "Rename a group conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := getEngine()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		defer engine.Close(context.Background())

		if err := engine.EnsureConversationHistory(ctx, args[0]); err != nil {
			return fmt.Errorf("conversation not found: %w", err)
		}
		if err := engine.RenameGroupConversation(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("rename failed: %w", err)
		}
		fmt.Printf("Renamed %s to %q\n", args[0], args[1])
		return nil
	},
}

// ============================================================================
// group add
// ============================================================================

var groupAddCmd = &cobra.Command{
	Use:   "add <conversation-id> <user-id>...",
	Short: "Add participants to a group conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := getEngine()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		defer engine.Close(context.Background())

		if err := engine.EnsureConversationHistory(ctx, args[0]); err != nil {
			return fmt.Errorf("conversation not found: %w", err)
		}
		if err := engine.AddGroupParticipants(ctx, args[0], args[1:]); err != nil {
			return fmt.Errorf("add failed: %w", err)
		}
		fmt.Printf("Added %d participant(s) to %s\n", len(args)-1, args[0])
		return nil
	},
}

// ============================================================================
// group delete
// ============================================================================

var groupDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a group conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := getEngine()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		defer engine.Close(context.Background())

		if err := engine.EnsureConversationHistory(ctx, args[0]); err != nil {
			return fmt.Errorf("conversation not found: %w", err)
		}
		if err := engine.DeleteGroupConversation(ctx, args[0]); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}
