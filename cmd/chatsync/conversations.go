package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nestmate/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations list
	conversationsListStatus string
	conversationsListJSON   bool

	// conversations show
	conversationsShowLimit int
	conversationsShowJSON  bool

	// send
	sendJSON bool
)

// ============================================================================
// conversations (parent command)
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Manage conversations",
	Long:    "List, inspect, and update your marketplace conversations.",
}

// ============================================================================
// conversations list
// ============================================================================

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := newClient(true)

		var opts *chatsync.ListOptions
		if conversationsListStatus != "" {
			status := chatsync.Status(conversationsListStatus)
			if !status.Valid() {
				return fmt.Errorf("unknown status %q (valid: %s)", status, statusList())
			}
			opts = &chatsync.ListOptions{Status: status}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conversations, err := client.Conversations.List(ctx, opts)
		if err != nil {
			return apiError("list conversations", err)
		}

		if conversationsListJSON {
			return printJSON(conversations)
		}

		if len(conversations) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range conversations {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("  %s: %s [%s]%s\n", c.ID, conversationTitle(&c), c.Status, unread)
		}
		return nil
	},
}

// ============================================================================
// conversations show
// ============================================================================

var conversationsShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Show a conversation and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := newClient(true)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := client.Conversations.Get(ctx, chatsync.ID(args[0]))
		if err != nil {
			return apiError("get conversation", err)
		}

		if conversationsShowJSON {
			return printJSON(conv)
		}

		fmt.Printf("Conversation %s: %s\n", conv.ID, conversationTitle(conv))
		fmt.Printf("Status: %s   Unread: %d\n", conv.Status, conv.UnreadCount)
		if p := conv.PropertyDetails; p != nil && p.Address != "" {
			fmt.Printf("Address: %s\n", p.Address)
		}
		fmt.Println()

		msgs := conv.Messages
		if conversationsShowLimit > 0 && len(msgs) > conversationsShowLimit {
			msgs = msgs[len(msgs)-conversationsShowLimit:]
		}
		me := chatsync.ID(cfg.Auth.UserID)
		for _, m := range msgs {
			fmt.Println(formatMessage(m, me, conv.OtherParticipant))
		}
		return nil
	},
}

// ============================================================================
// conversations read
// ============================================================================

var conversationsReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client, _ := newClient(true)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Conversations.MarkRead(ctx, chatsync.ID(conversationID)); err != nil {
			return apiError("mark read", err)
		}

		fmt.Printf("Conversation %s marked as read.\n", conversationID)
		return nil
	},
}

// ============================================================================
// conversations status
// ============================================================================

var conversationsStatusCmd = &cobra.Command{
	Use:   "status <conversation-id> <status>",
	Short: "Change a conversation's status",
	Long:  "Change a conversation's status. Valid statuses: " + statusList(),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, status := args[0], chatsync.Status(args[1])
		if !status.Valid() {
			return fmt.Errorf("unknown status %q (valid: %s)", status, statusList())
		}
		client, _ := newClient(true)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Conversations.UpdateStatus(ctx, chatsync.ID(conversationID), status); err != nil {
			return apiError("update status", err)
		}

		fmt.Printf("Conversation %s is now %s.\n", conversationID, status)
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message over REST",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		content := strings.Join(args[1:], " ")
		client, _ := newClient(true)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		resp, err := client.Conversations.SendMessage(ctx, chatsync.ID(conversationID), content, nil)
		if err != nil {
			if v := chatsync.AsViolations(err); len(v) > 0 {
				return fmt.Errorf("message rejected: %s", describeViolations(v))
			}
			return apiError("send message", err)
		}

		if sendJSON {
			if resp.ContentWarning != nil {
				return printJSON(resp.ContentWarning)
			}
			return printJSON(resp.Message)
		}

		if w := resp.ContentWarning; w != nil {
			fmt.Printf("Message not sent: content warning (%s)\n", describeViolations(w.Violations))
			return nil
		}
		fmt.Printf("Message sent (id %s).\n", resp.Message.ID)
		return nil
	},
}

// ============================================================================
// Formatting
// ============================================================================

func conversationTitle(c *chatsync.Conversation) string {
	var parts []string
	if p := c.OtherParticipant; p != nil {
		parts = append(parts, p.DisplayName())
	}
	if d := c.PropertyDetails; d != nil && d.Title != "" {
		parts = append(parts, d.Title)
	}
	if len(parts) == 0 {
		return "(untitled)"
	}
	return strings.Join(parts, " - ")
}

func formatMessage(m chatsync.Message, me chatsync.ID, other *chatsync.Participant) string {
	who := string(m.Sender)
	switch {
	case me != "" && m.Sender == me:
		who = "you"
	case other != nil && m.Sender == other.ID:
		who = other.DisplayName()
	}
	ts := ""
	if !m.CreatedAt.IsZero() {
		ts = m.CreatedAt.Local().Format("Jan 2 15:04") + " "
	}
	suffix := ""
	if m.Pending {
		suffix = " (sending)"
	} else if m.Sender == me && m.Read {
		suffix = " (read)"
	}
	return fmt.Sprintf("%s%s: %s%s", ts, who, m.DisplayContent(), suffix)
}

func describeViolations(vs []chatsync.Violation) string {
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		if v.Message != "" {
			parts = append(parts, v.Message)
		} else {
			parts = append(parts, v.Type)
		}
	}
	return strings.Join(parts, "; ")
}

func statusList() string {
	statuses := chatsync.Statuses()
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

func init() {
	// conversations list
	conversationsListCmd.Flags().StringVar(&conversationsListStatus, "status", "", "Only show conversations with this status")
	conversationsListCmd.Flags().BoolVar(&conversationsListJSON, "json", false, "Output raw JSON")

	// conversations show
	conversationsShowCmd.Flags().IntVarP(&conversationsShowLimit, "limit", "n", 0, "Only show the last N messages")
	conversationsShowCmd.Flags().BoolVar(&conversationsShowJSON, "json", false, "Output raw JSON")

	// send
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
	conversationsCmd.AddCommand(conversationsReadCmd)
	conversationsCmd.AddCommand(conversationsStatusCmd)

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(sendCmd)
}
