package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/matheus3301/matchwire/internal/api"
	"github.com/matheus3301/matchwire/internal/session"
	"github.com/spf13/cobra"
)

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection status",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return g.run(func(ctx context.Context, c *api.Client) (any, error) {
				return c.GetStatus(ctx)
			}, func(v any) {
				st := v.(*api.StatusResponse)
				fmt.Printf("Profile:   %s (user %s)\n", st.Profile, st.UserID)
				fmt.Printf("State:     %s\n", st.State)
				fmt.Printf("Token:     %d\n", st.Token)
				fmt.Printf("Attempts:  %d\n", st.Attempts)
				if st.AuthError != "" {
					fmt.Printf("Auth:      %s\n", st.AuthError)
				}
				if st.LastError != "" {
					fmt.Printf("Last err:  %s\n", st.LastError)
				}
				fmt.Printf("Outbox:    %d queued\n", st.Outbox)
				fmt.Printf("Inbox:     %d conversations, %d messages\n", st.Conversations, st.Messages)
				fmt.Printf("Dedup:     %d ids, %d fingerprints\n", st.DedupIDs, st.DedupFingerprints)
				fmt.Printf("Uptime:    %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
			})
		},
	}
}

func newConnectCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Open the connection (clears an auth rejection)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return g.run(func(ctx context.Context, c *api.Client) (any, error) {
				return c.Connect(ctx)
			}, printState)
		},
	}
}

func newSendCmd(g *globals) *cobra.Command {
	var clientID string
	cmd := &cobra.Command{
		Use:   "send <match-id> <receiver-id> <text...>",
		Short: "Send a chat message (queued while offline)",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			req := &api.SendRequest{
				MatchID:         args[0],
				ReceiverID:      args[1],
				Content:         strings.Join(args[2:], " "),
				ClientMessageID: clientID,
			}
			return g.run(func(ctx context.Context, c *api.Client) (any, error) {
				return c.SendMessage(ctx, req)
			}, func(v any) {
				resp := v.(*api.SendResponse)
				if resp.Sent {
					fmt.Printf("sent %s\n", resp.ClientMessageID)
				} else {
					fmt.Printf("queued %s\n", resp.ClientMessageID)
				}
			})
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "", "client message id (generated when empty)")
	return cmd
}

func newReadCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "read <match-id> <message-id...>",
		Short: "Mark messages as read",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			req := &api.MarkReadRequest{MatchID: args[0], MessageIDs: args[1:]}
			return g.run(func(ctx context.Context, c *api.Client) (any, error) {
				return c.MarkRead(ctx, req)
			}, func(v any) {
				resp := v.(*api.MarkReadResponse)
				fmt.Printf("%d updated, receipt sent: %v\n", resp.Updated, resp.Sent)
			})
		},
	}
}

func newTypingCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "typing <match-id> <on|off>",
		Short: "Start or stop the local typing indicator",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			on, err := parseOnOff(args[1])
			if err != nil {
				return err
			}
			return g.run(func(ctx context.Context, c *api.Client) (any, error) {
				return api.Empty{}, c.SetTyping(ctx, &api.TypingRequest{MatchID: args[0], Typing: on})
			}, func(any) { fmt.Println("ok") })
		},
	}
}

func newFocusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "focus <match-id> <on|off>",
		Short: "Enter or leave a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			on, err := parseOnOff(args[1])
			if err != nil {
				return err
			}
			return g.run(func(ctx context.Context, c *api.Client) (any, error) {
				return api.Empty{}, c.SetActiveChat(ctx, &api.ActiveChatRequest{MatchID: args[0], Active: on})
			}, func(any) { fmt.Println("ok") })
		},
	}
}

func newPresenceCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "presence [user-id]",
		Short: "Show tracked presence",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			req := &api.PresenceRequest{}
			if len(args) == 1 {
				req.UserID = args[0]
			}
			return g.run(func(ctx context.Context, c *api.Client) (any, error) {
				return c.GetPresence(ctx, req)
			}, func(v any) {
				resp := v.(*api.PresenceResponse)
				if len(resp.Entries) == 0 {
					fmt.Println("No presence tracked.")
					return
				}
				for _, e := range resp.Entries {
					active := "-"
					if e.ActiveConversation != "" {
						active = e.ActiveConversation
					}
					fmt.Printf("%-20s %-8s last seen %s, in %s\n", e.UserID, e.Status, formatMillis(e.LastSeen), active)
				}
			})
		},
	}
}

func newConversationsCmd(g *globals) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"convs"},
		Short:   "List local conversations, newest first",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return g.run(func(ctx context.Context, c *api.Client) (any, error) {
				return c.ListConversations(ctx, &api.ListConversationsRequest{Limit: limit, Offset: offset})
			}, func(v any) {
				resp := v.(*api.ListConversationsResponse)
				if len(resp.Conversations) == 0 {
					fmt.Println("No conversations.")
					return
				}
				for _, cv := range resp.Conversations {
					typing := ""
					if len(cv.Typing) > 0 {
						typing = " (typing)"
					}
					fmt.Printf("%-20s %-12s %3d unread  %s%s\n", cv.MatchID, cv.PeerID, cv.UnreadCount, cv.LastMessagePreview, typing)
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func newMessagesCmd(g *globals) *cobra.Command {
	var (
		limit  int
		before int64
		query  string
	)
	cmd := &cobra.Command{
		Use:   "messages [match-id]",
		Short: "List or search stored messages",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			req := &api.ListMessagesRequest{Limit: limit, BeforeTs: before, Query: query}
			if len(args) == 1 {
				req.MatchID = args[0]
			}
			return g.run(func(ctx context.Context, c *api.Client) (any, error) {
				return c.ListMessages(ctx, req)
			}, func(v any) {
				resp := v.(*api.ListMessagesResponse)
				for _, m := range resp.Messages {
					who := m.SenderID
					if m.FromMe {
						who = "me"
					}
					fmt.Printf("%s  %-10s %-8s %s\n", formatMillis(m.Timestamp), who, m.Status, m.Content)
				}
				if resp.HasMore {
					fmt.Println("(more)")
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().Int64Var(&before, "before", 0, "only messages before this unix ms timestamp")
	cmd.Flags().StringVarP(&query, "query", "q", "", "substring search")
	return cmd
}

func newReceiptsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "receipts <match-id>",
		Short: "List journaled read receipts of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return g.run(func(ctx context.Context, c *api.Client) (any, error) {
				return c.ListReceipts(ctx, &api.ListReceiptsRequest{MatchID: args[0]})
			}, func(v any) {
				resp := v.(*api.ListReceiptsResponse)
				if len(resp.Receipts) == 0 {
					fmt.Println("No receipts.")
					return
				}
				for _, r := range resp.Receipts {
					fmt.Printf("%-20s read by %-12s at %s\n", r.MessageID, r.ReaderID, formatMillis(r.ReadAt))
				}
			})
		},
	}
}

func newResetCmd(g *globals) *cobra.Command {
	var reconnect bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Tear the connection down and mint a new session token",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return g.run(func(ctx context.Context, c *api.Client) (any, error) {
				return c.Reset(ctx, &api.ResetRequest{Reconnect: reconnect})
			}, func(v any) {
				resp := v.(*api.ResetResponse)
				fmt.Printf("token %d, state %s\n", resp.Token, resp.State)
			})
		},
	}
	cmd.Flags().BoolVar(&reconnect, "reconnect", false, "connect again after the reset")
	return cmd
}

func newResumeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Retry after automatic reconnection gave up",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return g.run(func(ctx context.Context, c *api.Client) (any, error) {
				return c.Resume(ctx)
			}, printState)
		},
	}
}

func newLogoutCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Disconnect and wipe queued messages, dedup records and receipts",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return g.run(func(ctx context.Context, c *api.Client) (any, error) {
				return api.Empty{}, c.Logout(ctx)
			}, func(any) { fmt.Println("logged out") })
		},
	}
}

func newWatchCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [prefix]",
		Short: "Stream daemon events until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			events, err := c.WatchEvents(ctx, prefix)
			if err != nil {
				return err
			}
			for {
				evt, err := events.Recv()
				if err != nil {
					if errors.Is(err, io.EOF) || ctx.Err() != nil {
						return nil
					}
					return err
				}
				if g.json {
					outputJSON(evt)
					continue
				}
				at := time.UnixMilli(evt.OccurredAtUnixMs).Format("15:04:05.000")
				fmt.Printf("%s %-30s %s\n", at, evt.Kind, evt.Payload)
			}
		},
	}
}

func newProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List local profiles",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			names, err := session.List()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Println("No profiles found.")
				return nil
			}
			for _, name := range names {
				running := "stopped"
				if _, err := os.Stat(session.SocketPath(name)); err == nil {
					running = "running"
				}
				fmt.Printf("%-20s %s (%s)\n", name, session.Dir(name), running)
			}
			return nil
		},
	}
}

func printState(v any) {
	fmt.Printf("state %s\n", v.(*api.StateResponse).State)
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1", "start":
		return true, nil
	case "off", "false", "0", "stop":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "never"
	}
	return time.UnixMilli(ms).Format(time.DateTime)
}
