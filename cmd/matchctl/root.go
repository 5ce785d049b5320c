package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/matchwire/internal/api"
	"github.com/matheus3301/matchwire/internal/session"
	"github.com/spf13/cobra"
)

type globals struct {
	profile string
	json    bool
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:           "matchctl",
		Short:         "Control a running matchwired daemon",
		Long:          "matchctl talks to the matchwired daemon of a profile over its Unix socket.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&g.profile, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&g.json, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "per-call timeout")

	rootCmd.AddCommand(
		newStatusCmd(g),
		newConnectCmd(g),
		newSendCmd(g),
		newReadCmd(g),
		newTypingCmd(g),
		newFocusCmd(g),
		newPresenceCmd(g),
		newConversationsCmd(g),
		newMessagesCmd(g),
		newReceiptsCmd(g),
		newResetCmd(g),
		newResumeCmd(g),
		newLogoutCmd(g),
		newWatchCmd(g),
		newProfilesCmd(),
	)
	return rootCmd
}

// client resolves the profile and dials its daemon.
func (g *globals) client() (*api.Client, error) {
	name := session.Resolve(g.profile)
	if err := session.ValidateName(name); err != nil {
		return nil, err
	}
	c, err := api.Dial(session.SocketPath(name))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	return c, nil
}

// run dials the daemon and calls fn with a timeout context.
func (g *globals) run(fn func(ctx context.Context, c *api.Client) (any, error), text func(v any)) error {
	c, err := g.client()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	v, err := fn(ctx, c)
	if err != nil {
		return err
	}
	if g.json || text == nil {
		outputJSON(v)
		return nil
	}
	text(v)
	return nil
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
