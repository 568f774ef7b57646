package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/chatlink/internal/api"
	"github.com/matheus3301/chatlink/internal/profile"
	"github.com/spf13/cobra"
)

type options struct {
	profile string
	json    bool
	timeout time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "chatlinkctl",
		Short:         "Control a running chatlinkd",
		Example:       "chatlinkctl --profile work conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.profile, "profile", "", "profile name (overrides config default)")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "output in JSON format")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(
		newStatusCommand(opts),
		newConnectCommand(opts),
		newDisconnectCommand(opts),
		newTokenCommand(opts),
		newConversationsCommand(opts),
		newOpenCommand(opts),
		newHistoryCommand(opts),
		newSendCommand(opts),
		newWatchCommand(opts),
		newProfilesCommand(opts),
		newConfigCommand(opts),
	)
	return cmd
}

// dial resolves the profile and connects to its daemon.
func (o *options) dial() (*api.Client, string, error) {
	name := profile.Resolve(o.profile)
	if err := profile.ValidateName(name); err != nil {
		return nil, "", err
	}
	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		return nil, "", fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	return c, name, nil
}

func (o *options) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.timeout)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
