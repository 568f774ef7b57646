package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matheus3301/chatlink/internal/config"
	"github.com/matheus3301/chatlink/internal/lock"
	"github.com/matheus3301/chatlink/internal/profile"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection and session status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _, err := opts.dial()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			ctx, cancel := opts.context()
			defer cancel()

			st, err := c.GetStatus(ctx, &emptypb.Empty{})
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newConnectCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Connect to the chat backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _, err := opts.dial()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			ctx, cancel := opts.context()
			defer cancel()

			if _, err := c.Connect(ctx, &emptypb.Empty{}); err != nil {
				if grpcstatus.Code(err) == codes.Unauthenticated {
					return fmt.Errorf("%w (set one with: chatlinkctl token set)", err)
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "connecting")
			return nil
		},
	}
}

func newDisconnectCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Close the real-time connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _, err := opts.dial()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			ctx, cancel := opts.context()
			defer cancel()

			if _, err := c.Disconnect(ctx, &emptypb.Empty{}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "disconnected")
			return nil
		},
	}
}

func newTokenCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the stored bearer token",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set [token]",
		Short: "Store a token and reconnect (reads stdin when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if len(args) == 1 {
				token = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read token: %w", err)
				}
				token = line
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return errors.New("empty token")
			}

			c, _, err := opts.dial()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			ctx, cancel := opts.context()
			defer cancel()

			if _, err := c.SetToken(ctx, wrapperspb.String(token)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "token stored")
			return nil
		},
	})
	return cmd
}

func newConversationsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _, err := opts.dial()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			ctx, cancel := opts.context()
			defer cancel()

			list, err := c.ListConversations(ctx, &emptypb.Empty{})
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), list)
			}
			printConversations(cmd.OutOrStdout(), list)
			return nil
		},
	}
}

func newOpenCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "open <conversation-id>",
		Short: "Open a conversation and print its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := opts.dial()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			ctx, cancel := opts.context()
			defer cancel()

			msgs, err := c.OpenConversation(ctx, wrapperspb.String(args[0]))
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), msgs)
			}
			printMessages(cmd.OutOrStdout(), msgs.GetValues())
			return nil
		},
	}
}

func newHistoryCommand(opts *options) *cobra.Command {
	var (
		limit  int
		before string
	)
	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print mirrored messages without opening the conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := map[string]any{"conversation_id": args[0], "limit": limit}
			if before != "" {
				ts, err := time.Parse(time.RFC3339, before)
				if err != nil {
					return fmt.Errorf("--before: %w", err)
				}
				fields["before_ms"] = ts.UnixMilli()
			}
			req, err := structpb.NewStruct(fields)
			if err != nil {
				return err
			}

			c, _, err := opts.dial()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			ctx, cancel := opts.context()
			defer cancel()

			msgs, err := c.ListMessages(ctx, req)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), msgs)
			}
			// Stored history is newest first; print it in reading order.
			vals := msgs.GetValues()
			rev := make([]*structpb.Value, len(vals))
			for i, v := range vals {
				rev[len(vals)-1-i] = v
			}
			printMessages(cmd.OutOrStdout(), rev)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of messages")
	cmd.Flags().StringVar(&before, "before", "", "only messages older than this RFC 3339 time")
	return cmd
}

func newSendCommand(opts *options) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "send <conversation-id> [text...]",
		Short: "Send a text message or, with --file, a media message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			if file == "" && strings.TrimSpace(text) == "" {
				return errors.New("nothing to send")
			}

			c, _, err := opts.dial()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			ctx, cancel := opts.context()
			defer cancel()

			var out *structpb.Struct
			if file != "" {
				// The daemon opens the file, so hand it an absolute path.
				abs, err := filepath.Abs(file)
				if err != nil {
					return err
				}
				req, err := structpb.NewStruct(map[string]any{"conversation_id": args[0], "path": abs})
				if err != nil {
					return err
				}
				out, err = c.SendFile(ctx, req)
				if err != nil {
					return err
				}
			} else {
				req, err := structpb.NewStruct(map[string]any{"conversation_id": args[0], "text": text})
				if err != nil {
					return err
				}
				out, err = c.SendText(ctx, req)
				if err != nil {
					return err
				}
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), out)
			}
			f := out.GetFields()
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", f["state"].GetStringValue(), f["local_id"].GetStringValue())
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "upload and send this file")
	return cmd
}

func newWatchCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [kind-prefix]",
		Short: "Stream daemon events until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			c, _, err := opts.dial()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			stream, err := c.WatchEvents(ctx, wrapperspb.String(prefix))
			if err != nil {
				return err
			}
			for {
				evt, err := stream.Recv()
				if err != nil {
					if ctx.Err() != nil || errors.Is(err, io.EOF) {
						return nil
					}
					return err
				}
				if opts.json {
					if err := printJSONLine(cmd.OutOrStdout(), evt); err != nil {
						return err
					}
					continue
				}
				printEvent(cmd.OutOrStdout(), evt)
			}
		},
	}
}

func newProfilesCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Inspect local profiles",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List profiles and whether their daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names, err := profile.List()
			if err != nil {
				return err
			}
			rows := make([]profileRow, 0, len(names))
			def := profile.Resolve("")
			for _, n := range names {
				rows = append(rows, profileRow{Name: n, PID: lock.Holder(profile.Dir(n)), Default: n == def})
			}
			if opts.json {
				return printValueJSON(cmd.OutOrStdout(), rows)
			}
			printProfiles(cmd.OutOrStdout(), rows)
			return nil
		},
	})
	return cmd
}

func newConfigCommand(_ *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialise the global configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Resolve(profile.ConfigPath())
				if err != nil {
					return err
				}
				return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
			},
		},
		&cobra.Command{
			Use:   "init",
			Short: "Write the default configuration if none exists",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				path := profile.ConfigPath()
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists", path)
				}
				if err := config.Save(path, config.Default()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			},
		},
	)
	return cmd
}
