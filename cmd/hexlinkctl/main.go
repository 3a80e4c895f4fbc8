package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/danmuck/hexlink/internal/link"
	"github.com/danmuck/hexlink/internal/observability"
	"github.com/danmuck/hexlink/internal/peer"
	"github.com/danmuck/hexlink/internal/protocol/frame"
	"github.com/danmuck/hexlink/internal/transport/wsconn"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

type rootFlags struct {
	configPath string
	url        string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hexlinkctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "hexlinkctl",
		Short: "Talk to a hex frame notification peer",
		Long: `hexlinkctl writes hex encoded frames to a peer over a websocket link and
waits for the notification that carries the same correlation key.

The serve command runs a scripted peer that answers from a rule table.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			observability.InitLogger("hexlinkctl")
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to a TOML config file")
	root.PersistentFlags().StringVar(&flags.url, "url", "", "peer websocket url (overrides config)")

	root.AddCommand(
		sendCmd(flags),
		requestCmd(flags),
		serveCmd(flags),
		versionCmd(),
	)
	return root
}

func (f *rootFlags) load() (appConfig, error) {
	cfg, err := loadAppConfig(f.configPath)
	if err != nil {
		return appConfig{}, err
	}
	if f.url != "" {
		cfg.URL = f.url
	}
	return cfg, nil
}

// connect dials the configured peer and starts a link on it. The returned
// stop func closes the link and waits for the serve loop.
func connect(ctx context.Context, cfg appConfig, opts ...link.Option) (*link.Link, func(), error) {
	conn, err := wsconn.Dial(ctx, cfg.URL, cfg.Dial)
	if err != nil {
		return nil, nil, err
	}
	l := link.New(conn, cfg.Link, opts...)
	serveCtx, cancel := context.WithCancel(ctx)
	done := l.Start(serveCtx)
	stop := func() {
		cancel()
		_ = l.Close()
		if err := <-done; err != nil {
			log.Debug().Msgf("hexlinkctl link ended: %v", err)
		}
	}
	return l, stop, nil
}

func sendCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "send <hex> [hex...]",
		Short: "Write frames without waiting for answers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			for _, a := range args {
				if _, err := frame.Decode(a); err != nil {
					return fmt.Errorf("frame %q: %w", a, err)
				}
			}
			l, stop, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer stop()
			for _, a := range args {
				if err := l.Send(cmd.Context(), a); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", a)
			}
			return nil
		},
	}
}

func requestCmd(flags *rootFlags) *cobra.Command {
	var (
		attempts int
		timeout  time.Duration
		verbose  bool
	)
	cmd := &cobra.Command{
		Use:   "request <hex>",
		Short: "Send one request and print the correlated notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("attempts") {
				cfg.Link.Session.MaxAttempts = attempts
			}
			if cmd.Flags().Changed("timeout") {
				cfg.Link.Session.AttemptTimeout = timeout
			}
			if err := cfg.Link.Session.Policy().Validate(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var opts []link.Option
			if verbose {
				opts = append(opts, link.WithObserver(printFrame(out)))
			}
			l, stop, err := connect(cmd.Context(), cfg, opts...)
			if err != nil {
				return err
			}
			defer stop()

			resp, err := l.Request(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(out, resp)
			return nil
		},
	}
	cmd.Flags().IntVarP(&attempts, "attempts", "n", 0, "attempts before giving up")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "per-attempt response timeout")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every inbound notification")
	return cmd
}

func printFrame(w io.Writer) func(frame.Frame) {
	return func(f frame.Frame) {
		fmt.Fprintf(w, "notify %s\n", f)
	}
}

func serveCmd(flags *rootFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a scripted peer from the config rule table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Peer.Addr = addr
			}
			responder, err := peer.NewKeyedResponder(cfg.Link.Session.Key, cfg.Rules, cfg.Unsolicited...)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			log.Info().Msgf("hexlinkctl serve rules=%d unsolicited=%d keys=%s", len(cfg.Rules), len(cfg.Unsolicited), responder.KeySpec())
			return peer.NewServer(cfg.Peer, responder).ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func versionCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			if short {
				fmt.Fprintln(out, version)
				return
			}
			fmt.Fprintf(out, "hexlinkctl %s (%s) %s %s/%s\n", version, commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "print only the version number")
	return cmd
}
