package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/codewiresh/playwire/internal/client"
	"github.com/codewiresh/playwire/internal/event"
	"github.com/codewiresh/playwire/internal/gateway"
	"github.com/codewiresh/playwire/internal/supervisor"
)

const queryTimeout = 2 * time.Minute

// ---------------------------------------------------------------------------
// start / stop / restart
// ---------------------------------------------------------------------------

func startCmd() *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the tunnel agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if !wait {
				return fireCommand(c, "start")
			}

			ctx, cancel := commandContext(timeout)
			defer cancel()
			f, err := c.StartAndWait(ctx, func(f gateway.Frame) {
				if f.Event == "log" {
					var e event.Log
					json.Unmarshal(f.Data, &e)
					printLog(os.Stderr, logEntry(e))
				}
			})
			if err != nil {
				return err
			}
			switch f.Event {
			case "tunnel_created":
				var tc event.TunnelCreated
				json.Unmarshal(f.Data, &tc)
				fmt.Println(styleOK.Render("tunnel running:"), styleURL.Render(tc.URL))
			case "auth_url":
				var au event.AuthURL
				json.Unmarshal(f.Data, &au)
				fmt.Println("Authorize the agent at:")
				printClaimURL(au.URL)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait until the agent reports its tunnel address")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "How long --wait waits")
	return cmd
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the tunnel agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			return fireCommand(c, "stop")
		},
	}
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the tunnel agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			return fireCommand(c, "restart")
		},
	}
}

// fireCommand triggers op and prints the daemon's acknowledgement.
func fireCommand(c *client.Client, op string) error {
	ctx, cancel := commandContext(30 * time.Second)
	defer cancel()
	r, err := c.Command(ctx, op)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, r.Message)
	return nil
}

// ---------------------------------------------------------------------------
// status / logs / history / tunnels
// ---------------------------------------------------------------------------

func statusCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the agent status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(30 * time.Second)
			defer cancel()
			s, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if output == "text" {
				printSession(os.Stdout, s)
				return nil
			}
			return writeStructured(os.Stdout, output, s)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text, json or yaml")
	return cmd
}

func logsCmd() *cobra.Command {
	var (
		follow bool
		tail   int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show agent and supervisor logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if follow {
				ctx, cancel := commandContext(0)
				defer cancel()
				return c.Follow(ctx, func(e supervisor.LogEntry) { printLog(os.Stdout, e) })
			}
			ctx, cancel := commandContext(30 * time.Second)
			defer cancel()
			entries, err := c.Logs(ctx, tail)
			if err != nil {
				return err
			}
			for _, e := range entries {
				printLog(os.Stdout, e)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream new entries")
	cmd.Flags().IntVarP(&tail, "tail", "n", 0, "Show only the last N entries")
	return cmd
}

func historyCmd() *cobra.Command {
	var (
		limit  int
		output string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show lifecycle history",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(30 * time.Second)
			defer cancel()
			entries, err := c.History(ctx, limit)
			if err != nil {
				return err
			}
			if output == "text" {
				printHistory(os.Stdout, entries)
				return nil
			}
			return writeStructured(os.Stdout, output, entries)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text, json or yaml")
	return cmd
}

func tunnelsCmd() *cobra.Command {
	var (
		refresh bool
		output  string
	)
	cmd := &cobra.Command{
		Use:   "tunnels",
		Short: "List configured tunnels",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(queryTimeout)
			defer cancel()

			var tunnels []event.Tunnel
			if refresh {
				tunnels, err = refreshTunnels(ctx, c)
			} else {
				tunnels, err = c.Tunnels(ctx)
			}
			if err != nil {
				return err
			}
			if output == "text" {
				printTunnels(os.Stdout, tunnels)
				return nil
			}
			return writeStructured(os.Stdout, output, tunnels)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", true, "Wait for a fresh listing from the agent")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text, json or yaml")
	return cmd
}

// refreshTunnels asks for a new listing and waits for the tunnels event.
func refreshTunnels(ctx context.Context, c *client.Client) ([]event.Tunnel, error) {
	s, err := c.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if _, err := c.Tunnels(ctx); err != nil {
		return nil, err
	}
	f, err := s.WaitFor(ctx, nil, "tunnels", "error")
	if err != nil {
		return nil, err
	}
	if f.Event == "error" {
		var e event.Error
		json.Unmarshal(f.Data, &e)
		return nil, fmt.Errorf("listing tunnels: %s", e.Message)
	}
	var tunnels []event.Tunnel
	if err := json.Unmarshal(f.Data, &tunnels); err != nil {
		return nil, err
	}
	return tunnels, nil
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <text>",
		Short: "Send a line of input to the agent's terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(30 * time.Second)
			defer cancel()
			return c.Input(ctx, strings.Join(args, " "))
		},
	}
}

// ---------------------------------------------------------------------------
// login / reset / queries
// ---------------------------------------------------------------------------

func loginCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Claim the agent with a playit.gg account",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(timeout)
			defer cancel()

			path, err := c.Login(ctx, func(cl event.Claim) {
				fmt.Println("Open this link to approve the agent:")
				printClaimURL(cl.URL)
				fmt.Fprintln(os.Stderr, styleHint.Render("waiting for approval..."))
			})
			if err != nil {
				return err
			}
			fmt.Println(styleOK.Render("agent claimed,"), "secret stored in", path)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 11*time.Minute, "How long to wait for approval")
	return cmd
}

// printClaimURL prints url, with a QR code when stdout is a terminal.
func printClaimURL(url string) {
	fmt.Println("  " + styleURL.Render(url))
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return
	}
	q, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return
	}
	fmt.Println(q.ToSmallString(false))
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget the agent's secret (unclaim)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(queryTimeout)
			defer cancel()
			code, err := c.Reset(ctx)
			if err != nil {
				return err
			}
			if code != 0 {
				fmt.Fprintln(os.Stderr, styleWarn.Render(fmt.Sprintf("agent reset exited with code %d", code)))
			}
			fmt.Println("secret cleared")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the installed agent version",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(queryTimeout)
			defer cancel()
			v, err := c.Version(ctx)
			if err != nil {
				return err
			}
			fmt.Println(styleBrand.Render("playit"), styleValue.Render(v))
			return nil
		},
	}
}

func agentHelpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent-help",
		Short: "Show the agent's own usage text",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(queryTimeout)
			defer cancel()
			text, err := c.Help(ctx)
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	}
}

func secretPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "secret-path",
		Short: "Print the agent's secret file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(queryTimeout)
			defer cancel()
			p, err := c.SecretPath(ctx)
			if err != nil {
				return err
			}
			fmt.Println(p)
			return nil
		},
	}
}
