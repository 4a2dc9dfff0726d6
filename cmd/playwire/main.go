package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codewiresh/playwire/internal/client"
	"github.com/codewiresh/playwire/internal/config"
	"github.com/codewiresh/playwire/internal/panel"
	"github.com/codewiresh/playwire/internal/procutil"
)

var (
	serverFlag string
	dirFlag    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "playwire",
		Short:         "Supervise a playit.gg tunnel agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "", "Daemon address (default: listen address from config.toml)")
	rootCmd.PersistentFlags().StringVar(&dirFlag, "dir", "", "Data directory (default: $PLAYWIRE_DIR or ~/.playwire)")

	rootCmd.AddCommand(
		serveCmd(),
		shutdownCmd(),
		startCmd(),
		stopCmd(),
		restartCmd(),
		statusCmd(),
		logsCmd(),
		historyCmd(),
		tunnelsCmd(),
		sendCmd(),
		loginCmd(),
		resetCmd(),
		versionCmd(),
		agentHelpCmd(),
		secretPathCmd(),
		resolveCmd(),
		serviceCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styleError.Render("error:"), err)
		os.Exit(1)
	}
}

func dataDir() string {
	if dirFlag != "" {
		return dirFlag
	}
	return config.DataDir()
}

// newClient returns a client for --server or the configured listen
// address.
func newClient() (*client.Client, error) {
	if serverFlag != "" {
		return client.New(serverFlag), nil
	}
	cfg, err := config.LoadConfig(dataDir())
	if err != nil {
		return nil, err
	}
	return client.New(cfg.Listen), nil
}

// commandContext is cancelled on SIGINT/SIGTERM.
func commandContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	return tctx, func() {
		cancel()
		stop()
	}
}

// ---------------------------------------------------------------------------
// serveCmd
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the playwire daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := dataDir()
			cfg, err := config.LoadConfig(dir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if listen != "" {
				cfg.Listen = listen
			}

			log := panel.NewLogger(cfg.LogLevel)
			p, err := panel.NewPanelWithConfig(dir, cfg, log)
			if err != nil {
				return fmt.Errorf("initializing daemon: %w", err)
			}
			defer p.Cleanup()

			ctx, cancel := commandContext(0)
			defer cancel()
			go func() {
				<-ctx.Done()
				fmt.Fprintln(os.Stderr, "[playwire] shutting down...")
			}()

			return p.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Override the listen address")
	return cmd
}

// ---------------------------------------------------------------------------
// shutdownCmd
// ---------------------------------------------------------------------------

func shutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := panel.ReadPid(dataDir())
			if err != nil {
				return fmt.Errorf("reading pid file: %w (is the daemon running?)", err)
			}
			if !procutil.IsProcessAlive(pid) {
				_ = os.Remove(panel.PidPath(dataDir()))
				fmt.Fprintln(os.Stderr, "[playwire] daemon already stopped (stale pid file removed)")
				return nil
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				return err
			}
			if err := procutil.GracefulTerminate(proc); err != nil {
				if errors.Is(err, os.ErrProcessDone) {
					return nil
				}
				return fmt.Errorf("signalling pid %d: %w", pid, err)
			}
			fmt.Fprintf(os.Stderr, "[playwire] asked daemon to stop (pid %d)\n", pid)
			return nil
		},
	}
}
