package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/codewiresh/playwire/internal/agentconf"
	"github.com/codewiresh/playwire/internal/config"
	"github.com/codewiresh/playwire/internal/driver"
	"github.com/codewiresh/playwire/internal/locator"
	"github.com/codewiresh/playwire/internal/panel"
	"github.com/codewiresh/playwire/internal/procutil"
	"github.com/codewiresh/playwire/internal/supervisor"
)

// Commands in this file act on the local machine directly, without a
// running daemon.

// ---------------------------------------------------------------------------
// resolveCmd
// ---------------------------------------------------------------------------

func resolveCmd() *cobra.Command {
	var (
		install bool
		update  bool
		output  string
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Locate the playit agent binary, installing it if asked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(dataDir())
			if err != nil {
				return err
			}
			loc := panel.NewLocator(cfg, panel.NewLogger(cfg.LogLevel))

			ctx, cancel := commandContext(5 * time.Minute)
			defer cancel()
			var res locator.Result
			if update {
				res = loc.Update(ctx)
			} else {
				res = loc.Resolve(ctx, install)
			}

			if output != "text" {
				return writeStructured(os.Stdout, output, res)
			}
			if !res.OK() {
				return fmt.Errorf("%s (platform %s)", res.Error, loc.Platform())
			}
			state := "found"
			if res.Installed {
				state = "installed"
			}
			fmt.Printf("%s %s\n", styleOK.Render(state), res.Path)
			if v, err := loc.InstalledVersion(); err == nil && v.Version != "" {
				fmt.Printf("%s %s (%s)\n", styleLabel.Render("version"), v.Version, v.Updated.Local().Format(time.DateTime))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&install, "install", false, "Download the agent when it is not found")
	cmd.Flags().BoolVar(&update, "update", false, "Download the latest agent even if one is installed")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text, json or yaml")
	return cmd
}

// ---------------------------------------------------------------------------
// serviceCmd
// ---------------------------------------------------------------------------

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the agent's systemd unit",
	}
	cmd.AddCommand(serviceInstallCmd(), serviceUninstallCmd())
	return cmd
}

// systemdBackend builds the systemd backend, prompting for the sudo
// password when needed and possible.
func systemdBackend(cfg *config.Config) (*driver.Systemd, error) {
	credential := cfg.SudoPassword
	if credential == "" && !procutil.IsRoot() && isatty.IsTerminal(os.Stdin.Fd()) {
		pw, err := promptPassword("[sudo] password: ")
		if err != nil {
			return nil, err
		}
		credential = pw
	}
	sd := driver.NewSystemd(cfg.Service.Unit, credential, panel.NewLogger(cfg.LogLevel))
	sd.User = cfg.Service.User
	if err := sd.CheckPrivileges(); err != nil {
		return nil, err
	}
	return sd, nil
}

func serviceInstallCmd() *cobra.Command {
	var enable bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the agent as a systemd service",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := dataDir()
			cfg, err := config.LoadConfig(dir)
			if err != nil {
				return err
			}
			log := panel.NewLogger(cfg.LogLevel)

			ctx, cancel := commandContext(5 * time.Minute)
			defer cancel()
			res := panel.NewLocator(cfg, log).Resolve(ctx, *cfg.Agent.AutoInstall)
			if !res.OK() {
				return fmt.Errorf("cannot install service: %s", res.Error)
			}
			agent := agentconf.NewStore(cfg.AgentConfigPath(dir), cfg.AgentSecretPath(dir), log)
			conf, err := agent.Load()
			if err != nil {
				return err
			}

			sd, err := systemdBackend(cfg)
			if err != nil {
				return err
			}
			if err := sd.Install(ctx, supervisor.AgentCommand(res.Path, conf.SecretPath, agent.Path())); err != nil {
				return err
			}
			fmt.Println(styleOK.Render("installed"), cfg.Service.Unit+".service")

			if enable && !cfg.Service.Managed {
				cfg.Service.Managed = true
				if err := cfg.Save(dir); err != nil {
					return err
				}
				fmt.Println(styleHint.Render("config.toml updated: the daemon now drives the service; restart it to apply"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&enable, "managed", true, "Switch the daemon to the systemd backend")
	return cmd
}

func serviceUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the agent's systemd service",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := dataDir()
			cfg, err := config.LoadConfig(dir)
			if err != nil {
				return err
			}
			sd, err := systemdBackend(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(2 * time.Minute)
			defer cancel()
			if err := sd.Uninstall(ctx); err != nil {
				return err
			}
			fmt.Println(styleOK.Render("removed"), cfg.Service.Unit+".service")
			if cfg.Service.Managed {
				cfg.Service.Managed = false
				if err := cfg.Save(dir); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
