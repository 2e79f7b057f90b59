package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"text/template"

	"github.com/spf13/cobra"
)

const systemdUnitTemplate = `[Unit]
Description=toolgate tool dispatch server ({{.Name}})
Documentation=https://github.com/clawinfra/toolgate
After=local-fs.target

[Service]
Type=simple
User={{.User}}
Group={{.Group}}
ExecStart={{.ExecPath}} serve{{if .ConfigPath}} --config {{.ConfigPath}}{{end}}
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
StandardOutput=journal
StandardError=journal
SyslogIdentifier={{.Name}}
RuntimeDirectory=toolgate
RuntimeDirectoryPreserve=yes
{{- range .Env}}
Environment={{.}}
{{- end}}

[Install]
WantedBy=multi-user.target
`

const systemdUnitDir = "/etc/systemd/system"

// unitNamePattern is the character set systemd accepts in unit names.
var unitNamePattern = regexp.MustCompile(`^[A-Za-z0-9:_.@-]+$`)

var errInvalidUnitName = errors.New("invalid unit name")

func validateUnitName(name string) error {
	if name == "." || name == ".." || !unitNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", errInvalidUnitName, name)
	}
	return nil
}

type systemdConfig struct {
	Name       string
	User       string
	Group      string
	ExecPath   string
	ConfigPath string
	Env        []string
}

func newServiceCommand(opts *globalOptions) *cobra.Command {
	serviceCommand := &cobra.Command{
		Use:   "service",
		Short: "Manage the systemd unit for a toolgate server",
	}
	serviceCommand.PersistentFlags().String("name", "toolgate", "Unit name")
	serviceCommand.PersistentFlags().String("user", "root", "User the server runs as")
	serviceCommand.PersistentFlags().String("group", "root", "Group the server runs as")
	serviceCommand.PersistentFlags().StringArray("env", nil, "Extra KEY=VALUE environment for the unit")

	serviceCommand.AddCommand(
		&cobra.Command{
			Use:   "unit",
			Short: "Print the systemd unit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := serviceConfig(cmd, opts)
				if err != nil {
					return err
				}
				return renderUnit(cmd.OutOrStdout(), cfg)
			},
		},
		&cobra.Command{
			Use:   "install",
			Short: "Write the systemd unit and reload systemd",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := serviceConfig(cmd, opts)
				if err != nil {
					return err
				}
				return installSystemd(cmd, cfg)
			},
		},
		&cobra.Command{
			Use:   "uninstall",
			Short: "Stop, disable and remove the systemd unit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				name, err := cmd.Flags().GetString("name")
				if err != nil {
					return err
				}
				if err := validateUnitName(name); err != nil {
					return err
				}
				return uninstallSystemd(cmd, name)
			},
		},
	)
	return serviceCommand
}

func serviceConfig(cmd *cobra.Command, opts *globalOptions) (systemdConfig, error) {
	flags := cmd.Flags()
	var cfg systemdConfig
	var err error
	if cfg.Name, err = flags.GetString("name"); err != nil {
		return cfg, err
	}
	if err := validateUnitName(cfg.Name); err != nil {
		return cfg, err
	}
	if cfg.User, err = flags.GetString("user"); err != nil {
		return cfg, err
	}
	if cfg.Group, err = flags.GetString("group"); err != nil {
		return cfg, err
	}
	if cfg.Env, err = flags.GetStringArray("env"); err != nil {
		return cfg, err
	}

	execPath, err := os.Executable()
	if err != nil {
		return cfg, fmt.Errorf("get executable path: %w", err)
	}
	cfg.ExecPath, _ = filepath.Abs(execPath)

	if opts.configPath != "" {
		if cfg.ConfigPath, err = filepath.Abs(opts.configPath); err != nil {
			return cfg, err
		}
		// fail early on a config the unit could never start with
		if _, _, err := loadConfig(opts); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func renderUnit(w io.Writer, cfg systemdConfig) error {
	tmpl, err := template.New("systemd").Parse(systemdUnitTemplate)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}
	if err := tmpl.Execute(w, cfg); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	return nil
}

func installSystemd(cmd *cobra.Command, cfg systemdConfig) error {
	unitPath := filepath.Join(systemdUnitDir, cfg.Name+".service")
	f, err := os.Create(unitPath)
	if err != nil {
		return fmt.Errorf("create unit file: %w", err)
	}
	if err := renderUnit(f, cfg); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "installed %s\n", unitPath)
	if err := exec.CommandContext(cmd.Context(), "systemctl", "daemon-reload").Run(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: systemctl daemon-reload failed: %v\n", err)
	}
	fmt.Fprintf(out, "enable with: systemctl enable --now %s\n", cfg.Name)
	return nil
}

func uninstallSystemd(cmd *cobra.Command, name string) error {
	ctx := cmd.Context()
	// errors ignored, the unit may not be loaded
	_ = exec.CommandContext(ctx, "systemctl", "disable", "--now", name).Run()

	unitPath := filepath.Join(systemdUnitDir, name+".service")
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	_ = exec.CommandContext(ctx, "systemctl", "daemon-reload").Run()

	fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", unitPath)
	return nil
}
