// Command toolgate runs the tool dispatch server and its companion
// commands.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/clawinfra/toolgate/internal/config"
)

var version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	err := newApp().Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

// exitError carries a tool's exit code out of a command without printing
// anything more.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

type globalOptions struct {
	configPath string
	logLevel   string
}

func newApp() *cobra.Command {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:   "toolgate",
		Short: "Dispatch tool invocations from a restricted environment to a privileged one",
		Example: `  Run the server for the current project:
  $ toolgate serve --config /etc/toolgate.yaml

  Invoke a tool through a running server:
  $ toolgate call git status

  Show which tools the server would expose:
  $ toolgate tools list`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a YAML or JSON config file (env: TOOLGATE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the log level [debug, info, warn, error]")

	rootCmd.AddCommand(
		newServeCommand(opts),
		newCallCommand(opts),
		newToolsCommand(opts),
		newInstanceCommand(opts),
		newAuditCommand(opts),
		newServiceCommand(opts),
	)
	return rootCmd
}

// loadConfig builds the effective config: defaults, then the config file,
// then the environment, then command-line overrides.
func loadConfig(opts *globalOptions) (*config.Config, string, error) {
	path := opts.configPath
	if path == "" {
		path = os.Getenv("TOOLGATE_CONFIG")
	}

	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, "", err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, "", err
	}
	if opts.logLevel != "" {
		cfg.Server.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, path, nil
}

// newLogger returns a text logger whose level can be changed at runtime.
func newLogger(w io.Writer, level string) (*slog.Logger, *slog.LevelVar) {
	lvl, _ := config.ParseLogLevel(level)
	v := new(slog.LevelVar)
	v.Set(lvl)
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: v})), v
}
