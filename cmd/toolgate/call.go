package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/clawinfra/toolgate/internal/client"
	"github.com/clawinfra/toolgate/internal/protocol"
)

func newCallCommand(opts *globalOptions) *cobra.Command {
	callCommand := &cobra.Command{
		Use:   "call [flags] TOOL [ARGS...]",
		Short: "Invoke a tool through a running server",
		Example: `  $ toolgate call git status
  $ toolgate call --cwd /workspace/app npm test`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAction(cmd, opts, args)
		},
	}
	// Everything after TOOL belongs to the tool, flags included.
	callCommand.Flags().SetInterspersed(false)
	callCommand.Flags().String("socket", "", "Socket path (default: from config and environment)")
	callCommand.Flags().String("cwd", "", "Working directory for the tool (default: current directory)")
	return callCommand
}

func callAction(cmd *cobra.Command, opts *globalOptions, args []string) error {
	socket, err := cmd.Flags().GetString("socket")
	if err != nil {
		return err
	}
	if socket == "" {
		cfg, _, err := loadConfig(opts)
		if err != nil {
			return err
		}
		if socket, err = cfg.SocketPath(); err != nil {
			return err
		}
	}
	cwd, err := cmd.Flags().GetString("cwd")
	if err != nil {
		return err
	}
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	req := protocol.Request{Tool: args[0], Args: args[1:], Cwd: cwd}
	if req.Args == nil {
		req.Args = []string{}
	}
	resp, err := client.Call(cmd.Context(), socket, req)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "toolgate: %s is not available: %v\n", req.Tool, err)
		return &exitError{code: protocol.ExitUnavailable}
	}

	writeResponse(cmd.OutOrStdout(), cmd.ErrOrStderr(), resp)
	if resp.ExitCode != 0 {
		return &exitError{code: resp.ExitCode}
	}
	return nil
}

func writeResponse(stdout, stderr io.Writer, resp protocol.Response) {
	io.WriteString(stdout, resp.Stdout)
	io.WriteString(stderr, resp.Stderr)
	if resp.Error != "" && resp.Stderr == "" {
		fmt.Fprintf(stderr, "toolgate: %s\n", resp.Error)
	}
}
