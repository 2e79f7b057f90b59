package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clawinfra/toolgate/internal/instance"
)

func newInstanceCommand(opts *globalOptions) *cobra.Command {
	instanceCommand := &cobra.Command{
		Use:   "instance [DIR]",
		Short: "Print the instance id and socket path for a project directory",
		Long: `Print the instance id and socket path for a project directory.

The id is derived from the absolute, symlink-resolved directory, so every
checkout of a project maps to its own socket.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return instanceAction(cmd, opts, args)
		},
	}
	instanceCommand.Flags().String("socket-dir", "", "Directory holding instance sockets (default: from config)")
	return instanceCommand
}

func instanceAction(cmd *cobra.Command, opts *globalOptions, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	socketDir, err := cmd.Flags().GetString("socket-dir")
	if err != nil {
		return err
	}
	if socketDir == "" {
		cfg, _, err := loadConfig(opts)
		if err != nil {
			return err
		}
		socketDir = cfg.Server.SocketDir
	}
	if _, err := os.Stat(dir); err != nil {
		return err
	}

	id, err := instance.ID(dir)
	if err != nil {
		return err
	}
	socket, err := instance.SocketPath(socketDir, id)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "id: %s\n", id)
	fmt.Fprintf(w, "socket: %s\n", socket)
	return nil
}
