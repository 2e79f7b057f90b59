package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/clawinfra/toolgate/internal/restrict"
	"github.com/clawinfra/toolgate/internal/tools"
)

func newToolsCommand(opts *globalOptions) *cobra.Command {
	toolsCommand := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tools directory",
	}
	toolsCommand.AddCommand(newToolsListCommand(opts))
	return toolsCommand
}

func newToolsListCommand(opts *globalOptions) *cobra.Command {
	listCommand := &cobra.Command{
		Use:   "list",
		Short: "List the tools a server would expose",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return toolsListAction(cmd, opts)
		},
	}
	listCommand.Flags().Bool("json", false, "JSONify output")
	return listCommand
}

type toolInfo struct {
	Name     string `json:"name"`
	Binary   string `json:"binary"`
	Timeout  string `json:"timeout"`
	Manifest string `json:"manifest,omitempty"`
	Wrapper  string `json:"wrapper,omitempty"`
	Scope    string `json:"scope,omitempty"`

	// WrapperSearch lists the paths checked for a wrapper, highest
	// precedence first.
	WrapperSearch []string `json:"wrapper_search"`
}

func toolsListAction(cmd *cobra.Command, opts *globalOptions) error {
	jsonFormat, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, _ := newLogger(cmd.ErrOrStderr(), cfg.Server.LogLevel)

	registry := tools.NewRegistry(tools.NewLoader(cfg.Tools.Dir, cfg.Tools.SearchDirs, logger), logger)
	if _, err := registry.Load(); err != nil {
		return err
	}
	resolver := restrict.NewResolver(cfg.Tools.Dir, cfg.Tools.RestrictedDir, cfg.Tools.Python, cfg.Tools.Shell)

	var infos []toolInfo
	for _, def := range registry.List() {
		info := toolInfo{
			Name:     def.Name,
			Binary:   def.Binary,
			Timeout:  def.Timeout.String(),
			Manifest: def.Manifest,

			WrapperSearch: resolver.Candidates(def.Name),
		}
		if hook, ok := resolver.FindOverride(def.Name); ok {
			info.Wrapper = hook.Path
			info.Scope = hook.Scope
		}
		infos = append(infos, info)
	}

	w := cmd.OutOrStdout()
	if jsonFormat {
		return writeJSONLines(w, infos)
	}
	if len(infos) == 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "no tools found in %s\n", cfg.Tools.Dir)
		return nil
	}

	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		wrapper := "-"
		if info.Wrapper != "" {
			wrapper = fmt.Sprintf("%s (%s)", info.Wrapper, info.Scope)
		}
		manifest := info.Manifest
		if manifest == "" {
			manifest = "auto"
		}
		rows = append(rows, []string{info.Name, info.Binary, info.Timeout, manifest, wrapper})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"NAME", "BINARY", "TIMEOUT", "MANIFEST", "WRAPPER"},
		rows,
		func(row, col int) lipgloss.Style {
			if (col == 3 && rows[row][col] == "auto") || (col == 4 && rows[row][col] == "-") {
				return mutedStyle
			}
			return cellStyle
		},
	))
	return nil
}

func writeJSONLines[T any](w io.Writer, items []T) error {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
