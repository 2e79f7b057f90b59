package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/clawinfra/toolgate/internal/audit"
)

func newAuditCommand(opts *globalOptions) *cobra.Command {
	auditCommand := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the execution audit log",
	}
	auditCommand.AddCommand(newAuditTailCommand(opts), newAuditPruneCommand(opts))
	return auditCommand
}

func newAuditTailCommand(opts *globalOptions) *cobra.Command {
	tailCommand := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return auditTailAction(cmd, opts)
		},
	}
	tailCommand.Flags().IntP("lines", "n", 20, "Number of entries to show")
	tailCommand.Flags().String("tool", "", "Only show executions of this tool")
	tailCommand.Flags().Bool("json", false, "JSONify output")
	return tailCommand
}

func newAuditPruneCommand(opts *globalOptions) *cobra.Command {
	pruneCommand := &cobra.Command{
		Use:   "prune",
		Short: "Delete entries older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return auditPruneAction(cmd, opts)
		},
	}
	pruneCommand.Flags().Duration("older-than", 0, "Override the configured retention")
	return pruneCommand
}

func openAudit(opts *globalOptions) (*audit.Store, time.Duration, error) {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return nil, 0, err
	}
	if cfg.Audit.DBPath == "" {
		return nil, 0, errors.New("audit.db_path is not set")
	}
	store, err := audit.Open(cfg.Audit.DBPath)
	if err != nil {
		return nil, 0, err
	}
	return store, cfg.Audit.Retention, nil
}

type auditRecord struct {
	ID        string   `json:"id"`
	Time      string   `json:"time"`
	Tool      string   `json:"tool"`
	Args      []string `json:"args"`
	Cwd       string   `json:"cwd"`
	Wrapper   string   `json:"wrapper,omitempty"`
	ExitCode  int      `json:"exit_code"`
	Error     string   `json:"error,omitempty"`
	Duration  string   `json:"duration"`
	Truncated bool     `json:"truncated,omitempty"`
}

func auditTailAction(cmd *cobra.Command, opts *globalOptions) error {
	flags := cmd.Flags()
	n, err := flags.GetInt("lines")
	if err != nil {
		return err
	}
	tool, err := flags.GetString("tool")
	if err != nil {
		return err
	}
	jsonFormat, err := flags.GetBool("json")
	if err != nil {
		return err
	}

	store, _, err := openAudit(opts)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Recent(cmd.Context(), audit.Filter{Tool: tool, Limit: n})
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if jsonFormat {
		records := make([]auditRecord, 0, len(entries))
		for _, e := range entries {
			records = append(records, auditRecord{
				ID:        e.ID,
				Time:      e.Time.UTC().Format(time.RFC3339Nano),
				Tool:      e.Tool,
				Args:      e.Args,
				Cwd:       e.Cwd,
				Wrapper:   e.Wrapper,
				ExitCode:  e.ExitCode,
				Error:     e.Error,
				Duration:  e.Duration.String(),
				Truncated: e.Truncated,
			})
		}
		return writeJSONLines(w, records)
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "no executions recorded")
		return nil
	}

	rows := make([][]string, 0, len(entries))
	codes := make([]int, 0, len(entries))
	for _, e := range entries {
		detail := e.Error
		if e.Wrapper != "" && detail == "" {
			detail = "via " + e.Wrapper
		}
		rows = append(rows, []string{
			e.Time.Local().Format("2006-01-02 15:04:05"),
			e.Tool,
			strings.Join(e.Args, " "),
			strconv.Itoa(e.ExitCode),
			e.Duration.Round(time.Millisecond).String(),
			detail,
		})
		codes = append(codes, e.ExitCode)
	}
	fmt.Fprintln(w, renderTable(
		[]string{"TIME", "TOOL", "ARGS", "EXIT", "DURATION", "DETAIL"},
		rows,
		func(row, col int) lipgloss.Style {
			switch {
			case col == 3 && codes[row] == 0:
				return okStyle
			case col == 3:
				return failStyle
			case col == 0 || col == 5:
				return mutedStyle
			}
			return cellStyle
		},
	))
	return nil
}

func auditPruneAction(cmd *cobra.Command, opts *globalOptions) error {
	olderThan, err := cmd.Flags().GetDuration("older-than")
	if err != nil {
		return err
	}
	store, keep, err := openAudit(opts)
	if err != nil {
		return err
	}
	defer store.Close()
	if olderThan > 0 {
		keep = olderThan
	}

	n, err := store.Prune(cmd.Context(), time.Now().Add(-keep))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d entries older than %s\n", n, keep)
	return nil
}
