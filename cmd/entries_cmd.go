package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/kebairia/repliktor/internal/events"
	"github.com/kebairia/repliktor/internal/registry"
)

var (
	addInterval string
	listDue     bool
)

var addCmd = &cobra.Command{
	Use:   "add <title> <input> <output>",
	Short: "Register a folder and run its first full backup",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, err := registry.ParseInterval(addInterval)
		if err != nil {
			return err
		}
		done := followProgress(cmd, events.CompressProgress)
		hash, err := app.manager.Add(cmd.Context(), args[0], args[1], args[2], interval)
		done()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added %q as %s\n", args[0], hash)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <hash>...",
	Aliases: []string{"rm"},
	Short:   "Remove entries from the registry (backup files are kept)",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, hash := range args {
			if err := app.manager.Delete(cmd.Context(), hash); err != nil {
				return err
			}
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "Show the registry",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg := app.manager.Table(cmd.Context())
		if listDue {
			reg = app.manager.BackupsToUpdate(cmd.Context())
		}
		if reg.Len() == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No backups.")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), entryTable(reg))
		return nil
	},
}

func entryTable(reg registry.Registry) *uitable.Table {
	table := uitable.New()
	table.MaxColWidth = 50
	table.Wrap = true
	table.AddRow("HASH", "TITLE", "INPUT", "OUTPUT", "INTERVAL", "LAST BACKUP")
	for _, e := range reg.Backups {
		table.AddRow(e.Hash, e.Title, e.Input, e.Output, e.NextUpdate, humanize.Time(e.LastBackup))
	}
	return table
}

var incrementCmd = &cobra.Command{
	Use:   "increment [hash...]",
	Short: "Bring entries up to date (all due entries when no hash is given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		var targets []registry.Entry
		if len(args) == 0 {
			targets = app.manager.BackupsToUpdate(cmd.Context()).Backups
		} else {
			for _, hash := range args {
				targets = append(targets, registry.Entry{Hash: hash})
			}
		}
		if len(targets) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing is due.")
			return nil
		}

		done := followProgress(cmd, events.CompressProgress)
		defer done()
		for _, e := range targets {
			res, err := app.manager.Increment(cmd.Context(), e)
			switch {
			case err != nil:
				return fmt.Errorf("increment %s: %w", e.Hash, err)
			case res.NotFound:
				fmt.Fprintf(cmd.OutOrStdout(), "%s: not in registry\n", e.Hash)
			case res.Changed:
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s)\n", res.PreviousHash, res.Hash, res.Summary)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "%s: unchanged\n", res.Hash)
			}
		}
		return nil
	},
}

func init() {
	addCmd.Flags().
		StringVarP(&addInterval, "interval", "i", "weekly", "update cadence: weekly, monthly or never")
	listCmd.Flags().
		BoolVar(&listDue, "due", false, "only show entries whose backup is due")
}
