package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kebairia/repliktor/internal/events"
)

var treeCmd = &cobra.Command{
	Use:   "tree <path>",
	Short: "Print the file tree of a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tree, count, err := app.engine.FilesTree(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), tree)
		fmt.Fprintf(cmd.OutOrStdout(), "%d files\n", count)
		return nil
	},
}

var compareCmd = &cobra.Command{
	Use:   "compare <input> <output>",
	Short: "Show which files differ from their backup",
	Long: `compare walks <input> and marks every file that is missing [NEW] or
different [CHANGED] in the backup kept under <output>/<base of input>.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tree, count, err := app.engine.CompareTree(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), tree)
		fmt.Fprintf(cmd.OutOrStdout(), "%d files compared against %s\n",
			count, filepath.Join(args[1], filepath.Base(filepath.Clean(args[0]))))
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup <input> <output>",
	Short: "Compress a folder without registering it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		done := followProgress(cmd, events.CompressProgress)
		summary, err := app.engine.CompressFiles(cmd.Context(), args[0], args[1])
		done()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), summary)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup> <output>",
	Short: "Decompress a backup folder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		done := followProgress(cmd, events.RestoreProgress)
		summary, err := app.engine.DecompressFiles(cmd.Context(), args[0], args[1])
		done()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), summary)
		return nil
	},
}

// followProgress prints percentage updates of channel to stderr until the
// returned func is called.
func followProgress(cmd *cobra.Command, channel string) func() {
	out := cmd.ErrOrStderr()
	sub := app.bus.Subscribe(channel, func(p events.Progress) {
		if p.Total > 0 {
			fmt.Fprintf(out, "[%3d%%] %s\n", p.Percentage, p.Message.Message)
			return
		}
		fmt.Fprintln(out, p.Message.Message)
	})
	return sub.Close
}
