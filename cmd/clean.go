package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tanq16/mediagrab/internal/output"
	"github.com/tanq16/mediagrab/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [path]",
		Short: "Clean up temporary files",
		Long:  "Remove partial downloads left behind for an output path, or the whole temp directory of the output directory.",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var err error
			if len(args) == 0 {
				err = utils.CleanLocal(cfg.OutputDir)
			} else {
				err = utils.CleanFunction(args[0])
			}
			if err != nil {
				output.PrintError("Error cleaning up temporary files: " + err.Error())
				return
			}
			target := filepath.Join(cfg.OutputDir, utils.TempDirName)
			if len(args) > 0 {
				target = args[0]
			}
			output.PrintSuccess("Temporary files cleaned up for " + target)
		},
	}
}
