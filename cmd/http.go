package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tanq16/mediagrab/internal/downloaders"
	"github.com/tanq16/mediagrab/internal/types"
)

func newHTTPCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "http [URL] [--output OUTPUT_PATH]",
		Short: "Download file via HTTP/HTTPS",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			req := newRequest(downloaders.HTTP, args[0], outputPath)
			exitOnFailure(run("http", []types.Request{req}))
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path")
	return cmd
}
