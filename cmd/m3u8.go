package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tanq16/mediagrab/internal/downloaders"
	"github.com/tanq16/mediagrab/internal/types"
)

func newM3U8Cmd() *cobra.Command {
	var outputPath string
	var fragments int

	cmd := &cobra.Command{
		Use:   "m3u8 [URL] [--output OUTPUT_PATH]",
		Short: "Download an HLS stream from its m3u8 playlist",
		Long: `Download every segment of an HLS playlist and join them. Outputs other
than .ts are remuxed with ffmpeg when it is installed.

Examples:
  mediagrab m3u8 https://cdn.example.com/vod/master.m3u8
  mediagrab m3u8 https://cdn.example.com/vod/master.m3u8 -o talk.mp4 --fragments 8`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if cmd.Flags().Changed("fragments") {
				cfg.MaxConcurrentFragments = fragments
			}
			req := newRequest(downloaders.M3U8, args[0], outputPath)
			req.Connections = cfg.MaxConcurrentFragments
			exitOnFailure(run("m3u8", []types.Request{req}))
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path")
	cmd.Flags().IntVarP(&fragments, "fragments", "f", 4, "Segments fetched in parallel")
	return cmd
}
