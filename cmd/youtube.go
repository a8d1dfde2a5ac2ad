package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tanq16/mediagrab/internal/downloaders"
	"github.com/tanq16/mediagrab/internal/downloaders/youtube"
	"github.com/tanq16/mediagrab/internal/types"
)

func newYouTubeCmd() *cobra.Command {
	var outputPath string
	var format string

	cmd := &cobra.Command{
		Use:   "youtube [URL] [--format FORMAT]",
		Short: "Download YouTube videos with yt-dlp",
		Long: fmt.Sprintf(`Download YouTube videos through yt-dlp, which must be installed.

Formats: %s`, strings.Join(youtube.Formats(), ", ")),
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			req := newRequest(downloaders.YouTube, args[0], outputPath)
			req.Metadata["format"] = format
			exitOnFailure(run("youtube", []types.Request{req}))
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path")
	cmd.Flags().StringVarP(&format, "format", "f", "decent", "Video format")
	return cmd
}
