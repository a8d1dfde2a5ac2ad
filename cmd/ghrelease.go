package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tanq16/mediagrab/internal/downloaders"
	"github.com/tanq16/mediagrab/internal/types"
)

func newGHReleaseCmd() *cobra.Command {
	var outputPath string
	var asset string
	var token string

	cmd := &cobra.Command{
		Use:   "ghrelease [ghrelease://OWNER/REPO[@TAG] or URL]",
		Short: "Download a release asset from GitHub",
		Long: `Download the release asset matching this machine's OS and architecture,
or the asset whose name matches --asset.

Examples:
  mediagrab ghrelease ghrelease://tanq16/mediagrab
  mediagrab ghrelease ghrelease://tanq16/mediagrab@v1.2.0
  mediagrab ghrelease https://github.com/tanq16/mediagrab/releases --asset checksums`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			req := newRequest(downloaders.GHRelease, args[0], outputPath)
			if asset != "" {
				req.Metadata["asset"] = asset
			}
			if token != "" {
				req.Metadata["token"] = token
			}
			exitOnFailure(run("ghrelease", []types.Request{req}))
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path")
	cmd.Flags().StringVar(&asset, "asset", "", "Substring of the asset name to download")
	cmd.Flags().StringVar(&token, "token", "", "GitHub token (defaults to MEDIAGRAB_GITHUB_TOKEN)")
	return cmd
}
