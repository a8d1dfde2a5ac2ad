package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tanq16/mediagrab/internal/downloaders"
	"github.com/tanq16/mediagrab/internal/types"
)

func newGitCloneCmd() *cobra.Command {
	var outputPath string
	var depth int
	var token string
	var sshKey string

	cmd := &cobra.Command{
		Use:   "gitclone [REPO_URL]",
		Short: "Clone a GitHub, GitLab or Bitbucket repository",
		Long: `Clone a repository without a local git installation.

Examples:
  mediagrab gitclone https://github.com/tanq16/mediagrab
  mediagrab gitclone git://gitlab.com/group/project --depth 1
  mediagrab gitclone https://github.com/me/private --ssh-key ~/.ssh/id_ed25519`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			req := newRequest(downloaders.GitClone, args[0], outputPath)
			req.Metadata["depth"] = depth
			if token != "" {
				req.Metadata["token"] = token
			}
			if sshKey != "" {
				req.Metadata["sshKey"] = sshKey
			}
			exitOnFailure(run("gitclone", []types.Request{req}))
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output directory")
	cmd.Flags().IntVar(&depth, "depth", 0, "Clone depth (0 for full history)")
	cmd.Flags().StringVar(&token, "token", "", "Access token for private repositories")
	cmd.Flags().StringVar(&sshKey, "ssh-key", "", "SSH private key for private repositories")
	return cmd
}
