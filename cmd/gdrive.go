package cmd

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/mediagrab/internal/downloaders"
	"github.com/tanq16/mediagrab/internal/downloaders/gdrive"
	"github.com/tanq16/mediagrab/internal/output"
	"github.com/tanq16/mediagrab/internal/types"
)

var errNeedCreds = errors.New("--creds or MEDIAGRAB_GDRIVE_CREDENTIALS is required to authorize")

func newGDriveCmd() *cobra.Command {
	var outputPath string
	var apiKey string
	var credentialsFile string
	var authorize bool

	cmd := &cobra.Command{
		Use:   "gdrive [URL] [--output OUTPUT_PATH] [--api-key YOUR_KEY] [--creds creds.json]",
		Short: "Download files or folders from Google Drive",
		Long: `Download files or folders from Google Drive with an API key or OAuth credentials.

OAuth client secrets need a one-time authorization before downloading:
  mediagrab gdrive --authorize --creds creds.json`,
		Args: func(cmd *cobra.Command, args []string) error {
			if authorize {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		Run: func(cmd *cobra.Command, args []string) {
			if credentialsFile == "" {
				credentialsFile = cfg.GDriveCredentials
			}
			if authorize {
				if credentialsFile == "" {
					exitOnFailure(errNeedCreds)
				}
				err := gdrive.Authorize(context.Background(), credentialsFile, gdrive.DefaultTokenFile, os.Stdin, os.Stdout)
				exitOnFailure(err)
				output.PrintSuccess("Token saved to " + gdrive.DefaultTokenFile)
				return
			}
			req := newRequest(downloaders.GDrive, args[0], outputPath)
			if apiKey != "" {
				req.Metadata["apiKey"] = apiKey
			}
			if credentialsFile != "" {
				req.Metadata["credentialsFile"] = credentialsFile
			}
			exitOnFailure(run("gdrive", []types.Request{req}))
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output path")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Google Drive API key")
	cmd.Flags().StringVar(&credentialsFile, "creds", "", "OAuth or service account credentials JSON file")
	cmd.Flags().BoolVar(&authorize, "authorize", false, "Run the OAuth consent flow and cache the token")
	return cmd
}
