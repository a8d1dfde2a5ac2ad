package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tanq16/mediagrab/internal/downloaders"
	"github.com/tanq16/mediagrab/internal/types"
)

func newS3Cmd() *cobra.Command {
	var outputPath string
	var profile string
	var endpoint string

	cmd := &cobra.Command{
		Use:   "s3 [s3://BUCKET/KEY]",
		Short: "Download files from AWS S3",
		Long: `Download files or folders from AWS S3 or an S3 compatible store.

Examples:
  mediagrab s3 s3://mybucket/path/to/file.zip
  mediagrab s3 s3://mybucket/path/to/folder/
  mediagrab s3 s3://mybucket/file.zip --profile myprofile
  mediagrab s3 s3://mybucket/file.zip --endpoint http://localhost:9000`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			req := newRequest(downloaders.S3, args[0], outputPath)
			req.Metadata["profile"] = profile
			if endpoint != "" {
				req.Metadata["endpoint"] = endpoint
			}
			exitOnFailure(run("s3", []types.Request{req}))
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output path")
	cmd.Flags().StringVarP(&profile, "profile", "P", "", "AWS profile to use")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Custom S3 endpoint")
	return cmd
}
