package cmd

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/mediagrab/internal/downloaders"
	"github.com/tanq16/mediagrab/internal/types"
	"gopkg.in/yaml.v3"
)

type BatchEntry struct {
	OutputPath string         `yaml:"op,omitempty"`
	Link       string         `yaml:"link"`
	Options    map[string]any `yaml:"options,omitempty"`
}

// BatchFile groups entries by platform, for example:
//
//	http:
//	  - link: https://example.com/file.zip
//	    op: file.zip
//	youtube:
//	  - link: https://youtu.be/abc
//	    options: {format: audio}
type BatchFile map[string][]BatchEntry

func newBatchCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "batch [YAML_FILE] [OPTIONS]",
		Short: "Process multiple downloads from a YAML file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			data, err := os.ReadFile(args[0])
			if err != nil {
				exitOnFailure(fmt.Errorf("error reading YAML file: %w", err))
			}
			reqs, err := buildBatchRequests(data)
			exitOnFailure(err)
			if name == "" {
				name = args[0]
			}
			exitOnFailure(run(name, reqs))
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "Batch name shown in the display")
	return cmd
}

func buildBatchRequests(data []byte) ([]types.Request, error) {
	var batchFile BatchFile
	if err := yaml.Unmarshal(data, &batchFile); err != nil {
		return nil, fmt.Errorf("error parsing YAML file: %w", err)
	}
	var reqs []types.Request
	for _, jobType := range slices.Sorted(maps.Keys(batchFile)) {
		platform := normalizeJobType(jobType)
		if platform == "" {
			log.Warn().Str("op", "cmd/batch").Msgf("Unknown job type '%s', skipping", jobType)
			continue
		}
		for _, entry := range batchFile[jobType] {
			if entry.Link == "" {
				log.Warn().Str("op", "cmd/batch").Msgf("Empty link found in %s section, skipping", jobType)
				continue
			}
			req := newRequest(platform, entry.Link, entry.OutputPath)
			if platform == "auto" {
				req.Platform = ""
			}
			if platform == downloaders.M3U8 {
				req.Connections = cfg.MaxConcurrentFragments
			}
			for k, v := range entry.Options {
				req.Metadata[k] = v
			}
			reqs = append(reqs, req)
		}
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("no valid jobs found in the batch file")
	}
	return reqs, nil
}

// normalizeJobType maps batch section names to platform names. "auto" leaves
// the platform empty for URL resolution and is returned as-is.
func normalizeJobType(jobType string) string {
	typeMap := map[string]string{
		"auto":           "auto",
		"http":           downloaders.HTTP,
		"https":          downloaders.HTTP,
		"s3":             downloaders.S3,
		"gdrive":         downloaders.GDrive,
		"googledrive":    downloaders.GDrive,
		"google-drive":   downloaders.GDrive,
		"gitclone":       downloaders.GitClone,
		"git-clone":      downloaders.GitClone,
		"git":            downloaders.GitClone,
		"ghrelease":      downloaders.GHRelease,
		"gh-release":     downloaders.GHRelease,
		"github-release": downloaders.GHRelease,
		"m3u8":           downloaders.M3U8,
		"hls":            downloaders.M3U8,
		"youtube":        downloaders.YouTube,
		"yt":             downloaders.YouTube,
	}
	return typeMap[strings.ToLower(jobType)]
}
