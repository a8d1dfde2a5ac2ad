package gitclone

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
)

type GitCloneDownloader struct {
	// Token is used for providers that accept token auth when the job carries none.
	Token string
}

func (d *GitCloneDownloader) ValidateJob(job *types.Job) error {
	provider, owner, repo, err := parseGitURL(job.SourceURL)
	if err != nil {
		return dlerror.Wrap(dlerror.FormatUnavailable, "gitclone/validate", err)
	}
	job.Metadata["provider"] = provider
	job.Metadata["owner"] = owner
	job.Metadata["repo"] = repo
	return nil
}

func (d *GitCloneDownloader) BuildJob(ctx context.Context, job *types.Job) error {
	provider, _ := job.Metadata["provider"].(string)
	owner, _ := job.Metadata["owner"].(string)
	repo, _ := job.Metadata["repo"].(string)
	job.Metadata["cloneURL"] = fmt.Sprintf("https://%s/%s/%s.git", provider, owner, repo)

	if job.OutputPath == "" {
		job.OutputPath = repo
	}
	if _, err := os.Stat(job.OutputPath); err == nil {
		job.OutputPath = utils.RenewOutputPath(job.OutputPath)
	}
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0755); err != nil {
		return dlerror.Wrap(dlerror.DiskIO, "gitclone/initial", err)
	}
	job.BytesTotal = -1
	return nil
}

// parseGitURL accepts git://provider/owner/repo and https URLs of the known
// providers, with or without a .git suffix.
func parseGitURL(raw string) (string, string, string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", "", fmt.Errorf("invalid git URL: %v", err)
	}
	switch u.Scheme {
	case "git", "http", "https":
	default:
		return "", "", "", fmt.Errorf("unsupported git URL scheme: %s", u.Scheme)
	}
	provider := strings.ToLower(u.Host)
	if _, ok := tokenUsers[provider]; !ok {
		return "", "", "", fmt.Errorf("unsupported git provider: %s", provider)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("invalid git URL format, expected provider/owner/repo")
	}
	return provider, parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}
