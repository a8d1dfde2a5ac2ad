package gitclone

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
)

// cloneProgress forwards git sideband progress lines to the job's reporter.
type cloneProgress struct {
	r types.Reporter
}

func (p cloneProgress) Write(data []byte) (int, error) {
	for _, line := range strings.FieldsFunc(string(data), func(c rune) bool { return c == '\r' || c == '\n' }) {
		if line = strings.TrimSpace(line); line != "" {
			p.r.Stream(line)
		}
	}
	return len(data), nil
}

func (d *GitCloneDownloader) Download(ctx context.Context, job *types.Job, r types.Reporter) error {
	cloneURL, _ := job.Metadata["cloneURL"].(string)
	provider, _ := job.Metadata["provider"].(string)
	depth, _ := job.Metadata["depth"].(int)

	auth, err := getAuthMethod(provider, job.Metadata, d.Token)
	if err != nil {
		return err
	}
	opts := &git.CloneOptions{
		URL:      cloneURL,
		Progress: cloneProgress{r: r},
		Auth:     auth,
	}
	if depth > 0 {
		opts.Depth = depth
	}

	r.SetTotal(-1)
	r.SetPhase(types.StatusTransferring)
	r.Stream("Cloning " + cloneURL)
	// a failed attempt leaves a half-written repository behind
	os.RemoveAll(job.OutputPath)
	if _, err := git.PlainCloneContext(ctx, job.OutputPath, false, opts); err != nil {
		os.RemoveAll(job.OutputPath)
		return classify(err)
	}

	size, err := dirSize(job.OutputPath)
	if err == nil {
		r.SetTotal(size)
		r.Add(size)
		r.Stream("Clone complete - Total size: " + utils.FormatBytes(uint64(size)))
	}
	log.Info().Str("op", "gitclone/download").Msgf("Cloned %s into %s", cloneURL, job.OutputPath)
	return nil
}

func classify(err error) error {
	const op = "gitclone/download"
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired), errors.Is(err, transport.ErrAuthorizationFailed):
		return dlerror.Wrap(dlerror.AuthRequired, op, err)
	case errors.Is(err, transport.ErrRepositoryNotFound), errors.Is(err, transport.ErrEmptyRemoteRepository):
		return dlerror.Wrap(dlerror.ContentGone, op, err)
	case errors.Is(err, git.ErrRepositoryAlreadyExists):
		return dlerror.Wrap(dlerror.DiskIO, op, err)
	}
	return dlerror.Classify(op, err)
}

func dirSize(root string) (int64, error) {
	var size int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size += info.Size()
		}
		return nil
	})
	return size, err
}
