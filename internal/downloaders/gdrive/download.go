package gdrive

import (
	"context"
	"os"
	"path/filepath"

	"github.com/tanq16/mediagrab/internal/dlerror"
	grabhttp "github.com/tanq16/mediagrab/internal/downloaders/http"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
)

func (d *GDriveDownloader) Download(ctx context.Context, job *types.Job, r types.Reporter) error {
	cred, err := d.credential(ctx, job)
	if err != nil {
		return err
	}
	client := utils.NewHTTPClient(job.HTTPClientConfig)
	r.SetTotal(job.BytesTotal)

	if isFolder, _ := job.Metadata["isFolder"].(bool); !isFolder {
		fileID, _ := job.Metadata["fileID"].(string)
		return d.fetch(ctx, client, cred, fileID, job.OutputPath, job.BytesTotal, job.Hint, r)
	}

	files, _ := job.Metadata["folderFiles"].([]driveFile)
	if err := os.MkdirAll(job.OutputPath, 0755); err != nil {
		return dlerror.Wrap(dlerror.DiskIO, "gdrive/download", err)
	}
	for _, f := range files {
		outputPath := filepath.Join(job.OutputPath, utils.SanitizeFileName(f.Name))
		// files finished by an earlier attempt are kept
		if fi, err := os.Stat(outputPath); err == nil && fi.Size() == f.Size {
			r.Add(f.Size)
			continue
		}
		if err := d.fetch(ctx, client, cred, f.ID, outputPath, f.Size, job.Hint, r); err != nil {
			return err
		}
		r.Stream("Downloaded " + f.Name)
	}
	return nil
}

func (d *GDriveDownloader) fetch(ctx context.Context, client *utils.HTTPClient, cred credential, fileID, outputPath string, size int64, hint types.Hint, r types.Reporter) error {
	link := d.mediaURL(fileID)
	if cred.apiKey != "" {
		link += "&key=" + cred.apiKey
	} else {
		token, err := cred.ts.Token()
		if err != nil {
			return classifyTokenError(err)
		}
		client.SetHeader("Authorization", token.Type()+" "+token.AccessToken)
	}
	return grabhttp.DownloadFile(ctx, link, outputPath, size, client, hint, r)
}
