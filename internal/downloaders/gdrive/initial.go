package gdrive

import (
	"context"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
)

// GDriveDownloader fetches Drive files and folders through the Drive v3 API.
// Jobs may carry "apiKey" or "credentialsFile" metadata; otherwise the
// downloader-wide defaults apply.
type GDriveDownloader struct {
	APIKey          string
	CredentialsFile string
	TokenFile       string
	APIBase         string
}

func (d *GDriveDownloader) ValidateJob(job *types.Job) error {
	fileID, err := extractFileID(job.SourceURL)
	if err != nil {
		return dlerror.Wrap(dlerror.FormatUnavailable, "gdrive/validate", err)
	}
	job.Metadata["fileID"] = fileID

	apiKey, credentialsFile := d.credentialNames(job)
	if apiKey == "" && credentialsFile == "" {
		return dlerror.New(dlerror.AuthRequired, "gdrive/validate", "either an API key or a credentials file must be provided")
	}
	if apiKey == "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return dlerror.Wrap(dlerror.AuthRequired, "gdrive/validate", err)
		}
	}
	log.Debug().Str("op", "gdrive/initial").Msgf("job validated for %s", job.SourceURL)
	return nil
}

func (d *GDriveDownloader) credentialNames(job *types.Job) (string, string) {
	apiKey, _ := job.Metadata["apiKey"].(string)
	credentialsFile, _ := job.Metadata["credentialsFile"].(string)
	if apiKey == "" && credentialsFile == "" {
		return d.APIKey, d.CredentialsFile
	}
	return apiKey, credentialsFile
}

func (d *GDriveDownloader) credential(ctx context.Context, job *types.Job) (credential, error) {
	apiKey, credentialsFile := d.credentialNames(job)
	if apiKey != "" {
		return credential{apiKey: apiKey}, nil
	}
	tokenFile := d.TokenFile
	if tokenFile == "" {
		tokenFile = DefaultTokenFile
	}
	ts, err := tokenSource(ctx, credentialsFile, tokenFile)
	if err != nil {
		return credential{}, err
	}
	return credential{ts: ts}, nil
}

func (d *GDriveDownloader) BuildJob(ctx context.Context, job *types.Job) error {
	fileID, _ := job.Metadata["fileID"].(string)
	cred, err := d.credential(ctx, job)
	if err != nil {
		return err
	}
	client := utils.NewHTTPClient(job.HTTPClientConfig)
	meta, err := d.getFileMetadata(ctx, client, cred, fileID, job.Hint)
	if err != nil {
		return err
	}

	isFolder := meta.MimeType == folderMimeType
	job.Metadata["isFolder"] = isFolder
	if isFolder {
		files, err := d.listFolderContents(ctx, client, cred, fileID, job.Hint)
		if err != nil {
			return err
		}
		var downloadable []driveFile
		var totalSize int64
		for _, f := range files {
			if strings.HasPrefix(f.MimeType, googleAppsMime) {
				log.Debug().Str("op", "gdrive/initial").Msgf("skipping %s (%s)", f.Name, f.MimeType)
				continue
			}
			downloadable = append(downloadable, f)
			totalSize += f.Size
		}
		job.Metadata["folderFiles"] = downloadable
		job.BytesTotal = totalSize
		log.Debug().Str("op", "gdrive/initial").Msgf("folder has %d files, %d bytes", len(downloadable), totalSize)
	} else {
		job.BytesTotal = meta.Size
	}
	if job.OutputPath == "" {
		job.OutputPath = utils.SanitizeFileName(meta.Name)
	}
	if _, err := os.Stat(job.OutputPath); err == nil {
		job.OutputPath = utils.RenewOutputPath(job.OutputPath)
	}
	log.Info().Str("op", "gdrive/initial").Msgf("job built for gdrive %s", fileID)
	return nil
}
