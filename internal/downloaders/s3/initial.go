package s3

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
)

// API is the subset of the S3 client the downloader needs.
type API interface {
	manager.DownloadAPIClient
	s3.HeadObjectAPIClient
	s3.ListObjectsV2APIClient
}

// ClientFunc builds a client for an AWS profile and an optional endpoint
// override (for S3 compatible stores).
type ClientFunc func(ctx context.Context, profile, endpoint string) (API, error)

type S3Downloader struct {
	NewClient ClientFunc
	// PartSize is the ranged GET size used by the transfer manager; 0 keeps its default.
	PartSize int64
}

func DefaultClient(ctx context.Context, profile, endpoint string) (API, error) {
	opts := []func(*config.LoadOptions) error{
		// retries are owned by the job queue
		config.WithRetryMaxAttempts(1),
	}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, dlerror.Wrap(dlerror.AuthRequired, "s3/client", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (d *S3Downloader) client(ctx context.Context, job *types.Job) (API, error) {
	profile, _ := job.Metadata["profile"].(string)
	endpoint, _ := job.Metadata["endpoint"].(string)
	newClient := d.NewClient
	if newClient == nil {
		newClient = DefaultClient
	}
	return newClient(ctx, profile, endpoint)
}

func (d *S3Downloader) ValidateJob(job *types.Job) error {
	bucket, key, err := parseS3URL(job.SourceURL)
	if err != nil {
		return dlerror.Wrap(dlerror.FormatUnavailable, "s3/validate", err)
	}
	job.Metadata["bucket"] = bucket
	job.Metadata["key"] = key
	log.Debug().Str("op", "s3/initial").Msgf("job validated for s3://%s/%s", bucket, key)
	return nil
}

func (d *S3Downloader) BuildJob(ctx context.Context, job *types.Job) error {
	bucket, _ := job.Metadata["bucket"].(string)
	key, _ := job.Metadata["key"].(string)
	client, err := d.client(ctx, job)
	if err != nil {
		return err
	}

	fileType, size, err := getObjectInfo(ctx, client, bucket, key)
	if err != nil {
		return err
	}
	job.Metadata["fileType"] = fileType
	job.Metadata["size"] = size
	job.BytesTotal = size
	log.Debug().Str("op", "s3/initial").Msgf("Determined object type: %s, size: %d", fileType, size)

	if job.OutputPath == "" {
		job.OutputPath = path.Base(strings.TrimSuffix(key, "/"))
		if job.OutputPath == "." || job.OutputPath == "/" {
			job.OutputPath = bucket
		}
		job.OutputPath = utils.SanitizeFileName(job.OutputPath)
	}
	if _, err := os.Stat(job.OutputPath); err == nil {
		job.OutputPath = utils.RenewOutputPath(job.OutputPath)
	}
	log.Info().Str("op", "s3/initial").Msgf("job built for s3://%s/%s", bucket, key)
	return nil
}

func parseS3URL(raw string) (string, string, error) {
	if !strings.HasPrefix(raw, "s3://") {
		return "", "", fmt.Errorf("not an s3:// URL: %s", raw)
	}
	bucket, key, _ := strings.Cut(strings.TrimPrefix(raw, "s3://"), "/")
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket in %s", raw)
	}
	return bucket, key, nil
}
