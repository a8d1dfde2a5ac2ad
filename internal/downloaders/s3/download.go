package s3

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
	"golang.org/x/sync/errgroup"
)

func (d *S3Downloader) Download(ctx context.Context, job *types.Job, r types.Reporter) error {
	bucket, _ := job.Metadata["bucket"].(string)
	key, _ := job.Metadata["key"].(string)
	fileType, _ := job.Metadata["fileType"].(string)
	client, err := d.client(ctx, job)
	if err != nil {
		return err
	}
	if fileType == "folder" {
		log.Info().Str("op", "s3/download").Msgf("Starting folder download for s3://%s/%s", bucket, key)
		return d.downloadFolder(ctx, job, client, bucket, key, r)
	}
	log.Info().Str("op", "s3/download").Msgf("Starting file download for s3://%s/%s", bucket, key)
	size, _ := job.Metadata["size"].(int64)
	r.SetTotal(size)
	if err := d.downloadObject(ctx, client, bucket, key, job.OutputPath, job.Connections, r); err != nil {
		return err
	}
	return utils.CleanFunction(job.OutputPath)
}

func (d *S3Downloader) downloadFolder(ctx context.Context, job *types.Job, client API, bucket, prefix string, r types.Reporter) error {
	objects, err := listObjects(ctx, client, bucket, prefix)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		return dlerror.New(dlerror.ContentGone, "s3/download", "no objects found in s3://%s/%s", bucket, prefix)
	}
	var totalSize int64
	for _, obj := range objects {
		totalSize += obj.Size
	}
	r.SetTotal(totalSize)
	r.Stream("Found " + utils.FormatBytes(uint64(totalSize)) + " in " + pluralObjects(len(objects)))

	dirs := make(map[string]struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, min(job.Connections, len(objects))))
	for _, obj := range objects {
		relPath := strings.TrimPrefix(strings.TrimPrefix(obj.Key, prefix), "/")
		outputPath := filepath.Join(job.OutputPath, filepath.FromSlash(relPath))
		dirs[filepath.Dir(outputPath)] = struct{}{}
		g.Go(func() error {
			if err := d.downloadObject(gctx, client, bucket, obj.Key, outputPath, 1, r); err != nil {
				return err
			}
			r.Stream("Downloaded " + obj.Key)
			return nil
		})
	}
	err = g.Wait()
	// sibling objects share a temp dir; it only goes once empty
	for dir := range dirs {
		os.Remove(filepath.Join(dir, utils.TempDirName))
	}
	return err
}

// downloadObject fetches one object into a partial file with the transfer
// manager and renames it into place once complete. The temp directory is
// left for the caller to clean.
func (d *S3Downloader) downloadObject(ctx context.Context, client API, bucket, key, outputPath string, concurrency int, r types.Reporter) error {
	part := utils.PartPath(outputPath)
	if err := os.MkdirAll(filepath.Dir(part), 0755); err != nil {
		return dlerror.Wrap(dlerror.DiskIO, "s3/download", err)
	}
	file, err := os.Create(part)
	if err != nil {
		return dlerror.Wrap(dlerror.DiskIO, "s3/download", err)
	}
	downloader := manager.NewDownloader(client, func(md *manager.Downloader) {
		md.Concurrency = max(1, concurrency)
		if d.PartSize > 0 {
			md.PartSize = d.PartSize
		}
	})
	_, err = downloader.Download(ctx, progressWriterAt{w: file, r: r}, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = dlerror.Wrap(dlerror.DiskIO, "s3/download", closeErr)
	}
	if err != nil {
		os.Remove(part)
		return classify("s3/download", err)
	}
	if err := os.Rename(part, outputPath); err != nil {
		return dlerror.Wrap(dlerror.DiskIO, "s3/download", err)
	}
	return utils.CleanFunction(outputPath)
}

func pluralObjects(n int) string {
	if n == 1 {
		return "1 object"
	}
	return strconv.Itoa(n) + " objects"
}
