package s3

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/types"
)

type s3Object struct {
	Key  string
	Size int64
}

// getObjectInfo reports whether key names a single object or a prefix.
// Folders report a size of -1.
func getObjectInfo(ctx context.Context, client API, bucket, key string) (string, int64, error) {
	if key != "" && !strings.HasSuffix(key, "/") {
		head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			return "file", aws.ToInt64(head.ContentLength), nil
		}
		if err = classify("s3/head", err); dlerror.KindOf(err) != dlerror.ContentGone {
			return "", 0, err
		}
	}

	result, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(key),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return "", 0, classify("s3/list", err)
	}
	if len(result.Contents) > 0 || len(result.CommonPrefixes) > 0 {
		return "folder", -1, nil
	}
	return "", 0, dlerror.New(dlerror.ContentGone, "s3/info", "nothing found at s3://%s/%s", bucket, key)
}

func listObjects(ctx context.Context, client API, bucket, prefix string) ([]s3Object, error) {
	var objects []s3Object
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("s3/list", err)
		}
		for _, obj := range page.Contents {
			key, size := aws.ToString(obj.Key), aws.ToInt64(obj.Size)
			// zero-byte "directory" markers
			if key == "" || (size == 0 && strings.HasSuffix(key, "/")) {
				continue
			}
			objects = append(objects, s3Object{Key: key, Size: size})
		}
	}
	return objects, nil
}

// classify maps S3 API errors onto download error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		kind := dlerror.Unknown
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			kind = dlerror.ContentGone
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "Forbidden":
			kind = dlerror.AuthRequired
		case "ExpiredToken", "TokenRefreshRequired":
			kind = dlerror.AuthExpired
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded":
			kind = dlerror.RateLimited
		case "InternalError", "ServiceUnavailable", "RequestTimeout":
			kind = dlerror.Transport
		}
		if kind != dlerror.Unknown {
			return &dlerror.Error{Kind: kind, Op: op, Detail: apiErr.ErrorCode(), Err: err}
		}
	}
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) && status.HTTPStatusCode() >= 400 {
		e := dlerror.FromStatus(op, status.HTTPStatusCode(), nil)
		e.Err = err
		return e
	}
	return dlerror.Classify(op, err)
}

// progressWriterAt reports every write to the job's reporter.
type progressWriterAt struct {
	w io.WriterAt
	r types.Reporter
}

func (p progressWriterAt) WriteAt(b []byte, off int64) (int, error) {
	n, err := p.w.WriteAt(b, off)
	p.r.Add(int64(n))
	return n, err
}
