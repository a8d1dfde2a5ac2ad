package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/types"
)

// fakeS3 serves objects from memory and honors ranged GETs the way the
// transfer manager issues them.
type fakeS3 struct {
	objects map[string][]byte
	getErr  error
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(f.objects[k])))})
	}
	return out, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	start, end := int64(0), int64(len(data))-1
	if rng := aws.ToString(in.Range); rng != "" {
		fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
		end = min(end, int64(len(data))-1)
	}
	body := data[start : end+1]
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: aws.Int64(int64(len(body))),
		ContentRange:  aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, len(data))),
	}, nil
}

type byteReporter struct {
	mu    sync.Mutex
	total int64
	bytes int64
}

func (r *byteReporter) SetPhase(types.Status) {}
func (r *byteReporter) SetTotal(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = n
}
func (r *byteReporter) Add(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bytes += n
}
func (r *byteReporter) SetSegments(int, int) {}
func (r *byteReporter) Stream(string)        {}

func newDownloader(fake *fakeS3) *S3Downloader {
	return &S3Downloader{
		NewClient: func(context.Context, string, string) (API, error) { return fake, nil },
		PartSize:  1024,
	}
}

func runJob(t *testing.T, d *S3Downloader, job *types.Job) (*byteReporter, error) {
	t.Helper()
	require.NoError(t, d.ValidateJob(job))
	if err := d.BuildJob(context.Background(), job); err != nil {
		return nil, err
	}
	r := &byteReporter{}
	return r, d.Download(context.Background(), job, r)
}

func TestParseS3URL(t *testing.T) {
	bucket, key, err := parseS3URL("s3://media/shows/ep1.mp4")
	require.NoError(t, err)
	assert.Equal(t, "media", bucket)
	assert.Equal(t, "shows/ep1.mp4", key)

	_, _, err = parseS3URL("s3:///nobucket")
	assert.Error(t, err)
	_, _, err = parseS3URL("https://example.com/x")
	assert.Error(t, err)
}

func TestDownloadFile(t *testing.T) {
	data := bytes.Repeat([]byte("s3data"), 1000)
	fake := &fakeS3{objects: map[string][]byte{"shows/ep1.mp4": data}}
	out := filepath.Join(t.TempDir(), "ep1.mp4")
	job := &types.Job{SourceURL: "s3://media/shows/ep1.mp4", OutputPath: out, Connections: 3, Metadata: map[string]any{}}

	r, err := runJob(t, newDownloader(fake), job)
	require.NoError(t, err)
	assert.Equal(t, "file", job.Metadata["fileType"])
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int64(len(data)), r.total)
	assert.Equal(t, int64(len(data)), r.bytes)
	assert.NoDirExists(t, filepath.Join(filepath.Dir(out), ".mediagrab-temp"))
}

func TestDownloadFolder(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{
		"shows/":          {},
		"shows/a.txt":     []byte("alpha"),
		"shows/sub/b.txt": []byte("bravo!"),
	}}
	out := filepath.Join(t.TempDir(), "shows")
	job := &types.Job{SourceURL: "s3://media/shows/", OutputPath: out, Connections: 2, Metadata: map[string]any{}}

	r, err := runJob(t, newDownloader(fake), job)
	require.NoError(t, err)
	assert.Equal(t, "folder", job.Metadata["fileType"])
	a, err := os.ReadFile(filepath.Join(out, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(a))
	b, err := os.ReadFile(filepath.Join(out, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bravo!", string(b))
	assert.Equal(t, int64(11), r.total)
	assert.Equal(t, int64(11), r.bytes)
}

func TestMissingObjectIsContentGone(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	job := &types.Job{SourceURL: "s3://media/nothing.bin", OutputPath: filepath.Join(t.TempDir(), "x"), Metadata: map[string]any{}}
	_, err := runJob(t, newDownloader(fake), job)
	assert.Equal(t, dlerror.ContentGone, dlerror.KindOf(err))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code string
		want dlerror.Kind
	}{
		{"NoSuchKey", dlerror.ContentGone},
		{"AccessDenied", dlerror.AuthRequired},
		{"ExpiredToken", dlerror.AuthExpired},
		{"SlowDown", dlerror.RateLimited},
		{"InternalError", dlerror.Transport},
	}
	for _, tt := range tests {
		err := classify("s3/test", &smithy.GenericAPIError{Code: tt.code, Message: "boom"})
		assert.Equal(t, tt.want, dlerror.KindOf(err), tt.code)
	}
	assert.Equal(t, dlerror.Cancelled, dlerror.KindOf(classify("s3/test", context.Canceled)))
}

func TestThrottledDownloadIsRateLimited(t *testing.T) {
	fake := &fakeS3{
		objects: map[string][]byte{"a.bin": []byte("abc")},
		getErr:  &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce your request rate"},
	}
	out := filepath.Join(t.TempDir(), "a.bin")
	job := &types.Job{SourceURL: "s3://media/a.bin", OutputPath: out, Metadata: map[string]any{}}
	_, err := runJob(t, newDownloader(fake), job)
	assert.Equal(t, dlerror.RateLimited, dlerror.KindOf(err))
	assert.NoFileExists(t, out)
}
