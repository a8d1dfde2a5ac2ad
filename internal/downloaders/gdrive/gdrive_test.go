package gdrive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/types"
	"golang.org/x/oauth2"
)

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

var driveFiles = map[string]struct {
	meta    driveFile
	content string
}{
	"file1":  {driveFile{ID: "file1", Name: "notes.txt", MimeType: "text/plain", Size: 11}, "hello drive"},
	"file2":  {driveFile{ID: "file2", Name: "b.bin", MimeType: "application/octet-stream", Size: 3}, "abc"},
	"doc":    {driveFile{ID: "doc", Name: "Doc", MimeType: "application/vnd.google-apps.document"}, ""},
	"folder": {driveFile{ID: "folder", Name: "Shared", MimeType: folderMimeType}, ""},
}

// driveServer fakes the files endpoints of the Drive v3 API. Requests must
// carry either key=secret or a bearer token of "tok".
func driveServer(t *testing.T) *httptest.Server {
	t.Helper()
	authorized := func(r *http.Request) bool {
		return r.URL.Query().Get("key") == "secret" || r.Header.Get("Authorization") == "Bearer tok"
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/drive/v3/files", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.Contains(r.URL.Query().Get("q"), "'folder' in parents") {
			json.NewEncoder(w).Encode(fileList{})
			return
		}
		list := fileList{}
		for _, id := range []string{"file1", "file2", "doc"} {
			list.Files = append(list.Files, driveFiles[id].meta)
		}
		json.NewEncoder(w).Encode(list)
	})
	mux.HandleFunc("/drive/v3/files/", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f, ok := driveFiles[strings.TrimPrefix(r.URL.Path, "/drive/v3/files/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("alt") == "media" {
			fmt.Fprint(w, f.content)
			return
		}
		json.NewEncoder(w).Encode(f.meta)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func runJob(t *testing.T, d *GDriveDownloader, job *types.Job) (*byteReporter, error) {
	t.Helper()
	if err := d.ValidateJob(job); err != nil {
		return nil, err
	}
	if err := d.BuildJob(context.Background(), job); err != nil {
		return nil, err
	}
	r := &byteReporter{}
	return r, d.Download(context.Background(), job, r)
}

func TestExtractFileID(t *testing.T) {
	tests := map[string]string{
		"https://drive.google.com/file/d/abc123/view?usp=sharing": "abc123",
		"https://drive.google.com/open?id=xyz":                    "xyz",
		"https://drive.google.com/drive/folders/fold1":            "fold1",
		"https://drive.google.com/drive/u/0/folders/fold2":        "fold2",
		"https://drive.google.com/uc?id=q1&export=download":       "q1",
	}
	for raw, want := range tests {
		got, err := extractFileID(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := extractFileID("https://drive.google.com/")
	assert.Error(t, err)
}

func TestValidateRequiresCredential(t *testing.T) {
	d := &GDriveDownloader{}
	err := d.ValidateJob(&types.Job{SourceURL: "https://drive.google.com/file/d/file1/view", Metadata: map[string]any{}})
	assert.Equal(t, dlerror.AuthRequired, dlerror.KindOf(err))

	err = d.ValidateJob(&types.Job{SourceURL: "https://drive.google.com/file/d/file1/view", Metadata: map[string]any{"credentialsFile": "/nonexistent.json"}})
	assert.Equal(t, dlerror.AuthRequired, dlerror.KindOf(err))
}

func TestDownloadFileWithAPIKey(t *testing.T) {
	server := driveServer(t)
	d := &GDriveDownloader{APIKey: "secret", APIBase: server.URL + "/drive/v3/files"}
	dir := t.TempDir()
	t.Chdir(dir)
	job := &types.Job{SourceURL: "https://drive.google.com/file/d/file1/view", Metadata: map[string]any{}}

	r, err := runJob(t, d, job)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", job.OutputPath)
	got, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello drive", string(got))
	assert.Equal(t, int64(11), r.total)
	assert.Equal(t, int64(11), r.bytes)
}

func TestDownloadFolderSkipsGoogleDocs(t *testing.T) {
	server := driveServer(t)
	d := &GDriveDownloader{APIKey: "secret", APIBase: server.URL + "/drive/v3/files"}
	out := filepath.Join(t.TempDir(), "shared")
	job := &types.Job{SourceURL: "https://drive.google.com/drive/folders/folder", OutputPath: out, Metadata: map[string]any{}}

	r, err := runJob(t, d, job)
	require.NoError(t, err)
	assert.Equal(t, int64(14), job.BytesTotal)
	assert.Equal(t, int64(14), r.bytes)
	a, err := os.ReadFile(filepath.Join(out, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello drive", string(a))
	assert.FileExists(t, filepath.Join(out, "b.bin"))
	assert.NoFileExists(t, filepath.Join(out, "Doc"))
}

func TestWrongKeyIsAuthRequired(t *testing.T) {
	server := driveServer(t)
	d := &GDriveDownloader{APIKey: "wrong", APIBase: server.URL + "/drive/v3/files"}
	job := &types.Job{SourceURL: "https://drive.google.com/file/d/file1/view", OutputPath: filepath.Join(t.TempDir(), "x"), Metadata: map[string]any{}}
	_, err := runJob(t, d, job)
	assert.Equal(t, dlerror.AuthRequired, dlerror.KindOf(err))
}

func TestMissingFileIsContentGone(t *testing.T) {
	server := driveServer(t)
	d := &GDriveDownloader{APIKey: "secret", APIBase: server.URL + "/drive/v3/files"}
	job := &types.Job{SourceURL: "https://drive.google.com/file/d/gone/view", OutputPath: filepath.Join(t.TempDir(), "x"), Metadata: map[string]any{}}
	_, err := runJob(t, d, job)
	assert.Equal(t, dlerror.ContentGone, dlerror.KindOf(err))
}

const clientSecrets = `{"installed":{"client_id":"id","client_secret":"secret","auth_uri":"https://accounts.example.com/auth","token_uri":"https://accounts.example.com/token","redirect_uris":["urn:ietf:wg:oauth:2.0:oob"]}}`

func TestDownloadWithCachedOAuthToken(t *testing.T) {
	server := driveServer(t)
	dir := t.TempDir()
	creds := filepath.Join(dir, "credentials.json")
	tokenFile := filepath.Join(dir, "token.json")
	require.NoError(t, os.WriteFile(creds, []byte(clientSecrets), 0600))
	require.NoError(t, saveToken(tokenFile, &oauth2.Token{AccessToken: "tok", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}))

	d := &GDriveDownloader{CredentialsFile: creds, TokenFile: tokenFile, APIBase: server.URL + "/drive/v3/files"}
	out := filepath.Join(dir, "notes.txt")
	job := &types.Job{SourceURL: "https://drive.google.com/file/d/file1/view", OutputPath: out, Metadata: map[string]any{}}
	_, err := runJob(t, d, job)
	require.NoError(t, err)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello drive", string(got))
}

func TestClientSecretsWithoutTokenNeedAuthorization(t *testing.T) {
	dir := t.TempDir()
	creds := filepath.Join(dir, "credentials.json")
	require.NoError(t, os.WriteFile(creds, []byte(clientSecrets), 0600))
	_, err := tokenSource(context.Background(), creds, filepath.Join(dir, "missing.json"))
	assert.Equal(t, dlerror.AuthRequired, dlerror.KindOf(err))
	assert.Contains(t, err.Error(), "--authorize")
}
