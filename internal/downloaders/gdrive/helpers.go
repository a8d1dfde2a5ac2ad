package gdrive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"

	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
)

var (
	driveFileRegex      = regexp.MustCompile(`https://drive\.google\.com/file/d/([^/?]+)`)
	driveShortLinkRegex = regexp.MustCompile(`https://drive\.google\.com/open\?id=([^&\s]+)`)
	driveFolderRegex    = regexp.MustCompile(`https://drive\.google\.com/drive/(?:u/\d+/)?folders/([^/?]+)`)
)

const (
	driveAPIURL    = "https://www.googleapis.com/drive/v3/files"
	folderMimeType = "application/vnd.google-apps.folder"
	googleAppsMime = "application/vnd.google-apps."
)

type driveFile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size,string"`
}

type fileList struct {
	NextPageToken string      `json:"nextPageToken"`
	Files         []driveFile `json:"files"`
}

func extractFileID(rawURL string) (string, error) {
	for _, re := range []*regexp.Regexp{driveFileRegex, driveShortLinkRegex, driveFolderRegex} {
		if matches := re.FindStringSubmatch(rawURL); len(matches) > 1 {
			return matches[1], nil
		}
	}
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if id := parsedURL.Query().Get("id"); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("unable to extract file ID from URL: %s", rawURL)
}

func (d *GDriveDownloader) apiURL() string {
	if d.APIBase != "" {
		return d.APIBase
	}
	return driveAPIURL
}

// getJSON performs an authorized Drive API call and decodes the response into v.
func getJSON(ctx context.Context, client *utils.HTTPClient, cred credential, link string, hint types.Hint, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return dlerror.Wrap(dlerror.FormatUnavailable, "gdrive/api", err)
	}
	req.Header.Set("Accept", "application/json")
	if err := cred.authorize(req); err != nil {
		return err
	}
	resp, err := client.DoHint(req, hint)
	if err != nil {
		return dlerror.Classify("gdrive/api", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return dlerror.FromResponse("gdrive/api", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return dlerror.Wrap(dlerror.Transport, "gdrive/api", err)
	}
	return nil
}

func (d *GDriveDownloader) getFileMetadata(ctx context.Context, client *utils.HTTPClient, cred credential, fileID string, hint types.Hint) (driveFile, error) {
	var f driveFile
	link := fmt.Sprintf("%s/%s?fields=id,name,size,mimeType&supportsAllDrives=true", d.apiURL(), url.PathEscape(fileID))
	err := getJSON(ctx, client, cred, link, hint, &f)
	return f, err
}

func (d *GDriveDownloader) listFolderContents(ctx context.Context, client *utils.HTTPClient, cred credential, folderID string, hint types.Hint) ([]driveFile, error) {
	var files []driveFile
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("q", fmt.Sprintf("'%s' in parents and trashed = false", folderID))
		q.Set("fields", "nextPageToken,files(id,name,size,mimeType)")
		q.Set("pageSize", "1000")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		var page fileList
		if err := getJSON(ctx, client, cred, d.apiURL()+"?"+q.Encode(), hint, &page); err != nil {
			return nil, err
		}
		files = append(files, page.Files...)
		if page.NextPageToken == "" {
			return files, nil
		}
		pageToken = page.NextPageToken
	}
}

func (d *GDriveDownloader) mediaURL(fileID string) string {
	return fmt.Sprintf("%s/%s?alt=media&supportsAllDrives=true", d.apiURL(), url.PathEscape(fileID))
}
