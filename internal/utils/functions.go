package utils

import (
	"fmt"
	"math/rand/v2"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
)

func GetRandomUserAgent() string {
	return userAgents[rand.IntN(len(userAgents))]
}

func RenewOutputPath(outputPath string) string {
	dir := filepath.Dir(outputPath)
	base := filepath.Base(outputPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	index := 1
	for {
		outputPath = filepath.Join(dir, fmt.Sprintf("%s-(%d)%s", name, index, ext))
		if _, err := os.Stat(outputPath); os.IsNotExist(err) {
			return outputPath
		}
		index++
	}
}

func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			result[key] = value
		}
	}
	return result
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)

func SanitizeFileName(name string) string {
	return unsafeNameChars.ReplaceAllString(name, "_")
}

// FileNameFromURL returns the last path element of rawURL, or fallback.
func FileNameFromURL(rawURL, fallback string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fallback
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return fallback
	}
	return SanitizeFileName(name)
}

func FormatBytes(bytes uint64) string {
	return humanize.IBytes(bytes)
}

// TempDir is where partial data for outputPath lives until the job finishes.
func TempDir(outputPath string) string {
	return filepath.Join(filepath.Dir(outputPath), TempDirName)
}

// PartPath is the single-stream partial file for outputPath.
func PartPath(outputPath string) string {
	return filepath.Join(TempDir(outputPath), filepath.Base(outputPath)+".part")
}

// SegmentDir holds the fetched segments of a segmented job writing to outputPath.
func SegmentDir(outputPath string) string {
	return filepath.Join(TempDir(outputPath), filepath.Base(outputPath)+".segments")
}

func CleanLocal(dir string) error {
	tempDir := filepath.Join(dir, TempDirName)
	_, err := os.Stat(tempDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return os.RemoveAll(tempDir)
}

// CleanFunction removes every partial artifact that belongs to outputPath and
// drops the temp directory once it is empty.
func CleanFunction(outputPath string) error {
	tempDir := TempDir(outputPath)
	files, err := os.ReadDir(tempDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	prefix := filepath.Base(outputPath) + "."
	for _, file := range files {
		if !strings.HasPrefix(file.Name(), prefix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(tempDir, file.Name())); err != nil {
			return err
		}
	}
	remainingFiles, err := os.ReadDir(tempDir)
	if err != nil {
		return err
	}
	if len(remainingFiles) == 0 {
		return os.Remove(tempDir)
	}
	return nil
}
