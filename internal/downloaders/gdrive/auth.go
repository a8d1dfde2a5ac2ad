package gdrive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediagrab/internal/dlerror"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	driveScope       = "https://www.googleapis.com/auth/drive.readonly"
	DefaultTokenFile = ".mediagrab-token.json"
)

// credential authorizes Drive API requests with either an API key or an
// OAuth token source.
type credential struct {
	apiKey string
	ts     oauth2.TokenSource
}

func (c credential) authorize(req *http.Request) error {
	if c.apiKey != "" {
		q := req.URL.Query()
		q.Set("key", c.apiKey)
		req.URL.RawQuery = q.Encode()
		return nil
	}
	token, err := c.ts.Token()
	if err != nil {
		return classifyTokenError(err)
	}
	token.SetAuthHeader(req)
	return nil
}

// tokenSource loads credentialsFile. Service account and authorized-user files
// mint tokens on their own; OAuth client secrets need a token cached by
// Authorize, which is refreshed and re-saved as it expires.
func tokenSource(ctx context.Context, credentialsFile, tokenFile string) (oauth2.TokenSource, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, dlerror.Wrap(dlerror.AuthRequired, "gdrive/auth", err)
	}
	log.Debug().Str("op", "gdrive/auth").Msgf("using credentials from %s", credentialsFile)
	config, err := google.ConfigFromJSON(b, driveScope)
	if err != nil {
		creds, credErr := google.CredentialsFromJSON(ctx, b, driveScope)
		if credErr != nil {
			return nil, dlerror.Wrap(dlerror.AuthRequired, "gdrive/auth", errors.Join(err, credErr))
		}
		return creds.TokenSource, nil
	}
	token, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, dlerror.New(dlerror.AuthRequired, "gdrive/auth", "no cached token in %s, run `mediagrab gdrive --authorize` first", tokenFile)
	}
	return &savingTokenSource{
		base: oauth2.ReuseTokenSource(token, config.TokenSource(ctx, token)),
		file: tokenFile,
		last: token.AccessToken,
	}, nil
}

// savingTokenSource writes refreshed tokens back to the cache file.
type savingTokenSource struct {
	base oauth2.TokenSource
	file string

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if token.AccessToken != s.last {
		s.last = token.AccessToken
		if err := saveToken(s.file, token); err != nil {
			log.Warn().Str("op", "gdrive/auth").Msgf("unable to save refreshed token: %v", err)
		}
	}
	return token, nil
}

func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < 500 {
		return dlerror.Wrap(dlerror.AuthExpired, "gdrive/auth", err)
	}
	return dlerror.Classify("gdrive/auth", err)
}

// Authorize runs the interactive OAuth consent flow for client secrets in
// credentialsFile and caches the resulting token in tokenFile.
func Authorize(ctx context.Context, credentialsFile, tokenFile string, in io.Reader, out io.Writer) error {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return fmt.Errorf("unable to read credentials file: %v", err)
	}
	config, err := google.ConfigFromJSON(b, driveScope)
	if err != nil {
		return fmt.Errorf("unable to parse client secret file: %v", err)
	}
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Fprintf(out, "Visit this URL to get the authorization code:\n%s\n\nAfter authorizing, enter the authorization code: ", authURL)
	code, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && code == "" {
		return fmt.Errorf("unable to read authorization code: %v", err)
	}
	log.Debug().Str("op", "gdrive/auth").Msg("exchanging auth code for token")
	token, err := config.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return fmt.Errorf("unable to exchange auth code for token: %v", err)
	}
	return saveToken(tokenFile, token)
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	token := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(token); err != nil {
		return nil, err
	}
	return token, nil
}

func saveToken(file string, token *oauth2.Token) error {
	if dir := filepath.Dir(file); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("unable to create token directory: %v", err)
		}
	}
	f, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to cache oauth token: %v", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(token); err != nil {
		return fmt.Errorf("unable to encode token: %v", err)
	}
	return nil
}
