package gitclone

import (
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediagrab/internal/dlerror"
)

// tokenUsers maps providers to the basic-auth user name their tokens expect.
var tokenUsers = map[string]string{
	"github.com":    "oauth2",
	"gitlab.com":    "oauth2",
	"bitbucket.org": "x-token-auth",
}

// getAuthMethod returns nil when no credentials are configured; public
// repositories need none.
func getAuthMethod(provider string, metadata map[string]any, fallbackToken string) (transport.AuthMethod, error) {
	token, _ := metadata["token"].(string)
	if token == "" {
		token = fallbackToken
	}
	if user, ok := tokenUsers[provider]; ok && token != "" {
		log.Debug().Str("op", "gitclone/auth").Msg("token found")
		return &http.BasicAuth{Username: user, Password: token}, nil
	}
	if sshKeyPath, _ := metadata["sshKey"].(string); sshKeyPath != "" {
		log.Debug().Str("op", "gitclone/auth").Msg("sshKey found")
		publicKeys, err := ssh.NewPublicKeysFromFile("git", sshKeyPath, "")
		if err != nil {
			return nil, dlerror.Wrap(dlerror.AuthRequired, "gitclone/auth", err)
		}
		return publicKeys, nil
	}
	return nil, nil
}
