package repository

import (
	"fmt"

	"code.gitea.io/sdk/gitea"
)

// GetGiteaClient returns the connection ready to be queried. The URL and
// API token come from the bot configuration; a bridge instance talks to a
// single Gitea server.
func GetGiteaClient(url string, apiToken string) (*gitea.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("no Gitea URL configured")
	}
	if apiToken == "" {
		return nil, fmt.Errorf("no Gitea API token configured")
	}

	return gitea.NewClient(url, gitea.SetToken(apiToken))
}
