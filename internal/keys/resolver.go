package keys

import (
	"context"
	"fmt"
	"os"

	gitpkg "github.com/taskforge/execcore/internal/git"
)

// Resolver resolves an access token for a repo URL using a priority chain:
// 1. A key registered for the detected provider.
// 2. An environment variable fallback (GITHUB_TOKEN / GITLAB_TOKEN), for
//    operators who'd rather not persist a token through the registry at
//    all.
type Resolver struct {
	registry        *Registry
	providerDomains map[string]string
}

func NewResolver(registry *Registry, providerDomains map[string]string) *Resolver {
	return &Resolver{registry: registry, providerDomains: providerDomains}
}

// ResolveToken resolves the access token to use when pushing/opening a PR
// against repoURL, along with the parsed RepoInfo needed to address the
// provider's API.
func (r *Resolver) ResolveToken(ctx context.Context, repoURL string) (string, *gitpkg.RepoInfo, error) {
	repo, err := gitpkg.ParseRepoURL(repoURL, r.providerDomains)
	if err != nil {
		return "", nil, fmt.Errorf("parsing repo URL: %w", err)
	}

	if token, err := r.registry.Resolve(ctx, string(repo.Provider)); err == nil && token != "" {
		return token, repo, nil
	}

	switch repo.Provider {
	case gitpkg.ProviderGitHub:
		if t := os.Getenv("GITHUB_TOKEN"); t != "" {
			return t, repo, nil
		}
	case gitpkg.ProviderGitLab:
		if t := os.Getenv("GITLAB_TOKEN"); t != "" {
			return t, repo, nil
		}
	}

	return "", repo, fmt.Errorf("no access token available for %s (register a git hosting key or set %s_TOKEN)", repoURL, string(repo.Provider))
}
