// Package pr implements the create_pr supplement: a post-InReview
// operation that pushes an attempt's branch and opens a pull/merge request
// on the detected git hosting provider, or, if one is already open for
// this attempt, pushes any new commits and refreshes its description
// instead of opening a second PR for the same branch.
package pr

import (
	"context"
	"time"

	"github.com/taskforge/execcore/internal/apperror"
	"github.com/taskforge/execcore/internal/cli"
	gitpkg "github.com/taskforge/execcore/internal/git"
	"github.com/taskforge/execcore/internal/keys"
	"github.com/taskforge/execcore/internal/store"
	"github.com/taskforge/execcore/internal/workspace"
)

type Config struct {
	CommitAuthor string
	CommitEmail  string
}

type Service struct {
	store    *store.Store
	resolver *keys.Resolver
	analyzer *cli.Analyzer
	cfg      Config
}

func New(st *store.Store, resolver *keys.Resolver, analyzer *cli.Analyzer, cfg Config) *Service {
	return &Service{store: st, resolver: resolver, analyzer: analyzer, cfg: cfg}
}

type CreateRequest struct {
	Title        string
	Description  string
	TargetBranch string
}

type CreateResult struct {
	PRURL    string
	PRNumber int
	Branch   string
}

// CreatePR pushes the attempt's branch and opens a pull/merge request.
// Requires the owning task to have reached InReview (the pipeline already
// succeeded) and a registered or environment-supplied token for the
// detected provider — it never reintroduces an HTTP/OAuth auth surface of
// its own.
func (s *Service) CreatePR(ctx context.Context, attemptID string, req CreateRequest) (*CreateResult, error) {
	att, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(ctx, att.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status != store.TaskInReview {
		return nil, apperror.Validation("task %q must be awaiting review before a pull request can be created, currently %q", task.ID, task.Status)
	}
	if running, err := s.store.RunningProcessForAttempt(ctx, attemptID); err != nil {
		return nil, err
	} else if running != nil {
		return nil, apperror.Conflict("attempt %q has a running process", attemptID)
	}

	project, err := s.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	handle, err := workspace.Open(project.GitRepoPath)
	if err != nil {
		return nil, err
	}

	remoteURL, err := handle.RemoteURL()
	if err != nil {
		return nil, err
	}
	token, repoInfo, err := s.resolver.ResolveToken(ctx, remoteURL)
	if err != nil {
		return nil, apperror.Validation("%v", err)
	}
	if repoInfo.Provider == gitpkg.ProviderUnknown {
		return nil, apperror.Validation("pull request creation is not supported for host %q", repoInfo.Host)
	}

	title, description := req.Title, req.Description
	if title == "" || description == "" {
		diffStats := ""
		if changes, changesErr := gitpkg.CalculateChanges(ctx, att.WorktreePath); changesErr == nil {
			diffStats = changes.DiffStats
		}
		analysis := s.analyzer.Analyze(ctx, taskPrompt(task), diffStats, task.ID)
		if title == "" {
			title = analysis.PRTitle
		}
		if description == "" {
			description = analysis.Description
		}
	}

	baseBranch := req.TargetBranch
	if baseBranch == "" {
		baseBranch = att.BaseBranch
	}

	commitMsg := gitpkg.FormatCommitMessage(title, task.ID, task.WishID, s.cfg.CommitAuthor, s.cfg.CommitEmail)
	if err := gitpkg.PushExistingBranch(ctx, gitpkg.BranchOptions{
		AttemptID:   attemptID,
		WorkDir:     att.WorktreePath,
		BranchName:  att.Branch,
		CommitMsg:   commitMsg,
		AuthorName:  s.cfg.CommitAuthor,
		AuthorEmail: s.cfg.CommitEmail,
		Token:       token,
	}); err != nil {
		return nil, apperror.Git(apperror.ErrInvalidRepository, "pushing branch %q: %v", att.Branch, err)
	}

	// A follow-up can reach InReview a second time on an attempt that
	// already has an open PR from an earlier pipeline run; rather than
	// opening a duplicate PR for the same branch, push the new commits
	// (above) and refresh the existing PR's description in place.
	if att.PRURL != nil && *att.PRURL != "" {
		prNumber, numErr := gitpkg.ParsePRNumber(*att.PRURL)
		if numErr != nil {
			return nil, apperror.Git(apperror.ErrInvalidRepository, "resolving existing pull request: %v", numErr)
		}
		if err := gitpkg.UpdatePRDescription(ctx, repoInfo, token, prNumber, description); err != nil {
			return nil, apperror.Git(apperror.ErrInvalidRepository, "updating pull request: %v", err)
		}
		if err := s.store.SetPRMetadata(ctx, attemptID, *att.PRURL, "open", time.Now().UTC()); err != nil {
			return nil, err
		}
		return &CreateResult{PRURL: *att.PRURL, PRNumber: prNumber, Branch: att.Branch}, nil
	}

	result, err := gitpkg.CreatePR(ctx, repoInfo, token, gitpkg.PRCreateOptions{
		Title:       title,
		Description: description,
		Branch:      att.Branch,
		BaseBranch:  baseBranch,
	})
	if err != nil {
		return nil, apperror.Git(apperror.ErrInvalidRepository, "creating pull request: %v", err)
	}

	if err := s.store.SetPRMetadata(ctx, attemptID, result.URL, "open", time.Now().UTC()); err != nil {
		return nil, err
	}

	return &CreateResult{PRURL: result.URL, PRNumber: result.Number, Branch: att.Branch}, nil
}

func taskPrompt(task *store.Task) string {
	if task.Description != nil && *task.Description != "" {
		return *task.Description
	}
	return task.Title
}
