package publish

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	"patchbench/internal/monitor"
)

// Repository is the subset of the GitHub REST API the upload needs.
// Lookups report absence with found=false rather than an error.
type Repository interface {
	Owner() string
	Name() string
	DefaultBranch(ctx context.Context) (string, error)
	RefSHA(ctx context.Context, branch string) (sha string, found bool, err error)
	BranchSHA(ctx context.Context, branch string) (sha string, found bool, err error)
	CreateBranch(ctx context.Context, branch, sha string) error
	ListDir(ctx context.Context, dir, ref string) ([]string, error)
	FileExists(ctx context.Context, path, ref string) (bool, error)
	PutFile(ctx context.Context, path, branch, message string, content []byte) error
	FindOpenPR(ctx context.Context, branch string) (url string, found bool, err error)
	CreatePR(ctx context.Context, title, head, base, body string) (string, error)
}

// ProviderError is a failed GitHub call with the provider's own message.
type ProviderError struct {
	Op          string
	Status      int
	Message     string
	RateLimited bool
	Err         error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("github %s: %d %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("github %s: %s", e.Op, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// GitHubRepository implements Repository with go-github.
type GitHubRepository struct {
	client  *github.Client
	owner   string
	name    string
	metrics *monitor.Metrics
}

// NewGitHubRepository authenticates with token through an oauth2 token
// source. apiBase overrides https://api.github.com/.
func NewGitHubRepository(ctx context.Context, fullName, token, apiBase string, timeout time.Duration, metrics *monitor.Metrics) (*GitHubRepository, error) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("data repo must be owner/name, got %q", fullName)
	}

	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	if timeout > 0 {
		hc.Timeout = timeout
	}
	client := github.NewClient(hc)
	if apiBase != "" {
		base, err := url.Parse(strings.TrimRight(apiBase, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parsing api base url: %w", err)
		}
		client.BaseURL = base
	}

	return &GitHubRepository{client: client, owner: owner, name: name, metrics: metrics}, nil
}

func (r *GitHubRepository) Owner() string { return r.owner }
func (r *GitHubRepository) Name() string  { return r.name }

// observe records the call and converts err to a ProviderError.
func (r *GitHubRepository) observe(op string, resp *github.Response, err error) error {
	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}
	if r.metrics != nil {
		label := strconv.Itoa(status)
		if status == 0 {
			label = "error"
		}
		r.metrics.RecordGitHubCall(op, label)
	}
	if err == nil {
		return nil
	}

	pe := &ProviderError{Op: op, Status: status, Message: err.Error(), Err: err}
	var rle *github.RateLimitError
	var abuse *github.AbuseRateLimitError
	var er *github.ErrorResponse
	switch {
	case errors.As(err, &rle):
		pe.RateLimited = true
		pe.Message = rle.Message
	case errors.As(err, &abuse):
		pe.RateLimited = true
		pe.Message = abuse.Message
	case errors.As(err, &er):
		pe.Message = er.Message
		if status == http.StatusTooManyRequests {
			pe.RateLimited = true
		}
	}
	return pe
}

func isStatus(err error, code int) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Status == code
}

func (r *GitHubRepository) DefaultBranch(ctx context.Context) (string, error) {
	repo, resp, err := r.client.Repositories.Get(ctx, r.owner, r.name)
	if err := r.observe("get_repo", resp, err); err != nil {
		return "", err
	}
	if b := repo.GetDefaultBranch(); b != "" {
		return b, nil
	}
	return "main", nil
}

func (r *GitHubRepository) RefSHA(ctx context.Context, branch string) (string, bool, error) {
	ref, resp, err := r.client.Git.GetRef(ctx, r.owner, r.name, "heads/"+branch)
	if err := r.observe("get_ref", resp, err); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	sha := ref.GetObject().GetSHA()
	return sha, sha != "", nil
}

func (r *GitHubRepository) BranchSHA(ctx context.Context, branch string) (string, bool, error) {
	req, err := r.client.NewRequest(http.MethodGet, fmt.Sprintf("repos/%s/%s/branches/%s", r.owner, r.name, url.PathEscape(branch)), nil)
	if err != nil {
		return "", false, err
	}
	var b github.Branch
	resp, err := r.client.Do(ctx, req, &b)
	if err := r.observe("get_branch", resp, err); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	sha := b.GetCommit().GetSHA()
	return sha, sha != "", nil
}

func (r *GitHubRepository) CreateBranch(ctx context.Context, branch, sha string) error {
	_, resp, err := r.client.Git.CreateRef(ctx, r.owner, r.name, &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.String(sha)},
	})
	err = r.observe("create_ref", resp, err)
	if err != nil && isStatus(err, http.StatusUnprocessableEntity) && strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return nil
	}
	return err
}

func (r *GitHubRepository) ListDir(ctx context.Context, dir, ref string) ([]string, error) {
	_, entries, resp, err := r.client.Repositories.GetContents(ctx, r.owner, r.name, dir, &github.RepositoryContentGetOptions{Ref: ref})
	if err := r.observe("list_dir", resp, err); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.GetName())
	}
	return names, nil
}

func (r *GitHubRepository) FileExists(ctx context.Context, path, ref string) (bool, error) {
	_, _, resp, err := r.client.Repositories.GetContents(ctx, r.owner, r.name, path, &github.RepositoryContentGetOptions{Ref: ref})
	if err := r.observe("get_content", resp, err); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *GitHubRepository) PutFile(ctx context.Context, path, branch, message string, content []byte) error {
	_, resp, err := r.client.Repositories.CreateFile(ctx, r.owner, r.name, path, &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: content,
		Branch:  github.String(branch),
	})
	err = r.observe("put_content", resp, err)
	// A concurrent writer got there first; GitHub asks for the existing sha.
	if err != nil && isStatus(err, http.StatusUnprocessableEntity) && strings.Contains(strings.ToLower(err.Error()), "sha") {
		return nil
	}
	return err
}

func (r *GitHubRepository) FindOpenPR(ctx context.Context, branch string) (string, bool, error) {
	prs, resp, err := r.client.PullRequests.List(ctx, r.owner, r.name, &github.PullRequestListOptions{
		State: "open",
		Head:  r.owner + ":" + branch,
	})
	if err := r.observe("list_pulls", resp, err); err != nil {
		return "", false, err
	}
	if len(prs) == 0 {
		return "", false, nil
	}
	return prs[0].GetHTMLURL(), true, nil
}

func (r *GitHubRepository) CreatePR(ctx context.Context, title, head, base, body string) (string, error) {
	pr, resp, err := r.client.PullRequests.Create(ctx, r.owner, r.name, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(head),
		Base:  github.String(base),
		Body:  github.String(body),
	})
	if err := r.observe("create_pull", resp, err); err != nil {
		return "", err
	}
	return pr.GetHTMLURL(), nil
}
