package ci

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v55/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/runnerforge/fleet/internal/config"
	"github.com/runnerforge/fleet/internal/retrypolicy"
)

// Client is the typed wrapper over the CI service's runner-admin API
// (spec.md §4.2). It is scoped to a single owner/repo or owner/org at
// construction time, matching the manager's GitHub.Path configuration.
type Client struct {
	gh    *github.Client
	owner string
	repo  string
	isOrg bool
	log   *logrus.Logger
	retry retrypolicy.Policy
}

// NewClient builds a Client from the manager's GitHub credentials record.
func NewClient(cfg *config.Config, log *logrus.Logger) (*Client, error) {
	owner, repo, isOrg := cfg.RepoOrOrg()

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.GitHub.Token})
	httpClient := oauth2.NewClient(context.Background(), ts)

	gh := github.NewClient(httpClient)
	if cfg.GitHub.BaseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(cfg.GitHub.BaseURL, cfg.GitHub.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("configure enterprise base url: %w", err)
		}
	}

	return &Client{
		gh:    gh,
		owner: owner,
		repo:  repo,
		isOrg: isOrg,
		log:   log,
		retry: retrypolicy.Default,
	}, nil
}

// ListRunners returns every runner registered under this client's scope,
// fully paginated and materialized (spec.md §4.2 "list calls return a
// fully-materialized list").
func (c *Client) ListRunners(ctx context.Context) ([]CIRunner, error) {
	var out []CIRunner
	err := c.retry.Do(ctx, func() error {
		out = nil
		opts := &github.ListOptions{PerPage: 100}
		for {
			runners, resp, err := c.listRunnersPage(ctx, opts)
			if err != nil {
				return classifyError(resp, err, false, c.scopeName(), 0)
			}
			for _, r := range runners.Runners {
				out = append(out, toCIRunner(r))
			}
			if resp.NextPage == 0 {
				return nil
			}
			opts.Page = resp.NextPage
		}
	})
	return out, err
}

func (c *Client) listRunnersPage(ctx context.Context, opts *github.ListOptions) (*github.Runners, *github.Response, error) {
	if c.isOrg {
		return c.gh.Actions.ListOrganizationRunners(ctx, c.owner, opts)
	}
	return c.gh.Actions.ListRunners(ctx, c.owner, c.repo, opts)
}

// RegistrationToken mints a fresh runner registration token (spec.md §4.1
// "Launch contract" consumes this to build cloud-init userdata).
func (c *Client) RegistrationToken(ctx context.Context) (string, error) {
	var token string
	err := c.retry.Do(ctx, func() error {
		var tok *github.RegistrationToken
		var resp *github.Response
		var err error
		if c.isOrg {
			tok, resp, err = c.gh.Actions.CreateOrganizationRegistrationToken(ctx, c.owner)
		} else {
			tok, resp, err = c.gh.Actions.CreateRegistrationToken(ctx, c.owner, c.repo)
		}
		if err != nil {
			return classifyError(resp, err, false, c.scopeName(), 0)
		}
		token = tok.GetToken()
		return nil
	})
	return token, err
}

// RemovalToken mints a fresh runner removal token (spec.md §4.1
// "De-registration contract").
func (c *Client) RemovalToken(ctx context.Context) (string, error) {
	var token string
	err := c.retry.Do(ctx, func() error {
		var tok *github.RemoveToken
		var resp *github.Response
		var err error
		if c.isOrg {
			tok, resp, err = c.gh.Actions.CreateOrganizationRemoveToken(ctx, c.owner)
		} else {
			tok, resp, err = c.gh.Actions.CreateRemoveToken(ctx, c.owner, c.repo)
		}
		if err != nil {
			return classifyError(resp, err, false, c.scopeName(), 0)
		}
		token = tok.GetToken()
		return nil
	})
	return token, err
}

// DeleteRunner de-registers a runner from the CI service side. Idempotent:
// a runner that is already gone is not an error.
func (c *Client) DeleteRunner(ctx context.Context, id int64) error {
	return c.retry.Do(ctx, func() error {
		var resp *github.Response
		var err error
		if c.isOrg {
			resp, err = c.gh.Actions.RemoveOrganizationRunner(ctx, c.owner, id)
		} else {
			resp, err = c.gh.Actions.RemoveRunner(ctx, c.owner, c.repo, id)
		}
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return classifyError(resp, err, false, c.scopeName(), 0)
	})
}

// JobInfo fetches a single job by ID within the given repo (org-scoped
// managers still address jobs by their owning repo).
func (c *Client) JobInfo(ctx context.Context, repo string, jobID int64) (Job, error) {
	var job Job
	err := c.retry.Do(ctx, func() error {
		wj, resp, err := c.gh.Actions.GetWorkflowJobByID(ctx, c.owner, repo, jobID)
		if err != nil {
			return classifyError(resp, err, true, repo, jobID)
		}
		job = toJob(wj)
		return nil
	})
	return job, err
}

// JobInfoByRunnerName finds the job within a workflow run whose RunnerName
// matches name. The bool result reports whether such a job was found. The
// reactive worker does not call it; it looks jobs up by ID through JobInfo.
func (c *Client) JobInfoByRunnerName(ctx context.Context, repo string, runID int64, name string) (Job, bool, error) {
	var found Job
	var ok bool
	err := c.retry.Do(ctx, func() error {
		found = Job{}
		ok = false
		opts := &github.ListWorkflowJobsOptions{ListOptions: github.ListOptions{PerPage: 100}}
		for {
			jobs, resp, err := c.gh.Actions.ListWorkflowJobs(ctx, c.owner, repo, runID, opts)
			if err != nil {
				return classifyError(resp, err, false, repo, runID)
			}
			for _, wj := range jobs.Jobs {
				if wj.GetRunnerName() == name {
					found = toJob(wj)
					ok = true
					return nil
				}
			}
			if resp.NextPage == 0 {
				return nil
			}
			opts.Page = resp.NextPage
		}
	})
	return found, ok, err
}

func (c *Client) scopeName() string {
	if c.isOrg {
		return c.owner
	}
	return c.owner + "/" + c.repo
}

func toCIRunner(r *github.Runner) CIRunner {
	labels := make([]string, 0, len(r.Labels))
	for _, l := range r.Labels {
		labels = append(labels, l.GetName())
	}
	return CIRunner{
		ID:     r.GetID(),
		Name:   r.GetName(),
		Online: r.GetStatus() == "online",
		Busy:   r.GetBusy(),
		Labels: labels,
	}
}

func toJob(wj *github.WorkflowJob) Job {
	return Job{
		ID:         wj.GetID(),
		RunID:      wj.GetRunID(),
		Name:       wj.GetName(),
		Status:     JobStatus(wj.GetStatus()),
		RunnerName: wj.GetRunnerName(),
		StartedAt:  wj.GetStartedAt().Time,
	}
}
