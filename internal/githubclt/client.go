// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/prshepherd/prshepherd/internal/logfields"
	"github.com/prshepherd/prshepherd/internal/orcherr"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

// New returns a new github api client.
func New(oauthAPItoken string) *Client {
	httpClient := newHTTPClient(oauthAPItoken)
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
	}
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client is a github API client.
// All methods return an orcherr.RetryableError when an operation can be
// retried. This can be e.g. the case when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

// CreateIssueComment creates a comment in an issue or pull request.
// Comments are only ever appended, existing comments are never edited or
// deleted.
func (clt *Client) CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error {
	_, _, err := clt.restClt.Issues.CreateComment(ctx, owner, repo, issueOrPRNr, &github.IssueComment{Body: &comment})
	return clt.wrapRetryableErrors(err)
}

// AddLabel adds a label to a Pull-Request or Issue.
// Adding a label that is already present succeeds without changing the
// pull request.
func (clt *Client) AddLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error {
	if label == "" {
		// by default github removes all labels when none is provided,
		// we do not need this functionality, as safe guard fail if
		// because of a bug an empty label value is passed:
		return errors.New("provided label is empty")
	}
	_, _, err := clt.restClt.Issues.AddLabelsToIssue(ctx, owner, repo, pullRequestOrIssueNumber, []string{label})
	return clt.wrapRetryableErrors(err)
}

// SquashMerge merges the pull request into its base branch by squashing all
// its commits into a single one. commitTitle and commitBody become the
// message of the squash commit.
// expectedHeadSHA guards against merging a branch that changed since it was
// evaluated, github rejects the merge when the head of the branch does not
// match it anymore.
func (clt *Client) SquashMerge(ctx context.Context, owner, repo string, prNumber int, commitTitle, commitBody, expectedHeadSHA string) error {
	result, _, err := clt.restClt.PullRequests.Merge(
		ctx, owner, repo, prNumber, commitBody,
		&github.PullRequestOptions{
			CommitTitle: commitTitle,
			SHA:         expectedHeadSHA,
			MergeMethod: "squash",
		},
	)
	if err != nil {
		return clt.wrapRetryableErrors(err)
	}

	if !result.GetMerged() {
		return fmtMergeFailure(result)
	}

	clt.logger.Debug("pull request squash-merged",
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.PullRequest(prNumber),
		logfields.Commit(result.GetSHA()),
		logfields.Event("github_pull_request_merged"),
	)

	return nil
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return orcherr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return orcherr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return orcherr.NewRetryableAnytimeError(err)
	}

	return err
}

func fmtMergeFailure(result *github.PullRequestMergeResult) error {
	return fmt.Errorf("github did not merge the pull request: %s", result.GetMessage())
}
