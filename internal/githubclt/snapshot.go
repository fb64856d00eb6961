package githubclt

import (
	"context"
	"fmt"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
)

// MergeableState describes if a pull request can be merged into its base
// branch without conflicts.
type MergeableState string

const (
	MergeableStateClean       MergeableState = "clean"
	MergeableStateConflicting MergeableState = "conflicting"
	MergeableStateUnknown     MergeableState = "unknown"
)

// CheckState abstracts the multiple result values of GitHub check runs and
// commit statuses into a single value.
type CheckState string

const (
	CheckStateSuccess CheckState = "success"
	CheckStatePending CheckState = "pending"
	CheckStateFailure CheckState = "failure"
)

// ReviewDecision is the result of a pull request review.
type ReviewDecision string

const (
	ReviewDecisionNone             ReviewDecision = "none"
	ReviewDecisionApproved         ReviewDecision = "approved"
	ReviewDecisionChangesRequested ReviewDecision = "changesRequested"
)

// Snapshot is a point-in-time view of a pull request.
// The orchestrator only reads it, it never invents pull request state.
type Snapshot struct {
	Owner      string
	Repository string
	Number     int

	Title string
	Body  string

	HeadRef string
	HeadSHA string
	BaseRef string
	BaseSHA string

	Draft          bool
	Closed         bool
	Merged         bool
	Labels         []string
	MergeableState MergeableState
	Checks         map[string]CheckState
	ReviewDecision ReviewDecision
}

// HasLabel returns true if the snapshot contains the label.
func (s *Snapshot) HasLabel(name string) bool {
	for _, l := range s.Labels {
		if l == name {
			return true
		}
	}

	return false
}

// Snapshot retrieves the current state of a pull request.
// Metadata, labels and the mergeable state come from the REST API, the
// review decision and the check/status rollup from the GraphQL API.
//
// GitHub computes the mergeable state asynchronously, directly after a push
// it can be [MergeableStateUnknown]. Callers that need a definite answer
// must retry.
func (clt *Client) Snapshot(ctx context.Context, owner, repo string, prNumber int) (*Snapshot, error) {
	pr, _, err := clt.restClt.PullRequests.Get(ctx, owner, repo, prNumber)
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	head := pr.GetHead()
	base := pr.GetBase()
	if head == nil || base == nil {
		return nil, fmt.Errorf("got pull request object with empty head or base field")
	}

	result := Snapshot{
		Owner:          owner,
		Repository:     repo,
		Number:         prNumber,
		Title:          pr.GetTitle(),
		Body:           pr.GetBody(),
		HeadRef:        head.GetRef(),
		HeadSHA:        head.GetSHA(),
		BaseRef:        base.GetRef(),
		BaseSHA:        base.GetSHA(),
		Draft:          pr.GetDraft(),
		Closed:         pr.GetState() == "closed",
		Merged:         pr.GetMerged(),
		MergeableState: toMergeableState(pr),
		Labels:         labelNames(pr.Labels),
	}

	if result.HeadSHA == "" {
		return nil, fmt.Errorf("got pull request object with empty head sha")
	}

	reviewState, err := clt.reviewAndCheckStatus(ctx, owner, repo, prNumber)
	if err != nil {
		return nil, fmt.Errorf("retrieving review and check status failed: %w", err)
	}

	result.ReviewDecision = reviewState.reviewDecision
	result.Checks = reviewState.checks

	return &result, nil
}

func labelNames(labels []*github.Label) []string {
	result := make([]string, 0, len(labels))

	for _, l := range labels {
		if name := l.GetName(); name != "" {
			result = append(result, name)
		}
	}

	return result
}

func toMergeableState(pr *github.PullRequest) MergeableState {
	// mergeable_state is documented sparsely, "dirty" is the only value
	// that means a merge conflict exists
	switch pr.GetMergeableState() {
	case "clean":
		return MergeableStateClean
	case "dirty":
		return MergeableStateConflicting
	default:
		if pr.Mergeable != nil && !pr.GetMergeable() {
			return MergeableStateConflicting
		}

		return MergeableStateUnknown
	}
}

type reviewAndCheckStatus struct {
	reviewDecision ReviewDecision
	checks         map[string]CheckState
}

func (clt *Client) reviewAndCheckStatus(ctx context.Context, owner, repo string, prNumber int) (*reviewAndCheckStatus, error) {
	queryResult, err := clt.queryReviewAndChecks(ctx, owner, repo, prNumber)
	if err != nil {
		return nil, clt.wrapGraphQLRetryableErrors(err)
	}

	checks, err := toCheckStates(queryResult.CheckRuns, queryResult.StatusContexts)
	if err != nil {
		return nil, err
	}

	return &reviewAndCheckStatus{
		reviewDecision: toReviewDecision(queryResult.ReviewDecision),
		checks:         checks,
	}, nil
}

func toReviewDecision(decision githubv4.PullRequestReviewDecision) ReviewDecision {
	switch decision {
	case githubv4.PullRequestReviewDecisionApproved:
		return ReviewDecisionApproved
	case githubv4.PullRequestReviewDecisionChangesRequested:
		return ReviewDecisionChangesRequested
	default:
		return ReviewDecisionNone
	}
}

func toCheckStates(checkRuns []*queryCheckStatus, commitStatuses []*queryStatusContext) (map[string]CheckState, error) {
	result := make(map[string]CheckState, len(checkRuns)+len(commitStatuses))

	for _, run := range checkRuns {
		state, err := checkRunResultToCheckState(run.Status, run.Conclusion)
		if err != nil {
			return nil, fmt.Errorf("converting checkRun %q state failed: %w", run.Name, err)
		}

		result[run.Name] = state
	}

	for _, commitStatus := range commitStatuses {
		state, err := contextStatusStateToCheckState(commitStatus.State)
		if err != nil {
			return nil, fmt.Errorf("converting %q status context state failed: %w",
				commitStatus.Context, err)
		}

		result[commitStatus.Context] = state
	}

	return result, nil
}

func checkRunResultToCheckState(status githubv4.CheckStatusState, conclusion githubv4.CheckConclusionState) (CheckState, error) {
	switch status {
	case githubv4.CheckStatusStateInProgress,
		githubv4.CheckStatusStatePending,
		githubv4.CheckStatusStateQueued,
		githubv4.CheckStatusStateRequested,
		githubv4.CheckStatusStateWaiting:
		return CheckStatePending, nil

	case githubv4.CheckStatusStateCompleted:
		return checkConclusionToCheckState(conclusion)

	default:
		return "", fmt.Errorf("unsupported status value: %q", status)
	}
}

func checkConclusionToCheckState(conclusion githubv4.CheckConclusionState) (CheckState, error) {
	switch conclusion {
	case githubv4.CheckConclusionStateCancelled,
		githubv4.CheckConclusionStateFailure,
		githubv4.CheckConclusionStateStale,
		githubv4.CheckConclusionStateStartupFailure,
		githubv4.CheckConclusionStateTimedOut:
		return CheckStateFailure, nil

	case githubv4.CheckConclusionStateActionRequired:
		return CheckStatePending, nil

	case githubv4.CheckConclusionStateNeutral,
		githubv4.CheckConclusionStateSkipped,
		githubv4.CheckConclusionStateSuccess:
		return CheckStateSuccess, nil
	default:
		return "", fmt.Errorf("unsupported conclusion value: %q", conclusion)
	}
}

func contextStatusStateToCheckState(state githubv4.StatusState) (CheckState, error) {
	switch state {
	case githubv4.StatusStateError,
		githubv4.StatusStateFailure:
		return CheckStateFailure, nil

	case githubv4.StatusStateExpected,
		githubv4.StatusStatePending:
		return CheckStatePending, nil

	case githubv4.StatusStateSuccess:
		return CheckStateSuccess, nil

	default:
		return "", fmt.Errorf("unsupported status state value: %q", state)
	}
}

type queryCheckStatus struct {
	Name       string
	Conclusion githubv4.CheckConclusionState
	Status     githubv4.CheckStatusState
}

type queryStatusContext struct {
	State   githubv4.StatusState
	Context string
}

type queryChecksResult struct {
	ReviewDecision githubv4.PullRequestReviewDecision
	CheckRuns      []*queryCheckStatus
	StatusContexts []*queryStatusContext
}

func (clt *Client) queryReviewAndChecks(ctx context.Context, owner, repo string, prNumber int) (*queryChecksResult, error) {
	type graphQLQueryChecks struct {
		Repository struct {
			PullRequest struct {
				ReviewDecision githubv4.PullRequestReviewDecision

				Commits struct {
					Nodes []struct {
						Commit struct {
							Oid               string
							StatusCheckRollup struct {
								Contexts struct {
									PageInfo struct {
										EndCursor   string
										HasNextPage bool
									}
									Edges []struct {
										Node struct {
											CheckRun      queryCheckStatus   `graphql:"... on CheckRun"`
											StatusContext queryStatusContext `graphql:"... on StatusContext"`
										}
									}
								} `graphql:"contexts(first: $contextsFirst, after: $contextsAfter)"`
							}
						}
					}
				} `graphql:"commits(last: $commitsLast)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	var prHEADCommitID string
	var result queryChecksResult

	vars := map[string]any{
		"owner":         githubv4.String(owner),
		"name":          githubv4.String(repo),
		"number":        githubv4.Int(prNumber),
		"commitsLast":   githubv4.Int(1),
		"contextsFirst": githubv4.Int(100),
		"contextsAfter": (*githubv4.String)(nil),
	}

	for {
		var q graphQLQueryChecks

		err := clt.graphQLClt.Query(ctx, &q, vars)
		if err != nil {
			return nil, err
		}

		if len(q.Repository.PullRequest.Commits.Nodes) == 0 {
			return nil, fmt.Errorf("pull request has no commits")
		}

		commitsNode := q.Repository.PullRequest.Commits.Nodes[0].Commit

		if prHEADCommitID == "" {
			prHEADCommitID = commitsNode.Oid
		} else if prHEADCommitID != commitsNode.Oid {
			// the branch changed while pages were retrieved,
			// restart with the new head commit
			vars["contextsAfter"] = (*githubv4.String)(nil)
			prHEADCommitID = ""
			result.CheckRuns = nil
			result.StatusContexts = nil

			continue
		}

		for _, edge := range commitsNode.StatusCheckRollup.Contexts.Edges {
			node := edge.Node
			if node.CheckRun.Name != "" && node.StatusContext.Context != "" {
				return nil, fmt.Errorf("internal error: node contains checkRun and context, expecting only one")
			}

			if node.CheckRun.Name != "" {
				result.CheckRuns = append(result.CheckRuns, &node.CheckRun)
				continue
			}

			if node.StatusContext.Context != "" {
				result.StatusContexts = append(result.StatusContexts, &node.StatusContext)
			}
		}

		pageInfo := commitsNode.StatusCheckRollup.Contexts.PageInfo
		if !pageInfo.HasNextPage {
			result.ReviewDecision = q.Repository.PullRequest.ReviewDecision

			return &result, nil
		}

		if pageInfo.EndCursor == "" {
			return nil, fmt.Errorf("retrieving all contexts failed, HasNextPage is true, expected non-empty EndCursor")
		}

		vars["contextsAfter"] = githubv4.String(pageInfo.EndCursor)
	}
}
