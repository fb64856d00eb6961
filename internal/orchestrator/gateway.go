package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/prshepherd/prshepherd/internal/logfields"
)

// ErrBlockingLabelMutation is returned when a stage tries to add a label
// that only humans may manage.
var ErrBlockingLabelMutation = errors.New("blocking labels are owned by humans and must not be mutated")

// Gateway wraps the label and comment mutations of the github API.
//
// Both operations are idempotent per call and run through the Retryer, so
// transient API failures are retried within the stage timeout.
// The gateway refuses to touch blocking labels, stages only ever own the
// informational labels they create.
type Gateway struct {
	clt       GithubClient
	retryer   *Retryer
	evaluator *Evaluator
	logger    *zap.Logger
}

func NewGateway(clt GithubClient, retryer *Retryer, evaluator *Evaluator) *Gateway {
	return &Gateway{
		clt:       clt,
		retryer:   retryer,
		evaluator: evaluator,
		logger:    zap.L().Named("gateway"),
	}
}

// EnsureLabel adds the label to the pull request.
// Adding a label that is already present is a no-op on the github side.
func (g *Gateway) EnsureLabel(ctx context.Context, repo Repository, prNr int, label string) error {
	if g.evaluator.IsBlockingLabel(label) {
		return fmt.Errorf("%w: %q", ErrBlockingLabelMutation, label)
	}

	logF := []zap.Field{
		logfields.RepositoryOwner(repo.Owner),
		logfields.Repository(repo.Name),
		logfields.PullRequest(prNr),
		logfields.Label(label),
	}

	err := g.retryer.Run(ctx, func(ctx context.Context) error {
		return g.clt.AddLabel(ctx, repo.Owner, repo.Name, prNr, label)
	}, logF)
	if err != nil {
		return fmt.Errorf("adding label %q failed: %w", label, err)
	}

	g.logger.Debug("label added",
		append(logF, logfields.Event("github_label_added"))...,
	)

	return nil
}

// PostComment appends a comment to the pull request.
// Existing comments are never edited or deleted, the comment history is the
// audit trail.
func (g *Gateway) PostComment(ctx context.Context, repo Repository, prNr int, body string) error {
	logF := []zap.Field{
		logfields.RepositoryOwner(repo.Owner),
		logfields.Repository(repo.Name),
		logfields.PullRequest(prNr),
	}

	err := g.retryer.Run(ctx, func(ctx context.Context) error {
		return g.clt.CreateIssueComment(ctx, repo.Owner, repo.Name, prNr, body)
	}, logF)
	if err != nil {
		return fmt.Errorf("posting comment failed: %w", err)
	}

	g.logger.Debug("comment posted",
		append(logF, logfields.Event("github_comment_posted"))...,
	)

	return nil
}
