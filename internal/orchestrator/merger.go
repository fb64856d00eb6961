package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/prshepherd/prshepherd/internal/githubclt"
	"github.com/prshepherd/prshepherd/internal/logfields"
	github_prov "github.com/prshepherd/prshepherd/internal/provider/github"
)

// runMergeStage squash-merges a pull request that passed the evaluation.
//
// The merge call carries the head commit that was evaluated, github rejects
// the merge when the branch changed in the meantime. The call is never
// retried automatically, merging is the one irreversible operation of the
// pipeline and a failed attempt is re-triggered by the next event.
func (o *Orchestrator) runMergeStage(ctx context.Context, logger *zap.Logger, event *github_prov.Event, sn *githubclt.Snapshot) {
	repo := Repository{Owner: event.RepositoryOwner, Name: event.Repository}

	run := o.startRun(logger, repo, event, StageMerge)
	if run == nil {
		return
	}

	commitTitle := fmt.Sprintf("%s (#%d)", sn.Title, sn.Number)

	err := o.ghClient.SquashMerge(
		ctx,
		repo.Owner, repo.Name, sn.Number,
		commitTitle, sn.Body,
		sn.HeadSHA,
	)
	if err != nil {
		logger.Error(
			"merge stage failed, squash merge was rejected",
			logfields.Event("merge_stage_failed"),
			logfields.Commit(sn.HeadSHA),
			zap.Error(err),
		)

		o.comment(ctx, logger, repo, sn.Number, fmt.Sprintf(
			"All merge criteria were met but the automatic merge of commit "+
				"%s failed: %s",
			sn.HeadSHA, err.Error(),
		))

		o.finishRun(logger, repo, run, RunStatusFailure)

		return
	}

	o.applyLabel(ctx, logger, repo, sn.Number, LabelAutoMerged)
	o.comment(ctx, logger, repo, sn.Number, fmt.Sprintf(
		"Pull request was merged automatically, all merge criteria were met "+
			"for commit %s.",
		sn.HeadSHA,
	))

	o.finishRun(logger, repo, run, RunStatusSuccess)
	o.removePipeline(repo, sn.Number)

	logger.Info(
		"pull request merged",
		logfields.Event("pull_request_merged"),
		logfields.Commit(sn.HeadSHA),
	)
}
