package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/prshepherd/prshepherd/internal/gitcmd"
	"github.com/prshepherd/prshepherd/internal/githubclt"
	"github.com/prshepherd/prshepherd/internal/logfields"
	github_prov "github.com/prshepherd/prshepherd/internal/provider/github"
)

// runResolveStage brings a conflicting pull request branch up to date with
// its base branch.
//
// The base branch is merged into the pull request branch, the pull request
// branch itself is never rewritten. Only conflicts that the configured
// resolve policy can decide are resolved automatically, everything else is
// left to the author.
func (o *Orchestrator) runResolveStage(ctx context.Context, logger *zap.Logger, event *github_prov.Event) {
	repo := Repository{Owner: event.RepositoryOwner, Name: event.Repository}

	run := o.startRun(logger, repo, event, StageResolve)
	if run == nil {
		return
	}

	ctx, cancel := o.stageCtx(ctx)
	defer cancel()

	sn, err := o.snapshot(ctx, repo, event.PullRequestNr)
	if err != nil {
		logger.Error(
			"resolve stage failed, fetching pull request state failed",
			logfields.Event("resolve_stage_failed"),
			zap.Error(err),
		)
		o.finishRun(logger, repo, run, RunStatusFailure)

		return
	}

	if sn.Closed || sn.Merged {
		o.finishRun(logger, repo, run, RunStatusSkipped)
		return
	}

	if sn.MergeableState == githubclt.MergeableStateClean {
		o.applyLabel(ctx, logger, repo, event.PullRequestNr, LabelReadyToMerge)
		o.finishRun(logger, repo, run, RunStatusSkipped)

		return
	}

	wt, unlock, err := o.lockedWorktree(ctx, repo)
	if err != nil {
		logger.Error(
			"resolve stage failed, preparing worktree failed",
			logfields.Event("resolve_stage_failed"),
			zap.Error(err),
		)
		o.finishRun(logger, repo, run, RunStatusFailure)

		return
	}
	defer unlock()

	if err := wt.Prepare(ctx, sn.HeadRef, sn.HeadSHA); err != nil {
		logger.Error(
			"resolve stage failed, checking out pull request branch failed",
			logfields.Event("resolve_stage_failed"),
			zap.Error(err),
		)
		o.finishRun(logger, repo, run, RunStatusFailure)

		return
	}

	if err := wt.FetchBase(ctx, sn.BaseRef); err != nil {
		logger.Error(
			"resolve stage failed, fetching base branch failed",
			logfields.Event("resolve_stage_failed"),
			zap.Error(err),
		)
		o.finishRun(logger, repo, run, RunStatusFailure)

		return
	}

	mergeResult, err := wt.Merge(ctx, sn.BaseRef, o.resolvePolicy)
	if err != nil {
		logger.Error(
			"resolve stage failed, merging base branch failed",
			logfields.Event("resolve_stage_failed"),
			logfields.BaseBranch(sn.BaseRef),
			zap.Error(err),
		)
		o.abortAndFail(ctx, logger, repo, run, wt, sn.HeadSHA)

		return
	}

	if mergeResult.Conflicted {
		if err := wt.AbortMerge(ctx); err != nil {
			logger.Error(
				"aborting conflicted merge failed",
				logfields.Event("resolve_stage_failed"),
				zap.Error(err),
			)
		}

		o.comment(ctx, logger, repo, event.PullRequestNr, fmt.Sprintf(
			"Conflicts with `%s` could not be resolved automatically, "+
				"manual intervention is required.\n\nConflicting files:\n%s",
			sn.BaseRef, bulletList(mergeResult.UnmergedPaths),
		))

		o.finishRun(logger, repo, run, RunStatusFailure)

		return
	}

	if len(o.validateCommand) != 0 {
		if err := wt.RunCommand(ctx, o.validateCommand); err != nil {
			logger.Error(
				"resolve stage failed, validation command failed after merge",
				logfields.Event("resolve_stage_failed"),
				zap.Strings("command", o.validateCommand),
				zap.Error(err),
			)

			o.comment(ctx, logger, repo, event.PullRequestNr, fmt.Sprintf(
				"Conflicts with `%s` were resolved automatically but the merged "+
					"result failed validation (`%s`), the resolution was discarded.\n"+
					"Please resolve the conflicts manually.",
				sn.BaseRef, strings.Join(o.validateCommand, " "),
			))

			o.abortAndFail(ctx, logger, repo, run, wt, sn.HeadSHA)

			return
		}
	}

	if err := wt.Push(ctx, sn.HeadRef); err != nil {
		if errors.Is(err, gitcmd.ErrStalePush) {
			// the branch moved since the snapshot was taken, the
			// event for the newer commit redoes the work
			logger.Info(
				"resolve stage result discarded, pull request branch changed",
				logfields.Event("resolve_stage_stale"),
				zap.Error(err),
			)

			o.comment(ctx, logger, repo, event.PullRequestNr, fmt.Sprintf(
				"The branch changed while conflicts with `%s` were being "+
					"resolved, the resolution was discarded and is redone "+
					"for the new commit.",
				sn.BaseRef,
			))

			o.abortAndFail(ctx, logger, repo, run, wt, sn.HeadSHA)

			return
		}

		logger.Error(
			"resolve stage failed, pushing merge commit failed",
			logfields.Event("resolve_stage_failed"),
			zap.Error(err),
		)
		o.abortAndFail(ctx, logger, repo, run, wt, sn.HeadSHA)

		return
	}

	o.applyLabel(ctx, logger, repo, event.PullRequestNr, LabelAutoResolved)
	o.applyLabel(ctx, logger, repo, event.PullRequestNr, LabelReadyToMerge)
	o.comment(ctx, logger, repo, event.PullRequestNr, fmt.Sprintf(
		"Conflicts with `%s` were resolved automatically by merging the base "+
			"branch into `%s`.",
		sn.BaseRef, sn.HeadRef,
	))

	o.finishRun(logger, repo, run, RunStatusSuccess)
}

// abortAndFail restores the worktree to the pull request head and finishes
// the run as failed.
func (o *Orchestrator) abortAndFail(ctx context.Context, logger *zap.Logger, repo Repository, run *Run, wt Worktree, headSHA string) {
	if err := wt.Reset(ctx, headSHA); err != nil {
		logger.Error(
			"resetting worktree failed",
			logfields.Event("worktree_reset_failed"),
			logfields.Commit(headSHA),
			zap.Error(err),
		)
	}

	o.finishRun(logger, repo, run, RunStatusFailure)
}

func bulletList(elems []string) string {
	var sb strings.Builder
	for _, e := range elems {
		sb.WriteString("- `")
		sb.WriteString(e)
		sb.WriteString("`\n")
	}

	return sb.String()
}
