package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/prshepherd/prshepherd/internal/gitcmd"
	"github.com/prshepherd/prshepherd/internal/logfields"
	github_prov "github.com/prshepherd/prshepherd/internal/provider/github"
)

// runFixStage runs the configured formatter commands on the pull request
// branch and pushes the resulting changes.
//
// When no formatter produced changes the run finishes as skipped, no
// label is applied and no comment is posted.
func (o *Orchestrator) runFixStage(ctx context.Context, logger *zap.Logger, event *github_prov.Event) {
	if len(o.formatterCommands) == 0 {
		return
	}

	repo := Repository{Owner: event.RepositoryOwner, Name: event.Repository}

	run := o.startRun(logger, repo, event, StageFix)
	if run == nil {
		return
	}

	ctx, cancel := o.stageCtx(ctx)
	defer cancel()

	wt, unlock, err := o.lockedWorktree(ctx, repo)
	if err != nil {
		logger.Error(
			"fix stage failed, preparing worktree failed",
			logfields.Event("fix_stage_failed"),
			zap.Error(err),
		)
		o.finishRun(logger, repo, run, RunStatusFailure)

		return
	}
	defer unlock()

	if err := wt.Prepare(ctx, event.HeadRef, event.HeadSHA); err != nil {
		logger.Error(
			"fix stage failed, checking out pull request branch failed",
			logfields.Event("fix_stage_failed"),
			zap.Error(err),
		)
		o.finishRun(logger, repo, run, RunStatusFailure)

		return
	}

	for _, argv := range o.formatterCommands {
		if err := wt.RunCommand(ctx, argv); err != nil {
			logger.Error(
				"fix stage failed, formatter command failed",
				logfields.Event("fix_stage_failed"),
				zap.Strings("command", argv),
				zap.Error(err),
			)

			o.comment(ctx, logger, repo, event.PullRequestNr, fmt.Sprintf(
				"Automatic formatting of this pull request failed.\n\n"+
					"The command `%s` exited unsuccessfully on commit %s.\n"+
					"Please run the formatters locally and push the result.",
				strings.Join(argv, " "), event.HeadSHA,
			))

			o.finishRun(logger, repo, run, RunStatusFailure)

			return
		}
	}

	dirty, err := wt.IsDirty(ctx)
	if err != nil {
		logger.Error(
			"fix stage failed, querying worktree status failed",
			logfields.Event("fix_stage_failed"),
			zap.Error(err),
		)
		o.finishRun(logger, repo, run, RunStatusFailure)

		return
	}

	if !dirty {
		o.finishRun(logger, repo, run, RunStatusSkipped)
		return
	}

	commitMsg := fmt.Sprintf("apply automatic formatting\n\nGenerated on %s for commit %s.",
		commitMsgTimestamp(), event.HeadSHA)

	if err := wt.CommitAll(ctx, commitMsg); err != nil {
		logger.Error(
			"fix stage failed, committing formatter changes failed",
			logfields.Event("fix_stage_failed"),
			zap.Error(err),
		)
		o.finishRun(logger, repo, run, RunStatusFailure)

		return
	}

	if err := wt.Push(ctx, event.HeadRef); err != nil {
		if errors.Is(err, gitcmd.ErrStalePush) {
			// the branch moved since the event was received, the
			// event for the newer commit redoes the work
			logger.Info(
				"fix stage result discarded, pull request branch changed",
				logfields.Event("fix_stage_stale"),
				zap.Error(err),
			)
			o.finishRun(logger, repo, run, RunStatusFailure)

			return
		}

		logger.Error(
			"fix stage failed, pushing formatter changes failed",
			logfields.Event("fix_stage_failed"),
			zap.Error(err),
		)
		o.finishRun(logger, repo, run, RunStatusFailure)

		return
	}

	o.applyLabel(ctx, logger, repo, event.PullRequestNr, LabelAutoFixed)
	o.comment(ctx, logger, repo, event.PullRequestNr, fmt.Sprintf(
		"Formatting fixes were applied automatically on top of commit %s and pushed to `%s`.",
		event.HeadSHA, event.HeadRef,
	))

	o.finishRun(logger, repo, run, RunStatusSuccess)
}
