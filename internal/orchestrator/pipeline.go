package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/prshepherd/prshepherd/internal/githubclt"
	"github.com/prshepherd/prshepherd/internal/logfields"
	"github.com/prshepherd/prshepherd/internal/orcherr"
	github_prov "github.com/prshepherd/prshepherd/internal/provider/github"
)

// runPipeline runs the full stage sequence for a pull request.
//
// A failing fix stage does not halt the pipeline, the resolve stage and the
// evaluation still run. The resolve stage can only make the pull request
// more mergeable, skipping it because formatting failed would withhold
// information from the author.
func (o *Orchestrator) runPipeline(ctx context.Context, event *github_prov.Event) {
	logger := o.logger.With(event.LogFields...)

	o.runFixStage(ctx, logger, event)
	o.runResolveStage(ctx, logger, event)
	o.runEvaluation(ctx, event)
}

// runEvaluation evaluates the merge criteria and merges the pull request
// when all of them pass.
func (o *Orchestrator) runEvaluation(ctx context.Context, event *github_prov.Event) {
	logger := o.logger.With(event.LogFields...)
	repo := Repository{Owner: event.RepositoryOwner, Name: event.Repository}

	ctx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()

	sn, err := o.snapshot(ctx, repo, event.PullRequestNr)
	if err != nil {
		logger.Error(
			"evaluation failed, fetching pull request state failed",
			logfields.Event("evaluation_failed"),
			zap.Error(err),
		)

		return
	}

	if sn.Closed || sn.Merged {
		o.removePipeline(repo, event.PullRequestNr)
		logger.Debug(
			"pipeline removed, pull request is closed",
			logfields.Event("pipeline_removed"),
		)

		return
	}

	decision := o.evaluator.Evaluate(sn)
	prState := DerivePRState(sn, decision)
	o.recordPRState(repo, event.PullRequestNr, prState)

	logger = logger.With(
		zap.Bool("mergeable", decision.Mergeable),
		zap.Strings("blocking_reasons", reasonStrs(decision.Reasons)),
		zap.String("pull_request_state", string(prState)),
	)

	if !decision.Mergeable {
		logger.Info(
			"pull request does not meet the merge criteria",
			logfields.Event("evaluation_finished"),
		)

		return
	}

	logger.Info(
		"pull request meets the merge criteria",
		logfields.Event("evaluation_finished"),
	)

	o.runMergeStage(ctx, logger, event, sn)
}

// snapshot fetches the pull request state, retrying while github has not
// computed the mergeable state yet.
func (o *Orchestrator) snapshot(ctx context.Context, repo Repository, prNr int) (*githubclt.Snapshot, error) {
	var result *githubclt.Snapshot

	err := o.retryer.Run(ctx, func(ctx context.Context) error {
		sn, err := o.ghClient.Snapshot(ctx, repo.Owner, repo.Name, prNr)
		if err != nil {
			return err
		}

		if sn.MergeableState == githubclt.MergeableStateUnknown && !sn.Closed && !sn.Merged {
			return orcherr.NewRetryableAnytimeError(
				errors.New("github has not computed the mergeable state yet"),
			)
		}

		result = sn

		return nil
	}, []zap.Field{logfields.Repository(repo.Name), logfields.PullRequest(prNr)})
	if err != nil {
		return nil, err
	}

	if result == nil {
		return nil, ErrRetryerStopped
	}

	return result, nil
}

func reasonStrs(reasons []BlockingReason) []string {
	result := make([]string, len(reasons))
	for i, r := range reasons {
		result[i] = string(r)
	}

	return result
}

// finishRun finalizes a stage run and records its outcome metric.
func (o *Orchestrator) finishRun(logger *zap.Logger, repo Repository, run *Run, status RunStatus) {
	o.runs.Finish(run, status)
	metrics.StageRunFinished(run)

	logger.Info(
		fmt.Sprintf("%s stage finished with status %s", run.Stage, run.Status),
		append([]zap.Field{logfields.Event("stage_run_finished")}, run.LogFields()...)...,
	)
}

// applyLabel adds an informational label, a failure is logged and does not
// fail the stage.
func (o *Orchestrator) applyLabel(ctx context.Context, logger *zap.Logger, repo Repository, prNr int, label string) {
	if err := o.gateway.EnsureLabel(ctx, repo, prNr, label); err != nil {
		logger.Warn(
			"adding label failed",
			logfields.Event("github_label_add_failed"),
			logfields.Label(label),
			zap.Error(err),
		)
	}
}

// comment posts an audit comment, a failure is logged and does not fail
// the stage.
func (o *Orchestrator) comment(ctx context.Context, logger *zap.Logger, repo Repository, prNr int, body string) {
	if err := o.gateway.PostComment(ctx, repo, prNr, body); err != nil {
		logger.Warn(
			"posting comment failed",
			logfields.Event("github_comment_post_failed"),
			zap.Error(err),
		)
	}
}

// startRun registers a stage run, a nil run is returned when an identical
// run is already in progress.
func (o *Orchestrator) startRun(logger *zap.Logger, repo Repository, event *github_prov.Event, stage Stage) *Run {
	run, err := o.runs.Start(repo, event.PullRequestNr, stage, event.HeadSHA)
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			logger.Debug(
				"stage run skipped, identical run is in progress",
				logfields.Event("stage_run_deduplicated"),
				logfields.Stage(string(stage)),
			)

			return nil
		}

		logger.Error(
			"registering stage run failed",
			logfields.Event("stage_run_failed"),
			logfields.Stage(string(stage)),
			zap.Error(err),
		)

		return nil
	}

	logger.Debug(
		"stage run started",
		append([]zap.Field{logfields.Event("stage_run_started")}, run.LogFields()...)...,
	)

	return run
}

func (o *Orchestrator) stageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.stageTimeout)
}

func commitMsgTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
