// Package orchestrator drives pull requests through the
// fix -> resolve -> evaluate -> merge pipeline.
//
// The orchestrator is reactive, every received repository event is routed
// to the stages it applies to. Criteria are always re-derived from the live
// pull request state, decisions are never cached across dispatches.
// Pipelines of distinct pull requests run concurrently, the stage work of
// one pull request is serialized. All pull requests of a repository operate
// on a shared git clone, worktree use is serialized per repository.
package orchestrator

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/itchyny/gojq"
	"go.uber.org/zap"

	"github.com/prshepherd/prshepherd/internal/gitcmd"
	"github.com/prshepherd/prshepherd/internal/githubclt"
	"github.com/prshepherd/prshepherd/internal/logfields"
	github_prov "github.com/prshepherd/prshepherd/internal/provider/github"
	"github.com/prshepherd/prshepherd/internal/routines"
)

const loggerName = "orchestrator"

// GithubClient is the github API surface the orchestrator consumes.
type GithubClient interface {
	Snapshot(ctx context.Context, owner, repo string, prNumber int) (*githubclt.Snapshot, error)
	AddLabel(ctx context.Context, owner, repo string, prNumber int, label string) error
	CreateIssueComment(ctx context.Context, owner, repo string, prNumber int, comment string) error
	SquashMerge(ctx context.Context, owner, repo string, prNumber int, commitTitle, commitBody, expectedHeadSHA string) error
}

// Worktree is a local checkout that the fix and resolve stages operate on.
type Worktree interface {
	Prepare(ctx context.Context, headRef, headSHA string) error
	FetchBase(ctx context.Context, baseRef string) error
	IsDirty(ctx context.Context) (bool, error)
	RunCommand(ctx context.Context, argv []string) error
	CommitAll(ctx context.Context, message string) error
	Merge(ctx context.Context, baseRef string, policy gitcmd.Policy) (*gitcmd.MergeResult, error)
	AbortMerge(ctx context.Context) error
	Reset(ctx context.Context, sha string) error
	Push(ctx context.Context, headRef string) error
}

// WorktreeFactory returns the Worktree for a repository, cloning it first
// when needed.
type WorktreeFactory func(ctx context.Context, repo Repository) (Worktree, error)

// Config is the static configuration of an Orchestrator.
type Config struct {
	Repositories []Repository

	// FilterQuery is an optional jq expression evaluated against the
	// JSON payload of every event, events for which it evaluates to
	// false are ignored.
	FilterQuery string

	FormatterCommands [][]string
	ValidateCommand   []string
	ResolvePolicy     gitcmd.Policy

	StageTimeout         time.Duration
	ReevaluationInterval time.Duration

	// BlockingLabels are additional blocking label names, the builtin
	// ones always apply.
	BlockingLabels []string
}

type prKey struct {
	repo Repository
	prNr int
}

// pipeline serializes the stage work of one pull request.
type pipeline struct {
	pool *routines.Pool

	// lastEvent is the most recent event seen for the pull request, it
	// provides head/base refs for periodic re-evaluation.
	lastEvent *github_prov.Event

	// lastState is the lifecycle state derived by the most recent
	// evaluation, shown on the status endpoint.
	lastState PRState
}

type Orchestrator struct {
	ch     <-chan *github_prov.Event
	logger *zap.Logger

	repositories map[Repository]struct{}
	filterQuery  *gojq.Query

	ghClient  GithubClient
	worktrees WorktreeFactory
	retryer   *Retryer
	runs      *RunStore
	evaluator *Evaluator
	gateway   *Gateway

	formatterCommands [][]string
	validateCommand   []string
	resolvePolicy     gitcmd.Policy
	stageTimeout      time.Duration
	reevaluationIntv  time.Duration

	pipelines map[prKey]*pipeline
	repoLocks map[Repository]*sync.Mutex
	lock      sync.Mutex

	wg sync.WaitGroup
}

func New(
	cfg *Config,
	ghClient GithubClient,
	worktrees WorktreeFactory,
	eventChan <-chan *github_prov.Event,
) (*Orchestrator, error) {
	repoMap := make(map[Repository]struct{}, len(cfg.Repositories))
	for _, r := range cfg.Repositories {
		repoMap[r] = struct{}{}
	}

	var filterQuery *gojq.Query
	if cfg.FilterQuery != "" {
		var err error
		filterQuery, err = gojq.Parse(cfg.FilterQuery)
		if err != nil {
			return nil, err
		}
	}

	policy := cfg.ResolvePolicy
	if policy == "" {
		policy = gitcmd.PolicyIncoming
	}

	stageTimeout := cfg.StageTimeout
	if stageTimeout <= 0 {
		stageTimeout = 15 * time.Minute
	}

	retryer := NewRetryer()
	evaluator := NewEvaluator(cfg.BlockingLabels)

	return &Orchestrator{
		ch:                eventChan,
		logger:            zap.L().Named(loggerName),
		repositories:      repoMap,
		filterQuery:       filterQuery,
		ghClient:          ghClient,
		worktrees:         worktrees,
		retryer:           retryer,
		runs:              NewRunStore(),
		evaluator:         evaluator,
		gateway:           NewGateway(ghClient, retryer, evaluator),
		formatterCommands: cfg.FormatterCommands,
		validateCommand:   cfg.ValidateCommand,
		resolvePolicy:     policy,
		stageTimeout:      stageTimeout,
		reevaluationIntv:  cfg.ReevaluationInterval,
		pipelines:         map[prKey]*pipeline{},
		repoLocks:         map[Repository]*sync.Mutex{},
	}, nil
}

func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.EventLoop()
	}()
}

// Stop terminates the event loop and waits until all scheduled stage work
// finished.
// The event channel must be closed before Stop is called.
func (o *Orchestrator) Stop() {
	o.logger.Debug("orchestrator terminating")

	o.retryer.Stop()
	o.wg.Wait()

	o.lock.Lock()
	pipelines := make([]*pipeline, 0, len(o.pipelines))
	for _, p := range o.pipelines {
		pipelines = append(pipelines, p)
	}
	o.lock.Unlock()

	for _, p := range pipelines {
		p.pool.Wait()
	}

	o.logger.Debug("orchestrator terminated")
}

var logFieldEventIgnored = logfields.Event("github_event_ignored")

// EventLoop consumes events until the event channel is closed.
func (o *Orchestrator) EventLoop() {
	o.logger.Info("ready to process events", logfields.Event("eventloop_started"))

	var periodicTriggerC <-chan time.Time
	if o.reevaluationIntv > 0 {
		periodicTrigger := time.NewTicker(o.reevaluationIntv)
		defer periodicTrigger.Stop()
		periodicTriggerC = periodicTrigger.C
	}

	for {
		select {
		case event, open := <-o.ch:
			if !open {
				o.logger.Info(
					"event loop terminated, event channel was closed",
					logfields.Event("eventloop_terminated"),
				)
				return
			}

			o.ProcessEvent(event)

		case <-periodicTriggerC:
			o.scheduleReevaluations()
		}
	}
}

// ProcessEvent routes a single event to the stages it applies to.
//
// pull_request opened, synchronize and reopened events trigger the full
// pipeline. labeled, review submitted and check_suite completed events only
// re-run the evaluation. Everything else is ignored.
func (o *Orchestrator) ProcessEvent(event *github_prov.Event) {
	logger := o.logger.With(event.LogFields...)

	repo := Repository{Owner: event.RepositoryOwner, Name: event.Repository}
	if _, monitored := o.repositories[repo]; !monitored {
		logger.Debug(
			"event is for repository that is not monitored",
			logFieldEventIgnored,
		)

		return
	}

	if event.PullRequestNr == 0 {
		logger.Debug("event without pull request number ignored", logFieldEventIgnored)
		return
	}

	if !o.matchesFilter(logger, event) {
		return
	}

	metrics.ProcessedEventsInc()

	switch event.Type {
	case "pull_request":
		switch event.Action {
		case "opened", "synchronize", "reopened":
			o.schedule(logger, event, o.runPipeline)

		case "labeled", "unlabeled":
			o.schedule(logger, event, o.runEvaluation)

		case "closed":
			o.removePipeline(repo, event.PullRequestNr)
			logger.Debug("pipeline removed, pull request was closed",
				logfields.Event("pipeline_removed"),
			)

		default:
			logger.Debug("ignoring pull-request event", logFieldEventIgnored)
		}

	case "pull_request_review":
		if event.Action != "submitted" {
			logger.Debug("ignoring pull-request-review event", logFieldEventIgnored)
			return
		}

		o.schedule(logger, event, o.runEvaluation)

	case "check_suite":
		if event.Action != "completed" {
			logger.Debug("ignoring check-suite event", logFieldEventIgnored)
			return
		}

		o.schedule(logger, event, o.runEvaluation)

	default:
		logger.Debug("event ignored", logFieldEventIgnored)
	}
}

func (o *Orchestrator) matchesFilter(logger *zap.Logger, event *github_prov.Event) bool {
	if o.filterQuery == nil {
		return true
	}

	var payload any
	if err := json.Unmarshal(event.JSON, &payload); err != nil {
		logger.Warn(
			"ignoring event, unmarshaling json payload failed",
			logFieldEventIgnored,
			zap.Error(err),
		)

		return false
	}

	iter := o.filterQuery.Run(payload)
	result, ok := iter.Next()
	if !ok {
		logger.Warn(
			"ignoring event, filter query returned no result",
			logFieldEventIgnored,
		)

		return false
	}

	matched, isBool := result.(bool)
	if !isBool {
		logger.Warn(
			"ignoring event, filter query returned non-bool result",
			logFieldEventIgnored,
			zap.Any("filter_result", result),
		)

		return false
	}

	if !matched {
		logger.Debug("event filtered out", logFieldEventIgnored)
	}

	return matched
}

// schedule queues fn on the pull request's pipeline pool.
// The pool has a single routine, the stage work of one pull request runs
// strictly sequential while distinct pull requests proceed concurrently.
func (o *Orchestrator) schedule(logger *zap.Logger, event *github_prov.Event, fn func(context.Context, *github_prov.Event)) {
	key := prKey{
		repo: Repository{Owner: event.RepositoryOwner, Name: event.Repository},
		prNr: event.PullRequestNr,
	}

	o.lock.Lock()
	p, exist := o.pipelines[key]
	if !exist {
		p = &pipeline{pool: routines.NewPool(1)}
		o.pipelines[key] = p
		metrics.TrackedPRsInc()
	}
	p.lastEvent = event

	// queueing happens under the lock, removePipeline can not close the
	// pool between the lookup and Queue()
	o.wg.Add(1)
	p.pool.Queue(func() {
		defer o.wg.Done()
		fn(context.Background(), event)
	})
	o.lock.Unlock()

	logger.Debug("stage work scheduled", logfields.Event("work_scheduled"))
}

// lockedWorktree returns the repository clone with its per-repository lock
// held. All pull requests of a repository share one clone, the lock
// serializes worktree use across their pipelines.
// unlock must be called when the stage is done with the worktree.
func (o *Orchestrator) lockedWorktree(ctx context.Context, repo Repository) (wt Worktree, unlock func(), err error) {
	mu := o.repoMutex(repo)
	mu.Lock()

	wt, err = o.worktrees(ctx, repo)
	if err != nil {
		mu.Unlock()
		return nil, nil, err
	}

	return wt, mu.Unlock, nil
}

func (o *Orchestrator) repoMutex(repo Repository) *sync.Mutex {
	o.lock.Lock()
	defer o.lock.Unlock()

	mu, exist := o.repoLocks[repo]
	if !exist {
		mu = &sync.Mutex{}
		o.repoLocks[repo] = mu
	}

	return mu
}

func (o *Orchestrator) removePipeline(repo Repository, prNr int) {
	key := prKey{repo: repo, prNr: prNr}

	o.lock.Lock()
	p, exist := o.pipelines[key]
	if exist {
		delete(o.pipelines, key)
		metrics.TrackedPRsDec()
	}
	o.lock.Unlock()

	if exist {
		// drain asynchronously, queued work for the closed pull
		// request still finishes
		go p.pool.Wait()
	}
}

// scheduleReevaluations re-runs the evaluation for every tracked pull
// request, as a safety net against missed webhook deliveries.
func (o *Orchestrator) scheduleReevaluations() {
	o.lock.Lock()
	events := make([]*github_prov.Event, 0, len(o.pipelines))
	for _, p := range o.pipelines {
		if p.lastEvent != nil {
			events = append(events, p.lastEvent)
		}
	}
	o.lock.Unlock()

	for _, ev := range events {
		o.schedule(o.logger.With(ev.LogFields...), ev, o.runEvaluation)
	}

	o.logger.Debug("periodic re-evaluation scheduled",
		logfields.Event("periodic_reevaluation_scheduled"),
		zap.Int("pull_request_count", len(events)),
	)
}

func (o *Orchestrator) recordPRState(repo Repository, prNr int, state PRState) {
	o.lock.Lock()
	defer o.lock.Unlock()

	if p, exist := o.pipelines[prKey{repo: repo, prNr: prNr}]; exist {
		p.lastState = state
	}
}

type trackedPR struct {
	Repository    Repository
	PullRequestNr int
	HeadSHA       string
	State         PRState
}

// trackedPRs returns the pull requests with an active pipeline, ordered by
// repository and number.
func (o *Orchestrator) trackedPRs() []trackedPR {
	o.lock.Lock()
	result := make([]trackedPR, 0, len(o.pipelines))
	for key, p := range o.pipelines {
		tracked := trackedPR{
			Repository:    key.repo,
			PullRequestNr: key.prNr,
			State:         p.lastState,
		}
		if p.lastEvent != nil {
			tracked.HeadSHA = p.lastEvent.HeadSHA
		}

		result = append(result, tracked)
	}
	o.lock.Unlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Repository != result[j].Repository {
			return result[i].Repository.String() < result[j].Repository.String()
		}

		return result[i].PullRequestNr < result[j].PullRequestNr
	})

	return result
}
