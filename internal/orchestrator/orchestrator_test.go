package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/prshepherd/prshepherd/internal/gitcmd"
	"github.com/prshepherd/prshepherd/internal/githubclt"
	"github.com/prshepherd/prshepherd/internal/orchestrator/mocks"
	"github.com/prshepherd/prshepherd/internal/orcherr"
	github_prov "github.com/prshepherd/prshepherd/internal/provider/github"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeWorktree is an in-memory Worktree, the git operations only record
// that they happened.
type fakeWorktree struct {
	mu sync.Mutex

	dirty           bool
	mergeConflicted bool
	unmergedPaths   []string
	pushErr         error
	commandErr      error

	preparedSHAs []string
	ranCommands  [][]string
	commitMsgs   []string
	pushedRefs   []string
	mergedRefs   []string
	abortCnt     int
	resetSHAs    []string
}

func (f *fakeWorktree) Prepare(_ context.Context, _, headSHA string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.preparedSHAs = append(f.preparedSHAs, headSHA)
	return nil
}

func (f *fakeWorktree) FetchBase(context.Context, string) error { return nil }

func (f *fakeWorktree) IsDirty(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.dirty, nil
}

func (f *fakeWorktree) RunCommand(_ context.Context, argv []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ranCommands = append(f.ranCommands, argv)
	return f.commandErr
}

func (f *fakeWorktree) CommitAll(_ context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commitMsgs = append(f.commitMsgs, message)
	return nil
}

func (f *fakeWorktree) Merge(_ context.Context, baseRef string, _ gitcmd.Policy) (*gitcmd.MergeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.mergedRefs = append(f.mergedRefs, baseRef)
	return &gitcmd.MergeResult{
		Conflicted:    f.mergeConflicted,
		UnmergedPaths: f.unmergedPaths,
	}, nil
}

func (f *fakeWorktree) AbortMerge(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.abortCnt++
	return nil
}

func (f *fakeWorktree) Reset(_ context.Context, sha string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.resetSHAs = append(f.resetSHAs, sha)
	return nil
}

func (f *fakeWorktree) Push(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pushErr != nil {
		return f.pushErr
	}

	f.pushedRefs = append(f.pushedRefs, ref)
	return nil
}

func newTestOrchestrator(t *testing.T, cfg *Config, ghClient GithubClient, wt Worktree) *Orchestrator {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	if cfg.Repositories == nil {
		cfg.Repositories = []Repository{testRepo}
	}

	orch, err := New(
		cfg,
		ghClient,
		func(context.Context, Repository) (Worktree, error) { return wt, nil },
		make(chan *github_prov.Event),
	)
	require.NoError(t, err)

	orch.retryer.backoffInitialInterval = time.Millisecond

	return orch
}

func testEvent(eventType, action string) *github_prov.Event {
	return &github_prov.Event{
		DeliveryID:      "delivery-id",
		Type:            eventType,
		Action:          action,
		RepositoryOwner: testRepo.Owner,
		Repository:      testRepo.Name,
		PullRequestNr:   1,
		HeadRef:         "pr_branch",
		HeadSHA:         "aaaa",
		BaseRef:         "main",
		JSON:            []byte(`{}`),
	}
}

func runStatuses(store *RunStore) map[Stage]RunStatus {
	result := map[Stage]RunStatus{}
	for _, run := range store.History() {
		result[run.Stage] = run.Status
	}

	return result
}

// An opened pull request with formatting changes and a clean mergeable
// state is formatted, labeled and merged in one pipeline run.
func TestPipelineFormatAndMerge(t *testing.T) {
	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	wt := &fakeWorktree{dirty: true}

	orch := newTestOrchestrator(t, &Config{
		FormatterCommands: [][]string{{"gofmt", "-w", "."}},
	}, ghClient, wt)

	sn := cleanSnapshot()
	sn.Title = "pr title"

	ghClient.EXPECT().
		Snapshot(gomock.Any(), testRepo.Owner, testRepo.Name, 1).
		Return(sn, nil).
		Times(2)

	ghClient.EXPECT().
		AddLabel(gomock.Any(), testRepo.Owner, testRepo.Name, 1, LabelAutoFixed).
		Return(nil)
	ghClient.EXPECT().
		AddLabel(gomock.Any(), testRepo.Owner, testRepo.Name, 1, LabelReadyToMerge).
		Return(nil)
	ghClient.EXPECT().
		AddLabel(gomock.Any(), testRepo.Owner, testRepo.Name, 1, LabelAutoMerged).
		Return(nil)

	ghClient.EXPECT().
		CreateIssueComment(gomock.Any(), testRepo.Owner, testRepo.Name, 1, gomock.Any()).
		Return(nil).
		Times(2)

	ghClient.EXPECT().
		SquashMerge(gomock.Any(), testRepo.Owner, testRepo.Name, 1, "pr title (#1)", gomock.Any(), "aaaa").
		Return(nil)

	orch.ProcessEvent(testEvent("pull_request", "opened"))
	orch.Stop()

	assert.Equal(t, [][]string{{"gofmt", "-w", "."}}, wt.ranCommands)
	assert.Equal(t, []string{"pr_branch"}, wt.pushedRefs)

	assert.Equal(t,
		map[Stage]RunStatus{
			StageFix:     RunStatusSuccess,
			StageResolve: RunStatusSkipped,
			StageMerge:   RunStatusSuccess,
		},
		runStatuses(orch.runs),
	)

	orch.lock.Lock()
	defer orch.lock.Unlock()
	assert.Empty(t, orch.pipelines, "pipeline still tracked after merge")
}

// A conflicting pull request is resolved by merging the base branch into
// it, afterwards the evaluation sees a clean state and merges.
func TestPipelineResolvesConflicts(t *testing.T) {
	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	wt := &fakeWorktree{}

	orch := newTestOrchestrator(t, &Config{
		ValidateCommand: []string{"make", "check"},
	}, ghClient, wt)

	conflictingSn := cleanSnapshot()
	conflictingSn.MergeableState = githubclt.MergeableStateConflicting

	gomock.InOrder(
		ghClient.EXPECT().
			Snapshot(gomock.Any(), testRepo.Owner, testRepo.Name, 1).
			Return(conflictingSn, nil),
		ghClient.EXPECT().
			Snapshot(gomock.Any(), testRepo.Owner, testRepo.Name, 1).
			Return(cleanSnapshot(), nil),
	)

	ghClient.EXPECT().
		AddLabel(gomock.Any(), testRepo.Owner, testRepo.Name, 1, LabelAutoResolved).
		Return(nil)
	ghClient.EXPECT().
		AddLabel(gomock.Any(), testRepo.Owner, testRepo.Name, 1, LabelReadyToMerge).
		Return(nil)
	ghClient.EXPECT().
		AddLabel(gomock.Any(), testRepo.Owner, testRepo.Name, 1, LabelAutoMerged).
		Return(nil)

	ghClient.EXPECT().
		CreateIssueComment(gomock.Any(), testRepo.Owner, testRepo.Name, 1, gomock.Any()).
		Return(nil).
		Times(2)

	ghClient.EXPECT().
		SquashMerge(gomock.Any(), testRepo.Owner, testRepo.Name, 1, gomock.Any(), gomock.Any(), "aaaa").
		Return(nil)

	orch.ProcessEvent(testEvent("pull_request", "synchronize"))
	orch.Stop()

	assert.Equal(t, []string{"main"}, wt.mergedRefs)
	assert.Equal(t, [][]string{{"make", "check"}}, wt.ranCommands)
	assert.Equal(t, []string{"pr_branch"}, wt.pushedRefs)
	assert.Zero(t, wt.abortCnt)

	assert.Equal(t,
		map[Stage]RunStatus{
			StageResolve: RunStatusSuccess,
			StageMerge:   RunStatusSuccess,
		},
		runStatuses(orch.runs),
	)
}

// Conflicts the resolve policy cannot decide abort the merge, a comment
// asks for manual intervention and the pull request is not merged.
func TestPipelineUnresolvableConflict(t *testing.T) {
	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	wt := &fakeWorktree{
		mergeConflicted: true,
		unmergedPaths:   []string{"main.go"},
	}

	orch := newTestOrchestrator(t, &Config{}, ghClient, wt)

	conflictingSn := cleanSnapshot()
	conflictingSn.MergeableState = githubclt.MergeableStateConflicting

	ghClient.EXPECT().
		Snapshot(gomock.Any(), testRepo.Owner, testRepo.Name, 1).
		Return(conflictingSn, nil).
		Times(2)

	var comment string
	ghClient.EXPECT().
		CreateIssueComment(gomock.Any(), testRepo.Owner, testRepo.Name, 1, gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, _ int, body string) error {
			comment = body
			return nil
		})

	orch.ProcessEvent(testEvent("pull_request", "synchronize"))
	orch.Stop()

	assert.Equal(t, 1, wt.abortCnt)
	assert.Empty(t, wt.pushedRefs)
	assert.Contains(t, comment, "manual intervention")
	assert.Contains(t, comment, "main.go")

	assert.Equal(t,
		map[Stage]RunStatus{StageResolve: RunStatusFailure},
		runStatuses(orch.runs),
	)
}

// A stale push means the pull request branch changed while the fix stage
// ran, the result is discarded silently.
func TestFixStageDiscardsStalePush(t *testing.T) {
	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	wt := &fakeWorktree{
		dirty:   true,
		pushErr: gitcmd.ErrStalePush,
	}

	orch := newTestOrchestrator(t, &Config{
		FormatterCommands: [][]string{{"gofmt", "-w", "."}},
	}, ghClient, wt)

	event := testEvent("pull_request", "opened")
	orch.runFixStage(context.Background(), orch.logger, event)

	assert.Equal(t,
		map[Stage]RunStatus{StageFix: RunStatusFailure},
		runStatuses(orch.runs),
	)
}

// Formatters that produce no changes finish the fix stage as skipped,
// nothing is committed, pushed, labeled or commented.
func TestFixStageSkipsWhenNothingChanged(t *testing.T) {
	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	wt := &fakeWorktree{}

	orch := newTestOrchestrator(t, &Config{
		FormatterCommands: [][]string{{"gofmt", "-w", "."}},
	}, ghClient, wt)

	event := testEvent("pull_request", "opened")
	orch.runFixStage(context.Background(), orch.logger, event)

	assert.Equal(t, [][]string{{"gofmt", "-w", "."}}, wt.ranCommands)
	assert.Empty(t, wt.commitMsgs)
	assert.Empty(t, wt.pushedRefs)

	assert.Equal(t,
		map[Stage]RunStatus{StageFix: RunStatusSkipped},
		runStatuses(orch.runs),
	)
}

// After the retryer was stopped, fetching the pull request state returns an
// error and the evaluation terminates without acting on the pull request.
func TestEvaluationFailsGracefullyAfterShutdown(t *testing.T) {
	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)

	orch := newTestOrchestrator(t, &Config{}, ghClient, &fakeWorktree{})

	ghClient.EXPECT().
		Snapshot(gomock.Any(), testRepo.Owner, testRepo.Name, 1).
		Return(nil, orcherr.NewRetryableAnytimeError(errors.New("mocked transient error"))).
		AnyTimes()

	orch.retryer.Stop()

	sn, err := orch.snapshot(context.Background(), testRepo, 1)
	assert.Nil(t, sn)
	assert.ErrorIs(t, err, ErrRetryerStopped)

	orch.runEvaluation(context.Background(), testEvent("pull_request", "labeled"))
	orch.Stop()
}

// A labeled event only re-evaluates, the pull request with a blocking
// label is not merged and no worktree operation happens.
func TestLabeledEventTriggersEvaluationOnly(t *testing.T) {
	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	wt := &fakeWorktree{}

	orch := newTestOrchestrator(t, &Config{
		FormatterCommands: [][]string{{"gofmt", "-w", "."}},
	}, ghClient, wt)

	sn := cleanSnapshot()
	sn.Labels = []string{"do-not-merge"}

	ghClient.EXPECT().
		Snapshot(gomock.Any(), testRepo.Owner, testRepo.Name, 1).
		Return(sn, nil)

	orch.ProcessEvent(testEvent("pull_request", "labeled"))
	orch.Stop()

	assert.Empty(t, wt.preparedSHAs)
	assert.Empty(t, wt.ranCommands)
	assert.Empty(t, runStatuses(orch.runs))
}

func TestEventsForUnmonitoredReposAreIgnored(t *testing.T) {
	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)

	orch := newTestOrchestrator(t, &Config{}, ghClient, &fakeWorktree{})

	event := testEvent("pull_request", "opened")
	event.RepositoryOwner = "otherowner"

	orch.ProcessEvent(event)
	orch.Stop()

	orch.lock.Lock()
	defer orch.lock.Unlock()
	assert.Empty(t, orch.pipelines)
}

func TestClosedEventRemovesPipeline(t *testing.T) {
	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)

	orch := newTestOrchestrator(t, &Config{}, ghClient, &fakeWorktree{})

	sn := cleanSnapshot()
	sn.Labels = []string{"do-not-merge"}

	ghClient.EXPECT().
		Snapshot(gomock.Any(), testRepo.Owner, testRepo.Name, 1).
		Return(sn, nil).
		AnyTimes()

	orch.ProcessEvent(testEvent("pull_request", "labeled"))

	orch.lock.Lock()
	assert.Len(t, orch.pipelines, 1)
	orch.lock.Unlock()

	orch.ProcessEvent(testEvent("pull_request", "closed"))

	orch.lock.Lock()
	assert.Empty(t, orch.pipelines)
	orch.lock.Unlock()

	orch.Stop()
}

// sharedWorktree records how many pipelines hold the worktree between
// Prepare and Push at the same time.
type sharedWorktree struct {
	fakeWorktree

	active    atomic.Int32
	maxActive atomic.Int32
}

func (s *sharedWorktree) Prepare(ctx context.Context, headRef, headSHA string) error {
	cur := s.active.Add(1)
	for {
		max := s.maxActive.Load()
		if cur <= max || s.maxActive.CompareAndSwap(max, cur) {
			break
		}
	}

	// give a concurrently running pipeline time to enter Prepare too
	time.Sleep(20 * time.Millisecond)

	return s.fakeWorktree.Prepare(ctx, headRef, headSHA)
}

func (s *sharedWorktree) Push(ctx context.Context, ref string) error {
	defer s.active.Add(-1)
	return s.fakeWorktree.Push(ctx, ref)
}

// All pull requests of a repository operate on the same clone, their
// pipelines run concurrently but must use the worktree one at a time.
func TestWorktreeUseIsSerializedPerRepository(t *testing.T) {
	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	wt := &sharedWorktree{fakeWorktree: fakeWorktree{dirty: true}}

	orch := newTestOrchestrator(t, &Config{
		FormatterCommands: [][]string{{"gofmt", "-w", "."}},
	}, ghClient, wt)

	ghClient.EXPECT().
		Snapshot(gomock.Any(), testRepo.Owner, testRepo.Name, gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, prNr int) (*githubclt.Snapshot, error) {
			sn := cleanSnapshot()
			sn.Number = prNr
			return sn, nil
		}).
		AnyTimes()
	ghClient.EXPECT().
		AddLabel(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil).
		AnyTimes()
	ghClient.EXPECT().
		CreateIssueComment(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil).
		AnyTimes()
	ghClient.EXPECT().
		SquashMerge(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil).
		AnyTimes()

	first := testEvent("pull_request", "opened")
	second := testEvent("pull_request", "opened")
	second.PullRequestNr = 2

	orch.ProcessEvent(first)
	orch.ProcessEvent(second)
	orch.Stop()

	assert.EqualValues(t, 1, wt.maxActive.Load(),
		"worktree was used by multiple pipelines at the same time")
}

// Scheduling work for a pull request whose pipeline was just removed
// creates a fresh pipeline instead of queueing on the drained one.
func TestScheduleAfterPipelineRemoval(t *testing.T) {
	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)

	orch := newTestOrchestrator(t, &Config{}, ghClient, &fakeWorktree{})

	sn := cleanSnapshot()
	sn.Labels = []string{"do-not-merge"}

	ghClient.EXPECT().
		Snapshot(gomock.Any(), testRepo.Owner, testRepo.Name, 1).
		Return(sn, nil).
		AnyTimes()

	orch.ProcessEvent(testEvent("pull_request", "labeled"))
	orch.removePipeline(testRepo, 1)
	orch.ProcessEvent(testEvent("pull_request", "labeled"))

	orch.lock.Lock()
	assert.Len(t, orch.pipelines, 1)
	orch.lock.Unlock()

	orch.Stop()
}

func TestFilterQueryDropsNonMatchingEvents(t *testing.T) {
	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)

	orch := newTestOrchestrator(t, &Config{
		FilterQuery: `.sender.login != "bot"`,
	}, ghClient, &fakeWorktree{})

	event := testEvent("pull_request", "opened")
	event.JSON = []byte(`{"sender": {"login": "bot"}}`)

	orch.ProcessEvent(event)
	orch.Stop()

	orch.lock.Lock()
	defer orch.lock.Unlock()
	assert.Empty(t, orch.pipelines)
}

func TestEventLoopTerminatesOnChannelClose(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)

	evChan := make(chan *github_prov.Event)
	orch, err := New(
		&Config{Repositories: []Repository{testRepo}},
		ghClient,
		func(context.Context, Repository) (Worktree, error) { return &fakeWorktree{}, nil },
		evChan,
	)
	require.NoError(t, err)

	orch.Start()
	close(evChan)
	orch.Stop()
}
