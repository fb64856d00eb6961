package orchestrator

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyRunning is returned by RunStore.Start when a run for the same
// pull request, stage and head commit has not finished yet.
var ErrAlreadyRunning = errors.New("a run for this stage and commit is already running")

// DefMaxHistory is the default number of finished runs that are kept for
// the status endpoint.
const DefMaxHistory = 512

type runKey struct {
	repo  Repository
	prNr  int
	stage Stage
}

// RunStore tracks stage runs.
//
// It enforces the at-most-one-running-run guard per (pull request, stage):
// starting a run for a head commit that is already being processed fails
// with ErrAlreadyRunning, starting a run for a newer head commit supersedes
// the old run, which is finalized as failure.
// Finished runs are kept in a bounded, append-only history.
type RunStore struct {
	mu         sync.Mutex
	running    map[runKey]*Run
	history    []*Run
	maxHistory int
}

func NewRunStore() *RunStore {
	return &RunStore{
		running:    map[runKey]*Run{},
		maxHistory: DefMaxHistory,
	}
}

// Start records the beginning of a stage run.
func (s *RunStore) Start(repo Repository, prNr int, stage Stage, headSHA string) (*Run, error) {
	key := runKey{repo: repo, prNr: prNr, stage: stage}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, exist := s.running[key]; exist {
		if cur.HeadSHA == headSHA {
			return nil, ErrAlreadyRunning
		}

		// a newer head commit supersedes the old run, its eventual
		// push or merge attempt would be rejected as stale anyway
		s.finalize(cur, RunStatusFailure)
	}

	run := Run{
		ID:            uuid.NewString(),
		Repository:    repo,
		PullRequestNr: prNr,
		Stage:         stage,
		HeadSHA:       headSHA,
		Status:        RunStatusRunning,
		StartedAt:     time.Now(),
	}

	s.running[key] = &run

	return &run, nil
}

// Finish finalizes a run with the given status.
// Finishing an already finalized run is a no-op.
func (s *RunStore) Finish(run *Run, status RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runKey{repo: run.Repository, prNr: run.PullRequestNr, stage: run.Stage}
	if cur, exist := s.running[key]; exist && cur == run {
		delete(s.running, key)
	}

	if run.Status != RunStatusRunning {
		return
	}

	s.finalize(run, status)
}

// finalize must be called with s.mu held.
func (s *RunStore) finalize(run *Run, status RunStatus) {
	run.Status = status
	run.CompletedAt = time.Now()

	s.history = append(s.history, run)
	if len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
}

// History returns the finished runs, oldest first.
func (s *RunStore) History() []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*Run, len(s.history))
	copy(result, s.history)

	return result
}

// Running returns the currently running runs.
func (s *RunStore) Running() []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*Run, 0, len(s.running))
	for _, run := range s.running {
		result = append(result, run)
	}

	return result
}
