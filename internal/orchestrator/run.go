package orchestrator

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/prshepherd/prshepherd/internal/logfields"
)

// Stage is a step of the pull request pipeline.
type Stage string

const (
	StageFix     Stage = "fix"
	StageResolve Stage = "resolve"
	StageMerge   Stage = "merge"
)

// RunStatus is the state of one stage run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailure RunStatus = "failure"
	RunStatusSkipped RunStatus = "skipped"
)

// Repository identifies a github repository.
type Repository struct {
	Owner string
	Name  string
}

func (r Repository) String() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Name)
}

// Run is one attempt of one stage against one head commit.
// Runs are append-only audit records, they are finalized exactly once and
// not changed afterwards.
type Run struct {
	ID            string
	Repository    Repository
	PullRequestNr int
	Stage         Stage
	HeadSHA       string
	Status        RunStatus
	StartedAt     time.Time
	CompletedAt   time.Time
}

func (r *Run) LogFields() []zap.Field {
	return []zap.Field{
		logfields.RunID(r.ID),
		logfields.Stage(string(r.Stage)),
		logfields.RepositoryOwner(r.Repository.Owner),
		logfields.Repository(r.Repository.Name),
		logfields.PullRequest(r.PullRequestNr),
		logfields.Commit(r.HeadSHA),
	}
}
