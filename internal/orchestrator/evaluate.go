package orchestrator

import (
	"github.com/prshepherd/prshepherd/internal/githubclt"
)

// BlockingReason names a condition that prevents automatic merging.
type BlockingReason string

const (
	ReasonDraft                 BlockingReason = "draft"
	ReasonMergeableStateNotClean BlockingReason = "mergeable_state_not_clean"
	ReasonBlockingLabel         BlockingReason = "blocking_label"
	ReasonCheckFailed           BlockingReason = "check_failed"
	ReasonCheckPending          BlockingReason = "check_pending"
	ReasonChangesRequested      BlockingReason = "changes_requested"
)

// Decision is the result of evaluating the merge criteria for a pull
// request snapshot.
// It is derived fresh on every evaluation and never cached, any underlying
// field may have changed between dispatches.
type Decision struct {
	Mergeable bool
	Reasons   []BlockingReason
}

// Evaluator computes the merge criteria.
type Evaluator struct {
	blockingLabels map[string]struct{}
}

// NewEvaluator returns an Evaluator that treats the builtin blocking labels
// plus extraBlockingLabels as merge blockers.
func NewEvaluator(extraBlockingLabels []string) *Evaluator {
	return &Evaluator{
		blockingLabels: toStrSet(append(DefaultBlockingLabels(), extraBlockingLabels...)),
	}
}

// Evaluate returns the merge decision for the snapshot.
//
// All blocking conditions are evaluated independently and every true
// condition is reported as a distinct reason, the result is never
// short-circuited. Mergeable is true exactly when Reasons is empty.
// Evaluate has no side effects and performs no I/O.
func (e *Evaluator) Evaluate(sn *githubclt.Snapshot) Decision {
	var reasons []BlockingReason

	if sn.Draft {
		reasons = append(reasons, ReasonDraft)
	}

	if sn.MergeableState != githubclt.MergeableStateClean {
		reasons = append(reasons, ReasonMergeableStateNotClean)
	}

	if e.hasBlockingLabel(sn) {
		reasons = append(reasons, ReasonBlockingLabel)
	}

	var checkFailed, checkPending bool
	for _, state := range sn.Checks {
		switch state {
		case githubclt.CheckStateFailure:
			checkFailed = true
		case githubclt.CheckStatePending:
			checkPending = true
		}
	}

	if checkFailed {
		reasons = append(reasons, ReasonCheckFailed)
	}

	if checkPending {
		reasons = append(reasons, ReasonCheckPending)
	}

	if sn.ReviewDecision == githubclt.ReviewDecisionChangesRequested {
		reasons = append(reasons, ReasonChangesRequested)
	}

	return Decision{
		Mergeable: len(reasons) == 0,
		Reasons:   reasons,
	}
}

func (e *Evaluator) hasBlockingLabel(sn *githubclt.Snapshot) bool {
	for _, label := range sn.Labels {
		if _, exist := e.blockingLabels[label]; exist {
			return true
		}
	}

	return false
}

// IsBlockingLabel returns true when the label prevents automatic merging.
func (e *Evaluator) IsBlockingLabel(label string) bool {
	_, exist := e.blockingLabels[label]
	return exist
}
