package orchestrator

import "github.com/prshepherd/prshepherd/internal/githubclt"

// PRState is the derived lifecycle state of a pull request.
// It is always computed from a live snapshot, never from possibly stale
// labels.
type PRState string

const (
	PRStateDraft          PRState = "draft"
	PRStateReadyForReview PRState = "ready-for-review"
	PRStateReadyToMerge   PRState = "ready-to-merge"
	PRStateMerged         PRState = "merged"
	PRStateClosed         PRState = "closed"
)

// DerivePRState maps a snapshot and its merge decision to the lifecycle
// state.
func DerivePRState(sn *githubclt.Snapshot, decision Decision) PRState {
	switch {
	case sn.Merged:
		return PRStateMerged
	case sn.Closed:
		return PRStateClosed
	case sn.Draft:
		return PRStateDraft
	case decision.Mergeable:
		return PRStateReadyToMerge
	default:
		return PRStateReadyForReview
	}
}
