package githubclt

import (
	"testing"

	"github.com/shurcooL/githubv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToCheckStatesFoldsRunsAndStatuses(t *testing.T) {
	checks, err := toCheckStates(
		[]*queryCheckStatus{
			{Name: "build", Status: githubv4.CheckStatusStateCompleted, Conclusion: githubv4.CheckConclusionStateSuccess},
			{Name: "lint", Status: githubv4.CheckStatusStateInProgress},
		},
		[]*queryStatusContext{
			{Context: "ci/integration", State: githubv4.StatusStateFailure},
		},
	)
	require.NoError(t, err)

	assert.Equal(t, CheckStateSuccess, checks["build"])
	assert.Equal(t, CheckStatePending, checks["lint"])
	assert.Equal(t, CheckStateFailure, checks["ci/integration"])
}

func TestToCheckStatesFailsOnUnknownConclusion(t *testing.T) {
	_, err := toCheckStates(
		[]*queryCheckStatus{
			{Name: "build", Status: githubv4.CheckStatusStateCompleted, Conclusion: "SOMETHING_NEW"},
		},
		nil,
	)
	require.Error(t, err)
}

func TestCheckRunStatesMapToPending(t *testing.T) {
	pendingStates := []githubv4.CheckStatusState{
		githubv4.CheckStatusStateInProgress,
		githubv4.CheckStatusStatePending,
		githubv4.CheckStatusStateQueued,
		githubv4.CheckStatusStateRequested,
		githubv4.CheckStatusStateWaiting,
	}

	for _, state := range pendingStates {
		result, err := checkRunResultToCheckState(state, "")
		require.NoError(t, err)
		assert.Equal(t, CheckStatePending, result, "state: %s", state)
	}
}

func TestSnapshotHasLabel(t *testing.T) {
	sn := Snapshot{Labels: []string{"needs-review", "bug"}}

	assert.True(t, sn.HasLabel("needs-review"))
	assert.False(t, sn.HasLabel("do-not-merge"))
}
