package orchestrator

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/prshepherd/prshepherd/internal/orchestrator/mocks"
	"github.com/prshepherd/prshepherd/internal/routines"
)

func TestHandlerListsRunsAndTrackedPRs(t *testing.T) {
	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)

	orch := newTestOrchestrator(t, &Config{}, ghClient, &fakeWorktree{})
	t.Cleanup(orch.Stop)

	run, err := orch.runs.Start(testRepo, 7, StageFix, "aaaa")
	require.NoError(t, err)
	orch.runs.Finish(run, RunStatusSuccess)

	orch.pipelines[prKey{repo: testRepo, prNr: 7}] = &pipeline{
		pool:      routines.NewPool(1),
		lastState: PRStateReadyForReview,
	}

	resp := httptest.NewRecorder()
	NewHTTPService(orch).HandlerListFunc(resp, httptest.NewRequest("GET", "/status", nil))

	body := resp.Body.String()
	assert.Contains(t, body, "TRACKED PULL REQUESTS")
	assert.Contains(t, body, "testman/repo")
	assert.Contains(t, body, string(PRStateReadyForReview))
	assert.Contains(t, body, string(StageFix))
	assert.Contains(t, body, string(RunStatusSuccess))
}
