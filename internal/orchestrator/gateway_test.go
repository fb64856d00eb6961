package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/prshepherd/prshepherd/internal/orchestrator/mocks"
	"github.com/prshepherd/prshepherd/internal/orcherr"
)

func newTestGateway(t *testing.T) (*Gateway, *mocks.MockGithubClient) {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)

	retryer := NewRetryer()
	retryer.backoffInitialInterval = time.Millisecond
	t.Cleanup(retryer.Stop)

	return NewGateway(ghClient, retryer, NewEvaluator(nil)), ghClient
}

func TestEnsureLabelRefusesBlockingLabels(t *testing.T) {
	gateway, ghClient := newTestGateway(t)
	_ = ghClient // no API call may happen

	for _, label := range DefaultBlockingLabels() {
		err := gateway.EnsureLabel(context.Background(), testRepo, 1, label)
		assert.ErrorIsf(t, err, ErrBlockingLabelMutation, "label: %s", label)
	}
}

func TestEnsureLabelAddsInformationalLabels(t *testing.T) {
	gateway, ghClient := newTestGateway(t)

	for _, label := range InformationalLabels() {
		ghClient.
			EXPECT().
			AddLabel(gomock.Any(), gomock.Eq(testRepo.Owner), gomock.Eq(testRepo.Name), gomock.Eq(1), gomock.Eq(label)).
			Return(nil)

		err := gateway.EnsureLabel(context.Background(), testRepo, 1, label)
		require.NoErrorf(t, err, "label: %s", label)
	}
}

func TestPostCommentRetriesRetryableErrors(t *testing.T) {
	gateway, ghClient := newTestGateway(t)

	gomock.InOrder(
		ghClient.
			EXPECT().
			CreateIssueComment(gomock.Any(), gomock.Eq(testRepo.Owner), gomock.Eq(testRepo.Name), gomock.Eq(1), gomock.Any()).
			Return(orcherr.NewRetryableAnytimeError(errors.New("mocked transient error"))),
		ghClient.
			EXPECT().
			CreateIssueComment(gomock.Any(), gomock.Eq(testRepo.Owner), gomock.Eq(testRepo.Name), gomock.Eq(1), gomock.Any()).
			Return(nil),
	)

	err := gateway.PostComment(context.Background(), testRepo, 1, "comment")
	require.NoError(t, err)
}

func TestPostCommentReturnsPermanentErrors(t *testing.T) {
	gateway, ghClient := newTestGateway(t)

	wantErr := errors.New("mocked permanent error")

	ghClient.
		EXPECT().
		CreateIssueComment(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(wantErr)

	err := gateway.PostComment(context.Background(), testRepo, 1, "comment")
	assert.ErrorIs(t, err, wantErr)
}
