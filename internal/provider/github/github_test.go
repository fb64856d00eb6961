package github

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const pullRequestOpenedPayload = `{
  "action": "opened",
  "number": 42,
  "pull_request": {
    "number": 42,
    "head": {"ref": "feature", "sha": "a1b2c3d4"},
    "base": {"ref": "main", "sha": "aaaa1111"}
  },
  "repository": {
    "name": "prshepherd",
    "owner": {"login": "prshepherd"}
  }
}`

func newWebhookRequest(t *testing.T, eventType, payload string) *http.Request {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/listener/github", bytes.NewReader([]byte(payload)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-GitHub-Delivery", "delivery-1")

	return req
}

func TestHTTPHandlerForwardsPullRequestEvent(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	ch := make(chan *Event, 1)
	p := New([]chan<- *Event{ch})

	resp := httptest.NewRecorder()
	p.HTTPHandler(resp, newWebhookRequest(t, "pull_request", pullRequestOpenedPayload))

	require.Equal(t, http.StatusOK, resp.Code)

	var ev *Event
	select {
	case ev = <-ch:
	default:
		t.Fatal("no event was forwarded to the channel")
	}

	assert.Equal(t, "pull_request", ev.Type)
	assert.Equal(t, "opened", ev.Action)
	assert.Equal(t, "prshepherd", ev.RepositoryOwner)
	assert.Equal(t, "prshepherd", ev.Repository)
	assert.Equal(t, 42, ev.PullRequestNr)
	assert.Equal(t, "feature", ev.HeadRef)
	assert.Equal(t, "a1b2c3d4", ev.HeadSHA)
	assert.Equal(t, "main", ev.BaseRef)
	assert.Equal(t, "delivery-1", ev.DeliveryID)
	assert.NotEmpty(t, ev.JSON)
}

func TestHTTPHandlerRejectsInvalidSignature(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	ch := make(chan *Event, 1)
	p := New([]chan<- *Event{ch}, WithPayloadSecret("secret"))

	resp := httptest.NewRecorder()
	p.HTTPHandler(resp, newWebhookRequest(t, "pull_request", pullRequestOpenedPayload))

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Empty(t, ch)
}

func TestHTTPHandlerRespondsUnavailableWhenChannelFull(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	ch := make(chan *Event) // unbuffered, forwarding always blocks
	p := New([]chan<- *Event{ch})

	resp := httptest.NewRecorder()
	p.HTTPHandler(resp, newWebhookRequest(t, "pull_request", pullRequestOpenedPayload))

	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestHTTPHandlerIgnoresUnsupportedEventTypes(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	ch := make(chan *Event, 1)
	p := New([]chan<- *Event{ch})

	resp := httptest.NewRecorder()
	p.HTTPHandler(resp, newWebhookRequest(t, "gollum", `{"action": "created"}`))

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Empty(t, ch)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
