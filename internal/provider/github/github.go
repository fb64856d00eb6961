// Package github receives github webhook http-requests and converts them to
// normalized events.
package github

import (
	"net/http"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/prshepherd/prshepherd/internal/logfields"
)

const loggerName = "github-event-provider"

// Provider listens for github-webhook http-requests at a http-server handler,
// validates and converts the requests to Events and forwards them to event
// channels.
type Provider struct {
	logger        *zap.Logger
	webhookSecret []byte
	chans         []chan<- *Event
}

type option func(*Provider)

// WithPayloadSecret enables HMAC validation of the webhook payload with the
// shared secret.
func WithPayloadSecret(secret string) option {
	return func(p *Provider) {
		p.webhookSecret = []byte(secret)
	}
}

func New(eventChans []chan<- *Event, opts ...option) *Provider {
	p := Provider{
		chans: eventChans,
	}

	for _, o := range opts {
		o(&p)
	}

	if p.logger == nil {
		p.logger = zap.L().Named(loggerName)
	}

	return &p
}

func (p *Provider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	deliveryID := github.DeliveryID(req)
	hookType := github.WebHookType(req)

	logFields := []zap.Field{
		logfields.EventProvider("github"),
		zap.String("github.delivery_id", deliveryID),
		zap.String("github.webhook_type", hookType),
	}

	logger := p.logger.With(logFields...)

	payload, err := github.ValidatePayload(req, p.webhookSecret)
	if err != nil {
		logger.Info(
			"received invalid http request, payload validation failed",
			logfields.Event("github_http_request_validation_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	event, err := github.ParseWebHook(hookType, payload)
	if err != nil {
		logger.Info(
			"received invalid http request, parsing failed",
			logfields.Event("github_event_parsing_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	events := p.toEvents(logger, deliveryID, hookType, payload, event)
	if len(events) == 0 {
		return
	}

	for _, ev := range events {
		if !p.forward(logger, ev) {
			http.Error(resp, "queue full", http.StatusServiceUnavailable)
			return
		}
	}
}

// toEvents converts a parsed webhook payload to normalized events.
// A check_suite event references all pull requests the suite belongs to and
// results in one event per pull request.
func (p *Provider) toEvents(logger *zap.Logger, deliveryID, hookType string, payload []byte, event any) []*Event {
	base := Event{
		DeliveryID: deliveryID,
		Type:       hookType,
		JSON:       payload,
	}

	switch event := event.(type) {
	case *github.PullRequestEvent:
		ev := base
		ev.Action = event.GetAction()
		ev.RepositoryOwner = event.GetRepo().GetOwner().GetLogin()
		ev.Repository = event.GetRepo().GetName()

		if pr := event.GetPullRequest(); pr != nil {
			ev.PullRequestNr = pr.GetNumber()
			ev.HeadRef = pr.GetHead().GetRef()
			ev.HeadSHA = pr.GetHead().GetSHA()
			ev.BaseRef = pr.GetBase().GetRef()
		}

		ev.LogFields = evLogFields(&ev)

		return []*Event{&ev}

	case *github.PullRequestReviewEvent:
		ev := base
		ev.Action = event.GetAction()
		ev.RepositoryOwner = event.GetRepo().GetOwner().GetLogin()
		ev.Repository = event.GetRepo().GetName()

		if pr := event.GetPullRequest(); pr != nil {
			ev.PullRequestNr = pr.GetNumber()
			ev.HeadRef = pr.GetHead().GetRef()
			ev.HeadSHA = pr.GetHead().GetSHA()
			ev.BaseRef = pr.GetBase().GetRef()
		}

		ev.LogFields = evLogFields(&ev)

		return []*Event{&ev}

	case *github.CheckSuiteEvent:
		suite := event.GetCheckSuite()
		if suite == nil {
			return nil
		}

		result := make([]*Event, 0, len(suite.PullRequests))
		for _, pr := range suite.PullRequests {
			ev := base
			ev.Action = event.GetAction()
			ev.RepositoryOwner = event.GetRepo().GetOwner().GetLogin()
			ev.Repository = event.GetRepo().GetName()
			ev.PullRequestNr = pr.GetNumber()
			ev.HeadRef = pr.GetHead().GetRef()
			ev.HeadSHA = suite.GetHeadSHA()
			ev.BaseRef = pr.GetBase().GetRef()
			ev.LogFields = evLogFields(&ev)

			result = append(result, &ev)
		}

		return result

	default:
		logger.Debug("ignoring event, event type is unsupported",
			logfields.Event("github_unsupported_event_received"),
		)

		return nil
	}
}

func evLogFields(ev *Event) []zap.Field {
	fields := make([]zap.Field, 0, 7)

	fields = append(fields,
		logfields.EventProvider("github"),
		zap.String("github.delivery_id", ev.DeliveryID),
		zap.String("github.webhook_type", ev.Type),
	)

	if ev.Repository != "" {
		fields = append(fields, logfields.Repository(ev.Repository))
	}

	if ev.RepositoryOwner != "" {
		fields = append(fields, logfields.RepositoryOwner(ev.RepositoryOwner))
	}

	if ev.PullRequestNr != 0 {
		fields = append(fields, logfields.PullRequest(ev.PullRequestNr))
	}

	if ev.HeadSHA != "" {
		fields = append(fields, logfields.Commit(ev.HeadSHA))
	}

	return fields
}

func (p *Provider) forward(logger *zap.Logger, ev *Event) bool {
	for _, c := range p.chans {
		select {
		case c <- ev:
			logger.Debug("event forwarded to channel",
				logfields.Event("github_event_forwarded"),
			)

		default:
			logger.Warn(
				"event lost, forwarding event to channel would have blocked",
				logfields.Event("github_forwarding_event_failed"),
			)

			return false
		}
	}

	return true
}
