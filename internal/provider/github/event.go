package github

import (
	"fmt"

	"go.uber.org/zap"
)

// Event is a preprocessed Github webhook event.
// Fields that are not available for an event type are empty strings or 0.
type Event struct {
	// DeliveryID is the unique github ID of the webhook delivery
	DeliveryID string
	// Type is the github webhook event type returned by github.WebHookType()
	Type string
	// Action is the action field of the event payload
	Action string

	RepositoryOwner string
	Repository      string

	PullRequestNr int
	HeadRef       string
	HeadSHA       string
	BaseRef       string

	// JSON is the event payload as JSON
	JSON []byte

	LogFields []zap.Field
}

func (e *Event) String() string {
	return fmt.Sprintf("%s.%s (deliveryID: %s)", e.Type, e.Action, e.DeliveryID)
}
