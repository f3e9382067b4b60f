package observability

import (
	"context"
	"errors"
	"time"

	"encore.dev/pubsub"
)

// RefreshCompletedEvent reports the outcome of a background
// stale-while-revalidate refresh (spec.md §4.8's scenario 3). Published
// by Query Service, consumed here purely for aggregate accounting — there
// is only one instance of this service, so pubsub here plays the role of
// an in-process event bus rather than cross-instance coordination (the
// distributed-cache-manager role it plays in cache-manager/subscriptions.go).
type RefreshCompletedEvent struct {
	Key       string        `json:"key"`
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// RefreshCompletedTopic is published to after every background refresh
// attempt, successful or not.
var RefreshCompletedTopic = pubsub.NewTopic[*RefreshCompletedEvent](
	"refresh-completed",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// CircuitStateChangedEvent reports an Upstream Client circuit breaker
// transition, published from upstream.CircuitBreaker's OnTransition hook.
type CircuitStateChangedEvent struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// CircuitStateChangedTopic is published to on every breaker transition.
var CircuitStateChangedTopic = pubsub.NewTopic[*CircuitStateChangedEvent](
	"circuit-state-changed",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

var errBackgroundRefreshFailed = errors.New("background refresh failed")

// active is the process-wide Metrics sink these subscriptions feed, set by
// New() the same way cache-manager/service.go guards its handlers with a
// package-level svc.
var active *Metrics

// Subscribe to refresh-completion events from Query Service.
var _ = pubsub.NewSubscription(
	RefreshCompletedTopic,
	"observability-refresh-completed",
	pubsub.SubscriptionConfig[*RefreshCompletedEvent]{
		Handler: func(ctx context.Context, event *RefreshCompletedEvent) error {
			if active == nil {
				return nil
			}
			if event.Success {
				active.RecordUpstreamCall(nil)
			} else {
				active.RecordUpstreamCall(errBackgroundRefreshFailed)
			}
			return nil
		},
	},
)

// Subscribe to circuit breaker transitions from the Upstream Client.
var _ = pubsub.NewSubscription(
	CircuitStateChangedTopic,
	"observability-circuit-state-changed",
	pubsub.SubscriptionConfig[*CircuitStateChangedEvent]{
		Handler: func(ctx context.Context, event *CircuitStateChangedEvent) error {
			if active == nil {
				return nil
			}
			if event.To == "open" {
				active.RecordCircuitOpen()
			}
			return nil
		},
	},
)
