// Package connector defines the plugin contracts for OrgLoop sources,
// actors, and transforms, and the registries that map connector names to
// constructors. Registration yields constructors, not instances: every module
// gets its own connector instances so per-module state (caches, rate-limit
// accounting) is never shared.
package connector

import (
	"context"
	"net/http"

	"github.com/orgloop/orgloop/internal/event"
)

// PollResult is what a source returns from one poll: the events observed
// since the checkpoint, in source order, and the advanced checkpoint.
type PollResult struct {
	Events     []*event.Event
	Checkpoint string
}

// Source is a connector instance that produces events by polling.
// Poll receives the stored checkpoint (empty on first poll) and must be safe
// to call repeatedly; the scheduler guarantees polls on one source never
// overlap.
type Source interface {
	Init(ctx context.Context, cfg map[string]any) error
	Poll(ctx context.Context, checkpoint string) (*PollResult, error)
	Shutdown(ctx context.Context) error
}

// WebhookSource is a source that receives events pushed over HTTP instead of
// (or in addition to) polling. HandleWebhook authenticates and parses the
// request and returns the constructed events; the listener publishes them.
type WebhookSource interface {
	Source
	HandleWebhook(ctx context.Context, r *http.Request) ([]*event.Event, error)
}

// WebhookError carries the HTTP status a webhook handler wants returned.
type WebhookError struct {
	Status  int
	Message string
}

func (e *WebhookError) Error() string { return e.Message }

// DeliveryStatus is the outcome of one actor delivery.
type DeliveryStatus string

const (
	StatusDelivered DeliveryStatus = "delivered"
	StatusRejected  DeliveryStatus = "rejected"
	StatusError     DeliveryStatus = "error"
)

// DeliveryResult reports what happened to one delivery. ResponseEvent, when
// set, is published back through the module's bus to close the loop.
type DeliveryResult struct {
	Status        DeliveryStatus
	ResponseEvent *event.Event
	Err           string
}

// Actor is a connector instance that consumes events. Deliver is called once
// per matched route with the merged route config; retry policy is the
// actor's own responsibility.
type Actor interface {
	Init(ctx context.Context, cfg map[string]any) error
	Deliver(ctx context.Context, e *event.Event, cfg map[string]any) (*DeliveryResult, error)
	Shutdown(ctx context.Context) error
}

// TransformContext tells a transform where in the pipeline it is running.
// Config is the step's effective config: per-route overrides shallow-merged
// over the transform definition's base config.
type TransformContext struct {
	Source    string
	Target    string
	EventType string
	RouteName string
	Config    map[string]any
}

// Transformer is an in-process pipeline step. Execute must not mutate the
// input event: it returns Pass with a new event, Drop, or Error. Transformers
// may keep state across events within one module.
type Transformer interface {
	Init(ctx context.Context, cfg map[string]any) error
	Execute(ctx context.Context, e *event.Event, tc TransformContext) Outcome
	Shutdown(ctx context.Context) error
}
