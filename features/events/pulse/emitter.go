// Package pulse implements the workflow events port on goa.design/pulse
// streams. It mirrors the layering used by existing Pulse deployments:
// services build a Redis client, pass it to the Pulse client, and hand the
// resulting emitter to the runtime.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"goa.design/clue/log"

	"goa.design/flow/features/events/pulse/clients/pulse"
	"goa.design/flow/workflow"
)

type (
	// Options configures the emitter.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target Pulse stream from an event. The
		// default routes by the event type's first dotted segment
		// (workflow.run.updated -> "workflow/workflow", asset.produced ->
		// "workflow/asset").
		StreamID func(workflow.Event) (string, error)
		// MarshalEnvelope overrides the envelope serialization (tests).
		MarshalEnvelope func(Envelope) ([]byte, error)
	}

	// Emitter publishes workflow events into Pulse streams. Emission is
	// best-effort: failures are logged, never propagated, so event loss can
	// not fail a run. Thread-safe for concurrent Emit calls.
	Emitter struct {
		client   pulse.Client
		streamID func(workflow.Event) (string, error)
		marshal  func(Envelope) ([]byte, error)
	}

	// Envelope wraps workflow events for transmission over Pulse streams.
	Envelope struct {
		// Type identifies the event kind (e.g. "workflow.run.succeeded").
		Type string `json:"type"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Data contains the event-specific payload, if any.
		Data any `json:"data,omitempty"`
	}
)

// NewEmitter constructs a Pulse-backed event emitter. The Client field in
// opts is required; StreamID and MarshalEnvelope default to the built-in
// implementations.
func NewEmitter(opts Options) (*Emitter, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	e := &Emitter{
		client:   opts.Client,
		streamID: defaultStreamID,
		marshal:  defaultMarshal,
	}
	if opts.StreamID != nil {
		e.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		e.marshal = opts.MarshalEnvelope
	}
	return e, nil
}

// Emit publishes the event to its derived Pulse stream.
func (e *Emitter) Emit(ctx context.Context, event workflow.Event) {
	streamID, err := e.streamID(event)
	if err != nil {
		log.Errorf(ctx, err, "derive stream for event %s", event.Type)
		return
	}
	handle, err := e.client.Stream(streamID)
	if err != nil {
		log.Errorf(ctx, err, "open stream %s", streamID)
		return
	}
	env := Envelope{
		Type:      event.Type,
		Timestamp: time.Now().UTC(),
		Data:      event.Data,
	}
	payload, err := e.marshal(env)
	if err != nil {
		log.Errorf(ctx, err, "encode event %s", event.Type)
		return
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		log.Errorf(ctx, err, "publish event %s to %s", event.Type, streamID)
	}
}

// Close releases resources owned by the emitter.
func (e *Emitter) Close(ctx context.Context) error {
	return e.client.Close(ctx)
}

// defaultStreamID routes an event by the first dotted segment of its type.
func defaultStreamID(event workflow.Event) (string, error) {
	if event.Type == "" {
		return "", errors.New("event missing type")
	}
	root := event.Type
	if i := strings.IndexByte(root, '.'); i > 0 {
		root = root[:i]
	}
	return "workflow/" + root, nil
}

// defaultMarshal serializes an envelope to JSON.
func defaultMarshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
